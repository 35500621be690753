package device

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/maruel/natural"
)

// DefaultVideoPattern はV4L2デバイスの検索パターン
const DefaultVideoPattern = "/dev/video*"

// VideoScanner はV4L2デバイスノードを列挙する
type VideoScanner struct {
	Pattern string

	// accept はデバイスノードとして扱うかを判定する。nil ならキャラクタデバイスのみ
	accept func(fi os.FileInfo) bool
}

// NewVideoScanner は新しいVideoScannerを作成する
func NewVideoScanner() *VideoScanner {
	return &VideoScanner{Pattern: DefaultVideoPattern}
}

// Scan はデバイスパスを自然順（video2 < video10）で返す
func (s *VideoScanner) Scan(ctx context.Context) ([]string, error) {
	pattern := s.Pattern
	if pattern == "" {
		pattern = DefaultVideoPattern
	}

	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("デバイスのスキャンに失敗: %w", err)
	}

	accept := s.accept
	if accept == nil {
		accept = isCharDevice
	}

	devices := make([]string, 0, len(matches))
	for _, match := range matches {
		select {
		case <-ctx.Done():
			return devices, ctx.Err()
		default:
		}

		fi, err := os.Stat(match)
		if err != nil {
			continue
		}
		if accept(fi) {
			devices = append(devices, match)
		}
	}

	sort.Sort(natural.StringSlice(devices))
	return devices, nil
}

func isCharDevice(fi os.FileInfo) bool {
	return fi.Mode()&os.ModeCharDevice != 0
}
