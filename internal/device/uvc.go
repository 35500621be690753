package device

import (
	"context"
	"time"
)

// UVCConfig はWebカメラバックエンドの設定
type UVCConfig struct {
	Width        int
	Height       int
	FPS          int
	FrameTimeout time.Duration // 1フレーム待ちの上限
	Command      string        // ffmpegドライバーで使うコマンド
	Scanner      *VideoScanner
}

// DefaultUVCConfig はデフォルト設定を返す
func DefaultUVCConfig() UVCConfig {
	return UVCConfig{
		Width:        1920,
		Height:       1080,
		FPS:          60,
		FrameTimeout: 2 * time.Second,
		Command:      "ffmpeg",
		Scanner:      NewVideoScanner(),
	}
}

func (c UVCConfig) scanner() *VideoScanner {
	if c.Scanner == nil {
		return NewVideoScanner()
	}
	return c.Scanner
}

// enumerateVideo はUVCバックエンド共通の列挙処理
func enumerateVideo(ctx context.Context, cfg UVCConfig) ([]string, error) {
	return cfg.scanner().Scan(ctx)
}
