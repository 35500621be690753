// Package storage は撮影した静止画の保存先を提供する
//
// 保存先はafero.Fsで抽象化しており、本番ではcapture.dir配下のOSファイルシステム、
// テストではメモリ上のファイルシステムを使う。
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/maruel/natural"
	"github.com/spf13/afero"
)

// ErrInvalidName は保存先の外を指すファイル名
var ErrInvalidName = errors.New("不正なファイル名です")

// maxSuffix は同名ファイルを避けるための連番の上限
const maxSuffix = 10000

// FileInfo は保存済みファイルの情報
type FileInfo struct {
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// Store は撮影画像の保存先
type Store struct {
	fs  afero.Fs
	dir string

	// mu は空き名の決定から書き込みまでを直列化する
	mu sync.Mutex
}

// New は指定ディレクトリを基点とするStoreを作成する
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("保存先ディレクトリの作成に失敗: %w", err)
	}
	return NewWithFs(afero.NewBasePathFs(afero.NewOsFs(), dir), dir), nil
}

// NewWithFs は任意のファイルシステムでStoreを作成する
// dir は表示用のパスとして使う
func NewWithFs(fs afero.Fs, dir string) *Store {
	return &Store{fs: fs, dir: dir}
}

// Dir は保存先ディレクトリを返す
func (s *Store) Dir() string {
	return s.dir
}

// Save は画像を保存し、保存先のパスを返す
// 同名のファイルがある場合は _1, _2 ... を付けて上書きを避ける
func (s *Store) Save(ctx context.Context, data []byte, suggestedName string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	name, err := cleanName(suggestedName)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ext := path.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	candidate := name
	for i := 1; ; i++ {
		f, err := s.fs.OpenFile(candidate, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			if _, err := f.Write(data); err != nil {
				_ = f.Close()
				_ = s.fs.Remove(candidate)
				return "", fmt.Errorf("画像の書き込みに失敗: %w", err)
			}
			if err := f.Close(); err != nil {
				return "", fmt.Errorf("画像のクローズに失敗: %w", err)
			}
			return path.Join(s.dir, candidate), nil
		}
		if !os.IsExist(err) {
			return "", fmt.Errorf("画像ファイルの作成に失敗: %w", err)
		}
		if i > maxSuffix {
			return "", fmt.Errorf("空いているファイル名が見つかりません: %s", name)
		}
		candidate = fmt.Sprintf("%s_%d%s", stem, i, ext)
	}
}

// Open は保存済みの画像を開く
func (s *Store) Open(name string) (io.ReadSeekCloser, FileInfo, error) {
	name, err := cleanName(name)
	if err != nil {
		return nil, FileInfo{}, err
	}

	f, err := s.fs.Open(name)
	if err != nil {
		return nil, FileInfo{}, fmt.Errorf("画像のオープンに失敗: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, FileInfo{}, fmt.Errorf("画像情報の取得に失敗: %w", err)
	}
	if st.IsDir() {
		_ = f.Close()
		return nil, FileInfo{}, fmt.Errorf("%w: %s", os.ErrNotExist, name)
	}
	return f, FileInfo{Name: name, Size: st.Size(), ModTime: st.ModTime()}, nil
}

// List は保存済みの画像を名前の自然順で返す
func (s *Store) List() ([]FileInfo, error) {
	entries, err := afero.ReadDir(s.fs, ".")
	if err != nil {
		if os.IsNotExist(err) {
			return []FileInfo{}, nil
		}
		return nil, fmt.Errorf("保存先の一覧取得に失敗: %w", err)
	}

	names := make([]string, 0, len(entries))
	byName := make(map[string]os.FileInfo, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		names = append(names, e.Name())
		byName[e.Name()] = e
	}
	sort.Sort(natural.StringSlice(names))

	files := make([]FileInfo, 0, len(names))
	for _, n := range names {
		e := byName[n]
		files = append(files, FileInfo{Name: n, Size: e.Size(), ModTime: e.ModTime()})
	}
	return files, nil
}

// cleanName は保存先直下のファイル名だけを許す
func cleanName(name string) (string, error) {
	if name == "" || name != path.Base(name) || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return name, nil
}
