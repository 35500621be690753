package device

import (
	"fmt"
	"sort"
	"sync"

	"github.com/maruel/natural"
)

// ドライバー名
const (
	DriverNative  = "native"  // blackjack/webcam によるV4L2直接アクセス
	DriverFFmpeg  = "ffmpeg"  // ffmpegプロセス経由
	DriverGPhoto2 = "gphoto2" // gphoto2コマンド経由
	DriverMock    = "mock"    // テスト・デモ用
	DriverNone    = "none"    // バックエンドなし
)

// Options はバックエンド作成時の設定
type Options struct {
	UVC  UVCConfig
	DSLR DSLRConfig
}

// Creator はバックエンド作成関数の型
type Creator func(engine Engine, opts Options) (Backend, error)

// Registry はドライバー名からバックエンドを作成する
type Registry struct {
	mu       sync.RWMutex
	creators map[string]Creator
}

// NewRegistry は標準ドライバーを登録したRegistryを作成する
func NewRegistry() *Registry {
	r := &Registry{creators: make(map[string]Creator)}

	r.Register(DriverNative, func(engine Engine, opts Options) (Backend, error) {
		if engine != EngineUVC {
			return nil, fmt.Errorf("%s ドライバーはWebカメラ専用です", DriverNative)
		}
		// Linux以外では実装が無いので、Webカメラのエンジン自体を持たない
		return NewNativeUVC(opts.UVC), nil
	})
	r.Register(DriverFFmpeg, func(engine Engine, opts Options) (Backend, error) {
		if engine != EngineUVC {
			return nil, fmt.Errorf("%s ドライバーはWebカメラ専用です", DriverFFmpeg)
		}
		return NewFFmpegUVC(opts.UVC), nil
	})
	r.Register(DriverGPhoto2, func(engine Engine, opts Options) (Backend, error) {
		if engine != EngineDSLR {
			return nil, fmt.Errorf("%s ドライバーは一眼レフ専用です", DriverGPhoto2)
		}
		return NewGPhoto2(opts.DSLR), nil
	})
	r.Register(DriverMock, func(engine Engine, _ Options) (Backend, error) {
		if engine == EngineDSLR {
			return NewMockBackend(engine, "usb:001,002"), nil
		}
		return NewMockBackend(engine, "/dev/video0"), nil
	})
	r.Register(DriverNone, func(Engine, Options) (Backend, error) {
		return nil, nil
	})

	return r
}

// Register はドライバーを登録する
func (r *Registry) Register(name string, creator Creator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.creators[name] = creator
}

// Create はバックエンドを作成する。DriverNone の場合は nil を返す
func (r *Registry) Create(name string, engine Engine, opts Options) (Backend, error) {
	r.mu.RLock()
	creator, exists := r.creators[name]
	r.mu.RUnlock()
	if !exists {
		return nil, fmt.Errorf("サポートされていないドライバー: %s", name)
	}
	return creator(engine, opts)
}

// Drivers は登録済みのドライバー名を返す
func (r *Registry) Drivers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.creators))
	for name := range r.creators {
		names = append(names, name)
	}
	sort.Sort(natural.StringSlice(names))
	return names
}
