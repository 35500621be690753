package camera

import (
	"context"
	"time"

	"photohub/internal/device"
)

// Manager はHTTP層から使うカメラセッションの操作
type Manager interface {
	// Start は起動時プローブとホットプラグ監視を開始する
	Start(ctx context.Context) error

	// Stop は監視と全てのワーカーを停止し、ハンドルを閉じる
	Stop() error

	// Subscribe は視聴者を登録し、必要ならプレビューワーカーを起動する
	Subscribe(opts SubscribeOptions) (*Viewer, error)

	// RequestCapture は静止画を撮影して保存する
	RequestCapture(ctx context.Context) (CaptureResult, error)

	// Status は現在の状態を返す
	Status(ctx context.Context) Status

	// Pause はプレビューを一時停止する（最後のフレームで止まる）
	Pause()

	// Resume は一時停止を解除する
	Resume()

	// SelectDevice は使用するデバイスを選び、再プローブする
	SelectDevice(ctx context.Context, selector string) (ProbeResult, error)

	// ForceReprobe は再プローブする
	ForceReprobe(ctx context.Context) ProbeResult

	// Devices は接続中のデバイス一覧を返す
	Devices(ctx context.Context) Devices

	// StopStream は一時停止したうえでワーカーを止める
	StopStream()

	// ResetDevice はUSBを掴んでいるプロセスを解放してから再プローブする
	ResetDevice(ctx context.Context) ProbeResult

	// Frames は共有フレームバッファを返す
	Frames() *FrameBuffer
}

// Status はヘルスチェック用の状態
type Status struct {
	OK            bool           `json:"ok"` // 最後のプローブが成功したか
	LastError     string         `json:"last_error,omitempty"`
	Paused        bool           `json:"paused"`
	Running       bool           `json:"running"`
	Engine        device.Engine  `json:"engine"`
	LastProbe     ProbeResult    `json:"last_probe"`
	UVCDevices    []string       `json:"uvc_devices"`
	DSLRSupported bool           `json:"dslr_supported"`
	DSLRError     string         `json:"dslr_error,omitempty"`
	Viewers       int            `json:"viewers"`
	Workers       []WorkerStatus `json:"workers"`
	FrameVersion  uint64         `json:"frame_version"`
}

// Devices はデバイス一覧
type Devices struct {
	UVC          []string            `json:"uvc"`
	DSLR         []device.DeviceInfo `json:"dslr"`
	SelectedUVC  string              `json:"selected_uvc,omitempty"`
	SelectedPort string              `json:"selected_port,omitempty"`
	Engine       device.Engine       `json:"engine"`
	LastProbe    ProbeResult         `json:"last_probe"`
}

// Config はカメラセッションの設定
type Config struct {
	JPEGQuality     int
	WatchInterval   time.Duration
	JoinTimeout     time.Duration
	CaptureTimeout  time.Duration
	PreviewMaxWidth int
	DSLRPort        string // 初期選択の一眼レフポート
	UVCDevice       string // 初期選択のWebカメラ

	UVCWorker  WorkerConfig
	DSLRWorker WorkerConfig
}

// DefaultConfig はデフォルト設定を返す
func DefaultConfig() Config {
	return Config{
		JPEGQuality:    DefaultJPEGQuality,
		WatchInterval:  time.Second,
		JoinTimeout:    2 * time.Second,
		CaptureTimeout: 10 * time.Second,
		UVCWorker:      DefaultWorkerConfig(),
		DSLRWorker:     DefaultWorkerConfig(),
	}
}

// ClaimFreer はUSBを占有しているプロセスを解放できるバックエンドが実装する
type ClaimFreer interface {
	FreeClaimers(ctx context.Context)
}
