package device

import (
	"bytes"
	"context"
	"errors"
	"image"
)

// Engine はカメラバックエンドの種類を表す
type Engine string

const (
	EngineUVC  Engine = "uvc"  // Webカメラ (V4L2/UVC)
	EngineDSLR Engine = "dslr" // 一眼レフ (PTP/gphoto2)
)

// デバイス層のエラー分類
var (
	ErrDeviceNotFound   = errors.New("デバイスが見つかりません")
	ErrDeviceOpenFailed = errors.New("デバイスのオープンに失敗")
	ErrInitFailed       = errors.New("デバイスの初期化に失敗")
	ErrNoFrame          = errors.New("フレームを取得できません")
	ErrNotImageFormat   = errors.New("JPEG形式ではありません")
	ErrDeviceBusy       = errors.New("デバイスは他のプロセスに使用されています")
	ErrReadTimeout      = errors.New("フレーム読み取りがタイムアウトしました")
	ErrUnavailable      = errors.New("このバックエンドは利用できません")
	ErrClosed           = errors.New("ハンドルは既にクローズされています")
)

// Frame はプレビュー読み取りで得た1フレーム
// Image が nil でない場合は未圧縮画像で、呼び出し側がJPEGにエンコードする
type Frame struct {
	Data  []byte
	Image image.Image
}

// Still はフル解像度の静止画
type Still struct {
	Data []byte
	MIME string
	Name string // カメラ側のファイル名
	Ref  string // デバイス内に残った一時コピーの場所（空なら残っていない）
}

// Handle はオープン済みデバイスを表す
type Handle interface {
	Selector() string
}

// Backend はエンジンごとのデバイス操作を提供する
type Backend interface {
	// Engine はこのバックエンドのエンジン種別を返す
	Engine() Engine

	// Available はバックエンドが動作可能か（外部コマンドの有無など）を返す
	Available() bool

	// Enumerate は現在接続されているデバイスの識別子を返す
	Enumerate(ctx context.Context) ([]string, error)

	// Open はデバイスをオープンする
	Open(ctx context.Context, selector string) (Handle, error)

	// ReadPreview はプレビューフレームを1枚読み取る
	ReadPreview(ctx context.Context, h Handle) (Frame, error)

	// CaptureStill はフル解像度の静止画を撮影する（ブロッキング）
	CaptureStill(ctx context.Context, h Handle) (Still, error)

	// Close はデバイスをクローズする
	Close(h Handle) error
}

// StillModeSwitcher は静止画撮影にプレビューとは別のモードが必要なバックエンドが実装する
type StillModeSwitcher interface {
	EnterStillMode(ctx context.Context, h Handle) error
	ExitStillMode(ctx context.Context, h Handle) error
}

// TransientRemover は撮影後にデバイス内へ一時コピーを残すバックエンドが実装する
type TransientRemover interface {
	RemoveTransient(ctx context.Context, h Handle, still Still) error
}

// Lister はデバイスの表示名つき一覧を返せるバックエンドが実装する
type Lister interface {
	List(ctx context.Context) ([]DeviceInfo, error)
}

// DeviceInfo はデバイス一覧の1件
type DeviceInfo struct {
	Model string `json:"model"`
	Port  string `json:"port"`
}

var (
	jpegSOI = []byte{0xFF, 0xD8}
	jpegEOI = []byte{0xFF, 0xD9}
)

// IsJPEG はデータがJPEGのSOIマーカーで始まるか判定する
func IsJPEG(data []byte) bool {
	return len(data) >= 2 && bytes.Equal(data[:2], jpegSOI)
}

// ProbeOnce はデバイスを1回だけオープンし、1フレーム読み取ってすぐにクローズする
// ハンドルはどの経路でも必ずクローズされる
func ProbeOnce(ctx context.Context, b Backend, selector string) (Frame, error) {
	h, err := b.Open(ctx, selector)
	if err != nil {
		return Frame{}, err
	}
	defer func() {
		_ = b.Close(h)
	}()

	return b.ReadPreview(ctx, h)
}

// Contains はselectorが一覧に含まれるか判定する
func Contains(ids []string, selector string) bool {
	for _, id := range ids {
		if id == selector {
			return true
		}
	}
	return false
}
