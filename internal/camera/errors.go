package camera

import (
	"errors"
	"fmt"
)

// カメラセッション層のエラー
var (
	ErrCaptureTimeout    = errors.New("撮影がタイムアウトしました")
	ErrCaptureInProgress = errors.New("撮影処理中です")
	ErrWorkerStartFailed = errors.New("プレビューワーカーの起動に失敗")
	ErrNotReady          = errors.New("カメラの準備ができていません")
	ErrStopped           = errors.New("カメラマネージャーは停止しています")
)

// CaptureErrorKind は撮影失敗の分類
type CaptureErrorKind string

const (
	CaptureBusy     CaptureErrorKind = "busy"
	CaptureNotReady CaptureErrorKind = "not-ready"
	CaptureHardware CaptureErrorKind = "hardware"
	CaptureTimeout  CaptureErrorKind = "timeout"
)

// CaptureError は撮影失敗を表す
type CaptureError struct {
	Kind CaptureErrorKind
	Err  error
}

func (e *CaptureError) Error() string {
	return fmt.Sprintf("撮影に失敗 (%s): %v", e.Kind, e.Err)
}

func (e *CaptureError) Unwrap() error {
	return e.Err
}

func captureErr(kind CaptureErrorKind, err error) *CaptureError {
	return &CaptureError{Kind: kind, Err: err}
}

// CaptureErrorKindOf はエラーから撮影失敗の分類を取り出す
func CaptureErrorKindOf(err error) (CaptureErrorKind, bool) {
	var ce *CaptureError
	if errors.As(err, &ce) {
		return ce.Kind, true
	}
	return "", false
}
