//go:build linux

package device

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"syscall"

	"github.com/blackjack/webcam"
)

const (
	formatMJPEG = webcam.PixelFormat(0x47504A4D) // 'MJPG'
	formatYUYV  = webcam.PixelFormat(0x56595559) // 'YUYV'
)

// NativeUVC はV4L2を直接叩くWebカメラバックエンド
type NativeUVC struct {
	cfg UVCConfig
}

type nativeHandle struct {
	path   string
	cam    *webcam.Webcam
	format webcam.PixelFormat
	width  int
	height int

	mu     sync.Mutex
	closed bool
}

func (h *nativeHandle) Selector() string { return h.path }

// NewNativeUVC は新しいNativeUVCを作成する
func NewNativeUVC(cfg UVCConfig) Backend {
	return &NativeUVC{cfg: cfg}
}

// Engine はエンジン種別を返す
func (u *NativeUVC) Engine() Engine { return EngineUVC }

// Available は常にtrue（Linuxのみビルドされる）
func (u *NativeUVC) Available() bool { return true }

// Enumerate は /dev/video* を列挙する
func (u *NativeUVC) Enumerate(ctx context.Context) ([]string, error) {
	return enumerateVideo(ctx, u.cfg)
}

// Open はデバイスをオープンしてストリーミングを開始する
func (u *NativeUVC) Open(_ context.Context, selector string) (Handle, error) {
	cam, err := webcam.Open(selector)
	if err != nil {
		return nil, classifyOpenError(selector, err)
	}

	format, ok := pickFormat(cam.GetSupportedFormats())
	if !ok {
		_ = cam.Close()
		return nil, fmt.Errorf("%w: %s はMJPEG/YUYVに対応していません", ErrDeviceOpenFailed, selector)
	}

	actual, w, h, err := cam.SetImageFormat(format, uint32(u.cfg.Width), uint32(u.cfg.Height))
	if err != nil {
		_ = cam.Close()
		return nil, fmt.Errorf("%w: フォーマット設定 %s: %v", ErrDeviceOpenFailed, selector, err)
	}

	// 最新フレームだけを読みたいのでバッファは最小限にする
	_ = cam.SetBufferCount(2)

	if err := cam.StartStreaming(); err != nil {
		_ = cam.Close()
		return nil, classifyOpenError(selector, err)
	}

	return &nativeHandle{
		path:   selector,
		cam:    cam,
		format: actual,
		width:  int(w),
		height: int(h),
	}, nil
}

// ReadPreview は1フレームを読み取る
func (u *NativeUVC) ReadPreview(_ context.Context, h Handle) (Frame, error) {
	nh, err := u.handle(h)
	if err != nil {
		return Frame{}, err
	}

	timeout := uint32(u.cfg.FrameTimeout.Seconds())
	if timeout == 0 {
		timeout = 1
	}

	if err := nh.cam.WaitForFrame(timeout); err != nil {
		switch err.(type) {
		case *webcam.Timeout:
			return Frame{}, ErrReadTimeout
		default:
			if errors.Is(err, syscall.EBUSY) {
				return Frame{}, fmt.Errorf("%w: %v", ErrDeviceBusy, err)
			}
			return Frame{}, fmt.Errorf("フレーム待機に失敗: %w", err)
		}
	}

	raw, err := nh.cam.ReadFrame()
	if err != nil {
		return Frame{}, fmt.Errorf("フレーム読み取りに失敗: %w", err)
	}
	if len(raw) == 0 {
		return Frame{}, ErrNoFrame
	}

	// mmapバッファは次のキューで上書きされるためコピーする
	data := make([]byte, len(raw))
	copy(data, raw)

	if nh.format == formatYUYV {
		return Frame{Image: yuyvToImage(data, nh.width, nh.height)}, nil
	}
	return Frame{Data: data}, nil
}

// CaptureStill はWebカメラではプレビューフレームをそのまま静止画とする
func (u *NativeUVC) CaptureStill(ctx context.Context, h Handle) (Still, error) {
	frame, err := u.ReadPreview(ctx, h)
	if err != nil {
		return Still{}, err
	}
	if frame.Image != nil {
		return Still{}, fmt.Errorf("%w: 未圧縮フレーム", ErrNotImageFormat)
	}
	return Still{Data: frame.Data, MIME: "image/jpeg"}, nil
}

// Close はストリーミングを止めてデバイスをクローズする
func (u *NativeUVC) Close(h Handle) error {
	nh, ok := h.(*nativeHandle)
	if !ok {
		return fmt.Errorf("不正なハンドル: %T", h)
	}

	nh.mu.Lock()
	defer nh.mu.Unlock()
	if nh.closed {
		return nil
	}
	nh.closed = true

	_ = nh.cam.StopStreaming()
	return nh.cam.Close()
}

func (u *NativeUVC) handle(h Handle) (*nativeHandle, error) {
	nh, ok := h.(*nativeHandle)
	if !ok {
		return nil, fmt.Errorf("不正なハンドル: %T", h)
	}
	nh.mu.Lock()
	closed := nh.closed
	nh.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	return nh, nil
}

func pickFormat(formats map[webcam.PixelFormat]string) (webcam.PixelFormat, bool) {
	if _, ok := formats[formatMJPEG]; ok {
		return formatMJPEG, true
	}
	if _, ok := formats[formatYUYV]; ok {
		return formatYUYV, true
	}
	return 0, false
}

func classifyOpenError(selector string, err error) error {
	if errors.Is(err, syscall.EBUSY) {
		return fmt.Errorf("%w: %s: %v", ErrDeviceBusy, selector, err)
	}
	if errors.Is(err, syscall.ENOENT) || errors.Is(err, syscall.ENODEV) {
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, selector)
	}
	return fmt.Errorf("%w: %s: %v", ErrDeviceOpenFailed, selector, err)
}

// yuyvToImage はYUYV(4:2:2)のバッファをimage.YCbCrに変換する
func yuyvToImage(data []byte, width, height int) image.Image {
	img := image.NewYCbCr(image.Rect(0, 0, width, height), image.YCbCrSubsampleRatio422)
	for y := 0; y < height; y++ {
		row := data[y*width*2:]
		for x := 0; x+1 < width; x += 2 {
			i := x * 2
			if i+3 >= len(row) {
				break
			}
			img.Y[y*img.YStride+x] = row[i]
			img.Y[y*img.YStride+x+1] = row[i+2]
			img.Cb[y*img.CStride+x/2] = row[i+1]
			img.Cr[y*img.CStride+x/2] = row[i+3]
		}
	}
	return img
}
