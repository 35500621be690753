package camera

import (
	"bytes"
	"fmt"

	"github.com/disintegration/imaging"

	"photohub/internal/device"
)

// DefaultJPEGQuality はプレビューのJPEG品質
const DefaultJPEGQuality = 80

// Encoder はフレームをJPEGにする
type Encoder struct {
	Quality int
}

// Encode はフレームをJPEGバイト列にする。既にJPEGならそのまま返す
func (e Encoder) Encode(frame device.Frame) ([]byte, error) {
	if frame.Image != nil {
		var buf bytes.Buffer
		if err := imaging.Encode(&buf, frame.Image, imaging.JPEG, imaging.JPEGQuality(e.quality())); err != nil {
			return nil, fmt.Errorf("JPEGエンコードに失敗: %w", err)
		}
		return buf.Bytes(), nil
	}
	if len(frame.Data) == 0 {
		return nil, device.ErrNoFrame
	}
	if !device.IsJPEG(frame.Data) {
		return nil, device.ErrNotImageFormat
	}
	return frame.Data, nil
}

// Fit は幅がmaxWidthを超えるJPEGを縮小する。maxWidthが0以下なら何もしない
func (e Encoder) Fit(data []byte, maxWidth int) ([]byte, error) {
	if maxWidth <= 0 {
		return data, nil
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("画像のデコードに失敗: %w", err)
	}
	if img.Bounds().Dx() <= maxWidth {
		return data, nil
	}

	resized := imaging.Resize(img, maxWidth, 0, imaging.Lanczos)
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, resized, imaging.JPEG, imaging.JPEGQuality(e.quality())); err != nil {
		return nil, fmt.Errorf("JPEGエンコードに失敗: %w", err)
	}
	return buf.Bytes(), nil
}

func (e Encoder) quality() int {
	if e.Quality <= 0 || e.Quality > 100 {
		return DefaultJPEGQuality
	}
	return e.Quality
}
