package camera

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"testing"
	"time"

	"photohub/internal/device"
)

func TestEncoder_Encode(t *testing.T) {
	enc := Encoder{Quality: 80}

	img := image.NewRGBA(image.Rect(0, 0, 32, 24))
	data, err := enc.Encode(device.Frame{Image: img})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if !device.IsJPEG(data) {
		t.Error("Expected JPEG output")
	}

	src := device.MockJPEG(color.White)
	out, err := enc.Encode(device.Frame{Data: src})
	if err != nil || !bytes.Equal(out, src) {
		t.Errorf("Expected JPEG passthrough, got err=%v", err)
	}

	if _, err := enc.Encode(device.Frame{Data: []byte("raw")}); !errors.Is(err, device.ErrNotImageFormat) {
		t.Errorf("Expected ErrNotImageFormat, got %v", err)
	}
	if _, err := enc.Encode(device.Frame{}); !errors.Is(err, device.ErrNoFrame) {
		t.Errorf("Expected ErrNoFrame, got %v", err)
	}
}

func TestEncoder_Fit(t *testing.T) {
	enc := Encoder{}

	var buf bytes.Buffer
	_ = jpeg.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 200, 100)), nil)
	src := buf.Bytes()

	out, err := enc.Fit(src, 0)
	if err != nil || !bytes.Equal(out, src) {
		t.Fatal("Expected no-op for zero width")
	}

	out, err = enc.Fit(src, 50)
	if err != nil {
		t.Fatalf("Fit failed: %v", err)
	}
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("DecodeConfig failed: %v", err)
	}
	if cfg.Width != 50 || cfg.Height != 25 {
		t.Errorf("Expected 50x25, got %dx%d", cfg.Width, cfg.Height)
	}

	out, err = enc.Fit(src, 400)
	if err != nil || !bytes.Equal(out, src) {
		t.Error("Expected smaller images to be left untouched")
	}
}

func TestReconnectConfig_Backoff(t *testing.T) {
	cfg := ReconnectConfig{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}

	tests := []struct {
		attempt  int
		expected time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, time.Second},
		{10, time.Second},
	}
	for _, tt := range tests {
		if got := cfg.Backoff(tt.attempt); got != tt.expected {
			t.Errorf("Backoff(%d) = %v, expected %v", tt.attempt, got, tt.expected)
		}
	}

	// 上限なしでも指数的に伸びる
	unbounded := ReconnectConfig{BaseDelay: 100 * time.Millisecond}
	for attempt, expected := range map[int]time.Duration{
		1: 100 * time.Millisecond,
		2: 200 * time.Millisecond,
		4: 800 * time.Millisecond,
		8: 12800 * time.Millisecond,
	} {
		if got := unbounded.Backoff(attempt); got != expected {
			t.Errorf("Backoff(%d) without MaxDelay = %v, expected %v", attempt, got, expected)
		}
	}
	if got := unbounded.Backoff(200); got <= 0 {
		t.Errorf("Backoff overflowed: %v", got)
	}

	cfg.Jitter = 0.2
	for i := 0; i < 100; i++ {
		d := cfg.Backoff(2)
		if d < 160*time.Millisecond || d > 240*time.Millisecond {
			t.Fatalf("Jittered backoff out of range: %v", d)
		}
	}
}

func TestSelectEngine(t *testing.T) {
	ctx := t.Context()

	if got := SelectEngine(ctx, nil); got != device.EngineUVC {
		t.Errorf("Expected UVC without DSLR backend, got %s", got)
	}

	dslr := device.NewMockBackend(device.EngineDSLR)
	if got := SelectEngine(ctx, dslr); got != device.EngineUVC {
		t.Errorf("Expected UVC without DSLR devices, got %s", got)
	}

	dslr.SetDevices("usb:001,002")
	if got := SelectEngine(ctx, dslr); got != device.EngineDSLR {
		t.Errorf("Expected DSLR with a connected camera, got %s", got)
	}

	dslr.SetAvailable(false)
	if got := SelectEngine(ctx, dslr); got != device.EngineUVC {
		t.Errorf("Expected UVC when DSLR backend is unusable, got %s", got)
	}
}
