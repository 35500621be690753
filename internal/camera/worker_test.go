package camera

import (
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"photohub/internal/device"
)

func TestWorker_PublishesFrames(t *testing.T) {
	mock := device.NewMockBackend(device.EngineUVC, "/dev/video0")
	buffer := NewFrameBuffer()
	w := newTestWorker(mock, buffer, NewOwnershipLock())

	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := w.Start(); err != nil {
		t.Fatalf("Second Start failed: %v", err)
	}

	waitFor(t, time.Second, func() bool { return buffer.Read().Version >= 5 }, "worker did not publish frames")

	st := w.Status()
	if st.State != WorkerRunning || st.Device != "/dev/video0" {
		t.Errorf("Unexpected status: %+v", st)
	}

	w.Stop(time.Second)
	if w.Running() {
		t.Error("Expected worker to be stopped")
	}
	if stats := mock.Stats(); stats.Opens != 1 || stats.Closes != 1 {
		t.Errorf("Expected exactly one open/close, got %+v", stats)
	}
	if mock.Monitor().Violations() != 0 {
		t.Errorf("Unexpected device overlap: %d", mock.Monitor().Violations())
	}
}

func TestWorker_PublishRateFollowsFPS(t *testing.T) {
	tests := []struct {
		fps    int
		window time.Duration
	}{
		{25, 400 * time.Millisecond},
		{50, 400 * time.Millisecond},
		{100, 300 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%dfps", tt.fps), func(t *testing.T) {
			mock := device.NewMockBackend(device.EngineUVC, "/dev/video0")
			buffer := NewFrameBuffer()
			cfg := testWorkerConfig()
			cfg.FPS = tt.fps
			w := NewWorker(device.EngineUVC, mock, NewOwnershipLock(), buffer, Encoder{Quality: 80}, cfg, NewRecordingSink(), zerolog.Nop())

			if err := w.Start(); err != nil {
				t.Fatalf("Start failed: %v", err)
			}
			defer w.Stop(time.Second)
			waitFor(t, time.Second, func() bool { return buffer.Read().Version > 0 }, "no first frame")

			start := buffer.Read().Version
			time.Sleep(tt.window)
			got := buffer.Read().Version - start

			// 遅れても取り戻そうとまとめて公開しないので上限もある
			expected := float64(tt.fps) * tt.window.Seconds()
			if float64(got) < expected*0.5 || float64(got) > expected*1.25+2 {
				t.Errorf("Expected about %.0f frames in %v, got %d", expected, tt.window, got)
			}
		})
	}
}

func TestWorker_StartWithoutBackend(t *testing.T) {
	w := newTestWorker(nil, NewFrameBuffer(), NewOwnershipLock())
	if err := w.Start(); !errors.Is(err, ErrWorkerStartFailed) {
		t.Errorf("Expected ErrWorkerStartFailed, got %v", err)
	}
}

func TestWorker_WarmingClears(t *testing.T) {
	mock := device.NewMockBackend(device.EngineUVC, "/dev/video0")
	w := newTestWorker(mock, NewFrameBuffer(), NewOwnershipLock())
	_ = w.Start()
	defer w.Stop(time.Second)

	if !w.Warming() {
		t.Error("Expected worker to be warming right after start")
	}
	waitFor(t, time.Second, func() bool { return !w.Warming() }, "warming flag never cleared")
}

func TestWorker_TransientFailuresAreRetried(t *testing.T) {
	mock := device.NewMockBackend(device.EngineUVC, "/dev/video0")
	// 上限(3)未満の一時的失敗はその場で再試行される
	mock.FailReads(device.ErrNoFrame, device.ErrReadTimeout, device.ErrNoFrame)
	buffer := NewFrameBuffer()
	w := newTestWorker(mock, buffer, NewOwnershipLock())

	_ = w.Start()
	defer w.Stop(time.Second)

	waitFor(t, time.Second, func() bool { return buffer.Read().Version > 0 }, "no frame after transient failures")
	if stats := mock.Stats(); stats.Opens != 1 {
		t.Errorf("Expected no reconnect for transient failures, got %d opens", stats.Opens)
	}
	if w.LastError() != nil {
		t.Errorf("Expected transient failures to stay internal, got %v", w.LastError())
	}
}

func TestWorker_ReconnectsAfterFatalError(t *testing.T) {
	mock := device.NewMockBackend(device.EngineUVC, "/dev/video0")
	mock.FailReads(device.ErrDeviceBusy)
	buffer := NewFrameBuffer()
	w := newTestWorker(mock, buffer, NewOwnershipLock())

	_ = w.Start()
	defer w.Stop(time.Second)

	waitFor(t, time.Second, func() bool { return buffer.Read().Version > 0 }, "worker did not recover")
	stats := mock.Stats()
	if stats.Opens != 2 || stats.Closes != 1 {
		t.Errorf("Expected close then reopen, got %+v", stats)
	}
}

func TestWorker_GivesUpAfterMaxRetries(t *testing.T) {
	mock := device.NewMockBackend(device.EngineUVC, "/dev/video0")
	mock.SetReadError(device.ErrDeviceBusy)
	w := newTestWorker(mock, NewFrameBuffer(), NewOwnershipLock())

	_ = w.Start()
	waitFor(t, 2*time.Second, func() bool { return !w.Running() }, "worker never gave up")

	if !errors.Is(w.LastError(), device.ErrDeviceBusy) {
		t.Errorf("Expected last error to be kept, got %v", w.LastError())
	}
	stats := mock.Stats()
	if stats.Opens != stats.Closes {
		t.Errorf("Expected every handle closed, got %+v", stats)
	}
	// 初回 + MaxRetries(2) 回の再接続
	if stats.Opens != 3 {
		t.Errorf("Expected 3 open attempts, got %d", stats.Opens)
	}

	// 再度Startすれば動き出す
	mock.SetReadError(nil)
	if err := w.Start(); err != nil {
		t.Fatalf("Restart failed: %v", err)
	}
	defer w.Stop(time.Second)
	waitFor(t, time.Second, func() bool { return w.Status().Frames > 0 }, "restarted worker produced no frames")
}

func TestWorker_OpenFailuresBackOff(t *testing.T) {
	mock := device.NewMockBackend(device.EngineUVC)
	w := newTestWorker(mock, NewFrameBuffer(), NewOwnershipLock())

	_ = w.Start()
	waitFor(t, 2*time.Second, func() bool { return !w.Running() }, "worker never gave up without devices")
	if !errors.Is(w.LastError(), device.ErrDeviceNotFound) {
		t.Errorf("Expected ErrDeviceNotFound, got %v", w.LastError())
	}
}

func TestWorker_PausedDoesNotRead(t *testing.T) {
	mock := device.NewMockBackend(device.EngineUVC, "/dev/video0")
	buffer := NewFrameBuffer()
	w := newTestWorker(mock, buffer, NewOwnershipLock())

	var paused atomic.Bool
	paused.Store(true)
	w.paused = paused.Load

	_ = w.Start()
	defer w.Stop(time.Second)

	time.Sleep(30 * time.Millisecond)
	if mock.Stats().Reads != 0 {
		t.Error("Expected no reads while paused")
	}

	paused.Store(false)
	waitFor(t, time.Second, func() bool { return buffer.Read().Version > 0 }, "no frames after unpause")
}

func TestWorker_StopTimeoutAbandons(t *testing.T) {
	mock := device.NewMockBackend(device.EngineUVC, "/dev/video0")
	lock := NewOwnershipLock()
	w := newTestWorker(mock, NewFrameBuffer(), lock)

	_ = w.Start()
	waitFor(t, time.Second, func() bool { return w.Status().Frames > 0 }, "worker produced no frames")

	// 他の所有者がロックを握ったままだとハンドルを閉じられず停止が遅れる
	blocker := Owner{Role: RoleCapture, ID: "blocker"}
	if err := lock.Acquire(t.Context(), blocker); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	start := time.Now()
	w.Stop(30 * time.Millisecond)
	if time.Since(start) > 500*time.Millisecond {
		t.Error("Stop did not honour its timeout")
	}
	if w.Running() {
		t.Error("Expected abandoned worker to be reported as stopped")
	}

	_ = lock.Release(blocker)
	waitFor(t, time.Second, func() bool { return mock.Monitor().OpenHandles() == 0 }, "abandoned worker never closed its handle")
}
