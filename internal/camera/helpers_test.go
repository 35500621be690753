package camera

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"photohub/internal/device"
)

// memSink はメモリ上に保存するSink
type memSink struct {
	mu    sync.Mutex
	files map[string][]byte
	err   error
}

func newMemSink() *memSink {
	return &memSink{files: make(map[string][]byte)}
}

func (s *memSink) Save(_ context.Context, data []byte, name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	path := "mem/" + name
	for i := 1; ; i++ {
		if _, exists := s.files[path]; !exists {
			break
		}
		path = fmt.Sprintf("mem/%d_%s", i, name)
	}
	s.files[path] = data
	return path, nil
}

func (s *memSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.files)
}

func testWorkerConfig() WorkerConfig {
	return WorkerConfig{
		FPS:                  200,
		StartupGrace:         20 * time.Millisecond,
		IdleInterval:         2 * time.Millisecond,
		TransientRetryDelay:  time.Millisecond,
		MaxTransientFailures: 3,
		Reconnect: ReconnectConfig{
			BaseDelay:  2 * time.Millisecond,
			MaxDelay:   10 * time.Millisecond,
			MaxRetries: 2,
		},
	}
}

func testConfig() Config {
	return Config{
		JPEGQuality:    80,
		WatchInterval:  10 * time.Millisecond,
		JoinTimeout:    time.Second,
		CaptureTimeout: time.Second,
		UVCWorker:      testWorkerConfig(),
		DSLRWorker:     testWorkerConfig(),
	}
}

// newTestManager はモックバックエンドを共有の監視つきで組み立てる
func newTestManager(t *testing.T, uvc, dslr *device.MockBackend) (*DefaultManager, *memSink, *device.MockMonitor) {
	t.Helper()

	monitor := device.NewMockMonitor()
	var uvcBackend, dslrBackend device.Backend
	if uvc != nil {
		uvc.SetMonitor(monitor)
		uvcBackend = uvc
	}
	if dslr != nil {
		dslr.SetMonitor(monitor)
		dslrBackend = dslr
	}

	sink := newMemSink()
	m := NewManager(testConfig(), uvcBackend, dslrBackend, sink, NewRecordingSink(), zerolog.Nop())
	t.Cleanup(func() {
		_ = m.Stop()
	})
	return m, sink, monitor
}

func newTestWorker(backend device.Backend, buffer *FrameBuffer, lock *OwnershipLock) *Worker {
	engine := device.EngineUVC
	if backend != nil {
		engine = backend.Engine()
	}
	return NewWorker(engine, backend, lock, buffer, Encoder{Quality: 80}, testWorkerConfig(), NewRecordingSink(), zerolog.Nop())
}

// waitFor は条件が満たされるまで待つ
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, format string, args ...interface{}) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf(format, args...)
}
