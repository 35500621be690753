package device

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"sync"
	"sync/atomic"
	"time"
)

// MockMonitor は複数のモックバックエンドにまたがるデバイス利用を監視する
// 同時に2つ以上のハンドルが開かれたり、デバイス呼び出しが重なった場合に違反として数える
type MockMonitor struct {
	inside     int32
	open       int32
	violations int32
}

// NewMockMonitor は新しいMockMonitorを作成する
func NewMockMonitor() *MockMonitor {
	return &MockMonitor{}
}

// Violations は検出した違反の数を返す
func (m *MockMonitor) Violations() int {
	return int(atomic.LoadInt32(&m.violations))
}

// OpenHandles は現在開いているハンドル数を返す
func (m *MockMonitor) OpenHandles() int {
	return int(atomic.LoadInt32(&m.open))
}

func (m *MockMonitor) enter() func() {
	if atomic.AddInt32(&m.inside, 1) > 1 {
		atomic.AddInt32(&m.violations, 1)
	}
	return func() {
		atomic.AddInt32(&m.inside, -1)
	}
}

func (m *MockMonitor) opened() {
	if atomic.AddInt32(&m.open, 1) > 1 {
		atomic.AddInt32(&m.violations, 1)
	}
}

func (m *MockMonitor) closed() {
	atomic.AddInt32(&m.open, -1)
}

// MockStats はモックの呼び出し回数
type MockStats struct {
	Opens     int
	Closes    int
	Reads     int
	Captures  int
	StillIn   int
	StillOut  int
	Removed   int
	Enumerate int
	Freed     int
}

// MockBackend はテスト用のバックエンド
type MockBackend struct {
	engine  Engine
	monitor *MockMonitor

	mu             sync.Mutex
	available      bool
	devices        []string
	frame          []byte
	raw            bool
	openErrs       []error
	readErrs       []error
	readErr        error
	readDelay      time.Duration
	still          Still
	captureErr     error
	captureDelay   time.Duration
	leaveTransient bool
	stats          MockStats
}

type mockHandle struct {
	selector string
	closed   atomic.Bool
}

func (h *mockHandle) Selector() string { return h.selector }

// NewMockBackend は新しいMockBackendを作成する
func NewMockBackend(engine Engine, devices ...string) *MockBackend {
	frame := MockJPEG(color.RGBA{R: 200, G: 120, B: 40, A: 255})
	return &MockBackend{
		engine:    engine,
		monitor:   NewMockMonitor(),
		available: true,
		devices:   devices,
		frame:     frame,
		still:     Still{Data: frame, MIME: "image/jpeg", Name: "IMG_0001.JPG"},
	}
}

// MockJPEG は単色の小さなJPEG画像を生成する
func MockJPEG(c color.Color) []byte {
	img := image.NewRGBA(image.Rect(0, 0, 16, 16))
	for y := 0; y < 16; y++ {
		for x := 0; x < 16; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	_ = jpeg.Encode(&buf, img, &jpeg.Options{Quality: 80})
	return buf.Bytes()
}

// SetMonitor は監視を他のモックと共有する
func (m *MockBackend) SetMonitor(monitor *MockMonitor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.monitor = monitor
}

// Monitor は監視を返す
func (m *MockBackend) Monitor() *MockMonitor {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.monitor
}

// SetAvailable は利用可否を設定する
func (m *MockBackend) SetAvailable(available bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.available = available
}

// SetDevices は接続デバイスを置き換える
func (m *MockBackend) SetDevices(devices ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices = append([]string(nil), devices...)
}

// SetFrame はプレビューで返すデータを設定する
func (m *MockBackend) SetFrame(data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frame = data
}

// SetRawFrames がtrueの場合、プレビューは未圧縮画像として返される
func (m *MockBackend) SetRawFrames(raw bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.raw = raw
}

// FailOpen は次回以降のOpenで順番に返すエラーを積む
func (m *MockBackend) FailOpen(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openErrs = append(m.openErrs, errs...)
}

// FailReads は次回以降のReadPreviewで順番に返すエラーを積む
func (m *MockBackend) FailReads(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readErrs = append(m.readErrs, errs...)
}

// SetReadError はReadPreviewが常に返すエラーを設定する（nilで解除）
func (m *MockBackend) SetReadError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readErr = err
}

// SetReadDelay はReadPreviewの所要時間を設定する
func (m *MockBackend) SetReadDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readDelay = d
}

// SetStill は撮影結果を設定する
func (m *MockBackend) SetStill(still Still) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.still = still
}

// SetCaptureError は撮影時のエラーを設定する
func (m *MockBackend) SetCaptureError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.captureErr = err
}

// SetCaptureDelay は撮影の所要時間を設定する
func (m *MockBackend) SetCaptureDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.captureDelay = d
}

// SetLeaveTransient がtrueの場合、撮影後にデバイス内へ一時コピーが残る
func (m *MockBackend) SetLeaveTransient(leave bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leaveTransient = leave
}

// Stats は呼び出し回数を返す
func (m *MockBackend) Stats() MockStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// Engine はエンジン種別を返す
func (m *MockBackend) Engine() Engine { return m.engine }

// Available は利用可否を返す
func (m *MockBackend) Available() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.available
}

// Enumerate は接続デバイスを返す
func (m *MockBackend) Enumerate(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.Enumerate++
	return append([]string(nil), m.devices...), nil
}

// List はモデル名つきのデバイス一覧を返す
func (m *MockBackend) List(ctx context.Context) ([]DeviceInfo, error) {
	ids, err := m.Enumerate(ctx)
	if err != nil {
		return nil, err
	}
	infos := make([]DeviceInfo, 0, len(ids))
	for _, id := range ids {
		infos = append(infos, DeviceInfo{Model: "Mock " + string(m.engine), Port: id})
	}
	return infos, nil
}

// Open はデバイスをオープンする
func (m *MockBackend) Open(_ context.Context, selector string) (Handle, error) {
	leave := m.Monitor().enter()
	defer leave()

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.openErrs) > 0 {
		err := m.openErrs[0]
		m.openErrs = m.openErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	if !Contains(m.devices, selector) {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, selector)
	}

	m.stats.Opens++
	m.monitor.opened()
	return &mockHandle{selector: selector}, nil
}

// ReadPreview はプレビューフレームを返す
func (m *MockBackend) ReadPreview(ctx context.Context, h Handle) (Frame, error) {
	leave := m.Monitor().enter()
	defer leave()

	mh, ok := h.(*mockHandle)
	if !ok || mh.closed.Load() {
		return Frame{}, ErrClosed
	}

	m.mu.Lock()
	m.stats.Reads++
	delay := m.readDelay
	var err error
	if len(m.readErrs) > 0 {
		err = m.readErrs[0]
		m.readErrs = m.readErrs[1:]
	} else {
		err = m.readErr
	}
	frame := m.frame
	raw := m.raw
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return Frame{}, ctx.Err()
		}
	}
	if err != nil {
		return Frame{}, err
	}
	if raw {
		img, decodeErr := jpeg.Decode(bytes.NewReader(frame))
		if decodeErr != nil {
			return Frame{}, fmt.Errorf("モックフレームのデコードに失敗: %w", decodeErr)
		}
		return Frame{Image: img}, nil
	}
	return Frame{Data: append([]byte(nil), frame...)}, nil
}

// CaptureStill は静止画を返す
func (m *MockBackend) CaptureStill(ctx context.Context, h Handle) (Still, error) {
	leave := m.Monitor().enter()
	defer leave()

	mh, ok := h.(*mockHandle)
	if !ok || mh.closed.Load() {
		return Still{}, ErrClosed
	}

	m.mu.Lock()
	m.stats.Captures++
	delay := m.captureDelay
	err := m.captureErr
	still := m.still
	if m.leaveTransient {
		still.Ref = "mock:/store/" + still.Name
	}
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return Still{}, ctx.Err()
		}
	}
	if err != nil {
		return Still{}, err
	}
	still.Data = append([]byte(nil), still.Data...)
	return still, nil
}

// EnterStillMode は静止画モードへの切り替えを記録する
func (m *MockBackend) EnterStillMode(_ context.Context, _ Handle) error {
	leave := m.Monitor().enter()
	defer leave()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.StillIn++
	return nil
}

// ExitStillMode はプレビューモードへの復帰を記録する
func (m *MockBackend) ExitStillMode(_ context.Context, _ Handle) error {
	leave := m.Monitor().enter()
	defer leave()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.StillOut++
	return nil
}

// RemoveTransient は一時コピーの削除を記録する
func (m *MockBackend) RemoveTransient(_ context.Context, _ Handle, still Still) error {
	leave := m.Monitor().enter()
	defer leave()

	m.mu.Lock()
	defer m.mu.Unlock()
	if still.Ref != "" {
		m.stats.Removed++
	}
	return nil
}

// FreeClaimers はUSB解放の要求を記録する
func (m *MockBackend) FreeClaimers(_ context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.Freed++
}

// Close はハンドルをクローズする
func (m *MockBackend) Close(h Handle) error {
	leave := m.Monitor().enter()
	defer leave()

	mh, ok := h.(*mockHandle)
	if !ok {
		return fmt.Errorf("不正なハンドル: %T", h)
	}
	if !mh.closed.CompareAndSwap(false, true) {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.Closes++
	m.monitor.closed()
	return nil
}
