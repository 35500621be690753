package camera

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"photohub/internal/device"
)

// DefaultManager はManagerの標準実装
// 1台のカメラをプレビューワーカー、撮影、ホットプラグ監視で共有する
type DefaultManager struct {
	cfg    Config
	uvc    device.Backend
	dslr   device.Backend
	events EventSink
	logger zerolog.Logger

	buffer      *FrameBuffer
	lock        *OwnershipLock
	prober      *Prober
	coordinator *Coordinator
	watcher     *Watcher
	viewers     *viewerSet
	workers     map[device.Engine]*Worker

	// lifecycle はワーカーの起動・停止と再プローブを直列化する
	lifecycle sync.Mutex

	mu        sync.Mutex
	paused    bool
	started   bool
	stopped   bool
	engine    device.Engine
	selected  map[device.Engine]string
	lastProbe ProbeResult
}

// NewManager は新しいDefaultManagerを作成する
// uvc, dslr はどちらもnilを許す（nilはそのエンジンの実装が無いことを表す）
func NewManager(cfg Config, uvc, dslr device.Backend, sink Sink, events EventSink, logger zerolog.Logger) *DefaultManager {
	logger = logger.With().Str("module", "camera").Logger()
	encoder := Encoder{Quality: cfg.JPEGQuality}

	m := &DefaultManager{
		cfg:     cfg,
		uvc:     uvc,
		dslr:    dslr,
		events:  events,
		logger:  logger,
		buffer:  NewFrameBuffer(),
		lock:    NewOwnershipLock(),
		viewers: newViewerSet(),
		workers: make(map[device.Engine]*Worker),
		engine:  device.EngineUVC,
		selected: map[device.Engine]string{
			device.EngineUVC:  cfg.UVCDevice,
			device.EngineDSLR: cfg.DSLRPort,
		},
	}

	m.prober = NewProber(uvc, dslr, m.lock, m.buffer, encoder, events, logger)
	m.coordinator = NewCoordinator(m.lock, m.buffer, encoder, sink, cfg.CaptureTimeout, cfg.PreviewMaxWidth, events, logger)
	m.watcher = NewWatcher(uvc, dslr, m, cfg.WatchInterval, logger)

	if uvc != nil {
		m.workers[device.EngineUVC] = m.newWorker(device.EngineUVC, uvc, cfg.UVCWorker, encoder)
	}
	if dslr != nil {
		m.workers[device.EngineDSLR] = m.newWorker(device.EngineDSLR, dslr, cfg.DSLRWorker, encoder)
	}
	return m
}

func (m *DefaultManager) newWorker(engine device.Engine, backend device.Backend, cfg WorkerConfig, encoder Encoder) *Worker {
	w := NewWorker(engine, backend, m.lock, m.buffer, encoder, cfg, m.events, m.logger)
	w.preferred = func() string { return m.selectedDevice(engine) }
	w.paused = m.isPaused
	return w
}

// Start は起動時プローブを行い、ホットプラグ監視を開始する
func (m *DefaultManager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return ErrStopped
	}
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	m.mu.Unlock()

	if snap, err := ScanDevices(ctx, m.uvc, m.dslr); err == nil {
		m.watcher.Prime(snap)
	} else {
		m.logger.Warn().Err(err).Msg("起動時のデバイス列挙に失敗")
	}

	res := m.reprobe(ctx)
	m.logger.Info().
		Str("engine", string(res.Engine)).
		Str("reason", res.Reason).
		Msg("カメラマネージャーを開始しました")

	m.watcher.Start(context.Background())
	return nil
}

// Stop は監視と全てのワーカーを停止する
func (m *DefaultManager) Stop() error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	m.mu.Unlock()

	m.watcher.Stop()

	m.lifecycle.Lock()
	m.stopWorkersLocked()
	m.lifecycle.Unlock()

	m.logger.Info().Msg("カメラマネージャーを停止しました")
	return nil
}

// Frames は共有フレームバッファを返す
func (m *DefaultManager) Frames() *FrameBuffer {
	return m.buffer
}

// Subscribe は視聴者を登録する
func (m *DefaultManager) Subscribe(opts SubscribeOptions) (*Viewer, error) {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil, ErrStopped
	}
	if opts.AutoResume {
		m.paused = false
	}
	m.mu.Unlock()

	if opts.DiscardStale {
		m.buffer.Discard()
	}

	id, n := m.viewers.add()
	v := &Viewer{ID: id, buffer: m.buffer}
	v.release = func() {
		left := m.viewers.remove(id)
		m.logger.Debug().Str("viewer", id).Int("viewers", left).Msg("視聴終了")
		if left == 0 {
			m.stopIfIdle()
		}
	}
	m.logger.Debug().Str("viewer", id).Int("viewers", n).Msg("視聴開始")

	if err := m.ensureWorker(context.Background()); err != nil {
		v.Close()
		return nil, err
	}
	return v, nil
}

// RequestCapture は静止画を撮影する
func (m *DefaultManager) RequestCapture(ctx context.Context) (CaptureResult, error) {
	m.mu.Lock()
	stopped := m.stopped
	m.mu.Unlock()
	if stopped {
		return CaptureResult{}, captureErr(CaptureNotReady, ErrStopped)
	}

	engine := SelectEngine(ctx, m.dslr)
	target := captureTarget{
		engine:    engine,
		backend:   m.backend(engine),
		worker:    m.workers[engine],
		preferred: m.selectedDevice(engine),
	}
	return m.coordinator.Capture(ctx, target)
}

// Pause はプレビューを一時停止する
func (m *DefaultManager) Pause() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paused = true
}

// Resume は一時停止を解除し、視聴者がいればワーカーを動かす
func (m *DefaultManager) Resume() {
	m.mu.Lock()
	m.paused = false
	m.mu.Unlock()

	if m.viewers.count() > 0 {
		if err := m.ensureWorker(context.Background()); err != nil {
			m.logger.Warn().Err(err).Msg("ワーカーの再開に失敗")
		}
	}
}

// StopStream は一時停止してワーカーを止める
func (m *DefaultManager) StopStream() {
	m.Pause()

	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	m.stopWorkersLocked()
}

// SelectDevice はデバイスを選択して再プローブする
// "/dev/" で始まるものはWebカメラ、それ以外は一眼レフのポートとして扱う
func (m *DefaultManager) SelectDevice(ctx context.Context, selector string) (ProbeResult, error) {
	engine := device.EngineDSLR
	if strings.HasPrefix(selector, "/dev/") {
		engine = device.EngineUVC
	}

	backend := m.backend(engine)
	if backend == nil {
		return ProbeResult{}, fmt.Errorf("%w: %s", device.ErrUnavailable, engine)
	}
	ids, err := backend.Enumerate(ctx)
	if err != nil {
		return ProbeResult{}, fmt.Errorf("デバイスの列挙に失敗: %w", err)
	}
	if !device.Contains(ids, selector) {
		return ProbeResult{}, fmt.Errorf("%w: %s", device.ErrDeviceNotFound, selector)
	}

	m.mu.Lock()
	m.selected[engine] = selector
	m.mu.Unlock()

	m.logger.Info().Str("engine", string(engine)).Str("device", selector).Msg("デバイスを選択")
	return m.reprobe(ctx), nil
}

// ForceReprobe は再プローブする
func (m *DefaultManager) ForceReprobe(ctx context.Context) ProbeResult {
	return m.reprobe(ctx)
}

// ResetDevice はUSBを掴んでいるプロセスを解放してから再プローブする
func (m *DefaultManager) ResetDevice(ctx context.Context) ProbeResult {
	if freer, ok := m.dslr.(ClaimFreer); ok {
		freer.FreeClaimers(ctx)
	}
	return m.reprobe(ctx)
}

// Devices は接続中のデバイス一覧を返す
func (m *DefaultManager) Devices(ctx context.Context) Devices {
	var out Devices
	if m.uvc != nil {
		ids, err := m.uvc.Enumerate(ctx)
		if err != nil {
			m.logger.Warn().Err(err).Msg("Webカメラの列挙に失敗")
		}
		out.UVC = ids
	}
	out.DSLR = m.listDSLR(ctx)

	m.mu.Lock()
	out.SelectedUVC = m.selected[device.EngineUVC]
	out.SelectedPort = m.selected[device.EngineDSLR]
	out.Engine = m.engine
	out.LastProbe = m.lastProbe
	m.mu.Unlock()

	if out.UVC == nil {
		out.UVC = []string{}
	}
	if out.DSLR == nil {
		out.DSLR = []device.DeviceInfo{}
	}
	return out
}

func (m *DefaultManager) listDSLR(ctx context.Context) []device.DeviceInfo {
	if m.dslr == nil || !m.dslr.Available() {
		return nil
	}
	if lister, ok := m.dslr.(device.Lister); ok {
		infos, err := lister.List(ctx)
		if err != nil {
			m.logger.Warn().Err(err).Msg("一眼レフの列挙に失敗")
		}
		return infos
	}
	ids, err := m.dslr.Enumerate(ctx)
	if err != nil {
		m.logger.Warn().Err(err).Msg("一眼レフの列挙に失敗")
	}
	infos := make([]device.DeviceInfo, 0, len(ids))
	for _, id := range ids {
		infos = append(infos, device.DeviceInfo{Port: id})
	}
	return infos
}

// Status は現在の状態を返す
func (m *DefaultManager) Status(ctx context.Context) Status {
	st := Status{
		Viewers:       m.viewers.count(),
		DSLRSupported: m.dslr != nil && m.dslr.Available(),
		FrameVersion:  m.buffer.Read().Version,
		UVCDevices:    []string{},
	}

	if m.uvc != nil {
		if ids, err := m.uvc.Enumerate(ctx); err == nil && ids != nil {
			st.UVCDevices = ids
		}
	}

	for _, engine := range []device.Engine{device.EngineUVC, device.EngineDSLR} {
		w, ok := m.workers[engine]
		if !ok {
			continue
		}
		ws := w.Status()
		st.Workers = append(st.Workers, ws)
		if ws.State == WorkerStarting || ws.State == WorkerRunning {
			st.Running = true
		}
		if engine == device.EngineDSLR {
			st.DSLRError = ws.LastError
		}
		if ws.LastError != "" {
			st.LastError = ws.LastError
		}
	}

	m.mu.Lock()
	st.Paused = m.paused
	st.Engine = m.engine
	st.LastProbe = m.lastProbe
	m.mu.Unlock()

	st.OK = st.LastProbe.OK
	if !st.OK && st.LastError == "" {
		st.LastError = st.LastProbe.Reason
	}
	if st.DSLRError == "" && st.Engine == device.EngineDSLR && !st.LastProbe.OK {
		st.DSLRError = st.LastProbe.Reason
	}
	return st
}

// reprobe はワーカーを止めてからコールドプローブを行い、必要ならワーカーを再開する
// プローブ中に他の所有者がデバイスを開くことはない
func (m *DefaultManager) reprobe(ctx context.Context) ProbeResult {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	m.stopWorkersLocked()

	engine := SelectEngine(ctx, m.dslr)
	res := m.prober.ColdProbe(ctx, engine, m.selectedDevice(engine))

	m.mu.Lock()
	m.lastProbe = res
	m.engine = engine
	stopped := m.stopped
	m.mu.Unlock()

	// 一時停止中でも視聴者がいればワーカーを戻す（読み取りはせずハンドルだけ保持する）
	if !stopped && m.viewers.count() > 0 {
		if err := m.startWorkerLocked(engine); err != nil {
			m.logger.Warn().Err(err).Msg("ワーカーの起動に失敗")
		}
	}
	return res
}

// ensureWorker は視聴者がいる間、選択中のエンジンのワーカーが動いていることを保証する
// 一時停止中のワーカーはデバイスを読まずに待機する
func (m *DefaultManager) ensureWorker(ctx context.Context) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	m.mu.Lock()
	stopped := m.stopped
	m.mu.Unlock()
	if stopped || m.viewers.count() == 0 {
		return nil
	}

	return m.startWorkerLocked(SelectEngine(ctx, m.dslr))
}

// startWorkerLocked は他方のエンジンを止めてから指定エンジンのワーカーを起動する
func (m *DefaultManager) startWorkerLocked(engine device.Engine) error {
	for e, w := range m.workers {
		if e != engine {
			w.Stop(m.cfg.JoinTimeout)
		}
	}

	w, ok := m.workers[engine]
	if !ok {
		return fmt.Errorf("%w: %s: %v", ErrWorkerStartFailed, engine, device.ErrUnavailable)
	}
	if err := w.Start(); err != nil {
		return err
	}

	m.mu.Lock()
	m.engine = engine
	m.mu.Unlock()
	return nil
}

func (m *DefaultManager) stopWorkersLocked() {
	for _, w := range m.workers {
		w.Stop(m.cfg.JoinTimeout)
	}
}

// stopIfIdle は視聴者がいなければワーカーを止める
func (m *DefaultManager) stopIfIdle() {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	if m.viewers.count() == 0 {
		m.stopWorkersLocked()
	}
}

// warming はいずれかのワーカーが起動直後の猶予期間中かを返す
func (m *DefaultManager) warming() bool {
	for _, w := range m.workers {
		if w.Warming() {
			return true
		}
	}
	return false
}

// onHotplug はデバイスの変化を受けて再プローブする
func (m *DefaultManager) onHotplug(ctx context.Context, prev, cur DeviceSnapshot) {
	emit(m.events, Event{
		Kind:    EventHotplug,
		Message: "devices changed",
		Fields: map[string]interface{}{
			"uvc":  cur.UVC,
			"dslr": cur.DSLR,
		},
	})
	m.reprobe(ctx)
}

func (m *DefaultManager) backend(engine device.Engine) device.Backend {
	if engine == device.EngineDSLR {
		return m.dslr
	}
	return m.uvc
}

func (m *DefaultManager) selectedDevice(engine device.Engine) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.selected[engine]
}

func (m *DefaultManager) isPaused() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paused
}
