package camera

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"photohub/internal/device"
)

// WorkerState はプレビューワーカーの状態
type WorkerState string

const (
	WorkerStopped  WorkerState = "stopped"
	WorkerStarting WorkerState = "starting"
	WorkerRunning  WorkerState = "running"
	WorkerStopping WorkerState = "stopping"
)

// WorkerConfig はプレビューワーカーの設定
type WorkerConfig struct {
	FPS                  int
	StartupGrace         time.Duration
	IdleInterval         time.Duration
	TransientRetryDelay  time.Duration
	MaxTransientFailures int
	Reconnect            ReconnectConfig
}

// DefaultWorkerConfig はデフォルト設定を返す
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		FPS:                  60,
		StartupGrace:         time.Second,
		IdleInterval:         30 * time.Millisecond,
		TransientRetryDelay:  50 * time.Millisecond,
		MaxTransientFailures: 20,
		Reconnect:            DefaultReconnectConfig(),
	}
}

func (c WorkerConfig) interval() time.Duration {
	if c.FPS <= 0 {
		return time.Second
	}
	return time.Second / time.Duration(c.FPS)
}

// WorkerStatus はワーカーの状態のスナップショット
type WorkerStatus struct {
	Engine    device.Engine `json:"engine"`
	State     WorkerState   `json:"state"`
	Warming   bool          `json:"warming"`
	Device    string        `json:"device,omitempty"`
	Frames    uint64        `json:"frames"`
	LastError string        `json:"last_error,omitempty"`
}

// Worker はデバイスからプレビューフレームを読み続け、フレームバッファへ公開する
type Worker struct {
	engine  device.Engine
	backend device.Backend
	lock    *OwnershipLock
	buffer  *FrameBuffer
	encoder Encoder
	events  EventSink
	logger  zerolog.Logger
	cfg     WorkerConfig

	// preferred は開くデバイスの希望、paused は一時停止中かを返す
	preferred func() string
	paused    func() bool

	mu      sync.Mutex
	state   WorkerState
	warming bool
	grace   *time.Timer
	cancel  context.CancelFunc
	done    chan struct{}
	owner   Owner
	handle  device.Handle
	device  string
	frames  uint64
	lastErr error
}

// NewWorker は新しいWorkerを作成する
func NewWorker(engine device.Engine, backend device.Backend, lock *OwnershipLock, buffer *FrameBuffer, encoder Encoder, cfg WorkerConfig, events EventSink, logger zerolog.Logger) *Worker {
	return &Worker{
		engine:    engine,
		backend:   backend,
		lock:      lock,
		buffer:    buffer,
		encoder:   encoder,
		events:    events,
		logger:    logger.With().Str("component", "worker").Str("engine", string(engine)).Logger(),
		cfg:       cfg,
		preferred: func() string { return "" },
		paused:    func() bool { return false },
		state:     WorkerStopped,
	}
}

// Engine はワーカーのエンジン種別を返す
func (w *Worker) Engine() device.Engine {
	return w.engine
}

// Start はワーカーを開始する。既に動作中なら何もしない
func (w *Worker) Start() error {
	if w.backend == nil {
		return fmt.Errorf("%w: %s: %v", ErrWorkerStartFailed, w.engine, device.ErrUnavailable)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state == WorkerStarting || w.state == WorkerRunning {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.done = make(chan struct{})
	w.owner = Owner{Role: RolePreview, ID: uuid.NewString()}
	w.lastErr = nil
	w.setStateLocked(WorkerStarting)

	w.warming = true
	w.grace = time.AfterFunc(w.cfg.StartupGrace, func() {
		w.mu.Lock()
		w.warming = false
		w.mu.Unlock()
	})

	go w.run(ctx, w.owner, w.done)
	return nil
}

// Stop はワーカーを停止し、timeoutまで終了を待つ
// 時間内に終わらなかった場合は見捨ててログに残す
func (w *Worker) Stop(timeout time.Duration) {
	w.mu.Lock()
	if w.state == WorkerStopped || w.state == WorkerStopping {
		w.mu.Unlock()
		return
	}
	w.setStateLocked(WorkerStopping)
	w.cancel()
	done := w.done
	w.mu.Unlock()

	select {
	case <-done:
	case <-time.After(timeout):
		w.logger.Warn().Dur("timeout", timeout).Msg("ワーカーの停止がタイムアウトしました。見捨てます")
		w.mu.Lock()
		if w.done == done {
			w.setStateLocked(WorkerStopped)
		}
		w.mu.Unlock()
	}
}

// Running は開始中または動作中かを返す
func (w *Worker) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state == WorkerStarting || w.state == WorkerRunning
}

// Warming は起動直後の猶予期間中かを返す
func (w *Worker) Warming() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.warming && (w.state == WorkerStarting || w.state == WorkerRunning)
}

// Handle は現在開いているデバイスハンドルを返す
// 所有権ロックを保持した状態で呼ぶこと
func (w *Worker) Handle() (device.Handle, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.handle == nil || w.state != WorkerRunning {
		return nil, false
	}
	return w.handle, true
}

// LastError は最後に発生したエラーを返す
func (w *Worker) LastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Status は状態のスナップショットを返す
func (w *Worker) Status() WorkerStatus {
	w.mu.Lock()
	defer w.mu.Unlock()

	st := WorkerStatus{
		Engine:  w.engine,
		State:   w.state,
		Warming: w.warming && w.state != WorkerStopped,
		Device:  w.device,
		Frames:  w.frames,
	}
	if w.lastErr != nil {
		st.LastError = w.lastErr.Error()
	}
	return st
}

func (w *Worker) setStateLocked(state WorkerState) {
	if w.state == state {
		return
	}
	w.state = state
	w.logger.Info().Str("state", string(state)).Msg("ワーカー状態変更")
	emit(w.events, Event{
		Kind:    EventWorker,
		Engine:  w.engine,
		Message: string(state),
		Err:     w.lastErr,
		Fields:  map[string]interface{}{"device": w.device},
	})
}

// run はワーカー本体。どの経路で抜けてもハンドルは閉じられる
func (w *Worker) run(ctx context.Context, owner Owner, done chan struct{}) {
	defer func() {
		w.mu.Lock()
		if w.grace != nil {
			w.grace.Stop()
		}
		w.warming = false
		if w.done == done {
			w.setStateLocked(WorkerStopped)
		}
		w.mu.Unlock()
		close(done)
	}()

	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}

		h, err := w.open(ctx, owner)
		if err == nil {
			var published bool
			published, err = w.stream(ctx, owner, h)
			w.closeHandle(owner, h)
			if ctx.Err() != nil {
				return
			}
			if published {
				attempt = 0
			}
		}
		if ctx.Err() != nil {
			return
		}

		w.mu.Lock()
		w.lastErr = err
		w.mu.Unlock()

		attempt++
		if attempt > w.cfg.Reconnect.MaxRetries {
			w.logger.Error().Err(err).Int("attempts", attempt-1).Msg("再接続の上限に達したためワーカーを終了します")
			return
		}

		delay := w.cfg.Reconnect.Backoff(attempt)
		w.logger.Warn().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("デバイスに再接続します")
		if !sleepCtx(ctx, delay) {
			return
		}
	}
}

// open は対象デバイスを選んで所有権ロックの下で開く
func (w *Worker) open(ctx context.Context, owner Owner) (device.Handle, error) {
	ids, err := w.backend.Enumerate(ctx)
	if err != nil {
		return nil, fmt.Errorf("デバイスの列挙に失敗: %w", err)
	}
	if len(ids) == 0 {
		return nil, device.ErrDeviceNotFound
	}

	selector := ids[0]
	if p := w.preferred(); p != "" && device.Contains(ids, p) {
		selector = p
	}

	var h device.Handle
	err = w.lock.Do(ctx, owner, func() error {
		var err error
		h, err = w.backend.Open(ctx, selector)
		if err != nil {
			return err
		}
		w.mu.Lock()
		w.handle = h
		w.device = selector
		if w.state == WorkerStarting {
			w.setStateLocked(WorkerRunning)
		}
		w.mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return h, nil
}

// closeHandle は所有権ロックの下でハンドルを閉じる
func (w *Worker) closeHandle(owner Owner, h device.Handle) {
	_ = w.lock.Do(context.Background(), owner, func() error {
		w.mu.Lock()
		if w.handle == h {
			w.handle = nil
		}
		w.mu.Unlock()

		if err := w.backend.Close(h); err != nil {
			w.logger.Warn().Err(err).Msg("デバイスのクローズに失敗")
		}
		return nil
	})
}

// stream はフレームの読み取りと公開を繰り返す
// 一時的な失敗はその場で再試行し、続いた場合や致命的な場合はエラーを返す
func (w *Worker) stream(ctx context.Context, owner Owner, h device.Handle) (bool, error) {
	interval := w.cfg.interval()
	deadline := time.Now()
	transient := 0
	published := false

	for {
		if ctx.Err() != nil {
			return published, nil
		}

		if w.paused() {
			if !sleepCtx(ctx, w.cfg.IdleInterval) {
				return published, nil
			}
			deadline = time.Now()
			continue
		}

		err := w.lock.Do(ctx, owner, func() error {
			frame, err := w.backend.ReadPreview(ctx, h)
			if err != nil {
				return err
			}
			data, err := w.encoder.Encode(frame)
			if err != nil {
				return err
			}
			w.buffer.Publish(data)
			return nil
		})
		if ctx.Err() != nil {
			return published, nil
		}

		if err != nil {
			if isTransient(err) && transient < w.cfg.MaxTransientFailures {
				transient++
				if !sleepCtx(ctx, w.cfg.TransientRetryDelay) {
					return published, nil
				}
				continue
			}
			return published, err
		}

		transient = 0
		published = true
		w.mu.Lock()
		w.frames++
		w.mu.Unlock()

		deadline = deadline.Add(interval)
		now := time.Now()
		if deadline.Before(now) {
			deadline = now
			continue
		}
		if !sleepCtx(ctx, deadline.Sub(now)) {
			return published, nil
		}
	}
}

func isTransient(err error) bool {
	return errors.Is(err, device.ErrNoFrame) ||
		errors.Is(err, device.ErrReadTimeout) ||
		errors.Is(err, device.ErrNotImageFormat)
}

// sleepCtx はdだけ待つ。ctxが終了した場合は false を返す
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
