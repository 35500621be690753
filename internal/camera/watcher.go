package camera

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"photohub/internal/device"
)

// DeviceSnapshot は接続中デバイスの一覧
type DeviceSnapshot struct {
	UVC  []string
	DSLR []string
}

// Equal は集合として等しいかを返す
func (s DeviceSnapshot) Equal(o DeviceSnapshot) bool {
	return sameSet(s.UVC, o.UVC) && sameSet(s.DSLR, o.DSLR)
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	x := append([]string(nil), a...)
	y := append([]string(nil), b...)
	sort.Strings(x)
	sort.Strings(y)
	for i := range x {
		if x[i] != y[i] {
			return false
		}
	}
	return true
}

// hotplugHandler はウォッチャーから呼ばれる側
type hotplugHandler interface {
	warming() bool
	onHotplug(ctx context.Context, prev, cur DeviceSnapshot)
}

// Watcher は一定間隔でデバイスの抜き差しを監視する
type Watcher struct {
	uvc      device.Backend
	dslr     device.Backend
	handler  hotplugHandler
	interval time.Duration
	logger   zerolog.Logger

	mu      sync.Mutex
	prev    DeviceSnapshot
	primed  bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool
}

// NewWatcher は新しいWatcherを作成する
func NewWatcher(uvc, dslr device.Backend, handler hotplugHandler, interval time.Duration, logger zerolog.Logger) *Watcher {
	if interval <= 0 {
		interval = time.Second
	}
	return &Watcher{
		uvc:      uvc,
		dslr:     dslr,
		handler:  handler,
		interval: interval,
		logger:   logger.With().Str("component", "watcher").Logger(),
	}
}

// Prime は比較の基準となる一覧を設定する
func (w *Watcher) Prime(snap DeviceSnapshot) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prev = snap
	w.primed = true
}

// Start は監視ループを開始する
func (w *Watcher) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}
	w.running = true
	w.stopCh = make(chan struct{})

	w.wg.Add(1)
	go w.loop(ctx, w.stopCh)
}

// Stop は監視ループを停止して終了を待つ
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stopCh)
	w.mu.Unlock()

	w.wg.Wait()
}

func (w *Watcher) loop(ctx context.Context, stopCh chan struct{}) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Tick(ctx)
		}
	}
}

// Tick は1回分の監視を行う。エラーはログに残すだけで監視は続ける
func (w *Watcher) Tick(ctx context.Context) {
	if w.handler.warming() {
		return
	}

	cur, err := ScanDevices(ctx, w.uvc, w.dslr)
	if err != nil {
		w.logger.Warn().Err(err).Msg("デバイスの列挙に失敗")
		return
	}

	w.mu.Lock()
	prev := w.prev
	primed := w.primed
	w.prev = cur
	w.primed = true
	w.mu.Unlock()

	if !primed || prev.Equal(cur) {
		return
	}

	w.logger.Info().
		Strs("uvc", cur.UVC).
		Strs("dslr", cur.DSLR).
		Msg("デバイスの変化を検出")
	w.handler.onHotplug(ctx, prev, cur)
}

// ScanDevices は両エンジンのデバイス一覧を取得する
func ScanDevices(ctx context.Context, uvc, dslr device.Backend) (DeviceSnapshot, error) {
	var snap DeviceSnapshot
	if uvc != nil {
		ids, err := uvc.Enumerate(ctx)
		if err != nil {
			return snap, fmt.Errorf("Webカメラの列挙に失敗: %w", err)
		}
		snap.UVC = ids
	}
	if dslr != nil && dslr.Available() {
		ids, err := dslr.Enumerate(ctx)
		if err != nil {
			return snap, fmt.Errorf("一眼レフの列挙に失敗: %w", err)
		}
		snap.DSLR = ids
	}
	return snap, nil
}
