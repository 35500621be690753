package camera

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SubscribeOptions は視聴開始時のオプション
type SubscribeOptions struct {
	DiscardStale bool // 最初の描画前に古いフレームを捨てる
	AutoResume   bool // 一時停止を解除する
}

// Viewer はMJPEGストリームの視聴者1人を表す
type Viewer struct {
	ID string

	buffer  *FrameBuffer
	release func()
	once    sync.Once

	mu    sync.Mutex
	since uint64
}

// Next は前回返したものより新しいフレームを待つ
// 空のペイロード（破棄直後）は飛ばす。タイムアウトやctx終了では false
func (v *Viewer) Next(ctx context.Context, timeout time.Duration) (Snapshot, bool) {
	v.mu.Lock()
	since := v.since
	v.mu.Unlock()

	for {
		snap, ok := v.buffer.WaitForNew(ctx, since, timeout)
		if !ok {
			return snap, false
		}
		since = snap.Version

		v.mu.Lock()
		v.since = since
		v.mu.Unlock()

		if !snap.Empty() {
			return snap, true
		}
	}
}

// Close は視聴を終える。何度呼んでもよい
func (v *Viewer) Close() {
	v.once.Do(v.release)
}

// viewerSet は視聴者の参照カウント
type viewerSet struct {
	mu     sync.Mutex
	active map[string]struct{}
}

func newViewerSet() *viewerSet {
	return &viewerSet{active: make(map[string]struct{})}
}

// add は視聴者を登録し、登録後の人数を返す
func (s *viewerSet) add() (string, int) {
	id := uuid.NewString()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active[id] = struct{}{}
	return id, len(s.active)
}

// remove は視聴者を外し、残りの人数を返す
func (s *viewerSet) remove(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, id)
	return len(s.active)
}

func (s *viewerSet) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}
