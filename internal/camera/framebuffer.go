package camera

import (
	"context"
	"sync"
	"time"
)

// Snapshot はフレームバッファのある時点の内容
type Snapshot struct {
	Payload   []byte
	Version   uint64
	Timestamp time.Time
}

// Empty はペイロードが無いかを返す
func (s Snapshot) Empty() bool {
	return len(s.Payload) == 0
}

// FrameBuffer は最新のJPEGフレームを1枚だけ保持し、更新を待機者へ通知する
// バージョンは更新のたびに必ず増加し、減少することはない
type FrameBuffer struct {
	mu        sync.Mutex
	payload   []byte
	version   uint64
	timestamp time.Time
	changed   chan struct{}
}

// NewFrameBuffer は新しいFrameBufferを作成する
func NewFrameBuffer() *FrameBuffer {
	return &FrameBuffer{changed: make(chan struct{})}
}

// Publish はペイロードを置き換えてバージョンを進め、全ての待機者を起こす
func (b *FrameBuffer) Publish(payload []byte) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.payload = payload
	return b.bumpLocked()
}

// Discard は保持しているペイロードを破棄する（バージョンは進む）
func (b *FrameBuffer) Discard() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.payload = nil
	return b.bumpLocked()
}

func (b *FrameBuffer) bumpLocked() uint64 {
	b.version++
	b.timestamp = time.Now()
	close(b.changed)
	b.changed = make(chan struct{})
	return b.version
}

// Read は現在の内容をブロックせずに返す
func (b *FrameBuffer) Read() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	return Snapshot{Payload: b.payload, Version: b.version, Timestamp: b.timestamp}
}

// WaitForNew はバージョンが since と異なるまで待つ
// タイムアウトまたはctx終了の場合は現在の内容と false を返す
func (b *FrameBuffer) WaitForNew(ctx context.Context, since uint64, timeout time.Duration) (Snapshot, bool) {
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	for {
		b.mu.Lock()
		if b.version != since {
			snap := Snapshot{Payload: b.payload, Version: b.version, Timestamp: b.timestamp}
			b.mu.Unlock()
			return snap, true
		}
		changed := b.changed
		b.mu.Unlock()

		select {
		case <-changed:
		case <-timer:
			return b.Read(), false
		case <-ctx.Done():
			return b.Read(), false
		}
	}
}
