package camera

import (
	"context"
	"errors"
	"sync"
)

// Role はデバイスを要求する側の種類
type Role string

const (
	RolePreview Role = "preview"
	RoleCapture Role = "capture"
	RoleProbe   Role = "probe"
)

// Owner はロックの所有者トークン。同じ値なら同じ所有者として再入できる
type Owner struct {
	Role Role
	ID   string
}

// ErrNotOwner は所有していないロックを解放しようとした場合のエラー
var ErrNotOwner = errors.New("ロックを所有していません")

type lockWaiter struct {
	owner   Owner
	ready   chan struct{}
	granted bool
}

// OwnershipLock はカメラデバイスの排他ロック
// 待機者には到着順に直接引き渡す。同じ所有者は再入できる
type OwnershipLock struct {
	mu     sync.Mutex
	holder Owner
	depth  int
	queue  []*lockWaiter
}

// NewOwnershipLock は新しいOwnershipLockを作成する
func NewOwnershipLock() *OwnershipLock {
	return &OwnershipLock{}
}

// Acquire はロックを取得する。ctxが終了した場合は待機をやめてctxのエラーを返す
func (l *OwnershipLock) Acquire(ctx context.Context, owner Owner) error {
	l.mu.Lock()
	if l.depth > 0 && l.holder == owner {
		l.depth++
		l.mu.Unlock()
		return nil
	}
	if l.depth == 0 && len(l.queue) == 0 {
		l.holder = owner
		l.depth = 1
		l.mu.Unlock()
		return nil
	}

	w := &lockWaiter{owner: owner, ready: make(chan struct{})}
	l.queue = append(l.queue, w)
	l.mu.Unlock()

	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
	}

	l.mu.Lock()
	if w.granted {
		// キャンセルと引き渡しが競合した場合は受け取ってから手放す
		l.mu.Unlock()
		_ = l.Release(owner)
		return ctx.Err()
	}
	for i, q := range l.queue {
		if q == w {
			l.queue = append(l.queue[:i], l.queue[i+1:]...)
			break
		}
	}
	l.mu.Unlock()
	return ctx.Err()
}

// Release はロックを解放する。最後の解放で先頭の待機者へ引き渡す
func (l *OwnershipLock) Release(owner Owner) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.depth == 0 || l.holder != owner {
		return ErrNotOwner
	}
	l.depth--
	if l.depth > 0 {
		return nil
	}

	l.holder = Owner{}
	if len(l.queue) > 0 {
		w := l.queue[0]
		l.queue = l.queue[1:]
		l.holder = w.owner
		l.depth = 1
		w.granted = true
		close(w.ready)
	}
	return nil
}

// Holder は現在の所有者を返す。誰も所有していない場合は false
func (l *OwnershipLock) Holder() (Owner, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.holder, l.depth > 0
}

// Waiting は待機中の数を返す
func (l *OwnershipLock) Waiting() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// Do はロックを取得してfnを実行し、必ず解放する
func (l *OwnershipLock) Do(ctx context.Context, owner Owner, fn func() error) error {
	if err := l.Acquire(ctx, owner); err != nil {
		return err
	}
	defer func() {
		_ = l.Release(owner)
	}()
	return fn()
}
