package models

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/tidwall/btree"
	"maunium.net/go/mautrix/id"
)

const (
	DefaultTrustChangeLogSize = 1024
	listenerBuffer            = 64
)

// TrustChange is one persisted trust level change.
type TrustChange struct {
	Seq    uint64     `json:"seq"`
	UserID id.UserID  `json:"user_id"`
	Key    Key        `json:"key"`
	Level  TrustLevel `json:"level"`
	Time   time.Time  `json:"time"`
}

// TrustChangeLog keeps the most recent trust changes in sequence order and
// fans each new one out to its listeners.
type TrustChangeLog struct {
	mu    sync.Mutex
	tree  *btree.BTreeG[TrustChange]
	size  int
	seq   atomic.Uint64
	idInc atomic.Uint64

	changeCh *xsync.Map[uint64, chan TrustChange]
	cancel   *xsync.Map[uint64, context.CancelFunc]

	wg sync.WaitGroup
}

func bySeq(a, b TrustChange) bool {
	return a.Seq < b.Seq
}

func NewTrustChangeLog(size int) *TrustChangeLog {
	if size <= 0 {
		size = DefaultTrustChangeLogSize
	}
	return &TrustChangeLog{
		tree:     btree.NewBTreeGOptions(bySeq, btree.Options{NoLocks: true}),
		size:     size,
		changeCh: xsync.NewMap[uint64, chan TrustChange](),
		cancel:   xsync.NewMap[uint64, context.CancelFunc](),
	}
}

// TrustChanged records a change; it makes the log usable as the trust
// evaluator's observer.
func (l *TrustChangeLog) TrustChanged(userID id.UserID, key Key, level TrustLevel) {
	l.Record(TrustChange{UserID: userID, Key: key, Level: level})
}

// Record assigns the next sequence number to c, stores it and hands it to
// every listener. A listener that is not keeping up misses the change.
func (l *TrustChangeLog) Record(c TrustChange) TrustChange {
	c.Seq = l.seq.Add(1)
	if c.Time.IsZero() {
		c.Time = time.Now()
	}

	l.mu.Lock()
	l.tree.Set(c)
	for l.tree.Len() > l.size {
		l.tree.PopMin()
	}
	l.mu.Unlock()

	l.changeCh.Range(func(_ uint64, ch chan TrustChange) bool {
		select {
		case ch <- c:
		default:
		}
		return true
	})
	return c
}

// Since returns the retained changes with a sequence number above seq.
func (l *TrustChangeLog) Since(seq uint64) []TrustChange {
	l.mu.Lock()
	defer l.mu.Unlock()

	var changes []TrustChange
	l.tree.Ascend(TrustChange{Seq: seq + 1}, func(c TrustChange) bool {
		changes = append(changes, c)
		return true
	})
	return changes
}

// Recent returns up to n of the newest changes, newest first.
func (l *TrustChangeLog) Recent(n int) []TrustChange {
	l.mu.Lock()
	defer l.mu.Unlock()

	changes := make([]TrustChange, 0, min(n, l.tree.Len()))
	l.tree.Reverse(func(c TrustChange) bool {
		if len(changes) >= n {
			return false
		}
		changes = append(changes, c)
		return true
	})
	return changes
}

// Listen calls cb for every change recorded until ctx is done or the
// returned id is closed.
func (l *TrustChangeLog) Listen(ctx context.Context, cb func(TrustChange)) uint64 {
	listenerID := l.idInc.Add(1)
	listenCtx, cancel := context.WithCancel(ctx)
	changeCh := make(chan TrustChange, listenerBuffer)

	l.changeCh.Store(listenerID, changeCh)
	l.cancel.Store(listenerID, cancel)

	l.wg.Go(func() {
		defer l.changeCh.Delete(listenerID)
		for {
			select {
			case <-listenCtx.Done():
				return
			case c := <-changeCh:
				if cb != nil {
					cb(c)
				}
			}
		}
	})

	return listenerID
}

func (l *TrustChangeLog) Close(listenerID uint64) {
	l.cancel.Compute(listenerID, func(v context.CancelFunc, loaded bool) (context.CancelFunc, xsync.ComputeOp) {
		if loaded && v != nil {
			v()
		}
		return nil, xsync.DeleteOp
	})
}

// Shutdown stops every listener and waits for their callbacks to return.
func (l *TrustChangeLog) Shutdown() {
	l.cancel.Range(func(listenerID uint64, _ context.CancelFunc) bool {
		l.Close(listenerID)
		return true
	})
	l.wg.Wait()
}
