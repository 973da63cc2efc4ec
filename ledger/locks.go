package ledger

import (
	"context"
	"sync"
)

// Locks serializes work per membership within a process.
//
// Settlement holds the lock from derivation through the last write (or the
// last compensation), so two settlements on the same membership can never
// both pass the sufficiency check against the same derived balance.
// Reconciliation takes the same lock before repairing cached fields.
//
// Entries are reference counted and removed when no holder or waiter remains.
type Locks struct {
	mu      sync.Mutex
	entries map[MembershipID]*lockEntry
}

type lockEntry struct {
	sem  chan struct{}
	refs int
}

func NewLocks() *Locks {
	return &Locks{entries: make(map[MembershipID]*lockEntry)}
}

// Acquire blocks until the membership lock is held or ctx is done.
// The returned release func must be called exactly once.
func (l *Locks) Acquire(ctx context.Context, id MembershipID) (release func(), err error) {
	l.mu.Lock()
	e, ok := l.entries[id]
	if !ok {
		e = &lockEntry{sem: make(chan struct{}, 1)}
		l.entries[id] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		l.drop(id, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.sem
			l.drop(id, e)
		})
	}, nil
}

func (l *Locks) drop(id MembershipID, e *lockEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.entries, id)
	}
}

// Len returns the number of memberships with a holder or waiter.
func (l *Locks) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
