package feed

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/warp/membership-ledger/ledger"
)

// Memory fans events out to in-process subscribers.
type Memory struct {
	mu      sync.RWMutex
	subs    map[ledger.MemberID]map[chan Event]struct{}
	buffer  int
	dropped atomic.Int64
}

// NewMemory creates a feed whose subscriber channels hold buffer events.
func NewMemory(buffer int) *Memory {
	if buffer <= 0 {
		buffer = 16
	}
	return &Memory{subs: make(map[ledger.MemberID]map[chan Event]struct{}), buffer: buffer}
}

// Publish never blocks. Events for a full subscriber are dropped.
func (m *Memory) Publish(_ context.Context, e Event) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for ch := range m.subs[e.MemberID] {
		select {
		case ch <- e:
		default:
			m.dropped.Add(1)
		}
	}
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, memberID ledger.MemberID) (<-chan Event, error) {
	ch := make(chan Event, m.buffer)

	m.mu.Lock()
	if m.subs[memberID] == nil {
		m.subs[memberID] = make(map[chan Event]struct{})
	}
	m.subs[memberID][ch] = struct{}{}
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		delete(m.subs[memberID], ch)
		if len(m.subs[memberID]) == 0 {
			delete(m.subs, memberID)
		}
		close(ch)
		m.mu.Unlock()
	}()
	return ch, nil
}

// Subscribers returns the number of open subscriptions for a member.
func (m *Memory) Subscribers(memberID ledger.MemberID) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs[memberID])
}

// Dropped returns how many events were discarded on full subscribers.
func (m *Memory) Dropped() int64 {
	return m.dropped.Load()
}
