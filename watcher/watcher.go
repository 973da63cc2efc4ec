/*
Package watcher keeps a member's derived balance fresh for dashboards.

BEHAVIOR:
  Run subscribes to the change feed for one member. Every event and every
  poll tick starts a fresh DeriveMemberBalance. Only the most recently
  started recomputation may publish: when a newer one starts, the older
  one's context is cancelled and its result, if it still arrives, is
  discarded (last triggered wins).

VIEW FLAGS:
  Loading  a recomputation is in flight
  Stale    the balance shown predates the latest trigger
  Err      the latest recomputation failed; the previous balance is kept

  The watcher only reads. It can run next to settlements with no
  coordination; at worst it shows a stale view until the next event or
  poll.
*/
package watcher

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/warp/membership-ledger/feed"
	"github.com/warp/membership-ledger/ledger"
	"github.com/warp/membership-ledger/logger"
)

// MemberDeriver computes a member's balance. *ledger.Deriver satisfies it.
type MemberDeriver interface {
	DeriveMemberBalance(ctx context.Context, memberID ledger.MemberID) (ledger.MemberBalance, error)
}

type Config struct {
	Deriver      MemberDeriver
	Feed         feed.Subscriber // optional; nil means poll only
	MemberID     ledger.MemberID
	PollInterval time.Duration // default 30s
	Logger       *logger.Logger
}

// View is what a dashboard renders.
type View struct {
	MemberID   ledger.MemberID
	Balance    ledger.MemberBalance
	Loading    bool
	Stale      bool
	Err        error
	Generation uint64 // trigger that produced Balance
	UpdatedAt  time.Time
}

type Watcher struct {
	deriver  MemberDeriver
	feed     feed.Subscriber
	memberID ledger.MemberID
	poll     time.Duration
	log      *logger.Logger

	mu       sync.Mutex
	view     View
	latest   uint64
	cancel   context.CancelFunc
	updates  chan View
	inflight sync.WaitGroup

	discarded atomic.Int64
}

func New(cfg Config) (*Watcher, error) {
	if cfg.Deriver == nil {
		return nil, errors.New("watcher: deriver required")
	}
	if cfg.MemberID == "" {
		return nil, errors.New("watcher: member id required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Nop()
	}
	return &Watcher{
		deriver:  cfg.Deriver,
		feed:     cfg.Feed,
		memberID: cfg.MemberID,
		poll:     cfg.PollInterval,
		log:      cfg.Logger.With("component", "watcher", "member_id", cfg.MemberID),
		view:     View{MemberID: cfg.MemberID, Stale: true},
		updates:  make(chan View, 1),
	}, nil
}

// Run watches until ctx is done. It closes Updates on return.
func (w *Watcher) Run(ctx context.Context) error {
	defer close(w.updates)
	defer w.inflight.Wait()

	var events <-chan feed.Event
	if w.feed != nil {
		ch, err := w.feed.Subscribe(ctx, w.memberID)
		if err != nil {
			w.log.Warn("change feed unavailable, polling only", "error", err)
		} else {
			events = ch
		}
	}

	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()

	w.trigger(ctx, "start")
	for {
		select {
		case <-ctx.Done():
			w.mu.Lock()
			if w.cancel != nil {
				w.cancel()
			}
			w.mu.Unlock()
			return ctx.Err()
		case e, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			w.trigger(ctx, string(e.Table)+"."+string(e.Op))
		case <-ticker.C:
			w.trigger(ctx, "poll")
		}
	}
}

// View returns the current view.
func (w *Watcher) View() View {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.view
}

// Updates delivers the latest view after every change. Intermediate views
// are skipped when the reader is slow.
func (w *Watcher) Updates() <-chan View {
	return w.updates
}

// Discarded counts recomputations whose result arrived after a newer one started.
func (w *Watcher) Discarded() int64 {
	return w.discarded.Load()
}

func (w *Watcher) trigger(ctx context.Context, reason string) {
	w.mu.Lock()
	w.latest++
	gen := w.latest
	if w.cancel != nil {
		w.cancel()
	}
	rctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.view.Loading = true
	w.view.Stale = true
	w.publishLocked()
	w.mu.Unlock()

	w.log.Debug("recomputing balance", "generation", gen, "reason", reason)

	w.inflight.Add(1)
	go func() {
		defer w.inflight.Done()
		defer cancel()
		b, err := w.deriver.DeriveMemberBalance(rctx, w.memberID)
		w.complete(gen, b, err)
	}()
}

func (w *Watcher) complete(gen uint64, b ledger.MemberBalance, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if gen != w.latest {
		w.discarded.Add(1)
		return
	}
	w.view.Loading = false
	if err != nil {
		w.view.Err = err
		w.log.Warn("balance recomputation failed", "generation", gen, "error", err)
	} else {
		w.view = View{
			MemberID:   w.memberID,
			Balance:    b,
			Generation: gen,
			UpdatedAt:  time.Now().UTC(),
		}
	}
	w.publishLocked()
}

// publishLocked replaces any unread view with the current one.
func (w *Watcher) publishLocked() {
	select {
	case <-w.updates:
	default:
	}
	w.updates <- w.view
}
