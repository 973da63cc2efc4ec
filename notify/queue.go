/*
Package notify dispatches member notifications off the settlement path.

PURPOSE:
  Settlement enqueues a message after its saga commits and returns. Workers
  deliver it later through a Sender. Nothing here can fail, slow down, or
  roll back a settlement.

DESIGN:
  - Bounded buffer: Enqueue never blocks; a full buffer returns ErrQueueFull
  - Worker goroutines drain the buffer and call Sender.Send
  - Failed sends are retried with doubling backoff up to MaxAttempts
  - Exhausted retries are logged as *ledger.NotificationDeliveryError

USAGE:
  q := notify.NewQueue(notify.NewLogSender(log), notify.QueueConfig{}, log)
  q.Start(ctx)
  defer q.Stop()
  coordinator := settlement.New(settlement.Config{Notifier: q, ...})
*/
package notify

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/warp/membership-ledger/ledger"
	"github.com/warp/membership-ledger/logger"
)

var (
	ErrQueueFull   = errors.New("notification queue full")
	ErrQueueClosed = errors.New("notification queue closed")
)

// Message is a best-effort notification to a member.
type Message struct {
	MemberID  ledger.MemberID `json:"member_id"`
	EntryID   ledger.EntryID  `json:"entry_id,omitempty"`
	Title     string          `json:"title"`
	Body      string          `json:"body"`
	CreatedAt time.Time       `json:"created_at"`
}

// Sender delivers one message over some transport.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, msg Message) error

func (f SenderFunc) Send(ctx context.Context, msg Message) error { return f(ctx, msg) }

// QueueConfig tunes a Queue. Zero values pick the defaults.
type QueueConfig struct {
	Buffer      int           // default 256
	Workers     int           // default 2
	MaxAttempts int           // default 3
	Backoff     time.Duration // first retry delay, default 200ms
	SendTimeout time.Duration // per attempt, default 5s
}

func (c QueueConfig) withDefaults() QueueConfig {
	if c.Buffer <= 0 {
		c.Buffer = 256
	}
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.Backoff <= 0 {
		c.Backoff = 200 * time.Millisecond
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 5 * time.Second
	}
	return c
}

// Queue is an asynchronous notification dispatcher.
type Queue struct {
	sender Sender
	cfg    QueueConfig
	log    *logger.Logger

	buf     chan Message
	mu      sync.RWMutex
	closed  bool
	started bool
	wg      sync.WaitGroup

	sent   atomic.Int64
	failed atomic.Int64
}

// NewQueue creates a stopped queue. Call Start to begin delivery.
func NewQueue(sender Sender, cfg QueueConfig, log *logger.Logger) *Queue {
	cfg = cfg.withDefaults()
	if log == nil {
		log = logger.Nop()
	}
	return &Queue{
		sender: sender,
		cfg:    cfg,
		log:    log.With("component", "notify"),
		buf:    make(chan Message, cfg.Buffer),
	}
}

// Start launches the workers. Deliveries use ctx; cancelling it aborts
// in-flight sends and retry waits.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started || q.closed {
		return
	}
	q.started = true

	for i := 0; i < q.cfg.Workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx)
	}
	q.log.Info("notification queue started", "workers", q.cfg.Workers, "buffer", q.cfg.Buffer)
}

// Stop refuses new messages, drains the buffer and waits for the workers.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.buf)
	q.mu.Unlock()

	q.wg.Wait()
	q.log.Info("notification queue stopped", "sent", q.sent.Load(), "failed", q.failed.Load())
}

// Enqueue hands msg to the workers without blocking.
func (q *Queue) Enqueue(_ context.Context, msg Message) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	select {
	case q.buf <- msg:
		return nil
	default:
		return ErrQueueFull
	}
}

// Sent returns the number of delivered messages.
func (q *Queue) Sent() int64 { return q.sent.Load() }

// Failed returns the number of messages dropped after all retries.
func (q *Queue) Failed() int64 { return q.failed.Load() }

func (q *Queue) worker(ctx context.Context) {
	defer q.wg.Done()
	for msg := range q.buf {
		q.deliver(ctx, msg)
	}
}

func (q *Queue) deliver(ctx context.Context, msg Message) {
	backoff := q.cfg.Backoff
	var err error
	for attempt := 1; ; attempt++ {
		sendCtx, cancel := context.WithTimeout(ctx, q.cfg.SendTimeout)
		err = q.sender.Send(sendCtx, msg)
		cancel()
		if err == nil {
			q.sent.Add(1)
			return
		}
		if attempt >= q.cfg.MaxAttempts || !sleep(ctx, backoff) {
			break
		}
		backoff *= 2
	}

	q.failed.Add(1)
	derr := &ledger.NotificationDeliveryError{MemberID: msg.MemberID, Cause: err}
	q.log.Warn("notification dropped",
		"member_id", msg.MemberID,
		"entry_id", msg.EntryID,
		"error", derr,
	)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
