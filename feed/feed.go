/*
Package feed is the change feed the balance watcher listens to.

EVENTS:
  Every write that can move a member's derived balance produces one Event,
  scoped to the owning member:

    memberships  insert  membership created
    memberships  update  cached balance or status written
    entries      insert  ledger entry created
    entries      delete  ledger entry removed by compensation

  Events carry ids only. Subscribers re-derive; they never apply deltas.

DELIVERY:
  Best effort. A slow subscriber may miss events; the watcher's poll
  interval covers the gap. Publishing never fails a store write.

IMPLEMENTATIONS:
  - Memory: in-process fan-out
  - Redis:  pub/sub, one channel per member
  - Wrap:   a ledger.Store decorator that publishes after each write
*/
package feed

import (
	"context"
	"time"

	"github.com/warp/membership-ledger/ledger"
)

type Table string

const (
	TableMemberships Table = "memberships"
	TableEntries     Table = "entries"
)

type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Event says that something about a member's balance changed.
type Event struct {
	Table        Table               `json:"table"`
	Op           Op                  `json:"op"`
	MemberID     ledger.MemberID     `json:"member_id"`
	MembershipID ledger.MembershipID `json:"membership_id"`
	EntryID      ledger.EntryID      `json:"entry_id,omitempty"`
	Version      int64               `json:"version,omitempty"`
	At           time.Time           `json:"at"`
}

type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Subscriber delivers events for one member until ctx is done, then
// closes the channel.
type Subscriber interface {
	Subscribe(ctx context.Context, memberID ledger.MemberID) (<-chan Event, error)
}

// Feed is both sides.
type Feed interface {
	Publisher
	Subscriber
}
