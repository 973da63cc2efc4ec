/*
Package acknowledgment records a member's countersignature on a ledger entry.

CONTRACT:
  Acknowledge(ctx, entryID, payload)

  - empty or whitespace payload -> EmptyAcknowledgmentError, nothing written
  - pending entry               -> completed, payload + digest + timestamp stored
  - already completed entry     -> ErrAlreadyAcknowledged, nothing written
  - unknown entry               -> NotFoundError

  A single conditional write on one entry. No saga, no compensation.

AUTHORIZATION:
  Only the member who owns the entry may acknowledge it. This package does
  not check ownership; the caller (api.Server, or a store policy layer) must
  verify that the authenticated member matches Entry.MemberID before calling.
*/
package acknowledgment

import (
	"context"
	"encoding/hex"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/warp/membership-ledger/ledger"
	"github.com/warp/membership-ledger/logger"
)

// Store is the slice of ledger.EntryStore the workflow needs.
type Store interface {
	GetEntry(ctx context.Context, id ledger.EntryID) (ledger.Entry, error)
	Acknowledge(ctx context.Context, id ledger.EntryID, signature, digest string, at time.Time) error
}

// Workflow applies acknowledgments.
type Workflow struct {
	store Store
	log   *logger.Logger
	clock func() time.Time
}

func New(store Store, log *logger.Logger) *Workflow {
	if log == nil {
		log = logger.Nop()
	}
	return &Workflow{
		store: store,
		log:   log.With("component", "acknowledgment"),
		clock: func() time.Time { return time.Now().UTC() },
	}
}

// Acknowledge marks the entry completed with the given signature payload and
// returns the updated entry.
func (w *Workflow) Acknowledge(ctx context.Context, id ledger.EntryID, payload string) (ledger.Entry, error) {
	if strings.TrimSpace(payload) == "" {
		return ledger.Entry{}, &ledger.EmptyAcknowledgmentError{EntryID: id}
	}

	at := w.clock()
	digest := Digest(payload)
	if err := w.store.Acknowledge(ctx, id, payload, digest, at); err != nil {
		return ledger.Entry{}, err
	}

	w.log.Info("ledger entry acknowledged", "entry_id", id, "digest", digest)
	return w.store.GetEntry(ctx, id)
}

// Digest returns the hex BLAKE2b-256 of a signature payload.
func Digest(payload string) string {
	sum := blake2b.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// Verify reports whether e carries a signature matching its stored digest.
func Verify(e ledger.Entry) bool {
	return e.AckStatus == ledger.AckCompleted && e.Signature != "" && Digest(e.Signature) == e.SignatureDigest
}
