/*
handlers.go - HTTP API handlers for the membership ledger

PURPOSE:
  Exposes settlement, acknowledgment and balance reads over REST. Handles
  HTTP request/response and JSON, and delegates to the domain packages.

ENDPOINTS:
  Settlements:
    POST   /api/settlements                      Settle a session (staff)
    GET    /api/settlements/{id}                 Ledger entry
    POST   /api/settlements/{id}/acknowledgment  Member countersign
    PATCH  /api/settlements/{id}/notes           Amend summary/private note (staff)

  Memberships:
    POST   /api/memberships                      Purchase a membership (staff)
    GET    /api/memberships/{id}/balance         Derived balance
    GET    /api/memberships/{id}/entries         Ledger entries, oldest first

  Members:
    GET    /api/members/{id}/balance             Derived balance over active memberships
    GET    /api/members/{id}/balance/stream      Server-sent balance views

  Admin:
    GET    /api/admin/reconciliation             Scheduler status
    POST   /api/admin/reconciliation/run         Run a pass now
    GET    /api/admin/reconciliation/flags       Open flags
    POST   /api/admin/reconciliation/flags/{id}/resolve

ACCESS:
  Members may only read their own memberships, entries and balances and
  may only acknowledge their own entries. Staff may read everything.
  Private notes are only returned to staff.

ERROR HANDLING:
  Every domain error goes through errorResponse (errors.go):
  - 400: invalid request, empty acknowledgment
  - 401: no verified actor
  - 403: actor does not own the resource
  - 404: unknown membership/entry/flag
  - 409: insufficient balance, concurrent modification, already acknowledged
  - 500: integrity violation, aborted settlement, reconciliation required

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/warp/membership-ledger/acknowledgment"
	"github.com/warp/membership-ledger/feed"
	"github.com/warp/membership-ledger/identity"
	"github.com/warp/membership-ledger/ledger"
	"github.com/warp/membership-ledger/logger"
	"github.com/warp/membership-ledger/reconcile"
	"github.com/warp/membership-ledger/settlement"
	"github.com/warp/membership-ledger/watcher"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store       ledger.Store
	Settlements *settlement.Coordinator
	Acks        *acknowledgment.Workflow
	Deriver     *ledger.Deriver
	Reconciler  *reconcile.Scheduler // optional
	Feed        feed.Subscriber      // optional; streams fall back to polling

	// StreamPoll is the watcher poll interval for balance streams.
	StreamPoll time.Duration

	Log *logger.Logger
}

// NewHandler creates a handler over store with the given coordinator.
func NewHandler(store ledger.Store, coord *settlement.Coordinator, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.Nop()
	}
	return &Handler{
		Store:       store,
		Settlements: coord,
		Acks:        acknowledgment.New(store, log),
		Deriver:     ledger.NewDeriver(store),
		StreamPoll:  30 * time.Second,
		Log:         log.With("component", "api"),
	}
}

// =============================================================================
// SETTLEMENT HANDLERS
// =============================================================================

// Settle runs one settlement.
func (h *Handler) Settle(w http.ResponseWriter, r *http.Request) {
	var req SettleRequest
	if !decode(w, r, &req) {
		return
	}

	res, err := h.Settlements.Settle(r.Context(), settlement.Request{
		MembershipID:     ledger.MembershipID(req.MembershipID),
		ProgramID:        ledger.ProgramID(req.ProgramID),
		StaffID:          ledger.StaffID(req.StaffID),
		ReservationID:    req.ReservationID,
		OriginalPrice:    req.OriginalPrice,
		DiscountRate:     req.DiscountRate,
		FinalPrice:       req.FinalPrice,
		Summary:          req.Summary,
		PrivateNote:      req.PrivateNote,
		ClaimedRemaining: req.Remaining,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, SettleResponse{
		LedgerEntryID: string(res.EntryID),
		MembershipID:  string(res.MembershipID),
		BalanceAfter:  res.BalanceAfter,
		Total:         res.Total,
		Used:          res.Used,
	})
}

// GetEntry returns one ledger entry.
func (h *Handler) GetEntry(w http.ResponseWriter, r *http.Request) {
	actor, _ := identity.ActorFrom(r.Context())
	entry, err := h.Settlements.Entry(r.Context(), ledger.EntryID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if !canRead(actor, entry.MemberID) {
		forbidden(w)
		return
	}
	writeJSON(w, http.StatusOK, toEntryDTO(entry, actor.IsStaff()))
}

// Acknowledge records the owning member's signature on an entry.
func (h *Handler) Acknowledge(w http.ResponseWriter, r *http.Request) {
	actor, ok := identity.ActorFrom(r.Context())
	if !ok {
		h.fail(w, r, &ledger.AuthError{Operation: "acknowledge"})
		return
	}
	var req AcknowledgeRequest
	if !decode(w, r, &req) {
		return
	}

	id := ledger.EntryID(chi.URLParam(r, "id"))
	entry, err := h.Store.GetEntry(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if !actor.Owns(entry.MemberID) {
		forbidden(w)
		return
	}

	entry, err = h.Acks.Acknowledge(r.Context(), id, req.Signature)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEntryDTO(entry, false))
}

// AmendNotes edits an entry's summary and private note.
func (h *Handler) AmendNotes(w http.ResponseWriter, r *http.Request) {
	var req NotesRequest
	if !decode(w, r, &req) {
		return
	}
	id := ledger.EntryID(chi.URLParam(r, "id"))
	if err := h.Settlements.AmendNotes(r.Context(), id, req.Summary, req.PrivateNote); err != nil {
		h.fail(w, r, err)
		return
	}
	entry, err := h.Settlements.Entry(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEntryDTO(entry, true))
}

// =============================================================================
// MEMBERSHIP HANDLERS
// =============================================================================

// CreateMembership purchases a membership for a member.
func (h *Handler) CreateMembership(w http.ResponseWriter, r *http.Request) {
	var req CreateMembershipRequest
	if !decode(w, r, &req) {
		return
	}
	open := settlement.OpenRequest{
		ID:       ledger.MembershipID(req.ID),
		MemberID: ledger.MemberID(req.MemberID),
		Total:    req.Total,
	}
	if req.ExpiresAt != nil {
		open.ExpiresAt = req.ExpiresAt.UTC()
	}

	m, err := h.Settlements.OpenMembership(r.Context(), open)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toMembershipDTO(m))
}

// GetMembershipBalance returns the derived balance of one membership.
func (h *Handler) GetMembershipBalance(w http.ResponseWriter, r *http.Request) {
	m, ok := h.readableMembership(w, r)
	if !ok {
		return
	}
	b, err := h.Deriver.DeriveFrom(r.Context(), m)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceDTO(b))
}

// GetMembershipEntries lists a membership's ledger entries.
func (h *Handler) GetMembershipEntries(w http.ResponseWriter, r *http.Request) {
	m, ok := h.readableMembership(w, r)
	if !ok {
		return
	}
	entries, err := h.Store.EntriesByMembership(r.Context(), m.ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	actor, _ := identity.ActorFrom(r.Context())
	dtos := make([]EntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toEntryDTO(e, actor.IsStaff())
	}
	writeJSON(w, http.StatusOK, dtos)
}

// readableMembership loads the {id} membership and checks the actor may
// read it. It writes the error response itself.
func (h *Handler) readableMembership(w http.ResponseWriter, r *http.Request) (ledger.Membership, bool) {
	actor, _ := identity.ActorFrom(r.Context())
	m, err := h.Store.GetMembership(r.Context(), ledger.MembershipID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, r, err)
		return ledger.Membership{}, false
	}
	if !canRead(actor, m.MemberID) {
		forbidden(w)
		return ledger.Membership{}, false
	}
	return m, true
}

// =============================================================================
// MEMBER BALANCE HANDLERS
// =============================================================================

// GetMemberBalance returns the derived balance across a member's active memberships.
func (h *Handler) GetMemberBalance(w http.ResponseWriter, r *http.Request) {
	memberID, ok := h.readableMember(w, r)
	if !ok {
		return
	}
	b, err := h.Deriver.DeriveMemberBalance(r.Context(), memberID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toMemberBalanceDTO(b))
}

// StreamMemberBalance pushes a "balance" event for every watcher view until
// the client disconnects.
func (h *Handler) StreamMemberBalance(w http.ResponseWriter, r *http.Request) {
	memberID, ok := h.readableMember(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, CodeInternal, "streaming unsupported")
		return
	}

	wt, err := watcher.New(watcher.Config{
		Deriver:      h.Deriver,
		Feed:         h.Feed,
		MemberID:     memberID,
		PollInterval: h.StreamPoll,
		Logger:       h.Log,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- wt.Run(ctx) }()

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for view := range wt.Updates() {
		payload, err := json.Marshal(toBalanceViewDTO(view))
		if err != nil {
			continue
		}
		if _, err := fmt.Fprintf(w, "event: balance\ndata: %s\n\n", payload); err != nil {
			cancel()
			continue
		}
		flusher.Flush()
	}
	if err := <-done; err != nil && ctx.Err() == nil {
		h.Log.Warn("balance stream ended", "member_id", memberID, "error", err)
	}
}

func (h *Handler) readableMember(w http.ResponseWriter, r *http.Request) (ledger.MemberID, bool) {
	actor, _ := identity.ActorFrom(r.Context())
	memberID := ledger.MemberID(chi.URLParam(r, "id"))
	if !canRead(actor, memberID) {
		forbidden(w)
		return "", false
	}
	return memberID, true
}

// =============================================================================
// RECONCILIATION HANDLERS
// =============================================================================

// GetReconciliationStatus reports the last pass and the next scheduled run.
func (h *Handler) GetReconciliationStatus(w http.ResponseWriter, r *http.Request) {
	if !h.reconcilerAvailable(w) {
		return
	}
	status := ReconciliationStatusDTO{LastRun: h.Reconciler.LastRun()}
	if next := h.Reconciler.NextRunTime(); !next.IsZero() {
		status.NextRun = &next
	}
	writeJSON(w, http.StatusOK, status)
}

// RunReconciliation runs one pass synchronously and returns its report.
func (h *Handler) RunReconciliation(w http.ResponseWriter, r *http.Request) {
	if !h.reconcilerAvailable(w) {
		return
	}
	writeJSON(w, http.StatusOK, h.Reconciler.RunNow(r.Context()))
}

// ListFlags returns open manual-reconciliation flags.
func (h *Handler) ListFlags(w http.ResponseWriter, r *http.Request) {
	if !h.reconcilerAvailable(w) {
		return
	}
	flags, err := h.Reconciler.OpenFlags(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	dtos := make([]FlagDTO, len(flags))
	for i, f := range flags {
		dtos[i] = toFlagDTO(f)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ResolveFlag closes a flag after an operator has repaired the membership.
func (h *Handler) ResolveFlag(w http.ResponseWriter, r *http.Request) {
	if !h.reconcilerAvailable(w) {
		return
	}
	actor, _ := identity.ActorFrom(r.Context())
	if err := h.Reconciler.ResolveFlag(r.Context(), chi.URLParam(r, "id"), actor.ID); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) reconcilerAvailable(w http.ResponseWriter) bool {
	if h.Reconciler == nil {
		writeError(w, http.StatusServiceUnavailable, CodeInternal, "reconciliation not configured")
		return false
	}
	return true
}

// =============================================================================
// HELPERS
// =============================================================================

// canRead reports whether actor may see data belonging to member.
func canRead(actor identity.Actor, member ledger.MemberID) bool {
	return actor.IsStaff() || actor.Owns(member)
}

func forbidden(w http.ResponseWriter) {
	writeError(w, http.StatusForbidden, CodeForbidden, "forbidden")
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:   "invalid request body",
			Code:    CodeInvalidRequest,
			Details: err.Error(),
		})
		return false
	}
	return true
}

// fail logs err at a level matching its class and writes the mapped response.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, resp := errorResponse(err)
	log := h.Log.With("method", r.Method, "path", r.URL.Path, "status", status, "code", resp.Code)
	switch {
	case ledger.IsOperatorAlarm(err):
		log.Error("request failed", "error", err)
	case status >= http.StatusInternalServerError:
		log.Warn("request failed", "error", err)
	default:
		log.Debug("request rejected", "error", err)
	}
	writeJSON(w, status, resp)
}
