// Package gift implements the two-phase gift protocol: a cheap, reversible
// prepare step and an explicit confirm that performs the irreversible
// upstream send. Confirmations expire server-side after a bounded lifetime,
// independent of any UI timeout.
package gift

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"shopkeeper/internal/audit"
	"shopkeeper/internal/authflow"
	"shopkeeper/internal/compliance"
	"shopkeeper/internal/ratelimit"
	"shopkeeper/internal/registry"
	"shopkeeper/internal/store"
	"shopkeeper/internal/upstream"
)

var (
	// ErrNotFound means the confirmation id is unknown or already consumed.
	ErrNotFound = errors.New("gift: confirmation not found")
	// ErrExpired means the confirmation outlived its lifetime.
	ErrExpired = errors.New("gift: confirmation expired")
)

// Result crosses the command boundary for confirm/cancel.
type Result struct {
	Success        bool   `json:"success"`
	Error          string `json:"error,omitempty"`
	ConfirmationID string `json:"confirmationId,omitempty"`
	Recipient      string `json:"recipient,omitempty"`
	ItemID         string `json:"itemId,omitempty"`
	Summary        string `json:"summary,omitempty"`
}

type pendingGift struct {
	recipientHandle string
	itemID          string
	actorID         string
	message         string
	createdAt       time.Time
}

type giftAPI interface {
	ResolveHandle(ctx context.Context, accessToken, handle string) (upstream.Profile, error)
	SendGift(ctx context.Context, accessToken, senderID string, gift upstream.GiftRequest) error
}

type tokenProvider interface {
	ActiveAccessToken(ctx context.Context) (store.Account, string, error)
}

// Flow orchestrates prepare/confirm/cancel over shared pending state.
type Flow struct {
	tokens   tokenProvider
	api      giftAPI
	limiter  *ratelimit.Limiter
	guard    *compliance.Guard
	auditLog *audit.Log
	registry *registry.Registry
	ttl      time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	pending map[string]pendingGift

	now func() time.Time
}

func NewFlow(tokens tokenProvider, api giftAPI, limiter *ratelimit.Limiter, guard *compliance.Guard, auditLog *audit.Log, reg *registry.Registry, ttl time.Duration, logger *zap.Logger) *Flow {
	return &Flow{
		tokens:   tokens,
		api:      api,
		limiter:  limiter,
		guard:    guard,
		auditLog: auditLog,
		registry: reg,
		ttl:      ttl,
		logger:   logger,
		pending:  make(map[string]pendingGift),
		now:      time.Now,
	}
}

// Prepare stores a pending confirmation and returns its id together with a
// human-readable summary. Pure and synchronous: no upstream call, no rate
// limiting, nothing consumed.
func (f *Flow) Prepare(recipientHandle, itemID, actorID, message string) Result {
	id := uuid.New().String()

	f.mu.Lock()
	f.gcLocked()
	f.pending[id] = pendingGift{
		recipientHandle: recipientHandle,
		itemID:          itemID,
		actorID:         actorID,
		message:         message,
		createdAt:       f.now(),
	}
	f.mu.Unlock()

	remaining := "unknown"
	if acc, err := f.registry.Active(); err == nil {
		if left := f.guard.Remaining("gift-send", acc.UpstreamID); left >= 0 {
			remaining = strconv.Itoa(left)
		}
	}
	summary := fmt.Sprintf("Gift %s to %s (%s gifts left today). Confirm within %s.",
		itemID, recipientHandle, remaining, f.ttl)

	return Result{
		Success:        true,
		ConfirmationID: id,
		Recipient:      recipientHandle,
		ItemID:         itemID,
		Summary:        summary,
	}
}

// gcLocked sweeps expired confirmations. Caller holds the mutex.
func (f *Flow) gcLocked() {
	cutoff := f.now().Add(-f.ttl)
	for id, p := range f.pending {
		if p.createdAt.Before(cutoff) {
			delete(f.pending, id)
		}
	}
}

// take atomically consumes the confirmation: once taken, a concurrent or
// repeated confirm sees NotFound and a retry can never double-send.
func (f *Flow) take(confirmationID string) (pendingGift, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	p, ok := f.pending[confirmationID]
	if !ok {
		return pendingGift{}, ErrNotFound
	}
	delete(f.pending, confirmationID)
	if f.now().Sub(p.createdAt) > f.ttl {
		return pendingGift{}, ErrExpired
	}
	return p, nil
}

// Confirm executes the prepared gift. The pending record is consumed before
// the upstream call, so no path through here can send twice.
func (f *Flow) Confirm(ctx context.Context, confirmationID string) Result {
	const action = "gift-send"

	p, err := f.take(confirmationID)
	if err != nil {
		if errors.Is(err, ErrExpired) {
			return Result{Success: false, Error: "confirmation expired, prepare the gift again", ConfirmationID: confirmationID}
		}
		return Result{Success: false, Error: "unknown or already used confirmation", ConfirmationID: confirmationID}
	}

	details := map[string]string{
		"confirmation": confirmationID,
		"recipient":    p.recipientHandle,
		"item":         p.itemID,
	}

	if err := f.limiter.Wait(ctx, action); err != nil {
		return f.fail(p, details, "rate-limit", err)
	}

	acc, token, err := f.tokens.ActiveAccessToken(ctx)
	if err != nil {
		return f.fail(p, details, "token", err)
	}

	if ok, reason := f.guard.Validate(action, acc.UpstreamID, compliance.Details{
		RecipientHandle: p.recipientHandle,
		ItemID:          p.itemID,
	}); !ok {
		f.auditLog.Append(action, p.actorID, details, false, reason)
		return Result{Success: false, Error: reason, Recipient: p.recipientHandle, ItemID: p.itemID}
	}

	profile, err := f.api.ResolveHandle(ctx, token, p.recipientHandle)
	if err != nil {
		return f.fail(p, details, "resolve", err)
	}

	err = f.api.SendGift(ctx, token, acc.UpstreamID, upstream.GiftRequest{
		RecipientID: profile.ID,
		ItemID:      p.itemID,
		Message:     p.message,
	})
	if err != nil {
		return f.fail(p, details, "send", err)
	}

	f.guard.Record(action, acc.UpstreamID)
	f.auditLog.Append(action, p.actorID, details, true, "")
	f.logger.Info("gift sent",
		zap.String("recipient", p.recipientHandle),
		zap.String("item", p.itemID),
		zap.Int("slot", acc.Slot))
	_ = f.limiter.ApplyNaturalDelay(ctx, action)

	return Result{
		Success:        true,
		ConfirmationID: confirmationID,
		Recipient:      p.recipientHandle,
		ItemID:         p.itemID,
	}
}

// Cancel removes the pending record without ever contacting the platform.
// Returns false if the confirmation was already gone.
func (f *Flow) Cancel(confirmationID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.pending[confirmationID]; !ok {
		return false
	}
	delete(f.pending, confirmationID)
	return true
}

// PendingCount reports live (unexpired) confirmations.
func (f *Flow) PendingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gcLocked()
	return len(f.pending)
}

func (f *Flow) fail(p pendingGift, details map[string]string, stage string, err error) Result {
	details["stage"] = stage
	f.auditLog.Append("gift-send", p.actorID, details, false, err.Error())
	return Result{
		Success:   false,
		Error:     userMessage(err),
		Recipient: p.recipientHandle,
		ItemID:    p.itemID,
	}
}

// userMessage maps failure causes to short actionable strings; provider
// detail stays in the audit log.
func userMessage(err error) string {
	switch {
	case errors.Is(err, authflow.ErrAuthentication), errors.Is(err, upstream.ErrAuthRejected):
		return "re-authenticate the active account"
	case errors.Is(err, upstream.ErrBadRequest):
		return "the platform rejected the gift request"
	case errors.Is(err, upstream.ErrForbidden):
		return "this item cannot be gifted to that recipient"
	case errors.Is(err, upstream.ErrNotFound):
		return "recipient or gifting service not found upstream"
	case errors.Is(err, upstream.ErrUnavailable):
		return "the platform is temporarily unavailable, try again later"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "the gift failed, check the audit log"
	}
}
