// Package social performs friend-graph actions on behalf of the active
// linked account. Every action runs the full admission pipeline: rate
// limiter, compliance guard, token derivation, upstream call, audit.
package social

import (
	"context"
	"errors"
	"strconv"

	"go.uber.org/zap"

	"shopkeeper/internal/audit"
	"shopkeeper/internal/authflow"
	"shopkeeper/internal/compliance"
	"shopkeeper/internal/ratelimit"
	"shopkeeper/internal/store"
	"shopkeeper/internal/upstream"
)

// Result crosses the command boundary: expected failures become a flag and
// a short actionable message, never a panic or raw upstream error.
type Result struct {
	Success    bool              `json:"success"`
	Error      string            `json:"error,omitempty"`
	Handle     string            `json:"handle,omitempty"`
	UpstreamID string            `json:"upstreamId,omitempty"`
	Friends    []upstream.Friend `json:"friends,omitempty"`
}

type socialAPI interface {
	ResolveHandle(ctx context.Context, accessToken, handle string) (upstream.Profile, error)
	AddFriend(ctx context.Context, accessToken, selfID, friendID string) error
	ListFriends(ctx context.Context, accessToken, selfID string) ([]upstream.Friend, error)
}

type tokenProvider interface {
	ActiveAccessToken(ctx context.Context) (store.Account, string, error)
}

type Client struct {
	tokens   tokenProvider
	api      socialAPI
	limiter  *ratelimit.Limiter
	guard    *compliance.Guard
	auditLog *audit.Log
	logger   *zap.Logger
}

func New(tokens tokenProvider, api socialAPI, limiter *ratelimit.Limiter, guard *compliance.Guard, auditLog *audit.Log, logger *zap.Logger) *Client {
	return &Client{
		tokens:   tokens,
		api:      api,
		limiter:  limiter,
		guard:    guard,
		auditLog: auditLog,
		logger:   logger,
	}
}

// AddFriend sends a befriend request to the named handle. Compliance is
// recorded only after upstream success; a failure at any stage is audited
// with the stage name and never partially applied.
func (c *Client) AddFriend(ctx context.Context, handle, actorID string) Result {
	const action = "friend-add"
	details := map[string]string{"handle": handle}

	if err := c.limiter.Wait(ctx, action); err != nil {
		return c.fail(action, actorID, details, "rate-limit", err)
	}

	acc, token, err := c.tokens.ActiveAccessToken(ctx)
	if err != nil {
		return c.fail(action, actorID, details, "token", err)
	}

	if ok, reason := c.guard.Validate(action, acc.UpstreamID, compliance.Details{RecipientHandle: handle}); !ok {
		c.auditLog.Append(action, actorID, details, false, reason)
		return Result{Success: false, Error: reason, Handle: handle}
	}

	profile, err := c.api.ResolveHandle(ctx, token, handle)
	if err != nil {
		return c.fail(action, actorID, details, "resolve", err)
	}

	if err := c.api.AddFriend(ctx, token, acc.UpstreamID, profile.ID); err != nil {
		return c.fail(action, actorID, details, "befriend", err)
	}

	c.guard.Record(action, acc.UpstreamID)
	details["upstream_id"] = profile.ID
	c.auditLog.Append(action, actorID, details, true, "")
	_ = c.limiter.ApplyNaturalDelay(ctx, action)
	return Result{Success: true, Handle: handle, UpstreamID: profile.ID}
}

// ListFriends returns the active account's friend list. Read-only, so no
// daily quota applies, but the call still counts toward the hourly ceiling.
func (c *Client) ListFriends(ctx context.Context, actorID string) Result {
	const action = "friend-list"

	if err := c.limiter.Wait(ctx, action); err != nil {
		return c.fail(action, actorID, nil, "rate-limit", err)
	}

	acc, token, err := c.tokens.ActiveAccessToken(ctx)
	if err != nil {
		return c.fail(action, actorID, nil, "token", err)
	}

	if ok, reason := c.guard.Validate(action, acc.UpstreamID, compliance.Details{}); !ok {
		c.auditLog.Append(action, actorID, nil, false, reason)
		return Result{Success: false, Error: reason}
	}

	friends, err := c.api.ListFriends(ctx, token, acc.UpstreamID)
	if err != nil {
		return c.fail(action, actorID, nil, "list", err)
	}

	c.guard.Record(action, acc.UpstreamID)
	c.auditLog.Append(action, actorID, map[string]string{"count": strconv.Itoa(len(friends))}, true, "")
	_ = c.limiter.ApplyNaturalDelay(ctx, action)
	return Result{Success: true, Friends: friends}
}

func (c *Client) fail(action, actorID string, details map[string]string, stage string, err error) Result {
	if details == nil {
		details = map[string]string{}
	}
	details["stage"] = stage
	c.auditLog.Append(action, actorID, details, false, err.Error())
	return Result{Success: false, Error: userMessage(err)}
}

// userMessage maps the error taxonomy to short actionable strings; raw
// provider messages stay in the audit log.
func userMessage(err error) string {
	switch {
	case errors.Is(err, authflow.ErrAuthentication), errors.Is(err, upstream.ErrAuthRejected):
		return "re-authenticate the active account"
	case errors.Is(err, upstream.ErrNotFound):
		return "no account found with that handle"
	case errors.Is(err, upstream.ErrForbidden):
		return "the platform refused this request"
	case errors.Is(err, upstream.ErrUnavailable):
		return "the platform is temporarily unavailable, try again later"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "the request failed, check the audit log"
	}
}
