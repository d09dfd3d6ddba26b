package gift

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"shopkeeper/internal/audit"
	"shopkeeper/internal/compliance"
	"shopkeeper/internal/config"
	"shopkeeper/internal/ratelimit"
	"shopkeeper/internal/registry"
	"shopkeeper/internal/store"
	"shopkeeper/internal/upstream"
)

type stubTokens struct {
	acc   store.Account
	token string
	err   error
}

func (s *stubTokens) ActiveAccessToken(_ context.Context) (store.Account, string, error) {
	return s.acc, s.token, s.err
}

type stubAPI struct {
	profile    upstream.Profile
	resolveErr error
	sendErr    error

	resolveCalls atomic.Int64
	sendCalls    atomic.Int64
	lastGift     upstream.GiftRequest
	mu           sync.Mutex
}

func (s *stubAPI) ResolveHandle(_ context.Context, _, _ string) (upstream.Profile, error) {
	s.resolveCalls.Add(1)
	return s.profile, s.resolveErr
}

func (s *stubAPI) SendGift(_ context.Context, _, _ string, gift upstream.GiftRequest) error {
	s.sendCalls.Add(1)
	s.mu.Lock()
	s.lastGift = gift
	s.mu.Unlock()
	return s.sendErr
}

func newTestFlow(t *testing.T, tokens *stubTokens, api *stubAPI, giftLimit int) (*Flow, *audit.Log) {
	t.Helper()
	db, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	reg := registry.New(db, 5, zap.NewNop())
	if tokens.err == nil {
		if err := reg.Add(tokens.acc.Slot, tokens.acc.DisplayName, "enc", tokens.acc.UpstreamID, time.Now().Add(time.Hour)); err != nil {
			t.Fatalf("seed account: %v", err)
		}
		if err := reg.SwitchActive(tokens.acc.Slot); err != nil {
			t.Fatalf("activate: %v", err)
		}
	}
	guard := compliance.New(config.ComplianceConfig{
		DailyGiftLimit:   giftLimit,
		DailyFriendLimit: 20,
		HourlyCallLimit:  1000,
	}, zap.NewNop())
	log := audit.NewLog(zap.NewNop())
	limiter := ratelimit.New(config.LimitsConfig{}, zap.NewNop())
	return NewFlow(tokens, api, limiter, guard, log, reg, 5*time.Minute, zap.NewNop()), log
}

func activeTokens() *stubTokens {
	return &stubTokens{
		acc:   store.Account{Slot: 1, UpstreamID: "self-1", DisplayName: "Main", IsActive: true},
		token: "tok",
	}
}

func TestPrepareThenCancelNeverCallsUpstream(t *testing.T) {
	api := &stubAPI{profile: upstream.Profile{ID: "friend-9"}}
	f, _ := newTestFlow(t, activeTokens(), api, 10)

	prep := f.Prepare("bobby", "item-1", "actor-1", "enjoy")
	if !prep.Success || prep.ConfirmationID == "" {
		t.Fatalf("prepare: %+v", prep)
	}
	if f.PendingCount() != 1 {
		t.Fatalf("pending = %d", f.PendingCount())
	}
	if !f.Cancel(prep.ConfirmationID) {
		t.Fatal("cancel should succeed")
	}
	if f.Cancel(prep.ConfirmationID) {
		t.Fatal("second cancel should report nothing to remove")
	}
	if api.resolveCalls.Load() != 0 || api.sendCalls.Load() != 0 {
		t.Fatal("prepare+cancel must never contact the platform")
	}
}

func TestPrepareSummaryShowsRemainingQuota(t *testing.T) {
	api := &stubAPI{profile: upstream.Profile{ID: "friend-9"}}
	f, _ := newTestFlow(t, activeTokens(), api, 10)

	prep := f.Prepare("bobby", "item-1", "actor-1", "")
	if !strings.Contains(prep.Summary, "10 gifts left today") {
		t.Fatalf("summary = %q", prep.Summary)
	}
	if res := f.Confirm(context.Background(), prep.ConfirmationID); !res.Success {
		t.Fatalf("confirm: %s", res.Error)
	}
	prep2 := f.Prepare("bobby", "item-1", "actor-1", "")
	if !strings.Contains(prep2.Summary, "9 gifts left today") {
		t.Fatalf("summary after one gift = %q", prep2.Summary)
	}
}

func TestConfirmSendsOnceAndConsumes(t *testing.T) {
	api := &stubAPI{profile: upstream.Profile{ID: "friend-9"}}
	f, log := newTestFlow(t, activeTokens(), api, 10)

	prep := f.Prepare("bobby", "item-1", "actor-1", "happy birthday")
	res := f.Confirm(context.Background(), prep.ConfirmationID)
	if !res.Success {
		t.Fatalf("confirm: %s", res.Error)
	}
	if api.sendCalls.Load() != 1 {
		t.Fatalf("send calls = %d", api.sendCalls.Load())
	}
	if api.lastGift.RecipientID != "friend-9" || api.lastGift.ItemID != "item-1" || api.lastGift.Message != "happy birthday" {
		t.Fatalf("gift payload: %+v", api.lastGift)
	}
	recs := log.Recent("gift-send", time.Hour)
	if len(recs) != 1 || !recs[0].Success {
		t.Fatalf("audit: %+v", recs)
	}

	// A second confirm of the same id must not reach the platform.
	res2 := f.Confirm(context.Background(), prep.ConfirmationID)
	if res2.Success {
		t.Fatal("double confirm should fail")
	}
	if api.sendCalls.Load() != 1 {
		t.Fatalf("double confirm reached upstream, calls = %d", api.sendCalls.Load())
	}
}

func TestConcurrentConfirmsSendExactlyOnce(t *testing.T) {
	api := &stubAPI{profile: upstream.Profile{ID: "friend-9"}}
	f, _ := newTestFlow(t, activeTokens(), api, 10)

	prep := f.Prepare("bobby", "item-1", "actor-1", "")

	const workers = 8
	var wg sync.WaitGroup
	var successes atomic.Int64
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if f.Confirm(context.Background(), prep.ConfirmationID).Success {
				successes.Add(1)
			}
		}()
	}
	wg.Wait()

	if successes.Load() != 1 {
		t.Fatalf("successful confirms = %d, want 1", successes.Load())
	}
	if api.sendCalls.Load() != 1 {
		t.Fatalf("upstream sends = %d, want 1", api.sendCalls.Load())
	}
}

func TestConfirmUnknownID(t *testing.T) {
	api := &stubAPI{}
	f, _ := newTestFlow(t, activeTokens(), api, 10)

	res := f.Confirm(context.Background(), "nope")
	if res.Success || !strings.Contains(res.Error, "unknown") {
		t.Fatalf("result: %+v", res)
	}
	if api.sendCalls.Load() != 0 {
		t.Fatal("unknown confirmation must not reach upstream")
	}
}

func TestConfirmExpired(t *testing.T) {
	api := &stubAPI{profile: upstream.Profile{ID: "friend-9"}}
	f, _ := newTestFlow(t, activeTokens(), api, 10)

	base := time.Now()
	f.now = func() time.Time { return base }
	prep := f.Prepare("bobby", "item-1", "actor-1", "")

	f.now = func() time.Time { return base.Add(6 * time.Minute) }
	res := f.Confirm(context.Background(), prep.ConfirmationID)
	if res.Success || !strings.Contains(res.Error, "expired") {
		t.Fatalf("result: %+v", res)
	}
	if api.sendCalls.Load() != 0 {
		t.Fatal("expired confirmation must not reach upstream")
	}
	// Expired entries are also gone for cancel.
	if f.Cancel(prep.ConfirmationID) {
		t.Fatal("expired confirmation should already be removed")
	}
}

func TestDailyGiftQuotaStopsEleventh(t *testing.T) {
	api := &stubAPI{profile: upstream.Profile{ID: "friend-9"}}
	f, _ := newTestFlow(t, activeTokens(), api, 10)

	for i := 0; i < 10; i++ {
		prep := f.Prepare("bobby", "item-1", "actor-1", "")
		if res := f.Confirm(context.Background(), prep.ConfirmationID); !res.Success {
			t.Fatalf("gift %d: %s", i+1, res.Error)
		}
	}
	prep := f.Prepare("bobby", "item-1", "actor-1", "")
	res := f.Confirm(context.Background(), prep.ConfirmationID)
	if res.Success {
		t.Fatal("eleventh gift should be blocked by the daily quota")
	}
	if !strings.Contains(res.Error, "quota") {
		t.Fatalf("error = %q", res.Error)
	}
	if api.sendCalls.Load() != 10 {
		t.Fatalf("upstream sends = %d, want exactly 10", api.sendCalls.Load())
	}
}

func TestConfirmUpstreamFailureNotRecorded(t *testing.T) {
	api := &stubAPI{
		profile: upstream.Profile{ID: "friend-9"},
		sendErr: upstream.ErrForbidden,
	}
	f, log := newTestFlow(t, activeTokens(), api, 10)

	prep := f.Prepare("bobby", "item-1", "actor-1", "")
	res := f.Confirm(context.Background(), prep.ConfirmationID)
	if res.Success {
		t.Fatal("should fail")
	}
	if res.Error != "this item cannot be gifted to that recipient" {
		t.Fatalf("user message = %q", res.Error)
	}
	recs := log.Recent("gift-send", time.Hour)
	if len(recs) != 1 || recs[0].Success || recs[0].Details["stage"] != "send" {
		t.Fatalf("audit: %+v", recs)
	}

	// The failed send did not consume quota: a fresh confirm still succeeds.
	api.sendErr = nil
	prep2 := f.Prepare("bobby", "item-1", "actor-1", "")
	if res := f.Confirm(context.Background(), prep2.ConfirmationID); !res.Success {
		t.Fatalf("retry after failure: %s", res.Error)
	}
}

func TestConfirmRecipientNotFound(t *testing.T) {
	api := &stubAPI{resolveErr: upstream.ErrNotFound}
	f, _ := newTestFlow(t, activeTokens(), api, 10)

	prep := f.Prepare("ghost", "item-1", "actor-1", "")
	res := f.Confirm(context.Background(), prep.ConfirmationID)
	if res.Success {
		t.Fatal("should fail")
	}
	if !strings.Contains(res.Error, "not found") {
		t.Fatalf("user message = %q", res.Error)
	}
	if api.sendCalls.Load() != 0 {
		t.Fatal("send must not happen when the recipient cannot be resolved")
	}
}

func TestConfirmNoActiveAccount(t *testing.T) {
	api := &stubAPI{}
	tokens := &stubTokens{err: errors.New("no active account")}
	f, _ := newTestFlow(t, tokens, api, 10)

	prep := f.Prepare("bobby", "item-1", "actor-1", "")
	res := f.Confirm(context.Background(), prep.ConfirmationID)
	if res.Success || res.Error == "" {
		t.Fatalf("result: %+v", res)
	}
	if api.resolveCalls.Load() != 0 {
		t.Fatal("must not resolve without a token")
	}
}
