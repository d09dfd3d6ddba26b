package authflow

import (
	"fmt"
	"net/http"
	"net/url"
	"testing"
	"time"

	"shopkeeper/internal/upstream"
)

func TestLocalLoginRoundTrip(t *testing.T) {
	endpoint := &tokenEndpoint{t: t, responses: []map[string]any{okTokenResponse()}}
	identity := &stubIdentity{profile: upstream.Profile{ID: "up-1", DisplayName: "MainAcc"}}
	c, reg := newTestClient(t, endpoint, identity)

	loginURL, state, port, results, cleanup, err := c.StartLocalLogin("owner-1", 0)
	if err != nil {
		t.Fatalf("start local login: %v", err)
	}
	defer cleanup()

	u, err := url.Parse(loginURL)
	if err != nil {
		t.Fatalf("parse login url: %v", err)
	}
	q := u.Query()
	wantRedirect := fmt.Sprintf("http://127.0.0.1:%d/oauth-callback", port)
	if q.Get("redirect_uri") != wantRedirect {
		t.Fatalf("redirect_uri = %q, want %q", q.Get("redirect_uri"), wantRedirect)
	}
	if q.Get("state") != state {
		t.Fatalf("state mismatch: %q vs %q", q.Get("state"), state)
	}

	// The provider redirects the browser back to the temporary server.
	callbackURL := fmt.Sprintf("%s?code=auth-code&state=%s", wantRedirect, url.QueryEscape(state))
	resp, err := http.Get(callbackURL)
	if err != nil {
		t.Fatalf("callback request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("callback status = %d", resp.StatusCode)
	}

	select {
	case res := <-results:
		if res.Err != nil {
			t.Fatalf("login result: %v", res.Err)
		}
		if res.Bundle.Slot != 1 || res.Bundle.DisplayName != "MainAcc" {
			t.Fatalf("bundle: %+v", res.Bundle)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no result from the callback server")
	}

	acc, err := reg.Get(1)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if !acc.IsActive {
		t.Fatal("first account must become active")
	}
	if acc.RefreshToken == "refresh-1" {
		t.Fatal("refresh token stored in plaintext")
	}

	// The callback handles exactly one redirect; replays are refused.
	resp2, err := http.Get(callbackURL)
	if err != nil {
		t.Fatalf("replayed callback request: %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusBadRequest {
		t.Fatalf("replayed callback status = %d, want 400", resp2.StatusCode)
	}
}

func TestLocalLoginExchangeFailureReported(t *testing.T) {
	// Two scripted rejections: the oauth2 client probes both client-auth
	// styles before giving up.
	endpoint := &tokenEndpoint{t: t,
		statuses:  []int{http.StatusBadRequest, http.StatusBadRequest},
		responses: []map[string]any{{"error": "invalid_grant"}, {"error": "invalid_grant"}},
	}
	c, _ := newTestClient(t, endpoint, &stubIdentity{})

	_, state, port, results, cleanup, err := c.StartLocalLogin("owner-1", 0)
	if err != nil {
		t.Fatalf("start local login: %v", err)
	}
	defer cleanup()

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/oauth-callback?code=bad&state=%s", port, url.QueryEscape(state)))
	if err != nil {
		t.Fatalf("callback request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("callback status = %d, want 400", resp.StatusCode)
	}

	select {
	case res := <-results:
		if res.Err == nil {
			t.Fatal("expected an error result")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no result from the callback server")
	}
}
