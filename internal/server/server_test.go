package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"shopkeeper/internal/audit"
	"shopkeeper/internal/authflow"
	"shopkeeper/internal/catalog"
	"shopkeeper/internal/compliance"
	"shopkeeper/internal/config"
	"shopkeeper/internal/gift"
	"shopkeeper/internal/ratelimit"
	"shopkeeper/internal/registry"
	"shopkeeper/internal/social"
	"shopkeeper/internal/store"
	"shopkeeper/internal/upstream"
	"shopkeeper/internal/vault"
)

func newTestServer(t *testing.T, adminPassword string) (*Server, *registry.Registry) {
	t.Helper()
	db, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	logger := zap.NewNop()
	reg := registry.New(db, 5, logger)
	v, err := vault.New("", filepath.Join(t.TempDir(), "master.key"))
	if err != nil {
		t.Fatalf("vault: %v", err)
	}
	limiter := ratelimit.New(config.LimitsConfig{}, logger)
	guard := compliance.New(config.ComplianceConfig{DailyGiftLimit: 10, DailyFriendLimit: 20, HourlyCallLimit: 1000}, logger)
	log := audit.NewLog(logger)
	up := upstream.NewClient(config.UpstreamConfig{}, logger)
	auth := authflow.New(config.OAuthConfig{ClientID: "cid", AuthURL: "https://auth.example/authorize", TokenURL: "https://auth.example/token"}, v, reg, limiter, up, logger)
	cat := catalog.New(config.CatalogConfig{PrimaryURL: "https://public.example/shop", TTLMinutes: 60}, limiter, log, auth, logger)
	soc := social.New(auth, up, limiter, guard, log, logger)
	gifts := gift.NewFlow(auth, up, limiter, guard, log, reg, 5*time.Minute, logger)
	return New(auth, reg, cat, soc, gifts, log, adminPassword, logger), reg
}

func doRequest(t *testing.T, h http.Handler, method, target, body, password string) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, target, nil)
	} else {
		r = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	if password != "" {
		r.SetBasicAuth("admin", password)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func TestAdminAuthRequired(t *testing.T) {
	s, _ := newTestServer(t, "hunter2")
	h := s.Router()

	if w := doRequest(t, h, http.MethodGet, "/api/accounts", "", ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("without password: %d", w.Code)
	}
	if w := doRequest(t, h, http.MethodGet, "/api/accounts", "", "wrong"); w.Code != http.StatusUnauthorized {
		t.Fatalf("wrong password: %d", w.Code)
	}
	if w := doRequest(t, h, http.MethodGet, "/api/accounts", "", "hunter2"); w.Code != http.StatusOK {
		t.Fatalf("correct password: %d", w.Code)
	}
}

func TestAdminAuthOptionalWhenUnset(t *testing.T) {
	s, _ := newTestServer(t, "")
	if w := doRequest(t, s.Router(), http.MethodGet, "/api/accounts", "", ""); w.Code != http.StatusOK {
		t.Fatalf("open access: %d", w.Code)
	}
}

func TestAccountListRedacted(t *testing.T) {
	s, reg := newTestServer(t, "")
	if err := reg.Add(1, "Main", "ciphertext-here", "up-1", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("seed: %v", err)
	}

	w := doRequest(t, s.Router(), http.MethodGet, "/api/accounts", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	var accounts []store.Account
	if err := json.NewDecoder(w.Body).Decode(&accounts); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(accounts) != 1 || accounts[0].RefreshToken == "ciphertext-here" {
		t.Fatalf("ciphertext leaked through the API: %+v", accounts)
	}
}

func TestAccountActivateAndRemove(t *testing.T) {
	s, reg := newTestServer(t, "")
	h := s.Router()
	if err := reg.Add(2, "Alt", "enc", "up-2", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if w := doRequest(t, h, http.MethodPost, "/api/accounts/2/activate", "", ""); w.Code != http.StatusOK {
		t.Fatalf("activate: %d", w.Code)
	}
	if acc, err := reg.Active(); err != nil || acc.Slot != 2 {
		t.Fatalf("active after switch: %+v err=%v", acc, err)
	}
	if w := doRequest(t, h, http.MethodPost, "/api/accounts/9/activate", "", ""); w.Code != http.StatusNotFound {
		t.Fatalf("activate missing slot: %d", w.Code)
	}
	if w := doRequest(t, h, http.MethodDelete, "/api/accounts/2", "", ""); w.Code != http.StatusNoContent {
		t.Fatalf("remove: %d", w.Code)
	}
	if w := doRequest(t, h, http.MethodDelete, "/api/accounts/2", "", ""); w.Code != http.StatusNotFound {
		t.Fatalf("remove twice: %d", w.Code)
	}
}

func TestCallbackRequiresCodeAndState(t *testing.T) {
	s, _ := newTestServer(t, "")
	if w := doRequest(t, s.Router(), http.MethodGet, "/auth/callback?code=abc", "", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("missing state: %d", w.Code)
	}
}

func TestCallbackFailureMessageIsGeneric(t *testing.T) {
	s, _ := newTestServer(t, "")
	w := doRequest(t, s.Router(), http.MethodGet, "/auth/callback?code=abc&state=bogus", "", "")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status %d", w.Code)
	}
	body := w.Body.String()
	if strings.Contains(body, "authflow") || strings.Contains(body, "oauth2") {
		t.Fatalf("internal error detail leaked to the browser: %q", body)
	}
	if !strings.Contains(body, "login failed") {
		t.Fatalf("expected a generic failure message, got %q", body)
	}
}

func TestLoginWithoutRedirectUsesLocalCallback(t *testing.T) {
	s, _ := newTestServer(t, "")
	w := doRequest(t, s.Router(), http.MethodGet, "/auth/login", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	var body struct {
		URL   string `json:"url"`
		State string `json:"state"`
		Port  int    `json:"port"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !strings.HasPrefix(body.URL, "https://auth.example/authorize") || body.State == "" {
		t.Fatalf("login response: %+v", body)
	}
	if body.Port == 0 {
		t.Fatal("no callback port reported")
	}
	u, err := url.Parse(body.URL)
	if err != nil {
		t.Fatalf("parse login url: %v", err)
	}
	want := fmt.Sprintf("http://127.0.0.1:%d/oauth-callback", body.Port)
	if got := u.Query().Get("redirect_uri"); got != want {
		t.Fatalf("redirect_uri = %q, want %q", got, want)
	}
}

func TestGiftPrepareConfirmCancelOverHTTP(t *testing.T) {
	s, _ := newTestServer(t, "")
	h := s.Router()

	w := doRequest(t, h, http.MethodPost, "/api/gifts/prepare", `{"recipient":"bobby","itemId":"item-1"}`, "")
	if w.Code != http.StatusOK {
		t.Fatalf("prepare: %d", w.Code)
	}
	var prep gift.Result
	if err := json.NewDecoder(w.Body).Decode(&prep); err != nil || prep.ConfirmationID == "" {
		t.Fatalf("prepare body: %+v err=%v", prep, err)
	}

	if w := doRequest(t, h, http.MethodPost, "/api/gifts/"+prep.ConfirmationID+"/cancel", "", ""); w.Code != http.StatusOK {
		t.Fatalf("cancel: %d", w.Code)
	}
	// A cancelled confirmation cannot be confirmed.
	w = doRequest(t, h, http.MethodPost, "/api/gifts/"+prep.ConfirmationID+"/confirm", "", "")
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("confirm after cancel: %d", w.Code)
	}
	if w := doRequest(t, h, http.MethodPost, "/api/gifts/unknown/confirm", "", ""); w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("confirm unknown: %d", w.Code)
	}
}

func TestAuditEndpoint(t *testing.T) {
	s, _ := newTestServer(t, "")
	h := s.Router()

	w := doRequest(t, h, http.MethodGet, "/api/audit", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	if strings.TrimSpace(w.Body.String()) != "[]" {
		t.Fatalf("empty audit body = %q", w.Body.String())
	}
}
