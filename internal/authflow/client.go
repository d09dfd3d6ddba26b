// Package authflow implements Authorization-Code-with-PKCE login against
// the game platform's identity provider. No client secret exists anywhere;
// PKCE replaces it. Access tokens are derived on demand and held only in
// memory; the sole persisted credential is the vault-encrypted refresh
// token inside the account registry.
package authflow

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"shopkeeper/internal/config"
	"shopkeeper/internal/ratelimit"
	"shopkeeper/internal/registry"
	"shopkeeper/internal/store"
	"shopkeeper/internal/upstream"
	"shopkeeper/internal/util"
	"shopkeeper/internal/vault"
)

var (
	// ErrUpstreamAuth means the provider rejected the exchange or refresh.
	// Provider details go to logs, never verbatim to the end user.
	ErrUpstreamAuth = errors.New("authflow: upstream rejected the request")
	// ErrProtocol means the provider response was missing required fields.
	ErrProtocol = errors.New("authflow: malformed provider response")
	// ErrStateInvalid covers unknown, expired, reused, or foreign states.
	ErrStateInvalid = errors.New("authflow: login attempt invalid or expired")
	// ErrAuthentication means no usable token could be derived; the owner
	// must re-login the account.
	ErrAuthentication = errors.New("authflow: re-authentication required")
	// ErrRegistryFull means every account slot is occupied.
	ErrRegistryFull = errors.New("authflow: all account slots are in use")
)

// TokenBundle is the outcome of a successful code exchange or refresh.
type TokenBundle struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	UpstreamID   string
	DisplayName  string
	Slot         int
}

// pendingAuth is one outstanding login URL, keyed by state. redirectURL is
// pinned per attempt so a temporary localhost callback server can use its
// own port while a configured public redirect keeps working unchanged.
type pendingAuth struct {
	verifier    string
	requesterID string
	redirectURL string
	createdAt   time.Time
}

type identityClient interface {
	Me(ctx context.Context, accessToken string) (upstream.Profile, error)
}

type cachedAccess struct {
	token     string
	expiresAt time.Time
}

// Client drives the login state machine and on-demand token derivation.
type Client struct {
	cfg      config.OAuthConfig
	vault    *vault.Vault
	registry *registry.Registry
	limiter  *ratelimit.Limiter
	identity identityClient
	logger   *zap.Logger

	mu      sync.Mutex
	pending map[string]pendingAuth
	access  map[int]cachedAccess

	now func() time.Time
}

func New(cfg config.OAuthConfig, v *vault.Vault, reg *registry.Registry, limiter *ratelimit.Limiter, identity identityClient, logger *zap.Logger) *Client {
	return &Client{
		cfg:      cfg,
		vault:    v,
		registry: reg,
		limiter:  limiter,
		identity: identity,
		logger:   logger,
		pending:  make(map[string]pendingAuth),
		access:   make(map[int]cachedAccess),
		now:      time.Now,
	}
}

func (c *Client) oauthConfig() *oauth2.Config {
	return &oauth2.Config{
		ClientID:    c.cfg.ClientID,
		RedirectURL: c.cfg.RedirectURL,
		Scopes:      c.cfg.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  c.cfg.AuthURL,
			TokenURL: c.cfg.TokenURL,
		},
	}
}

func (c *Client) oauthConfigFor(redirectURL string) *oauth2.Config {
	conf := c.oauthConfig()
	if redirectURL != "" {
		conf.RedirectURL = redirectURL
	}
	return conf
}

// HasPublicRedirect reports whether a fixed redirect URL is configured. When
// it is not, logins go through the temporary localhost callback server.
func (c *Client) HasPublicRedirect() bool { return c.cfg.RedirectURL != "" }

// GenerateLoginURL creates a login URL bound to the requester. The PKCE
// verifier is cached under the CSRF state and never leaves the process.
func (c *Client) GenerateLoginURL(requesterID string) (url, state string, err error) {
	return c.generateLoginURL(requesterID, "")
}

func (c *Client) generateLoginURL(requesterID, redirectURL string) (url, state string, err error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", "", err
	}
	state = base64.RawURLEncoding.EncodeToString(buf)
	verifier := oauth2.GenerateVerifier()

	c.mu.Lock()
	c.gcPendingLocked()
	c.pending[state] = pendingAuth{
		verifier:    verifier,
		requesterID: requesterID,
		redirectURL: redirectURL,
		createdAt:   c.now(),
	}
	c.mu.Unlock()

	url = c.oauthConfigFor(redirectURL).AuthCodeURL(state, oauth2.S256ChallengeOption(verifier))
	c.logger.Info("login url generated", zap.String("requester", requesterID))
	return url, state, nil
}

// gcPendingLocked sweeps expired login attempts. Caller holds the mutex.
func (c *Client) gcPendingLocked() {
	cutoff := c.now().Add(-c.cfg.PendingTTL())
	for state, p := range c.pending {
		if p.createdAt.Before(cutoff) {
			delete(c.pending, state)
		}
	}
}

// takePending atomically consumes the state so it can never be exchanged
// twice, even by interleaved callers.
func (c *Client) takePending(state, requesterID string) (pendingAuth, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.pending[state]
	if !ok {
		return pendingAuth{}, ErrStateInvalid
	}
	if c.now().Sub(p.createdAt) > c.cfg.PendingTTL() {
		delete(c.pending, state)
		return pendingAuth{}, ErrStateInvalid
	}
	if p.requesterID != requesterID {
		return pendingAuth{}, ErrStateInvalid
	}
	delete(c.pending, state)
	return p, nil
}

// ExchangeCode swaps the authorization code for tokens, resolves the
// account identity, encrypts the refresh token, and stores the account in
// the lowest free slot (upsert if the upstream account is already linked).
// The first linked account becomes active.
func (c *Client) ExchangeCode(ctx context.Context, code, state, requesterID string) (*TokenBundle, error) {
	p, err := c.takePending(state, requesterID)
	if err != nil {
		return nil, err
	}

	tok, err := c.oauthConfigFor(p.redirectURL).Exchange(ctx, code, oauth2.VerifierOption(p.verifier))
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) {
			c.logger.Warn("code exchange rejected",
				zap.Int("status", retrieveErr.Response.StatusCode),
				zap.String("provider_error", retrieveErr.ErrorCode),
				zap.String("provider_description", retrieveErr.ErrorDescription))
			return nil, ErrUpstreamAuth
		}
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	if tok.AccessToken == "" || tok.RefreshToken == "" {
		return nil, fmt.Errorf("%w: token response missing access or refresh token", ErrProtocol)
	}

	profile, err := c.identity.Me(ctx, tok.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("identity lookup: %w", err)
	}

	encrypted, err := c.vault.Encrypt(tok.RefreshToken)
	if err != nil {
		return nil, err
	}

	slot, err := c.slotFor(profile.ID)
	if err != nil {
		return nil, err
	}
	if err := c.registry.Add(slot, profile.DisplayName, encrypted, profile.ID, tok.Expiry); err != nil {
		return nil, err
	}

	// First linked account becomes the active one.
	if n, err := c.registry.Count(); err == nil && n == 1 {
		if err := c.registry.SwitchActive(slot); err != nil {
			return nil, err
		}
	}

	c.mu.Lock()
	c.access[slot] = cachedAccess{token: tok.AccessToken, expiresAt: tok.Expiry}
	c.mu.Unlock()

	c.logger.Info("account linked",
		zap.Int("slot", slot),
		zap.String("name", profile.DisplayName),
		zap.String("token", util.MaskToken(tok.AccessToken)))

	return &TokenBundle{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
		UpstreamID:   profile.ID,
		DisplayName:  profile.DisplayName,
		Slot:         slot,
	}, nil
}

// slotFor reuses the slot of an already linked upstream account, otherwise
// picks the lowest free one.
func (c *Client) slotFor(upstreamID string) (int, error) {
	accounts, err := c.registry.List()
	if err != nil {
		return 0, err
	}
	for _, a := range accounts {
		if a.UpstreamID == upstreamID {
			return a.Slot, nil
		}
	}
	slot, err := c.registry.NextFreeSlot()
	if err != nil {
		return 0, err
	}
	if slot == 0 {
		return 0, ErrRegistryFull
	}
	return slot, nil
}

// AccessTokenFor returns a live access token for the account, refreshing
// via the stored encrypted refresh token when the cached one is expired or
// close to it. Rotated refresh tokens are re-encrypted and persisted.
func (c *Client) AccessTokenFor(ctx context.Context, acc store.Account) (string, error) {
	c.mu.Lock()
	cached, ok := c.access[acc.Slot]
	c.mu.Unlock()
	if ok && cached.expiresAt.After(c.now().Add(time.Minute)) {
		return cached.token, nil
	}

	plainRefresh, err := c.vault.Decrypt(acc.RefreshToken)
	if err != nil {
		return "", fmt.Errorf("%w: stored credential unreadable", ErrAuthentication)
	}

	if err := c.limiter.Wait(ctx, "token-refresh"); err != nil {
		return "", err
	}

	src := c.oauthConfig().TokenSource(ctx, &oauth2.Token{RefreshToken: plainRefresh})
	tok, err := src.Token()
	if err != nil {
		if isPermanentRefreshError(err) {
			// The refresh token is dead; the slot needs a fresh login.
			if derr := c.registry.Deactivate(acc.Slot); derr != nil {
				c.logger.Warn("deactivate after refresh failure", zap.Error(derr))
			}
			c.mu.Lock()
			delete(c.access, acc.Slot)
			c.mu.Unlock()
			c.logger.Warn("refresh token permanently rejected",
				zap.Int("slot", acc.Slot), zap.String("name", acc.DisplayName))
			return "", ErrAuthentication
		}
		return "", fmt.Errorf("%w: %v", ErrUpstreamAuth, err)
	}
	if tok.AccessToken == "" {
		return "", fmt.Errorf("%w: refresh response missing access token", ErrProtocol)
	}

	// Provider rotated the refresh token: the old one is invalid, persist
	// the replacement immediately.
	if tok.RefreshToken != "" && tok.RefreshToken != plainRefresh {
		encrypted, err := c.vault.Encrypt(tok.RefreshToken)
		if err != nil {
			return "", err
		}
		if err := c.registry.UpdateTokens(acc.Slot, encrypted, tok.Expiry); err != nil {
			return "", err
		}
		c.logger.Info("refresh token rotated", zap.Int("slot", acc.Slot))
	}

	c.mu.Lock()
	c.access[acc.Slot] = cachedAccess{token: tok.AccessToken, expiresAt: tok.Expiry}
	c.mu.Unlock()

	return tok.AccessToken, nil
}

// ActiveAccessToken derives a token for the currently active account.
func (c *Client) ActiveAccessToken(ctx context.Context) (store.Account, string, error) {
	acc, err := c.registry.Active()
	if err != nil {
		return store.Account{}, "", fmt.Errorf("%w: no active account", ErrAuthentication)
	}
	token, err := c.AccessTokenFor(ctx, acc)
	if err != nil {
		return store.Account{}, "", err
	}
	return acc, token, nil
}

// PendingCount reports outstanding (unexpired) login attempts.
func (c *Client) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gcPendingLocked()
	return len(c.pending)
}

func isPermanentRefreshError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"invalid_grant",
		"invalid_client",
		"unauthorized_client",
		"token has been expired or revoked",
		"revoked",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
