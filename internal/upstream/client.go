// Package upstream talks to the game platform's social and gifting
// endpoints with a bearer access token. It maps HTTP failures onto a small
// error taxonomy; callers translate those into user-facing results.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"shopkeeper/internal/config"
)

var (
	// ErrNotFound means the handle, account, or resource does not exist.
	ErrNotFound = errors.New("upstream: not found")
	// ErrAuthRejected means the bearer token was refused; re-login recovers.
	ErrAuthRejected = errors.New("upstream: authentication rejected")
	// ErrForbidden covers policy refusals, e.g. an ungiftable item.
	ErrForbidden = errors.New("upstream: forbidden")
	// ErrBadRequest means the request shape was rejected.
	ErrBadRequest = errors.New("upstream: bad request")
	// ErrUnavailable covers network errors and 5xx; the caller may retry.
	ErrUnavailable = errors.New("upstream: temporarily unavailable")
	// ErrProtocol means the response body could not be interpreted.
	ErrProtocol = errors.New("upstream: malformed response")
)

// Profile identifies an upstream account.
type Profile struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

// Friend is one normalized friend-list entry.
type Friend struct {
	UpstreamID  string `json:"accountId"`
	DisplayName string `json:"displayName"`
	Status      string `json:"status"`
	Favorite    bool   `json:"favorite"`
}

// GiftRequest is the payload for a gift-send call.
type GiftRequest struct {
	RecipientID string `json:"recipientId"`
	ItemID      string `json:"itemId"`
	Message     string `json:"message,omitempty"`
}

type Client struct {
	httpClient *http.Client
	cfg        config.UpstreamConfig
	logger     *zap.Logger
}

func NewClient(cfg config.UpstreamConfig, logger *zap.Logger) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		cfg:        cfg,
		logger:     logger,
	}
}

// SetHTTPClient swaps the transport, used by tests.
func (c *Client) SetHTTPClient(hc *http.Client) { c.httpClient = hc }

// ResolveHandle looks up an upstream account id by display name.
func (c *Client) ResolveHandle(ctx context.Context, accessToken, handle string) (Profile, error) {
	u := c.cfg.IdentityURL + "/by-name/" + url.PathEscape(handle)
	body, err := c.do(ctx, http.MethodGet, u, accessToken, nil)
	if err != nil {
		return Profile{}, err
	}
	var p Profile
	if err := json.Unmarshal(body, &p); err != nil || p.ID == "" {
		return Profile{}, fmt.Errorf("%w: identity lookup for %q", ErrProtocol, handle)
	}
	return p, nil
}

// Me returns the profile the access token belongs to.
func (c *Client) Me(ctx context.Context, accessToken string) (Profile, error) {
	body, err := c.do(ctx, http.MethodGet, c.cfg.IdentityURL+"/me", accessToken, nil)
	if err != nil {
		return Profile{}, err
	}
	var p Profile
	if err := json.Unmarshal(body, &p); err != nil || p.ID == "" {
		return Profile{}, fmt.Errorf("%w: identity response", ErrProtocol)
	}
	return p, nil
}

// AddFriend issues a befriend request from selfID to friendID.
func (c *Client) AddFriend(ctx context.Context, accessToken, selfID, friendID string) error {
	u := fmt.Sprintf("%s/%s/%s", c.cfg.FriendsURL, url.PathEscape(selfID), url.PathEscape(friendID))
	_, err := c.do(ctx, http.MethodPost, u, accessToken, nil)
	return err
}

// ListFriends returns the normalized friend list for selfID.
func (c *Client) ListFriends(ctx context.Context, accessToken, selfID string) ([]Friend, error) {
	u := fmt.Sprintf("%s/%s", c.cfg.FriendsURL, url.PathEscape(selfID))
	body, err := c.do(ctx, http.MethodGet, u, accessToken, nil)
	if err != nil {
		return nil, err
	}
	var friends []Friend
	if err := json.Unmarshal(body, &friends); err != nil {
		return nil, fmt.Errorf("%w: friend list", ErrProtocol)
	}
	return friends, nil
}

// SendGift issues the gift call on behalf of senderID.
func (c *Client) SendGift(ctx context.Context, accessToken, senderID string, gift GiftRequest) error {
	u := fmt.Sprintf("%s/%s", c.cfg.GiftURL, url.PathEscape(senderID))
	payload, err := json.Marshal(gift)
	if err != nil {
		return err
	}
	_, err = c.do(ctx, http.MethodPost, u, accessToken, payload)
	return err
}

// do performs one authorized request and maps the status code onto the
// package error taxonomy. 200 and 204 are success.
func (c *Client) do(ctx context.Context, method, rawURL, accessToken string, payload []byte) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusNoContent:
		return data, nil
	case resp.StatusCode == http.StatusBadRequest:
		return nil, fmt.Errorf("%w: status 400", ErrBadRequest)
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, fmt.Errorf("%w: status 401", ErrAuthRejected)
	case resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: status 403", ErrForbidden)
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: status 404", ErrNotFound)
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	default:
		c.logger.Warn("unexpected upstream status",
			zap.Int("status", resp.StatusCode),
			zap.String("url", rawURL))
		return nil, fmt.Errorf("%w: status %d", ErrProtocol, resp.StatusCode)
	}
}
