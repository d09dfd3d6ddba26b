// Package catalog fetches the rotating item shop, normalizes the upstream's
// assorted response shapes into one Item type, and caches the result for a
// fixed TTL. The primary source is public (API-key header); when it fails
// the cache falls back to an authenticated secondary source.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"shopkeeper/internal/audit"
	"shopkeeper/internal/config"
	"shopkeeper/internal/ratelimit"
	"shopkeeper/internal/store"
)

// ErrUnavailable means neither catalog source produced a usable payload.
var ErrUnavailable = errors.New("catalog: no source available")

// Item is one normalized shop entry. ID is the gift-capable item id; the
// OfferID is the storefront purchase id and is not interchangeable with it.
type Item struct {
	ID            string `json:"id"`
	OfferID       string `json:"offerId"`
	Name          string `json:"name"`
	Price         int    `json:"price"`
	OriginalPrice int    `json:"originalPrice"`
	Rarity        string `json:"rarity"`
	Type          string `json:"type"`
	ImageURL      string `json:"imageUrl"`
}

// Result is what Get hands back to callers.
type Result struct {
	Items  []Item `json:"items"`
	Cached bool   `json:"cached"`
	Source string `json:"source"`
}

type tokenSource interface {
	ActiveAccessToken(ctx context.Context) (store.Account, string, error)
}

type Cache struct {
	cfg        config.CatalogConfig
	limiter    *ratelimit.Limiter
	auditLog   *audit.Log
	tokens     tokenSource
	httpClient *http.Client
	logger     *zap.Logger

	mu        sync.Mutex
	items     []Item
	source    string
	fetchedAt time.Time

	now func() time.Time
}

func New(cfg config.CatalogConfig, limiter *ratelimit.Limiter, auditLog *audit.Log, tokens tokenSource, logger *zap.Logger) *Cache {
	return &Cache{
		cfg:        cfg,
		limiter:    limiter,
		auditLog:   auditLog,
		tokens:     tokens,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
		now:        time.Now,
	}
}

// SetHTTPClient swaps the transport, used by tests.
func (c *Cache) SetHTTPClient(hc *http.Client) { c.httpClient = hc }

// Get returns the current catalog. A cache hit within the TTL is served
// without any upstream call or rate limiting.
func (c *Cache) Get(ctx context.Context, useCache bool) (Result, error) {
	if useCache {
		c.mu.Lock()
		if c.items != nil && c.now().Sub(c.fetchedAt) < c.cfg.TTL() {
			res := Result{Items: append([]Item(nil), c.items...), Cached: true, Source: c.source}
			c.mu.Unlock()
			return res, nil
		}
		c.mu.Unlock()
	}

	if err := c.limiter.Wait(ctx, "catalog-get"); err != nil {
		return Result{}, err
	}

	items, source, err := c.fetch(ctx)
	if err != nil {
		c.auditLog.Append("catalog-get", "system", nil, false, err.Error())
		return Result{}, err
	}

	c.mu.Lock()
	c.items = items
	c.source = source
	c.fetchedAt = c.now()
	c.mu.Unlock()

	c.auditLog.Append("catalog-get", "system", map[string]string{
		"source": source,
		"items":  strconv.Itoa(len(items)),
	}, true, "")
	return Result{Items: append([]Item(nil), items...), Cached: false, Source: source}, nil
}

// ItemInfo finds an item by gift id, offer id, or case-insensitive name.
func (c *Cache) ItemInfo(ctx context.Context, query string) (Item, bool, error) {
	res, err := c.Get(ctx, true)
	if err != nil {
		return Item{}, false, err
	}
	needle := strings.ToLower(strings.TrimSpace(query))
	for _, item := range res.Items {
		if item.ID == query || item.OfferID == query || strings.ToLower(item.Name) == needle {
			return item, true, nil
		}
	}
	return Item{}, false, nil
}

// fetch tries the primary public source, then the authenticated secondary.
func (c *Cache) fetch(ctx context.Context) ([]Item, string, error) {
	items, primaryErr := c.fetchPrimary(ctx)
	if primaryErr == nil && len(items) > 0 {
		return items, "primary", nil
	}
	if primaryErr != nil {
		c.logger.Warn("primary catalog source failed", zap.Error(primaryErr))
	} else {
		c.logger.Warn("primary catalog source returned no items")
	}

	items, secondaryErr := c.fetchSecondary(ctx)
	if secondaryErr == nil && len(items) > 0 {
		return items, "secondary", nil
	}
	if secondaryErr == nil {
		secondaryErr = errors.New("empty catalog")
	}
	return nil, "", fmt.Errorf("%w: primary: %v, secondary: %v", ErrUnavailable, primaryErr, secondaryErr)
}

func (c *Cache) fetchPrimary(ctx context.Context) ([]Item, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.PrimaryURL, nil)
	if err != nil {
		return nil, err
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("x-api-key", c.cfg.APIKey)
	}
	return c.fetchFrom(req)
}

func (c *Cache) fetchSecondary(ctx context.Context) ([]Item, error) {
	_, token, err := c.tokens.ActiveAccessToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("secondary source needs a token: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.SecondaryURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return c.fetchFrom(req)
}

func (c *Cache) fetchFrom(req *http.Request) ([]Item, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, err
	}
	items, err := c.Normalize(body)
	if err != nil {
		return nil, err
	}
	return items, nil
}
