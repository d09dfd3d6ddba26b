package authflow

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// CallbackTimeout is how long the temporary server waits for the redirect.
const CallbackTimeout = 5 * time.Minute

// CallbackResult reports the outcome of one browser login round-trip.
type CallbackResult struct {
	Bundle *TokenBundle
	Err    error
}

// StartLocalLogin runs a login attempt through a temporary localhost HTTP
// server instead of a public redirect URL: it binds a listener, generates a
// login URL whose redirect points at that listener, and completes the code
// exchange when the browser lands on it. Returns the login URL, its state,
// the bound port, a result channel, and a cleanup function; the server tears
// itself down after CallbackTimeout if the redirect never arrives.
func (c *Client) StartLocalLogin(requesterID string, preferredPort int) (loginURL, state string, port int, results <-chan CallbackResult, cleanup func(), err error) {
	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", preferredPort))
	if err != nil {
		listener, err = net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return "", "", 0, nil, nil, fmt.Errorf("callback server: %w", err)
		}
	}
	port = listener.Addr().(*net.TCPAddr).Port

	redirectURL := fmt.Sprintf("http://127.0.0.1:%d/oauth-callback", port)
	loginURL, state, err = c.generateLoginURL(requesterID, redirectURL)
	if err != nil {
		listener.Close()
		return "", "", 0, nil, nil, err
	}

	resultCh := make(chan CallbackResult, 1)
	mux := http.NewServeMux()
	srv := &http.Server{Handler: mux}

	var handled sync.Once
	mux.HandleFunc("/oauth-callback", func(w http.ResponseWriter, r *http.Request) {
		var served bool
		handled.Do(func() {
			served = true
			code := r.URL.Query().Get("code")
			bundle, err := c.ExchangeCode(r.Context(), code, r.URL.Query().Get("state"), requesterID)
			if err != nil {
				resultCh <- CallbackResult{Err: err}
				http.Error(w, "login failed, check the bot logs and retry", http.StatusBadRequest)
				return
			}
			resultCh <- CallbackResult{Bundle: bundle}
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			fmt.Fprintf(w, "<html><body><h1>Account linked</h1><p>%s is now in slot %d. You can close this tab.</p></body></html>",
				bundle.DisplayName, bundle.Slot)
		})
		if !served {
			http.Error(w, "callback already processed", http.StatusBadRequest)
		}
	})

	go func() {
		if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
			c.logger.Warn("callback server error", zap.Error(err))
		}
	}()

	var once sync.Once
	cleanup = func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(ctx)
		})
	}

	go func() {
		time.Sleep(CallbackTimeout)
		handled.Do(func() {
			resultCh <- CallbackResult{Err: fmt.Errorf("login timed out after %v", CallbackTimeout)}
		})
		cleanup()
	}()

	c.logger.Info("callback server listening", zap.Int("port", port))
	return loginURL, state, port, resultCh, cleanup, nil
}
