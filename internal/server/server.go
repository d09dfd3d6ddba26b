// Package server exposes the admin HTTP surface: login flow, account
// management, catalog browsing, friend actions, gift confirmations and the
// audit trail.
package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"shopkeeper/internal/audit"
	"shopkeeper/internal/authflow"
	"shopkeeper/internal/catalog"
	"shopkeeper/internal/gift"
	"shopkeeper/internal/registry"
	"shopkeeper/internal/social"
)

type Server struct {
	auth          *authflow.Client
	registry      *registry.Registry
	catalog       *catalog.Cache
	social        *social.Client
	gifts         *gift.Flow
	auditLog      *audit.Log
	adminPassword string
	logger        *zap.Logger
}

func New(auth *authflow.Client, reg *registry.Registry, cat *catalog.Cache, soc *social.Client, gifts *gift.Flow, auditLog *audit.Log, adminPassword string, logger *zap.Logger) *Server {
	return &Server{
		auth:          auth,
		registry:      reg,
		catalog:       cat,
		social:        soc,
		gifts:         gifts,
		auditLog:      auditLog,
		adminPassword: adminPassword,
		logger:        logger,
	}
}

// Router builds the chi handler tree. The /api subtree is protected by basic
// auth when an admin password is configured; the OAuth callback stays open so
// the provider redirect can reach it.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)

	r.Get("/auth/login", s.handleLogin)
	r.Get("/auth/callback", s.handleCallback)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.optionalAdminAuth)

		r.Get("/accounts", s.handleAccountList)
		r.Post("/accounts/{slot}/activate", s.handleAccountActivate)
		r.Delete("/accounts/{slot}", s.handleAccountRemove)

		r.Get("/catalog", s.handleCatalog)
		r.Get("/catalog/items/{query}", s.handleItemInfo)

		r.Get("/friends", s.handleFriendList)
		r.Post("/friends", s.handleFriendAdd)

		r.Post("/gifts/prepare", s.handleGiftPrepare)
		r.Post("/gifts/{id}/confirm", s.handleGiftConfirm)
		r.Post("/gifts/{id}/cancel", s.handleGiftCancel)

		r.Get("/audit", s.handleAudit)
	})

	return r
}

func (s *Server) optionalAdminAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.adminPassword == "" {
			next.ServeHTTP(w, r)
			return
		}
		_, pass, ok := r.BasicAuth()
		if !ok || pass != s.adminPassword {
			w.Header().Set("WWW-Authenticate", `Basic realm="Shopkeeper Admin"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleLogin issues a login URL. With a public redirect configured the
// provider redirects back to /auth/callback; without one, a temporary
// localhost callback server handles the redirect instead.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	requester := r.URL.Query().Get("requester")
	if requester == "" {
		requester = "admin"
	}

	if !s.auth.HasPublicRedirect() {
		url, state, port, results, cleanup, err := s.auth.StartLocalLogin(requester, 0)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, "could not start the login flow")
			return
		}
		go func() {
			res := <-results
			cleanup()
			if res.Err != nil {
				s.logger.Warn("local login failed", zap.Error(res.Err))
				return
			}
			s.logger.Info("local login completed", zap.Int("slot", res.Bundle.Slot))
		}()
		s.writeJSON(w, http.StatusOK, map[string]any{"url": url, "state": state, "port": port})
		return
	}

	url, state, err := s.auth.GenerateLoginURL(requester)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "could not start the login flow")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"url": url, "state": state})
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	code, state := q.Get("code"), q.Get("state")
	requester := q.Get("requester")
	if requester == "" {
		requester = "admin"
	}
	if code == "" || state == "" {
		s.writeError(w, http.StatusBadRequest, "code and state are required")
		return
	}
	bundle, err := s.auth.ExchangeCode(r.Context(), code, state, requester)
	if err != nil {
		// Provider detail stays in the logs; the browser gets a generic line.
		s.logger.Warn("code exchange failed", zap.Error(err))
		s.writeError(w, http.StatusBadRequest, "login failed, request a new login link and retry")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"slot":        bundle.Slot,
		"displayName": bundle.DisplayName,
	})
}

func (s *Server) handleAccountList(w http.ResponseWriter, _ *http.Request) {
	accounts, err := s.registry.List()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, accounts)
}

func (s *Server) handleAccountActivate(w http.ResponseWriter, r *http.Request) {
	slot, err := strconv.Atoi(chi.URLParam(r, "slot"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid slot")
		return
	}
	if err := s.registry.SwitchActive(slot); err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"active": slot})
}

func (s *Server) handleAccountRemove(w http.ResponseWriter, r *http.Request) {
	slot, err := strconv.Atoi(chi.URLParam(r, "slot"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid slot")
		return
	}
	if err := s.registry.Remove(slot); err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCatalog(w http.ResponseWriter, r *http.Request) {
	useCache := r.URL.Query().Get("refresh") != "1"
	res, err := s.catalog.Get(r.Context(), useCache)
	if err != nil {
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleItemInfo(w http.ResponseWriter, r *http.Request) {
	query := chi.URLParam(r, "query")
	item, found, err := s.catalog.ItemInfo(r.Context(), query)
	if err != nil {
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	if !found {
		s.writeError(w, http.StatusNotFound, "no item matches "+query)
		return
	}
	s.writeJSON(w, http.StatusOK, item)
}

func (s *Server) handleFriendList(w http.ResponseWriter, r *http.Request) {
	res := s.social.ListFriends(r.Context(), actorFrom(r))
	s.writeResult(w, res.Success, res)
}

type friendAddRequest struct {
	Handle string `json:"handle"`
}

func (s *Server) handleFriendAdd(w http.ResponseWriter, r *http.Request) {
	var req friendAddRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	res := s.social.AddFriend(r.Context(), req.Handle, actorFrom(r))
	s.writeResult(w, res.Success, res)
}

type giftPrepareRequest struct {
	Recipient string `json:"recipient"`
	ItemID    string `json:"itemId"`
	Message   string `json:"message"`
}

func (s *Server) handleGiftPrepare(w http.ResponseWriter, r *http.Request) {
	var req giftPrepareRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	res := s.gifts.Prepare(req.Recipient, req.ItemID, actorFrom(r), req.Message)
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGiftConfirm(w http.ResponseWriter, r *http.Request) {
	res := s.gifts.Confirm(r.Context(), chi.URLParam(r, "id"))
	s.writeResult(w, res.Success, res)
}

func (s *Server) handleGiftCancel(w http.ResponseWriter, r *http.Request) {
	cancelled := s.gifts.Cancel(chi.URLParam(r, "id"))
	s.writeJSON(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	window := 24 * time.Hour
	if v := q.Get("window_minutes"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			window = time.Duration(n) * time.Minute
		}
	}
	records := s.auditLog.Recent(q.Get("action"), window)
	if records == nil {
		records = []audit.Record{}
	}
	s.writeJSON(w, http.StatusOK, records)
}

// actorFrom identifies the caller for the audit trail: the basic-auth user
// when present, otherwise a fixed admin actor.
func actorFrom(r *http.Request) string {
	if user, _, ok := r.BasicAuth(); ok && user != "" {
		return user
	}
	return "admin"
}

func (s *Server) writeResult(w http.ResponseWriter, ok bool, body any) {
	status := http.StatusOK
	if !ok {
		status = http.StatusUnprocessableEntity
	}
	s.writeJSON(w, status, body)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn("response encode failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
