// Package bridge is the local endpoint the browser userscript connects to.
// It upgrades the userscript's WebSocket, streams page observations into the
// failure-signal detector, routes detected signals into the retry session,
// and exposes a small HTTP API for inspection and control.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/jason-merrell/grok-auto-retry-sub002/internal/detect"
	"github.com/jason-merrell/grok-auto-retry-sub002/internal/page"
	"github.com/jason-merrell/grok-auto-retry-sub002/internal/prompt"
	"github.com/jason-merrell/grok-auto-retry-sub002/internal/retry"
	"github.com/jason-merrell/grok-auto-retry-sub002/internal/store"
)

// Server owns the userscript connection and the HTTP control surface. At
// most one tab drives the session; a newer hello supersedes the old
// connection.
type Server struct {
	detector      *detect.Detector
	manager       *retry.Manager
	history       *store.Store
	logger        *slog.Logger
	allowedOrigin string
	autoStart     bool

	mu     sync.Mutex
	client *Client
}

// New creates a bridge server. history may be nil; the history endpoint
// then reports unavailable.
func New(detector *detect.Detector, manager *retry.Manager, history *store.Store, allowedOrigin string, autoStart bool, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		detector:      detector,
		manager:       manager,
		history:       history,
		logger:        logger,
		allowedOrigin: allowedOrigin,
		autoStart:     autoStart,
	}
}

// Router builds the HTTP routes.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Heartbeat("/healthz"))

	r.Get("/ws", s.handleWS)
	r.Get("/api/session", s.handleSessionGet)
	r.Post("/api/session/start", s.handleSessionStart)
	r.Post("/api/session/cancel", s.handleSessionCancel)
	r.Get("/api/history", s.handleHistory)

	return r
}

// ListenAndServe runs the HTTP server until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("bridge listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// HandleSignal routes a detected failure signal to the session. It is the
// detector's emit hook. With auto-start enabled, a moderation signal while
// idle captures the prompt and opens a session before the signal is
// delivered, so the first rejection already counts against the budget.
func (s *Server) HandleSignal(sig detect.Signal) {
	switch sig.Kind {
	case detect.KindRateLimit:
		s.manager.OnRateLimit(sig)
	case detect.KindModeration:
		if s.autoStart && !s.manager.Snapshot().Active {
			s.autoStartSession()
		}
		s.manager.OnModeration(sig)
	}
}

func (s *Server) autoStartSession() {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client == nil {
		s.logger.Debug("auto-start skipped: no userscript connected")
		return
	}

	captured, ok := prompt.Capture(client)
	if !ok {
		s.logger.Warn("auto-start: prompt capture failed", "post_id", client.PostID())
	}
	if err := s.manager.Start(client.PostID(), captured, prompt.NewStation(client, s.logger)); err != nil {
		s.logger.Warn("auto-start rejected", "error", err)
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Error("websocket accept failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	client := newClient(ctx, ws, s.logger)
	s.logger.Info("userscript connected", "remote", r.RemoteAddr)

	client.run(s)

	_ = ws.Close(websocket.StatusNormalClosure, "bye")
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || s.allowedOrigin == "*" {
		return true
	}
	if origin == s.allowedOrigin {
		return true
	}
	s.logger.Warn("websocket origin rejected", "origin", origin, "allowed", s.allowedOrigin)
	return false
}

// onHello activates the tab. An existing connection is superseded: its
// socket is closed and the detector starts over for the new page.
func (s *Server) onHello(c *Client, postID string) {
	s.mu.Lock()
	old := s.client
	s.client = c
	s.mu.Unlock()

	if old != nil && old != c {
		s.logger.Info("superseding previous userscript connection")
		old.closeSuperseded()
	}

	s.detector.Reset()
	s.detector.Attach()
	// The new tab may show a different post than the one the session was
	// started for; that session must not survive the handover.
	s.manager.OnNavigationAway(postID)
	s.logger.Info("page attached", "post_id", postID)
}

func (s *Server) onMutation(c *Client, text string) {
	if !s.isActive(c) {
		return
	}
	s.detector.Observe(text)
}

// onNavigation restarts detection for the new page and cancels the session
// when the post changed.
func (s *Server) onNavigation(c *Client, nav page.Navigation) {
	if !s.isActive(c) {
		return
	}
	s.detector.Reset()
	s.manager.OnNavigationAway(nav.PostID)
	s.logger.Debug("page navigated", "post_id", nav.PostID, "url", nav.URL)
}

func (s *Server) onGeneration(c *Client) {
	if !s.isActive(c) {
		return
	}
	// A success on some other post must not finalize this post's session.
	sess := s.manager.Snapshot()
	if sess.Active && sess.PostID != c.PostID() {
		s.logger.Debug("generation on different post ignored",
			"session_post", sess.PostID, "page_post", c.PostID())
		return
	}
	s.manager.OnSuccess()
}

func (s *Server) onClose(c *Client) {
	s.mu.Lock()
	active := s.client == c
	if active {
		s.client = nil
	}
	s.mu.Unlock()

	if active {
		s.detector.Detach()
		s.logger.Info("userscript disconnected, detection detached")
	}
}

// isActive reports whether c is the tab currently driving the session.
// Messages from a superseded connection still draining are ignored.
func (s *Server) isActive(c *Client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client == c
}

// sessionStatus is the GET /api/session response.
type sessionStatus struct {
	retry.Debug
	Connected        bool `json:"connected"`
	ModerationSignal bool `json:"moderation_signal"`
	RateLimitSignal  bool `json:"rate_limit_signal"`
}

func (s *Server) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	connected := s.client != nil
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, sessionStatus{
		Debug:            s.manager.Debug(),
		Connected:        connected,
		ModerationSignal: s.detector.Present(detect.KindModeration),
		RateLimitSignal:  s.detector.Present(detect.KindRateLimit),
	})
}

func (s *Server) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client == nil {
		writeError(w, http.StatusConflict, "no userscript connected")
		return
	}

	captured, ok := prompt.Capture(client)
	if !ok {
		s.logger.Warn("manual start: prompt capture failed", "post_id", client.PostID())
	}
	if err := s.manager.Start(client.PostID(), captured, prompt.NewStation(client, s.logger)); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.manager.Debug())
}

func (s *Server) handleSessionCancel(w http.ResponseWriter, r *http.Request) {
	s.manager.Cancel()
	writeJSON(w, http.StatusOK, s.manager.Debug())
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, "history store unavailable")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	records, err := s.history.History(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if records == nil {
		records = []store.SessionRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
