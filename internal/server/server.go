// Package server exposes an HTTP control endpoint for gralph sessions:
// password authentication, session listing and control, and a websocket
// event stream for live progress.
package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/goosewin/gralph-sub000/internal/auth"
	"github.com/goosewin/gralph-sub000/internal/config"
	"github.com/goosewin/gralph-sub000/internal/control"
	"github.com/goosewin/gralph-sub000/internal/logging"
	"github.com/goosewin/gralph-sub000/internal/state"
)

// Server is the HTTP control endpoint.
type Server struct {
	port         int
	passwordHash string
	store        *state.Store

	server   *http.Server
	listener net.Listener

	mu     sync.RWMutex
	tokens map[string]time.Time // token -> expiry

	limiter      *rateLimiter
	hub          *Hub
	pollInterval time.Duration
	log          *logging.Logger

	started bool
}

// Config holds server construction options.
type Config struct {
	Port         int
	PasswordHash string
	Store        *state.Store
	RateLimit    *RateLimitConfig

	// PollInterval is how often the store is scanned for changed
	// session records to push over the websocket. Defaults to 1s.
	PollInterval time.Duration
}

// NewServer creates a Server. The password hash and store are required.
func NewServer(cfg *Config) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if cfg.PasswordHash == "" {
		return nil, errors.New("password hash is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("session store is required")
	}

	limit := DefaultRateLimitConfig()
	if cfg.RateLimit != nil {
		limit = *cfg.RateLimit
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = time.Second
	}

	return &Server{
		port:         cfg.Port,
		passwordHash: cfg.PasswordHash,
		store:        cfg.Store,
		tokens:       make(map[string]time.Time),
		limiter:      newRateLimiter(limit),
		hub:          NewHub(),
		pollInterval: poll,
		log:          logging.With("component", "server"),
	}, nil
}

// NewServerFromConfig creates a Server from config.ServerConfig,
// loading the password hash from its file.
func NewServerFromConfig(cfg *config.ServerConfig, hashFile string, store *state.Store) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("server config is required")
	}
	hash, err := auth.LoadHash(hashFile)
	if err != nil {
		return nil, err
	}
	return NewServer(&Config{
		Port:         cfg.Port,
		PasswordHash: hash,
		Store:        store,
	})
}

// Port returns the configured port.
func (s *Server) Port() int {
	return s.port
}

// Hub returns the event hub for broadcasting loop progress.
func (s *Server) Hub() *Hub {
	return s.hub
}

// ListenAddr returns the bound address, or empty before Start.
func (s *Server) ListenAddr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Start runs the server until ctx is cancelled or Stop is called.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("server already started")
	}

	addr := fmt.Sprintf(":%d", s.port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener

	mux := http.NewServeMux()
	s.setupRoutes(mux)

	s.server = &http.Server{
		Handler:      withCORS(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	s.started = true
	s.mu.Unlock()

	go s.cleanupLoop(ctx)
	go s.watchSessions(ctx)

	s.log.Info("listening", "addr", listener.Addr().String())
	err = s.server.Serve(listener)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started || s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}

	s.hub.Close()
	s.started = false
	return nil
}

func (s *Server) setupRoutes(mux *http.ServeMux) {
	// Public endpoints.
	mux.HandleFunc("POST /api/auth", s.handleAuth)
	mux.HandleFunc("GET /healthz", s.handleHealth)

	// Protected endpoints.
	mux.HandleFunc("GET /api/sessions", s.withAuth(s.handleListSessions))
	mux.HandleFunc("GET /api/sessions/{name}", s.withAuth(s.handleGetSession))
	mux.HandleFunc("POST /api/sessions/{name}/stop", s.withAuth(s.handleStopSession))
	mux.HandleFunc("DELETE /api/sessions/{name}", s.withAuth(s.handleDeleteSession))
	mux.HandleFunc("GET /api/events", s.withAuth(s.handleEvents))
}

// withCORS adds permissive CORS headers and answers preflight requests.
func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// withAuth wraps a handler with bearer token authentication. Websocket
// clients cannot set headers, so a token query parameter is also
// accepted.
func (s *Server) withAuth(handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := ""
		if authHeader := r.Header.Get("Authorization"); authHeader != "" {
			const bearerPrefix = "Bearer "
			if !strings.HasPrefix(authHeader, bearerPrefix) {
				writeError(w, http.StatusUnauthorized, "invalid authorization format")
				return
			}
			token = strings.TrimPrefix(authHeader, bearerPrefix)
		} else {
			token = r.URL.Query().Get("token")
		}

		if !s.ValidateToken(token) {
			writeError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}

		handler(w, r)
	}
}

// tokenExpiry is how long tokens are valid.
const tokenExpiry = 24 * time.Hour

// GenerateToken creates a new authentication token.
func (s *Server) GenerateToken() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}

	token := hex.EncodeToString(bytes)

	s.mu.Lock()
	s.tokens[token] = time.Now().Add(tokenExpiry)
	s.mu.Unlock()

	return token, nil
}

// ValidateToken checks if a token is valid and not expired.
func (s *Server) ValidateToken(token string) bool {
	if token == "" {
		return false
	}

	s.mu.RLock()
	expiry, exists := s.tokens[token]
	s.mu.RUnlock()

	return exists && time.Now().Before(expiry)
}

// cleanupLoop periodically prunes expired tokens and rate limit state.
func (s *Server) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			now := time.Now()
			for token, expiry := range s.tokens {
				if now.After(expiry) {
					delete(s.tokens, token)
				}
			}
			s.mu.Unlock()
			s.limiter.cleanup()
		}
	}
}

// watchSessions polls the store and broadcasts changed session records
// over the websocket hub. Loop runners live in separate OS processes
// and persist every progress event to the store, so the store is the
// only bridge between their progress and connected clients.
func (s *Server) watchSessions(ctx context.Context) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	seen := make(map[string]string)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sessions, err := s.store.List()
			if err != nil {
				s.log.Debug("session watch list failed", "err", err)
				continue
			}

			current := make(map[string]bool, len(sessions))
			for _, f := range sessions {
				name, _ := f["name"].(string)
				if name == "" {
					continue
				}
				current[name] = true

				data, err := json.Marshal(f)
				if err != nil {
					continue
				}
				if seen[name] == string(data) {
					continue
				}
				seen[name] = string(data)
				s.hub.Broadcast(map[string]any{
					"event":   "session.updated",
					"session": name,
					"fields":  f,
				})
			}
			for name := range seen {
				if !current[name] {
					delete(seen, name)
				}
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleAuth exchanges the server password for a bearer token.
func (s *Server) handleAuth(w http.ResponseWriter, r *http.Request) {
	ip := extractIP(r)
	if result := s.limiter.check(ip); !result.Allowed {
		w.Header().Set("Retry-After", fmt.Sprintf("%d", int(result.RetryAfter.Seconds())+1))
		writeError(w, http.StatusTooManyRequests, result.Reason)
		return
	}

	var req struct {
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Password == "" {
		writeError(w, http.StatusBadRequest, "password required")
		return
	}

	valid, err := auth.VerifyPassword(req.Password, s.passwordHash)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !valid {
		s.limiter.recordFailure(ip)
		writeError(w, http.StatusUnauthorized, "invalid password")
		return
	}
	s.limiter.recordSuccess(ip)

	token, err := s.GenerateToken()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// handleListSessions returns all sessions, after refreshing staleness
// so dead processes never show as running.
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	if _, err := s.store.CleanupStale(state.CleanupMark); err != nil {
		s.log.Warn("stale cleanup failed", "err", err)
	}

	sessions, err := s.store.List()
	if err != nil {
		s.storeError(w, err)
		return
	}
	if sessions == nil {
		sessions = []state.Fields{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	if _, err := s.store.CleanupStale(state.CleanupMark); err != nil {
		s.log.Warn("stale cleanup failed", "err", err)
	}

	fields, err := s.store.Get(name)
	if err != nil {
		s.storeError(w, err)
		return
	}
	if fields == nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("session %s not found", name))
		return
	}
	writeJSON(w, http.StatusOK, fields)
}

func (s *Server) handleStopSession(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	sess, err := control.StopSession(s.store, name)
	switch {
	case errors.Is(err, state.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, fmt.Sprintf("session %s not found", name))
		return
	case errors.Is(err, control.ErrNotRunning):
		// Record is marked stopped; report it.
	case err != nil:
		s.storeError(w, err)
		return
	}

	s.hub.Broadcast(map[string]any{
		"event":   "session.stopped",
		"session": name,
	})
	writeJSON(w, http.StatusOK, map[string]string{"name": sess.Name, "status": sess.Status})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	if err := s.store.Delete(name); err != nil {
		if errors.Is(err, state.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("session %s not found", name))
			return
		}
		s.storeError(w, err)
		return
	}

	s.hub.Broadcast(map[string]any{
		"event":   "session.deleted",
		"session": name,
	})
	writeJSON(w, http.StatusOK, map[string]string{"name": name, "status": "deleted"})
}

// handleEvents upgrades to a websocket carrying loop progress events.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	s.hub.ServeWS(w, r)
}

// storeError maps store failures onto HTTP responses. A lock timeout
// is a transient contention condition, not a server fault.
func (s *Server) storeError(w http.ResponseWriter, err error) {
	var lockErr *state.LockTimeoutError
	if errors.As(err, &lockErr) {
		writeError(w, http.StatusServiceUnavailable, "state store is busy, retry shortly")
		return
	}
	s.log.Error("store operation failed", "err", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}
