// Package web exposes an ADS connection's facade operations over HTTP: a
// small JSON REST API plus cookie-session login, for browser or scripted
// clients that cannot hold a raw TCP connection open.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/sessions"
	"golang.org/x/crypto/bcrypt"

	"adslink/ads"
	"adslink/config"
	"adslink/logging"
)

const sessionName = "adslink_session"

// Server is the HTTP server for the JSON API and session login.
type Server struct {
	cfg    *config.WebConfig
	conn   *ads.Connection
	store  *sessions.CookieStore
	router chi.Router
	server *http.Server

	mu      sync.RWMutex
	running bool

	deadlineTimer *time.Timer
	deadlineMu    sync.Mutex
}

// NewServer creates a web server fronting conn.
func NewServer(cfg *config.WebConfig, conn *ads.Connection) *Server {
	s := &Server{
		cfg:   cfg,
		conn:  conn,
		store: sessions.NewCookieStore([]byte(cfg.SessionSecret)),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Compress(5))
	r.Use(corsMiddleware)

	r.Post("/api/login", s.handleLogin)
	r.Post("/api/logout", s.handleLogout)

	r.Group(func(r chi.Router) {
		r.Use(s.requireSession)
		r.Get("/api/device", s.handleDeviceInfo)
		r.Get("/api/state", s.handleState)
		r.Get("/api/topology", s.handleTopology)
		r.Get("/api/symbols", s.handleSymbols)
		r.Get("/api/symbols/{name}", s.handleSymbol)
		r.Get("/api/value/{name}", s.handleGetValue)
		r.Post("/api/value/{name}", s.requireRole(config.RoleAdmin, s.handleSetValue))
		r.Post("/api/control", s.requireRole(config.RoleAdmin, s.handleSetControl))
	})

	s.router = r
}

type debugLogWriter string

func (tag debugLogWriter) Write(p []byte) (n int, err error) {
	logging.DebugLog(string(tag), "%s", string(p))
	return len(p), nil
}

var _ io.Writer = debugLogWriter("")

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, _ := s.store.Get(r, sessionName)
		if sess.Values["user"] == nil {
			writeError(w, http.StatusUnauthorized, fmt.Errorf("not logged in"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireRole(role string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, _ := s.store.Get(r, sessionName)
		if sess.Values["role"] != role && sess.Values["role"] != config.RoleAdmin {
			writeError(w, http.StatusForbidden, fmt.Errorf("insufficient role"))
			return
		}
		h(w, r)
	}
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct{ Username, Password string }
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	user := findUser(s.cfg, body.Username)
	if user == nil || bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(body.Password)) != nil {
		writeError(w, http.StatusUnauthorized, fmt.Errorf("invalid credentials"))
		return
	}

	sess, _ := s.store.Get(r, sessionName)
	sess.Values["user"] = user.Username
	sess.Values["role"] = user.Role
	if err := sess.Save(r, w); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, map[string]interface{}{"user": user.Username, "role": user.Role, "mustChangePassword": user.MustChangePassword})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	sess, _ := s.store.Get(r, sessionName)
	sess.Values["user"] = nil
	sess.Options.MaxAge = -1
	sess.Save(r, w)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeviceInfo(w http.ResponseWriter, r *http.Request) {
	v, err := s.conn.Query(r.Context(), "device_info")
	respondQuery(w, v, err)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	v, err := s.conn.Query(r.Context(), "state")
	respondQuery(w, v, err)
}

func (s *Server) handleTopology(w http.ResponseWriter, r *http.Request) {
	v, err := s.conn.Query(r.Context(), "topology")
	respondQuery(w, v, err)
}

func (s *Server) handleSymbols(w http.ResponseWriter, r *http.Request) {
	cat, err := s.conn.Catalog(r.Context(), s.conn.Client().RemoteEndpoint().Port)
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, cat.Symbols)
}

func (s *Server) handleSymbol(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	v, err := s.conn.Query(r.Context(), "symbol", name)
	respondQuery(w, v, err)
}

func (s *Server) handleGetValue(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	v, err := s.conn.Query(r.Context(), "value", name)
	respondQuery(w, v, err)
}

func (s *Server) handleSetValue(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var body struct{ Value interface{} }
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.conn.Command(r.Context(), "value", name, body.Value); err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetControl(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AdsState    uint16
		DeviceState uint16
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.conn.Command(r.Context(), "control", body.AdsState, body.DeviceState); err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func findUser(cfg *config.WebConfig, username string) *config.WebUser {
	for i := range cfg.Users {
		if cfg.Users[i].Username == username {
			return &cfg.Users[i]
		}
	}
	return nil
}

func respondQuery(w http.ResponseWriter, v interface{}, err error) {
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, v)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.DebugError("web", "encode response", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

// Start begins the HTTP server.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          log.New(debugLogWriter("web"), "", 0),
	}

	go func() {
		if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
		}
	}()

	s.running = true
	return nil
}

// Stop halts the HTTP server gracefully.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running || s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := s.server.Shutdown(ctx)
	s.running = false
	s.server = nil
	return err
}

// IsRunning reports whether the server is currently serving.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Address returns the server's base URL.
func (s *Server) Address() string {
	return fmt.Sprintf("http://%s:%d", s.cfg.Host, s.cfg.Port)
}

// SetUnsecuredDeadline stops the server after d unless cleared, guarding
// against an operator leaving an unauthenticated instance (empty Users)
// reachable indefinitely.
func (s *Server) SetUnsecuredDeadline(d time.Duration, onExpiry func()) {
	s.deadlineMu.Lock()
	defer s.deadlineMu.Unlock()
	if s.deadlineTimer != nil {
		s.deadlineTimer.Stop()
	}
	s.deadlineTimer = time.AfterFunc(d, func() {
		s.Stop()
		if onExpiry != nil {
			onExpiry()
		}
	})
}

// ClearUnsecuredDeadline cancels the unsecured deadline timer if running.
func (s *Server) ClearUnsecuredDeadline() {
	s.deadlineMu.Lock()
	defer s.deadlineMu.Unlock()
	if s.deadlineTimer != nil {
		s.deadlineTimer.Stop()
		s.deadlineTimer = nil
	}
}
