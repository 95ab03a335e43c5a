// Package httpapi is the JSON/HTTP protocol layer of notifyd. It exposes
// waitset creation, long-poll waits and diagnostics, polling notification
// sessions, and a commit endpoint through which a mail store feeds mailbox
// changes into the engine.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/migadu/notifyd/logger"
	"github.com/migadu/notifyd/mailbox"
	"github.com/migadu/notifyd/pkg/metrics"
	"github.com/migadu/notifyd/session"
)

// AccountHeader names the acting account. Requests without it act as the
// system administrator.
const AccountHeader = "X-Account-ID"

// adminOwner owns waitsets created by the system administrator.
const adminOwner = "admin"

// Server represents the HTTP API server
type Server struct {
	addr         string
	auth         *apiKeyVerifier
	allowedHosts []string
	allowedNets  []*net.IPNet
	waitsets     *session.Manager
	mailboxes    *mailbox.Manager
	sessions     *session.Registry
	server       *http.Server
	tls          bool
	tlsCertFile  string
	tlsKeyFile   string

	defaultWait       time.Duration
	maxWait           time.Duration
	maxQueuedPerQueue int
}

// ServerOptions holds configuration options for the HTTP API server
type ServerOptions struct {
	Addr         string
	APIKey       string
	AllowedHosts []string
	TLS          bool
	TLSCertFile  string
	TLSKeyFile   string

	DefaultWaitTimeout     time.Duration
	MaxWaitTimeout         time.Duration
	MaxQueuedNotifications int
}

// New creates a new HTTP API server
func New(waitsets *session.Manager, mailboxes *mailbox.Manager, options ServerOptions) (*Server, error) {
	if options.APIKey == "" {
		return nil, fmt.Errorf("API key is required for HTTP API server")
	}
	if options.TLS && (options.TLSCertFile == "" || options.TLSKeyFile == "") {
		return nil, fmt.Errorf("TLS certificate and key files are required when TLS is enabled")
	}

	s := &Server{
		addr:              options.Addr,
		auth:              newAPIKeyVerifier(options.APIKey),
		allowedHosts:      options.AllowedHosts,
		waitsets:          waitsets,
		mailboxes:         mailboxes,
		sessions:          waitsets.Sessions(),
		tls:               options.TLS,
		tlsCertFile:       options.TLSCertFile,
		tlsKeyFile:        options.TLSKeyFile,
		defaultWait:       options.DefaultWaitTimeout,
		maxWait:           options.MaxWaitTimeout,
		maxQueuedPerQueue: options.MaxQueuedNotifications,
	}
	if s.defaultWait <= 0 {
		s.defaultWait = 5 * time.Minute
	}
	if s.maxWait <= 0 {
		s.maxWait = 20 * time.Minute
	}
	if s.defaultWait > s.maxWait {
		s.defaultWait = s.maxWait
	}
	for _, h := range options.AllowedHosts {
		if !strings.Contains(h, "/") {
			continue
		}
		_, cidr, err := net.ParseCIDR(h)
		if err != nil {
			return nil, fmt.Errorf("invalid allowed host %q: %w", h, err)
		}
		s.allowedNets = append(s.allowedNets, cidr)
	}
	return s, nil
}

// Start runs the HTTP API server until ctx is done. Failures are reported on
// errChan.
func Start(ctx context.Context, waitsets *session.Manager, mailboxes *mailbox.Manager, options ServerOptions, errChan chan error) {
	server, err := New(waitsets, mailboxes, options)
	if err != nil {
		errChan <- fmt.Errorf("failed to create HTTP API server: %w", err)
		return
	}

	protocol := "HTTP"
	if options.TLS {
		protocol = "HTTPS"
	}
	logger.Info("Starting API server", "protocol", protocol, "addr", options.Addr)
	if err := server.start(ctx); err != nil && err != http.ErrServerClosed && ctx.Err() == nil {
		errChan <- fmt.Errorf("HTTP API server failed: %w", err)
	}
}

func (s *Server) start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		logger.Info("Shutting down HTTP API server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Error shutting down HTTP API server", "error", err)
		}
	}()

	if s.tls {
		return s.server.ListenAndServeTLS(s.tlsCertFile, s.tlsKeyFile)
	}
	return s.server.ListenAndServe()
}

// Handler returns the routed handler with all middleware applied.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

func (s *Server) setupRoutes() *mux.Router {
	router := mux.NewRouter()
	router.Use(s.loggingMiddleware)
	router.Use(s.allowedHostsMiddleware)

	router.HandleFunc("/health", s.handleHealth).Methods("GET")

	v1 := router.PathPrefix("/api/v1").Subrouter()
	v1.Use(s.authMiddleware)

	// WaitSets
	v1.HandleFunc("/waitsets", s.handleCreateWaitSet).Methods("POST")
	v1.HandleFunc("/waitsets", s.handleListWaitSets).Methods("GET")
	v1.HandleFunc("/waitsets/{id}", s.handleGetWaitSet).Methods("GET")
	v1.HandleFunc("/waitsets/{id}", s.handleDestroyWaitSet).Methods("DELETE")
	v1.HandleFunc("/waitsets/{id}/wait", s.handleWait).Methods("POST")

	// Notification sessions
	v1.HandleFunc("/sessions", s.handleCreateSession).Methods("POST")
	v1.HandleFunc("/sessions/{id}/notifications", s.handleNotifications).Methods("GET")
	v1.HandleFunc("/sessions/{id}", s.handleDeleteSession).Methods("DELETE")

	// Mailboxes
	v1.HandleFunc("/mailboxes/{account}/commits", s.handleCommit).Methods("POST")
	v1.HandleFunc("/mailboxes/{account}/maintenance", s.handleMaintenance).Methods("PUT")
	v1.HandleFunc("/mailboxes/{account}", s.handleUnloadMailbox).Methods("DELETE")

	return router
}

// Middleware functions

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := "unmatched"
		if cr := mux.CurrentRoute(r); cr != nil {
			if tpl, err := cr.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		elapsed := time.Since(start)
		metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(route).Observe(elapsed.Seconds())
		logger.Debug("HTTP API request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr,
			"status", rec.status, "duration", elapsed)
	})
}

func (s *Server) allowedHostsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.allowedHosts) == 0 {
			next.ServeHTTP(w, r)
			return
		}
		if !s.hostAllowed(getClientIP(r)) {
			s.writeError(w, http.StatusForbidden, "Host not allowed")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) hostAllowed(clientIP string) bool {
	for _, h := range s.allowedHosts {
		if h == clientIP {
			return true
		}
	}
	ip := net.ParseIP(clientIP)
	if ip == nil {
		return false
	}
	for _, cidr := range s.allowedNets {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			s.writeError(w, http.StatusUnauthorized, "Authorization header required")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			s.writeError(w, http.StatusUnauthorized, "Authorization header must be 'Bearer <token>'")
			return
		}
		if !s.auth.verify(parts[1]) {
			s.writeError(w, http.StatusForbidden, "Invalid API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Utility functions

func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		return strings.TrimSpace(ips[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// authContext reads the acting account from the request.
func authContext(r *http.Request) session.AuthContext {
	account := strings.TrimSpace(r.Header.Get(AccountHeader))
	return session.AuthContext{AccountID: account, IsAdmin: account == ""}
}

func ownerOf(auth session.AuthContext) string {
	if auth.IsAdmin {
		return adminOwner
	}
	return auth.AccountID
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Warn("HTTP API: error encoding JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return false
	}
	return true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	head, err := s.mailboxes.Journal().Latest(r.Context())
	if err != nil {
		logger.Warn("Health check: journal unavailable", "error", err)
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":       "ok",
		"journal_head": head.String(),
		"waitsets":     s.waitsets.Counts(),
		"sessions":     s.sessions.Counts(),
		"mailboxes":    s.mailboxes.LoadedCount(),
	})
}
