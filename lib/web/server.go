// Package web serves the control plane's JSON API and the static front end.
// Every /api route passes CORS, the rate limiter and the verification guard;
// sensitive payloads are sealed with the transport cipher of the current
// snapshot before they leave the process.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	apperrors "github.com/wgcontrol/wgcontrol/lib/errors"
	"github.com/wgcontrol/wgcontrol/lib/metrics"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 1 << 20

// Server is the HTTP server.
type Server struct {
	httpServer *http.Server
	backend    Backend
	guard      *Guard
	limiter    *RateLimiter
	origins    []string
	publicDir  string
	version    string
	logger     *slog.Logger

	mu      sync.RWMutex
	running bool
	addr    string
}

// Config holds web server configuration.
type Config struct {
	// ListenAddr is the address to listen on (e.g., "127.0.0.1:8080")
	ListenAddr string
	// PublicDir holds the static front end; assets/runtime.js is generated.
	PublicDir string
	// AllowedOrigins are the CORS origins allowed to call /api. "*" allows any.
	AllowedOrigins []string
	// RateLimit configures per-client limits on /api.
	RateLimit RateLimitConfig
	// Version is reported by /health.
	Version string

	Backend Backend
	Guard   *Guard
	// Logger is the structured logger
	Logger *slog.Logger
}

// New creates a server. Call Stop to release the rate limiter even when
// Start was never called.
func New(cfg Config) (*Server, error) {
	if cfg.Backend == nil {
		return nil, errors.New("web: backend is required")
	}
	if cfg.Guard == nil {
		return nil, errors.New("web: verification guard is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Server{
		backend:   cfg.Backend,
		guard:     cfg.Guard,
		limiter:   NewRateLimiter(cfg.RateLimit),
		origins:   slices.Clone(cfg.AllowedOrigins),
		publicDir: cfg.PublicDir,
		version:   cfg.Version,
		logger:    cfg.Logger,
	}
	s.limiter.SetOnReject(func(ip, path string) {
		s.logger.Warn("rate limited", "ip", ip, "path", path)
	})

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s, nil
}

// Handler returns the complete routing tree.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	api := func(h http.HandlerFunc) http.Handler {
		return s.cors(s.limiter.Middleware(s.guard.Middleware(noStore(h))))
	}

	// Config API
	mux.Handle("GET /api/config", api(s.handleInterfaceConfig))
	mux.Handle("GET /api/config/interfaces", api(s.handleInterfaces))
	mux.Handle("GET /api/config/freeIP", api(s.handleFreeIP))
	mux.Handle("GET /api/config/frontend", api(s.handleGetFrontend))
	mux.Handle("POST /api/config/frontend", api(s.handleUpdateFrontend))
	mux.Handle("POST /api/config/client/add", api(s.handleAddClient))
	mux.Handle("POST /api/config/client/remove", api(s.handleRemoveClient))
	mux.Handle("POST /api/config/client/rename", api(s.handleRenameClient))
	mux.Handle("GET /api/config/client/{pubKey}/config", api(s.handleClientConfig))

	// Tunnel engine API
	mux.Handle("GET /api/wireguard/status", api(s.handleEngineStatus))
	mux.Handle("POST /api/wireguard/reboot", api(s.handleRestart))

	// CORS preflight never carries the verification header
	mux.Handle("OPTIONS /api/", s.cors(http.NotFoundHandler()))

	// Health and metrics
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /healthz", s.handleLiveness)
	mux.HandleFunc("GET /readyz", s.handleReadiness)
	mux.Handle("GET /metrics", metrics.Handler())

	// Static front end; the runtime script must never be cached
	static := http.FileServer(http.Dir(s.publicDir))
	mux.Handle("GET /assets/", noStore(static))
	mux.Handle("GET /", static)

	return s.withMiddleware(mux)
}

// Start listens and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("server already running")
	}

	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.running = true
	s.addr = ln.Addr().String()
	s.logger.Info("web server started", "addr", s.addr)

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("server error", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.addr
}

// Stop shuts the server down gracefully and releases the rate limiter.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	wasRunning := s.running
	s.running = false
	s.mu.Unlock()

	defer s.limiter.Close()
	if !wasRunning {
		return nil
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	s.logger.Info("web server stopped")
	return nil
}

// withMiddleware wraps the handler with request logging and security headers.
func (s *Server) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Cross-Origin-Opener-Policy", "same-origin-allow-popups")
		h.Set("Cross-Origin-Resource-Policy", "same-site")
		h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=(), payment=()")
		h.Set("Content-Security-Policy",
			"default-src 'self' 'unsafe-inline' data: blob:; style-src 'self' 'unsafe-inline'; script-src 'self' 'unsafe-inline'")

		next.ServeHTTP(w, r)

		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"remote", r.RemoteAddr,
			"duration", time.Since(start),
		)
	})
}

// cors answers preflight requests and adds CORS headers for allowed origins.
func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		allowed := origin != "" && s.originAllowed(origin)
		if allowed {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Set("Access-Control-Allow-Methods", "GET, POST")
			h.Set("Access-Control-Allow-Headers", "Content-Type, "+VerificationHeader)
			h.Add("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			if !allowed {
				w.WriteHeader(http.StatusForbidden)
				return
			}
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	return slices.Contains(s.origins, "*") || slices.Contains(s.origins, origin)
}

func noStore(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

// envelope is the uniform API response.
type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Errors  string `json:"errors,omitempty"`
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.WithError(err).Error("json encode error")
	}
}

// writeData writes a successful envelope.
func (s *Server) writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, envelope{Success: true, Data: data})
}

// writeSealed writes data encrypted with the transport cipher.
func (s *Server) writeSealed(w http.ResponseWriter, status int, data any) {
	cipher := s.backend.Snapshot().TransportCipher
	if cipher == nil {
		s.writeError(w, fmt.Errorf("transport cipher not ready: %w", apperrors.ErrUnavailable))
		return
	}
	sealed, err := cipher.EncryptJSON(data)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeData(w, status, sealed)
}

// writeError maps err to a status and a client-safe message. Server side
// failures never expose their cause.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := apperrors.HTTPStatus(err)
	message := apperrors.FromSentinel(err).Message
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "status", status, "error", err)
		message = http.StatusText(status)
	}
	writeJSON(w, status, envelope{Errors: message})
}
