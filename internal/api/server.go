// Package api exposes the HTTP interface for the scan engine.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/calyptra/tornet-scanner/internal/config"
	"github.com/calyptra/tornet-scanner/internal/identity"
	"github.com/calyptra/tornet-scanner/internal/scanner"
	"github.com/calyptra/tornet-scanner/internal/telemetry"
	"github.com/calyptra/tornet-scanner/internal/watch"
)

// CircuitManager provisions and tracks relay circuits.
type CircuitManager interface {
	Provision(ctx context.Context) (scanner.Circuit, error)
	Get(name string) (scanner.Circuit, bool)
	IsLive(ctx context.Context, name string) (bool, error)
	List() []scanner.Circuit
	Remove(ctx context.Context, name string) error
}

// BotActivator logs a bot in and returns its session token.
type BotActivator interface {
	Activate(ctx context.Context, bot scanner.BotIdentity) (string, error)
}

// SessionStore persists session tokens earned by activation.
type SessionStore interface {
	UpdateBotSession(ctx context.Context, username, session string) error
}

// ScanEngine drives the scan lifecycle.
type ScanEngine interface {
	Get(ctx context.Context, kind scanner.ScanKind, id int64) (scanner.Scan, error)
	Start(ctx context.Context, kind scanner.ScanKind, id int64) error
	Stop(kind scanner.ScanKind, id int64) error
}

// Server wires HTTP handlers to the engine, circuit manager and stores.
type Server struct {
	router    chi.Router
	circuits  CircuitManager
	engine    ScanEngine
	scans     scanner.ScanStore
	targets   watch.TargetSource
	activator BotActivator
	sessions  SessionStore
	idGen     scanner.IDGenerator
	log       *zap.Logger
	cfg       config.Config

	uaMu sync.Mutex
	ua   *identity.UserAgentGenerator
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	circuits CircuitManager,
	engine ScanEngine,
	scans scanner.ScanStore,
	targets watch.TargetSource,
	activator BotActivator,
	sessions SessionStore,
	idGen scanner.IDGenerator,
	log *zap.Logger,
	cfg config.Config,
) *Server {
	s := &Server{
		circuits:  circuits,
		engine:    engine,
		scans:     scans,
		targets:   targets,
		activator: activator,
		sessions:  sessions,
		idGen:     idGen,
		log:       log,
		cfg:       cfg,
		ua:        identity.NewUserAgentGenerator(rand.NewSource(time.Now().UnixNano())),
	}
	r := chi.NewRouter()
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(timeoutMiddleware(60 * time.Second))
	if cfg.Auth.Enabled {
		r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", telemetry.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/circuits", func(r chi.Router) {
			r.Post("/", s.provisionCircuit)
			r.Get("/", s.listCircuits)
			r.Route("/{name}", func(r chi.Router) {
				r.Get("/", s.getCircuit)
				r.Delete("/", s.removeCircuit)
			})
		})
		r.Route("/scans/{kind}/{scan_id}", func(r chi.Router) {
			r.Post("/start", s.startScan)
			r.Post("/stop", s.stopScan)
			r.Get("/status", s.getScanStatus)
			r.Get("/results", s.getScanResults)
		})
		r.Post("/bots/activate", s.activateBot)
		r.Get("/watchlist", s.listWatchTargets)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) provisionCircuit(w http.ResponseWriter, r *http.Request) {
	circ, err := s.circuits.Provision(r.Context())
	if err != nil {
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.writeJSON(w, http.StatusCreated, circ)
}

func (s *Server) listCircuits(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"circuits": s.circuits.List()})
}

func (s *Server) getCircuit(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	circ, ok := s.circuits.Get(name)
	if !ok {
		s.writeError(w, http.StatusNotFound, "circuit not found")
		return
	}
	live, err := s.circuits.IsLive(r.Context(), name)
	if err != nil {
		s.log.Warn("failed to inspect circuit", zap.String("circuit", name), zap.Error(err))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"circuit": circ, "live": live})
}

func (s *Server) removeCircuit(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.circuits.Remove(r.Context(), name); err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"name": name, "status": "removed"})
}

func (s *Server) startScan(w http.ResponseWriter, r *http.Request) {
	kind, id, err := scanParams(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.engine.Start(r.Context(), kind, id); err != nil {
		s.writeError(w, startStatus(err), err.Error())
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]any{"scan_id": id, "kind": kind, "status": scanner.ScanStatusRunning})
}

// startStatus maps engine guard failures to HTTP codes: state conflicts
// are 409, unmet preconditions are 412.
func startStatus(err error) int {
	switch {
	case errors.Is(err, scanner.ErrScanNotFound):
		return http.StatusNotFound
	case errors.Is(err, scanner.ErrScanRunning), errors.Is(err, scanner.ErrScanCompleted):
		return http.StatusConflict
	case errors.Is(err, scanner.ErrSourceNotReady),
		errors.Is(err, scanner.ErrNoBatches),
		errors.Is(err, scanner.ErrNoEligibleBots),
		errors.Is(err, scanner.ErrNoWork):
		return http.StatusPreconditionFailed
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) stopScan(w http.ResponseWriter, r *http.Request) {
	kind, id, err := scanParams(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.engine.Stop(kind, id); err != nil {
		s.writeError(w, http.StatusNotFound, "scan is not running")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"scan_id": id, "kind": kind, "status": scanner.ScanStatusStopped})
}

func (s *Server) getScanStatus(w http.ResponseWriter, r *http.Request) {
	kind, id, err := scanParams(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sc, err := s.engine.Get(r.Context(), kind, id)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "scan not found")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"scan": sc})
}

func (s *Server) getScanResults(w http.ResponseWriter, r *http.Request) {
	kind, id, err := scanParams(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sc, err := s.engine.Get(r.Context(), kind, id)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "scan not found")
		return
	}
	switch kind {
	case scanner.ScanKindPagination:
		partition, err := s.scans.PartitionByScanName(r.Context(), sc.Name)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, "failed to fetch partition")
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]any{"scan": sc, "batches": partition})
	case scanner.ScanKindListing:
		posts, err := s.scans.ListedPosts(r.Context(), sc.ID)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, "failed to fetch listed posts")
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]any{"scan": sc, "posts": posts})
	case scanner.ScanKindDetail:
		details, err := s.scans.PostDetails(r.Context(), sc.ID)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, "failed to fetch post details")
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]any{"scan": sc, "details": details})
	}
}

type activateBotRequest struct {
	Username  string `json:"username"`
	Password  string `json:"password"`
	Purpose   string `json:"purpose"`
	Proxy     string `json:"proxy"`
	UserAgent string `json:"user_agent"`
}

// activateBot accepts the credentials and answers immediately: the
// challenge loop can run for many epochs, so it happens in the
// background and the session lands in the store when it succeeds.
func (s *Server) activateBot(w http.ResponseWriter, r *http.Request) {
	if s.activator == nil {
		s.writeError(w, http.StatusServiceUnavailable, "activation is not configured")
		return
	}
	var req activateBotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" || req.Password == "" {
		s.writeError(w, http.StatusBadRequest, "username and password are required")
		return
	}
	bot := scanner.BotIdentity{
		Username:  req.Username,
		Password:  req.Password,
		Purpose:   scanner.BotPurpose(req.Purpose),
		Proxy:     req.Proxy,
		UserAgent: req.UserAgent,
	}
	if bot.UserAgent == "" {
		s.uaMu.Lock()
		bot.UserAgent = s.ua.Generate()
		s.uaMu.Unlock()
	}
	go func() {
		ctx := context.Background()
		session, err := s.activator.Activate(ctx, bot)
		if err != nil {
			s.log.Warn("bot activation failed", zap.String("bot", bot.Username), zap.Error(err))
			return
		}
		if err := s.sessions.UpdateBotSession(ctx, bot.Username, session); err != nil {
			s.log.Error("failed to store bot session", zap.String("bot", bot.Username), zap.Error(err))
			return
		}
		s.log.Info("bot activated", zap.String("bot", bot.Username))
	}()
	s.writeJSON(w, http.StatusAccepted, map[string]string{"username": req.Username, "status": "activating"})
}

func (s *Server) listWatchTargets(w http.ResponseWriter, r *http.Request) {
	targets, err := s.targets.WatchTargets(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to fetch watchlist")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"targets": targets})
}

func scanParams(r *http.Request) (scanner.ScanKind, int64, error) {
	kind := scanner.ScanKind(chi.URLParam(r, "kind"))
	switch kind {
	case scanner.ScanKindPagination, scanner.ScanKindListing, scanner.ScanKindDetail:
	default:
		return "", 0, fmt.Errorf("unknown scan kind %q", kind)
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "scan_id"), 10, 64)
	if err != nil || id <= 0 {
		return "", 0, fmt.Errorf("invalid scan id")
	}
	return kind, id, nil
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID, err := s.idGen.NewID()
		if err != nil {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		dur := time.Since(start)
		telemetry.ObserveHTTPRequest(r.Method, r.URL.Path, ww.status, dur)
		s.log.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", dur.Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.log.Error("panic recovered", zap.Any("error", rec))
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusForbidden)
				fmt.Fprint(w, `{"error":"unauthorized"}`)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}
