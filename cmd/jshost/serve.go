package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/caffeineduck/jshost/engine"
	"github.com/caffeineduck/jshost/module"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start HTTP server for module evaluation",
	Long: `Start an HTTP server that evaluates modules over REST.

Endpoints:
  POST   /evaluate                 Evaluate a module (fresh context)
  POST   /sessions                 Create session, returns {"session_id":"..."}
  POST   /sessions/{id}/evaluate   Evaluate in session (globals persist)
  DELETE /sessions/{id}            Close session
  GET    /health                   Health check

The request body is either raw module source or JSON
{"code": "...", "timeout": "5s", "format": "json|text"}. The default export is
returned as JSON, or as text with format=text or Accept: text/plain.`,
	RunE:          runServe,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	serveCmd.Flags().IntP("port", "p", 8080, "Port to listen on")
	serveCmd.Flags().String("config", "", "YAML config file")
	serveCmd.Flags().Duration("timeout", 30*time.Second, "Default evaluation timeout")
	serveCmd.Flags().Duration("session-ttl", 15*time.Minute, "Idle session lifetime")
	serveCmd.Flags().String("module-dir", "", "Directory served to relative imports")
	addHostFlags(serveCmd)

	rootCmd.AddCommand(serveCmd)
}

const maxRequestBody = 1 << 20

type serveConfig struct {
	Port       int           `yaml:"port"`
	Timeout    time.Duration `yaml:"timeout"`
	SessionTTL time.Duration `yaml:"session_ttl"`
	Memory     string        `yaml:"memory"`
	Host       hostConfig    `yaml:",inline"`
}

func loadServeConfig(path string) (serveConfig, error) {
	var cfg serveConfig
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// serveConfigFromFlags loads the config file, then applies explicitly set
// flags and defaults on top.
func serveConfigFromFlags(cmd *cobra.Command) (serveConfig, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := loadServeConfig(path)
	if err != nil {
		return cfg, err
	}

	flags := cmd.Flags()
	if cfg.Port == 0 || flags.Changed("port") {
		cfg.Port, _ = flags.GetInt("port")
	}
	if cfg.Timeout == 0 || flags.Changed("timeout") {
		cfg.Timeout, _ = flags.GetDuration("timeout")
	}
	if cfg.SessionTTL == 0 || flags.Changed("session-ttl") {
		cfg.SessionTTL, _ = flags.GetDuration("session-ttl")
	}
	if cfg.Memory == "" || flags.Changed("memory") {
		cfg.Memory, _ = flags.GetString("memory")
	}
	if dir, _ := flags.GetString("module-dir"); dir != "" {
		cfg.Host.ModuleDir = dir
	}
	cfg.Host, err = hostConfigFromFlags(cmd, cfg.Host)
	return cfg, err
}

type sessionManager struct {
	sessions map[string]*serverSession
	mu       sync.RWMutex
	ttl      time.Duration
	log      *zap.Logger
	stop     chan struct{}
	once     sync.Once
}

type serverSession struct {
	context  *engine.Context
	entries  atomic.Int64
	lastUsed time.Time
}

func newSessionManager(ttl time.Duration, log *zap.Logger) *sessionManager {
	sm := &sessionManager{
		sessions: make(map[string]*serverSession),
		ttl:      ttl,
		log:      log,
		stop:     make(chan struct{}),
	}
	go sm.cleanup()
	return sm
}

func (sm *sessionManager) create(eng *engine.Engine) (string, error) {
	c, err := eng.NewContext()
	if err != nil {
		return "", err
	}

	id := uuid.NewString()
	sm.mu.Lock()
	sm.sessions[id] = &serverSession{
		context:  c,
		lastUsed: time.Now(),
	}
	sm.mu.Unlock()
	return id, nil
}

func (sm *sessionManager) get(id string) (*serverSession, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	ss, ok := sm.sessions[id]
	if ok {
		ss.lastUsed = time.Now()
	}
	return ss, ok
}

func (sm *sessionManager) close(id string) (bool, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	ss, ok := sm.sessions[id]
	if !ok {
		return false, nil
	}
	if err := ss.context.Dispose(context.Background()); err != nil {
		return true, err
	}
	delete(sm.sessions, id)
	return true, nil
}

func (sm *sessionManager) cleanup() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-sm.stop:
			return
		case <-ticker.C:
			sm.expire(time.Now())
		}
	}
}

// expire disposes sessions idle for longer than the ttl. Sessions still
// evaluating are kept until the next pass.
func (sm *sessionManager) expire(now time.Time) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	for id, ss := range sm.sessions {
		if now.Sub(ss.lastUsed) <= sm.ttl {
			continue
		}
		if err := ss.context.Dispose(context.Background()); err != nil {
			sm.log.Debug("session busy, not expired", zap.String("session", id), zap.Error(err))
			continue
		}
		delete(sm.sessions, id)
	}
}

func (sm *sessionManager) closeAll() {
	sm.once.Do(func() { close(sm.stop) })
	sm.mu.Lock()
	for id, ss := range sm.sessions {
		if err := ss.context.Dispose(context.Background()); err != nil {
			sm.log.Warn("session dispose failed", zap.String("session", id), zap.Error(err))
		}
		delete(sm.sessions, id)
	}
	sm.mu.Unlock()
}

func (sm *sessionManager) len() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}

type evaluateRequest struct {
	Code    string `json:"code"`
	Timeout string `json:"timeout,omitempty"`
	Format  string `json:"format,omitempty"`
	Name    string `json:"name,omitempty"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Name    string `json:"name,omitempty"`
	Message string `json:"message,omitempty"`
	Stack   string `json:"stack,omitempty"`
}

type createSessionResponse struct {
	SessionID string `json:"session_id"`
}

type server struct {
	engine   *engine.Engine
	sessions *sessionManager
	timeout  time.Duration
	log      *zap.Logger
}

func newServer(eng *engine.Engine, timeout, ttl time.Duration, log *zap.Logger) *server {
	return &server{
		engine:   eng,
		sessions: newSessionManager(ttl, log),
		timeout:  timeout,
		log:      log,
	}
}

func (s *server) close() {
	s.sessions.closeAll()
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /evaluate", s.handleEvaluate)
	mux.HandleFunc("POST /sessions", s.handleCreateSession)
	mux.HandleFunc("POST /sessions/{id}/evaluate", s.handleSessionEvaluate)
	mux.HandleFunc("DELETE /sessions/{id}", s.handleCloseSession)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return s.withRequestID(mux)
}

func (s *server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug("request",
			zap.String("id", id),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

// readRequest accepts raw module source or a JSON evaluateRequest.
func readRequest(r *http.Request) (evaluateRequest, error) {
	var req evaluateRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody+1))
	if err != nil {
		return req, err
	}
	if len(body) > maxRequestBody {
		return req, errors.New("request body too large")
	}

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		if err := json.Unmarshal(body, &req); err != nil {
			return req, errors.New("invalid json")
		}
	} else {
		req.Code = string(body)
	}
	if q := r.URL.Query().Get("format"); q != "" {
		req.Format = q
	}
	if req.Format == "" && strings.HasPrefix(r.Header.Get("Accept"), "text/plain") {
		req.Format = "text"
	}
	if strings.TrimSpace(req.Code) == "" {
		return req, errors.New("code required")
	}
	return req, nil
}

func (s *server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	req, err := readRequest(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	c, err := s.engine.NewContext()
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
		return
	}
	defer c.Dispose(context.Background())

	name := req.Name
	if name == "" {
		name = "main.js"
	}
	s.evaluate(w, r, c, req, name)
}

func (s *server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	id, err := s.sessions.create(s.engine)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: fmt.Sprintf("failed to create session: %v", err)})
		return
	}
	writeJSON(w, http.StatusOK, createSessionResponse{SessionID: id})
}

func (s *server) handleSessionEvaluate(w http.ResponseWriter, r *http.Request) {
	ss, ok := s.sessions.get(r.PathValue("id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "session not found"})
		return
	}
	req, err := readRequest(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	// Each entry is a new module; names only need to be unique per session.
	ext := path.Ext(req.Name)
	if ext == "" {
		ext = ".js"
	}
	name := fmt.Sprintf("entry-%d%s", ss.entries.Add(1), ext)
	s.evaluate(w, r, ss.context, req, name)
}

func (s *server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	found, err := s.sessions.close(r.PathValue("id"))
	switch {
	case !found:
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "session not found"})
	case err != nil:
		writeJSON(w, statusFor(err), errorResponse{Error: err.Error()})
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *server) evaluate(w http.ResponseWriter, r *http.Request, c *engine.Context, req evaluateRequest, name string) {
	timeout := s.timeout
	if req.Timeout != "" {
		d, err := time.ParseDuration(req.Timeout)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("invalid timeout %q", req.Timeout)})
			return
		}
		timeout = d
	}

	var (
		body        []byte
		contentType = "application/json"
	)
	err := c.Do(r.Context(), func(ctx context.Context) error {
		v, err := c.EvaluateModule(ctx, req.Code, name, engine.WithAwait(), engine.WithTimeout(timeout))
		if err != nil {
			return err
		}
		defer v.Dispose()

		if req.Format == "text" {
			contentType = "text/plain; charset=utf-8"
			out, err := render(ctx, v)
			body = []byte(out)
			return err
		}
		body, err = v.JSON(ctx)
		return err
	})
	if err != nil {
		s.log.Debug("evaluation failed", zap.String("context", c.ID()), zap.Error(err))
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrParse):
		return http.StatusBadRequest
	case errors.Is(err, module.ErrNotFound):
		return http.StatusUnprocessableEntity
	case errors.Is(err, engine.ErrContextInUse):
		return http.StatusConflict
	case errors.Is(err, engine.ErrCancelled):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	resp := errorResponse{Error: err.Error()}
	var se *engine.ScriptError
	var pe *engine.ParseError
	switch {
	case errors.As(err, &se):
		resp = errorResponse{
			Error:   engine.ErrScriptException.Error(),
			Name:    se.Name,
			Message: se.Message,
			Stack:   se.Stack,
		}
	case errors.As(err, &pe):
		resp = errorResponse{
			Error:   engine.ErrParse.Error(),
			Message: pe.Error(),
		}
	}
	writeJSON(w, statusFor(err), resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := serveConfigFromFlags(cmd)
	if err != nil {
		return err
	}

	env, err := cfg.Host.build()
	if err != nil {
		return err
	}
	eng, err := newEngine(cmd, env, nil, cfg.Memory)
	if err != nil {
		return err
	}
	defer eng.Dispose()

	level, _ := cmd.Root().PersistentFlags().GetString("log-level")
	log, err := newLogger(level)
	if err != nil {
		return err
	}

	srv := newServer(eng, cfg.Timeout, cfg.SessionTTL, log)
	defer srv.close()

	addr := fmt.Sprintf(":%d", cfg.Port)
	fmt.Fprintf(cmd.ErrOrStderr(), "jshost server listening on %s\n", addr)
	return http.ListenAndServe(addr, srv.routes())
}
