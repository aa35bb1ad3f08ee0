// Package api exposes the session controller over HTTP and websocket.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/loqalabs/loqa-scribe/internal/capability"
	"github.com/loqalabs/loqa-scribe/internal/session"
	"github.com/loqalabs/loqa-scribe/internal/stt"
)

// Controller is the command surface the API drives.
type Controller interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Clear(ctx context.Context) error
	SetLanguage(ctx context.Context, tag string) error
	Snapshot(ctx context.Context) (session.State, error)
	Finalized(ctx context.Context) (string, error)
	Export(ctx context.Context, path string) (string, error)
	Copy(ctx context.Context) error
}

type Server struct {
	ctrl      Controller
	hub       *Hub
	languages []string
	metrics   http.Handler
	ready     func() bool
	nodes     func() []capability.NodeInfo
	logger    *slog.Logger
}

type Options struct {
	Languages []string
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
	// Ready gates /readyz; nil means always ready.
	Ready func() bool
	// Nodes lists bus peers; /v1/nodes is only mounted when set.
	Nodes func() []capability.NodeInfo
}

func NewServer(ctrl Controller, hub *Hub, opts Options, logger *slog.Logger) *Server {
	return &Server{
		ctrl:      ctrl,
		hub:       hub,
		languages: opts.Languages,
		metrics:   opts.Metrics,
		ready:     opts.Ready,
		nodes:     opts.Nodes,
		logger:    logger.With(slog.String("component", "api")),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}
	mux.HandleFunc("GET /v1/session", s.handleSession)
	mux.HandleFunc("POST /v1/session/start", s.command(s.ctrl.Start))
	mux.HandleFunc("POST /v1/session/stop", s.command(s.ctrl.Stop))
	mux.HandleFunc("POST /v1/session/clear", s.command(s.ctrl.Clear))
	mux.HandleFunc("POST /v1/session/language", s.handleLanguage)
	mux.HandleFunc("GET /v1/languages", s.handleLanguages)
	mux.HandleFunc("GET /v1/transcript", s.handleTranscript)
	mux.HandleFunc("POST /v1/transcript/copy", s.handleCopy)
	mux.HandleFunc("POST /v1/transcript/export", s.handleExport)
	if s.nodes != nil {
		mux.HandleFunc("GET /v1/nodes", s.handleNodes)
	}
	if s.hub != nil {
		mux.HandleFunc("GET /v1/ws", s.handleWS)
	}
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.ready == nil || s.ready() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	s.writeState(w, r, http.StatusOK)
}

func (s *Server) command(fn func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := fn(r.Context()); err != nil {
			s.writeError(w, http.StatusServiceUnavailable, err)
			return
		}
		s.writeState(w, r, http.StatusAccepted)
	}
}

type languageRequest struct {
	Language string `json:"language"`
}

func (s *Server) handleLanguage(w http.ResponseWriter, r *http.Request) {
	var req languageRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, errors.New("invalid request body"))
		return
	}
	if strings.TrimSpace(req.Language) == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("language must not be empty"))
		return
	}
	if err := s.ctrl.SetLanguage(r.Context(), req.Language); err != nil {
		status := http.StatusServiceUnavailable
		if errors.Is(err, stt.ErrListening) {
			status = http.StatusConflict
		}
		s.writeError(w, status, err)
		return
	}
	s.writeState(w, r, http.StatusOK)
}

func (s *Server) handleLanguages(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"languages": s.languages})
}

// handleTranscript returns the finalized text verbatim, exactly what an
// export would write.
func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	text, err := s.ctrl.Finalized(r.Context())
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, text)
}

func (s *Server) handleCopy(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.Copy(r.Context()); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleExport writes into the configured export directory only.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	path, err := s.ctrl.Export(r.Context(), "")
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"path": path})
}

func (s *Server) handleNodes(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"nodes": s.nodes()})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	var initial *Message
	if st, err := s.ctrl.Snapshot(r.Context()); err == nil {
		initial = &Message{Type: "state", State: NewStateView(st)}
	}
	s.hub.Serve(w, r, initial)
}

func (s *Server) writeState(w http.ResponseWriter, r *http.Request, status int) {
	st, err := s.ctrl.Snapshot(r.Context())
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, status, NewStateView(st))
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		s.logger.Warn("request failed", slog.Int("status", status), slog.String("error", err.Error()))
	}
	writeJSON(w, status, map[string]string{"error": session.Message(err)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
