// Package server wires the HTTP API and the WebSocket subscriber
// endpoint: agent CRUD backed by the registry and worktree coordinator,
// settings CRUD, metrics and health, all behind logging and metrics
// middleware on an h2c-capable listener.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/ength/aiagent-console/internal/bus"
	"github.com/ength/aiagent-console/internal/config"
	"github.com/ength/aiagent-console/internal/control"
	"github.com/ength/aiagent-console/internal/logging"
	"github.com/ength/aiagent-console/internal/metrics"
	"github.com/ength/aiagent-console/internal/registry"
	"github.com/ength/aiagent-console/internal/store"
	"github.com/ength/aiagent-console/internal/worktree"
)

// Options carries the engine components the server exposes.
type Options struct {
	Config *config.Config
	Store  *store.Store
	Reg    *registry.Registry
	Ctl    *control.Lock
	Bus    *bus.Bus
	Trees  *worktree.Coordinator
}

// Server is the console's HTTP front.
type Server struct {
	cfg   *config.Config
	store *store.Store
	reg   *registry.Registry
	ctl   *control.Lock
	bus   *bus.Bus
	trees *worktree.Coordinator
}

// New creates a Server.
func New(opts Options) *Server {
	return &Server{
		cfg:   opts.Config,
		store: opts.Store,
		reg:   opts.Reg,
		ctl:   opts.Ctl,
		bus:   opts.Bus,
		trees: opts.Trees,
	}
}

// Handler builds the full route table wrapped in logging and metrics
// middleware, with h2c support for cleartext HTTP/2.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/agents", s.handleListAgents)
	mux.HandleFunc("POST /api/agents", s.handleCreateAgent)
	mux.HandleFunc("GET /api/agents/{id}", s.handleGetAgent)
	mux.HandleFunc("DELETE /api/agents/{id}", s.handleDeleteAgent)
	mux.HandleFunc("GET /api/agents/{id}/status", s.handleAgentStatus)
	mux.HandleFunc("GET /api/agents/{id}/diff", s.handleAgentDiff)
	mux.HandleFunc("POST /api/agents/{id}/merge", s.handleAgentMerge)
	mux.HandleFunc("POST /api/agents/{id}/pr", s.handleAgentPR)

	mux.HandleFunc("GET /api/settings", s.handleGetSettings)
	mux.HandleFunc("PUT /api/settings", s.handlePutSettings)
	mux.HandleFunc("GET /api/terminal-settings", s.handleGetTerminalSettings)
	mux.HandleFunc("PUT /api/terminal-settings", s.handlePutTerminalSettings)
	mux.HandleFunc("GET /api/recent-repos", s.handleRecentRepos)
	mux.HandleFunc("GET /api/shells", s.handleShells)

	mux.HandleFunc("GET /ws", s.handleWS)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	handler := logging.HTTPMiddleware(metrics.HTTPMiddleware(mux))
	return h2c.NewHandler(handler, &http2.Server{})
}

// ListenAndServe serves until ctx is canceled, then shuts down
// gracefully with a bounded deadline.
func (s *Server) ListenAndServe(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:    s.cfg.Addr(),
		Handler: s.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Warn("http shutdown incomplete", "error", err)
		}
		return nil
	}
}

type createAgentRequest struct {
	Name       string `json:"name"`
	SourceRepo string `json:"sourceRepo"`
}

type mergeRequest struct {
	TargetBranch string `json:"targetBranch"`
}

type prRequest struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

func (s *Server) handleListAgents(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"agents": s.reg.Summaries()})
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	sum, err := s.reg.Summary(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "agent not found")
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var req createAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Name == "" || req.SourceRepo == "" {
		writeError(w, http.StatusBadRequest, "name and sourceRepo are required")
		return
	}

	agent, err := s.reg.Create(req.Name, req.SourceRepo)
	if err != nil {
		slog.Error("agent creation failed", "name", req.Name, "repo", req.SourceRepo, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	sum, err := s.reg.Summary(agent.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, sum)
}

func (s *Server) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	err := s.reg.Delete(r.PathValue("id"))
	switch {
	case errors.Is(err, registry.ErrAgentNotFound):
		writeError(w, http.StatusNotFound, "agent not found")
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleAgentStatus(w http.ResponseWriter, r *http.Request) {
	agent, ok := s.reg.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "agent not found")
		return
	}
	status, err := s.trees.Status(agent.WorkDir)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

func (s *Server) handleAgentDiff(w http.ResponseWriter, r *http.Request) {
	agent, ok := s.reg.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "agent not found")
		return
	}
	diff, err := s.trees.Diff(agent.WorkDir)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"diff": diff})
}

// handleAgentMerge runs the local-merge protocol. A conflicted merge is
// still a 200: the success field carries the outcome. Only resolution
// failures (unknown target branch, git breakage) are 500s.
func (s *Server) handleAgentMerge(w http.ResponseWriter, r *http.Request) {
	agent, ok := s.reg.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "agent not found")
		return
	}

	var req mergeRequest
	if r.Body != nil {
		// Body is optional; ignore decode errors for an empty body.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	res, err := s.trees.TryLocalMerge(agent.WorkDir, req.TargetBranch)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleAgentPR(w http.ResponseWriter, r *http.Request) {
	agent, ok := s.reg.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "agent not found")
		return
	}

	var req prRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Title == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}

	prURL, err := s.trees.CreatePullRequest(r.Context(), agent.WorkDir, req.Title, req.Body)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"prUrl": prURL})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("response encode failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
