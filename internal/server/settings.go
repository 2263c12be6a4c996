package server

import (
	"encoding/json"
	"net/http"

	"github.com/ength/aiagent-console/internal/session"
	"github.com/ength/aiagent-console/internal/store"
)

type settingsResponse struct {
	LogDir     string `json:"logDir"`
	LogEnabled bool   `json:"logEnabled"`
	Port       int    `json:"port,omitempty"`
	VitePort   int    `json:"vitePort,omitempty"`
}

type settingsRequest struct {
	LogDir     string `json:"logDir"`
	LogEnabled bool   `json:"logEnabled"`
}

func (s *Server) handleGetSettings(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, settingsResponse{
		LogDir:     s.cfg.LogDir(),
		LogEnabled: s.cfg.LogEnabled(),
		Port:       s.cfg.Port(),
		VitePort:   s.cfg.VitePort(),
	})
}

func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	var req settingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.cfg.SetLogSettings(req.LogDir, req.LogEnabled); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, settingsResponse{
		LogDir:     s.cfg.LogDir(),
		LogEnabled: s.cfg.LogEnabled(),
	})
}

func (s *Server) handleGetTerminalSettings(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.store.Terminal())
}

func (s *Server) handlePutTerminalSettings(w http.ResponseWriter, r *http.Request) {
	var req store.TerminalSettings
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	s.store.SetTerminal(req)
	writeJSON(w, http.StatusOK, s.store.Terminal())
}

func (s *Server) handleRecentRepos(w http.ResponseWriter, _ *http.Request) {
	repos := s.store.RecentRepos()
	if repos == nil {
		repos = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"repos": repos})
}

func (s *Server) handleShells(w http.ResponseWriter, _ *http.Request) {
	shells, defaultShell := session.ListAvailableShells()
	writeJSON(w, http.StatusOK, map[string]any{
		"shells":  shells,
		"default": defaultShell,
	})
}
