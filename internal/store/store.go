// Package store persists console state to a single JSON file in the
// process working directory: the recent-repo list, terminal font
// settings and agent records for restart recovery. The process is the
// sole writer; every mutation is a reload-modify-save so cross-field
// updates are preserved.
package store

import (
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// FileName is the persistence file kept in the process CWD.
const FileName = ".aiagent-local.json"

const maxRecentRepos = 10

// TerminalSettings holds the browser terminal font preferences.
type TerminalSettings struct {
	FontFamily string `json:"fontFamily"`
	FontSize   int    `json:"fontSize"`
}

// PersistedAgent is the on-disk record used to re-admit an agent after
// a restart. OutputBuffer holds the tail of the first tab's stream.
type PersistedAgent struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	SourceRepo   string `json:"sourceRepo"`
	WorkDir      string `json:"workDir"`
	Branch       string `json:"branch"`
	CreatedAt    int64  `json:"createdAt"`
	OutputBuffer string `json:"outputBuffer,omitempty"`
}

type fileState struct {
	RecentRepos []string         `json:"recentRepos"`
	Terminal    TerminalSettings `json:"terminal"`
	Agents      []PersistedAgent `json:"agents"`
}

// Store reads and writes the persistence file.
type Store struct {
	path string
	mu   sync.Mutex
}

// New creates a Store backed by the given file path.
func New(path string) *Store {
	return &Store{path: path}
}

// DefaultPath returns the persistence file path in the process CWD.
func DefaultPath() string {
	cwd, err := os.Getwd()
	if err != nil {
		return FileName
	}
	return filepath.Join(cwd, FileName)
}

func defaults() fileState {
	return fileState{
		Terminal: TerminalSettings{FontFamily: "monospace", FontSize: 14},
	}
}

// load parses the file and merges it over defaults. Read or parse
// failures degrade to defaults.
func (s *Store) load() fileState {
	st := defaults()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			slog.Warn("failed to read persistence file", "path", s.path, "error", err)
		}
		return st
	}
	if err := json.Unmarshal(data, &st); err != nil {
		slog.Warn("failed to parse persistence file", "path", s.path, "error", err)
		return defaults()
	}
	if st.Terminal.FontFamily == "" {
		st.Terminal.FontFamily = "monospace"
	}
	if st.Terminal.FontSize <= 0 {
		st.Terminal.FontSize = 14
	}
	return st
}

// save rewrites the whole file.
func (s *Store) save(st fileState) {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		slog.Error("failed to marshal persistence file", "error", err)
		return
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		slog.Error("failed to write persistence file", "path", s.path, "error", err)
	}
}

// RecentRepos returns the LRU list of recently used source repos.
func (s *Store) RecentRepos() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load().RecentRepos
}

// AddRecentRepo moves repo to the front of the LRU list, trimming it
// to the retention cap.
func (s *Store) AddRecentRepo(repo string) {
	if repo == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.load()
	repos := []string{repo}
	for _, r := range st.RecentRepos {
		if r != repo {
			repos = append(repos, r)
		}
	}
	if len(repos) > maxRecentRepos {
		repos = repos[:maxRecentRepos]
	}
	st.RecentRepos = repos
	s.save(st)
}

// Terminal returns the persisted terminal font settings.
func (s *Store) Terminal() TerminalSettings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load().Terminal
}

// SetTerminal persists terminal font settings.
func (s *Store) SetTerminal(ts TerminalSettings) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.load()
	if ts.FontFamily != "" {
		st.Terminal.FontFamily = ts.FontFamily
	}
	if ts.FontSize > 0 {
		st.Terminal.FontSize = ts.FontSize
	}
	s.save(st)
}

// Agents returns the persisted agent records.
func (s *Store) Agents() []PersistedAgent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load().Agents
}

// SaveAgents replaces the persisted agent records.
func (s *Store) SaveAgents(agents []PersistedAgent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.load()
	st.Agents = agents
	s.save(st)
}

// RemoveAgent drops one persisted agent record by id.
func (s *Store) RemoveAgent(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.load()
	agents := st.Agents[:0:0]
	for _, a := range st.Agents {
		if a.ID != id {
			agents = append(agents, a)
		}
	}
	st.Agents = agents
	s.save(st)
}

// UpsertAgent inserts or replaces one persisted agent record.
func (s *Store) UpsertAgent(agent PersistedAgent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.load()
	replaced := false
	for i, a := range st.Agents {
		if a.ID == agent.ID {
			st.Agents[i] = agent
			replaced = true
			break
		}
	}
	if !replaced {
		st.Agents = append(st.Agents, agent)
	}
	s.save(st)
}
