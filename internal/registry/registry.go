// Package registry maps agent ids to agent records and their tabs,
// driving tab/PTY lifecycle, status reduction, restart recovery and
// graceful shutdown persistence.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/ength/aiagent-console/internal/buffer"
	"github.com/ength/aiagent-console/internal/bus"
	"github.com/ength/aiagent-console/internal/control"
	"github.com/ength/aiagent-console/internal/event"
	"github.com/ength/aiagent-console/internal/id"
	"github.com/ength/aiagent-console/internal/metrics"
	"github.com/ength/aiagent-console/internal/session"
	"github.com/ength/aiagent-console/internal/store"
)

var (
	// ErrAgentNotFound reports an unknown agent id.
	ErrAgentNotFound = errors.New("agent not found")
	// ErrTabNotFound reports an unknown tab id.
	ErrTabNotFound = errors.New("tab not found")
)

// Status of an agent or tab.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusRunning Status = "running"
	StatusStopped Status = "stopped"
)

const (
	defaultTabName = "Terminal"
	// persistedScrollback bounds the saved tail of the first tab's
	// stream, in characters.
	persistedScrollback = 50000
	// shutdownGrace is how long PTYs get to exit after SIGINT before
	// they are killed.
	shutdownGrace = 5 * time.Second
)

// Tab is a sub-session within an agent holding one PTY.
type Tab struct {
	ID   string
	Name string

	status  Status // guarded by the registry mutex
	Buffer  *buffer.Buffer
	Session *session.Session
}

// Agent is a logical session bound to a worktree and one or more tabs.
// Identity fields are immutable after creation.
type Agent struct {
	ID         string
	Name       string
	SourceRepo string
	WorkDir    string
	Branch     string
	CreatedAt  int64

	tabs []*Tab // insertion order; guarded by the registry mutex
}

// WorktreeManager is the worktree surface the registry needs.
type WorktreeManager interface {
	Create(sourceRepo, agentID, branchName string) (workDir, branch string, err error)
	Remove(sourceRepo, agentID string)
}

// Options configures a Registry.
type Options struct {
	Bus     *bus.Bus
	Store   *store.Store
	Control *control.Lock
	Trees   WorktreeManager
	LogSpec session.LogSpec
}

// Registry owns all agents. The mutex covers the agent map and tab
// lists only; worktree shell-outs, PTY spawns and persistence writes
// run outside it.
type Registry struct {
	bus     *bus.Bus
	store   *store.Store
	ctl     *control.Lock
	trees   WorktreeManager
	logSpec session.LogSpec

	mu     sync.Mutex
	agents map[string]*Agent
	order  []string
}

// New creates an empty Registry.
func New(opts Options) *Registry {
	return &Registry{
		bus:     opts.Bus,
		store:   opts.Store,
		ctl:     opts.Control,
		trees:   opts.Trees,
		logSpec: opts.LogSpec,
		agents:  make(map[string]*Agent),
	}
}

// Create builds a worktree for a new agent and registers it with one
// default idle tab.
func (r *Registry) Create(name, sourceRepo string) (*Agent, error) {
	agentID := id.Generate()
	branch := "agent/" + agentID

	workDir, branch, err := r.trees.Create(sourceRepo, agentID, branch)
	if err != nil {
		return nil, fmt.Errorf("create worktree: %w", err)
	}

	agent := &Agent{
		ID:         agentID,
		Name:       name,
		SourceRepo: sourceRepo,
		WorkDir:    workDir,
		Branch:     branch,
		CreatedAt:  time.Now().UnixMilli(),
	}
	r.addTab(agent, defaultTabName)

	r.mu.Lock()
	r.agents[agentID] = agent
	r.order = append(r.order, agentID)
	r.mu.Unlock()

	metrics.ActiveAgents.Inc()
	r.store.AddRecentRepo(sourceRepo)
	r.store.UpsertAgent(persistedRecord(agent, ""))

	slog.Info("agent created", "agent_id", agentID, "name", name, "workdir", workDir)
	r.publishAgentsUpdated()
	return agent, nil
}

// Delete stops all of an agent's tabs, clears its control entries,
// removes its worktree and persistence record, and forgets it.
func (r *Registry) Delete(agentID string) error {
	r.mu.Lock()
	agent, ok := r.agents[agentID]
	if ok {
		delete(r.agents, agentID)
		for i, oid := range r.order {
			if oid == agentID {
				r.order = append(r.order[:i], r.order[i+1:]...)
				break
			}
		}
	}
	tabs := append([]*Tab(nil), agentTabs(agent)...)
	r.mu.Unlock()

	if !ok {
		return ErrAgentNotFound
	}

	for _, tab := range tabs {
		tab.Buffer.Close()
		tab.Session.Stop()
		r.ctl.ClearTab(agentID, tab.ID)

		summary := event.TabSummary{ID: tab.ID, Name: tab.Name, Status: string(StatusStopped)}
		r.bus.Publish(event.Event{
			Type:    event.TypeTabClosed,
			AgentID: agentID,
			TabID:   tab.ID,
			Tab:     &summary,
		})
	}

	r.trees.Remove(agent.SourceRepo, agentID)
	r.store.RemoveAgent(agentID)
	metrics.ActiveAgents.Dec()

	slog.Info("agent deleted", "agent_id", agentID)
	r.publishAgentsUpdated()
	return nil
}

// Get returns an agent by id.
func (r *Registry) Get(agentID string) (*Agent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[agentID]
	return a, ok
}

// List returns all agents in insertion order.
func (r *Registry) List() []*Agent {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Agent, 0, len(r.order))
	for _, aid := range r.order {
		if a, ok := r.agents[aid]; ok {
			out = append(out, a)
		}
	}
	return out
}

// CreateTab adds a tab to an agent. An empty name auto-assigns
// "Terminal N" with N = current tab count + 1.
func (r *Registry) CreateTab(agentID, name string) (*Tab, error) {
	r.mu.Lock()
	agent, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return nil, ErrAgentNotFound
	}
	if name == "" {
		name = fmt.Sprintf("%s %d", defaultTabName, len(agent.tabs)+1)
	}
	r.mu.Unlock()

	tab := r.addTab(agent, name)

	summary := event.TabSummary{ID: tab.ID, Name: tab.Name, Status: string(StatusIdle)}
	r.bus.Publish(event.Event{
		Type:    event.TypeTabCreated,
		AgentID: agentID,
		TabID:   tab.ID,
		Tab:     &summary,
	})
	r.publishAgentsUpdated()
	return tab, nil
}

// CloseTab stops a tab's PTY and removes it from the agent.
func (r *Registry) CloseTab(agentID, tabID string) error {
	r.mu.Lock()
	agent, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return ErrAgentNotFound
	}
	var tab *Tab
	for i, tb := range agent.tabs {
		if tb.ID == tabID {
			tab = tb
			agent.tabs = append(agent.tabs[:i], agent.tabs[i+1:]...)
			break
		}
	}
	r.mu.Unlock()

	if tab == nil {
		return ErrTabNotFound
	}

	tab.Buffer.Close()
	tab.Session.Stop()
	r.ctl.ClearTab(agentID, tabID)

	summary := event.TabSummary{ID: tab.ID, Name: tab.Name, Status: string(StatusStopped)}
	r.bus.Publish(event.Event{
		Type:    event.TypeTabClosed,
		AgentID: agentID,
		TabID:   tabID,
		Tab:     &summary,
	})
	r.publishAgentsUpdated()
	return nil
}

// Tab resolves a tab; an empty tabID selects the agent's first tab.
func (r *Registry) Tab(agentID, tabID string) (*Tab, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[agentID]
	if !ok {
		return nil, ErrAgentNotFound
	}
	if tabID == "" {
		if len(agent.tabs) == 0 {
			return nil, ErrTabNotFound
		}
		return agent.tabs[0], nil
	}
	for _, tb := range agent.tabs {
		if tb.ID == tabID {
			return tb, nil
		}
	}
	return nil, ErrTabNotFound
}

// StartTab lazily spawns the tab's PTY. Idempotent for a running tab.
func (r *Registry) StartTab(agentID, tabID string, cols, rows uint16) error {
	tab, err := r.Tab(agentID, tabID)
	if err != nil {
		return err
	}
	if tab.Session.Running() {
		return nil
	}
	if err := tab.Session.Start(cols, rows); err != nil {
		return fmt.Errorf("start tab: %w", err)
	}
	r.setTabStatus(agentID, tab, StatusRunning)
	return nil
}

// StopTab kills the tab's PTY. The stopped status is published from
// the session's exit path.
func (r *Registry) StopTab(agentID, tabID string) error {
	tab, err := r.Tab(agentID, tabID)
	if err != nil {
		return err
	}
	tab.Session.Stop()
	return nil
}

// AgentStatus reduces an agent's status over its tabs: running beats
// stopped beats idle.
func (r *Registry) AgentStatus(agentID string) Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	agent, ok := r.agents[agentID]
	if !ok {
		return StatusIdle
	}
	return reduceStatus(agent.tabs)
}

// Summaries returns the bus-visible snapshot of every agent.
func (r *Registry) Summaries() []event.AgentSummary {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]event.AgentSummary, 0, len(r.order))
	for _, aid := range r.order {
		agent, ok := r.agents[aid]
		if !ok {
			continue
		}
		out = append(out, summarizeLocked(agent))
	}
	return out
}

// Summary returns the bus-visible snapshot of one agent.
func (r *Registry) Summary(agentID string) (event.AgentSummary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[agentID]
	if !ok {
		return event.AgentSummary{}, ErrAgentNotFound
	}
	return summarizeLocked(agent), nil
}

// Restore re-admits persisted agents whose worktree still exists. Each
// gets one idle tab seeded with the saved scrollback at seq 0. Stale
// records are dropped from the persistence file.
func (r *Registry) Restore() {
	saved := r.store.Agents()
	if len(saved) == 0 {
		return
	}

	var kept []store.PersistedAgent
	for _, rec := range saved {
		if _, err := os.Stat(rec.WorkDir); err != nil {
			slog.Info("dropping persisted agent, worktree missing", "agent_id", rec.ID, "workdir", rec.WorkDir)
			continue
		}

		agent := &Agent{
			ID:         rec.ID,
			Name:       rec.Name,
			SourceRepo: rec.SourceRepo,
			WorkDir:    rec.WorkDir,
			Branch:     rec.Branch,
			CreatedAt:  rec.CreatedAt,
		}
		tab := r.addTab(agent, defaultTabName)
		tab.Buffer.Seed(rec.OutputBuffer)

		r.mu.Lock()
		r.agents[agent.ID] = agent
		r.order = append(r.order, agent.ID)
		r.mu.Unlock()

		metrics.ActiveAgents.Inc()
		rec.OutputBuffer = ""
		kept = append(kept, rec)
		slog.Info("agent restored", "agent_id", rec.ID, "name", rec.Name)
	}

	r.store.SaveAgents(kept)
	r.publishAgentsUpdated()
}

// Shutdown interrupts all PTYs, waits up to the grace period for clean
// exits, kills stragglers, drains buffers and persists each agent's
// first-tab scrollback tail.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	agents := make([]*Agent, 0, len(r.order))
	for _, aid := range r.order {
		if a, ok := r.agents[aid]; ok {
			agents = append(agents, a)
		}
	}
	tabsByAgent := make(map[string][]*Tab, len(agents))
	for _, a := range agents {
		tabsByAgent[a.ID] = append([]*Tab(nil), a.tabs...)
	}
	r.mu.Unlock()

	// Ask every PTY to wind down.
	for _, a := range agents {
		for _, tab := range tabsByAgent[a.ID] {
			tab.Session.Interrupt()
		}
	}

	grace, cancelGrace := context.WithTimeout(ctx, shutdownGrace)
	defer cancelGrace()
	for _, a := range agents {
		for _, tab := range tabsByAgent[a.ID] {
			select {
			case <-tab.Session.Done():
			case <-grace.Done():
				tab.Session.Stop()
			}
		}
	}

	// Drain pending output, then persist scrollback tails.
	var records []store.PersistedAgent
	for _, a := range agents {
		tabs := tabsByAgent[a.ID]
		for _, tab := range tabs {
			tab.Buffer.Close()
		}
		scrollback := ""
		if len(tabs) > 0 {
			scrollback = tabs[0].Buffer.Tail(persistedScrollback)
		}
		records = append(records, persistedRecord(a, scrollback))
	}
	r.store.SaveAgents(records)

	slog.Info("registry shut down", "agents", len(agents))
}

func (r *Registry) addTab(agent *Agent, name string) *Tab {
	tab := &Tab{
		ID:     id.Generate(),
		Name:   name,
		status: StatusIdle,
	}
	tab.Buffer = buffer.New(buffer.Options{AgentID: agent.ID, TabID: tab.ID}, r.bus)
	tab.Session = session.New(session.Options{
		AgentName: agent.Name,
		TabName:   name,
		WorkDir:   agent.WorkDir,
		Buffer:    tab.Buffer,
		LogSpec:   r.logSpec,
		OnExit: func() {
			r.handleTabExit(agent.ID, tab)
		},
	})

	r.mu.Lock()
	agent.tabs = append(agent.tabs, tab)
	r.mu.Unlock()
	return tab
}

// handleTabExit marks a tab stopped after its PTY exits and republishes
// statuses.
func (r *Registry) handleTabExit(agentID string, tab *Tab) {
	r.setTabStatus(agentID, tab, StatusStopped)
}

func (r *Registry) setTabStatus(agentID string, tab *Tab, st Status) {
	r.mu.Lock()
	tab.status = st
	agent, ok := r.agents[agentID]
	var agentStatus Status
	if ok {
		agentStatus = reduceStatus(agent.tabs)
	}
	r.mu.Unlock()

	summary := event.TabSummary{ID: tab.ID, Name: tab.Name, Status: string(st)}
	r.bus.Publish(event.Event{
		Type:    event.TypeTabStatus,
		AgentID: agentID,
		TabID:   tab.ID,
		Status:  string(st),
		Tab:     &summary,
	})
	if ok {
		r.bus.Publish(event.Event{
			Type:    event.TypeAgentStatus,
			AgentID: agentID,
			Status:  string(agentStatus),
		})
	}
}

func (r *Registry) publishAgentsUpdated() {
	r.bus.Publish(event.Event{
		Type:   event.TypeAgentsUpdated,
		Agents: r.Summaries(),
	})
}

func agentTabs(agent *Agent) []*Tab {
	if agent == nil {
		return nil
	}
	return agent.tabs
}

func reduceStatus(tabs []*Tab) Status {
	anyStopped := false
	for _, tab := range tabs {
		switch tab.status {
		case StatusRunning:
			return StatusRunning
		case StatusStopped:
			anyStopped = true
		}
	}
	if anyStopped {
		return StatusStopped
	}
	return StatusIdle
}

func summarizeLocked(agent *Agent) event.AgentSummary {
	tabs := make([]event.TabSummary, 0, len(agent.tabs))
	for _, tab := range agent.tabs {
		tabs = append(tabs, event.TabSummary{
			ID:     tab.ID,
			Name:   tab.Name,
			Status: string(tab.status),
		})
	}
	return event.AgentSummary{
		ID:         agent.ID,
		Name:       agent.Name,
		SourceRepo: agent.SourceRepo,
		WorkDir:    agent.WorkDir,
		Branch:     agent.Branch,
		CreatedAt:  agent.CreatedAt,
		Status:     string(reduceStatus(agent.tabs)),
		Tabs:       tabs,
	}
}

func persistedRecord(agent *Agent, scrollback string) store.PersistedAgent {
	return store.PersistedAgent{
		ID:           agent.ID,
		Name:         agent.Name,
		SourceRepo:   agent.SourceRepo,
		WorkDir:      agent.WorkDir,
		Branch:       agent.Branch,
		CreatedAt:    agent.CreatedAt,
		OutputBuffer: scrollback,
	}
}
