package registry

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ength/aiagent-console/internal/bus"
	"github.com/ength/aiagent-console/internal/control"
	"github.com/ength/aiagent-console/internal/event"
	"github.com/ength/aiagent-console/internal/store"
	"github.com/ength/aiagent-console/internal/util/testutil"
)

// stubTrees satisfies WorktreeManager without touching git.
type stubTrees struct {
	baseDir string

	mu      sync.Mutex
	removed []string
}

func (s *stubTrees) Create(sourceRepo, agentID, branchName string) (string, string, error) {
	return s.baseDir, branchName, nil
}

func (s *stubTrees) Remove(sourceRepo, agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removed = append(s.removed, agentID)
}

type fixture struct {
	reg   *Registry
	bus   *bus.Bus
	store *store.Store
	trees *stubTrees
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	t.Setenv("SHELL", "/bin/sh")

	b := bus.New()
	st := store.New(filepath.Join(t.TempDir(), store.FileName))
	trees := &stubTrees{baseDir: t.TempDir()}
	reg := New(Options{
		Bus:     b,
		Store:   st,
		Control: control.New(b),
		Trees:   trees,
	})
	return &fixture{reg: reg, bus: b, store: st, trees: trees}
}

func TestCreate_RegistersAgentWithDefaultTab(t *testing.T) {
	f := newFixture(t)

	agent, err := f.reg.Create("my agent", "/src/repo")
	require.NoError(t, err)
	assert.NotEmpty(t, agent.ID)
	assert.Equal(t, "my agent", agent.Name)
	assert.True(t, strings.HasPrefix(agent.Branch, "agent/"))

	tab, err := f.reg.Tab(agent.ID, "")
	require.NoError(t, err)
	assert.Equal(t, "Terminal", tab.Name)

	// The agent starts idle.
	assert.Equal(t, StatusIdle, f.reg.AgentStatus(agent.ID))

	// Creation is persisted for restart recovery.
	saved := f.store.Agents()
	require.Len(t, saved, 1)
	assert.Equal(t, agent.ID, saved[0].ID)

	// The source repo lands on the recent list.
	assert.Equal(t, []string{"/src/repo"}, f.store.RecentRepos())
}

func TestCreateTab_AutoNames(t *testing.T) {
	f := newFixture(t)
	agent, err := f.reg.Create("a", "/src/repo")
	require.NoError(t, err)

	t2, err := f.reg.CreateTab(agent.ID, "")
	require.NoError(t, err)
	assert.Equal(t, "Terminal 2", t2.Name)

	t3, err := f.reg.CreateTab(agent.ID, "")
	require.NoError(t, err)
	assert.Equal(t, "Terminal 3", t3.Name)

	named, err := f.reg.CreateTab(agent.ID, "build")
	require.NoError(t, err)
	assert.Equal(t, "build", named.Name)

	sum, err := f.reg.Summary(agent.ID)
	require.NoError(t, err)
	assert.Len(t, sum.Tabs, 4)
}

func TestCreateTab_UnknownAgent(t *testing.T) {
	f := newFixture(t)
	_, err := f.reg.CreateTab("nope", "")
	assert.ErrorIs(t, err, ErrAgentNotFound)
}

func TestCloseTab_RemovesAndPublishes(t *testing.T) {
	f := newFixture(t)
	agent, err := f.reg.Create("a", "/src/repo")
	require.NoError(t, err)
	tab, err := f.reg.CreateTab(agent.ID, "extra")
	require.NoError(t, err)

	var mu sync.Mutex
	var closed []string
	f.bus.Subscribe("watch", func(ev event.Event) {
		if ev.Type == event.TypeTabClosed {
			mu.Lock()
			closed = append(closed, ev.TabID)
			mu.Unlock()
		}
	})

	require.NoError(t, f.reg.CloseTab(agent.ID, tab.ID))

	_, err = f.reg.Tab(agent.ID, tab.ID)
	assert.ErrorIs(t, err, ErrTabNotFound)

	testutil.RequireEventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(closed) == 1 && closed[0] == tab.ID
	}, "expected a tab-closed publication")

	assert.ErrorIs(t, f.reg.CloseTab(agent.ID, "missing"), ErrTabNotFound)
}

func TestStartStopTab_StatusReduction(t *testing.T) {
	f := newFixture(t)
	agent, err := f.reg.Create("a", "/src/repo")
	require.NoError(t, err)
	tab, err := f.reg.Tab(agent.ID, "")
	require.NoError(t, err)

	require.NoError(t, f.reg.StartTab(agent.ID, tab.ID, 80, 24))
	assert.Equal(t, StatusRunning, f.reg.AgentStatus(agent.ID))

	// Idempotent start.
	require.NoError(t, f.reg.StartTab(agent.ID, tab.ID, 80, 24))

	require.NoError(t, f.reg.StopTab(agent.ID, tab.ID))
	testutil.RequireEventually(t, func() bool {
		return f.reg.AgentStatus(agent.ID) == StatusStopped
	}, "expected agent status to reduce to stopped after PTY exit")
}

func TestDelete_CleansUp(t *testing.T) {
	f := newFixture(t)
	agent, err := f.reg.Create("a", "/src/repo")
	require.NoError(t, err)

	require.NoError(t, f.reg.Delete(agent.ID))

	_, ok := f.reg.Get(agent.ID)
	assert.False(t, ok)
	assert.Empty(t, f.store.Agents())

	f.trees.mu.Lock()
	removed := append([]string(nil), f.trees.removed...)
	f.trees.mu.Unlock()
	assert.Equal(t, []string{agent.ID}, removed)

	assert.ErrorIs(t, f.reg.Delete(agent.ID), ErrAgentNotFound)
}

func TestList_InsertionOrder(t *testing.T) {
	f := newFixture(t)

	a1, err := f.reg.Create("first", "/src/r1")
	require.NoError(t, err)
	a2, err := f.reg.Create("second", "/src/r2")
	require.NoError(t, err)

	list := f.reg.List()
	require.Len(t, list, 2)
	assert.Equal(t, a1.ID, list[0].ID)
	assert.Equal(t, a2.ID, list[1].ID)
}

func TestRestore_SeedsFirstTab(t *testing.T) {
	f := newFixture(t)
	existingDir := t.TempDir()

	f.store.SaveAgents([]store.PersistedAgent{
		{ID: "keep", Name: "kept", SourceRepo: "/src/r", WorkDir: existingDir, Branch: "agent/keep", CreatedAt: 1, OutputBuffer: "old scrollback"},
		{ID: "drop", Name: "gone", SourceRepo: "/src/r", WorkDir: filepath.Join(existingDir, "missing"), Branch: "agent/drop", CreatedAt: 2},
	})

	f.reg.Restore()

	agent, ok := f.reg.Get("keep")
	require.True(t, ok)
	assert.Equal(t, "kept", agent.Name)

	_, ok = f.reg.Get("drop")
	assert.False(t, ok)

	// The restored tab replays the saved scrollback at seq 0 and
	// continues numbering at 1.
	tab, err := f.reg.Tab("keep", "")
	require.NoError(t, err)
	chunks, lastSeq := tab.Buffer.Snapshot(0)
	require.Len(t, chunks, 1)
	assert.Equal(t, int64(0), chunks[0].Seq)
	assert.Equal(t, "old scrollback", chunks[0].Data)
	assert.Equal(t, int64(0), lastSeq)

	// The stale record is gone from the persistence file.
	saved := f.store.Agents()
	require.Len(t, saved, 1)
	assert.Equal(t, "keep", saved[0].ID)
}

func TestShutdown_PersistsScrollbackTail(t *testing.T) {
	f := newFixture(t)
	agent, err := f.reg.Create("a", "/src/repo")
	require.NoError(t, err)

	tab, err := f.reg.Tab(agent.ID, "")
	require.NoError(t, err)
	tab.Buffer.Append([]byte("observed output"))

	f.reg.Shutdown(context.Background())

	saved := f.store.Agents()
	require.Len(t, saved, 1)
	assert.Equal(t, "observed output", saved[0].OutputBuffer)

	// pendingData has been drained into a chunk.
	st := tab.Buffer.Stats()
	assert.Equal(t, 1, st.ChunkCount)
}

func TestSummaries_Snapshot(t *testing.T) {
	f := newFixture(t)
	agent, err := f.reg.Create("summary", "/src/repo")
	require.NoError(t, err)

	sums := f.reg.Summaries()
	require.Len(t, sums, 1)
	assert.Equal(t, agent.ID, sums[0].ID)
	assert.Equal(t, string(StatusIdle), sums[0].Status)
	require.Len(t, sums[0].Tabs, 1)
	assert.Equal(t, "Terminal", sums[0].Tabs[0].Name)
}
