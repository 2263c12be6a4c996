package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return New(filepath.Join(t.TempDir(), FileName))
}

func TestStore_DefaultsWhenFileMissing(t *testing.T) {
	s := newTestStore(t)

	assert.Empty(t, s.RecentRepos())
	assert.Empty(t, s.Agents())

	ts := s.Terminal()
	assert.Equal(t, "monospace", ts.FontFamily)
	assert.Equal(t, 14, ts.FontSize)
}

func TestStore_DefaultsWhenFileCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))
	s := New(path)

	assert.Empty(t, s.RecentRepos())
	assert.Equal(t, "monospace", s.Terminal().FontFamily)
}

func TestStore_RecentReposLRU(t *testing.T) {
	s := newTestStore(t)

	s.AddRecentRepo("/r/a")
	s.AddRecentRepo("/r/b")
	s.AddRecentRepo("/r/c")
	assert.Equal(t, []string{"/r/c", "/r/b", "/r/a"}, s.RecentRepos())

	// Re-adding moves to the front without duplicating.
	s.AddRecentRepo("/r/a")
	assert.Equal(t, []string{"/r/a", "/r/c", "/r/b"}, s.RecentRepos())
}

func TestStore_RecentReposCapped(t *testing.T) {
	s := newTestStore(t)

	for i := 0; i < 15; i++ {
		s.AddRecentRepo(filepath.Join("/repos", string(rune('a'+i))))
	}

	repos := s.RecentRepos()
	assert.Len(t, repos, maxRecentRepos)
	assert.Equal(t, "/repos/o", repos[0], "newest entry stays at the front")
}

func TestStore_TerminalSettingsRoundTrip(t *testing.T) {
	s := newTestStore(t)

	s.SetTerminal(TerminalSettings{FontFamily: "Fira Code", FontSize: 16})
	ts := s.Terminal()
	assert.Equal(t, "Fira Code", ts.FontFamily)
	assert.Equal(t, 16, ts.FontSize)

	// Zero values leave the stored settings untouched.
	s.SetTerminal(TerminalSettings{FontSize: 18})
	ts = s.Terminal()
	assert.Equal(t, "Fira Code", ts.FontFamily)
	assert.Equal(t, 18, ts.FontSize)
}

func TestStore_CrossFieldUpdatesPreserved(t *testing.T) {
	s := newTestStore(t)

	s.AddRecentRepo("/r/a")
	s.SetTerminal(TerminalSettings{FontFamily: "Menlo", FontSize: 13})
	s.SaveAgents([]PersistedAgent{{ID: "ag1", Name: "one"}})

	// Every earlier write must survive the later ones.
	assert.Equal(t, []string{"/r/a"}, s.RecentRepos())
	assert.Equal(t, "Menlo", s.Terminal().FontFamily)
	require.Len(t, s.Agents(), 1)
	assert.Equal(t, "ag1", s.Agents()[0].ID)
}

func TestStore_AgentsUpsertAndRemove(t *testing.T) {
	s := newTestStore(t)

	s.UpsertAgent(PersistedAgent{ID: "ag1", Name: "one"})
	s.UpsertAgent(PersistedAgent{ID: "ag2", Name: "two", OutputBuffer: "scrollback"})
	require.Len(t, s.Agents(), 2)

	// Upsert with an existing id replaces in place.
	s.UpsertAgent(PersistedAgent{ID: "ag1", Name: "renamed"})
	agents := s.Agents()
	require.Len(t, agents, 2)
	assert.Equal(t, "renamed", agents[0].Name)
	assert.Equal(t, "scrollback", agents[1].OutputBuffer)

	s.RemoveAgent("ag1")
	agents = s.Agents()
	require.Len(t, agents, 1)
	assert.Equal(t, "ag2", agents[0].ID)

	// Removing an unknown id is a no-op.
	s.RemoveAgent("missing")
	assert.Len(t, s.Agents(), 1)
}
