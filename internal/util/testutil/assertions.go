package testutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Timeout and polling interval shared by the Eventually helpers. PTY
// spawns and debounce timers settle well within this window.
const (
	waitFor = 5 * time.Second
	tick    = 10 * time.Millisecond
)

// AssertEventually polls condition until it holds or the shared timeout
// elapses.
func AssertEventually(t *testing.T, condition func() bool, msgAndArgs ...interface{}) bool {
	t.Helper()
	return assert.Eventually(t, condition, waitFor, tick, msgAndArgs...)
}

// RequireEventually is AssertEventually but fails the test immediately.
func RequireEventually(t *testing.T, condition func() bool, msgAndArgs ...interface{}) {
	t.Helper()
	require.Eventually(t, condition, waitFor, tick, msgAndArgs...)
}
