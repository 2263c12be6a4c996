package id

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGenerate_Length(t *testing.T) {
	id := Generate()
	assert.Len(t, id, 12)
}

func TestGenerate_ValidCharacters(t *testing.T) {
	// Ids end up in worktree paths and log filenames, so they must
	// stay strictly alphanumeric.
	valid := regexp.MustCompile(`^[A-Za-z0-9]+$`)
	id := Generate()
	assert.True(t, valid.MatchString(id), "id contains invalid characters: %q", id)
}

func TestGenerate_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := Generate()
		assert.False(t, seen[id], "duplicate id: %q", id)
		seen[id] = true
	}
}
