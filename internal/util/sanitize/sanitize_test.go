package sanitize

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestName(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		maxLen int
		want   string
	}{
		{"empty", "", 100, ""},
		{"normal", "bash", 100, "bash"},
		{"with control chars", "ba\x00sh\x07", 100, "bash"},
		{"truncate", "very long agent name", 8, "very lon"},
		{"trim whitespace", "  hello  ", 100, "hello"},
		{"unicode", "日本語タイトル", 100, "日本語タイトル"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Name(tt.input, tt.maxLen)
			assert.Equal(t, tt.want, got, "Name(%q, %d)", tt.input, tt.maxLen)
		})
	}
}

func TestPathComponent(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"empty", "", ""},
		{"absolute path", "/home/user/work", "home_user_work"},
		{"windows path", `C:\work\repo`, "C__work_repo"},
		{"relative", "a/b", "a_b"},
		{"no separators", "plain", "plain"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, PathComponent(tt.input), "PathComponent(%q)", tt.input)
		})
	}
}
