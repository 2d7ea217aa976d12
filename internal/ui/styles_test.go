package ui

import (
	"strings"
	"testing"
)

func TestRender_PlainWithoutColor(t *testing.T) {
	UseColors(false)
	t.Cleanup(func() { UseColors(false) })

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"accent", RenderAccent("x"), "x"},
		{"pass", PassLine("synced 10 users"), "✓ synced 10 users"},
		{"warn", WarnLine("cache is stale"), "⚠ cache is stale"},
		{"fail", FailLine("Network error"), "✗ Network error"},
		{"muted", RenderMuted("id 1"), "id 1"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s: got %q, want %q", tt.name, tt.got, tt.want)
		}
	}
}

func TestRender_ColorAddsEscapes(t *testing.T) {
	UseColors(true)
	t.Cleanup(func() { UseColors(false) })

	out := RenderFail("boom")
	if !strings.Contains(out, "\x1b[") || !strings.Contains(out, "boom") {
		t.Errorf("RenderFail() = %q, want ANSI-styled text", out)
	}
}
