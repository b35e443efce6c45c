package claudecodeflavor

import (
	"strings"
	"testing"

	"github.com/edgeworker/edgeworker/internal/activityfmt"
	"github.com/edgeworker/edgeworker/internal/common/logger"
	"github.com/edgeworker/edgeworker/internal/domain"
	"github.com/edgeworker/edgeworker/internal/runner"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	l, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	return l
}

func TestNormalizeToolUse_Bash(t *testing.T) {
	name, detail := normalizeToolUse("Bash", map[string]any{"command": "go test ./..."})
	if name != "Bash" || detail != "go test ./..." {
		t.Fatalf("normalizeToolUse(Bash) = (%q, %q)", name, detail)
	}
}

func TestNormalizeToolUse_Read(t *testing.T) {
	name, detail := normalizeToolUse("Read", map[string]any{"file_path": "main.go"})
	if name != "Read" || detail != "main.go" {
		t.Fatalf("normalizeToolUse(Read) = (%q, %q)", name, detail)
	}
}

// TestNormalizeToolUse_TodoWrite exercises the actual TodoWrite tool_use
// input shape the Claude Code CLI emits (a "todos" array of
// content/status/activeForm objects), not an already-normalized "todo_list"
// event — the prior gap was that this raw shape never got mapped to the
// todo_list action at all, so the checklist renderer never saw real data.
func TestNormalizeToolUse_TodoWrite(t *testing.T) {
	input := map[string]any{
		"todos": []any{
			map[string]any{"content": "write the failing test", "status": "completed", "activeForm": "Writing the failing test"},
			map[string]any{"content": "fix the bug", "status": "in_progress", "activeForm": "Fixing the bug"},
			map[string]any{"content": "clean up", "status": "pending", "activeForm": "Cleaning up"},
		},
	}

	name, detail := normalizeToolUse("TodoWrite", input)
	if name != "todo_list" {
		t.Fatalf("normalizeToolUse(TodoWrite) name = %q, want %q", name, "todo_list")
	}

	want := "completed\twrite the failing test\nin_progress\tfix the bug\npending\tclean up"
	if detail != want {
		t.Fatalf("normalizeToolUse(TodoWrite) detail = %q, want %q", detail, want)
	}

	ev := runner.Event{Kind: runner.EventAction, Name: name, Detail: detail}
	act := activityfmt.Format(ev)
	if act.Kind != domain.ActivityAction {
		t.Fatalf("expected an action activity, got %+v", act)
	}
	if !strings.Contains(act.Parameter, "✅") || !strings.Contains(act.Parameter, "write the failing test") {
		t.Fatalf("expected a rendered checklist entry, got %q", act.Parameter)
	}
	if !strings.Contains(act.Parameter, "🔄") || !strings.Contains(act.Parameter, "fix the bug") {
		t.Fatalf("expected the in-progress entry to render too, got %q", act.Parameter)
	}
}

// TestNormalizeToolUse_TodoWriteFallsBackToActiveForm covers the case where a
// todo has no "content" field, only "activeForm" — the formatter must still
// produce a usable checklist line rather than an empty one.
func TestNormalizeToolUse_TodoWriteFallsBackToActiveForm(t *testing.T) {
	input := map[string]any{
		"todos": []any{
			map[string]any{"status": "in_progress", "activeForm": "Fixing the bug"},
		},
	}
	_, detail := normalizeToolUse("TodoWrite", input)
	if detail != "in_progress\tFixing the bug" {
		t.Fatalf("formatTodoWrite fallback = %q", detail)
	}
}

func TestAdapter_Capabilities(t *testing.T) {
	a := New(newTestLogger(t))
	caps := a.Capabilities()
	if !caps.SupportsStreamingInput {
		t.Fatal("claude code adapter must advertise streaming input support")
	}
	if !caps.JSONStream || !caps.Resumable {
		t.Fatalf("unexpected capabilities: %+v", caps)
	}
}
