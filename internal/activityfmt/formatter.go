// Package activityfmt transforms normalized runner events into platform
// activity payloads with a consistent visual vocabulary: fenced code blocks
// for recognized file extensions, stripped line-number prefixes on file
// reads, and checklist rendering for todo lists.
package activityfmt

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/edgeworker/edgeworker/internal/common/stringutil"
	"github.com/edgeworker/edgeworker/internal/domain"
	"github.com/edgeworker/edgeworker/internal/runner"
)

// maxOutputLen bounds how much of a tool's output is inlined into an
// activity body before being truncated with an ellipsis.
const maxOutputLen = 4000

// languageHints maps recognized file extensions to fenced-code-block
// language tags.
var languageHints = map[string]string{
	".go":   "go",
	".ts":   "typescript",
	".tsx":  "tsx",
	".js":   "javascript",
	".jsx":  "jsx",
	".py":   "python",
	".rs":   "rust",
	".rb":   "ruby",
	".java": "java",
	".sh":   "bash",
	".yaml": "yaml",
	".yml":  "yaml",
	".json": "json",
	".md":   "markdown",
}

var lineNumberPrefix = regexp.MustCompile(`(?m)^\s*\d+\s*[:|]\s?`)

// Format translates one normalized runner event into a domain.Activity.
// The caller is responsible for ordinal/timestamp assignment (done by the
// session store on append) and for the ephemeral flag.
func Format(ev runner.Event) domain.Activity {
	switch ev.Kind {
	case runner.EventThought:
		return domain.Activity{Kind: domain.ActivityThought, Body: ev.Text}

	case runner.EventAction:
		return domain.Activity{
			Kind:      domain.ActivityAction,
			Name:      "🛠️ " + ev.Name,
			Parameter: formatActionDetail(ev.Name, ev.Detail),
		}

	case runner.EventToolResult:
		if ev.IsError {
			return domain.Activity{Kind: domain.ActivityError, Body: fence("", ev.Output)}
		}
		return domain.Activity{
			Kind: domain.ActivityResponse,
			Body: fmt.Sprintf("%s result\n%s", ev.Name, stripLineNumbers(truncate(ev.Output))),
		}

	case runner.EventElicitation:
		return domain.Activity{Kind: domain.ActivityElicitation, Name: ev.Name, Parameter: ev.Detail}

	case runner.EventFinal:
		return domain.Activity{Kind: domain.ActivityResponse, Body: ev.Text}

	case runner.EventError:
		body := ev.Message
		if ev.Cause != "" {
			body = body + "\n" + fence("", ev.Cause)
		}
		return domain.Activity{Kind: domain.ActivityError, Body: body, Cause: ev.Cause, Recoverable: ev.Recoverable}

	default:
		return domain.Activity{Kind: domain.ActivityResponse, Body: ev.Text}
	}
}

// formatActionDetail renders a tool's argument/target detail, wrapping file
// contents in a language-hinted fenced code block when the detail looks
// like a path with a recognized extension, and rendering todo-list details
// as an emoji checklist.
func formatActionDetail(name, detail string) string {
	if strings.EqualFold(name, "todo_list") {
		return renderChecklist(detail)
	}
	if hint, ok := languageHints[strings.ToLower(filepath.Ext(detail))]; ok {
		return fence(hint, detail)
	}
	return detail
}

// fence wraps body in a fenced code block, using lang as the hint if given.
func fence(lang, body string) string {
	return "```" + lang + "\n" + truncate(body) + "\n```"
}

func truncate(s string) string {
	return stringutil.TruncateStringWithEllipsis(s, maxOutputLen)
}

// stripLineNumbers removes "NNN: " / "NNN| " style prefixes that file-read
// tools commonly emit, so the durable activity log reads as plain content.
func stripLineNumbers(s string) string {
	return lineNumberPrefix.ReplaceAllString(s, "")
}

// renderChecklist turns a newline-delimited list of "status\ttext" entries
// into an emoji checklist. Unrecognized statuses render as pending.
func renderChecklist(detail string) string {
	lines := strings.Split(detail, "\n")
	var b strings.Builder
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		status, text, found := strings.Cut(line, "\t")
		if !found {
			text = status
			status = "pending"
		}
		b.WriteString(checklistEmoji(status))
		b.WriteString(" ")
		b.WriteString(text)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func checklistEmoji(status string) string {
	switch strings.ToLower(status) {
	case "completed", "done", "complete":
		return "✅"
	case "in_progress", "active", "running":
		return "🔄"
	default:
		return "⏳"
	}
}
