// Package claudecodeflavor adapts the Claude Code CLI's stream-json dialect
// (pkg/claudecode) to the normalized runner event vocabulary.
package claudecodeflavor

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/edgeworker/edgeworker/internal/common/logger"
	"github.com/edgeworker/edgeworker/internal/domain"
	"github.com/edgeworker/edgeworker/internal/runner"
	"github.com/edgeworker/edgeworker/pkg/claudecode"
)

// StopGrace is the bounded wait after a graceful-termination signal before
// escalating to a forceful kill.
const StopGrace = 5 * time.Second

// Adapter runs one Claude Code CLI subprocess for the lifetime of a session.
type Adapter struct {
	log *logger.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	client  *claudecode.Client
	stopped bool
}

// New constructs a Claude Code flavor Adapter.
func New(log *logger.Logger) *Adapter {
	return &Adapter{log: log.WithFields(zap.String("flavor", "claude-code"))}
}

// Capabilities reports Claude Code's streaming-stdin support.
func (a *Adapter) Capabilities() runner.Capabilities {
	return runner.Capabilities{JSONStream: true, SupportsStreamingInput: true, Resumable: true}
}

// Start spawns `claude --input-format stream-json --output-format stream-json`
// (plus policy flags), feeds the prompt as the first user message, and
// normalizes every CLIMessage into the runner.Event vocabulary.
func (a *Adapter) Start(ctx context.Context, prompt string, launch runner.LaunchContext, onEvent runner.OnEvent) error {
	bin := launch.BinaryPath
	if bin == "" {
		bin = "claude"
	}
	args := buildArgs(launch)
	args = append(args, launch.ExtraArgs...)

	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = launch.Workspace

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("%w: stdin pipe: %v", domain.ErrSpawnFailed, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("%w: stdout pipe: %v", domain.ErrSpawnFailed, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("%w: stderr pipe: %v", domain.ErrSpawnFailed, err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrSpawnFailed, err)
	}

	a.mu.Lock()
	a.cmd = cmd
	a.client = claudecode.NewClient(stdin, stdout, a.log)
	a.mu.Unlock()

	stderrTail := newTailBuffer(20)
	go drainStderr(stderr, stderrTail)

	var sawFinal bool
	var initSent bool
	var mu sync.Mutex

	a.client.SetMessageHandler(func(msg *claudecode.CLIMessage) {
		mu.Lock()
		defer mu.Unlock()

		switch msg.Type {
		case claudecode.MessageTypeSystem:
			if !initSent {
				initSent = true
				onEvent(runner.Event{Kind: runner.EventInit, RunnerSessionID: msg.SessionID, Model: launch.Model})
			}
		case claudecode.MessageTypeAssistant:
			if msg.Message == nil {
				return
			}
			if blocks := msg.Message.GetContentBlocks(); blocks != nil {
				for _, b := range blocks {
					switch b.Type {
					case "text":
						onEvent(runner.Event{Kind: runner.EventThought, Text: b.Text})
					case "thinking":
						onEvent(runner.Event{Kind: runner.EventThought, Text: b.Thinking})
					case "tool_use":
						name, detail := normalizeToolUse(b.Name, b.Input)
						onEvent(runner.Event{Kind: runner.EventAction, Name: name, Detail: detail})
					case "tool_result":
						onEvent(runner.Event{Kind: runner.EventToolResult, Name: b.ToolUseID, Output: b.Content, IsError: b.IsError})
					}
				}
			} else if text := msg.Message.GetContentString(); text != "" {
				onEvent(runner.Event{Kind: runner.EventThought, Text: text})
			}
		case claudecode.MessageTypeResult:
			sawFinal = true
			if data := msg.GetResultData(); data != nil {
				onEvent(runner.Event{Kind: runner.EventFinal, Text: data.Text})
			} else if s := msg.GetResultString(); s != "" {
				onEvent(runner.Event{Kind: runner.EventFinal, Text: s})
			} else {
				onEvent(runner.Event{Kind: runner.EventFinal, Text: ""})
			}
		}
	})

	ready := a.client.Start(ctx)
	<-ready

	if err := a.client.SendUserMessage(prompt); err != nil {
		return fmt.Errorf("%w: failed to send initial prompt: %v", domain.ErrSpawnFailed, err)
	}

	waitErr := cmd.Wait()
	a.client.Stop()

	a.mu.Lock()
	stopped := a.stopped
	a.mu.Unlock()

	exitCode := 0
	if waitErr != nil {
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}

	if stopped {
		onEvent(runner.Event{Kind: runner.EventExit, Code: exitCode})
		return domain.ErrCancelled
	}

	if exitCode != 0 {
		if !sawFinal {
			onEvent(runner.Event{Kind: runner.EventError, Message: "process exited unexpectedly", Cause: stderrTail.String()})
		}
		onEvent(runner.Event{Kind: runner.EventExit, Code: exitCode})
		return fmt.Errorf("%w: exit code %d", domain.ErrNonZeroExit, exitCode)
	}

	onEvent(runner.Event{Kind: runner.EventExit, Code: 0})
	return nil
}

// Stop sends an interrupt control request, then kills the process after
// StopGrace if it has not exited.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.stopped {
		return nil
	}
	a.stopped = true

	if a.cmd == nil || a.cmd.Process == nil {
		return nil
	}

	_ = a.client.SendControlRequest(&claudecode.SDKControlRequest{
		Type: claudecode.MessageTypeControlRequest,
		Request: claudecode.SDKControlRequestBody{
			Subtype: claudecode.SubtypeInterrupt,
		},
	})

	done := make(chan struct{})
	go func() {
		_, _ = a.cmd.Process.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(StopGrace):
		return a.cmd.Process.Kill()
	case <-ctx.Done():
		return a.cmd.Process.Kill()
	}
}

// AddStreamMessage injects a follow-up user turn on the live stdin stream.
func (a *Adapter) AddStreamMessage(text string) error {
	a.mu.Lock()
	client := a.client
	a.mu.Unlock()
	if client == nil {
		return domain.ErrNotStreaming
	}
	return client.SendUserMessage(text)
}

func buildArgs(launch runner.LaunchContext) []string {
	args := []string{
		"--input-format", "stream-json",
		"--output-format", "stream-json",
	}
	if launch.Model != "" {
		args = append(args, "--model", launch.Model)
	}
	if launch.Permission.ApprovalMode != "" {
		args = append(args, "--permission-mode", launch.Permission.ApprovalMode)
	}
	for _, tool := range launch.Permission.AllowedTools {
		args = append(args, "--allowedTools", tool)
	}
	for _, tool := range launch.Permission.DisallowedTools {
		args = append(args, "--disallowedTools", tool)
	}
	return args
}

// normalizeToolUse renders a tool_use content block's name and input into the
// normalized action event shape. TodoWrite is special-cased to the shared
// "todo_list" action name so activityfmt renders it as a checklist instead of
// a generic tool call.
func normalizeToolUse(name string, input map[string]any) (string, string) {
	if name == claudecode.ToolTodoWrite {
		return "todo_list", formatTodoWrite(input)
	}
	return name, formatToolUse(name, input)
}

// formatToolUse renders a tool_use content block to a compact display form.
func formatToolUse(name string, input map[string]any) string {
	switch name {
	case "Bash":
		if cmd, ok := input["command"].(string); ok {
			return cmd
		}
	case "Read", "Edit", "Write":
		if path, ok := input["file_path"].(string); ok {
			return path
		}
	case "Grep", "Glob":
		if pattern, ok := input["pattern"].(string); ok {
			if path, ok := input["path"].(string); ok && path != "" {
				return fmt.Sprintf("%s in %s", pattern, path)
			}
			return pattern
		}
	}
	var parts []string
	for k, v := range input {
		parts = append(parts, fmt.Sprintf("%s=%v", k, v))
	}
	return strings.Join(parts, " ")
}

// formatTodoWrite renders a TodoWrite tool call's "todos" array into the
// "status\ttext" per-line shape activityfmt.renderChecklist expects. Each
// todo carries "content" (the item text) and "status"; "activeForm" is used
// as a fallback label if "content" is absent.
func formatTodoWrite(input map[string]any) string {
	todos, _ := input["todos"].([]any)
	var b strings.Builder
	for i, t := range todos {
		todo, ok := t.(map[string]any)
		if !ok {
			continue
		}
		status, _ := todo["status"].(string)
		text, _ := todo["content"].(string)
		if text == "" {
			text, _ = todo["activeForm"].(string)
		}
		if i > 0 && b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(status)
		b.WriteString("\t")
		b.WriteString(text)
	}
	return b.String()
}

type tailBuffer struct {
	mu    sync.Mutex
	lines []string
	max   int
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (t *tailBuffer) add(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, line)
	if len(t.lines) > t.max {
		t.lines = t.lines[len(t.lines)-t.max:]
	}
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.Join(t.lines, "\n")
}

func drainStderr(r io.Reader, tail *tailBuffer) {
	buf := make([]byte, 4096)
	var partial strings.Builder
	for {
		n, err := r.Read(buf)
		if n > 0 {
			partial.Write(buf[:n])
			for {
				s := partial.String()
				idx := strings.IndexByte(s, '\n')
				if idx < 0 {
					break
				}
				tail.add(s[:idx])
				partial.Reset()
				partial.WriteString(s[idx+1:])
			}
		}
		if err != nil {
			if partial.Len() > 0 {
				tail.add(partial.String())
			}
			return
		}
	}
}
