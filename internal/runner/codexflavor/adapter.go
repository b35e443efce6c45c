// Package codexflavor adapts the Codex app-server JSON-RPC dialect
// (pkg/codex) to the normalized runner event vocabulary.
package codexflavor

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/edgeworker/edgeworker/internal/common/logger"
	"github.com/edgeworker/edgeworker/internal/domain"
	"github.com/edgeworker/edgeworker/internal/runner"
	"github.com/edgeworker/edgeworker/pkg/codex"
)

// StopGrace is the bounded wait before escalating Stop to a forceful kill.
const StopGrace = 5 * time.Second

// Adapter runs one Codex app-server subprocess for the lifetime of a session.
// Codex is item-based: the adapter only emits on item/completed, never on
// item/started, so unfinished items at exit produce no action activity.
type Adapter struct {
	log *logger.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	client  *codex.Client
	stopped bool
	threadID string
}

// New constructs a Codex flavor Adapter.
func New(log *logger.Logger) *Adapter {
	return &Adapter{log: log.WithFields(zap.String("flavor", "codex"))}
}

// Capabilities reports that Codex does not support mid-turn streaming input
// in this adapter; follow-ups always respawn.
func (a *Adapter) Capabilities() runner.Capabilities {
	return runner.Capabilities{JSONStream: true, SupportsStreamingInput: false, Resumable: true}
}

// Start spawns the configured codex binary in app-server mode, starts a
// thread, sends the initial turn, and normalizes notifications.
func (a *Adapter) Start(ctx context.Context, prompt string, launch runner.LaunchContext, onEvent runner.OnEvent) error {
	bin := launch.BinaryPath
	if bin == "" {
		bin = "codex"
	}
	args := append([]string{"app-server"}, launch.ExtraArgs...)

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

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrSpawnFailed, err)
	}

	client := codex.NewClient(stdin, stdout, a.log)
	a.mu.Lock()
	a.cmd = cmd
	a.client = client
	a.mu.Unlock()

	pendingItems := make(map[string]bool)
	var pendingMu sync.Mutex
	var sawFinal bool

	client.SetNotificationHandler(func(method string, params json.RawMessage) {
		switch method {
		case codex.NotifyThreadStarted:
			var p struct {
				Thread *codex.Thread `json:"thread"`
			}
			if err := json.Unmarshal(params, &p); err == nil && p.Thread != nil {
				a.mu.Lock()
				a.threadID = p.Thread.ID
				a.mu.Unlock()
				onEvent(runner.Event{Kind: runner.EventInit, RunnerSessionID: p.Thread.ID, Model: launch.Model})
			}
		case codex.NotifyItemStarted:
			var p codex.ItemStartedParams
			if err := json.Unmarshal(params, &p); err == nil && p.Item != nil {
				pendingMu.Lock()
				pendingItems[p.Item.ID] = true
				pendingMu.Unlock()
			}
		case codex.NotifyItemCompleted:
			var p codex.ItemCompletedParams
			if err := json.Unmarshal(params, &p); err != nil || p.Item == nil {
				return
			}
			pendingMu.Lock()
			delete(pendingItems, p.Item.ID)
			pendingMu.Unlock()
			ev, isFinal := translateItem(p.Item)
			if isFinal {
				sawFinal = true
			}
			onEvent(ev)
		case codex.NotifyTurnPlanUpdated:
			var p codex.TurnPlanUpdatedParams
			if err := json.Unmarshal(params, &p); err == nil {
				onEvent(runner.Event{Kind: runner.EventAction, Name: "todo_list", Detail: formatPlanEntries(p.Plan)})
			}
		case codex.NotifyTurnCompleted:
			var p codex.TurnCompletedParams
			if err := json.Unmarshal(params, &p); err == nil && !p.Success {
				onEvent(runner.Event{Kind: runner.EventError, Message: p.Error, Recoverable: true})
			}
		case codex.NotifyError:
			var p codex.ErrorParams
			if err := json.Unmarshal(params, &p); err == nil {
				onEvent(runner.Event{Kind: runner.EventError, Message: p.Message})
			}
		}
	})

	client.Start(ctx)

	startParams := codex.ThreadStartParams{
		Model:          launch.Model,
		Cwd:            launch.Workspace,
		ApprovalPolicy: launch.Permission.ApprovalMode,
		Sandbox:        launch.Permission.SandboxLevel,
	}
	threadResp, err := client.Call(ctx, codex.MethodThreadStart, startParams)
	if err != nil {
		return fmt.Errorf("%w: thread/start: %v", domain.ErrSpawnFailed, err)
	}
	if threadResp.Error != nil {
		return fmt.Errorf("%w: thread/start: %s", domain.ErrSpawnFailed, threadResp.Error.Message)
	}

	var startResult codex.ThreadStartResult
	if len(threadResp.Result) > 0 {
		_ = json.Unmarshal(threadResp.Result, &startResult)
	}
	threadID := a.currentThreadID()
	if threadID == "" && startResult.Thread != nil {
		threadID = startResult.Thread.ID
	}

	turnParams := codex.TurnStartParams{
		ThreadID: threadID,
		Input:    []codex.UserInput{{Type: "text", Text: prompt}},
	}
	if _, err := client.Call(ctx, codex.MethodTurnStart, turnParams); err != nil {
		return fmt.Errorf("%w: turn/start: %v", domain.ErrSpawnFailed, err)
	}

	waitErr := cmd.Wait()
	client.Stop()

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
			onEvent(runner.Event{Kind: runner.EventError, Message: "process exited unexpectedly"})
		}
		onEvent(runner.Event{Kind: runner.EventExit, Code: exitCode})
		return fmt.Errorf("%w: exit code %d", domain.ErrNonZeroExit, exitCode)
	}

	onEvent(runner.Event{Kind: runner.EventExit, Code: 0})
	return nil
}

func (a *Adapter) currentThreadID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.threadID
}

// Stop attempts turn/interrupt, then kills the process after StopGrace.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return nil
	}
	a.stopped = true
	cmd := a.cmd
	client := a.client
	threadID := a.threadID
	a.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}

	if client != nil && threadID != "" {
		_ = client.Notify(codex.MethodTurnInterrupt, map[string]string{"threadId": threadID})
	}

	done := make(chan struct{})
	go func() {
		_, _ = cmd.Process.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(StopGrace):
		return cmd.Process.Kill()
	case <-ctx.Done():
		return cmd.Process.Kill()
	}
}

// AddStreamMessage is unsupported for this flavor; follow-ups always respawn.
func (a *Adapter) AddStreamMessage(text string) error {
	return domain.ErrNotStreaming
}

// translateItem folds a completed Codex item into a normalized event,
// reporting whether it represents the turn's final answer. Todo-list/plan
// data does not arrive as an item at all — see the NotifyTurnPlanUpdated
// case in Start, which carries the actual PlanEntry data.
func translateItem(item *codex.Item) (runner.Event, bool) {
	switch item.Type {
	case "agent_message":
		return runner.Event{Kind: runner.EventFinal, Text: joinContentParts(item.Content)}, true
	case "reasoning":
		return runner.Event{Kind: runner.EventThought, Text: joinContentParts(item.Summary)}, false
	case "command_execution":
		detail := item.Command
		if item.ExitCode != nil && *item.ExitCode != 0 {
			return runner.Event{
				Kind:        runner.EventError,
				Message:     fmt.Sprintf("command exited %d: %s", *item.ExitCode, item.Command),
				Cause:       item.AggregatedOutput,
				Recoverable: true,
			}, false
		}
		return runner.Event{Kind: runner.EventAction, Name: "command_execution", Detail: detail}, false
	case "file_change":
		return runner.Event{Kind: runner.EventAction, Name: "file_change", Detail: formatFileChanges(item.Changes)}, false
	case "mcp_tool_call":
		return runner.Event{Kind: runner.EventAction, Name: "mcp_tool_call", Detail: item.Command}, false
	case "web_search":
		return runner.Event{Kind: runner.EventAction, Name: "web_search", Detail: item.Command}, false
	case "error":
		return runner.Event{Kind: runner.EventError, Message: joinContentParts(item.Content)}, false
	default:
		return runner.Event{Kind: runner.EventAction, Name: item.Type, Detail: item.Status}, false
	}
}

func joinContentParts(parts []codex.ContentPart) string {
	var b strings.Builder
	for _, p := range parts {
		b.WriteString(p.Text)
	}
	return b.String()
}

// formatPlanEntries renders Codex plan entries into the "status\ttext"
// per-line shape activityfmt.renderChecklist expects.
func formatPlanEntries(entries []codex.PlanEntry) string {
	var b strings.Builder
	for i, e := range entries {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(e.Status)
		b.WriteString("\t")
		b.WriteString(e.Description)
	}
	return b.String()
}

func formatFileChanges(changes []codex.FileChange) string {
	var b strings.Builder
	for i, c := range changes {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(c.Kind.Type)
		b.WriteString(": ")
		b.WriteString(c.Path)
	}
	return b.String()
}
