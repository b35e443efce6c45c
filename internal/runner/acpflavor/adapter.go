// Package acpflavor adapts agents speaking the Agent Client Protocol
// (github.com/coder/acp-go-sdk) to the normalized runner event vocabulary.
// Unlike the Claude Code and Codex flavors, ACP is bidirectional: the agent
// calls back into the client for permission decisions and file I/O, so this
// adapter also implements acp.Client.
package acpflavor

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/coder/acp-go-sdk"
	"go.uber.org/zap"

	"github.com/edgeworker/edgeworker/internal/common/logger"
	"github.com/edgeworker/edgeworker/internal/domain"
	"github.com/edgeworker/edgeworker/internal/runner"
)

// StopGrace is the bounded wait before escalating Stop to a forceful kill.
const StopGrace = 5 * time.Second

// clientName identifies this worker to ACP agents during the handshake.
const clientName = "edge-worker"

// PermissionOption is the normalized, SDK-agnostic shape of one choice
// offered by an ACP permission request.
type PermissionOption struct {
	OptionID string
	Name     string
	Kind     string
}

// PermissionDecision resolves a pending permission request: either a chosen
// option, or Cancelled to deny it.
type PermissionDecision struct {
	OptionID  string
	Cancelled bool
}

// PermissionHandler forwards a permission request to an external
// human-in-the-loop surface (e.g. the platform, via an elicitation activity
// and a reply event) and resolves once a decision is available.
type PermissionHandler func(ctx context.Context, sessionID string, options []PermissionOption) (PermissionDecision, error)

// Adapter runs one ACP agent subprocess for the lifetime of a session,
// wrapping acp.ClientSideConnection directly and translating both directions
// of the protocol: outbound prompts and inbound session-update callbacks.
type Adapter struct {
	log *logger.Logger

	mu        sync.Mutex
	cmd       *exec.Cmd
	conn      *acp.ClientSideConnection
	sessionID acp.SessionId
	stopped   bool
	resumable bool

	onEvent           runner.OnEvent
	permissionHandler PermissionHandler
}

// New constructs an ACP flavor Adapter.
func New(log *logger.Logger) *Adapter {
	return &Adapter{log: log.WithFields(zap.String("flavor", "acp"))}
}

// SetPermissionHandler installs a handler that permission requests are
// forwarded to. Nil (the default) means every request is auto-approved.
func (a *Adapter) SetPermissionHandler(h PermissionHandler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.permissionHandler = h
}

// Capabilities reports ACP's streaming-input support; Resumable depends on
// the connected agent's advertised LoadSession capability and is only known
// accurately after Start has run the handshake once.
func (a *Adapter) Capabilities() runner.Capabilities {
	a.mu.Lock()
	defer a.mu.Unlock()
	return runner.Capabilities{JSONStream: true, SupportsStreamingInput: true, Resumable: a.resumable}
}

// Start spawns the configured ACP agent binary, performs the ACP handshake,
// creates a session, sends the initial prompt, and normalizes every
// session-update notification into the runner.Event vocabulary.
func (a *Adapter) Start(ctx context.Context, prompt string, launch runner.LaunchContext, onEvent runner.OnEvent) error {
	bin := launch.BinaryPath
	if bin == "" {
		return fmt.Errorf("%w: acp flavor requires an explicit binary path", domain.ErrSpawnFailed)
	}

	cmd := exec.CommandContext(ctx, bin, launch.ExtraArgs...)
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

	a.mu.Lock()
	a.cmd = cmd
	a.onEvent = onEvent
	a.mu.Unlock()

	conn := acp.NewClientSideConnection(a, stdin, stdout)
	a.mu.Lock()
	a.conn = conn
	a.mu.Unlock()

	initResp, err := conn.Initialize(ctx, acp.InitializeRequest{
		ProtocolVersion: acp.ProtocolVersionNumber,
		ClientInfo:      &acp.Implementation{Name: clientName, Version: "1.0.0"},
	})
	if err != nil {
		return fmt.Errorf("%w: acp initialize: %v", domain.ErrSpawnFailed, err)
	}
	a.mu.Lock()
	a.resumable = initResp.AgentCapabilities.LoadSession
	a.mu.Unlock()

	sessResp, err := conn.NewSession(ctx, acp.NewSessionRequest{
		Cwd:        launch.Workspace,
		McpServers: []acp.McpServer{},
	})
	if err != nil {
		return fmt.Errorf("%w: acp new session: %v", domain.ErrSpawnFailed, err)
	}
	a.mu.Lock()
	a.sessionID = sessResp.SessionId
	a.mu.Unlock()

	onEvent(runner.Event{Kind: runner.EventInit, RunnerSessionID: string(sessResp.SessionId), Model: launch.Model})

	promptErrCh := make(chan error, 1)
	go func() {
		_, err := conn.Prompt(ctx, acp.PromptRequest{
			SessionId: sessResp.SessionId,
			Prompt:    []acp.ContentBlock{acp.TextBlock(prompt)},
		})
		promptErrCh <- err
	}()

	var promptErr error
	select {
	case promptErr = <-promptErrCh:
	case <-ctx.Done():
		promptErr = ctx.Err()
	}

	a.mu.Lock()
	stopped := a.stopped
	a.mu.Unlock()

	if stopped {
		onEvent(runner.Event{Kind: runner.EventExit, Code: 0})
		_ = a.killProcess()
		return domain.ErrCancelled
	}

	if promptErr != nil {
		onEvent(runner.Event{Kind: runner.EventError, Message: promptErr.Error()})
		onEvent(runner.Event{Kind: runner.EventExit, Code: -1})
		_ = a.killProcess()
		return fmt.Errorf("%w: acp prompt: %v", domain.ErrNonZeroExit, promptErr)
	}

	onEvent(runner.Event{Kind: runner.EventExit, Code: 0})
	return a.killProcess()
}

func (a *Adapter) killProcess() error {
	a.mu.Lock()
	cmd := a.cmd
	a.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}

// Stop cancels the in-flight turn, then kills the process after StopGrace if
// it has not exited on its own.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return nil
	}
	a.stopped = true
	conn := a.conn
	sessionID := a.sessionID
	cmd := a.cmd
	a.mu.Unlock()

	if conn != nil && sessionID != "" {
		_ = conn.Cancel(ctx, acp.CancelNotification{SessionId: sessionID})
	}

	if cmd == nil || cmd.Process == nil {
		return nil
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

// AddStreamMessage injects a follow-up user turn via a second acp.Prompt call
// on the same session, since ACP sessions persist across turns.
func (a *Adapter) AddStreamMessage(text string) error {
	a.mu.Lock()
	conn := a.conn
	sessionID := a.sessionID
	onEvent := a.onEvent
	a.mu.Unlock()

	if conn == nil || sessionID == "" {
		return domain.ErrNotStreaming
	}

	go func() {
		_, err := conn.Prompt(context.Background(), acp.PromptRequest{
			SessionId: sessionID,
			Prompt:    []acp.ContentBlock{acp.TextBlock(text)},
		})
		if err != nil && onEvent != nil {
			onEvent(runner.Event{Kind: runner.EventError, Message: err.Error(), Recoverable: true})
		}
	}()
	return nil
}

// SessionUpdate implements acp.Client, translating every notification from
// the agent into the normalized runner event vocabulary.
func (a *Adapter) SessionUpdate(ctx context.Context, n acp.SessionNotification) error {
	a.mu.Lock()
	onEvent := a.onEvent
	a.mu.Unlock()
	if onEvent == nil {
		return nil
	}

	u := n.Update
	switch {
	case u.AgentMessageChunk != nil && u.AgentMessageChunk.Content.Text != nil:
		onEvent(runner.Event{Kind: runner.EventThought, Text: u.AgentMessageChunk.Content.Text.Text})

	case u.AgentThoughtChunk != nil && u.AgentThoughtChunk.Content.Text != nil:
		onEvent(runner.Event{Kind: runner.EventThought, Text: u.AgentThoughtChunk.Content.Text.Text})

	case u.ToolCall != nil:
		onEvent(runner.Event{Kind: runner.EventAction, Name: string(u.ToolCall.Kind), Detail: toolCallDetail(u.ToolCall)})

	case u.ToolCallUpdate != nil:
		status := ""
		if u.ToolCallUpdate.Status != nil {
			status = string(*u.ToolCallUpdate.Status)
		}
		if status == "completed" || status == "error" {
			onEvent(runner.Event{
				Kind:    runner.EventToolResult,
				Name:    string(u.ToolCallUpdate.ToolCallId),
				Output:  fmt.Sprintf("%v", u.ToolCallUpdate.RawOutput),
				IsError: status == "error",
			})
		}

	case u.Plan != nil:
		onEvent(runner.Event{Kind: runner.EventAction, Name: "plan", Detail: planDetail(u.Plan)})
	}

	return nil
}

func toolCallDetail(tc *acp.ToolCallStart) string {
	if len(tc.Locations) > 0 {
		return tc.Locations[0].Path
	}
	return tc.Title
}

func planDetail(p *acp.Plan) string {
	if len(p.Entries) == 0 {
		return ""
	}
	return fmt.Sprintf("%d step(s), first: %s", len(p.Entries), p.Entries[0].Content)
}

// RequestPermission implements acp.Client. It surfaces the request as an
// elicitation (pausing the session in awaiting-input) and forwards it to the
// installed PermissionHandler if one is set; with no handler installed it
// falls back to auto-approving the first allow-* option, or the first
// option of any kind.
func (a *Adapter) RequestPermission(ctx context.Context, p acp.RequestPermissionRequest) (acp.RequestPermissionResponse, error) {
	if len(p.Options) == 0 {
		return acp.RequestPermissionResponse{Outcome: acp.RequestPermissionOutcome{Cancelled: &acp.RequestPermissionOutcomeCancelled{}}}, nil
	}

	a.mu.Lock()
	onEvent := a.onEvent
	handler := a.permissionHandler
	sessionID := a.sessionID
	a.mu.Unlock()

	if onEvent != nil {
		onEvent(runner.Event{Kind: runner.EventElicitation, Name: "permission_request", Detail: describePermissionOptions(p.Options)})
	}

	if handler != nil {
		return a.forwardPermissionRequest(ctx, handler, string(sessionID), p.Options)
	}

	return a.autoApprovePermission(p.Options)
}

// forwardPermissionRequest hands the request to the external handler,
// denying it if the handler errors or the human cancels.
func (a *Adapter) forwardPermissionRequest(ctx context.Context, handler PermissionHandler, sessionID string, opts []acp.PermissionOption) (acp.RequestPermissionResponse, error) {
	normalized := make([]PermissionOption, len(opts))
	for i, opt := range opts {
		normalized[i] = PermissionOption{OptionID: string(opt.OptionId), Name: opt.Name, Kind: string(opt.Kind)}
	}

	decision, err := handler(ctx, sessionID, normalized)
	if err != nil || decision.Cancelled {
		a.log.Info("permission request denied", zap.Error(err))
		return acp.RequestPermissionResponse{Outcome: acp.RequestPermissionOutcome{Cancelled: &acp.RequestPermissionOutcomeCancelled{}}}, nil
	}

	return acp.RequestPermissionResponse{
		Outcome: acp.RequestPermissionOutcome{
			Selected: &acp.RequestPermissionOutcomeSelected{OptionId: acp.PermissionOptionId(decision.OptionID)},
		},
	}, nil
}

// autoApprovePermission picks the first allow-* option, or the first option
// of any kind if none allows outright.
func (a *Adapter) autoApprovePermission(opts []acp.PermissionOption) (acp.RequestPermissionResponse, error) {
	selected := opts[0]
	for _, opt := range opts {
		if opt.Kind == acp.PermissionOptionKindAllowOnce || opt.Kind == acp.PermissionOptionKindAllowAlways {
			selected = opt
			break
		}
	}

	a.log.Debug("auto-approving acp permission request", zap.String("option_id", string(selected.OptionId)))
	return acp.RequestPermissionResponse{
		Outcome: acp.RequestPermissionOutcome{
			Selected: &acp.RequestPermissionOutcomeSelected{OptionId: selected.OptionId},
		},
	}, nil
}

// describePermissionOptions renders the offered options into the elicitation
// activity's detail text.
func describePermissionOptions(opts []acp.PermissionOption) string {
	var b strings.Builder
	for i, opt := range opts {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(opt.Name)
		b.WriteString(" (")
		b.WriteString(string(opt.Kind))
		b.WriteString(")")
	}
	return b.String()
}

// ReadTextFile implements acp.Client. Not supported: it always returns an
// error, and agents read files through their own filesystem access.
func (a *Adapter) ReadTextFile(ctx context.Context, p acp.ReadTextFileRequest) (acp.ReadTextFileResponse, error) {
	return acp.ReadTextFileResponse{}, fmt.Errorf("acpflavor: read_text_file not supported, agent should use its own filesystem access")
}

// WriteTextFile implements acp.Client. Not supported: agents in this worker
// write through their own tool surface, not the ACP client callback.
func (a *Adapter) WriteTextFile(ctx context.Context, p acp.WriteTextFileRequest) (acp.WriteTextFileResponse, error) {
	return acp.WriteTextFileResponse{}, fmt.Errorf("acpflavor: write_text_file not supported, agent should use its own filesystem access")
}

// CreateTerminal implements acp.Client. Terminal delegation is not part of
// this worker's scope; agents that need shell access run it themselves.
func (a *Adapter) CreateTerminal(ctx context.Context, p acp.CreateTerminalRequest) (acp.CreateTerminalResponse, error) {
	return acp.CreateTerminalResponse{}, fmt.Errorf("acpflavor: create_terminal not supported")
}

func (a *Adapter) KillTerminalCommand(ctx context.Context, p acp.KillTerminalCommandRequest) (acp.KillTerminalCommandResponse, error) {
	return acp.KillTerminalCommandResponse{}, fmt.Errorf("acpflavor: terminal not supported")
}

func (a *Adapter) TerminalOutput(ctx context.Context, p acp.TerminalOutputRequest) (acp.TerminalOutputResponse, error) {
	return acp.TerminalOutputResponse{}, fmt.Errorf("acpflavor: terminal not supported")
}

func (a *Adapter) ReleaseTerminal(ctx context.Context, p acp.ReleaseTerminalRequest) (acp.ReleaseTerminalResponse, error) {
	return acp.ReleaseTerminalResponse{}, fmt.Errorf("acpflavor: terminal not supported")
}

func (a *Adapter) WaitForTerminalExit(ctx context.Context, p acp.WaitForTerminalExitRequest) (acp.WaitForTerminalExitResponse, error) {
	return acp.WaitForTerminalExitResponse{}, fmt.Errorf("acpflavor: terminal not supported")
}
