// Package runner defines the uniform streaming interface over heterogeneous
// agent-CLI subprocesses (the Runner Adapter), the normalized event
// vocabulary every flavor translates into, and a registry mapping flavor to
// adapter factory.
package runner

import (
	"context"

	"github.com/edgeworker/edgeworker/internal/domain"
)

// EventKind enumerates the normalized runner event vocabulary — the
// invariant wire format inside the core that every flavor adapter
// translates its own dialect into.
type EventKind string

const (
	EventInit        EventKind = "init"
	EventThought     EventKind = "thought"
	EventAction      EventKind = "action"
	EventToolResult  EventKind = "toolResult"
	EventElicitation EventKind = "elicitation"
	EventFinal       EventKind = "final"
	EventError       EventKind = "error"
	EventExit        EventKind = "exit"
)

// Event is one normalized runner event, delivered to onEvent in arrival
// order on a single logical goroutine per adapter instance.
type Event struct {
	Kind EventKind

	// init
	RunnerSessionID string
	Model           string

	// thought / final
	Text string

	// action / elicitation
	Name   string
	Detail string

	// toolResult
	Output  string
	IsError bool

	// error
	Message     string
	Cause       string
	Recoverable bool

	// exit
	Code int
}

// LaunchContext carries everything an adapter needs to build its
// flavor-specific argv and working directory.
type LaunchContext struct {
	Workspace  string
	Model      string
	Permission domain.PermissionPolicy
	ExtraArgs  []string
	BinaryPath string
}

// Capabilities reports what an adapter instance supports.
type Capabilities struct {
	JSONStream             bool
	SupportsStreamingInput bool
	Resumable              bool
}

// OnEvent is invoked once per normalized event, in arrival order, never
// concurrently for the same adapter instance.
type OnEvent func(Event)

// Adapter is the uniform contract over one agent-CLI subprocess. Exactly one
// subprocess per adapter instance; the adapter spans its lifetime.
type Adapter interface {
	// Start spawns the subprocess and blocks, invoking onEvent for every
	// normalized event until the subprocess exits or Stop is called.
	Start(ctx context.Context, prompt string, launch LaunchContext, onEvent OnEvent) error

	// Stop sends a graceful termination signal, escalating to a forceful
	// kill after a bounded timeout. Idempotent.
	Stop(ctx context.Context) error

	// AddStreamMessage injects a user turn for flavors with streaming
	// stdin support. Returns domain.ErrNotStreaming otherwise.
	AddStreamMessage(text string) error

	Capabilities() Capabilities
}

// Factory constructs a fresh Adapter instance for one session.
type Factory func() Adapter

// Registry maps a RunnerFlavor to its adapter Factory.
type Registry struct {
	factories map[domain.RunnerFlavor]Factory
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[domain.RunnerFlavor]Factory)}
}

// Register associates a flavor with a Factory. Intended to be called once
// per flavor at startup.
func (r *Registry) Register(flavor domain.RunnerFlavor, factory Factory) {
	r.factories[flavor] = factory
}

// New constructs a fresh Adapter for the given flavor, or false if no
// factory was registered for it.
func (r *Registry) New(flavor domain.RunnerFlavor) (Adapter, bool) {
	factory, ok := r.factories[flavor]
	if !ok {
		return nil, false
	}
	return factory(), true
}
