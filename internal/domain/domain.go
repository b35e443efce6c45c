// Package domain holds the core data model shared by the session store,
// dispatcher, prompt builder, and persistence manager: work items,
// conversations, sessions, activities, and runner selection.
package domain

import "time"

// SessionStatus is the lifecycle state of a Session.
type SessionStatus string

const (
	StatusPending       SessionStatus = "pending"
	StatusActive        SessionStatus = "active"
	StatusAwaitingInput SessionStatus = "awaiting-input"
	StatusComplete      SessionStatus = "complete"
	StatusError         SessionStatus = "error"
)

// legalTransitions enumerates the allowed SessionStatus transitions.
var legalTransitions = map[SessionStatus]map[SessionStatus]bool{
	StatusPending:       {StatusActive: true, StatusAwaitingInput: true, StatusComplete: true, StatusError: true},
	StatusActive:        {StatusAwaitingInput: true, StatusComplete: true, StatusError: true},
	StatusAwaitingInput: {StatusActive: true, StatusComplete: true, StatusError: true},
	StatusComplete:      {},
	StatusError:         {},
}

// CanTransition reports whether moving from "from" to "to" is a legal
// Session lifecycle transition.
func CanTransition(from, to SessionStatus) bool {
	if from == to {
		return true
	}
	next, ok := legalTransitions[from]
	if !ok {
		return false
	}
	return next[to]
}

// RunnerFlavor identifies which agent CLI dialect a session's runner speaks.
type RunnerFlavor string

const (
	FlavorClaudeCode RunnerFlavor = "claude-code"
	FlavorCodex      RunnerFlavor = "codex"
	FlavorACP        RunnerFlavor = "acp"
)

// PermissionPolicy carries the flavor-agnostic permission/sandbox
// configuration that is translated into flavor-specific argv flags.
type PermissionPolicy struct {
	ApprovalMode    string   `json:"approvalMode"`
	SandboxLevel    string   `json:"sandboxLevel"`
	AllowedTools    []string `json:"allowedTools,omitempty"`
	DisallowedTools []string `json:"disallowedTools,omitempty"`
}

// RunnerSelection is the {flavor, model, permission policy} tuple chosen for
// a session by the Prompt Builder.
type RunnerSelection struct {
	Flavor     RunnerFlavor      `json:"flavor"`
	Model      string            `json:"model"`
	Permission PermissionPolicy  `json:"permission"`
}

// WorkItem is the platform's issue/ticket, used read-only by the core.
type WorkItem struct {
	ID          string   `json:"id"`
	Identifier  string   `json:"identifier"`
	TeamKey     string   `json:"teamKey"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	State       string   `json:"state"`
	Assignee    string   `json:"assignee,omitempty"`
	Labels      []string `json:"labels,omitempty"`
	Priority    int      `json:"priority,omitempty"`
}

// Conversation is a comment thread or issue-level conversation tied to a WorkItem.
type Conversation struct {
	ID         string `json:"id"`
	WorkItemID string `json:"workItemId"`
	Body       string `json:"body,omitempty"`
	ParentID   string `json:"parentId,omitempty"`
}

// ActivityKind enumerates the kinds of entries in a session's activity log.
type ActivityKind string

const (
	ActivityThought     ActivityKind = "thought"
	ActivityAction      ActivityKind = "action"
	ActivityResponse    ActivityKind = "response"
	ActivityError       ActivityKind = "error"
	ActivityElicitation ActivityKind = "elicitation"
)

// Activity is one durable, ordered entry in a session's activity log.
type Activity struct {
	SessionID string       `json:"sessionId"`
	Ordinal   int64        `json:"ordinal"`
	Timestamp time.Time    `json:"timestamp"`
	Kind      ActivityKind `json:"kind"`
	Body      string       `json:"body,omitempty"`
	Name      string       `json:"name,omitempty"`
	Parameter string       `json:"parameter,omitempty"`
	Result    string       `json:"result,omitempty"`
	Cause     string       `json:"cause,omitempty"`
	Recoverable bool       `json:"recoverable,omitempty"`
	Ephemeral bool         `json:"ephemeral,omitempty"`
}

// Session is the central entity: one agent engagement tied to one
// conversation on one work item, with at most one live runner subprocess.
type Session struct {
	ID             string          `json:"id"`
	WorkItemID     string          `json:"workItemId"`
	ConversationID string          `json:"conversationId"`
	RepositoryID   string          `json:"repositoryId"`
	Workspace      string          `json:"workspace"`
	Runner         RunnerSelection `json:"runner"`
	Status         SessionStatus   `json:"status"`
	StartedAt      time.Time       `json:"startedAt"`
	EndedAt        *time.Time      `json:"endedAt,omitempty"`
	Activities     []Activity      `json:"activities"`
	NextOrdinal    int64           `json:"nextOrdinal"`
	RunnerSessionID string         `json:"runnerSessionId,omitempty"`
	Finalized      bool            `json:"finalized"`
	// Prompt is retained so a non-streaming respawn can append a turn
	// separator and the new prompt body.
	Prompt string `json:"prompt,omitempty"`
}

// TrailingEphemeral returns the index of the trailing ephemeral activity, or
// -1 if the log has none or is empty.
func (s *Session) TrailingEphemeral() int {
	if len(s.Activities) == 0 {
		return -1
	}
	last := len(s.Activities) - 1
	if s.Activities[last].Ephemeral {
		return last
	}
	return -1
}

// ActiveWorkEntry is one entry in the persisted active-work map.
type ActiveWorkEntry struct {
	WorkItemID string    `json:"workItemId"`
	Workspace  string    `json:"workspacePath"`
	Flavor     RunnerFlavor `json:"runnerFlavor"`
	StartedAt  time.Time `json:"startedAt"`
}
