// Package ingest terminates inbound platform webhooks, verifies
// authenticity, and translates the platform's wire schema into the
// normalized inbound event vocabulary the dispatcher consumes.
package ingest

// Kind enumerates the normalized inbound event vocabulary.
type Kind string

const (
	KindIssueAssigned        Kind = "IssueAssigned"
	KindNewComment           Kind = "NewComment"
	KindCommentMention       Kind = "CommentMention"
	KindAgentSessionCreated  Kind = "AgentSessionCreated"
	KindAgentSessionPrompted Kind = "AgentSessionPrompted"
)

// Signal is an optional control directive carried by AgentSessionPrompted.
type Signal string

const (
	SignalNone     Signal = ""
	SignalContinue Signal = "continue"
	SignalStop     Signal = "stop"
	SignalSelect   Signal = "select"
	SignalAuth     Signal = "auth"
)

// Event is the normalized inbound event: platform identifiers, actor
// identity, target work item, and (for session events) the owning
// platform session id.
type Event struct {
	Kind Kind `json:"kind"`

	WorkItemID       string `json:"workItemId"`
	TeamKey          string `json:"teamKey"`
	ConversationID   string `json:"conversationId"`
	ActorHandle      string `json:"actorHandle"`
	PlatformSessionID string `json:"platformSessionId"`

	// PromptBody is the comment/mention/prompt text that triggered this
	// event, used by the Prompt Builder to resolve {{comment.body}}.
	PromptBody string `json:"promptBody,omitempty"`

	// Signal is only meaningful on AgentSessionPrompted.
	Signal Signal `json:"signal,omitempty"`
}
