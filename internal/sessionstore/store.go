// Package sessionstore maintains every session's identity, status, and
// totally ordered activity log, enforcing the ephemeral-activity
// replacement rule and producing serializable snapshots for the
// persistence manager.
package sessionstore

import (
	"sync"
	"time"

	"github.com/edgeworker/edgeworker/internal/domain"
)

// State is the deep-copy snapshot handed to the persistence manager.
type State struct {
	Sessions         map[string]domain.Session           `json:"sessions"`
	RunnerSelections map[string]domain.RunnerSelection    `json:"runnerSelections"`
	FinalizedSessions []string                            `json:"finalizedSessions"`
	SchemaVersion    int                                  `json:"schemaVersion"`
}

// CurrentSchemaVersion is bumped whenever the persisted shape changes
// incompatibly; the persistence manager quarantines files with an
// unrecognized version.
const CurrentSchemaVersion = 1

// Store is the in-memory session table. The zero value is not usable; use New.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*domain.Session

	// nowFunc is overridable in tests.
	nowFunc func() time.Time
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		sessions: make(map[string]*domain.Session),
		nowFunc:  time.Now,
	}
}

// CreateSession registers a new session in status pending.
func (s *Store) CreateSession(id, workItemID, conversationID, repositoryID string, runner domain.RunnerSelection, workspace string) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[id]; exists {
		return nil, domain.ErrDuplicateSession
	}

	sess := &domain.Session{
		ID:             id,
		WorkItemID:     workItemID,
		ConversationID: conversationID,
		RepositoryID:   repositoryID,
		Workspace:      workspace,
		Runner:         runner,
		Status:         domain.StatusPending,
		StartedAt:      s.nowFunc(),
		Activities:     nil,
		NextOrdinal:    0,
	}
	s.sessions[id] = sess
	return cloneSession(sess), nil
}

// GetSession returns an immutable snapshot of the session, or false if unknown.
func (s *Store) GetSession(id string) (*domain.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, false
	}
	return cloneSession(sess), true
}

// SetStatus enforces the legal transitions from §3 of the specification.
func (s *Store) SetStatus(id string, status domain.SessionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return domain.ErrNoSuchSession
	}
	if !domain.CanTransition(sess.Status, status) {
		return domain.ErrIllegalStatusTransition
	}
	sess.Status = status
	if status == domain.StatusComplete || status == domain.StatusError {
		now := s.nowFunc()
		sess.EndedAt = &now
	}
	return nil
}

// SetRunnerSessionID records the runner-assigned session/thread id, used by
// the dispatcher to correlate respawns and streaming input.
func (s *Store) SetRunnerSessionID(id, runnerSessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return domain.ErrNoSuchSession
	}
	sess.RunnerSessionID = runnerSessionID
	return nil
}

// SetRunnerSelection records the resolved runner flavor/model/permission for
// a session, once the Prompt Builder has picked one — needed so a later
// non-streaming respawn can pin the same runner via ExplicitSelection instead
// of re-evaluating label rules.
func (s *Store) SetRunnerSelection(id string, selection domain.RunnerSelection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return domain.ErrNoSuchSession
	}
	sess.Runner = selection
	return nil
}

// SetPrompt records the prompt body used to launch the session, so a later
// non-streaming respawn can append a turn separator and new body.
func (s *Store) SetPrompt(id, prompt string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return domain.ErrNoSuchSession
	}
	sess.Prompt = prompt
	return nil
}

// MarkFinalized marks the session as finalized (no further runner activity
// expected); idempotent.
func (s *Store) MarkFinalized(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return domain.ErrNoSuchSession
	}
	sess.Finalized = true
	return nil
}

// AppendActivity appends a new activity to the session's log, first removing
// a trailing ephemeral activity if one is present, atomically. The returned
// Activity has its ordinal and timestamp assigned.
func (s *Store) AppendActivity(id string, activity domain.Activity, ephemeral bool) (domain.Activity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return domain.Activity{}, domain.ErrNoSuchSession
	}

	if idx := sess.TrailingEphemeral(); idx >= 0 {
		sess.Activities = sess.Activities[:idx]
	}

	activity.SessionID = id
	activity.Ordinal = sess.NextOrdinal
	activity.Timestamp = s.nowFunc()
	activity.Ephemeral = ephemeral
	sess.NextOrdinal++
	sess.Activities = append(sess.Activities, activity)

	return activity, nil
}

// Snapshot returns a deep copy of the whole store suitable for persistence.
func (s *Store) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := State{
		Sessions:         make(map[string]domain.Session, len(s.sessions)),
		RunnerSelections: make(map[string]domain.RunnerSelection, len(s.sessions)),
		SchemaVersion:    CurrentSchemaVersion,
	}
	for id, sess := range s.sessions {
		out.Sessions[id] = *cloneSession(sess)
		out.RunnerSelections[id] = sess.Runner
		if sess.Finalized {
			out.FinalizedSessions = append(out.FinalizedSessions, id)
		}
	}
	return out
}

// Restore replaces the store's contents with a previously persisted state.
// Used on startup after Persistence Manager load.
func (s *Store) Restore(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions = make(map[string]*domain.Session, len(state.Sessions))
	for id, sess := range state.Sessions {
		copy := sess
		s.sessions[id] = &copy
	}
}

// ActiveSessions returns snapshots of every session not in a terminal state,
// used to populate the active-work persisted file.
func (s *Store) ActiveSessions() []*domain.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.Session
	for _, sess := range s.sessions {
		if sess.Status == domain.StatusComplete || sess.Status == domain.StatusError || sess.Finalized {
			continue
		}
		out = append(out, cloneSession(sess))
	}
	return out
}

func cloneSession(sess *domain.Session) *domain.Session {
	c := *sess
	if sess.Activities != nil {
		c.Activities = make([]domain.Activity, len(sess.Activities))
		copy(c.Activities, sess.Activities)
	}
	if sess.EndedAt != nil {
		ended := *sess.EndedAt
		c.EndedAt = &ended
	}
	return &c
}
