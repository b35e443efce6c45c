// Package dispatcher is the Event Dispatcher: the coordination core that
// takes a normalized inbound event and drives the session lifecycle —
// routing by team key, serializing per-session operations, spawning and
// respawning runners, and translating runner events into the durable
// activity log.
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/edgeworker/edgeworker/internal/activityfmt"
	"github.com/edgeworker/edgeworker/internal/common/appctx"
	"github.com/edgeworker/edgeworker/internal/common/config"
	"github.com/edgeworker/edgeworker/internal/common/constants"
	"github.com/edgeworker/edgeworker/internal/common/logger"
	"github.com/edgeworker/edgeworker/internal/domain"
	"github.com/edgeworker/edgeworker/internal/events"
	"github.com/edgeworker/edgeworker/internal/events/bus"
	"github.com/edgeworker/edgeworker/internal/ingest"
	"github.com/edgeworker/edgeworker/internal/platformclient"
	"github.com/edgeworker/edgeworker/internal/promptbuilder"
	"github.com/edgeworker/edgeworker/internal/runner"
	"github.com/edgeworker/edgeworker/internal/sessionstore"
	"github.com/edgeworker/edgeworker/internal/workspace"
)

// Dirtier is implemented by the persistence manager; kept as a narrow
// interface so the dispatcher doesn't need the whole persistence package.
type Dirtier interface {
	MarkDirty()
}

// liveRunner tracks the one runner subprocess, if any, currently attached to
// a session, so Stop and respawn can reach it.
type liveRunner struct {
	adapter runner.Adapter
	cancel  context.CancelFunc
}

// Dispatcher is the heart of the worker: it owns no state of its own beyond
// per-session mutexes and live-runner handles, delegating durable state to
// the Session Store and the Persistence Manager.
type Dispatcher struct {
	cfg       *config.Config
	log       *logger.Logger
	store     *sessionstore.Store
	registry  *runner.Registry
	prompts   *promptbuilder.Builder
	platform  platformclient.Client
	workspace workspace.Provisioner
	persist   Dirtier
	bus       bus.EventBus

	// sessionLocks is a sync.Map-backed mutex table: a global lock only
	// guards the table itself (LoadOrStore is already safe for that), so
	// cross-session operations run fully in parallel.
	sessionLocks sync.Map // sessionID -> *sync.Mutex

	liveMu sync.Mutex
	live   map[string]*liveRunner // sessionID -> attached runner, if any

	// stopCh is closed on worker shutdown, bounding every detached
	// background goroutine spawned for a session even if its triggering
	// request context has already been cancelled.
	stopCh chan struct{}
}

// New constructs a Dispatcher. eventBus may be nil, in which case lifecycle
// events are simply not published (exercised by tests that don't care about
// the bus side-channel).
func New(cfg *config.Config, log *logger.Logger, store *sessionstore.Store, registry *runner.Registry, prompts *promptbuilder.Builder, platform platformclient.Client, ws workspace.Provisioner, persist Dirtier, eventBus bus.EventBus) *Dispatcher {
	return &Dispatcher{
		cfg:       cfg,
		log:       log.WithFields(zap.String("component", "dispatcher")),
		store:     store,
		registry:  registry,
		prompts:   prompts,
		platform:  platform,
		workspace: ws,
		persist:   persist,
		bus:       eventBus,
		live:      make(map[string]*liveRunner),
		stopCh:    make(chan struct{}),
	}
}

// publishLifecycle emits a session lifecycle event onto the internal bus for
// observability and internal decoupling (metrics, audit log, future
// subscribers) — the dispatcher itself never blocks on it.
func (d *Dispatcher) publishLifecycle(eventType, sessionID string) {
	if d.bus == nil {
		return
	}
	ev := bus.NewEvent(eventType, "dispatcher", map[string]interface{}{"session_id": sessionID})
	if err := d.bus.Publish(context.Background(), eventType+"."+sessionID, ev); err != nil {
		d.log.Warn("failed to publish lifecycle event", zap.String("session_id", sessionID), zap.String("event_type", eventType), zap.Error(err))
	}
}

// Close signals every in-flight background session goroutine to wind down.
func (d *Dispatcher) Close() {
	close(d.stopCh)
}

// detachedSessionCtx builds a context for session work that must outlive the
// inbound request that triggered it, bounded by the overall per-session
// prompt timeout and released early if the dispatcher is closed.
func (d *Dispatcher) detachedSessionCtx(parent context.Context) (context.Context, context.CancelFunc) {
	return appctx.Detached(parent, d.stopCh, constants.PromptTimeout)
}

// HandleBusEvent adapts the dispatcher to a bus.EventHandler, for wiring
// onto the ingest transport's subject.
func (d *Dispatcher) HandleBusEvent(ctx context.Context, e *bus.Event) error {
	data, _ := e.Data.(map[string]any)
	ev, err := ingest.FromEventData(data)
	if err != nil {
		return fmt.Errorf("decode inbound event: %w", err)
	}
	d.Handle(ctx, ev)
	return nil
}

// sessionLock returns the mutex for a session id, creating one on first use.
func (d *Dispatcher) sessionLock(sessionID string) *sync.Mutex {
	actual, _ := d.sessionLocks.LoadOrStore(sessionID, &sync.Mutex{})
	return actual.(*sync.Mutex)
}

// sessionKey derives the stable session-store id for an inbound event: the
// platform's own session id when the event carries one, otherwise a
// composite of work item and conversation so repeated events on the same
// conversation resolve to the same session.
func sessionKey(ev ingest.Event) string {
	if ev.PlatformSessionID != "" {
		return ev.PlatformSessionID
	}
	return ev.WorkItemID + ":" + ev.ConversationID
}

// Handle routes one normalized inbound event to its handler. Routing
// failures (no matching repository) are logged and swallowed: per spec,
// an unmatched team key produces zero sessions.
func (d *Dispatcher) Handle(ctx context.Context, ev ingest.Event) {
	repo, ok := d.cfg.RepositoryByTeamKey(ev.TeamKey)
	if !ok {
		d.log.Info("no repository matches team key, ignoring event", zap.String("team_key", ev.TeamKey), zap.String("kind", string(ev.Kind)))
		return
	}

	switch ev.Kind {
	case ingest.KindIssueAssigned, ingest.KindNewComment, ingest.KindCommentMention, ingest.KindAgentSessionCreated:
		d.handleSessionCreate(ctx, *repo, ev)
	case ingest.KindAgentSessionPrompted:
		if ev.Signal == ingest.SignalStop {
			d.handleStop(ctx, ev)
		} else {
			d.handlePrompted(ctx, *repo, ev)
		}
	default:
		d.log.Warn("unrecognized inbound event kind", zap.String("kind", string(ev.Kind)))
	}
}

// handleSessionCreate implements the AgentSessionCreated flow (and the
// IssueAssigned/NewComment/CommentMention variants, which differ only in
// default prompt template selection handled upstream by the Prompt
// Builder): create-or-find the session, post an immediate ephemeral
// acknowledgement, then provision/prompt/spawn in the background.
func (d *Dispatcher) handleSessionCreate(ctx context.Context, repo config.RepositoryConfig, ev ingest.Event) {
	id := sessionKey(ev)
	lock := d.sessionLock(id)
	lock.Lock()

	if _, exists := d.store.GetSession(id); exists {
		lock.Unlock()
		d.log.Debug("session already exists, ignoring duplicate create trigger", zap.String("session_id", id))
		return
	}

	sess, err := d.store.CreateSession(id, ev.WorkItemID, ev.ConversationID, repo.ID, domain.RunnerSelection{}, "")
	if err != nil {
		lock.Unlock()
		d.log.Error("create session failed", zap.String("session_id", id), zap.Error(err))
		return
	}

	d.appendAndPublish(ctx, sess.ID, ev.ConversationID, domain.Activity{Kind: domain.ActivityResponse, Body: "I've received your request"}, true)
	lock.Unlock()
	d.persist.MarkDirty()
	d.publishLifecycle(events.AgentStarted, id)

	spawnCtx, cancel := d.detachedSessionCtx(context.Background())
	go func() {
		defer cancel()
		d.spawnSession(spawnCtx, repo, ev, id)
	}()
}

// spawnSession runs off the session mutex: workspace provisioning, prompt
// resolution, and runner spawn, reacquiring the mutex only to touch shared
// state (status, live-runner table, activity log).
func (d *Dispatcher) spawnSession(ctx context.Context, repo config.RepositoryConfig, ev ingest.Event, sessionID string) {
	wi := domain.WorkItem{ID: ev.WorkItemID, TeamKey: ev.TeamKey}
	if d.platform != nil {
		if fetched, err := d.platform.GetWorkItem(ctx, ev.WorkItemID); err == nil {
			wi = fetched
		}
	}

	wsPath, cleanup, err := d.workspace.Provision(ctx, repo, sessionID)
	if err != nil {
		d.failSession(sessionID, ev.ConversationID, fmt.Sprintf("failed to provision workspace: %v", err))
		return
	}
	_ = cleanup // released by a future garbage-collection pass over finalized sessions

	var attachments []string
	if d.platform != nil {
		attachments, _ = d.platform.ListAttachments(ctx, ev.WorkItemID)
	}

	result, err := d.prompts.Build(promptbuilder.Input{
		Repository:   repo,
		WorkItem:     wi,
		Conversation: domain.Conversation{ID: ev.ConversationID, WorkItemID: ev.WorkItemID, Body: ev.PromptBody},
		Attachments:  attachments,
		Workspace:    wsPath,
	})
	if err != nil {
		d.failSession(sessionID, ev.ConversationID, fmt.Sprintf("failed to build prompt: %v", err))
		return
	}

	lock := d.sessionLock(sessionID)
	lock.Lock()
	_ = d.store.SetRunnerSessionID(sessionID, "")
	_ = d.store.SetRunnerSelection(sessionID, result.Runner)
	_ = d.store.SetPrompt(sessionID, result.Prompt)
	lock.Unlock()

	d.runSession(ctx, sessionID, ev.ConversationID, repo, result, wsPath)
}

// runSession spawns one runner subprocess for a session, forwarding every
// normalized event through the Activity Formatter into the durable log,
// until the runner exits. ctx bounds the subprocess's lifetime.
func (d *Dispatcher) runSession(ctx context.Context, sessionID, conversationID string, repo config.RepositoryConfig, result promptbuilder.Result, wsPath string) {
	adapter, ok := d.registry.New(result.Runner.Flavor)
	if !ok {
		d.failSession(sessionID, conversationID, fmt.Sprintf("no runner registered for flavor %q", result.Runner.Flavor))
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	myLive := &liveRunner{adapter: adapter, cancel: cancel}
	d.liveMu.Lock()
	d.live[sessionID] = myLive
	d.liveMu.Unlock()
	defer func() {
		// Only clear the live-runner entry if it's still ours: a respawn
		// triggered while this runner was winding down (e.g. Stop() called
		// but the subprocess hadn't exited yet) may have already installed a
		// newer entry for the same session id, which must not be clobbered.
		d.liveMu.Lock()
		if d.live[sessionID] == myLive {
			delete(d.live, sessionID)
		}
		d.liveMu.Unlock()
		cancel()
	}()

	launch := runner.LaunchContext{
		Workspace:  wsPath,
		Model:      result.Runner.Model,
		Permission: result.Runner.Permission,
		BinaryPath: flavorBinary(d.cfg.Runners, result.Runner.Flavor),
		ExtraArgs:  flavorArgs(d.cfg.Runners, result.Runner.Flavor),
	}

	var becameActive bool
	var sawFinal bool
	var awaitingInput bool

	onEvent := func(ev runner.Event) {
		lock := d.sessionLock(sessionID)
		lock.Lock()
		defer lock.Unlock()

		switch ev.Kind {
		case runner.EventInit:
			_ = d.store.SetRunnerSessionID(sessionID, ev.RunnerSessionID)
			if !becameActive {
				becameActive = true
				_ = d.store.SetStatus(sessionID, domain.StatusActive)
				d.publishLifecycle(events.AgentRunning, sessionID)
			}
			return
		case runner.EventElicitation:
			awaitingInput = true
			_ = d.store.SetStatus(sessionID, domain.StatusAwaitingInput)
			d.publishLifecycle(events.AgentReady, sessionID)
		case runner.EventExit:
			if ev.Code == 0 || sawFinal {
				_ = d.store.SetStatus(sessionID, domain.StatusComplete)
				_ = d.store.MarkFinalized(sessionID)
				d.publishLifecycle(events.AgentCompleted, sessionID)
			} else {
				_ = d.store.SetStatus(sessionID, domain.StatusError)
				d.publishLifecycle(events.AgentFailed, sessionID)
			}
			d.persist.MarkDirty()
			return
		}

		// The runner resumed past its own elicitation: fall back to active.
		if awaitingInput && ev.Kind != runner.EventElicitation {
			awaitingInput = false
			_ = d.store.SetStatus(sessionID, domain.StatusActive)
		}

		if ev.Kind == runner.EventFinal {
			sawFinal = true
		}

		act := activityfmt.Format(ev)
		d.appendAndPublishLocked(sessionID, conversationID, act, false)
	}

	err := adapter.Start(runCtx, result.Prompt, launch, onEvent)

	lock := d.sessionLock(sessionID)
	lock.Lock()
	if err != nil && !sawFinal {
		sess, ok := d.store.GetSession(sessionID)
		if ok && sess.Status != domain.StatusComplete {
			_ = d.store.SetStatus(sessionID, domain.StatusError)
			d.appendAndPublishLocked(sessionID, conversationID, domain.Activity{Kind: domain.ActivityError, Body: err.Error()}, false)
			d.publishLifecycle(events.AgentFailed, sessionID)
		}
	}
	lock.Unlock()
	d.persist.MarkDirty()
}

// handlePrompted implements the AgentSessionPrompted-without-stop flow:
// stream the follow-up into a live runner when the flavor supports it,
// otherwise terminate and respawn with the conversation appended.
func (d *Dispatcher) handlePrompted(ctx context.Context, repo config.RepositoryConfig, ev ingest.Event) {
	id := sessionKey(ev)
	lock := d.sessionLock(id)
	lock.Lock()

	sess, ok := d.store.GetSession(id)
	if !ok {
		lock.Unlock()
		d.log.Info("prompted event for unknown session, ignoring", zap.String("session_id", id))
		return
	}

	d.liveMu.Lock()
	lr, hasLive := d.live[id]
	d.liveMu.Unlock()

	if hasLive && lr.adapter.Capabilities().SupportsStreamingInput {
		if err := lr.adapter.AddStreamMessage(ev.PromptBody); err == nil {
			d.appendAndPublishLocked(id, ev.ConversationID, domain.Activity{Kind: domain.ActivityResponse, Body: "I've queued up your message as guidance."}, true)
			lock.Unlock()
			d.persist.MarkDirty()
			return
		}
	}

	// Non-streaming respawn: stop any live runner, append a turn separator
	// to the prior prompt, and spawn fresh.
	if hasLive {
		_ = lr.adapter.Stop(ctx)
	}
	priorPrompt := sess.Prompt
	newPrompt := priorPrompt + "\n\n---\n\n" + ev.PromptBody
	_ = d.store.SetPrompt(id, newPrompt)
	lock.Unlock()

	spawnCtx, cancel := d.detachedSessionCtx(ctx)
	go func() {
		defer cancel()
		result, err := d.prompts.Build(promptbuilder.Input{
			Repository:   repo,
			WorkItem:     domain.WorkItem{ID: ev.WorkItemID, TeamKey: ev.TeamKey},
			Conversation: domain.Conversation{ID: ev.ConversationID, WorkItemID: ev.WorkItemID, Body: newPrompt},
			Workspace:    sess.Workspace,
			Explicit:     &promptbuilder.ExplicitSelection{Runner: sess.Runner.Flavor, Model: sess.Runner.Model, Template: "default"},
		})
		if err != nil {
			d.failSession(id, ev.ConversationID, fmt.Sprintf("failed to rebuild prompt for respawn: %v", err))
			return
		}
		result.Prompt = newPrompt
		d.runSession(spawnCtx, id, ev.ConversationID, repo, result, sess.Workspace)
	}()
}

// handleStop implements the AgentSessionPrompted-with-signal=stop flow.
// Idempotent: a session that is already finalized (by an earlier stop or a
// completed run) is left untouched and receives no further response.
func (d *Dispatcher) handleStop(ctx context.Context, ev ingest.Event) {
	id := sessionKey(ev)
	lock := d.sessionLock(id)
	lock.Lock()
	defer lock.Unlock()

	sess, ok := d.store.GetSession(id)
	if !ok {
		d.log.Info("stop signal for unknown session, ignoring", zap.String("session_id", id))
		return
	}
	if sess.Finalized {
		d.log.Debug("stop signal for already finalized session, ignoring", zap.String("session_id", id))
		return
	}

	d.liveMu.Lock()
	lr, hasLive := d.live[id]
	d.liveMu.Unlock()
	if hasLive {
		_ = lr.adapter.Stop(ctx)
	}

	_ = d.store.MarkFinalized(id)
	d.appendAndPublishLocked(id, ev.ConversationID, domain.Activity{Kind: domain.ActivityResponse, Body: "I've stopped working."}, false)
	d.persist.MarkDirty()
	d.publishLifecycle(events.AgentStopped, id)
}

// failSession transitions a session to error with a single error activity;
// used for failures that occur before a runner is ever spawned.
func (d *Dispatcher) failSession(sessionID, conversationID, message string) {
	lock := d.sessionLock(sessionID)
	lock.Lock()
	_ = d.store.SetStatus(sessionID, domain.StatusError)
	d.appendAndPublishLocked(sessionID, conversationID, domain.Activity{Kind: domain.ActivityError, Body: message}, false)
	lock.Unlock()
	d.persist.MarkDirty()
	d.publishLifecycle(events.AgentFailed, sessionID)
	d.log.Error("session failed before runner spawn", zap.String("session_id", sessionID), zap.String("message", message))
}

// appendAndPublish acquires the session mutex itself; use
// appendAndPublishLocked when already holding it.
func (d *Dispatcher) appendAndPublish(ctx context.Context, sessionID, conversationID string, act domain.Activity, ephemeral bool) {
	lock := d.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()
	d.appendAndPublishLocked(sessionID, conversationID, act, ephemeral)
}

func (d *Dispatcher) appendAndPublishLocked(sessionID, conversationID string, act domain.Activity, ephemeral bool) {
	stored, err := d.store.AppendActivity(sessionID, act, ephemeral)
	if err != nil {
		d.log.Error("append activity failed", zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	if d.platform == nil {
		return
	}
	if _, err := d.platform.CreateActivity(context.Background(), conversationID, stored); err != nil {
		d.log.Warn("failed to publish activity to platform", zap.String("session_id", sessionID), zap.Error(err))
	}
}

func flavorBinary(cfg config.RunnersConfig, flavor domain.RunnerFlavor) string {
	switch flavor {
	case domain.FlavorClaudeCode:
		return cfg.ClaudeCode.BinaryPath
	case domain.FlavorCodex:
		return cfg.Codex.BinaryPath
	case domain.FlavorACP:
		return cfg.ACP.BinaryPath
	default:
		return ""
	}
}

func flavorArgs(cfg config.RunnersConfig, flavor domain.RunnerFlavor) []string {
	switch flavor {
	case domain.FlavorClaudeCode:
		return cfg.ClaudeCode.ExtraArgs
	case domain.FlavorCodex:
		return cfg.Codex.ExtraArgs
	case domain.FlavorACP:
		return cfg.ACP.ExtraArgs
	default:
		return nil
	}
}
