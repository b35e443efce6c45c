// Package worker wires every component into a single runnable value: the
// session store, runner registry, event dispatcher, persistence manager,
// prompt builder, ingest transport, platform client, and workspace
// provisioner. Every component dependency flows through this one Worker.
// The module still keeps two pieces of package-level state: the lazily
// initialized tracer provider in internal/tracing and the default logger
// returned by logger.Default.
package worker

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/edgeworker/edgeworker/internal/common/config"
	"github.com/edgeworker/edgeworker/internal/common/logger"
	"github.com/edgeworker/edgeworker/internal/dispatcher"
	"github.com/edgeworker/edgeworker/internal/domain"
	"github.com/edgeworker/edgeworker/internal/events"
	"github.com/edgeworker/edgeworker/internal/events/bus"
	"github.com/edgeworker/edgeworker/internal/ingest"
	"github.com/edgeworker/edgeworker/internal/persistence"
	"github.com/edgeworker/edgeworker/internal/platformclient"
	"github.com/edgeworker/edgeworker/internal/promptbuilder"
	"github.com/edgeworker/edgeworker/internal/runner"
	"github.com/edgeworker/edgeworker/internal/runner/acpflavor"
	"github.com/edgeworker/edgeworker/internal/runner/claudecodeflavor"
	"github.com/edgeworker/edgeworker/internal/runner/codexflavor"
	"github.com/edgeworker/edgeworker/internal/sessionstore"
	"github.com/edgeworker/edgeworker/internal/workspace"
)

// Worker owns every long-lived component of one edge worker process.
type Worker struct {
	cfg         *config.Config
	log         *logger.Logger
	bus         bus.EventBus
	busCleanup  func() error
	store       *sessionstore.Store
	persist     *persistence.Manager
	transport   *ingest.Transport
	dispatch    *dispatcher.Dispatcher
	sub         bus.Subscription
}

// New constructs a Worker from loaded configuration. It does not start
// anything — call Run for that.
func New(cfg *config.Config, log *logger.Logger) (*Worker, error) {
	log = log.WithFields(zap.String("component", "worker"))

	for _, tk := range cfg.AmbiguousTeamKeys() {
		log.Warn("team key claimed by more than one active repository, first match wins", zap.String("team_key", tk))
	}

	provided, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("construct event bus: %w", err)
	}
	eventBus := provided.Bus

	store := sessionstore.New()

	var audit *persistence.AuditMirror
	if cfg.Audit.Enabled {
		audit, err = persistence.NewAuditMirror(log, cfg.Audit.Path)
		if err != nil {
			return nil, fmt.Errorf("construct audit mirror: %w", err)
		}
	}

	persist := persistence.NewManager(log, cfg.Worker.StateDir, cfg.Worker.PersistDebounce(), store, audit)

	registry := runner.NewRegistry()
	registry.Register(domain.FlavorClaudeCode, func() runner.Adapter { return claudecodeflavor.New(log) })
	registry.Register(domain.FlavorCodex, func() runner.Adapter { return codexflavor.New(log) })
	registry.Register(domain.FlavorACP, func() runner.Adapter { return acpflavor.New(log) })

	prompts := promptbuilder.New(cfg.Runners)
	platform := platformclient.NewHTTPClient(cfg.Platform.BaseURL, cfg.Platform.BearerToken, log)
	ws := workspace.NewGitWorktreeProvisioner(log)

	dispatch := dispatcher.New(cfg, log, store, registry, prompts, platform, ws, persist, eventBus)
	transport := ingest.New(cfg.Server, log, eventBus)

	w := &Worker{
		cfg:        cfg,
		log:        log,
		bus:        eventBus,
		busCleanup: busCleanup,
		store:      store,
		persist:    persist,
		transport:  transport,
		dispatch:   dispatch,
	}
	return w, nil
}

// Run loads persisted state, subscribes the dispatcher to inbound events,
// starts the persistence loop and the HTTP ingest server, and blocks until
// ctx is cancelled or a component fails.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.persist.Load(); err != nil {
		return fmt.Errorf("load persisted state: %w", err)
	}

	sub, err := w.bus.Subscribe(ingest.InboundSubject, w.dispatch.HandleBusEvent)
	if err != nil {
		return fmt.Errorf("subscribe dispatcher to inbound events: %w", err)
	}
	w.sub = sub

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		w.persist.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return w.transport.Run(gctx)
	})

	w.log.Info("edge worker running", zap.Int("port", w.cfg.Server.Port))
	err = g.Wait()

	w.dispatch.Close()
	w.persist.Stop()
	if w.sub != nil {
		_ = w.sub.Unsubscribe()
	}
	if w.busCleanup != nil {
		if cerr := w.busCleanup(); cerr != nil {
			w.log.Warn("event bus cleanup failed", zap.Error(cerr))
		}
	}
	return err
}
