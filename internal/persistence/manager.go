// Package persistence makes session state crash-recoverable: two
// human-readable JSON documents written atomically on a debounced timer,
// plus an optional SQLite-backed audit mirror of every activity ever
// appended.
package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/edgeworker/edgeworker/internal/common/logger"
	"github.com/edgeworker/edgeworker/internal/domain"
	"github.com/edgeworker/edgeworker/internal/sessionstore"
)

const (
	stateFileName      = "edge-worker-state.json"
	activeWorkFileName = "active-work.json"

	maxWriteAttempts = 5
	baseBackoff      = 50 * time.Millisecond
	maxBackoff       = 2 * time.Second
)

// ActiveWork is the {isWorking, activeSessions} document describing, at a
// glance, whether the worker has live runners and which sessions they serve.
type ActiveWork struct {
	IsWorking      bool                              `json:"isWorking"`
	LastUpdated    int64                             `json:"lastUpdated"`
	ActiveSessions map[string]domain.ActiveWorkEntry  `json:"activeSessions"`
}

// Manager owns the two persisted JSON documents and schedules coalesced,
// debounced writes whenever the session store becomes dirty.
type Manager struct {
	log      *logger.Logger
	stateDir string
	debounce time.Duration
	store    *sessionstore.Store
	audit    *AuditMirror

	mu         sync.Mutex
	dirty      bool
	dirtyCh    chan struct{}
	stopCh     chan struct{}
	stoppedCh  chan struct{}
}

// NewManager constructs a Manager rooted at stateDir. audit may be nil if
// the optional SQLite mirror is disabled.
func NewManager(log *logger.Logger, stateDir string, debounce time.Duration, store *sessionstore.Store, audit *AuditMirror) *Manager {
	return &Manager{
		log:       log.WithFields(zap.String("component", "persistence")),
		stateDir:  stateDir,
		debounce:  debounce,
		store:     store,
		audit:     audit,
		dirtyCh:   make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

// Load reads both documents from disk, restoring the session store. A file
// that fails to parse or carries an unrecognized schema version is
// quarantined with a .corrupt suffix rather than aborting startup.
func (m *Manager) Load() error {
	if err := os.MkdirAll(m.stateDir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	path := filepath.Join(m.stateDir, stateFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read state file: %w", err)
	}

	var state sessionstore.State
	if err := json.Unmarshal(data, &state); err != nil {
		m.quarantine(path, err)
		return nil
	}
	if state.SchemaVersion != sessionstore.CurrentSchemaVersion {
		m.quarantine(path, fmt.Errorf("unrecognized schema version %d", state.SchemaVersion))
		return nil
	}

	m.store.Restore(state)
	m.log.Info("restored persisted session state", zap.Int("sessions", len(state.Sessions)))
	return nil
}

func (m *Manager) quarantine(path string, cause error) {
	dest := path + ".corrupt"
	if err := os.Rename(path, dest); err != nil {
		m.log.Warn("failed to quarantine unreadable state file", zap.String("path", path), zap.Error(err))
		return
	}
	m.log.Warn("quarantined unreadable state file, starting from empty state",
		zap.String("path", path), zap.String("quarantined_to", dest), zap.Error(cause))
}

// MarkDirty schedules a write on the next debounce tick. Safe to call from
// any goroutine; repeated calls within one debounce window coalesce.
func (m *Manager) MarkDirty() {
	m.mu.Lock()
	m.dirty = true
	m.mu.Unlock()
	select {
	case m.dirtyCh <- struct{}{}:
	default:
	}
}

// Run starts the debounce loop; it blocks until ctx is cancelled or Stop is
// called, flushing once more before returning.
func (m *Manager) Run(ctx context.Context) {
	defer close(m.stoppedCh)
	ticker := time.NewTicker(m.debounce)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.flush()
			return
		case <-m.stopCh:
			m.flush()
			return
		case <-ticker.C:
			m.flush()
		}
	}
}

// Stop requests the run loop to flush once more and exit, blocking until it
// has done so.
func (m *Manager) Stop() {
	close(m.stopCh)
	<-m.stoppedCh
}

func (m *Manager) flush() {
	m.mu.Lock()
	dirty := m.dirty
	m.dirty = false
	m.mu.Unlock()
	if !dirty {
		return
	}

	state := m.store.Snapshot()
	if err := m.writeWithRetry(filepath.Join(m.stateDir, stateFileName), state); err != nil {
		m.log.Error("persist state failed after retries", zap.Error(err))
	}

	active := m.buildActiveWork()
	if err := m.writeWithRetry(filepath.Join(m.stateDir, activeWorkFileName), active); err != nil {
		m.log.Error("persist active-work failed after retries", zap.Error(err))
	}

	if m.audit != nil {
		m.audit.mirror(state)
	}
}

func (m *Manager) buildActiveWork() ActiveWork {
	sessions := m.store.ActiveSessions()
	out := ActiveWork{
		IsWorking:      len(sessions) > 0,
		LastUpdated:    time.Now().UnixMilli(),
		ActiveSessions: make(map[string]domain.ActiveWorkEntry, len(sessions)),
	}
	for _, sess := range sessions {
		out.ActiveSessions[sess.ID] = domain.ActiveWorkEntry{
			WorkItemID: sess.WorkItemID,
			Workspace:  sess.Workspace,
			Flavor:     sess.Runner.Flavor,
			StartedAt:  sess.StartedAt,
		}
	}
	return out
}

// writeWithRetry atomically writes v as JSON to path (temp file, fsync,
// rename), retrying with exponential backoff before surfacing
// domain.ErrPersistFailed.
func (m *Manager) writeWithRetry(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	backoff := baseBackoff
	var lastErr error
	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
		if err := atomicWrite(path, data); err != nil {
			lastErr = err
			m.log.Debug("persist write attempt failed", zap.String("path", path), zap.Int("attempt", attempt), zap.Error(err))
			continue
		}
		return nil
	}
	return fmt.Errorf("%w: %s: %v", domain.ErrPersistFailed, path, lastErr)
}

func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp := filepath.Join(dir, fmt.Sprintf(".tmp-%d-%d", os.Getpid(), rand.Int63()))

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("fsync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
