package persistence

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/edgeworker/edgeworker/internal/common/logger"
	"github.com/edgeworker/edgeworker/internal/domain"
	"github.com/edgeworker/edgeworker/internal/sessionstore"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	l, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	return l
}

func TestManager_SnapshotSurvivesLoadAfterFlush(t *testing.T) {
	dir := t.TempDir()
	log := newTestLogger(t)

	store := sessionstore.New()
	runner := domain.RunnerSelection{Flavor: domain.FlavorClaudeCode, Model: "m"}
	if _, err := store.CreateSession("sess-1", "wi-1", "conv-1", "repo-1", runner, "/tmp/ws"); err != nil {
		t.Fatalf("create session: %v", err)
	}
	if _, err := store.AppendActivity("sess-1", domain.Activity{Kind: domain.ActivityResponse, Body: "done"}, false); err != nil {
		t.Fatalf("append: %v", err)
	}

	mgr := NewManager(log, dir, 10*time.Millisecond, store, nil)
	mgr.MarkDirty()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		mgr.Run(ctx)
		close(done)
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	if _, err := os.Stat(filepath.Join(dir, stateFileName)); err != nil {
		t.Fatalf("expected state file to exist: %v", err)
	}

	restoreStore := sessionstore.New()
	restoreMgr := NewManager(log, dir, time.Second, restoreStore, nil)
	if err := restoreMgr.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	got, ok := restoreStore.GetSession("sess-1")
	if !ok {
		t.Fatal("expected session to survive reload")
	}
	if len(got.Activities) != 1 || got.Activities[0].Body != "done" {
		t.Fatalf("unexpected restored activities: %+v", got.Activities)
	}
}

func TestManager_Load_QuarantinesCorruptFile(t *testing.T) {
	dir := t.TempDir()
	log := newTestLogger(t)

	path := filepath.Join(dir, stateFileName)
	if err := os.WriteFile(path, []byte("{not valid json"), 0o644); err != nil {
		t.Fatalf("write corrupt file: %v", err)
	}

	store := sessionstore.New()
	mgr := NewManager(log, dir, time.Second, store, nil)
	if err := mgr.Load(); err != nil {
		t.Fatalf("load should not error on corrupt file: %v", err)
	}

	if _, err := os.Stat(path + ".corrupt"); err != nil {
		t.Fatalf("expected corrupt file to be quarantined: %v", err)
	}
	if _, ok := store.GetSession("anything"); ok {
		t.Fatal("expected empty store after quarantine")
	}
}

func TestManager_Load_RejectsUnknownSchemaVersion(t *testing.T) {
	dir := t.TempDir()
	log := newTestLogger(t)

	path := filepath.Join(dir, stateFileName)
	if err := os.WriteFile(path, []byte(`{"sessions":{},"runnerSelections":{},"schemaVersion":999}`), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	store := sessionstore.New()
	mgr := NewManager(log, dir, time.Second, store, nil)
	if err := mgr.Load(); err != nil {
		t.Fatalf("load should not error on unrecognized schema: %v", err)
	}
	if _, err := os.Stat(path + ".corrupt"); err != nil {
		t.Fatalf("expected file to be quarantined: %v", err)
	}
}
