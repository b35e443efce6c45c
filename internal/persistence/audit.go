package persistence

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/edgeworker/edgeworker/internal/common/logger"
	"github.com/edgeworker/edgeworker/internal/sessionstore"
)

const auditSchema = `
CREATE TABLE IF NOT EXISTS activities (
	session_id TEXT NOT NULL,
	ordinal    INTEGER NOT NULL,
	timestamp  TEXT NOT NULL,
	kind       TEXT NOT NULL,
	body       TEXT,
	name       TEXT,
	parameter  TEXT,
	result     TEXT,
	PRIMARY KEY (session_id, ordinal)
);
`

// AuditMirror is a write-behind, append-only mirror of every activity ever
// appended, for operators who want a queryable record beyond the two JSON
// documents. Mirror failures are logged, never surfaced to the main
// persistence path. A nil *AuditMirror means the mirror is disabled.
type AuditMirror struct {
	log *logger.Logger
	db  *sqlx.DB
}

// NewAuditMirror opens (creating if absent) the SQLite audit database at
// path and ensures its schema exists.
func NewAuditMirror(log *logger.Logger, path string) (*AuditMirror, error) {
	db, err := sqlx.Connect("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	if _, err := db.Exec(auditSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create audit schema: %w", err)
	}
	return &AuditMirror{log: log.WithFields(zap.String("component", "audit")), db: db}, nil
}

// Close releases the underlying database handle.
func (a *AuditMirror) Close() error {
	return a.db.Close()
}

// mirror inserts every activity in state not already present, ignoring
// duplicates on (session_id, ordinal). Failures are logged and swallowed.
func (a *AuditMirror) mirror(state sessionstore.State) {
	tx, err := a.db.Beginx()
	if err != nil {
		a.log.Warn("audit mirror: begin tx failed", zap.Error(err))
		return
	}
	defer tx.Rollback()

	for _, sess := range state.Sessions {
		for _, act := range sess.Activities {
			_, err := tx.Exec(`
				INSERT OR IGNORE INTO activities
					(session_id, ordinal, timestamp, kind, body, name, parameter, result)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				act.SessionID, act.Ordinal, act.Timestamp.Format("2006-01-02T15:04:05.000Z07:00"),
				act.Kind, act.Body, act.Name, act.Parameter, act.Result,
			)
			if err != nil {
				a.log.Warn("audit mirror: insert failed", zap.String("session_id", sess.ID), zap.Error(err))
			}
		}
	}

	if err := tx.Commit(); err != nil {
		a.log.Warn("audit mirror: commit failed", zap.Error(err))
	}
}
