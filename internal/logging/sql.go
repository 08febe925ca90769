package logging

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const auditSchema = `
CREATE TABLE IF NOT EXISTS audit_log (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	turn_id      TEXT NOT NULL,
	stage        TEXT NOT NULL,
	model        TEXT,
	user_chars   INTEGER NOT NULL DEFAULT 0,
	sys_chars    INTEGER NOT NULL DEFAULT 0,
	ans_chars    INTEGER NOT NULL DEFAULT 0,
	mode         TEXT,
	steps_json   TEXT,
	signals_json TEXT,
	safety_json  TEXT,
	detail       TEXT,
	created_at   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_turn ON audit_log(turn_id);
`

// EnsureSchema creates the audit_log table if needed.
func EnsureSchema(db *sql.DB) error {
	if _, err := db.Exec(auditSchema); err != nil {
		return fmt.Errorf("create audit schema: %w", err)
	}
	return nil
}

// #region log-event
// LogEvent writes an audit entry to the audit_log table.
func LogEvent(ctx context.Context, db *sql.DB, ev AuditEvent) error {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}

	steps, _ := json.Marshal(ev.Steps)
	sig, _ := json.Marshal(ev.Signals)
	safety, _ := json.Marshal(ev.Safety)

	_, err := db.ExecContext(ctx,
		`INSERT INTO audit_log (turn_id, stage, model, user_chars, sys_chars, ans_chars, mode, steps_json, signals_json, safety_json, detail, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.TurnID,
		string(ev.Stage),
		nullIfEmpty(ev.Model),
		ev.UserChars,
		ev.SystemChars,
		ev.AnswerChars,
		nullIfEmpty(ev.Mode),
		string(steps),
		string(sig),
		string(safety),
		nullIfEmpty(ev.Detail),
		ev.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("log event: %w", err)
	}
	return nil
}

// #endregion log-event

// #region sql-auditor
// SQLAuditor persists events. Write failures are logged, never returned.
type SQLAuditor struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewSQLAuditor ensures the schema and returns an auditor over db.
func NewSQLAuditor(db *sql.DB, logger *zap.Logger) (*SQLAuditor, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := EnsureSchema(db); err != nil {
		return nil, err
	}
	return &SQLAuditor{db: db, logger: logger}, nil
}

func (s *SQLAuditor) Emit(ctx context.Context, ev AuditEvent) {
	// Events after cancellation still describe the turn.
	if err := LogEvent(context.WithoutCancel(ctx), s.db, ev); err != nil {
		s.logger.Warn("audit write failed", zap.String("stage", string(ev.Stage)), zap.Error(err))
	}
}

// #endregion sql-auditor

// #region list-audit
// ListAudit returns the most recent events, newest first.
func ListAudit(ctx context.Context, db *sql.DB, limit int) ([]AuditEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.QueryContext(ctx,
		`SELECT turn_id, stage, COALESCE(model, ''), user_chars, sys_chars, ans_chars, COALESCE(mode, ''),
		        COALESCE(steps_json, ''), COALESCE(signals_json, ''), COALESCE(safety_json, ''), COALESCE(detail, ''), created_at
		 FROM audit_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()

	var out []AuditEvent
	for rows.Next() {
		var ev AuditEvent
		var stage, steps, sig, safety, created string
		if err := rows.Scan(&ev.TurnID, &stage, &ev.Model, &ev.UserChars, &ev.SystemChars, &ev.AnswerChars,
			&ev.Mode, &steps, &sig, &safety, &ev.Detail, &created); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		ev.Stage = Stage(stage)
		if steps != "" {
			_ = json.Unmarshal([]byte(steps), &ev.Steps)
		}
		if sig != "" {
			_ = json.Unmarshal([]byte(sig), &ev.Signals)
		}
		if safety != "" {
			_ = json.Unmarshal([]byte(safety), &ev.Safety)
		}
		ev.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// #endregion list-audit

// #region helpers
func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// #endregion helpers
