package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SessionRow is the final tally of one session.
type SessionRow struct {
	SessionID string
	AgentType string
	Parent    string
	Status    string
	Reason    string
	Snapshot  Snapshot
}

// StepRow is one stored step.
type StepRow struct {
	SessionID string
	StepMetrics
	RecordedAt time.Time
}

// Ledger stores step and session metrics in SQLite for later reporting.
type Ledger struct {
	db *sql.DB
	mu sync.Mutex // serializes writers to avoid SQLITE_BUSY
}

// OpenLedger opens or creates the ledger database at path.
func OpenLedger(path string) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping ledger: %w", err)
	}
	l := &Ledger{db: db}
	if err := l.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize ledger schema: %w", err)
	}
	return l, nil
}

func (l *Ledger) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS steps (
		session_id TEXT NOT NULL,
		step INTEGER NOT NULL,
		input_tokens INTEGER NOT NULL,
		output_tokens INTEGER NOT NULL,
		llm_latency_ms INTEGER NOT NULL,
		tool_calls INTEGER NOT NULL,
		tool_errors_json TEXT,
		compacted INTEGER DEFAULT 0,
		recorded_at INTEGER NOT NULL,
		PRIMARY KEY (session_id, step)
	);

	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		agent_type TEXT NOT NULL,
		parent TEXT,
		status TEXT NOT NULL,
		reason TEXT,
		steps INTEGER NOT NULL,
		input_tokens INTEGER NOT NULL,
		output_tokens INTEGER NOT NULL,
		tool_calls INTEGER NOT NULL,
		tool_errors INTEGER NOT NULL,
		compactions INTEGER NOT NULL,
		subagents INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_parent ON sessions(parent);
	`
	_, err := l.db.Exec(query)
	return err
}

// RecordStep stores one step. Re-recording a step replaces it.
func (l *Ledger) RecordStep(ctx context.Context, sessionID string, step StepMetrics) error {
	var errorsJSON []byte
	if len(step.ToolErrors) > 0 {
		var err error
		if errorsJSON, err = json.Marshal(step.ToolErrors); err != nil {
			return fmt.Errorf("encode tool errors: %w", err)
		}
	}
	compacted := 0
	if step.Compacted {
		compacted = 1
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := l.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO steps
			(session_id, step, input_tokens, output_tokens, llm_latency_ms, tool_calls, tool_errors_json, compacted, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sessionID, step.Step, step.InputTokens, step.OutputTokens, step.LLMLatency.Milliseconds(),
		step.ToolCalls, string(errorsJSON), compacted, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("record step: %w", err)
	}
	return nil
}

// RecordSession upserts the session tally.
func (l *Ledger) RecordSession(ctx context.Context, row SessionRow) error {
	s := row.Snapshot
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO sessions
			(session_id, agent_type, parent, status, reason, steps, input_tokens, output_tokens,
			 tool_calls, tool_errors, compactions, subagents, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			status = excluded.status,
			reason = excluded.reason,
			steps = excluded.steps,
			input_tokens = excluded.input_tokens,
			output_tokens = excluded.output_tokens,
			tool_calls = excluded.tool_calls,
			tool_errors = excluded.tool_errors,
			compactions = excluded.compactions,
			subagents = excluded.subagents,
			updated_at = excluded.updated_at`,
		row.SessionID, row.AgentType, row.Parent, row.Status, row.Reason, s.Steps, s.InputTokens, s.OutputTokens,
		s.ToolCalls, s.TotalToolErrors(), s.Compactions, s.Subagents, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("record session: %w", err)
	}
	return nil
}

// Steps returns the stored steps of a session in order.
func (l *Ledger) Steps(ctx context.Context, sessionID string) ([]StepRow, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT step, input_tokens, output_tokens, llm_latency_ms, tool_calls, tool_errors_json, compacted, recorded_at
		FROM steps WHERE session_id = ? ORDER BY step`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query steps: %w", err)
	}
	defer rows.Close()

	var out []StepRow
	for rows.Next() {
		var (
			r          StepRow
			latencyMS  int64
			errorsJSON sql.NullString
			compacted  int
			recorded   int64
		)
		if err := rows.Scan(&r.Step, &r.InputTokens, &r.OutputTokens, &latencyMS, &r.ToolCalls, &errorsJSON, &compacted, &recorded); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		r.SessionID = sessionID
		r.LLMLatency = time.Duration(latencyMS) * time.Millisecond
		r.Compacted = compacted == 1
		r.RecordedAt = time.Unix(recorded, 0)
		if errorsJSON.Valid && errorsJSON.String != "" {
			if err := json.Unmarshal([]byte(errorsJSON.String), &r.ToolErrors); err != nil {
				return nil, fmt.Errorf("decode tool errors: %w", err)
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Session returns the stored tally of one session.
func (l *Ledger) Session(ctx context.Context, sessionID string) (*SessionRow, error) {
	var (
		r      SessionRow
		parent sql.NullString
		reason sql.NullString
		errs   int
	)
	err := l.db.QueryRowContext(ctx, `
		SELECT session_id, agent_type, parent, status, reason, steps, input_tokens, output_tokens,
		       tool_calls, tool_errors, compactions, subagents
		FROM sessions WHERE session_id = ?`, sessionID).Scan(
		&r.SessionID, &r.AgentType, &parent, &r.Status, &reason, &r.Snapshot.Steps,
		&r.Snapshot.InputTokens, &r.Snapshot.OutputTokens, &r.Snapshot.ToolCalls, &errs,
		&r.Snapshot.Compactions, &r.Snapshot.Subagents,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query session: %w", err)
	}
	r.Parent = parent.String
	r.Reason = reason.String
	if errs > 0 {
		r.Snapshot.ToolErrors = map[string]int{"total": errs}
	}
	return &r, nil
}

// Close closes the database.
func (l *Ledger) Close() error {
	return l.db.Close()
}
