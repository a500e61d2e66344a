package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/buildkite/agentrelay/internal/session"
	_ "modernc.org/sqlite"
)

// SQLite is a Store backed by a local SQLite database.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

var _ Store = (*SQLite)(nil)

// OpenSQLite opens (creating if needed) the database at path. ":memory:"
// is accepted for tests.
func OpenSQLite(path string) (*SQLite, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("missing database path")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, err
	}
	// One connection serialises writers, which also makes the conditional
	// insert in CreateWithinQuota trivially atomic.
	db.SetMaxOpenConns(1)

	s := &SQLite{db: db, now: func() time.Time { return time.Now().UTC() }}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		scope TEXT NOT NULL,
		principal TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL,
		config TEXT NOT NULL,
		sandbox_handle TEXT,
		output TEXT NOT NULL DEFAULT '',
		result TEXT,
		failure_reason TEXT NOT NULL DEFAULT '',
		metrics TEXT,
		created_at INTEGER NOT NULL,
		started_at INTEGER,
		completed_at INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_scope_state ON sessions(scope, state);
	CREATE INDEX IF NOT EXISTS idx_sessions_state ON sessions(state);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("migrate sessions schema: %w", err)
	}
	return nil
}

const insertColumns = `id, scope, principal, state, config, output, failure_reason, created_at`

func (s *SQLite) insertArgs(sess session.Session) ([]any, error) {
	if strings.TrimSpace(sess.ID) == "" {
		return nil, errors.New("missing session id")
	}
	if sess.State == "" {
		sess.State = session.StatePending
	}
	if sess.State != session.StatePending {
		return nil, fmt.Errorf("%w: sessions are created pending, got %s", session.ErrInvalidTransition, sess.State)
	}
	cfg, err := json.Marshal(sess.Config)
	if err != nil {
		return nil, fmt.Errorf("encode session config: %w", err)
	}
	created := sess.CreatedAt
	if created.IsZero() {
		created = s.now()
	}
	return []any{
		sess.ID,
		sess.Config.Scope,
		sess.Config.Principal,
		string(sess.State),
		string(cfg),
		sess.Output,
		sess.FailureReason,
		created.UnixNano(),
	}, nil
}

func (s *SQLite) Create(ctx context.Context, sess session.Session) error {
	args, err := s.insertArgs(sess)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO sessions (`+insertColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, args...)
	if err != nil {
		return fmt.Errorf("insert session %q: %w", sess.ID, err)
	}
	return nil
}

func (s *SQLite) CreateWithinQuota(ctx context.Context, sess session.Session, max int) error {
	if max <= 0 {
		return fmt.Errorf("%w: scope %q allows no concurrent sessions", session.ErrQuotaExceeded, sess.Config.Scope)
	}
	args, err := s.insertArgs(sess)
	if err != nil {
		return err
	}
	args = append(args, sess.Config.Scope, max)

	// The count and the insert are one statement, so no other writer can
	// slip a session into the scope between them.
	res, err := s.db.ExecContext(ctx, `INSERT INTO sessions (`+insertColumns+`)
		SELECT ?, ?, ?, ?, ?, ?, ?, ?
		WHERE (SELECT COUNT(*) FROM sessions WHERE scope = ? AND state NOT IN `+terminalList+`) < ?`, args...)
	if err != nil {
		return fmt.Errorf("insert session %q: %w", sess.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: scope %q already has %d active sessions", session.ErrQuotaExceeded, sess.Config.Scope, max)
	}
	return nil
}

var terminalList = func() string {
	quoted := make([]string, 0, len(session.TerminalStates))
	for _, state := range session.TerminalStates {
		quoted = append(quoted, "'"+string(state)+"'")
	}
	return "(" + strings.Join(quoted, ", ") + ")"
}()

func (s *SQLite) CompareAndSetState(ctx context.Context, id string, expected, next session.State, fields Fields) (session.Session, error) {
	if !session.CanTransition(expected, next) {
		return session.Session{}, fmt.Errorf("%w: %s -> %s", session.ErrInvalidTransition, expected, next)
	}
	if fields.SandboxHandle != "" && next != session.StateRunning {
		return session.Session{}, fmt.Errorf("%w: sandbox handle can only be recorded when entering %s", session.ErrInvalidTransition, session.StateRunning)
	}
	if !fields.CompletedAt.IsZero() && !next.Terminal() {
		return session.Session{}, fmt.Errorf("%w: completed_at set on non-terminal state %s", session.ErrInvalidTransition, next)
	}

	sets := []string{"state = ?"}
	args := []any{string(next)}
	if fields.SandboxHandle != "" {
		sets = append(sets, "sandbox_handle = ?")
		args = append(args, fields.SandboxHandle)
	}
	if next == session.StateRunning {
		started := fields.StartedAt
		if started.IsZero() {
			started = s.now()
		}
		sets = append(sets, "started_at = COALESCE(started_at, ?)")
		args = append(args, started.UnixNano())
	}
	if next.Terminal() {
		completed := fields.CompletedAt
		if completed.IsZero() {
			completed = s.now()
		}
		sets = append(sets, "completed_at = ?")
		args = append(args, completed.UnixNano())
	}
	if fields.Result != nil {
		b, err := json.Marshal(fields.Result)
		if err != nil {
			return session.Session{}, fmt.Errorf("encode result: %w", err)
		}
		sets = append(sets, "result = ?")
		args = append(args, string(b))
	}
	if fields.FailureReason != "" {
		sets = append(sets, "failure_reason = ?")
		args = append(args, fields.FailureReason)
	}
	if fields.Metrics != nil {
		b, err := json.Marshal(fields.Metrics)
		if err != nil {
			return session.Session{}, fmt.Errorf("encode metrics: %w", err)
		}
		sets = append(sets, "metrics = ?")
		args = append(args, string(b))
	}
	if fields.Output != "" {
		sets = append(sets, "output = output || ?")
		args = append(args, fields.Output)
	}
	args = append(args, id, string(expected))

	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET `+strings.Join(sets, ", ")+` WHERE id = ? AND state = ?`, args...)
	if err != nil {
		return session.Session{}, fmt.Errorf("update session %q: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return session.Session{}, err
	}
	current, err := s.Get(ctx, id)
	if err != nil {
		return session.Session{}, err
	}
	if n == 0 {
		return current, fmt.Errorf("%w: session %q is %s, expected %s", session.ErrStateConflict, id, current.State, expected)
	}
	return current, nil
}

func (s *SQLite) AppendOutput(ctx context.Context, id string, chunk string) error {
	if chunk == "" {
		return nil
	}
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET output = output || ? WHERE id = ? AND state NOT IN `+terminalList, chunk, id)
	if err != nil {
		return fmt.Errorf("append output to session %q: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("%w: session %q", session.ErrAlreadyTerminal, id)
	}
	return nil
}

const selectColumns = `id, state, config, sandbox_handle, output, result, failure_reason, metrics, created_at, started_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (session.Session, error) {
	var (
		out         session.Session
		state       string
		cfg         string
		handle      sql.NullString
		result      sql.NullString
		metrics     sql.NullString
		createdAt   int64
		startedAt   sql.NullInt64
		completedAt sql.NullInt64
	)
	if err := row.Scan(&out.ID, &state, &cfg, &handle, &out.Output, &result, &out.FailureReason, &metrics, &createdAt, &startedAt, &completedAt); err != nil {
		return session.Session{}, err
	}
	parsed, err := session.ParseState(state)
	if err != nil {
		return session.Session{}, fmt.Errorf("session %q: %w", out.ID, err)
	}
	out.State = parsed
	if err := json.Unmarshal([]byte(cfg), &out.Config); err != nil {
		return session.Session{}, fmt.Errorf("decode config of session %q: %w", out.ID, err)
	}
	out.SandboxHandle = handle.String
	if result.Valid && result.String != "" {
		out.Result = &session.Result{}
		if err := json.Unmarshal([]byte(result.String), out.Result); err != nil {
			return session.Session{}, fmt.Errorf("decode result of session %q: %w", out.ID, err)
		}
	}
	if metrics.Valid && metrics.String != "" {
		if err := json.Unmarshal([]byte(metrics.String), &out.Metrics); err != nil {
			return session.Session{}, fmt.Errorf("decode metrics of session %q: %w", out.ID, err)
		}
	}
	out.CreatedAt = time.Unix(0, createdAt).UTC()
	if startedAt.Valid {
		t := time.Unix(0, startedAt.Int64).UTC()
		out.StartedAt = &t
	}
	if completedAt.Valid {
		t := time.Unix(0, completedAt.Int64).UTC()
		out.CompletedAt = &t
	}
	return out, nil
}

func (s *SQLite) Get(ctx context.Context, id string) (session.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM sessions WHERE id = ?`, id)
	out, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return session.Session{}, fmt.Errorf("%w: %q", session.ErrNotFound, id)
	}
	if err != nil {
		return session.Session{}, err
	}
	return out, nil
}

func (s *SQLite) CountActive(ctx context.Context, scope string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions WHERE scope = ? AND state NOT IN `+terminalList, scope).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active sessions in scope %q: %w", scope, err)
	}
	return n, nil
}

func (s *SQLite) ListNonTerminal(ctx context.Context) ([]session.Session, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+selectColumns+` FROM sessions WHERE state NOT IN `+terminalList+` ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list non-terminal sessions: %w", err)
	}
	defer rows.Close()

	var out []session.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}
