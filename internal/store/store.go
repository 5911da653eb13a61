package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/maxagent/maxd/internal/capability"
	"github.com/maxagent/maxd/internal/contextwin"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// NewID returns a time-ordered unique id for rows and proposals.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Store persists session windows and the action audit log. It runs on
// SQLite for standalone deployments and Postgres for managed ones; queries
// are written with ? placeholders and rebound per driver.
type Store struct {
	db     *sqlx.DB
	driver string
}

// Open connects to the backing database. driver is "sqlite" or "postgres".
func Open(driver, dsn string) (*Store, error) {
	switch driver {
	case "sqlite":
		db, err := sqlx.Open("sqlite", dsn+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		// modernc sqlite serializes writes; a single connection avoids
		// SQLITE_BUSY under concurrent turns.
		db.SetMaxOpenConns(1)
		s := &Store{db: db, driver: driver}
		if err := s.migrate(); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate sqlite: %w", err)
		}
		slog.Info("store opened", "driver", driver, "path", dsn)
		return s, nil

	case "postgres":
		db, err := sqlx.Open("pgx", dsn)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(10)
		if err := db.Ping(); err != nil {
			db.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		s := &Store{db: db, driver: driver}
		if err := s.migrate(); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate postgres: %w", err)
		}
		slog.Info("store opened", "driver", driver)
		return s, nil

	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	timestamp := "INTEGER NOT NULL"
	if s.driver == "postgres" {
		timestamp = "BIGINT NOT NULL"
	}

	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS sessions (
			key TEXT PRIMARY KEY,
			window TEXT NOT NULL,
			updated_at %s
		)`, timestamp),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS audit_log (
			id TEXT PRIMARY KEY,
			session_key TEXT NOT NULL,
			proposal_id TEXT NOT NULL,
			capability TEXT NOT NULL,
			arguments TEXT NOT NULL,
			reversibility TEXT NOT NULL,
			decision TEXT NOT NULL,
			outcome TEXT NOT NULL,
			content TEXT NOT NULL,
			duration_ms %s,
			created_at %s
		)`, timestamp, timestamp),
		`CREATE INDEX IF NOT EXISTS idx_audit_session ON audit_log(session_key, created_at)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS turns (
			id TEXT PRIMARY KEY,
			session_key TEXT NOT NULL,
			turn_no %s,
			user_text TEXT NOT NULL,
			reply TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at %s
		)`, timestamp, timestamp),
		`CREATE INDEX IF NOT EXISTS idx_turns_session ON turns(session_key, created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt[:40], err)
		}
	}
	return nil
}

// SaveWindow upserts the serialized context window for a session.
func (s *Store) SaveWindow(sessionKey string, state contextwin.State) error {
	blob, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal window: %w", err)
	}

	query := `INSERT INTO sessions (key, window, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET window = excluded.window, updated_at = excluded.updated_at`
	_, err = s.db.Exec(s.db.Rebind(query), sessionKey, string(blob), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("save window %s: %w", sessionKey, err)
	}
	return nil
}

// LoadWindow returns the persisted window state for a session, or
// ErrNotFound.
func (s *Store) LoadWindow(sessionKey string) (contextwin.State, error) {
	var blob string
	err := s.db.Get(&blob, s.db.Rebind(`SELECT window FROM sessions WHERE key = ?`), sessionKey)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return contextwin.State{}, fmt.Errorf("%w: session %s", ErrNotFound, sessionKey)
		}
		return contextwin.State{}, fmt.Errorf("load window %s: %w", sessionKey, err)
	}

	var state contextwin.State
	if err := json.Unmarshal([]byte(blob), &state); err != nil {
		return contextwin.State{}, fmt.Errorf("unmarshal window %s: %w", sessionKey, err)
	}
	return state, nil
}

// SessionInfo is a row in the session listing.
type SessionInfo struct {
	Key       string `db:"key"`
	UpdatedAt int64  `db:"updated_at"`
}

// ListSessions returns persisted sessions, most recently updated first.
func (s *Store) ListSessions() ([]SessionInfo, error) {
	var out []SessionInfo
	err := s.db.Select(&out, `SELECT key, updated_at FROM sessions ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return out, nil
}

// DeleteSession removes a persisted session window. The audit log for
// the session is kept.
func (s *Store) DeleteSession(key string) error {
	res, err := s.db.Exec(s.db.Rebind(`DELETE FROM sessions WHERE key = ?`), key)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s not found", key)
	}
	return nil
}

// TurnRecord is one row of the append-only turn log.
type TurnRecord struct {
	ID         string `db:"id"`
	SessionKey string `db:"session_key"`
	TurnNo     int    `db:"turn_no"`
	UserText   string `db:"user_text"`
	Reply      string `db:"reply"`
	Status     string `db:"status"`
	CreatedAt  int64  `db:"created_at"`
}

// AppendTurn appends one committed turn to the turn log. Rows are never
// updated or deleted.
func (s *Store) AppendTurn(sessionKey string, turnNo int, userText, reply, status string) error {
	query := `INSERT INTO turns (id, session_key, turn_no, user_text, reply, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.Exec(s.db.Rebind(query),
		NewID(), sessionKey, turnNo, userText, reply, status, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("append turn %s: %w", sessionKey, err)
	}
	return nil
}

// ListTurns returns the most recent turns for a session.
func (s *Store) ListTurns(sessionKey string, limit int) ([]TurnRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []TurnRecord
	query := `SELECT * FROM turns WHERE session_key = ? ORDER BY created_at DESC, id DESC LIMIT ?`
	if err := s.db.Select(&out, s.db.Rebind(query), sessionKey, limit); err != nil {
		return nil, fmt.Errorf("list turns: %w", err)
	}
	return out, nil
}

// AuditRecord is one row of the append-only action log.
type AuditRecord struct {
	ID            string `db:"id"`
	SessionKey    string `db:"session_key"`
	ProposalID    string `db:"proposal_id"`
	Capability    string `db:"capability"`
	Arguments     string `db:"arguments"`
	Reversibility string `db:"reversibility"`
	Decision      string `db:"decision"`
	Outcome       string `db:"outcome"`
	Content       string `db:"content"`
	DurationMs    int64  `db:"duration_ms"`
	CreatedAt     int64  `db:"created_at"`
}

// RecordAction appends one action decision and outcome to the audit log.
// Implements the agent loop's audit sink.
func (s *Store) RecordAction(sessionKey string, p capability.ActionProposal, decision string, obs capability.Observation) {
	args, err := json.Marshal(p.Arguments)
	if err != nil {
		args = []byte("{}")
	}

	query := `INSERT INTO audit_log
		(id, session_key, proposal_id, capability, arguments, reversibility, decision, outcome, content, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.Exec(s.db.Rebind(query),
		NewID(), sessionKey, p.ID, p.Capability, string(args), string(p.Reversibility),
		decision, string(obs.Outcome), obs.Content, obs.DurationMs, time.Now().UnixMilli())
	if err != nil {
		// The audit log must never fail a turn.
		slog.Error("audit append failed", "session", sessionKey, "proposal", p.ID, "error", err)
	}
}

// ListActions returns the most recent audit records for a session.
func (s *Store) ListActions(sessionKey string, limit int) ([]AuditRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []AuditRecord
	query := `SELECT * FROM audit_log WHERE session_key = ? ORDER BY created_at DESC, id DESC LIMIT ?`
	if err := s.db.Select(&out, s.db.Rebind(query), sessionKey, limit); err != nil {
		return nil, fmt.Errorf("list actions: %w", err)
	}
	return out, nil
}
