// Package memory is the agent's long-term memory: user-scoped notes with
// tag metadata, searched by FTS5 full-text match with a recency fallback.
package memory

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/maxagent/maxd/internal/store"
)

// Entry is one remembered fact.
type Entry struct {
	ID          string
	UserID      string
	Content     string
	Tags        []string
	CreatedAt   int64
	AccessedAt  int64
	AccessCount int
}

// SearchResult pairs an entry with its relevance score. Recency-fallback
// results carry a zero score.
type SearchResult struct {
	Entry
	Score float64
}

// TagContextSummary marks entries produced by context compaction.
const TagContextSummary = "context_summary"

// Store keeps memories in SQLite with an FTS5 index.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// Open opens (or creates) the memory database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	slog.Info("memory store opened", "path", path)
	return s, nil
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS memories (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			content TEXT NOT NULL,
			tags TEXT NOT NULL DEFAULT '[]',
			created_at INTEGER NOT NULL DEFAULT (strftime('%s','now')),
			accessed_at INTEGER NOT NULL DEFAULT (strftime('%s','now')),
			access_count INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_user ON memories(user_id, created_at)`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS memories_fts USING fts5(
			content,
			id UNINDEXED,
			user_id UNINDEXED,
			tokenize='porter unicode61'
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt[:min(len(stmt), 60)], err)
		}
	}
	return nil
}

// Save stores a new memory for a user and returns its id.
func (s *Store) Save(userID, content string, tags []string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if strings.TrimSpace(content) == "" {
		return "", fmt.Errorf("empty memory content")
	}
	if tags == nil {
		tags = []string{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return "", fmt.Errorf("marshal tags: %w", err)
	}

	id := store.NewID()
	tx, err := s.db.Begin()
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	now := time.Now().Unix()
	_, err = tx.Exec(`INSERT INTO memories (id, user_id, content, tags, created_at, accessed_at, access_count)
		VALUES (?, ?, ?, ?, ?, ?, 0)`,
		id, userID, content, string(tagsJSON), now, now)
	if err != nil {
		return "", fmt.Errorf("insert memory: %w", err)
	}
	_, err = tx.Exec(`INSERT INTO memories_fts (content, id, user_id) VALUES (?, ?, ?)`,
		content, id, userID)
	if err != nil {
		return "", fmt.Errorf("insert fts: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", err
	}
	return id, nil
}

// Search runs an FTS5 match scoped to the user, ranked by BM25. If the
// query matches nothing, the most recent memories are returned instead so
// the agent always has something to recall. Returned entries are touched:
// accessed_at and access_count update.
func (s *Store) Search(userID, query string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 5
	}

	results, err := s.searchFTS(userID, query, limit)
	if err != nil {
		slog.Warn("memory fts query failed, falling back to recency", "error", err)
	}
	if len(results) == 0 {
		results, err = s.listRecent(userID, limit)
		if err != nil {
			return nil, err
		}
	}

	s.touch(results)
	return results, nil
}

func (s *Store) searchFTS(userID, query string, limit int) ([]SearchResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query = ftsSanitize(query)
	if query == "" {
		return nil, nil
	}

	rows, err := s.db.Query(`SELECT m.id, m.user_id, m.content, m.tags, m.created_at, m.accessed_at, m.access_count,
			1.0 / (1.0 + abs(memories_fts.rank)) AS score
		FROM memories_fts
		JOIN memories m ON m.id = memories_fts.id
		WHERE memories_fts MATCH ? AND memories_fts.user_id = ?
		ORDER BY memories_fts.rank
		LIMIT ?`, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("fts query: %w", err)
	}
	defer rows.Close()

	return scanResults(rows, true)
}

func (s *Store) listRecent(userID string, limit int) ([]SearchResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT id, user_id, content, tags, created_at, accessed_at, access_count
		FROM memories WHERE user_id = ?
		ORDER BY created_at DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent query: %w", err)
	}
	defer rows.Close()

	return scanResults(rows, false)
}

// ListRecent returns a user's newest memories without touching them.
func (s *Store) ListRecent(userID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	results, err := s.listRecent(userID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(results))
	for _, r := range results {
		out = append(out, r.Entry)
	}
	return out, nil
}

// Delete removes one memory.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	tx.Exec(`DELETE FROM memories_fts WHERE id = ?`, id)
	res, err := tx.Exec(`DELETE FROM memories WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: memory %s", store.ErrNotFound, id)
	}
	return tx.Commit()
}

// Count returns the number of memories stored for a user.
func (s *Store) Count(userID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	s.db.QueryRow(`SELECT COUNT(*) FROM memories WHERE user_id = ?`, userID).Scan(&count)
	return count
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) touch(results []SearchResult) {
	if len(results) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Unix()
	for _, r := range results {
		s.db.Exec(`UPDATE memories SET accessed_at = ?, access_count = access_count + 1 WHERE id = ?`,
			now, r.ID)
	}
}

func scanResults(rows *sql.Rows, withScore bool) ([]SearchResult, error) {
	var out []SearchResult
	for rows.Next() {
		var r SearchResult
		var tagsJSON string
		var err error
		if withScore {
			err = rows.Scan(&r.ID, &r.UserID, &r.Content, &tagsJSON, &r.CreatedAt, &r.AccessedAt, &r.AccessCount, &r.Score)
		} else {
			err = rows.Scan(&r.ID, &r.UserID, &r.Content, &tagsJSON, &r.CreatedAt, &r.AccessedAt, &r.AccessCount)
		}
		if err != nil {
			continue
		}
		json.Unmarshal([]byte(tagsJSON), &r.Tags)
		out = append(out, r)
	}
	return out, rows.Err()
}

// ftsSanitize quotes each term so user punctuation cannot break the FTS5
// query grammar.
func ftsSanitize(query string) string {
	fields := strings.Fields(query)
	quoted := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.ReplaceAll(f, `"`, "")
		if f == "" {
			continue
		}
		quoted = append(quoted, `"`+f+`"`)
	}
	return strings.Join(quoted, " ")
}
