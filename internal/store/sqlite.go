package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/glebarez/go-sqlite"

	"github.com/rahul/goalscript/internal/goal"
)

const sqliteTime = "2006-01-02 15:04:05"

// SQLiteStore keeps instructions, the oracle cache, scheduled tasks and
// conversation history in one SQLite database.
type SQLiteStore struct {
	DB *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	// Create tables if not exist
	queries := []string{
		`CREATE TABLE IF NOT EXISTS instructions (
			goal_path TEXT NOT NULL,
			step_index INTEGER NOT NULL,
			module TEXT NOT NULL,
			function TEXT NOT NULL,
			text_hash TEXT NOT NULL,
			built_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (goal_path, step_index)
		);`,
		`CREATE TABLE IF NOT EXISTS llm_cache (
			key TEXT PRIMARY KEY,
			value TEXT,
			expires_at INTEGER DEFAULT 0
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			chat_id TEXT,
			role TEXT,
			content TEXT,
			timestamp DATETIME DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			chat_id TEXT,
			goal_name TEXT,
			parameters TEXT,
			interval_seconds INTEGER,
			last_run DATETIME,
			status TEXT DEFAULT 'active'
		);`,
	}
	for _, q := range queries {
		_, err = db.Exec(q)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("init schema: %w", err)
		}
	}

	return &SQLiteStore{DB: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.DB.Close()
}

func (s *SQLiteStore) LoadInstruction(ctx context.Context, goalPath string, stepIndex int) (*goal.Instruction, error) {
	query := `SELECT module, function, text_hash, built_at FROM instructions WHERE goal_path = ? AND step_index = ?`
	var (
		module, function, hash string
		builtAt                any
	)
	err := s.DB.QueryRowContext(ctx, query, goalPath, stepIndex).Scan(&module, &function, &hash, &builtAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load instruction: %w", err)
	}

	in := &goal.Instruction{Module: module, TextHash: hash, BuiltAt: parseTime(builtAt)}
	if err := json.Unmarshal([]byte(function), &in.Function); err != nil {
		return nil, fmt.Errorf("decode instruction %s#%d: %w", goalPath, stepIndex, err)
	}
	return in, nil
}

func (s *SQLiteStore) SaveInstruction(ctx context.Context, goalPath string, stepIndex int, in *goal.Instruction) error {
	fn, err := json.Marshal(in.Function)
	if err != nil {
		return fmt.Errorf("encode instruction: %w", err)
	}
	builtAt := in.BuiltAt
	if builtAt.IsZero() {
		builtAt = time.Now()
	}
	query := `INSERT OR REPLACE INTO instructions (goal_path, step_index, module, function, text_hash, built_at) VALUES (?, ?, ?, ?, ?, ?)`
	_, err = s.DB.ExecContext(ctx, query, goalPath, stepIndex, in.Module, string(fn), in.TextHash, builtAt.UTC().Format(sqliteTime))
	return err
}

func (s *SQLiteStore) DeleteInstructions(ctx context.Context, goalPath string) error {
	query := `DELETE FROM instructions WHERE goal_path = ?`
	_, err := s.DB.ExecContext(ctx, query, goalPath)
	return err
}

func (s *SQLiteStore) GetResponse(ctx context.Context, key string) (string, bool, error) {
	query := `SELECT value FROM llm_cache WHERE key = ? AND (expires_at = 0 OR expires_at > ?)`
	var value string
	err := s.DB.QueryRowContext(ctx, query, key, time.Now().Unix()).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (s *SQLiteStore) PutResponse(ctx context.Context, key, value string, ttl time.Duration) error {
	var expires int64
	if ttl > 0 {
		expires = time.Now().Add(ttl).Unix()
	}
	query := `INSERT OR REPLACE INTO llm_cache (key, value, expires_at) VALUES (?, ?, ?)`
	_, err := s.DB.ExecContext(ctx, query, key, value, expires)
	return err
}

func (s *SQLiteStore) AddMessage(ctx context.Context, conversation, role, content string) error {
	query := `INSERT INTO messages (chat_id, role, content) VALUES (?, ?, ?)`
	_, err := s.DB.ExecContext(ctx, query, conversation, role, content)
	return err
}

// GetHistory returns the latest limit messages in chronological order.
func (s *SQLiteStore) GetHistory(ctx context.Context, conversation string, limit int) ([]Message, error) {
	query := `SELECT role, content FROM messages WHERE chat_id = ? ORDER BY id DESC LIMIT ?`
	rows, err := s.DB.QueryContext(ctx, query, conversation, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.Role, &m.Content); err != nil {
			return nil, err
		}
		history = append(history, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse to get chronological order
	for i, j := 0, len(history)-1; i < j; i, j = i+1, j-1 {
		history[i], history[j] = history[j], history[i]
	}
	return history, nil
}

func (s *SQLiteStore) AddTask(ctx context.Context, t Task) (int64, error) {
	params, err := json.Marshal(t.Parameters)
	if err != nil {
		return 0, fmt.Errorf("encode task parameters: %w", err)
	}
	// A zero LastRun makes the task due at the next poll; a future one
	// delays it.
	lastRun := time.Now().AddDate(-1, 0, 0)
	if !t.LastRun.IsZero() {
		lastRun = t.LastRun
	}
	query := `INSERT INTO tasks (chat_id, goal_name, parameters, interval_seconds, last_run) VALUES (?, ?, ?, ?, ?)`
	res, err := s.DB.ExecContext(ctx, query, t.Owner, t.GoalName, string(params), t.IntervalSeconds, lastRun.UTC().Format(sqliteTime))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// PendingTasks returns active tasks whose interval has elapsed.
func (s *SQLiteStore) PendingTasks(ctx context.Context) ([]Task, error) {
	query := `
		SELECT id, chat_id, goal_name, parameters, interval_seconds, last_run, status
		FROM tasks
		WHERE status = 'active'
		AND (last_run IS NULL OR (julianday('now') - julianday(last_run)) * 86400 >= interval_seconds)`
	return s.queryTasks(ctx, query)
}

func (s *SQLiteStore) ListTasks(ctx context.Context, owner string) ([]Task, error) {
	query := `SELECT id, chat_id, goal_name, parameters, interval_seconds, last_run, status FROM tasks WHERE chat_id = ? ORDER BY id`
	return s.queryTasks(ctx, query, owner)
}

func (s *SQLiteStore) queryTasks(ctx context.Context, query string, args ...any) ([]Task, error) {
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		var (
			t       Task
			params  sql.NullString
			lastRun any
		)
		if err := rows.Scan(&t.ID, &t.Owner, &t.GoalName, &params, &t.IntervalSeconds, &lastRun, &t.Status); err != nil {
			return nil, err
		}
		if params.Valid && params.String != "" && params.String != "null" {
			if err := json.Unmarshal([]byte(params.String), &t.Parameters); err != nil {
				return nil, fmt.Errorf("decode task %d parameters: %w", t.ID, err)
			}
		}
		t.LastRun = parseTime(lastRun)
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *SQLiteStore) UpdateTaskLastRun(ctx context.Context, id int64) error {
	query := `UPDATE tasks SET last_run = datetime('now') WHERE id = ?`
	_, err := s.DB.ExecContext(ctx, query, id)
	return err
}

func (s *SQLiteStore) DeleteTask(ctx context.Context, owner string, id int64) error {
	query := `DELETE FROM tasks WHERE chat_id = ? AND id = ?`
	res, err := s.DB.ExecContext(ctx, query, owner, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) ClearTasks(ctx context.Context, owner string) error {
	query := `DELETE FROM tasks WHERE chat_id = ?`
	_, err := s.DB.ExecContext(ctx, query, owner)
	return err
}

func parseTime(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case string:
		return parseTimeString(t)
	case []byte:
		return parseTimeString(string(t))
	}
	return time.Time{}
}

func parseTimeString(s string) time.Time {
	for _, layout := range []string{sqliteTime, time.RFC3339Nano, time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
