package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLite is the database-backed store.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (or creates) the SQLite database under dataDir.
func NewSQLite(dataDir string) (*SQLite, error) {
	if dataDir == "" {
		return nil, fmt.Errorf("sqlite store: data dir is required")
	}
	db, err := sql.Open("sqlite", filepath.Join(dataDir, "patchline.db"))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL for better concurrent access.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	s := &SQLite{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLite) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS feedback (
		id          TEXT PRIMARY KEY,
		user_id     TEXT DEFAULT '',
		content     TEXT NOT NULL,
		language    TEXT DEFAULT '',
		status      TEXT NOT NULL,
		result      TEXT DEFAULT '',
		created_at  DATETIME NOT NULL,
		updated_at  DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS tasks (
		id            TEXT PRIMARY KEY,
		feedback_id   TEXT NOT NULL REFERENCES feedback(id),
		status        TEXT NOT NULL,
		error         TEXT DEFAULT '',
		created_at    DATETIME NOT NULL,
		completed_at  DATETIME
	);

	CREATE TABLE IF NOT EXISTS stages (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id     TEXT NOT NULL REFERENCES tasks(id),
		name        TEXT NOT NULL,
		status      TEXT NOT NULL,
		started_at  DATETIME NOT NULL,
		ended_at    DATETIME,
		data        TEXT DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS token_usage (
		id                 TEXT PRIMARY KEY,
		task_id            TEXT DEFAULT '',
		feedback_id        TEXT DEFAULT '',
		model              TEXT NOT NULL,
		prompt_tokens      INTEGER NOT NULL DEFAULT 0,
		completion_tokens  INTEGER NOT NULL DEFAULT 0,
		call_type          TEXT DEFAULT '',
		success            INTEGER NOT NULL DEFAULT 0,
		error              TEXT DEFAULT '',
		timestamp          DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS breaker_events (
		id               TEXT PRIMARY KEY,
		service          TEXT NOT NULL,
		action           TEXT DEFAULT '',
		event_type       TEXT NOT NULL,
		daily_tokens     INTEGER NOT NULL DEFAULT 0,
		concurrent_tasks INTEGER NOT NULL DEFAULT 0,
		circuit_state    TEXT DEFAULT '',
		task_id          TEXT DEFAULT '',
		resolved         INTEGER NOT NULL DEFAULT 0,
		resolution       TEXT DEFAULT '',
		timestamp        DATETIME NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLite) CreateFeedback(f *Feedback) error {
	_, err := s.db.Exec(
		`INSERT INTO feedback (id, user_id, content, language, status, result, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.UserID, f.Content, f.Language, string(f.Status), f.Result, f.CreatedAt, f.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert feedback: %w", err)
	}
	s.trim("feedback", maxFeedbackRecords)
	return nil
}

const feedbackColumns = `id, user_id, content, language, status, result, created_at, updated_at`

func (s *SQLite) GetFeedback(id string) (*Feedback, error) {
	row := s.db.QueryRow(`SELECT `+feedbackColumns+` FROM feedback WHERE id = ?`, id)
	var f Feedback
	err := row.Scan(&f.ID, &f.UserID, &f.Content, &f.Language, &f.Status, &f.Result, &f.CreatedAt, &f.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("feedback %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan feedback: %w", err)
	}
	return &f, nil
}

func (s *SQLite) UpdateFeedback(f *Feedback) error {
	f.UpdatedAt = time.Now().UTC()
	res, err := s.db.Exec(
		`UPDATE feedback SET status = ?, result = ?, updated_at = ? WHERE id = ?`,
		string(f.Status), f.Result, f.UpdatedAt, f.ID,
	)
	if err != nil {
		return fmt.Errorf("update feedback: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update feedback %s: %w", f.ID, ErrNotFound)
	}
	return nil
}

func (s *SQLite) ListFeedback(filter FeedbackFilter) ([]Feedback, int, error) {
	where := ` WHERE 1=1`
	var args []any
	if filter.Status != "" {
		where += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.Language != "" {
		where += ` AND language = ?`
		args = append(args, filter.Language)
	}

	var total int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM feedback`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count feedback: %w", err)
	}

	query := `SELECT ` + feedbackColumns + ` FROM feedback` + where + ` ORDER BY created_at DESC`
	query += limitClause(filter.Limit, filter.Offset)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query feedback: %w", err)
	}
	defer rows.Close()

	var list []Feedback
	for rows.Next() {
		var f Feedback
		if err := rows.Scan(&f.ID, &f.UserID, &f.Content, &f.Language, &f.Status, &f.Result, &f.CreatedAt, &f.UpdatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan feedback: %w", err)
		}
		list = append(list, f)
	}
	return list, total, rows.Err()
}

func (s *SQLite) CreateTask(t *Task) error {
	_, err := s.db.Exec(
		`INSERT INTO tasks (id, feedback_id, status, error, created_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		t.ID, t.FeedbackID, string(t.Status), t.Error, t.CreatedAt, nullTime(t.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	for _, st := range t.Stages {
		if err := s.AppendStage(t.ID, st); err != nil {
			return err
		}
	}
	s.trim("tasks", maxTaskRecords)
	return nil
}

func (s *SQLite) GetTask(id string) (*Task, error) {
	row := s.db.QueryRow(`SELECT id, feedback_id, status, error, created_at, completed_at FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err != nil {
		return nil, err
	}
	stages, err := s.taskStages(id)
	if err != nil {
		return nil, err
	}
	t.Stages = stages
	return t, nil
}

func (s *SQLite) UpdateTask(t *Task) error {
	res, err := s.db.Exec(
		`UPDATE tasks SET status = ?, error = ?, completed_at = ? WHERE id = ?`,
		string(t.Status), t.Error, nullTime(t.CompletedAt), t.ID,
	)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update task %s: %w", t.ID, ErrNotFound)
	}
	return nil
}

func (s *SQLite) AppendStage(taskID string, st Stage) error {
	data := ""
	if st.Data != nil {
		b, err := json.Marshal(st.Data)
		if err != nil {
			return fmt.Errorf("marshal stage data: %w", err)
		}
		data = string(b)
	}
	_, err := s.db.Exec(
		`INSERT INTO stages (task_id, name, status, started_at, ended_at, data)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		taskID, st.Name, string(st.Status), st.StartedAt, nullTime(st.EndedAt), data,
	)
	if err != nil {
		return fmt.Errorf("insert stage: %w", err)
	}
	return nil
}

func (s *SQLite) ListTasks(filter TaskFilter) ([]Task, int, error) {
	where := ` WHERE 1=1`
	var args []any
	if filter.FeedbackID != "" {
		where += ` AND feedback_id = ?`
		args = append(args, filter.FeedbackID)
	}
	if filter.Status != "" {
		where += ` AND status = ?`
		args = append(args, string(filter.Status))
	}

	var total int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM tasks`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count tasks: %w", err)
	}

	query := `SELECT id, feedback_id, status, error, created_at, completed_at FROM tasks` + where + ` ORDER BY created_at DESC`
	query += limitClause(filter.Limit, filter.Offset)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var list []Task
	for rows.Next() {
		t, err := scanTaskRows(rows)
		if err != nil {
			return nil, 0, err
		}
		list = append(list, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	for i := range list {
		stages, err := s.taskStages(list[i].ID)
		if err != nil {
			return nil, 0, err
		}
		list[i].Stages = stages
	}
	return list, total, nil
}

func (s *SQLite) taskStages(taskID string) ([]Stage, error) {
	rows, err := s.db.Query(
		`SELECT name, status, started_at, ended_at, data FROM stages WHERE task_id = ? ORDER BY id`,
		taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("query stages: %w", err)
	}
	defer rows.Close()

	var stages []Stage
	for rows.Next() {
		var st Stage
		var ended sql.NullTime
		var data string
		if err := rows.Scan(&st.Name, &st.Status, &st.StartedAt, &ended, &data); err != nil {
			return nil, fmt.Errorf("scan stage: %w", err)
		}
		if ended.Valid {
			st.EndedAt = ended.Time
		}
		if data != "" {
			if err := json.Unmarshal([]byte(data), &st.Data); err != nil {
				return nil, fmt.Errorf("parse stage data: %w", err)
			}
		}
		stages = append(stages, st)
	}
	return stages, rows.Err()
}

func (s *SQLite) AppendTokenUsage(u *TokenUsage) error {
	_, err := s.db.Exec(
		`INSERT INTO token_usage (id, task_id, feedback_id, model, prompt_tokens, completion_tokens, call_type, success, error, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.TaskID, u.FeedbackID, u.Model, u.PromptTokens, u.CompletionTokens, u.CallType, boolInt(u.Success), u.Error, u.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert token usage: %w", err)
	}
	s.trim("token_usage", maxUsageRecords)
	return nil
}

func (s *SQLite) ListTokenUsage(filter UsageFilter) ([]TokenUsage, int, error) {
	where := ` WHERE 1=1`
	var args []any
	if filter.TaskID != "" {
		where += ` AND task_id = ?`
		args = append(args, filter.TaskID)
	}
	if filter.FeedbackID != "" {
		where += ` AND feedback_id = ?`
		args = append(args, filter.FeedbackID)
	}
	if !filter.Since.IsZero() {
		where += ` AND timestamp >= ?`
		args = append(args, filter.Since)
	}
	if !filter.Until.IsZero() {
		where += ` AND timestamp <= ?`
		args = append(args, filter.Until)
	}

	var total int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM token_usage`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count token usage: %w", err)
	}

	query := `SELECT id, task_id, feedback_id, model, prompt_tokens, completion_tokens, call_type, success, error, timestamp
	          FROM token_usage` + where + ` ORDER BY timestamp DESC`
	query += limitClause(filter.Limit, filter.Offset)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query token usage: %w", err)
	}
	defer rows.Close()

	var list []TokenUsage
	for rows.Next() {
		var u TokenUsage
		var success int
		if err := rows.Scan(&u.ID, &u.TaskID, &u.FeedbackID, &u.Model, &u.PromptTokens, &u.CompletionTokens, &u.CallType, &success, &u.Error, &u.Timestamp); err != nil {
			return nil, 0, fmt.Errorf("scan token usage: %w", err)
		}
		u.Success = success != 0
		list = append(list, u)
	}
	return list, total, rows.Err()
}

func (s *SQLite) AppendBreakerEvent(e *BreakerEvent) error {
	_, err := s.db.Exec(
		`INSERT INTO breaker_events (id, service, action, event_type, daily_tokens, concurrent_tasks, circuit_state, task_id, resolved, resolution, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Service, e.Action, string(e.Type), e.Usage.DailyTokensUsed, e.Usage.ConcurrentTasks, e.Usage.CircuitState,
		e.TaskID, boolInt(e.Resolved), e.Resolution, e.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert breaker event: %w", err)
	}
	s.trim("breaker_events", maxEventRecords)
	return nil
}

func (s *SQLite) ResolveBreakerEvent(id, note string) error {
	res, err := s.db.Exec(
		`UPDATE breaker_events SET resolved = 1, resolution = ? WHERE id = ?`,
		note, id,
	)
	if err != nil {
		return fmt.Errorf("resolve breaker event: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("resolve breaker event %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *SQLite) ListBreakerEvents(filter EventFilter) ([]BreakerEvent, int, error) {
	where := ` WHERE 1=1`
	var args []any
	if filter.Service != "" {
		where += ` AND service = ?`
		args = append(args, filter.Service)
	}
	if filter.UnresolvedOnly {
		where += ` AND resolved = 0`
	}

	var total int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM breaker_events`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count breaker events: %w", err)
	}

	query := `SELECT id, service, action, event_type, daily_tokens, concurrent_tasks, circuit_state, task_id, resolved, resolution, timestamp
	          FROM breaker_events` + where + ` ORDER BY timestamp DESC`
	query += limitClause(filter.Limit, filter.Offset)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query breaker events: %w", err)
	}
	defer rows.Close()

	var list []BreakerEvent
	for rows.Next() {
		var e BreakerEvent
		var resolved int
		if err := rows.Scan(&e.ID, &e.Service, &e.Action, &e.Type, &e.Usage.DailyTokensUsed, &e.Usage.ConcurrentTasks, &e.Usage.CircuitState, &e.TaskID, &resolved, &e.Resolution, &e.Timestamp); err != nil {
			return nil, 0, fmt.Errorf("scan breaker event: %w", err)
		}
		e.Resolved = resolved != 0
		list = append(list, e)
	}
	return list, total, rows.Err()
}

func (s *SQLite) Flush() error { return nil }

func (s *SQLite) Close() error { return s.db.Close() }

// trim drops the oldest rows beyond the retention cap.
func (s *SQLite) trim(table string, cap int) {
	s.db.Exec(
		`DELETE FROM `+table+` WHERE rowid NOT IN (SELECT rowid FROM `+table+` ORDER BY rowid DESC LIMIT ?)`,
		cap,
	)
}

func limitClause(limit, offset int) string {
	clause := ""
	if limit > 0 {
		clause += fmt.Sprintf(" LIMIT %d", limit)
		if offset > 0 {
			clause += fmt.Sprintf(" OFFSET %d", offset)
		}
	} else if offset > 0 {
		clause += fmt.Sprintf(" LIMIT -1 OFFSET %d", offset)
	}
	return clause
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func scanTask(row *sql.Row) (*Task, error) {
	var t Task
	var completed sql.NullTime
	err := row.Scan(&t.ID, &t.FeedbackID, &t.Status, &t.Error, &t.CreatedAt, &completed)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}
	if completed.Valid {
		t.CompletedAt = completed.Time
	}
	return &t, nil
}

func scanTaskRows(rows *sql.Rows) (*Task, error) {
	var t Task
	var completed sql.NullTime
	err := rows.Scan(&t.ID, &t.FeedbackID, &t.Status, &t.Error, &t.CreatedAt, &completed)
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}
	if completed.Valid {
		t.CompletedAt = completed.Time
	}
	return &t, nil
}
