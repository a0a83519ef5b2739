package knowledge

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS projects (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	priority TEXT NOT NULL,
	status TEXT NOT NULL,
	due_at INTEGER,
	project_id TEXT REFERENCES projects(id) ON DELETE SET NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_status_due ON tasks(status, due_at);
CREATE TABLE IF NOT EXISTS notes (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	content TEXT NOT NULL DEFAULT '',
	media_url TEXT NOT NULL DEFAULT '',
	media_type TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS tags (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL UNIQUE COLLATE NOCASE,
	color TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS task_tags (
	task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	tag_id TEXT NOT NULL REFERENCES tags(id) ON DELETE CASCADE,
	PRIMARY KEY (task_id, tag_id)
);
CREATE TABLE IF NOT EXISTS note_tags (
	note_id TEXT NOT NULL REFERENCES notes(id) ON DELETE CASCADE,
	tag_id TEXT NOT NULL REFERENCES tags(id) ON DELETE CASCADE,
	PRIMARY KEY (note_id, tag_id)
);
`

type Options struct {
	Clock clockwork.Clock
}

// SQLiteStore implements Store on a single SQLite file.
type SQLiteStore struct {
	db    *sql.DB
	clock clockwork.Clock
}

var _ Store = (*SQLiteStore)(nil)

func Open(path string, opts Options) (*SQLiteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("%w: empty database path", ErrInvalidInput)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create database dir: %w", err)
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}

	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single connection serialises writers and keeps pragmas applied.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &SQLiteStore{db: db, clock: opts.Clock}, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLiteStore) now() time.Time {
	return s.clock.Now().UTC().Truncate(time.Millisecond)
}

func millis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil || t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func nullString(s string) sql.NullString {
	s = strings.TrimSpace(s)
	return sql.NullString{String: s, Valid: s != ""}
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func checkAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ---- tasks ----

const taskColumns = `id, title, description, priority, status, due_at, project_id, created_at, updated_at`

func (s *SQLiteStore) CreateTask(ctx context.Context, t Task) (Task, error) {
	t.Title = strings.TrimSpace(t.Title)
	if t.Title == "" {
		return Task{}, fmt.Errorf("%w: task title is required", ErrInvalidInput)
	}
	now := s.now()
	t.ID = uuid.NewString()
	t.Priority = ParsePriority(string(t.Priority))
	if t.Status == "" {
		t.Status = TaskTodo
	}
	t.CreatedAt, t.UpdatedAt = now, now
	t.Tags = normalizeTags(t.Tags)

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO tasks (`+taskColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.ID, t.Title, t.Description, string(t.Priority), string(t.Status),
			nullMillis(t.DueDate), nullString(t.ProjectID), millis(now), millis(now))
		if err != nil {
			return err
		}
		return s.setTags(ctx, tx, "task_tags", "task_id", t.ID, t.Tags)
	})
	if err != nil {
		return Task{}, fmt.Errorf("create task: %w", err)
	}
	return t, nil
}

func (s *SQLiteStore) GetTask(ctx context.Context, id string) (Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, strings.TrimSpace(id))
	t, err := scanTask(row)
	if err != nil {
		return Task{}, notFound(err)
	}
	if t.Tags, err = s.loadTags(ctx, s.db, "task_tags", "task_id", t.ID); err != nil {
		return Task{}, err
	}
	return t, nil
}

func taskWhere(f TaskFilter) (string, []any) {
	var conds []string
	var args []any
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(f.Status))
	}
	if !f.DueBefore.IsZero() {
		conds = append(conds, "due_at IS NOT NULL AND due_at <= ?")
		args = append(args, millis(f.DueBefore))
	}
	if !f.CreatedSince.IsZero() {
		conds = append(conds, "created_at >= ?")
		args = append(args, millis(f.CreatedSince))
	}
	if !f.UpdatedSince.IsZero() {
		conds = append(conds, "updated_at >= ?")
		args = append(args, millis(f.UpdatedSince))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func limitClause(limit int) string {
	if limit <= 0 {
		return ""
	}
	return fmt.Sprintf(" LIMIT %d", limit)
}

func (s *SQLiteStore) ListTasks(ctx context.Context, f TaskFilter) ([]Task, error) {
	where, args := taskWhere(f)
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks`+where+` ORDER BY created_at DESC, id`+limitClause(f.Limit), args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, t)
	}
	if err := closeRows(rows); err != nil {
		return nil, err
	}
	for i := range out {
		if out[i].Tags, err = s.loadTags(ctx, s.db, "task_tags", "task_id", out[i].ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *SQLiteStore) UpdateTask(ctx context.Context, t Task) (Task, error) {
	t.Title = strings.TrimSpace(t.Title)
	if t.ID == "" || t.Title == "" {
		return Task{}, fmt.Errorf("%w: task id and title are required", ErrInvalidInput)
	}
	t.Priority = ParsePriority(string(t.Priority))
	if t.Status == "" {
		t.Status = TaskTodo
	}
	t.UpdatedAt = s.now()
	t.Tags = normalizeTags(t.Tags)

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE tasks SET title = ?, description = ?, priority = ?, status = ?, due_at = ?, project_id = ?, updated_at = ? WHERE id = ?`,
			t.Title, t.Description, string(t.Priority), string(t.Status), nullMillis(t.DueDate), nullString(t.ProjectID), millis(t.UpdatedAt), t.ID)
		if err != nil {
			return err
		}
		if err := checkAffected(res); err != nil {
			return err
		}
		return s.setTags(ctx, tx, "task_tags", "task_id", t.ID, t.Tags)
	})
	if err != nil {
		return Task{}, fmt.Errorf("update task %s: %w", t.ID, err)
	}
	return s.GetTask(ctx, t.ID)
}

func (s *SQLiteStore) SetTaskStatus(ctx context.Context, id string, status TaskStatus) (Task, error) {
	id = strings.TrimSpace(id)
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?`, string(status), millis(s.now()), id)
	if err != nil {
		return Task{}, fmt.Errorf("set task status: %w", err)
	}
	if err := checkAffected(res); err != nil {
		return Task{}, err
	}
	return s.GetTask(ctx, id)
}

func (s *SQLiteStore) DeleteTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, strings.TrimSpace(id))
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return checkAffected(res)
}

func (s *SQLiteStore) CountTasks(ctx context.Context, f TaskFilter) (int, error) {
	where, args := taskWhere(f)
	return s.count(ctx, `SELECT COUNT(*) FROM tasks`+where, args...)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(sc scanner) (Task, error) {
	var (
		t         Task
		priority  string
		status    string
		due       sql.NullInt64
		projectID sql.NullString
		created   int64
		updated   int64
	)
	if err := sc.Scan(&t.ID, &t.Title, &t.Description, &priority, &status, &due, &projectID, &created, &updated); err != nil {
		return Task{}, err
	}
	t.Priority = Priority(priority)
	t.Status = TaskStatus(status)
	if due.Valid {
		d := fromMillis(due.Int64)
		t.DueDate = &d
	}
	t.ProjectID = projectID.String
	t.CreatedAt = fromMillis(created)
	t.UpdatedAt = fromMillis(updated)
	return t, nil
}

// ---- notes ----

const noteColumns = `id, title, content, media_url, media_type, created_at, updated_at`

func (s *SQLiteStore) CreateNote(ctx context.Context, n Note) (Note, error) {
	n.Title = strings.TrimSpace(n.Title)
	if n.Title == "" {
		return Note{}, fmt.Errorf("%w: note title is required", ErrInvalidInput)
	}
	now := s.now()
	n.ID = uuid.NewString()
	n.CreatedAt, n.UpdatedAt = now, now
	n.Tags = normalizeTags(n.Tags)

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO notes (`+noteColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			n.ID, n.Title, n.Content, n.MediaURL, n.MediaType, millis(now), millis(now))
		if err != nil {
			return err
		}
		return s.setTags(ctx, tx, "note_tags", "note_id", n.ID, n.Tags)
	})
	if err != nil {
		return Note{}, fmt.Errorf("create note: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) GetNote(ctx context.Context, id string) (Note, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+noteColumns+` FROM notes WHERE id = ?`, strings.TrimSpace(id))
	n, err := scanNote(row)
	if err != nil {
		return Note{}, notFound(err)
	}
	if n.Tags, err = s.loadTags(ctx, s.db, "note_tags", "note_id", n.ID); err != nil {
		return Note{}, err
	}
	return n, nil
}

func noteWhere(f NoteFilter) (string, []any) {
	if f.CreatedSince.IsZero() {
		return "", nil
	}
	return " WHERE created_at >= ?", []any{millis(f.CreatedSince)}
}

func (s *SQLiteStore) ListNotes(ctx context.Context, f NoteFilter) ([]Note, error) {
	where, args := noteWhere(f)
	rows, err := s.db.QueryContext(ctx, `SELECT `+noteColumns+` FROM notes`+where+` ORDER BY created_at DESC, id`+limitClause(f.Limit), args...)
	if err != nil {
		return nil, fmt.Errorf("list notes: %w", err)
	}
	var out []Note
	for rows.Next() {
		n, err := scanNote(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, n)
	}
	if err := closeRows(rows); err != nil {
		return nil, err
	}
	for i := range out {
		if out[i].Tags, err = s.loadTags(ctx, s.db, "note_tags", "note_id", out[i].ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *SQLiteStore) UpdateNote(ctx context.Context, n Note) (Note, error) {
	n.Title = strings.TrimSpace(n.Title)
	if n.ID == "" || n.Title == "" {
		return Note{}, fmt.Errorf("%w: note id and title are required", ErrInvalidInput)
	}
	n.UpdatedAt = s.now()
	n.Tags = normalizeTags(n.Tags)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE notes SET title = ?, content = ?, media_url = ?, media_type = ?, updated_at = ? WHERE id = ?`,
			n.Title, n.Content, n.MediaURL, n.MediaType, millis(n.UpdatedAt), n.ID)
		if err != nil {
			return err
		}
		if err := checkAffected(res); err != nil {
			return err
		}
		return s.setTags(ctx, tx, "note_tags", "note_id", n.ID, n.Tags)
	})
	if err != nil {
		return Note{}, fmt.Errorf("update note %s: %w", n.ID, err)
	}
	return s.GetNote(ctx, n.ID)
}

func (s *SQLiteStore) DeleteNote(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM notes WHERE id = ?`, strings.TrimSpace(id))
	if err != nil {
		return fmt.Errorf("delete note: %w", err)
	}
	return checkAffected(res)
}

func (s *SQLiteStore) CountNotes(ctx context.Context, f NoteFilter) (int, error) {
	where, args := noteWhere(f)
	return s.count(ctx, `SELECT COUNT(*) FROM notes`+where, args...)
}

func scanNote(sc scanner) (Note, error) {
	var (
		n       Note
		created int64
		updated int64
	)
	if err := sc.Scan(&n.ID, &n.Title, &n.Content, &n.MediaURL, &n.MediaType, &created, &updated); err != nil {
		return Note{}, err
	}
	n.CreatedAt = fromMillis(created)
	n.UpdatedAt = fromMillis(updated)
	return n, nil
}

// ---- projects ----

const projectColumns = `id, name, description, status, created_at, updated_at`

func (s *SQLiteStore) CreateProject(ctx context.Context, p Project) (Project, error) {
	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" {
		return Project{}, fmt.Errorf("%w: project name is required", ErrInvalidInput)
	}
	now := s.now()
	p.ID = uuid.NewString()
	if p.Status == "" {
		p.Status = ProjectPlanning
	}
	p.CreatedAt, p.UpdatedAt = now, now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO projects (`+projectColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.Description, string(p.Status), millis(now), millis(now))
	if err != nil {
		return Project{}, fmt.Errorf("create project: %w", err)
	}
	return p, nil
}

func (s *SQLiteStore) GetProject(ctx context.Context, id string) (Project, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = ?`, strings.TrimSpace(id))
	p, err := scanProject(row)
	if err != nil {
		return Project{}, notFound(err)
	}
	return p, nil
}

func projectWhere(f ProjectFilter) (string, []any) {
	var conds []string
	var args []any
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(f.Status))
	}
	if !f.CreatedSince.IsZero() {
		conds = append(conds, "created_at >= ?")
		args = append(args, millis(f.CreatedSince))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (s *SQLiteStore) ListProjects(ctx context.Context, f ProjectFilter) ([]Project, error) {
	where, args := projectWhere(f)
	rows, err := s.db.QueryContext(ctx, `SELECT `+projectColumns+` FROM projects`+where+` ORDER BY created_at DESC, id`+limitClause(f.Limit), args...)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()
	var out []Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpdateProject(ctx context.Context, p Project) (Project, error) {
	p.Name = strings.TrimSpace(p.Name)
	if p.ID == "" || p.Name == "" {
		return Project{}, fmt.Errorf("%w: project id and name are required", ErrInvalidInput)
	}
	if p.Status == "" {
		p.Status = ProjectPlanning
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE projects SET name = ?, description = ?, status = ?, updated_at = ? WHERE id = ?`,
		p.Name, p.Description, string(p.Status), millis(s.now()), p.ID)
	if err != nil {
		return Project{}, fmt.Errorf("update project %s: %w", p.ID, err)
	}
	if err := checkAffected(res); err != nil {
		return Project{}, err
	}
	return s.GetProject(ctx, p.ID)
}

func (s *SQLiteStore) DeleteProject(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, strings.TrimSpace(id))
	if err != nil {
		return fmt.Errorf("delete project: %w", err)
	}
	return checkAffected(res)
}

func (s *SQLiteStore) CountProjects(ctx context.Context, f ProjectFilter) (int, error) {
	where, args := projectWhere(f)
	return s.count(ctx, `SELECT COUNT(*) FROM projects`+where, args...)
}

func scanProject(sc scanner) (Project, error) {
	var (
		p       Project
		status  string
		created int64
		updated int64
	)
	if err := sc.Scan(&p.ID, &p.Name, &p.Description, &status, &created, &updated); err != nil {
		return Project{}, err
	}
	p.Status = ProjectStatus(status)
	p.CreatedAt = fromMillis(created)
	p.UpdatedAt = fromMillis(updated)
	return p, nil
}

// ---- tags ----

func (s *SQLiteStore) CreateTag(ctx context.Context, t Tag) (Tag, error) {
	t.Name = normalizeTag(t.Name)
	if t.Name == "" {
		return Tag{}, fmt.Errorf("%w: tag name is required", ErrInvalidInput)
	}
	t.ID = uuid.NewString()
	t.CreatedAt = s.now()
	_, err := s.db.ExecContext(ctx, `INSERT INTO tags (id, name, color, created_at) VALUES (?, ?, ?, ?)`,
		t.ID, t.Name, t.Color, millis(t.CreatedAt))
	if err != nil {
		return Tag{}, fmt.Errorf("create tag %q: %w", t.Name, err)
	}
	return t, nil
}

func (s *SQLiteStore) ListTags(ctx context.Context) ([]Tag, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, color, created_at FROM tags ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list tags: %w", err)
	}
	defer rows.Close()
	var out []Tag
	for rows.Next() {
		var (
			t       Tag
			created int64
		)
		if err := rows.Scan(&t.ID, &t.Name, &t.Color, &created); err != nil {
			return nil, err
		}
		t.CreatedAt = fromMillis(created)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteTag(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tags WHERE id = ?`, strings.TrimSpace(id))
	if err != nil {
		return fmt.Errorf("delete tag: %w", err)
	}
	return checkAffected(res)
}

func normalizeTag(name string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(name), "#"))
}

func normalizeTags(names []string) []string {
	if len(names) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		n = normalizeTag(n)
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// setTags replaces the tag links of one record, creating missing tags.
func (s *SQLiteStore) setTags(ctx context.Context, q querier, joinTable, col, id string, names []string) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM `+joinTable+` WHERE `+col+` = ?`, id); err != nil {
		return err
	}
	for _, name := range names {
		if _, err := q.ExecContext(ctx,
			`INSERT INTO tags (id, name, color, created_at) VALUES (?, ?, '', ?) ON CONFLICT(name) DO NOTHING`,
			uuid.NewString(), name, millis(s.now())); err != nil {
			return err
		}
		var tagID string
		if err := q.QueryRowContext(ctx, `SELECT id FROM tags WHERE name = ?`, name).Scan(&tagID); err != nil {
			return err
		}
		if _, err := q.ExecContext(ctx,
			`INSERT OR IGNORE INTO `+joinTable+` (`+col+`, tag_id) VALUES (?, ?)`, id, tagID); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) loadTags(ctx context.Context, q querier, joinTable, col, id string) ([]string, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT t.name FROM tags t JOIN `+joinTable+` j ON j.tag_id = t.id WHERE j.`+col+` = ? ORDER BY t.name`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// ---- search & counts ----

func likePattern(term string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(strings.ToLower(term)) + "%"
}

// Search does a case-insensitive substring match over task, note and
// project text, at most limit rows per kind.
func (s *SQLiteStore) Search(ctx context.Context, term string, limit int) (SearchResult, error) {
	term = strings.TrimSpace(term)
	if term == "" {
		return SearchResult{}, fmt.Errorf("%w: empty search term", ErrInvalidInput)
	}
	if limit <= 0 {
		limit = 5
	}
	pat := likePattern(term)
	var res SearchResult

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE lower(title) LIKE ? ESCAPE '\' OR lower(description) LIKE ? ESCAPE '\' ORDER BY created_at DESC LIMIT ?`,
		pat, pat, limit)
	if err != nil {
		return SearchResult{}, fmt.Errorf("search tasks: %w", err)
	}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			rows.Close()
			return SearchResult{}, err
		}
		res.Tasks = append(res.Tasks, t)
	}
	if err := closeRows(rows); err != nil {
		return SearchResult{}, err
	}

	rows, err = s.db.QueryContext(ctx,
		`SELECT `+noteColumns+` FROM notes WHERE lower(title) LIKE ? ESCAPE '\' OR lower(content) LIKE ? ESCAPE '\' ORDER BY created_at DESC LIMIT ?`,
		pat, pat, limit)
	if err != nil {
		return SearchResult{}, fmt.Errorf("search notes: %w", err)
	}
	for rows.Next() {
		n, err := scanNote(rows)
		if err != nil {
			rows.Close()
			return SearchResult{}, err
		}
		res.Notes = append(res.Notes, n)
	}
	if err := closeRows(rows); err != nil {
		return SearchResult{}, err
	}

	rows, err = s.db.QueryContext(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE lower(name) LIKE ? ESCAPE '\' OR lower(description) LIKE ? ESCAPE '\' ORDER BY created_at DESC LIMIT ?`,
		pat, pat, limit)
	if err != nil {
		return SearchResult{}, fmt.Errorf("search projects: %w", err)
	}
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			rows.Close()
			return SearchResult{}, err
		}
		res.Projects = append(res.Projects, p)
	}
	if err := closeRows(rows); err != nil {
		return SearchResult{}, err
	}
	return res, nil
}

func (s *SQLiteStore) count(ctx context.Context, query string, args ...any) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	return n, nil
}

func closeRows(rows *sql.Rows) error {
	err := rows.Err()
	if cerr := rows.Close(); err == nil {
		err = cerr
	}
	return err
}
