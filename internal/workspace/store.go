package workspace

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/fathom-engine/fathom/internal/models"
)

// StoreConfig holds storage configuration.
type StoreConfig struct {
	Driver string `mapstructure:"driver" yaml:"driver"` // "sqlite3" or "postgres"
	DSN    string `mapstructure:"dsn" yaml:"dsn"`
}

// Store is the durable keyed storage shared by one or more query
// lifecycles: workspaces, the original context, the partition manifest,
// per-task results, and final aggregates. It is the only shared mutable
// resource; task results are write-once so writers never contend for the
// same record.
type Store struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewStore opens the backing database and verifies connectivity.
func NewStore(cfg StoreConfig, logger *zap.Logger) (*Store, error) {
	if cfg.Driver == "" {
		cfg.Driver = "sqlite3"
	}
	if cfg.DSN == "" {
		cfg.DSN = "file:fathom.db?_busy_timeout=5000&_journal_mode=WAL"
	}

	db, err := sqlx.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	logger.Info("Workspace store initialized", zap.String("driver", cfg.Driver))
	return &Store{db: db, logger: logger}, nil
}

// NewStoreWithDB wraps an existing connection (used by tests).
func NewStoreWithDB(db *sqlx.DB, logger *zap.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// Close releases the underlying connection pool.
func (s *Store) Close() error { return s.db.Close() }

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS workspaces (
		id TEXT PRIMARY KEY,
		created_at TIMESTAMP NOT NULL,
		root_context_ref TEXT NOT NULL,
		status TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS contexts (
		ref TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL,
		body TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS chunks (
		id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL,
		parent_chunk_id TEXT,
		depth INTEGER NOT NULL,
		start_line INTEGER NOT NULL,
		end_line INTEGER NOT NULL,
		content_ref TEXT NOT NULL,
		oversized BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL,
		chunk_id TEXT NOT NULL,
		query TEXT NOT NULL,
		query_type TEXT NOT NULL,
		depth INTEGER NOT NULL,
		status TEXT NOT NULL,
		result TEXT,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_chunks_workspace ON chunks(workspace_id)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_workspace ON tasks(workspace_id)`,
}

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range migrations {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// CreateWorkspace stores the original context once and creates an open
// workspace with a root chunk covering the full context. The context body
// is never copied again; chunks reference it by ref and range.
func (s *Store) CreateWorkspace(ctx context.Context, content string) (*Workspace, *Chunk, error) {
	now := time.Now().UTC()
	ref := uuid.New().String()
	ws := &Workspace{
		ID:             uuid.New().String(),
		CreatedAt:      now,
		RootContextRef: ref,
		Status:         StatusOpen,
	}
	lines := countLines(content)
	root := &Chunk{
		ID:          uuid.New().String(),
		WorkspaceID: ws.ID,
		Depth:       0,
		Range:       Range{StartLine: 0, EndLine: lines},
		ContentRef:  ref,
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO workspaces (id, created_at, root_context_ref, status) VALUES (?, ?, ?, ?)`),
		ws.ID, ws.CreatedAt, ws.RootContextRef, ws.Status); err != nil {
		return nil, nil, fmt.Errorf("insert workspace: %w", err)
	}
	if _, err := tx.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO contexts (ref, workspace_id, body) VALUES (?, ?, ?)`),
		ref, ws.ID, content); err != nil {
		return nil, nil, fmt.Errorf("insert context: %w", err)
	}
	if err := insertChunkTx(ctx, tx, s.db, root); err != nil {
		return nil, nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("commit workspace: %w", err)
	}

	s.logger.Info("Created workspace",
		zap.String("workspace_id", ws.ID),
		zap.Int("lines", lines),
	)
	return ws, root, nil
}

// GetWorkspace fetches a workspace by id.
func (s *Store) GetWorkspace(ctx context.Context, id string) (*Workspace, error) {
	var ws Workspace
	err := s.db.GetContext(ctx, &ws, s.db.Rebind(
		`SELECT id, created_at, root_context_ref, status FROM workspaces WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWorkspaceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get workspace: %w", err)
	}
	return &ws, nil
}

// FinalizeWorkspace transitions a workspace out of the open state.
func (s *Store) FinalizeWorkspace(ctx context.Context, id string, status Status) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		`UPDATE workspaces SET status = ? WHERE id = ?`), status, id)
	if err != nil {
		return fmt.Errorf("finalize workspace: %w", err)
	}
	return nil
}

// ExpireWorkspaces marks open workspaces older than cutoff as expired and
// returns how many were affected. Expired workspaces are discardable.
func (s *Store) ExpireWorkspaces(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(
		`UPDATE workspaces SET status = ? WHERE status = ? AND created_at < ?`),
		StatusExpired, StatusOpen, cutoff)
	if err != nil {
		return 0, fmt.Errorf("expire workspaces: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// RootChunk returns the depth-0 chunk of a workspace.
func (s *Store) RootChunk(ctx context.Context, workspaceID string) (*Chunk, error) {
	row := s.db.QueryRowxContext(ctx, s.db.Rebind(
		`SELECT id, workspace_id, parent_chunk_id, depth, start_line, end_line, content_ref, oversized
		 FROM chunks WHERE workspace_id = ? AND depth = 0`), workspaceID)
	return scanChunk(row)
}

// GetChunk fetches a chunk by id.
func (s *Store) GetChunk(ctx context.Context, id string) (*Chunk, error) {
	row := s.db.QueryRowxContext(ctx, s.db.Rebind(
		`SELECT id, workspace_id, parent_chunk_id, depth, start_line, end_line, content_ref, oversized
		 FROM chunks WHERE id = ?`), id)
	return scanChunk(row)
}

// InsertChunks registers the chunks produced by one partitioner call.
func (s *Store) InsertChunks(ctx context.Context, chunks []*Chunk) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()
	for _, c := range chunks {
		if err := insertChunkTx(ctx, tx, s.db, c); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ChunkContent returns the chunk's span of the stored context as lines.
// Reads are read-only and never block result writers.
func (s *Store) ChunkContent(ctx context.Context, c *Chunk) ([]string, error) {
	var body string
	err := s.db.GetContext(ctx, &body, s.db.Rebind(
		`SELECT body FROM contexts WHERE ref = ?`), c.ContentRef)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: content ref %s", ErrChunkNotFound, c.ContentRef)
	}
	if err != nil {
		return nil, fmt.Errorf("get content: %w", err)
	}
	lines := splitLines(body)
	if c.Range.StartLine < 0 || c.Range.EndLine > len(lines) || c.Range.StartLine > c.Range.EndLine {
		return nil, fmt.Errorf("%w: range %d-%d outside context of %d lines",
			ErrChunkNotFound, c.Range.StartLine, c.Range.EndLine, len(lines))
	}
	return lines[c.Range.StartLine:c.Range.EndLine], nil
}

// CreateTask registers a worker task in pending state.
func (s *Store) CreateTask(ctx context.Context, t *WorkerTask) error {
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now
	if t.Status == "" {
		t.Status = TaskPending
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO tasks (id, workspace_id, chunk_id, query, query_type, depth, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		t.ID, t.WorkspaceID, t.ChunkID, t.Query, t.QueryType, t.Depth, t.Status, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// UpdateTaskStatus records a state machine transition.
func (s *Store) UpdateTaskStatus(ctx context.Context, id string, status TaskStatus) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		`UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?`),
		status, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	return nil
}

// CompleteTask writes the task's result record exactly once. A second
// write against the same task id returns ErrResultExists.
func (s *Store) CompleteTask(ctx context.Context, id string, result *models.AggregateResult, status TaskStatus) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(
		`UPDATE tasks SET result = ?, status = ?, updated_at = ? WHERE id = ? AND result IS NULL`),
		string(payload), status, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("complete task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrResultExists
	}
	return nil
}

// GetTask fetches a task and its result, if written.
func (s *Store) GetTask(ctx context.Context, id string) (*WorkerTask, error) {
	row := s.db.QueryRowxContext(ctx, s.db.Rebind(
		`SELECT id, workspace_id, chunk_id, query, query_type, depth, status, result, created_at, updated_at
		 FROM tasks WHERE id = ?`), id)

	var t WorkerTask
	var result sql.NullString
	err := row.Scan(&t.ID, &t.WorkspaceID, &t.ChunkID, &t.Query, &t.QueryType,
		&t.Depth, &t.Status, &result, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	if result.Valid {
		var agg models.AggregateResult
		if err := json.Unmarshal([]byte(result.String), &agg); err != nil {
			return nil, fmt.Errorf("unmarshal result: %w", err)
		}
		t.Result = &agg
	}
	return &t, nil
}

// LiveTaskCount returns the number of non-terminal tasks in a workspace.
func (s *Store) LiveTaskCount(ctx context.Context, workspaceID string) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, s.db.Rebind(
		`SELECT COUNT(*) FROM tasks WHERE workspace_id = ? AND status NOT IN (?, ?, ?)`),
		workspaceID, TaskCompleted, TaskFailed, TaskTimedOut)
	if err != nil {
		return 0, fmt.Errorf("live task count: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanChunk(row rowScanner) (*Chunk, error) {
	var c Chunk
	var parent sql.NullString
	err := row.Scan(&c.ID, &c.WorkspaceID, &parent, &c.Depth,
		&c.Range.StartLine, &c.Range.EndLine, &c.ContentRef, &c.Oversized)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrChunkNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan chunk: %w", err)
	}
	c.ParentChunkID = parent.String
	return &c, nil
}

func insertChunkTx(ctx context.Context, tx *sqlx.Tx, db *sqlx.DB, c *Chunk) error {
	var parent interface{}
	if c.ParentChunkID != "" {
		parent = c.ParentChunkID
	}
	_, err := tx.ExecContext(ctx, db.Rebind(
		`INSERT INTO chunks (id, workspace_id, parent_chunk_id, depth, start_line, end_line, content_ref, oversized)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		c.ID, c.WorkspaceID, parent, c.Depth, c.Range.StartLine, c.Range.EndLine, c.ContentRef, c.Oversized)
	if err != nil {
		return fmt.Errorf("insert chunk: %w", err)
	}
	return nil
}

func splitLines(body string) []string {
	if body == "" {
		return nil
	}
	lines := strings.Split(body, "\n")
	// A trailing newline produces an empty final element, not a line.
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

func countLines(body string) int { return len(splitLines(body)) }
