package workspace

import (
	"time"

	"github.com/fathom-engine/fathom/internal/models"
)

// Status is the lifecycle state of a workspace.
type Status string

const (
	StatusOpen      Status = "open"
	StatusFinalized Status = "finalized"
	StatusExpired   Status = "expired"
)

// TaskStatus tracks a worker task through its state machine:
// pending -> running -> {recursing -> waiting_children -> reducing} | evaluating
// -> completed | failed | timed_out.
type TaskStatus string

const (
	TaskPending         TaskStatus = "pending"
	TaskRunning         TaskStatus = "running"
	TaskRecursing       TaskStatus = "recursing"
	TaskWaitingChildren TaskStatus = "waiting_children"
	TaskReducing        TaskStatus = "reducing"
	TaskEvaluating      TaskStatus = "evaluating"
	TaskCompleted       TaskStatus = "completed"
	TaskFailed          TaskStatus = "failed"
	TaskTimedOut        TaskStatus = "timed_out"
)

// Terminal reports whether a task in this status will not transition again.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskTimedOut
}

// Range is a half-open span [StartLine, EndLine) of the original context.
type Range struct {
	StartLine int `json:"start_line" db:"start_line"`
	EndLine   int `json:"end_line" db:"end_line"`
}

// Lines returns the number of lines the range covers.
func (r Range) Lines() int { return r.EndLine - r.StartLine }

// Contains reports whether other lies entirely within r.
func (r Range) Contains(other Range) bool {
	return other.StartLine >= r.StartLine && other.EndLine <= r.EndLine
}

// Workspace owns all partitions and tasks created for one query lifecycle.
type Workspace struct {
	ID             string    `db:"id" json:"id"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
	RootContextRef string    `db:"root_context_ref" json:"root_context_ref"`
	Status         Status    `db:"status" json:"status"`
}

// Chunk is a bounded, addressable span of the original context. Content is
// never copied into the chunk; ContentRef addresses the stored context and
// Range selects the chunk's span within it.
type Chunk struct {
	ID            string `db:"id" json:"id"`
	WorkspaceID   string `db:"workspace_id" json:"workspace_id"`
	ParentChunkID string `db:"parent_chunk_id" json:"parent_chunk_id,omitempty"`
	Depth         int    `db:"depth" json:"depth"`
	Range         Range  `json:"range"`
	ContentRef    string `db:"content_ref" json:"content_ref"`
	// Oversized marks a single structural record that exceeded the
	// partition target and was emitted whole rather than corrupted.
	Oversized bool `db:"oversized" json:"oversized,omitempty"`
}

// WorkerTask is the unit of recursive execution: one chunk, one sub-query,
// one depth. Result is written exactly once.
type WorkerTask struct {
	ID          string                  `db:"id" json:"id"`
	WorkspaceID string                  `db:"workspace_id" json:"workspace_id"`
	ChunkID     string                  `db:"chunk_id" json:"chunk_id"`
	Query       string                  `db:"query" json:"query"`
	QueryType   models.QueryType        `db:"query_type" json:"query_type"`
	Depth       int                     `db:"depth" json:"depth"`
	Status      TaskStatus              `db:"status" json:"status"`
	Result      *models.AggregateResult `json:"result,omitempty"`
	CreatedAt   time.Time               `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time               `db:"updated_at" json:"updated_at"`
}
