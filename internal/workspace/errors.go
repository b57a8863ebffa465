package workspace

import "errors"

var (
	// ErrWorkspaceNotFound indicates a workspace id with no backing row.
	ErrWorkspaceNotFound = errors.New("workspace not found")

	// ErrChunkNotFound indicates a referenced chunk id missing from the
	// workspace. Fatal to the referencing task only, never to the tree.
	ErrChunkNotFound = errors.New("chunk not found")

	// ErrTaskNotFound indicates an unknown task id.
	ErrTaskNotFound = errors.New("task not found")

	// ErrResultExists indicates an attempt to write a task result twice.
	// Result records are write-once, keyed by task id.
	ErrResultExists = errors.New("task result already written")

	// ErrWorkspaceClosed indicates a submission against a finalized or
	// expired workspace.
	ErrWorkspaceClosed = errors.New("workspace is not open")
)
