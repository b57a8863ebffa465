// Package engine executes queries as an explicit tree of worker tasks.
// Recursion is not native call recursion over the content: each child runs
// as its own goroutine holding a budget slot, parents suspend on a channel
// until all children report, and every result is written to the workspace
// store exactly once. Failures are absorbed at the lowest level that can
// represent them; the root always produces some AggregateResult.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/fathom-engine/fathom/internal/aggregate"
	"github.com/fathom-engine/fathom/internal/budget"
	"github.com/fathom-engine/fathom/internal/metrics"
	"github.com/fathom-engine/fathom/internal/models"
	"github.com/fathom-engine/fathom/internal/partition"
	"github.com/fathom-engine/fathom/internal/processing"
	"github.com/fathom-engine/fathom/internal/resultcache"
	"github.com/fathom-engine/fathom/internal/strategy"
	"github.com/fathom-engine/fathom/internal/streaming"
	"github.com/fathom-engine/fathom/internal/tracing"
	"github.com/fathom-engine/fathom/internal/workspace"
)

// failedLeafConfidence is the confidence attached to the low-confidence
// finding that stands in for a leaf whose evaluation failed twice.
const failedLeafConfidence = 0.1

// Store is the persistence surface the engine needs. *workspace.Store
// implements it; engine tests substitute an in-memory fake.
type Store interface {
	GetWorkspace(ctx context.Context, id string) (*workspace.Workspace, error)
	FinalizeWorkspace(ctx context.Context, id string, status workspace.Status) error
	RootChunk(ctx context.Context, workspaceID string) (*workspace.Chunk, error)
	GetChunk(ctx context.Context, id string) (*workspace.Chunk, error)
	InsertChunks(ctx context.Context, chunks []*workspace.Chunk) error
	ChunkContent(ctx context.Context, c *workspace.Chunk) ([]string, error)
	CreateTask(ctx context.Context, t *workspace.WorkerTask) error
	UpdateTaskStatus(ctx context.Context, id string, status workspace.TaskStatus) error
	CompleteTask(ctx context.Context, id string, result *models.AggregateResult, status workspace.TaskStatus) error
	GetTask(ctx context.Context, id string) (*workspace.WorkerTask, error)
}

// Config carries the engine-wide defaults. Per-query budget limits may
// override Limits at submission time.
type Config struct {
	Limits      budget.Limits       `mapstructure:"limits" yaml:"limits" json:"limits"`
	Partition   partition.Options   `mapstructure:"partition" yaml:"partition" json:"partition"`
	Thresholds  strategy.Thresholds `mapstructure:"thresholds" yaml:"thresholds" json:"thresholds"`
	Parallelism int64               `mapstructure:"parallelism" yaml:"parallelism" json:"parallelism"`
}

func DefaultConfig() Config {
	return Config{
		Limits:      budget.DefaultLimits(),
		Partition:   partition.Options{TargetSize: 500, Overlap: 10},
		Thresholds:  strategy.DefaultThresholds(),
		Parallelism: 16,
	}
}

// Engine owns query execution. One Engine serves many workspaces; each
// submitted query gets its own budget controller and cancel handle.
type Engine struct {
	store     Store
	evaluator processing.Evaluator
	selector  *strategy.Selector
	streams   *streaming.Manager
	cache     *resultcache.Cache
	config    Config
	logger    *zap.Logger

	// evalSem bounds concurrent evaluation calls engine-wide. It gates
	// only the leaf evaluation itself, never a parent awaiting children,
	// so the tree cannot deadlock on it.
	evalSem *semaphore.Weighted

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// New builds an engine. cache may be nil to disable result caching.
func New(store Store, evaluator processing.Evaluator, streams *streaming.Manager, cache *resultcache.Cache, cfg Config, logger *zap.Logger) *Engine {
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = DefaultConfig().Parallelism
	}
	if cfg.Partition.TargetSize <= 0 {
		cfg.Partition = DefaultConfig().Partition
	}
	return &Engine{
		store:     store,
		evaluator: evaluator,
		selector:  strategy.NewSelector(cfg.Thresholds, logger),
		streams:   streams,
		cache:     cache,
		config:    cfg,
		logger:    logger,
		evalSem:   semaphore.NewWeighted(cfg.Parallelism),
		cancels:   make(map[string]context.CancelFunc),
	}
}

// Submit starts asynchronous execution of query against the workspace and
// returns the root task id. limits overrides the engine defaults when
// non-nil. The returned task can be polled via Result and aborted via
// Cancel.
func (e *Engine) Submit(ctx context.Context, workspaceID, query string, limits *budget.Limits) (string, error) {
	ws, err := e.store.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return "", err
	}
	if ws.Status == workspace.StatusExpired {
		return "", workspace.ErrWorkspaceClosed
	}
	root, err := e.store.RootChunk(ctx, workspaceID)
	if err != nil {
		return "", err
	}

	lims := e.config.Limits
	if limits != nil {
		lims = *limits
	}
	if err := lims.Validate(); err != nil {
		return "", err
	}

	queryType := strategy.Classify(query)
	strat := e.selector.Select(queryType, root.Range.Lines())
	metrics.QueriesSubmitted.WithLabelValues(string(queryType), string(strat)).Inc()

	task := &workspace.WorkerTask{
		ID:          uuid.NewString(),
		WorkspaceID: workspaceID,
		ChunkID:     root.ID,
		Query:       query,
		QueryType:   queryType,
		Depth:       0,
		Status:      workspace.TaskPending,
	}

	cacheKey := resultcache.Key(workspaceID, query, lims.Fingerprint())
	if e.cache != nil {
		if cached, err := e.cache.Get(ctx, cacheKey); err == nil && cached != nil {
			if err := e.store.CreateTask(ctx, task); err != nil {
				return "", err
			}
			if err := e.store.CompleteTask(ctx, task.ID, cached, workspace.TaskCompleted); err != nil {
				return "", err
			}
			return task.ID, nil
		}
	}

	if err := e.store.CreateTask(ctx, task); err != nil {
		return "", err
	}

	ctrl := budget.NewController(lims, e.logger)
	qctx := context.Background()
	var cancel context.CancelFunc
	if d := ctrl.Deadline(); !d.IsZero() {
		qctx, cancel = context.WithDeadline(qctx, d)
	} else {
		qctx, cancel = context.WithCancel(qctx)
	}
	e.mu.Lock()
	e.cancels[task.ID] = cancel
	e.mu.Unlock()

	go e.runQuery(qctx, cancel, task, root, ctrl, strat, cacheKey)
	return task.ID, nil
}

// Result returns the task with its result if it has one. Callers poll this
// until the status is terminal.
func (e *Engine) Result(ctx context.Context, taskID string) (*workspace.WorkerTask, error) {
	return e.store.GetTask(ctx, taskID)
}

// Cancel aborts a running query tree top-down. Descendants observe the
// cancellation through their contexts; already-completed child results stay
// usable for partial aggregation. Cancelling an unknown or finished task
// returns ErrTaskNotFound.
func (e *Engine) Cancel(taskID string) error {
	e.mu.Lock()
	cancel, ok := e.cancels[taskID]
	e.mu.Unlock()
	if !ok {
		return workspace.ErrTaskNotFound
	}
	cancel()
	return nil
}

// execState is per-query execution context shared down the task tree.
type execState struct {
	rootID    string
	workspace string
	queryType models.QueryType
	ctrl      *budget.Controller
}

func (e *Engine) runQuery(ctx context.Context, cancel context.CancelFunc, task *workspace.WorkerTask, root *workspace.Chunk, ctrl *budget.Controller, strat models.Strategy, cacheKey string) {
	start := time.Now()
	ctx, span := tracing.StartSpan(ctx, "engine.RunQuery",
		oteltrace.WithAttributes(
			attribute.String("task.id", task.ID),
			attribute.String("workspace.id", task.WorkspaceID),
			attribute.String("query.type", string(task.QueryType)),
			attribute.String("strategy", string(strat)),
		))
	defer span.End()
	defer func() {
		cancel()
		e.mu.Lock()
		delete(e.cancels, task.ID)
		e.mu.Unlock()
	}()

	es := &execState{
		rootID:    task.ID,
		workspace: task.WorkspaceID,
		queryType: task.QueryType,
		ctrl:      ctrl,
	}
	e.publish(es, task, streaming.EventTaskSpawned, "")

	var forced []partition.Spec
	if strat == models.StrategySearch || strat == models.StrategyHybrid {
		forced = e.narrowSpecs(ctx, root, task.Query, strat)
	}
	result := e.runTask(ctx, es, task, root, forced)

	// The workspace stays queryable; finalization records that a root
	// task has completed against it.
	bg := context.Background()
	if err := e.store.FinalizeWorkspace(bg, task.WorkspaceID, workspace.StatusFinalized); err != nil {
		e.logger.Warn("finalize workspace failed",
			zap.String("workspace_id", task.WorkspaceID),
			zap.Error(err))
	}
	if e.cache != nil && ctx.Err() == nil {
		if err := e.cache.Set(bg, cacheKey, &result); err != nil {
			e.logger.Debug("result cache store failed", zap.Error(err))
		}
	}
	e.publish(es, task, streaming.EventQueryDone, result.Answer)

	metrics.QueryDuration.WithLabelValues(string(task.QueryType), string(strat)).Observe(time.Since(start).Seconds())
	metrics.QueryCostUSD.Observe(ctrl.SpentUSD())
	e.logger.Info("query finished",
		zap.String("task_id", task.ID),
		zap.String("workspace_id", task.WorkspaceID),
		zap.String("strategy", string(strat)),
		zap.Int("workers_spawned", ctrl.TotalSpawned()),
		zap.Float64("cost_usd", ctrl.SpentUSD()),
		zap.Duration("elapsed", time.Since(start)))
}

// narrowSpecs reduces the root range to the spans matching the query's
// terms. Under the hybrid strategy, spans larger than the partition target
// are split further. An empty return means narrowing found nothing useful
// and the caller should run the normal decision rule.
func (e *Engine) narrowSpecs(ctx context.Context, root *workspace.Chunk, query string, strat models.Strategy) []partition.Spec {
	lines, err := e.store.ChunkContent(ctx, root)
	if err != nil {
		return nil
	}
	spans := strategy.Narrow(lines, root.Range, query, e.selector.Thresholds().NarrowWindow)
	if len(spans) == 1 && spans[0] == root.Range {
		// Nothing narrowed; let the decision rule partition normally.
		return nil
	}

	var specs []partition.Spec
	for _, span := range spans {
		if strat == models.StrategyHybrid && span.Lines() > e.config.Partition.TargetSize {
			rel := lines[span.StartLine-root.Range.StartLine : span.EndLine-root.Range.StartLine]
			specs = append(specs, partition.Split(rel, span, e.config.Partition)...)
			continue
		}
		specs = append(specs, partition.Spec{Range: span})
	}
	return specs
}

// runTask executes one node of the task tree and always returns a result.
// forced, when non-empty, bypasses the decision rule and recurses into
// exactly those child ranges (used for search narrowing at the root).
func (e *Engine) runTask(ctx context.Context, es *execState, task *workspace.WorkerTask, chunk *workspace.Chunk, forced []partition.Spec) models.AggregateResult {
	ctx, span := tracing.StartSpan(ctx, "engine.RunTask",
		oteltrace.WithAttributes(
			attribute.String("task.id", task.ID),
			attribute.Int("task.depth", task.Depth),
			attribute.Int("chunk.lines", chunk.Range.Lines()),
		))
	defer span.End()

	e.setStatus(ctx, es, task, workspace.TaskRunning)

	// Forced narrowing spends depth budget like any other recursion; when
	// none is left the whole chunk is evaluated directly instead.
	recurse := len(forced) > 0 &&
		task.Depth < es.ctrl.MaxDepth() &&
		es.ctrl.FanoutAt(task.Depth) > 0
	if !recurse {
		recurse = chunk.Range.Lines() > e.processingThreshold() &&
			!chunk.Oversized &&
			task.Depth < es.ctrl.MaxDepth() &&
			es.ctrl.FanoutAt(task.Depth) > 0
	}
	if !recurse {
		return e.runLeaf(ctx, es, task, chunk)
	}
	return e.recurseTask(ctx, es, task, chunk, forced)
}

func (e *Engine) recurseTask(ctx context.Context, es *execState, task *workspace.WorkerTask, chunk *workspace.Chunk, forced []partition.Spec) models.AggregateResult {
	e.setStatus(ctx, es, task, workspace.TaskRecursing)

	specs := forced
	if len(specs) == 0 {
		lines, err := e.store.ChunkContent(ctx, chunk)
		if err != nil {
			return e.completeTask(ctx, es, task, chunkFailure(chunk, err), workspace.TaskFailed)
		}
		specs = partition.Split(lines, chunk.Range, e.config.Partition)
	}
	if max := es.ctrl.FanoutAt(task.Depth); len(specs) > max {
		specs = partition.MergeAdjacent(specs, max)
	}

	children := make([]*workspace.Chunk, len(specs))
	for i, sp := range specs {
		children[i] = &workspace.Chunk{
			ID:            uuid.NewString(),
			WorkspaceID:   chunk.WorkspaceID,
			ParentChunkID: chunk.ID,
			Depth:         chunk.Depth + 1,
			Range:         sp.Range,
			ContentRef:    chunk.ContentRef,
			Oversized:     sp.Oversized,
		}
		if sp.Oversized {
			metrics.OversizedChunks.Inc()
		}
		metrics.ChunkLines.Observe(float64(sp.Range.Lines()))
	}
	if err := e.store.InsertChunks(ctx, children); err != nil {
		return e.completeTask(ctx, es, task, chunkFailure(chunk, err), workspace.TaskFailed)
	}
	metrics.PartitionsCreated.Add(float64(len(children)))
	e.publish(es, task, streaming.EventTaskRecursed, fmt.Sprintf("%d children", len(children)))

	reports := make(chan aggregate.Child, len(children))
	expected := 0
	for _, cc := range children {
		ct := &workspace.WorkerTask{
			ID:          uuid.NewString(),
			WorkspaceID: task.WorkspaceID,
			ChunkID:     cc.ID,
			Query:       task.Query,
			QueryType:   task.QueryType,
			Depth:       task.Depth + 1,
			Status:      workspace.TaskPending,
		}
		if err := e.store.CreateTask(ctx, ct); err != nil {
			e.logger.Warn("create child task failed", zap.Error(err))
			continue
		}
		expected++
		metrics.TaskDepth.Observe(float64(ct.Depth))
		e.publish(es, ct, streaming.EventTaskSpawned, "")

		if err := es.ctrl.AcquireWorkerSlot(); err != nil {
			// No capacity for a parallel child: evaluate it inline in
			// this worker's slot instead of failing it.
			metrics.BudgetDenials.WithLabelValues("worker_slot").Inc()
			e.publish(es, ct, streaming.EventBudgetDenied, err.Error())
			reports <- aggregate.Child{TaskID: ct.ID, Result: e.runLeaf(ctx, es, ct, cc)}
			continue
		}
		metrics.LiveWorkers.Inc()
		go func(ct *workspace.WorkerTask, cc *workspace.Chunk) {
			defer func() {
				es.ctrl.Release()
				metrics.LiveWorkers.Dec()
			}()
			cctx := ctx
			cancel := context.CancelFunc(func() {})
			if d := es.ctrl.PerWorkerTimeout(); d > 0 {
				cctx, cancel = context.WithTimeout(ctx, d)
			}
			defer cancel()
			reports <- aggregate.Child{TaskID: ct.ID, Result: e.runTask(cctx, es, ct, cc, nil)}
		}(ct, cc)
	}

	// Suspend until every child reports. Each child is bounded by its own
	// per-worker deadline and honors top-down cancellation, so this loop
	// terminates; timed-out and failed children report degraded results
	// rather than vanishing.
	e.setStatus(ctx, es, task, workspace.TaskWaitingChildren)
	childResults := make([]aggregate.Child, 0, expected)
	for i := 0; i < expected; i++ {
		childResults = append(childResults, <-reports)
	}

	e.setStatus(ctx, es, task, workspace.TaskReducing)
	reduceStart := time.Now()
	result := aggregate.Reduce(childResults, es.queryType)
	metrics.ReduceLatency.Observe(time.Since(reduceStart).Seconds())
	if missing := len(children) - expected; missing > 0 {
		result.Limitations = append(result.Limitations,
			fmt.Sprintf("%d of %d children could not be started", missing, len(children)))
	}
	e.publish(es, task, streaming.EventTaskReduced, fmt.Sprintf("%d children reduced", expected))
	return e.completeTask(ctx, es, task, result, workspace.TaskCompleted)
}

// runLeaf evaluates a chunk directly, retrying a failed evaluation once
// against the identical chunk. A second failure becomes a low-confidence
// finding rather than an error: parents aggregate it like any other child.
func (e *Engine) runLeaf(ctx context.Context, es *execState, task *workspace.WorkerTask, chunk *workspace.Chunk) models.AggregateResult {
	e.setStatus(ctx, es, task, workspace.TaskEvaluating)

	lines, err := e.store.ChunkContent(ctx, chunk)
	if err != nil {
		return e.completeTask(ctx, es, task, chunkFailure(chunk, err), workspace.TaskFailed)
	}
	content := strings.Join(lines, "\n")

	eval, err := e.evaluate(ctx, content, task.Query)
	if err != nil {
		if ctx.Err() != nil {
			res := models.AggregateResult{
				Confidence: 0,
				Limitations: []string{
					fmt.Sprintf("evaluation of chunk %s aborted: %v", chunk.ID, ctx.Err()),
				},
			}
			return e.completeTask(ctx, es, task, res, workspace.TaskTimedOut)
		}
		res := models.AggregateResult{
			Confidence: failedLeafConfidence,
			Findings: []models.Finding{{
				Type:       "evaluation_failure",
				Value:      err.Error(),
				Location:   chunkLocation(chunk),
				Confidence: failedLeafConfidence,
			}},
			ContributingTaskIDs: []string{task.ID},
			Limitations: []string{
				fmt.Sprintf("evaluation of chunk %s failed after retry: %v", chunk.ID, err),
			},
		}
		return e.completeTask(ctx, es, task, res, workspace.TaskFailed)
	}
	es.ctrl.RecordCost(eval.CostUSD)

	res := models.AggregateResult{
		Confidence:          eval.Confidence,
		Findings:            eval.Findings,
		ContributingTaskIDs: []string{task.ID},
	}
	if len(eval.Findings) == 1 {
		res.Answer = eval.Findings[0].Value
	}
	// A leaf holding more content than the processing threshold means
	// partitioning was denied (max depth, undividable record, or budget
	// fallback); the answer is flagged rather than trusted.
	if chunk.Oversized || chunk.Range.Lines() > e.processingThreshold() {
		res.NeedsMoreContext = true
		res.Limitations = append(res.Limitations,
			fmt.Sprintf("chunk %s spans %d lines and could not be partitioned further at depth %d; answer may be incomplete",
				chunk.ID, chunk.Range.Lines(), task.Depth))
	}
	return e.completeTask(ctx, es, task, res, workspace.TaskCompleted)
}

// evaluate calls the processing function with one retry on transient
// failure. Context errors are not retried.
func (e *Engine) evaluate(ctx context.Context, content, query string) (*models.Evaluation, error) {
	if err := e.evalSem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer e.evalSem.Release(1)

	ctx, span := tracing.StartSpan(ctx, "engine.Evaluate",
		oteltrace.WithAttributes(attribute.Int("content.bytes", len(content))))
	defer span.End()

	eval, err := e.evaluator.Evaluate(ctx, content, query)
	if err == nil || ctx.Err() != nil {
		return eval, err
	}
	return e.evaluator.Evaluate(ctx, content, query)
}

func (e *Engine) processingThreshold() int {
	return e.selector.Thresholds().DirectMaxLines
}

func (e *Engine) setStatus(ctx context.Context, es *execState, task *workspace.WorkerTask, status workspace.TaskStatus) {
	task.Status = status
	if err := e.store.UpdateTaskStatus(ctx, task.ID, status); err != nil && !errors.Is(err, context.Canceled) {
		e.logger.Warn("persist task status failed",
			zap.String("task_id", task.ID),
			zap.String("status", string(status)),
			zap.Error(err))
	}
	e.publish(es, task, streaming.EventTaskStatus, "")
}

// completeTask persists the result write-once and returns it so callers
// can hand it straight to their parent.
func (e *Engine) completeTask(ctx context.Context, es *execState, task *workspace.WorkerTask, result models.AggregateResult, status workspace.TaskStatus) models.AggregateResult {
	task.Status = status
	// Persist even when ctx was cancelled; the record is the audit trail.
	if err := e.store.CompleteTask(context.WithoutCancel(ctx), task.ID, &result, status); err != nil {
		if !errors.Is(err, workspace.ErrResultExists) {
			e.logger.Warn("persist task result failed",
				zap.String("task_id", task.ID),
				zap.Error(err))
		}
	}
	metrics.TasksCompleted.WithLabelValues(string(status)).Inc()
	e.publish(es, task, streaming.EventTaskStatus, "")
	return result
}

func (e *Engine) publish(es *execState, task *workspace.WorkerTask, eventType, message string) {
	if e.streams == nil {
		return
	}
	e.streams.Publish(streaming.Event{
		RootTaskID: es.rootID,
		TaskID:     task.ID,
		Type:       eventType,
		Status:     string(task.Status),
		Depth:      task.Depth,
		Message:    message,
	})
}

func chunkFailure(chunk *workspace.Chunk, err error) models.AggregateResult {
	return models.AggregateResult{
		Confidence: 0,
		Limitations: []string{
			fmt.Sprintf("chunk %s could not be processed: %v", chunk.ID, err),
		},
	}
}

func chunkLocation(chunk *workspace.Chunk) string {
	return fmt.Sprintf("lines %d-%d", chunk.Range.StartLine, chunk.Range.EndLine)
}
