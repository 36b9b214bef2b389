// Package pipeline implements the Pipeline Scheduler (C4, spec.md §4.4):
// the per-query two-stage pipeline that drives Stage-A chunk executors to
// completion, merges their partials, and runs Stage-B publication.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/atomic"

	"github.com/toha10/contrail-analytics/internal/apperror"
	"github.com/toha10/contrail-analytics/internal/engine"
	"github.com/toha10/contrail-analytics/internal/kv"
	"github.com/toha10/contrail-analytics/internal/metrics"
	"github.com/toha10/contrail-analytics/internal/publish"
)

// Pipeline owns one admitted query's lifetime: Admitted -> Dispatching ->
// Merging -> Publishing -> Expiring -> Done (spec.md §4.4), with Failed
// reachable from any stage (still proceeding through Publishing and
// Expiring to write the error progress, per spec.md §4.4).
type Pipeline struct {
	q    engine.Query
	fleet *kv.Fleet
	epIdx int
	workerIdx int
	hostname string
	eng   engine.Engine
	pub   *publish.Publisher
	pool  *ants.Pool
	log   *slog.Logger

	chunkCursor atomic.Int64
	totalRows   atomic.Int64
	overflow    atomic.Bool
	failedChunk atomic.Bool

	enqueueDelay time.Duration
}

// New builds a Pipeline bound to the worker connection already selected by
// Admission & Intake (least-loaded at admission time, per spec.md §4.3).
func New(q engine.Query, fleet *kv.Fleet, epIdx, workerIdx int, hostname string, eng engine.Engine, pub *publish.Publisher, pool *ants.Pool, log *slog.Logger) *Pipeline {
	p := &Pipeline{q: q, fleet: fleet, epIdx: epIdx, workerIdx: workerIdx, hostname: hostname, eng: eng, pub: pub, pool: pool, log: log}
	if q.EnqueueTime > 0 {
		p.enqueueDelay = time.Duration(q.StartTimeUsec-q.EnqueueTime) * time.Microsecond
	}
	return p
}

func (p *Pipeline) conn() *kv.Conn { return p.fleet.Worker(p.epIdx, p.workerIdx) }

// Start runs the pipeline to completion in its own goroutine and invokes
// onComplete exactly once, afterward (Admission & Intake uses onComplete to
// remove the qid from its in-progress map and release the worker's load,
// spec.md §4.4 "Call completion").
func (p *Pipeline) Start(ctx context.Context, onComplete func()) {
	go func() {
		defer onComplete()
		p.run(ctx)
	}()
}

func (p *Pipeline) run(ctx context.Context) {
	if p.enqueueDelay > 0 {
		metrics.EnqueueDelay.Observe(p.enqueueDelay.Seconds())
	}

	progress := newProgressPublisher(ctx, p.conn(), p.q.QID)
	partials := p.runStageA(ctx, progress)
	progress.CloseAndWait()

	final, mergeErr := p.mergeFinal(ctx, partials)
	if mergeErr != nil {
		p.failedChunk.Store(true)
	}

	p.runStageB(ctx, final)
}

// runStageA fans out one lane per max_tasks onto the process-wide ants
// pool, each repeatedly claiming the next chunk index and driving it
// through the Chunk Executor, until chunk_cursor is exhausted or
// row-budget overflow is observed (spec.md §4.4 Stage A). Submitting
// through a shared, process-wide pool (rather than one raw goroutine per
// lane) bounds total Stage-A concurrency across every concurrently-running
// pipeline, not just this one. Each lane owns its own local accumulator —
// no lock is needed across lanes, only the shared atomic chunk_cursor/
// total_rows counters, matching spec.md §5's "one coarse mutex" note which
// scopes shared state to the in-progress map and load counters, not
// Stage-A's per-lane accumulators.
func (p *Pipeline) runStageA(ctx context.Context, progress *progressPublisher) []engine.ChunkResult {
	lanes := p.q.MaxTasks
	if lanes <= 0 {
		lanes = 1
	}
	partials := make([]engine.ChunkResult, lanes)

	var wg sync.WaitGroup
	for lane := 0; lane < lanes; lane++ {
		wg.Add(1)
		lane := lane
		task := func() {
			defer wg.Done()
			partials[lane] = p.runLane(ctx, progress)
		}
		if p.pool == nil {
			go task()
			continue
		}
		if err := p.pool.Submit(task); err != nil {
			p.log.Warn("ants pool submit failed, running lane inline", "qid", p.q.QID, "lane", lane, "err", err)
			go task()
		}
	}
	wg.Wait()
	return partials
}

func (p *Pipeline) runLane(ctx context.Context, progress *progressPublisher) engine.ChunkResult {
	var rows []engine.Row
	var groups map[string]engine.Row
	if p.q.MapOutput {
		groups = make(map[string]engine.Row)
	}

	numChunks := len(p.q.ChunkSize)
	for {
		if ctx.Err() != nil {
			break
		}
		c := int(p.chunkCursor.Add(1) - 1)
		if c >= numChunks {
			break
		}
		if p.totalRows.Load() > int64(p.q.MaxRows) {
			p.overflow.Store(true)
			break
		}

		progress.Publish(10 + (c*75)/numChunks)

		cr, ok := p.runChunk(c)
		if !ok {
			p.failedChunk.Store(true)
			continue
		}

		added := p.mergeLocal(&rows, groups, cr)
		p.totalRows.Add(int64(added))
	}

	if p.q.MapOutput {
		return engine.ChunkResult{Groups: groups}
	}
	return engine.ChunkResult{Rows: rows}
}

// mergeLocal folds one chunk's partial into this lane's running
// accumulator, per spec.md §4.4's merge-strategy table. The !need_merge
// path appends rather than prepends: the source inserted at the front of a
// std::vector (an O(n^2) artefact spec.md §9 flags), and nothing downstream
// depends on row order in unmerged mode.
func (p *Pipeline) mergeLocal(rows *[]engine.Row, groups map[string]engine.Row, cr engine.ChunkResult) int {
	start := time.Now()
	defer func() { metrics.ChunkMergeDuration.Observe(time.Since(start).Seconds()) }()

	switch {
	case p.q.NeedMerge && p.q.MapOutput:
		return p.eng.StatsMerge(p.q, cr.Groups, groups)
	case p.q.NeedMerge && !p.q.MapOutput:
		added, err := p.eng.Accumulate(p.q, cr.Rows, rows)
		if err != nil {
			p.log.Warn("accumulate failed", "qid", p.q.QID, "err", err)
			return 0
		}
		return added
	case p.q.MapOutput:
		for k, v := range cr.Groups {
			groups[k] = v
		}
		return len(cr.Groups)
	default:
		*rows = append(*rows, cr.Rows...)
		return len(cr.Rows)
	}
}

// mergeFinal is the Chunk Merger: combines every lane's partial into one
// final result, via the engine's FinalMerge when need_merge, or plain
// concatenation otherwise (spec.md §4.4 "When all Stage-A workers have
// terminated").
func (p *Pipeline) mergeFinal(ctx context.Context, partials []engine.ChunkResult) (engine.ChunkResult, error) {
	start := time.Now()
	defer func() { metrics.FinalMergeDuration.Observe(time.Since(start).Seconds()) }()

	// Aggregate overflow check: a separate, whole-query check from each
	// lane's own self-check in runLane, which compares total_rows with
	// max_rows only when a lane claims a chunk, before that chunk's rows are
	// added, so rows added by the last chunks to finish are never seen by a
	// later claim (e.g. when max_tasks >= number of chunks). The Chunk Merger re-checks
	// total_rows once every Stage-A lane has terminated and short-circuits
	// to Stage B with overflow=true if the budget was exceeded, per
	// spec.md §4.4 and QEOpServerProxy.cc's merge step re-summing
	// total_rows across all chunk results.
	if p.totalRows.Load() > int64(p.q.MaxRows) {
		p.overflow.Store(true)
		return engine.ChunkResult{}, nil
	}

	if p.q.NeedMerge {
		merged, err := p.eng.FinalMerge(ctx, p.q, partials)
		if err != nil {
			p.log.Error("final merge failed", "qid", p.q.QID, "err", err)
			return engine.ChunkResult{}, err
		}
		return merged, nil
	}

	if p.q.MapOutput {
		groups := make(map[string]engine.Row)
		for _, part := range partials {
			for k, v := range part.Groups {
				groups[k] = v
			}
		}
		return engine.ChunkResult{Groups: groups}, nil
	}

	var rows []engine.Row
	for _, part := range partials {
		rows = append(rows, part.Rows...)
	}
	return engine.ChunkResult{Rows: rows}, nil
}

// runStageB publishes the final result (or an error progress) and performs
// TTL/finalization cleanup (spec.md §4.4 Stage B), all sequentially on the
// pipeline's assigned worker connection.
func (p *Pipeline) runStageB(ctx context.Context, final engine.ChunkResult) {
	conn := p.conn()

	switch {
	case p.overflow.Load():
		p.publishError(ctx, conn, apperror.Overflow())
	case p.failedChunk.Load():
		p.publishError(ctx, conn, apperror.EngineFailure(errors.New("query engine reported a sub-step failure")))
	default:
		rows, lines, err := p.pub.Publish(ctx, conn, p.q, final, func(lines int) {
			conn.SendWithRetry(ctx, "RPUSH", []string{"REPLY:" + p.q.QID, fmt.Sprintf(`{"progress":90,"lines":%d}`, lines)})
		})
		if err != nil {
			p.log.Error("result publish failed", "qid", p.q.QID, "err", err)
			p.publishError(ctx, conn, apperror.New(apperror.EIO, "result publish failed", err))
		} else {
			payload := fmt.Sprintf(`{"progress":100,"lines":%d,"count":%d}`, lines, rows)
			conn.SendWithRetry(ctx, "RPUSH", []string{"REPLY:" + p.q.QID, payload})
			metrics.RowsPublished.Observe(float64(rows))
		}
	}

	p.finalize(ctx, conn)
}

func (p *Pipeline) publishError(ctx context.Context, conn *kv.Conn, appErr *apperror.AppError) {
	metrics.ErrorsTotal.WithLabelValues(fmt.Sprint(appErr.Code), p.q.Table).Inc()
	conn.SendWithRetry(ctx, "RPUSH", []string{"REPLY:" + p.q.QID, appErr.ProgressJSON()})
}

// finalize performs substep 1: expire the query's KV keys and remove it
// from the in-progress list (spec.md §4.4).
func (p *Pipeline) finalize(ctx context.Context, conn *kv.Conn) {
	conn.SendWithRetry(ctx, "EXPIRE", []string{"REPLY:" + p.q.QID, "300"})
	conn.SendWithRetry(ctx, "EXPIRE", []string{"QUERY:" + p.q.QID, "300"})
	conn.SendWithRetry(ctx, "LREM", []string{kv.EngineListKey(p.hostname), "0", p.q.QID})
}
