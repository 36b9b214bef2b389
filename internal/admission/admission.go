// Package admission implements Admission & Intake (C3, spec.md §4.3): the
// control-connection consumer that turns a popped qid into a running
// pipeline.
package admission

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/toha10/contrail-analytics/internal/apperror"
	"github.com/toha10/contrail-analytics/internal/config"
	"github.com/toha10/contrail-analytics/internal/engine"
	"github.com/toha10/contrail-analytics/internal/errorreporter"
	"github.com/toha10/contrail-analytics/internal/kv"
	"github.com/toha10/contrail-analytics/internal/logging"
	"github.com/toha10/contrail-analytics/internal/metrics"
	"github.com/toha10/contrail-analytics/internal/pipeline"
	"github.com/toha10/contrail-analytics/internal/publish"
	"github.com/toha10/contrail-analytics/internal/schema"
)

// unknownTable mirrors errorreporter's sentinel for failures that predate
// table resolution.
const unknownTable = "__UNKNOWN__"

// Admission drives one or more endpoints' control connections, admitting
// queries and starting pipelines for them.
type Admission struct {
	fleet   *kv.Fleet
	eng     engine.Engine
	cfg     *config.Config
	terms   *schema.TermsSchema
	errRep  *errorreporter.Reporter
	pub     *publish.Publisher
	pool    *ants.Pool
	log     *slog.Logger

	// mu guards inProgress, the in-progress qid->pipeline map (spec.md §5's
	// "one coarse mutex" covering the in-progress map and per-qid registry;
	// the per-endpoint load counters have their own lock inside kv.Fleet,
	// since nothing here needs them updated atomically with this map).
	mu         sync.Mutex
	inProgress map[string]*pipeline.Pipeline
}

// New builds an Admission instance. termsSchema validates a query's terms
// before PrepareQuery is invoked (SPEC_FULL.md DOMAIN STACK: gojsonschema).
func New(fleet *kv.Fleet, eng engine.Engine, cfg *config.Config, reg *schema.Registry, terms *schema.TermsSchema, pool *ants.Pool, log *slog.Logger) *Admission {
	return &Admission{
		fleet:      fleet,
		eng:        eng,
		cfg:        cfg,
		terms:      terms,
		errRep:     errorreporter.New(fleet, cfg, log),
		pub:        publish.New(reg, eng, log),
		pool:       pool,
		log:        log,
		inProgress: make(map[string]*pipeline.Pipeline),
	}
}

// Run arms BRPOPLPUSH on every endpoint's control connection and blocks
// until ctx is canceled. Each endpoint is armed from its own goroutine
// since armEndpoint now blocks on waitReady: one endpoint still
// (re)connecting must never delay arming the others.
func (a *Admission) Run(ctx context.Context) {
	for idx := 0; idx < a.fleet.NumEndpoints(); idx++ {
		idx := idx
		go a.armEndpoint(ctx, idx)
	}
	<-ctx.Done()
}

// armEndpoint arms BRPOPLPUSH on endpoint idx and re-arms it immediately
// after handling whatever it pops, per spec.md §4.3: "After handling the
// payload, C3 immediately re-arms BRPOPLPUSH on the control connection."
// It waits for every connection on the endpoint to reach Ready first
// (spec.md §4.2), so arming never races a connection that is still
// (re)connecting.
func (a *Admission) armEndpoint(ctx context.Context, idx int) {
	if !a.waitReady(ctx, idx) {
		return
	}
	a.fleet.ArmControl(idx, a.cfg.Hostname, func(qid string, ok bool) {
		if ctx.Err() != nil {
			return
		}
		if ok && qid != "" {
			a.handle(ctx, idx, qid)
		}
		a.armEndpoint(ctx, idx)
	})
}

// waitReady blocks until every connection (control and workers) on endpoint
// idx reaches Ready (spec.md §4.2: "When all connections for an endpoint
// reach Ready, the control connection issues BRPOPLPUSH"), polling on
// kv.RetryPollInterval. Without this gate, arming a not-yet-ready control
// connection would have Conn.Send answer BRPOPLPUSH with an immediate nil
// reply, and the re-arm-on-any-reply logic above would spin issuing fresh
// BRPOPLPUSH attempts (each its own goroutine) instead of waiting once.
// Returns false only if ctx is canceled first.
func (a *Admission) waitReady(ctx context.Context, idx int) bool {
	if a.fleet.AllReady(idx) {
		return true
	}
	ticker := time.NewTicker(kv.RetryPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			if a.fleet.AllReady(idx) {
				return true
			}
		}
	}
}

// handle runs steps 1-4 of spec.md §4.3 for one popped qid.
func (a *Admission) handle(ctx context.Context, idx int, qid string) {
	log, _ := logging.WithTraceID()
	log = log.With("qid", qid)

	ep := a.fleet.EndpointConfig(idx)
	eph, err := kv.DialEphemeral(ctx, ep, a.cfg.Password, a.cfg.TLS, 5*time.Second)
	if err != nil {
		log.Warn("ephemeral connect failed", "err", err)
		a.errRep.Report(ctx, idx, qid, apperror.KVFailure(err), unknownTable)
		return
	}
	terms, err := eph.HGetAll(fmt.Sprintf("QUERY:%s", qid))
	eph.Close()
	if err != nil {
		log.Warn("hgetall failed", "err", err)
		a.errRep.Report(ctx, idx, qid, apperror.KVFailure(err), unknownTable)
		return
	}

	if err := a.terms.Validate(terms); err != nil {
		a.errRep.Report(ctx, idx, qid, apperror.New(apperror.EIO, "terms validation failed", err), terms["table"])
		return
	}

	prep, err := a.eng.PrepareQuery(ctx, qid, terms, a.cfg.MaxTasks, time.Now())
	if err != nil {
		a.errRep.Report(ctx, idx, qid, apperror.New(apperror.EIO, "prepare query failed", err), terms["table"])
		return
	}
	if prep.Ret != 0 {
		a.errRep.Report(ctx, idx, qid, apperror.PrepareFailed(prep.Ret), prep.Table)
		return
	}

	a.mu.Lock()
	if len(a.inProgress) >= a.cfg.MaxPipelines {
		a.mu.Unlock()
		a.errRep.Report(ctx, idx, qid, apperror.AdmissionFull(), prep.Table)
		return
	}

	workerIdx := a.fleet.SelectWorker(idx)
	if workerIdx == -1 {
		a.mu.Unlock()
		a.errRep.Report(ctx, idx, qid, apperror.New(apperror.EIO, "no ready worker connection", nil), prep.Table)
		return
	}

	q := engine.Query{
		QID:           qid,
		Terms:         terms,
		StartTimeUsec: time.Now().UnixMicro(),
		EnqueueTime:   parseEnqueueTime(terms),
		Table:         prep.Table,
		Where:         prep.Where,
		Select:        prep.Select,
		Post:          prep.Post,
		TimePeriod:    prep.TimePeriod,
		ChunkSize:     prep.ChunkSize,
		WTerms:        prep.WTerms,
		NeedMerge:     prep.NeedMerge,
		MapOutput:     prep.MapOutput,
		MaxTasks:      a.cfg.MaxTasks,
		MaxRows:       uint64(a.cfg.MaxRows),
	}

	pl := pipeline.New(q, a.fleet, idx, workerIdx, a.cfg.Hostname, a.eng, a.pub, a.pool, log)
	a.inProgress[qid] = pl
	metrics.ActivePipelines.Set(float64(len(a.inProgress)))
	a.mu.Unlock()

	metrics.AdmittedTotal.Inc()

	conn := a.fleet.Worker(idx, workerIdx)
	go func() {
		if _, err := conn.SendWithRetry(ctx, "RPUSH", []string{"REPLY:" + qid, `{"progress":15}`}); err != nil {
			log.Warn("failed to publish admitted progress", "err", err)
		}
	}()

	pl.Start(ctx, func() {
		a.mu.Lock()
		delete(a.inProgress, qid)
		metrics.ActivePipelines.Set(float64(len(a.inProgress)))
		a.mu.Unlock()
		a.fleet.ReleaseWorker(idx, workerIdx)
		metrics.CompletedTotal.Inc()
	})
}

// ActiveCount returns the number of pipelines currently admitted, for
// health/diagnostics endpoints.
func (a *Admission) ActiveCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.inProgress)
}

// parseEnqueueTime reads terms["enqueue_time"] as a microsecond epoch
// timestamp (spec.md §3: "enqueue_time (from terms["enqueue_time"])"); an
// unparsable or absent value yields 0, which disables the enqueue-delay
// histogram observation for that query rather than failing admission over
// a telemetry-only field.
func parseEnqueueTime(terms map[string]string) int64 {
	v, ok := terms["enqueue_time"]
	if !ok {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
