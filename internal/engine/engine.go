// Package engine defines the external query-engine collaborator QOP drives
// (spec.md §1 "Out of scope (external collaborators)"): PrepareQuery,
// ExecuteWhere, ExecuteSelect, Accumulate, and FinalMerge. QOP never
// implements query evaluation itself; this package only describes the
// boundary and, for tests, a small in-memory fake.
package engine

import (
	"context"
	"time"
)

// Row is one output row: column name -> string value, exactly as the KV
// and the query engine exchange it (spec.md §3, §4.6).
type Row map[string]string

// WhereResult is the opaque per-sub-step partial the engine produces from
// one OR-term's WHERE evaluation over one chunk. QOP never inspects its
// contents; it only asks the engine to union N of them (spec.md §4.5).
type WhereResult struct {
	token any
}

// NewWhereResult wraps an engine-internal value as an opaque WhereResult.
func NewWhereResult(token any) WhereResult { return WhereResult{token: token} }

// Token returns the engine-internal value, for the engine's own use inside
// SetUnion; QOP's pipeline code never calls this.
func (w WhereResult) Token() any { return w.token }

// PerfInfo is one sub-step's telemetry, including the error flag that
// aborts a chunk (spec.md §4.5 "Errors carried in the engine's per-step
// performance record (error=true) abort the chunk").
type PerfInfo struct {
	Error    bool
	Message  string
	Duration time.Duration
}

// ChunkResult is what a chunk's SELECT/POST sub-step produces: an ordered
// row sequence when MapOutput is false, or a group-key -> row multimap
// (collapsed to one aggregated row per key, since StatsMerge always
// aggregates within a key) when MapOutput is true.
type ChunkResult struct {
	Perf   PerfInfo
	Rows   []Row
	Groups map[string]Row
}

// Query is the immutable per-query parameter set (spec.md §3 "Query").
type Query struct {
	QID           string
	Terms         map[string]string
	StartTimeUsec int64
	EnqueueTime   int64

	Table      string
	Where      string
	Select     string
	Post       string
	TimePeriod uint64
	ChunkSize  []uint64
	WTerms     uint32
	NeedMerge  bool
	MapOutput  bool

	MaxTasks int
	MaxRows  uint64
}

// PrepareResult is PrepareQuery's return value (spec.md §4.3 step 2). A
// nonzero Ret means prepare failed; ChunkSize and the rest are undefined
// in that case.
type PrepareResult struct {
	ChunkSize  []uint64
	NeedMerge  bool
	MapOutput  bool
	Where      string
	WTerms     uint32
	Select     string
	Post       string
	TimePeriod uint64
	Table      string
	Ret        int
}

// WhereCallback delivers one WHERE sub-step's result asynchronously.
type WhereCallback func(WhereResult, PerfInfo)

// SelectCallback delivers one chunk's SELECT/POST result asynchronously.
type SelectCallback func(ChunkResult)

// Engine is the query-engine boundary. ExecuteWhere and ExecuteSelect
// return immediately; their result arrives later via the callback,
// invoked on an engine-owned goroutine (spec.md §5 "Suspension points").
type Engine interface {
	// PrepareQuery validates terms and partitions the query into chunks.
	PrepareQuery(ctx context.Context, qid string, terms map[string]string, maxTasks int, now time.Time) (PrepareResult, error)

	// ExecuteWhere runs OR-term `substep` of chunk `chunk`'s WHERE clause.
	ExecuteWhere(qid string, chunk int, substep uint32, cb WhereCallback)

	// ExecuteSelect runs the SELECT/POST sub-step over the unioned WHERE
	// result for chunk `chunk`.
	ExecuteSelect(qid string, chunk int, where WhereResult, cb SelectCallback)

	// SetUnion OR-combines the WHERE partials from every sub-step of one
	// chunk (spec.md §4.5 "compute wresult = ⋃ welem[i] via SetUnion").
	SetUnion(qid string, terms []WhereResult) WhereResult

	// Accumulate appends delta's rows into acc in place (QueryAccumulate,
	// merge-mode + !map_output path) and returns the number of rows added.
	Accumulate(q Query, delta []Row, acc *[]Row) (added int, err error)

	// StatsMerge merges from's groups into acc in place (StatsSelect::Merge,
	// merge-mode + map_output path) and returns the number of rows added.
	StatsMerge(q Query, from map[string]Row, acc map[string]Row) (added int)

	// FinalMerge combines every Stage-A worker's accumulated partial into
	// one final ChunkResult (QueryFinalMerge, called by the Chunk Merger
	// only when NeedMerge is true).
	FinalMerge(ctx context.Context, q Query, partials []ChunkResult) (ChunkResult, error)

	// StatsSerialize renders one map-output group's row as a JSON string
	// (StatsSelect::Jsonify), bypassing the schema-driven row typing in
	// internal/schema/row.go that the non-map-output path uses.
	StatsSerialize(table, key string, row Row) (string, error)
}
