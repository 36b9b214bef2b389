package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Fake is an in-memory Engine used by package tests elsewhere in this
// module. It holds a fixed table of rows per qid/chunk and lets every
// "WHERE" sub-step match the whole chunk, letting tests exercise the pipeline's chunk/sub-step/merge state machine without a
// real query engine attached.
//
// Fake dispatches ExecuteWhere/ExecuteSelect callbacks on their own
// goroutine, preserving the interface's asynchronous contract.
type Fake struct {
	mu      sync.Mutex
	queries map[string]*fakeQuery
}

type fakeQuery struct {
	prepare PrepareResult
	chunks  [][]Row // chunks[chunk] = rows belonging to that chunk
	prepErr error
}

// NewFake returns an empty Fake; use Seed to register a query's rows.
func NewFake() *Fake {
	return &Fake{queries: make(map[string]*fakeQuery)}
}

// Seed registers the rows and chunking Fake.PrepareQuery will hand back for
// qid. chunks[i] holds the rows ExecuteSelect returns for chunk i; when
// prep.MapOutput is set they are returned grouped by their "key" column.
func (f *Fake) Seed(qid string, prep PrepareResult, chunks [][]Row) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries[qid] = &fakeQuery{prepare: prep, chunks: chunks}
}

// SeedError makes PrepareQuery fail for qid with the given error.
func (f *Fake) SeedError(qid string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries[qid] = &fakeQuery{prepErr: err}
}

func (f *Fake) PrepareQuery(_ context.Context, qid string, _ map[string]string, _ int, _ time.Time) (PrepareResult, error) {
	f.mu.Lock()
	q, ok := f.queries[qid]
	f.mu.Unlock()
	if !ok {
		return PrepareResult{}, fmt.Errorf("engine: no fake query seeded for %s", qid)
	}
	if q.prepErr != nil {
		return PrepareResult{}, q.prepErr
	}
	return q.prepare, nil
}

func (f *Fake) ExecuteWhere(qid string, chunk int, substep uint32, cb WhereCallback) {
	go func() {
		f.mu.Lock()
		q := f.queries[qid]
		f.mu.Unlock()
		if q == nil || chunk >= len(q.chunks) {
			cb(WhereResult{}, PerfInfo{Error: true, Message: "unknown chunk"})
			return
		}
		// Every sub-step matches the whole chunk; SetUnion below collapses
		// the duplicates back to the chunk's row set, which is sufficient
		// to exercise the W-sub-step fan-out without a real predicate
		// language.
		cb(NewWhereResult(chunk), PerfInfo{Duration: time.Microsecond})
	}()
}

func (f *Fake) ExecuteSelect(qid string, chunk int, where WhereResult, cb SelectCallback) {
	go func() {
		f.mu.Lock()
		q := f.queries[qid]
		f.mu.Unlock()
		idx, _ := where.Token().(int)
		if q == nil || idx >= len(q.chunks) {
			cb(ChunkResult{Perf: PerfInfo{Error: true, Message: "unknown chunk"}})
			return
		}
		rows := q.chunks[idx]
		if !q.prepare.MapOutput {
			cb(ChunkResult{Rows: rows})
			return
		}
		groups := make(map[string]Row, len(rows))
		for _, r := range rows {
			groups[r["key"]] = r
		}
		cb(ChunkResult{Groups: groups})
	}()
}

// SetUnion OR-unions N WHERE partials for one chunk. Since Fake's
// ExecuteWhere always returns the chunk index as the token, union is just
// "pick the (identical) chunk index".
func (f *Fake) SetUnion(_ string, terms []WhereResult) WhereResult {
	if len(terms) == 0 {
		return WhereResult{}
	}
	return terms[0]
}

func (f *Fake) Accumulate(_ Query, delta []Row, acc *[]Row) (int, error) {
	*acc = append(*acc, delta...)
	return len(delta), nil
}

func (f *Fake) StatsMerge(_ Query, from map[string]Row, acc map[string]Row) int {
	before := len(acc)
	for k, v := range from {
		acc[k] = v
	}
	return len(acc) - before
}

func (f *Fake) FinalMerge(_ context.Context, q Query, partials []ChunkResult) (ChunkResult, error) {
	if q.MapOutput {
		merged := make(map[string]Row)
		for _, p := range partials {
			for k, v := range p.Groups {
				merged[k] = v
			}
		}
		return ChunkResult{Groups: merged}, nil
	}
	var rows []Row
	for _, p := range partials {
		rows = append(rows, p.Rows...)
	}
	return ChunkResult{Rows: rows}, nil
}

func (f *Fake) StatsSerialize(_, key string, row Row) (string, error) {
	keys := make([]string, 0, len(row))
	for k := range row {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%q:%q", k, row[k]))
	}
	return fmt.Sprintf("{%q:{%s}}", key, strings.Join(parts, ",")), nil
}
