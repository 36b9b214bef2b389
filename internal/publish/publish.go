// Package publish implements the Result Publisher (C6, spec.md §4.6):
// schema-driven JSON row rendering and batched RESULT:<qid>:<n> pushes.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/toha10/contrail-analytics/internal/engine"
	"github.com/toha10/contrail-analytics/internal/kv"
	"github.com/toha10/contrail-analytics/internal/schema"
)

// kMaxRowThreshold bounds the cumulative byte-length of one RESULT batch
// before the publisher rolls over to the next row_index (spec.md §4.6).
const kMaxRowThreshold = 10000

// Publisher renders a pipeline's final result into JSON rows and pushes
// them to the KV in threshold-sized batches.
type Publisher struct {
	reg *schema.Registry
	eng engine.Engine
	log *slog.Logger
}

// New builds a Publisher backed by reg for non-map-output row typing and
// eng for map_output's StatsSerialize delegation.
func New(reg *schema.Registry, eng engine.Engine, log *slog.Logger) *Publisher {
	return &Publisher{reg: reg, eng: eng, log: log}
}

// Publish serializes result per q's table schema (or via StatsSerialize for
// map_output queries), pushes it to the KV in kMaxRowThreshold-sized
// batches on conn, and invokes onBatch after each batch's EXPIRE with the
// 1-indexed batch count so the caller can publish {"progress":90,"lines":L}
// (spec.md §4.6: "After each batch ... publish progress"). Returns the
// total row count and number of batches written.
func (p *Publisher) Publish(ctx context.Context, conn *kv.Conn, q engine.Query, result engine.ChunkResult, onBatch func(lines int)) (rows, batches int, err error) {
	serialized, err := p.serialize(q, result)
	if err != nil {
		return 0, 0, err
	}

	batchIdx := 0
	var batch []string
	byteLen := 0

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		key := fmt.Sprintf("RESULT:%s:%d", q.QID, batchIdx)
		argv := append([]string{key}, batch...)
		if _, err := conn.SendWithRetry(ctx, "RPUSH", argv); err != nil {
			return fmt.Errorf("publish: rpush %s: %w", key, err)
		}
		if _, err := conn.SendWithRetry(ctx, "EXPIRE", []string{key, "300"}); err != nil {
			return fmt.Errorf("publish: expire %s: %w", key, err)
		}
		batchIdx++
		batch = batch[:0]
		byteLen = 0
		if onBatch != nil {
			onBatch(batchIdx)
		}
		return nil
	}

	for _, s := range serialized {
		if byteLen > 0 && byteLen+len(s) > kMaxRowThreshold {
			if err := flush(); err != nil {
				return 0, 0, err
			}
		}
		batch = append(batch, s)
		byteLen += len(s)
	}
	if err := flush(); err != nil {
		return 0, 0, err
	}

	return len(serialized), batchIdx, nil
}

func (p *Publisher) serialize(q engine.Query, result engine.ChunkResult) ([]string, error) {
	if q.MapOutput {
		out := make([]string, 0, len(result.Groups))
		for key, row := range result.Groups {
			s, err := p.eng.StatsSerialize(q.Table, key, row)
			if err != nil {
				return nil, fmt.Errorf("publish: stats serialize: %w", err)
			}
			out = append(out, s)
		}
		return out, nil
	}

	cols := p.reg.Columns(q.Table)
	out := make([]string, 0, len(result.Rows))
	for _, row := range result.Rows {
		obj, err := schema.Row(q.Table, cols, row)
		if err != nil {
			return nil, fmt.Errorf("publish: row typing: %w", err)
		}
		buf, err := json.Marshal(obj)
		if err != nil {
			return nil, fmt.Errorf("publish: marshal row: %w", err)
		}
		out = append(out, string(buf))
	}
	return out, nil
}
