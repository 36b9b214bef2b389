// Package errorreporter implements the Error Reporter (C7, spec.md §4.7):
// the synchronous, out-of-band KV path used when a query fails before any
// pipeline exists to carry its error progress.
package errorreporter

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/toha10/contrail-analytics/internal/apperror"
	"github.com/toha10/contrail-analytics/internal/config"
	"github.com/toha10/contrail-analytics/internal/kv"
	"github.com/toha10/contrail-analytics/internal/metrics"
)

// unknownTable stands in for a table name when the failure happened before
// the table was even known (e.g. the HGETALL itself failed), per spec.md
// §9's open question: "on KV-connect failure before reading terms it
// publishes telemetry with table __UNKNOWN__".
const unknownTable = "__UNKNOWN__"

// Reporter opens a fresh ephemeral connection per report, matching the
// source's synchronous C7 path: there is no resumable pipeline state here,
// so there is nothing to gain from reusing a long-lived connection.
type Reporter struct {
	fleet *kv.Fleet
	cfg   *config.Config
	log   *slog.Logger
}

// New builds a Reporter using fleet's endpoint configuration and cfg's
// credentials/TLS material to dial ephemeral connections.
func New(fleet *kv.Fleet, cfg *config.Config, log *slog.Logger) *Reporter {
	return &Reporter{fleet: fleet, cfg: cfg, log: log}
}

// Report records metrics/logs for appErr and, best-effort, writes its
// negative progress to REPLY:<qid>. endpointIdx selects which KV endpoint
// to dial; table is "__UNKNOWN__" when the failure predates table
// resolution. KV failures here are swallowed (logged only): spec.md §4.7
// "Swallows its own KV failures (logged) because there is no resumable
// work to reschedule."
func (r *Reporter) Report(ctx context.Context, endpointIdx int, qid string, appErr *apperror.AppError, table string) {
	if table == "" {
		table = unknownTable
	}
	metrics.ErrorsTotal.WithLabelValues(fmt.Sprint(appErr.Code), table).Inc()
	r.log.Error("admission failed before pipeline start", "qid", qid, "code", appErr.Code, "table", table, "err", appErr.Err)

	ep := r.fleet.EndpointConfig(endpointIdx)
	eph, err := kv.DialEphemeral(ctx, ep, r.cfg.Password, r.cfg.TLS, 5*time.Second)
	if err != nil {
		r.log.Warn("error reporter could not reach kv", "qid", qid, "err", err)
		return
	}
	defer eph.Close()

	if err := eph.RPush(fmt.Sprintf("REPLY:%s", qid), appErr.ProgressJSON()); err != nil {
		r.log.Warn("error reporter rpush failed", "qid", qid, "err", err)
	}
}
