package kv

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/toha10/contrail-analytics/internal/config"
	"github.com/toha10/contrail-analytics/internal/metrics"
)

// endpointConns holds one endpoint's control connection and its K worker
// connections, per spec.md §4.2: "allocates index 0 as control and
// indices 1..K as workers".
type endpointConns struct {
	cfg     config.Endpoint
	control *Conn
	workers []*Conn // length K, 1-indexed conceptually (workers[i] is worker index i+1)

	// mu guards least-loaded selection: "Selection and increment must be
	// atomic with respect to concurrent admissions" (spec.md §4.2).
	mu sync.Mutex
}

// Fleet is the Connection Fleet (C2): one endpointConns per configured KV
// endpoint.
type Fleet struct {
	cfg       *config.Config
	log       *slog.Logger
	endpoints []*endpointConns
}

// NewFleet builds (but does not start) a connection for every endpoint's
// control slot and K worker slots.
func NewFleet(cfg *config.Config, log *slog.Logger) *Fleet {
	f := &Fleet{cfg: cfg, log: log}
	for _, ep := range cfg.Endpoints {
		ec := &endpointConns{
			cfg:     ep,
			control: NewConn(ep, cfg.Password, cfg.TLS, true, 0, log),
			workers: make([]*Conn, cfg.WorkersPerEndpoint),
		}
		for i := 0; i < cfg.WorkersPerEndpoint; i++ {
			ec.workers[i] = NewConn(ep, cfg.Password, cfg.TLS, false, i+1, log)
		}
		f.endpoints = append(f.endpoints, ec)
	}
	return f
}

// Run starts every connection's reconnect loop and blocks until ctx is
// canceled and every connection's Run has returned.
func (f *Fleet) Run(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	for _, ec := range f.endpoints {
		ec := ec
		g.Go(func() error {
			ec.control.Run(gctx)
			return nil
		})
		for _, w := range ec.workers {
			w := w
			g.Go(func() error {
				w.Run(gctx)
				return nil
			})
		}
	}
	g.Wait()
}

// NumEndpoints returns the number of configured KV endpoints.
func (f *Fleet) NumEndpoints() int { return len(f.endpoints) }

// Control returns the control connection for endpoint idx.
func (f *Fleet) Control(idx int) *Conn { return f.endpoints[idx].control }

// AllReady reports whether every connection (control and workers) for
// endpoint idx is in the Ready state — the precondition for arming
// BRPOPLPUSH (spec.md §4.2: "When all connections for an endpoint reach
// Ready, the control connection issues BRPOPLPUSH").
func (f *Fleet) AllReady(idx int) bool {
	ec := f.endpoints[idx]
	if ec.control.State() != StateReady {
		return false
	}
	for _, w := range ec.workers {
		if w.State() != StateReady {
			return false
		}
	}
	return true
}

// SelectWorker returns the least-loaded worker index (1..K) for endpoint
// idx and atomically increments its load, ties broken by lowest index
// (spec.md §4.2 "Least-loaded selection"). Returns -1 if no worker on this
// endpoint is Ready.
func (f *Fleet) SelectWorker(idx int) int {
	ec := f.endpoints[idx]
	ec.mu.Lock()
	defer ec.mu.Unlock()

	best := -1
	var bestLoad int32
	for i, w := range ec.workers {
		if w.State() != StateReady {
			continue
		}
		l := w.Load()
		if best == -1 || l < bestLoad {
			best = i
			bestLoad = l
		}
	}
	if best == -1 {
		return -1
	}
	ec.workers[best].addLoad(1)
	metrics.EndpointLoad.WithLabelValues(ec.cfg.String()).Add(1)
	return best + 1
}

// EndpointConfig returns the configured host/port/TLS-relevant endpoint for
// index idx, for callers (the ephemeral connections used by C3 and C7) that
// need to dial it independently of the fleet's long-lived connections.
func (f *Fleet) EndpointConfig(idx int) config.Endpoint { return f.endpoints[idx].cfg }

// Worker returns the worker connection at 1-indexed position workerIdx on
// endpoint idx.
func (f *Fleet) Worker(idx, workerIdx int) *Conn {
	return f.endpoints[idx].workers[workerIdx-1]
}

// ReleaseWorker decrements the load counter for worker workerIdx on
// endpoint idx, called once a pipeline completes (spec.md §4.4 "Call
// completion: ... decrement the worker's load").
func (f *Fleet) ReleaseWorker(idx, workerIdx int) {
	ec := f.endpoints[idx]
	ec.mu.Lock()
	ec.workers[workerIdx-1].addLoad(-1)
	ec.mu.Unlock()
	metrics.EndpointLoad.WithLabelValues(ec.cfg.String()).Add(-1)
}

// ArmControl issues one BRPOPLPUSH QUERYQ ENGINE:<hostname> 0 on endpoint
// idx's control connection and invokes onQid once with the popped qid (or
// with ok=false on a transport failure). The caller is responsible for
// re-arming after handling the payload (spec.md §4.3: "After handling the
// payload, C3 immediately re-arms BRPOPLPUSH on the control connection.").
func (f *Fleet) ArmControl(idx int, hostname string, onQid func(qid string, ok bool)) {
	ec := f.endpoints[idx]
	inProgressKey := EngineListKey(hostname)
	ec.control.Send("BRPOPLPUSH", []string{"QUERYQ", inProgressKey, "0"}, nil, func(reply any, _ any) {
		if reply == nil {
			onQid("", false)
			return
		}
		b, ok := reply.([]byte)
		if !ok {
			onQid("", false)
			return
		}
		onQid(string(b), true)
	})
}

// EngineListKey derives the per-host in-progress list name ENGINE:<host>
// (spec.md §6; see SPEC_FULL.md supplemented-feature #4 for why it is
// scoped per hostname rather than global).
func EngineListKey(hostname string) string {
	return fmt.Sprintf("ENGINE:%s", hostname)
}

// EndpointHealth is one endpoint's aggregate reachability.
type EndpointHealth struct {
	Endpoint string
	Up       bool
}

// Health aggregates connection health across the fleet (spec.md §4.2
// "Health aggregation"): an endpoint is Down if every one of its
// connections (control + workers) is Down; overall status is Down only if
// every endpoint is Down.
func (f *Fleet) Health() (up bool, detail string, perEndpoint []EndpointHealth) {
	var downNames []string
	for _, ec := range f.endpoints {
		allDown := ec.control.State() == StateDown
		if allDown {
			for _, w := range ec.workers {
				if w.State() != StateDown {
					allDown = false
					break
				}
			}
		}
		perEndpoint = append(perEndpoint, EndpointHealth{Endpoint: ec.cfg.String(), Up: !allDown})
		if allDown {
			downNames = append(downNames, ec.cfg.String())
		}
	}

	if len(downNames) == len(f.endpoints) {
		return false, "all endpoints down", perEndpoint
	}
	if len(downNames) == 0 {
		return true, "up", perEndpoint
	}
	return true, "up, down endpoints: " + strings.Join(downNames, ", "), perEndpoint
}
