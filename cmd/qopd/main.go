// Command qopd is the Query Orchestrator Proxy entrypoint. It loads
// configuration, builds the KV connection fleet, starts Admission & Intake,
// serves Prometheus metrics and a health endpoint, and runs until
// SIGINT/SIGTERM.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/panjf2000/ants/v2"

	"github.com/toha10/contrail-analytics/internal/admission"
	"github.com/toha10/contrail-analytics/internal/config"
	"github.com/toha10/contrail-analytics/internal/engine"
	"github.com/toha10/contrail-analytics/internal/kv"
	"github.com/toha10/contrail-analytics/internal/logging"
	"github.com/toha10/contrail-analytics/internal/metrics"
	"github.com/toha10/contrail-analytics/internal/schema"
)

func main() {
	cfg := config.Default()
	if err := config.Load(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.ParseFlags(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logging.Init(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	log := logging.Get()
	log.Info("starting qopd", "endpoints", len(cfg.Endpoints), "hostname", cfg.Hostname, "max_tasks", cfg.MaxTasks, "max_pipelines", cfg.MaxPipelines)

	reg := schema.NewRegistry(nil, schema.DefaultObjectTableSchema())
	termsSchema, err := schema.NewTermsSchema(nil)
	if err != nil {
		log.Error("compile terms schema", "err", err)
		os.Exit(1)
	}

	// eng is the query-engine collaborator (spec.md §1 "Out of scope
	// (external collaborators)"). qopd's job is to drive this interface, not
	// implement it; a real deployment links an engine client (RPC to the
	// analytics engine process) here. engine.NewFake provides an in-memory
	// stand-in so this binary is runnable standalone until that client
	// exists.
	eng := engine.NewFake()

	// stageAPool bounds total Stage-A goroutines across every concurrently
	// admitted pipeline (cfg.MaxPipelines * cfg.MaxTasks in the worst case).
	stageAPool, err := ants.NewPool(cfg.MaxPipelines*cfg.MaxTasks, ants.WithPanicHandler(func(v any) {
		log.Error("stage-a lane panic", "recovered", v)
	}))
	if err != nil {
		log.Error("create stage-a pool", "err", err)
		os.Exit(1)
	}
	defer stageAPool.Release()

	fleet := kv.NewFleet(cfg, log)
	adm := admission.New(fleet, eng, cfg, reg, termsSchema, stageAPool, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go fleet.Run(ctx)
	go adm.Run(ctx)

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		up, detail, _ := fleet.Health()
		if !up {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		fmt.Fprintf(w, "%s: %s\nactive pipelines: %d\n", statusWord(up), detail, adm.ActiveCount())
	})

	httpSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server failed", "err", err)
		}
	}()
	log.Info("metrics listening", "addr", cfg.MetricsAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("shutting down")

	cancel()
	httpSrv.Shutdown(context.Background())
}

func statusWord(up bool) string {
	if up {
		return "ok"
	}
	return "down"
}
