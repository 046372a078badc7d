// Package telemetry provides logging, tracing, metrics and run event
// publishing for the recovery engine.
//
// # Architecture
//
//  1. Structured Logging - zerolog, console or JSON, with component loggers
//  2. Distributed Tracing - OpenTelemetry with OTLP gRPC or stdout exporters
//  3. Metrics Collection - Prometheus counters and histograms in a private registry
//  4. Event Publishing - ordered fan-out of run timeline events
//
// # Usage
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	tel.Events.Subscribe("store", telemetry.PersistTo(store), nil)
//	tel.Metrics.StartServer(ctx, tel.Logger.Zerolog())
//
//	orch := engine.NewOrchestrator(engine.OrchestratorConfig{
//	    Logger:    tel.Logger.Zerolog(),
//	    Metrics:   tel.Metrics,
//	    Publisher: tel.Events,
//	    ...
//	})
//
// # Metrics
//
// All metrics carry the configured namespace (default "failsafe"):
//
//	runs_started_total{plan}
//	runs_completed_total{plan,status}
//	run_duration_seconds{status}
//	step_attempts_total{plan,outcome}
//	step_attempt_duration_seconds{outcome}
//	steps_finished_total{plan,state,rollback}
//	validation_checks_total{plan,critical,passed}
//	approvals_total{state}
//	active_runs
//
// # Tracing
//
// StartTracing installs the tracer provider globally, a no-op one when
// tracing is disabled. The engine opens a
// "recovery.execute" span per run and a "step.execute" span per step.
package telemetry
