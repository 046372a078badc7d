package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/failsafe/pkg/approval"
	"github.com/openfroyo/failsafe/pkg/checks"
	"github.com/openfroyo/failsafe/pkg/config"
	"github.com/openfroyo/failsafe/pkg/coord"
	"github.com/openfroyo/failsafe/pkg/engine"
	"github.com/openfroyo/failsafe/pkg/policy"
	"github.com/openfroyo/failsafe/pkg/runners"
	"github.com/openfroyo/failsafe/pkg/stores"
	"github.com/openfroyo/failsafe/pkg/telemetry"
)

// actor is recorded in the audit trail for operator commands.
func actor() string {
	if u := os.Getenv("FAILSAFE_ACTOR"); u != "" {
		return u
	}
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "unknown"
}

// decider delivers operator approval decisions to the approval backend in use.
type decider interface {
	Decide(ctx context.Context, runID string, state engine.ApprovalState, approver, reason string) error
}

type storeDecider struct {
	backend approval.Backend
}

func (d storeDecider) Decide(ctx context.Context, runID string, state engine.ApprovalState, approver, reason string) error {
	return approval.Decide(ctx, d.backend, runID, state, approver, reason)
}

// app is the wired engine for one CLI invocation.
type app struct {
	cfg       *config.AppConfig
	tel       *telemetry.Telemetry
	logger    zerolog.Logger
	store     stores.Store
	policies  *policy.Engine
	inventory *runners.Inventory
	decider   decider
	orch      *engine.Orchestrator

	closers []func() error
}

// loadConfig reads the config file named by --config.
func loadConfig() (*config.AppConfig, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, &ExitError{Code: engine.ExitPlanInvalid, Err: err}
	}
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}
	return cfg, nil
}

// openApp loads configuration and wires storage, telemetry, policies,
// runners, approvals and the orchestrator. Close must be called when done.
func openApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg}
	if err := a.wire(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	cfg := a.cfg

	tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	a.tel = tel
	a.logger = tel.Logger.Zerolog()
	a.closers = append(a.closers, func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return tel.Shutdown(shutdownCtx)
	})

	sqlite, err := stores.NewSQLiteStore(cfg.Store)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	a.closers = append(a.closers, sqlite.Close)
	if err := sqlite.Init(ctx); err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	if err := sqlite.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to migrate store: %w", err)
	}
	a.store = sqlite

	if cfg.Archive.Enabled {
		archive, err := stores.NewReportArchive(cfg.Archive)
		if err != nil {
			return fmt.Errorf("failed to create report archive: %w", err)
		}
		if err := archive.EnsureBucket(ctx); err != nil {
			return fmt.Errorf("failed to prepare report archive: %w", err)
		}
		a.store = stores.NewArchivingStore(sqlite, archive, a.logger)
	}
	if err := a.store.HealthCheck(ctx); err != nil {
		return fmt.Errorf("store health check failed: %w", err)
	}

	tel.Events.Subscribe("store", telemetry.PersistTo(a.store), nil)
	var logFilter telemetry.EventFilter
	if !verbose {
		logFilter = telemetry.FilterByType(engine.EventStepFailed, engine.EventValidationFailed, engine.EventRollbackStarted)
	}
	tel.Events.Subscribe("log", telemetry.LogTo(tel.Logger.Component("events")), logFilter)

	a.policies, err = policy.NewEngine(tel.Logger.Component("policy"))
	if err != nil {
		return fmt.Errorf("failed to initialize policy engine: %w", err)
	}
	if len(cfg.Policies.Paths) > 0 {
		if err := a.policies.LoadPolicies(ctx, cfg.Policies.Paths); err != nil {
			return fmt.Errorf("failed to load policies: %w", err)
		}
		if cfg.Policies.Watch {
			if err := a.policies.Watch(ctx, cfg.Policies.Paths); err != nil {
				a.logger.Warn().Err(err).Msg("Policy hot reload disabled")
			}
		}
	}

	a.inventory, err = runners.NewInventory(cfg.Runners.Hosts)
	if err != nil {
		return &ExitError{Code: engine.ExitPlanInvalid, Err: err}
	}
	runnerLogger := tel.Logger.Component("runner")
	router, closeRunners := runners.New(cfg.Runners.Config, a.inventory, runnerLogger)
	a.closers = append(a.closers, closeRunners)

	var (
		approvals engine.ApprovalPort
		lock      engine.RunLock
	)
	if cfg.RedisEnabled() {
		rdb, err := coord.NewClient(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, rdb.Close)
		redisApprovals := coord.NewRedisApprovals(rdb, cfg.Redis, a.logger)
		approvals = redisApprovals
		a.decider = redisApprovals
		lock = coord.NewRedisLock(rdb, cfg.Redis, a.logger)
	} else {
		approvals = approval.NewStorePort(a.store, time.Second, a.logger)
		a.decider = storeDecider{backend: a.store}
	}

	a.orch = engine.NewOrchestrator(engine.OrchestratorConfig{
		Environment:     cfg.Environment,
		RequireApproval: cfg.Recovery.RequireApproval,
		ApprovalTimeout: cfg.Recovery.ApprovalTimeout,
		MaxParallel:     cfg.Execution.MaxParallel,
		Persistence:     a.store,
		Runner:          router,
		DryRunner:       runners.NewDryRunRunner(runnerLogger),
		RunState:        a.store,
		Approvals:       approvals,
		Lock:            lock,
		Executor: engine.StepExecutorConfig{
			Backoff:        cfg.Execution.Backoff,
			GracePeriod:    cfg.Execution.GracePeriod,
			DefaultTimeout: cfg.Execution.DefaultStepTimeout,
			Logger:         tel.Logger.Component("executor"),
			Metrics:        tel.Metrics,
			Publisher:      tel.Events,
		},
		Validation: engine.ValidationGateConfig{
			Policies:            a.policies,
			Assertions:          checks.NewEvaluator(cfg.Execution.CheckTimeout),
			MaxParallel:         cfg.Execution.MaxParallel,
			DefaultCheckTimeout: cfg.Execution.CheckTimeout,
			StrictPrerequisites: cfg.Recovery.StrictPrerequisites,
			Settings:            cfg.Settings(),
			Logger:              tel.Logger.Component("validation"),
			Metrics:             tel.Metrics,
		},
		Logger:    tel.Logger.Component("orchestrator"),
		Metrics:   tel.Metrics,
		Publisher: tel.Events,
	})

	return nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		log.Warn().Err(err).Msg("Failed to release resources")
	}
}

// audit records an operator action. Failures are logged only.
func (a *app) audit(ctx context.Context, action, target string, details map[string]interface{}) {
	entry := &stores.AuditEntry{
		Action:   action,
		Actor:    actor(),
		TargetID: &target,
	}
	if len(details) > 0 {
		if data, err := json.Marshal(details); err == nil {
			s := string(data)
			entry.Details = &s
		}
	}
	if err := a.store.CreateAuditEntry(ctx, entry); err != nil {
		a.logger.Warn().Err(err).Str("action", action).Msg("Failed to write audit entry")
	}
}
