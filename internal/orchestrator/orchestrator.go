// Package orchestrator boots the pipeline, asserts schema/contract
// compatibility, and drives the ingest→decide→execute loop with idle
// backoff (§4.7).
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/watchedcopy/copytrader/internal/config"
	"github.com/watchedcopy/copytrader/internal/decision"
	"github.com/watchedcopy/copytrader/internal/execution"
	"github.com/watchedcopy/copytrader/internal/ingest"
	"github.com/watchedcopy/copytrader/internal/models"
	"github.com/watchedcopy/copytrader/internal/safety"
	"github.com/watchedcopy/copytrader/internal/storage"
	"github.com/watchedcopy/copytrader/pkg/logging"
)

// PositionSource resolves the inputs Decision needs about the local
// book: current position and how much of it is closable. Bound to a
// position-reconstruction component the orchestrator owns; kept as an
// interface here so decision tests never need real reconstruction
// logic.
type PositionSource interface {
	CurrentPosition(symbol string) (qty float64, ok bool)
	ClosableQty(symbol string) (qty float64, ok bool)
}

// Orchestrator wires Storage, Ingest, Decision, Execution, and Safety
// into the boot sequence and run loop (§4.7).
type Orchestrator struct {
	store       *storage.Storage
	coordinator *ingest.Coordinator
	decider     *decision.Service
	executor    *execution.Service
	safetySvc   *safety.Service
	positions   PositionSource
	providers   decision.Providers
	cfg         *config.Config

	metrics *Metrics
	log     *logging.Logger

	nowMs func() int64
}

// Dependencies bundles everything Orchestrator.New needs, already
// constructed by main — the orchestrator does not build its own
// adapters or config.
type Dependencies struct {
	Store       *storage.Storage
	Coordinator *ingest.Coordinator
	Decider     *decision.Service
	Executor    *execution.Service
	Safety      *safety.Service
	Positions   PositionSource
	Providers   decision.Providers
	Config      *config.Config
	Metrics     *Metrics
}

// New builds an Orchestrator.
func New(deps Dependencies) *Orchestrator {
	return &Orchestrator{
		store:       deps.Store,
		coordinator: deps.Coordinator,
		decider:     deps.Decider,
		executor:    deps.Executor,
		safetySvc:   deps.Safety,
		positions:   deps.Positions,
		providers:   deps.Providers,
		cfg:         deps.Config,
		metrics:     deps.Metrics,
		log:         logging.GetDefault().Component("orchestrator"),
		nowMs:       func() int64 { return time.Now().UnixMilli() },
	}
}

// Boot runs the boot sequence: config hash check, schema/contract
// assertion, and bootstrap state. It runs no boot smoke cycle and does
// not start the loop.
func (o *Orchestrator) Boot(ctx context.Context) error {
	// Step 1: config hash check.
	hash := o.cfg.ComputeHash()
	stored, ok, err := o.store.GetSystemState(storage.KeyConfigHash)
	if err != nil {
		return fmt.Errorf("read config hash: %w", err)
	}
	if ok && stored != hash {
		o.log.Warn("config hash changed since last boot")
		current, err := o.store.GetSafetyState()
		if err != nil {
			return fmt.Errorf("read safety state: %w", err)
		}
		if current.Mode != string(models.SafetyHalt) {
			if _, err := o.store.TransitionSafety(string(models.SafetyArmedSafe), "CONFIG_HASH_CHANGED", "configuration changed since last boot"); err != nil {
				return fmt.Errorf("transition on config change: %w", err)
			}
		}
	}
	if err := o.store.SetSystemState(storage.KeyConfigHash, hash); err != nil {
		return fmt.Errorf("stamp config hash: %w", err)
	}

	// Step 2: schema and contract assertion.
	if err := o.store.EnsureSchemaVersion(); err != nil {
		return fmt.Errorf("ensure schema version: %w", err)
	}
	if err := o.store.AssertSchemaVersion(); err != nil {
		if _, transErr := o.store.TransitionSafety(string(models.SafetyHalt), "SCHEMA_VERSION_MISMATCH", err.Error()); transErr != nil {
			o.log.Error("failed to transition safety on schema mismatch", "error", transErr)
		}
		return fmt.Errorf("schema version check: %w", err)
	}
	if err := o.store.SetSystemState(storage.KeyContractVersion, models.CurrentContractVersion().String()); err != nil {
		return fmt.Errorf("stamp contract version: %w", err)
	}

	// Step 3: bootstrap state.
	if err := o.store.EnsureBootstrapState(o.nowMs()); err != nil {
		return fmt.Errorf("ensure bootstrap state: %w", err)
	}

	// Step 4: services are already instantiated by the caller
	// (Dependencies); the Decision∘Execution composition lives in
	// dispatch(), and Executor.Execute does the ensure_intent/upsert_result
	// persistence.

	// No boot smoke cycle runs here; OrchestratorConfig.EmitBootEvent is
	// not read anywhere.

	return nil
}

// Tick runs one iteration of ingest→decide→execute, returning whether
// it was productive (admitted at least one event or submitted at least
// one intent) — the loop's idle-backoff signal (§4.7 step 6).
func (o *Orchestrator) Tick(ctx context.Context) (productive bool, err error) {
	events, err := o.coordinator.RunOnce(ctx, false)
	if err != nil {
		return false, fmt.Errorf("ingest tick: %w", err)
	}
	if len(events) > 0 {
		productive = true
	}

	for _, event := range events {
		if err := o.dispatch(ctx, event); err != nil {
			o.log.Error("dispatch failed", "error", err, "tx_hash", event.TxHash, "symbol", event.Symbol)
			continue
		}
	}

	if o.metrics != nil {
		o.metrics.Emit("heartbeat", 1, nil)
		if productive {
			lastTs, err := o.store.LastProcessedTimestampMs()
			if err == nil {
				o.metrics.Emit("cursor_lag_ms", float64(o.nowMs()-lastTs), nil)
			}
		}
	}

	return productive, nil
}

// dispatch runs Decision then Execution for one event, submitting
// FLIP's close-intent before its open-intent (§5).
func (o *Orchestrator) dispatch(ctx context.Context, event models.PositionDeltaEvent) error {
	safetyState, err := o.store.GetSafetyState()
	if err != nil {
		return fmt.Errorf("read safety state: %w", err)
	}

	in := decision.Inputs{SafetyMode: models.SafetyMode(safetyState.Mode)}
	if o.positions != nil {
		if qty, ok := o.positions.CurrentPosition(event.Symbol); ok {
			in.LocalCurrentPosition = &qty
		}
		if qty, ok := o.positions.ClosableQty(event.Symbol); ok {
			in.ClosableQty = &qty
		}
	}

	intents, rej := o.decider.Decide(event, in, o.providers)
	if rej != nil {
		o.log.Warn("decision rejected event", "reason_code", rej.ReasonCode, "message", rej.Message,
			"tx_hash", event.TxHash, "symbol", event.Symbol)
		return nil
	}

	for _, intent := range intents {
		if _, err := o.executor.Execute(ctx, intent); err != nil {
			return fmt.Errorf("execute intent %s: %w", intent.CorrelationID, err)
		}
	}
	return nil
}

// Run boots the orchestrator and, if runLoop is true, enters the
// idle-backoff loop until ctx is canceled.
func (o *Orchestrator) Run(ctx context.Context, runLoop bool) error {
	if err := o.Boot(ctx); err != nil {
		return err
	}
	if !runLoop {
		_, err := o.Tick(ctx)
		return err
	}
	return o.runLoop(ctx)
}

// runLoop is the ticker-pair idle-backoff loop (§4.7.1): a productive
// tick resets the sleep to loop_active_sleep_sec; an idle tick doubles
// it up to loop_max_idle_sleep_sec. Modeled on the teacher's
// node/retry_worker.go ticker loop, but using time.Timer.Reset since the
// interval itself changes between ticks (a time.Ticker cannot).
func (o *Orchestrator) runLoop(ctx context.Context) error {
	activeSleep := o.cfg.Orchestrator.LoopActiveSleep()
	idleSleep := o.cfg.Orchestrator.LoopIdleSleep()
	maxIdleSleep := o.cfg.Orchestrator.LoopMaxIdleSleep()

	current := activeSleep
	timer := time.NewTimer(current)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
			productive, err := o.Tick(ctx)
			if err != nil {
				o.log.Error("tick failed", "error", err)
			}

			if productive {
				current = activeSleep
			} else {
				current *= 2
				if current > maxIdleSleep {
					current = maxIdleSleep
				}
				if current < idleSleep {
					current = idleSleep
				}
			}
			timer.Reset(current)
		}
	}
}
