package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/watchedcopy/copytrader/internal/config"
	"github.com/watchedcopy/copytrader/internal/models"
	"github.com/watchedcopy/copytrader/internal/storage"
	"github.com/watchedcopy/copytrader/pkg/logging"
)

// PreExecutionChecker is the Safety service's gate, called as the first
// pre-hook (§4.5 step 2). Implementations return a non-nil error to
// reject the intent.
type PreExecutionChecker interface {
	PreExecutionCheck(intent models.OrderIntent) error
}

// SafetyStateUpdater escalates to the safety state machine when the
// UNKNOWN retry budget is exhausted (§4.5 step 6). main binds it to
// storage.TransitionSafety when wiring the service.
type SafetyStateUpdater func(mode, reasonCode, reasonMessage string) error

// Config parameterizes the Service (§4.5).
type Config struct {
	TIFSeconds                 int64
	OrderPollIntervalSec       int64
	RetryBudgetMaxAttempts     int
	RetryBudgetWindowSec       int64
	UnknownPollIntervalSec     int64
	RetryBudgetMode            string
	MarketFallbackEnabled      bool
	MarketFallbackThresholdPct float64
	MarketSlippageCapPct       float64
}

// FromConfig adapts a config.ExecutionConfig into the package's own
// Config, keeping the config package free of execution-internal types.
func FromConfig(c config.ExecutionConfig) Config {
	return Config{
		TIFSeconds:                 c.TIFSeconds,
		OrderPollIntervalSec:       c.OrderPollIntervalSec,
		RetryBudgetMaxAttempts:     c.RetryBudgetMaxAttempts,
		RetryBudgetWindowSec:       c.RetryBudgetWindowSec,
		UnknownPollIntervalSec:     c.UnknownPollIntervalSec,
		RetryBudgetMode:            c.RetryBudgetMode,
		MarketFallbackEnabled:      c.MarketFallbackEnabled,
		MarketFallbackThresholdPct: c.MarketFallbackThresholdPct,
		MarketSlippageCapPct:       c.MarketSlippageCapPct,
	}
}

// Service drives the order lifecycle (§4.5).
type Service struct {
	store   *storage.Storage
	adapter Adapter
	safety  PreExecutionChecker
	updater SafetyStateUpdater
	cfg     Config
	log     *logging.Logger

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// New builds a Service.
func New(store *storage.Storage, adapter Adapter, safety PreExecutionChecker, updater SafetyStateUpdater, cfg Config) *Service {
	return &Service{
		store:   store,
		adapter: adapter,
		safety:  safety,
		updater: updater,
		cfg:     cfg,
		log:     logging.GetDefault().Component("execution"),
		sleep:   sleepCtx,
		now:     time.Now,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Execute runs the full execute(intent) protocol (§4.5 steps 1-7),
// persisting intent and result as it goes.
func (s *Service) Execute(ctx context.Context, intent models.OrderIntent) (models.OrderResult, error) {
	intent, err := s.store.EnsureIntent(intent)
	if err != nil {
		return models.OrderResult{}, fmt.Errorf("ensure intent: %w", err)
	}

	// Step 1: idempotent pre-check.
	existing, ok, err := s.store.GetResult(intent.CorrelationID)
	if err != nil {
		return models.OrderResult{}, fmt.Errorf("get existing result: %w", err)
	}
	if ok {
		if existing.Status == models.StatusFilled || existing.Status == models.StatusSubmitted {
			return existing, nil
		}
		if existing.Status == models.StatusUnknown {
			result := s.resolveUnknown(ctx, intent, existing)
			return s.persist(result)
		}
	}

	// Step 2: pre-hooks.
	if s.safety != nil {
		if err := s.safety.PreExecutionCheck(intent); err != nil {
			result := models.OrderResult{
				CorrelationID:   intent.CorrelationID,
				Status:          models.StatusRejected,
				ErrorCode:       "SAFETY_REJECTED",
				ErrorMessage:    err.Error(),
				ContractVersion: intent.ContractVersion,
			}
			return s.persist(result)
		}
	}

	// Step 3: adapter submit.
	result, submitErr := s.adapter.Execute(ctx, intent)
	if submitErr != nil {
		result = s.mapSubmitError(intent, submitErr)
	}

	// Step 4: LIMIT TIF loop.
	pollable := result.Status == models.StatusSubmitted || result.Status == models.StatusPartiallyFilled
	if intent.OrderType == models.OrderTypeLimit && s.cfg.TIFSeconds > 0 && pollable {
		result = s.runTIFLoop(ctx, intent, result)
	}

	// Step 5: market fallback.
	if intent.OrderType == models.OrderTypeLimit && s.cfg.MarketFallbackEnabled && result.Status == models.StatusCanceled {
		var rej bool
		result, rej = s.marketFallback(ctx, intent, result)
		if rej {
			return s.persist(result)
		}
	}

	// Step 6: UNKNOWN resolution.
	if result.Status == models.StatusUnknown {
		result = s.resolveUnknown(ctx, intent, result)
	}

	// Step 7: persist. This service runs no post-hooks.
	return s.persist(result)
}

func (s *Service) mapSubmitError(intent models.OrderIntent, err error) models.OrderResult {
	code := "EXECUTION_ERROR"
	var adapterErr *AdapterError
	if errors.As(err, &adapterErr) {
		code = adapterErr.Code
	}
	return models.OrderResult{
		CorrelationID:   intent.CorrelationID,
		Status:          models.StatusUnknown,
		ErrorCode:       code,
		ErrorMessage:    err.Error(),
		ContractVersion: intent.ContractVersion,
	}
}

func (s *Service) runTIFLoop(ctx context.Context, intent models.OrderIntent, result models.OrderResult) models.OrderResult {
	deadline := s.now().Add(time.Duration(s.cfg.TIFSeconds) * time.Second)
	pollInterval := time.Duration(s.cfg.OrderPollIntervalSec) * time.Second
	if pollInterval <= 0 {
		pollInterval = time.Second
	}

	for s.now().Before(deadline) && (result.Status == models.StatusSubmitted || result.Status == models.StatusPartiallyFilled) {
		remaining := deadline.Sub(s.now())
		wait := pollInterval
		if remaining < wait {
			wait = remaining
		}
		if wait > 0 {
			if err := s.sleep(ctx, wait); err != nil {
				return result
			}
		}

		queried, err := s.adapter.QueryOrder(ctx, intent)
		if err != nil {
			return models.OrderResult{
				CorrelationID:   intent.CorrelationID,
				Status:          models.StatusUnknown,
				ErrorCode:       "EXECUTION_ERROR",
				ErrorMessage:    err.Error(),
				FilledQty:       result.FilledQty,
				AvgPrice:        result.AvgPrice,
				ContractVersion: intent.ContractVersion,
			}
		}
		result = queried
		if result.Status.IsTerminal(false) {
			return result
		}
	}

	canceled, err := s.adapter.CancelOrder(ctx, intent)
	if err != nil {
		return models.OrderResult{
			CorrelationID:   intent.CorrelationID,
			Status:          models.StatusUnknown,
			ErrorCode:       "EXECUTION_ERROR",
			ErrorMessage:    err.Error(),
			FilledQty:       result.FilledQty,
			AvgPrice:        result.AvgPrice,
			ContractVersion: intent.ContractVersion,
		}
	}
	if !canceled.Status.IsTerminal(false) {
		requeried, err := s.adapter.QueryOrder(ctx, intent)
		if err == nil {
			return requeried
		}
	}
	return canceled
}

func (s *Service) marketFallback(ctx context.Context, intent models.OrderIntent, result models.OrderResult) (models.OrderResult, bool) {
	remainingQty := intent.Qty - result.FilledQty
	if remainingQty <= s.cfg.MarketFallbackThresholdPct*intent.Qty {
		return result, false
	}

	if intent.Price != nil && s.cfg.MarketSlippageCapPct > 0 {
		mark, ok, err := s.adapter.FetchMarkPrice(ctx, intent.Symbol)
		if err == nil && ok {
			deviation := abs(mark-*intent.Price) / *intent.Price
			if deviation > s.cfg.MarketSlippageCapPct {
				return models.OrderResult{
					CorrelationID:   intent.CorrelationID,
					Status:          models.StatusRejected,
					ErrorCode:       "SLIPPAGE_EXCEEDED",
					ErrorMessage:    "market fallback mark price deviation exceeds cap",
					FilledQty:       result.FilledQty,
					AvgPrice:        result.AvgPrice,
					ContractVersion: intent.ContractVersion,
				}, true
			}
		}
	}

	marketIntent := intent
	marketIntent.OrderType = models.OrderTypeMarket
	marketIntent.Qty = remainingQty
	marketIntent.CorrelationID = intent.CorrelationID + "-fallback"

	fallbackResult, err := s.adapter.Execute(ctx, marketIntent)
	if err != nil {
		return s.mapSubmitError(intent, err), false
	}

	merged := result
	merged.FilledQty = result.FilledQty + fallbackResult.FilledQty
	merged.AvgPrice = weightedAvgPrice(result.FilledQty, result.AvgPrice, fallbackResult.FilledQty, fallbackResult.AvgPrice)
	if merged.FilledQty >= intent.Qty {
		merged.Status = models.StatusFilled
	}
	return merged, false
}

func (s *Service) resolveUnknown(ctx context.Context, intent models.OrderIntent, result models.OrderResult) models.OrderResult {
	pollInterval := time.Duration(s.cfg.UnknownPollIntervalSec) * time.Second
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	deadline := s.now().Add(time.Duration(s.cfg.RetryBudgetWindowSec) * time.Second)

	for attempt := 1; attempt <= s.cfg.RetryBudgetMaxAttempts; attempt++ {
		if s.now().After(deadline) {
			break
		}
		if err := s.sleep(ctx, pollInterval); err != nil {
			break
		}
		queried, err := s.adapter.QueryOrder(ctx, intent)
		if err != nil {
			continue
		}
		if queried.Status != models.StatusUnknown {
			return queried
		}
	}

	if s.updater != nil {
		if err := s.updater(s.cfg.RetryBudgetMode, "EXECUTION_RETRY_BUDGET_EXCEEDED",
			fmt.Sprintf("correlation_id=%s exhausted retry budget", intent.CorrelationID)); err != nil {
			s.log.Error("failed to update safety state after retry budget exhaustion", "error", err)
		}
	}

	return models.OrderResult{
		CorrelationID:   intent.CorrelationID,
		Status:          models.StatusUnknown,
		ErrorCode:       "RETRY_BUDGET_EXCEEDED",
		ErrorMessage:    "unknown status persisted past retry budget",
		FilledQty:       result.FilledQty,
		AvgPrice:        result.AvgPrice,
		ContractVersion: intent.ContractVersion,
	}
}

func (s *Service) persist(result models.OrderResult) (models.OrderResult, error) {
	if err := s.store.UpsertResult(result); err != nil {
		return result, fmt.Errorf("persist result: %w", err)
	}
	return result, nil
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func weightedAvgPrice(qtyA float64, avgA *float64, qtyB float64, avgB *float64) *float64 {
	if avgA == nil {
		return avgB
	}
	if avgB == nil {
		return avgA
	}
	totalQty := qtyA + qtyB
	if totalQty == 0 {
		return avgA
	}
	weighted := (*avgA*qtyA + *avgB*qtyB) / totalQty
	return &weighted
}
