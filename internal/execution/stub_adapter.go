package execution

import (
	"context"
	"fmt"
	"time"

	"github.com/watchedcopy/copytrader/internal/models"
	"github.com/watchedcopy/copytrader/pkg/logging"
)

// StubAdapter stands in for the exchange's wire protocol, which is
// explicitly out of scope (§1): in stub mode it submits every order as a
// bare SUBMITTED result; when disabled it rejects everything with
// ADAPTER_DISABLED — the same shape as execution/adapters/binance.py's
// `enabled`/`mode` config.
type StubAdapter struct {
	enabled bool
	limiter *RateLimiter
	retry   RetryPolicy
	log     *logging.Logger

	markPrices map[string]float64
	positions  map[string]float64
}

// StubAdapterConfig configures a StubAdapter.
type StubAdapterConfig struct {
	Enabled        bool
	RateLimitMax   int
	RateLimitEvery time.Duration
	Cooldown       time.Duration
	MarkPrices     map[string]float64
	Positions      map[string]float64
}

// NewStubAdapter builds a stub execution adapter.
func NewStubAdapter(cfg StubAdapterConfig) *StubAdapter {
	return &StubAdapter{
		enabled:    cfg.Enabled,
		limiter:    NewRateLimiter(cfg.RateLimitMax, cfg.RateLimitEvery, cfg.Cooldown),
		retry:      DefaultRetryPolicy(),
		log:        logging.GetDefault().Component("execution.stub"),
		markPrices: cfg.MarkPrices,
		positions:  cfg.Positions,
	}
}

// Execute submits intent, returning SUBMITTED in stub mode or
// REJECTED/ADAPTER_DISABLED when disabled.
func (a *StubAdapter) Execute(ctx context.Context, intent models.OrderIntent) (models.OrderResult, error) {
	if !a.enabled {
		return models.OrderResult{
			CorrelationID:   intent.CorrelationID,
			Status:          models.StatusRejected,
			ErrorCode:       "ADAPTER_DISABLED",
			ErrorMessage:    "execution adapter is disabled",
			ContractVersion: intent.ContractVersion,
		}, nil
	}

	if ok, wait := a.limiter.Allow(time.Now()); !ok {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return models.OrderResult{}, ctx.Err()
		}
	}

	return models.OrderResult{
		CorrelationID:   intent.CorrelationID,
		ExchangeOrderID: fmt.Sprintf("stub-%s", intent.ClientOrderID),
		Status:          models.StatusSubmitted,
		ContractVersion: intent.ContractVersion,
	}, nil
}

// QueryOrder reports SUBMITTED for any order this stub has accepted; a
// real adapter would reconcile against the venue.
func (a *StubAdapter) QueryOrder(ctx context.Context, intent models.OrderIntent) (models.OrderResult, error) {
	return models.OrderResult{
		CorrelationID:   intent.CorrelationID,
		ExchangeOrderID: fmt.Sprintf("stub-%s", intent.ClientOrderID),
		Status:          models.StatusSubmitted,
		ContractVersion: intent.ContractVersion,
	}, nil
}

// CancelOrder reports CANCELED with zero fill; a real adapter would
// report whatever partial fill occurred before cancellation.
func (a *StubAdapter) CancelOrder(ctx context.Context, intent models.OrderIntent) (models.OrderResult, error) {
	return models.OrderResult{
		CorrelationID:   intent.CorrelationID,
		ExchangeOrderID: fmt.Sprintf("stub-%s", intent.ClientOrderID),
		Status:          models.StatusCanceled,
		ContractVersion: intent.ContractVersion,
	}, nil
}

// FetchMarkPrice returns a configured canned price, if any.
func (a *StubAdapter) FetchMarkPrice(ctx context.Context, symbol string) (float64, bool, error) {
	price, ok := a.markPrices[symbol]
	return price, ok, nil
}

// FetchPositions returns the configured canned position snapshot, used
// by Safety's reconciliation fixture.
func (a *StubAdapter) FetchPositions(ctx context.Context) (map[string]float64, bool, error) {
	if a.positions == nil {
		return nil, false, nil
	}
	return a.positions, true, nil
}
