// Package execution drives the order lifecycle: idempotent submission,
// TIF cancellation, market fallback, and UNKNOWN resolution (§4.5).
package execution

import (
	"context"

	"github.com/watchedcopy/copytrader/internal/models"
)

// Adapter is the capability contract an execution venue implements
// (§4.5 step 3). Capabilities beyond Execute/Query/Cancel are optional;
// a stub adapter may return ok=false for FetchMarkPrice/FetchPositions.
type Adapter interface {
	Execute(ctx context.Context, intent models.OrderIntent) (models.OrderResult, error)
	QueryOrder(ctx context.Context, intent models.OrderIntent) (models.OrderResult, error)
	CancelOrder(ctx context.Context, intent models.OrderIntent) (models.OrderResult, error)
	FetchMarkPrice(ctx context.Context, symbol string) (price float64, ok bool, err error)
	FetchPositions(ctx context.Context) (positions map[string]float64, ok bool, err error)
}

// AdapterError classifies a submit/query/cancel failure into the
// taxonomy §7 maps onto OrderResult.Status=UNKNOWN.
type AdapterError struct {
	Code string // TIMEOUT, RATE_LIMITED, EXECUTION_ERROR
	Err  error
}

func (e *AdapterError) Error() string {
	if e.Err == nil {
		return e.Code
	}
	return e.Code + ": " + e.Err.Error()
}

func (e *AdapterError) Unwrap() error { return e.Err }
