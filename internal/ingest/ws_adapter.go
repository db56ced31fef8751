package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/watchedcopy/copytrader/internal/models"
	"github.com/watchedcopy/copytrader/pkg/logging"
)

// wireEvent is the JSON frame shape the live feed streams — one line per
// raw position delta.
type wireEvent struct {
	Symbol       string `json:"symbol"`
	TimestampMs  int64  `json:"timestamp_ms"`
	TxHash       string `json:"tx_hash"`
	EventIndex   int    `json:"event_index"`
	PrevPosition float64 `json:"prev_position"`
	NextPosition float64 `json:"next_position"`
}

// WSAdapter streams the live leg of the Adapter contract over a
// websocket connection, falling back to an empty PollLive result when
// disconnected rather than failing the ingest tick — a degraded live
// feed does not halt the pipeline, it just yields fewer events this
// tick; backfill on the next tick recovers anything missed. Backfill
// itself is delegated to an embedded StubAdapter-shaped fetch, since the
// venue's REST backfill endpoint is out of scope (§1).
type WSAdapter struct {
	url     string
	backfill Adapter
	mapping map[string]string
	limiter *RateLimiter
	log     *logging.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	buffer  []models.RawPositionEvent
}

// NewWSAdapter builds a websocket-backed live adapter. backfill supplies
// FetchBackfill/Close; this adapter only implements the live leg itself.
func NewWSAdapter(url string, backfill Adapter, mapping map[string]string, limiter *RateLimiter) *WSAdapter {
	return &WSAdapter{
		url:      url,
		backfill: backfill,
		mapping:  mapping,
		limiter:  limiter,
		log:      logging.GetDefault().Component("ingest.ws"),
	}
}

// FetchBackfill delegates to the embedded backfill adapter.
func (a *WSAdapter) FetchBackfill(ctx context.Context, sinceMs, untilMs int64) ([]models.RawPositionEvent, error) {
	return a.backfill.FetchBackfill(ctx, sinceMs, untilMs)
}

// PollLive drains whatever frames have arrived on the websocket since
// the last call, dialing lazily on first use and redialing after a
// dropped connection.
func (a *WSAdapter) PollLive(ctx context.Context, sinceMs int64) ([]models.RawPositionEvent, error) {
	if ok, wait := a.limiter.Allow(time.Now()); !ok {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if err := a.ensureConn(ctx); err != nil {
		a.log.Warn("live feed unavailable this tick", "error", err)
		return nil, nil
	}

	events := a.drain(sinceMs)
	return events, nil
}

func (a *WSAdapter) ensureConn(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.conn != nil {
		return nil
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, a.url, nil)
	if err != nil {
		return fmt.Errorf("dial live feed: %w", err)
	}
	a.conn = conn
	go a.readLoop(conn)
	return nil
}

func (a *WSAdapter) readLoop(conn *websocket.Conn) {
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			a.log.Warn("live feed read loop ended", "error", err)
			a.mu.Lock()
			if a.conn == conn {
				a.conn = nil
			}
			a.mu.Unlock()
			return
		}

		var frame wireEvent
		if err := json.Unmarshal(payload, &frame); err != nil {
			a.log.Warn("discarding malformed live frame", "error", err)
			continue
		}

		event := models.RawPositionEvent{
			Symbol:       frame.Symbol,
			TimestampMs:  frame.TimestampMs,
			TxHash:       frame.TxHash,
			EventIndex:   frame.EventIndex,
			PrevPosition: frame.PrevPosition,
			NextPosition: frame.NextPosition,
			IsReplay:     false,
		}

		a.mu.Lock()
		a.buffer = append(a.buffer, event)
		a.mu.Unlock()
	}
}

func (a *WSAdapter) drain(sinceMs int64) []models.RawPositionEvent {
	a.mu.Lock()
	defer a.mu.Unlock()

	var kept, out []models.RawPositionEvent
	for _, e := range a.buffer {
		if e.TimestampMs < sinceMs {
			continue
		}
		out = append(out, e)
	}
	a.buffer = kept

	out = FilterMappedSymbols(out, a.mapping)
	sortEventsByTimestampThenIndex(out)
	return out
}

// Close tears down the websocket connection and the embedded backfill
// adapter.
func (a *WSAdapter) Close() error {
	a.mu.Lock()
	conn := a.conn
	a.conn = nil
	a.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}
	if backfillErr := a.backfill.Close(); backfillErr != nil && err == nil {
		err = backfillErr
	}
	return err
}
