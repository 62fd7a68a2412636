package execution

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Alias1177/Trader/internal/exchange"
	"github.com/Alias1177/Trader/internal/platform/http"
	"github.com/Alias1177/Trader/models"
)

// OrderUpdate reports a reconciliation outcome for one order. Changed is
// false when the exchange snapshot matched local state, which makes
// reconciliation idempotent: applying the same snapshot twice mutates
// nothing on the second pass.
type OrderUpdate struct {
	Order   models.Order
	Changed bool
}

// Engine submits, tracks and reconciles orders against the exchange. All
// mutations of the order book go through the engine's mutex.
type Engine struct {
	client exchange.Client
	retry  http.RetryPolicy
	logger zerolog.Logger

	mu           sync.Mutex
	orders       map[string]*models.Order // keyed by client order ID
	byExchangeID map[string]string
}

// New creates an execution engine bound to an exchange client
func New(client exchange.Client, retry http.RetryPolicy) *Engine {
	return &Engine{
		client:       client,
		retry:        retry,
		logger:       log.With().Str("component", "execution").Logger(),
		orders:       make(map[string]*models.Order),
		byExchangeID: make(map[string]string),
	}
}

// newClientOrderID generates the idempotency key attached to a submission.
// The exchange deduplicates by this key, so a retried submission can never
// create a second order.
func newClientOrderID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("ord-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf)
}

// SubmitEntry places an entry order. The quantity string must already be
// formatted to the asset's tradable precision; requestedQty carries the
// parsed numeric value for fill accounting.
func (e *Engine) SubmitEntry(ctx context.Context, symbol string, side models.OrderSide,
	quantity string, requestedQty float64, orderType models.OrderType, price float64) (*models.Order, error) {

	order := &models.Order{
		ClientOrderID: newClientOrderID(),
		Symbol:        symbol,
		Side:          side,
		Type:          orderType,
		RequestedQty:  requestedQty,
		Price:         price,
		State:         models.OrderNew,
		CreatedAt:     time.Now().UTC(),
		UpdatedAt:     time.Now().UTC(),
	}

	e.mu.Lock()
	e.orders[order.ClientOrderID] = order
	e.mu.Unlock()

	return e.submit(ctx, order, quantity)
}

// submit sends the order to the exchange, reusing the existing client order
// ID so retries stay idempotent.
func (e *Engine) submit(ctx context.Context, order *models.Order, quantity string) (*models.Order, error) {
	exchangeID, err := e.client.SubmitOrder(ctx, exchange.OrderSpec{
		Symbol:        order.Symbol,
		Side:          order.Side,
		Type:          order.Type,
		Quantity:      quantity,
		Price:         order.Price,
		ClientOrderID: order.ClientOrderID,
	})

	e.mu.Lock()
	defer e.mu.Unlock()

	if err != nil {
		order.State = models.OrderRejected
		order.UpdatedAt = time.Now().UTC()
		return nil, fmt.Errorf("submit %s %s: %w", order.Side, order.Symbol, err)
	}

	order.ExchangeOrderID = exchangeID
	order.State = models.OrderSubmitted
	order.UpdatedAt = time.Now().UTC()
	e.byExchangeID[exchangeID] = order.ClientOrderID

	copied := *order
	return &copied, nil
}

// Protect submits the take-profit and stop-loss bracket for a filled entry,
// bound to the filled quantity. Each submission is retried with bounded
// exponential backoff; exhausting the retries surfaces ErrProtectionFailed
// so the lifecycle manager can escalate.
func (e *Engine) Protect(ctx context.Context, pos *models.Position, quantity string) (tpOrder, slOrder *models.Order, err error) {
	closeSide := pos.Side.Opposite()

	tpOrder, err = e.submitProtective(ctx, pos.Symbol, closeSide, models.OrderTypeTakeProfit, quantity, pos.Quantity, pos.TakeProfit)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: take-profit for %s: %v", models.ErrProtectionFailed, pos.Symbol, err)
	}

	slOrder, err = e.submitProtective(ctx, pos.Symbol, closeSide, models.OrderTypeStopLoss, quantity, pos.Quantity, pos.StopLoss)
	if err != nil {
		return tpOrder, nil, fmt.Errorf("%w: stop-loss for %s: %v", models.ErrProtectionFailed, pos.Symbol, err)
	}

	return tpOrder, slOrder, nil
}

// submitProtective retries a protective order submission with backoff,
// reusing one idempotency key across all attempts.
func (e *Engine) submitProtective(ctx context.Context, symbol string, side models.OrderSide,
	orderType models.OrderType, quantity string, requestedQty, price float64) (*models.Order, error) {

	order := &models.Order{
		ClientOrderID: newClientOrderID(),
		Symbol:        symbol,
		Side:          side,
		Type:          orderType,
		RequestedQty:  requestedQty,
		Price:         price,
		State:         models.OrderNew,
		CreatedAt:     time.Now().UTC(),
		UpdatedAt:     time.Now().UTC(),
	}

	e.mu.Lock()
	e.orders[order.ClientOrderID] = order
	e.mu.Unlock()

	var submitted *models.Order
	operation := func() error {
		var submitErr error
		submitted, submitErr = e.submit(ctx, order, quantity)
		return submitErr
	}

	if err := backoff.Retry(operation, e.retry.Backoff(ctx)); err != nil {
		return nil, err
	}
	return submitted, nil
}

// ReplaceStop installs a tightened stop-loss using the two-phase protocol:
// the replacement is submitted and confirmed first, and only then is the old
// stop cancelled. A failed cancel leaves both stops live, which is safe; the
// caller retries the cancel on a later cycle.
func (e *Engine) ReplaceStop(ctx context.Context, pos *models.Position, quantity string, newStop float64) (*models.Order, error) {
	newOrder, err := e.submitProtective(ctx, pos.Symbol, pos.Side.Opposite(),
		models.OrderTypeStopLoss, quantity, pos.Quantity, newStop)
	if err != nil {
		return nil, fmt.Errorf("%w: replacement stop for %s: %v", models.ErrProtectionFailed, pos.Symbol, err)
	}

	if pos.SLOrderID != "" {
		if err := e.Cancel(ctx, pos.SLOrderID); err != nil {
			e.logger.Warn().Err(err).
				Str("symbol", pos.Symbol).
				Str("old_stop", pos.SLOrderID).
				Msg("old stop not cancelled yet, will retry")
			return newOrder, err
		}
	}

	return newOrder, nil
}

// PollStatus fetches the exchange-side truth for an order and applies it
// locally. Safe to call repeatedly.
func (e *Engine) PollStatus(ctx context.Context, clientOrderID string) (models.OrderState, error) {
	e.mu.Lock()
	order, ok := e.orders[clientOrderID]
	if !ok {
		e.mu.Unlock()
		return "", fmt.Errorf("unknown order %s", clientOrderID)
	}
	exchangeID := order.ExchangeOrderID
	e.mu.Unlock()

	status, err := e.client.FetchOrderStatus(ctx, exchangeID)
	if err != nil {
		return "", fmt.Errorf("poll order %s: %w", clientOrderID, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.applyStatus(order, status)
	return order.State, nil
}

// Cancel cancels an order. A cancel on an already-terminal order is a no-op.
func (e *Engine) Cancel(ctx context.Context, clientOrderID string) error {
	e.mu.Lock()
	order, ok := e.orders[clientOrderID]
	if !ok {
		e.mu.Unlock()
		return nil
	}
	if order.State.Terminal() {
		e.mu.Unlock()
		return nil
	}
	exchangeID := order.ExchangeOrderID
	e.mu.Unlock()

	if err := e.client.CancelOrder(ctx, exchangeID); err != nil {
		return fmt.Errorf("cancel order %s: %w", clientOrderID, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !order.State.Terminal() {
		order.State = models.OrderCancelled
		order.UpdatedAt = time.Now().UTC()
	}
	return nil
}

// WaitForFill polls an entry order until it fills, fails, or the timeout
// expires. A partial fill at or above minFillRatio when time runs out counts
// as an effective fill.
func (e *Engine) WaitForFill(ctx context.Context, clientOrderID string, timeout, pollInterval time.Duration, minFillRatio float64) (*models.Order, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		state, err := e.PollStatus(ctx, clientOrderID)
		if err != nil {
			e.logger.Warn().Err(err).Str("order", clientOrderID).Msg("poll during fill wait failed")
		} else {
			switch state {
			case models.OrderFilled:
				return e.Lookup(clientOrderID), nil
			case models.OrderRejected, models.OrderCancelled:
				return nil, fmt.Errorf("order %s ended %s: %w", clientOrderID, state, models.ErrOrderRejected)
			}
		}

		if time.Now().After(deadline) {
			order := e.Lookup(clientOrderID)
			if order != nil && order.RequestedQty > 0 &&
				order.FilledQty/order.RequestedQty >= minFillRatio && order.FilledQty > 0 {
				e.logger.Info().
					Str("order", clientOrderID).
					Float64("fill_ratio", order.FilledQty/order.RequestedQty).
					Msg("accepting partial fill at timeout")
				return order, nil
			}
			return nil, fmt.Errorf("order %s not filled within %s", clientOrderID, timeout)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Lookup returns a copy of a tracked order, or nil
func (e *Engine) Lookup(clientOrderID string) *models.Order {
	e.mu.Lock()
	defer e.mu.Unlock()
	order, ok := e.orders[clientOrderID]
	if !ok {
		return nil
	}
	copied := *order
	return &copied
}

// Track registers an order discovered from outside the engine, typically an
// exchange order rediscovered by reconciliation after a restart.
func (e *Engine) Track(order models.Order) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.orders[order.ClientOrderID]; exists {
		return
	}
	copied := order
	e.orders[order.ClientOrderID] = &copied
	if order.ExchangeOrderID != "" {
		e.byExchangeID[order.ExchangeOrderID] = order.ClientOrderID
	}
}

// Reconcile re-fetches the true state of every non-terminal order and
// overwrites local records with exchange truth. Discrepancies are logged,
// never silently dropped.
func (e *Engine) Reconcile(ctx context.Context) []OrderUpdate {
	e.mu.Lock()
	pending := make([]*models.Order, 0)
	for _, order := range e.orders {
		if !order.State.Terminal() && order.ExchangeOrderID != "" {
			pending = append(pending, order)
		}
	}
	e.mu.Unlock()

	updates := make([]OrderUpdate, 0, len(pending))
	for _, order := range pending {
		status, err := e.client.FetchOrderStatus(ctx, order.ExchangeOrderID)
		if err != nil {
			e.logger.Warn().Err(err).
				Str("order", order.ClientOrderID).
				Msg("reconciliation fetch failed, keeping local state")
			continue
		}

		e.mu.Lock()
		changed := e.applyStatus(order, status)
		copied := *order
		e.mu.Unlock()

		updates = append(updates, OrderUpdate{Order: copied, Changed: changed})
	}

	return updates
}

// applyStatus overwrites the local order with exchange truth. Must be called
// with the engine mutex held. Returns whether anything changed.
func (e *Engine) applyStatus(order *models.Order, status *exchange.OrderStatus) bool {
	changed := false

	if status.FilledQty != order.FilledQty {
		if status.FilledQty < order.FilledQty {
			e.logger.Warn().
				Str("order", order.ClientOrderID).
				Float64("local", order.FilledQty).
				Float64("exchange", status.FilledQty).
				Msg("reconciliation mismatch: fill quantity decreased, exchange truth wins")
		}
		order.FilledQty = status.FilledQty
		changed = true
	}
	if status.AvgPrice > 0 && status.AvgPrice != order.AvgFillPrice {
		order.AvgFillPrice = status.AvgPrice
		changed = true
	}
	if status.State != order.State {
		if !order.State.CanTransition(status.State) && !order.State.Terminal() {
			e.logger.Warn().
				Str("order", order.ClientOrderID).
				Str("local", string(order.State)).
				Str("exchange", string(status.State)).
				Msg("reconciliation mismatch: unexpected transition, exchange truth wins")
		}
		order.State = status.State
		changed = true
	}
	if changed {
		order.UpdatedAt = time.Now().UTC()
	}

	// Invariant: filled quantity never exceeds the requested quantity
	if order.RequestedQty > 0 && order.FilledQty > order.RequestedQty {
		e.logger.Warn().
			Str("order", order.ClientOrderID).
			Msg("reconciliation mismatch: fill exceeds requested quantity, clamping")
		order.FilledQty = order.RequestedQty
	}

	return changed
}
