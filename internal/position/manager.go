package position

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Alias1177/Trader/internal/execution"
	"github.com/Alias1177/Trader/internal/risk"
	"github.com/Alias1177/Trader/models"
)

// Manager owns the set of active positions. Every mutation goes through the
// manager's mutex; no other component writes position state.
type Manager struct {
	engine        *execution.Engine
	precision     risk.PrecisionTable
	feePct        float64
	activationPct float64
	onClosed      func(models.Position)
	logger        zerolog.Logger

	mu             sync.Mutex
	positions      map[string]*models.Position
	pendingCancels map[string][]string // stale stop orders awaiting cancel
}

// Options configures a lifecycle manager
type Options struct {
	Precision risk.PrecisionTable
	// FeePct is the taker fee applied to each fill's notional when
	// computing realized P&L
	FeePct float64
	// ActivationPct is how far beyond the highest favorable price the
	// market must move before the trailing stop advances
	ActivationPct float64
	// OnClosed is invoked for every closed position so the storage
	// collaborator can append its trade record
	OnClosed func(models.Position)
}

// New creates a lifecycle manager
func New(engine *execution.Engine, opts Options) *Manager {
	if opts.OnClosed == nil {
		opts.OnClosed = func(models.Position) {}
	}
	if opts.Precision == nil {
		opts.Precision = risk.DefaultPrecisionTable()
	}
	return &Manager{
		engine:         engine,
		precision:      opts.Precision,
		feePct:         opts.FeePct,
		activationPct:  opts.ActivationPct,
		onClosed:       opts.OnClosed,
		logger:         log.With().Str("component", "positions").Logger(),
		positions:      make(map[string]*models.Position),
		pendingCancels: make(map[string][]string),
	}
}

// Open registers a pending position for a symbol, claiming the per-symbol
// slot before the entry order is submitted. Exactly one non-terminal
// position per symbol is allowed.
func (m *Manager) Open(pos models.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.positions[pos.Symbol]; ok && existing.State != models.PositionClosed {
		return fmt.Errorf("%w: %s", models.ErrPositionExists, pos.Symbol)
	}
	if m.countNonTerminalLocked() >= pos.Params.MaxPositions {
		return models.ErrMaxPositionsReached
	}

	pos.State = models.PositionPendingEntry
	pos.OpenedAt = time.Now().UTC()
	m.positions[pos.Symbol] = &pos
	return nil
}

// Release drops a pending position whose entry never filled
func (m *Manager) Release(symbol string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pos, ok := m.positions[symbol]; ok && pos.State == models.PositionPendingEntry {
		delete(m.positions, symbol)
	}
}

// Activate transitions a pending position to ACTIVE after its entry filled.
// The highest favorable price starts at the entry price.
func (m *Manager) Activate(symbol string, entryPrice, quantity float64, slOrderID, tpOrderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	pos, ok := m.positions[symbol]
	if !ok || pos.State != models.PositionPendingEntry {
		return fmt.Errorf("no pending position for %s", symbol)
	}

	pos.State = models.PositionActive
	pos.EntryPrice = entryPrice
	pos.Quantity = quantity
	pos.HighestFavorablePrice = entryPrice
	pos.SLOrderID = slOrderID
	pos.TPOrderID = tpOrderID
	// Exchange-side IDs are persisted so the orders can be reconciled
	// against exchange truth after a restart
	if order := m.engine.Lookup(slOrderID); order != nil {
		pos.SLExchangeID = order.ExchangeOrderID
	}
	if order := m.engine.Lookup(tpOrderID); order != nil {
		pos.TPExchangeID = order.ExchangeOrderID
	}

	m.logger.Info().
		Str("symbol", symbol).
		Float64("entry", entryPrice).
		Float64("quantity", quantity).
		Float64("stop_loss", pos.StopLoss).
		Float64("take_profit", pos.TakeProfit).
		Msg("position active")

	return nil
}

// Count returns the number of non-terminal positions
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.countNonTerminalLocked()
}

func (m *Manager) countNonTerminalLocked() int {
	count := 0
	for _, pos := range m.positions {
		if pos.State != models.PositionClosed {
			count++
		}
	}
	return count
}

// Active returns snapshot copies of all non-terminal positions
func (m *Manager) Active() []models.Position {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]models.Position, 0, len(m.positions))
	for _, pos := range m.positions {
		if pos.State != models.PositionClosed {
			out = append(out, *pos)
		}
	}
	return out
}

// Get returns a snapshot copy of a symbol's position, or nil
func (m *Manager) Get(symbol string) *models.Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos, ok := m.positions[symbol]
	if !ok {
		return nil
	}
	copied := *pos
	return &copied
}

// Restore re-registers a position loaded from storage on startup. It must be
// reconciled against exchange truth before trading resumes.
func (m *Manager) Restore(pos models.Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := pos
	m.positions[pos.Symbol] = &copied
}

// ApplyOrderUpdate consumes a reconciliation result. Entry fills adjust the
// position quantity from exchange truth; a filled protective order closes
// the position with the matching reason.
func (m *Manager) ApplyOrderUpdate(update execution.OrderUpdate) {
	if !update.Changed {
		return
	}

	m.mu.Lock()
	var toClose *models.Position
	var reason models.CloseReason
	var exitPrice float64

	for _, pos := range m.positions {
		if pos.State == models.PositionClosed {
			continue
		}
		switch update.Order.ClientOrderID {
		case pos.EntryOrderID:
			if update.Order.FilledQty > 0 && update.Order.FilledQty != pos.Quantity && pos.State == models.PositionActive {
				m.logger.Warn().
					Str("symbol", pos.Symbol).
					Float64("local", pos.Quantity).
					Float64("exchange", update.Order.FilledQty).
					Msg("position size corrected from exchange truth")
				pos.Quantity = update.Order.FilledQty
			}
		case pos.TPOrderID:
			if update.Order.State == models.OrderFilled {
				toClose, reason = pos, models.CloseTakeProfit
				exitPrice = priceOrFallback(update.Order.AvgFillPrice, pos.TakeProfit)
			}
		case pos.SLOrderID:
			if update.Order.State == models.OrderFilled {
				toClose, reason = pos, models.CloseStopLoss
				exitPrice = priceOrFallback(update.Order.AvgFillPrice, pos.StopLoss)
			}
		}
	}
	m.mu.Unlock()

	if toClose != nil {
		m.close(context.Background(), toClose.Symbol, exitPrice, reason)
	}
}

func priceOrFallback(price, fallback float64) float64 {
	if price > 0 {
		return price
	}
	return fallback
}

// EvaluateTrailing advances the trailing stop for one symbol. The stop only
// ever tightens: a candidate looser than the current stop is discarded.
// Replacement is two-phase via the execution engine.
func (m *Manager) EvaluateTrailing(ctx context.Context, symbol string, currentPrice float64) error {
	m.retryPendingCancels(ctx, symbol)

	m.mu.Lock()
	pos, ok := m.positions[symbol]
	if !ok || pos.State != models.PositionActive || !pos.Params.TrailingEnabled {
		m.mu.Unlock()
		return nil
	}

	favorable := false
	if pos.Side == models.SideBuy && currentPrice > pos.HighestFavorablePrice*(1+m.activationPct/100) {
		favorable = true
	}
	if pos.Side == models.SideSell && currentPrice < pos.HighestFavorablePrice*(1-m.activationPct/100) {
		favorable = true
	}
	if !favorable {
		m.mu.Unlock()
		return nil
	}

	newStop := risk.TrailingStop(currentPrice, pos.Side, pos.Params.TrailingPct)

	// Monotonic tightening only
	tighter := (pos.Side == models.SideBuy && newStop > pos.StopLoss) ||
		(pos.Side == models.SideSell && newStop < pos.StopLoss)
	if !tighter {
		m.mu.Unlock()
		return nil
	}

	posCopy := *pos
	m.mu.Unlock()

	quantity, err := risk.FormatQuantity(symbol, posCopy.Quantity, m.precision)
	if err != nil {
		return fmt.Errorf("format trailing quantity for %s: %w", symbol, err)
	}

	newOrder, err := m.engine.ReplaceStop(ctx, &posCopy, quantity, newStop)
	if newOrder == nil {
		return fmt.Errorf("trailing stop for %s: %w", symbol, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	pos, ok = m.positions[symbol]
	if !ok || pos.State != models.PositionActive {
		return nil
	}
	if err != nil {
		// New stop is live but the old cancel failed; retry next cycle
		m.pendingCancels[symbol] = append(m.pendingCancels[symbol], pos.SLOrderID)
	}
	pos.SLOrderID = newOrder.ClientOrderID
	pos.SLExchangeID = newOrder.ExchangeOrderID
	pos.StopLoss = newStop
	pos.HighestFavorablePrice = currentPrice

	m.logger.Info().
		Str("symbol", symbol).
		Float64("price", currentPrice).
		Float64("stop_loss", newStop).
		Msg("trailing stop advanced")

	return nil
}

// retryPendingCancels retries cancels for stale stop orders left behind by
// a failed second phase of a replacement.
func (m *Manager) retryPendingCancels(ctx context.Context, symbol string) {
	m.mu.Lock()
	stale := m.pendingCancels[symbol]
	delete(m.pendingCancels, symbol)
	m.mu.Unlock()

	var remaining []string
	for _, orderID := range stale {
		if err := m.engine.Cancel(ctx, orderID); err != nil {
			remaining = append(remaining, orderID)
		}
	}

	if len(remaining) > 0 {
		m.mu.Lock()
		m.pendingCancels[symbol] = append(m.pendingCancels[symbol], remaining...)
		m.mu.Unlock()
	}
}

// EnsureProtection enforces the protective-order invariant: every ACTIVE
// position must have a live stop-loss on the exchange. A position found
// unprotected is re-protected immediately, or force-closed when
// re-protection keeps failing.
func (m *Manager) EnsureProtection(ctx context.Context, symbol string, currentPrice float64) error {
	m.mu.Lock()
	pos, ok := m.positions[symbol]
	if !ok || pos.State != models.PositionActive {
		m.mu.Unlock()
		return nil
	}

	protected := pos.SLOrderID != ""
	if protected {
		if order := m.engine.Lookup(pos.SLOrderID); order != nil &&
			order.State.Terminal() && order.State != models.OrderFilled {
			// Stop vanished without filling, e.g. cancelled externally
			protected = false
		}
	}
	if protected {
		m.mu.Unlock()
		return nil
	}

	posCopy := *pos
	m.mu.Unlock()

	m.logger.Error().Str("symbol", symbol).Msg("active position without live stop-loss, re-protecting")

	quantity, err := risk.FormatQuantity(symbol, posCopy.Quantity, m.precision)
	if err != nil {
		return m.forceClose(ctx, symbol, currentPrice, fmt.Errorf("format quantity: %w", err))
	}

	newOrder, err := m.engine.ReplaceStop(ctx, &posCopy, quantity, posCopy.StopLoss)
	if newOrder == nil {
		return m.forceClose(ctx, symbol, currentPrice, err)
	}

	m.mu.Lock()
	if pos, ok := m.positions[symbol]; ok && pos.State == models.PositionActive {
		pos.SLOrderID = newOrder.ClientOrderID
		pos.SLExchangeID = newOrder.ExchangeOrderID
	}
	m.mu.Unlock()
	return nil
}

// forceClose liquidates an unprotectable position rather than leaving it
// exposed.
func (m *Manager) forceClose(ctx context.Context, symbol string, currentPrice float64, cause error) error {
	m.logger.Error().Err(cause).Str("symbol", symbol).Msg("re-protection failed, force-closing position")
	if err := m.CloseManual(ctx, symbol, currentPrice); err != nil {
		return fmt.Errorf("force-close %s: %w", symbol, err)
	}
	return cause
}

// CloseManual cancels the protective orders and liquidates the position at
// market. Manual exits route through the execution engine like every other
// order.
func (m *Manager) CloseManual(ctx context.Context, symbol string, currentPrice float64) error {
	m.mu.Lock()
	pos, ok := m.positions[symbol]
	if !ok || pos.State == models.PositionClosed {
		m.mu.Unlock()
		return fmt.Errorf("no open position for %s", symbol)
	}
	posCopy := *pos
	m.mu.Unlock()

	for _, orderID := range []string{posCopy.TPOrderID, posCopy.SLOrderID} {
		if orderID == "" {
			continue
		}
		if err := m.engine.Cancel(ctx, orderID); err != nil {
			m.logger.Warn().Err(err).Str("symbol", symbol).Msg("protective order cancel failed during close")
		}
	}

	if posCopy.State == models.PositionActive && posCopy.Quantity > 0 {
		quantity, err := risk.FormatQuantity(symbol, posCopy.Quantity, m.precision)
		if err != nil {
			return fmt.Errorf("close %s: %w", symbol, err)
		}
		if _, err := m.engine.SubmitEntry(ctx, symbol, posCopy.Side.Opposite(),
			quantity, posCopy.Quantity, models.OrderTypeMarket, 0); err != nil {
			return fmt.Errorf("close %s: %w", symbol, err)
		}
	}

	m.close(ctx, symbol, currentPrice, models.CloseManual)
	return nil
}

// CloseReconciled records a closure discovered from exchange truth rather
// than a local decision.
func (m *Manager) CloseReconciled(symbol string, exitPrice float64) {
	m.close(context.Background(), symbol, exitPrice, models.CloseReconciled)
}

// close performs the terminal transition and emits the trade-closed event.
// Closures are always explicit and logged with their source; a position
// record is never silently deleted. Any protective order still live after
// the close is cancelled so no orphan can fill against a position that no
// longer exists.
func (m *Manager) close(ctx context.Context, symbol string, exitPrice float64, reason models.CloseReason) {
	m.mu.Lock()
	pos, ok := m.positions[symbol]
	if !ok || pos.State == models.PositionClosed {
		m.mu.Unlock()
		return
	}

	pos.State = models.PositionClosed
	pos.CloseReason = reason
	pos.ClosedAt = time.Now().UTC()
	pos.ExitPrice = exitPrice

	fees := (pos.EntryPrice + exitPrice) * pos.Quantity * m.feePct / 100
	pos.RealizedPnL = (exitPrice-pos.EntryPrice)*pos.Quantity*pos.Side.Sign() - fees

	closed := *pos
	delete(m.positions, symbol)
	stale := m.pendingCancels[symbol]
	delete(m.pendingCancels, symbol)
	m.mu.Unlock()

	for _, orderID := range append(stale, closed.TPOrderID, closed.SLOrderID) {
		if orderID == "" {
			continue
		}
		if err := m.engine.Cancel(ctx, orderID); err != nil {
			m.logger.Warn().Err(err).
				Str("symbol", symbol).
				Str("order", orderID).
				Msg("protective order not cancelled after close")
		}
	}

	m.logger.Info().
		Str("symbol", symbol).
		Str("reason", string(reason)).
		Float64("entry", closed.EntryPrice).
		Float64("exit", exitPrice).
		Float64("pnl", closed.RealizedPnL).
		Msg("position closed")

	m.onClosed(closed)
}
