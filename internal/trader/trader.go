package trader

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Alias1177/Trader/internal/config"
	"github.com/Alias1177/Trader/internal/exchange"
	"github.com/Alias1177/Trader/internal/execution"
	"github.com/Alias1177/Trader/internal/indicator"
	"github.com/Alias1177/Trader/internal/position"
	"github.com/Alias1177/Trader/internal/risk"
	"github.com/Alias1177/Trader/internal/signal"
	"github.com/Alias1177/Trader/models"
)

// Store persists positions, trades and signals across restarts.
type Store interface {
	SavePosition(pos *models.Position) error
	DeletePosition(symbol string) error
	LoadActivePositions() ([]models.Position, error)
	AppendTradeRecord(trade *models.TradeRecord) error
	AppendSignal(sig *models.Signal) error
	LatestSignal(symbol string) (*models.Signal, error)
}

// Notifier pushes human-readable trade events to an external channel.
type Notifier interface {
	Notify(text string)
}

type noopNotifier struct{}

func (noopNotifier) Notify(string) {}

// Trader runs the evaluation, reconciliation and trailing loops over a
// watchlist of instruments.
type Trader struct {
	cfg      *config.Config
	client   exchange.Client
	engine   *execution.Engine
	manager  *position.Manager
	store    Store
	notifier Notifier

	indicatorCfg indicator.Config
	signalCfg    signal.Config
	precision    risk.PrecisionTable
	riskParams   atomic.Pointer[models.RiskParameters]

	logger zerolog.Logger
	wg     sync.WaitGroup
}

// New wires the trader together. The notifier may be nil.
func New(cfg *config.Config, client exchange.Client, engine *execution.Engine, store Store, notifier Notifier) *Trader {
	if notifier == nil {
		notifier = noopNotifier{}
	}

	t := &Trader{
		cfg:          cfg,
		client:       client,
		engine:       engine,
		store:        store,
		notifier:     notifier,
		indicatorCfg: indicator.DefaultConfig(),
		signalCfg:    signal.DefaultConfig(),
		precision:    risk.DefaultPrecisionTable(),
		logger:       log.With().Str("component", "trader").Logger(),
	}
	t.signalCfg.MinConfidence = cfg.MinConfidence

	params := cfg.Risk
	t.riskParams.Store(&params)

	t.manager = position.New(engine, position.Options{
		Precision:     t.precision,
		FeePct:        cfg.FeePct,
		ActivationPct: cfg.ActivationPct,
		OnClosed:      t.onPositionClosed,
	})

	return t
}

// RiskParameters returns the parameters currently in effect.
func (t *Trader) RiskParameters() models.RiskParameters {
	return *t.riskParams.Load()
}

// UpdateRiskParameters atomically swaps in new parameters. In-flight cycles
// keep the snapshot they captured; the next cycle sees the update.
func (t *Trader) UpdateRiskParameters(params models.RiskParameters) {
	t.riskParams.Store(&params)
	t.logger.Info().
		Float64("trade_amount", params.TradeAmount).
		Float64("stop_loss_pct", params.StopLossPct).
		Float64("take_profit_pct", params.TakeProfitPct).
		Msg("risk parameters updated")
}

// Run recovers persisted state and drives the periodic loops until the
// context is cancelled. It returns after all loops have drained.
func (t *Trader) Run(ctx context.Context) error {
	if err := t.recover(ctx); err != nil {
		return fmt.Errorf("startup recovery: %w", err)
	}

	t.wg.Add(3)
	go t.loop(ctx, t.cfg.SignalInterval, "signal", t.evaluateAll)
	go t.loop(ctx, t.cfg.ReconcileInterval, "reconcile", t.reconcile)
	go t.loop(ctx, t.cfg.TrailingInterval, "trailing", t.trailAll)

	<-ctx.Done()
	t.logger.Info().Msg("shutting down, waiting for in-flight cycles")

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(30 * time.Second):
		t.logger.Warn().Msg("shutdown grace period expired")
	}
	return ctx.Err()
}

// loop runs fn on a ticker until the context is cancelled. A panic or error
// in one cycle never kills the loop.
func (t *Trader) loop(ctx context.Context, interval time.Duration, name string, fn func(context.Context)) {
	defer t.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	fn(ctx)
	for {
		select {
		case <-ctx.Done():
			t.logger.Debug().Str("loop", name).Msg("loop stopped")
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// recover loads persisted positions, re-registers their orders with the
// execution engine and reconciles against exchange truth before any loop
// starts.
func (t *Trader) recover(ctx context.Context) error {
	positions, err := t.store.LoadActivePositions()
	if err != nil {
		return fmt.Errorf("load positions: %w", err)
	}

	for _, pos := range positions {
		// The entry already filled, or the position would not be persisted
		if pos.EntryOrderID != "" {
			t.engine.Track(models.Order{
				ClientOrderID: pos.EntryOrderID,
				Symbol:        pos.Symbol,
				Side:          pos.Side,
				Type:          models.OrderTypeMarket,
				RequestedQty:  pos.Quantity,
				FilledQty:     pos.Quantity,
				AvgFillPrice:  pos.EntryPrice,
				State:         models.OrderFilled,
			})
		}
		// Protective orders re-enter tracking with their exchange IDs so the
		// first reconcile pass observes any fill that happened while the
		// process was down
		closeSide := pos.Side.Opposite()
		if pos.SLOrderID != "" {
			t.engine.Track(models.Order{
				ClientOrderID:   pos.SLOrderID,
				ExchangeOrderID: pos.SLExchangeID,
				Symbol:          pos.Symbol,
				Side:            closeSide,
				Type:            models.OrderTypeStopLoss,
				RequestedQty:    pos.Quantity,
				Price:           pos.StopLoss,
				State:           models.OrderSubmitted,
			})
		}
		if pos.TPOrderID != "" {
			t.engine.Track(models.Order{
				ClientOrderID:   pos.TPOrderID,
				ExchangeOrderID: pos.TPExchangeID,
				Symbol:          pos.Symbol,
				Side:            closeSide,
				Type:            models.OrderTypeTakeProfit,
				RequestedQty:    pos.Quantity,
				Price:           pos.TakeProfit,
				State:           models.OrderSubmitted,
			})
		}
		t.manager.Restore(pos)
		t.logger.Info().
			Str("symbol", pos.Symbol).
			Str("state", string(pos.State)).
			Msg("position restored")
	}

	t.reconcile(ctx)
	return nil
}

// evaluateAll runs one signal cycle over the watchlist. A failure on one
// symbol never blocks the others.
func (t *Trader) evaluateAll(ctx context.Context) {
	for _, symbol := range t.cfg.Symbols {
		if ctx.Err() != nil {
			return
		}
		if err := t.evaluateSymbol(ctx, symbol); err != nil {
			t.logger.Error().Err(err).Str("symbol", symbol).Msg("evaluation cycle failed")
		}
	}
}

func (t *Trader) evaluateSymbol(ctx context.Context, symbol string) error {
	candles, err := t.client.FetchCandles(ctx, symbol, t.cfg.CandleInterval, t.cfg.CandleCount)
	if err != nil {
		return fmt.Errorf("fetch candles: %w", err)
	}

	snapshot, err := indicator.Compute(candles, t.indicatorCfg)
	if err != nil {
		return fmt.Errorf("compute indicators: %w", err)
	}

	stats, err := t.client.Fetch24hStats(ctx, symbol)
	if err != nil {
		return fmt.Errorf("fetch 24h stats: %w", err)
	}

	latest := candles[len(candles)-1]
	sig := signal.Generate(symbol, latest, snapshot, *stats, t.signalCfg)

	if err := t.store.AppendSignal(sig); err != nil {
		t.logger.Warn().Err(err).Str("symbol", symbol).Msg("signal not persisted")
	}

	t.logger.Info().
		Str("symbol", symbol).
		Str("direction", string(sig.Direction)).
		Float64("confidence", sig.Confidence).
		Str("risk", string(sig.Risk)).
		Msg("signal generated")

	if !sig.Actionable() {
		return nil
	}
	if t.manager.Get(symbol) != nil {
		t.logger.Debug().Str("symbol", symbol).Msg("position already open, signal skipped")
		return nil
	}

	side := models.SideBuy
	if sig.Direction == models.DirectionSell {
		side = models.SideSell
	}
	return t.enterPosition(ctx, symbol, side, sig.Price, snapshot.ATR)
}

// enterPosition runs the full entry pipeline: sizing, quantity formatting,
// entry submission, fill wait, protective bracket, activation. Every failure
// after the position slot is claimed releases the slot.
func (t *Trader) enterPosition(ctx context.Context, symbol string, side models.OrderSide, price, atr float64) error {
	params := *t.riskParams.Load()

	balance, err := t.client.FetchBalance(ctx, t.cfg.QuoteCurrency)
	if err != nil {
		return fmt.Errorf("fetch balance: %w", err)
	}

	qty, err := risk.CalculatePositionSize(balance, params, atr, price, t.manager.Count())
	if err != nil {
		return fmt.Errorf("position sizing for %s: %w", symbol, err)
	}

	formatted, err := risk.FormatQuantity(symbol, qty, t.precision)
	if err != nil {
		return fmt.Errorf("format quantity for %s: %w", symbol, err)
	}

	stopLoss, takeProfit := risk.BracketPrices(price, side, params)

	pos := models.Position{
		Symbol:     symbol,
		Side:       side,
		Quantity:   qty,
		StopLoss:   stopLoss,
		TakeProfit: takeProfit,
		Params:     params,
	}
	if err := t.manager.Open(pos); err != nil {
		return err
	}
	pos = *t.manager.Get(symbol)

	entry, err := t.engine.SubmitEntry(ctx, symbol, side, formatted, qty, models.OrderTypeMarket, 0)
	if err != nil {
		t.manager.Release(symbol)
		return fmt.Errorf("submit entry: %w", err)
	}

	filled, err := t.engine.WaitForFill(ctx, entry.ClientOrderID, t.cfg.FillTimeout, t.cfg.PollInterval, params.MinFillRatio)
	if err != nil {
		t.manager.Release(symbol)
		if cancelErr := t.engine.Cancel(ctx, entry.ClientOrderID); cancelErr != nil {
			t.logger.Error().Err(cancelErr).Str("symbol", symbol).Msg("unfilled entry not cancelled")
		}
		return fmt.Errorf("entry fill: %w", err)
	}

	entryPrice := filled.AvgFillPrice
	if entryPrice <= 0 {
		entryPrice = price
	}
	fillQty := filled.FilledQty
	if fillQty <= 0 {
		fillQty = qty
	}

	pos.EntryPrice = entryPrice
	pos.Quantity = fillQty
	pos.EntryOrderID = entry.ClientOrderID

	protectQty, err := risk.FormatQuantity(symbol, fillQty, t.precision)
	if err != nil {
		protectQty = formatted
	}
	tpOrder, slOrder, err := t.engine.Protect(ctx, &pos, protectQty)
	if err != nil {
		// Filled but unprotected: close immediately rather than stay exposed
		t.logger.Error().Err(err).Str("symbol", symbol).Msg("bracket failed, closing entry")
		t.manager.Release(symbol)
		if tpOrder != nil {
			// The take-profit leg went live before the stop-loss failed
			if cancelErr := t.engine.Cancel(ctx, tpOrder.ClientOrderID); cancelErr != nil {
				t.logger.Error().Err(cancelErr).Str("symbol", symbol).Msg("orphan take-profit not cancelled")
			}
		}
		if _, closeErr := t.engine.SubmitEntry(ctx, symbol, side.Opposite(), protectQty, fillQty, models.OrderTypeMarket, 0); closeErr != nil {
			t.logger.Error().Err(closeErr).Str("symbol", symbol).Msg("emergency close failed")
		}
		return err
	}

	t.manager.Restore(pos)
	if err := t.manager.Activate(symbol, entryPrice, fillQty, slOrder.ClientOrderID, tpOrder.ClientOrderID); err != nil {
		return fmt.Errorf("activate position: %w", err)
	}

	t.persistPosition(symbol)
	t.notifier.Notify(fmt.Sprintf(
		"Opened %s %s qty %s @ %.2f\nSL %.2f / TP %.2f",
		side, symbol, protectQty, entryPrice, stopLoss, takeProfit,
	))
	return nil
}

// ManualEntry opens a position on operator request. It runs through the same
// sizing and protection pipeline as signal-driven entries.
func (t *Trader) ManualEntry(ctx context.Context, symbol string, side models.OrderSide) error {
	symbol = exchange.NormalizeInstrument(symbol)

	stats, err := t.client.Fetch24hStats(ctx, symbol)
	if err != nil {
		return fmt.Errorf("fetch price for %s: %w", symbol, err)
	}

	candles, err := t.client.FetchCandles(ctx, symbol, t.cfg.CandleInterval, t.cfg.CandleCount)
	if err != nil {
		return fmt.Errorf("fetch candles: %w", err)
	}
	snapshot, err := indicator.Compute(candles, t.indicatorCfg)
	if err != nil {
		return fmt.Errorf("compute indicators: %w", err)
	}

	return t.enterPosition(ctx, symbol, side, stats.LastPrice, snapshot.ATR)
}

// ManualClose closes a position on operator request.
func (t *Trader) ManualClose(ctx context.Context, symbol string) error {
	symbol = exchange.NormalizeInstrument(symbol)

	stats, err := t.client.Fetch24hStats(ctx, symbol)
	if err != nil {
		return fmt.Errorf("fetch price for %s: %w", symbol, err)
	}
	return t.manager.CloseManual(ctx, symbol, stats.LastPrice)
}

// reconcile polls exchange truth for tracked orders, applies the updates to
// positions and enforces the protective-order invariant.
func (t *Trader) reconcile(ctx context.Context) {
	for _, update := range t.engine.Reconcile(ctx) {
		t.manager.ApplyOrderUpdate(update)
	}

	for _, pos := range t.manager.Active() {
		stats, err := t.client.Fetch24hStats(ctx, pos.Symbol)
		if err != nil {
			t.logger.Error().Err(err).Str("symbol", pos.Symbol).Msg("price unavailable for protection check")
			continue
		}
		if err := t.manager.EnsureProtection(ctx, pos.Symbol, stats.LastPrice); err != nil {
			t.logger.Error().Err(err).Str("symbol", pos.Symbol).Msg("protection enforcement failed")
		}
		t.persistPosition(pos.Symbol)
	}
}

// trailAll advances trailing stops for every active position.
func (t *Trader) trailAll(ctx context.Context) {
	for _, pos := range t.manager.Active() {
		if ctx.Err() != nil {
			return
		}
		stats, err := t.client.Fetch24hStats(ctx, pos.Symbol)
		if err != nil {
			t.logger.Error().Err(err).Str("symbol", pos.Symbol).Msg("price unavailable for trailing")
			continue
		}
		if err := t.manager.EvaluateTrailing(ctx, pos.Symbol, stats.LastPrice); err != nil {
			t.logger.Error().Err(err).Str("symbol", pos.Symbol).Msg("trailing evaluation failed")
			continue
		}
		t.persistPosition(pos.Symbol)
	}
}

func (t *Trader) persistPosition(symbol string) {
	pos := t.manager.Get(symbol)
	if pos == nil {
		return
	}
	if err := t.store.SavePosition(pos); err != nil {
		t.logger.Error().Err(err).Str("symbol", symbol).Msg("position not persisted")
	}
}

func (t *Trader) onPositionClosed(pos models.Position) {
	if err := t.store.DeletePosition(pos.Symbol); err != nil {
		t.logger.Error().Err(err).Str("symbol", pos.Symbol).Msg("closed position not removed from store")
	}

	trade := models.TradeRecord{
		Symbol:      pos.Symbol,
		Side:        pos.Side,
		EntryPrice:  pos.EntryPrice,
		ExitPrice:   pos.ExitPrice,
		Quantity:    pos.Quantity,
		RealizedPnL: pos.RealizedPnL,
		Reason:      pos.CloseReason,
		ClosedAt:    pos.ClosedAt,
	}
	if err := t.store.AppendTradeRecord(&trade); err != nil {
		t.logger.Error().Err(err).Str("symbol", pos.Symbol).Msg("trade record not persisted")
	}

	t.notifier.Notify(fmt.Sprintf(
		"Closed %s %s @ %.2f (%s)\nPnL: %.4f",
		pos.Side, pos.Symbol, pos.ExitPrice, pos.CloseReason, pos.RealizedPnL,
	))
}

// LatestSignal returns the most recent persisted signal for a symbol.
func (t *Trader) LatestSignal(symbol string) (*models.Signal, error) {
	return t.store.LatestSignal(exchange.NormalizeInstrument(symbol))
}

// ActivePositions returns snapshots of all open positions.
func (t *Trader) ActivePositions() []models.Position {
	return t.manager.Active()
}
