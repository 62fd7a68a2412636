package position

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/Alias1177/Trader/internal/exchange"
	"github.com/Alias1177/Trader/internal/execution"
	"github.com/Alias1177/Trader/internal/platform/http"
	"github.com/Alias1177/Trader/internal/risk"
	"github.com/Alias1177/Trader/models"
)

type fakeExchange struct {
	mu          sync.Mutex
	nextID      int
	byClientOID map[string]string
	statuses    map[string]*exchange.OrderStatus
	cancelled   []string
	failSubmits int
}

func newFakeExchange() *fakeExchange {
	return &fakeExchange{
		byClientOID: make(map[string]string),
		statuses:    make(map[string]*exchange.OrderStatus),
	}
}

func (f *fakeExchange) FetchCandles(ctx context.Context, symbol, interval string, count int) ([]models.Candle, error) {
	return nil, nil
}

func (f *fakeExchange) FetchBalance(ctx context.Context, currency string) (float64, error) {
	return 1000, nil
}

func (f *fakeExchange) SubmitOrder(ctx context.Context, spec exchange.OrderSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSubmits > 0 {
		f.failSubmits--
		return "", errors.New("network timeout")
	}
	if id, seen := f.byClientOID[spec.ClientOrderID]; seen {
		return id, nil
	}
	f.nextID++
	id := fmt.Sprintf("ex-%d", f.nextID)
	f.byClientOID[spec.ClientOrderID] = id
	f.statuses[id] = &exchange.OrderStatus{ExchangeOrderID: id, State: models.OrderSubmitted}
	return id, nil
}

func (f *fakeExchange) FetchOrderStatus(ctx context.Context, orderID string) (*exchange.OrderStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	status, ok := f.statuses[orderID]
	if !ok {
		return nil, fmt.Errorf("unknown order %s", orderID)
	}
	copied := *status
	return &copied, nil
}

func (f *fakeExchange) CancelOrder(ctx context.Context, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, orderID)
	if status, ok := f.statuses[orderID]; ok && !status.State.Terminal() {
		status.State = models.OrderCancelled
	}
	return nil
}

func (f *fakeExchange) Fetch24hStats(ctx context.Context, symbol string) (*models.MarketStats, error) {
	return &models.MarketStats{Symbol: symbol}, nil
}

func testRetry() http.RetryPolicy {
	return http.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, Multiplier: 1.5}
}

func testParams() models.RiskParameters {
	return models.RiskParameters{
		TradeAmount:     50,
		RiskPerTradePct: 2,
		MaxPositions:    5,
		ATRMultiplier:   2,
		StopLossPct:     5,
		TakeProfitPct:   10,
		TrailingEnabled: true,
		TrailingPct:     3,
		MinFillRatio:    0.9,
	}
}

func newTestManager(engine *execution.Engine, closed *[]models.Position) *Manager {
	return New(engine, Options{
		Precision: risk.DefaultPrecisionTable(),
		OnClosed: func(pos models.Position) {
			if closed != nil {
				*closed = append(*closed, pos)
			}
		},
	})
}

func TestOpenEnforcesOnePerSymbol(t *testing.T) {
	engine := execution.New(newFakeExchange(), testRetry())
	m := newTestManager(engine, nil)

	pos := models.Position{Symbol: "BTC_USDT", Side: models.SideBuy, Params: testParams()}
	if err := m.Open(pos); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := m.Open(pos); !errors.Is(err, models.ErrPositionExists) {
		t.Fatalf("second Open() error = %v, want ErrPositionExists", err)
	}
}

func TestOpenEnforcesMaxPositions(t *testing.T) {
	engine := execution.New(newFakeExchange(), testRetry())
	m := newTestManager(engine, nil)

	params := testParams()
	params.MaxPositions = 2
	for _, symbol := range []string{"BTC_USDT", "ETH_USDT"} {
		if err := m.Open(models.Position{Symbol: symbol, Side: models.SideBuy, Params: params}); err != nil {
			t.Fatalf("Open(%s) error = %v", symbol, err)
		}
	}

	err := m.Open(models.Position{Symbol: "SOL_USDT", Side: models.SideBuy, Params: params})
	if !errors.Is(err, models.ErrMaxPositionsReached) {
		t.Fatalf("Open() error = %v, want ErrMaxPositionsReached", err)
	}
}

func TestEntryFillBracketScenario(t *testing.T) {
	fake := newFakeExchange()
	engine := execution.New(fake, testRetry())
	m := newTestManager(engine, nil)

	params := testParams()
	entryPrice := 45230.50
	quantity := 0.002150

	stopLoss, takeProfit := risk.BracketPrices(entryPrice, models.SideBuy, params)
	if math.Abs(stopLoss-42969.0) > 0.05 {
		t.Errorf("stop loss = %v, want ~42969.0", stopLoss)
	}
	if math.Abs(takeProfit-49753.55) > 1e-6 {
		t.Errorf("take profit = %v, want 49753.55", takeProfit)
	}

	pos := models.Position{
		Symbol:     "BTC_USDT",
		Side:       models.SideBuy,
		StopLoss:   stopLoss,
		TakeProfit: takeProfit,
		Quantity:   quantity,
		Params:     params,
	}
	if err := m.Open(pos); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if got := m.Get("BTC_USDT"); got == nil || got.State != models.PositionPendingEntry {
		t.Fatalf("position state = %+v, want PENDING_ENTRY", got)
	}

	tpOrder, slOrder, err := engine.Protect(context.Background(), &pos, "0.00215")
	if err != nil {
		t.Fatalf("Protect() error = %v", err)
	}
	if tpOrder.RequestedQty != quantity || slOrder.RequestedQty != quantity {
		t.Errorf("protective orders not bound to filled quantity: tp=%v sl=%v",
			tpOrder.RequestedQty, slOrder.RequestedQty)
	}

	if err := m.Activate("BTC_USDT", entryPrice, quantity, slOrder.ClientOrderID, tpOrder.ClientOrderID); err != nil {
		t.Fatalf("Activate() error = %v", err)
	}

	active := m.Get("BTC_USDT")
	if active.State != models.PositionActive {
		t.Errorf("State = %v, want ACTIVE", active.State)
	}
	if active.HighestFavorablePrice != entryPrice {
		t.Errorf("HighestFavorablePrice = %v, want entry price %v", active.HighestFavorablePrice, entryPrice)
	}
}

func activateTestPosition(t *testing.T, m *Manager, engine *execution.Engine, symbol string, side models.OrderSide, entry float64) *models.Position {
	t.Helper()

	params := testParams()
	stopLoss, takeProfit := risk.BracketPrices(entry, side, params)
	pos := models.Position{
		Symbol:     symbol,
		Side:       side,
		StopLoss:   stopLoss,
		TakeProfit: takeProfit,
		Quantity:   0.002,
		Params:     params,
	}
	if err := m.Open(pos); err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	tpOrder, slOrder, err := engine.Protect(context.Background(), &pos, "0.002")
	if err != nil {
		t.Fatalf("Protect() error = %v", err)
	}
	if err := m.Activate(symbol, entry, 0.002, slOrder.ClientOrderID, tpOrder.ClientOrderID); err != nil {
		t.Fatalf("Activate() error = %v", err)
	}
	return m.Get(symbol)
}

func TestTrailingStopMonotonic(t *testing.T) {
	fake := newFakeExchange()
	engine := execution.New(fake, testRetry())
	m := newTestManager(engine, nil)

	activateTestPosition(t, m, engine, "BTC_USDT", models.SideBuy, 45000)

	prices := []float64{45500, 46000, 45200, 47000, 46500, 48000}
	lastStop := m.Get("BTC_USDT").StopLoss

	for _, price := range prices {
		if err := m.EvaluateTrailing(context.Background(), "BTC_USDT", price); err != nil {
			t.Fatalf("EvaluateTrailing(%v) error = %v", price, err)
		}
		stop := m.Get("BTC_USDT").StopLoss
		if stop < lastStop {
			t.Errorf("stop loosened from %v to %v at price %v", lastStop, stop, price)
		}
		lastStop = stop
	}

	// 3% below the highest favorable price of 48000
	want := 48000 * 0.97
	if math.Abs(lastStop-want) > 1e-6 {
		t.Errorf("final stop = %v, want %v", lastStop, want)
	}
}

func TestTrailingStopShortSide(t *testing.T) {
	fake := newFakeExchange()
	engine := execution.New(fake, testRetry())
	m := newTestManager(engine, nil)

	activateTestPosition(t, m, engine, "BTC_USDT", models.SideSell, 45000)

	prices := []float64{44000, 43000, 44500, 42000}
	lastStop := m.Get("BTC_USDT").StopLoss

	for _, price := range prices {
		if err := m.EvaluateTrailing(context.Background(), "BTC_USDT", price); err != nil {
			t.Fatalf("EvaluateTrailing(%v) error = %v", price, err)
		}
		stop := m.Get("BTC_USDT").StopLoss
		if stop > lastStop {
			t.Errorf("short stop loosened from %v to %v at price %v", lastStop, stop, price)
		}
		lastStop = stop
	}
}

func TestTrailingReplacementCancelsOldStop(t *testing.T) {
	fake := newFakeExchange()
	engine := execution.New(fake, testRetry())
	m := newTestManager(engine, nil)

	before := activateTestPosition(t, m, engine, "BTC_USDT", models.SideBuy, 45000)

	if err := m.EvaluateTrailing(context.Background(), "BTC_USDT", 47000); err != nil {
		t.Fatalf("EvaluateTrailing() error = %v", err)
	}

	after := m.Get("BTC_USDT")
	if after.SLOrderID == before.SLOrderID {
		t.Error("stop order was not replaced")
	}
	if len(fake.cancelled) == 0 {
		t.Error("old stop order was not cancelled")
	}
}

func TestTakeProfitFillClosesPosition(t *testing.T) {
	fake := newFakeExchange()
	engine := execution.New(fake, testRetry())
	var closed []models.Position
	m := newTestManager(engine, &closed)

	pos := activateTestPosition(t, m, engine, "BTC_USDT", models.SideBuy, 45000)

	m.ApplyOrderUpdate(execution.OrderUpdate{
		Order: models.Order{
			ClientOrderID: pos.TPOrderID,
			State:         models.OrderFilled,
			AvgFillPrice:  49500,
		},
		Changed: true,
	})

	if got := m.Get("BTC_USDT"); got != nil {
		t.Fatalf("position still tracked after TP close: %+v", got)
	}
	if len(closed) != 1 {
		t.Fatalf("closed events = %d, want 1", len(closed))
	}
	if closed[0].CloseReason != models.CloseTakeProfit {
		t.Errorf("CloseReason = %v, want TP_HIT", closed[0].CloseReason)
	}
	wantPnL := (49500.0 - 45000.0) * 0.002
	if math.Abs(closed[0].RealizedPnL-wantPnL) > 1e-9 {
		t.Errorf("RealizedPnL = %v, want %v", closed[0].RealizedPnL, wantPnL)
	}
}

func TestStopLossFillClosesPosition(t *testing.T) {
	fake := newFakeExchange()
	engine := execution.New(fake, testRetry())
	var closed []models.Position
	m := newTestManager(engine, &closed)

	pos := activateTestPosition(t, m, engine, "BTC_USDT", models.SideBuy, 45000)

	m.ApplyOrderUpdate(execution.OrderUpdate{
		Order: models.Order{
			ClientOrderID: pos.SLOrderID,
			State:         models.OrderFilled,
			AvgFillPrice:  42700,
		},
		Changed: true,
	})

	if len(closed) != 1 || closed[0].CloseReason != models.CloseStopLoss {
		t.Fatalf("closed = %+v, want one SL_HIT closure", closed)
	}
	if closed[0].RealizedPnL >= 0 {
		t.Errorf("RealizedPnL = %v, want a loss", closed[0].RealizedPnL)
	}

	// The sibling take-profit must not stay live
	if tpOrder := engine.Lookup(pos.TPOrderID); tpOrder == nil || !tpOrder.State.Terminal() {
		t.Errorf("take-profit order still live after SL close: %+v", tpOrder)
	}
}

func TestCloseCancelsSiblingStop(t *testing.T) {
	fake := newFakeExchange()
	engine := execution.New(fake, testRetry())
	m := newTestManager(engine, nil)

	pos := activateTestPosition(t, m, engine, "BTC_USDT", models.SideBuy, 45000)

	m.ApplyOrderUpdate(execution.OrderUpdate{
		Order: models.Order{
			ClientOrderID: pos.TPOrderID,
			State:         models.OrderFilled,
			AvgFillPrice:  49500,
		},
		Changed: true,
	})

	slOrder := engine.Lookup(pos.SLOrderID)
	if slOrder == nil || !slOrder.State.Terminal() {
		t.Fatalf("stop-loss order still live after position closed via TP fill: %+v", slOrder)
	}
	if len(fake.cancelled) == 0 {
		t.Error("no cancel reached the exchange for the surviving stop")
	}
}

func TestTrailingFailureKeepsHighWaterMark(t *testing.T) {
	fake := newFakeExchange()
	engine := execution.New(fake, testRetry())
	m := newTestManager(engine, nil)

	activateTestPosition(t, m, engine, "BTC_USDT", models.SideBuy, 45000)

	fake.mu.Lock()
	fake.failSubmits = 3
	fake.mu.Unlock()

	if err := m.EvaluateTrailing(context.Background(), "BTC_USDT", 47000); err == nil {
		t.Fatal("EvaluateTrailing() succeeded although every submission failed")
	}
	if got := m.Get("BTC_USDT").HighestFavorablePrice; got != 45000 {
		t.Fatalf("HighestFavorablePrice = %v after failed replacement, want 45000", got)
	}

	// The next cycle at the same price must still qualify as favorable
	if err := m.EvaluateTrailing(context.Background(), "BTC_USDT", 47000); err != nil {
		t.Fatalf("EvaluateTrailing() retry error = %v", err)
	}
	after := m.Get("BTC_USDT")
	want := 47000 * 0.97
	if math.Abs(after.StopLoss-want) > 1e-6 {
		t.Errorf("StopLoss = %v after retry, want %v", after.StopLoss, want)
	}
	if after.HighestFavorablePrice != 47000 {
		t.Errorf("HighestFavorablePrice = %v after retry, want 47000", after.HighestFavorablePrice)
	}
}

func TestEnsureProtectionReprotects(t *testing.T) {
	fake := newFakeExchange()
	engine := execution.New(fake, testRetry())
	m := newTestManager(engine, nil)

	pos := activateTestPosition(t, m, engine, "BTC_USDT", models.SideBuy, 45000)

	// Simulate the stop being cancelled externally
	if err := engine.Cancel(context.Background(), pos.SLOrderID); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}

	if err := m.EnsureProtection(context.Background(), "BTC_USDT", 45100); err != nil {
		t.Fatalf("EnsureProtection() error = %v", err)
	}

	after := m.Get("BTC_USDT")
	if after.SLOrderID == pos.SLOrderID {
		t.Error("position was not re-protected with a fresh stop order")
	}
	if after.State != models.PositionActive {
		t.Errorf("State = %v, want ACTIVE", after.State)
	}
}

func TestCloseManual(t *testing.T) {
	fake := newFakeExchange()
	engine := execution.New(fake, testRetry())
	var closed []models.Position
	m := newTestManager(engine, &closed)

	activateTestPosition(t, m, engine, "BTC_USDT", models.SideBuy, 45000)

	if err := m.CloseManual(context.Background(), "BTC_USDT", 45500); err != nil {
		t.Fatalf("CloseManual() error = %v", err)
	}

	if len(closed) != 1 || closed[0].CloseReason != models.CloseManual {
		t.Fatalf("closed = %+v, want one MANUAL closure", closed)
	}
	if len(fake.cancelled) < 2 {
		t.Errorf("protective orders not cancelled: %v", fake.cancelled)
	}
}

func TestReleaseDropsPending(t *testing.T) {
	engine := execution.New(newFakeExchange(), testRetry())
	m := newTestManager(engine, nil)

	if err := m.Open(models.Position{Symbol: "BTC_USDT", Side: models.SideBuy, Params: testParams()}); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	m.Release("BTC_USDT")

	if m.Count() != 0 {
		t.Errorf("Count() = %d, want 0 after release", m.Count())
	}
	if err := m.Open(models.Position{Symbol: "BTC_USDT", Side: models.SideBuy, Params: testParams()}); err != nil {
		t.Errorf("Open() after release error = %v", err)
	}
}
