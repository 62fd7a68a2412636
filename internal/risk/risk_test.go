package risk

import (
	"errors"
	"math"
	"testing"

	"github.com/Alias1177/Trader/models"
)

func testParams() models.RiskParameters {
	return models.RiskParameters{
		TradeAmount:     50,
		RiskPerTradePct: 2,
		MaxPositions:    5,
		ATRMultiplier:   2,
		StopLossPct:     5,
		TakeProfitPct:   10,
	}
}

func TestCalculatePositionSize(t *testing.T) {
	tests := []struct {
		name            string
		balance         float64
		atr             float64
		activePositions int
		wantQty         float64
		wantErr         error
	}{
		{
			name:    "Risk amount from balance percentage",
			balance: 1000, atr: 10, activePositions: 0,
			// 2% of 1000 = 20, stop distance 20, qty = 1
			wantQty: 1,
		},
		{
			name:    "Risk amount capped at trade amount",
			balance: 100000, atr: 10, activePositions: 0,
			// 2% of 100000 = 2000, capped at 50, qty = 50/20
			wantQty: 2.5,
		},
		{
			name:    "Max positions reached",
			balance: 1000, atr: 10, activePositions: 5,
			wantErr: models.ErrMaxPositionsReached,
		},
		{
			name:    "Zero balance",
			balance: 0, atr: 10, activePositions: 0,
			wantErr: models.ErrInsufficientBalance,
		},
		{
			name:    "Degenerate stop distance",
			balance: 1000, atr: 0, activePositions: 0,
			wantErr: models.ErrDegenerateStop,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			qty, err := CalculatePositionSize(tt.balance, testParams(), tt.atr, 100, tt.activePositions)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("CalculatePositionSize() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("CalculatePositionSize() error = %v", err)
			}
			if math.Abs(qty-tt.wantQty) > 1e-9 {
				t.Errorf("CalculatePositionSize() = %v, want %v", qty, tt.wantQty)
			}
		})
	}
}

func TestRiskAmountNeverExceedsTradeAmount(t *testing.T) {
	params := testParams()
	for _, balance := range []float64{100, 1000, 10000, 1e6} {
		qty, err := CalculatePositionSize(balance, params, 10, 100, 0)
		if err != nil {
			t.Fatalf("balance %v: error = %v", balance, err)
		}
		riskAmount := qty * 10 * params.ATRMultiplier
		if riskAmount > params.TradeAmount+1e-9 {
			t.Errorf("balance %v: risk amount %v exceeds trade amount %v", balance, riskAmount, params.TradeAmount)
		}
	}
}

func TestBracketPrices(t *testing.T) {
	sl, tp := BracketPrices(45230.50, models.SideBuy, testParams())
	if math.Abs(sl-42969.0) > 0.05 {
		t.Errorf("stop loss = %v, want ~42969.0", sl)
	}
	if math.Abs(tp-49753.55) > 1e-6 {
		t.Errorf("take profit = %v, want 49753.55", tp)
	}

	slShort, tpShort := BracketPrices(100, models.SideSell, testParams())
	if slShort <= 100 || tpShort >= 100 {
		t.Errorf("short bracket inverted: sl=%v tp=%v", slShort, tpShort)
	}
}

func TestFormatQuantity(t *testing.T) {
	table := DefaultPrecisionTable()

	tests := []struct {
		name     string
		symbol   string
		quantity float64
		want     string
		wantErr  error
	}{
		{"Integer asset truncates down", "BONK_USDT", 6.6833, "6", nil},
		{"Mid precision truncates down", "SOL_USDT", 0.081234, "0.08", nil},
		{"Mid precision two decimals", "SOL_USDT", 6.6833, "6.68", nil},
		{"High precision six decimals", "BTC_USDT", 0.00215099, "0.00215", nil},
		{"Unknown asset falls back to integer", "XYZ_USDT", 3.999, "3", nil},
		{"Dust rounds to zero", "BTC_USDT", 0.0000001, "", models.ErrZeroQuantity},
		{"Unknown asset dust", "XYZ_USDT", 0.9, "", models.ErrZeroQuantity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FormatQuantity(tt.symbol, tt.quantity, table)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("FormatQuantity() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("FormatQuantity() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("FormatQuantity() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFormatQuantityNeverRoundsUp(t *testing.T) {
	table := PrecisionTable{"AAA": 2}
	got, err := FormatQuantity("AAA_USDT", 0.089999, table)
	if err != nil {
		t.Fatalf("FormatQuantity() error = %v", err)
	}
	if got != "0.08" {
		t.Errorf("FormatQuantity() = %q, want %q (truncation, not rounding)", got, "0.08")
	}
}
