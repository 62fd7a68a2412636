package indicator

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/Alias1177/Trader/models"
)

func generateTestCandles(n int, generator func(int) models.Candle) []models.Candle {
	candles := make([]models.Candle, n)
	for i := 0; i < n; i++ {
		candles[i] = generator(i)
	}
	return candles
}

func trendingCandles(n int, step float64) []models.Candle {
	return generateTestCandles(n, func(i int) models.Candle {
		base := 100 + float64(i)*step
		return models.Candle{
			Timestamp: time.Date(2024, 1, 1, 0, i, 0, 0, time.UTC),
			Open:      base - 0.5,
			High:      base + 1,
			Low:       base - 1,
			Close:     base,
			Volume:    1000 + float64(i)*10,
		}
	})
}

func TestComputeInsufficientData(t *testing.T) {
	candles := trendingCandles(10, 1)

	_, err := Compute(candles, DefaultConfig())
	if !errors.Is(err, models.ErrInsufficientData) {
		t.Fatalf("Compute() error = %v, want ErrInsufficientData", err)
	}
}

func TestRSIBounds(t *testing.T) {
	tests := []struct {
		name    string
		candles []models.Candle
	}{
		{
			name:    "Steady uptrend",
			candles: trendingCandles(60, 2),
		},
		{
			name:    "Steady downtrend",
			candles: trendingCandles(60, -2),
		},
		{
			name: "Choppy",
			candles: generateTestCandles(60, func(i int) models.Candle {
				base := 100 + float64(i%5)*3
				return models.Candle{Open: base, High: base + 2, Low: base - 2, Close: base, Volume: 500}
			}),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snapshot, err := Compute(tt.candles, DefaultConfig())
			if err != nil {
				t.Fatalf("Compute() error = %v", err)
			}
			if snapshot.RSI < 0 || snapshot.RSI > 100 {
				t.Errorf("RSI = %v, want in [0,100]", snapshot.RSI)
			}
		})
	}
}

func TestRSIAllGains(t *testing.T) {
	// Strictly rising closes mean the loss average is exactly zero
	candles := trendingCandles(60, 5)

	snapshot, err := Compute(candles, DefaultConfig())
	if err != nil {
		t.Fatalf("Compute() error = %v", err)
	}
	if snapshot.RSI != 100.0 {
		t.Errorf("RSI = %v, want 100 when avgLoss is zero", snapshot.RSI)
	}
}

func TestATRProperties(t *testing.T) {
	candles := generateTestCandles(60, func(i int) models.Candle {
		base := 100 + math.Sin(float64(i))*10
		return models.Candle{Open: base, High: base + 3, Low: base - 3, Close: base + 1, Volume: 800}
	})

	snapshot, err := Compute(candles, DefaultConfig())
	if err != nil {
		t.Fatalf("Compute() error = %v", err)
	}
	if snapshot.ATR < 0 {
		t.Errorf("ATR = %v, want >= 0", snapshot.ATR)
	}

	// ATR is invariant to a constant additive shift of all prices
	shifted := make([]models.Candle, len(candles))
	for i, c := range candles {
		shifted[i] = c
		shifted[i].Open += 500
		shifted[i].High += 500
		shifted[i].Low += 500
		shifted[i].Close += 500
	}

	shiftedSnapshot, err := Compute(shifted, DefaultConfig())
	if err != nil {
		t.Fatalf("Compute() error = %v", err)
	}
	if math.Abs(snapshot.ATR-shiftedSnapshot.ATR) > 1e-9 {
		t.Errorf("ATR changed under additive shift: %v vs %v", snapshot.ATR, shiftedSnapshot.ATR)
	}
}

func TestBollingerBandOrdering(t *testing.T) {
	candles := generateTestCandles(60, func(i int) models.Candle {
		base := 100 + float64(i%7)*2
		return models.Candle{Open: base, High: base + 1, Low: base - 1, Close: base, Volume: 500}
	})

	snapshot, err := Compute(candles, DefaultConfig())
	if err != nil {
		t.Fatalf("Compute() error = %v", err)
	}
	if snapshot.BBUpper < snapshot.BBMiddle || snapshot.BBMiddle < snapshot.BBLower {
		t.Errorf("band ordering violated: upper=%v middle=%v lower=%v",
			snapshot.BBUpper, snapshot.BBMiddle, snapshot.BBLower)
	}
}

func TestBollingerFlatSeries(t *testing.T) {
	candles := generateTestCandles(60, func(i int) models.Candle {
		return models.Candle{Open: 100, High: 100, Low: 100, Close: 100, Volume: 500}
	})

	snapshot, err := Compute(candles, DefaultConfig())
	if err != nil {
		t.Fatalf("Compute() error = %v", err)
	}
	if snapshot.BBUpper != 100 || snapshot.BBMiddle != 100 || snapshot.BBLower != 100 {
		t.Errorf("flat series should collapse bands to price, got %v/%v/%v",
			snapshot.BBUpper, snapshot.BBMiddle, snapshot.BBLower)
	}
}

func TestStochasticBounds(t *testing.T) {
	candles := trendingCandles(60, 1.5)

	snapshot, err := Compute(candles, DefaultConfig())
	if err != nil {
		t.Fatalf("Compute() error = %v", err)
	}
	if snapshot.StochK < 0 || snapshot.StochK > 100 {
		t.Errorf("StochK = %v, want in [0,100]", snapshot.StochK)
	}
	if snapshot.StochD < 0 || snapshot.StochD > 100 {
		t.Errorf("StochD = %v, want in [0,100]", snapshot.StochD)
	}
}

func TestComputeDeterministic(t *testing.T) {
	candles := trendingCandles(60, 0.7)

	first, err := Compute(candles, DefaultConfig())
	if err != nil {
		t.Fatalf("Compute() error = %v", err)
	}
	second, err := Compute(candles, DefaultConfig())
	if err != nil {
		t.Fatalf("Compute() error = %v", err)
	}
	if *first != *second {
		t.Errorf("Compute() not deterministic: %+v vs %+v", first, second)
	}
}

func TestMACDSignalLine(t *testing.T) {
	// With a long constant tail the MACD line and its EMA converge to zero
	candles := generateTestCandles(120, func(i int) models.Candle {
		return models.Candle{Open: 100, High: 100, Low: 100, Close: 100, Volume: 500}
	})

	snapshot, err := Compute(candles, DefaultConfig())
	if err != nil {
		t.Fatalf("Compute() error = %v", err)
	}
	if math.Abs(snapshot.MACD) > 1e-9 || math.Abs(snapshot.MACDSignal) > 1e-9 {
		t.Errorf("flat series MACD = %v, signal = %v, want 0", snapshot.MACD, snapshot.MACDSignal)
	}
}
