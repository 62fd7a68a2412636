package indicator

import (
	"math"

	"github.com/Alias1177/Trader/models"
)

// Config holds the indicator periods used for one computation
type Config struct {
	RSIPeriod        int
	ATRPeriod        int
	MACDFastPeriod   int
	MACDSlowPeriod   int
	MACDSignalPeriod int
	BBPeriod         int
	BBStdDev         float64
	MAPeriod         int
	EMAPeriod        int
	StochKPeriod     int
	StochDPeriod     int
}

// DefaultConfig returns the standard indicator periods
func DefaultConfig() Config {
	return Config{
		RSIPeriod:        14,
		ATRPeriod:        14,
		MACDFastPeriod:   12,
		MACDSlowPeriod:   26,
		MACDSignalPeriod: 9,
		BBPeriod:         20,
		BBStdDev:         2.0,
		MAPeriod:         20,
		EMAPeriod:        12,
		StochKPeriod:     14,
		StochDPeriod:     3,
	}
}

// MinCandles returns the shortest candle window that allows every configured
// indicator to be computed.
func (c Config) MinCandles() int {
	min := c.RSIPeriod + 1
	if n := c.ATRPeriod + 1; n > min {
		min = n
	}
	if n := c.MACDSlowPeriod + c.MACDSignalPeriod; n > min {
		min = n
	}
	if n := c.BBPeriod; n > min {
		min = n
	}
	if n := c.MAPeriod; n > min {
		min = n
	}
	if n := c.StochKPeriod + c.StochDPeriod - 1; n > min {
		min = n
	}
	return min
}

// Compute calculates all technical indicators over an ordered candle series.
// It is a pure function of its inputs: same candles and config always produce
// the same snapshot.
func Compute(candles []models.Candle, cfg Config) (*models.IndicatorSnapshot, error) {
	if len(candles) < cfg.MinCandles() {
		return nil, models.ErrInsufficientData
	}

	closes := make([]float64, len(candles))
	volumes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
		volumes[i] = c.Volume
	}

	macd, macdSignal, macdHist := calculateMACD(closes, cfg.MACDFastPeriod, cfg.MACDSlowPeriod, cfg.MACDSignalPeriod)
	bbUpper, bbMiddle, bbLower := calculateBollingerBands(closes, cfg.BBPeriod, cfg.BBStdDev)
	stochK, stochD := calculateStochastic(candles, cfg.StochKPeriod, cfg.StochDPeriod)

	return &models.IndicatorSnapshot{
		RSI:        calculateRSI(candles, cfg.RSIPeriod),
		ATR:        calculateATR(candles, cfg.ATRPeriod),
		MACD:       macd,
		MACDSignal: macdSignal,
		MACDHist:   macdHist,
		BBUpper:    bbUpper,
		BBMiddle:   bbMiddle,
		BBLower:    bbLower,
		StochK:     stochK,
		StochD:     stochD,
		MA20:       sma(closes, cfg.MAPeriod),
		EMA12:      ema(closes, cfg.EMAPeriod),
		VolumeSMA:  sma(volumes, cfg.MAPeriod),
	}, nil
}

// calculateRSI uses Wilder's smoothing: the first averages are simple means
// over the period, subsequent values are smoothed with weight 1/period.
func calculateRSI(candles []models.Candle, period int) float64 {
	var gains, losses float64
	for i := 1; i <= period; i++ {
		change := candles[i].Close - candles[i-1].Close
		if change > 0 {
			gains += change
		} else {
			losses -= change
		}
	}

	avgGain := gains / float64(period)
	avgLoss := losses / float64(period)

	for i := period + 1; i < len(candles); i++ {
		change := candles[i].Close - candles[i-1].Close
		if change > 0 {
			avgGain = (avgGain*float64(period-1) + change) / float64(period)
			avgLoss = (avgLoss * float64(period-1)) / float64(period)
		} else {
			avgGain = (avgGain * float64(period-1)) / float64(period)
			avgLoss = (avgLoss*float64(period-1) - change) / float64(period)
		}
	}

	if avgLoss == 0 {
		return 100.0
	}

	rs := avgGain / avgLoss
	return 100.0 - (100.0 / (1.0 + rs))
}

// calculateATR computes the Wilder-smoothed average true range.
func calculateATR(candles []models.Candle, period int) float64 {
	trueRanges := make([]float64, 0, len(candles)-1)
	for i := 1; i < len(candles); i++ {
		highLow := candles[i].High - candles[i].Low
		highPrevClose := math.Abs(candles[i].High - candles[i-1].Close)
		lowPrevClose := math.Abs(candles[i].Low - candles[i-1].Close)
		trueRanges = append(trueRanges, math.Max(highLow, math.Max(highPrevClose, lowPrevClose)))
	}

	var sum float64
	for i := 0; i < period; i++ {
		sum += trueRanges[i]
	}
	atr := sum / float64(period)

	for i := period; i < len(trueRanges); i++ {
		atr = (atr*float64(period-1) + trueRanges[i]) / float64(period)
	}

	return atr
}

// emaSeries returns the EMA values from index period-1 onward, seeded with
// the SMA of the first window.
func emaSeries(prices []float64, period int) []float64 {
	var sum float64
	for i := 0; i < period; i++ {
		sum += prices[i]
	}

	series := make([]float64, 0, len(prices)-period+1)
	value := sum / float64(period)
	series = append(series, value)

	multiplier := 2.0 / float64(period+1)
	for i := period; i < len(prices); i++ {
		value = (prices[i]-value)*multiplier + value
		series = append(series, value)
	}

	return series
}

func ema(prices []float64, period int) float64 {
	series := emaSeries(prices, period)
	return series[len(series)-1]
}

func sma(prices []float64, period int) float64 {
	var sum float64
	for i := len(prices) - period; i < len(prices); i++ {
		sum += prices[i]
	}
	return sum / float64(period)
}

// calculateMACD computes the MACD line as EMA(fast)-EMA(slow), the signal
// line as the EMA of the MACD history, and the histogram as their difference.
func calculateMACD(closes []float64, fastPeriod, slowPeriod, signalPeriod int) (float64, float64, float64) {
	fastSeries := emaSeries(closes, fastPeriod)
	slowSeries := emaSeries(closes, slowPeriod)

	// Align both series on the slow period start
	offset := slowPeriod - fastPeriod
	macdHistory := make([]float64, len(slowSeries))
	for i := range slowSeries {
		macdHistory[i] = fastSeries[i+offset] - slowSeries[i]
	}

	macdLine := macdHistory[len(macdHistory)-1]

	signalLine := 0.0
	if len(macdHistory) >= signalPeriod {
		signalLine = ema(macdHistory, signalPeriod)
	}

	return macdLine, signalLine, macdLine - signalLine
}

// calculateBollingerBands returns upper, middle, lower bands using the
// population standard deviation over the window.
func calculateBollingerBands(closes []float64, period int, stdDev float64) (float64, float64, float64) {
	middle := sma(closes, period)

	var variance float64
	for i := len(closes) - period; i < len(closes); i++ {
		diff := closes[i] - middle
		variance += diff * diff
	}
	sd := math.Sqrt(variance / float64(period))

	return middle + (sd * stdDev), middle, middle - (sd * stdDev)
}

// calculateStochastic returns %K for the latest candle and %D as the SMA of
// the last dPeriod %K values.
func calculateStochastic(candles []models.Candle, kPeriod, dPeriod int) (float64, float64) {
	k := stochasticK(candles, len(candles)-1, kPeriod)

	var kSum float64
	for i := 0; i < dPeriod; i++ {
		kSum += stochasticK(candles, len(candles)-1-i, kPeriod)
	}

	return k, kSum / float64(dPeriod)
}

// stochasticK computes %K for the candle at index end over the preceding
// kPeriod candles.
func stochasticK(candles []models.Candle, end, kPeriod int) float64 {
	highest := candles[end].High
	lowest := candles[end].Low
	for i := end - kPeriod + 1; i <= end; i++ {
		if candles[i].High > highest {
			highest = candles[i].High
		}
		if candles[i].Low < lowest {
			lowest = candles[i].Low
		}
	}

	if highest-lowest == 0 {
		return 50.0
	}
	return ((candles[end].Close - lowest) / (highest - lowest)) * 100
}
