package signal

import (
	"fmt"
	"math"
	"time"

	"github.com/Alias1177/Trader/models"
)

// Config holds the thresholds for signal generation
type Config struct {
	RSIOversold      float64
	RSIOverbought    float64
	VolumeSpikeRatio float64
	TieMargin        float64
	MinConfidence    float64
	LowRiskATRRatio  float64
	HighRiskATRRatio float64
}

// DefaultConfig returns the standard signal thresholds
func DefaultConfig() Config {
	return Config{
		RSIOversold:      30.0,
		RSIOverbought:    70.0,
		VolumeSpikeRatio: 1.5,
		TieMargin:        0.15,
		MinConfidence:    0.6,
		LowRiskATRRatio:  0.02,
		HighRiskATRRatio: 0.05,
	}
}

// Generate combines indicator outputs into a directional signal. It is a
// pure function of its inputs except for the timestamp: the same candle,
// snapshot and stats always yield the same direction, confidence and
// reason ordering.
func Generate(symbol string, candle models.Candle, snapshot *models.IndicatorSnapshot,
	stats models.MarketStats, cfg Config) *models.Signal {

	price := candle.Close
	var buyWeight, sellWeight float64
	reasons := make([]string, 0, len(conditionOrder))

	vote := func(cond string, dir models.Direction, reason string) {
		w := weightOf(cond)
		if dir == models.DirectionBuy {
			buyWeight += w
		} else {
			sellWeight += w
		}
		reasons = append(reasons, reason)
	}

	// Conditions are evaluated in the fixed order defined by conditionOrder

	if snapshot.RSI < cfg.RSIOversold {
		vote(condRSI, models.DirectionBuy,
			fmt.Sprintf("RSI oversold (%.1f < %.1f)", snapshot.RSI, cfg.RSIOversold))
	} else if snapshot.RSI > cfg.RSIOverbought {
		vote(condRSI, models.DirectionSell,
			fmt.Sprintf("RSI overbought (%.1f > %.1f)", snapshot.RSI, cfg.RSIOverbought))
	}

	if price > snapshot.MA20 {
		vote(condMA, models.DirectionBuy, "Price above MA20")
	} else if price < snapshot.MA20 {
		vote(condMA, models.DirectionSell, "Price below MA20")
	}

	if snapshot.EMA12 > snapshot.MA20 {
		vote(condEMA, models.DirectionBuy, "EMA12 above MA20")
	} else if snapshot.EMA12 < snapshot.MA20 {
		vote(condEMA, models.DirectionSell, "EMA12 below MA20")
	}

	if snapshot.MACD > snapshot.MACDSignal {
		vote(condMACD, models.DirectionBuy,
			fmt.Sprintf("MACD bullish crossover (%.4f > %.4f)", snapshot.MACD, snapshot.MACDSignal))
	} else if snapshot.MACD < snapshot.MACDSignal {
		vote(condMACD, models.DirectionSell,
			fmt.Sprintf("MACD bearish crossover (%.4f < %.4f)", snapshot.MACD, snapshot.MACDSignal))
	}

	if snapshot.VolumeSMA > 0 && candle.Volume > snapshot.VolumeSMA*cfg.VolumeSpikeRatio {
		ratio := candle.Volume / snapshot.VolumeSMA
		if candle.Close >= candle.Open {
			vote(condVolume, models.DirectionBuy,
				fmt.Sprintf("Volume confirmation (%.2fx average, bullish candle)", ratio))
		} else {
			vote(condVolume, models.DirectionSell,
				fmt.Sprintf("Volume confirmation (%.2fx average, bearish candle)", ratio))
		}
	}

	if price < snapshot.BBLower {
		vote(condBollinger, models.DirectionBuy, "Price below lower Bollinger band")
	} else if price > snapshot.BBUpper {
		vote(condBollinger, models.DirectionSell, "Price above upper Bollinger band")
	}

	if stats.ChangePct > 0 {
		vote(condMomentum, models.DirectionBuy,
			fmt.Sprintf("24h momentum positive (%+.2f%%)", stats.ChangePct))
	} else if stats.ChangePct < 0 {
		vote(condMomentum, models.DirectionSell,
			fmt.Sprintf("24h momentum negative (%+.2f%%)", stats.ChangePct))
	}

	direction := models.DirectionWait
	winning := math.Max(buyWeight, sellWeight)
	confidence := clamp(winning/totalWeight(), 0, 1)

	switch {
	case buyWeight > sellWeight:
		direction = models.DirectionBuy
	case sellWeight > buyWeight:
		direction = models.DirectionSell
	}

	// Conflicting votes inside the tie margin are not actionable
	if direction != models.DirectionWait && buyWeight > 0 && sellWeight > 0 &&
		math.Abs(buyWeight-sellWeight) <= cfg.TieMargin*totalWeight() {
		direction = models.DirectionWait
		reasons = append(reasons, fmt.Sprintf(
			"Conflicting votes within tie margin (BUY %.1f vs SELL %.1f)", buyWeight, sellWeight))
	}

	if direction != models.DirectionWait && confidence < cfg.MinConfidence {
		direction = models.DirectionWait
		reasons = append(reasons, fmt.Sprintf(
			"Confidence %.2f below minimum %.2f", confidence, cfg.MinConfidence))
	}

	if len(reasons) == 0 {
		reasons = append(reasons, "No signal conditions met")
	}

	return &models.Signal{
		Symbol:     symbol,
		Direction:  direction,
		Confidence: confidence,
		Risk:       riskTier(confidence, snapshot.ATR, price, cfg),
		Reasons:    reasons,
		Price:      price,
		Timestamp:  time.Now().UTC(),
		Snapshot:   snapshot,
	}
}

// riskTier classifies the signal by confidence and relative volatility
func riskTier(confidence, atr, price float64, cfg Config) models.RiskTier {
	atrRatio := 0.0
	if price > 0 {
		atrRatio = atr / price
	}

	switch {
	case confidence < cfg.MinConfidence || atrRatio > cfg.HighRiskATRRatio:
		return models.RiskHigh
	case confidence >= 0.8 && atrRatio < cfg.LowRiskATRRatio:
		return models.RiskLow
	default:
		return models.RiskMedium
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
