package risk

import (
	"github.com/Alias1177/Trader/models"
)

// CalculatePositionSize determines the order quantity from account balance,
// risk tolerance and volatility. The risk amount is a percentage of the
// balance capped at the configured trade amount; quantity is the risk amount
// divided by the ATR-derived stop distance.
func CalculatePositionSize(balance float64, params models.RiskParameters, atr, entryPrice float64, activePositions int) (float64, error) {
	// Checked before sizing to avoid wasted computation
	if activePositions >= params.MaxPositions {
		return 0, models.ErrMaxPositionsReached
	}

	riskAmount := balance * params.RiskPerTradePct / 100
	if riskAmount > params.TradeAmount {
		riskAmount = params.TradeAmount
	}
	if riskAmount > balance || balance <= 0 {
		return 0, models.ErrInsufficientBalance
	}

	stopDistance := atr * params.ATRMultiplier
	if stopDistance <= 0 {
		return 0, models.ErrDegenerateStop
	}

	return riskAmount / stopDistance, nil
}

// BracketPrices derives the protective stop-loss and take-profit levels
// around an entry price. For a long entry the stop sits below and the target
// above; a short entry mirrors both.
func BracketPrices(entryPrice float64, side models.OrderSide, params models.RiskParameters) (stopLoss, takeProfit float64) {
	if side == models.SideBuy {
		stopLoss = entryPrice * (1 - params.StopLossPct/100)
		takeProfit = entryPrice * (1 + params.TakeProfitPct/100)
		return stopLoss, takeProfit
	}
	stopLoss = entryPrice * (1 + params.StopLossPct/100)
	takeProfit = entryPrice * (1 - params.TakeProfitPct/100)
	return stopLoss, takeProfit
}

// TrailingStop computes a tightened stop level from the best price seen so
// far. The caller is responsible for keeping the stop monotonic.
func TrailingStop(highestFavorable float64, side models.OrderSide, trailingPct float64) float64 {
	if side == models.SideBuy {
		return highestFavorable * (1 - trailingPct/100)
	}
	return highestFavorable * (1 + trailingPct/100)
}
