package signal

// Condition names, in fixed evaluation order. The order is part of the
// contract: reason strings must be reproducible across runs.
const (
	condRSI       = "RSI"
	condMA        = "MA"
	condEMA       = "EMA"
	condMACD      = "MACD"
	condVolume    = "VOLUME"
	condBollinger = "BB"
	condMomentum  = "MOMENTUM"
)

var conditionWeights = map[string]float64{
	condRSI:       2.0,
	condMA:        1.0,
	condEMA:       1.0,
	condMACD:      1.5,
	condVolume:    1.0,
	condBollinger: 1.0,
	condMomentum:  0.5,
}

// conditionOrder fixes the evaluation sequence
var conditionOrder = []string{
	condRSI, condMA, condEMA, condMACD, condVolume, condBollinger, condMomentum,
}

// weightOf returns the vote weight for a condition
func weightOf(name string) float64 {
	if w, ok := conditionWeights[name]; ok {
		return w
	}
	return 1.0
}

// totalWeight is the sum of all condition weights, the confidence denominator
func totalWeight() float64 {
	var sum float64
	for _, name := range conditionOrder {
		sum += weightOf(name)
	}
	return sum
}
