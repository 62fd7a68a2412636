package risk

import (
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/Alias1177/Trader/models"
)

// PrecisionTable maps a base asset to the number of decimal places the
// exchange accepts for order quantities.
type PrecisionTable map[string]int32

// DefaultPrecisionTable covers the common asset classes: high-unit-value
// assets trade in fine fractions, mid-caps in hundredths, low-unit-value
// assets in whole units.
func DefaultPrecisionTable() PrecisionTable {
	return PrecisionTable{
		"BTC":  6,
		"ETH":  6,
		"SOL":  2,
		"SUI":  2,
		"ADA":  2,
		"DOT":  2,
		"DOGE": 0,
		"BONK": 0,
		"SHIB": 0,
		"PEPE": 0,
	}
}

// FormatQuantity rounds a raw quantity to the asset's tradable precision.
// Rounding is always truncation toward zero so the formatted quantity can
// never exceed what the balance affords. Assets missing from the table fall
// back to whole units, the conservative default for coarse lot sizes.
func FormatQuantity(symbol string, quantity float64, table PrecisionTable) (string, error) {
	places, ok := table[BaseAsset(symbol)]
	if !ok {
		// Whole units can badly undersize high-unit-value assets; the
		// precision table should list every traded asset explicitly.
		log.Warn().Str("symbol", symbol).Msg("no precision rule configured, truncating to whole units")
		places = 0
	}

	truncated := decimal.NewFromFloat(quantity).Truncate(places)
	if truncated.IsZero() {
		return "", models.ErrZeroQuantity
	}

	return truncated.String(), nil
}

// BaseAsset extracts the base currency from an instrument name such as
// BTC_USDT or BTC/USDT.
func BaseAsset(symbol string) string {
	if i := strings.IndexAny(symbol, "_/"); i > 0 {
		return symbol[:i]
	}
	return symbol
}
