package models

import (
	"time"
)

// Candle represents a single price candle
type Candle struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume,omitempty"`
}

// MarketStats holds rolling 24h statistics for a symbol
type MarketStats struct {
	Symbol    string  `json:"symbol"`
	High24h   float64 `json:"high_24h"`
	Low24h    float64 `json:"low_24h"`
	Volume24h float64 `json:"volume_24h"`
	ChangePct float64 `json:"change_pct_24h"`
	LastPrice float64 `json:"last_price"`
}

// IndicatorSnapshot holds all calculated technical indicators for the
// latest candle window
type IndicatorSnapshot struct {
	RSI        float64 `json:"rsi"`
	ATR        float64 `json:"atr"`
	MACD       float64 `json:"macd"`
	MACDSignal float64 `json:"macd_signal"`
	MACDHist   float64 `json:"macd_hist"`
	BBUpper    float64 `json:"bb_upper"`
	BBMiddle   float64 `json:"bb_middle"`
	BBLower    float64 `json:"bb_lower"`
	StochK     float64 `json:"stoch_k"`
	StochD     float64 `json:"stoch_d"`
	MA20       float64 `json:"ma_20"`
	EMA12      float64 `json:"ema_12"`
	VolumeSMA  float64 `json:"volume_sma"`
}

// Direction of a trading signal
type Direction string

const (
	DirectionBuy  Direction = "BUY"
	DirectionSell Direction = "SELL"
	DirectionWait Direction = "WAIT"
)

// RiskTier classifies how risky acting on a signal is
type RiskTier string

const (
	RiskLow    RiskTier = "LOW"
	RiskMedium RiskTier = "MEDIUM"
	RiskHigh   RiskTier = "HIGH"
)

// Signal is the output of the signal generator. Immutable once created.
type Signal struct {
	Symbol     string             `json:"symbol"`
	Direction  Direction          `json:"direction"`
	Confidence float64            `json:"confidence"`
	Risk       RiskTier           `json:"risk"`
	Reasons    []string           `json:"reasons"`
	Price      float64            `json:"price"`
	Timestamp  time.Time          `json:"timestamp"`
	Snapshot   *IndicatorSnapshot `json:"snapshot,omitempty"`
}

// Actionable reports whether downstream components may trade on the signal.
func (s *Signal) Actionable() bool {
	return s.Direction == DirectionBuy || s.Direction == DirectionSell
}

// RiskParameters holds the risk configuration in effect for one evaluation
// cycle. A given order always uses the parameters captured at submission time.
type RiskParameters struct {
	TradeAmount     float64 `json:"trade_amount"`
	RiskPerTradePct float64 `json:"risk_per_trade_pct"`
	MaxPositions    int     `json:"max_positions"`
	ATRMultiplier   float64 `json:"atr_multiplier"`
	StopLossPct     float64 `json:"stop_loss_pct"`
	TakeProfitPct   float64 `json:"take_profit_pct"`
	TrailingEnabled bool    `json:"trailing_enabled"`
	TrailingPct     float64 `json:"trailing_pct"`
	MinFillRatio    float64 `json:"min_fill_ratio"`
}

// OrderSide is the direction of an order
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// Opposite returns the closing side for a position opened on s.
func (s OrderSide) Opposite() OrderSide {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Sign returns +1 for BUY and -1 for SELL, used in P&L math.
func (s OrderSide) Sign() float64 {
	if s == SideBuy {
		return 1
	}
	return -1
}

// OrderType distinguishes entry and protective orders
type OrderType string

const (
	OrderTypeMarket     OrderType = "MARKET"
	OrderTypeLimit      OrderType = "LIMIT"
	OrderTypeStopLoss   OrderType = "STOP_LOSS"
	OrderTypeTakeProfit OrderType = "TAKE_PROFIT"
)

// OrderState is the lifecycle state of an order
type OrderState string

const (
	OrderNew             OrderState = "NEW"
	OrderSubmitted       OrderState = "SUBMITTED"
	OrderPartiallyFilled OrderState = "PARTIALLY_FILLED"
	OrderFilled          OrderState = "FILLED"
	OrderRejected        OrderState = "REJECTED"
	OrderCancelled       OrderState = "CANCELLED"
)

// Terminal reports whether no further transitions are possible from s.
func (s OrderState) Terminal() bool {
	switch s {
	case OrderFilled, OrderRejected, OrderCancelled:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next is a legal transition
// of the order state machine.
func (s OrderState) CanTransition(next OrderState) bool {
	switch s {
	case OrderNew:
		return next == OrderSubmitted || next == OrderRejected
	case OrderSubmitted:
		return next == OrderPartiallyFilled || next == OrderFilled ||
			next == OrderRejected || next == OrderCancelled
	case OrderPartiallyFilled:
		return next == OrderPartiallyFilled || next == OrderFilled || next == OrderCancelled
	}
	return false
}

// Order tracks a single exchange order
type Order struct {
	ClientOrderID   string     `json:"client_order_id"`
	ExchangeOrderID string     `json:"exchange_order_id,omitempty"`
	Symbol          string     `json:"symbol"`
	Side            OrderSide  `json:"side"`
	Type            OrderType  `json:"type"`
	RequestedQty    float64    `json:"requested_qty"`
	FilledQty       float64    `json:"filled_qty"`
	Price           float64    `json:"price,omitempty"`
	AvgFillPrice    float64    `json:"avg_fill_price,omitempty"`
	State           OrderState `json:"state"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// PositionState is the lifecycle state of a position
type PositionState string

const (
	PositionPendingEntry PositionState = "PENDING_ENTRY"
	PositionActive       PositionState = "ACTIVE"
	PositionClosed       PositionState = "CLOSED"
)

// CloseReason records why a position was closed
type CloseReason string

const (
	CloseTakeProfit CloseReason = "TP_HIT"
	CloseStopLoss   CloseReason = "SL_HIT"
	CloseManual     CloseReason = "MANUAL"
	CloseReconciled CloseReason = "RECONCILED_EXTERNAL"
)

// Position is an open or pending trade owned by the lifecycle manager
type Position struct {
	Symbol                string         `json:"symbol"`
	Side                  OrderSide      `json:"side"`
	EntryPrice            float64        `json:"entry_price"`
	Quantity              float64        `json:"quantity"`
	StopLoss              float64        `json:"stop_loss"`
	TakeProfit            float64        `json:"take_profit"`
	HighestFavorablePrice float64        `json:"highest_favorable_price"`
	EntryOrderID          string         `json:"entry_order_id"`
	SLOrderID             string         `json:"sl_order_id,omitempty"`
	TPOrderID             string         `json:"tp_order_id,omitempty"`
	SLExchangeID          string         `json:"sl_exchange_id,omitempty"`
	TPExchangeID          string         `json:"tp_exchange_id,omitempty"`
	State                 PositionState  `json:"state"`
	CloseReason           CloseReason    `json:"close_reason,omitempty"`
	Params                RiskParameters `json:"params"`
	OpenedAt              time.Time      `json:"opened_at"`
	ClosedAt              time.Time      `json:"closed_at,omitempty"`
	ExitPrice             float64        `json:"exit_price,omitempty"`
	RealizedPnL           float64        `json:"realized_pnl,omitempty"`
}

// TradeRecord is a closed trade as persisted for the history summary
type TradeRecord struct {
	Symbol      string      `json:"symbol"`
	Side        OrderSide   `json:"side"`
	EntryPrice  float64     `json:"entry_price"`
	ExitPrice   float64     `json:"exit_price"`
	Quantity    float64     `json:"quantity"`
	RealizedPnL float64     `json:"realized_pnl"`
	Reason      CloseReason `json:"reason"`
	ClosedAt    time.Time   `json:"closed_at"`
}
