package models

import "errors"

// Error taxonomy for trading decisions. Sizing and formatting failures abort
// a single entry attempt; ErrProtectionFailed is critical and must be
// escalated, never swallowed.
var (
	ErrInsufficientData    = errors.New("insufficient candle data")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrMaxPositionsReached = errors.New("max positions reached")
	ErrDegenerateStop      = errors.New("degenerate stop distance")
	ErrZeroQuantity        = errors.New("quantity rounds to zero")
	ErrOrderRejected       = errors.New("order rejected by exchange")
	ErrProtectionFailed    = errors.New("protective order placement failed")
	ErrPositionExists      = errors.New("position already open for symbol")
)
