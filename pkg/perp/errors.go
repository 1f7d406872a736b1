package perp

import "fmt"

// Errors returned by the pricing engine, the risk engine and the vault.
// Every failure aborts the enclosing operation with no partial effect.
var (
	// Validation errors, checked before any mutation
	ErrZeroAmount      = fmt.Errorf("zero amount")
	ErrZeroAddress     = fmt.Errorf("zero address")
	ErrInvalidMargin   = fmt.Errorf("margin below minimum")
	ErrInvalidLeverage = fmt.Errorf("invalid leverage")
	ErrInvalidParam    = fmt.Errorf("invalid parameter")
	ErrInvalidReserves = fmt.Errorf("reserves must be positive")

	// State conflicts
	ErrPositionExists  = fmt.Errorf("position already exists")
	ErrNoPosition      = fmt.Errorf("no position exists")
	ErrNotLiquidatable = fmt.Errorf("position not liquidatable")
	ErrSelfLiquidation = fmt.Errorf("cannot liquidate own position")

	// Resource errors
	ErrInsufficientLiquidity = fmt.Errorf("insufficient liquidity")
	ErrInsufficientBalance   = fmt.Errorf("insufficient balance")
	ErrInsufficientFees      = fmt.Errorf("insufficient accrued fees")

	// Protection guards
	ErrSlippageExceeded = fmt.Errorf("slippage exceeded")
	ErrPositionTooSmall = fmt.Errorf("position size too small")
	ErrPaused           = fmt.Errorf("trading paused")
	ErrUnauthorized     = fmt.Errorf("unauthorized")
	ErrReentrantCall    = fmt.Errorf("reentrant call rejected")
)
