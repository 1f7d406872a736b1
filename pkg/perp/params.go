package perp

import "math/big"

// Basis-point denominator for ratios.
var bpsDenom = big.NewInt(10_000)

const (
	maxMaintenanceMarginBps = 10_000 // exclusive upper bound
	maxLiquidationRewardBps = 5_000
)

// Params is the owner-settable risk configuration. Every risk computation
// reads the engine's current record at call time; changing parameters never
// retroactively affects an existing position's entry price or notional.
type Params struct {
	MaxLeverage            int64
	MinMargin              *big.Int // quote units
	MinPositionSize        *big.Int // base units, zero disables the check
	MaintenanceMarginRatio int64    // basis points
	LiquidationRewardRatio int64    // basis points
}

// DefaultParams returns the launch configuration: 10x max leverage,
// 10 quote units minimum margin at 6-decimal scale, 6.25% maintenance
// margin, 5% liquidation reward.
func DefaultParams() Params {
	return Params{
		MaxLeverage:            10,
		MinMargin:              new(big.Int).Mul(big.NewInt(10), PriceScale),
		MinPositionSize:        big.NewInt(0),
		MaintenanceMarginRatio: 625,
		LiquidationRewardRatio: 500,
	}
}

// Validate rejects parameter records that would make the engine unsound.
func (p Params) Validate() error {
	if p.MaxLeverage < 1 {
		return ErrInvalidParam
	}
	if p.MinMargin == nil || p.MinMargin.Sign() <= 0 {
		return ErrInvalidParam
	}
	if p.MinPositionSize == nil || p.MinPositionSize.Sign() < 0 {
		return ErrInvalidParam
	}
	if p.MaintenanceMarginRatio < 0 || p.MaintenanceMarginRatio >= maxMaintenanceMarginBps {
		return ErrInvalidParam
	}
	if p.LiquidationRewardRatio < 0 || p.LiquidationRewardRatio > maxLiquidationRewardBps {
		return ErrInvalidParam
	}
	return nil
}

func (p Params) clone() Params {
	out := p
	out.MinMargin = new(big.Int).Set(p.MinMargin)
	out.MinPositionSize = new(big.Int).Set(p.MinPositionSize)
	return out
}
