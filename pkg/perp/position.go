package perp

import (
	"math/big"
	"time"
)

// Position is one account's leveraged exposure. A position exists iff the
// engine's table holds an entry for the account; records are created by
// open, replaced wholesale, and deleted on close or liquidation. There is
// no partial close or margin top-up.
type Position struct {
	Account      string    `json:"account"`
	Margin       *big.Int  `json:"margin"`        // collateral committed, quote units
	Size         *big.Int  `json:"size"`          // signed base units, positive = long
	OpenNotional *big.Int  `json:"open_notional"` // quote value committed at open
	Leverage     int64     `json:"leverage"`
	EntryPrice   *big.Int  `json:"entry_price"` // OpenNotional * PriceScale / |Size|
	OpenedAt     time.Time `json:"opened_at"`   // record keeping only, never gates risk logic
}

// IsLong reports the position direction.
func (p *Position) IsLong() bool {
	return p.Size.Sign() > 0
}

// AbsSize returns |Size| as a fresh value.
func (p *Position) AbsSize() *big.Int {
	return new(big.Int).Abs(p.Size)
}

// closeDirection is the trade direction that unwinds the position:
// longs sell base back to the pool, shorts buy it back.
func (p *Position) closeDirection() Direction {
	if p.IsLong() {
		return Sell
	}
	return Buy
}

func (p *Position) clone() *Position {
	return &Position{
		Account:      p.Account,
		Margin:       new(big.Int).Set(p.Margin),
		Size:         new(big.Int).Set(p.Size),
		OpenNotional: new(big.Int).Set(p.OpenNotional),
		Leverage:     p.Leverage,
		EntryPrice:   new(big.Int).Set(p.EntryPrice),
		OpenedAt:     p.OpenedAt,
	}
}
