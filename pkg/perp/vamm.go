package perp

import (
	"math/big"
	"sync"
)

// PriceDecimals is the fixed-point scale used for prices.
const PriceDecimals = 6

// PriceScale is 10^PriceDecimals.
var PriceScale = big.NewInt(1_000_000)

// MaxValue is the sentinel returned by the preview functions when the
// requested amount would exhaust a reserve. Callers treat it as a
// liquidity-exhaustion signal without failing a read-only query.
var MaxValue = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// Direction selects which side of the virtual market a trade takes.
type Direction int

const (
	Buy  Direction = iota // add quote, remove base
	Sell                  // remove quote, add base
)

func (d Direction) String() string {
	if d == Buy {
		return "buy"
	}
	return "sell"
}

// VAMM is a virtual constant-product market. It holds two virtual
// reserves whose product is fixed at construction and converts between
// quote-asset and synthetic-base-asset amounts in both directions.
// It is the sole price source; there is no external oracle.
type VAMM struct {
	baseReserve  *big.Int
	quoteReserve *big.Int
	invariant    *big.Int // baseReserve * quoteReserve at construction, never recomputed

	mu sync.RWMutex
}

// NewVAMM creates a virtual market with the given initial reserves.
// Both reserves must be strictly positive.
func NewVAMM(baseReserve, quoteReserve *big.Int) (*VAMM, error) {
	if baseReserve == nil || quoteReserve == nil ||
		baseReserve.Sign() <= 0 || quoteReserve.Sign() <= 0 {
		return nil, ErrInvalidReserves
	}
	base := new(big.Int).Set(baseReserve)
	quote := new(big.Int).Set(quoteReserve)
	return &VAMM{
		baseReserve:  base,
		quoteReserve: quote,
		invariant:    new(big.Int).Mul(base, quote),
	}, nil
}

// QuoteToBase executes a trade keyed on a quote-asset amount and returns
// the base-asset amount moved. Buy adds quote to the pool (long open,
// short close); Sell removes quote from the pool (short open, long close).
// Reserves are committed atomically with the computed output.
func (v *VAMM) QuoteToBase(dir Direction, quoteAmount *big.Int) (*big.Int, error) {
	if quoteAmount == nil || quoteAmount.Sign() == 0 {
		return nil, ErrZeroAmount
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	newQuote := new(big.Int)
	if dir == Buy {
		newQuote.Add(v.quoteReserve, quoteAmount)
	} else {
		if quoteAmount.Cmp(v.quoteReserve) >= 0 {
			return nil, ErrInsufficientLiquidity
		}
		newQuote.Sub(v.quoteReserve, quoteAmount)
	}

	newBase := new(big.Int).Quo(v.invariant, newQuote)

	baseAmount := new(big.Int)
	if dir == Buy {
		baseAmount.Sub(v.baseReserve, newBase)
	} else {
		baseAmount.Sub(newBase, v.baseReserve)
	}

	v.baseReserve = newBase
	v.quoteReserve = newQuote
	return baseAmount, nil
}

// BaseToQuote executes a trade keyed on a base-asset amount and returns
// the quote-asset amount moved. Used when closing a position: the known
// quantity is the position's base size. Sell returns base to the pool
// (long close); Buy removes base from the pool (short close).
func (v *VAMM) BaseToQuote(dir Direction, baseAmount *big.Int) (*big.Int, error) {
	if baseAmount == nil || baseAmount.Sign() == 0 {
		return nil, ErrZeroAmount
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	newBase := new(big.Int)
	if dir == Sell {
		newBase.Add(v.baseReserve, baseAmount)
	} else {
		if baseAmount.Cmp(v.baseReserve) >= 0 {
			return nil, ErrInsufficientLiquidity
		}
		newBase.Sub(v.baseReserve, baseAmount)
	}

	newQuote := new(big.Int).Quo(v.invariant, newBase)

	quoteAmount := new(big.Int)
	if dir == Sell {
		quoteAmount.Sub(v.quoteReserve, newQuote)
	} else {
		quoteAmount.Sub(newQuote, v.quoteReserve)
	}

	v.baseReserve = newBase
	v.quoteReserve = newQuote
	return quoteAmount, nil
}

// PreviewQuoteToBase computes the output of QuoteToBase without mutating
// reserves. Returns 0 for zero input and MaxValue when a Sell would
// exhaust the quote reserve.
func (v *VAMM) PreviewQuoteToBase(dir Direction, quoteAmount *big.Int) *big.Int {
	if quoteAmount == nil || quoteAmount.Sign() == 0 {
		return big.NewInt(0)
	}

	v.mu.RLock()
	defer v.mu.RUnlock()

	newQuote := new(big.Int)
	if dir == Buy {
		newQuote.Add(v.quoteReserve, quoteAmount)
	} else {
		if quoteAmount.Cmp(v.quoteReserve) >= 0 {
			return new(big.Int).Set(MaxValue)
		}
		newQuote.Sub(v.quoteReserve, quoteAmount)
	}

	newBase := new(big.Int).Quo(v.invariant, newQuote)
	if dir == Buy {
		return new(big.Int).Sub(v.baseReserve, newBase)
	}
	return new(big.Int).Sub(newBase, v.baseReserve)
}

// PreviewBaseToQuote computes the output of BaseToQuote without mutating
// reserves. Returns 0 for zero input and MaxValue when a Buy would
// exhaust the base reserve.
func (v *VAMM) PreviewBaseToQuote(dir Direction, baseAmount *big.Int) *big.Int {
	if baseAmount == nil || baseAmount.Sign() == 0 {
		return big.NewInt(0)
	}

	v.mu.RLock()
	defer v.mu.RUnlock()

	newBase := new(big.Int)
	if dir == Sell {
		newBase.Add(v.baseReserve, baseAmount)
	} else {
		if baseAmount.Cmp(v.baseReserve) >= 0 {
			return new(big.Int).Set(MaxValue)
		}
		newBase.Sub(v.baseReserve, baseAmount)
	}

	newQuote := new(big.Int).Quo(v.invariant, newBase)
	if dir == Sell {
		return new(big.Int).Sub(v.quoteReserve, newQuote)
	}
	return new(big.Int).Sub(newQuote, v.quoteReserve)
}

// SpotPrice returns quoteReserve * PriceScale / baseReserve. Read-only.
func (v *VAMM) SpotPrice() *big.Int {
	v.mu.RLock()
	defer v.mu.RUnlock()

	price := new(big.Int).Mul(v.quoteReserve, PriceScale)
	return price.Quo(price, v.baseReserve)
}

// Reserves returns copies of the current base and quote reserves.
func (v *VAMM) Reserves() (base, quote *big.Int) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return new(big.Int).Set(v.baseReserve), new(big.Int).Set(v.quoteReserve)
}

// Invariant returns a copy of the fixed invariant product.
func (v *VAMM) Invariant() *big.Int {
	return new(big.Int).Set(v.invariant)
}

// reserveState captures reserves for rollback by the risk engine. The
// trade and any post-trade check form one atomic unit from the caller's
// perspective; on failure the engine restores the captured state.
type reserveState struct {
	base  *big.Int
	quote *big.Int
}

func (v *VAMM) snapshot() reserveState {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return reserveState{
		base:  new(big.Int).Set(v.baseReserve),
		quote: new(big.Int).Set(v.quoteReserve),
	}
}

func (v *VAMM) restore(s reserveState) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.baseReserve = new(big.Int).Set(s.base)
	v.quoteReserve = new(big.Int).Set(s.quote)
}

// restoreState reloads persisted reserves and the original invariant.
// Used only when rebuilding a market from the snapshot store.
func (v *VAMM) restoreState(base, quote, invariant *big.Int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.baseReserve = new(big.Int).Set(base)
	v.quoteReserve = new(big.Int).Set(quote)
	v.invariant = new(big.Int).Set(invariant)
}
