package perp

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestVAMM(t *testing.T) *VAMM {
	t.Helper()
	// 100 base units against 10000 quote units at 6-decimal scale
	v, err := NewVAMM(big.NewInt(100_000_000), big.NewInt(10_000_000_000))
	require.NoError(t, err)
	return v
}

func TestNewVAMM(t *testing.T) {
	t.Run("Valid", func(t *testing.T) {
		v, err := NewVAMM(big.NewInt(100), big.NewInt(10000))
		require.NoError(t, err)
		base, quote := v.Reserves()
		assert.Equal(t, int64(100), base.Int64())
		assert.Equal(t, int64(10000), quote.Int64())
		assert.Equal(t, int64(1_000_000), v.Invariant().Int64())
	})

	t.Run("RejectsNonPositive", func(t *testing.T) {
		_, err := NewVAMM(big.NewInt(0), big.NewInt(10000))
		assert.ErrorIs(t, err, ErrInvalidReserves)
		_, err = NewVAMM(big.NewInt(100), big.NewInt(-1))
		assert.ErrorIs(t, err, ErrInvalidReserves)
		_, err = NewVAMM(nil, big.NewInt(10000))
		assert.ErrorIs(t, err, ErrInvalidReserves)
	})

	t.Run("CopiesInputs", func(t *testing.T) {
		base := big.NewInt(100)
		v, err := NewVAMM(base, big.NewInt(10000))
		require.NoError(t, err)
		base.SetInt64(1)
		got, _ := v.Reserves()
		assert.Equal(t, int64(100), got.Int64())
	})
}

func TestSpotPrice(t *testing.T) {
	v := newTestVAMM(t)
	// 10000 / 100 = 100, scaled by 1e6
	assert.Equal(t, int64(100_000_000), v.SpotPrice().Int64())
}

func TestQuoteToBase(t *testing.T) {
	t.Run("Buy", func(t *testing.T) {
		v := newTestVAMM(t)
		out, err := v.QuoteToBase(Buy, big.NewInt(500_000_000))
		require.NoError(t, err)
		assert.Equal(t, int64(4_761_905), out.Int64())

		base, quote := v.Reserves()
		assert.Equal(t, int64(95_238_095), base.Int64())
		assert.Equal(t, int64(10_500_000_000), quote.Int64())
	})

	t.Run("Sell", func(t *testing.T) {
		v := newTestVAMM(t)
		out, err := v.QuoteToBase(Sell, big.NewInt(500_000_000))
		require.NoError(t, err)
		// 1e18 / 9.5e9 = 105263157.89... floored
		assert.Equal(t, int64(5_263_157), out.Int64())

		base, quote := v.Reserves()
		assert.Equal(t, int64(105_263_157), base.Int64())
		assert.Equal(t, int64(9_500_000_000), quote.Int64())
	})

	t.Run("SellExhaustsQuote", func(t *testing.T) {
		v := newTestVAMM(t)
		_, err := v.QuoteToBase(Sell, big.NewInt(10_000_000_000))
		assert.ErrorIs(t, err, ErrInsufficientLiquidity)

		// reserves untouched on failure
		base, quote := v.Reserves()
		assert.Equal(t, int64(100_000_000), base.Int64())
		assert.Equal(t, int64(10_000_000_000), quote.Int64())
	})

	t.Run("ZeroAmount", func(t *testing.T) {
		v := newTestVAMM(t)
		_, err := v.QuoteToBase(Buy, big.NewInt(0))
		assert.ErrorIs(t, err, ErrZeroAmount)
		_, err = v.QuoteToBase(Sell, nil)
		assert.ErrorIs(t, err, ErrZeroAmount)
	})
}

func TestBaseToQuote(t *testing.T) {
	t.Run("SellReturnsBase", func(t *testing.T) {
		v := newTestVAMM(t)
		out, err := v.BaseToQuote(Sell, big.NewInt(4_761_905))
		require.NoError(t, err)
		// 1e18 / 104761905 = 9545454499... -> quote out = q - newQuote
		assert.Positive(t, out.Sign())

		base, _ := v.Reserves()
		assert.Equal(t, int64(104_761_905), base.Int64())
	})

	t.Run("BuyRemovesBase", func(t *testing.T) {
		v := newTestVAMM(t)
		out, err := v.BaseToQuote(Buy, big.NewInt(4_761_905))
		require.NoError(t, err)
		assert.Positive(t, out.Sign())

		base, _ := v.Reserves()
		assert.Equal(t, int64(95_238_095), base.Int64())
	})

	t.Run("BuyExhaustsBase", func(t *testing.T) {
		v := newTestVAMM(t)
		_, err := v.BaseToQuote(Buy, big.NewInt(100_000_000))
		assert.ErrorIs(t, err, ErrInsufficientLiquidity)
	})

	t.Run("ZeroAmount", func(t *testing.T) {
		v := newTestVAMM(t)
		_, err := v.BaseToQuote(Sell, big.NewInt(0))
		assert.ErrorIs(t, err, ErrZeroAmount)
	})
}

func TestPreviews(t *testing.T) {
	t.Run("MatchExecutionWithoutCommit", func(t *testing.T) {
		v := newTestVAMM(t)
		amount := big.NewInt(500_000_000)

		preview := v.PreviewQuoteToBase(Buy, amount)
		baseBefore, quoteBefore := v.Reserves()

		executed, err := v.QuoteToBase(Buy, amount)
		require.NoError(t, err)
		assert.Equal(t, preview, executed)

		baseAfter, quoteAfter := v.Reserves()
		assert.NotEqual(t, baseBefore, baseAfter)
		assert.NotEqual(t, quoteBefore, quoteAfter)
	})

	t.Run("BaseToQuotePreviewMatches", func(t *testing.T) {
		v := newTestVAMM(t)
		amount := big.NewInt(4_761_905)
		preview := v.PreviewBaseToQuote(Sell, amount)
		executed, err := v.BaseToQuote(Sell, amount)
		require.NoError(t, err)
		assert.Equal(t, preview, executed)
	})

	t.Run("ZeroInputReturnsZero", func(t *testing.T) {
		v := newTestVAMM(t)
		assert.Zero(t, v.PreviewQuoteToBase(Buy, big.NewInt(0)).Sign())
		assert.Zero(t, v.PreviewBaseToQuote(Sell, nil).Sign())
	})

	t.Run("ExhaustionReturnsSentinel", func(t *testing.T) {
		v := newTestVAMM(t)
		got := v.PreviewQuoteToBase(Sell, big.NewInt(10_000_000_000))
		assert.Equal(t, MaxValue, got)
		got = v.PreviewBaseToQuote(Buy, big.NewInt(100_000_000))
		assert.Equal(t, MaxValue, got)

		// read-only: reserves unchanged
		base, quote := v.Reserves()
		assert.Equal(t, int64(100_000_000), base.Int64())
		assert.Equal(t, int64(10_000_000_000), quote.Int64())
	})
}

// The realizable product may only ever shrink through truncation, never
// exceed the invariant fixed at construction, and reserves stay positive.
func TestInvariantPreservation(t *testing.T) {
	v := newTestVAMM(t)
	inv := v.Invariant()

	amounts := []int64{
		500_000_000, 123_456_789, 1, 999_999_999, 250_000_000,
		42, 7_777_777, 1_000_000_000, 3, 86_420_000,
	}
	for i, amt := range amounts {
		var err error
		switch i % 4 {
		case 0:
			_, err = v.QuoteToBase(Buy, big.NewInt(amt))
		case 1:
			_, err = v.QuoteToBase(Sell, big.NewInt(amt))
		case 2:
			_, err = v.BaseToQuote(Sell, big.NewInt(amt%1_000_000+1))
		case 3:
			_, err = v.BaseToQuote(Buy, big.NewInt(amt%1_000_000+1))
		}
		require.NoError(t, err)

		base, quote := v.Reserves()
		assert.Positive(t, base.Sign(), "base reserve must stay positive")
		assert.Positive(t, quote.Sign(), "quote reserve must stay positive")

		product := new(big.Int).Mul(base, quote)
		assert.LessOrEqual(t, product.Cmp(inv), 0, "product must never exceed invariant")
	}
}

func TestSnapshotRestore(t *testing.T) {
	v := newTestVAMM(t)
	snap := v.snapshot()

	_, err := v.QuoteToBase(Buy, big.NewInt(500_000_000))
	require.NoError(t, err)

	v.restore(snap)
	base, quote := v.Reserves()
	assert.Equal(t, int64(100_000_000), base.Int64())
	assert.Equal(t, int64(10_000_000_000), quote.Int64())
}
