package ledger

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestBookLoadAndSell(t *testing.T) {
	b := NewBook(nil)

	_, err := b.Load("MH12-3456", "onion", dec("100"))
	require.NoError(t, err)
	_, err = b.Load("MH12-3456", "onion", dec("25.5"))
	require.NoError(t, err)

	assert.True(t, b.CurrentQuantity("MH12-3456", "onion").Equal(dec("125.5")))

	m, err := b.Sell("MH12-3456", "onion", dec("25.5"), "INV-001")
	require.NoError(t, err)
	assert.Equal(t, MovementSale, m.Type)
	assert.Equal(t, "INV-001", m.ReferenceID)
	assert.True(t, b.CurrentQuantity("MH12-3456", "onion").Equal(dec("100")))
}

func TestBookSellErrors(t *testing.T) {
	b := NewBook(nil)
	_, err := b.Load("MH12-3456", "onion", dec("10"))
	require.NoError(t, err)

	t.Run("not loaded", func(t *testing.T) {
		_, err := b.Sell("MH12-3456", "potato", dec("1"), "INV-002")
		assert.ErrorIs(t, err, ErrNotLoaded)
	})

	t.Run("insufficient stock", func(t *testing.T) {
		_, err := b.Sell("MH12-3456", "onion", dec("10.01"), "INV-002")
		assert.ErrorIs(t, err, ErrInsufficientStock)
		// The rejected sale leaves the line untouched.
		assert.True(t, b.CurrentQuantity("MH12-3456", "onion").Equal(dec("10")))
	})

	t.Run("invalid quantity", func(t *testing.T) {
		_, err := b.Sell("MH12-3456", "onion", dec("0"), "INV-002")
		assert.ErrorIs(t, err, ErrInvalidQuantity)
		_, err = b.Load("MH12-3456", "onion", dec("-5"))
		assert.ErrorIs(t, err, ErrInvalidQuantity)
	})
}

func TestBookNeverGoesNegative(t *testing.T) {
	b := NewBook(nil)

	ops := []struct {
		load string
		sell string
	}{
		{load: "5"},
		{sell: "3"},
		{sell: "3"}, // rejected: only 2 left
		{sell: "2"}, // down to exactly zero
		{sell: "0.001"},
		{load: "0.5"},
		{sell: "0.5"},
	}
	for _, op := range ops {
		if op.load != "" {
			_, err := b.Load("V1", "tomato", dec(op.load))
			require.NoError(t, err)
		} else {
			b.Sell("V1", "tomato", dec(op.sell), "")
		}
		assert.GreaterOrEqual(t, b.CurrentQuantity("V1", "tomato").Sign(), 0)
	}
	assert.True(t, b.CurrentQuantity("V1", "tomato").IsZero())
}

func TestBookLineSurvivesAtZero(t *testing.T) {
	b := NewBook(nil)
	_, err := b.Load("V1", "okra", dec("4"))
	require.NoError(t, err)
	_, err = b.Sell("V1", "okra", dec("4"), "INV-9")
	require.NoError(t, err)

	// Sold out is still a line: the next failure is InsufficientStock, not
	// NotLoaded, and the stock listing keeps the row.
	_, err = b.Sell("V1", "okra", dec("1"), "INV-10")
	assert.ErrorIs(t, err, ErrInsufficientStock)

	stock := b.VehicleStock("V1")
	require.Len(t, stock, 1)
	assert.True(t, stock[0].Quantity.IsZero())
}

func TestBookCurrentQuantityAbsentIsZero(t *testing.T) {
	b := NewBook(nil)
	assert.True(t, b.CurrentQuantity("nope", "nothing").IsZero())
}

func TestBookMovementReplayReconstructsLines(t *testing.T) {
	b := NewBook(nil)

	_, err := b.Load("V1", "onion", dec("100"))
	require.NoError(t, err)
	_, err = b.Load("V1", "potato", dec("60.25"))
	require.NoError(t, err)
	_, err = b.Sell("V1", "onion", dec("12.5"), "INV-1")
	require.NoError(t, err)
	_, err = b.Sell("V1", "potato", dec("0.25"), "INV-1")
	require.NoError(t, err)
	_, err = b.Adjust("V1", "potato", dec("0.25"), "INV-1")
	require.NoError(t, err)
	_, err = b.Sell("V1", "onion", dec("87.5"), "INV-2")
	require.NoError(t, err)

	totals := map[string]decimal.Decimal{}
	for _, m := range b.Movements("V1") {
		totals[m.ProductID] = totals[m.ProductID].Add(m.Delta())
	}
	assert.True(t, totals["onion"].Equal(b.CurrentQuantity("V1", "onion")))
	assert.True(t, totals["potato"].Equal(b.CurrentQuantity("V1", "potato")))
	assert.True(t, totals["onion"].IsZero())
	assert.True(t, totals["potato"].Equal(dec("60.25")))
}

func TestBookMovementsAreScopedAndOrdered(t *testing.T) {
	b := NewBook(nil)
	_, err := b.Load("V1", "onion", dec("1"))
	require.NoError(t, err)
	_, err = b.Load("V2", "onion", dec("2"))
	require.NoError(t, err)
	_, err = b.Sell("V1", "onion", dec("1"), "INV-5")
	require.NoError(t, err)

	v1 := b.Movements("V1")
	require.Len(t, v1, 2)
	assert.Equal(t, MovementLoad, v1[0].Type)
	assert.Equal(t, MovementSale, v1[1].Type)
	assert.Len(t, b.Movements("V2"), 1)
	assert.Len(t, b.AllMovements(), 3)
	for _, m := range b.AllMovements() {
		assert.NotEmpty(t, m.ID)
		assert.False(t, m.Date.IsZero())
	}
}

func TestBookCanSellDoesNotMutate(t *testing.T) {
	b := NewBook(nil)
	_, err := b.Load("V1", "onion", dec("5"))
	require.NoError(t, err)

	require.NoError(t, b.CanSell("V1", "onion", dec("5")))
	assert.ErrorIs(t, b.CanSell("V1", "onion", dec("5.1")), ErrInsufficientStock)
	assert.ErrorIs(t, b.CanSell("V1", "garlic", dec("1")), ErrNotLoaded)

	assert.True(t, b.CurrentQuantity("V1", "onion").Equal(dec("5")))
	assert.Len(t, b.AllMovements(), 1)
}
