package asset

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vidar/internal/fixed"
)

func btcusd() Symbol {
	return Symbol{
		Base:        "BTC",
		Quote:       "USD",
		TickSize:    fixed.MustParse("0.01"),
		LotSize:     fixed.MustParse("0.00000001"),
		MinNotional: fixed.MustParse("1.00"),
		MaxOrderQty: fixed.MustParse("1000"),
	}
}

func TestCheckQty(t *testing.T) {
	t.Parallel()
	sym := btcusd()

	assert.NoError(t, sym.CheckQty(fixed.MustParse("0.00000001"))) // minimum lot
	assert.NoError(t, sym.CheckQty(fixed.MustParse("1000")))       // maximum
	assert.ErrorIs(t, sym.CheckQty(fixed.MustParse("1000.5")), ErrMaxOrderQty)
	assert.ErrorIs(t, sym.CheckQty(0), ErrNonPositiveQuantity)

	coarse := sym
	coarse.LotSize = fixed.MustParse("0.001")
	assert.ErrorIs(t, coarse.CheckQty(fixed.MustParse("0.0005")), ErrLotSize)
}

func TestCheckPrice(t *testing.T) {
	t.Parallel()
	sym := btcusd()

	assert.NoError(t, sym.CheckPrice(fixed.MustParse("0.01"))) // minimum tick
	assert.ErrorIs(t, sym.CheckPrice(fixed.MustParse("100.005")), ErrTickSize)
	assert.ErrorIs(t, sym.CheckPrice(0), ErrNonPositivePrice)
}

func TestCheckNotional(t *testing.T) {
	t.Parallel()
	sym := btcusd()

	assert.NoError(t, sym.CheckNotional(fixed.MustParse("100"), fixed.MustParse("1")))
	assert.ErrorIs(t,
		sym.CheckNotional(fixed.MustParse("0.01"), fixed.MustParse("0.00000001")),
		ErrMinNotional)
}

func TestTable(t *testing.T) {
	t.Parallel()

	table, err := NewTable([]Symbol{btcusd()})
	require.NoError(t, err)

	sym, err := table.Lookup("BTC/USD")
	require.NoError(t, err)
	assert.Equal(t, ID("BTC"), sym.Base)

	_, err = table.Lookup("ETH/USD")
	assert.ErrorIs(t, err, ErrUnknownSymbol)

	_, err = NewTable([]Symbol{btcusd(), btcusd()})
	assert.Error(t, err, "duplicate symbols must be rejected")

	bad := btcusd()
	bad.TickSize = 0
	_, err = NewTable([]Symbol{bad})
	assert.Error(t, err)
}
