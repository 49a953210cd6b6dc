package ledger

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vidar/internal/asset"
	"vidar/internal/fixed"
)

const (
	btc = asset.ID("BTC")
	usd = asset.ID("USD")
)

func fundedLedger(t *testing.T) *Ledger {
	t.Helper()
	l := New()
	require.NoError(t, l.Mint("alice", usd, fixed.MustParse("1000")))
	require.NoError(t, l.Mint("bob", btc, fixed.MustParse("10")))
	return l
}

func TestReserveRelease(t *testing.T) {
	t.Parallel()
	l := fundedLedger(t)

	require.NoError(t, l.Reserve("alice", usd, fixed.MustParse("100")))
	b := l.Get("alice", usd)
	assert.Equal(t, fixed.MustParse("900"), b.Available)
	assert.Equal(t, fixed.MustParse("100"), b.Locked)

	require.NoError(t, l.Release("alice", usd, fixed.MustParse("100")))
	b = l.Get("alice", usd)
	assert.Equal(t, fixed.MustParse("1000"), b.Available)
	assert.Equal(t, fixed.Amount(0), b.Locked)
}

func TestReserveInsufficient(t *testing.T) {
	t.Parallel()
	l := fundedLedger(t)

	err := l.Reserve("alice", usd, fixed.MustParse("1000.00000001"))
	assert.ErrorIs(t, err, ErrInsufficientAvailable)

	// The failed reserve left nothing behind.
	b := l.Get("alice", usd)
	assert.Equal(t, fixed.MustParse("1000"), b.Available)
	assert.Equal(t, fixed.Amount(0), b.Locked)
}

func TestReleaseMoreThanLockedIsFatal(t *testing.T) {
	t.Parallel()
	l := fundedLedger(t)

	require.NoError(t, l.Reserve("alice", usd, fixed.MustParse("50")))
	err := l.Release("alice", usd, fixed.MustParse("51"))
	var fatal *FatalError
	assert.ErrorAs(t, err, &fatal)
}

func TestSettleTrade(t *testing.T) {
	t.Parallel()
	l := fundedLedger(t)

	price := fixed.MustParse("100")
	qty := fixed.MustParse("1")
	require.NoError(t, l.Reserve("alice", usd, fixed.MustParse("100")))
	require.NoError(t, l.Reserve("bob", btc, qty))

	require.NoError(t, l.SettleTrade("alice", "bob", btc, usd, price, qty))

	assert.Equal(t, Balance{Available: fixed.MustParse("900")}, l.Get("alice", usd))
	assert.Equal(t, Balance{Available: fixed.MustParse("1")}, l.Get("alice", btc))
	assert.Equal(t, Balance{Available: fixed.MustParse("9")}, l.Get("bob", btc))
	assert.Equal(t, Balance{Available: fixed.MustParse("100")}, l.Get("bob", usd))
}

func TestSettleWithoutReservationIsFatal(t *testing.T) {
	t.Parallel()
	l := fundedLedger(t)

	err := l.SettleTrade("alice", "bob", btc, usd, fixed.MustParse("100"), fixed.MustParse("1"))
	var fatal *FatalError
	require.ErrorAs(t, err, &fatal)

	// Nothing moved: all four legs succeed or none do.
	assert.Equal(t, Balance{Available: fixed.MustParse("1000")}, l.Get("alice", usd))
	assert.Equal(t, Balance{Available: fixed.MustParse("10")}, l.Get("bob", btc))
}

func TestConservationUnderConcurrentSettles(t *testing.T) {
	t.Parallel()
	l := New()
	require.NoError(t, l.Mint("alice", usd, fixed.MustParse("100000")))
	require.NoError(t, l.Mint("carol", usd, fixed.MustParse("100000")))
	require.NoError(t, l.Mint("bob", btc, fixed.MustParse("1000")))
	require.NoError(t, l.Mint("dave", btc, fixed.MustParse("1000")))

	usdBefore := l.TotalSupply(usd)
	btcBefore := l.TotalSupply(btc)

	price := fixed.MustParse("10")
	qty := fixed.MustParse("0.5")
	require.NoError(t, l.Reserve("alice", usd, fixed.MustParse("50000")))
	require.NoError(t, l.Reserve("carol", usd, fixed.MustParse("50000")))
	require.NoError(t, l.Reserve("bob", btc, fixed.MustParse("500")))
	require.NoError(t, l.Reserve("dave", btc, fixed.MustParse("500")))

	// Two symbols' worth of settlement traffic on separate account pairs,
	// running concurrently, must neither deadlock nor leak.
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		buyer, seller := AccountID("alice"), AccountID("bob")
		if i == 1 {
			buyer, seller = "carol", "dave"
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				if err := l.SettleTrade(buyer, seller, btc, usd, price, qty); err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, usdBefore, l.TotalSupply(usd), "quote conservation")
	assert.Equal(t, btcBefore, l.TotalSupply(btc), "base conservation")
}

func TestMintBurn(t *testing.T) {
	t.Parallel()
	l := New()

	require.NoError(t, l.Mint("alice", usd, fixed.MustParse("5")))
	assert.Equal(t, fixed.MustParse("5"), l.TotalSupply(usd))

	require.NoError(t, l.Burn("alice", usd, fixed.MustParse("2")))
	assert.Equal(t, fixed.MustParse("3"), l.TotalSupply(usd))

	assert.ErrorIs(t, l.Burn("alice", usd, fixed.MustParse("100")), ErrInsufficientAvailable)
}

func TestSnapshotBalances(t *testing.T) {
	t.Parallel()
	l := fundedLedger(t)
	require.NoError(t, l.Reserve("alice", usd, fixed.MustParse("250")))

	snap := l.SnapshotBalances()
	assert.Equal(t, fixed.MustParse("750"), snap["alice"][usd].Available)
	assert.Equal(t, fixed.MustParse("250"), snap["alice"][usd].Locked)

	// The snapshot is a copy, not a view.
	require.NoError(t, l.Release("alice", usd, fixed.MustParse("250")))
	assert.Equal(t, fixed.MustParse("250"), snap["alice"][usd].Locked)
}
