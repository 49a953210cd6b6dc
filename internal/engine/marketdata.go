package engine

import (
	"vidar/internal/book"
	"vidar/internal/fixed"
)

// marketData keeps the last-trade price and rolling 24h high/low/volume
// accumulators as 24 hourly buckets. Buckets are overwritten lazily as
// the clock moves through them, so no timer is needed.
type marketData struct {
	buckets [24]mdBucket
}

type mdBucket struct {
	hourID int64 // absolute hour since epoch this bucket belongs to
	high   fixed.Amount
	low    fixed.Amount
	volume fixed.Amount
}

const hourNS = int64(3600) * 1_000_000_000

func (m *marketData) record(price, qty fixed.Amount, tsNS int64) {
	hourID := tsNS / hourNS
	b := &m.buckets[hourID%24]
	if b.hourID != hourID {
		*b = mdBucket{hourID: hourID, high: price, low: price}
	}
	if price > b.high {
		b.high = price
	}
	if b.low == 0 || price < b.low {
		b.low = price
	}
	b.volume += qty
}

// roll invalidates buckets that have aged out of the window.
func (m *marketData) roll(nowNS int64) {
	hourID := nowNS / hourNS
	for i := range m.buckets {
		if b := &m.buckets[i]; b.hourID != 0 && hourID-b.hourID >= 24 {
			*b = mdBucket{}
		}
	}
}

func (m *marketData) window(nowNS int64) (high, low, volume fixed.Amount) {
	hourID := nowNS / hourNS
	for i := range m.buckets {
		b := &m.buckets[i]
		if b.hourID == 0 || hourID-b.hourID >= 24 {
			continue
		}
		if b.high > high {
			high = b.high
		}
		if low == 0 || (b.low > 0 && b.low < low) {
			low = b.low
		}
		volume += b.volume
	}
	return high, low, volume
}

// MarketSnapshot is a consistent view of the book taken between two
// command processings.
type MarketSnapshot struct {
	Symbol    string
	Seq       uint64
	Bids      []book.Level
	Asks      []book.Level
	LastTrade fixed.Amount
	High24h   fixed.Amount
	Low24h    fixed.Amount
	Volume24h fixed.Amount
}

// snapshot builds the market-data view. Engine goroutine only; external
// callers go through Engine.Snapshot which serializes the request as a
// command boundary read.
func (e *Engine) snapshot(depth int, nowNS int64) MarketSnapshot {
	bids, asks := e.bk.Snapshot(depth)
	high, low, vol := e.md.window(nowNS)
	return MarketSnapshot{
		Symbol:    e.name,
		Seq:       e.seq,
		Bids:      bids,
		Asks:      asks,
		LastTrade: e.lastTrade,
		High24h:   high,
		Low24h:    low,
		Volume24h: vol,
	}
}
