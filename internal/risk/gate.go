// Package risk implements the pre-trade gate: per-user position,
// order-size, daily-loss and leverage limits, plus a per-user token-bucket
// rate limiter. Checks are synchronous; the only external state consulted
// is the ledger's quote balance (available plus locked) for leverage.
package risk

import (
	"errors"
	"sync"
	"time"

	"vidar/internal/asset"
	"vidar/internal/fixed"
	"vidar/internal/ledger"
	"vidar/internal/order"
)

var (
	ErrRateLimited       = errors.New("risk: rate limited")
	ErrOrderSizeLimit    = errors.New("risk: single-order size limit exceeded")
	ErrPositionLimit     = errors.New("risk: position limit exceeded")
	ErrDailyLossLimit    = errors.New("risk: daily loss limit exceeded")
	ErrLeverageLimit     = errors.New("risk: leverage limit exceeded")
	ErrUnknownTier       = errors.New("risk: unknown tier")
	ErrMalformedTier     = errors.New("risk: malformed tier definition")
)

// Tier bounds what one class of users may do.
type Tier struct {
	Name         string
	MaxPosition  fixed.Amount // absolute base-asset position cap per symbol
	MaxDailyLoss fixed.Amount // realized quote-asset loss before lockout
	MaxOrderSize fixed.Amount // base-asset quantity cap per order
	MaxLeverage  int64        // open notional allowed per unit of quote equity
}

// TokenBucket is a continuously-refilling rate limiter. Allow is
// non-blocking: a submission either has a token or is rejected.
type TokenBucket struct {
	tokens   float64
	capacity float64
	rate     float64 // tokens per second
	lastTime time.Time
}

// NewTokenBucket creates a bucket with the given burst capacity and
// refill rate.
func NewTokenBucket(capacity, ratePerSecond float64) *TokenBucket {
	return &TokenBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		lastTime: time.Now(),
	}
}

// Allow consumes a token if one is available.
func (tb *TokenBucket) Allow(now time.Time) bool {
	if elapsed := now.Sub(tb.lastTime).Seconds(); elapsed > 0 {
		tb.tokens += elapsed * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastTime = now
	}
	if tb.tokens < 1 {
		return false
	}
	tb.tokens--
	return true
}

// position is a signed base-asset position with average entry tracking
// for realized P&L.
type position struct {
	size      fixed.Amount // +long / -short, base units
	entryCost fixed.Amount // quote cost basis of the open size
}

type userState struct {
	mu           sync.Mutex
	bucket       *TokenBucket
	tier         *Tier
	openNotional fixed.Amount                 // quote notional of open orders
	positions    map[string]*position         // symbol -> position
	realizedPnL  fixed.Amount                 // quote, today
	lossDay      int                          // day-of-year the accumulator belongs to
}

// Gate owns all per-user risk state. Each user carries an independent
// lock, so symbols contend only when they share a user.
type Gate struct {
	mu          sync.RWMutex
	users       map[ledger.AccountID]*userState
	tiers       map[string]*Tier
	defaultTier *Tier
	bucketCap   float64
	bucketRate  float64
	ledger      *ledger.Ledger
}

// NewGate creates a gate with the given tiers. The first tier is the
// default for users with no explicit assignment.
func NewGate(tiers []Tier, bucketCap, bucketRate float64, led *ledger.Ledger) (*Gate, error) {
	if len(tiers) == 0 {
		return nil, ErrMalformedTier
	}
	g := &Gate{
		users:      make(map[ledger.AccountID]*userState),
		tiers:      make(map[string]*Tier, len(tiers)),
		bucketCap:  bucketCap,
		bucketRate: bucketRate,
		ledger:     led,
	}
	for i := range tiers {
		t := tiers[i]
		if t.MaxOrderSize <= 0 || t.MaxPosition <= 0 {
			return nil, ErrMalformedTier
		}
		g.tiers[t.Name] = &t
		if i == 0 {
			g.defaultTier = &t
		}
	}
	return g, nil
}

// AssignTier places a user in a named tier.
func (g *Gate) AssignTier(user ledger.AccountID, tier string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.tiers[tier]
	if !ok {
		return ErrUnknownTier
	}
	u := g.userLocked(user)
	u.tier = t
	return nil
}

func (g *Gate) user(user ledger.AccountID) *userState {
	g.mu.RLock()
	u, ok := g.users[user]
	g.mu.RUnlock()
	if ok {
		return u
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.userLocked(user)
}

func (g *Gate) userLocked(user ledger.AccountID) *userState {
	u, ok := g.users[user]
	if !ok {
		u = &userState{
			bucket:    NewTokenBucket(g.bucketCap, g.bucketRate),
			tier:      g.defaultTier,
			positions: make(map[string]*position),
		}
		g.users[user] = u
	}
	return u
}

// Check runs every pre-trade limit for one submission. It mutates nothing
// beyond the rate-limit bucket and the daily-loss rollover; reservations
// happen in the ledger after the check passes.
func (g *Gate) Check(user ledger.AccountID, sym *asset.Symbol, side order.Side, qty, notional fixed.Amount, now time.Time) error {
	u := g.user(user)
	u.mu.Lock()
	defer u.mu.Unlock()

	if !u.bucket.Allow(now) {
		return ErrRateLimited
	}
	if qty > u.tier.MaxOrderSize {
		return ErrOrderSizeLimit
	}

	pos := u.positions[sym.Name()]
	var size fixed.Amount
	if pos != nil {
		size = pos.size
	}
	projected := size
	if side == order.Buy {
		projected += qty
	} else {
		projected -= qty
	}
	if abs(projected) > u.tier.MaxPosition {
		return ErrPositionLimit
	}

	rolloverLocked(u, now)
	if u.tier.MaxDailyLoss > 0 && u.realizedPnL < 0 && -u.realizedPnL >= u.tier.MaxDailyLoss {
		return ErrDailyLossLimit
	}

	if u.tier.MaxLeverage > 0 && notional > 0 {
		bal := g.ledger.Get(user, sym.Quote)
		equity := bal.Available + bal.Locked
		open, err := fixed.Add(u.openNotional, notional)
		if err != nil {
			return ErrLeverageLimit
		}
		limit := equity * fixed.Amount(u.tier.MaxLeverage)
		if limit < 0 || open > limit {
			return ErrLeverageLimit
		}
	}
	return nil
}

// OnAccept records an accepted order's open notional.
func (g *Gate) OnAccept(user ledger.AccountID, notional fixed.Amount) {
	u := g.user(user)
	u.mu.Lock()
	u.openNotional += notional
	u.mu.Unlock()
}

// OnClose removes an order's notional when the order terminates.
func (g *Gate) OnClose(user ledger.AccountID, notional fixed.Amount) {
	u := g.user(user)
	u.mu.Lock()
	u.openNotional -= notional
	if u.openNotional < 0 {
		u.openNotional = 0
	}
	u.mu.Unlock()
}

// ApplyFill updates the user's position and realized P&L after a trade.
// Average-cost accounting: reducing a position realizes
// (exit - avg entry) * closed quantity, sign-adjusted for shorts.
func (g *Gate) ApplyFill(user ledger.AccountID, sym *asset.Symbol, side order.Side, price, qty fixed.Amount, now time.Time) {
	u := g.user(user)
	u.mu.Lock()
	defer u.mu.Unlock()

	rolloverLocked(u, now)

	pos, ok := u.positions[sym.Name()]
	if !ok {
		pos = &position{}
		u.positions[sym.Name()] = pos
	}

	delta := qty
	if side == order.Sell {
		delta = -qty
	}
	notional, err := fixed.MulPrice(price, qty)
	if err != nil {
		// Overflow was already ruled out upstream by settlement.
		return
	}

	sameSign := (pos.size >= 0) == (delta >= 0)
	if pos.size == 0 || sameSign {
		pos.size += delta
		pos.entryCost += notional
		return
	}

	// Reducing or flipping: realize P&L on the closed portion.
	closed := min(abs(delta), abs(pos.size))
	closedCost, err := fixed.MulDiv(pos.entryCost, closed, abs(pos.size))
	if err != nil {
		return
	}
	closedNotional, _ := fixed.MulPrice(price, closed)
	if pos.size > 0 {
		// Long reduced by a sell: profit when exit exceeds entry.
		u.realizedPnL += closedNotional - closedCost
	} else {
		u.realizedPnL += closedCost - closedNotional
	}

	pos.size += delta
	pos.entryCost -= closedCost
	if pos.entryCost < 0 {
		pos.entryCost = 0
	}
	if remainder := abs(delta) - closed; remainder > 0 {
		// Flipped through zero: the remainder opens at the fill price.
		rem, err := fixed.MulPrice(price, remainder)
		if err == nil {
			pos.entryCost = rem
		}
	}
}

// Position returns the user's signed position in a symbol.
func (g *Gate) Position(user ledger.AccountID, symbol string) fixed.Amount {
	u := g.user(user)
	u.mu.Lock()
	defer u.mu.Unlock()
	if pos, ok := u.positions[symbol]; ok {
		return pos.size
	}
	return 0
}

// RealizedPnL returns the user's realized P&L for the current day.
func (g *Gate) RealizedPnL(user ledger.AccountID, now time.Time) fixed.Amount {
	u := g.user(user)
	u.mu.Lock()
	defer u.mu.Unlock()
	rolloverLocked(u, now)
	return u.realizedPnL
}

// rolloverLocked resets the daily-loss accumulator at day boundaries.
func rolloverLocked(u *userState, now time.Time) {
	day := now.YearDay()
	if u.lossDay != day {
		u.lossDay = day
		u.realizedPnL = 0
	}
}

func abs(a fixed.Amount) fixed.Amount {
	if a < 0 {
		return -a
	}
	return a
}
