// Package ledger holds per-account, per-asset balances and performs the
// atomic transfers the order lifecycle needs: reserving funds on
// acceptance, releasing them on cancel, and the four-legged swap that
// settles a trade.
//
// Balances are shared across symbol engines, so every balance carries its
// own mutex. SettleTrade touches exactly two accounts and two assets; the
// four locks are always taken in ascending (asset, account) order, which
// makes deadlock impossible.
package ledger

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"vidar/internal/asset"
	"vidar/internal/fixed"
)

var (
	// ErrInsufficientAvailable is the only checked, non-fatal failure:
	// the account simply does not have the funds to back the order.
	ErrInsufficientAvailable = errors.New("ledger: insufficient available balance")
)

// FatalError marks an invariant breach discovered inside the ledger:
// a settlement that would drive a balance negative, or an arithmetic
// overflow. It means upstream accounting is already wrong, and the symbol
// engine that observed it must halt.
type FatalError struct {
	Op     string
	Detail string
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("ledger: fatal: %s: %s", e.Op, e.Detail)
}

// AccountID names an account.
type AccountID string

// Balance is one account's holding of one asset.
type Balance struct {
	Available fixed.Amount
	Locked    fixed.Amount
}

type balanceKey struct {
	asset   asset.ID
	account AccountID
}

type balance struct {
	mu        sync.Mutex
	available fixed.Amount
	locked    fixed.Amount
}

// Ledger is the flat (account, asset) -> balance map. Entries are created
// lazily on first access and never removed.
type Ledger struct {
	mu       sync.RWMutex
	balances map[balanceKey]*balance
}

// New creates an empty ledger.
func New() *Ledger {
	return &Ledger{balances: make(map[balanceKey]*balance)}
}

// get returns the balance entry for (account, asset), creating it lazily.
func (l *Ledger) get(acct AccountID, a asset.ID) *balance {
	key := balanceKey{asset: a, account: acct}

	l.mu.RLock()
	b, ok := l.balances[key]
	l.mu.RUnlock()
	if ok {
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok = l.balances[key]; ok {
		return b
	}
	b = &balance{}
	l.balances[key] = b
	return b
}

// Mint credits available funds. Only reachable from external custody
// crediting deposits, never from the matching path.
func (l *Ledger) Mint(acct AccountID, a asset.ID, amount fixed.Amount) error {
	if amount < 0 {
		return &FatalError{Op: "mint", Detail: "negative amount"}
	}
	b := l.get(acct, a)
	b.mu.Lock()
	defer b.mu.Unlock()
	next, err := fixed.Add(b.available, amount)
	if err != nil {
		return &FatalError{Op: "mint", Detail: err.Error()}
	}
	b.available = next
	return nil
}

// Burn debits available funds, used by external custody for withdrawals.
func (l *Ledger) Burn(acct AccountID, a asset.ID, amount fixed.Amount) error {
	if amount < 0 {
		return &FatalError{Op: "burn", Detail: "negative amount"}
	}
	b := l.get(acct, a)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.available < amount {
		return ErrInsufficientAvailable
	}
	b.available -= amount
	return nil
}

// Reserve moves amount from available to locked, backing an open order.
func (l *Ledger) Reserve(acct AccountID, a asset.ID, amount fixed.Amount) error {
	if amount < 0 {
		return &FatalError{Op: "reserve", Detail: "negative amount"}
	}
	b := l.get(acct, a)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.available < amount {
		return ErrInsufficientAvailable
	}
	locked, err := fixed.Add(b.locked, amount)
	if err != nil {
		return &FatalError{Op: "reserve", Detail: err.Error()}
	}
	b.available -= amount
	b.locked = locked
	return nil
}

// Release is the inverse of Reserve: cancelation, expiry, and unfilled
// IOC residue all come through here. Releasing more than is locked is an
// upstream accounting bug and therefore fatal.
func (l *Ledger) Release(acct AccountID, a asset.ID, amount fixed.Amount) error {
	if amount < 0 {
		return &FatalError{Op: "release", Detail: "negative amount"}
	}
	b := l.get(acct, a)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.locked < amount {
		return &FatalError{Op: "release", Detail: fmt.Sprintf(
			"account %s asset %s: locked %s < release %s", acct, a, b.locked, amount)}
	}
	available, err := fixed.Add(b.available, amount)
	if err != nil {
		return &FatalError{Op: "release", Detail: err.Error()}
	}
	b.locked -= amount
	b.available = available
	return nil
}

// SettleTrade performs the atomic four-legged swap for one trade:
//
//	buyer:  locked[quote]  -= price*qty   available[base]  += qty
//	seller: locked[base]   -= qty         available[quote] += price*qty
//
// All four mutations succeed or none do. Any failure here is fatal: the
// funds were reserved when the orders were accepted, so a shortfall means
// the books and the ledger have already diverged.
func (l *Ledger) SettleTrade(buyer, seller AccountID, base, quote asset.ID, price, qty fixed.Amount) error {
	notional, err := fixed.MulPrice(price, qty)
	if err != nil {
		return &FatalError{Op: "settle", Detail: err.Error()}
	}

	buyerQuote := l.get(buyer, quote)
	buyerBase := l.get(buyer, base)
	sellerBase := l.get(seller, base)
	sellerQuote := l.get(seller, quote)

	// Lock all four balances in ascending (asset, account) order. The
	// same balance may appear twice when buyer == seller counter-assets
	// collide, so dedupe before locking.
	type lockable struct {
		key balanceKey
		b   *balance
	}
	locks := []lockable{
		{balanceKey{quote, buyer}, buyerQuote},
		{balanceKey{base, buyer}, buyerBase},
		{balanceKey{base, seller}, sellerBase},
		{balanceKey{quote, seller}, sellerQuote},
	}
	sort.Slice(locks, func(i, j int) bool {
		if locks[i].key.asset != locks[j].key.asset {
			return locks[i].key.asset < locks[j].key.asset
		}
		return locks[i].key.account < locks[j].key.account
	})
	seen := make(map[*balance]bool, 4)
	for _, lk := range locks {
		if seen[lk.b] {
			continue
		}
		seen[lk.b] = true
		lk.b.mu.Lock()
		defer lk.b.mu.Unlock()
	}

	// Validate every leg before mutating anything.
	if buyerQuote.locked < notional {
		return &FatalError{Op: "settle", Detail: fmt.Sprintf(
			"buyer %s locked %s %s < notional %s", buyer, quote, buyerQuote.locked, notional)}
	}
	if sellerBase.locked < qty {
		return &FatalError{Op: "settle", Detail: fmt.Sprintf(
			"seller %s locked %s %s < qty %s", seller, base, sellerBase.locked, qty)}
	}
	buyerBaseNext, err := fixed.Add(buyerBase.available, qty)
	if err != nil {
		return &FatalError{Op: "settle", Detail: err.Error()}
	}
	sellerQuoteNext, err := fixed.Add(sellerQuote.available, notional)
	if err != nil {
		return &FatalError{Op: "settle", Detail: err.Error()}
	}

	buyerQuote.locked -= notional
	buyerBase.available = buyerBaseNext
	sellerBase.locked -= qty
	sellerQuote.available = sellerQuoteNext
	return nil
}

// Get returns the current balance of (account, asset). Reads race with
// settlement on other symbols by design; the value is a point-in-time
// observation.
func (l *Ledger) Get(acct AccountID, a asset.ID) Balance {
	b := l.get(acct, a)
	b.mu.Lock()
	defer b.mu.Unlock()
	return Balance{Available: b.available, Locked: b.locked}
}

// TotalSupply sums available+locked across every account for one asset.
// The conservation invariant says this changes only via Mint and Burn.
func (l *Ledger) TotalSupply(a asset.ID) fixed.Amount {
	l.mu.RLock()
	keys := make([]*balance, 0)
	for key, b := range l.balances {
		if key.asset == a {
			keys = append(keys, b)
		}
	}
	l.mu.RUnlock()

	var total fixed.Amount
	for _, b := range keys {
		b.mu.Lock()
		total += b.available + b.locked
		b.mu.Unlock()
	}
	return total
}

// SnapshotBalances deep-copies every balance. Consumers use it to bound
// replay length by snapshotting at a known event sequence number.
func (l *Ledger) SnapshotBalances() map[AccountID]map[asset.ID]Balance {
	l.mu.RLock()
	type entry struct {
		key balanceKey
		b   *balance
	}
	entries := make([]entry, 0, len(l.balances))
	for key, b := range l.balances {
		entries = append(entries, entry{key, b})
	}
	l.mu.RUnlock()

	out := make(map[AccountID]map[asset.ID]Balance)
	for _, e := range entries {
		e.b.mu.Lock()
		bal := Balance{Available: e.b.available, Locked: e.b.locked}
		e.b.mu.Unlock()
		accts, ok := out[e.key.account]
		if !ok {
			accts = make(map[asset.ID]Balance)
			out[e.key.account] = accts
		}
		accts[e.key.asset] = bal
	}
	return out
}
