// Package asset defines the tradeable instruments: assets, symbols and the
// per-symbol constraints an order must satisfy before it may touch a book.
package asset

import (
	"errors"
	"fmt"

	"vidar/internal/fixed"
)

var (
	ErrUnknownSymbol       = errors.New("asset: unknown symbol")
	ErrTickSize            = errors.New("asset: price not aligned to tick size")
	ErrLotSize             = errors.New("asset: quantity not aligned to lot size")
	ErrMinNotional         = errors.New("asset: notional below minimum")
	ErrMaxOrderQty         = errors.New("asset: quantity above maximum")
	ErrNonPositiveQuantity = errors.New("asset: quantity must be positive")
	ErrNonPositivePrice    = errors.New("asset: price must be positive")
)

// ID names an asset, e.g. "BTC" or "USD".
type ID string

// Symbol is one tradeable pair together with its configured constraints.
type Symbol struct {
	Base              ID
	Quote             ID
	TickSize          fixed.Amount
	LotSize           fixed.Amount
	MinNotional       fixed.Amount
	MaxOrderQty       fixed.Amount
	ProtectionBandBps int64
}

// Name returns the canonical "BASE/QUOTE" form.
func (s *Symbol) Name() string {
	return string(s.Base) + "/" + string(s.Quote)
}

// CheckQty validates a quantity against lot size and max order size.
func (s *Symbol) CheckQty(qty fixed.Amount) error {
	if qty <= 0 {
		return ErrNonPositiveQuantity
	}
	if !qty.AlignedTo(s.LotSize) {
		return ErrLotSize
	}
	if s.MaxOrderQty > 0 && qty > s.MaxOrderQty {
		return ErrMaxOrderQty
	}
	return nil
}

// CheckPrice validates a limit or stop price against the tick size.
func (s *Symbol) CheckPrice(price fixed.Amount) error {
	if price <= 0 {
		return ErrNonPositivePrice
	}
	if !price.AlignedTo(s.TickSize) {
		return ErrTickSize
	}
	return nil
}

// CheckNotional validates price*qty against the minimum notional.
func (s *Symbol) CheckNotional(price, qty fixed.Amount) error {
	notional, err := fixed.MulPrice(price, qty)
	if err != nil {
		return err
	}
	if s.MinNotional > 0 && notional < s.MinNotional {
		return ErrMinNotional
	}
	return nil
}

// Table holds every configured symbol, keyed by name. Built once at
// startup; read-only afterwards.
type Table struct {
	symbols map[string]*Symbol
}

// NewTable builds a symbol table, rejecting duplicates and malformed
// definitions.
func NewTable(symbols []Symbol) (*Table, error) {
	t := &Table{symbols: make(map[string]*Symbol, len(symbols))}
	for i := range symbols {
		s := symbols[i]
		if s.Base == "" || s.Quote == "" {
			return nil, fmt.Errorf("asset: symbol %d: empty base or quote", i)
		}
		if s.TickSize <= 0 || s.LotSize <= 0 {
			return nil, fmt.Errorf("asset: symbol %s: tick and lot size must be positive", s.Name())
		}
		if _, dup := t.symbols[s.Name()]; dup {
			return nil, fmt.Errorf("asset: duplicate symbol %s", s.Name())
		}
		t.symbols[s.Name()] = &s
	}
	return t, nil
}

// Lookup resolves a symbol name.
func (t *Table) Lookup(name string) (*Symbol, error) {
	s, ok := t.symbols[name]
	if !ok {
		return nil, ErrUnknownSymbol
	}
	return s, nil
}

// Names returns all configured symbol names.
func (t *Table) Names() []string {
	names := make([]string, 0, len(t.symbols))
	for name := range t.symbols {
		names = append(names, name)
	}
	return names
}
