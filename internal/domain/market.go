package domain

import (
	"fmt"
	"sort"
	"strings"
)

// Market is a tradable symbol and the two assets it exchanges.
type Market struct {
	Symbol  string
	Base    string
	Quote   string
	Enabled bool
}

// Markets is a read-only symbol table built once at startup.
type Markets struct {
	bySymbol map[string]Market
}

// NewMarkets indexes the given markets by symbol.
func NewMarkets(ms []Market) (*Markets, error) {
	idx := make(map[string]Market, len(ms))
	for _, m := range ms {
		sym := strings.ToUpper(strings.TrimSpace(m.Symbol))
		if sym == "" || m.Base == "" || m.Quote == "" {
			return nil, fmt.Errorf("market %q: symbol, base and quote are required", m.Symbol)
		}
		if _, dup := idx[sym]; dup {
			return nil, fmt.Errorf("market %q: defined twice", sym)
		}
		m.Symbol = sym
		idx[sym] = m
	}
	return &Markets{bySymbol: idx}, nil
}

// Get returns the enabled market for symbol or ErrSymbolNotSupported.
func (m *Markets) Get(symbol string) (Market, error) {
	mk, ok := m.bySymbol[strings.ToUpper(symbol)]
	if !ok || !mk.Enabled {
		return Market{}, ErrSymbolNotSupported
	}
	return mk, nil
}

// Symbols lists enabled symbols in sorted order.
func (m *Markets) Symbols() []string {
	out := make([]string, 0, len(m.bySymbol))
	for s, mk := range m.bySymbol {
		if mk.Enabled {
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

// HasAsset reports whether any enabled market trades asset.
func (m *Markets) HasAsset(asset string) bool {
	for _, mk := range m.bySymbol {
		if mk.Enabled && (mk.Base == asset || mk.Quote == asset) {
			return true
		}
	}
	return false
}
