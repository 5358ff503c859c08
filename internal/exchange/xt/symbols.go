package xt

import "strings"

// SymbolMap is an immutable bidirectional venue symbol <-> pair lookup.
type SymbolMap struct {
	toPair   map[string]string
	toSymbol map[string]string
}

// NewSymbolMap builds the lookup from venue symbol -> pair entries.
func NewSymbolMap(symbolToPair map[string]string) *SymbolMap {
	m := &SymbolMap{
		toPair:   make(map[string]string, len(symbolToPair)),
		toSymbol: make(map[string]string, len(symbolToPair)),
	}
	for symbol, pair := range symbolToPair {
		symbol = strings.ToLower(symbol)
		pair = strings.ToUpper(pair)
		m.toPair[symbol] = pair
		m.toSymbol[pair] = symbol
	}
	return m
}

func (m *SymbolMap) ExchangeSymbol(pair string) (string, bool) {
	if m == nil {
		return "", false
	}
	s, ok := m.toSymbol[strings.ToUpper(pair)]
	return s, ok
}

func (m *SymbolMap) Pair(symbol string) (string, bool) {
	if m == nil {
		return "", false
	}
	p, ok := m.toPair[strings.ToLower(symbol)]
	return p, ok
}

func (m *SymbolMap) Len() int {
	if m == nil {
		return 0
	}
	return len(m.toPair)
}

// CombinePair renders base/quote currencies as an internal pair.
func CombinePair(base, quote string) string {
	return strings.ToUpper(base) + "-" + strings.ToUpper(quote)
}
