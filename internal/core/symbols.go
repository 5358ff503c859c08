package core

// SymbolMapper translates between internal pairs ("BTC-USDT") and venue symbols.
type SymbolMapper interface {
	ExchangeSymbol(pair string) (string, bool)
	Pair(symbol string) (string, bool)
}
