package risk

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/helixtrade/intentd/errs"
	"github.com/helixtrade/intentd/internal/schema"
)

// StaticPrices is a PriceSource over configured per-symbol USD prices.
// Stables pin to 1; volatile assets take operator-updated marks.
type StaticPrices struct {
	bySymbol map[string]decimal.Decimal
}

// NewStaticPrices builds a source from a symbol-to-price table.
func NewStaticPrices(bySymbol map[string]decimal.Decimal) *StaticPrices {
	copied := make(map[string]decimal.Decimal, len(bySymbol))
	for symbol, price := range bySymbol {
		copied[symbol] = price
	}
	return &StaticPrices{bySymbol: copied}
}

func (p *StaticPrices) PriceUSD(_ context.Context, asset schema.Asset) (decimal.Decimal, error) {
	price, ok := p.bySymbol[asset.Symbol]
	if !ok {
		return decimal.Zero, errs.New("risk/prices", errs.CodeNotFound,
			errs.WithMessage("no reference price for "+asset.Symbol))
	}
	return price, nil
}
