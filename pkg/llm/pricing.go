package llm

import "github.com/mongoclaw/mongoclaw/pkg/config"

// builtinPrices is the fallback price table, USD per one million tokens.
// Overridable per provider via config; unknown models use the conservative
// default so cost limiting errs toward throttling, never toward overspend.
var builtinPrices = map[string]config.ModelPrice{
	"claude-sonnet-4-5":  {InputPerMTok: 3.00, OutputPerMTok: 15.00},
	"claude-haiku-4-5":   {InputPerMTok: 1.00, OutputPerMTok: 5.00},
	"claude-opus-4-5":    {InputPerMTok: 5.00, OutputPerMTok: 25.00},
	"gpt-4o":             {InputPerMTok: 2.50, OutputPerMTok: 10.00},
	"gpt-4o-mini":        {InputPerMTok: 0.15, OutputPerMTok: 0.60},
	"gpt-4.1":            {InputPerMTok: 2.00, OutputPerMTok: 8.00},
	"gpt-4.1-mini":       {InputPerMTok: 0.40, OutputPerMTok: 1.60},
	"o3-mini":            {InputPerMTok: 1.10, OutputPerMTok: 4.40},
}

// defaultPrice covers models absent from every table.
var defaultPrice = config.ModelPrice{InputPerMTok: 5.00, OutputPerMTok: 25.00}

// priceTable resolves model prices with per-provider overrides over the
// built-in table.
type priceTable struct {
	overrides map[string]config.ModelPrice
}

func newPriceTable(overrides map[string]config.ModelPrice) *priceTable {
	return &priceTable{overrides: overrides}
}

// Cost computes the invocation cost in USD for a token pair.
func (p *priceTable) Cost(model string, tokensIn, tokensOut int) float64 {
	price, ok := p.overrides[model]
	if !ok {
		price, ok = builtinPrices[model]
	}
	if !ok {
		price = defaultPrice
	}
	return float64(tokensIn)/1e6*price.InputPerMTok + float64(tokensOut)/1e6*price.OutputPerMTok
}
