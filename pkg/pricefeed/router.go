package pricefeed

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/qiedex/pkg/market"
)

// Quoter prices a swap path on-chain. Satisfied by chain.Router.
type Quoter interface {
	AmountsOut(ctx context.Context, amountIn *big.Int, path []common.Address) ([]*big.Int, error)
}

// MarketLookup resolves token addresses and decimals for a pair.
type MarketLookup interface {
	Get(pair market.Pair) (market.Params, error)
}

// RouterSource derives the mid price from the router's quote for one whole
// base token.
type RouterSource struct {
	quoter  Quoter
	markets MarketLookup
}

func NewRouterSource(q Quoter, markets MarketLookup) *RouterSource {
	return &RouterSource{quoter: q, markets: markets}
}

func (r *RouterSource) Fetch(ctx context.Context, pair market.Pair) (Quote, error) {
	p, err := r.markets.Get(pair)
	if err != nil {
		return Quote{}, fmt.Errorf("router %s: %w", pair, err)
	}
	if p.BaseToken == (common.Address{}) || p.QuoteToken == (common.Address{}) {
		return Quote{}, fmt.Errorf("router %s: token addresses not configured: %w", pair, ErrNotAvailable)
	}

	one := decimal.New(1, p.BaseDecimals).BigInt()
	amounts, err := r.quoter.AmountsOut(ctx, one, []common.Address{p.BaseToken, p.QuoteToken})
	if err != nil {
		return Quote{}, fmt.Errorf("router %s: getAmountsOut: %w", pair, err)
	}
	if len(amounts) < 2 || amounts[len(amounts)-1].Sign() <= 0 {
		return Quote{}, fmt.Errorf("router %s: empty quote: %w", pair, ErrNotAvailable)
	}

	price := decimal.NewFromBigInt(amounts[len(amounts)-1], -p.QuoteDecimals)
	return withBand(Quote{Pair: pair, Price: price}), nil
}
