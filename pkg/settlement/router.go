package settlement

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/qiedex/pkg/chain"
	"github.com/uhyunpark/qiedex/pkg/market"
	"github.com/uhyunpark/qiedex/pkg/orders"
	"github.com/uhyunpark/qiedex/pkg/util"
)

// SwapDeadline bounds how long a submitted swap stays valid on-chain.
const SwapDeadline = 20 * time.Minute

// Swapper is the on-chain router. Satisfied by chain.Router.
type Swapper interface {
	AmountsOut(ctx context.Context, amountIn *big.Int, path []common.Address) ([]*big.Int, error)
	Swap(ctx context.Context, amountIn, amountOutMin *big.Int, path []common.Address, to common.Address, deadline time.Time) (common.Hash, error)
	WaitReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	Executor() common.Address
}

// MarketLookup resolves token addresses and decimals for a pair.
type MarketLookup interface {
	Get(pair market.Pair) (market.Params, error)
}

// Router settles through swapExactTokensForTokens. The output is re-quoted
// on-chain right before the swap and the minimum output is that quote less
// the slippage tolerance.
type Router struct {
	swapper     Swapper
	markets     MarketLookup
	slippageBps int64
	clock       util.Clock
	log         *zap.SugaredLogger
}

func NewRouter(s Swapper, markets MarketLookup, slippageBps int64, clock util.Clock, log *zap.SugaredLogger) *Router {
	if clock == nil {
		clock = util.RealClock{}
	}
	return &Router{swapper: s, markets: markets, slippageBps: slippageBps, clock: clock, log: util.OrNop(log)}
}

func (r *Router) Submit(ctx context.Context, req Request) (orders.SettlementInfo, error) {
	p, err := r.markets.Get(req.Pair)
	if err != nil {
		return orders.SettlementInfo{}, Fail("unknown pair", err)
	}
	if p.BaseToken == (common.Address{}) || p.QuoteToken == (common.Address{}) {
		return orders.SettlementInfo{}, Fail("pair has no token addresses", nil)
	}

	path := []common.Address{p.BaseToken, p.QuoteToken}
	inDec, outDec := p.BaseDecimals, p.QuoteDecimals
	if req.Side == orders.Buy {
		path = []common.Address{p.QuoteToken, p.BaseToken}
		inDec, outDec = outDec, inDec
	}

	amountIn := req.AmountIn.Shift(inDec).BigInt()
	if amountIn.Sign() <= 0 {
		return orders.SettlementInfo{}, Fail("amount in rounds to zero", nil)
	}

	amounts, err := r.swapper.AmountsOut(ctx, amountIn, path)
	if err != nil {
		return orders.SettlementInfo{}, Fail("quote failed", err)
	}
	out := amounts[len(amounts)-1]
	minOut := new(big.Int).Mul(out, big.NewInt(10000-r.slippageBps))
	minOut.Div(minOut, big.NewInt(10000))

	to := r.swapper.Executor()
	if common.IsHexAddress(req.Owner) {
		to = common.HexToAddress(req.Owner)
	}

	hash, err := r.swapper.Swap(ctx, amountIn, minOut, path, to, r.clock.Now().Add(SwapDeadline))
	if err != nil {
		return orders.SettlementInfo{}, Fail("swap rejected", err)
	}
	r.log.Infow("swap_submitted", "order_id", req.OrderID, "tx_hash", hash.Hex(),
		"amount_in", amountIn.String(), "min_out", minOut.String())

	receipt, err := r.swapper.WaitReceipt(ctx, hash)
	if err != nil {
		if errors.Is(err, chain.ErrReverted) {
			return orders.SettlementInfo{}, Fail("swap reverted", err)
		}
		return orders.SettlementInfo{}, &Unconfirmed{TxHash: hash.Hex(), Err: err}
	}

	info := orders.SettlementInfo{
		TxHash:        hash.Hex(),
		ExecutedPrice: req.Price,
		GasUsed:       receipt.GasUsed,
		AmountOut:     decimal.NewFromBigInt(out, -outDec),
	}
	if receipt.BlockNumber != nil {
		info.BlockNumber = receipt.BlockNumber.Uint64()
	}
	return info, nil
}
