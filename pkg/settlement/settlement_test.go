package settlement

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/qiedex/pkg/chain"
	"github.com/uhyunpark/qiedex/pkg/market"
	"github.com/uhyunpark/qiedex/pkg/orders"
	"github.com/uhyunpark/qiedex/pkg/util"
)

var qie = market.MustParsePair("QIE/USDT")

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestQuotedAndMinOut(t *testing.T) {
	tests := []struct {
		name     string
		side     orders.Side
		amountIn string
		price    string
		quoted   string
		minOut   string
	}{
		{"sell base for quote", orders.Sell, "100", "0.12", "12", "11.94"},
		{"buy base with quote", orders.Buy, "100", "0.125", "800", "796"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := QuotedOut(tt.side, d(tt.amountIn), d(tt.price))
			assert.True(t, q.Equal(d(tt.quoted)), "quoted %s", q)
			assert.True(t, MinOut(q, 50).Equal(d(tt.minOut)), "min %s", MinOut(q, 50))
		})
	}
}

func TestNewRequest(t *testing.T) {
	o := orders.Order{ID: "o1", Owner: "0xabc", Pair: qie, Side: orders.Buy, Remaining: d("100")}
	req := NewRequest(o, d("0.119"), 50)
	assert.Equal(t, []string{"USDT", "QIE"}, req.Path)
	assert.True(t, req.AmountIn.Equal(d("100")))
	assert.True(t, req.MinAmountOut.LessThan(req.QuotedOut))

	o.Side = orders.Sell
	assert.Equal(t, []string{"QIE", "USDT"}, NewRequest(o, d("1"), 50).Path)
}

func TestFailureMatching(t *testing.T) {
	cause := errors.New("execution reverted")
	err := Fail("swap reverted", cause)
	assert.ErrorIs(t, err, ErrSettlementFailed)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "swap reverted", Reason(err))
	assert.Equal(t, "settlement timed out", Reason(context.DeadlineExceeded))
}

func TestPaper(t *testing.T) {
	p := NewPaper(100, nil)
	req := Request{OrderID: "o1", AmountIn: d("10"), QuotedOut: d("1.2"), Price: d("0.12")}

	a, err := p.Submit(context.Background(), req)
	require.NoError(t, err)
	b, err := p.Submit(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, uint64(101), a.BlockNumber)
	assert.Equal(t, uint64(102), b.BlockNumber)
	assert.NotEqual(t, a.TxHash, b.TxHash)
	assert.Len(t, a.TxHash, 66)
	assert.True(t, a.ExecutedPrice.Equal(d("0.12")))
	assert.True(t, a.AmountOut.Equal(d("1.2")))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.Submit(ctx, req)
	assert.ErrorIs(t, err, ErrSettlementFailed)
}

type fakeSwapper struct {
	out      *big.Int
	swapErr  error
	receipt  *types.Receipt
	rcptErr  error
	gotIn    *big.Int
	gotMin   *big.Int
	gotPath  []common.Address
	gotTo    common.Address
	deadline time.Time
}

func (f *fakeSwapper) AmountsOut(_ context.Context, in *big.Int, path []common.Address) ([]*big.Int, error) {
	return []*big.Int{in, f.out}, nil
}

func (f *fakeSwapper) Swap(_ context.Context, in, min *big.Int, path []common.Address, to common.Address, deadline time.Time) (common.Hash, error) {
	f.gotIn, f.gotMin, f.gotPath, f.gotTo, f.deadline = in, min, path, to, deadline
	if f.swapErr != nil {
		return common.Hash{}, f.swapErr
	}
	return common.HexToHash("0xfeed"), nil
}

func (f *fakeSwapper) WaitReceipt(context.Context, common.Hash) (*types.Receipt, error) {
	return f.receipt, f.rcptErr
}

func (f *fakeSwapper) Executor() common.Address {
	return common.HexToAddress("0x9999999999999999999999999999999999999999")
}

func routerMarkets(t *testing.T) *market.Registry {
	t.Helper()
	reg := market.NewRegistry()
	require.NoError(t, reg.Register(market.Params{
		Pair:          qie,
		BaseToken:     common.HexToAddress("0x00000000000000000000000000000000000000aa"),
		QuoteToken:    common.HexToAddress("0x00000000000000000000000000000000000000bb"),
		BaseDecimals:  18,
		QuoteDecimals: 6,
		TickBps:       1, Levels: 20, SyntheticDepth: d("1000"),
	}))
	return reg
}

func TestRouterSettlement(t *testing.T) {
	sw := &fakeSwapper{
		out:     big.NewInt(12_000_000), // 12 USDT
		receipt: &types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(42), GasUsed: 120000},
	}
	clock := util.NewManualClock(time.Unix(1_700_000_000, 0))
	r := NewRouter(sw, routerMarkets(t), 50, clock, nil)

	owner := "0x1111111111111111111111111111111111111111"
	info, err := r.Submit(context.Background(), Request{
		OrderID: "o1", Owner: owner, Pair: qie, Side: orders.Sell,
		AmountIn: d("100"), Price: d("0.12"),
	})
	require.NoError(t, err)

	assert.Equal(t, d("100").Shift(18).BigInt(), sw.gotIn)
	assert.Equal(t, int64(11_940_000), sw.gotMin.Int64())
	assert.Equal(t, common.HexToAddress(owner), sw.gotTo)
	assert.Equal(t, clock.Now().Add(SwapDeadline), sw.deadline)
	assert.Equal(t, uint64(42), info.BlockNumber)
	assert.True(t, info.AmountOut.Equal(d("12")))
}

func TestRouterSettlementBuyPathAndFailures(t *testing.T) {
	sw := &fakeSwapper{out: big.NewInt(1), rcptErr: chain.ErrReverted}
	reg := routerMarkets(t)
	r := NewRouter(sw, reg, 50, nil, nil)

	_, err := r.Submit(context.Background(), Request{OrderID: "o2", Owner: "alice", Pair: qie, Side: orders.Buy, AmountIn: d("5")})
	assert.ErrorIs(t, err, ErrSettlementFailed)
	assert.Equal(t, "swap reverted", Reason(err))

	p, _ := reg.Get(qie)
	assert.Equal(t, []common.Address{p.QuoteToken, p.BaseToken}, sw.gotPath)
	assert.Equal(t, sw.Executor(), sw.gotTo, "opaque owners receive through the executor")
	assert.Equal(t, d("5").Shift(6).BigInt(), sw.gotIn)

	sw.swapErr = errors.New("nonce too low")
	_, err = r.Submit(context.Background(), Request{OrderID: "o3", Pair: qie, Side: orders.Sell, AmountIn: d("1")})
	assert.Equal(t, "swap rejected", Reason(err))

	_, err = r.Submit(context.Background(), Request{OrderID: "o4", Pair: market.MustParsePair("ETH/USDT"), Side: orders.Sell, AmountIn: d("1")})
	assert.ErrorIs(t, err, ErrSettlementFailed)
}

func TestRouterSettlementUnconfirmedAfterBroadcast(t *testing.T) {
	sw := &fakeSwapper{out: big.NewInt(1), rcptErr: context.DeadlineExceeded}
	r := NewRouter(sw, routerMarkets(t), 50, nil, nil)

	_, err := r.Submit(context.Background(), Request{OrderID: "o5", Pair: qie, Side: orders.Sell, AmountIn: d("1")})
	require.ErrorIs(t, err, ErrUnconfirmed)
	assert.NotErrorIs(t, err, ErrSettlementFailed, "a broadcast swap is not a retryable failure")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	var u *Unconfirmed
	require.ErrorAs(t, err, &u)
	assert.Equal(t, common.HexToHash("0xfeed").Hex(), u.TxHash)
	assert.Equal(t, "swap "+u.TxHash+" not confirmed", Reason(err))
}
