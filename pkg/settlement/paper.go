package settlement

import (
	"context"
	"encoding/binary"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"github.com/uhyunpark/qiedex/pkg/orders"
	"github.com/uhyunpark/qiedex/pkg/util"
)

// paperGasUsed is reported for every simulated swap.
const paperGasUsed = 150_000

// Paper settles every request instantly at the quoted price. Transaction
// hashes are keccak digests of the request and block numbers only increase.
type Paper struct {
	block atomic.Uint64
	log   *zap.SugaredLogger
}

func NewPaper(startBlock uint64, log *zap.SugaredLogger) *Paper {
	p := &Paper{log: util.OrNop(log)}
	p.block.Store(startBlock)
	return p
}

func (p *Paper) Submit(ctx context.Context, req Request) (orders.SettlementInfo, error) {
	if err := ctx.Err(); err != nil {
		return orders.SettlementInfo{}, Fail("cancelled before submission", err)
	}
	if !req.AmountIn.IsPositive() {
		return orders.SettlementInfo{}, Fail("amount in must be positive", nil)
	}

	block := p.block.Add(1)
	hash := crypto.Keccak256Hash(
		[]byte(req.OrderID),
		[]byte(req.AmountIn.String()),
		[]byte(req.Price.String()),
		binary.BigEndian.AppendUint64(nil, block),
	)
	info := orders.SettlementInfo{
		TxHash:        hash.Hex(),
		BlockNumber:   block,
		ExecutedPrice: req.Price,
		GasUsed:       paperGasUsed,
		AmountOut:     req.QuotedOut,
	}
	p.log.Debugw("paper_settled", "order_id", req.OrderID, "tx_hash", info.TxHash, "block", block)
	return info, nil
}
