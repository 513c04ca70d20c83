// Package chain talks to a UniswapV2-style router over JSON-RPC.
package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

const routerABI = `[
 {"name":"getAmountsOut","type":"function","stateMutability":"view",
  "inputs":[{"name":"amountIn","type":"uint256"},{"name":"path","type":"address[]"}],
  "outputs":[{"name":"amounts","type":"uint256[]"}]},
 {"name":"swapExactTokensForTokens","type":"function","stateMutability":"nonpayable",
  "inputs":[{"name":"amountIn","type":"uint256"},{"name":"amountOutMin","type":"uint256"},
            {"name":"path","type":"address[]"},{"name":"to","type":"address"},{"name":"deadline","type":"uint256"}],
  "outputs":[{"name":"amounts","type":"uint256[]"}]}
]`

// SwapGasLimit is the fixed gas limit for swap transactions.
const SwapGasLimit = 300_000

var (
	ErrNoSigner = errors.New("router has no executor key")
	ErrReverted = errors.New("transaction reverted")
)

// Backend is the subset of ethclient.Client the router needs.
type Backend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	ChainID(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Router wraps the router contract at Address. Swaps are signed with the
// executor key; quotes need no key.
type Router struct {
	backend Backend
	address common.Address
	abi     abi.ABI
	key     *ecdsa.PrivateKey
	from    common.Address

	// PollInterval is how often WaitReceipt polls for a mined receipt.
	PollInterval time.Duration

	mu      sync.Mutex // serialises nonce assignment
	chainID *big.Int
}

func NewRouter(backend Backend, address common.Address, key *ecdsa.PrivateKey) (*Router, error) {
	parsed, err := abi.JSON(strings.NewReader(routerABI))
	if err != nil {
		return nil, fmt.Errorf("parse router abi: %w", err)
	}
	r := &Router{
		backend:      backend,
		address:      address,
		abi:          parsed,
		key:          key,
		PollInterval: time.Second,
	}
	if key != nil {
		r.from = crypto.PubkeyToAddress(key.PublicKey)
	}
	return r, nil
}

// LoadExecutorKey parses a hex private key, with or without 0x prefix.
func LoadExecutorKey(hexKey string) (*ecdsa.PrivateKey, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("executor key: %w", err)
	}
	return key, nil
}

// Executor returns the address swaps are sent from.
func (r *Router) Executor() common.Address { return r.from }

// AmountsOut calls getAmountsOut(amountIn, path).
func (r *Router) AmountsOut(ctx context.Context, amountIn *big.Int, path []common.Address) ([]*big.Int, error) {
	data, err := r.abi.Pack("getAmountsOut", amountIn, path)
	if err != nil {
		return nil, fmt.Errorf("pack getAmountsOut: %w", err)
	}
	out, err := r.backend.CallContract(ctx, ethereum.CallMsg{To: &r.address, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call getAmountsOut: %w", err)
	}
	vals, err := r.abi.Unpack("getAmountsOut", out)
	if err != nil {
		return nil, fmt.Errorf("unpack getAmountsOut: %w", err)
	}
	amounts, ok := vals[0].([]*big.Int)
	if !ok || len(amounts) != len(path) {
		return nil, fmt.Errorf("getAmountsOut: unexpected result %v", vals)
	}
	return amounts, nil
}

// Swap signs and sends swapExactTokensForTokens. It returns once the
// transaction is accepted by the node, not when it is mined.
func (r *Router) Swap(ctx context.Context, amountIn, amountOutMin *big.Int, path []common.Address, to common.Address, deadline time.Time) (common.Hash, error) {
	if r.key == nil {
		return common.Hash{}, ErrNoSigner
	}
	data, err := r.abi.Pack("swapExactTokensForTokens", amountIn, amountOutMin, path, to, big.NewInt(deadline.Unix()))
	if err != nil {
		return common.Hash{}, fmt.Errorf("pack swap: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.chainID == nil {
		id, err := r.backend.ChainID(ctx)
		if err != nil {
			return common.Hash{}, fmt.Errorf("chain id: %w", err)
		}
		r.chainID = id
	}
	nonce, err := r.backend.PendingNonceAt(ctx, r.from)
	if err != nil {
		return common.Hash{}, fmt.Errorf("nonce: %w", err)
	}
	gasPrice, err := r.backend.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("gas price: %w", err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      SwapGasLimit,
		To:       &r.address,
		Value:    new(big.Int),
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(r.chainID), r.key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("sign swap: %w", err)
	}
	if err := r.backend.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("send swap: %w", err)
	}
	return signed.Hash(), nil
}

// WaitReceipt polls until the transaction is mined or ctx ends. A reverted
// receipt is returned together with ErrReverted.
func (r *Router) WaitReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	for {
		receipt, err := r.backend.TransactionReceipt(ctx, hash)
		switch {
		case err == nil:
			if receipt.Status != types.ReceiptStatusSuccessful {
				return receipt, fmt.Errorf("tx %s: %w", hash.Hex(), ErrReverted)
			}
			return receipt, nil
		case !errors.Is(err, ethereum.NotFound):
			return nil, fmt.Errorf("receipt %s: %w", hash.Hex(), err)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("receipt %s: %w", hash.Hex(), ctx.Err())
		case <-time.After(r.PollInterval):
		}
	}
}
