package params

import (
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/uhyunpark/qiedex/pkg/market"
)

// PairConfig is one entry of the YAML pair table.
//
//	pairs:
//	  - symbol: QIE/USDT
//	    base_token: "0x..."
//	    quote_token: "0x..."
//	    quote_decimals: 6
//	    tick_bps: 1
//	    seed_price: "0.1234"
type PairConfig struct {
	Symbol         string `yaml:"symbol"`
	BaseToken      string `yaml:"base_token"`
	QuoteToken     string `yaml:"quote_token"`
	BaseDecimals   *int32 `yaml:"base_decimals"`
	QuoteDecimals  *int32 `yaml:"quote_decimals"`
	TickBps        int64  `yaml:"tick_bps"`
	Levels         int    `yaml:"levels"`
	SyntheticDepth string `yaml:"synthetic_depth"`
	SeedPrice      string `yaml:"seed_price"`
	Paused         bool   `yaml:"paused"`
}

type pairsFile struct {
	Pairs []PairConfig `yaml:"pairs"`
}

// DefaultPairs is the table the demo server ships with.
var DefaultPairs = []PairConfig{
	{Symbol: "QIE/USDT", SeedPrice: "0.1234"},
	{Symbol: "ETH/USDT", SeedPrice: "3456.78"},
	{Symbol: "BTC/USDT", SeedPrice: "98765.43"},
	{Symbol: "SOL/USDT", SeedPrice: "234.56"},
	{Symbol: "MATIC/USDT", SeedPrice: "1.23"},
}

const defaultSyntheticDepth = "1000"

// LoadPairs reads the YAML pair table at path. An empty path yields DefaultPairs.
// Book defaults (levels, tick width) fill in fields the file leaves out.
func LoadPairs(path string, book Book) ([]market.Params, error) {
	entries := DefaultPairs
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read pairs file: %w", err)
		}
		var f pairsFile
		if err := yaml.Unmarshal(raw, &f); err != nil {
			return nil, fmt.Errorf("parse pairs file: %w", err)
		}
		if len(f.Pairs) == 0 {
			return nil, fmt.Errorf("pairs file %s defines no pairs", path)
		}
		entries = f.Pairs
	}

	out := make([]market.Params, 0, len(entries))
	for _, e := range entries {
		p, err := e.toParams(book)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (e PairConfig) toParams(book Book) (market.Params, error) {
	pair, err := market.ParsePair(e.Symbol)
	if err != nil {
		return market.Params{}, err
	}

	p := market.Params{
		Pair:          pair,
		BaseDecimals:  18,
		QuoteDecimals: 18,
		TickBps:       book.TickBps,
		Levels:        book.Levels,
	}
	if e.BaseDecimals != nil {
		p.BaseDecimals = *e.BaseDecimals
	}
	if e.QuoteDecimals != nil {
		p.QuoteDecimals = *e.QuoteDecimals
	}
	if e.TickBps > 0 {
		p.TickBps = e.TickBps
	}
	if e.Levels > 0 {
		p.Levels = e.Levels
	}
	if e.Paused {
		p.Status = market.Paused
	}

	for _, tok := range []struct {
		raw string
		dst *common.Address
	}{{e.BaseToken, &p.BaseToken}, {e.QuoteToken, &p.QuoteToken}} {
		if tok.raw == "" {
			continue
		}
		if !common.IsHexAddress(tok.raw) {
			return market.Params{}, fmt.Errorf("%s: invalid token address %q", pair, tok.raw)
		}
		*tok.dst = common.HexToAddress(tok.raw)
	}

	depth := e.SyntheticDepth
	if depth == "" {
		depth = defaultSyntheticDepth
	}
	if p.SyntheticDepth, err = decimal.NewFromString(depth); err != nil {
		return market.Params{}, fmt.Errorf("%s: synthetic_depth: %w", pair, err)
	}
	if e.SeedPrice != "" {
		if p.SeedPrice, err = decimal.NewFromString(e.SeedPrice); err != nil {
			return market.Params{}, fmt.Errorf("%s: seed_price: %w", pair, err)
		}
	}

	if err := p.Validate(); err != nil {
		return market.Params{}, err
	}
	return p, nil
}
