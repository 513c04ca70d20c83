package market

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePair(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    Pair
		wantErr bool
	}{
		{name: "slash form", in: "QIE/USDT", want: Pair{Base: "QIE", Quote: "USDT"}},
		{name: "slug form", in: "eth-usdt", want: Pair{Base: "ETH", Quote: "USDT"}},
		{name: "padded", in: " btc / usdt ", want: Pair{Base: "BTC", Quote: "USDT"}},
		{name: "missing quote", in: "QIE/", wantErr: true},
		{name: "no separator", in: "QIEUSDT", wantErr: true},
		{name: "same token", in: "USDT/USDT", wantErr: true},
		{name: "three parts", in: "A/B/C", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParsePair(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.want.Base+"/"+tt.want.Quote, got.String())
			assert.Equal(t, tt.want.Base+"-"+tt.want.Quote, got.Slug())
		})
	}
}

func testParams(symbol string) Params {
	return Params{
		Pair:           MustParsePair(symbol),
		BaseDecimals:   18,
		QuoteDecimals:  6,
		TickBps:        1,
		Levels:         20,
		SyntheticDepth: decimal.NewFromInt(1000),
		SeedPrice:      decimal.RequireFromString("0.1234"),
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(testParams("QIE/USDT")))
	require.NoError(t, r.Register(testParams("ETH/USDT")))

	assert.Error(t, r.Register(testParams("QIE/USDT")), "duplicate pair")
	assert.Equal(t, 2, r.Count())

	pairs := r.Pairs()
	require.Len(t, pairs, 2)
	assert.Equal(t, "ETH/USDT", pairs[0].String(), "sorted by symbol")

	qie := MustParsePair("QIE/USDT")
	assert.True(t, r.IsActive(qie))
	require.NoError(t, r.SetStatus(qie, Paused))
	assert.False(t, r.IsActive(qie))
	assert.True(t, r.Exists(qie))

	_, err := r.Get(MustParsePair("SOL/USDT"))
	assert.Error(t, err)
}

func TestParamsValidate(t *testing.T) {
	bad := testParams("QIE/USDT")
	bad.TickBps = 0
	assert.Error(t, bad.Validate())

	bad = testParams("QIE/USDT")
	bad.Levels = 0
	assert.Error(t, bad.Validate())

	bad = testParams("QIE/USDT")
	bad.SyntheticDepth = decimal.Zero
	assert.Error(t, bad.Validate())

	assert.NoError(t, testParams("QIE/USDT").Validate())
}
