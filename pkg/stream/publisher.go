package stream

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/qiedex/pkg/book"
	"github.com/uhyunpark/qiedex/pkg/hub"
	"github.com/uhyunpark/qiedex/pkg/market"
	"github.com/uhyunpark/qiedex/pkg/pricefeed"
	"github.com/uhyunpark/qiedex/pkg/util"
	"github.com/uhyunpark/qiedex/pkg/wire"
)

// BookSource refreshes a pair's depth snapshot.
type BookSource interface {
	Refresh(ctx context.Context, pair market.Pair) (*book.Snapshot, error)
}

// PairLister enumerates the listed pairs.
type PairLister interface {
	Pairs() []market.Pair
}

// Publisher periodically broadcasts order books and prices.
type Publisher struct {
	hub     *hub.Hub
	books   BookSource
	feed    pricefeed.Feed
	markets PairLister
	clock   util.Clock
	log     *zap.SugaredLogger
}

func NewPublisher(h *hub.Hub, books BookSource, feed pricefeed.Feed, markets PairLister, clock util.Clock, log *zap.SugaredLogger) *Publisher {
	if clock == nil {
		clock = util.RealClock{}
	}
	return &Publisher{hub: h, books: books, feed: feed, markets: markets, clock: clock, log: util.OrNop(log)}
}

// PublishBooks refreshes and broadcasts the book of every pair that has an
// orderbook subscriber. Pairs nobody watches are not rebuilt. Returns the
// number of pairs published.
func (p *Publisher) PublishBooks(ctx context.Context) int {
	published := 0
	for _, pair := range p.hub.Pairs(hub.Orderbook) {
		snap, err := p.books.Refresh(ctx, pair)
		if snap == nil {
			p.log.Debugw("book_unavailable", "pair", pair, "err", err)
			continue
		}
		if _, err := p.hub.Publish(wire.NewOrderbook(snap, p.clock.Now()), hub.OnPair(hub.Orderbook, pair)); err != nil {
			p.log.Warnw("book_publish_failed", "pair", pair, "err", err)
			continue
		}
		published++
	}
	return published
}

// Quotes returns the current quote of every listed pair, skipping pairs
// without a price.
func (p *Publisher) Quotes(ctx context.Context) []pricefeed.Quote {
	var out []pricefeed.Quote
	for _, pair := range p.markets.Pairs() {
		q, err := p.feed.Price(ctx, pair)
		if err != nil {
			continue
		}
		out = append(out, q)
	}
	return out
}

// PublishPrices broadcasts all quotes to price subscribers. Nothing is
// fetched when no one listens.
func (p *Publisher) PublishPrices(ctx context.Context) int {
	st := p.hub.Stats()
	if st.Channels[string(hub.Prices)] == 0 {
		return 0
	}
	quotes := p.Quotes(ctx)
	if len(quotes) == 0 {
		return 0
	}
	sent, err := p.hub.Publish(wire.NewPrices(quotes, p.clock.Now()), hub.OnChannel(hub.Prices))
	if err != nil {
		p.log.Warnw("price_publish_failed", "err", err)
	}
	return sent
}

// Run broadcasts books and prices on their own intervals until ctx ends.
func (p *Publisher) Run(ctx context.Context, booksEvery, pricesEvery time.Duration) {
	bt := time.NewTicker(booksEvery)
	defer bt.Stop()
	pt := time.NewTicker(pricesEvery)
	defer pt.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-bt.C:
			p.PublishBooks(ctx)
		case <-pt.C:
			p.PublishPrices(ctx)
		}
	}
}
