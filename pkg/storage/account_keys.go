package storage

import (
	"fmt"
	"time"

	"github.com/uhyunpark/qiedex/pkg/market"
)

// Key schema for Pebble storage:
//
//   ord:<orderID>                       → Order (JSON)
//   fill:<BASE-QUOTE>:<unixnano>:<id>   → Fill (JSON)

// Key prefixes
const (
	prefixOrder = "ord:"
	prefixFill  = "fill:"
)

// orderKey returns the key for an order
// Format: "ord:{orderID}"
func orderKey(orderID string) []byte {
	return []byte(prefixOrder + orderID)
}

// fillKey returns the key for a fill
// Timestamp is zero-padded (20 digits) for lexicographic sorting
func fillKey(pair market.Pair, ts time.Time, fillID string) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d:%s", prefixFill, pair.Slug(), ts.UnixNano(), fillID))
}

// fillPrefix returns the prefix for all fills of a pair
func fillPrefix(pair market.Pair) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixFill, pair.Slug()))
}

// keyUpperBound returns the exclusive upper bound for a prefix scan
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
