// Package book keeps the resting price levels needed for top-of-book.
package book

import (
	"math"
	"math/big"

	"github.com/tidwall/btree"

	"depthflow/fixedpoint"
)

// Top is the best bid and best ask with their sizes.
type Top struct {
	BidPrice int64
	BidQty   int64
	AskPrice int64
	AskQty   int64
}

// TopBook maps scaled price to scaled quantity for each side. A zero
// quantity removes the level. It does not check for crossed books.
type TopBook struct {
	bids *btree.Map[int64, int64]
	asks *btree.Map[int64, int64]
}

func New() *TopBook {
	return &TopBook{
		bids: btree.NewMap[int64, int64](32),
		asks: btree.NewMap[int64, int64](32),
	}
}

// Apply updates both sides in order.
func (b *TopBook) Apply(bids, asks []fixedpoint.Level) {
	applySide(b.bids, bids)
	applySide(b.asks, asks)
}

func applySide(side *btree.Map[int64, int64], levels []fixedpoint.Level) {
	for _, l := range levels {
		if l.Qty() == 0 {
			side.Delete(l.Price())
			continue
		}
		side.Set(l.Price(), l.Qty())
	}
}

// Best returns the highest bid and lowest ask. ok is false while either
// side is empty.
func (b *TopBook) Best() (top Top, ok bool) {
	bidPx, bidQty, ok := b.bids.Max()
	if !ok {
		return Top{}, false
	}
	askPx, askQty, ok := b.asks.Min()
	if !ok {
		return Top{}, false
	}
	return Top{BidPrice: bidPx, BidQty: bidQty, AskPrice: askPx, AskQty: askQty}, true
}

func (b *TopBook) BidLevels() int { return b.bids.Len() }

func (b *TopBook) AskLevels() int { return b.asks.Len() }

// Bid returns the resting quantity at price on the bid side.
func (b *TopBook) Bid(price int64) (int64, bool) { return b.bids.Get(price) }

// Ask returns the resting quantity at price on the ask side.
func (b *TopBook) Ask(price int64) (int64, bool) { return b.asks.Get(price) }

// Mid is floor((bid + ask) / 2).
func Mid(bid, ask int64) int64 {
	sum := new(big.Int).Add(big.NewInt(bid), big.NewInt(ask))
	return floorDiv(sum, big.NewInt(2))
}

// Micro is the size-weighted price floor((ask*bidSz + bid*askSz) / (bidSz + askSz)).
// It falls back to Mid when the sizes do not sum to a positive value.
func Micro(bid, bidSz, ask, askSz int64) int64 {
	den := new(big.Int).Add(big.NewInt(bidSz), big.NewInt(askSz))
	if den.Sign() <= 0 {
		return Mid(bid, ask)
	}
	num := new(big.Int).Mul(big.NewInt(ask), big.NewInt(bidSz))
	num.Add(num, new(big.Int).Mul(big.NewInt(bid), big.NewInt(askSz)))
	return floorDiv(num, den)
}

var (
	maxInt64 = big.NewInt(math.MaxInt64)
	minInt64 = big.NewInt(math.MinInt64)
)

// floorDiv rounds toward negative infinity; den must be positive. Results
// outside int64, possible only with negative sizes, saturate.
func floorDiv(num, den *big.Int) int64 {
	// Euclidean division equals floor division for a positive divisor.
	q := new(big.Int).Div(num, den)
	switch {
	case q.Cmp(maxInt64) > 0:
		return math.MaxInt64
	case q.Cmp(minInt64) < 0:
		return math.MinInt64
	}
	return q.Int64()
}

// Mid of the current top.
func (t Top) Mid() int64 { return Mid(t.BidPrice, t.AskPrice) }

// Micro of the current top.
func (t Top) Micro() int64 { return Micro(t.BidPrice, t.BidQty, t.AskPrice, t.AskQty) }
