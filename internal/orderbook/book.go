package orderbook

import (
	"sort"

	"coindata-systemv1/internal/model"
)

// Book is one product's bounded two-sided price ladder. Bids stay sorted
// descending by price, asks ascending; after any mutation each side holds
// at most depth levels and no duplicate prices.
type Book struct {
	Product string
	Bids    []model.PriceLevel
	Asks    []model.PriceLevel

	depth int
}

func NewBook(product string, depth int) *Book {
	return &Book{Product: product, depth: depth}
}

// Apply mutates one side for a single level-2 delta. Quantity zero removes
// the level (no-op when the price is absent); an existing price has its
// quantity overwritten in place; otherwise the level is inserted in order
// and the side truncated back to depth.
func (b *Book) Apply(side string, price, quantity float64) {
	if side == "bid" {
		b.Bids = applyLevel(b.Bids, price, quantity, b.depth, func(a, c float64) bool { return a > c })
		return
	}
	b.Asks = applyLevel(b.Asks, price, quantity, b.depth, func(a, c float64) bool { return a < c })
}

// Reset clears both sides; a venue snapshot event replaces the whole book.
func (b *Book) Reset() {
	b.Bids = b.Bids[:0]
	b.Asks = b.Asks[:0]
}

// Levels returns a value copy of both sides, safe to hand out.
func (b *Book) Levels() model.BookLevels {
	return model.BookLevels{
		Bids: append([]model.PriceLevel(nil), b.Bids...),
		Asks: append([]model.PriceLevel(nil), b.Asks...),
	}
}

// applyLevel keeps levels ordered best-first per the better comparator and
// capped at depth. Truncation drops the worst levels, never the new one
// unless it is itself worse than every retained level.
func applyLevel(levels []model.PriceLevel, price, qty float64, depth int, better func(a, b float64) bool) []model.PriceLevel {
	i := sort.Search(len(levels), func(j int) bool {
		return !better(levels[j].Price, price)
	})

	if i < len(levels) && levels[i].Price == price {
		if qty == 0 {
			return append(levels[:i], levels[i+1:]...)
		}
		levels[i].Quantity = qty
		return levels
	}

	if qty == 0 {
		return levels
	}

	levels = append(levels, model.PriceLevel{})
	copy(levels[i+1:], levels[i:])
	levels[i] = model.PriceLevel{Price: price, Quantity: qty}
	if len(levels) > depth {
		levels = levels[:depth]
	}
	return levels
}
