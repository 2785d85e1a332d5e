package model

import "encoding/json"

// PriceLevel is one (price, aggregate quantity) entry on a book side.
// A delta carrying Quantity == 0 means "remove this price".
type PriceLevel struct {
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
}

// BookLevels holds one product's top-of-book ladders: bids sorted descending
// by price, asks ascending, each at most depth entries long.
type BookLevels struct {
	Bids []PriceLevel `json:"bids"`
	Asks []PriceLevel `json:"asks"`
}

// BookSnapshot is a value copy of every tracked book at one instant.
// Timestamp is ISO-8601 UTC. Snapshots never alias the live ladders.
type BookSnapshot struct {
	Timestamp string                `json:"timestamp"`
	Products  map[string]BookLevels `json:"products"`
}

// JSON returns the JSON-encoded snapshot (ignoring errors for hot-path usage).
func (s *BookSnapshot) JSON() []byte {
	b, _ := json.Marshal(s)
	return b
}
