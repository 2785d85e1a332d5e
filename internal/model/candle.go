package model

import (
	"encoding/json"
	"time"
)

// Granularities is the closed set of supported candle bucket widths in seconds.
var Granularities = []int64{60, 300, 900, 3600, 21600, 86400}

// ValidGranularity reports whether g is one of the supported bucket widths.
func ValidGranularity(g int64) bool {
	for _, v := range Granularities {
		if g == v {
			return true
		}
	}
	return false
}

// Candle is one OHLCV row at a fixed granularity. T is the bucket start in
// epoch seconds (UTC, granularity-aligned); prices are exchange-native floats.
// Field order matches the on-disk column order of the scratch and merged tiers.
type Candle struct {
	T      int64   `json:"timestamp" parquet:"timestamp"`
	Open   float64 `json:"open"      parquet:"open"`
	High   float64 `json:"high"      parquet:"high"`
	Low    float64 `json:"low"       parquet:"low"`
	Close  float64 `json:"close"     parquet:"close"`
	Volume float64 `json:"volume"    parquet:"volume"`
}

// Valid reports whether the row satisfies low <= open,close <= high and
// volume >= 0. Rows failing this never enter the store.
func (c Candle) Valid() bool {
	return c.Low <= c.Open && c.Open <= c.High &&
		c.Low <= c.Close && c.Close <= c.High &&
		c.Volume >= 0
}

// Time returns the bucket start as UTC wall time.
func (c Candle) Time() time.Time {
	return time.Unix(c.T, 0).UTC()
}

// JSON returns the JSON-encoded candle (ignoring errors for hot-path usage).
func (c Candle) JSON() []byte {
	b, _ := json.Marshal(c)
	return b
}

// CandleBatch is one product's candles from a single REST response,
// sorted ascending and strictly increasing in timestamp.
type CandleBatch struct {
	Product string   `json:"product"`
	Data    []Candle `json:"data"`
}

// First returns the earliest timestamp in the batch, or 0 if empty.
func (b CandleBatch) First() int64 {
	if len(b.Data) == 0 {
		return 0
	}
	return b.Data[0].T
}

// Last returns the latest timestamp in the batch, or 0 if empty.
func (b CandleBatch) Last() int64 {
	if len(b.Data) == 0 {
		return 0
	}
	return b.Data[len(b.Data)-1].T
}
