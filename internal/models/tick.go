// Package models defines the core domain entities: ticks, klines, alerts, and the error taxonomy.
package models

import (
	"errors"
	"math"
)

// Tick is one timestamped price/value observation for a symbol.
// Timestamp is the candle open time in milliseconds since the epoch.
type Tick struct {
	Timestamp   int64   `json:"timestamp"`
	Price       float64 `json:"price"`
	TradedValue float64 `json:"traded_value"`
}

// Validate checks tick field constraints.
func (t Tick) Validate() error {
	if t.Timestamp <= 0 {
		return errors.New("tick timestamp must be positive")
	}
	if math.IsNaN(t.Price) || math.IsInf(t.Price, 0) || t.Price < 0 {
		return errors.New("tick price must be a finite non-negative number")
	}
	if math.IsNaN(t.TradedValue) || math.IsInf(t.TradedValue, 0) || t.TradedValue < 0 {
		return errors.New("tick traded value must be a finite non-negative number")
	}
	return nil
}

// Kline is a full one-minute candle as returned upstream and persisted to history.
type Kline struct {
	OpenTime            int64
	Open                float64
	High                float64
	Low                 float64
	Close               float64
	Volume              float64
	CloseTime           int64
	QuoteVolume         float64
	TradeCount          int64
	TakerBuyVolume      float64
	TakerBuyQuoteVolume float64
}

// Tick projects the candle onto the series the monitor tracks:
// open time, close price and quote (traded) value.
func (k Kline) Tick() Tick {
	return Tick{
		Timestamp:   k.OpenTime,
		Price:       k.Close,
		TradedValue: k.QuoteVolume,
	}
}

// Ticks projects a slice of candles, preserving order.
func Ticks(klines []Kline) []Tick {
	ticks := make([]Tick, len(klines))
	for i, k := range klines {
		ticks[i] = k.Tick()
	}
	return ticks
}
