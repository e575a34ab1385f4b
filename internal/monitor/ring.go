package monitor

import (
	"github.com/rewired-gh/tickwatch/internal/models"
)

// ring holds the timestamp, price and value series of one symbol.
// The three arenas share a single head and length, so they always advance together.
type ring struct {
	timestamps []int64
	prices     []float64
	values     []float64
	head       int // next write position
	length     int
}

func newRing(capacity int) *ring {
	if capacity < 1 {
		capacity = 1
	}
	return &ring{
		timestamps: make([]int64, capacity),
		prices:     make([]float64, capacity),
		values:     make([]float64, capacity),
	}
}

func (r *ring) capacity() int { return len(r.timestamps) }

func (r *ring) Len() int { return r.length }

// push overwrites the oldest slot once the ring is full.
func (r *ring) push(t models.Tick) {
	r.timestamps[r.head] = t.Timestamp
	r.prices[r.head] = t.Price
	r.values[r.head] = t.TradedValue
	r.head = (r.head + 1) % r.capacity()
	if r.length < r.capacity() {
		r.length++
	}
}

// index maps a back offset (0 = newest) to an arena position.
func (r *ring) index(back int) int {
	i := r.head - 1 - back
	if i < 0 {
		i += r.capacity()
	}
	return i
}

// at returns the tick stored back positions before the newest one.
func (r *ring) at(back int) (models.Tick, bool) {
	if back < 0 || back >= r.length {
		return models.Tick{}, false
	}
	i := r.index(back)
	return models.Tick{
		Timestamp:   r.timestamps[i],
		Price:       r.prices[i],
		TradedValue: r.values[i],
	}, true
}

func (r *ring) value(s Series, back int) float64 {
	i := r.index(back)
	if s == SeriesValue {
		return r.values[i]
	}
	return r.prices[i]
}
