package monitor

import (
	"github.com/rewired-gh/tickwatch/internal/models"
)

// Series selects which tick field a running mean follows.
type Series int

const (
	SeriesPrice Series = iota
	SeriesValue
)

func (s Series) String() string {
	if s == SeriesValue {
		return "value"
	}
	return "price"
}

// Window is a trailing span measured in ticks (one tick per minute).
type Window struct {
	Name string
	Size int
}

var (
	Window7m = Window{Name: "7m", Size: 7}
	Window7h = Window{Name: "7h", Size: 7 * 60}
	Window7d = Window{Name: "7d", Size: 7 * 24 * 60}
)

// MeanKey identifies one running mean.
type MeanKey struct {
	Series Series
	Window Window
}

func (k MeanKey) String() string { return k.Window.Name + "-" + k.Series.String() }

var (
	Mean7mPrice = MeanKey{SeriesPrice, Window7m}
	Mean7hPrice = MeanKey{SeriesPrice, Window7h}
	Mean7hValue = MeanKey{SeriesValue, Window7h}
	Mean7dPrice = MeanKey{SeriesPrice, Window7d}
	Mean7dValue = MeanKey{SeriesValue, Window7d}
)

// SessionMeans are the running means every monitor session maintains.
var SessionMeans = []MeanKey{Mean7mPrice, Mean7hPrice, Mean7hValue, Mean7dPrice, Mean7dValue}

// DefaultRebaseInterval bounds floating point drift of the incremental means.
const DefaultRebaseInterval = 100000

type runningMean struct {
	key  MeanKey
	mean float64
}

// Aggregator maintains fixed-width trailing means over a tick stream in O(1) per tick.
// Its ring is sized to the largest window; the value leaving a window is read
// from the ring before the new tick overwrites it.
type Aggregator struct {
	ring        *ring
	means       []runningMean
	count       int64
	sinceRebase int
	rebaseEvery int
}

// NewAggregator creates an empty aggregator for keys. A non-positive rebaseEvery
// disables periodic recomputation.
func NewAggregator(keys []MeanKey, rebaseEvery int) *Aggregator {
	capacity := 1
	means := make([]runningMean, len(keys))
	for i, k := range keys {
		means[i] = runningMean{key: k}
		if k.Window.Size > capacity {
			capacity = k.Window.Size
		}
	}
	return &Aggregator{
		ring:        newRing(capacity),
		means:       means,
		rebaseEvery: rebaseEvery,
	}
}

// Initialize resets the aggregator to the given ticks and computes every mean by direct summation.
// Only the last ring-capacity ticks are retained.
func (a *Aggregator) Initialize(ticks []models.Tick) {
	a.ring = newRing(a.ring.capacity())
	start := 0
	if len(ticks) > a.ring.capacity() {
		start = len(ticks) - a.ring.capacity()
	}
	for _, t := range ticks[start:] {
		a.ring.push(t)
	}
	a.count = int64(len(ticks))
	a.rebase()
}

// Append adds a tick, evicting the oldest value from each full window.
func (a *Aggregator) Append(t models.Tick) {
	for i := range a.means {
		m := &a.means[i]
		n := m.key.Window.Size
		m.mean += seriesOf(t, m.key.Series) / float64(n)
		if a.ring.Len() >= n {
			m.mean -= a.ring.value(m.key.Series, n-1) / float64(n)
		}
	}
	a.ring.push(t)
	a.count++

	a.sinceRebase++
	if a.rebaseEvery > 0 && a.sinceRebase >= a.rebaseEvery {
		a.rebase()
	}
}

// rebase recomputes every mean from the ring contents.
// Warming windows hold sum/N of what has been seen so far.
func (a *Aggregator) rebase() {
	for i := range a.means {
		m := &a.means[i]
		n := m.key.Window.Size
		avail := min(a.ring.Len(), n)
		var sum float64
		for back := 0; back < avail; back++ {
			sum += a.ring.value(m.key.Series, back)
		}
		m.mean = sum / float64(n)
	}
	a.sinceRebase = 0
}

// Mean returns the running mean for key. ok is false until Size observations exist
// or when the key is not tracked.
func (a *Aggregator) Mean(key MeanKey) (float64, bool) {
	for _, m := range a.means {
		if m.key == key {
			if a.ring.Len() < key.Window.Size {
				return 0, false
			}
			return m.mean, true
		}
	}
	return 0, false
}

// Ready reports whether every tracked mean is valid.
func (a *Aggregator) Ready() bool {
	for _, m := range a.means {
		if a.ring.Len() < m.key.Window.Size {
			return false
		}
	}
	return true
}

// Latest returns the newest tick.
func (a *Aggregator) Latest() (models.Tick, bool) { return a.ring.at(0) }

// At returns the tick back positions before the newest one.
func (a *Aggregator) At(back int) (models.Tick, bool) { return a.ring.at(back) }

// Len is the number of ticks held in the ring.
func (a *Aggregator) Len() int { return a.ring.Len() }

// Count is the total number of observations seen since Initialize.
func (a *Aggregator) Count() int64 { return a.count }

func seriesOf(t models.Tick, s Series) float64 {
	if s == SeriesValue {
		return t.TradedValue
	}
	return t.Price
}
