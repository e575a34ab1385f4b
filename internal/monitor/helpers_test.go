package monitor

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rewired-gh/tickwatch/internal/models"
)

const minuteMs = int64(60 * 1000)

// baseTs is 2021-01-01T00:00:00Z.
const baseTs = int64(1609459200000)

func flatTicks(n int, price, value float64) []models.Tick {
	ticks := make([]models.Tick, n)
	for i := range ticks {
		ticks[i] = models.Tick{Timestamp: baseTs + int64(i)*minuteMs, Price: price, TradedValue: value}
	}
	return ticks
}

func pricedTicks(prices ...float64) []models.Tick {
	ticks := make([]models.Tick, len(prices))
	for i, p := range prices {
		ticks[i] = models.Tick{Timestamp: baseTs + int64(i)*minuteMs, Price: p, TradedValue: 1}
	}
	return ticks
}

func flatKlines(start int64, n int, price, value float64) []models.Kline {
	klines := make([]models.Kline, n)
	for i := range klines {
		open := start + int64(i)*minuteMs
		klines[i] = models.Kline{
			OpenTime:    open,
			Open:        price,
			High:        price,
			Low:         price,
			Close:       price,
			CloseTime:   open + minuteMs - 1,
			QuoteVolume: value,
		}
	}
	return klines
}

func nextTick(s *Session, price, value float64) models.Tick {
	last, _ := s.LastTimestamp()
	return models.Tick{Timestamp: last + minuteMs, Price: price, TradedValue: value}
}

func closeRel(got, want, tol float64) bool {
	if want == 0 {
		return math.Abs(got) <= tol
	}
	return math.Abs(got-want)/math.Abs(want) <= tol
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fakeSource struct {
	mu          sync.Mutex
	klines      map[string][]models.Kline
	errs        map[string]error
	ignoreStart bool
	calls       []string
	onFetch     func(symbol string)
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		klines: make(map[string][]models.Kline),
		errs:   make(map[string]error),
	}
}

func (f *fakeSource) FetchKlines(_ context.Context, symbol string, start, end int64) ([]models.Kline, error) {
	f.mu.Lock()
	f.calls = append(f.calls, symbol)
	err := f.errs[symbol]
	var out []models.Kline
	for _, k := range f.klines[symbol] {
		if (f.ignoreStart || k.OpenTime >= start) && k.OpenTime <= end {
			out = append(out, k)
		}
	}
	hook := f.onFetch
	f.mu.Unlock()

	if hook != nil {
		hook(symbol)
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (f *fakeSource) callCount(symbol string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == symbol {
			n++
		}
	}
	return n
}

type recordingSink struct {
	mu     sync.Mutex
	alerts []models.Alert
}

func (s *recordingSink) Publish(a models.Alert) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, a)
}

func (s *recordingSink) all() []models.Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Alert(nil), s.alerts...)
}

type memHistory struct {
	records   map[string][]models.Kline
	appendErr error
}

func newMemHistory() *memHistory {
	return &memHistory{records: make(map[string][]models.Kline)}
}

func (h *memHistory) Tail(symbol string, n int) ([]models.Kline, error) {
	recs := h.records[symbol]
	if len(recs) > n {
		recs = recs[len(recs)-n:]
	}
	return append([]models.Kline(nil), recs...), nil
}

func (h *memHistory) Append(symbol string, klines []models.Kline) error {
	if h.appendErr != nil {
		return h.appendErr
	}
	h.records[symbol] = append(h.records[symbol], klines...)
	return nil
}

func (h *memHistory) LastTimestamp(symbol string) (int64, bool, error) {
	recs := h.records[symbol]
	if len(recs) == 0 {
		return 0, false, nil
	}
	return recs[len(recs)-1].OpenTime, true, nil
}

type memAlarms struct {
	states  map[string]models.AlarmState
	loadErr error
}

func newMemAlarms() *memAlarms {
	return &memAlarms{states: make(map[string]models.AlarmState)}
}

func (a *memAlarms) SaveAlarmState(symbol string, st models.AlarmState) error {
	a.states[symbol] = st
	return nil
}

func (a *memAlarms) LoadAlarmStates() (map[string]models.AlarmState, error) {
	if a.loadErr != nil {
		return nil, a.loadErr
	}
	out := make(map[string]models.AlarmState, len(a.states))
	for k, v := range a.states {
		out[k] = v
	}
	return out, nil
}

var errBoom = fmt.Errorf("boom: %w", models.ErrNetwork)
