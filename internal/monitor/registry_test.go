package monitor

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/rewired-gh/tickwatch/internal/models"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RequestSpacing = 0
	cfg.CheckpointInterval = 0
	return cfg
}

func addSeeded(t *testing.T, r *Registry, clock *fakeClock, symbol string, n int, value float64) *Session {
	t.Helper()
	s, err := NewSession(symbol, flatTicks(n, 100, value), DefaultEvaluatorConfig(), WithClock(clock.Now))
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	r.AddSession(s)
	return s
}

func TestSelectTopK(t *testing.T) {
	stats := map[string]float64{"AAA": 10, "BBB": 30, "CCC": 10, "DDD": 20}
	stat := func(s string) (float64, bool) {
		v, ok := stats[s]
		return v, ok
	}
	symbols := []string{"CCC", "EEE", "AAA", "DDD", "BBB"}

	tests := []struct {
		k    int
		want []string
	}{
		{0, []string{}},
		{2, []string{"BBB", "DDD"}},
		{4, []string{"BBB", "DDD", "AAA", "CCC"}},
		{10, []string{"BBB", "DDD", "AAA", "CCC", "EEE"}},
	}
	for _, tt := range tests {
		if got := SelectTopK(symbols, stat, tt.k); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("SelectTopK(k=%d) = %v, want %v", tt.k, got, tt.want)
		}
	}
}

func TestRegistry_SelectByMean7dValue(t *testing.T) {
	clock := newFakeClock()
	r := NewRegistry(newFakeSource(), nil, testConfig(), WithRegistryClock(clock.Now))
	addSeeded(t, r, clock, "LOW", 10080, 100)
	addSeeded(t, r, clock, "HIGH", 10080, 5000)
	addSeeded(t, r, clock, "MID", 10080, 1000)

	got := r.Select(2)
	if want := []string{"HIGH", "MID"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("Select(2) = %v, want %v", got, want)
	}
	if !reflect.DeepEqual(r.Tracked(), got) {
		t.Errorf("Tracked() = %v", r.Tracked())
	}
	for _, st := range r.Status() {
		if st.Tracked != (st.Symbol != "LOW") {
			t.Errorf("%s tracked = %v", st.Symbol, st.Tracked)
		}
	}
	if _, ok := r.Session("LOW"); !ok {
		t.Error("retired session must keep its state")
	}
}

func TestRegistry_PollOnceIsolatesFailures(t *testing.T) {
	clock := newFakeClock()
	src := newFakeSource()
	sink := &recordingSink{}
	metrics := NewMetrics(nil)
	r := NewRegistry(src, sink, testConfig(), WithRegistryClock(clock.Now), WithMetrics(metrics))

	bad := addSeeded(t, r, clock, "BAD", 10080, 2000)
	good := addSeeded(t, r, clock, "GOOD", 10080, 1000)
	r.Select(2)

	badLast, _ := bad.LastTimestamp()
	goodLast, _ := good.LastTimestamp()
	src.errs["BAD"] = errBoom
	src.klines["GOOD"] = append(flatKlines(goodLast+minuteMs, 2, 100, 1000), flatKlines(goodLast+3*minuteMs, 1, 106, 20000)...)

	report, err := r.PollOnce(context.Background())
	if err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	if report.Polled != 2 || report.Failed != 1 || report.Ticks != 3 || report.Alerts != 1 {
		t.Errorf("report = %+v", report)
	}
	if report.Degraded() {
		t.Error("one healthy symbol means the cycle is not degraded")
	}

	if got, _ := bad.LastTimestamp(); got != badLast {
		t.Error("failed symbol state must not change")
	}
	if got, _ := good.LastTimestamp(); got != goodLast+3*minuteMs {
		t.Errorf("good symbol last = %d, want %d", got, goodLast+3*minuteMs)
	}

	alerts := sink.all()
	if len(alerts) != 1 || alerts[0].Symbol != "GOOD" || alerts[0].Kind != models.KindVolumeSpike {
		t.Fatalf("alerts = %+v", alerts)
	}
	if alerts[0].ID == "" {
		t.Error("published alert should carry an ID")
	}

	status := map[string]PollStatus{}
	for _, st := range r.Status() {
		status[st.Symbol] = st
	}
	if status["BAD"].ConsecutiveFailures != 1 || status["BAD"].LastError == "" {
		t.Errorf("BAD status = %+v", status["BAD"])
	}
	if status["GOOD"].ConsecutiveFailures != 0 || status["GOOD"].LastSuccess.IsZero() {
		t.Errorf("GOOD status = %+v", status["GOOD"])
	}

	if got := testutil.ToFloat64(metrics.PollFailures.WithLabelValues("BAD", "network")); got != 1 {
		t.Errorf("poll failures = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.TicksIngested.WithLabelValues("GOOD")); got != 3 {
		t.Errorf("ticks ingested = %v, want 3", got)
	}
	if got := testutil.ToFloat64(metrics.AlertsFired.WithLabelValues(string(models.KindVolumeSpike))); got != 1 {
		t.Errorf("alerts fired = %v, want 1", got)
	}
}

func TestRegistry_PollOnceDropsStaleTicks(t *testing.T) {
	clock := newFakeClock()
	src := newFakeSource()
	src.ignoreStart = true
	hist := newMemHistory()
	metrics := NewMetrics(nil)
	r := NewRegistry(src, nil, testConfig(), WithRegistryClock(clock.Now), WithHistory(hist), WithMetrics(metrics))

	s := addSeeded(t, r, clock, "ETHUSDT", 30, 1)
	r.Select(1)
	last, _ := s.LastTimestamp()

	// Two replayed candles followed by two new ones.
	src.klines["ETHUSDT"] = flatKlines(last-minuteMs, 4, 100, 1)

	report, err := r.PollOnce(context.Background())
	if err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	if report.Ticks != 2 {
		t.Errorf("ticks = %d, want 2", report.Ticks)
	}
	if got := len(hist.records["ETHUSDT"]); got != 2 {
		t.Errorf("history appended %d records, want 2", got)
	}
	if got := testutil.ToFloat64(metrics.TicksRejected.WithLabelValues("ETHUSDT", "ordering")); got != 2 {
		t.Errorf("rejected = %v, want 2", got)
	}
}

func TestRegistry_PollOnceStopsBetweenSymbols(t *testing.T) {
	clock := newFakeClock()
	src := newFakeSource()
	r := NewRegistry(src, nil, testConfig(), WithRegistryClock(clock.Now))

	a := addSeeded(t, r, clock, "AAA", 20, 1)
	b := addSeeded(t, r, clock, "BBB", 20, 1)
	r.Select(2)

	aLast, _ := a.LastTimestamp()
	bLast, _ := b.LastTimestamp()
	src.klines["AAA"] = flatKlines(aLast+minuteMs, 3, 100, 1)
	src.klines["BBB"] = flatKlines(bLast+minuteMs, 3, 100, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	src.onFetch = func(symbol string) {
		if symbol == "AAA" {
			cancel()
		}
	}

	report, err := r.PollOnce(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if report.Ticks != 3 {
		t.Errorf("the in-flight symbol should finish, ticks = %d", report.Ticks)
	}
	if got, _ := a.LastTimestamp(); got != aLast+3*minuteMs {
		t.Errorf("AAA last = %d, want %d", got, aLast+3*minuteMs)
	}
	if src.callCount("BBB") != 0 {
		t.Error("BBB must not be polled after cancellation")
	}
}

func TestRegistry_Staleness(t *testing.T) {
	clock := newFakeClock()
	src := newFakeSource()
	r := NewRegistry(src, nil, testConfig(), WithRegistryClock(clock.Now))
	addSeeded(t, r, clock, "AAA", 20, 1)
	addSeeded(t, r, clock, "BBB", 20, 1)
	r.Select(2)
	src.errs["AAA"] = errBoom

	clock.Advance(10 * time.Minute)
	report, _ := r.PollOnce(context.Background())
	if report.Degraded() {
		t.Error("BBB succeeded, cycle is not degraded")
	}

	clock.Advance(time.Minute)
	st := map[string]PollStatus{}
	for _, s := range r.Status() {
		st[s.Symbol] = s
	}
	if st["AAA"].Staleness != 11*time.Minute {
		t.Errorf("AAA staleness = %v, want 11m", st["AAA"].Staleness)
	}
	if st["BBB"].Staleness != time.Minute {
		t.Errorf("BBB staleness = %v, want 1m", st["BBB"].Staleness)
	}

	src.errs["BBB"] = errBoom
	report, _ = r.PollOnce(context.Background())
	if !report.Degraded() {
		t.Errorf("all symbols failed, report = %+v", report)
	}
}

func TestRegistry_BootstrapBackfillsEmptyHistory(t *testing.T) {
	clock := newFakeClock()
	src := newFakeSource()
	hist := newMemHistory()
	r := NewRegistry(src, nil, testConfig(), WithRegistryClock(clock.Now), WithHistory(hist))

	now := clock.Now().UnixMilli()
	src.klines["ETHUSDT"] = flatKlines(now-10080*minuteMs, 10080, 100, 1000)

	if err := r.Bootstrap(context.Background(), []string{"ETHUSDT"}); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if got := len(hist.records["ETHUSDT"]); got != 10080 {
		t.Errorf("history has %d records, want 10080", got)
	}
	s, ok := r.Session("ETHUSDT")
	if !ok {
		t.Fatal("session not created")
	}
	if !s.Ready() {
		t.Error("bootstrapped session should be ready")
	}
}

func TestRegistry_BootstrapExcludesShortHistory(t *testing.T) {
	clock := newFakeClock()
	hist := newMemHistory()
	alarms := newMemAlarms()
	r := NewRegistry(newFakeSource(), nil, testConfig(),
		WithRegistryClock(clock.Now), WithHistory(hist), WithAlarmStore(alarms))

	hist.records["LONG"] = flatKlines(baseTs, 10080, 100, 1000)
	hist.records["SHORT"] = flatKlines(baseTs, 5000, 100, 1000)
	alarms.states["LONG"] = models.AlarmState{LastKind: models.AlarmSpike, LastFiredAt: clock.Now()}

	if err := r.Bootstrap(context.Background(), []string{"LONG", "SHORT", "MISSING"}); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if _, ok := r.Session("SHORT"); ok {
		t.Error("SHORT has 5000 records and must be excluded")
	}
	if _, ok := r.Session("MISSING"); ok {
		t.Error("MISSING has no records and must be excluded")
	}
	s, ok := r.Session("LONG")
	if !ok {
		t.Fatal("LONG session not created")
	}
	if s.Alarm().LastKind != models.AlarmSpike {
		t.Error("persisted alarm state should be restored")
	}
}

func TestRegistry_BootstrapHonoursCancellation(t *testing.T) {
	r := NewRegistry(newFakeSource(), nil, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := r.Bootstrap(ctx, []string{"ETHUSDT"}); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestRegistry_CheckpointAfterInterval(t *testing.T) {
	clock := newFakeClock()
	src := newFakeSource()
	alarms := newMemAlarms()
	cfg := testConfig()
	cfg.CheckpointInterval = 1
	r := NewRegistry(src, &recordingSink{}, cfg, WithRegistryClock(clock.Now), WithAlarmStore(alarms))

	s := addSeeded(t, r, clock, "ETHUSDT", 10080, 1000)
	r.Select(1)
	last, _ := s.LastTimestamp()
	src.klines["ETHUSDT"] = flatKlines(last+minuteMs, 1, 106, 20000)

	if _, err := r.PollOnce(context.Background()); err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	if got := alarms.states["ETHUSDT"].LastKind; got != models.AlarmSpike {
		t.Errorf("checkpointed kind = %v, want spike", got)
	}
}

func TestRegistry_RunUntilCancelled(t *testing.T) {
	clock := newFakeClock()
	r := NewRegistry(newFakeSource(), nil, testConfig(), WithRegistryClock(clock.Now))
	addSeeded(t, r, clock, "ETHUSDT", 20, 1)
	r.Select(1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cycles := 0
	err := r.Run(ctx, 0, func(PollReport) {
		cycles++
		if cycles == 2 {
			cancel()
		}
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run returned %v, want context.Canceled", err)
	}
	if cycles != 2 {
		t.Errorf("cycles = %d, want 2", cycles)
	}
}
