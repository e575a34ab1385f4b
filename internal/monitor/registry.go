package monitor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/rewired-gh/tickwatch/internal/logger"
	"github.com/rewired-gh/tickwatch/internal/models"
)

// TickSource produces ordered candles for a symbol within [startMs, endMs].
type TickSource interface {
	FetchKlines(ctx context.Context, symbol string, startMs, endMs int64) ([]models.Kline, error)
}

// HistoryStore is the append-only per-symbol candle record.
type HistoryStore interface {
	Tail(symbol string, n int) ([]models.Kline, error)
	Append(symbol string, klines []models.Kline) error
	LastTimestamp(symbol string) (int64, bool, error)
}

// AlarmStore checkpoints alarm states across restarts.
type AlarmStore interface {
	SaveAlarmState(symbol string, st models.AlarmState) error
	LoadAlarmStates() (map[string]models.AlarmState, error)
}

// AlertSink receives fired alerts. Publish must not block.
type AlertSink interface {
	Publish(alert models.Alert)
}

type Config struct {
	TopK               int
	MinHistory         int
	RequestSpacing     time.Duration
	CheckpointInterval int
	RebaseInterval     int
	Evaluator          EvaluatorConfig
}

func DefaultConfig() Config {
	return Config{
		TopK:               100,
		MinHistory:         Window7d.Size,
		RequestSpacing:     1500 * time.Millisecond,
		CheckpointInterval: 12,
		RebaseInterval:     DefaultRebaseInterval,
		Evaluator:          DefaultEvaluatorConfig(),
	}
}

// PollStatus is the per-symbol health of the poll loop.
type PollStatus struct {
	Symbol              string
	Tracked             bool
	LastAttempt         time.Time
	LastSuccess         time.Time
	LastTick            int64
	ConsecutiveFailures int
	LastError           string
	Staleness           time.Duration
}

// PollReport summarises one PollOnce pass.
type PollReport struct {
	Polled int
	Failed int
	Ticks  int
	Alerts int
}

// Degraded reports whether every polled symbol failed.
func (r PollReport) Degraded() bool { return r.Polled > 0 && r.Failed == r.Polled }

type RegistryOption func(*Registry)

func WithHistory(h HistoryStore) RegistryOption { return func(r *Registry) { r.history = h } }

func WithAlarmStore(a AlarmStore) RegistryOption { return func(r *Registry) { r.alarms = a } }

func WithMetrics(m *Metrics) RegistryOption { return func(r *Registry) { r.metrics = m } }

func WithRegistryClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

// Registry owns every session, selects the top-K symbols by trailing traded value
// and drives the sequential poll loop. Sessions are only touched from the goroutine
// running Bootstrap, Select and PollOnce; mu guards the status exposed to other readers.
type Registry struct {
	source  TickSource
	sink    AlertSink
	history HistoryStore
	alarms  AlarmStore
	metrics *Metrics
	gate    *rate.Limiter
	config  Config
	now     func() time.Time
	started time.Time

	sessions   map[string]*Session
	cycleCount int

	mu      sync.RWMutex
	tracked []string
	status  map[string]*PollStatus
}

func NewRegistry(source TickSource, sink AlertSink, config Config, opts ...RegistryOption) *Registry {
	r := &Registry{
		source:   source,
		sink:     sink,
		config:   config,
		now:      time.Now,
		sessions: make(map[string]*Session),
		status:   make(map[string]*PollStatus),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.metrics == nil {
		r.metrics = NewMetrics(nil)
	}
	limit := rate.Inf
	if config.RequestSpacing > 0 {
		limit = rate.Every(config.RequestSpacing)
	}
	r.gate = rate.NewLimiter(limit, 1)
	r.started = r.now()
	return r
}

// Bootstrap brings each symbol's history up to date and builds a session from its tail.
// Symbols with fewer than MinHistory records are excluded. Only context cancellation
// is returned; per-symbol failures are logged.
func (r *Registry) Bootstrap(ctx context.Context, symbols []string) error {
	var persisted map[string]models.AlarmState
	if r.alarms != nil {
		states, err := r.alarms.LoadAlarmStates()
		if err != nil {
			logger.Warn("Failed to load persisted alarm states: %v", err)
		} else {
			persisted = states
			logger.Info("Loaded %d persisted alarm states", len(states))
		}
	}

	for i, symbol := range symbols {
		if err := ctx.Err(); err != nil {
			return err
		}
		logger.Debug("Bootstrapping %s (%d/%d)", symbol, i+1, len(symbols))

		seed, err := r.loadSeed(ctx, symbol)
		if err != nil {
			logger.Warn("Skipping %s: %v", symbol, err)
			continue
		}
		if len(seed) < r.config.MinHistory {
			logger.Info("Skipping %s: %v (%d of %d records)", symbol, models.ErrInsufficientHistory, len(seed), r.config.MinHistory)
			continue
		}

		sess, err := NewSession(symbol, models.Ticks(seed), r.config.Evaluator,
			WithClock(r.now), WithRebaseInterval(r.config.RebaseInterval))
		if err != nil {
			logger.Warn("Skipping %s: %v", symbol, err)
			continue
		}
		if st, ok := persisted[symbol]; ok {
			sess.RestoreAlarm(st)
		}
		r.AddSession(sess)
	}

	logger.Info("Created %d monitor sessions from %d symbols", len(r.sessions), len(symbols))
	return nil
}

func (r *Registry) loadSeed(ctx context.Context, symbol string) ([]models.Kline, error) {
	if r.history == nil {
		end := r.now().UnixMilli()
		start := end - int64(r.config.MinHistory+1)*time.Minute.Milliseconds()
		klines, err := r.fetch(ctx, symbol, start, end)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch seed: %w", err)
		}
		if len(klines) > r.config.MinHistory {
			klines = klines[len(klines)-r.config.MinHistory:]
		}
		return klines, nil
	}

	if err := r.backfill(ctx, symbol); err != nil {
		// Stale history still seeds a session; polling catches it up.
		logger.Warn("Failed to backfill %s: %v", symbol, err)
	}
	return r.history.Tail(symbol, r.config.MinHistory)
}

// backfill appends every candle after the last stored one. An empty history starts
// MinHistory minutes in the past.
func (r *Registry) backfill(ctx context.Context, symbol string) error {
	last, ok, err := r.history.LastTimestamp(symbol)
	if err != nil {
		return err
	}
	end := r.now().UnixMilli()
	start := end - int64(r.config.MinHistory+1)*time.Minute.Milliseconds()
	if ok {
		start = last + 1
	}
	if start >= end {
		return nil
	}

	klines, err := r.fetch(ctx, symbol, start, end)
	if err != nil {
		return err
	}
	if len(klines) == 0 {
		return nil
	}
	if err := r.history.Append(symbol, klines); err != nil {
		return fmt.Errorf("failed to append history: %w", err)
	}
	logger.Debug("Backfilled %d records for %s", len(klines), symbol)
	return nil
}

func (r *Registry) fetch(ctx context.Context, symbol string, start, end int64) ([]models.Kline, error) {
	if err := r.gate.Wait(ctx); err != nil {
		return nil, err
	}
	klines, err := r.source.FetchKlines(ctx, symbol, start, end)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(klines, func(i, j int) bool { return klines[i].OpenTime < klines[j].OpenTime })
	return klines, nil
}

// AddSession registers a session, replacing any previous one for the symbol.
func (r *Registry) AddSession(s *Session) {
	r.sessions[s.Symbol()] = s

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.status[s.Symbol()]; !ok {
		last, _ := s.LastTimestamp()
		r.status[s.Symbol()] = &PollStatus{Symbol: s.Symbol(), LastTick: last}
	}
}

// Session returns the session for symbol.
func (r *Registry) Session(symbol string) (*Session, bool) {
	s, ok := r.sessions[symbol]
	return s, ok
}

// SelectTopK ranks symbols by stat descending, ties broken by name, and returns the first k.
// Symbols without a valid stat rank after all others.
func SelectTopK(symbols []string, stat func(symbol string) (float64, bool), k int) []string {
	type item struct {
		symbol string
		value  float64
		ok     bool
	}
	items := make([]item, len(symbols))
	for i, s := range symbols {
		v, ok := stat(s)
		items[i] = item{symbol: s, value: v, ok: ok}
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].ok != items[j].ok {
			return items[i].ok
		}
		if items[i].value != items[j].value {
			return items[i].value > items[j].value
		}
		return items[i].symbol < items[j].symbol
	})

	if k < 0 {
		k = 0
	}
	if len(items) > k {
		items = items[:k]
	}
	result := make([]string, len(items))
	for i, it := range items {
		result[i] = it.symbol
	}
	return result
}

// Select tracks the top-K sessions by 7-day mean traded value. Sessions that fall out
// keep their state but are no longer polled.
func (r *Registry) Select(k int) []string {
	symbols := make([]string, 0, len(r.sessions))
	for s := range r.sessions {
		symbols = append(symbols, s)
	}
	top := SelectTopK(symbols, func(s string) (float64, bool) {
		return r.sessions[s].Mean(Mean7dValue)
	}, k)

	for i, s := range top {
		mean, _ := r.sessions[s].Mean(Mean7dValue)
		logger.Debug("No.%d %s $%.0f", i+1, s, mean)
	}

	r.mu.Lock()
	r.tracked = top
	selected := make(map[string]bool, len(top))
	for _, s := range top {
		selected[s] = true
	}
	for s, st := range r.status {
		st.Tracked = selected[s]
	}
	r.mu.Unlock()

	r.metrics.TrackedSymbols.Set(float64(len(top)))
	logger.Info("Tracking top %d of %d symbols by 7d mean traded value", len(top), len(symbols))
	return top
}

// Tracked returns the currently polled symbols in rank order.
func (r *Registry) Tracked() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.tracked...)
}

// PollOnce polls every tracked symbol once, sequentially, through the rate gate.
// A failing symbol is skipped for this cycle. Cancellation is checked between symbols,
// so a symbol whose ticks are being applied always finishes.
func (r *Registry) PollOnce(ctx context.Context) (PollReport, error) {
	var report PollReport
	for _, symbol := range r.Tracked() {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		sess, ok := r.sessions[symbol]
		if !ok {
			continue
		}
		report.Polled++
		if err := r.pollSymbol(ctx, sess, &report); err != nil {
			report.Failed++
		}
	}

	r.refreshStaleness()
	r.cycleCount++
	if r.config.CheckpointInterval > 0 && r.cycleCount%r.config.CheckpointInterval == 0 {
		r.Checkpoint()
	}
	return report, nil
}

func (r *Registry) pollSymbol(ctx context.Context, sess *Session, report *PollReport) error {
	symbol := sess.Symbol()
	attempt := r.now()
	last, _ := sess.LastTimestamp()

	klines, err := r.fetch(ctx, symbol, last+1, attempt.UnixMilli())
	if err != nil {
		r.metrics.PollFailures.WithLabelValues(symbol, failureReason(err)).Inc()
		r.recordFailure(symbol, attempt, err)
		logger.Warn("Poll failed for %s: %v", symbol, err)
		return err
	}

	accepted := make([]models.Kline, 0, len(klines))
	for _, k := range klines {
		out, err := sess.Update(k.Tick())
		if err != nil {
			reason := "invalid"
			if errors.Is(err, models.ErrOrderingViolation) {
				reason = "ordering"
			}
			r.metrics.TicksRejected.WithLabelValues(symbol, reason).Inc()
			logger.Warn("Dropped tick: %v", err)
			continue
		}
		accepted = append(accepted, k)
		r.metrics.TicksIngested.WithLabelValues(symbol).Inc()

		switch {
		case out.Fired():
			alert := *out.Alert
			alert.ID = uuid.New().String()
			r.metrics.AlertsFired.WithLabelValues(string(alert.Kind)).Inc()
			report.Alerts++
			logger.Info("Alert %s for %s at %d: price=%g value=%.0f magnitude=%.3f offset=%d",
				alert.Kind, symbol, alert.Timestamp, alert.Price, alert.TradedValue, alert.Magnitude, alert.Offset)
			if r.sink != nil {
				r.sink.Publish(alert)
			}
		case out.Suppressed:
			r.metrics.AlertsSuppressed.WithLabelValues(string(out.Rule)).Inc()
			logger.Debug("Suppressed %s for %s during cooldown", out.Rule, symbol)
		}
	}
	report.Ticks += len(accepted)

	if r.history != nil && len(accepted) > 0 {
		if err := r.history.Append(symbol, accepted); err != nil {
			logger.Warn("Failed to append %d records for %s: %v", len(accepted), symbol, err)
		}
	}

	r.recordSuccess(symbol, attempt, sess)
	return nil
}

func (r *Registry) recordFailure(symbol string, at time.Time, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.statusLocked(symbol)
	st.LastAttempt = at
	st.ConsecutiveFailures++
	st.LastError = err.Error()
}

func (r *Registry) recordSuccess(symbol string, at time.Time, sess *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.statusLocked(symbol)
	st.LastAttempt = at
	st.LastSuccess = at
	st.ConsecutiveFailures = 0
	st.LastError = ""
	st.LastTick, _ = sess.LastTimestamp()
}

func (r *Registry) statusLocked(symbol string) *PollStatus {
	st, ok := r.status[symbol]
	if !ok {
		st = &PollStatus{Symbol: symbol}
		r.status[symbol] = st
	}
	return st
}

func (r *Registry) refreshStaleness() {
	for _, st := range r.Status() {
		if st.Tracked {
			r.metrics.Staleness.WithLabelValues(st.Symbol).Set(st.Staleness.Seconds())
		}
	}
}

// Status returns a snapshot of every symbol's poll health, sorted by symbol.
// Staleness is the age of the last successful poll, or of the registry when there was none.
func (r *Registry) Status() []PollStatus {
	now := r.now()
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]PollStatus, 0, len(r.status))
	for _, st := range r.status {
		s := *st
		since := s.LastSuccess
		if since.IsZero() {
			since = r.started
		}
		s.Staleness = now.Sub(since)
		result = append(result, s)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Symbol < result[j].Symbol })
	return result
}

// Run polls until ctx is cancelled, waiting interval between cycles.
// onCycle, when set, observes every completed cycle.
func (r *Registry) Run(ctx context.Context, interval time.Duration, onCycle func(PollReport)) error {
	for {
		start := r.now()
		report, err := r.PollOnce(ctx)
		if err != nil {
			return err
		}
		logger.Debug("Poll cycle: %d polled, %d failed, %d ticks, %d alerts in %v",
			report.Polled, report.Failed, report.Ticks, report.Alerts, r.now().Sub(start))
		if onCycle != nil {
			onCycle(report)
		}

		if interval <= 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
			continue
		}
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Checkpoint persists every session's alarm state.
func (r *Registry) Checkpoint() {
	if r.alarms == nil {
		return
	}
	for symbol, sess := range r.sessions {
		if err := r.alarms.SaveAlarmState(symbol, sess.Alarm()); err != nil {
			logger.Warn("Failed to checkpoint alarm state for %s: %v", symbol, err)
		}
	}
}

func (r *Registry) Shutdown() {
	logger.Info("Checkpointing %d alarm states before shutdown", len(r.sessions))
	r.Checkpoint()
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, models.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, models.ErrNetwork):
		return "network"
	case errors.Is(err, models.ErrMalformedRecord):
		return "malformed"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "other"
	}
}
