package monitor

import (
	"fmt"
	"time"

	"github.com/rewired-gh/tickwatch/internal/models"
)

// SessionOption customises a Session.
type SessionOption func(*Session)

// WithClock sets the wall clock used for cooldowns.
func WithClock(now func() time.Time) SessionOption {
	return func(s *Session) { s.now = now }
}

// WithRebaseInterval overrides DefaultRebaseInterval.
func WithRebaseInterval(n int) SessionOption {
	return func(s *Session) { s.rebaseEvery = n }
}

// Session is the per-symbol composition of the aggregator, the evaluator and the alarm state.
// A Session is not safe for concurrent use; exactly one goroutine drives it.
type Session struct {
	symbol      string
	agg         *Aggregator
	eval        *Evaluator
	alarm       models.AlarmState
	now         func() time.Time
	rebaseEvery int
}

// NewSession seeds a session from historical ticks, which must be strictly increasing.
// An empty seed is allowed; the windows then warm up from the live stream.
func NewSession(symbol string, seed []models.Tick, config EvaluatorConfig, opts ...SessionOption) (*Session, error) {
	for i := 1; i < len(seed); i++ {
		if seed[i].Timestamp <= seed[i-1].Timestamp {
			return nil, fmt.Errorf("%w: seed tick %d at %d after %d", models.ErrOrderingViolation, i, seed[i].Timestamp, seed[i-1].Timestamp)
		}
	}

	s := &Session{
		symbol:      symbol,
		now:         time.Now,
		rebaseEvery: DefaultRebaseInterval,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.agg = NewAggregator(SessionMeans, s.rebaseEvery)
	s.agg.Initialize(seed)
	s.eval = NewEvaluator(config, s.now)
	return s, nil
}

// Update ingests a tick and evaluates the rules against it.
// A tick at or before the last stored timestamp is rejected with ErrOrderingViolation
// and leaves the session untouched.
func (s *Session) Update(t models.Tick) (Outcome, error) {
	if last, ok := s.LastTimestamp(); ok && t.Timestamp <= last {
		return Outcome{}, fmt.Errorf("%w: %s tick at %d, last %d", models.ErrOrderingViolation, s.symbol, t.Timestamp, last)
	}
	if err := t.Validate(); err != nil {
		return Outcome{}, fmt.Errorf("%s: invalid tick: %w", s.symbol, err)
	}

	s.agg.Append(t)
	return s.Evaluate(), nil
}

// Evaluate runs the rules against the newest tick.
func (s *Session) Evaluate() Outcome {
	return s.eval.Evaluate(s.symbol, s.agg, &s.alarm)
}

func (s *Session) Symbol() string { return s.symbol }

// LastTimestamp returns the newest stored timestamp.
func (s *Session) LastTimestamp() (int64, bool) {
	t, ok := s.agg.Latest()
	return t.Timestamp, ok
}

// Mean returns a running mean, or ok=false while its window is warming.
func (s *Session) Mean(key MeanKey) (float64, bool) { return s.agg.Mean(key) }

// Ready reports whether all five windows are valid.
func (s *Session) Ready() bool { return s.agg.Ready() }

// Len is the number of ticks held.
func (s *Session) Len() int { return s.agg.Len() }

// Alarm returns a copy of the alarm state.
func (s *Session) Alarm() models.AlarmState { return s.alarm }

// RestoreAlarm replaces the alarm state, typically from a checkpoint.
func (s *Session) RestoreAlarm(st models.AlarmState) { s.alarm = st }
