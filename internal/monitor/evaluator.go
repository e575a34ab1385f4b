package monitor

import (
	"math"
	"time"

	"github.com/rewired-gh/tickwatch/internal/models"
)

// EvaluatorConfig holds the rule thresholds.
type EvaluatorConfig struct {
	VolumeRatio         float64
	SpikeRefireMinValue float64
	PumpRatio           float64
	DumpRatio           float64
	MaxLookback         int
	Cooldown            time.Duration
	WatchSymbols        []string
}

func DefaultEvaluatorConfig() EvaluatorConfig {
	return EvaluatorConfig{
		VolumeRatio:         10,
		SpikeRefireMinValue: 10000,
		PumpRatio:           1.05,
		DumpRatio:           0.99,
		MaxLookback:         9,
		Cooldown:            600 * time.Second,
		WatchSymbols:        []string{"BTCUSDT"},
	}
}

// View is the read side of a symbol's aggregated state.
type View interface {
	Latest() (models.Tick, bool)
	At(back int) (models.Tick, bool)
	Mean(key MeanKey) (float64, bool)
}

// match is the result of a rule predicate.
type match struct {
	magnitude float64
	offset    int
}

type rule struct {
	kind  models.AlertKind
	match func(e *Evaluator, symbol string, v View, cur models.Tick) (match, bool)
	allow func(e *Evaluator, st models.AlarmState, class models.AlarmKind, cur models.Tick, now time.Time) bool
}

// Outcome reports what a single evaluation did. Rule is empty when nothing matched.
type Outcome struct {
	Rule       models.AlertKind
	Alert      *models.Alert
	Suppressed bool
}

// Fired reports whether the evaluation produced an alert.
func (o Outcome) Fired() bool { return o.Alert != nil }

// Evaluator runs the ordered rule list. Only the first matching rule is acted on;
// a match that the cooldown suppresses still ends the evaluation.
type Evaluator struct {
	config EvaluatorConfig
	watch  map[string]bool
	rules  []rule
	now    func() time.Time
}

func NewEvaluator(config EvaluatorConfig, now func() time.Time) *Evaluator {
	if now == nil {
		now = time.Now
	}
	watch := make(map[string]bool, len(config.WatchSymbols))
	for _, s := range config.WatchSymbols {
		watch[s] = true
	}
	return &Evaluator{
		config: config,
		watch:  watch,
		now:    now,
		rules: []rule{
			{kind: models.KindVolumeSpike, match: matchVolumeSpike, allow: allowSpike},
			{kind: models.KindPricePump, match: matchPricePump, allow: allowCooldown},
			{kind: models.KindPriceDump, match: matchPriceDump, allow: allowCooldown},
		},
	}
}

// Evaluate inspects the newest tick of v and updates st when a rule fires.
func (e *Evaluator) Evaluate(symbol string, v View, st *models.AlarmState) Outcome {
	cur, ok := v.Latest()
	if !ok {
		return Outcome{}
	}

	for _, r := range e.rules {
		m, ok := r.match(e, symbol, v, cur)
		if !ok {
			continue
		}

		now := e.now()
		if !r.allow(e, *st, r.kind.Alarm(), cur, now) {
			return Outcome{Rule: r.kind, Suppressed: true}
		}

		st.LastKind = r.kind.Alarm()
		st.LastFiredAt = now
		return Outcome{
			Rule: r.kind,
			Alert: &models.Alert{
				Symbol:      symbol,
				Kind:        r.kind,
				Timestamp:   cur.Timestamp,
				Price:       cur.Price,
				TradedValue: cur.TradedValue,
				Magnitude:   m.magnitude,
				Offset:      m.offset,
				DetectedAt:  now,
			},
		}
	}
	return Outcome{}
}

// matchVolumeSpike needs all five means. The current value must exceed both value
// means by VolumeRatio and the current price must exceed every price mean.
func matchVolumeSpike(e *Evaluator, _ string, v View, cur models.Tick) (match, bool) {
	means := make(map[MeanKey]float64, len(SessionMeans))
	for _, k := range SessionMeans {
		m, ok := v.Mean(k)
		if !ok {
			return match{}, false
		}
		means[k] = m
	}

	if cur.TradedValue <= means[Mean7dValue]*e.config.VolumeRatio ||
		cur.TradedValue <= means[Mean7hValue]*e.config.VolumeRatio {
		return match{}, false
	}
	if cur.Price <= means[Mean7dPrice] || cur.Price <= means[Mean7hPrice] || cur.Price <= means[Mean7mPrice] {
		return match{}, false
	}

	ref := math.Max(means[Mean7dValue], means[Mean7hValue])
	var magnitude float64
	if ref > 0 {
		magnitude = cur.TradedValue / ref
	} else {
		magnitude = math.Inf(1)
	}
	return match{magnitude: magnitude}, true
}

// matchPricePump scans offsets 1..MaxLookback and reports the smallest one where
// the current price is at least PumpRatio times the earlier price.
func matchPricePump(e *Evaluator, _ string, v View, cur models.Tick) (match, bool) {
	return scanOffsets(v, e.config.MaxLookback, func(earlier float64) bool {
		return cur.Price >= earlier*e.config.PumpRatio
	}, cur.Price)
}

// matchPriceDump is restricted to watch symbols.
func matchPriceDump(e *Evaluator, symbol string, v View, cur models.Tick) (match, bool) {
	if !e.watch[symbol] {
		return match{}, false
	}
	return scanOffsets(v, e.config.MaxLookback, func(earlier float64) bool {
		return cur.Price <= earlier*e.config.DumpRatio
	}, cur.Price)
}

func scanOffsets(v View, maxLookback int, hit func(earlier float64) bool, price float64) (match, bool) {
	for i := 1; i <= maxLookback; i++ {
		earlier, ok := v.At(i)
		if !ok {
			return match{}, false
		}
		if !hit(earlier.Price) {
			continue
		}
		var change float64
		if earlier.Price > 0 {
			change = price/earlier.Price - 1
		}
		return match{magnitude: change, offset: i}, true
	}
	return match{}, false
}

// allowCooldown suppresses the same alarm class until Cooldown has elapsed.
func allowCooldown(e *Evaluator, st models.AlarmState, class models.AlarmKind, _ models.Tick, now time.Time) bool {
	return st.LastKind != class || now.Sub(st.LastFiredAt) > e.config.Cooldown
}

// allowSpike fires on a different previous class, or once Cooldown has elapsed
// and the traded value also exceeds SpikeRefireMinValue.
func allowSpike(e *Evaluator, st models.AlarmState, class models.AlarmKind, cur models.Tick, now time.Time) bool {
	if st.LastKind != class {
		return true
	}
	return now.Sub(st.LastFiredAt) > e.config.Cooldown && cur.TradedValue > e.config.SpikeRefireMinValue
}
