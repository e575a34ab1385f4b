// Package notify fans fired alerts out to notifiers without blocking the poll loop.
package notify

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rewired-gh/tickwatch/internal/logger"
	"github.com/rewired-gh/tickwatch/internal/models"
)

// Notifier delivers one alert. Notify may block; it runs on the dispatcher goroutine.
type Notifier interface {
	Notify(alert models.Alert) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(alert models.Alert) error

func (f NotifierFunc) Notify(alert models.Alert) error { return f(alert) }

// Dispatcher queues alerts and delivers them to every notifier in order.
// When the queue is full new alerts are dropped and counted.
type Dispatcher struct {
	queue     chan models.Alert
	notifiers map[string]Notifier
	names     []string
	dropped   prometheus.Counter
	failures  *prometheus.CounterVec

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher with the given queue size.
// Collectors are registered with reg unless it is nil.
func NewDispatcher(buffer int, reg prometheus.Registerer) *Dispatcher {
	if buffer <= 0 {
		buffer = 64
	}
	d := &Dispatcher{
		queue:     make(chan models.Alert, buffer),
		notifiers: make(map[string]Notifier),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tickwatch",
			Name:      "alerts_dropped_total",
			Help:      "Alerts dropped because the notification queue was full.",
		}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tickwatch",
			Name:      "notify_failures_total",
			Help:      "Failed alert deliveries per notifier.",
		}, []string{"notifier"}),
	}
	if reg != nil {
		reg.MustRegister(d.dropped, d.failures)
	}
	return d
}

// Add registers a notifier under name. It must be called before Start.
func (d *Dispatcher) Add(name string, n Notifier) {
	if _, ok := d.notifiers[name]; !ok {
		d.names = append(d.names, name)
	}
	d.notifiers[name] = n
}

// Start launches the delivery goroutine.
func (d *Dispatcher) Start() {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for alert := range d.queue {
			d.deliver(alert)
		}
	}()
}

func (d *Dispatcher) deliver(alert models.Alert) {
	for _, name := range d.names {
		if err := d.notifiers[name].Notify(alert); err != nil {
			d.failures.WithLabelValues(name).Inc()
			logger.Error("Failed to deliver %s alert for %s via %s: %v", alert.Kind, alert.Symbol, name, err)
		}
	}
}

// Publish enqueues alert without blocking.
func (d *Dispatcher) Publish(alert models.Alert) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.dropped.Inc()
		return
	}
	select {
	case d.queue <- alert:
	default:
		d.dropped.Inc()
		logger.Warn("Notification queue full, dropped %s alert for %s", alert.Kind, alert.Symbol)
	}
}

// Close stops accepting alerts and waits for queued ones to be delivered.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()
	d.wg.Wait()
}
