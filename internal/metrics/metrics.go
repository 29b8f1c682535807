package metrics

import (
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// Names of the metrics recorded by the donation core
const (
	DonationsCreated       = "donations_created"
	WebhooksProcessed      = "payment_webhooks_processed"
	WebhookDuplicates      = "payment_webhook_duplicates"
	CampaignsCompleted     = "campaigns_completed"
	ReceiptsDispatched     = "receipts_dispatched"
	ReceiptsDeferred       = "receipts_deferred"
	DonorTotalsReconciled  = "donor_totals_reconciled"
	OperationCreate        = "create_donation"
	OperationWebhook       = "payment_webhook"
	OperationReconcile     = "reconcile_donor_totals"
	ComponentDatabase      = "database"
	ComponentServiceBus    = "service_bus"
	ComponentElasticsearch = "elasticsearch"
	ComponentRedis         = "redis"
)

// TimerMetric captures timing information
type TimerMetric struct {
	Count         int64   `json:"count"`
	TotalTimeMs   int64   `json:"total_time_ms"`
	AverageTimeMs float64 `json:"average_time_ms"`
	MinTimeMs     int64   `json:"min_time_ms"`
	MaxTimeMs     int64   `json:"max_time_ms"`
}

// ErrorRateMetric captures error rates
type ErrorRateMetric struct {
	Total     int64   `json:"total"`
	Errors    int64   `json:"errors"`
	ErrorRate float64 `json:"error_rate"`
}

type timer struct {
	count, totalMs, minMs, maxMs int64
}

type errorRate struct {
	total, errors int64
}

// Metrics is an in-process collector exposed on /metrics. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	mu         sync.RWMutex
	counters   map[string]*int64
	gauges     map[string]*int64
	timers     map[string]*timer
	errorRates map[string]*errorRate
	health     map[string]*int64
	startTime  time.Time
}

// NewMetrics creates a new metrics collector
func NewMetrics() *Metrics {
	return &Metrics{
		counters:   make(map[string]*int64),
		gauges:     make(map[string]*int64),
		timers:     make(map[string]*timer),
		errorRates: make(map[string]*errorRate),
		health:     make(map[string]*int64),
		startTime:  time.Now(),
	}
}

// getOrCreate returns m[name], creating it under the write lock when absent
func getOrCreate[T any](mu *sync.RWMutex, m map[string]*T, name string, init func() *T) *T {
	mu.RLock()
	v, ok := m[name]
	mu.RUnlock()
	if ok {
		return v
	}

	mu.Lock()
	defer mu.Unlock()
	if v, ok = m[name]; !ok {
		v = init()
		m[name] = v
	}
	return v
}

func newInt64() *int64 { return new(int64) }

// IncrementCounter increments a counter by 1
func (m *Metrics) IncrementCounter(name string) {
	m.IncrementCounterBy(name, 1)
}

// IncrementCounterBy increments a counter by the specified value
func (m *Metrics) IncrementCounterBy(name string, value int64) {
	if m == nil {
		return
	}
	atomic.AddInt64(getOrCreate(&m.mu, m.counters, name, newInt64), value)
}

// SetGauge sets a gauge to a specific value
func (m *Metrics) SetGauge(name string, value int64) {
	if m == nil {
		return
	}
	atomic.StoreInt64(getOrCreate(&m.mu, m.gauges, name, newInt64), value)
}

// RecordTimer records a timing measurement
func (m *Metrics) RecordTimer(name string, d time.Duration) {
	if m == nil {
		return
	}
	ms := d.Milliseconds()
	t := getOrCreate(&m.mu, m.timers, name, func() *timer {
		return &timer{minMs: math.MaxInt64}
	})

	atomic.AddInt64(&t.count, 1)
	atomic.AddInt64(&t.totalMs, ms)
	for {
		cur := atomic.LoadInt64(&t.minMs)
		if ms >= cur || atomic.CompareAndSwapInt64(&t.minMs, cur, ms) {
			break
		}
	}
	for {
		cur := atomic.LoadInt64(&t.maxMs)
		if ms <= cur || atomic.CompareAndSwapInt64(&t.maxMs, cur, ms) {
			break
		}
	}
}

// ObserveOperation records duration and outcome of one operation run
func (m *Metrics) ObserveOperation(name string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.RecordTimer(name, time.Since(start))
	er := getOrCreate(&m.mu, m.errorRates, name, func() *errorRate { return &errorRate{} })
	atomic.AddInt64(&er.total, 1)
	if err != nil {
		atomic.AddInt64(&er.errors, 1)
	}
}

// SetHealth sets the health status of a component
func (m *Metrics) SetHealth(component string, healthy bool) {
	if m == nil {
		return
	}
	var v int64
	if healthy {
		v = 1
	}
	atomic.StoreInt64(getOrCreate(&m.mu, m.health, component, newInt64), v)
}

// GetCounters returns all counters
func (m *Metrics) GetCounters() map[string]int64 {
	if m == nil {
		return map[string]int64{}
	}
	return m.snapshot(m.counters)
}

// GetGauges returns all gauges
func (m *Metrics) GetGauges() map[string]int64 {
	if m == nil {
		return map[string]int64{}
	}
	return m.snapshot(m.gauges)
}

func (m *Metrics) snapshot(src map[string]*int64) map[string]int64 {
	out := make(map[string]int64)
	m.mu.RLock()
	defer m.mu.RUnlock()
	for name, v := range src {
		out[name] = atomic.LoadInt64(v)
	}
	return out
}

// GetTimers returns all timers
func (m *Metrics) GetTimers() map[string]TimerMetric {
	out := make(map[string]TimerMetric)
	if m == nil {
		return out
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for name, t := range m.timers {
		count := atomic.LoadInt64(&t.count)
		total := atomic.LoadInt64(&t.totalMs)
		var avg float64
		if count > 0 {
			avg = float64(total) / float64(count)
		}
		out[name] = TimerMetric{
			Count:         count,
			TotalTimeMs:   total,
			AverageTimeMs: avg,
			MinTimeMs:     atomic.LoadInt64(&t.minMs),
			MaxTimeMs:     atomic.LoadInt64(&t.maxMs),
		}
	}
	return out
}

// GetErrorRates returns all error rates as percentages
func (m *Metrics) GetErrorRates() map[string]ErrorRateMetric {
	out := make(map[string]ErrorRateMetric)
	if m == nil {
		return out
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for name, er := range m.errorRates {
		total := atomic.LoadInt64(&er.total)
		errs := atomic.LoadInt64(&er.errors)
		var rate float64
		if total > 0 {
			rate = float64(errs) / float64(total) * 100.0
		}
		out[name] = ErrorRateMetric{Total: total, Errors: errs, ErrorRate: rate}
	}
	return out
}

// GetHealthChecks returns all health checks
func (m *Metrics) GetHealthChecks() map[string]bool {
	out := make(map[string]bool)
	if m == nil {
		return out
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for name, h := range m.health {
		out[name] = atomic.LoadInt64(h) > 0
	}
	return out
}

// GetAllMetrics returns all metrics in a structured format
func (m *Metrics) GetAllMetrics() map[string]interface{} {
	var uptime int64
	if m != nil {
		uptime = int64(time.Since(m.startTime).Seconds())
	}
	return map[string]interface{}{
		"uptime_seconds": uptime,
		"counters":       m.GetCounters(),
		"gauges":         m.GetGauges(),
		"timers":         m.GetTimers(),
		"error_rates":    m.GetErrorRates(),
		"health_checks":  m.GetHealthChecks(),
	}
}
