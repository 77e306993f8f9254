// Package perf is the in-memory performance tracker of spec §4.8: a pure
// observer of trades published on the bus, never on the hot path's
// critical section.
package perf

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/predictmkt/tradefeed/internal/model"
	"github.com/predictmkt/tradefeed/internal/stream"
)

// sampleCap bounds each exchange's latency sample ring buffer.
const sampleCap = 1000

// windowSize is the rolling throughput window.
const windowSize = 60 * time.Second

type exchangeCounters struct {
	total int64

	mu      sync.Mutex
	ring    [sampleCap]time.Duration
	ringAt  int
	ringLen int

	windowMu sync.Mutex
	window   []time.Time
}

// Tracker maintains per-exchange totals, a rolling 60s window count, and a
// bounded latency sample buffer, plus Prometheus exposition of the same
// counters (grounded in the teacher's internal/interfaces/http/metrics.go).
type Tracker struct {
	mu        sync.RWMutex
	exchanges map[model.Exchange]*exchangeCounters

	totalGauge   *prometheus.GaugeVec
	latencyHisto *prometheus.HistogramVec
}

// New builds a Tracker and registers its Prometheus collectors against reg.
func New(reg prometheus.Registerer) *Tracker {
	t := &Tracker{
		exchanges: make(map[model.Exchange]*exchangeCounters),
		totalGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tradefeed_trades_total",
			Help: "Total trades observed per exchange.",
		}, []string{"exchange"}),
		latencyHisto: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tradefeed_trade_latency_seconds",
			Help:    "Seconds between a trade's source timestamp and when it was observed by the tracker.",
			Buckets: prometheus.DefBuckets,
		}, []string{"exchange"}),
	}
	if reg != nil {
		reg.MustRegister(t.totalGauge, t.latencyHisto)
	}
	return t
}

// Run subscribes to bus and records every trade until stop is closed.
func (t *Tracker) Run(stop <-chan struct{}, bus *stream.TradeBus) {
	ch, sub := bus.Subscribe("perf-tracker")
	defer sub.Close()
	for {
		select {
		case <-stop:
			return
		case trade, ok := <-ch:
			if !ok {
				return
			}
			t.Observe(trade, time.Now())
		}
	}
}

// Observe records one trade's arrival. indexedAt is the wall-clock instant
// the tracker saw the trade; latency is indexedAt - trade.Timestamp.
func (t *Tracker) Observe(trade model.Trade, indexedAt time.Time) {
	counters := t.countersFor(trade.Exchange)

	atomic.AddInt64(&counters.total, 1)
	t.totalGauge.WithLabelValues(string(trade.Exchange)).Inc()

	latency := indexedAt.Sub(trade.Timestamp)
	if latency < 0 {
		latency = 0
	}
	t.latencyHisto.WithLabelValues(string(trade.Exchange)).Observe(latency.Seconds())

	counters.mu.Lock()
	counters.ring[counters.ringAt] = latency
	counters.ringAt = (counters.ringAt + 1) % sampleCap
	if counters.ringLen < sampleCap {
		counters.ringLen++
	}
	counters.mu.Unlock()

	counters.windowMu.Lock()
	counters.window = append(counters.window, indexedAt)
	counters.windowMu.Unlock()
}

func (t *Tracker) countersFor(exchange model.Exchange) *exchangeCounters {
	t.mu.RLock()
	c, ok := t.exchanges[exchange]
	t.mu.RUnlock()
	if ok {
		return c
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.exchanges[exchange]; ok {
		return c
	}
	c = &exchangeCounters{}
	t.exchanges[exchange] = c
	return c
}

// ExchangeSnapshot is one exchange's slice of the /stats response.
type ExchangeSnapshot struct {
	Exchange        model.Exchange `json:"exchange"`
	Total           int64          `json:"total"`
	LastMinuteCount int            `json:"lastMinuteCount"`
	AvgLatencyMs    float64        `json:"avgLatencyMs"`
}

// Snapshot builds the /stats JSON response: totals, rolling window counts,
// and average sampled latency, per exchange.
func (t *Tracker) Snapshot() []ExchangeSnapshot {
	t.mu.RLock()
	exchanges := make([]model.Exchange, 0, len(t.exchanges))
	counters := make([]*exchangeCounters, 0, len(t.exchanges))
	for e, c := range t.exchanges {
		exchanges = append(exchanges, e)
		counters = append(counters, c)
	}
	t.mu.RUnlock()

	now := time.Now()
	out := make([]ExchangeSnapshot, 0, len(exchanges))
	for i, e := range exchanges {
		c := counters[i]

		c.windowMu.Lock()
		cutoff := now.Add(-windowSize)
		kept := c.window[:0]
		for _, ts := range c.window {
			if ts.After(cutoff) {
				kept = append(kept, ts)
			}
		}
		c.window = kept
		lastMinute := len(kept)
		c.windowMu.Unlock()

		c.mu.Lock()
		var sum time.Duration
		for i := 0; i < c.ringLen; i++ {
			sum += c.ring[i]
		}
		avgMs := 0.0
		if c.ringLen > 0 {
			avgMs = float64(sum.Milliseconds()) / float64(c.ringLen)
		}
		c.mu.Unlock()

		out = append(out, ExchangeSnapshot{
			Exchange:        e,
			Total:           atomic.LoadInt64(&c.total),
			LastMinuteCount: lastMinute,
			AvgLatencyMs:    avgMs,
		})
	}
	return out
}
