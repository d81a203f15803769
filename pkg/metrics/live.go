package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/alphonse-agent/nerve/pkg/bus"
	"github.com/alphonse-agent/nerve/pkg/observe"
	"github.com/alphonse-agent/nerve/pkg/store"
)

const depthQueryTimeout = 2 * time.Second

// Live reports scrape-time readings: bus buffer depths, tap drops,
// durable queue depth by status, and trace events lost to a full
// writer buffer. Any nil source is simply skipped.
type Live struct {
	bus    *bus.Bus
	queue  *store.SignalQueueStore
	writer *observe.Writer
	logger *slog.Logger

	signalDepth   *prometheus.Desc
	outboundDepth *prometheus.Desc
	tapDrops      *prometheus.Desc
	queueDepth    *prometheus.Desc
	traceDrops    *prometheus.Desc
}

// NewLive builds the collector. Register it alongside MustNew's
// instruments.
func NewLive(b *bus.Bus, queue *store.SignalQueueStore, w *observe.Writer, logger *slog.Logger) *Live {
	return &Live{
		bus:    b,
		queue:  queue,
		writer: w,
		logger: logger.With("component", "metrics"),
		signalDepth: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "bus", "signal_depth"),
			"Signals buffered on the bus awaiting the engine.", nil, nil),
		outboundDepth: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "bus", "outbound_depth"),
			"Outbound messages buffered awaiting the dispatcher.", nil, nil),
		tapDrops: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "bus", "tap_drops_total"),
			"Copies lost to full observer taps since startup.", []string{"stream"}, nil),
		queueDepth: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "queue", "depth"),
			"Durable signals by queue status.", []string{"status"}, nil),
		traceDrops: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "trace", "dropped_events_total"),
			"Trace events lost to a full writer buffer since startup.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (l *Live) Describe(ch chan<- *prometheus.Desc) {
	ch <- l.signalDepth
	ch <- l.outboundDepth
	ch <- l.tapDrops
	ch <- l.queueDepth
	ch <- l.traceDrops
}

// Collect implements prometheus.Collector. The queue depth costs one
// aggregate query per scrape; a failing query drops that family from
// the scrape instead of failing it.
func (l *Live) Collect(ch chan<- prometheus.Metric) {
	if l.bus != nil {
		ch <- prometheus.MustNewConstMetric(l.signalDepth, prometheus.GaugeValue, float64(l.bus.SignalDepth()))
		ch <- prometheus.MustNewConstMetric(l.outboundDepth, prometheus.GaugeValue, float64(l.bus.OutboundDepth()))
		sig, out := l.bus.TapDrops()
		ch <- prometheus.MustNewConstMetric(l.tapDrops, prometheus.CounterValue, float64(sig), "signals")
		ch <- prometheus.MustNewConstMetric(l.tapDrops, prometheus.CounterValue, float64(out), "outbound")
	}
	if l.queue != nil {
		ctx, cancel := context.WithTimeout(context.Background(), depthQueryTimeout)
		depths, err := l.queue.Depth(ctx)
		cancel()
		if err != nil {
			l.logger.Warn("queue depth query failed during scrape", "error", err)
		} else {
			for status, n := range depths {
				ch <- prometheus.MustNewConstMetric(l.queueDepth, prometheus.GaugeValue, float64(n), string(status))
			}
		}
	}
	if l.writer != nil {
		ch <- prometheus.MustNewConstMetric(l.traceDrops, prometheus.CounterValue, float64(l.writer.Dropped()))
	}
}
