package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// DeliveryMetrics exports per-channel and per-address delivery counters to
// Prometheus. It implements Instrumentation for the dequeue counter.
type DeliveryMetrics struct {
	mu sync.Mutex

	submittedTotal *prometheus.CounterVec
	dequeuedTotal  *prometheus.CounterVec
	deliveries     *prometheus.CounterVec
	duration       *prometheus.HistogramVec
	queueDepth     *prometheus.GaugeVec

	registerer prometheus.Registerer
	registered bool
}

// NewDeliveryMetrics creates the delivery collectors. Call Register before use.
func NewDeliveryMetrics(registerer prometheus.Registerer) *DeliveryMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &DeliveryMetrics{
		registerer: registerer,
		submittedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "courier",
			Subsystem: "channel",
			Name:      "submitted_total",
			Help:      "Parcels enqueued on a channel",
		}, []string{"channel"}),
		dequeuedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "courier",
			Subsystem: "channel",
			Name:      "dequeued_total",
			Help:      "Parcels taken off a channel by its forwarding loop",
		}, []string{"channel"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "courier",
			Subsystem: "receiver",
			Name:      "deliveries_total",
			Help:      "Receiver invocations by outcome (delivered, forwarded, failed)",
		}, []string{"channel", "address", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "courier",
			Subsystem: "receiver",
			Name:      "duration_seconds",
			Help:      "Receiver invocation latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"channel", "address"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "courier",
			Subsystem: "channel",
			Name:      "queue_depth",
			Help:      "Parcels waiting on a channel",
		}, []string{"channel"}),
	}
}

// Register registers the Prometheus collectors. Safe to call multiple times.
// Collectors another courier already registered on the same registerer are
// adopted, so both feed the exported series.
func (m *DeliveryMetrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.registered {
		return nil
	}
	err := errors.Join(
		registerCollector(m.registerer, &m.submittedTotal),
		registerCollector(m.registerer, &m.dequeuedTotal),
		registerCollector(m.registerer, &m.deliveries),
		registerCollector(m.registerer, &m.duration),
		registerCollector(m.registerer, &m.queueDepth),
	)
	if err != nil {
		return err
	}
	m.registered = true
	return nil
}

// registerCollector registers *c, swapping in the existing collector when
// an identical one is already registered.
func registerCollector[C prometheus.Collector](registerer prometheus.Registerer, c *C) error {
	err := registerer.Register(*c)
	if err == nil {
		return nil
	}
	var already prometheus.AlreadyRegisteredError
	if !errors.As(err, &already) {
		return err
	}
	existing, ok := already.ExistingCollector.(C)
	if !ok {
		return fmt.Errorf("collector already registered as %T", already.ExistingCollector)
	}
	*c = existing
	return nil
}

// RecordSubmitted counts an enqueue and updates the queue depth gauge.
func (m *DeliveryMetrics) RecordSubmitted(channel ChannelName, depth int) {
	m.submittedTotal.WithLabelValues(string(channel)).Inc()
	m.queueDepth.WithLabelValues(string(channel)).Set(float64(depth))
}

// SetQueueDepth updates the queue depth gauge for channel.
func (m *DeliveryMetrics) SetQueueDepth(channel ChannelName, depth int) {
	m.queueDepth.WithLabelValues(string(channel)).Set(float64(depth))
}

// ObserveDelivery records one receiver invocation.
func (m *DeliveryMetrics) ObserveDelivery(channel ChannelName, address Address, outcome string, elapsed time.Duration) {
	m.deliveries.WithLabelValues(string(channel), string(address), outcome).Inc()
	m.duration.WithLabelValues(string(channel), string(address)).Observe(elapsed.Seconds())
}

func (m *DeliveryMetrics) OnDelivery(_ context.Context, channel ChannelName, _ *Parcel) {
	m.dequeuedTotal.WithLabelValues(string(channel)).Inc()
}

func (m *DeliveryMetrics) OnDeadParcel(context.Context, ChannelName, *Parcel, string) {}
