package runtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// DLQMetrics tracks dead letter statistics. It implements Instrumentation so
// every dead parcel is counted, whether or not a dead letter receiver exists.
type DLQMetrics struct {
	mu sync.RWMutex

	// Per-channel counts
	channelCounts map[ChannelName]*DLQChannelMetrics

	// Prometheus collectors
	deadTotal      *prometheus.CounterVec
	pending        *prometheus.GaugeVec
	handledTotal   *prometheus.CounterVec
	replayedTotal  *prometheus.CounterVec
	droppedTotal   *prometheus.CounterVec
	ageSecondsHist *prometheus.HistogramVec
	hopCountHist   *prometheus.HistogramVec

	registerer prometheus.Registerer
	registered bool
}

// DLQChannelMetrics holds dead letter metrics for one channel.
type DLQChannelMetrics struct {
	DeadParcels   uint64    `json:"dead_parcels"`
	Pending       uint64    `json:"pending"`
	Handled       uint64    `json:"handled"`
	HandlerErrors uint64    `json:"handler_errors"`
	Replayed      uint64    `json:"replayed"`
	Dropped       uint64    `json:"dropped"`
	OldestDeadAt  time.Time `json:"oldest_dead_at,omitempty"`
	NewestDeadAt  time.Time `json:"newest_dead_at,omitempty"`
	AvgHopCount   float64   `json:"avg_hop_count"`
	LastReason    string    `json:"last_reason,omitempty"`
	LastUpdatedAt time.Time `json:"last_updated_at"`
}

// DLQMetricsSnapshot provides a point-in-time view of dead letter metrics.
type DLQMetricsSnapshot struct {
	TotalDead      uint64                             `json:"total_dead"`
	TotalPending   uint64                             `json:"total_pending"`
	TotalReplayed  uint64                             `json:"total_replayed"`
	TotalDropped   uint64                             `json:"total_dropped"`
	ChannelMetrics map[ChannelName]*DLQChannelMetrics `json:"channel_metrics"`
	CollectedAt    time.Time                          `json:"collected_at"`
}

func newDLQCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "courier",
			Subsystem: "dead_letter",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newDLQGaugeVec(name, help string, labels []string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "courier",
			Subsystem: "dead_letter",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newDLQHistogramVec(name, help string, buckets []float64, labels []string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "courier",
			Subsystem: "dead_letter",
			Name:      name,
			Help:      help,
			Buckets:   buckets,
		},
		labels,
	)
}

// NewDLQMetrics creates a new dead letter metrics collector.
func NewDLQMetrics(registerer prometheus.Registerer) *DLQMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &DLQMetrics{
		channelCounts:  make(map[ChannelName]*DLQChannelMetrics),
		registerer:     registerer,
		deadTotal:      newDLQCounterVec("parcels_total", "Total number of parcels marked dead", []string{"channel", "address"}),
		pending:        newDLQGaugeVec("pending", "Dead letters queued for the dead letter receiver", []string{"channel"}),
		handledTotal:   newDLQCounterVec("handled_total", "Dead letters processed by the dead letter receiver", []string{"channel", "outcome"}),
		replayedTotal:  newDLQCounterVec("replayed_total", "Dead letters resubmitted through Replay", []string{"channel", "address"}),
		droppedTotal:   newDLQCounterVec("dropped_total", "Dead letters discarded because the courier was closing", []string{"channel", "address"}),
		ageSecondsHist: newDLQHistogramVec("parcel_age_seconds", "Age of parcels when marked dead (time since creation)", []float64{0.001, 0.01, 0.1, 1, 5, 30, 60, 300}, []string{"channel"}),
		hopCountHist:   newDLQHistogramVec("hop_count", "Address chain length of parcels when marked dead", []float64{1, 2, 3, 5, 10, 20}, []string{"channel"}),
	}
}

// Register registers the Prometheus collectors. Safe to call multiple times.
func (m *DLQMetrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	err := errors.Join(
		registerCollector(m.registerer, &m.deadTotal),
		registerCollector(m.registerer, &m.pending),
		registerCollector(m.registerer, &m.handledTotal),
		registerCollector(m.registerer, &m.replayedTotal),
		registerCollector(m.registerer, &m.droppedTotal),
		registerCollector(m.registerer, &m.ageSecondsHist),
		registerCollector(m.registerer, &m.hopCountHist),
	)
	if err != nil {
		return err
	}

	m.registered = true
	return nil
}

// OnDelivery is a no-op; DLQMetrics only observes dead parcels.
func (m *DLQMetrics) OnDelivery(context.Context, ChannelName, *Parcel) {}

// OnDeadParcel records parcel as dead.
func (m *DLQMetrics) OnDeadParcel(_ context.Context, channel ChannelName, parcel *Parcel, reason string) {
	m.RecordDeadParcel(channel, parcel.Address(), reason, time.Since(parcel.CreatedAt()), len(parcel.receipt.AddressChain()))
}

// RecordDeadParcel records a parcel being marked dead.
func (m *DLQMetrics) RecordDeadParcel(channel ChannelName, address Address, reason string, age time.Duration, hops int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	metrics := m.getOrCreateChannelMetrics(channel)
	metrics.DeadParcels++
	metrics.LastReason = reason
	metrics.LastUpdatedAt = now
	if metrics.OldestDeadAt.IsZero() {
		metrics.OldestDeadAt = now
	}
	metrics.NewestDeadAt = now

	total := metrics.DeadParcels
	metrics.AvgHopCount = ((metrics.AvgHopCount * float64(total-1)) + float64(hops)) / float64(total)

	m.deadTotal.WithLabelValues(string(channel), string(address)).Inc()
	m.ageSecondsHist.WithLabelValues(string(channel)).Observe(age.Seconds())
	m.hopCountHist.WithLabelValues(string(channel)).Observe(float64(hops))
}

// RecordQueued records a dead letter entering the outlet.
func (m *DLQMetrics) RecordQueued(channel ChannelName) {
	m.mu.Lock()
	defer m.mu.Unlock()

	metrics := m.getOrCreateChannelMetrics(channel)
	metrics.Pending++
	metrics.LastUpdatedAt = time.Now()
	m.pending.WithLabelValues(string(channel)).Set(float64(metrics.Pending))
}

// RecordDeadLetterHandled records the dead letter receiver finishing with a letter.
func (m *DLQMetrics) RecordDeadLetterHandled(channel ChannelName, _ Address, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	metrics := m.getOrCreateChannelMetrics(channel)
	metrics.Handled++
	outcome := "ok"
	if !ok {
		metrics.HandlerErrors++
		outcome = "error"
	}
	m.decrementPending(channel, metrics)
	m.handledTotal.WithLabelValues(string(channel), outcome).Inc()
}

// RecordReplayed records a dead letter being resubmitted.
func (m *DLQMetrics) RecordReplayed(channel ChannelName, address Address) {
	m.mu.Lock()
	defer m.mu.Unlock()

	metrics := m.getOrCreateChannelMetrics(channel)
	metrics.Replayed++
	metrics.LastUpdatedAt = time.Now()
	m.replayedTotal.WithLabelValues(string(channel), string(address)).Inc()
}

// RecordDropped records a dead letter that never reached the receiver.
// queued reports whether it had been counted as pending.
func (m *DLQMetrics) RecordDropped(channel ChannelName, address Address, queued bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	metrics := m.getOrCreateChannelMetrics(channel)
	metrics.Dropped++
	if queued {
		m.decrementPending(channel, metrics)
	}
	m.droppedTotal.WithLabelValues(string(channel), string(address)).Inc()
}

func (m *DLQMetrics) decrementPending(channel ChannelName, metrics *DLQChannelMetrics) {
	if metrics.Pending > 0 {
		metrics.Pending--
	}
	metrics.LastUpdatedAt = time.Now()
	m.pending.WithLabelValues(string(channel)).Set(float64(metrics.Pending))
}

// GetSnapshot returns a point-in-time snapshot of all dead letter metrics.
func (m *DLQMetrics) GetSnapshot() DLQMetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snapshot := DLQMetricsSnapshot{
		ChannelMetrics: make(map[ChannelName]*DLQChannelMetrics),
		CollectedAt:    time.Now(),
	}

	for channel, metrics := range m.channelCounts {
		metricsCopy := *metrics
		snapshot.ChannelMetrics[channel] = &metricsCopy
		snapshot.TotalDead += metrics.DeadParcels
		snapshot.TotalPending += metrics.Pending
		snapshot.TotalReplayed += metrics.Replayed
		snapshot.TotalDropped += metrics.Dropped
	}

	return snapshot
}

// GetChannelMetrics returns a copy of the metrics for channel, or nil.
func (m *DLQMetrics) GetChannelMetrics(channel ChannelName) *DLQChannelMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if metrics, ok := m.channelCounts[channel]; ok {
		metricsCopy := *metrics
		return &metricsCopy
	}
	return nil
}

func (m *DLQMetrics) getOrCreateChannelMetrics(channel ChannelName) *DLQChannelMetrics {
	if metrics, ok := m.channelCounts[channel]; ok {
		return metrics
	}
	metrics := &DLQChannelMetrics{}
	m.channelCounts[channel] = metrics
	return metrics
}

// Reset resets all metrics (useful for testing).
func (m *DLQMetrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.channelCounts = make(map[ChannelName]*DLQChannelMetrics)
	m.deadTotal.Reset()
	m.pending.Reset()
	m.handledTotal.Reset()
	m.replayedTotal.Reset()
	m.droppedTotal.Reset()
	m.ageSecondsHist.Reset()
	m.hopCountHist.Reset()
}
