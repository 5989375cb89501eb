package runtime

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	errspkg "github.com/drblury/courier/internal/runtime/errors"
	"github.com/drblury/courier/internal/runtime/jsoncodec"
)

const (
	latencySampleSize    = 256
	throughputWindowSize = time.Minute
)

// RoadStats accumulates receiver statistics for one address.
type RoadStats struct {
	mu sync.Mutex

	address Address
	channel ChannelName
	current RoadStatsSnapshot

	latencyWindow    *latencyWindow
	throughputWindow *throughputWindow
}

// RoadStatsSnapshot is a copy of a RoadStats at one point in time.
type RoadStatsSnapshot struct {
	Invocations         uint64    `json:"invocations"`
	Delivered           uint64    `json:"delivered"`
	Forwarded           uint64    `json:"forwarded"`
	Failed              uint64    `json:"failed"`
	Dead                uint64    `json:"dead"`
	TotalProcessingTime int64     `json:"total_processing_time_ns"`
	LastInvokedAt       time.Time `json:"last_invoked_at"`
	LastDeadReason      string    `json:"last_dead_reason,omitempty"`

	Latency    LatencyMetrics    `json:"latency"`
	Throughput ThroughputMetrics `json:"throughput"`
	Errors     ErrorBreakdown    `json:"errors"`
	Backlog    BacklogMetrics    `json:"backlog"`
}

type LatencyMetrics struct {
	AverageNs  int64 `json:"average_ns"`
	P50Ns      int64 `json:"p50_ns"`
	P95Ns      int64 `json:"p95_ns"`
	P99Ns      int64 `json:"p99_ns"`
	LastNs     int64 `json:"last_ns"`
	SampleSize int   `json:"sample_size"`
}

type ThroughputMetrics struct {
	CurrentRPS       float64 `json:"current_rps"`
	WindowSeconds    float64 `json:"window_seconds"`
	ParcelsInWindow  uint64  `json:"parcels_in_window"`
	TotalInvocations uint64  `json:"total_invocations"`
}

type ErrorBreakdown struct {
	Validation uint64 `json:"validation"`
	Timeout    uint64 `json:"timeout"`
	Panic      uint64 `json:"panic"`
	Other      uint64 `json:"other"`
	LastError  string `json:"last_error,omitempty"`
}

type BacklogMetrics struct {
	InFlight    uint64 `json:"in_flight"`
	MaxInFlight uint64 `json:"max_in_flight"`
}

type ErrorCategory string

const (
	ErrorCategoryNone       ErrorCategory = "none"
	ErrorCategoryValidation ErrorCategory = "validation"
	ErrorCategoryTimeout    ErrorCategory = "timeout"
	ErrorCategoryPanic      ErrorCategory = "panic"
	ErrorCategoryOther      ErrorCategory = "other"
)

// ErrorClassifier buckets receiver errors for RoadStats.
type ErrorClassifier func(error) ErrorCategory

func newRoadStats(address Address, channel ChannelName) *RoadStats {
	return &RoadStats{
		address:          address,
		channel:          channel,
		latencyWindow:    newLatencyWindow(latencySampleSize),
		throughputWindow: newThroughputWindow(throughputWindowSize),
	}
}

func (s *RoadStats) Address() Address { return s.address }

func (s *RoadStats) Channel() ChannelName { return s.channel }

// Snapshot returns a copy of the current counters.
func (s *RoadStats) Snapshot() RoadStatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *RoadStats) MarshalJSON() ([]byte, error) {
	return jsoncodec.Marshal(s.Snapshot())
}

func (s *RoadStats) onStart() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.current.Backlog.InFlight++
	if s.current.Backlog.InFlight > s.current.Backlog.MaxInFlight {
		s.current.Backlog.MaxInFlight = s.current.Backlog.InFlight
	}
}

func (s *RoadStats) onFinish(duration time.Duration, out *Parcel, err error, classifier ErrorClassifier) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := &s.current
	if cur.Backlog.InFlight > 0 {
		cur.Backlog.InFlight--
	}

	cur.Invocations++
	switch {
	case err != nil:
		cur.Failed++
	case out != nil:
		cur.Forwarded++
	default:
		cur.Delivered++
	}
	cur.TotalProcessingTime += int64(duration)
	cur.LastInvokedAt = time.Now().UTC()

	s.latencyWindow.Add(duration)
	latency := s.latencyWindow.Snapshot()
	latency.AverageNs = cur.TotalProcessingTime / int64(cur.Invocations)
	cur.Latency = latency

	tp := s.throughputWindow.AddAndSnapshot(time.Now())
	cur.Throughput.CurrentRPS = tp.CurrentRPS
	cur.Throughput.WindowSeconds = tp.WindowSeconds
	cur.Throughput.ParcelsInWindow = uint64(tp.Count)
	cur.Throughput.TotalInvocations = cur.Invocations

	if classifier == nil {
		classifier = defaultErrorClassifier
	}
	cur.Errors.Record(classifier(err), err)
}

func (s *RoadStats) recordDead(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current.Dead++
	s.current.LastDeadReason = reason
}

// wrapReceiverWithStats times every call of next into stats.
func wrapReceiverWithStats(next Receiver, stats *RoadStats, classifier ErrorClassifier) Receiver {
	if stats == nil {
		return next
	}
	return func(ctx context.Context, d Delivery) (*Parcel, error) {
		stats.onStart()
		start := time.Now()
		out, err := next(ctx, d)
		stats.onFinish(time.Since(start), out, err, classifier)
		return out, err
	}
}

func (e *ErrorBreakdown) Record(category ErrorCategory, err error) {
	switch category {
	case ErrorCategoryNone:
		if err == nil {
			return
		}
		e.Other++
	case ErrorCategoryValidation:
		e.Validation++
	case ErrorCategoryTimeout:
		e.Timeout++
	case ErrorCategoryPanic:
		e.Panic++
	default:
		e.Other++
	}
	if err != nil {
		e.LastError = err.Error()
	}
}

func defaultErrorClassifier(err error) ErrorCategory {
	if err == nil {
		return ErrorCategoryNone
	}
	var typeErr *PayloadTypeError
	if errors.As(err, &typeErr) {
		return ErrorCategoryValidation
	}
	var panicErr *errspkg.ReceiverPanicError
	if errors.As(err, &panicErr) {
		return ErrorCategoryPanic
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ErrorCategoryTimeout
	}
	return ErrorCategoryOther
}

type latencyWindow struct {
	samples []int64
	next    int
	filled  int
	last    int64
}

func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = latencySampleSize
	}
	return &latencyWindow{samples: make([]int64, size)}
}

func (lw *latencyWindow) Add(d time.Duration) {
	lw.samples[lw.next] = int64(d)
	lw.last = int64(d)
	lw.next = (lw.next + 1) % len(lw.samples)
	if lw.filled < len(lw.samples) {
		lw.filled++
	}
}

func (lw *latencyWindow) Snapshot() LatencyMetrics {
	metrics := LatencyMetrics{LastNs: lw.last}
	if lw.filled == 0 {
		return metrics
	}
	samples := make([]int64, lw.filled)
	for i := range lw.filled {
		idx := lw.next - lw.filled + i
		if idx < 0 {
			idx += len(lw.samples)
		}
		samples[i] = lw.samples[idx]
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	metrics.SampleSize = lw.filled
	metrics.P50Ns = percentile(samples, 0.50)
	metrics.P95Ns = percentile(samples, 0.95)
	metrics.P99Ns = percentile(samples, 0.99)
	return metrics
}

func percentile(samples []int64, quantile float64) int64 {
	if len(samples) == 0 {
		return 0
	}
	if quantile <= 0 {
		return samples[0]
	}
	if quantile >= 1 {
		return samples[len(samples)-1]
	}
	pos := quantile * float64(len(samples)-1)
	lower := int(math.Floor(pos))
	upper := int(math.Ceil(pos))
	if lower == upper {
		return samples[lower]
	}
	frac := pos - float64(lower)
	return samples[lower] + int64(float64(samples[upper]-samples[lower])*frac)
}

type throughputWindow struct {
	horizon time.Duration
	samples []time.Time
}

type throughputSnapshot struct {
	Count         int
	WindowSeconds float64
	CurrentRPS    float64
}

func newThroughputWindow(horizon time.Duration) *throughputWindow {
	return &throughputWindow{
		horizon: horizon,
		samples: make([]time.Time, 0, 64),
	}
}

func (tw *throughputWindow) AddAndSnapshot(now time.Time) throughputSnapshot {
	tw.samples = append(tw.samples, now)
	cutoff := now.Add(-tw.horizon)
	idx := 0
	for idx < len(tw.samples) && tw.samples[idx].Before(cutoff) {
		idx++
	}
	if idx > 0 {
		tw.samples = append(tw.samples[:0], tw.samples[idx:]...)
	}

	span := now.Sub(tw.samples[0])
	if span <= 0 {
		span = time.Nanosecond
	}
	count := len(tw.samples)
	return throughputSnapshot{
		Count:         count,
		WindowSeconds: span.Seconds(),
		CurrentRPS:    float64(count) / span.Seconds(),
	}
}
