package runtime

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/courier/internal/runtime/errors"
	"github.com/drblury/courier/internal/runtime/jsoncodec"
)

func TestRoadStatsOutcomes(t *testing.T) {
	stats := newRoadStats("a", "main")
	boom := errors.New("boom")

	calls := []struct {
		out *Parcel
		err error
	}{
		{},
		{out: NewParcel("b", nil, nil)},
		{err: boom},
		{err: &PayloadTypeError{Address: "a", Want: "int", Got: "string"}},
		{err: &errspkg.ReceiverPanicError{Value: "x"}},
		{err: context.DeadlineExceeded},
	}
	for _, call := range calls {
		h := wrapReceiverWithStats(func(context.Context, Delivery) (*Parcel, error) {
			return call.out, call.err
		}, stats, nil)
		_, _ = h(context.Background(), testDelivery("a", nil))
	}
	stats.recordDead("boom")

	snap := stats.Snapshot()
	assert.Equal(t, uint64(6), snap.Invocations)
	assert.Equal(t, uint64(1), snap.Delivered)
	assert.Equal(t, uint64(1), snap.Forwarded)
	assert.Equal(t, uint64(4), snap.Failed)
	assert.Equal(t, uint64(1), snap.Dead)
	assert.Equal(t, "boom", snap.LastDeadReason)

	assert.Equal(t, uint64(1), snap.Errors.Other)
	assert.Equal(t, uint64(1), snap.Errors.Validation)
	assert.Equal(t, uint64(1), snap.Errors.Panic)
	assert.Equal(t, uint64(1), snap.Errors.Timeout)
	assert.Equal(t, context.DeadlineExceeded.Error(), snap.Errors.LastError)

	assert.Equal(t, 6, snap.Latency.SampleSize)
	assert.Equal(t, uint64(6), snap.Throughput.TotalInvocations)
	assert.Zero(t, snap.Backlog.InFlight)
	assert.Equal(t, uint64(1), snap.Backlog.MaxInFlight)
	assert.False(t, snap.LastInvokedAt.IsZero())
}

func TestRoadStatsCustomClassifier(t *testing.T) {
	stats := newRoadStats("a", "main")
	classifier := func(err error) ErrorCategory {
		if err == nil {
			return ErrorCategoryNone
		}
		return ErrorCategoryValidation
	}
	h := wrapReceiverWithStats(func(context.Context, Delivery) (*Parcel, error) {
		return nil, errors.New("bad input")
	}, stats, classifier)
	_, _ = h(context.Background(), testDelivery("a", nil))

	assert.Equal(t, uint64(1), stats.Snapshot().Errors.Validation)
}

func TestRoadStatsTracksInFlight(t *testing.T) {
	stats := newRoadStats("a", "main")
	release := make(chan struct{})
	entered := make(chan struct{}, 2)
	h := wrapReceiverWithStats(func(context.Context, Delivery) (*Parcel, error) {
		entered <- struct{}{}
		<-release
		return nil, nil
	}, stats, nil)

	done := make(chan struct{}, 2)
	for range 2 {
		go func() {
			_, _ = h(context.Background(), testDelivery("a", nil))
			done <- struct{}{}
		}()
	}
	<-entered
	<-entered
	assert.Equal(t, uint64(2), stats.Snapshot().Backlog.InFlight)

	close(release)
	<-done
	<-done
	snap := stats.Snapshot()
	assert.Zero(t, snap.Backlog.InFlight)
	assert.Equal(t, uint64(2), snap.Backlog.MaxInFlight)
}

func TestWrapReceiverWithNilStats(t *testing.T) {
	called := false
	h := wrapReceiverWithStats(func(context.Context, Delivery) (*Parcel, error) {
		called = true
		return nil, nil
	}, nil, nil)
	_, _ = h(context.Background(), testDelivery("a", nil))
	assert.True(t, called)
}

func TestRoadStatsMarshalJSON(t *testing.T) {
	stats := newRoadStats("a", "main")
	stats.recordDead("gone")

	raw, err := jsoncodec.Marshal(stats)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, jsoncodec.Unmarshal(raw, &decoded))
	assert.Equal(t, 1.0, decoded["dead"])
	assert.Equal(t, "gone", decoded["last_dead_reason"])
}

func TestPercentile(t *testing.T) {
	samples := []int64{10, 20, 30, 40, 50}
	tests := []struct {
		q    float64
		want int64
	}{
		{q: 0, want: 10},
		{q: 0.5, want: 30},
		{q: 0.75, want: 40},
		{q: 0.9, want: 46},
		{q: 1, want: 50},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("q=%.2f", tt.q), func(t *testing.T) {
			assert.Equal(t, tt.want, percentile(samples, tt.q))
		})
	}
	assert.Zero(t, percentile(nil, 0.5))
}

func TestLatencyWindowWraps(t *testing.T) {
	lw := newLatencyWindow(3)
	for i := 1; i <= 5; i++ {
		lw.Add(time.Duration(i) * time.Millisecond)
	}
	snap := lw.Snapshot()
	assert.Equal(t, 3, snap.SampleSize)
	assert.Equal(t, int64(5*time.Millisecond), snap.LastNs)
	assert.Equal(t, int64(4*time.Millisecond), snap.P50Ns)
}

func TestThroughputWindowEvictsOldSamples(t *testing.T) {
	tw := newThroughputWindow(time.Second)
	start := time.Unix(1_700_000_000, 0)

	tw.AddAndSnapshot(start)
	tw.AddAndSnapshot(start.Add(500 * time.Millisecond))
	snap := tw.AddAndSnapshot(start.Add(2 * time.Second))

	assert.Equal(t, 1, snap.Count)

	snap = tw.AddAndSnapshot(start.Add(2500 * time.Millisecond))
	assert.Equal(t, 2, snap.Count)
	assert.InDelta(t, 0.5, snap.WindowSeconds, 1e-9)
	assert.InDelta(t, 4.0, snap.CurrentRPS, 1e-9)
}

func TestDeadParcelsCountedInRoadStats(t *testing.T) {
	c := bareCourier(t)
	require.NoError(t, c.RegisterReceiver("a", "", func(context.Context, Delivery) (*Parcel, error) {
		return nil, errors.New("boom")
	}))
	runCourier(t, c)

	h, err := c.Submit(context.Background(), NewParcel("a", nil, nil))
	require.NoError(t, err)
	awaitStatus(t, h)

	roads := c.Roads()
	require.Len(t, roads, 1)
	snap := roads[0].Stats.Snapshot()
	assert.Equal(t, uint64(1), snap.Failed)
	assert.Equal(t, uint64(1), snap.Dead)
	assert.Equal(t, "boom", snap.LastDeadReason)
}
