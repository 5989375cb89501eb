package runtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	configpkg "github.com/drblury/courier/internal/runtime/config"
	errspkg "github.com/drblury/courier/internal/runtime/errors"
	loggingpkg "github.com/drblury/courier/internal/runtime/logging"
	metadatapkg "github.com/drblury/courier/internal/runtime/metadata"
)

func testDelivery(address Address, md metadatapkg.Metadata) Delivery {
	p := NewParcel(address, nil, md)
	return Delivery{Parcel: p, Channel: "main", Receipt: p.Handle(), Logger: loggingpkg.Nop()}
}

func TestCorrelationIDMiddleware(t *testing.T) {
	t.Parallel()

	t.Run("adds missing id", func(t *testing.T) {
		d := testDelivery("a", nil)
		called := false
		_, err := correlationIDMiddleware(func(_ context.Context, got Delivery) (*Parcel, error) {
			called = true
			id, ok := got.Meta(CorrelationIDKey)
			if !ok || id == "" {
				t.Fatal("expected correlation id to be populated")
			}
			if got.Parcel.ID() != d.Parcel.ID() {
				t.Fatal("expected a revision of the delivered parcel")
			}
			return nil, nil
		})(context.Background(), d)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !called {
			t.Fatal("receiver not invoked")
		}
		if _, ok := d.Meta(CorrelationIDKey); ok {
			t.Fatal("original parcel metadata must not change")
		}
	})

	t.Run("keeps existing id", func(t *testing.T) {
		d := testDelivery("a", metadatapkg.New(CorrelationIDKey, "fixed"))
		_, err := correlationIDMiddleware(func(_ context.Context, got Delivery) (*Parcel, error) {
			if id, _ := got.Meta(CorrelationIDKey); id != "fixed" {
				t.Fatalf("expected existing correlation id, got %v", id)
			}
			return nil, nil
		})(context.Background(), d)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})
}

func TestRetryMiddleware(t *testing.T) {
	t.Parallel()

	cfg := RetryMiddlewareConfig{MaxRetries: 2, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}
	boom := errors.New("boom")

	t.Run("recovers after transient failures", func(t *testing.T) {
		attempts := 0
		out, err := retryMiddleware(cfg, loggingpkg.Nop())(func(_ context.Context, d Delivery) (*Parcel, error) {
			attempts++
			if attempts < 3 {
				return nil, boom
			}
			return d.Forward("next", nil), nil
		})(context.Background(), testDelivery("a", nil))

		require.NoError(t, err)
		require.NotNil(t, out)
		assert.Equal(t, Address("next"), out.Address())
		assert.Equal(t, 3, attempts)
	})

	t.Run("gives up after max retries", func(t *testing.T) {
		attempts := 0
		_, err := retryMiddleware(cfg, loggingpkg.Nop())(func(context.Context, Delivery) (*Parcel, error) {
			attempts++
			return nil, boom
		})(context.Background(), testDelivery("a", nil))

		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 3, attempts)
	})

	t.Run("respects RetryIf", func(t *testing.T) {
		noRetry := cfg
		noRetry.RetryIf = func(error) bool { return false }
		attempts := 0
		_, err := retryMiddleware(noRetry, nil)(func(context.Context, Delivery) (*Parcel, error) {
			attempts++
			return nil, boom
		})(context.Background(), testDelivery("a", nil))

		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 1, attempts)
	})

	t.Run("never retries panics", func(t *testing.T) {
		attempts := 0
		_, err := retryMiddleware(cfg, nil)(recoverReceiver(func(context.Context, Delivery) (*Parcel, error) {
			attempts++
			panic("nope")
		}))(context.Background(), testDelivery("a", nil))

		var panicErr *errspkg.ReceiverPanicError
		assert.ErrorAs(t, err, &panicErr)
		assert.Equal(t, 1, attempts)
	})
}

func TestRetryMiddlewareUsesCourierConfig(t *testing.T) {
	c := newTestCourier(t, &configpkg.Config{
		DeadLetterEnabled:    true,
		RetryMaxRetries:      1,
		RetryInitialInterval: time.Millisecond,
		RetryMaxInterval:     time.Millisecond,
	}, Dependencies{
		DisableDefaultMiddlewares: true,
		Middlewares:               []MiddlewareRegistration{RetryMiddleware(RetryMiddlewareConfig{})},
	})

	attempts := 0
	require.NoError(t, c.RegisterReceiver("a", "", func(context.Context, Delivery) (*Parcel, error) {
		attempts++
		return nil, errors.New("still failing")
	}))
	runCourier(t, c)

	h, err := c.Submit(context.Background(), NewParcel("a", nil, nil))
	require.NoError(t, err)
	assert.Equal(t, StatusDead, awaitStatus(t, h))
	assert.Equal(t, "still failing", h.DeadReason())
	assert.Equal(t, 2, attempts)
}

func TestTimeoutMiddleware(t *testing.T) {
	t.Parallel()

	_, err := timeoutMiddleware(10*time.Millisecond)(func(ctx context.Context, _ Delivery) (*Parcel, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})(context.Background(), testDelivery("a", nil))

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, ErrorCategoryTimeout, defaultErrorClassifier(err))
}

func TestTimeoutMiddlewareSkippedWithoutTimeout(t *testing.T) {
	c := bareCourier(t)
	mw, err := TimeoutMiddleware(0).Builder(c)
	require.NoError(t, err)
	assert.Nil(t, mw)
}

func TestThrottleMiddleware(t *testing.T) {
	t.Parallel()

	_, err := ThrottleMiddleware(0, 1).Builder(nil)
	require.Error(t, err)

	mw := throttleMiddleware(rate.NewLimiter(rate.Every(time.Hour), 1))
	h := mw(noopReceiver)

	_, err = h(context.Background(), testDelivery("a", nil))
	require.NoError(t, err, "burst allows the first call")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = h(ctx, testDelivery("a", nil))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRecoverReceiver(t *testing.T) {
	t.Parallel()

	out, err := recoverReceiver(func(context.Context, Delivery) (*Parcel, error) {
		panic(errors.New("exploded"))
	})(context.Background(), testDelivery("a", nil))

	assert.Nil(t, out)
	var panicErr *errspkg.ReceiverPanicError
	require.ErrorAs(t, err, &panicErr)
	assert.Equal(t, "receiver panic: exploded", err.Error())
	assert.Equal(t, ErrorCategoryPanic, defaultErrorClassifier(err))
}

func TestTracerMiddlewarePassesThrough(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	_, err := tracerMiddleware(func(ctx context.Context, _ Delivery) (*Parcel, error) {
		if ctx == nil {
			t.Fatal("expected a span context")
		}
		return nil, boom
	})(context.Background(), testDelivery("a", nil))
	assert.ErrorIs(t, err, boom)

	out, err := tracerMiddleware(func(_ context.Context, d Delivery) (*Parcel, error) {
		return d.Forward("b", nil), nil
	})(context.Background(), testDelivery("a", nil))
	require.NoError(t, err)
	assert.Equal(t, Address("b"), out.Address())
}

func TestMetricsMiddleware(t *testing.T) {
	t.Parallel()

	m := NewDeliveryMetrics(prometheus.NewRegistry())
	require.NoError(t, m.Register())
	mw := metricsMiddleware(m)

	_, _ = mw(noopReceiver)(context.Background(), testDelivery("a", nil))
	_, _ = mw(func(context.Context, Delivery) (*Parcel, error) {
		return nil, errors.New("boom")
	})(context.Background(), testDelivery("a", nil))
	_, _ = mw(func(_ context.Context, d Delivery) (*Parcel, error) {
		return d.Forward("b", nil), nil
	})(context.Background(), testDelivery("a", nil))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.deliveries.WithLabelValues("main", "a", "delivered")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.deliveries.WithLabelValues("main", "a", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.deliveries.WithLabelValues("main", "a", "forwarded")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.duration))
}

func TestMetricsMiddlewareDisabled(t *testing.T) {
	c := bareCourier(t)
	mw, err := MetricsMiddleware().Builder(c)
	require.NoError(t, err)
	assert.Nil(t, mw)
}

func TestRegisterMiddlewareValidation(t *testing.T) {
	c := bareCourier(t)

	assert.Error(t, c.RegisterMiddleware(MiddlewareRegistration{Name: "empty"}))

	builderErr := errors.New("cannot build")
	err := c.RegisterMiddleware(MiddlewareRegistration{
		Name:    "broken",
		Builder: func(*Courier) (ReceiverMiddleware, error) { return nil, builderErr },
	})
	assert.ErrorIs(t, err, builderErr)

	_, err = NewCourier(&configpkg.Config{}, loggingpkg.Nop(), Dependencies{
		DisableDefaultMiddlewares: true,
		Middlewares: []MiddlewareRegistration{{
			Builder: func(*Courier) (ReceiverMiddleware, error) { return nil, builderErr },
		}},
	})
	require.ErrorIs(t, err, builderErr)
	assert.Contains(t, err.Error(), "anonymous_middleware")
}
