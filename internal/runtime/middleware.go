package runtime

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	errspkg "github.com/drblury/courier/internal/runtime/errors"
	idspkg "github.com/drblury/courier/internal/runtime/ids"
	loggingpkg "github.com/drblury/courier/internal/runtime/logging"
)

// CorrelationIDKey is the metadata key filled by the correlation id middleware.
const CorrelationIDKey = "correlation_id"

// ReceiverMiddleware wraps a receiver with cross-cutting behaviour.
type ReceiverMiddleware func(next Receiver) Receiver

// MiddlewareBuilder constructs a receiver middleware using the provided courier instance.
type MiddlewareBuilder func(*Courier) (ReceiverMiddleware, error)

// MiddlewareRegistration captures how a middleware should be added to every
// receiver chain. Set either Middleware or Builder. A Builder returning a nil
// middleware is skipped.
type MiddlewareRegistration struct {
	Name       string
	Middleware ReceiverMiddleware
	Builder    MiddlewareBuilder
}

// RetryMiddlewareConfig customises the retry middleware behaviour.
type RetryMiddlewareConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	RetryIf         func(error) bool
}

func (cfg RetryMiddlewareConfig) withDefaults() RetryMiddlewareConfig {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = 100 * time.Millisecond
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 2 * time.Second
	}
	return cfg
}

// DefaultMiddlewares returns the standard chain used by NewCourier. The first
// registration is the outermost wrapper.
func DefaultMiddlewares() []MiddlewareRegistration {
	return []MiddlewareRegistration{
		CorrelationIDMiddleware(),
		LogParcelsMiddleware(nil),
		TracerMiddleware(),
		MetricsMiddleware(),
		TimeoutMiddleware(0),
	}
}

// RegisterMiddleware appends a receiver middleware to the chain. It must be
// called before the courier is sealed.
func (c *Courier) RegisterMiddleware(cfg MiddlewareRegistration) error {
	var mw ReceiverMiddleware
	switch {
	case cfg.Middleware != nil:
		mw = cfg.Middleware
	case cfg.Builder != nil:
		var err error
		mw, err = cfg.Builder(c)
		if err != nil {
			return err
		}
	default:
		return errors.New("middleware registration requires Middleware or Builder")
	}

	if mw == nil {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sealed {
		return errspkg.ErrRoadmapSealed
	}
	c.receiverChain = append(c.receiverChain, mw)
	return nil
}

// CorrelationIDMiddleware ensures each delivered parcel carries a correlation identifier.
func CorrelationIDMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "correlation_id",
		Middleware: correlationIDMiddleware,
	}
}

func correlationIDMiddleware(next Receiver) Receiver {
	return func(ctx context.Context, d Delivery) (*Parcel, error) {
		if _, ok := d.Meta(CorrelationIDKey); !ok {
			md := d.Parcel.Metadata().With(CorrelationIDKey, idspkg.CreateULID())
			d.Parcel = d.Parcel.WithMetadata(md)
		}
		return next(ctx, d)
	}
}

// LogParcelsMiddleware logs the payload and metadata of delivered parcels.
// A nil logger falls back to the courier logger.
func LogParcelsMiddleware(logger loggingpkg.ServiceLogger) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "log_parcels",
		Builder: func(c *Courier) (ReceiverMiddleware, error) {
			l := logger
			if l == nil {
				l = c.Logger
			}
			if l == nil {
				return nil, errors.New("log parcels middleware requires a logger")
			}
			return logParcelsMiddleware(l), nil
		},
	}
}

func logParcelsMiddleware(logger loggingpkg.ServiceLogger) ReceiverMiddleware {
	return func(next Receiver) Receiver {
		return func(ctx context.Context, d Delivery) (*Parcel, error) {
			logger.Debug("Delivering parcel", loggingpkg.LogFields{
				"parcel_id": d.Parcel.ID(),
				"address":   d.Address(),
				"channel":   d.Channel,
				"payload":   fmt.Sprintf("%v", d.Payload()),
				"metadata":  d.Parcel.metadata,
			})
			return next(ctx, d)
		}
	}
}

// TracerMiddleware wraps each receiver call in an OpenTelemetry span.
func TracerMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "tracer",
		Middleware: tracerMiddleware,
	}
}

func tracerMiddleware(next Receiver) Receiver {
	return func(ctx context.Context, d Delivery) (*Parcel, error) {
		tracer := otel.Tracer("courier")
		ctx, span := tracer.Start(ctx, "DeliverParcel",
			trace.WithSpanKind(trace.SpanKindConsumer),
			trace.WithAttributes(
				attribute.String("parcel.id", d.Parcel.ID()),
				attribute.String("parcel.address", string(d.Address())),
				attribute.String("parcel.channel", string(d.Channel)),
			),
		)
		defer span.End()

		out, err := next(ctx, d)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return out, err
	}
}

// MetricsMiddleware records per-address delivery counts and durations and
// exposes /metrics on the configured metrics port. It is a no-op unless
// metrics are enabled.
func MetricsMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "metrics",
		Builder: func(c *Courier) (ReceiverMiddleware, error) {
			if !c.Conf.MetricsEnabled || c.metrics == nil {
				return nil, nil
			}
			if c.Conf.MetricsPort > 0 {
				c.RegisterHTTPHandler(c.Conf.MetricsPort, "/metrics", promhttp.Handler())
			}
			return metricsMiddleware(c.metrics), nil
		},
	}
}

func metricsMiddleware(m *DeliveryMetrics) ReceiverMiddleware {
	return func(next Receiver) Receiver {
		return func(ctx context.Context, d Delivery) (*Parcel, error) {
			start := time.Now()
			out, err := next(ctx, d)
			m.ObserveDelivery(d.Channel, d.Address(), deliveryOutcome(out, err), time.Since(start))
			return out, err
		}
	}
}

func deliveryOutcome(out *Parcel, err error) string {
	switch {
	case err != nil:
		return "failed"
	case out != nil:
		return "forwarded"
	default:
		return "delivered"
	}
}

// TimeoutMiddleware bounds every receiver call with a deadline. A zero
// timeout uses the configured ReceiverTimeout; when both are zero the
// middleware is skipped. Receivers must honour ctx for the deadline to bite.
func TimeoutMiddleware(timeout time.Duration) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "timeout",
		Builder: func(c *Courier) (ReceiverMiddleware, error) {
			d := timeout
			if d <= 0 {
				d = c.Conf.ReceiverTimeout
			}
			if d <= 0 {
				return nil, nil
			}
			return timeoutMiddleware(d), nil
		},
	}
}

func timeoutMiddleware(timeout time.Duration) ReceiverMiddleware {
	return func(next Receiver) Receiver {
		return func(ctx context.Context, d Delivery) (*Parcel, error) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			return next(ctx, d)
		}
	}
}

// RetryMiddleware retries failing receivers with exponential backoff. Zero
// values fall back to the configured retry settings, then to built-in defaults.
func RetryMiddleware(cfg RetryMiddlewareConfig) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "retry",
		Builder: func(c *Courier) (ReceiverMiddleware, error) {
			merged := cfg
			if merged.MaxRetries <= 0 {
				merged.MaxRetries = c.Conf.RetryMaxRetries
			}
			if merged.InitialInterval <= 0 {
				merged.InitialInterval = c.Conf.RetryInitialInterval
			}
			if merged.MaxInterval <= 0 {
				merged.MaxInterval = c.Conf.RetryMaxInterval
			}
			return retryMiddleware(merged.withDefaults(), c.Logger), nil
		},
	}
}

func retryMiddleware(cfg RetryMiddlewareConfig, logger loggingpkg.ServiceLogger) ReceiverMiddleware {
	return func(next Receiver) Receiver {
		return func(ctx context.Context, d Delivery) (*Parcel, error) {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = cfg.InitialInterval
			b.MaxInterval = cfg.MaxInterval

			attempt := 0
			operation := func() (*Parcel, error) {
				attempt++
				out, err := next(ctx, d)
				if err == nil {
					return out, nil
				}
				if cfg.RetryIf != nil && !cfg.RetryIf(err) {
					return nil, backoff.Permanent(err)
				}
				var panicErr *errspkg.ReceiverPanicError
				if errors.As(err, &panicErr) {
					return nil, backoff.Permanent(err)
				}
				if logger != nil {
					logger.Debug("Receiver failed, retrying", loggingpkg.LogFields{
						"parcel_id": d.Parcel.ID(),
						"address":   d.Address(),
						"attempt":   attempt,
						"error":     err.Error(),
					})
				}
				return nil, err
			}
			return backoff.Retry(ctx, operation,
				backoff.WithBackOff(b),
				backoff.WithMaxTries(uint(cfg.MaxRetries)+1),
			)
		}
	}
}

// ThrottleMiddleware caps the receiver call rate across every address.
func ThrottleMiddleware(limit rate.Limit, burst int) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "throttle",
		Builder: func(c *Courier) (ReceiverMiddleware, error) {
			if limit <= 0 {
				return nil, errors.New("throttle middleware requires a positive rate")
			}
			if burst <= 0 {
				burst = 1
			}
			return throttleMiddleware(rate.NewLimiter(limit, burst)), nil
		},
	}
}

func throttleMiddleware(limiter *rate.Limiter) ReceiverMiddleware {
	return func(next Receiver) Receiver {
		return func(ctx context.Context, d Delivery) (*Parcel, error) {
			if err := limiter.Wait(ctx); err != nil {
				return nil, fmt.Errorf("throttle: %w", err)
			}
			return next(ctx, d)
		}
	}
}

// recoverReceiver converts panics into ReceiverPanicError. It is always the
// innermost wrapper so every middleware observes the failure as an error.
func recoverReceiver(next Receiver) Receiver {
	return func(ctx context.Context, d Delivery) (out *Parcel, err error) {
		defer func() {
			if r := recover(); r != nil {
				out = nil
				err = &errspkg.ReceiverPanicError{Value: r, Stack: string(debug.Stack())}
			}
		}()
		return next(ctx, d)
	}
}
