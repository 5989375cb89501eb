package runtime

import (
	"context"
	"time"

	loggingpkg "github.com/drblury/courier/internal/runtime/logging"
	metadatapkg "github.com/drblury/courier/internal/runtime/metadata"
)

// DeliveryContext provides information about one receiver invocation to hooks.
type DeliveryContext struct {
	// Address is the address the parcel was delivered to.
	Address Address
	// Channel is the channel the parcel was dequeued from.
	Channel ChannelName
	// ParcelID is the unique identifier of the parcel.
	ParcelID string
	// Metadata is a copy of the parcel metadata.
	Metadata metadatapkg.Metadata
	// Context is the context passed to the receiver.
	Context context.Context
	// StartedAt is when the receiver was invoked.
	StartedAt time.Time
	// Duration is how long the receiver took (only set in OnDeliveryDone and OnDeliveryError).
	Duration time.Duration
	// Forwarded is the address of the parcel returned by the receiver, if any.
	Forwarded Address
}

// DeliveryHooks defines callbacks for receiver lifecycle events.
// All hooks are optional - nil hooks are simply not called.
type DeliveryHooks struct {
	// OnDeliveryStart is called before the receiver is invoked.
	OnDeliveryStart func(ctx DeliveryContext)

	// OnDeliveryDone is called when the receiver returns without error.
	OnDeliveryDone func(ctx DeliveryContext)

	// OnDeliveryError is called when the receiver returns an error or panics.
	OnDeliveryError func(ctx DeliveryContext, err error)
}

// Merge combines two DeliveryHooks. The hooks from 'other' run after the hooks from 'h'.
func (h DeliveryHooks) Merge(other DeliveryHooks) DeliveryHooks {
	return DeliveryHooks{
		OnDeliveryStart: chainHooks(h.OnDeliveryStart, other.OnDeliveryStart),
		OnDeliveryDone:  chainHooks(h.OnDeliveryDone, other.OnDeliveryDone),
		OnDeliveryError: chainErrorHooks(h.OnDeliveryError, other.OnDeliveryError),
	}
}

func chainHooks(a, b func(DeliveryContext)) func(DeliveryContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx DeliveryContext) {
		a(ctx)
		b(ctx)
	}
}

func chainErrorHooks(a, b func(DeliveryContext, error)) func(DeliveryContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx DeliveryContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

// DeliveryHooksMiddleware invokes hooks around every receiver call.
func DeliveryHooksMiddleware(hooks DeliveryHooks) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "delivery_hooks",
		Middleware: deliveryHooksMiddleware(hooks),
	}
}

func deliveryHooksMiddleware(hooks DeliveryHooks) ReceiverMiddleware {
	return func(next Receiver) Receiver {
		return func(ctx context.Context, d Delivery) (*Parcel, error) {
			dctx := DeliveryContext{
				Address:   d.Address(),
				Channel:   d.Channel,
				ParcelID:  d.Parcel.ID(),
				Metadata:  d.Metadata(),
				Context:   ctx,
				StartedAt: time.Now(),
			}

			if hooks.OnDeliveryStart != nil {
				hooks.OnDeliveryStart(dctx)
			}

			out, err := next(ctx, d)

			dctx.Duration = time.Since(dctx.StartedAt)
			if out != nil {
				dctx.Forwarded = out.Address()
			}
			if err != nil {
				if hooks.OnDeliveryError != nil {
					hooks.OnDeliveryError(dctx, err)
				}
			} else if hooks.OnDeliveryDone != nil {
				hooks.OnDeliveryDone(dctx)
			}

			return out, err
		}
	}
}

// LoggingHooks returns pre-built hooks that log delivery lifecycle events.
func LoggingHooks(logger loggingpkg.ServiceLogger) DeliveryHooks {
	return DeliveryHooks{
		OnDeliveryStart: func(ctx DeliveryContext) {
			logger.Debug("Delivery started", loggingpkg.LogFields{
				"address":   ctx.Address,
				"channel":   ctx.Channel,
				"parcel_id": ctx.ParcelID,
			})
		},
		OnDeliveryDone: func(ctx DeliveryContext) {
			fields := loggingpkg.LogFields{
				"address":     ctx.Address,
				"channel":     ctx.Channel,
				"parcel_id":   ctx.ParcelID,
				"duration_ms": ctx.Duration.Milliseconds(),
			}
			if ctx.Forwarded != "" {
				fields["forwarded_to"] = ctx.Forwarded
			}
			logger.Info("Delivery completed", fields)
		},
		OnDeliveryError: func(ctx DeliveryContext, err error) {
			logger.Error("Delivery failed", err, loggingpkg.LogFields{
				"address":     ctx.Address,
				"channel":     ctx.Channel,
				"parcel_id":   ctx.ParcelID,
				"duration_ms": ctx.Duration.Milliseconds(),
			})
		},
	}
}

// AlertingHooks returns pre-built hooks that trigger alerts on receiver errors.
func AlertingHooks(alertFunc func(ctx DeliveryContext, err error)) DeliveryHooks {
	return DeliveryHooks{
		OnDeliveryError: alertFunc,
	}
}
