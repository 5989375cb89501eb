package runtime

import (
	"context"
	"fmt"
	"reflect"
	"time"

	"github.com/hashicorp/go-multierror"

	loggingpkg "github.com/drblury/courier/internal/runtime/logging"
	metadatapkg "github.com/drblury/courier/internal/runtime/metadata"
)

// Delivery is the context handed to every receiver invocation.
type Delivery struct {
	Parcel  *Parcel
	Channel ChannelName
	Receipt ReceiptHandle
	Logger  loggingpkg.ServiceLogger
}

func (d Delivery) Address() Address { return d.Parcel.Address() }

func (d Delivery) Payload() any { return d.Parcel.Payload() }

func (d Delivery) Metadata() metadatapkg.Metadata { return d.Parcel.Metadata() }

// Meta returns a single metadata value without copying the map.
func (d Delivery) Meta(key string) (any, bool) {
	return d.Parcel.metadata.Get(key)
}

// Forward builds the parcel a receiver returns to move work to the next
// stage: same metadata, carried address chain, new payload.
func (d Delivery) Forward(address Address, payload any) *Parcel {
	return d.Parcel.Retarget(address).WithPayload(payload)
}

// Receiver handles parcels for one address. Returning (nil, nil) marks the
// parcel delivered, returning a parcel for another address forwards work,
// and returning an error sends the parcel to the dead letter outlet.
type Receiver func(ctx context.Context, d Delivery) (*Parcel, error)

// DeadLetter is a parcel that could not be routed or whose receiver failed.
type DeadLetter struct {
	Parcel  *Parcel
	Channel ChannelName
	Reason  string
	// Err is the captured receiver or middleware error; nil for routing failures.
	Err error
	At  time.Time
}

// DeadLetterReceiver consumes dead letters. Its errors are logged, never recycled.
type DeadLetterReceiver func(ctx context.Context, dl DeadLetter) error

// Producer is implemented by anything that accepts parcels, the Courier included.
type Producer interface {
	Submit(ctx context.Context, parcel *Parcel) (ReceiptHandle, error)
}

// TypedDelivery is the Delivery passed to typed receivers with the payload
// already asserted to T.
type TypedDelivery[T any] struct {
	Delivery
	Value T
}

// TypedReceiver handles parcels whose payload is a T.
type TypedReceiver[T any] func(ctx context.Context, d TypedDelivery[T]) (*Parcel, error)

// PayloadTypeError reports a payload that does not match the typed receiver.
type PayloadTypeError struct {
	Address Address
	Want    string
	Got     string
}

func (e *PayloadTypeError) Error() string {
	return fmt.Sprintf("payload type mismatch for %q: want %s, got %s", e.Address, e.Want, e.Got)
}

// Typed adapts a TypedReceiver into a plain Receiver.
func Typed[T any](fn TypedReceiver[T]) Receiver {
	if fn == nil {
		return nil
	}
	want := reflect.TypeFor[T]().String()
	return func(ctx context.Context, d Delivery) (*Parcel, error) {
		value, ok := d.Parcel.Payload().(T)
		if !ok {
			return nil, &PayloadTypeError{
				Address: d.Address(),
				Want:    want,
				Got:     fmt.Sprintf("%T", d.Parcel.Payload()),
			}
		}
		return fn(ctx, TypedDelivery[T]{Delivery: d, Value: value})
	}
}

// RegisterTypedReceiver registers a receiver over T payloads.
func RegisterTypedReceiver[T any](c *Courier, address Address, channel ChannelName, fn TypedReceiver[T]) error {
	return c.RegisterReceiver(address, channel, Typed(fn))
}

// FanOut runs tasks concurrently and returns every failure combined. Receivers
// use it to spread one parcel over several sinks; the dead letter reason then
// lists each failed task.
func FanOut(ctx context.Context, tasks ...func(context.Context) error) error {
	var g multierror.Group
	for _, task := range tasks {
		if task == nil {
			continue
		}
		g.Go(func() error { return task(ctx) })
	}
	return g.Wait().ErrorOrNil()
}
