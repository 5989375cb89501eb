package runtime

import (
	"context"
	"sync"

	errspkg "github.com/drblury/courier/internal/runtime/errors"
)

// Instrumentation observes parcels moving through channels. Implementations
// must not block; they run on the forwarding goroutine.
type Instrumentation interface {
	OnDelivery(ctx context.Context, channel ChannelName, parcel *Parcel)
	OnDeadParcel(ctx context.Context, channel ChannelName, parcel *Parcel, reason string)
}

// InstrumentationFuncs adapts plain functions to Instrumentation.
type InstrumentationFuncs struct {
	Delivery   func(ctx context.Context, channel ChannelName, parcel *Parcel)
	DeadParcel func(ctx context.Context, channel ChannelName, parcel *Parcel, reason string)
}

func (f InstrumentationFuncs) OnDelivery(ctx context.Context, channel ChannelName, parcel *Parcel) {
	if f.Delivery != nil {
		f.Delivery(ctx, channel, parcel)
	}
}

func (f InstrumentationFuncs) OnDeadParcel(ctx context.Context, channel ChannelName, parcel *Parcel, reason string) {
	if f.DeadParcel != nil {
		f.DeadParcel(ctx, channel, parcel, reason)
	}
}

type multiInstrumentation []Instrumentation

func (m multiInstrumentation) OnDelivery(ctx context.Context, channel ChannelName, parcel *Parcel) {
	for _, inst := range m {
		inst.OnDelivery(ctx, channel, parcel)
	}
}

func (m multiInstrumentation) OnDeadParcel(ctx context.Context, channel ChannelName, parcel *Parcel, reason string) {
	for _, inst := range m {
		inst.OnDeadParcel(ctx, channel, parcel, reason)
	}
}

// Channel is a bounded FIFO mailbox shared by one or more addresses.
//
// The underlying Go channel is never closed. Close signals a separate done
// channel instead, so a Send racing with Close returns ErrChannelClosed
// rather than panicking.
type Channel struct {
	name      ChannelName
	queue     chan *Parcel
	closed    chan struct{}
	closeOnce sync.Once
	outlet    *deadLetterOutlet
	hooks     Instrumentation
}

func newChannel(name ChannelName, capacity int, outlet *deadLetterOutlet, hooks Instrumentation) *Channel {
	if hooks == nil {
		hooks = multiInstrumentation(nil)
	}
	return &Channel{
		name:   name,
		queue:  make(chan *Parcel, capacity),
		closed: make(chan struct{}),
		outlet: outlet,
		hooks:  hooks,
	}
}

func (ch *Channel) Name() ChannelName { return ch.name }

// Len is the number of queued parcels.
func (ch *Channel) Len() int { return len(ch.queue) }

func (ch *Channel) Cap() int { return cap(ch.queue) }

// Closed reports whether Close has been called.
func (ch *Channel) Closed() bool {
	select {
	case <-ch.closed:
		return true
	default:
		return false
	}
}

// Send enqueues parcel, blocking while the channel is full.
func (ch *Channel) Send(ctx context.Context, parcel *Parcel) error {
	if ch.Closed() {
		return errspkg.ErrChannelClosed
	}
	select {
	case ch.queue <- parcel:
		return nil
	case <-ch.closed:
		return errspkg.ErrChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive blocks for the next parcel and fires OnDelivery for it. ok is
// false once the channel is closed or ctx ends.
func (ch *Channel) Receive(ctx context.Context) (parcel *Parcel, ok bool) {
	if ch.Closed() || ctx.Err() != nil {
		return nil, false
	}
	select {
	case parcel = <-ch.queue:
		ch.hooks.OnDelivery(ctx, ch.name, parcel)
		return parcel, true
	case <-ch.closed:
		return nil, false
	case <-ctx.Done():
		return nil, false
	}
}

// Close stops the channel and its dead letter outlet. Calling it again is a no-op.
func (ch *Channel) Close() {
	ch.closeOnce.Do(func() {
		close(ch.closed)
		if ch.outlet != nil {
			ch.outlet.Close()
		}
	})
}

// drain empties the queue without blocking. Used after Close.
func (ch *Channel) drain() []*Parcel {
	var out []*Parcel
	for {
		select {
		case parcel := <-ch.queue:
			out = append(out, parcel)
		default:
			return out
		}
	}
}

// deadLetterOutlet is the bounded queue between recycling and the dead
// letter receiver. All channels share one outlet.
type deadLetterOutlet struct {
	queue     chan DeadLetter
	closed    chan struct{}
	closeOnce sync.Once
}

func newDeadLetterOutlet(capacity int) *deadLetterOutlet {
	return &deadLetterOutlet{
		queue:  make(chan DeadLetter, capacity),
		closed: make(chan struct{}),
	}
}

func (o *deadLetterOutlet) Send(ctx context.Context, dl DeadLetter) error {
	select {
	case <-o.closed:
		return errspkg.ErrChannelClosed
	default:
	}
	// Free space wins over an already expired ctx.
	select {
	case o.queue <- dl:
		return nil
	default:
	}
	select {
	case o.queue <- dl:
		return nil
	case <-o.closed:
		return errspkg.ErrChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *deadLetterOutlet) Receive(ctx context.Context) (DeadLetter, bool) {
	select {
	case <-o.closed:
		return DeadLetter{}, false
	default:
	}
	select {
	case dl := <-o.queue:
		return dl, true
	case <-o.closed:
		return DeadLetter{}, false
	case <-ctx.Done():
		return DeadLetter{}, false
	}
}

func (o *deadLetterOutlet) Len() int { return len(o.queue) }

func (o *deadLetterOutlet) Close() {
	o.closeOnce.Do(func() { close(o.closed) })
}

func (o *deadLetterOutlet) drain() []DeadLetter {
	var out []DeadLetter
	for {
		select {
		case dl := <-o.queue:
			out = append(out, dl)
		default:
			return out
		}
	}
}
