package runtime

import (
	"fmt"

	errspkg "github.com/drblury/courier/internal/runtime/errors"
	loggingpkg "github.com/drblury/courier/internal/runtime/logging"
)

const sameTagReason = "receiver returned same-tag parcel"

func noRoadmapReason(address Address) string {
	return fmt.Sprintf("no roadmap for address %q", address)
}

func misroutedReason(address Address, want, got ChannelName) string {
	return fmt.Sprintf("misrouted: address %q expects channel %q, arrived on %q", address, want, got)
}

// forward is the per-channel loop. It handles one parcel at a time, so
// receivers sharing a channel never run concurrently.
func (c *Courier) forward(ch *Channel) {
	defer c.wg.Done()
	c.Logger.Debug("Forwarding started", loggingpkg.LogFields{"channel": ch.Name()})
	for {
		parcel, ok := ch.Receive(c.ctx)
		if !ok {
			c.Logger.Debug("Forwarding stopped", loggingpkg.LogFields{"channel": ch.Name()})
			return
		}
		if c.metrics != nil {
			c.metrics.SetQueueDepth(ch.Name(), ch.Len())
		}
		c.dispatch(ch.Name(), parcel)
	}
}

func (c *Courier) dispatch(channel ChannelName, parcel *Parcel) {
	ctx := c.ctx

	prepared, err := c.middlewares.PostProcess(ctx, channel, parcel)
	if err != nil {
		c.recycle(c.ctx, parcel, channel, "post-process failed: "+errspkg.Describe(err), err)
		return
	}

	address := prepared.Address()
	prepared.receipt.AppendAddress(hopEntry(channel, address))

	// handlers and roadmap are read-only once sealed.
	handler, ok := c.handlers[address]
	if !ok {
		c.recycle(c.ctx, prepared, channel, noRoadmapReason(address), nil)
		return
	}
	if road, _ := c.roadmap.Lookup(address); road.Channel != channel {
		c.recycle(c.ctx, prepared, channel, misroutedReason(address, road.Channel, channel), nil)
		return
	}

	delivery := Delivery{
		Parcel:  prepared,
		Channel: channel,
		Receipt: prepared.Handle(),
		Logger: c.Logger.With(loggingpkg.LogFields{
			"address":   address,
			"channel":   channel,
			"parcel_id": prepared.ID(),
		}),
	}
	result, err := handler(ctx, delivery)
	c.settle(channel, prepared, result, err)
}

// settle applies the receiver's return to the parcel's receipt.
func (c *Courier) settle(channel ChannelName, parcel, result *Parcel, err error) {
	switch {
	case err != nil:
		c.recycle(c.ctx, parcel, channel, errspkg.Describe(err), err)
	case result == nil:
		parcel.receipt.MarkDelivered()
	case result == parcel || result.Address() == parcel.Address():
		c.recycle(c.ctx, parcel, channel, sameTagReason, nil)
	case !result.Sendable() || result.receipt.isAccepted():
		c.recycle(c.ctx, parcel, channel, "unexpected receiver return: "+result.String(), nil)
	default:
		parcel.receipt.MarkDelivered()
		if _, err := c.Submit(c.ctx, result); err != nil {
			c.recycle(c.ctx, result, channel, "forward failed: "+err.Error(), err)
		}
	}
}
