package runtime

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	errspkg "github.com/drblury/courier/internal/runtime/errors"
	loggingpkg "github.com/drblury/courier/internal/runtime/logging"
)

const closedBeforeDeliveryReason = "courier closed before delivery"

// recycle marks parcel DEAD and hands it to the dead letter outlet. A parcel
// that already settled is left alone, so each parcel reaches the dead letter
// receiver at most once. The outlet send waits no longer than ctx.
func (c *Courier) recycle(ctx context.Context, parcel *Parcel, channel ChannelName, reason string, cause error) {
	address := parcel.Address()
	fields := loggingpkg.LogFields{
		"parcel_id": parcel.ID(),
		"address":   address,
		"channel":   channel,
		"reason":    reason,
	}
	if !parcel.receipt.markDead(reason, deadHopEntry(address)) {
		c.Logger.Debug("Parcel already settled, not recycling", fields)
		return
	}

	c.instrumentation.OnDeadParcel(ctx, channel, parcel, reason)
	if stats := c.statsFor(address); stats != nil {
		stats.recordDead(reason)
	}
	c.Logger.Error("Parcel dead-lettered", cause, fields)

	receiver := c.currentDeadLetterReceiver()
	if c.outlet == nil || receiver == nil {
		return
	}
	dl := DeadLetter{
		Parcel:  parcel,
		Channel: channel,
		Reason:  reason,
		Err:     cause,
		At:      time.Now(),
	}
	if c.dlqMetrics != nil {
		c.dlqMetrics.RecordQueued(channel)
	}
	if err := c.outlet.Send(ctx, dl); err != nil {
		if c.dlqMetrics != nil {
			c.dlqMetrics.RecordDropped(channel, address, true)
		}
		c.Logger.Info("Dead letter dropped", loggingpkg.Merge(fields, loggingpkg.LogFields{"cause": err.Error()}))
	}
}

func (c *Courier) statsFor(address Address) *RoadStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats[address]
}

func (c *Courier) currentDeadLetterReceiver() DeadLetterReceiver {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.deadLetterReceiver
}

func (c *Courier) drainDeadLetters() {
	defer c.wg.Done()
	receiver := c.currentDeadLetterReceiver()
	for {
		dl, ok := c.outlet.Receive(c.ctx)
		if !ok {
			return
		}
		c.handleDeadLetter(receiver, dl)
	}
}

func (c *Courier) handleDeadLetter(receiver DeadLetterReceiver, dl DeadLetter) {
	fields := loggingpkg.LogFields{
		"parcel_id": dl.Parcel.ID(),
		"address":   dl.Parcel.Address(),
		"channel":   dl.Channel,
		"reason":    dl.Reason,
	}
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = &errspkg.ReceiverPanicError{Value: r, Stack: string(debug.Stack())}
			}
		}()
		return receiver(c.ctx, dl)
	}()

	if c.dlqMetrics != nil {
		c.dlqMetrics.RecordDeadLetterHandled(dl.Channel, dl.Parcel.Address(), err == nil)
	}
	if err != nil {
		c.Logger.Error("Dead letter receiver failed", err, fields)
		return
	}
	c.Logger.Debug("Dead letter handled", fields)
}

// Replay resubmits a dead letter's parcel under a fresh id and receipt. The
// new parcel starts from the dead parcel's address chain.
func (c *Courier) Replay(ctx context.Context, dl DeadLetter) (ReceiptHandle, error) {
	if dl.Parcel == nil {
		return ReceiptHandle{}, errspkg.ErrParcelRequired
	}
	parcel := dl.Parcel.Retarget(dl.Parcel.Address())
	handle, err := c.Submit(ctx, parcel)
	if err != nil {
		return handle, fmt.Errorf("replay %s: %w", dl.Parcel.ID(), err)
	}
	if c.dlqMetrics != nil {
		c.dlqMetrics.RecordReplayed(dl.Channel, dl.Parcel.Address())
	}
	c.Logger.Info("Replayed dead letter", loggingpkg.LogFields{
		"parcel_id":   dl.Parcel.ID(),
		"replayed_as": parcel.ID(),
		"address":     parcel.Address(),
	})
	return handle, nil
}
