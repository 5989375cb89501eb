/*
Package runtime provides the in-process delivery engine behind courier.

# Architecture Overview

A Courier owns a Roadmap of addresses, one bounded Channel per channel name
and one forwarding goroutine per Channel. Parcels are submitted for an
address, queued on that address's channel and handed to its Receiver. A
receiver settles the parcel by returning nothing, forwards work by returning
a parcel for another address, or fails by returning an error. Failed and
unroutable parcels are marked DEAD and passed to a single dead letter
receiver.

# Package Structure

## Parcels and Receipts (parcel.go, receipt.go)

A Parcel is an immutable envelope: id, address, payload and metadata. Its
DeliveryReceipt records the outcome exactly once (DELIVERING to DELIVERED or
DEAD), the address chain of every hop and free-form handstamps. Callers hold
a ReceiptHandle and Wait on it.

## Routing (roadmap.go, channel.go, forwarding.go)

Roadmap maps an address to its channel and receiver. Channels are FIFO with
backpressure: Submit blocks while the target channel is full. Each forwarding
loop delivers one parcel at a time, so receivers sharing a channel never run
concurrently.

## Courier (courier.go, deadletter.go)

The Courier seals its roadmap on the first Submit or Run, starts the
forwarding loops and the dead letter drainer, and on Close abandons whatever
is still queued.

## Middleware (parcel_middleware.go, middleware.go, hooks.go)

Two layers exist:
  - ParcelMiddleware: per-address pre-processing on submit and per-channel
    post-processing on dequeue
  - ReceiverMiddleware: wraps every receiver call (correlation ids, logging,
    tracing, metrics, timeouts, retry, throttling, delivery hooks)

## Stats & Monitoring (stats.go, metrics.go, dlq_metrics.go, resources.go, webui.go)

Per-address latency, throughput and error breakdowns, Prometheus collectors
for channels and dead letters, and an HTTP endpoint exposing all of it.

# Sub-packages

  - bridge/: Watermill publisher and subscriber adapters for parcels and dead letters
  - config/: Courier configuration with validation
  - errors/: Sentinel errors and error types
  - ids/: ULID generation for parcel IDs
  - jsoncodec/: JSON marshaling utilities
  - logging/: Logger interface and adapters
  - metadata/: Parcel metadata utilities

# Usage Example

	c, err := runtime.NewCourier(&config.Config{DeadLetterEnabled: true}, logger, runtime.Dependencies{})
	if err != nil {
		return err
	}
	_ = c.RegisterReceiver("render", "cpu", renderPage)
	_ = c.RegisterDeadLetterReceiver(reportFailure)
	go c.Run(ctx)

	handle, err := c.Submit(ctx, runtime.NewParcel("render", page, nil))
*/
package runtime
