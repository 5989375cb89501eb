// Package courier is an in-process message bus. Work travels as parcels
// addressed to named receivers; every address belongs to a channel, a
// bounded FIFO mailbox drained by its own goroutine, so slow stages apply
// backpressure to the stages feeding them.
//
// A receiver either settles its parcel, forwards work by returning a parcel
// for another address, or fails. Each parcel carries a DeliveryReceipt that
// moves from DELIVERING to DELIVERED or DEAD exactly once and records the
// address chain of every hop. Failed, misrouted and unroutable parcels are
// marked DEAD and handed to a single dead letter receiver, which can log
// them, export them, or Replay them.
//
// A minimal setup fills Config, creates a Courier, registers receivers and
// calls Run:
//
//	c, err := courier.NewCourier(&courier.Config{DeadLetterEnabled: true}, logger, courier.Dependencies{})
//	if err != nil {
//		return err
//	}
//	_ = c.RegisterReceiver("fetch", "io", fetchPage)
//	_ = c.RegisterReceiver("render", "cpu", renderPage)
//	_ = c.RegisterDeadLetterReceiver(reportFailure)
//	go c.Run(ctx)
//
//	handle, _ := c.Submit(ctx, courier.NewParcel("fetch", url, nil))
//	status, _ := handle.Wait(ctx)
//
// # Middleware
//
// ParcelMiddleware transforms parcels around the queue: per address before
// enqueueing, per channel after dequeueing. Receiver middleware wraps every
// receiver call. The default chain adds correlation IDs, debug logging,
// OpenTelemetry spans, Prometheus metrics and an optional timeout; retry,
// throttling and delivery hooks are opt-in through Dependencies.Middlewares.
//
// # Observability
//
// With MetricsEnabled the courier exports channel, receiver and dead letter
// collectors and serves /metrics on MetricsPort. With WebUIEnabled it serves
// per-address stats as JSON on /api/roads.
//
// # Bridging to brokers
//
// The transport package builds Watermill publisher/subscriber pairs by name.
// NewInlet feeds a topic into an address, and DeadLetterPublisher exports
// dead letters to a topic as JSON records.
package courier
