package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	configpkg "github.com/drblury/courier/internal/runtime/config"
	errspkg "github.com/drblury/courier/internal/runtime/errors"
	loggingpkg "github.com/drblury/courier/internal/runtime/logging"
)

// Dependencies holds the optional collaborators a Courier can use.
// Leave fields nil to skip the related feature.
type Dependencies struct {
	Middlewares               []MiddlewareRegistration // Appended after the default middleware chain.
	DisableDefaultMiddlewares bool                     // Skips registering the default middleware chain when true.
	Instrumentation           []Instrumentation
	ErrorClassifier           ErrorClassifier
	// Registerer receives the Prometheus collectors when metrics are enabled.
	// Defaults to prometheus.DefaultRegisterer.
	Registerer prometheus.Registerer
}

// Courier owns the roadmap, one channel per channel name, the forwarding
// goroutines and the dead letter outlet. Build one with NewCourier, register
// receivers, then call Run.
type Courier struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	mu                 sync.RWMutex
	roadmap            *Roadmap
	middlewares        *MiddlewareRegistry
	receiverChain      []ReceiverMiddleware
	deadLetterReceiver DeadLetterReceiver
	instrumentation    multiInstrumentation
	stats              map[Address]*RoadStats

	sealOnce sync.Once
	sealed   bool
	channels map[ChannelName]*Channel
	handlers map[Address]Receiver
	outlet   *deadLetterOutlet

	ctx    context.Context
	cancel context.CancelFunc

	lifecycleMu sync.Mutex
	running     bool
	closed      atomic.Bool
	stopped     chan struct{}
	wg          sync.WaitGroup

	classifier ErrorClassifier
	registerer prometheus.Registerer
	metrics    *DeliveryMetrics
	dlqMetrics *DLQMetrics

	httpServersMu sync.Mutex
	httpMuxes     map[int]*http.ServeMux
	httpServers   []*http.Server

	resourceTracker *resourceTracker
}

// NewCourier validates conf and constructs a Courier. Register receivers on
// the returned Courier before calling Run or Submit.
func NewCourier(conf *configpkg.Config, log loggingpkg.ServiceLogger, deps Dependencies) (*Courier, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	if err := conf.Validate(); err != nil {
		return nil, errspkg.NewConfigValidationError(err)
	}
	normalized := conf.WithDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	c := &Courier{
		Conf:        &normalized,
		Logger:      log,
		roadmap:     NewRoadmap(),
		middlewares: NewMiddlewareRegistry(),
		stats:       make(map[Address]*RoadStats),
		ctx:         ctx,
		cancel:      cancel,
		stopped:     make(chan struct{}),
		classifier:  deps.ErrorClassifier,
		registerer:  deps.Registerer,

		resourceTracker: newResourceTracker(),
	}
	if c.classifier == nil {
		c.classifier = defaultErrorClassifier
	}
	if c.registerer == nil {
		c.registerer = prometheus.DefaultRegisterer
	}
	if normalized.DeadLetterEnabled {
		c.outlet = newDeadLetterOutlet(normalized.DeadLetterBufferSize)
	}

	if normalized.MetricsEnabled {
		c.metrics = NewDeliveryMetrics(c.registerer)
		c.dlqMetrics = NewDLQMetrics(c.registerer)
		if err := errors.Join(c.metrics.Register(), c.dlqMetrics.Register()); err != nil {
			cancel()
			return nil, fmt.Errorf("courier: register metrics: %w", err)
		}
		c.instrumentation = append(c.instrumentation, c.metrics, c.dlqMetrics)
	}
	for _, inst := range deps.Instrumentation {
		if inst != nil {
			c.instrumentation = append(c.instrumentation, inst)
		}
	}

	if err := c.registerConfiguredMiddlewares(deps); err != nil {
		cancel()
		return nil, err
	}

	log.Info("Creating courier", loggingpkg.LogFields{
		"default_channel":     normalized.DefaultChannel,
		"channel_buffer_size": normalized.ChannelBufferSize,
		"dead_letter_enabled": normalized.DeadLetterEnabled,
		"config":              normalized,
	})
	return c, nil
}

func (c *Courier) registerConfiguredMiddlewares(deps Dependencies) error {
	var defaults []MiddlewareRegistration
	if !deps.DisableDefaultMiddlewares {
		defaults = DefaultMiddlewares()
	}
	registrations := make([]MiddlewareRegistration, 0, len(defaults)+len(deps.Middlewares))
	registrations = append(registrations, defaults...)
	registrations = append(registrations, deps.Middlewares...)

	for _, reg := range registrations {
		if err := c.RegisterMiddleware(reg); err != nil {
			name := reg.Name
			if name == "" {
				name = "anonymous_middleware"
			}
			return fmt.Errorf("courier: register middleware %s: %w", name, err)
		}
	}
	return nil
}

// RegisterReceiver binds address to receiver on channel. An empty channel
// selects the configured default channel.
func (c *Courier) RegisterReceiver(address Address, channel ChannelName, receiver Receiver) error {
	if receiver == nil {
		return errspkg.ErrReceiverRequired
	}
	if channel == "" {
		channel = ChannelName(c.Conf.DefaultChannel)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sealed {
		return errspkg.ErrRoadmapSealed
	}
	if err := c.roadmap.Register(address, Road{Channel: channel, Receiver: receiver}); err != nil {
		return err
	}
	c.stats[address] = newRoadStats(address, channel)

	c.Logger.Debug("Registered receiver", loggingpkg.LogFields{
		"address": address,
		"channel": channel,
	})
	return nil
}

// RegisterRoutes registers a static table of routes, stopping at the first failure.
func (c *Courier) RegisterRoutes(routes ...Route) error {
	for _, route := range routes {
		if err := c.RegisterReceiver(route.Address, route.Channel, route.Receiver); err != nil {
			return fmt.Errorf("route %q: %w", route.Address, err)
		}
	}
	return nil
}

// RegisterDeadLetterReceiver installs the single dead letter receiver. The
// dead letter channel must be enabled in the configuration.
func (c *Courier) RegisterDeadLetterReceiver(receiver DeadLetterReceiver) error {
	if receiver == nil {
		return errspkg.ErrReceiverRequired
	}
	if c.outlet == nil {
		return errspkg.ErrDeadLetterDisabled
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sealed {
		return errspkg.ErrRoadmapSealed
	}
	if c.deadLetterReceiver != nil {
		return errspkg.ErrDeadLetterReceiverExists
	}
	c.deadLetterReceiver = receiver
	return nil
}

// RegisterAddressMiddleware installs the pre-process middleware for address.
func (c *Courier) RegisterAddressMiddleware(address Address, mw ParcelMiddleware) error {
	return c.middlewares.ForAddress(address, mw)
}

// RegisterChannelMiddleware installs the post-process middleware for channel.
func (c *Courier) RegisterChannelMiddleware(channel ChannelName, mw ParcelMiddleware) error {
	return c.middlewares.ForChannel(channel, mw)
}

// seal freezes registration and materializes channels and receiver chains.
// It runs once, on the first Submit or Run.
func (c *Courier) seal() {
	c.sealOnce.Do(func() {
		c.mu.Lock()
		defer c.mu.Unlock()

		c.sealed = true
		c.middlewares.seal()

		c.channels = make(map[ChannelName]*Channel)
		for _, name := range c.roadmap.Channels() {
			c.channels[name] = newChannel(name, c.Conf.BufferSizeFor(string(name)), c.outlet, c.instrumentation)
		}
		c.handlers = make(map[Address]Receiver, c.roadmap.Len())
		for _, address := range c.roadmap.Addresses() {
			road, _ := c.roadmap.Lookup(address)
			c.handlers[address] = c.buildHandler(road, c.stats[address])
		}

		if c.closed.Load() {
			for _, ch := range c.channels {
				ch.Close()
			}
		}
	})
}

func (c *Courier) buildHandler(road Road, stats *RoadStats) Receiver {
	h := recoverReceiver(road.Receiver)
	h = wrapReceiverWithStats(h, stats, c.classifier)
	for i := len(c.receiverChain) - 1; i >= 0; i-- {
		h = c.receiverChain[i](h)
	}
	return h
}

func (c *Courier) hasRoutes() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.roadmap.Len() > 0
}

// Submit routes parcel. It blocks while the target channel is full, and while
// the dead letter outlet is full when the parcel is recycled, until ctx ends.
// A parcel is accepted at most once. Routing
// and middleware failures never surface as errors; they dead-letter the
// parcel and show up on the returned handle.
func (c *Courier) Submit(ctx context.Context, parcel *Parcel) (ReceiptHandle, error) {
	if parcel == nil {
		return ReceiptHandle{}, errspkg.ErrParcelRequired
	}
	handle := parcel.Handle()
	if !parcel.Sendable() {
		return handle, fmt.Errorf("%w: %s", errspkg.ErrParcelNotSendable, parcel)
	}
	if c.closed.Load() {
		return handle, errspkg.ErrCourierClosed
	}
	if !c.hasRoutes() {
		return handle, errspkg.ErrNoRoutes
	}
	if !parcel.receipt.accept() {
		return handle, fmt.Errorf("%w: %s already submitted", errspkg.ErrParcelNotSendable, parcel)
	}
	c.seal()

	road, ok := c.roadmap.Lookup(parcel.Address())
	if !ok {
		c.recycle(ctx, parcel, "", noRoadmapReason(parcel.Address()), nil)
		return handle, nil
	}

	prepared, err := c.middlewares.PreProcess(ctx, parcel)
	if err != nil {
		c.recycle(ctx, parcel, road.Channel, "pre-process failed: "+errspkg.Describe(err), err)
		return handle, nil
	}

	ch := c.channels[road.Channel]
	if err := ch.Send(ctx, prepared); err != nil {
		c.recycle(ctx, prepared, road.Channel, fmt.Sprintf("enqueue on channel %q failed: %s", road.Channel, err), err)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return handle, ctxErr
		}
		return handle, nil
	}
	if c.metrics != nil {
		c.metrics.RecordSubmitted(road.Channel, ch.Len())
	}
	return handle, nil
}

// Run starts one forwarding goroutine per channel and the dead letter
// drainer, then blocks until Close is called or ctx ends.
func (c *Courier) Run(ctx context.Context) error {
	if !c.hasRoutes() {
		return errspkg.ErrNoRoutes
	}

	c.lifecycleMu.Lock()
	if c.closed.Load() {
		c.lifecycleMu.Unlock()
		return errspkg.ErrCourierClosed
	}
	if c.running {
		c.lifecycleMu.Unlock()
		return errspkg.ErrAlreadyRunning
	}
	c.running = true
	c.seal()

	names := make([]string, 0, len(c.channels))
	for name, ch := range c.channels {
		names = append(names, string(name))
		c.wg.Add(1)
		go c.forward(ch)
	}
	if c.outlet != nil && c.deadLetterReceiver != nil {
		c.wg.Add(1)
		go c.drainDeadLetters()
	}
	c.lifecycleMu.Unlock()

	c.startObservability()
	c.Logger.Info("Courier running", loggingpkg.LogFields{
		"channels":    names,
		"dead_letter": c.deadLetterReceiver != nil,
	})

	select {
	case <-c.stopped:
		return nil
	case <-ctx.Done():
		if err := c.Close(); err != nil && !errors.Is(err, errspkg.ErrCourierClosed) {
			c.Logger.Error("Courier shutdown incomplete", err, nil)
		}
		return ctx.Err()
	}
}

// Close cancels every task, closes all channels and waits for the
// forwarding goroutines up to the configured shutdown timeout. Parcels still
// queued are marked DEAD with reason "courier closed before delivery". A
// second call returns ErrCourierClosed and does nothing.
//
// A receiver that calls Close directly waits on its own forwarding goroutine,
// so Close returns ErrShutdownTimeout once ShutdownTimeout passes. Receivers
// should call it from a separate goroutine.
func (c *Courier) Close() error {
	c.lifecycleMu.Lock()
	if c.closed.Load() {
		c.lifecycleMu.Unlock()
		return errspkg.ErrCourierClosed
	}
	c.closed.Store(true)
	c.lifecycleMu.Unlock()

	c.Logger.Info("Closing courier", nil)
	c.cancel()

	c.mu.RLock()
	channels := c.channels
	c.mu.RUnlock()
	for _, ch := range channels {
		ch.Close()
	}
	if c.outlet != nil {
		c.outlet.Close()
	}

	err := c.waitForTasks(c.Conf.ShutdownTimeout)
	c.abandonQueued(channels)
	c.stopObservability()
	close(c.stopped)
	return err
}

func (c *Courier) waitForTasks(timeout time.Duration) error {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		c.Logger.Error("Timed out waiting for courier tasks", errspkg.ErrShutdownTimeout, loggingpkg.LogFields{
			"timeout": timeout.String(),
		})
		return errspkg.ErrShutdownTimeout
	}
}

func (c *Courier) abandonQueued(channels map[ChannelName]*Channel) {
	for name, ch := range channels {
		abandoned := ch.drain()
		for _, parcel := range abandoned {
			parcel.receipt.MarkDead(closedBeforeDeliveryReason)
		}
		if len(abandoned) > 0 {
			c.Logger.Info("Abandoned queued parcels", loggingpkg.LogFields{
				"channel": name,
				"count":   len(abandoned),
			})
		}
	}
	if c.outlet == nil {
		return
	}
	if dropped := c.outlet.drain(); len(dropped) > 0 {
		if c.dlqMetrics != nil {
			for _, dl := range dropped {
				c.dlqMetrics.RecordDropped(dl.Channel, dl.Parcel.Address(), true)
			}
		}
		c.Logger.Info("Dropped pending dead letters", loggingpkg.LogFields{"count": len(dropped)})
	}
}

// Closed reports whether Close has been called.
func (c *Courier) Closed() bool { return c.closed.Load() }

// Channel returns the materialized channel for name. Channels exist once the
// courier has been sealed by Submit or Run.
func (c *Courier) Channel(name ChannelName) (*Channel, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ch, ok := c.channels[name]
	return ch, ok
}

// RoadInfo describes one registered address.
type RoadInfo struct {
	Address    Address     `json:"address"`
	Channel    ChannelName `json:"channel"`
	QueueDepth int         `json:"queue_depth"`
	Stats      *RoadStats  `json:"stats"`
}

// Roads lists every registered address in registration order.
func (c *Courier) Roads() []RoadInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]RoadInfo, 0, c.roadmap.Len())
	for _, address := range c.roadmap.Addresses() {
		road, _ := c.roadmap.Lookup(address)
		info := RoadInfo{Address: address, Channel: road.Channel, Stats: c.stats[address]}
		if ch, ok := c.channels[road.Channel]; ok {
			info.QueueDepth = ch.Len()
		}
		out = append(out, info)
	}
	return out
}

// DLQMetrics returns the dead letter metrics collector, nil unless metrics are enabled.
func (c *Courier) DLQMetrics() *DLQMetrics { return c.dlqMetrics }

// DeliveryMetrics returns the delivery metrics collector, nil unless metrics are enabled.
func (c *Courier) DeliveryMetrics() *DeliveryMetrics { return c.metrics }
