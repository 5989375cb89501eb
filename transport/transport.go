// Package transport builds Watermill publisher/subscriber pairs by name so a
// courier can exchange parcels and dead letters with an external broker.
// Each transport lives in its own sub-package and registers itself with the
// transport registry.
package transport

import (
	"context"
	"errors"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// Transport combines a publisher and subscriber pair produced by a builder.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
}

// Close closes the publisher and, when it is a separate value, the subscriber.
func (t Transport) Close() error {
	var errs []error
	if t.Publisher != nil {
		errs = append(errs, t.Publisher.Close())
	}
	if t.Subscriber != nil && any(t.Subscriber) != any(t.Publisher) {
		errs = append(errs, t.Subscriber.Close())
	}
	return errors.Join(errs...)
}

// Builder creates a transport from cfg.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error)

// Config provides the values transports need. It lets builders read their
// settings without depending on the courier config package.
type Config interface {
	// GetTransportName returns the registered transport to build.
	GetTransportName() string

	// In-memory channel transport
	GetChannelOutputBuffer() int64
	GetChannelPersistent() bool
}

// Options is a plain Config.
type Options struct {
	Name string
	// ChannelOutputBuffer sizes the per-subscriber buffer of the channel transport.
	ChannelOutputBuffer int64
	// ChannelPersistent keeps published messages for subscribers that join later.
	ChannelPersistent bool
}

func (o Options) GetTransportName() string      { return o.Name }
func (o Options) GetChannelOutputBuffer() int64 { return o.ChannelOutputBuffer }
func (o Options) GetChannelPersistent() bool    { return o.ChannelPersistent }
