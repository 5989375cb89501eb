// Package channel provides an in-memory Go channel transport.
// It is useful for tests and for wiring several couriers in one process.
package channel

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/drblury/courier/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "channel"

// DefaultOutputChannelBuffer is used when the config leaves the buffer at zero.
const DefaultOutputChannelBuffer int64 = 64

// Factory allows overriding the channel creation for testing.
var Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
	pubSub := gochannel.NewGoChannel(cfg, logger)
	return pubSub, pubSub
}

func init() {
	Register()
}

// Register adds the channel transport to the default registry.
func Register() {
	transport.Register(TransportName, Build)
}

// Build creates a new Go channel transport.
func Build(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	buffer := cfg.GetChannelOutputBuffer()
	if buffer <= 0 {
		buffer = DefaultOutputChannelBuffer
	}
	pub, sub := Factory(gochannel.Config{
		OutputChannelBuffer: buffer,
		Persistent:          cfg.GetChannelPersistent(),
	}, logger)
	return transport.Transport{
		Publisher:  pub,
		Subscriber: sub,
	}, nil
}
