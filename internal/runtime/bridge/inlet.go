package bridge

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"

	runtimepkg "github.com/drblury/courier/internal/runtime"
	errspkg "github.com/drblury/courier/internal/runtime/errors"
	"github.com/drblury/courier/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/courier/internal/runtime/logging"
	metadatapkg "github.com/drblury/courier/internal/runtime/metadata"
)

// MetadataKeyMessageUUID carries the Watermill message UUID on inlet parcels.
const MetadataKeyMessageUUID = "message_uuid"

// Decoder turns a Watermill message into a parcel payload.
type Decoder func(msg *message.Message) (any, error)

// RawPayload is the default Decoder; it hands the message bytes to the receiver.
func RawPayload(msg *message.Message) (any, error) {
	return []byte(msg.Payload), nil
}

// JSONPayload decodes the message body into a new T.
func JSONPayload[T any]() Decoder {
	return func(msg *message.Message) (any, error) {
		var v T
		if err := jsoncodec.Unmarshal(msg.Payload, &v); err != nil {
			return nil, err
		}
		return v, nil
	}
}

// Inlet subscribes to a topic and submits one parcel per message to Address.
// A message is acked once its parcel settles, delivered or dead, and nacked
// when submission fails.
type Inlet struct {
	Subscriber message.Subscriber
	Topic      string
	Address    runtimepkg.Address
	Producer   runtimepkg.Producer
	Decode     Decoder
	Logger     loggingpkg.ServiceLogger
}

func (in Inlet) validate() error {
	switch {
	case in.Subscriber == nil:
		return errspkg.ErrSubscriberRequired
	case in.Topic == "":
		return errspkg.ErrTopicRequired
	case in.Address == "":
		return errspkg.ErrAddressRequired
	case in.Producer == nil:
		return errspkg.ErrCourierRequired
	}
	return nil
}

// Run consumes messages until ctx ends or the subscription closes.
func (in Inlet) Run(ctx context.Context) error {
	if err := in.validate(); err != nil {
		return err
	}
	if in.Decode == nil {
		in.Decode = RawPayload
	}
	if in.Logger == nil {
		in.Logger = loggingpkg.Nop()
	}

	messages, err := in.Subscriber.Subscribe(ctx, in.Topic)
	if err != nil {
		return fmt.Errorf("subscribe %q: %w", in.Topic, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-messages:
			if !ok {
				// nil when the subscriber closed on its own.
				return ctx.Err()
			}
			in.handle(ctx, msg)
		}
	}
}

func (in Inlet) handle(ctx context.Context, msg *message.Message) {
	fields := loggingpkg.LogFields{
		"topic":        in.Topic,
		"message_uuid": msg.UUID,
		"address":      in.Address,
	}

	payload, err := in.Decode(msg)
	if err != nil {
		// Redelivering an undecodable message cannot help.
		in.Logger.Error("Dropping undecodable message", err, fields)
		msg.Ack()
		return
	}

	md := metadatapkg.FromWatermill(msg.Metadata).With(MetadataKeyMessageUUID, msg.UUID)
	parcel := runtimepkg.NewParcel(in.Address, payload, md)

	handle, err := in.Producer.Submit(ctx, parcel)
	if err != nil {
		in.Logger.Error("Failed to submit message", err, fields)
		msg.Nack()
		return
	}

	status, err := handle.Wait(ctx)
	if err != nil {
		msg.Nack()
		return
	}
	fields["status"] = status
	if status == runtimepkg.StatusDead {
		fields["dead_reason"] = handle.DeadReason()
	}
	in.Logger.Debug("Message settled", fields)
	msg.Ack()
}
