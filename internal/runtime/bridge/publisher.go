// Package bridge connects a courier to Watermill publishers and subscribers:
// parcels and dead letters can be published to a topic, and an Inlet turns
// subscribed messages into submitted parcels.
package bridge

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	runtimepkg "github.com/drblury/courier/internal/runtime"
	errspkg "github.com/drblury/courier/internal/runtime/errors"
	idspkg "github.com/drblury/courier/internal/runtime/ids"
	"github.com/drblury/courier/internal/runtime/jsoncodec"
	metadatapkg "github.com/drblury/courier/internal/runtime/metadata"
)

// Metadata keys set on every message produced by this package.
const (
	MetadataKeyParcelID    = "courier_parcel_id"
	MetadataKeyAddress     = "courier_address"
	MetadataKeyChannel     = "courier_channel"
	MetadataKeyReason      = "courier_dead_reason"
	MetadataKeyPayloadType = "courier_payload_type"
)

// DeadLetterRecord is the JSON body published for each dead letter.
type DeadLetterRecord struct {
	ParcelID     string         `json:"parcel_id"`
	Address      string         `json:"address"`
	Channel      string         `json:"channel"`
	Reason       string         `json:"reason"`
	Error        string         `json:"error,omitempty"`
	AddressChain []string       `json:"address_chain"`
	Payload      any            `json:"payload"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	DeadAt       time.Time      `json:"dead_at"`
}

// NewDeadLetterRecord flattens dl into its published form.
func NewDeadLetterRecord(dl runtimepkg.DeadLetter) DeadLetterRecord {
	p := dl.Parcel
	record := DeadLetterRecord{
		ParcelID:     p.ID(),
		Address:      string(p.Address()),
		Channel:      string(dl.Channel),
		Reason:       dl.Reason,
		AddressChain: p.Receipt().AddressChain(),
		Payload:      p.Payload(),
		Metadata:     p.Metadata(),
		CreatedAt:    p.CreatedAt(),
		DeadAt:       dl.At,
	}
	if dl.Err != nil {
		record.Error = dl.Err.Error()
	}
	return record
}

// NewMessageFromParcel encodes the parcel payload as JSON and copies its
// metadata onto a Watermill message with a fresh ULID.
func NewMessageFromParcel(parcel *runtimepkg.Parcel) (*message.Message, error) {
	if parcel == nil {
		return nil, errspkg.ErrParcelRequired
	}

	payload, err := encodePayload(parcel.Payload())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal parcel payload: %w", err)
	}

	msg := message.NewMessage(idspkg.CreateULID(), payload)
	msg.Metadata = metadatapkg.ToWatermill(parcel.Metadata())
	msg.Metadata[MetadataKeyParcelID] = parcel.ID()
	msg.Metadata[MetadataKeyAddress] = string(parcel.Address())
	msg.Metadata[MetadataKeyPayloadType] = fmt.Sprintf("%T", parcel.Payload())
	return msg, nil
}

// NewMessageFromDeadLetter encodes dl as a DeadLetterRecord.
func NewMessageFromDeadLetter(dl runtimepkg.DeadLetter) (*message.Message, error) {
	if dl.Parcel == nil {
		return nil, errspkg.ErrParcelRequired
	}

	record := NewDeadLetterRecord(dl)
	body, err := jsoncodec.Marshal(record)
	if err != nil {
		// Unencodable payloads are published in their printed form.
		record.Payload = fmt.Sprintf("%v", record.Payload)
		record.Metadata = metadatapkg.FromWatermill(metadatapkg.ToWatermill(record.Metadata))
		if body, err = jsoncodec.Marshal(record); err != nil {
			return nil, fmt.Errorf("failed to marshal dead letter: %w", err)
		}
	}

	msg := message.NewMessage(idspkg.CreateULID(), body)
	msg.Metadata = metadatapkg.ToWatermill(dl.Parcel.Metadata())
	msg.Metadata[MetadataKeyParcelID] = dl.Parcel.ID()
	msg.Metadata[MetadataKeyAddress] = string(dl.Parcel.Address())
	msg.Metadata[MetadataKeyChannel] = string(dl.Channel)
	msg.Metadata[MetadataKeyReason] = dl.Reason
	return msg, nil
}

// PublishParcel marshals the parcel and publishes it to topic.
func PublishParcel(ctx context.Context, publisher message.Publisher, topic string, parcel *runtimepkg.Parcel) error {
	if publisher == nil {
		return errspkg.ErrPublisherRequired
	}
	if topic == "" {
		return errspkg.ErrTopicRequired
	}

	msg, err := NewMessageFromParcel(parcel)
	if err != nil {
		return err
	}
	if ctx != nil {
		msg.SetContext(ctx)
	}
	return publisher.Publish(topic, msg)
}

// DeadLetterPublisher returns a dead letter receiver that publishes every dead
// letter to topic.
func DeadLetterPublisher(publisher message.Publisher, topic string) (runtimepkg.DeadLetterReceiver, error) {
	if publisher == nil {
		return nil, errspkg.ErrPublisherRequired
	}
	if topic == "" {
		return nil, errspkg.ErrTopicRequired
	}
	return func(ctx context.Context, dl runtimepkg.DeadLetter) error {
		msg, err := NewMessageFromDeadLetter(dl)
		if err != nil {
			return err
		}
		msg.SetContext(ctx)
		if err := publisher.Publish(topic, msg); err != nil {
			return fmt.Errorf("publish dead letter %s: %w", dl.Parcel.ID(), err)
		}
		return nil
	}, nil
}

func encodePayload(payload any) ([]byte, error) {
	switch typed := payload.(type) {
	case nil:
		return nil, nil
	case []byte:
		return typed, nil
	case string:
		return []byte(typed), nil
	}
	return jsoncodec.Marshal(payload)
}
