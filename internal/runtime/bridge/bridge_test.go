package bridge

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	runtimepkg "github.com/drblury/courier/internal/runtime"
	configpkg "github.com/drblury/courier/internal/runtime/config"
	errspkg "github.com/drblury/courier/internal/runtime/errors"
	"github.com/drblury/courier/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/courier/internal/runtime/logging"
	metadatapkg "github.com/drblury/courier/internal/runtime/metadata"
)

type order struct {
	ID    int    `json:"id"`
	Email string `json:"email"`
}

func newPubSub(t *testing.T) *gochannel.GoChannel {
	t.Helper()
	ps := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 16}, watermill.NopLogger{})
	t.Cleanup(func() { _ = ps.Close() })
	return ps
}

func newCourier(t *testing.T) *runtimepkg.Courier {
	t.Helper()
	c, err := runtimepkg.NewCourier(&configpkg.Config{DeadLetterEnabled: true}, loggingpkg.Nop(), runtimepkg.Dependencies{
		DisableDefaultMiddlewares: true,
	})
	require.NoError(t, err)
	return c
}

func receive(t *testing.T, ctx context.Context, messages <-chan *message.Message) *message.Message {
	t.Helper()
	select {
	case msg := <-messages:
		msg.Ack()
		return msg
	case <-ctx.Done():
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func TestDeadLetterPublisherRequiresPublisherAndTopic(t *testing.T) {
	_, err := DeadLetterPublisher(nil, "dead")
	assert.ErrorIs(t, err, errspkg.ErrPublisherRequired)

	_, err = DeadLetterPublisher(newPubSub(t), "")
	assert.ErrorIs(t, err, errspkg.ErrTopicRequired)
}

func TestDeadLetterPublisherPublishesRecord(t *testing.T) {
	ps := newPubSub(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	messages, err := ps.Subscribe(ctx, "dead")
	require.NoError(t, err)

	receiver, err := DeadLetterPublisher(ps, "dead")
	require.NoError(t, err)

	parcel := runtimepkg.NewParcel("orders", order{ID: 7}, metadatapkg.New("tenant", "acme"))
	require.True(t, parcel.Receipt().MarkDead("boom"))
	dl := runtimepkg.DeadLetter{
		Parcel:  parcel,
		Channel: "main",
		Reason:  "boom",
		Err:     errors.New("boom"),
		At:      time.Now(),
	}
	require.NoError(t, receiver(ctx, dl))

	msg := receive(t, ctx, messages)
	var record DeadLetterRecord
	require.NoError(t, jsoncodec.Unmarshal(msg.Payload, &record))
	assert.Equal(t, parcel.ID(), record.ParcelID)
	assert.Equal(t, "orders", record.Address)
	assert.Equal(t, "main", record.Channel)
	assert.Equal(t, "boom", record.Reason)
	assert.Equal(t, "boom", record.Error)
	assert.Equal(t, map[string]any{"id": float64(7), "email": ""}, record.Payload)

	assert.Equal(t, "acme", msg.Metadata.Get("tenant"))
	assert.Equal(t, "boom", msg.Metadata.Get(MetadataKeyReason))
	assert.Equal(t, "main", msg.Metadata.Get(MetadataKeyChannel))
}

func TestDeadLetterRecordFallsBackForUnencodablePayload(t *testing.T) {
	parcel := runtimepkg.NewParcel("orders", make(chan int), nil)
	msg, err := NewMessageFromDeadLetter(runtimepkg.DeadLetter{Parcel: parcel, Reason: "x"})
	require.NoError(t, err)

	var record DeadLetterRecord
	require.NoError(t, jsoncodec.Unmarshal(msg.Payload, &record))
	assert.IsType(t, "", record.Payload)
}

func TestPublishParcel(t *testing.T) {
	ps := newPubSub(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	assert.ErrorIs(t, PublishParcel(ctx, nil, "out", nil), errspkg.ErrPublisherRequired)
	assert.ErrorIs(t, PublishParcel(ctx, ps, "", nil), errspkg.ErrTopicRequired)
	assert.ErrorIs(t, PublishParcel(ctx, ps, "out", nil), errspkg.ErrParcelRequired)

	messages, err := ps.Subscribe(ctx, "out")
	require.NoError(t, err)

	parcel := runtimepkg.NewParcel("render", "hello", metadatapkg.New("k", "v"))
	require.NoError(t, PublishParcel(ctx, ps, "out", parcel))

	msg := receive(t, ctx, messages)
	assert.Equal(t, "hello", string(msg.Payload))
	assert.Equal(t, parcel.ID(), msg.Metadata.Get(MetadataKeyParcelID))
	assert.Equal(t, "render", msg.Metadata.Get(MetadataKeyAddress))
	assert.Equal(t, "string", msg.Metadata.Get(MetadataKeyPayloadType))
	assert.Equal(t, "v", msg.Metadata.Get("k"))
}

func TestInletValidation(t *testing.T) {
	ctx := context.Background()
	ps := newPubSub(t)
	c := newCourier(t)

	assert.ErrorIs(t, Inlet{}.Run(ctx), errspkg.ErrSubscriberRequired)
	assert.ErrorIs(t, Inlet{Subscriber: ps}.Run(ctx), errspkg.ErrTopicRequired)
	assert.ErrorIs(t, Inlet{Subscriber: ps, Topic: "in"}.Run(ctx), errspkg.ErrAddressRequired)
	assert.ErrorIs(t, Inlet{Subscriber: ps, Topic: "in", Address: "orders"}.Run(ctx), errspkg.ErrCourierRequired)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.ErrorIs(t, Inlet{Subscriber: ps, Topic: "in", Address: "orders", Producer: c}.Run(cancelled), context.Canceled)
}

func TestInletSubmitsMessagesAndExportsDeadLetters(t *testing.T) {
	ps := newPubSub(t)
	c := newCourier(t)

	delivered := make(chan runtimepkg.TypedDelivery[order], 64)
	require.NoError(t, runtimepkg.RegisterTypedReceiver(c, "orders", "", func(ctx context.Context, d runtimepkg.TypedDelivery[order]) (*runtimepkg.Parcel, error) {
		if d.Value.Email == "" {
			return nil, errors.New("missing email")
		}
		delivered <- d
		return nil, nil
	}))
	deadLetters, err := DeadLetterPublisher(ps, "orders.dead")
	require.NoError(t, err)
	require.NoError(t, c.RegisterDeadLetterReceiver(deadLetters))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	dead, err := ps.Subscribe(ctx, "orders.dead")
	require.NoError(t, err)

	runErr := make(chan error, 1)
	go func() { runErr <- c.Run(ctx) }()

	inletCtx, stopInlet := context.WithCancel(ctx)
	inletErr := make(chan error, 1)
	go func() {
		inletErr <- Inlet{
			Subscriber: ps,
			Topic:      "orders.in",
			Address:    "orders",
			Producer:   c,
			Decode:     JSONPayload[order](),
		}.Run(inletCtx)
	}()

	// gochannel drops messages published before the inlet subscribes, so keep
	// publishing until the first one lands.
	require.Eventually(t, func() bool {
		if len(delivered) > 0 {
			return true
		}
		body, _ := jsoncodec.Marshal(order{ID: 1, Email: "a@example.com"})
		_ = ps.Publish("orders.in", message.NewMessage("m-1", body))
		return false
	}, 2*time.Second, 50*time.Millisecond)

	got := <-delivered
	assert.Equal(t, 1, got.Value.ID)
	uuid, ok := got.Meta(MetadataKeyMessageUUID)
	require.True(t, ok)
	assert.Equal(t, "m-1", uuid)

	body, err := jsoncodec.Marshal(order{ID: 2})
	require.NoError(t, err)
	require.NoError(t, ps.Publish("orders.in", message.NewMessage("m-2", body)))

	msg := receive(t, ctx, dead)
	var record DeadLetterRecord
	require.NoError(t, jsoncodec.Unmarshal(msg.Payload, &record))
	assert.Equal(t, "orders", record.Address)
	assert.Equal(t, "missing email", record.Reason)
	assert.Equal(t, "m-2", msg.Metadata.Get(MetadataKeyMessageUUID))

	stopInlet()
	assert.ErrorIs(t, <-inletErr, context.Canceled)

	require.NoError(t, c.Close())
	assert.NoError(t, <-runErr)
}
