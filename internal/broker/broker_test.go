package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"shopping-cart-service/internal/models"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"
	"google.golang.org/protobuf/types/known/structpb"
)

type sentMessage struct {
	key     string
	value   []byte
	headers []kafka.Header
}

type fakeWriter struct {
	sent []sentMessage
	err  error
}

func (w *fakeWriter) Publish(_ context.Context, key string, value []byte, headers ...kafka.Header) error {
	if w.err != nil {
		return w.err
	}
	w.sent = append(w.sent, sentMessage{key: key, value: value, headers: headers})
	return nil
}

func TestEncodeEventEnvelope(t *testing.T) {
	data, err := EncodeEvent(models.ItemAdded{CartID: "cart-1", ItemID: "foo", Quantity: 42})
	require.NoError(t, err)

	var envelope anypb.Any
	require.NoError(t, proto.Unmarshal(data, &envelope))
	assert.Equal(t, "shopping-cart-service/shoppingcart.ItemAdded", envelope.TypeUrl)

	var payload structpb.Struct
	require.NoError(t, proto.Unmarshal(envelope.Value, &payload))
	assert.Equal(t, "foo", payload.Fields["item_id"].GetStringValue())
	assert.Equal(t, float64(42), payload.Fields["quantity"].GetNumberValue())
}

func TestDecodeEventRestoresEveryVariant(t *testing.T) {
	events := []models.Event{
		models.ItemAdded{CartID: "cart-1", ItemID: "foo", Quantity: 42},
		models.ItemRemoved{CartID: "cart-1", ItemID: "foo"},
		models.ItemQuantityAdjusted{CartID: "cart-1", ItemID: "foo", Quantity: 7},
		models.CheckedOut{CartID: "cart-1", EventTime: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)},
	}

	for _, event := range events {
		data, err := EncodeEvent(event)
		require.NoError(t, err)

		eventType, decoded, err := DecodeEvent(data)
		require.NoError(t, err)
		assert.Equal(t, event.EventType(), eventType)
		assert.Equal(t, event, decoded)
	}
}

func TestDecodeEventKeepsLargestQuantityExact(t *testing.T) {
	event := models.ItemQuantityAdjusted{CartID: "cart-1", ItemID: "foo", Quantity: 1 << 53}

	data, err := EncodeEvent(event)
	require.NoError(t, err)

	_, decoded, err := DecodeEvent(data)
	require.NoError(t, err)
	assert.Equal(t, event, decoded)
}

func TestDecodeEventRejectsForeignTypeURL(t *testing.T) {
	data, err := proto.Marshal(&anypb.Any{TypeUrl: "other/thing.Happened"})
	require.NoError(t, err)

	typeURL, _, err := DecodeEvent(data)
	assert.Error(t, err)
	assert.Equal(t, "other/thing.Happened", typeURL)
}

func TestPublishEventKeysByCart(t *testing.T) {
	w := &fakeWriter{}
	p := NewEventPublisher(w)

	env := models.EventEnvelope{
		CartID:  "cart-1",
		EventID: "evt-1",
		Event:   models.CheckedOut{CartID: "cart-1", EventTime: time.Now().UTC()},
	}
	require.NoError(t, p.PublishEvent(context.Background(), env))

	require.Len(t, w.sent, 1)
	assert.Equal(t, "cart-1", w.sent[0].key)
	assert.Contains(t, w.sent[0].headers, kafka.Header{Key: "event_type", Value: []byte("CheckedOut")})

	w.err = errors.New("leader not available")
	assert.Error(t, p.PublishEvent(context.Background(), env))
}

func TestEventHandlerRoutesByType(t *testing.T) {
	h := NewEventHandler()

	var got []string
	h.On(models.EventTypeItemAdded, func(_ context.Context, cartID string, event models.Event) error {
		got = append(got, cartID+":"+event.(models.ItemAdded).ItemID)
		return nil
	})

	added, err := EncodeEvent(models.ItemAdded{CartID: "cart-1", ItemID: "foo", Quantity: 1})
	require.NoError(t, err)
	removed, err := EncodeEvent(models.ItemRemoved{CartID: "cart-1", ItemID: "foo"})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, h.HandleMessage(ctx, kafka.Message{Key: []byte("cart-1"), Value: added}))
	require.NoError(t, h.HandleMessage(ctx, kafka.Message{Key: []byte("cart-1"), Value: removed}))
	require.NoError(t, h.HandleMessage(ctx, kafka.Message{Key: []byte("cart-1"), Value: []byte("garbage")}))

	assert.Equal(t, []string{"cart-1:foo"}, got)
}
