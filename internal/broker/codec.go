package broker

import (
	"fmt"
	"strings"

	"shopping-cart-service/internal/models"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// TypeURLPrefix prefixes the type_url of every published envelope.
const TypeURLPrefix = "shopping-cart-service/shoppingcart."

// TypeURL returns the envelope type_url of an event type.
func TypeURL(eventType string) string {
	return TypeURLPrefix + eventType
}

// EncodeEvent wraps an event in a google.protobuf.Any whose value is the
// event payload as a google.protobuf.Struct.
func EncodeEvent(event models.Event) ([]byte, error) {
	eventType, payload, err := models.MarshalEvent(event)
	if err != nil {
		return nil, err
	}

	st := &structpb.Struct{}
	if err := protojson.Unmarshal(payload, st); err != nil {
		return nil, fmt.Errorf("failed to convert %s payload: %w", eventType, err)
	}
	value, err := proto.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", eventType, err)
	}

	data, err := proto.Marshal(&anypb.Any{TypeUrl: TypeURL(eventType), Value: value})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s envelope: %w", eventType, err)
	}
	return data, nil
}

// DecodeEvent reverses EncodeEvent. It returns the event type even when
// the type is unknown, so callers can log what they skip.
func DecodeEvent(data []byte) (string, models.Event, error) {
	var envelope anypb.Any
	if err := proto.Unmarshal(data, &envelope); err != nil {
		return "", nil, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	if !strings.HasPrefix(envelope.TypeUrl, TypeURLPrefix) {
		return envelope.TypeUrl, nil, fmt.Errorf("unexpected type url %q", envelope.TypeUrl)
	}
	eventType := strings.TrimPrefix(envelope.TypeUrl, TypeURLPrefix)

	var st structpb.Struct
	if err := proto.Unmarshal(envelope.Value, &st); err != nil {
		return eventType, nil, fmt.Errorf("failed to unmarshal %s payload: %w", eventType, err)
	}
	payload, err := protojson.Marshal(&st)
	if err != nil {
		return eventType, nil, fmt.Errorf("failed to convert %s payload: %w", eventType, err)
	}

	event, err := models.UnmarshalEvent(eventType, payload)
	if err != nil {
		return eventType, nil, err
	}
	return eventType, event, nil
}
