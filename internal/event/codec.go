// ABOUTME: JSON envelope encoding for events using a kind discriminator
// ABOUTME: Used by the SQLite store and the event ingest endpoint

package event

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownKind is returned when decoding an envelope whose kind is not a known event type.
var ErrUnknownKind = errors.New("unknown event kind")

type envelope struct {
	Kind Kind `json:"kind"`
}

// Marshal encodes an event with its kind discriminator inlined.
func Marshal(e Event) ([]byte, error) {
	switch v := e.(type) {
	case *MessageEvent:
		return json.Marshal(struct {
			Kind Kind `json:"kind"`
			*MessageEvent
		}{KindMessage, v})
	case *ConversationStateUpdateEvent:
		return json.Marshal(struct {
			Kind Kind `json:"kind"`
			*ConversationStateUpdateEvent
		}{KindConversationStateUpdate, v})
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownKind, e)
	}
}

// Unmarshal decodes an envelope produced by Marshal.
func Unmarshal(data []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decoding event envelope: %w", err)
	}

	var e Event
	switch env.Kind {
	case KindMessage:
		e = &MessageEvent{}
	case KindConversationStateUpdate:
		e = &ConversationStateUpdateEvent{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, env.Kind)
	}

	if err := json.Unmarshal(data, e); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", env.Kind, err)
	}
	return e, nil
}

// KnownKind reports whether k names an event type this package can decode.
func KnownKind(k Kind) bool {
	return k == KindMessage || k == KindConversationStateUpdate
}
