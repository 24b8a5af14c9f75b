// ABOUTME: Conversation event model shared by storage, ingest, and callback processors
// ABOUTME: Closed set of event types with a kind discriminator and tagged content blocks

package event

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind identifies an event type on the wire and in storage.
type Kind string

const (
	KindMessage                 Kind = "MessageEvent"
	KindConversationStateUpdate Kind = "ConversationStateUpdateEvent"
)

// Source values for MessageEvent.
const (
	SourceAgent = "agent"
	SourceUser  = "user"
)

// Keys and values carried by ConversationStateUpdateEvent.
const (
	KeyExecutionStatus      = "execution_status"
	ExecutionStatusFinished = "finished"
	ExecutionStatusRunning  = "running"
)

// Role values for Message.
const (
	RoleAssistant = "assistant"
	RoleUser      = "user"
	RoleSystem    = "system"
)

// Event is implemented by every conversation event type.
type Event interface {
	EventID() uuid.UUID
	EventKind() Kind
	EventTimestamp() time.Time
}

// Base holds the fields common to all events.
type Base struct {
	ID        uuid.UUID `json:"id"`
	Timestamp time.Time `json:"timestamp"`
}

func (b Base) EventID() uuid.UUID        { return b.ID }
func (b Base) EventTimestamp() time.Time { return b.Timestamp }

// NewBase returns a Base with a fresh id and the current time.
func NewBase() Base {
	return Base{ID: uuid.New(), Timestamp: time.Now().UTC()}
}

// FillDefaults gives e a fresh id and the current time where they are unset.
func FillDefaults(e Event) {
	var b *Base
	switch v := e.(type) {
	case *MessageEvent:
		b = &v.Base
	case *ConversationStateUpdateEvent:
		b = &v.Base
	default:
		return
	}
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	if b.Timestamp.IsZero() {
		b.Timestamp = time.Now().UTC()
	}
}

// ContentType tags a Content block.
type ContentType string

const (
	ContentTypeText  ContentType = "text"
	ContentTypeImage ContentType = "image"
)

// Content is a single block of an LLM message. Only the field matching Type is meaningful.
type Content struct {
	Type      ContentType `json:"type"`
	Text      string      `json:"text,omitempty"`
	ImageURLs []string    `json:"image_urls,omitempty"`
}

// TextContent returns a text block.
func TextContent(text string) Content {
	return Content{Type: ContentTypeText, Text: text}
}

// ImageContent returns an image block.
func ImageContent(urls ...string) Content {
	return Content{Type: ContentTypeImage, ImageURLs: urls}
}

// Message is the LLM-level message carried by a MessageEvent.
type Message struct {
	Role    string    `json:"role,omitempty"`
	Content []Content `json:"content,omitempty"`
}

// PlainText joins the trimmed, non-empty text blocks with a blank line.
// Non-text blocks are ignored. Returns "" when nothing qualifies.
func (m *Message) PlainText() string {
	if m == nil {
		return ""
	}
	var parts []string
	for _, block := range m.Content {
		if block.Type != ContentTypeText {
			continue
		}
		if text := strings.TrimSpace(block.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, "\n\n")
}

// MessageEvent is a message exchanged in a conversation.
type MessageEvent struct {
	Base
	Source     string   `json:"source"`
	LLMMessage *Message `json:"llm_message,omitempty"`
}

func (e *MessageEvent) EventKind() Kind { return KindMessage }

// ConversationStateUpdateEvent signals a change to a conversation state field.
// Value is any JSON value; only string values are ever matched.
type ConversationStateUpdateEvent struct {
	Base
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

func (e *ConversationStateUpdateEvent) EventKind() Kind { return KindConversationStateUpdate }

// StringValue encodes s as a state update value.
func StringValue(s string) json.RawMessage {
	data, _ := json.Marshal(s)
	return data
}

// ValueString returns the value when it is a JSON string.
func (e *ConversationStateUpdateEvent) ValueString() (string, bool) {
	var s string
	if len(e.Value) == 0 || json.Unmarshal(e.Value, &s) != nil {
		return "", false
	}
	return s, true
}

// IsExecutionFinished reports whether the update marks the end of agent execution.
func (e *ConversationStateUpdateEvent) IsExecutionFinished() bool {
	if e.Key != KeyExecutionStatus {
		return false
	}
	status, ok := e.ValueString()
	return ok && status == ExecutionStatusFinished
}

// SortOrder controls event search ordering.
type SortOrder string

const (
	SortTimestamp     SortOrder = "TIMESTAMP"
	SortTimestampDesc SortOrder = "TIMESTAMP_DESC"
)

// SearchParams filters an event search. Zero values mean "no filter".
type SearchParams struct {
	ConversationID uuid.UUID
	Kind           Kind
	SortOrder      SortOrder
	PageID         string
	Limit          int
}

// Page is one page of search results.
// NextPageID is empty when there are no more results.
type Page struct {
	Items      []Event `json:"items"`
	NextPageID string  `json:"next_page_id,omitempty"`
}
