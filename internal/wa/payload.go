package wa

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// WebhookPayload mirrors the subset of the Cloud API notification body the
// service reads.
type WebhookPayload struct {
	Object string  `json:"object"`
	Entry  []Entry `json:"entry"`
}

type Entry struct {
	ID      string   `json:"id"`
	Changes []Change `json:"changes"`
}

type Change struct {
	Field string      `json:"field"`
	Value ChangeValue `json:"value"`
}

type ChangeValue struct {
	MessagingProduct string           `json:"messaging_product"`
	Metadata         Metadata         `json:"metadata"`
	Messages         []WebhookMessage `json:"messages"`
}

type Metadata struct {
	DisplayPhoneNumber string `json:"display_phone_number"`
	PhoneNumberID      string `json:"phone_number_id"`
}

// WebhookMessage is one inbound customer message. Only the field matching
// Type is populated.
type WebhookMessage struct {
	From        string              `json:"from"`
	ID          string              `json:"id"`
	Timestamp   string              `json:"timestamp"`
	Type        string              `json:"type"`
	Text        *TextContent        `json:"text,omitempty"`
	Button      *ButtonContent      `json:"button,omitempty"`
	Interactive *InteractiveContent `json:"interactive,omitempty"`
}

type TextContent struct {
	Body string `json:"body"`
}

type ButtonContent struct {
	Text    string `json:"text"`
	Payload string `json:"payload"`
}

type InteractiveContent struct {
	Type        string      `json:"type"`
	ButtonReply *ReplyTitle `json:"button_reply,omitempty"`
	ListReply   *ReplyTitle `json:"list_reply,omitempty"`
}

type ReplyTitle struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// MessageKind is the closed set of message types the service understands.
type MessageKind int

const (
	KindUnsupported MessageKind = iota
	KindText
	KindButton
	KindInteractive
)

func (k MessageKind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindButton:
		return "button"
	case KindInteractive:
		return "interactive"
	default:
		return "unsupported"
	}
}

// Kind classifies the message by its type field, matched exactly.
func (m WebhookMessage) Kind() MessageKind {
	switch m.Type {
	case "text":
		return KindText
	case "button":
		return KindButton
	case "interactive":
		return KindInteractive
	default:
		return KindUnsupported
	}
}

// Content returns the human readable text of the message, empty for
// unsupported kinds.
func (m WebhookMessage) Content() string {
	switch m.Kind() {
	case KindText:
		if m.Text != nil {
			return strings.TrimSpace(m.Text.Body)
		}
	case KindButton:
		if m.Button != nil {
			return strings.TrimSpace(m.Button.Text)
		}
	case KindInteractive:
		if m.Interactive == nil {
			return ""
		}
		if m.Interactive.ButtonReply != nil {
			if title := strings.TrimSpace(m.Interactive.ButtonReply.Title); title != "" {
				return title
			}
		}
		if m.Interactive.ListReply != nil {
			return strings.TrimSpace(m.Interactive.ListReply.Title)
		}
	case KindUnsupported:
	}
	return ""
}

// InboundEvent is a complete customer message addressed to one channel.
type InboundEvent struct {
	PhoneNumberID string
	From          string
	Text          string
	WAMessageID   string
	Kind          MessageKind
}

// Delivery is one authenticated webhook request.
type Delivery struct {
	ID         string
	ReceivedAt time.Time
	Events     []InboundEvent
}

// ParsePayload decodes a webhook body.
func ParsePayload(body []byte) (*WebhookPayload, error) {
	var payload WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode webhook payload: %w", err)
	}
	return &payload, nil
}

// ExtractEvents flattens the payload into events in payload order. Changes
// other than "messages" and messages missing the channel id, the sender or
// readable text are dropped.
func ExtractEvents(payload *WebhookPayload) []InboundEvent {
	if payload == nil {
		return nil
	}
	var events []InboundEvent
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			if change.Field != "messages" {
				continue
			}
			phoneNumberID := strings.TrimSpace(change.Value.Metadata.PhoneNumberID)
			if phoneNumberID == "" {
				continue
			}
			for _, msg := range change.Value.Messages {
				from := strings.TrimSpace(msg.From)
				text := msg.Content()
				if from == "" || text == "" {
					continue
				}
				events = append(events, InboundEvent{
					PhoneNumberID: phoneNumberID,
					From:          from,
					Text:          text,
					WAMessageID:   strings.TrimSpace(msg.ID),
					Kind:          msg.Kind(),
				})
			}
		}
	}
	return events
}
