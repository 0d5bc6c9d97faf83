package realtime

import (
	"encoding/json"
	"fmt"
)

// Topics carried in Message.Type.
const (
	TopicDealCreated      = "deal-created"
	TopicDealUpdated      = "deal-updated"
	TopicDealDeleted      = "deal-deleted"
	TopicDealMoved        = "deal-moved"
	TopicDealNotesUpdated = "deal-notes-updated"
	TopicDealQuoteUpdated = "deal-quote-updated"
	TopicActivityAdded    = "deal-activity-added"
	TopicNotification     = "notification"

	TypeRegister   = "register"
	TypeRegistered = "registered"
	TypePing       = "ping"
	TypePong       = "pong"
)

// Message is the envelope exchanged on the broadcast channel.
// UserID is only set on register requests.
type Message struct {
	Type   string          `json:"type"`
	Data   json.RawMessage `json:"data,omitempty"`
	UserID *int64          `json:"userId,omitempty"`
}

// ChangeEvent announces a committed mutation. Timestamp is unix milliseconds.
type ChangeEvent struct {
	Topic           string `json:"topic"`
	ResourceType    string `json:"resourceType"`
	ResourceID      string `json:"resourceId"`
	Action          string `json:"action"`
	Timestamp       int64  `json:"timestamp"`
	UpdatedAtMillis int64  `json:"updatedAtMs,omitempty"`
	ActivityID      string `json:"activityId,omitempty"`
	ActivityType    string `json:"activityType,omitempty"`
}

// Notification is a message addressed to a single subject.
type Notification struct {
	Kind         string `json:"kind"`
	Title        string `json:"title"`
	Body         string `json:"body"`
	ResourceType string `json:"resourceType"`
	ResourceID   string `json:"resourceId"`
	Timestamp    int64  `json:"timestamp"`
}

// Registration acknowledges a register request.
type Registration struct {
	OK     bool   `json:"ok"`
	UserID int64  `json:"userId"`
	Reason string `json:"reason,omitempty"`
}

// IsChangeTopic reports whether the message type announces a deal change.
func IsChangeTopic(messageType string) bool {
	switch messageType {
	case TopicDealCreated, TopicDealUpdated, TopicDealDeleted, TopicDealMoved,
		TopicDealNotesUpdated, TopicDealQuoteUpdated, TopicActivityAdded:
		return true
	default:
		return false
	}
}

// NewMessage encodes payload as the data of a message of the provided type.
func NewMessage(messageType string, payload any) (Message, error) {
	message := Message{Type: messageType}
	if payload == nil {
		return message, nil
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s payload: %w", messageType, err)
	}
	message.Data = encoded
	return message, nil
}

// NewChangeMessage wraps a change event using its topic as the message type.
func NewChangeMessage(event ChangeEvent) (Message, error) {
	return NewMessage(event.Topic, event)
}

// DecodeChangeEvent extracts the change event carried by message.
func DecodeChangeEvent(message Message) (ChangeEvent, error) {
	var event ChangeEvent
	if len(message.Data) == 0 {
		return event, fmt.Errorf("message %s carries no data", message.Type)
	}
	if err := json.Unmarshal(message.Data, &event); err != nil {
		return event, fmt.Errorf("decode %s payload: %w", message.Type, err)
	}
	if event.Topic == "" {
		event.Topic = message.Type
	}
	return event, nil
}

// DecodeRegistration extracts a registration acknowledgement.
func DecodeRegistration(message Message) (Registration, error) {
	var registration Registration
	if err := json.Unmarshal(message.Data, &registration); err != nil {
		return registration, fmt.Errorf("decode registration: %w", err)
	}
	return registration, nil
}

// DecodeNotification extracts a targeted notification.
func DecodeNotification(message Message) (Notification, error) {
	var notification Notification
	if err := json.Unmarshal(message.Data, &notification); err != nil {
		return notification, fmt.Errorf("decode notification: %w", err)
	}
	return notification, nil
}
