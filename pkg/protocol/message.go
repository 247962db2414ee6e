// Package protocol defines the chat message exchanged with the relay.
//
// Messages travel as bare JSON objects in WebSocket text frames: no envelope,
// no version field, no acknowledgement frame.
package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// Message represents a chat message.
type Message struct {
	ID        string `json:"id"`
	Sender    string `json:"sender"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
}

// New creates a message with a fresh id stamped with the given time.
func New(sender, content string, now time.Time) Message {
	return Message{
		ID:        uuid.NewString(),
		Sender:    sender,
		Content:   content,
		Timestamp: FormatTimestamp(now),
	}
}

// Encode encodes the message into a JSON text payload.
func (m Message) Encode() (string, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to encode message: %w", err)
	}
	return string(data), nil
}

// Time parses the message timestamp.
func (m Message) Time() (time.Time, error) {
	return ParseTimestamp(m.Timestamp)
}

// Decode decodes a JSON text payload into a message.
// The payload must be an object carrying at least an id and a sender.
func Decode(payload string) (Message, error) {
	var m Message
	if err := json.Unmarshal([]byte(payload), &m); err != nil {
		return Message{}, &DecodeError{Payload: payload, Err: err}
	}
	if m.ID == "" {
		return Message{}, &DecodeError{Payload: payload, Err: ErrMissingID}
	}
	if m.Sender == "" {
		return Message{}, &DecodeError{Payload: payload, Err: ErrMissingSender}
	}
	return m, nil
}

// FormatTimestamp renders t using the JSON mapping of google.protobuf.Timestamp,
// which is RFC 3339 in UTC with a "Z" suffix.
func FormatTimestamp(t time.Time) string {
	data, err := protojson.Marshal(timestamppb.New(t))
	if err != nil {
		return t.UTC().Format(time.RFC3339Nano)
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return t.UTC().Format(time.RFC3339Nano)
	}
	return s
}

// ParseTimestamp parses an ISO-8601 timestamp produced by FormatTimestamp or by
// any other RFC 3339 writer.
func ParseTimestamp(s string) (time.Time, error) {
	ts := &timestamppb.Timestamp{}
	if err := protojson.Unmarshal([]byte(strconv.Quote(s)), ts); err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", s, err)
	}
	if err := ts.CheckValid(); err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", s, err)
	}
	return ts.AsTime(), nil
}
