// Package protocol defines the JSON frames exchanged on the chat websocket.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeClientMessage MessageType = "message"
	TypeReply         MessageType = "reply"
	TypeScheduled     MessageType = "scheduled"
	TypeErrorEvent    MessageType = "error"
)

var (
	ErrUnsupportedType = errors.New("unsupported message type")
	ErrEmptyText       = errors.New("message text is empty")
)

type Envelope struct {
	Type MessageType `json:"type"`
}

// ClientMessage is one user utterance. Type may be omitted.
type ClientMessage struct {
	Type MessageType `json:"type,omitempty"`
	ID   string      `json:"id,omitempty"`
	Text string      `json:"text"`
}

type Reply struct {
	Type  MessageType `json:"type"`
	ID    string      `json:"id"`
	Text  string      `json:"text"`
	Notes []string    `json:"notes,omitempty"`
}

// Scheduled carries the output of a scheduled job the client did not ask for.
type Scheduled struct {
	Type      MessageType `json:"type"`
	JobID     int64       `json:"job_id,omitempty"`
	Text      string      `json:"text"`
	CreatedAt time.Time   `json:"created_at"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	ID        string      `json:"id,omitempty"`
	Code      string      `json:"code"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

func NewReply(id, text string, notes []string) Reply {
	return Reply{Type: TypeReply, ID: id, Text: text, Notes: notes}
}

func NewScheduled(jobID int64, text string, at time.Time) Scheduled {
	return Scheduled{Type: TypeScheduled, JobID: jobID, Text: text, CreatedAt: at.UTC()}
}

func NewError(id, code string, retryable bool, detail string) ErrorEvent {
	return ErrorEvent{Type: TypeErrorEvent, ID: id, Code: code, Retryable: retryable, Detail: detail}
}

func ParseClientMessage(raw []byte) (ClientMessage, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return ClientMessage{}, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case "", TypeClientMessage:
		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return ClientMessage{}, err
		}
		msg.Type = TypeClientMessage
		msg.Text = strings.TrimSpace(msg.Text)
		if msg.Text == "" {
			return ClientMessage{}, ErrEmptyText
		}
		return msg, nil
	default:
		return ClientMessage{}, ErrUnsupportedType
	}
}
