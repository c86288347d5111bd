package domain

import (
	"time"

	"github.com/tidwall/gjson"
)

// MessageKind tags a chat message.
type MessageKind string

const (
	// KindUserMessage is a message typed by the human operator.
	KindUserMessage MessageKind = "user_message"
	// KindAIMessage is a message produced by a team participant.
	KindAIMessage MessageKind = "ai_message"
	// KindError is a terminal failure report for a turn.
	KindError MessageKind = "error"
)

const (
	// RoleUser is the distinguished role of the human operator.
	RoleUser = "user"
	// DefaultSender labels runner output that carries no sender.
	DefaultSender = "assistant"
)

// ChatMessage is one element of a turn's output sequence.
type ChatMessage struct {
	Kind      MessageKind `json:"type"`
	Content   string      `json:"content"`
	Sender    string      `json:"sender,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Text returns the readable form of the message content.
func (m ChatMessage) Text() string {
	return ExtractText(m.Content)
}

// HistoryEntry is a message recorded in a session's history.
type HistoryEntry struct {
	Role      string      `json:"role" yaml:"role"`
	Content   string      `json:"content" yaml:"content"`
	Kind      MessageKind `json:"type" yaml:"type"`
	Timestamp time.Time   `json:"timestamp" yaml:"timestamp"`
}

// KindForRole maps a history role to its message kind.
func KindForRole(role string) MessageKind {
	if role == RoleUser {
		return KindUserMessage
	}
	return KindAIMessage
}

// ExtractText pulls readable text out of a message payload. Runner output is
// either plain text or a JSON document; OpenAI-style completions are unwrapped
// to the first choice, other objects to their "content" field.
func ExtractText(content string) string {
	if !gjson.Valid(content) {
		return content
	}
	parsed := gjson.Parse(content)
	switch {
	case parsed.IsObject():
		if choice := parsed.Get("response.choices.0.message.content"); choice.Exists() {
			return choice.String()
		}
		if inner := parsed.Get("content"); inner.Exists() {
			if inner.Type == gjson.String {
				return ExtractText(inner.String())
			}
			return ExtractText(inner.Raw)
		}
		return parsed.Raw
	case parsed.Type == gjson.String:
		return ExtractText(parsed.String())
	default:
		return content
	}
}
