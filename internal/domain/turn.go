package domain

import "time"

// Turn is one message exchanged in a conversation.
type Turn struct {
	Sender    Sender `json:"sender"`
	Text      string `json:"text"`
	Timestamp string `json:"timestamp"`
}

// NewTurn creates a turn stamped with the given time in RFC 3339 form.
func NewTurn(sender Sender, text string, at time.Time) Turn {
	return Turn{
		Sender:    sender,
		Text:      text,
		Timestamp: at.UTC().Format(time.RFC3339Nano),
	}
}

// Conversation is a snapshot of the chat thread held by the chat client.
type Conversation struct {
	SessionID string `json:"session_id,omitempty"`
	Messages  []Turn `json:"messages"`
	Pending   bool   `json:"pending"`
}
