package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// LoginRequest is the body of POST /auth/login.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoginResponse is returned by POST /auth/login.
type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	UserID      string `json:"user_id,omitempty"`
}

// RegisterRequest is the body of POST /auth/register.
type RegisterRequest struct {
	Name     string `json:"name,omitempty"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

// MessageResponse is the generic {message} body returned by several endpoints.
type MessageResponse struct {
	Message string `json:"message"`
}

// ChatRequest is the body of POST /chat. SessionID is serialized as null
// until the backend has assigned one.
type ChatRequest struct {
	Query     string  `json:"query"`
	SessionID *string `json:"session_id"`
}

// ChatResponse is returned by POST /chat.
type ChatResponse struct {
	Answer    string `json:"answer"`
	SessionID string `json:"session_id,omitempty"`
}

// ClearRequest is the body of POST /chat/clear.
type ClearRequest struct {
	SessionID string `json:"session_id"`
}

// IngestRequest is the body of POST /data/ingest.
type IngestRequest struct {
	URLs []string `json:"urls"`
}

// HistoryResponse accepts both shapes the history endpoint returns:
// a bare array of turns or an object wrapping them under "history".
type HistoryResponse struct {
	History []Turn `json:"history"`
}

// UnmarshalJSON implements json.Unmarshaler.
func (h *HistoryResponse) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		h.History = nil
		return nil
	}

	var turns []Turn
	switch trimmed[0] {
	case '[':
		if err := json.Unmarshal(trimmed, &turns); err != nil {
			return fmt.Errorf("failed to decode history array: %w", err)
		}
	case '{':
		var wrapped struct {
			History []Turn `json:"history"`
		}
		if err := json.Unmarshal(trimmed, &wrapped); err != nil {
			return fmt.Errorf("failed to decode history object: %w", err)
		}
		turns = wrapped.History
	default:
		return fmt.Errorf("unexpected history payload: %.32s", trimmed)
	}

	for i := range turns {
		turns[i].Sender = NormalizeSender(string(turns[i].Sender))
	}
	h.History = turns
	return nil
}

// ErrorBody is the error shape the backend uses for non-2xx responses.
type ErrorBody struct {
	Message string `json:"message"`
	Detail  string `json:"detail"`
	Error   string `json:"error"`
}

// Text returns the first non-empty human-readable field.
func (e ErrorBody) Text() string {
	switch {
	case e.Message != "":
		return e.Message
	case e.Detail != "":
		return e.Detail
	default:
		return e.Error
	}
}
