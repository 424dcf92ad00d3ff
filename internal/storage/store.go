// Package storage provides durable client-side storage: a small key/value
// mirror that survives restarts, in the role browser local storage plays for
// a web client. Nothing kept here is a source of truth once the backend has
// answered.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Keys used by the client.
const (
	KeyChatSessionID = "chat.session_id"
	KeyChatHistory   = "chat.history"
	KeyChatOwner     = "chat.owner"
	KeyAuthSession   = "auth.session"
)

// ErrNotFound is returned when a key has no value.
var ErrNotFound = errors.New("storage: key not found")

// Store defines the interface for durable key/value persistence.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, keys ...string) error

	// Lifecycle
	Close() error
}

// GetJSON loads key and decodes it into v. It returns ErrNotFound when the
// key is absent.
func GetJSON(ctx context.Context, s Store, key string, v interface{}) error {
	raw, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return nil
}

// SetJSON encodes v and stores it under key.
func SetJSON(ctx context.Context, s Store, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	return s.Set(ctx, key, string(data))
}
