// Package chat owns the conversation transcript: optimistic turns, the
// server-assigned session id, history reconciliation with the local cache
// and clearing.
package chat

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/xiaot623/gogo/campuschat/internal/backend"
	"github.com/xiaot623/gogo/campuschat/internal/config"
	"github.com/xiaot623/gogo/campuschat/internal/domain"
	"github.com/xiaot623/gogo/campuschat/internal/storage"
)

// ErrEmptyQuery is returned by SendTurn for blank input.
var ErrEmptyQuery = errors.New("chat: query is empty")

// Backend is the part of the REST API the conversation uses.
type Backend interface {
	Chat(ctx context.Context, query, sessionID string) (*domain.ChatResponse, error)
	History(ctx context.Context, sessionID string) ([]domain.Turn, error)
	ClearHistory(ctx context.Context, sessionID string) error
}

// Client is the conversation client.
type Client struct {
	backend        Backend
	store          storage.Store
	fallback       string
	now            func() time.Time
	onUnauthorized func(ctx context.Context)

	mu        sync.RWMutex
	messages  []domain.Turn
	sessionID string
	inflight  int
	version   int // bumped on every local transcript change
}

// Option configures the client.
type Option func(*Client)

// WithFallbackMessage sets the assistant text used when a turn fails.
func WithFallbackMessage(text string) Option {
	return func(c *Client) {
		if text != "" {
			c.fallback = text
		}
	}
}

// WithClock sets the clock used for optimistic turn timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		c.now = now
	}
}

// WithUnauthorizedHook registers fn to be called when the backend rejects
// the credential.
func WithUnauthorizedHook(fn func(ctx context.Context)) Option {
	return func(c *Client) {
		c.onUnauthorized = fn
	}
}

// NewClient creates a conversation client and restores the durable session
// id from store.
func NewClient(ctx context.Context, b Backend, store storage.Store, opts ...Option) *Client {
	c := &Client{
		backend:  b,
		store:    store,
		fallback: config.DefaultFallbackMessage,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}

	id, err := store.Get(ctx, storage.KeyChatSessionID)
	switch {
	case err == nil:
		c.sessionID = id
	case !errors.Is(err, storage.ErrNotFound):
		log.Printf("WARN: failed to restore chat session id: %v", err)
	}
	return c
}

// LoadHistory reconciles the transcript with the server. Non-empty server
// history replaces the transcript and refreshes the cache. Empty history or
// a failed request falls back to the cached transcript. If the transcript
// changed locally while the request was in flight it is left as is.
func (c *Client) LoadHistory(ctx context.Context) []domain.Turn {
	c.begin()
	defer c.end()

	c.mu.RLock()
	sessionID, version := c.sessionID, c.version
	c.mu.RUnlock()

	turns, err := c.backend.History(ctx, sessionID)
	if err != nil {
		c.checkUnauthorized(ctx, err)
		log.Printf("WARN: failed to load chat history, using cache: %v", err)
	}

	if err == nil && len(turns) > 0 {
		if err := storage.SetJSON(ctx, c.store, storage.KeyChatHistory, turns); err != nil {
			log.Printf("WARN: failed to cache chat history: %v", err)
		}
	} else {
		turns = c.cached(ctx)
	}

	c.mu.Lock()
	if c.version == version {
		c.messages = append([]domain.Turn(nil), turns...)
	} else {
		log.Printf("Conversation changed while loading history, keeping local transcript")
	}
	c.mu.Unlock()
	return c.Messages()
}

func (c *Client) cached(ctx context.Context) []domain.Turn {
	var turns []domain.Turn
	err := storage.GetJSON(ctx, c.store, storage.KeyChatHistory, &turns)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		log.Printf("WARN: failed to read cached chat history: %v", err)
	}
	return turns
}

// SendTurn submits one user query. The user turn is appended before the
// request goes out and is never rolled back. On success the answer is
// appended and a returned session id persisted; on failure the fallback
// text is appended instead. Backend errors are not returned.
func (c *Client) SendTurn(ctx context.Context, text string) error {
	query := strings.TrimSpace(text)
	if query == "" {
		return ErrEmptyQuery
	}

	c.begin()
	defer c.end()

	c.appendTurn(domain.NewTurn(domain.SenderUser, query, c.now()))

	resp, err := c.backend.Chat(ctx, query, c.SessionID())
	if err != nil {
		c.checkUnauthorized(ctx, err)
		log.Printf("ERROR: chat turn failed: %v", err)
		c.appendTurn(domain.NewTurn(domain.SenderAssistant, c.fallback, c.now()))
		c.saveCache(ctx)
		return nil
	}

	if resp.SessionID != "" {
		c.setSessionID(ctx, resp.SessionID)
	}
	c.appendTurn(domain.NewTurn(domain.SenderAssistant, resp.Answer, c.now()))
	c.saveCache(ctx)
	return nil
}

// Clear empties the transcript at once, then asks the backend to forget the
// session. Only when that succeeds are the cached transcript and the session
// id erased. The returned error is informational.
func (c *Client) Clear(ctx context.Context) error {
	c.mu.Lock()
	c.messages = nil
	c.version++
	sessionID := c.sessionID
	c.mu.Unlock()

	if sessionID != "" {
		c.begin()
		err := c.backend.ClearHistory(ctx, sessionID)
		c.end()
		if err != nil {
			c.checkUnauthorized(ctx, err)
			log.Printf("WARN: failed to clear chat history: %v", err)
			return err
		}
	}

	keys := []string{storage.KeyChatHistory}
	c.mu.Lock()
	// A turn that finished meanwhile may have brought a newer session id.
	if c.sessionID == sessionID {
		c.sessionID = ""
		keys = append(keys, storage.KeyChatSessionID)
	}
	c.mu.Unlock()
	if err := c.store.Delete(ctx, keys...); err != nil {
		log.Printf("WARN: failed to erase chat cache: %v", err)
	}
	return nil
}

// Reset forgets the conversation locally: the transcript, the session id and
// their cached copies. The backend is not contacted, so the server-side
// session survives for its owner.
func (c *Client) Reset(ctx context.Context) {
	c.mu.Lock()
	c.messages = nil
	c.sessionID = ""
	c.version++
	c.mu.Unlock()
	if err := c.store.Delete(ctx, storage.KeyChatHistory, storage.KeyChatSessionID); err != nil {
		log.Printf("WARN: failed to erase chat cache: %v", err)
	}
}

// Snapshot returns a copy of the conversation.
func (c *Client) Snapshot() domain.Conversation {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return domain.Conversation{
		SessionID: c.sessionID,
		Messages:  append([]domain.Turn(nil), c.messages...),
		Pending:   c.inflight > 0,
	}
}

// Messages returns a copy of the transcript.
func (c *Client) Messages() []domain.Turn {
	return c.Snapshot().Messages
}

// SessionID returns the server-assigned session id, or "".
func (c *Client) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

// Pending reports whether a request is outstanding.
func (c *Client) Pending() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.inflight > 0
}

func (c *Client) begin() {
	c.mu.Lock()
	c.inflight++
	c.mu.Unlock()
}

func (c *Client) end() {
	c.mu.Lock()
	c.inflight--
	c.mu.Unlock()
}

func (c *Client) appendTurn(t domain.Turn) {
	c.mu.Lock()
	c.messages = append(c.messages, t)
	c.version++
	c.mu.Unlock()
}

func (c *Client) setSessionID(ctx context.Context, id string) {
	c.mu.Lock()
	c.sessionID = id
	c.mu.Unlock()
	if err := c.store.Set(ctx, storage.KeyChatSessionID, id); err != nil {
		log.Printf("WARN: failed to persist chat session id: %v", err)
	}
}

func (c *Client) saveCache(ctx context.Context) {
	if err := storage.SetJSON(ctx, c.store, storage.KeyChatHistory, c.Messages()); err != nil {
		log.Printf("WARN: failed to cache chat history: %v", err)
	}
}

func (c *Client) checkUnauthorized(ctx context.Context, err error) {
	if c.onUnauthorized != nil && backend.IsUnauthorized(err) {
		c.onUnauthorized(ctx)
	}
}
