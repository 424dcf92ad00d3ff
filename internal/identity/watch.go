package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"

	"github.com/gorilla/websocket"
)

// EventSessionRevoked is sent by the backend when a token stops being valid.
const EventSessionRevoked = "session_revoked"

// ErrNoSession is returned by Watch when nobody is signed in.
var ErrNoSession = errors.New("identity: no active session")

type sessionEvent struct {
	Type string `json:"type"`
}

// Watch follows the backend's session event stream for the current token
// and signs out locally when the token is revoked. It returns when ctx is
// done, the stream ends, or the session was revoked.
func (p *Provider) Watch(ctx context.Context, eventsURL string) error {
	p.mu.Lock()
	current := cloneSession(p.current)
	p.mu.Unlock()
	if current == nil {
		return ErrNoSession
	}
	token := current.AccessToken

	u, err := url.Parse(eventsURL)
	if err != nil {
		return fmt.Errorf("invalid events url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
			conn.Close()
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return fmt.Errorf("read session events: %w", err)
		}

		var event sessionEvent
		if err := json.Unmarshal(data, &event); err != nil {
			log.Printf("WARN: ignoring malformed session event: %v", err)
			continue
		}
		if event.Type != EventSessionRevoked {
			continue
		}

		p.mu.Lock()
		stillCurrent := p.current != nil && p.current.AccessToken == token
		p.mu.Unlock()
		if stillCurrent {
			log.Printf("Session revoked by backend, signing out")
			return p.SignOut(ctx)
		}
		return nil
	}
}
