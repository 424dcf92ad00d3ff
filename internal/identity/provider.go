// Package identity is the identity provider the client signs in through.
//
// Sessions are issued by the backend's password login, persisted in durable
// storage so they survive restarts, and announced to subscribers through
// change notifications delivered in order from a single goroutine.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/xiaot623/gogo/campuschat/internal/domain"
	"github.com/xiaot623/gogo/campuschat/internal/storage"
)

// Authenticator exchanges credentials for a token.
type Authenticator interface {
	Login(ctx context.Context, email, password string) (*domain.LoginResponse, error)
}

// Provider manages the provider-side session.
type Provider struct {
	auth  Authenticator
	store storage.Store

	mu       sync.Mutex
	current  *domain.ProviderSession
	restored bool
	handlers map[int]func(*domain.ProviderSession)
	nextID   int

	notifications chan *domain.ProviderSession
	quit          chan struct{}
	closeOnce     sync.Once
}

// NewProvider creates a provider and starts its notification dispatcher.
func NewProvider(auth Authenticator, store storage.Store) *Provider {
	p := &Provider{
		auth:          auth,
		store:         store,
		handlers:      make(map[int]func(*domain.ProviderSession)),
		notifications: make(chan *domain.ProviderSession, 32),
		quit:          make(chan struct{}),
	}
	go p.dispatch()
	return p
}

// Close stops notification delivery.
func (p *Provider) Close() {
	p.closeOnce.Do(func() { close(p.quit) })
}

// GetCurrentSession returns the current session, restoring a persisted one
// on first use. A nil session means nobody is signed in.
func (p *Provider) GetCurrentSession(ctx context.Context) (*domain.ProviderSession, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.restored {
		p.restored = true
		var saved domain.ProviderSession
		err := storage.GetJSON(ctx, p.store, storage.KeyAuthSession, &saved)
		switch {
		case err == nil && saved.AccessToken != "":
			p.current = &saved
		case err != nil && !errors.Is(err, storage.ErrNotFound):
			return nil, fmt.Errorf("failed to restore session: %w", err)
		}
	}
	return cloneSession(p.current), nil
}

// OnSessionChange registers handler for session changes. Handlers run on the
// provider's dispatcher goroutine, one notification at a time, in order.
func (p *Provider) OnSessionChange(handler func(*domain.ProviderSession)) func() {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.handlers[id] = handler
	p.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.handlers, id)
			p.mu.Unlock()
		})
	}
}

// SignInWithPassword authenticates against the backend. Subscribers learn
// about the new session through a notification.
func (p *Provider) SignInWithPassword(ctx context.Context, email, password string) error {
	resp, err := p.auth.Login(ctx, email, password)
	if err != nil {
		return err
	}

	session := &domain.ProviderSession{
		AccessToken: resp.AccessToken,
		UserID:      resp.UserID,
		Email:       email,
	}
	if resp.Role != "" {
		session.Claims = map[string]string{"role": resp.Role}
	}

	if err := storage.SetJSON(ctx, p.store, storage.KeyAuthSession, session); err != nil {
		log.Printf("WARN: failed to persist session: %v", err)
	}

	p.mu.Lock()
	p.current = session
	p.restored = true
	p.mu.Unlock()

	p.notify(session)
	return nil
}

// SignOut ends the session and notifies subscribers with a nil session.
func (p *Provider) SignOut(ctx context.Context) error {
	p.mu.Lock()
	p.current = nil
	p.restored = true
	p.mu.Unlock()

	err := p.store.Delete(ctx, storage.KeyAuthSession)
	p.notify(nil)
	if err != nil {
		return fmt.Errorf("failed to forget session: %w", err)
	}
	return nil
}

func (p *Provider) notify(session *domain.ProviderSession) {
	select {
	case p.notifications <- cloneSession(session):
	case <-p.quit:
	}
}

// dispatch delivers notifications to the handlers registered at delivery time.
func (p *Provider) dispatch() {
	for {
		select {
		case session := <-p.notifications:
			p.mu.Lock()
			handlers := make([]func(*domain.ProviderSession), 0, len(p.handlers))
			for _, h := range p.handlers {
				handlers = append(handlers, h)
			}
			p.mu.Unlock()

			for _, h := range handlers {
				h(cloneSession(session))
			}
		case <-p.quit:
			return
		}
	}
}

func cloneSession(s *domain.ProviderSession) *domain.ProviderSession {
	if s == nil {
		return nil
	}
	out := *s
	if s.Claims != nil {
		out.Claims = make(map[string]string, len(s.Claims))
		for k, v := range s.Claims {
			out.Claims[k] = v
		}
	}
	return &out
}
