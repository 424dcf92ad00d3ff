// Package auth owns the client's authentication state.
//
// The Coordinator reconciles the identity provider's session with the local
// guest mode, derives the role and enforces route access. Every state change
// and every guard evaluation it triggers runs on one event-loop goroutine, so
// a notification is fully applied, and its redirect dispatched, before the
// next one is looked at.
package auth

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/xiaot623/gogo/campuschat/internal/domain"
	"github.com/xiaot623/gogo/campuschat/internal/routeguard"
)

// ErrNotInitialized is returned by actions that need the event loop.
var ErrNotInitialized = errors.New("auth: coordinator not initialized")

// ErrPasswordUnsupported is returned when the provider cannot sign in with a password.
var ErrPasswordUnsupported = errors.New("auth: provider does not support password sign-in")

// Provider is the identity provider capability set.
type Provider interface {
	GetCurrentSession(ctx context.Context) (*domain.ProviderSession, error)
	OnSessionChange(handler func(*domain.ProviderSession)) (unsubscribe func())
	SignOut(ctx context.Context) error
}

// PasswordSigner is implemented by providers that accept email/password.
type PasswordSigner interface {
	SignInWithPassword(ctx context.Context, email, password string) error
}

// RouteGuard decides where a session must be redirected, "" meaning stay.
type RouteGuard interface {
	Check(ctx context.Context, path string, session domain.Session) (string, error)
}

// Navigator performs redirects. Redirect is called from the event loop and
// must not block on the coordinator.
type Navigator interface {
	Redirect(path string)
}

// NavigatorFunc adapts a function to Navigator.
type NavigatorFunc func(path string)

// Redirect implements Navigator.
func (f NavigatorFunc) Redirect(path string) { f(path) }

type eventKind int

const (
	eventInitial eventKind = iota
	eventProvider
	eventGuestLogin
	eventLocalReset
	eventRoute
	eventSignInRequested
	eventSignInFailed
)

type event struct {
	kind    eventKind
	session *domain.ProviderSession
	path    string
	reply   chan string
}

// Coordinator is the single source of truth for who is using the client.
type Coordinator struct {
	provider Provider
	guard    RouteGuard
	nav      Navigator
	newGuest func() string

	mu    sync.RWMutex
	state domain.Session
	route string

	// Loop-only fields.
	notified   bool
	seenTokens map[string]bool
	// signInRequested is set by LoginWithPassword and cleared by guest
	// login; in guest mode only a requested sign-in may replace the guest.
	signInRequested bool

	lifeMu      sync.Mutex
	events      chan event
	stop        chan struct{}
	stopped     chan struct{}
	unsubscribe func()

	watchMu     sync.Mutex
	watchers    map[int]chan domain.Session
	nextWatcher int
}

// Option configures the coordinator.
type Option func(*Coordinator)

// WithGuestIDs replaces the guest identity generator.
func WithGuestIDs(fn func() string) Option {
	return func(c *Coordinator) {
		c.newGuest = fn
	}
}

// NewCoordinator creates a coordinator in the loading state. Nothing happens
// until Initialize.
func NewCoordinator(provider Provider, guard RouteGuard, nav Navigator, opts ...Option) *Coordinator {
	if nav == nil {
		nav = NavigatorFunc(func(string) {})
	}
	c := &Coordinator{
		provider:   provider,
		guard:      guard,
		nav:        nav,
		newGuest:   func() string { return "guest-" + uuid.New().String() },
		state:      domain.NewLoadingSession(),
		seenTokens: make(map[string]bool),
		watchers:   make(map[int]chan domain.Session),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Initialize subscribes to provider notifications, starts the event loop
// and resolves the initial session. Calling it again tears the previous
// subscription and loop down first, so there is never more than one.
func (c *Coordinator) Initialize(ctx context.Context) {
	c.lifeMu.Lock()
	c.teardownLocked()
	c.notified = false
	c.signInRequested = false

	events := make(chan event, 32)
	stop := make(chan struct{})
	stopped := make(chan struct{})
	c.events, c.stop, c.stopped = events, stop, stopped
	go c.loop(events, stop, stopped)

	c.unsubscribe = c.provider.OnSessionChange(func(s *domain.ProviderSession) {
		enqueue(events, stop, event{kind: eventProvider, session: s})
	})
	c.lifeMu.Unlock()

	session, err := c.provider.GetCurrentSession(ctx)
	if err != nil {
		log.Printf("WARN: failed to query identity provider session: %v", err)
		session = nil
	}
	c.send(ctx, event{kind: eventInitial, session: session})
}

// Dispose removes the provider subscription and stops the event loop.
func (c *Coordinator) Dispose() {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()
	c.teardownLocked()
}

func (c *Coordinator) teardownLocked() {
	if c.unsubscribe != nil {
		c.unsubscribe()
		c.unsubscribe = nil
	}
	if c.stop != nil {
		close(c.stop)
		<-c.stopped
		c.events, c.stop, c.stopped = nil, nil, nil
	}
}

// enqueue delivers ev unless the loop it belongs to has stopped.
func enqueue(events chan event, stop chan struct{}, ev event) bool {
	select {
	case events <- ev:
		return true
	case <-stop:
		return false
	}
}

// send delivers ev to the running loop and waits until it has been applied.
func (c *Coordinator) send(ctx context.Context, ev event) (string, error) {
	c.lifeMu.Lock()
	events, stop := c.events, c.stop
	c.lifeMu.Unlock()
	if events == nil {
		return "", ErrNotInitialized
	}

	ev.reply = make(chan string, 1)
	if !enqueue(events, stop, ev) {
		return "", ErrNotInitialized
	}
	select {
	case redirect := <-ev.reply:
		return redirect, nil
	case <-stop:
		return "", ErrNotInitialized
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (c *Coordinator) loop(events chan event, stop, stopped chan struct{}) {
	defer close(stopped)
	for {
		select {
		case ev := <-events:
			redirect := c.apply(ev)
			if ev.reply != nil {
				ev.reply <- redirect
			}
		case <-stop:
			return
		}
	}
}

// apply runs one event to completion: state update, publication, guard.
func (c *Coordinator) apply(ev event) string {
	ctx := context.Background()

	switch ev.kind {
	case eventRoute:
		c.mu.Lock()
		c.route = routeguard.NormalizePath(ev.path)
		loading := c.state.Loading
		c.mu.Unlock()
		if loading {
			return ""
		}
		return c.enforce(ctx)
	case eventSignInRequested:
		c.signInRequested = true
		return ""
	case eventSignInFailed:
		c.signInRequested = false
		return ""
	case eventInitial, eventProvider, eventGuestLogin, eventLocalReset:
	default:
		return ""
	}

	c.mu.Lock()
	before := c.state
	c.transition(ev)
	c.state.Loading = false
	snapshot := c.state
	c.mu.Unlock()

	if before != snapshot {
		c.publish(snapshot)
	}
	return c.enforce(ctx)
}

// transition mutates state for ev. Callers hold c.mu.
func (c *Coordinator) transition(ev event) {
	switch ev.kind {
	case eventInitial:
		if c.notified {
			// A live notification already superseded the initial query.
			break
		}
		c.applyProvider(ev.session)
	case eventProvider:
		c.notified = true
		c.applyProvider(ev.session)
	case eventGuestLogin:
		c.signInRequested = false
		c.state = domain.Session{
			Authenticated: true,
			Role:          domain.RoleGuest,
			GuestID:       c.newGuest(),
		}
	case eventLocalReset:
		c.state = domain.Session{Role: domain.RoleNone}
	}
}

func (c *Coordinator) applyProvider(session *domain.ProviderSession) {
	if c.state.IsGuest() {
		if session == nil || !c.signInRequested || c.seenTokens[session.AccessToken] {
			log.Printf("Ignoring provider notification while in guest mode")
			return
		}
	}

	if session == nil || session.AccessToken == "" {
		c.state = domain.Session{Role: domain.RoleNone}
		return
	}

	c.seenTokens[session.AccessToken] = true
	c.signInRequested = false
	c.state = domain.Session{
		Authenticated: true,
		Role:          domain.RoleFromClaim(session.RoleClaim()),
		Credential:    session.AccessToken,
		UserID:        session.UserID,
		Email:         session.Email,
	}
}

// enforce evaluates the guard for the current route and redirects if needed.
func (c *Coordinator) enforce(ctx context.Context) string {
	c.mu.RLock()
	route := c.route
	snapshot := c.state
	c.mu.RUnlock()

	if route == "" || snapshot.Loading || c.guard == nil {
		return ""
	}

	redirect, err := c.guard.Check(ctx, route, snapshot)
	if err != nil {
		log.Printf("ERROR: route guard failed for %s: %v", route, err)
		return ""
	}
	if redirect == "" {
		return ""
	}

	c.mu.Lock()
	c.route = redirect
	c.mu.Unlock()
	c.nav.Redirect(redirect)
	return redirect
}

// RouteChanged records a navigation to path and enforces the guard once the
// session has resolved. It returns the redirect target, or "" to stay.
func (c *Coordinator) RouteChanged(ctx context.Context, path string) (string, error) {
	return c.send(ctx, event{kind: eventRoute, path: path})
}

// LoginAsGuest switches to a locally synthesized guest identity without
// contacting the identity provider.
func (c *Coordinator) LoginAsGuest(ctx context.Context) error {
	_, err := c.send(ctx, event{kind: eventGuestLogin})
	return err
}

// LoginWithPassword asks the provider to sign in. The session itself arrives
// through the provider's notification, which may then replace a guest.
func (c *Coordinator) LoginWithPassword(ctx context.Context, email, password string) error {
	signer, ok := c.provider.(PasswordSigner)
	if !ok {
		return ErrPasswordUnsupported
	}
	if _, err := c.send(ctx, event{kind: eventSignInRequested}); err != nil {
		return err
	}
	if err := signer.SignInWithPassword(ctx, email, password); err != nil {
		if _, sendErr := c.send(ctx, event{kind: eventSignInFailed}); sendErr != nil {
			log.Printf("WARN: failed to record sign-in failure: %v", sendErr)
		}
		return err
	}
	return nil
}

// Logout ends the session. Guests are reset locally. Provider sessions are
// signed out at the provider and reset when its notification arrives; if the
// provider call fails the local state is reset anyway.
func (c *Coordinator) Logout(ctx context.Context) {
	snapshot := c.Snapshot()
	if !snapshot.Authenticated {
		return
	}

	if snapshot.IsGuest() {
		if _, err := c.send(ctx, event{kind: eventLocalReset}); err != nil {
			log.Printf("WARN: failed to reset guest session: %v", err)
		}
		return
	}

	if err := c.provider.SignOut(ctx); err != nil {
		log.Printf("WARN: identity provider sign-out failed, resetting locally: %v", err)
		if _, err := c.send(ctx, event{kind: eventLocalReset}); err != nil {
			log.Printf("WARN: failed to reset session: %v", err)
		}
	}
}

// ForceReauth is called when the backend rejected the credential.
func (c *Coordinator) ForceReauth(ctx context.Context) {
	log.Printf("WARN: backend rejected credential, re-authentication required")
	c.Logout(ctx)
}

// Snapshot returns a copy of the current session.
func (c *Coordinator) Snapshot() domain.Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Credential returns the current bearer credential, or "" when there is none.
func (c *Coordinator) Credential() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.Credential
}

// Route returns the last route the coordinator knows the client is on.
func (c *Coordinator) Route() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.route
}

// Subscribe returns a stream of session snapshots. Slow readers only see
// the latest snapshot. Call the returned function to stop.
func (c *Coordinator) Subscribe() (<-chan domain.Session, func()) {
	ch := make(chan domain.Session, 1)

	c.watchMu.Lock()
	id := c.nextWatcher
	c.nextWatcher++
	c.watchers[id] = ch
	c.watchMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.watchMu.Lock()
			delete(c.watchers, id)
			c.watchMu.Unlock()
			close(ch)
		})
	}
}

func (c *Coordinator) publish(s domain.Session) {
	c.watchMu.Lock()
	defer c.watchMu.Unlock()
	for _, ch := range c.watchers {
		select {
		case ch <- s:
		default:
			// Replace the stale snapshot with the latest one.
			select {
			case <-ch:
			default:
			}
			ch <- s
		}
	}
}
