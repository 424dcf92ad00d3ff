package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/campuschat/internal/domain"
	"github.com/xiaot623/gogo/campuschat/internal/routeguard"
)

// eventFlush is a no-op event; once it is applied every earlier event has been.
const eventFlush eventKind = 99

type fakeProvider struct {
	mu           sync.Mutex
	current      *domain.ProviderSession
	currentErr   error
	handlers     map[int]func(*domain.ProviderSession)
	nextID       int
	subscribes   int
	signOutErr   error
	signOutCalls int
	signIns      []string
	signInErr    error
	hold         chan struct{} // blocks GetCurrentSession until closed
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{handlers: make(map[int]func(*domain.ProviderSession))}
}

func (f *fakeProvider) GetCurrentSession(ctx context.Context) (*domain.ProviderSession, error) {
	f.mu.Lock()
	hold := f.hold
	f.mu.Unlock()
	if hold != nil {
		<-hold
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current, f.currentErr
}

func (f *fakeProvider) OnSessionChange(handler func(*domain.ProviderSession)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID
	f.nextID++
	f.subscribes++
	f.handlers[id] = handler
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.handlers, id)
	}
}

func (f *fakeProvider) SignOut(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signOutCalls++
	return f.signOutErr
}

func (f *fakeProvider) SignInWithPassword(ctx context.Context, email, password string) error {
	f.mu.Lock()
	f.signIns = append(f.signIns, email)
	err := f.signInErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	f.push(&domain.ProviderSession{AccessToken: "tok-" + email, Email: email})
	return nil
}

func (f *fakeProvider) activeHandlers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handlers)
}

// push delivers a notification to every live handler, as the provider's
// dispatcher would.
func (f *fakeProvider) push(s *domain.ProviderSession) {
	f.mu.Lock()
	handlers := make([]func(*domain.ProviderSession), 0, len(f.handlers))
	for _, h := range f.handlers {
		handlers = append(handlers, h)
	}
	f.mu.Unlock()
	for _, h := range handlers {
		h(s)
	}
}

type navRecorder struct {
	mu    sync.Mutex
	paths []string
}

func (n *navRecorder) Redirect(path string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.paths = append(n.paths, path)
}

func (n *navRecorder) redirects() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.paths...)
}

func session(token, role string) *domain.ProviderSession {
	s := &domain.ProviderSession{AccessToken: token, UserID: "u-" + token}
	if role != "" {
		s.Claims = map[string]string{"role": role}
	}
	return s
}

func newTestCoordinator(t *testing.T, p *fakeProvider) (*Coordinator, *navRecorder) {
	t.Helper()
	guard, err := routeguard.NewDefault(context.Background())
	require.NoError(t, err)
	nav := &navRecorder{}
	c := NewCoordinator(p, guard, nav)
	t.Cleanup(c.Dispose)
	return c, nav
}

func flush(t *testing.T, c *Coordinator) {
	t.Helper()
	_, err := c.send(context.Background(), event{kind: eventFlush})
	require.NoError(t, err)
}

func TestCoordinatorStartsLoading(t *testing.T) {
	c, _ := newTestCoordinator(t, newFakeProvider())
	s := c.Snapshot()
	assert.True(t, s.Loading)
	assert.False(t, s.Authenticated)
	assert.Equal(t, domain.RoleNone, s.Role)
}

func TestCoordinatorLoadingNeverReverts(t *testing.T) {
	ctx := context.Background()
	p := newFakeProvider()
	c, _ := newTestCoordinator(t, p)

	updates, stop := c.Subscribe()
	defer stop()

	c.Initialize(ctx)
	assert.False(t, c.Snapshot().Loading)

	sequence := []*domain.ProviderSession{nil, session("a", "admin"), nil, nil, session("b", ""), session("b", "")}
	for _, s := range sequence {
		p.push(s)
		flush(t, c)
		assert.False(t, c.Snapshot().Loading)
	}

	for {
		select {
		case s := <-updates:
			assert.False(t, s.Loading)
			continue
		default:
		}
		break
	}
}

func TestCoordinatorDerivesRoleAndCredential(t *testing.T) {
	ctx := context.Background()
	p := newFakeProvider()
	c, _ := newTestCoordinator(t, p)
	c.Initialize(ctx)

	p.push(session("admin-token", "admin"))
	flush(t, c)
	s := c.Snapshot()
	assert.True(t, s.Authenticated)
	assert.Equal(t, domain.RoleAdmin, s.Role)
	assert.Equal(t, "admin-token", c.Credential())

	p.push(session("user-token", ""))
	flush(t, c)
	assert.Equal(t, domain.RoleUser, c.Snapshot().Role)
	assert.Equal(t, "user-token", c.Credential())

	p.push(session("odd-token", "superuser"))
	flush(t, c)
	assert.Equal(t, domain.RoleUser, c.Snapshot().Role)

	p.push(nil)
	flush(t, c)
	s = c.Snapshot()
	assert.False(t, s.Authenticated)
	assert.Equal(t, domain.RoleNone, s.Role)
	assert.Empty(t, c.Credential())
}

func TestCoordinatorInitialSessionFromProvider(t *testing.T) {
	p := newFakeProvider()
	p.current = session("restored", "user")
	c, _ := newTestCoordinator(t, p)

	c.Initialize(context.Background())
	s := c.Snapshot()
	assert.False(t, s.Loading)
	assert.True(t, s.Authenticated)
	assert.Equal(t, "restored", s.Credential)
}

func TestCoordinatorProviderErrorIsNotFatal(t *testing.T) {
	p := newFakeProvider()
	p.currentErr = errors.New("provider unreachable")
	c, _ := newTestCoordinator(t, p)

	c.Initialize(context.Background())
	s := c.Snapshot()
	assert.False(t, s.Loading)
	assert.False(t, s.Authenticated)
}

func TestCoordinatorGuestIgnoresStaleNotifications(t *testing.T) {
	ctx := context.Background()
	p := newFakeProvider()
	p.current = session("before-guest", "user")
	c, _ := newTestCoordinator(t, p)
	c.Initialize(ctx)

	require.NoError(t, c.LoginAsGuest(ctx))
	s := c.Snapshot()
	assert.Equal(t, domain.RoleGuest, s.Role)
	assert.True(t, s.Authenticated)
	assert.Empty(t, s.Credential)
	assert.NotEmpty(t, s.GuestID)

	p.push(nil)
	p.push(session("before-guest", "user"))
	p.push(nil)
	// Queued before the guest login, never seen by the coordinator.
	p.push(session("queued-before-guest", "admin"))
	flush(t, c)
	assert.Equal(t, domain.RoleGuest, c.Snapshot().Role)
	assert.Equal(t, s.GuestID, c.Snapshot().GuestID)
	assert.Empty(t, c.Credential())

	// A failed sign-in does not open the door for stale notifications.
	p.signInErr = errors.New("invalid credentials")
	assert.Error(t, c.LoginWithPassword(ctx, "student@campus.test", "wrong"))
	p.push(session("late-stale", "user"))
	flush(t, c)
	assert.Equal(t, domain.RoleGuest, c.Snapshot().Role)

	// A requested sign-in replaces the guest.
	p.signInErr = nil
	require.NoError(t, c.LoginWithPassword(ctx, "staff@campus.test", "pw"))
	flush(t, c)
	assert.Equal(t, domain.RoleUser, c.Snapshot().Role)
	assert.Equal(t, "tok-staff@campus.test", c.Credential())
}

func TestCoordinatorFlushDoesNotResolveLoading(t *testing.T) {
	ctx := context.Background()
	p := newFakeProvider()
	p.hold = make(chan struct{})
	p.current = session("tok", "user")
	c, nav := newTestCoordinator(t, p)

	initialized := make(chan struct{})
	go func() {
		defer close(initialized)
		c.Initialize(ctx)
	}()
	require.Eventually(t, func() bool { return p.activeHandlers() == 1 }, time.Second, 5*time.Millisecond)

	flush(t, c)
	assert.True(t, c.Snapshot().Loading)

	redirect, err := c.RouteChanged(ctx, "/admin")
	require.NoError(t, err)
	assert.Empty(t, redirect, "the guard waits for the session to resolve")
	assert.True(t, c.Snapshot().Loading)

	close(p.hold)
	<-initialized
	assert.False(t, c.Snapshot().Loading)
	assert.Equal(t, []string{"/chat"}, nav.redirects())
}

func TestCoordinatorGuestIDsAreUnique(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCoordinator(t, newFakeProvider())
	c.Initialize(ctx)

	require.NoError(t, c.LoginAsGuest(ctx))
	first := c.Snapshot().GuestID
	c.Logout(ctx)
	require.NoError(t, c.LoginAsGuest(ctx))
	assert.NotEqual(t, first, c.Snapshot().GuestID)
}

func TestCoordinatorGuestLogoutIsLocal(t *testing.T) {
	ctx := context.Background()
	p := newFakeProvider()
	c, nav := newTestCoordinator(t, p)
	c.Initialize(ctx)

	require.NoError(t, c.LoginAsGuest(ctx))
	_, err := c.RouteChanged(ctx, "/chat")
	require.NoError(t, err)

	c.Logout(ctx)
	s := c.Snapshot()
	assert.False(t, s.Authenticated)
	assert.Equal(t, domain.RoleNone, s.Role)
	assert.Equal(t, 0, p.signOutCalls)
	assert.Equal(t, []string{"/login"}, nav.redirects())
}

func TestCoordinatorProviderLogoutWaitsForNotification(t *testing.T) {
	ctx := context.Background()
	p := newFakeProvider()
	p.current = session("tok", "user")
	c, _ := newTestCoordinator(t, p)
	c.Initialize(ctx)

	c.Logout(ctx)
	assert.Equal(t, 1, p.signOutCalls)
	assert.True(t, c.Snapshot().Authenticated, "state resets only through the provider notification")

	p.push(nil)
	flush(t, c)
	assert.False(t, c.Snapshot().Authenticated)
}

func TestCoordinatorProviderLogoutFailureResetsLocally(t *testing.T) {
	ctx := context.Background()
	p := newFakeProvider()
	p.current = session("tok", "user")
	p.signOutErr = errors.New("network down")
	c, _ := newTestCoordinator(t, p)
	c.Initialize(ctx)

	c.Logout(ctx)
	assert.Equal(t, 1, p.signOutCalls)
	assert.False(t, c.Snapshot().Authenticated)
	assert.Empty(t, c.Credential())
}

func TestCoordinatorForceReauth(t *testing.T) {
	ctx := context.Background()
	p := newFakeProvider()
	p.current = session("tok", "admin")
	p.signOutErr = errors.New("already gone")
	c, nav := newTestCoordinator(t, p)
	c.Initialize(ctx)
	_, err := c.RouteChanged(ctx, "/admin")
	require.NoError(t, err)

	c.ForceReauth(ctx)
	assert.False(t, c.Snapshot().Authenticated)
	assert.Equal(t, []string{"/login"}, nav.redirects())
}

func TestCoordinatorLoginWithPassword(t *testing.T) {
	ctx := context.Background()
	p := newFakeProvider()
	c, _ := newTestCoordinator(t, p)
	c.Initialize(ctx)

	require.NoError(t, c.LoginWithPassword(ctx, "student@campus.test", "pw"))
	flush(t, c)
	assert.Equal(t, []string{"student@campus.test"}, p.signIns)
	assert.Equal(t, "tok-student@campus.test", c.Credential())
	assert.Equal(t, domain.RoleUser, c.Snapshot().Role)
}

func TestCoordinatorLoginWithPasswordUnsupported(t *testing.T) {
	p := struct{ Provider }{newFakeProvider()}
	c := NewCoordinator(p, nil, nil)
	err := c.LoginWithPassword(context.Background(), "a", "b")
	assert.ErrorIs(t, err, ErrPasswordUnsupported)
}

func TestCoordinatorReinitializeKeepsSingleSubscription(t *testing.T) {
	ctx := context.Background()
	p := newFakeProvider()
	c, nav := newTestCoordinator(t, p)

	c.Initialize(ctx)
	c.Initialize(ctx)
	c.Initialize(ctx)
	assert.Equal(t, 3, p.subscribes)
	assert.Equal(t, 1, p.activeHandlers())

	updates, stop := c.Subscribe()
	defer stop()

	_, err := c.RouteChanged(ctx, "/chat")
	require.NoError(t, err)
	p.push(session("tok", "user"))
	flush(t, c)

	select {
	case s := <-updates:
		assert.Equal(t, "tok", s.Credential)
	case <-time.After(time.Second):
		t.Fatal("expected a session update")
	}
	select {
	case s := <-updates:
		t.Fatalf("unexpected duplicate update: %+v", s)
	default:
	}

	// Anonymous on /chat goes to /login; the sign-in then moves the user back.
	assert.Equal(t, []string{"/login", "/chat"}, nav.redirects())

	c.Dispose()
	assert.Equal(t, 0, p.activeHandlers())
	assert.ErrorIs(t, c.LoginAsGuest(ctx), ErrNotInitialized)
}

func TestCoordinatorRouteGuard(t *testing.T) {
	ctx := context.Background()

	t.Run("anonymous admin with trailing slash goes to login", func(t *testing.T) {
		p := newFakeProvider()
		c, nav := newTestCoordinator(t, p)
		c.Initialize(ctx)

		redirect, err := c.RouteChanged(ctx, "/admin/")
		require.NoError(t, err)
		assert.Equal(t, "/login", redirect)
		assert.Equal(t, []string{"/login"}, nav.redirects())
		assert.Equal(t, "/login", c.Route())
	})

	t.Run("admin stays on chat with trailing slash", func(t *testing.T) {
		p := newFakeProvider()
		p.current = session("tok", "admin")
		c, nav := newTestCoordinator(t, p)
		c.Initialize(ctx)

		redirect, err := c.RouteChanged(ctx, "/chat/")
		require.NoError(t, err)
		assert.Empty(t, redirect)
		assert.Empty(t, nav.redirects())
	})

	t.Run("user on admin goes to chat", func(t *testing.T) {
		p := newFakeProvider()
		p.current = session("tok", "user")
		c, nav := newTestCoordinator(t, p)
		c.Initialize(ctx)

		redirect, err := c.RouteChanged(ctx, "/admin/")
		require.NoError(t, err)
		assert.Equal(t, "/chat", redirect)
		assert.Equal(t, []string{"/chat"}, nav.redirects())
	})

	t.Run("sign-in on login page moves admin home", func(t *testing.T) {
		p := newFakeProvider()
		c, nav := newTestCoordinator(t, p)
		c.Initialize(ctx)

		redirect, err := c.RouteChanged(ctx, "/login")
		require.NoError(t, err)
		assert.Empty(t, redirect)

		p.push(session("tok", "admin"))
		flush(t, c)
		assert.Equal(t, []string{"/admin"}, nav.redirects())
	})

	t.Run("route before initialize fails", func(t *testing.T) {
		c, _ := newTestCoordinator(t, newFakeProvider())
		_, err := c.RouteChanged(ctx, "/chat")
		assert.ErrorIs(t, err, ErrNotInitialized)
	})
}

func TestCoordinatorRapidNotificationsSettleOnLast(t *testing.T) {
	ctx := context.Background()
	p := newFakeProvider()
	c, nav := newTestCoordinator(t, p)
	c.Initialize(ctx)
	_, err := c.RouteChanged(ctx, "/login")
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.push(nil)
		p.push(session("final", "user"))
	}()
	wg.Wait()
	flush(t, c)

	assert.Equal(t, "final", c.Credential())
	assert.Equal(t, []string{"/chat"}, nav.redirects())
}
