package main

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/campuschat/internal/app"
	"github.com/xiaot623/gogo/campuschat/internal/config"
	"github.com/xiaot623/gogo/campuschat/internal/fakebackend"
)

// syncBuffer is a bytes.Buffer safe for the redirect goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestREPL(t *testing.T) (*repl, *syncBuffer, *fakebackend.Server) {
	t.Helper()
	srv := fakebackend.New()
	t.Cleanup(srv.Close)
	srv.AddAccount("admin@campus.test", "pw", "admin")

	out := &syncBuffer{}
	con := &console{out: out}
	cfg := &config.Config{
		BackendURL:     srv.BaseURL(),
		StateDB:        ":memory:",
		RequestTimeout: 5 * time.Second,
	}
	a, err := app.New(context.Background(), cfg, con)
	require.NoError(t, err)
	a.Start(context.Background())
	t.Cleanup(func() { _ = a.Close() })
	return &repl{app: a, con: con}, out, srv
}

func waitIdle(t *testing.T, r *repl, srv *fakebackend.Server) {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(srv.Requests("/chat/history")) > 0 && !r.app.Chat.Pending()
	}, 3*time.Second, 10*time.Millisecond)
}

func TestREPLGuestConversation(t *testing.T) {
	r, out, srv := newTestREPL(t)
	ctx := context.Background()

	r.handle(ctx, "hello there")
	assert.Contains(t, out.String(), "Sign in with /login or /guest first.")
	assert.Empty(t, srv.Requests("/chat"))

	r.handle(ctx, "/guest")
	waitIdle(t, r, srv)
	r.handle(ctx, "/whoami")
	assert.Contains(t, out.String(), "Guest (guest-")

	r.handle(ctx, "what time is lunch?")
	assert.Contains(t, out.String(), "[user] what time is lunch?")
	assert.Contains(t, out.String(), "[assistant] You asked: what time is lunch?")

	r.handle(ctx, "/clear")
	assert.Contains(t, out.String(), "Conversation cleared.")
	assert.Empty(t, r.app.Chat.Messages())

	r.handle(ctx, "/logout")
	r.handle(ctx, "/whoami")
	assert.Contains(t, out.String(), "Not signed in.")
}

func TestREPLAdminIngest(t *testing.T) {
	r, out, srv := newTestREPL(t)
	ctx := context.Background()

	r.handle(ctx, "/go /admin")
	assert.Contains(t, out.String(), "-> /login")

	r.handle(ctx, "/login admin@campus.test wrong")
	assert.Contains(t, out.String(), "Login failed")

	r.handle(ctx, "/login admin@campus.test pw")
	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "-> /admin")
	}, 3*time.Second, 10*time.Millisecond)

	r.handle(ctx, "/ingest not-a-url")
	assert.Contains(t, out.String(), "Ingestion failed")

	r.handle(ctx, "/ingest https://campus.test/clubs")
	assert.Contains(t, out.String(), "URLs queued for ingestion")
	assert.Equal(t, []string{"https://campus.test/clubs"}, srv.Ingested())
}

func TestREPLCommands(t *testing.T) {
	r, out, _ := newTestREPL(t)
	ctx := context.Background()

	assert.False(t, r.handle(ctx, "   "))
	assert.False(t, r.handle(ctx, "/bogus"))
	assert.Contains(t, out.String(), "Unknown command /bogus")

	r.handle(ctx, "/login only-email")
	assert.Contains(t, out.String(), "usage: /login")

	r.handle(ctx, "/register new@campus.test pw Ada Lovelace")
	r.handle(ctx, "/login new@campus.test pw")
	require.Eventually(t, func() bool { return r.app.Auth.Snapshot().Authenticated }, 3*time.Second, 10*time.Millisecond)

	assert.True(t, r.handle(ctx, "/quit"))
}

func TestREPLRunStopsAtQuit(t *testing.T) {
	r, out, _ := newTestREPL(t)
	r.run(context.Background(), strings.NewReader("/help\n/quit\nnever read\n"))
	assert.Contains(t, out.String(), "Commands:")
	assert.Contains(t, out.String(), "Bye!")
}
