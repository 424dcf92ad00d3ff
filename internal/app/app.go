// Package app assembles the client: durable storage, the REST client, the
// identity provider, the session coordinator, the conversation client and
// the ingestion service. One App is built at the root and passed around.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/xiaot623/gogo/campuschat/internal/auth"
	"github.com/xiaot623/gogo/campuschat/internal/backend"
	"github.com/xiaot623/gogo/campuschat/internal/chat"
	"github.com/xiaot623/gogo/campuschat/internal/config"
	"github.com/xiaot623/gogo/campuschat/internal/domain"
	"github.com/xiaot623/gogo/campuschat/internal/identity"
	"github.com/xiaot623/gogo/campuschat/internal/ingest"
	"github.com/xiaot623/gogo/campuschat/internal/routeguard"
	"github.com/xiaot623/gogo/campuschat/internal/storage"
)

// App is the assembled client.
type App struct {
	cfg *config.Config

	Store    storage.Store
	API      *backend.Client
	Identity *identity.Provider
	Auth     *auth.Coordinator
	Chat     *chat.Client
	Ingest   *ingest.Service

	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Owned by the session follower goroutine.
	owner         string // whose conversation the chat client holds
	historyLoaded bool
	watchToken    string
	stopWatch     context.CancelFunc
}

// New builds the client. nav receives route-guard redirects and may be nil.
func New(ctx context.Context, cfg *config.Config, nav auth.Navigator) (*App, error) {
	store, err := storage.NewSQLiteStore(cfg.StateDB)
	if err != nil {
		return nil, fmt.Errorf("failed to open state db: %w", err)
	}

	guard, err := routeguard.NewDefault(ctx)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to initialize route guard: %w", err)
	}

	a := &App{cfg: cfg, Store: store}

	// The coordinator is the token source; it is created after the client
	// that reads from it.
	a.API = backend.NewClient(cfg.BackendURL, cfg.RequestTimeout,
		backend.WithTokenSource(func() string { return a.Auth.Credential() }))
	a.Identity = identity.NewProvider(a.API, store)
	a.Auth = auth.NewCoordinator(a.Identity, guard, nav)
	a.Chat = chat.NewClient(ctx, a.API, store,
		chat.WithFallbackMessage(cfg.FallbackMessage),
		chat.WithUnauthorizedHook(a.Auth.ForceReauth))
	a.Ingest = ingest.NewService(a.API, a.Auth.ForceReauth)
	return a, nil
}

// Start resolves the session and begins following it: history is loaded
// once per signed-in period and, when configured, the revocation stream is
// watched for provider sessions.
func (a *App) Start(ctx context.Context) {
	ctx, a.cancel = context.WithCancel(ctx)

	owner, err := a.Store.Get(ctx, storage.KeyChatOwner)
	switch {
	case err == nil:
		a.owner = owner
	case !errors.Is(err, storage.ErrNotFound):
		log.Printf("WARN: failed to restore chat owner: %v", err)
	}

	updates, unsubscribe := a.Auth.Subscribe()
	a.Auth.Initialize(ctx)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer unsubscribe()
		a.follow(ctx, a.Auth.Snapshot())
		for {
			select {
			case s := <-updates:
				a.follow(ctx, s)
			case <-ctx.Done():
				if a.stopWatch != nil {
					a.stopWatch()
				}
				return
			}
		}
	}()
}

func (a *App) follow(ctx context.Context, s domain.Session) {
	if s.Loading {
		return
	}

	if !s.Authenticated {
		a.historyLoaded = false
		a.watch(ctx, "")
		return
	}

	a.claim(ctx, ownerOf(s))
	if !a.historyLoaded {
		a.historyLoaded = true
		a.Chat.LoadHistory(ctx)
	}
	a.watch(ctx, s.Credential)
}

// claim hands the conversation to owner. A conversation left behind by a
// different account or guest is dropped before anything is loaded.
func (a *App) claim(ctx context.Context, owner string) {
	if owner == "" || owner == a.owner {
		return
	}
	if a.owner != "" {
		log.Printf("Signed-in identity changed, starting a new conversation")
		a.Chat.Reset(ctx)
		a.historyLoaded = false
	}
	a.owner = owner
	if err := a.Store.Set(ctx, storage.KeyChatOwner, owner); err != nil {
		log.Printf("WARN: failed to persist chat owner: %v", err)
	}
}

func ownerOf(s domain.Session) string {
	switch {
	case s.IsGuest():
		return "guest:" + s.GuestID
	case s.UserID != "":
		return "user:" + s.UserID
	case s.Email != "":
		return "user:" + s.Email
	}
	return ""
}

// watch keeps exactly one revocation stream open for token, or none.
func (a *App) watch(ctx context.Context, token string) {
	if a.cfg.EventsURL == "" || token == a.watchToken {
		return
	}
	if a.stopWatch != nil {
		a.stopWatch()
		a.stopWatch = nil
	}
	a.watchToken = token
	if token == "" {
		return
	}

	watchCtx, cancel := context.WithCancel(ctx)
	a.stopWatch = cancel
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		err := a.Identity.Watch(watchCtx, a.cfg.EventsURL)
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("WARN: session event stream ended: %v", err)
		}
	}()
}

// Close stops background work and releases resources.
func (a *App) Close() error {
	if a.cancel != nil {
		a.cancel()
	}
	a.Auth.Dispose()
	a.wg.Wait()
	a.Identity.Close()
	return a.Store.Close()
}
