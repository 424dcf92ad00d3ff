// Package fakebackend is an in-process stand-in for the campus chatbot REST
// API. It serves the same routes and shapes under /api/v1 and lets tests
// inject failures, inspect requests and revoke sessions.
package fakebackend

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/xiaot623/gogo/campuschat/internal/domain"
)

// APIPrefix is where the routes are mounted.
const APIPrefix = "/api/v1"

// Route names accepted by FailNext.
const (
	RouteLogin    = "login"
	RouteRegister = "register"
	RouteChat     = "chat"
	RouteHistory  = "history"
	RouteClear    = "clear"
	RouteUpload   = "upload"
	RouteIngest   = "ingest"
)

// Request is a recorded inbound request.
type Request struct {
	Method        string
	Path          string
	Query         string
	Authorization string
}

type account struct {
	id       string
	password string
	role     string
}

// Server is the fake backend.
type Server struct {
	echo     *echo.Echo
	http     *httptest.Server
	hub      *hub
	upgrader websocket.Upgrader

	mu            sync.Mutex
	accounts      map[string]account // by email
	tokens        map[string]string  // token -> email
	transcripts   map[string][]domain.Turn
	failures      map[string][]int
	requests      []Request
	uploads       []string
	ingested      []string
	historyAsList bool
	omitSessionID bool
	rotateSession bool
}

// New creates and starts a fake backend. Close must be called.
func New() *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{
		echo: e,
		hub:  newHub(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		accounts:    make(map[string]account),
		tokens:      make(map[string]string),
		transcripts: make(map[string][]domain.Turn),
		failures:    make(map[string][]int),
	}
	e.Use(s.record)
	s.registerRoutes(e.Group(APIPrefix))

	go s.hub.run()
	s.http = httptest.NewServer(e)
	return s
}

// BaseURL is the REST base URL, including the API prefix.
func (s *Server) BaseURL() string {
	return s.http.URL + APIPrefix
}

// EventsURL is the websocket URL of the session event stream.
func (s *Server) EventsURL() string {
	return "ws" + strings.TrimPrefix(s.http.URL, "http") + APIPrefix + "/auth/events"
}

// Close stops the server.
func (s *Server) Close() {
	s.http.CloseClientConnections()
	s.http.Close()
	close(s.hub.quit)
}

func (s *Server) registerRoutes(g *echo.Group) {
	g.POST("/auth/login", s.handleLogin)
	g.POST("/auth/register", s.handleRegister)
	g.GET("/auth/events", s.handleEvents)

	g.POST("/chat", s.handleChat)
	g.GET("/chat/history", s.handleHistory)
	g.POST("/chat/clear", s.handleClear)

	g.POST("/data/upload", s.handleUpload)
	g.POST("/data/ingest", s.handleIngest)
}

// record keeps a log of every request for assertions.
func (s *Server) record(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		r := c.Request()
		s.mu.Lock()
		s.requests = append(s.requests, Request{
			Method:        r.Method,
			Path:          strings.TrimPrefix(r.URL.Path, APIPrefix),
			Query:         r.URL.RawQuery,
			Authorization: r.Header.Get("Authorization"),
		})
		s.mu.Unlock()
		return next(c)
	}
}

// AddAccount registers credentials the login route accepts.
func (s *Server) AddAccount(email, password, role string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[email] = account{id: "user_" + shortID(), password: password, role: role}
}

// SeedTranscript sets the server-side history of a chat session.
func (s *Server) SeedTranscript(sessionID string, turns []domain.Turn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcripts[sessionID] = append([]domain.Turn(nil), turns...)
}

// Transcript returns the server-side history of a chat session.
func (s *Server) Transcript(sessionID string) ([]domain.Turn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	turns, ok := s.transcripts[sessionID]
	return append([]domain.Turn(nil), turns...), ok
}

// FailNext makes the next n calls to route answer with status.
func (s *Server) FailNext(route string, status, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < n; i++ {
		s.failures[route] = append(s.failures[route], status)
	}
}

// HistoryAsList switches the history route to the bare array shape.
func (s *Server) HistoryAsList(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.historyAsList = v
}

// OmitSessionID makes chat responses leave out session_id.
func (s *Server) OmitSessionID(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.omitSessionID = v
}

// RotateSessionID makes every chat turn start a new session, ignoring the
// session_id the client sent.
func (s *Server) RotateSessionID(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rotateSession = v
}

// Requests returns the recorded requests, optionally filtered by path.
func (s *Server) Requests(path string) []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Request
	for _, r := range s.requests {
		if path == "" || r.Path == path {
			out = append(out, r)
		}
	}
	return out
}

// Uploads returns the names of uploaded files.
func (s *Server) Uploads() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.uploads...)
}

// Ingested returns the ingested URLs.
func (s *Server) Ingested() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ingested...)
}

// Revoke invalidates token and notifies its event subscribers.
func (s *Server) Revoke(token string) error {
	s.mu.Lock()
	delete(s.tokens, token)
	s.mu.Unlock()
	return s.hub.broadcastJSON(token, map[string]string{"type": "session_revoked"})
}

// Subscribers returns how many event streams are open for token.
func (s *Server) Subscribers(token string) int {
	return s.hub.subscriberCount(token)
}
