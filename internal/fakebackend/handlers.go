package fakebackend

import (
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/xiaot623/gogo/campuschat/internal/domain"
)

func shortID() string {
	return uuid.New().String()[:8]
}

// takeFailure pops an injected failure for route, or returns 0.
func (s *Server) takeFailure(route string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	queue := s.failures[route]
	if len(queue) == 0 {
		return 0
	}
	s.failures[route] = queue[1:]
	return queue[0]
}

func failWith(c echo.Context, status int) error {
	return c.JSON(status, map[string]string{"message": http.StatusText(status)})
}

// bearer resolves the caller's account from the Authorization header.
func (s *Server) bearer(c echo.Context) (account, bool) {
	header := c.Request().Header.Get("Authorization")
	token := strings.TrimPrefix(header, "Bearer ")
	if token == "" || token == header {
		return account{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	email, ok := s.tokens[token]
	if !ok {
		return account{}, false
	}
	acct, ok := s.accounts[email]
	return acct, ok
}

// handleLogin issues a token.
// POST /auth/login
func (s *Server) handleLogin(c echo.Context) error {
	if status := s.takeFailure(RouteLogin); status != 0 {
		return failWith(c, status)
	}
	var req domain.LoginRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"message": "invalid request body"})
	}

	s.mu.Lock()
	acct, ok := s.accounts[req.Email]
	if !ok || acct.password != req.Password {
		s.mu.Unlock()
		return c.JSON(http.StatusUnauthorized, map[string]string{"message": "Invalid login credentials"})
	}
	token := "tok_" + shortID()
	s.tokens[token] = req.Email
	s.mu.Unlock()

	return c.JSON(http.StatusOK, domain.LoginResponse{AccessToken: token, Role: acct.role, UserID: acct.id})
}

// handleRegister creates an account.
// POST /auth/register
func (s *Server) handleRegister(c echo.Context) error {
	if status := s.takeFailure(RouteRegister); status != 0 {
		return failWith(c, status)
	}
	var req domain.RegisterRequest
	if err := c.Bind(&req); err != nil || req.Email == "" || req.Password == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"message": "email and password are required"})
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.accounts[req.Email]; exists {
		return c.JSON(http.StatusConflict, map[string]string{"message": "User already registered"})
	}
	s.accounts[req.Email] = account{id: "user_" + shortID(), password: req.Password, role: req.Role}
	return c.JSON(http.StatusCreated, domain.MessageResponse{Message: "User registered successfully"})
}

// handleEvents streams session events for the caller's token.
// GET /auth/events
func (s *Server) handleEvents(c echo.Context) error {
	token := c.QueryParam("token")
	if token == "" {
		token = strings.TrimPrefix(c.Request().Header.Get("Authorization"), "Bearer ")
	}
	if token == "" {
		return c.JSON(http.StatusUnauthorized, map[string]string{"message": "missing token"})
	}

	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		log.Printf("Failed to upgrade WebSocket: %v", err)
		return err
	}

	conn := s.hub.newConnection(ws, token)
	s.hub.register <- conn

	go conn.writePump()
	go conn.readPump(s.hub)
	return nil
}

// handleChat answers a query and threads it into a session.
// POST /chat
func (s *Server) handleChat(c echo.Context) error {
	if status := s.takeFailure(RouteChat); status != 0 {
		return failWith(c, status)
	}
	var req domain.ChatRequest
	if err := c.Bind(&req); err != nil || strings.TrimSpace(req.Query) == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"message": "query is required"})
	}

	sessionID := ""
	if req.SessionID != nil {
		sessionID = *req.SessionID
	}

	answer := "You asked: " + req.Query
	now := time.Now()

	s.mu.Lock()
	if sessionID == "" || s.rotateSession {
		sessionID = "sess_" + shortID()
	}
	s.transcripts[sessionID] = append(s.transcripts[sessionID],
		domain.NewTurn(domain.SenderUser, req.Query, now),
		domain.NewTurn(domain.SenderAssistant, answer, now),
	)
	omit := s.omitSessionID
	s.mu.Unlock()

	resp := domain.ChatResponse{Answer: answer}
	if !omit {
		resp.SessionID = sessionID
	}
	return c.JSON(http.StatusOK, resp)
}

// handleHistory returns a session's transcript.
// GET /chat/history
func (s *Server) handleHistory(c echo.Context) error {
	if status := s.takeFailure(RouteHistory); status != 0 {
		return failWith(c, status)
	}
	sessionID := c.QueryParam("session_id")

	s.mu.Lock()
	turns := append([]domain.Turn{}, s.transcripts[sessionID]...)
	asList := s.historyAsList
	s.mu.Unlock()

	if asList {
		return c.JSON(http.StatusOK, turns)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"history": turns})
}

// handleClear forgets a session's transcript.
// POST /chat/clear
func (s *Server) handleClear(c echo.Context) error {
	if status := s.takeFailure(RouteClear); status != 0 {
		return failWith(c, status)
	}
	var req domain.ClearRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"message": "invalid request body"})
	}

	s.mu.Lock()
	delete(s.transcripts, req.SessionID)
	s.mu.Unlock()
	return c.NoContent(http.StatusNoContent)
}

// requireAdmin rejects callers that are not signed-in admins.
func (s *Server) requireAdmin(c echo.Context) (bool, error) {
	acct, ok := s.bearer(c)
	if !ok {
		return false, c.JSON(http.StatusUnauthorized, map[string]string{"message": "Not authenticated"})
	}
	if acct.role != string(domain.RoleAdmin) {
		return false, c.JSON(http.StatusForbidden, map[string]string{"message": "Admin access required"})
	}
	return true, nil
}

// handleUpload accepts documents for ingestion.
// POST /data/upload
func (s *Server) handleUpload(c echo.Context) error {
	if status := s.takeFailure(RouteUpload); status != 0 {
		return failWith(c, status)
	}
	if ok, err := s.requireAdmin(c); !ok {
		return err
	}

	form, err := c.MultipartForm()
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"message": "multipart form required"})
	}
	files := form.File["file"]
	if len(files) == 0 {
		return c.JSON(http.StatusBadRequest, map[string]string{"message": "no file uploaded"})
	}

	var names []string
	for _, fh := range files {
		f, err := fh.Open()
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"message": "unreadable file"})
		}
		_, _ = io.Copy(io.Discard, f)
		f.Close()
		names = append(names, fh.Filename)
	}

	s.mu.Lock()
	s.uploads = append(s.uploads, names...)
	s.mu.Unlock()
	return c.JSON(http.StatusOK, domain.MessageResponse{Message: "Ingested " + strings.Join(names, ", ")})
}

// handleIngest accepts URLs for ingestion.
// POST /data/ingest
func (s *Server) handleIngest(c echo.Context) error {
	if status := s.takeFailure(RouteIngest); status != 0 {
		return failWith(c, status)
	}
	if ok, err := s.requireAdmin(c); !ok {
		return err
	}

	var req domain.IngestRequest
	if err := c.Bind(&req); err != nil || len(req.URLs) == 0 {
		return c.JSON(http.StatusBadRequest, map[string]string{"message": "urls are required"})
	}

	s.mu.Lock()
	s.ingested = append(s.ingested, req.URLs...)
	s.mu.Unlock()
	return c.JSON(http.StatusOK, domain.MessageResponse{Message: "URLs queued for ingestion"})
}
