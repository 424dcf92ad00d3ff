// Package backend provides the HTTP client for the campus chatbot REST API.
//
// Every request asks the configured TokenSource for a bearer credential at
// call time, so a login that happens mid-session is picked up by the next
// request without rebuilding the client.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/xiaot623/gogo/campuschat/internal/domain"
)

// TokenSource returns the current bearer credential, or "" for anonymous use.
type TokenSource func() string

// APIError is returned for non-2xx responses.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("backend returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("backend returned status %d: %s", e.StatusCode, e.Message)
}

// IsUnauthorized reports whether err is a 401 from the backend.
func IsUnauthorized(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized
}

// Client is the REST client.
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     TokenSource
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithTokenSource sets where bearer credentials come from.
func WithTokenSource(ts TokenSource) Option {
	return func(c *Client) {
		c.tokens = ts
	}
}

// NewClient creates a new backend client.
func NewClient(baseURL string, timeout time.Duration, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Login authenticates with email and password.
// POST /auth/login
func (c *Client) Login(ctx context.Context, email, password string) (*domain.LoginResponse, error) {
	var resp domain.LoginResponse
	if err := c.doJSON(ctx, http.MethodPost, "/auth/login", nil, domain.LoginRequest{Email: email, Password: password}, &resp); err != nil {
		return nil, fmt.Errorf("failed to login: %w", err)
	}
	if resp.AccessToken == "" {
		return nil, fmt.Errorf("failed to login: response carried no access token")
	}
	return &resp, nil
}

// Register creates an account.
// POST /auth/register
func (c *Client) Register(ctx context.Context, req domain.RegisterRequest) (*domain.MessageResponse, error) {
	if req.Role == "" {
		req.Role = string(domain.RoleUser)
	}
	var resp domain.MessageResponse
	if err := c.doJSON(ctx, http.MethodPost, "/auth/register", nil, req, &resp); err != nil {
		return nil, fmt.Errorf("failed to register: %w", err)
	}
	return &resp, nil
}

// Chat sends one user query. An empty sessionID is sent as null.
// POST /chat
func (c *Client) Chat(ctx context.Context, query, sessionID string) (*domain.ChatResponse, error) {
	req := domain.ChatRequest{Query: query}
	if sessionID != "" {
		req.SessionID = &sessionID
	}
	var resp domain.ChatResponse
	if err := c.doJSON(ctx, http.MethodPost, "/chat", nil, req, &resp); err != nil {
		return nil, fmt.Errorf("failed to send chat turn: %w", err)
	}
	return &resp, nil
}

// History fetches the server-held transcript for sessionID, or for "no
// session yet" when sessionID is empty.
// GET /chat/history[?session_id=]
func (c *Client) History(ctx context.Context, sessionID string) ([]domain.Turn, error) {
	var query url.Values
	if sessionID != "" {
		query = url.Values{"session_id": []string{sessionID}}
	}
	var resp domain.HistoryResponse
	if err := c.doJSON(ctx, http.MethodGet, "/chat/history", query, nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to fetch history: %w", err)
	}
	return resp.History, nil
}

// ClearHistory asks the backend to forget sessionID's transcript.
// POST /chat/clear
func (c *Client) ClearHistory(ctx context.Context, sessionID string) error {
	if err := c.doJSON(ctx, http.MethodPost, "/chat/clear", nil, domain.ClearRequest{SessionID: sessionID}, nil); err != nil {
		return fmt.Errorf("failed to clear history: %w", err)
	}
	return nil
}

// IngestURLs submits web pages for ingestion.
// POST /data/ingest
func (c *Client) IngestURLs(ctx context.Context, urls []string) (*domain.MessageResponse, error) {
	var resp domain.MessageResponse
	if err := c.doJSON(ctx, http.MethodPost, "/data/ingest", nil, domain.IngestRequest{URLs: urls}, &resp); err != nil {
		return nil, fmt.Errorf("failed to ingest urls: %w", err)
	}
	return &resp, nil
}

// doJSON performs a JSON request and decodes a JSON response into result.
// A nil result discards the body; an empty body is accepted for any result.
func (c *Client) doJSON(ctx context.Context, method, path string, query url.Values, body, result interface{}) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := c.newRequest(ctx, method, path, query, bodyReader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, result)
}

func (c *Client) newRequest(ctx context.Context, method, path string, query url.Values, body io.Reader) (*http.Request, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.tokens != nil {
		if token := c.tokens(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}
	return req, nil
}

func (c *Client) do(req *http.Request, result interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var body domain.ErrorBody
		if json.Unmarshal(data, &body) == nil {
			apiErr.Message = body.Text()
		}
		if apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		return apiErr
	}

	if result == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
