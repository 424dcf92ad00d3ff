// Package routeguard decides, per route change, whether the current session
// may stay on a route or must be redirected. The rules live in a rego policy
// evaluated with OPA.
package routeguard

import (
	"context"
	"fmt"
	"strings"

	"github.com/open-policy-agent/opa/rego"

	"github.com/xiaot623/gogo/campuschat/internal/domain"
)

// Guard is the OPA-backed route guard.
type Guard struct {
	query rego.PreparedEvalQuery
}

// Input is what the policy sees.
type Input struct {
	Path          string `json:"path"`
	Authenticated bool   `json:"authenticated"`
	Role          string `json:"role"`
}

// New creates a guard with the given policy content.
func New(ctx context.Context, policyContent string) (*Guard, error) {
	r := rego.New(
		rego.Query("data.route_guard.redirect"),
		rego.Module("route_guard.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Guard{query: query}, nil
}

// NewDefault creates a guard with DefaultPolicy.
func NewDefault(ctx context.Context) (*Guard, error) {
	return New(ctx, DefaultPolicy)
}

// Check returns the route the session must be redirected to, or "" when the
// target path is allowed.
func (g *Guard) Check(ctx context.Context, path string, session domain.Session) (string, error) {
	in := Input{
		Path:          NormalizePath(path),
		Authenticated: session.Authenticated,
		Role:          string(session.Role),
	}

	results, err := g.query.Eval(ctx, rego.EvalInput(in))
	if err != nil {
		return "", fmt.Errorf("failed to evaluate route policy: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return "", nil
	}

	redirect, ok := results[0].Expressions[0].Value.(string)
	if !ok {
		return "", fmt.Errorf("route policy returned %T, want string", results[0].Expressions[0].Value)
	}
	if redirect == in.Path {
		return "", nil
	}
	return redirect, nil
}

// NormalizePath strips query, fragment and trailing separators so "/chat/",
// "/chat?x=1" and "/chat" compare equal. An empty path is the root.
func NormalizePath(path string) string {
	path = strings.TrimSpace(path)
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	path = strings.TrimRight(path, "/")
	if path == "" {
		return domain.RouteRoot
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return path
}

// DefaultPolicy is the default route policy.
const DefaultPolicy = `
package route_guard

default redirect = ""

public_routes = {"/login", "/register", "/reset-password"}

admin_routes = {"/admin", "/chat"}

# Anonymous users may only see the public pages.
redirect = "/login" {
	not input.authenticated
	not public_routes[input.path]
}

redirect = "/admin" {
	input.authenticated
	input.role == "admin"
	not admin_routes[input.path]
}

# Users and guests live in the chat.
redirect = "/chat" {
	input.authenticated
	input.role != "admin"
	input.path != "/chat"
}
`
