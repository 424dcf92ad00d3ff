// Package domain defines the core domain models for the campus chat client.
package domain

import "strings"

// Role is the privilege level of whoever is using the client.
type Role string

const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
	RoleGuest Role = "guest"
	RoleNone  Role = "none"
)

// RoleFromClaim derives a role from an identity provider role claim.
// Anything other than an admin claim, including a missing or malformed one,
// is a regular user. Guests are never derived from a provider session.
func RoleFromClaim(claim string) Role {
	switch strings.ToLower(strings.TrimSpace(claim)) {
	case string(RoleAdmin):
		return RoleAdmin
	default:
		return RoleUser
	}
}

// Sender identifies who produced a turn.
type Sender string

const (
	SenderUser      Sender = "user"
	SenderAssistant Sender = "assistant"
)

// NormalizeSender maps the sender labels the backend has used over time
// ("ai", "bot", "assistant") onto the two senders the client knows.
func NormalizeSender(raw string) Sender {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "user", "human":
		return SenderUser
	default:
		return SenderAssistant
	}
}

// Routes known to the client.
const (
	RouteRoot          = "/"
	RouteLogin         = "/login"
	RouteRegister      = "/register"
	RouteResetPassword = "/reset-password"
	RouteChat          = "/chat"
	RouteAdmin         = "/admin"
)
