package domain

// Session is the authentication state owned by the session coordinator.
// Consumers only ever see copies.
type Session struct {
	Authenticated bool   `json:"is_authenticated"`
	Role          Role   `json:"role"`
	Credential    string `json:"-"` // bearer token; empty when none
	Loading       bool   `json:"loading"`
	UserID        string `json:"user_id,omitempty"`
	Email         string `json:"email,omitempty"`
	GuestID       string `json:"guest_id,omitempty"` // local marker, never sent to the backend
}

// NewLoadingSession returns the state the coordinator starts in.
func NewLoadingSession() Session {
	return Session{Role: RoleNone, Loading: true}
}

// IsGuest reports whether the session is a locally synthesized guest.
func (s Session) IsGuest() bool {
	return s.Authenticated && s.Role == RoleGuest
}

// ProviderSession is a session as reported by the identity provider.
type ProviderSession struct {
	AccessToken string            `json:"access_token"`
	UserID      string            `json:"user_id,omitempty"`
	Email       string            `json:"email,omitempty"`
	Claims      map[string]string `json:"claims,omitempty"`
}

// RoleClaim returns the embedded role claim, or "" when absent.
func (p *ProviderSession) RoleClaim() string {
	if p == nil || p.Claims == nil {
		return ""
	}
	return p.Claims["role"]
}
