package models

import "time"

// ControlToken authorizes calls to the pump control endpoints
type ControlToken struct {
	Token     string    // The actual token string
	CreatedAt time.Time // When token was created
	ExpiresAt time.Time // When token expires; zero means never
	Revoked   bool      // Whether token was revoked
}

// IsValid checks if the token is still valid
func (t *ControlToken) IsValid() bool {
	if t.Revoked {
		return false
	}
	return t.ExpiresAt.IsZero() || time.Now().Before(t.ExpiresAt)
}
