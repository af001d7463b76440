package models

import "time"

// RefreshToken represents a refresh token record in the ledger. Only the
// hash of the raw token string is ever stored.
type RefreshToken struct {
	ID        int64
	TokenHash string
	UserID    int64
	CreatedAt time.Time
	ExpiresAt time.Time
	Revoked   bool
}

// Expired reports whether the token is past its expiry at the given time.
func (t *RefreshToken) Expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}
