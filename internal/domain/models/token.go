package models

import "time"

// RefreshToken represents a refresh token record stored in the database.
// Only the SHA-256 hash of the raw secret is ever persisted.
type RefreshToken struct {
	ID            string
	UserID        string
	TokenHash     string
	DeviceInfo    string
	OriginAddress string
	CreatedAt     time.Time
	ExpiresAt     time.Time
	RevokedAt     *time.Time
}

// IsValid reports whether the record may still be exchanged at the given instant.
func (t *RefreshToken) IsValid(now time.Time) bool {
	return t.RevokedAt == nil && now.Before(t.ExpiresAt)
}
