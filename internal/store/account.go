package store

import "time"

// Account is one linked game account slot. The refresh token column only
// ever holds vault ciphertext; plaintext credentials are never written.
type Account struct {
	Slot         int    `gorm:"primaryKey"`
	DisplayName  string
	UpstreamID   string `gorm:"index"`
	RefreshToken string // vault ciphertext, base64(nonce|ct)
	ExpiresAt    time.Time
	IsActive     bool `gorm:"default:false"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Redacted returns a copy safe for listings and logs.
func (a Account) Redacted() Account {
	a.RefreshToken = "[encrypted]"
	return a
}
