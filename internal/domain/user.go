package domain

import "time"

// User represents a dashboard account.
type User struct {
	ID           string
	Email        string
	Username     string
	PasswordHash []byte
	IsActive     bool
	CreatedAt    time.Time
}
