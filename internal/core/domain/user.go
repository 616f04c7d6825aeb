package domain

import "time"

type UserID string

// ConnectionID identifies one live transport connection. A connection
// is bound to exactly one user for its lifetime.
type ConnectionID string

type User struct {
	ID           UserID    `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"createdAt"`
}
