package models

import "time"

// Account represents a server account the client talks to
type Account struct {
	ID         int64     `json:"id"`
	Name       string    `json:"name"`
	BaseURL    string    `json:"base_url"`
	Username   string    `json:"username,omitempty"`
	Credential []byte    `json:"-"` // Sealed app password, never exposed
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}
