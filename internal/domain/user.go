// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

const (
	MaxIDLen       = 64
	MaxUsernameLen = 36
)

var (
	ErrUsernameTooLong = errors.New("username too long")
	ErrInvalidID       = errors.New("invalid id")
)

var (
	validate = validator.New()
	idRule   = fmt.Sprintf("required,max=%d,alphanum", MaxIDLen)
)

type UserID string

// User is the local participant as others see them in chat.
type User struct {
	ID       UserID `json:"id"`
	Username string `json:"username"`
}

// NewUser validates the id and the display name. An empty username falls
// back to the id.
func NewUser(id UserID, username string) (*User, error) {
	if err := validID(string(id)); err != nil {
		return nil, fmt.Errorf("user %q: %w", id, err)
	}
	if username == "" {
		username = string(id)
	}
	if len(username) > MaxUsernameLen {
		return nil, ErrUsernameTooLong
	}
	return &User{ID: id, Username: username}, nil
}

func validID(id string) error {
	if err := validate.Var(id, idRule); err != nil {
		return ErrInvalidID
	}
	return nil
}
