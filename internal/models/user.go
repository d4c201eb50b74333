package models

import (
	"errors"
	"strings"
	"time"
)

type UserRole string

const (
	RoleSender    UserRole = "sender"
	RoleRecipient UserRole = "recipient"
	RoleAdmin     UserRole = "admin"
)

// User is a sender, recipient, or administrator. The phone number is PII:
// the column stores ciphertext, and equality lookups go through the
// deterministic blind index.
type User struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	PhoneCipher string    `json:"-"`
	PhoneIndex  string    `json:"-"`
	Role        UserRole  `json:"role"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (u *User) Validate() error {
	if len(strings.TrimSpace(u.Name)) < 2 {
		return errors.New("name too short")
	}
	if u.Role == "" {
		u.Role = RoleRecipient
	}
	return nil
}
