package models

import "time"

// OwnerCredential holds the encrypted site login for an owner.
type OwnerCredential struct {
	OwnerID            string    `json:"owner_id"`
	EmailCiphertext    string    `json:"-"`
	PasswordCiphertext string    `json:"-"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Credentials is the decrypted login. It must never be persisted or logged.
type Credentials struct {
	Email    string
	Password string
}

func (c Credentials) String() string {
	return "Credentials{Email: ***, Password: ***}"
}

// GoString keeps %#v from leaking the values too.
func (c Credentials) GoString() string {
	return c.String()
}
