package common

import "github.com/google/uuid"

// NewOpaqueToken returns a fresh single-use token for verification and
// password-reset links.
func NewOpaqueToken() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// NewPublicID returns a new externally shared user identifier.
func NewPublicID() string {
	return uuid.NewString()
}
