package auth

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// bcryptCost stays above the floor of 10; admin logins are rare enough that
// the latency does not matter.
const bcryptCost = 12

// HashPassword returns the bcrypt hash of an admin password.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// VerifyPassword reports whether password matches the stored bcrypt hash.
func VerifyPassword(password, storedHash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(storedHash), []byte(password)) == nil
}
