package auth

import (
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SessionCookie is the admin session cookie name.
const SessionCookie = "leash_session"

// Sessions issues and validates signed admin session tokens. Tokens are
// HS256 JWTs carried in an HTTP-only cookie; the secret comes from
// SESSION_SECRET.
type Sessions struct {
	secret []byte
	ttl    time.Duration
}

// NewSessions builds a session manager. ttl <= 0 defaults to 24h.
func NewSessions(secret string, ttl time.Duration) *Sessions {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Sessions{secret: []byte(secret), ttl: ttl}
}

type sessionClaims struct {
	jwt.RegisteredClaims
	Username string `json:"username"`
}

// Issue creates a session token for an admin user.
func (s *Sessions) Issue(adminID int64, username string) (string, error) {
	now := time.Now()
	claims := sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(adminID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
		Username: username,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign session token: %w", err)
	}
	return signed, nil
}

// Validate parses a session token and returns the admin user id.
func (s *Sessions) Validate(tokenStr string) (int64, string, error) {
	claims := &sessionClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return 0, "", fmt.Errorf("session token invalid: %w", err)
	}
	if !token.Valid || claims.Subject == "" {
		return 0, "", fmt.Errorf("session token invalid")
	}
	adminID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("session subject malformed: %w", err)
	}
	return adminID, claims.Username, nil
}

// TTL returns the configured session lifetime.
func (s *Sessions) TTL() time.Duration { return s.ttl }
