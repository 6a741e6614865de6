package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAPIKey_Format(t *testing.T) {
	// Invariant: keys are sk_agent_ followed by 64 hex characters.
	key, err := GenerateAPIKey()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(key, KeyPrefix))
	assert.Len(t, key, len(KeyPrefix)+64)
	assert.True(t, LooksLikeAPIKey(key))

	other, err := GenerateAPIKey()
	require.NoError(t, err)
	assert.NotEqual(t, key, other)
}

func TestVerifyAPIKey(t *testing.T) {
	key, err := GenerateAPIKey()
	require.NoError(t, err)
	hash := HashAPIKey(key)
	assert.Len(t, hash, 64, "sha256 hex")

	assert.True(t, VerifyAPIKey(key, hash))
	assert.False(t, VerifyAPIKey(key+"x", hash))
	assert.False(t, VerifyAPIKey("", hash))
}

func TestLooksLikeAPIKey(t *testing.T) {
	assert.False(t, LooksLikeAPIKey(""))
	assert.False(t, LooksLikeAPIKey("sk_agent_short"))
	assert.False(t, LooksLikeAPIKey("bearer-token"))
}

func TestPasswordHashRoundTrip(t *testing.T) {
	hash, err := HashPassword("correct horse battery staple")
	require.NoError(t, err)
	assert.NotContains(t, hash, "correct horse")

	assert.True(t, VerifyPassword("correct horse battery staple", hash))
	assert.False(t, VerifyPassword("wrong password", hash))
}

func TestSessions_IssueAndValidate(t *testing.T) {
	s := NewSessions("test-secret", time.Hour)

	token, err := s.Issue(42, "admin")
	require.NoError(t, err)

	adminID, username, err := s.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, int64(42), adminID)
	assert.Equal(t, "admin", username)
}

func TestSessions_RejectsWrongSecret(t *testing.T) {
	// Invariant: a token minted under another secret never validates.
	issuer := NewSessions("secret-a", time.Hour)
	validator := NewSessions("secret-b", time.Hour)

	token, err := issuer.Issue(1, "admin")
	require.NoError(t, err)

	_, _, err = validator.Validate(token)
	assert.Error(t, err)
}

func TestSessions_RejectsGarbage(t *testing.T) {
	s := NewSessions("secret", time.Hour)
	_, _, err := s.Validate("not-a-jwt")
	assert.Error(t, err)
}

func TestContextRoundTrip(t *testing.T) {
	ctx := WithAdmin(t.Context(), 7)
	adminID, ok := AdminFrom(ctx)
	require.True(t, ok)
	assert.Equal(t, int64(7), adminID)

	_, ok = AgentFrom(ctx)
	assert.False(t, ok, "admin identity must not leak into agent identity")

	ctx = WithAgent(ctx, 9)
	agentID, ok := AgentFrom(ctx)
	require.True(t, ok)
	assert.Equal(t, int64(9), agentID)
}
