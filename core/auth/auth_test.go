package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUserTokenRoundTrip(t *testing.T) {
	m := NewManager("secret")

	token, err := m.GenerateToken("alice", "Alice")
	require.NoError(t, err)

	claims, err := m.ParseToken(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.UserID)
	assert.Equal(t, "Alice", claims.Username)
	assert.Equal(t, "alice", claims.Subject)
}

func TestParseToken_Rejects(t *testing.T) {
	m := NewManager("secret")
	token, err := m.GenerateToken("alice", "")
	require.NoError(t, err)

	_, err = NewManager("other-secret").ParseToken(token)
	assert.True(t, errors.Is(err, ErrInvalidToken))

	_, err = m.ParseToken("not.a.token")
	assert.True(t, errors.Is(err, ErrInvalidToken))

	expired := NewManager("secret")
	expired.now = func() time.Time { return time.Now().Add(-30 * 24 * time.Hour) }
	old, err := expired.GenerateToken("alice", "")
	require.NoError(t, err)
	_, err = m.ParseToken(old)
	assert.True(t, errors.Is(err, ErrInvalidToken))

	_, err = m.GenerateToken("", "")
	assert.Error(t, err)
}

func TestGrant(t *testing.T) {
	m := NewManager("secret")

	grant, err := m.IssueGrant("ref-a", "alice")
	require.NoError(t, err)

	assert.NoError(t, m.VerifyGrant(grant, "ref-a"))
	assert.True(t, errors.Is(m.VerifyGrant(grant, "ref-b"), ErrInvalidToken))

	// Grants and user tokens are not interchangeable.
	_, err = m.ParseToken(grant)
	assert.True(t, errors.Is(err, ErrInvalidToken))
	userToken, err := m.GenerateToken("alice", "")
	require.NoError(t, err)
	assert.True(t, errors.Is(m.VerifyGrant(userToken, "ref-a"), ErrInvalidToken))
}
