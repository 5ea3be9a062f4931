package jwt

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-key-that-is-long-enough-0"

func TestAccessTokenRoundTrip(t *testing.T) {
	manager := NewManager(testSecret, 15*time.Minute, time.Hour)
	userID := uuid.New()

	token, err := manager.GenerateAccessToken(userID, "alice")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := manager.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, userID, claims.UserID)
	assert.Equal(t, "alice", claims.Username)
	assert.Equal(t, "owly-callkit", claims.Issuer)
	assert.Equal(t, userID.String(), claims.Subject)
}

func TestMediaTokenRoundTrip(t *testing.T) {
	manager := NewManager(testSecret, 15*time.Minute, time.Hour)

	token, err := manager.GenerateMediaToken("conv-42-1700000000000", 31337)
	require.NoError(t, err)

	claims, err := manager.ValidateMediaToken(token)
	require.NoError(t, err)
	assert.Equal(t, "conv-42-1700000000000", claims.ChannelName)
	assert.Equal(t, uint32(31337), claims.UID)
}

func TestValidateRejectsWrongSecret(t *testing.T) {
	manager := NewManager(testSecret, 15*time.Minute, time.Hour)
	other := NewManager("another-secret-key-that-is-long-enough", 15*time.Minute, time.Hour)

	token, err := manager.GenerateAccessToken(uuid.New(), "alice")
	require.NoError(t, err)

	_, err = other.ValidateToken(token)
	assert.Error(t, err)
}

func TestValidateRejectsExpiredToken(t *testing.T) {
	manager := NewManager(testSecret, -1*time.Minute, time.Hour)

	token, err := manager.GenerateAccessToken(uuid.New(), "alice")
	require.NoError(t, err)

	_, err = manager.ValidateToken(token)
	assert.Error(t, err)
}

func TestValidateRejectsGarbage(t *testing.T) {
	manager := NewManager(testSecret, 15*time.Minute, time.Hour)

	_, err := manager.ValidateToken("not-a-jwt")
	assert.Error(t, err)

	_, err = manager.ValidateMediaToken("")
	assert.Error(t, err)
}

func TestAccessTokenIsNotAMediaToken(t *testing.T) {
	manager := NewManager(testSecret, 15*time.Minute, time.Hour)

	token, err := manager.GenerateAccessToken(uuid.New(), "alice")
	require.NoError(t, err)

	// Parsing succeeds structurally but yields empty media claims; callers
	// must check the channel binding.
	claims, err := manager.ValidateMediaToken(token)
	if err == nil {
		assert.Empty(t, claims.ChannelName)
		assert.Zero(t, claims.UID)
	}
}
