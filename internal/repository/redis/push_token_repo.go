package redis

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"owly-callkit/pkg/constants"
)

// PushToken is one registered device token.
type PushToken struct {
	Platform string // "fcm" or "apns"
	Token    string
}

// PushTokenRepository stores device push tokens per user, one per platform.
// Tokens expire after PushTokenExpiry unless re-registered.
type PushTokenRepository struct {
	client *redis.Client
}

// NewPushTokenRepository creates a new PushTokenRepository.
func NewPushTokenRepository(client *redis.Client) *PushTokenRepository {
	return &PushTokenRepository{client: client}
}

func pushTokenKey(userID uuid.UUID) string { return fmt.Sprintf("push:tokens:%s", userID) }

// Save registers a device token for the user.
func (r *PushTokenRepository) Save(ctx context.Context, userID uuid.UUID, platform, token string) error {
	key := pushTokenKey(userID)
	if err := r.client.HSet(ctx, key, platform, token).Err(); err != nil {
		return fmt.Errorf("failed to save push token: %w", err)
	}
	if err := r.client.Expire(ctx, key, constants.PushTokenExpiry).Err(); err != nil {
		return fmt.Errorf("failed to set push token expiry: %w", err)
	}
	return nil
}

// Get returns all registered tokens for the user.
func (r *PushTokenRepository) Get(ctx context.Context, userID uuid.UUID) ([]PushToken, error) {
	entries, err := r.client.HGetAll(ctx, pushTokenKey(userID)).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to get push tokens: %w", err)
	}

	tokens := make([]PushToken, 0, len(entries))
	for platform, token := range entries {
		tokens = append(tokens, PushToken{Platform: platform, Token: token})
	}
	return tokens, nil
}

// Delete removes the token for one platform, for logout or when a provider
// reports the token invalid.
func (r *PushTokenRepository) Delete(ctx context.Context, userID uuid.UUID, platform string) error {
	if err := r.client.HDel(ctx, pushTokenKey(userID), platform).Err(); err != nil {
		return fmt.Errorf("failed to delete push token: %w", err)
	}
	return nil
}
