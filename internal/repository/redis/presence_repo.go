// Package redis holds the relay's volatile state: who is connected, who is
// in a call, and where to push notifications.
package redis

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"owly-callkit/pkg/constants"
)

// PresenceRepository tracks online and in-call status with TTL keys, so a
// crashed relay instance never leaves anyone permanently busy.
type PresenceRepository struct {
	client *redis.Client
}

// NewPresenceRepository creates a new PresenceRepository.
func NewPresenceRepository(client *redis.Client) *PresenceRepository {
	return &PresenceRepository{client: client}
}

func presenceKey(userID uuid.UUID) string { return fmt.Sprintf("presence:%s", userID) }
func busyKey(userID uuid.UUID) string     { return fmt.Sprintf("call:busy:%s", userID) }

// SetOnline marks the user online for the presence TTL window.
func (r *PresenceRepository) SetOnline(ctx context.Context, userID uuid.UUID) error {
	if err := r.client.Set(ctx, presenceKey(userID), "online", constants.PresenceTTL).Err(); err != nil {
		return fmt.Errorf("failed to set user online: %w", err)
	}
	return nil
}

// Refresh extends the presence TTL (heartbeat).
func (r *PresenceRepository) Refresh(ctx context.Context, userID uuid.UUID) error {
	if err := r.client.Expire(ctx, presenceKey(userID), constants.PresenceTTL).Err(); err != nil {
		return fmt.Errorf("failed to refresh presence: %w", err)
	}
	return nil
}

// SetOffline clears the user's presence marker.
func (r *PresenceRepository) SetOffline(ctx context.Context, userID uuid.UUID) error {
	if err := r.client.Del(ctx, presenceKey(userID)).Err(); err != nil {
		return fmt.Errorf("failed to set user offline: %w", err)
	}
	return nil
}

// IsOnline reports whether the user has a live relay connection anywhere.
func (r *PresenceRepository) IsOnline(ctx context.Context, userID uuid.UUID) (bool, error) {
	n, err := r.client.Exists(ctx, presenceKey(userID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check presence: %w", err)
	}
	return n > 0, nil
}

// MarkBusy records that the user is in the named call channel. The TTL is
// refreshed by the relay while signaling traffic flows.
func (r *PresenceRepository) MarkBusy(ctx context.Context, userID uuid.UUID, channelName string) error {
	if err := r.client.Set(ctx, busyKey(userID), channelName, constants.PresenceTTL).Err(); err != nil {
		return fmt.Errorf("failed to mark user busy: %w", err)
	}
	return nil
}

// ClearBusy removes the user's in-call marker.
func (r *PresenceRepository) ClearBusy(ctx context.Context, userID uuid.UUID) error {
	if err := r.client.Del(ctx, busyKey(userID)).Err(); err != nil {
		return fmt.Errorf("failed to clear busy marker: %w", err)
	}
	return nil
}

// BusyChannel returns the channel the user is currently in, or "" if the
// user is free.
func (r *PresenceRepository) BusyChannel(ctx context.Context, userID uuid.UUID) (string, error) {
	channel, err := r.client.Get(ctx, busyKey(userID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read busy marker: %w", err)
	}
	return channel, nil
}
