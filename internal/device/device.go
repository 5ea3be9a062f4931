// Package device wraps local media capture: microphone, camera, and screen.
// It owns permission handling and hardware handles; tracks it hands out are
// released through it (or via Track.Close, which is idempotent) on every
// session exit path.
package device

import (
	"context"
	"strings"

	"owly-callkit/internal/domain"
	apperrors "owly-callkit/pkg/errors"
)

// Request names which capture kinds to acquire in one prompt.
type Request struct {
	Audio bool
	Video bool
}

// TrackSet holds the tracks produced by a single Acquire.
type TrackSet struct {
	Audio domain.Track
	Video domain.Track
}

// Tracks returns the non-nil tracks in the set.
func (ts *TrackSet) Tracks() []domain.Track {
	if ts == nil {
		return nil
	}
	out := make([]domain.Track, 0, 2)
	if ts.Audio != nil {
		out = append(out, ts.Audio)
	}
	if ts.Video != nil {
		out = append(out, ts.Video)
	}
	return out
}

// Gateway is the media device gateway contract. Acquire fails with
// PermissionDenied, DeviceNotFound, or DeviceInUse; Release stops and frees
// hardware handles and is a no-op on already-released tracks.
type Gateway interface {
	Acquire(ctx context.Context, req Request) (*TrackSet, error)
	AcquireScreen(ctx context.Context) (domain.Track, error)
	Release(tracks ...domain.Track)
}

// classify maps a raw capture error onto the gateway error taxonomy.
// Driver errors carry no structured codes, so this goes by message.
func classify(kind string, err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "permission") || strings.Contains(msg, "denied"):
		return apperrors.PermissionDeniedError(kind)
	case strings.Contains(msg, "busy") || strings.Contains(msg, "in use"):
		return apperrors.DeviceInUseError(kind)
	case strings.Contains(msg, "not found") || strings.Contains(msg, "no device") ||
		strings.Contains(msg, "failed to find"):
		return apperrors.DeviceNotFoundError(kind)
	default:
		return apperrors.Wrap(apperrors.ErrCodeDeviceNotFound, "failed to open "+kind+" device", err)
	}
}
