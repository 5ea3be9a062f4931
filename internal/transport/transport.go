// Package transport is the façade over the real-time media provider:
// join/leave a named channel, publish/unpublish local tracks, and receive
// remote-track callbacks. It is the only component that creates
// RemoteParticipant entries.
package transport

import (
	"context"

	"github.com/google/uuid"

	"owly-callkit/internal/domain"
	"owly-callkit/internal/signaling"
)

// JoinParams carry everything needed to enter a media channel.
type JoinParams struct {
	Channel string
	Token   string
	UID     uint32
	Peer    uuid.UUID
	// Offerer marks the side that drives negotiation. The call initiator
	// joins as offerer, which sidesteps offer glare entirely.
	Offerer bool

	// Negotiation is a pre-opened feed of relayed signaling messages. The
	// answering side opens it before its acceptance goes out, so an offer
	// arriving while devices and tokens are still being set up is buffered
	// rather than lost. Nil makes the transport subscribe at join time.
	Negotiation <-chan *signaling.Message
	// CancelNegotiation releases the feed. The transport calls it when the
	// session leaves; it must be safe to call more than once.
	CancelNegotiation func()
}

// Callbacks deliver remote media lifecycle events. All callbacks may fire
// from transport goroutines; consumers must do their own locking.
type Callbacks struct {
	OnRemoteTrackAdded   func(uid string, kind domain.TrackKind, track domain.Track)
	OnRemoteTrackRemoved func(uid string, kind domain.TrackKind)
	OnPeerLeft           func(uid string)
}

// Session is one joined media channel.
type Session interface {
	// Publish replaces the published local track set. The transport
	// requires a clean set, so callers unpublish first when swapping.
	Publish(tracks []domain.Track) error
	// Unpublish removes all published local tracks.
	Unpublish() error
	// Leave tears the media session down. Idempotent.
	Leave() error
}

// Transport joins media channels. Join failures surface as
// TransportJoinFailed and are distinguishable from later publish errors,
// which are retryable local errors.
type Transport interface {
	Join(ctx context.Context, params JoinParams, cb Callbacks) (Session, error)
}

// remoteTrack adapts a provider-owned remote track to domain.Track.
// Closing it is a no-op: remote track lifecycle belongs to the transport.
type remoteTrack struct {
	id   string
	kind domain.TrackKind
}

func (t *remoteTrack) ID() string             { return t.id }
func (t *remoteTrack) Kind() domain.TrackKind { return t.kind }
func (t *remoteTrack) Close() error           { return nil }
