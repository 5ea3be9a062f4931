package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CallStatus is the lifecycle state of a call session.
type CallStatus string

const (
	CallStatusIdle       CallStatus = "idle"
	CallStatusCalling    CallStatus = "calling"    // outgoing, waiting for answer
	CallStatusRinging    CallStatus = "ringing"    // incoming, waiting for local accept
	CallStatusConnecting CallStatus = "connecting" // accepted, joining media transport
	CallStatusActive     CallStatus = "active"
	CallStatusEnded      CallStatus = "ended"
)

// CallType distinguishes audio-only from video calls. Audio calls may be
// upgraded to video mid-session; video never downgrades.
type CallType string

const (
	CallTypeAudio CallType = "audio"
	CallTypeVideo CallType = "video"
)

// EndReason is the terminal classification of why a call ended.
// It is set exactly once, at teardown.
type EndReason string

const (
	EndReasonAnswered       EndReason = "answered"
	EndReasonMissed         EndReason = "missed"
	EndReasonRejected       EndReason = "rejected"
	EndReasonCancelled      EndReason = "cancelled"
	EndReasonNetworkFailure EndReason = "network-failure"
)

// Role tags which side of the call this endpoint is on. Caller and callee
// run the same state machine; the role decides which signaling events are
// legal inputs.
type Role string

const (
	RoleCaller Role = "caller"
	RoleCallee Role = "callee"
)

// CallSession is the central call entity owned by the session manager.
// ChannelName doubles as the media-transport channel identifier.
type CallSession struct {
	CallID         string     `json:"call_id"`
	ChannelName    string     `json:"channel_name"`
	ConversationID uuid.UUID  `json:"conversation_id"`
	CallerID       uuid.UUID  `json:"caller_id"`
	RecipientID    uuid.UUID  `json:"recipient_id"`
	CallType       CallType   `json:"call_type"`
	Status         CallStatus `json:"status"`
	Role           Role       `json:"role"`
	CreatedAt      time.Time  `json:"created_at"`
	// StartedAt is set the instant the media session becomes active, not at
	// dial time. Duration is measured from here.
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	EndReason EndReason  `json:"end_reason,omitempty"`
}

// NewChannelName derives the call channel name from the conversation and
// the creation instant. It identifies the call everywhere: signaling
// payloads, media transport, persisted records.
func NewChannelName(conversationID uuid.UUID, createdAt time.Time) string {
	return fmt.Sprintf("%s-%d", conversationID, createdAt.UnixMilli())
}

// Duration returns the connected duration, zero if the media session never
// became active.
func (s *CallSession) Duration(now time.Time) time.Duration {
	if s.StartedAt == nil {
		return 0
	}
	end := now
	if s.EndedAt != nil {
		end = *s.EndedAt
	}
	return end.Sub(*s.StartedAt)
}

// Terminal reports whether the session has reached its final state.
func (s *CallSession) Terminal() bool {
	return s.Status == CallStatusEnded
}

// CallRecord is the persisted "call happened" entry reported back over the
// signaling channel when a session terminates.
type CallRecord struct {
	ConversationID uuid.UUID `json:"conversation_id"`
	CallID         string    `json:"call_id"`
	CallType       CallType  `json:"call_type"`
	CallResult     EndReason `json:"call_result"`
	Duration       int       `json:"duration"` // seconds
	SenderID       uuid.UUID `json:"sender_id"`
	CreatedAt      time.Time `json:"created_at"`
}

// RemoteParticipant is the remote endpoint as seen through the media
// transport, keyed by the transport-assigned uid. Its track references are
// driven exclusively by publish/unpublish callbacks from the transport
// adapter; the local endpoint never creates or destroys them directly.
type RemoteParticipant struct {
	UID        string `json:"uid"`
	AudioTrack Track  `json:"-"`
	VideoTrack Track  `json:"-"`
}
