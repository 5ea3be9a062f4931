// Package signaling carries opaque call-control messages between the two
// endpoints of a call through the relay. It does not interpret payloads;
// all interpretation lives in the session state machine.
package signaling

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Wire event names. Outbound intents and their mirrored inbound
// notifications share names, except end-call which the relay rebroadcasts
// as call:ended.
const (
	EventInitiateCall       = "initiate-call"
	EventCallAccepted       = "call-accepted"
	EventCallRejected       = "call-rejected"
	EventCancelCall         = "cancel-call"
	EventEndCall            = "end-call"
	EventCallEnded          = "call:ended"
	EventCallUpgradedVideo  = "call-upgraded-to-video"
	EventScreenShareStarted = "screen-share-started"
	EventScreenShareStopped = "screen-share-stopped"
	EventCallMessage        = "call-message"

	// EventNegotiation carries the media transport's own opaque
	// negotiation payloads (offers/answers/candidates) between peers.
	EventNegotiation = "call-negotiation"
)

// Message is the relay envelope. From is stamped by the relay with the
// authenticated sender; To names the recipient.
type Message struct {
	Event   string          `json:"event"`
	From    uuid.UUID       `json:"from,omitempty"`
	To      uuid.UUID       `json:"to,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// InitiateCallPayload announces a new call to the recipient.
type InitiateCallPayload struct {
	ChatID      uuid.UUID `json:"chatId"`
	ChannelName string    `json:"channelName"`
	CallerID    uuid.UUID `json:"callerId"`
	RecipientID uuid.UUID `json:"recipientId"`
	CallType    string    `json:"callType"`
	Timestamp   int64     `json:"timestamp"`
}

// CallAcceptedPayload is sent by the callee on accept.
type CallAcceptedPayload struct {
	ChannelName string `json:"channelName"`
}

// CallRejectedPayload is sent by the callee on reject (or by the relay on
// behalf of a busy callee).
type CallRejectedPayload struct {
	ChannelName string `json:"channelName"`
	Reason      string `json:"reason,omitempty"`
}

// CancelCallPayload is sent by the caller before the callee answers.
type CancelCallPayload struct {
	ChannelName string    `json:"channelName"`
	CallerID    uuid.UUID `json:"callerId"`
	RecipientID uuid.UUID `json:"recipientId"`
}

// EndCallPayload ends an ongoing call; the relay rebroadcasts it to the
// peer as call:ended.
type EndCallPayload struct {
	ChannelName string    `json:"channelName"`
	ChatID      uuid.UUID `json:"chatId"`
	CallID      string    `json:"callId"`
	Duration    int       `json:"duration"`
	Reason      string    `json:"reason,omitempty"`
}

// CallEndedPayload is the relay's broadcast that the peer ended the call.
type CallEndedPayload struct {
	ConversationID uuid.UUID `json:"conversationId,omitempty"`
	ChannelName    string    `json:"channelName"`
}

// ChannelPayload is the shared shape of upgrade and screen-share events.
type ChannelPayload struct {
	ChannelName string `json:"channelName"`
}

// CallMessagePayload is the persisted chat entry for a finished call.
type CallMessagePayload struct {
	ChatID     uuid.UUID `json:"chatId"`
	CallID     string    `json:"callId"`
	CallType   string    `json:"callType"`
	CallResult string    `json:"callResult"`
	Duration   int       `json:"duration"`
	SenderID   uuid.UUID `json:"senderId"`
}

// NegotiationPayload wraps the transport's opaque negotiation data for one
// channel. The signaling layer never looks inside Data.
type NegotiationPayload struct {
	ChannelName string          `json:"channelName"`
	Data        json.RawMessage `json:"data"`
}

// ChannelOf extracts the channel/conversation identifier common to all
// call-control payloads, used to discard late or duplicate events that do
// not match the locally tracked call.
func ChannelOf(msg *Message) string {
	var probe struct {
		ChannelName    string    `json:"channelName"`
		ConversationID uuid.UUID `json:"conversationId"`
	}
	if err := json.Unmarshal(msg.Payload, &probe); err != nil {
		return ""
	}
	return probe.ChannelName
}
