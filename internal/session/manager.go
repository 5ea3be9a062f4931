// Package session is the call-session state machine. A Manager owns at
// most one live Session per endpoint and routes inbound signaling events
// to it; the Session drives the idle → calling/ringing → connecting →
// active → ended lifecycle and every teardown path through it.
package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"owly-callkit/internal/device"
	"owly-callkit/internal/domain"
	"owly-callkit/internal/report"
	"owly-callkit/internal/signaling"
	"owly-callkit/internal/token"
	"owly-callkit/internal/transport"
	apperrors "owly-callkit/pkg/errors"
	"owly-callkit/pkg/logger"
)

// Signaler is the slice of the signaling client the state machine uses.
type Signaler interface {
	Emit(event string, to uuid.UUID, payload any) error
	Subscribe() (chan *signaling.Message, func())
}

// Events are the embedder-facing notifications. All callbacks are optional
// and may fire from internal goroutines.
type Events struct {
	// OnStateChanged fires on every session state transition, with a
	// snapshot of the session after the transition.
	OnStateChanged func(sess domain.CallSession)

	// OnIncomingCall fires when a new ringing session is created for an
	// inbound call.
	OnIncomingCall func(sess domain.CallSession)

	// OnRemoteTrackAdded / OnRemoteTrackRemoved mirror the transport's
	// remote-media callbacks for the live session.
	OnRemoteTrackAdded   func(uid string, kind domain.TrackKind, track domain.Track)
	OnRemoteTrackRemoved func(uid string, kind domain.TrackKind)

	// OnRemoteScreenShare fires when the peer starts or stops sharing.
	OnRemoteScreenShare func(active bool)

	// OnError reports non-fatal failures from asynchronous work, such as a
	// connect chain that ended the call with network-failure.
	OnError func(err error)
}

// Manager creates sessions and enforces the single-live-session invariant:
// while the current session is not ended, outgoing calls fail with
// CallInProgress and incoming calls are auto-rejected busy.
type Manager struct {
	selfID   uuid.UUID
	signaler Signaler
	devices  device.Gateway
	media    transport.Transport
	tokens   token.Fetcher
	reporter *report.Reporter
	opts     Options
	events   Events

	mu      sync.Mutex
	current *Session
	closed  bool

	cancelSub func()
}

// NewManager wires the state machine to its collaborators and starts
// consuming inbound signaling events.
func NewManager(
	selfID uuid.UUID,
	signaler Signaler,
	devices device.Gateway,
	media transport.Transport,
	tokens token.Fetcher,
	reporter *report.Reporter,
	opts Options,
	events Events,
) *Manager {
	m := &Manager{
		selfID:   selfID,
		signaler: signaler,
		devices:  devices,
		media:    media,
		tokens:   tokens,
		reporter: reporter,
		opts:     opts.withDefaults(),
		events:   events,
	}

	inbound, cancel := signaler.Subscribe()
	m.cancelSub = cancel
	go m.run(inbound)

	return m
}

// StartOutgoingCall acquires local media, announces the call to the
// recipient and returns the new session in calling state. Devices are
// acquired before anything goes on the wire: a capture failure means no
// call happened at all.
func (m *Manager) StartOutgoingCall(ctx context.Context, conversationID, recipientID uuid.UUID, callType domain.CallType) (*Session, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, apperrors.InvalidStateError("call manager is closed")
	}
	if m.current != nil && !m.current.Ended() {
		m.mu.Unlock()
		return nil, apperrors.CallInProgressError()
	}
	m.mu.Unlock()

	set, err := m.devices.Acquire(ctx, device.Request{Audio: true, Video: callType == domain.CallTypeVideo})
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	channel := domain.NewChannelName(conversationID, now)
	sess := &Session{
		mgr: m,
		state: domain.CallSession{
			CallID:         channel,
			ChannelName:    channel,
			ConversationID: conversationID,
			CallerID:       m.selfID,
			RecipientID:    recipientID,
			CallType:       callType,
			Status:         domain.CallStatusCalling,
			Role:           domain.RoleCaller,
			CreatedAt:      now,
		},
	}
	sess.local.Audio = set.Audio
	sess.local.Video = set.Video

	m.mu.Lock()
	if m.closed || (m.current != nil && !m.current.Ended()) {
		// Lost the race to an inbound call between the checks.
		m.mu.Unlock()
		m.devices.Release(set.Tracks()...)
		return nil, apperrors.CallInProgressError()
	}
	m.replaceCurrentLocked(sess)
	m.mu.Unlock()

	payload := signaling.InitiateCallPayload{
		ChatID:      conversationID,
		ChannelName: channel,
		CallerID:    m.selfID,
		RecipientID: recipientID,
		CallType:    string(callType),
		Timestamp:   now.UnixMilli(),
	}
	if err := m.signaler.Emit(signaling.EventInitiateCall, recipientID, payload); err != nil {
		sess.teardown(domain.EndReasonNetworkFailure)
		return nil, err
	}

	sess.armRingTimer()
	logger.Info("outgoing call started",
		zap.String("call_id", channel),
		zap.String("call_type", string(callType)))
	m.notifyState(sess.Snapshot())
	return sess, nil
}

// Current returns the live session, or nil when idle.
func (m *Manager) Current() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil && m.current.Ended() {
		return nil
	}
	return m.current
}

// Close tears down the live session according to its state (cancel while
// calling, reject while ringing, hang up otherwise) and stops consuming
// signaling events. Safe to call more than once.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	cur := m.current
	m.mu.Unlock()

	if cur != nil {
		_ = cur.EndCall()
	}
	if m.cancelSub != nil {
		m.cancelSub()
	}
	return nil
}

func (m *Manager) run(inbound chan *signaling.Message) {
	for msg := range inbound {
		m.dispatch(msg)
	}
}

// dispatch routes an inbound event: initiate-call goes to the manager,
// everything else to the current session iff the payload's channel matches
// the tracked call. Mismatches are late or duplicate events and dropped.
func (m *Manager) dispatch(msg *signaling.Message) {
	if msg.Event == signaling.EventInitiateCall {
		m.handleIncomingCall(msg)
		return
	}

	m.mu.Lock()
	cur := m.current
	m.mu.Unlock()
	if cur == nil {
		logger.Debug("signaling event with no session", zap.String("event", msg.Event))
		return
	}

	if ch := signaling.ChannelOf(msg); ch != "" && ch != cur.ChannelName() {
		logger.Debug("signaling event for stale channel",
			zap.String("event", msg.Event),
			zap.String("channel", ch))
		return
	}

	cur.handleSignal(msg)
}

// handleIncomingCall creates a ringing callee session, unless a call is
// already live, in which case the caller gets an immediate busy reject.
func (m *Manager) handleIncomingCall(msg *signaling.Message) {
	var p signaling.InitiateCallPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil || p.ChannelName == "" {
		logger.Warn("malformed initiate-call payload", zap.Error(err))
		return
	}

	callerID := msg.From
	if callerID == uuid.Nil {
		callerID = p.CallerID
	}

	callType := domain.CallType(p.CallType)
	if callType != domain.CallTypeVideo {
		callType = domain.CallTypeAudio
	}

	m.mu.Lock()
	if m.closed || (m.current != nil && !m.current.Ended()) {
		m.mu.Unlock()
		_ = m.signaler.Emit(signaling.EventCallRejected, callerID, signaling.CallRejectedPayload{
			ChannelName: p.ChannelName,
			Reason:      "busy",
		})
		logger.Info("incoming call auto-rejected busy", zap.String("call_id", p.ChannelName))
		return
	}

	sess := &Session{
		mgr: m,
		state: domain.CallSession{
			CallID:         p.ChannelName,
			ChannelName:    p.ChannelName,
			ConversationID: p.ChatID,
			CallerID:       callerID,
			RecipientID:    m.selfID,
			CallType:       callType,
			Status:         domain.CallStatusRinging,
			Role:           domain.RoleCallee,
			CreatedAt:      time.Now().UTC(),
		},
	}
	m.replaceCurrentLocked(sess)
	m.mu.Unlock()

	sess.armRingTimer()
	logger.Info("incoming call ringing",
		zap.String("call_id", p.ChannelName),
		zap.String("call_type", string(callType)))

	snap := sess.Snapshot()
	if m.events.OnIncomingCall != nil {
		m.events.OnIncomingCall(snap)
	}
	m.notifyState(snap)
}

// replaceCurrentLocked installs a new session, dropping the ended previous
// one and its exactly-once report marker.
func (m *Manager) replaceCurrentLocked(sess *Session) {
	if m.current != nil && m.reporter != nil {
		m.reporter.Forget(m.current.state.CallID)
	}
	m.current = sess
}

func (m *Manager) notifyState(sess domain.CallSession) {
	if m.events.OnStateChanged != nil {
		m.events.OnStateChanged(sess)
	}
}

func (m *Manager) notifyError(err error) {
	if m.events.OnError != nil {
		m.events.OnError(err)
	}
}
