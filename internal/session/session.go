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
	"owly-callkit/internal/signaling"
	"owly-callkit/internal/transport"
	"owly-callkit/pkg/constants"
	apperrors "owly-callkit/pkg/errors"
	"owly-callkit/pkg/logger"
)

// Session is one call from this endpoint's perspective, caller or callee.
// All state lives behind its mutex; side effects (signaling, transport,
// device release) run outside the lock, and every asynchronous continuation
// re-checks the session before touching it. Teardown is idempotent: the
// first trigger wins and classifies the end reason, later triggers are
// no-ops.
type Session struct {
	mgr *Manager

	mu            sync.Mutex
	state         domain.CallSession
	local         domain.LocalMediaState
	media         transport.Session
	remote        *domain.RemoteParticipant
	screenSharing bool
	remoteScreen  bool
	joinStarted   bool
	ended         bool
	ringTimer     *time.Timer

	// Negotiation feed, opened before the peer is told to start
	// negotiating and handed to the transport at join time.
	negFeed   chan *signaling.Message
	negCancel func()
}

// Snapshot returns a copy of the session's current state.
func (s *Session) Snapshot() domain.CallSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Ended reports whether the session reached its terminal state.
func (s *Session) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

// ChannelName returns the media channel identifying this call.
func (s *Session) ChannelName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.ChannelName
}

// Remote returns the remote participant, nil before any remote media
// arrived.
func (s *Session) Remote() *domain.RemoteParticipant {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote
}

// Accept answers a ringing incoming call: the acceptance goes out first so
// the caller starts connecting concurrently, then the connect chain
// (devices, token, join, publish) runs asynchronously. Failures along that
// chain end the call as network-failure and surface through OnError.
func (s *Session) Accept(ctx context.Context) error {
	s.mu.Lock()
	if s.ended || s.state.Status != domain.CallStatusRinging {
		s.mu.Unlock()
		return apperrors.InvalidStateError("call is not ringing")
	}
	s.state.Status = domain.CallStatusConnecting
	s.stopRingTimerLocked()
	s.openNegotiationFeedLocked()
	snap := s.state
	s.mu.Unlock()

	if err := s.mgr.signaler.Emit(signaling.EventCallAccepted, snap.CallerID, signaling.CallAcceptedPayload{
		ChannelName: snap.ChannelName,
	}); err != nil {
		s.teardown(domain.EndReasonNetworkFailure)
		return err
	}

	s.mgr.notifyState(snap)
	go s.connect(snap)
	return nil
}

// Reject declines a ringing incoming call.
func (s *Session) Reject(reason string) error {
	s.mu.Lock()
	if s.ended || s.state.Status != domain.CallStatusRinging {
		s.mu.Unlock()
		return apperrors.InvalidStateError("call is not ringing")
	}
	snap := s.state
	s.mu.Unlock()

	_ = s.mgr.signaler.Emit(signaling.EventCallRejected, snap.CallerID, signaling.CallRejectedPayload{
		ChannelName: snap.ChannelName,
		Reason:      reason,
	})
	s.teardown(domain.EndReasonRejected)
	return nil
}

// Cancel withdraws an outgoing call before the callee answered.
func (s *Session) Cancel() error {
	s.mu.Lock()
	if s.ended || s.state.Status != domain.CallStatusCalling {
		s.mu.Unlock()
		return apperrors.InvalidStateError("call is not in calling state")
	}
	snap := s.state
	s.mu.Unlock()

	_ = s.mgr.signaler.Emit(signaling.EventCancelCall, snap.RecipientID, signaling.CancelCallPayload{
		ChannelName: snap.ChannelName,
		CallerID:    snap.CallerID,
		RecipientID: snap.RecipientID,
	})
	s.teardown(domain.EndReasonCancelled)
	return nil
}

// EndCall terminates the session from whatever non-terminal state it is in:
// cancel while calling, reject while ringing, hang up while connecting or
// active. Calling it on an ended session is a no-op. Signaling loss never
// blocks teardown; emission is best effort.
func (s *Session) EndCall() error {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return nil
	}
	status := s.state.Status
	snap := s.state
	s.mu.Unlock()

	switch status {
	case domain.CallStatusCalling:
		return s.Cancel()
	case domain.CallStatusRinging:
		return s.Reject("")
	default:
		_ = s.mgr.signaler.Emit(signaling.EventEndCall, s.peerOf(snap), signaling.EndCallPayload{
			ChannelName: snap.ChannelName,
			ChatID:      snap.ConversationID,
			CallID:      snap.CallID,
			Duration:    int(snap.Duration(time.Now()).Seconds()),
		})
		s.teardown(domain.EndReasonAnswered)
		return nil
	}
}

// UpgradeToVideo turns an active audio call into a video call: acquire the
// camera, swap the published set atomically, announce to the peer. A video
// call never downgrades, so upgrading one is a no-op.
func (s *Session) UpgradeToVideo(ctx context.Context) error {
	s.mu.Lock()
	if s.ended || s.state.Status != domain.CallStatusActive {
		s.mu.Unlock()
		return apperrors.InvalidStateError("call is not active")
	}
	if s.state.CallType == domain.CallTypeVideo {
		s.mu.Unlock()
		return nil
	}
	media := s.media
	s.mu.Unlock()

	set, err := s.mgr.devices.Acquire(ctx, device.Request{Video: true})
	if err != nil {
		return err
	}
	camera := set.Video

	s.mu.Lock()
	if s.ended || s.media != media {
		s.mu.Unlock()
		s.mgr.devices.Release(camera)
		return apperrors.InvalidStateError("call ended during upgrade")
	}
	s.local.Video = camera
	s.state.CallType = domain.CallTypeVideo
	publish := s.local.PublishSet(s.screenSharing)
	snap := s.state
	s.mu.Unlock()

	if err := republish(media, publish); err != nil {
		s.mu.Lock()
		s.local.Video = nil
		s.state.CallType = domain.CallTypeAudio
		revert := s.local.PublishSet(s.screenSharing)
		s.mu.Unlock()
		s.mgr.devices.Release(camera)
		_ = republish(media, revert)
		return err
	}

	_ = s.mgr.signaler.Emit(signaling.EventCallUpgradedVideo, s.peerOf(snap), signaling.ChannelPayload{
		ChannelName: snap.ChannelName,
	})
	logger.Info("call upgraded to video", zap.String("call_id", snap.CallID))
	s.mgr.notifyState(snap)
	return nil
}

// ToggleScreenShare starts sharing the screen in place of the camera, or
// reverts to the camera if already sharing. Only active video calls can
// share; an audio call upgrades first. The screen track's own ended
// signal (the OS-level stop control) reverts automatically.
func (s *Session) ToggleScreenShare(ctx context.Context) error {
	s.mu.Lock()
	if s.ended || s.state.Status != domain.CallStatusActive {
		s.mu.Unlock()
		return apperrors.InvalidStateError("call is not active")
	}
	if s.state.CallType != domain.CallTypeVideo {
		s.mu.Unlock()
		return apperrors.InvalidStateError("screen share requires a video call")
	}
	sharing := s.screenSharing
	media := s.media
	s.mu.Unlock()

	if sharing {
		return s.stopScreenShare(media)
	}

	track, err := s.mgr.devices.AcquireScreen(ctx)
	if err != nil {
		return err
	}
	if notifier, ok := track.(domain.EndedNotifier); ok {
		notifier.OnEnded(func() { s.screenEnded(track) })
	}

	s.mu.Lock()
	if s.ended || s.media != media {
		s.mu.Unlock()
		s.mgr.devices.Release(track)
		return apperrors.InvalidStateError("call ended during screen share")
	}
	s.local.Screen = track
	s.screenSharing = true
	publish := s.local.PublishSet(true)
	snap := s.state
	s.mu.Unlock()

	if err := republish(media, publish); err != nil {
		s.mu.Lock()
		s.local.Screen = nil
		s.screenSharing = false
		revert := s.local.PublishSet(false)
		s.mu.Unlock()
		s.mgr.devices.Release(track)
		_ = republish(media, revert)
		return err
	}

	_ = s.mgr.signaler.Emit(signaling.EventScreenShareStarted, s.peerOf(snap), signaling.ChannelPayload{
		ChannelName: snap.ChannelName,
	})
	logger.Info("screen share started", zap.String("call_id", snap.CallID))
	return nil
}

func (s *Session) stopScreenShare(media transport.Session) error {
	s.mu.Lock()
	if s.ended || !s.screenSharing || s.media != media {
		s.mu.Unlock()
		return nil
	}
	s.screenSharing = false
	track := s.local.Screen
	s.local.Screen = nil
	publish := s.local.PublishSet(false)
	snap := s.state
	s.mu.Unlock()

	err := republish(media, publish)
	s.mgr.devices.Release(track)

	_ = s.mgr.signaler.Emit(signaling.EventScreenShareStopped, s.peerOf(snap), signaling.ChannelPayload{
		ChannelName: snap.ChannelName,
	})
	logger.Info("screen share stopped", zap.String("call_id", snap.CallID))
	return err
}

// screenEnded handles the capture track ending on its own. The session may
// have moved on by the time this fires, so it re-validates everything.
func (s *Session) screenEnded(track domain.Track) {
	s.mu.Lock()
	stale := s.ended || !s.screenSharing || s.local.Screen != track
	media := s.media
	s.mu.Unlock()
	if stale || media == nil {
		return
	}
	if err := s.stopScreenShare(media); err != nil {
		s.mgr.notifyError(err)
	}
}

// openNegotiationFeedLocked subscribes to the signaling stream the moment
// the call moves to connecting, before the acceptance goes out. The peer
// sends its offer exactly once, and it can land while this side is still
// acquiring devices or fetching a token; a feed opened that early buffers
// it until the transport takes over in connect. The subscription's cancel
// is idempotent, so both the transport and teardown may release it.
func (s *Session) openNegotiationFeedLocked() {
	if s.negFeed != nil {
		return
	}
	s.negFeed, s.negCancel = s.mgr.signaler.Subscribe()
}

// connect runs the devices → token → join → publish chain that takes the
// session from connecting to active. The join guard makes the chain run at
// most once per session, whatever duplicate events arrive; every step
// re-validates that the session is still live.
func (s *Session) connect(snap domain.CallSession) {
	s.mu.Lock()
	if s.ended || s.joinStarted {
		s.mu.Unlock()
		return
	}
	s.joinStarted = true
	haveAudio := s.local.Audio != nil
	feed, cancelFeed := s.negFeed, s.negCancel
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), constants.DefaultTimeout)
	defer cancel()

	// The caller captured at dial time; the callee captures now.
	if !haveAudio {
		set, err := s.mgr.devices.Acquire(ctx, device.Request{
			Audio: true,
			Video: snap.CallType == domain.CallTypeVideo,
		})
		if err != nil {
			s.connectFailed(snap, err)
			return
		}
		s.mu.Lock()
		if s.ended {
			s.mu.Unlock()
			s.mgr.devices.Release(set.Tracks()...)
			return
		}
		s.local.Audio = set.Audio
		s.local.Video = set.Video
		s.mu.Unlock()
	}

	creds, err := s.mgr.tokens.Fetch(ctx, snap.ChannelName)
	if err != nil {
		s.connectFailed(snap, err)
		return
	}
	if s.Ended() {
		return
	}

	media, err := s.mgr.media.Join(ctx, transport.JoinParams{
		Channel:           snap.ChannelName,
		Token:             creds.Token,
		UID:               creds.UID,
		Peer:              s.peerOf(snap),
		Offerer:           snap.Role == domain.RoleCaller,
		Negotiation:       feed,
		CancelNegotiation: cancelFeed,
	}, transport.Callbacks{
		OnRemoteTrackAdded:   s.remoteTrackAdded,
		OnRemoteTrackRemoved: s.remoteTrackRemoved,
		OnPeerLeft:           s.peerLeft,
	})
	if err != nil {
		s.connectFailed(snap, err)
		return
	}

	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		_ = media.Leave()
		return
	}
	s.media = media
	publish := s.local.PublishSet(s.screenSharing)
	s.mu.Unlock()

	if err := media.Publish(publish); err != nil {
		s.connectFailed(snap, err)
		return
	}

	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	now := time.Now().UTC()
	s.state.StartedAt = &now
	s.state.Status = domain.CallStatusActive
	active := s.state
	s.mu.Unlock()

	logger.Info("call active",
		zap.String("call_id", active.CallID),
		zap.String("role", string(active.Role)))
	s.mgr.notifyState(active)
}

// connectFailed ends the call as network-failure and tells the peer, so
// they are not left hanging in connecting.
func (s *Session) connectFailed(snap domain.CallSession, err error) {
	logger.Error("call connect failed",
		zap.String("call_id", snap.CallID),
		zap.Error(err))
	_ = s.mgr.signaler.Emit(signaling.EventEndCall, s.peerOf(snap), signaling.EndCallPayload{
		ChannelName: snap.ChannelName,
		ChatID:      snap.ConversationID,
		CallID:      snap.CallID,
		Reason:      string(domain.EndReasonNetworkFailure),
	})
	s.teardown(domain.EndReasonNetworkFailure)
	s.mgr.notifyError(err)
}

// handleSignal processes one inbound event already matched to this call.
// Events that are illegal for the current state or role are dropped.
func (s *Session) handleSignal(msg *signaling.Message) {
	switch msg.Event {
	case signaling.EventCallAccepted:
		s.handleAccepted()
	case signaling.EventCallRejected:
		s.handleRejected(msg)
	case signaling.EventCancelCall:
		s.handleCancelled()
	case signaling.EventCallEnded, signaling.EventEndCall:
		s.handleRemoteEnded()
	case signaling.EventCallUpgradedVideo:
		s.handleRemoteUpgraded()
	case signaling.EventScreenShareStarted:
		s.handleRemoteScreen(true)
	case signaling.EventScreenShareStopped:
		s.handleRemoteScreen(false)
	default:
		// call-message and call-negotiation belong to other consumers.
	}
}

func (s *Session) handleAccepted() {
	s.mu.Lock()
	if s.ended || s.state.Role != domain.RoleCaller || s.state.Status != domain.CallStatusCalling {
		s.mu.Unlock()
		return
	}
	s.state.Status = domain.CallStatusConnecting
	s.stopRingTimerLocked()
	s.openNegotiationFeedLocked()
	snap := s.state
	s.mu.Unlock()

	s.mgr.notifyState(snap)
	go s.connect(snap)
}

func (s *Session) handleRejected(msg *signaling.Message) {
	s.mu.Lock()
	if s.ended || s.state.Role != domain.RoleCaller || s.state.Status != domain.CallStatusCalling {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	var p signaling.CallRejectedPayload
	_ = json.Unmarshal(msg.Payload, &p)
	logger.Info("call rejected by peer",
		zap.String("call_id", s.ChannelName()),
		zap.String("reason", p.Reason))
	s.teardown(domain.EndReasonRejected)
}

func (s *Session) handleCancelled() {
	s.mu.Lock()
	if s.ended || s.state.Role != domain.RoleCallee || s.state.Status != domain.CallStatusRinging {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.teardown(domain.EndReasonCancelled)
}

func (s *Session) handleRemoteEnded() {
	s.mu.Lock()
	if s.ended || (s.state.Status != domain.CallStatusConnecting && s.state.Status != domain.CallStatusActive) {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	// Answered classification; the grace rule downgrades a call the peer
	// ended before it really started.
	s.teardown(domain.EndReasonAnswered)
}

func (s *Session) handleRemoteUpgraded() {
	s.mu.Lock()
	if s.ended || s.state.Status != domain.CallStatusActive || s.state.CallType == domain.CallTypeVideo {
		s.mu.Unlock()
		return
	}
	s.state.CallType = domain.CallTypeVideo
	snap := s.state
	s.mu.Unlock()

	logger.Info("peer upgraded call to video", zap.String("call_id", snap.CallID))
	s.mgr.notifyState(snap)
}

func (s *Session) handleRemoteScreen(active bool) {
	s.mu.Lock()
	if s.ended || s.state.Status != domain.CallStatusActive || s.remoteScreen == active {
		s.mu.Unlock()
		return
	}
	s.remoteScreen = active
	s.mu.Unlock()

	if s.mgr.events.OnRemoteScreenShare != nil {
		s.mgr.events.OnRemoteScreenShare(active)
	}
}

// Transport callbacks. These fire from transport goroutines and only touch
// the remote participant bookkeeping.

func (s *Session) remoteTrackAdded(uid string, kind domain.TrackKind, track domain.Track) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	if s.remote == nil {
		s.remote = &domain.RemoteParticipant{UID: uid}
	}
	switch kind {
	case domain.TrackKindAudio:
		s.remote.AudioTrack = track
	default:
		s.remote.VideoTrack = track
	}
	s.mu.Unlock()

	if s.mgr.events.OnRemoteTrackAdded != nil {
		s.mgr.events.OnRemoteTrackAdded(uid, kind, track)
	}
}

func (s *Session) remoteTrackRemoved(uid string, kind domain.TrackKind) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	if s.remote != nil {
		switch kind {
		case domain.TrackKindAudio:
			s.remote.AudioTrack = nil
		default:
			s.remote.VideoTrack = nil
		}
	}
	s.mu.Unlock()

	if s.mgr.events.OnRemoteTrackRemoved != nil {
		s.mgr.events.OnRemoteTrackRemoved(uid, kind)
	}
}

// peerLeft fires when the media connection to the peer is gone without a
// matching signaling event. Treated as the peer hanging up.
func (s *Session) peerLeft(uid string) {
	s.mu.Lock()
	if s.ended || (s.state.Status != domain.CallStatusConnecting && s.state.Status != domain.CallStatusActive) {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	logger.Info("peer left media channel",
		zap.String("call_id", s.ChannelName()),
		zap.String("uid", uid))
	s.teardown(domain.EndReasonAnswered)
}

// Ring timer.

func (s *Session) armRingTimer() {
	s.mu.Lock()
	if !s.ended && s.ringTimer == nil {
		s.ringTimer = time.AfterFunc(s.mgr.opts.RingTimeout, s.onRingTimeout)
	}
	s.mu.Unlock()
}

func (s *Session) stopRingTimerLocked() {
	if s.ringTimer != nil {
		s.ringTimer.Stop()
		s.ringTimer = nil
	}
}

// onRingTimeout classifies an unanswered call as missed. The caller also
// withdraws it so the callee stops ringing.
func (s *Session) onRingTimeout() {
	s.mu.Lock()
	if s.ended || (s.state.Status != domain.CallStatusCalling && s.state.Status != domain.CallStatusRinging) {
		s.mu.Unlock()
		return
	}
	snap := s.state
	s.mu.Unlock()

	if snap.Role == domain.RoleCaller {
		_ = s.mgr.signaler.Emit(signaling.EventCancelCall, snap.RecipientID, signaling.CancelCallPayload{
			ChannelName: snap.ChannelName,
			CallerID:    snap.CallerID,
			RecipientID: snap.RecipientID,
		})
	}
	logger.Info("call timed out unanswered", zap.String("call_id", snap.CallID))
	s.teardown(domain.EndReasonMissed)
}

// teardown is the single exit path: first caller wins, sets the terminal
// state and end reason, then releases media and devices outside the lock.
// Reentrant triggers and triggers racing from transport callbacks all
// collapse into the ended check.
func (s *Session) teardown(reason domain.EndReason) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	s.stopRingTimerLocked()

	now := time.Now().UTC()
	s.state.EndedAt = &now
	s.state.Status = domain.CallStatusEnded
	s.state.EndReason = s.classifyLocked(reason, now)

	media := s.media
	s.media = nil
	tracks := s.local.All()
	s.local = domain.LocalMediaState{}
	s.screenSharing = false
	s.remote = nil
	cancelFeed := s.negCancel
	s.negFeed, s.negCancel = nil, nil
	snap := s.state
	s.mu.Unlock()

	if media != nil {
		_ = media.Leave()
	}
	if cancelFeed != nil {
		cancelFeed()
	}
	if len(tracks) > 0 {
		s.mgr.devices.Release(tracks...)
	}

	// One record per call: the caller's side writes it.
	if snap.Role == domain.RoleCaller && s.mgr.reporter != nil {
		s.mgr.reporter.Report(&snap)
	}

	logger.Info("call ended",
		zap.String("call_id", snap.CallID),
		zap.String("reason", string(snap.EndReason)),
		zap.Duration("duration", snap.Duration(now)))
	s.mgr.notifyState(snap)
}

// classifyLocked applies the answered-grace rule: an answered call that
// never connected, or connected for less than the grace window, counts as
// missed.
func (s *Session) classifyLocked(reason domain.EndReason, now time.Time) domain.EndReason {
	if reason != domain.EndReasonAnswered {
		return reason
	}
	if s.state.StartedAt == nil {
		return domain.EndReasonMissed
	}
	if now.Sub(*s.state.StartedAt) < s.mgr.opts.AnsweredGrace {
		return domain.EndReasonMissed
	}
	return reason
}

func (s *Session) peerOf(snap domain.CallSession) uuid.UUID {
	if snap.Role == domain.RoleCallee {
		return snap.CallerID
	}
	return snap.RecipientID
}

// republish swaps the published track set in one unpublish/publish step.
func republish(media transport.Session, tracks []domain.Track) error {
	if err := media.Unpublish(); err != nil {
		return err
	}
	return media.Publish(tracks)
}
