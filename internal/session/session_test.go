package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"owly-callkit/internal/device"
	"owly-callkit/internal/domain"
	"owly-callkit/internal/report"
	"owly-callkit/internal/signaling"
	"owly-callkit/internal/token"
	"owly-callkit/internal/transport"
	apperrors "owly-callkit/pkg/errors"
)

// Test doubles

type stubTrack struct {
	id   string
	kind domain.TrackKind

	mu      sync.Mutex
	closed  bool
	onEnded func()
}

func (t *stubTrack) ID() string             { return t.id }
func (t *stubTrack) Kind() domain.TrackKind { return t.kind }
func (t *stubTrack) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}
func (t *stubTrack) OnEnded(fn func()) {
	t.mu.Lock()
	t.onEnded = fn
	t.mu.Unlock()
}
func (t *stubTrack) fireEnded() {
	t.mu.Lock()
	fn := t.onEnded
	t.mu.Unlock()
	if fn != nil {
		fn()
	}
}

type fakeGateway struct {
	mu         sync.Mutex
	acquireErr error
	screenErr  error
	seq        int
	acquired   []domain.Track
	released   []domain.Track
}

func (g *fakeGateway) newTrack(kind domain.TrackKind) *stubTrack {
	g.seq++
	t := &stubTrack{id: fmt.Sprintf("%s-%d", kind, g.seq), kind: kind}
	g.acquired = append(g.acquired, t)
	return t
}

func (g *fakeGateway) Acquire(_ context.Context, req device.Request) (*device.TrackSet, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.acquireErr != nil {
		return nil, g.acquireErr
	}
	set := &device.TrackSet{}
	if req.Audio {
		set.Audio = g.newTrack(domain.TrackKindAudio)
	}
	if req.Video {
		set.Video = g.newTrack(domain.TrackKindVideo)
	}
	return set, nil
}

func (g *fakeGateway) AcquireScreen(_ context.Context) (domain.Track, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.screenErr != nil {
		return nil, g.screenErr
	}
	return g.newTrack(domain.TrackKindScreen), nil
}

func (g *fakeGateway) Release(tracks ...domain.Track) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, t := range tracks {
		if t != nil {
			g.released = append(g.released, t)
		}
	}
}

func (g *fakeGateway) outstanding() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.acquired) - len(g.released)
}

type fakeMediaSession struct {
	mu         sync.Mutex
	published  []domain.Track
	unpublishN int
	left       bool
	publishErr error
}

func (s *fakeMediaSession) Publish(tracks []domain.Track) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.publishErr != nil {
		return s.publishErr
	}
	s.published = tracks
	return nil
}

func (s *fakeMediaSession) Unpublish() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unpublishN++
	s.published = nil
	return nil
}

func (s *fakeMediaSession) Leave() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.left = true
	return nil
}

func (s *fakeMediaSession) publishedKinds() []domain.TrackKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	kinds := make([]domain.TrackKind, 0, len(s.published))
	for _, t := range s.published {
		kinds = append(kinds, t.Kind())
	}
	return kinds
}

type fakeTransport struct {
	mu       sync.Mutex
	joinErr  error
	joins    int
	last     transport.JoinParams
	lastCB   transport.Callbacks
	sessions []*fakeMediaSession
}

func (t *fakeTransport) Join(_ context.Context, params transport.JoinParams, cb transport.Callbacks) (transport.Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.joins++
	t.last = params
	t.lastCB = cb
	if t.joinErr != nil {
		return nil, t.joinErr
	}
	s := &fakeMediaSession{}
	t.sessions = append(t.sessions, s)
	return s, nil
}

func (t *fakeTransport) joinCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.joins
}

func (t *fakeTransport) session() *fakeMediaSession {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.sessions) == 0 {
		return nil
	}
	return t.sessions[len(t.sessions)-1]
}

func (t *fakeTransport) callbacks() transport.Callbacks {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastCB
}

type emitted struct {
	event   string
	to      uuid.UUID
	payload any
}

type fakeSignaler struct {
	mu      sync.Mutex
	events  []emitted
	subs    []chan *signaling.Message
	emitErr error
}

func newFakeSignaler() *fakeSignaler {
	return &fakeSignaler{}
}

func (f *fakeSignaler) Emit(event string, to uuid.UUID, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.emitErr != nil {
		return f.emitErr
	}
	f.events = append(f.events, emitted{event: event, to: to, payload: payload})
	return nil
}

// Subscribe hands out an independent channel per caller, like the real
// client: one for the manager, one per session negotiation feed.
func (f *fakeSignaler) Subscribe() (chan *signaling.Message, func()) {
	ch := make(chan *signaling.Message, 16)
	f.mu.Lock()
	f.subs = append(f.subs, ch)
	f.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			for i, c := range f.subs {
				if c == ch {
					f.subs = append(f.subs[:i], f.subs[i+1:]...)
					break
				}
			}
			f.mu.Unlock()
			close(ch)
		})
	}
}

func (f *fakeSignaler) broadcast(msg *signaling.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs {
		select {
		case ch <- msg:
		default:
		}
	}
}

func (f *fakeSignaler) subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func (f *fakeSignaler) count(event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.events {
		if e.event == event {
			n++
		}
	}
	return n
}

func (f *fakeSignaler) lastOf(event string) (emitted, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.events) - 1; i >= 0; i-- {
		if f.events[i].event == event {
			return f.events[i], true
		}
	}
	return emitted{}, false
}

type fakeFetcher struct {
	creds *token.Credentials
	err   error
}

func (f *fakeFetcher) Fetch(_ context.Context, _ string) (*token.Credentials, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.creds, nil
}

// Rig

type rig struct {
	selfID   uuid.UUID
	peerID   uuid.UUID
	chatID   uuid.UUID
	signaler *fakeSignaler
	gateway  *fakeGateway
	media    *fakeTransport
	fetcher  *fakeFetcher
	manager  *Manager
}

func newRig(t *testing.T, opts Options) *rig {
	t.Helper()
	r := &rig{
		selfID:   uuid.New(),
		peerID:   uuid.New(),
		chatID:   uuid.New(),
		signaler: newFakeSignaler(),
		gateway:  &fakeGateway{},
		media:    &fakeTransport{},
		fetcher:  &fakeFetcher{creds: &token.Credentials{Token: "tok", UID: 7}},
	}
	reporter := report.New(r.signaler, r.selfID)
	r.manager = NewManager(r.selfID, r.signaler, r.gateway, r.media, r.fetcher, reporter, opts, Events{})
	t.Cleanup(func() { _ = r.manager.Close() })
	return r
}

func (r *rig) inbound(t *testing.T, event string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	r.manager.dispatch(&signaling.Message{Event: event, From: r.peerID, To: r.selfID, Payload: raw})
}

func (r *rig) dial(t *testing.T, callType domain.CallType) *Session {
	t.Helper()
	sess, err := r.manager.StartOutgoingCall(context.Background(), r.chatID, r.peerID, callType)
	require.NoError(t, err)
	return sess
}

// ringIncoming delivers an initiate-call and returns the ringing session.
func (r *rig) ringIncoming(t *testing.T, callType domain.CallType) *Session {
	t.Helper()
	channel := domain.NewChannelName(r.chatID, time.Now())
	r.inbound(t, signaling.EventInitiateCall, signaling.InitiateCallPayload{
		ChatID:      r.chatID,
		ChannelName: channel,
		CallerID:    r.peerID,
		RecipientID: r.selfID,
		CallType:    string(callType),
		Timestamp:   time.Now().UnixMilli(),
	})
	sess := r.manager.Current()
	require.NotNil(t, sess)
	require.Equal(t, domain.CallStatusRinging, sess.Snapshot().Status)
	return sess
}

func waitStatus(t *testing.T, sess *Session, want domain.CallStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		return sess.Snapshot().Status == want
	}, 2*time.Second, 5*time.Millisecond, "session never reached %s", want)
}

// Outgoing call lifecycle

func TestStartOutgoingCall_AnswersAndConnects(t *testing.T) {
	r := newRig(t, Options{})
	sess := r.dial(t, domain.CallTypeAudio)

	snap := sess.Snapshot()
	assert.Equal(t, domain.CallStatusCalling, snap.Status)
	assert.Equal(t, domain.RoleCaller, snap.Role)
	assert.Nil(t, snap.StartedAt)
	assert.Equal(t, 1, r.signaler.count(signaling.EventInitiateCall))

	r.inbound(t, signaling.EventCallAccepted, signaling.CallAcceptedPayload{ChannelName: sess.ChannelName()})
	waitStatus(t, sess, domain.CallStatusActive)

	snap = sess.Snapshot()
	require.NotNil(t, snap.StartedAt)
	assert.Equal(t, 1, r.media.joinCount())
	assert.True(t, r.media.last.Offerer)
	assert.Equal(t, []domain.TrackKind{domain.TrackKindAudio}, r.media.session().publishedKinds())
}

func TestStartOutgoingCall_VideoPublishesCamera(t *testing.T) {
	r := newRig(t, Options{})
	sess := r.dial(t, domain.CallTypeVideo)

	r.inbound(t, signaling.EventCallAccepted, signaling.CallAcceptedPayload{ChannelName: sess.ChannelName()})
	waitStatus(t, sess, domain.CallStatusActive)

	assert.ElementsMatch(t,
		[]domain.TrackKind{domain.TrackKindAudio, domain.TrackKindVideo},
		r.media.session().publishedKinds())
}

func TestStartOutgoingCall_DeviceFailureMeansNoCall(t *testing.T) {
	r := newRig(t, Options{})
	r.gateway.acquireErr = apperrors.PermissionDeniedError("microphone")

	_, err := r.manager.StartOutgoingCall(context.Background(), r.chatID, r.peerID, domain.CallTypeAudio)
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodePermissionDenied))
	assert.Nil(t, r.manager.Current())
	assert.Equal(t, 0, r.signaler.count(signaling.EventInitiateCall))
}

func TestStartOutgoingCall_SecondCallRejectedInProgress(t *testing.T) {
	r := newRig(t, Options{})
	r.dial(t, domain.CallTypeAudio)

	_, err := r.manager.StartOutgoingCall(context.Background(), r.chatID, r.peerID, domain.CallTypeAudio)
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeCallInProgress))
	assert.Equal(t, 1, r.gateway.outstanding()) // only the first call's microphone is held
}

func TestCancelOutgoingCall(t *testing.T) {
	r := newRig(t, Options{})
	sess := r.dial(t, domain.CallTypeAudio)

	require.NoError(t, sess.Cancel())
	snap := sess.Snapshot()
	assert.Equal(t, domain.CallStatusEnded, snap.Status)
	assert.Equal(t, domain.EndReasonCancelled, snap.EndReason)
	assert.Equal(t, 1, r.signaler.count(signaling.EventCancelCall))
	assert.Equal(t, 0, r.gateway.outstanding())
}

func TestRemoteReject_EndsRejected(t *testing.T) {
	r := newRig(t, Options{})
	sess := r.dial(t, domain.CallTypeAudio)

	r.inbound(t, signaling.EventCallRejected, signaling.CallRejectedPayload{
		ChannelName: sess.ChannelName(),
		Reason:      "busy",
	})

	snap := sess.Snapshot()
	assert.Equal(t, domain.CallStatusEnded, snap.Status)
	assert.Equal(t, domain.EndReasonRejected, snap.EndReason)
	assert.Equal(t, 0, r.gateway.outstanding())
}

func TestRingTimeout_CallerCancelsAndMisses(t *testing.T) {
	r := newRig(t, Options{RingTimeout: 30 * time.Millisecond})
	sess := r.dial(t, domain.CallTypeAudio)

	waitStatus(t, sess, domain.CallStatusEnded)
	snap := sess.Snapshot()
	assert.Equal(t, domain.EndReasonMissed, snap.EndReason)
	assert.Equal(t, 1, r.signaler.count(signaling.EventCancelCall))
	assert.Equal(t, 0, r.gateway.outstanding())
}

func TestDuplicateAccepted_JoinsOnce(t *testing.T) {
	r := newRig(t, Options{})
	sess := r.dial(t, domain.CallTypeAudio)

	payload := signaling.CallAcceptedPayload{ChannelName: sess.ChannelName()}
	r.inbound(t, signaling.EventCallAccepted, payload)
	r.inbound(t, signaling.EventCallAccepted, payload)
	waitStatus(t, sess, domain.CallStatusActive)
	r.inbound(t, signaling.EventCallAccepted, payload)

	assert.Equal(t, 1, r.media.joinCount())
}

func TestStaleChannelEventsDropped(t *testing.T) {
	r := newRig(t, Options{})
	sess := r.dial(t, domain.CallTypeAudio)

	r.inbound(t, signaling.EventCallRejected, signaling.CallRejectedPayload{ChannelName: "some-old-call-123"})
	assert.Equal(t, domain.CallStatusCalling, sess.Snapshot().Status)
}

// Incoming call lifecycle

func TestIncomingCall_AcceptConnects(t *testing.T) {
	r := newRig(t, Options{})
	sess := r.ringIncoming(t, domain.CallTypeVideo)

	require.NoError(t, sess.Accept(context.Background()))
	assert.Equal(t, 1, r.signaler.count(signaling.EventCallAccepted))
	waitStatus(t, sess, domain.CallStatusActive)

	snap := sess.Snapshot()
	assert.Equal(t, domain.RoleCallee, snap.Role)
	require.NotNil(t, snap.StartedAt)
	assert.False(t, r.media.last.Offerer)
	assert.ElementsMatch(t,
		[]domain.TrackKind{domain.TrackKindAudio, domain.TrackKindVideo},
		r.media.session().publishedKinds())
}

func TestIncomingCall_Reject(t *testing.T) {
	r := newRig(t, Options{})
	sess := r.ringIncoming(t, domain.CallTypeAudio)

	require.NoError(t, sess.Reject("no thanks"))
	snap := sess.Snapshot()
	assert.Equal(t, domain.EndReasonRejected, snap.EndReason)

	e, ok := r.signaler.lastOf(signaling.EventCallRejected)
	require.True(t, ok)
	assert.Equal(t, r.peerID, e.to)
}

func TestIncomingCall_RemoteCancelWhileRinging(t *testing.T) {
	r := newRig(t, Options{})
	sess := r.ringIncoming(t, domain.CallTypeAudio)

	r.inbound(t, signaling.EventCancelCall, signaling.CancelCallPayload{
		ChannelName: sess.ChannelName(),
		CallerID:    r.peerID,
		RecipientID: r.selfID,
	})

	snap := sess.Snapshot()
	assert.Equal(t, domain.CallStatusEnded, snap.Status)
	assert.Equal(t, domain.EndReasonCancelled, snap.EndReason)
}

func TestIncomingCall_RingTimeoutMissedSilently(t *testing.T) {
	r := newRig(t, Options{RingTimeout: 30 * time.Millisecond})
	sess := r.ringIncoming(t, domain.CallTypeAudio)

	waitStatus(t, sess, domain.CallStatusEnded)
	assert.Equal(t, domain.EndReasonMissed, sess.Snapshot().EndReason)
	// The callee does not withdraw a call it never placed.
	assert.Equal(t, 0, r.signaler.count(signaling.EventCancelCall))
}

func TestIncomingCall_BusyAutoReject(t *testing.T) {
	r := newRig(t, Options{})
	first := r.dial(t, domain.CallTypeAudio)

	otherCaller := uuid.New()
	raw, _ := json.Marshal(signaling.InitiateCallPayload{
		ChatID:      uuid.New(),
		ChannelName: "other-channel-1",
		CallerID:    otherCaller,
		RecipientID: r.selfID,
		CallType:    "audio",
	})
	r.manager.dispatch(&signaling.Message{Event: signaling.EventInitiateCall, From: otherCaller, Payload: raw})

	e, ok := r.signaler.lastOf(signaling.EventCallRejected)
	require.True(t, ok)
	assert.Equal(t, otherCaller, e.to)
	payload, ok := e.payload.(signaling.CallRejectedPayload)
	require.True(t, ok)
	assert.Equal(t, "busy", payload.Reason)

	// The live call is untouched.
	assert.Same(t, first, r.manager.Current())
	assert.Equal(t, domain.CallStatusCalling, first.Snapshot().Status)
}

func TestAccept_InvalidWhenNotRinging(t *testing.T) {
	r := newRig(t, Options{})
	sess := r.dial(t, domain.CallTypeAudio)

	err := sess.Accept(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidState))
}

// Connect chain failures

func TestConnect_TokenFailureEndsNetworkFailure(t *testing.T) {
	r := newRig(t, Options{})
	r.fetcher.err = apperrors.TokenFetchFailedError(fmt.Errorf("boom"))
	sess := r.dial(t, domain.CallTypeAudio)

	r.inbound(t, signaling.EventCallAccepted, signaling.CallAcceptedPayload{ChannelName: sess.ChannelName()})
	waitStatus(t, sess, domain.CallStatusEnded)

	assert.Equal(t, domain.EndReasonNetworkFailure, sess.Snapshot().EndReason)
	assert.Equal(t, 1, r.signaler.count(signaling.EventEndCall))
	assert.Equal(t, 0, r.gateway.outstanding())
}

func TestConnect_JoinFailureEndsNetworkFailure(t *testing.T) {
	r := newRig(t, Options{})
	r.media.joinErr = apperrors.TransportJoinFailedError(fmt.Errorf("ice failed"))
	sess := r.ringIncoming(t, domain.CallTypeAudio)

	require.NoError(t, sess.Accept(context.Background()))
	waitStatus(t, sess, domain.CallStatusEnded)

	assert.Equal(t, domain.EndReasonNetworkFailure, sess.Snapshot().EndReason)
	assert.Equal(t, 0, r.gateway.outstanding())
}

// Negotiation feed handover

func TestAccept_OfferBeforeJoinIsBufferedForTransport(t *testing.T) {
	r := newRig(t, Options{})
	sess := r.ringIncoming(t, domain.CallTypeAudio)

	require.NoError(t, sess.Accept(context.Background()))

	// The caller sends its offer exactly once, and it can land while this
	// side is still acquiring devices and fetching a token. The feed opened
	// at accept time must hold it for the transport.
	raw, err := json.Marshal(signaling.NegotiationPayload{
		ChannelName: sess.ChannelName(),
		Data:        json.RawMessage(`{"type":"offer","sdp":"v=0"}`),
	})
	require.NoError(t, err)
	r.signaler.broadcast(&signaling.Message{
		Event:   signaling.EventNegotiation,
		From:    r.peerID,
		To:      r.selfID,
		Payload: raw,
	})

	waitStatus(t, sess, domain.CallStatusActive)
	feed := r.media.last.Negotiation
	require.NotNil(t, feed)
	select {
	case msg := <-feed:
		assert.Equal(t, signaling.EventNegotiation, msg.Event)
	default:
		t.Fatal("early offer was not retained for the transport")
	}
}

func TestConnect_FailureReleasesNegotiationFeed(t *testing.T) {
	r := newRig(t, Options{})
	r.fetcher.err = apperrors.TokenFetchFailedError(fmt.Errorf("boom"))
	sess := r.dial(t, domain.CallTypeAudio)
	managerOnly := r.signaler.subscribers()

	r.inbound(t, signaling.EventCallAccepted, signaling.CallAcceptedPayload{ChannelName: sess.ChannelName()})
	waitStatus(t, sess, domain.CallStatusEnded)

	require.Eventually(t, func() bool {
		return r.signaler.subscribers() == managerOnly
	}, time.Second, 5*time.Millisecond, "negotiation feed leaked after teardown")
}

// Active call behaviour

func activeCall(t *testing.T, r *rig) *Session {
	t.Helper()
	return activeCallOf(t, r, domain.CallTypeAudio)
}

func activeCallOf(t *testing.T, r *rig, callType domain.CallType) *Session {
	t.Helper()
	sess := r.dial(t, callType)
	r.inbound(t, signaling.EventCallAccepted, signaling.CallAcceptedPayload{ChannelName: sess.ChannelName()})
	waitStatus(t, sess, domain.CallStatusActive)
	return sess
}

func TestEndCall_AnsweredAfterGrace(t *testing.T) {
	r := newRig(t, Options{AnsweredGrace: 20 * time.Millisecond})
	sess := activeCall(t, r)

	time.Sleep(40 * time.Millisecond)
	require.NoError(t, sess.EndCall())

	snap := sess.Snapshot()
	assert.Equal(t, domain.EndReasonAnswered, snap.EndReason)
	assert.Equal(t, 1, r.signaler.count(signaling.EventEndCall))
	assert.True(t, r.media.session().left)
	assert.Equal(t, 0, r.gateway.outstanding())
}

func TestEndCall_ReclassifiedMissedWithinGrace(t *testing.T) {
	r := newRig(t, Options{AnsweredGrace: 10 * time.Second})
	sess := activeCall(t, r)

	require.NoError(t, sess.EndCall())
	assert.Equal(t, domain.EndReasonMissed, sess.Snapshot().EndReason)
}

func TestRemoteEnded_EndsAnswered(t *testing.T) {
	r := newRig(t, Options{AnsweredGrace: time.Millisecond})
	sess := activeCall(t, r)

	time.Sleep(5 * time.Millisecond)
	r.inbound(t, signaling.EventCallEnded, signaling.CallEndedPayload{ChannelName: sess.ChannelName()})

	snap := sess.Snapshot()
	assert.Equal(t, domain.CallStatusEnded, snap.Status)
	assert.Equal(t, domain.EndReasonAnswered, snap.EndReason)
	// Remote already knows; nothing further goes out.
	assert.Equal(t, 0, r.signaler.count(signaling.EventEndCall))
}

func TestPeerLeftMedia_EndsCall(t *testing.T) {
	r := newRig(t, Options{AnsweredGrace: time.Millisecond})
	sess := activeCall(t, r)

	time.Sleep(5 * time.Millisecond)
	r.media.callbacks().OnPeerLeft(r.peerID.String())

	assert.Equal(t, domain.CallStatusEnded, sess.Snapshot().Status)
	assert.Equal(t, domain.EndReasonAnswered, sess.Snapshot().EndReason)
}

func TestEndCall_IdempotentUnderConcurrency(t *testing.T) {
	r := newRig(t, Options{AnsweredGrace: time.Millisecond})
	sess := activeCall(t, r)
	time.Sleep(5 * time.Millisecond)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = sess.EndCall()
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.inbound(t, signaling.EventCallEnded, signaling.CallEndedPayload{ChannelName: sess.ChannelName()})
	}()
	wg.Wait()

	snap := sess.Snapshot()
	assert.Equal(t, domain.CallStatusEnded, snap.Status)
	assert.Equal(t, domain.EndReasonAnswered, snap.EndReason)
	assert.Equal(t, 0, r.gateway.outstanding())
	// Exactly one record, however many triggers raced.
	assert.Equal(t, 1, r.signaler.count(signaling.EventCallMessage))
}

func TestCallerReportsRecordOnce(t *testing.T) {
	r := newRig(t, Options{AnsweredGrace: time.Millisecond})
	sess := activeCall(t, r)
	time.Sleep(5 * time.Millisecond)

	require.NoError(t, sess.EndCall())
	require.Equal(t, 1, r.signaler.count(signaling.EventCallMessage))

	e, _ := r.signaler.lastOf(signaling.EventCallMessage)
	payload, ok := e.payload.(signaling.CallMessagePayload)
	require.True(t, ok)
	assert.Equal(t, sess.Snapshot().CallID, payload.CallID)
	assert.Equal(t, string(domain.EndReasonAnswered), payload.CallResult)
}

func TestCalleeDoesNotReportRecord(t *testing.T) {
	r := newRig(t, Options{AnsweredGrace: time.Millisecond})
	sess := r.ringIncoming(t, domain.CallTypeAudio)
	require.NoError(t, sess.Accept(context.Background()))
	waitStatus(t, sess, domain.CallStatusActive)

	require.NoError(t, sess.EndCall())
	assert.Equal(t, 0, r.signaler.count(signaling.EventCallMessage))
}

// Video upgrade

func TestUpgradeToVideo(t *testing.T) {
	r := newRig(t, Options{})
	sess := activeCall(t, r)

	require.NoError(t, sess.UpgradeToVideo(context.Background()))
	snap := sess.Snapshot()
	assert.Equal(t, domain.CallTypeVideo, snap.CallType)
	assert.Equal(t, 1, r.signaler.count(signaling.EventCallUpgradedVideo))
	assert.ElementsMatch(t,
		[]domain.TrackKind{domain.TrackKindAudio, domain.TrackKindVideo},
		r.media.session().publishedKinds())

	// Upgrading twice is a no-op; video never downgrades.
	require.NoError(t, sess.UpgradeToVideo(context.Background()))
	assert.Equal(t, 1, r.signaler.count(signaling.EventCallUpgradedVideo))
}

func TestUpgradeToVideo_PublishFailureReverts(t *testing.T) {
	r := newRig(t, Options{})
	sess := activeCall(t, r)
	r.media.session().publishErr = apperrors.PublishFailedError(fmt.Errorf("codec mismatch"))

	err := sess.UpgradeToVideo(context.Background())
	require.Error(t, err)
	snap := sess.Snapshot()
	assert.Equal(t, domain.CallTypeAudio, snap.CallType)
	assert.Equal(t, domain.CallStatusActive, snap.Status)
}

func TestUpgradeToVideo_InvalidBeforeActive(t *testing.T) {
	r := newRig(t, Options{})
	sess := r.dial(t, domain.CallTypeAudio)

	err := sess.UpgradeToVideo(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidState))
}

func TestRemoteUpgrade_MarksCallVideo(t *testing.T) {
	r := newRig(t, Options{})
	sess := activeCall(t, r)

	r.inbound(t, signaling.EventCallUpgradedVideo, signaling.ChannelPayload{ChannelName: sess.ChannelName()})
	assert.Equal(t, domain.CallTypeVideo, sess.Snapshot().CallType)
}

// Screen share

func TestToggleScreenShare_SwapsCameraForScreen(t *testing.T) {
	r := newRig(t, Options{})
	sess := activeCallOf(t, r, domain.CallTypeVideo)

	require.NoError(t, sess.ToggleScreenShare(context.Background()))
	assert.ElementsMatch(t,
		[]domain.TrackKind{domain.TrackKindAudio, domain.TrackKindScreen},
		r.media.session().publishedKinds())
	assert.Equal(t, 1, r.signaler.count(signaling.EventScreenShareStarted))

	require.NoError(t, sess.ToggleScreenShare(context.Background()))
	assert.ElementsMatch(t,
		[]domain.TrackKind{domain.TrackKindAudio, domain.TrackKindVideo},
		r.media.session().publishedKinds())
	assert.Equal(t, 1, r.signaler.count(signaling.EventScreenShareStopped))
}

func TestToggleScreenShare_RejectedOnAudioCall(t *testing.T) {
	r := newRig(t, Options{})
	sess := activeCall(t, r)

	err := sess.ToggleScreenShare(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidState))
	assert.NotContains(t, r.media.session().publishedKinds(), domain.TrackKindScreen)
	assert.Equal(t, 0, r.signaler.count(signaling.EventScreenShareStarted))

	// After upgrading, the same call can share.
	require.NoError(t, sess.UpgradeToVideo(context.Background()))
	require.NoError(t, sess.ToggleScreenShare(context.Background()))
	assert.Contains(t, r.media.session().publishedKinds(), domain.TrackKindScreen)
}

func TestScreenShare_TrackEndedRevertsAutomatically(t *testing.T) {
	r := newRig(t, Options{})
	sess := activeCallOf(t, r, domain.CallTypeVideo)
	require.NoError(t, sess.ToggleScreenShare(context.Background()))

	var screen *stubTrack
	r.gateway.mu.Lock()
	for _, tr := range r.gateway.acquired {
		if tr.Kind() == domain.TrackKindScreen {
			screen = tr.(*stubTrack)
		}
	}
	r.gateway.mu.Unlock()
	require.NotNil(t, screen)

	screen.fireEnded()
	require.Eventually(t, func() bool {
		return r.signaler.count(signaling.EventScreenShareStopped) == 1
	}, time.Second, 5*time.Millisecond)
	assert.NotContains(t, r.media.session().publishedKinds(), domain.TrackKindScreen)

	// A second ended signal from the same track is a no-op.
	screen.fireEnded()
	assert.Equal(t, 1, r.signaler.count(signaling.EventScreenShareStopped))
}

// Manager teardown

func TestManagerClose_EndsLiveCall(t *testing.T) {
	r := newRig(t, Options{AnsweredGrace: time.Millisecond})
	sess := activeCall(t, r)
	time.Sleep(5 * time.Millisecond)

	require.NoError(t, r.manager.Close())
	snap := sess.Snapshot()
	assert.Equal(t, domain.CallStatusEnded, snap.Status)
	assert.Equal(t, domain.EndReasonAnswered, snap.EndReason)
	assert.Equal(t, 0, r.gateway.outstanding())

	_, err := r.manager.StartOutgoingCall(context.Background(), r.chatID, r.peerID, domain.CallTypeAudio)
	require.Error(t, err)
}

func TestManagerClose_CancelsWhileCalling(t *testing.T) {
	r := newRig(t, Options{})
	sess := r.dial(t, domain.CallTypeAudio)

	require.NoError(t, r.manager.Close())
	assert.Equal(t, domain.EndReasonCancelled, sess.Snapshot().EndReason)
	assert.Equal(t, 1, r.signaler.count(signaling.EventCancelCall))
}

func TestNewCallAfterEnded_Succeeds(t *testing.T) {
	r := newRig(t, Options{})
	first := r.dial(t, domain.CallTypeAudio)
	require.NoError(t, first.Cancel())

	second, err := r.manager.StartOutgoingCall(context.Background(), r.chatID, r.peerID, domain.CallTypeAudio)
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.Equal(t, domain.CallStatusCalling, second.Snapshot().Status)
}
