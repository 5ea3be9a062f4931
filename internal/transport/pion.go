package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"owly-callkit/internal/domain"
	"owly-callkit/internal/signaling"
	"owly-callkit/pkg/constants"
	apperrors "owly-callkit/pkg/errors"
	"owly-callkit/pkg/logger"
)

// Signaler is the slice of the signaling client the transport uses to
// exchange its negotiation payloads. The data inside is opaque to the
// signaling layer.
type Signaler interface {
	Emit(event string, to uuid.UUID, payload any) error
	Subscribe() (chan *signaling.Message, func())
}

// localPublisher is the extra surface capture tracks expose so the
// transport can hand the raw encoder-backed track to the peer connection.
type localPublisher interface {
	Unwrap() mediadevices.Track
}

// negotiationMessage is the wire shape tunneled inside call-negotiation
// events. Exactly one of SDP or Candidate is set.
type negotiationMessage struct {
	Type      string                   `json:"type"` // offer | answer | candidate
	SDP       string                   `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
}

// PionTransport joins media channels over a direct WebRTC peer connection,
// negotiated through the signaling relay.
//
// Each session pre-allocates three sendrecv transceivers (audio, camera,
// screen) so that publish, unpublish, video upgrade and screen share all
// reduce to ReplaceTrack on a fixed m-line set. Only the initial
// offer/answer round trip touches SDP; there is no renegotiation and
// therefore no offer glare.
type PionTransport struct {
	signaler   Signaler
	selector   *mediadevices.CodecSelector
	iceServers []webrtc.ICEServer
}

// NewPion creates a transport negotiating through signaler. The codec
// selector must be the one the device gateway captures with, so the media
// engine advertises exactly the codecs local tracks encode.
func NewPion(signaler Signaler, selector *mediadevices.CodecSelector, iceServers ...webrtc.ICEServer) *PionTransport {
	if len(iceServers) == 0 {
		iceServers = []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
	}
	return &PionTransport{signaler: signaler, selector: selector, iceServers: iceServers}
}

// Transceiver slots, in m-line order on both sides.
const (
	slotAudio = iota
	slotVideo
	slotScreen
	slotCount
)

var slotKinds = [slotCount]domain.TrackKind{
	domain.TrackKindAudio,
	domain.TrackKindVideo,
	domain.TrackKindScreen,
}

// Join sets up the peer connection, runs the initial offer/answer round
// trip through the relay and blocks until media is connected or ctx/the
// join timeout expires. Any failure on this path is a join failure.
func (t *PionTransport) Join(ctx context.Context, params JoinParams, cb Callbacks) (Session, error) {
	me := &webrtc.MediaEngine{}
	if t.selector != nil {
		t.selector.Populate(me)
	} else if err := me.RegisterDefaultCodecs(); err != nil {
		return nil, apperrors.TransportJoinFailedError(err)
	}

	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(me, ir); err != nil {
		return nil, apperrors.TransportJoinFailedError(err)
	}

	api := webrtc.NewAPI(webrtc.WithMediaEngine(me), webrtc.WithInterceptorRegistry(ir))
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: t.iceServers})
	if err != nil {
		return nil, apperrors.TransportJoinFailedError(err)
	}

	s := &pionSession{
		pc:        pc,
		signaler:  t.signaler,
		channel:   params.Channel,
		peer:      params.Peer,
		cb:        cb,
		connected: make(chan struct{}),
		done:      make(chan struct{}),
	}

	for slot := 0; slot < slotCount; slot++ {
		kind := webrtc.RTPCodecTypeVideo
		if slot == slotAudio {
			kind = webrtc.RTPCodecTypeAudio
		}
		tr, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionSendrecv,
		})
		if err != nil {
			_ = pc.Close()
			return nil, apperrors.TransportJoinFailedError(err)
		}
		s.transceivers[slot] = tr
	}

	pc.OnTrack(s.handleRemoteTrack)
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		s.sendNegotiation(negotiationMessage{Type: "candidate", Candidate: &init})
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateConnected:
			s.connectedOnce.Do(func() { close(s.connected) })
		case webrtc.PeerConnectionStateDisconnected,
			webrtc.PeerConnectionStateFailed,
			webrtc.PeerConnectionStateClosed:
			s.peerLeft()
		}
	})

	inbound, cancel := params.Negotiation, params.CancelNegotiation
	if inbound == nil {
		ch, cancelSub := t.signaler.Subscribe()
		inbound, cancel = ch, cancelSub
	}
	s.cancelSub = cancel
	go s.negotiationLoop(inbound)

	if params.Offerer {
		if err := s.sendOffer(); err != nil {
			_ = s.Leave()
			return nil, apperrors.TransportJoinFailedError(err)
		}
	}

	timeout := time.NewTimer(constants.TransportJoinTimeout)
	defer timeout.Stop()
	select {
	case <-s.connected:
	case <-ctx.Done():
		_ = s.Leave()
		return nil, apperrors.TransportJoinFailedError(ctx.Err())
	case <-timeout.C:
		_ = s.Leave()
		return nil, apperrors.TransportJoinFailedError(fmt.Errorf("channel %s: media not connected after %s", params.Channel, constants.TransportJoinTimeout))
	}

	logger.Info("media channel joined",
		zap.String("channel", params.Channel),
		zap.Uint32("uid", params.UID))
	return s, nil
}

type pionSession struct {
	pc       *webrtc.PeerConnection
	signaler Signaler
	channel  string
	peer     uuid.UUID
	cb       Callbacks

	transceivers [slotCount]*webrtc.RTPTransceiver

	mu         sync.Mutex
	published  [slotCount]bool
	pending    []webrtc.ICECandidateInit
	haveRemote bool

	connected     chan struct{}
	connectedOnce sync.Once
	peerLeftOnce  sync.Once

	done      chan struct{}
	cancelSub func()
	closeOnce sync.Once
}

// Publish binds each local track to its slot's sender. The track set must
// be clean, so a slot that is already carrying a track is a publish error.
func (s *pionSession) Publish(tracks []domain.Track) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.done:
		return apperrors.PublishFailedError(fmt.Errorf("session closed"))
	default:
	}

	for _, track := range tracks {
		slot, err := slotFor(track.Kind())
		if err != nil {
			return apperrors.PublishFailedError(err)
		}
		if s.published[slot] {
			return apperrors.PublishFailedError(fmt.Errorf("%s slot already published", track.Kind()))
		}

		pub, ok := track.(localPublisher)
		if !ok {
			return apperrors.PublishFailedError(fmt.Errorf("track %s is not publishable", track.ID()))
		}
		if err := s.transceivers[slot].Sender().ReplaceTrack(pub.Unwrap()); err != nil {
			return apperrors.PublishFailedError(err)
		}
		s.published[slot] = true
	}
	return nil
}

// Unpublish detaches every published local track, leaving the m-lines in
// place for a later Publish.
func (s *pionSession) Unpublish() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for slot := 0; slot < slotCount; slot++ {
		if !s.published[slot] {
			continue
		}
		if err := s.transceivers[slot].Sender().ReplaceTrack(nil); err != nil && firstErr == nil {
			firstErr = err
		}
		s.published[slot] = false
	}
	if firstErr != nil {
		return apperrors.PublishFailedError(firstErr)
	}
	return nil
}

// Leave closes the peer connection and the negotiation subscription.
func (s *pionSession) Leave() error {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.cancelSub != nil {
			s.cancelSub()
		}
		if err := s.pc.Close(); err != nil {
			logger.Warn("peer connection close failed", zap.String("channel", s.channel), zap.Error(err))
		}
	})
	return nil
}

func (s *pionSession) peerLeft() {
	s.peerLeftOnce.Do(func() {
		select {
		case <-s.done:
			// Local teardown already in flight; not the peer's doing.
			return
		default:
		}
		if s.cb.OnPeerLeft != nil {
			s.cb.OnPeerLeft(s.peer.String())
		}
	})
}

func (s *pionSession) handleRemoteTrack(remote *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	kind := s.kindForReceiver(receiver)
	track := &remoteTrack{id: remote.ID(), kind: kind}

	if s.cb.OnRemoteTrackAdded != nil {
		s.cb.OnRemoteTrackAdded(s.peer.String(), kind, track)
	}

	// Drain RTP so the interceptor chain keeps feedback flowing; rendering
	// is the embedder's concern. A read error means the track is gone.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := remote.Read(buf); err != nil {
				break
			}
		}
		select {
		case <-s.done:
		default:
			if s.cb.OnRemoteTrackRemoved != nil {
				s.cb.OnRemoteTrackRemoved(s.peer.String(), kind)
			}
		}
	}()
}

func (s *pionSession) kindForReceiver(receiver *webrtc.RTPReceiver) domain.TrackKind {
	for slot, tr := range s.transceivers {
		if tr != nil && tr.Receiver() == receiver {
			return slotKinds[slot]
		}
	}
	return domain.TrackKindAudio
}

// negotiationLoop consumes relayed negotiation messages for this channel,
// starting with anything buffered before the session took the feed over.
func (s *pionSession) negotiationLoop(inbound <-chan *signaling.Message) {
	for msg := range inbound {
		if msg.Event != signaling.EventNegotiation {
			continue
		}
		var payload signaling.NegotiationPayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil || payload.ChannelName != s.channel {
			continue
		}
		var nm negotiationMessage
		if err := json.Unmarshal(payload.Data, &nm); err != nil {
			logger.Warn("malformed negotiation data", zap.String("channel", s.channel), zap.Error(err))
			continue
		}
		if err := s.handleNegotiation(nm); err != nil {
			logger.Warn("negotiation step failed",
				zap.String("channel", s.channel),
				zap.String("type", nm.Type),
				zap.Error(err))
		}
	}
}

func (s *pionSession) handleNegotiation(nm negotiationMessage) error {
	switch nm.Type {
	case "offer":
		if err := s.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: nm.SDP}); err != nil {
			return err
		}
		s.flushCandidates()
		answer, err := s.pc.CreateAnswer(nil)
		if err != nil {
			return err
		}
		if err := s.pc.SetLocalDescription(answer); err != nil {
			return err
		}
		s.sendNegotiation(negotiationMessage{Type: "answer", SDP: answer.SDP})
		return nil
	case "answer":
		if err := s.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: nm.SDP}); err != nil {
			return err
		}
		s.flushCandidates()
		return nil
	case "candidate":
		if nm.Candidate == nil {
			return fmt.Errorf("candidate message without candidate")
		}
		s.mu.Lock()
		if !s.haveRemote {
			s.pending = append(s.pending, *nm.Candidate)
			s.mu.Unlock()
			return nil
		}
		s.mu.Unlock()
		return s.pc.AddICECandidate(*nm.Candidate)
	default:
		return fmt.Errorf("unknown negotiation type %q", nm.Type)
	}
}

// flushCandidates applies candidates that arrived before the remote
// description did.
func (s *pionSession) flushCandidates() {
	s.mu.Lock()
	s.haveRemote = true
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, c := range pending {
		if err := s.pc.AddICECandidate(c); err != nil {
			logger.Warn("queued candidate rejected", zap.String("channel", s.channel), zap.Error(err))
		}
	}
}

func (s *pionSession) sendOffer() error {
	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return err
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return err
	}
	s.sendNegotiation(negotiationMessage{Type: "offer", SDP: offer.SDP})
	return nil
}

func (s *pionSession) sendNegotiation(nm negotiationMessage) {
	data, err := json.Marshal(nm)
	if err != nil {
		logger.Error("negotiation marshal failed", zap.Error(err))
		return
	}
	payload := signaling.NegotiationPayload{ChannelName: s.channel, Data: data}
	if err := s.signaler.Emit(signaling.EventNegotiation, s.peer, payload); err != nil {
		logger.Warn("negotiation send failed",
			zap.String("channel", s.channel),
			zap.String("type", nm.Type),
			zap.Error(err))
	}
}

func slotFor(kind domain.TrackKind) (int, error) {
	for slot, k := range slotKinds {
		if k == kind {
			return slot, nil
		}
	}
	return 0, fmt.Errorf("no media slot for track kind %q", kind)
}
