// Package call is the relay-side call service: busy tracking, call record
// persistence, call metrics, and push notifications for offline callees.
package call

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"owly-callkit/internal/domain"
	redisrepo "owly-callkit/internal/repository/redis"
	"owly-callkit/internal/signaling"
	"owly-callkit/pkg/constants"
	"owly-callkit/pkg/logger"
	"owly-callkit/pkg/metrics"
	"owly-callkit/pkg/push"
)

// RecordRepository persists finished-call records.
type RecordRepository interface {
	Save(ctx context.Context, record *domain.CallRecord) error
	GetByCallID(ctx context.Context, callID string) (*domain.CallRecord, error)
	History(ctx context.Context, conversationID uuid.UUID, limit, offset int) ([]*domain.CallRecord, error)
}

// PresenceRepository tracks who is reachable and who is in a call.
type PresenceRepository interface {
	SetOnline(ctx context.Context, userID uuid.UUID) error
	Refresh(ctx context.Context, userID uuid.UUID) error
	SetOffline(ctx context.Context, userID uuid.UUID) error
	IsOnline(ctx context.Context, userID uuid.UUID) (bool, error)
	MarkBusy(ctx context.Context, userID uuid.UUID, channelName string) error
	ClearBusy(ctx context.Context, userID uuid.UUID) error
	BusyChannel(ctx context.Context, userID uuid.UUID) (string, error)
}

// TokenRegistry looks up registered push tokens.
type TokenRegistry interface {
	Get(ctx context.Context, userID uuid.UUID) ([]redisrepo.PushToken, error)
}

// Service implements the relay's call bookkeeping around the signaling hub.
type Service struct {
	records   RecordRepository
	presence  PresenceRepository
	tokens    TokenRegistry
	providers map[string]push.Provider
	metrics   *metrics.Metrics
}

// NewService creates a call service. providers maps platform name to push
// provider and may be empty when push is disabled.
func NewService(
	records RecordRepository,
	presence PresenceRepository,
	tokens TokenRegistry,
	providers map[string]push.Provider,
	m *metrics.Metrics,
) *Service {
	return &Service{
		records:   records,
		presence:  presence,
		tokens:    tokens,
		providers: providers,
		metrics:   m,
	}
}

// HandleInitiate processes a new call announcement. It returns busy=true
// when the recipient is already in another call, in which case the hub
// answers the caller with a busy reject instead of forwarding. Otherwise
// both parties are marked busy and an offline recipient gets a push.
func (s *Service) HandleInitiate(ctx context.Context, from uuid.UUID, p *signaling.InitiateCallPayload) (busy bool, err error) {
	channel, err := s.presence.BusyChannel(ctx, p.RecipientID)
	if err != nil {
		// Busy state is advisory; on redis trouble the call goes through
		// and the recipient's own state machine resolves conflicts.
		logger.Warn("busy lookup failed", zap.String("call_id", p.ChannelName), zap.Error(err))
	} else if channel != "" && channel != p.ChannelName {
		return true, nil
	}

	if err := s.presence.MarkBusy(ctx, from, p.ChannelName); err != nil {
		logger.Warn("failed to mark caller busy", zap.Error(err))
	}
	if err := s.presence.MarkBusy(ctx, p.RecipientID, p.ChannelName); err != nil {
		logger.Warn("failed to mark recipient busy", zap.Error(err))
	}

	if s.metrics != nil {
		s.metrics.CallStarted()
	}

	online, err := s.presence.IsOnline(ctx, p.RecipientID)
	if err != nil {
		logger.Warn("presence lookup failed", zap.Error(err))
		online = true // assume reachable rather than double-notify
	}
	if !online {
		s.notifyIncomingCall(ctx, p)
	}

	return false, nil
}

// Connected marks a relay connection as live.
func (s *Service) Connected(ctx context.Context, userID uuid.UUID) {
	if err := s.presence.SetOnline(ctx, userID); err != nil {
		logger.Warn("failed to set presence", zap.String("user_id", userID.String()), zap.Error(err))
	}
}

// Heartbeat refreshes the presence TTL while the connection stays alive.
func (s *Service) Heartbeat(ctx context.Context, userID uuid.UUID) {
	if err := s.presence.Refresh(ctx, userID); err != nil {
		logger.Warn("failed to refresh presence", zap.String("user_id", userID.String()), zap.Error(err))
	}
}

// Disconnected clears the presence marker when the connection drops.
func (s *Service) Disconnected(ctx context.Context, userID uuid.UUID) {
	if err := s.presence.SetOffline(ctx, userID); err != nil {
		logger.Warn("failed to clear presence", zap.String("user_id", userID.String()), zap.Error(err))
	}
}

// HandleEnded clears the busy markers when any terminal signaling event
// passes through the relay.
func (s *Service) HandleEnded(ctx context.Context, participants ...uuid.UUID) {
	for _, id := range participants {
		if id == uuid.Nil {
			continue
		}
		if err := s.presence.ClearBusy(ctx, id); err != nil {
			logger.Warn("failed to clear busy marker", zap.String("user_id", id.String()), zap.Error(err))
		}
	}
}

// SaveRecord persists the finished-call record the caller reported and
// feeds the call metrics.
func (s *Service) SaveRecord(ctx context.Context, record *domain.CallRecord) error {
	if record.CallID == "" {
		return fmt.Errorf("call record without call_id")
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	if err := s.records.Save(ctx, record); err != nil {
		return err
	}

	if s.metrics != nil {
		s.metrics.CallEnded(string(record.CallType), string(record.CallResult),
			time.Duration(record.Duration)*time.Second)
	}

	logger.Info("call record saved",
		zap.String("call_id", record.CallID),
		zap.String("result", string(record.CallResult)),
		zap.Int("duration", record.Duration))
	return nil
}

// History returns the conversation's newest call records.
func (s *Service) History(ctx context.Context, conversationID uuid.UUID, limit, offset int) ([]*domain.CallRecord, error) {
	if limit <= 0 || limit > constants.MaxPageSize {
		limit = constants.DefaultPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return s.records.History(ctx, conversationID, limit, offset)
}

// notifyIncomingCall pushes a ring notification to every registered device
// of the recipient. Best effort: a push failure never blocks signaling.
func (s *Service) notifyIncomingCall(ctx context.Context, p *signaling.InitiateCallPayload) {
	if s.tokens == nil || len(s.providers) == 0 {
		return
	}

	tokens, err := s.tokens.Get(ctx, p.RecipientID)
	if err != nil {
		logger.Warn("push token lookup failed", zap.Error(err))
		return
	}

	body := "Incoming call"
	if p.CallType == string(domain.CallTypeVideo) {
		body = "Incoming video call"
	}
	n := &push.Notification{
		Title:    "Owly",
		Body:     body,
		Sound:    "ringtone.caf",
		Category: "INCOMING_CALL",
		Data: map[string]string{
			"event":       signaling.EventInitiateCall,
			"channelName": p.ChannelName,
			"chatId":      p.ChatID.String(),
			"callerId":    p.CallerID.String(),
			"callType":    p.CallType,
		},
	}

	for _, t := range tokens {
		provider, ok := s.providers[t.Platform]
		if !ok {
			continue
		}
		err := provider.Send(ctx, t.Token, n)
		if s.metrics != nil {
			s.metrics.RecordPush(provider.Name(), err != nil)
		}
		if err != nil {
			logger.Warn("incoming-call push failed",
				zap.String("provider", provider.Name()),
				zap.String("call_id", p.ChannelName),
				zap.Error(err))
		}
	}
}
