// Package report turns a terminated call session into the persisted
// "call happened" chat entry, emitted once over the signaling channel.
package report

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"owly-callkit/internal/domain"
	"owly-callkit/internal/signaling"
	"owly-callkit/pkg/logger"
)

// Emitter is the slice of the signaling client the reporter needs.
type Emitter interface {
	Emit(event string, to uuid.UUID, payload any) error
}

// Reporter emits exactly one call-message per callId, however many
// teardown triggers fire for the same session.
type Reporter struct {
	emitter Emitter
	selfID  uuid.UUID

	mu       sync.Mutex
	reported map[string]struct{}
}

// New creates a Reporter emitting on behalf of selfID.
func New(emitter Emitter, selfID uuid.UUID) *Reporter {
	return &Reporter{
		emitter:  emitter,
		selfID:   selfID,
		reported: make(map[string]struct{}),
	}
}

// Report builds the CallRecord for a terminal session and emits it as a
// call-message. Duplicate calls for the same callId are silent no-ops.
// Emission is best effort: a disconnected signaling channel does not
// resurrect the teardown path.
func (r *Reporter) Report(sess *domain.CallSession) {
	if sess == nil || !sess.Terminal() {
		return
	}

	r.mu.Lock()
	if _, done := r.reported[sess.CallID]; done {
		r.mu.Unlock()
		return
	}
	r.reported[sess.CallID] = struct{}{}
	r.mu.Unlock()

	record := domain.CallRecord{
		ConversationID: sess.ConversationID,
		CallID:         sess.CallID,
		CallType:       sess.CallType,
		CallResult:     sess.EndReason,
		Duration:       int(sess.Duration(time.Now()).Seconds()),
		SenderID:       r.selfID,
		CreatedAt:      time.Now().UTC(),
	}

	payload := signaling.CallMessagePayload{
		ChatID:     record.ConversationID,
		CallID:     record.CallID,
		CallType:   string(record.CallType),
		CallResult: string(record.CallResult),
		Duration:   record.Duration,
		SenderID:   record.SenderID,
	}

	peer := sess.RecipientID
	if sess.Role == domain.RoleCallee {
		peer = sess.CallerID
	}

	if err := r.emitter.Emit(signaling.EventCallMessage, peer, payload); err != nil {
		logger.Warn("call record emission failed",
			zap.String("call_id", sess.CallID),
			zap.Error(err))
		return
	}

	logger.Info("call record reported",
		zap.String("call_id", sess.CallID),
		zap.String("result", string(record.CallResult)),
		zap.Int("duration", record.Duration))
}

// Forget drops the reported marker for a callId. Only the manager calls
// this, after the session object itself is discarded.
func (r *Reporter) Forget(callID string) {
	r.mu.Lock()
	delete(r.reported, callID)
	r.mu.Unlock()
}

// Label renders the chat-entry text for a call record.
func Label(result domain.EndReason, duration int) string {
	switch result {
	case domain.EndReasonAnswered:
		return fmt.Sprintf("Call (%d:%02d)", duration/60, duration%60)
	case domain.EndReasonMissed:
		return "Missed call"
	case domain.EndReasonRejected:
		return "Call declined"
	case domain.EndReasonCancelled:
		return "Call cancelled"
	case domain.EndReasonNetworkFailure:
		return "Call failed"
	default:
		return "Call"
	}
}
