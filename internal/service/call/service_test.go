package call

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"owly-callkit/internal/domain"
	redisrepo "owly-callkit/internal/repository/redis"
	"owly-callkit/internal/signaling"
	"owly-callkit/pkg/constants"
	"owly-callkit/pkg/push"
)

type mockRecordRepo struct{ mock.Mock }

func (m *mockRecordRepo) Save(ctx context.Context, record *domain.CallRecord) error {
	return m.Called(ctx, record).Error(0)
}

func (m *mockRecordRepo) GetByCallID(ctx context.Context, callID string) (*domain.CallRecord, error) {
	args := m.Called(ctx, callID)
	if rec := args.Get(0); rec != nil {
		return rec.(*domain.CallRecord), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockRecordRepo) History(ctx context.Context, conversationID uuid.UUID, limit, offset int) ([]*domain.CallRecord, error) {
	args := m.Called(ctx, conversationID, limit, offset)
	if recs := args.Get(0); recs != nil {
		return recs.([]*domain.CallRecord), args.Error(1)
	}
	return nil, args.Error(1)
}

type mockPresenceRepo struct{ mock.Mock }

func (m *mockPresenceRepo) SetOnline(ctx context.Context, userID uuid.UUID) error {
	return m.Called(ctx, userID).Error(0)
}

func (m *mockPresenceRepo) Refresh(ctx context.Context, userID uuid.UUID) error {
	return m.Called(ctx, userID).Error(0)
}

func (m *mockPresenceRepo) SetOffline(ctx context.Context, userID uuid.UUID) error {
	return m.Called(ctx, userID).Error(0)
}

func (m *mockPresenceRepo) IsOnline(ctx context.Context, userID uuid.UUID) (bool, error) {
	args := m.Called(ctx, userID)
	return args.Bool(0), args.Error(1)
}

func (m *mockPresenceRepo) MarkBusy(ctx context.Context, userID uuid.UUID, channelName string) error {
	return m.Called(ctx, userID, channelName).Error(0)
}

func (m *mockPresenceRepo) ClearBusy(ctx context.Context, userID uuid.UUID) error {
	return m.Called(ctx, userID).Error(0)
}

func (m *mockPresenceRepo) BusyChannel(ctx context.Context, userID uuid.UUID) (string, error) {
	args := m.Called(ctx, userID)
	return args.String(0), args.Error(1)
}

type mockTokenRegistry struct{ mock.Mock }

func (m *mockTokenRegistry) Get(ctx context.Context, userID uuid.UUID) ([]redisrepo.PushToken, error) {
	args := m.Called(ctx, userID)
	if tokens := args.Get(0); tokens != nil {
		return tokens.([]redisrepo.PushToken), args.Error(1)
	}
	return nil, args.Error(1)
}

type mockProvider struct {
	mock.Mock
	name string
}

func (m *mockProvider) Name() string { return m.name }

func (m *mockProvider) Send(ctx context.Context, deviceToken string, n *push.Notification) error {
	return m.Called(ctx, deviceToken, n).Error(0)
}

type serviceFixture struct {
	records  *mockRecordRepo
	presence *mockPresenceRepo
	tokens   *mockTokenRegistry
	fcm      *mockProvider
	service  *Service
}

func newFixture() *serviceFixture {
	f := &serviceFixture{
		records:  &mockRecordRepo{},
		presence: &mockPresenceRepo{},
		tokens:   &mockTokenRegistry{},
		fcm:      &mockProvider{name: "fcm"},
	}
	f.service = NewService(f.records, f.presence, f.tokens,
		map[string]push.Provider{push.PlatformFCM: f.fcm}, nil)
	return f
}

func initiatePayload(caller, recipient uuid.UUID) *signaling.InitiateCallPayload {
	return &signaling.InitiateCallPayload{
		ChatID:      uuid.New(),
		ChannelName: "conv-1700000000000",
		CallerID:    caller,
		RecipientID: recipient,
		CallType:    string(domain.CallTypeAudio),
		Timestamp:   time.Now().UnixMilli(),
	}
}

func TestHandleInitiateRecipientFree(t *testing.T) {
	f := newFixture()
	caller, recipient := uuid.New(), uuid.New()
	p := initiatePayload(caller, recipient)

	f.presence.On("BusyChannel", mock.Anything, recipient).Return("", nil)
	f.presence.On("MarkBusy", mock.Anything, caller, p.ChannelName).Return(nil)
	f.presence.On("MarkBusy", mock.Anything, recipient, p.ChannelName).Return(nil)
	f.presence.On("IsOnline", mock.Anything, recipient).Return(true, nil)

	busy, err := f.service.HandleInitiate(context.Background(), caller, p)

	require.NoError(t, err)
	assert.False(t, busy)
	f.presence.AssertExpectations(t)
	f.tokens.AssertNotCalled(t, "Get", mock.Anything, mock.Anything)
}

func TestHandleInitiateRecipientBusy(t *testing.T) {
	f := newFixture()
	caller, recipient := uuid.New(), uuid.New()
	p := initiatePayload(caller, recipient)

	f.presence.On("BusyChannel", mock.Anything, recipient).Return("other-channel", nil)

	busy, err := f.service.HandleInitiate(context.Background(), caller, p)

	require.NoError(t, err)
	assert.True(t, busy)
	f.presence.AssertNotCalled(t, "MarkBusy", mock.Anything, mock.Anything, mock.Anything)
}

func TestHandleInitiateSameChannelIsNotBusy(t *testing.T) {
	// A retried announce for the same call must not bounce off its own
	// busy marker.
	f := newFixture()
	caller, recipient := uuid.New(), uuid.New()
	p := initiatePayload(caller, recipient)

	f.presence.On("BusyChannel", mock.Anything, recipient).Return(p.ChannelName, nil)
	f.presence.On("MarkBusy", mock.Anything, mock.Anything, p.ChannelName).Return(nil).Twice()
	f.presence.On("IsOnline", mock.Anything, recipient).Return(true, nil)

	busy, err := f.service.HandleInitiate(context.Background(), caller, p)

	require.NoError(t, err)
	assert.False(t, busy)
}

func TestHandleInitiateBusyLookupFailureLetsCallThrough(t *testing.T) {
	f := newFixture()
	caller, recipient := uuid.New(), uuid.New()
	p := initiatePayload(caller, recipient)

	f.presence.On("BusyChannel", mock.Anything, recipient).Return("", errors.New("redis down"))
	f.presence.On("MarkBusy", mock.Anything, mock.Anything, p.ChannelName).Return(nil).Twice()
	f.presence.On("IsOnline", mock.Anything, recipient).Return(false, errors.New("redis down"))

	busy, err := f.service.HandleInitiate(context.Background(), caller, p)

	require.NoError(t, err)
	assert.False(t, busy)
	// Unknown presence is treated as online: no speculative push.
	f.tokens.AssertNotCalled(t, "Get", mock.Anything, mock.Anything)
}

func TestHandleInitiatePushesOfflineRecipient(t *testing.T) {
	f := newFixture()
	caller, recipient := uuid.New(), uuid.New()
	p := initiatePayload(caller, recipient)
	p.CallType = string(domain.CallTypeVideo)

	f.presence.On("BusyChannel", mock.Anything, recipient).Return("", nil)
	f.presence.On("MarkBusy", mock.Anything, mock.Anything, p.ChannelName).Return(nil).Twice()
	f.presence.On("IsOnline", mock.Anything, recipient).Return(false, nil)
	f.tokens.On("Get", mock.Anything, recipient).Return([]redisrepo.PushToken{
		{Platform: push.PlatformFCM, Token: "device-token-1"},
		{Platform: "unknown-platform", Token: "ignored"},
	}, nil)
	f.fcm.On("Send", mock.Anything, "device-token-1", mock.MatchedBy(func(n *push.Notification) bool {
		return n.Body == "Incoming video call" &&
			n.Data["channelName"] == p.ChannelName &&
			n.Data["callerId"] == caller.String()
	})).Return(nil)

	busy, err := f.service.HandleInitiate(context.Background(), caller, p)

	require.NoError(t, err)
	assert.False(t, busy)
	f.fcm.AssertNumberOfCalls(t, "Send", 1)
}

func TestHandleInitiatePushFailureIsNonFatal(t *testing.T) {
	f := newFixture()
	caller, recipient := uuid.New(), uuid.New()
	p := initiatePayload(caller, recipient)

	f.presence.On("BusyChannel", mock.Anything, recipient).Return("", nil)
	f.presence.On("MarkBusy", mock.Anything, mock.Anything, p.ChannelName).Return(nil).Twice()
	f.presence.On("IsOnline", mock.Anything, recipient).Return(false, nil)
	f.tokens.On("Get", mock.Anything, recipient).Return([]redisrepo.PushToken{
		{Platform: push.PlatformFCM, Token: "stale-token"},
	}, nil)
	f.fcm.On("Send", mock.Anything, "stale-token", mock.Anything).Return(errors.New("unregistered"))

	busy, err := f.service.HandleInitiate(context.Background(), caller, p)

	require.NoError(t, err)
	assert.False(t, busy)
}

func TestHandleEndedClearsAllParticipants(t *testing.T) {
	f := newFixture()
	a, b := uuid.New(), uuid.New()

	f.presence.On("ClearBusy", mock.Anything, a).Return(nil)
	f.presence.On("ClearBusy", mock.Anything, b).Return(errors.New("redis down"))

	f.service.HandleEnded(context.Background(), a, b, uuid.Nil)

	f.presence.AssertNumberOfCalls(t, "ClearBusy", 2)
}

func TestSaveRecordRequiresCallID(t *testing.T) {
	f := newFixture()

	err := f.service.SaveRecord(context.Background(), &domain.CallRecord{})

	require.Error(t, err)
	f.records.AssertNotCalled(t, "Save", mock.Anything, mock.Anything)
}

func TestSaveRecordDefaultsCreatedAt(t *testing.T) {
	f := newFixture()
	record := &domain.CallRecord{
		CallID:         "conv-1",
		ConversationID: uuid.New(),
		CallType:       domain.CallTypeAudio,
		CallResult:     domain.EndReasonAnswered,
		Duration:       42,
		SenderID:       uuid.New(),
	}
	f.records.On("Save", mock.Anything, record).Return(nil)

	require.NoError(t, f.service.SaveRecord(context.Background(), record))
	assert.False(t, record.CreatedAt.IsZero())
}

func TestSaveRecordPropagatesRepoError(t *testing.T) {
	f := newFixture()
	record := &domain.CallRecord{CallID: "conv-1"}
	f.records.On("Save", mock.Anything, record).Return(errors.New("constraint violation"))

	assert.Error(t, f.service.SaveRecord(context.Background(), record))
}

func TestHistoryClampsPagination(t *testing.T) {
	f := newFixture()
	conversationID := uuid.New()

	f.records.On("History", mock.Anything, conversationID, constants.DefaultPageSize, 0).
		Return([]*domain.CallRecord{}, nil).Times(3)

	_, err := f.service.History(context.Background(), conversationID, 0, -5)
	require.NoError(t, err)
	_, err = f.service.History(context.Background(), conversationID, -1, 0)
	require.NoError(t, err)
	_, err = f.service.History(context.Background(), conversationID, constants.MaxPageSize+1, 0)
	require.NoError(t, err)

	f.records.AssertExpectations(t)
}

func TestHistoryPassesValidPagination(t *testing.T) {
	f := newFixture()
	conversationID := uuid.New()
	want := []*domain.CallRecord{{CallID: "conv-1"}}

	f.records.On("History", mock.Anything, conversationID, 50, 100).Return(want, nil)

	got, err := f.service.History(context.Background(), conversationID, 50, 100)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestPresenceLifecycle(t *testing.T) {
	f := newFixture()
	userID := uuid.New()

	f.presence.On("SetOnline", mock.Anything, userID).Return(nil)
	f.presence.On("Refresh", mock.Anything, userID).Return(nil)
	f.presence.On("SetOffline", mock.Anything, userID).Return(nil)

	f.service.Connected(context.Background(), userID)
	f.service.Heartbeat(context.Background(), userID)
	f.service.Disconnected(context.Background(), userID)

	f.presence.AssertExpectations(t)
}

func TestPresenceErrorsAreSwallowed(t *testing.T) {
	f := newFixture()
	userID := uuid.New()

	f.presence.On("SetOnline", mock.Anything, userID).Return(errors.New("redis down"))
	f.presence.On("SetOffline", mock.Anything, userID).Return(errors.New("redis down"))

	f.service.Connected(context.Background(), userID)
	f.service.Disconnected(context.Background(), userID)
}
