package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppErrorMessage(t *testing.T) {
	err := New(ErrCodeInternal, "something broke")
	assert.Equal(t, "INTERNAL_ERROR: something broke", err.Error())

	wrapped := Wrap(ErrCodeDatabase, "query failed", errors.New("timeout"))
	assert.Equal(t, "DATABASE_ERROR: query failed (caused by: timeout)", wrapped.Error())
}

func TestUnwrapPreservesCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := TokenFetchFailedError(cause)

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, cause, errors.Unwrap(err))
}

func TestIsCode(t *testing.T) {
	err := CallInProgressError()
	assert.True(t, IsCode(err, ErrCodeCallInProgress))
	assert.False(t, IsCode(err, ErrCodeCallNotFound))

	// Through fmt wrapping layers.
	layered := fmt.Errorf("start call: %w", err)
	assert.True(t, IsCode(layered, ErrCodeCallInProgress))

	assert.False(t, IsCode(errors.New("plain"), ErrCodeCallInProgress))
	assert.False(t, IsCode(nil, ErrCodeCallInProgress))
}

func TestGetAppError(t *testing.T) {
	original := InvalidStateError("cannot accept in state calling")
	extracted := GetAppError(fmt.Errorf("accept: %w", original))
	require.Same(t, original, extracted)

	fallback := GetAppError(errors.New("boom"))
	assert.Equal(t, ErrCodeInternal, fallback.Code)
	assert.Equal(t, "boom", fallback.Message)
}

func TestConstructorStatusCodes(t *testing.T) {
	tests := []struct {
		err    *AppError
		code   ErrorCode
		status int
	}{
		{PermissionDeniedError("camera"), ErrCodePermissionDenied, http.StatusForbidden},
		{DeviceNotFoundError("microphone"), ErrCodeDeviceNotFound, http.StatusNotFound},
		{DeviceInUseError("camera"), ErrCodeDeviceInUse, http.StatusConflict},
		{SignalingDisconnectedError(nil), ErrCodeSignalingDisconnected, http.StatusBadGateway},
		{TransportJoinFailedError(nil), ErrCodeTransportJoinFailed, http.StatusBadGateway},
		{CallNotFoundError(), ErrCodeCallNotFound, http.StatusNotFound},
		{CallInProgressError(), ErrCodeCallInProgress, http.StatusConflict},
		{ValidationError("bad input"), ErrCodeValidation, http.StatusBadRequest},
		{UnauthorizedError("no token"), ErrCodeUnauthorized, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.code, tt.err.Code)
		assert.Equal(t, tt.status, tt.err.StatusCode, string(tt.code))
	}
}

func TestWithDetails(t *testing.T) {
	err := ValidationError("missing field").WithDetails(map[string]string{"field": "channelName"})
	assert.Equal(t, map[string]string{"field": "channelName"}, err.Details)
}
