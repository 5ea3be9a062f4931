package device

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	apperrors "owly-callkit/pkg/errors"
)

func TestClassifyCaptureErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want apperrors.ErrorCode
	}{
		{"permission denied", errors.New("Permission denied by system"), apperrors.ErrCodePermissionDenied},
		{"access denied", errors.New("access to camera was denied"), apperrors.ErrCodePermissionDenied},
		{"device busy", errors.New("device or resource busy"), apperrors.ErrCodeDeviceInUse},
		{"in use", errors.New("camera already in use"), apperrors.ErrCodeDeviceInUse},
		{"not found", errors.New("device not found"), apperrors.ErrCodeDeviceNotFound},
		{"no device", errors.New("no device matched the constraints"), apperrors.ErrCodeDeviceNotFound},
		{"driver lookup", errors.New("failed to find the best driver"), apperrors.ErrCodeDeviceNotFound},
		{"no track produced", errNoTrack, apperrors.ErrCodeDeviceNotFound},
		{"unknown", errors.New("ioctl VIDIOC_S_FMT: invalid argument"), apperrors.ErrCodeDeviceNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classify("camera", tt.err)
			assert.True(t, apperrors.IsCode(got, tt.want), "got %v", got)
		})
	}
}

func TestClassifyKeepsCauseForUnknownErrors(t *testing.T) {
	cause := errors.New("ioctl failed")
	got := classify("microphone", cause)
	assert.ErrorIs(t, got, cause)
}

func TestTrackSetTracks(t *testing.T) {
	var nilSet *TrackSet
	assert.Nil(t, nilSet.Tracks())
	assert.Empty(t, (&TrackSet{}).Tracks())
}
