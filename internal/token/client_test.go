package token

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "owly-callkit/pkg/errors"
)

func TestFetchSuccess(t *testing.T) {
	var gotAuth, gotChannel string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/agora/generate-token", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")

		var req struct {
			ChannelName string `json:"channelName"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		gotChannel = req.ChannelName

		json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"token":   "signed-token",
			"uid":     uint32(4242),
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, "access-jwt")
	creds, err := client.Fetch(context.Background(), "conv-1-1700000000000")

	require.NoError(t, err)
	assert.Equal(t, "signed-token", creds.Token)
	assert.Equal(t, uint32(4242), creds.UID)
	assert.Equal(t, "Bearer access-jwt", gotAuth)
	assert.Equal(t, "conv-1-1700000000000", gotChannel)
}

func TestFetchNon2xxStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	client := NewClient(server.URL, "")
	creds, err := client.Fetch(context.Background(), "conv")

	assert.Nil(t, creds)
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeTokenFetchFailed))
}

func TestFetchFailureBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"success": false})
	}))
	defer server.Close()

	client := NewClient(server.URL, "")
	_, err := client.Fetch(context.Background(), "conv")

	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeTokenFetchFailed))
}

func TestFetchConnectionRefused(t *testing.T) {
	// Reserve a port, then close it so nothing is listening.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	client := NewClient(url, "")
	_, err := client.Fetch(context.Background(), "conv")

	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeTokenFetchFailed))
}

func TestFetchContextCancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := NewClient(server.URL, "")
	_, err := client.Fetch(ctx, "conv")

	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeTokenFetchFailed))
}
