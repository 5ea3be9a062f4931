// Package token fetches media-channel join credentials from the REST
// endpoint before joining the transport.
package token

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"owly-callkit/pkg/constants"
	apperrors "owly-callkit/pkg/errors"
)

// Credentials authorize joining one media channel as one transport uid.
type Credentials struct {
	Token string
	UID   uint32
}

// Fetcher is the contract the session state machine depends on.
type Fetcher interface {
	Fetch(ctx context.Context, channelName string) (*Credentials, error)
}

// Client calls POST {baseURL}/agora/generate-token. A failure is surfaced
// immediately as TokenFetchFailed; one attempt, no retry storms.
type Client struct {
	baseURL    string
	authToken  string
	httpClient *http.Client
}

// NewClient creates a token client against the given API base URL.
func NewClient(baseURL, authToken string) *Client {
	return &Client{
		baseURL:    baseURL,
		authToken:  authToken,
		httpClient: &http.Client{Timeout: constants.TokenRequestTimeout},
	}
}

type tokenRequest struct {
	ChannelName string `json:"channelName"`
}

type tokenResponse struct {
	Success bool   `json:"success"`
	Token   string `json:"token"`
	UID     uint32 `json:"uid"`
}

// Fetch requests join credentials for the named channel.
func (c *Client) Fetch(ctx context.Context, channelName string) (*Credentials, error) {
	body, err := json.Marshal(tokenRequest{ChannelName: channelName})
	if err != nil {
		return nil, apperrors.TokenFetchFailedError(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/agora/generate-token", bytes.NewReader(body))
	if err != nil {
		return nil, apperrors.TokenFetchFailedError(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperrors.TokenFetchFailedError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, apperrors.TokenFetchFailedError(fmt.Errorf("token endpoint returned %d", resp.StatusCode))
	}

	var out tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, apperrors.TokenFetchFailedError(err)
	}
	if !out.Success || out.Token == "" {
		return nil, apperrors.TokenFetchFailedError(fmt.Errorf("token endpoint reported failure"))
	}

	return &Credentials{Token: out.Token, UID: out.UID}, nil
}
