package push

import (
	"context"
	"fmt"

	"github.com/sideshow/apns2"
	apnspayload "github.com/sideshow/apns2/payload"
	apnstoken "github.com/sideshow/apns2/token"

	"owly-callkit/pkg/logger"
)

// APNsProvider sends notifications through the Apple Push Notification
// Service using token-based authentication.
type APNsProvider struct {
	client *apns2.Client
	topic  string
}

// APNsConfig holds the .p8 key credentials and the app bundle topic.
type APNsConfig struct {
	KeyFile    string
	KeyID      string
	TeamID     string
	Topic      string
	Production bool
}

// NewAPNsProvider creates an APNs provider.
func NewAPNsProvider(cfg APNsConfig) (*APNsProvider, error) {
	if cfg.KeyFile == "" || cfg.KeyID == "" || cfg.TeamID == "" || cfg.Topic == "" {
		return nil, fmt.Errorf("APNs key file, key id, team id and topic are all required")
	}

	authKey, err := apnstoken.AuthKeyFromFile(cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load APNs key: %w", err)
	}

	client := apns2.NewTokenClient(&apnstoken.Token{
		AuthKey: authKey,
		KeyID:   cfg.KeyID,
		TeamID:  cfg.TeamID,
	})
	if cfg.Production {
		client = client.Production()
	} else {
		client = client.Development()
	}

	logger.Info("APNs provider initialized")
	return &APNsProvider{client: client, topic: cfg.Topic}, nil
}

func (a *APNsProvider) Name() string { return PlatformAPNs }

// Send delivers one notification to one device token.
func (a *APNsProvider) Send(ctx context.Context, deviceToken string, n *Notification) error {
	p := apnspayload.NewPayload().
		AlertTitle(n.Title).
		AlertBody(n.Body)
	if n.Sound != "" {
		p = p.Sound(n.Sound)
	}
	if n.Category != "" {
		p = p.Category(n.Category)
	}
	for k, v := range n.Data {
		p = p.Custom(k, v)
	}

	notification := &apns2.Notification{
		DeviceToken: deviceToken,
		Topic:       a.topic,
		Priority:    apns2.PriorityHigh,
		Payload:     p,
	}

	res, err := a.client.PushWithContext(ctx, notification)
	if err != nil {
		return fmt.Errorf("apns push failed: %w", err)
	}
	if !res.Sent() {
		return fmt.Errorf("apns rejected push: %d %s", res.StatusCode, res.Reason)
	}

	logger.Debug("apns notification sent")
	return nil
}
