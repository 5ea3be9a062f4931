package push

import (
	"context"
	"fmt"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"owly-callkit/pkg/logger"
)

// FCMProvider sends notifications through Firebase Cloud Messaging.
type FCMProvider struct {
	client *messaging.Client
}

// NewFCMProvider initializes the Firebase app from a service-account
// credentials file.
func NewFCMProvider(ctx context.Context, credentialsFile string) (*FCMProvider, error) {
	if credentialsFile == "" {
		return nil, fmt.Errorf("FCM credentials file is required")
	}

	app, err := firebase.NewApp(ctx, nil, option.WithCredentialsFile(credentialsFile))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Firebase app: %w", err)
	}

	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get messaging client: %w", err)
	}

	logger.Info("FCM provider initialized")
	return &FCMProvider{client: client}, nil
}

func (f *FCMProvider) Name() string { return PlatformFCM }

// Send delivers one notification to one device token. Incoming-call pushes
// go out with high priority so the device wakes up to ring.
func (f *FCMProvider) Send(ctx context.Context, deviceToken string, n *Notification) error {
	msg := &messaging.Message{
		Token: deviceToken,
		Notification: &messaging.Notification{
			Title: n.Title,
			Body:  n.Body,
		},
		Data: n.Data,
		Android: &messaging.AndroidConfig{
			Priority: "high",
		},
	}
	if n.Sound != "" {
		msg.Android.Notification = &messaging.AndroidNotification{Sound: n.Sound}
	}

	id, err := f.client.Send(ctx, msg)
	if err != nil {
		return fmt.Errorf("fcm send failed: %w", err)
	}

	logger.Debug("fcm notification sent", zap.String("message_id", id))
	return nil
}
