// Package push delivers incoming-call notifications to devices that have
// no live signaling connection.
package push

import (
	"context"
)

// Platform names match the token registry's platform field.
const (
	PlatformFCM  = "fcm"
	PlatformAPNs = "apns"
)

// Notification is a provider-agnostic push payload.
type Notification struct {
	Title    string            `json:"title"`
	Body     string            `json:"body"`
	Data     map[string]string `json:"data,omitempty"`
	Sound    string            `json:"sound,omitempty"`
	Category string            `json:"category,omitempty"`
}

// Provider sends one notification to one device token.
type Provider interface {
	Name() string
	Send(ctx context.Context, deviceToken string, n *Notification) error
}
