// Package ws is the signaling relay: one authenticated websocket per user,
// call-control events routed to their recipient, with redis pub/sub
// carrying messages across relay instances.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"owly-callkit/internal/domain"
	callservice "owly-callkit/internal/service/call"
	"owly-callkit/internal/signaling"
	"owly-callkit/pkg/constants"
	"owly-callkit/pkg/logger"
	"owly-callkit/pkg/metrics"
)

// RelayHub routes signaling messages between connected users. Each user
// has at most one live connection; a new connection replaces the old one.
type RelayHub struct {
	service *callservice.Service
	redis   *redis.Client
	metrics *metrics.Metrics

	mu      sync.RWMutex
	clients map[uuid.UUID]*relayClient
	cancels map[uuid.UUID]context.CancelFunc

	// Concurrency limit on websocket connections.
	maxConnections int
	semaphore      chan struct{}
}

type relayClient struct {
	hub    *RelayHub
	conn   *websocket.Conn
	send   chan []byte
	userID uuid.UUID

	closeOnce sync.Once
}

var relayUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Auth happens before the upgrade; cross-origin dials are fine.
		return true
	},
}

// NewRelayHub creates a relay hub.
func NewRelayHub(service *callservice.Service, redisClient *redis.Client, m *metrics.Metrics, maxConnections int) *RelayHub {
	if maxConnections <= 0 {
		maxConnections = constants.MaxSignalingConnections
	}
	return &RelayHub{
		service:        service,
		redis:          redisClient,
		metrics:        m,
		clients:        make(map[uuid.UUID]*relayClient),
		cancels:        make(map[uuid.UUID]context.CancelFunc),
		maxConnections: maxConnections,
		semaphore:      make(chan struct{}, maxConnections),
	}
}

// ServeWS upgrades an authenticated request to a signaling connection.
// The auth middleware has already put user_id into the gin context.
func (h *RelayHub) ServeWS(c *gin.Context) {
	select {
	case h.semaphore <- struct{}{}:
	default:
		logger.Warn("signaling connection rejected: at capacity",
			zap.Int("max_connections", h.maxConnections))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Server at capacity, please try again later"})
		return
	}
	release := func() { <-h.semaphore }

	userIDVal, exists := c.Get("user_id")
	if !exists {
		release()
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	userID, ok := userIDVal.(uuid.UUID)
	if !ok {
		release()
		c.JSON(http.StatusInternalServerError, gin.H{"error": "invalid user_id"})
		return
	}

	conn, err := relayUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		release()
		logger.Warn("websocket upgrade failed",
			zap.String("user_id", userID.String()),
			zap.Error(err))
		return
	}

	client := &relayClient{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, constants.OutboundQueueSize),
		userID: userID,
	}
	h.register(client)

	go func() {
		defer release()
		client.readPump()
	}()
	go client.writePump()
}

func (h *RelayHub) register(client *relayClient) {
	h.mu.Lock()
	if old, ok := h.clients[client.userID]; ok {
		// Same user reconnecting: the replaced connection's unregister will
		// see it is no longer current and skip presence/metrics.
		old.close()
		if h.metrics != nil {
			h.metrics.ConnectionClosed()
		}
	}
	if cancel, ok := h.cancels[client.userID]; ok {
		cancel()
	}
	h.clients[client.userID] = client

	ctx, cancel := context.WithCancel(context.Background())
	h.cancels[client.userID] = cancel
	go h.subscribeUser(ctx, client.userID)
	h.mu.Unlock()

	h.service.Connected(context.Background(), client.userID)
	if h.metrics != nil {
		h.metrics.ConnectionOpened()
	}
	logger.Info("signaling client connected", zap.String("user_id", client.userID.String()))
}

func (h *RelayHub) unregister(client *relayClient) {
	h.mu.Lock()
	removed := h.clients[client.userID] == client
	if removed {
		delete(h.clients, client.userID)
		if cancel, ok := h.cancels[client.userID]; ok {
			cancel()
			delete(h.cancels, client.userID)
		}
	}
	h.mu.Unlock()
	client.close()

	if !removed {
		return
	}
	h.service.Disconnected(context.Background(), client.userID)
	if h.metrics != nil {
		h.metrics.ConnectionClosed()
	}
	logger.Info("signaling client disconnected", zap.String("user_id", client.userID.String()))
}

// route processes one message from an authenticated sender. From is always
// overwritten with the sender's identity; clients cannot spoof each other.
func (h *RelayHub) route(sender uuid.UUID, msg *signaling.Message) {
	msg.From = sender
	if h.metrics != nil {
		h.metrics.RecordSignalingMessage(msg.Event, "inbound")
	}

	ctx, cancel := context.WithTimeout(context.Background(), constants.WebSocketWriteTimeout)
	defer cancel()

	switch msg.Event {
	case signaling.EventInitiateCall:
		var p signaling.InitiateCallPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil || p.RecipientID == uuid.Nil {
			h.recordError("malformed_payload")
			return
		}
		busy, _ := h.service.HandleInitiate(ctx, sender, &p)
		if busy {
			h.rejectBusy(sender, &p)
			return
		}
		h.deliver(p.RecipientID, msg)

	case signaling.EventEndCall:
		var p signaling.EndCallPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			h.recordError("malformed_payload")
			return
		}
		h.service.HandleEnded(ctx, sender, msg.To)
		// The peer hears call:ended, whatever the sender called it.
		h.deliverEvent(msg.To, sender, signaling.EventCallEnded, signaling.CallEndedPayload{
			ConversationID: p.ChatID,
			ChannelName:    p.ChannelName,
		})

	case signaling.EventCallRejected, signaling.EventCancelCall:
		h.service.HandleEnded(ctx, sender, msg.To)
		h.deliver(msg.To, msg)

	case signaling.EventCallMessage:
		var p signaling.CallMessagePayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			h.recordError("malformed_payload")
			return
		}
		if err := h.service.SaveRecord(ctx, recordFromPayload(sender, &p)); err != nil {
			logger.Error("failed to persist call record",
				zap.String("call_id", p.CallID),
				zap.Error(err))
		}
		h.deliver(msg.To, msg)

	default:
		// call-accepted, call-negotiation, upgrade and screen-share events
		// pass through untouched.
		h.deliver(msg.To, msg)
	}
}

// rejectBusy answers the caller on behalf of a callee who is already in a
// call; the callee never hears about it.
func (h *RelayHub) rejectBusy(caller uuid.UUID, p *signaling.InitiateCallPayload) {
	logger.Info("call rejected busy",
		zap.String("call_id", p.ChannelName),
		zap.String("recipient", p.RecipientID.String()))
	h.deliverEvent(caller, p.RecipientID, signaling.EventCallRejected, signaling.CallRejectedPayload{
		ChannelName: p.ChannelName,
		Reason:      "busy",
	})
}

func (h *RelayHub) deliverEvent(to, from uuid.UUID, event string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		h.recordError("marshal")
		return
	}
	h.deliver(to, &signaling.Message{Event: event, From: from, To: to, Payload: raw})
}

// deliver sends a message to the recipient: directly when connected here,
// via redis pub/sub when connected to another relay instance.
func (h *RelayHub) deliver(to uuid.UUID, msg *signaling.Message) {
	if to == uuid.Nil {
		h.recordError("no_recipient")
		return
	}

	data, err := json.Marshal(msg)
	if err != nil {
		h.recordError("marshal")
		return
	}

	h.mu.RLock()
	client, local := h.clients[to]
	h.mu.RUnlock()

	if local {
		select {
		case client.send <- data:
			if h.metrics != nil {
				h.metrics.RecordSignalingMessage(msg.Event, "outbound")
			}
		default:
			// Slow consumer: drop the connection, not the hub.
			h.recordError("slow_consumer")
			h.unregister(client)
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), constants.WebSocketWriteTimeout)
	defer cancel()
	if err := h.redis.Publish(ctx, userChannel(to), data).Err(); err != nil {
		h.recordError("redis_publish")
		logger.Warn("failed to publish signaling message",
			zap.String("event", msg.Event),
			zap.String("to", to.String()),
			zap.Error(err))
	}
}

// subscribeUser forwards messages published for this user on other relay
// instances to the local connection.
func (h *RelayHub) subscribeUser(ctx context.Context, userID uuid.UUID) {
	pubsub := h.redis.Subscribe(ctx, userChannel(userID))
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		if ctx.Err() == nil {
			logger.Error("failed to subscribe to user channel",
				zap.String("user_id", userID.String()),
				zap.Error(err))
		}
		return
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-ch:
			if m == nil {
				continue
			}
			h.mu.RLock()
			client, ok := h.clients[userID]
			h.mu.RUnlock()
			if !ok {
				continue
			}
			select {
			case client.send <- []byte(m.Payload):
			default:
				h.recordError("slow_consumer")
			}
		}
	}
}

func (h *RelayHub) recordError(kind string) {
	if h.metrics != nil {
		h.metrics.RecordSignalingError(kind)
	}
}

func userChannel(userID uuid.UUID) string {
	return fmt.Sprintf("signal:user:%s", userID)
}

func recordFromPayload(sender uuid.UUID, p *signaling.CallMessagePayload) *domain.CallRecord {
	return &domain.CallRecord{
		ConversationID: p.ChatID,
		CallID:         p.CallID,
		CallType:       domain.CallType(p.CallType),
		CallResult:     domain.EndReason(p.CallResult),
		Duration:       p.Duration,
		SenderID:       sender,
		CreatedAt:      time.Now().UTC(),
	}
}

func (c *relayClient) close() {
	c.closeOnce.Do(func() {
		close(c.send)
		_ = c.conn.Close()
	})
}

// readPump reads client messages and routes them. Pong responses double as
// presence heartbeats.
func (c *relayClient) readPump() {
	defer c.hub.unregister(c)

	c.conn.SetReadLimit(64 << 10)
	c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPingInterval * 2))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPingInterval * 2))
		c.hub.service.Heartbeat(context.Background(), c.userID)
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug("signaling connection closed",
					zap.String("user_id", c.userID.String()),
					zap.Error(err))
			}
			return
		}

		var msg signaling.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.hub.recordError("malformed_message")
			logger.Warn("invalid signaling message",
				zap.String("user_id", c.userID.String()),
				zap.Error(err))
			continue
		}

		c.hub.route(c.userID, &msg)
	}
}

// writePump serializes writes and keeps the connection alive with pings.
func (c *relayClient) writePump() {
	ticker := time.NewTicker(constants.WebSocketPingInterval / 2)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteTimeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
