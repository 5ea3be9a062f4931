package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"owly-callkit/pkg/constants"
	apperrors "owly-callkit/pkg/errors"
	"owly-callkit/pkg/logger"
)

// Client is the websocket signaling connection of one endpoint. Outbound
// messages are queued and written by a single write pump; inbound messages
// fan out to subscribers. When the connection drops, all subscription
// channels are closed; consumers treat that as SignalingDisconnected and
// degrade to local-only teardown.
type Client struct {
	conn   *websocket.Conn
	selfID uuid.UUID

	send chan *Message
	done chan struct{}

	listenerMu sync.RWMutex
	listeners  map[chan *Message]struct{}

	closeOnce sync.Once
}

// Dial connects to the relay and starts the read/write pumps. The bearer
// token authenticates the connection; the relay stamps From on every
// outbound message from its authenticated identity.
func Dial(ctx context.Context, relayURL string, selfID uuid.UUID, bearerToken string) (*Client, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+bearerToken)

	dialer := websocket.Dialer{HandshakeTimeout: constants.DefaultTimeout}
	conn, resp, err := dialer.DialContext(ctx, relayURL, header)
	if err != nil {
		if resp != nil {
			return nil, apperrors.SignalingDisconnectedError(fmt.Errorf("dial %s: status %d: %w", relayURL, resp.StatusCode, err))
		}
		return nil, apperrors.SignalingDisconnectedError(fmt.Errorf("dial %s: %w", relayURL, err))
	}

	c := &Client{
		conn:      conn,
		selfID:    selfID,
		send:      make(chan *Message, constants.OutboundQueueSize),
		done:      make(chan struct{}),
		listeners: make(map[chan *Message]struct{}),
	}

	go c.writePump()
	go c.readPump()

	return c, nil
}

// Emit sends one call-control event to the named recipient. It never
// blocks on the network; a full queue or closed connection returns
// SignalingDisconnected.
func (c *Client) Emit(event string, to uuid.UUID, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", event, err)
	}

	msg := &Message{Event: event, From: c.selfID, To: to, Payload: raw}
	select {
	case <-c.done:
		return apperrors.SignalingDisconnectedError(nil)
	case c.send <- msg:
		return nil
	default:
		return apperrors.SignalingDisconnectedError(fmt.Errorf("outbound queue full"))
	}
}

// Subscribe returns a channel of inbound messages and a cancel func.
// The channel is closed when the connection drops or Close is called.
func (c *Client) Subscribe() (ch chan *Message, cancel func()) {
	ch = make(chan *Message, 64)

	c.listenerMu.Lock()
	c.listeners[ch] = struct{}{}
	c.listenerMu.Unlock()

	cancel = func() {
		c.listenerMu.Lock()
		if _, ok := c.listeners[ch]; ok {
			delete(c.listeners, ch)
			close(ch)
		}
		c.listenerMu.Unlock()
	}
	return ch, cancel
}

// Close tears the connection down and closes every subscription channel.
// Safe to call multiple times.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = c.conn.Close()

		c.listenerMu.Lock()
		for ch := range c.listeners {
			close(ch)
		}
		c.listeners = make(map[chan *Message]struct{})
		c.listenerMu.Unlock()
	})
	return nil
}

// readPump reads messages from the relay and fans them out. Exits (and
// closes all subscriptions) on any read error.
func (c *Client) readPump() {
	defer c.Close()

	c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPingInterval * 2))
	c.conn.SetPingHandler(func(appData string) error {
		c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPingInterval * 2))
		return c.conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(constants.WebSocketWriteTimeout))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn("signaling connection lost", zap.Error(err))
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			logger.Warn("invalid signaling message", zap.Error(err))
			continue
		}

		c.listenerMu.RLock()
		for ch := range c.listeners {
			select {
			case ch <- &msg:
			default:
				// Slow consumer: drop rather than stall the read pump.
			}
		}
		c.listenerMu.RUnlock()
	}
}

// writePump serializes all writes onto the connection and keeps it alive
// with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(constants.WebSocketPingInterval / 2)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteTimeout))
			if err := c.conn.WriteJSON(msg); err != nil {
				logger.Warn("signaling write failed", zap.String("event", msg.Event), zap.Error(err))
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
