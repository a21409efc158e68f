package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/jamesenki/shadowcore/internal/events"
	"github.com/jamesenki/shadowcore/internal/infrastructure/config"
	"github.com/jamesenki/shadowcore/internal/infrastructure/logging"
	"github.com/jamesenki/shadowcore/internal/shadow"
)

// WebSocket message types.
const (
	WSTypeSubscribe   = "subscribe"
	WSTypeUnsubscribe = "unsubscribe"
	WSTypePing        = "ping"
	WSTypePong        = "pong"
	WSTypeEvent       = "event"
	WSTypeResponse    = "response"
	WSTypeError       = "error"

	// wsSendBufferSize is the per-client outbound message buffer size.
	wsSendBufferSize = 256
)

// WebSocket client errors, surfaced to the connection registry so it can
// count failed deliveries.
var (
	errClientClosed = errors.New("api: websocket client closed")
	errClientSlow   = errors.New("api: websocket send buffer full")
)

// WSMessage represents a message sent to/from a WebSocket client.
type WSMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	EventType string `json:"event_type,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// WSSubscribePayload is the payload for subscribe/unsubscribe messages.
//
// Devices are per-device subscriptions partitioned by connection type
// ("state" when omitted); Topics follow lifecycle topics such as
// "shadow.deleted" regardless of device.
type WSSubscribePayload struct {
	Devices []string `json:"devices,omitempty"`
	Topics  []string `json:"topics,omitempty"`
	Type    string   `json:"type,omitempty"`
}

// upgrader configures the WebSocket upgrader.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		// Origin checking is handled by CORS middleware
		return true
	},
}

// WSClient represents a connected WebSocket client.
//
// It implements events.Conn so the connection registry can deliver
// broadcasts to it without knowing about WebSockets.
type WSClient struct {
	id       string
	conn     *websocket.Conn
	send     chan []byte
	done     chan struct{}
	once     sync.Once
	registry *events.Registry
	logger   *logging.Logger
}

// ID returns the registry-unique connection identifier.
func (c *WSClient) ID() string { return c.id }

// Send queues one message for delivery. It never blocks: a closed client
// or a full buffer returns an error and the message is dropped.
func (c *WSClient) Send(message []byte) error {
	select {
	case <-c.done:
		return errClientClosed
	default:
	}

	select {
	case c.send <- message:
		return nil
	default:
		return errClientSlow
	}
}

// Close tears down the connection. Safe to call more than once.
func (c *WSClient) Close() error {
	c.once.Do(func() {
		close(c.done)
		//nolint:errcheck // Best-effort close; connection may already be gone
		c.conn.Close()
	})
	return nil
}

// handleWebSocket upgrades the HTTP connection and registers the client
// with the connection registry. Clients start with no subscriptions and
// add them with subscribe messages.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &WSClient{
		id:       uuid.NewString(),
		conn:     conn,
		send:     make(chan []byte, wsSendBufferSize),
		done:     make(chan struct{}),
		registry: s.registry,
		logger:   s.logger,
	}

	if err := s.registry.Connect(client); err != nil {
		s.logger.Error("websocket registration failed", "error", err)
		//nolint:errcheck // Best-effort close on registration failure
		conn.Close()
		return
	}

	s.logger.Debug("websocket client connected",
		"conn_id", client.id,
		"clients", s.registry.ConnectionCount(),
	)

	go client.writePump(s.wsCfg)
	go client.readPump(s.wsCfg)
}

// readPump reads messages from the WebSocket connection. On exit the
// client is removed from the registry, which cancels every subscription
// it holds.
func (c *WSClient) readPump(cfg config.WebSocketConfig) {
	defer func() {
		c.registry.Disconnect(c.id)
	}()

	c.conn.SetReadLimit(int64(cfg.MaxMessageSize))
	pingInterval := time.Duration(cfg.PingInterval) * time.Second
	pongWait := time.Duration(cfg.PongTimeout) * time.Second
	//nolint:errcheck // Best-effort deadline on connection setup
	c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("websocket read error", "conn_id", c.id, "error", err)
			} else {
				c.logger.Debug("websocket closed", "conn_id", c.id)
			}
			return
		}
		// Any client message resets the read deadline (keeps connection
		// alive even if the client doesn't answer protocol-level pings).
		//nolint:errcheck // Best-effort deadline reset
		c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
		c.handleMessage(message)
	}
}

// writePump writes queued messages to the WebSocket connection and sends
// periodic protocol pings.
func (c *WSClient) writePump(cfg config.WebSocketConfig) {
	pingInterval := time.Duration(cfg.PingInterval) * time.Second
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		//nolint:errcheck // Best-effort close on pump exit
		c.Close()
	}()

	writeWait := time.Duration(cfg.PongTimeout) * time.Second

	for {
		select {
		case message := <-c.send:
			//nolint:errcheck // Best-effort deadline; write error caught below
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-c.done:
			//nolint:errcheck // Best-effort close message
			c.conn.WriteMessage(websocket.CloseMessage, nil)
			return
		case <-ticker.C:
			//nolint:errcheck // Best-effort deadline; ping error caught below
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage processes an incoming WebSocket message.
func (c *WSClient) handleMessage(data []byte) {
	var msg WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.sendError("", "invalid JSON message")
		return
	}

	switch msg.Type {
	case WSTypeSubscribe:
		c.handleSubscribe(msg)
	case WSTypeUnsubscribe:
		c.handleUnsubscribe(msg)
	case WSTypePing:
		c.sendResponse(msg.ID, WSTypePong, nil)
	default:
		c.sendError(msg.ID, "unknown message type: "+msg.Type)
	}
}

// handleSubscribe registers device and topic subscriptions with the
// connection registry.
func (c *WSClient) handleSubscribe(msg WSMessage) {
	sub, ok := c.decodeSubscribePayload(msg)
	if !ok {
		return
	}

	for _, deviceID := range sub.Devices {
		if err := c.registry.SubscribeDevice(c.id, deviceID, sub.Type); err != nil {
			c.sendError(msg.ID, err.Error())
			return
		}
	}
	for _, topic := range sub.Topics {
		if err := c.registry.SubscribeTopic(c.id, topic); err != nil {
			c.sendError(msg.ID, err.Error())
			return
		}
	}

	c.sendResponse(msg.ID, WSTypeResponse, map[string]any{
		"subscribed_devices": sub.Devices,
		"subscribed_topics":  sub.Topics,
	})
}

// handleUnsubscribe removes device and topic subscriptions.
func (c *WSClient) handleUnsubscribe(msg WSMessage) {
	sub, ok := c.decodeSubscribePayload(msg)
	if !ok {
		return
	}

	for _, deviceID := range sub.Devices {
		c.registry.UnsubscribeDevice(c.id, deviceID, sub.Type)
	}
	for _, topic := range sub.Topics {
		c.registry.UnsubscribeTopic(c.id, topic)
	}

	c.sendResponse(msg.ID, WSTypeResponse, map[string]any{
		"unsubscribed_devices": sub.Devices,
		"unsubscribed_topics":  sub.Topics,
	})
}

// decodeSubscribePayload extracts a WSSubscribePayload from a message,
// sending an error response on failure.
func (c *WSClient) decodeSubscribePayload(msg WSMessage) (WSSubscribePayload, bool) {
	payloadBytes, err := json.Marshal(msg.Payload)
	if err != nil {
		c.sendError(msg.ID, "invalid payload")
		return WSSubscribePayload{}, false
	}

	var sub WSSubscribePayload
	if err := json.Unmarshal(payloadBytes, &sub); err != nil {
		c.sendError(msg.ID, "invalid subscribe payload")
		return WSSubscribePayload{}, false
	}
	return sub, true
}

// sendResponse sends a response message to the client, best effort.
func (c *WSClient) sendResponse(id, msgType string, payload any) {
	msg := WSMessage{
		Type:      msgType,
		ID:        id,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	//nolint:errcheck // Best-effort delivery; slow clients drop messages
	c.Send(data)
}

// sendError sends an error message to the client.
func (c *WSClient) sendError(id, message string) {
	c.sendResponse(id, WSTypeError, map[string]string{"message": message})
}

// subscribeShadowEvents wires the internal event bus to WebSocket fan-out
// and telemetry. Each lifecycle event is relayed to clients following the
// device and clients following the topic; updates additionally feed the
// time-series backends.
func (s *Server) subscribeShadowEvents() {
	for _, topic := range []string{shadow.TopicCreated, shadow.TopicUpdated, shadow.TopicDeleted} {
		sub := s.bus.Subscribe(topic, s.relayShadowEvent)
		s.subs = append(s.subs, sub)
	}
}

// relayShadowEvent broadcasts one shadow lifecycle event to WebSocket
// subscribers and forwards reported telemetry to the time-series sinks.
func (s *Server) relayShadowEvent(topic string, payload any) {
	ev, ok := payload.(shadow.Event)
	if !ok {
		s.logger.Warn("unexpected event payload on shadow topic", "topic", topic)
		return
	}

	msg := WSMessage{
		Type:      WSTypeEvent,
		EventType: topic,
		Timestamp: ev.Timestamp.UTC().Format(time.RFC3339),
		Payload:   ev,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error("failed to marshal shadow event", "error", err)
		return
	}

	sent := s.registry.BroadcastToDevice(ev.DeviceID, data, events.ConnTypeState)
	sent += s.registry.BroadcastToTopic(topic, data)
	if sent > 0 {
		s.logger.Debug("shadow event broadcast",
			"topic", topic,
			"device_id", ev.DeviceID,
			"recipients", sent,
		)
	}

	if topic != shadow.TopicDeleted {
		s.recordTelemetry(ev)
	}
}

// recordTelemetry writes numeric reported values and sync counters to the
// configured time-series backends. Booleans are written as 0/1 so they
// can be graphed alongside numeric fields.
func (s *Server) recordTelemetry(ev shadow.Event) {
	if s.tsdb == nil && s.influx == nil {
		return
	}

	for key, val := range ev.State.Reported {
		var num float64
		switch v := val.(type) {
		case float64:
			num = v
		case bool:
			if v {
				num = 1.0
			}
		default:
			continue
		}

		if s.tsdb != nil {
			s.tsdb.WriteReportedMetric(ev.DeviceID, key, num)
		}
		if s.influx != nil {
			//nolint:errcheck // Telemetry is best effort
			s.influx.WriteReportedMetric(ev.DeviceID, key, num)
		}
	}

	delta, err := s.shadows.Delta(context.Background(), ev.DeviceID)
	if err != nil {
		return
	}
	if s.tsdb != nil {
		s.tsdb.WriteSyncMetric(ev.DeviceID, ev.Version, len(ev.State.Pending), len(delta))
	}
	if s.influx != nil {
		//nolint:errcheck // Telemetry is best effort
		s.influx.WriteSyncMetric(ev.DeviceID, ev.Version, len(ev.State.Pending), len(delta))
	}
}
