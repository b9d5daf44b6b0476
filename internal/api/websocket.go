package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/skybridge-edge/internal/mux"
)

// WebSocket tap constants.
const (
	TapTypeSubscribe   = "subscribe"
	TapTypeUnsubscribe = "unsubscribe"
	TapTypePing        = "ping"
	TapTypePong        = "pong"
	TapTypeMessage     = "message"
	TapTypeResponse    = "response"
	TapTypeError       = "error"

	// tapSendBufferSize is the per-client outbound buffer. A full
	// buffer drops tapped messages rather than stalling the mux.
	tapSendBufferSize = 256

	// tapMaxMessageSize bounds inbound control messages.
	tapMaxMessageSize = 4096

	tapPingInterval = 30 * time.Second
	tapPongWait     = 60 * time.Second
)

// TapMessage is the frame exchanged with tap clients. Payload carries
// JSON control bodies; Data carries tapped message bytes, base64
// encoded on the wire.
type TapMessage struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	Topic     string          `json:"topic,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Data      []byte          `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
}

// TapControlPayload is the body of subscribe/unsubscribe frames,
// carried in the Payload field as JSON.
type TapControlPayload struct {
	Filters []string `json:"filters"`
}

// upgrader configures the WebSocket upgrader. The API binds to
// loopback unless a JWT secret is set, so origin checking is not the
// gatekeeper here.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// tapRegistry tracks connected tap clients.
type tapRegistry struct {
	mu      sync.Mutex
	clients map[*tapClient]struct{}
}

func newTapRegistry() *tapRegistry {
	return &tapRegistry{clients: make(map[*tapClient]struct{})}
}

func (r *tapRegistry) add(c *tapClient) {
	r.mu.Lock()
	r.clients[c] = struct{}{}
	r.mu.Unlock()
}

// remove detaches a client. Only the goroutine that actually removes
// the client closes the send channel, preventing double-close panics
// during shutdown.
func (r *tapRegistry) remove(c *tapClient) {
	r.mu.Lock()
	_, existed := r.clients[c]
	delete(r.clients, c)
	r.mu.Unlock()

	if existed {
		c.releaseFilters()
		close(c.send)
	}
}

func (r *tapRegistry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// closeAll disconnects every client so their pumps exit cleanly.
func (r *tapRegistry) closeAll() {
	r.mu.Lock()
	clients := make([]*tapClient, 0, len(r.clients))
	for c := range r.clients {
		clients = append(clients, c)
	}
	r.mu.Unlock()

	for _, c := range clients {
		r.remove(c)
		c.conn.Close()
	}
}

// tapClient is one WebSocket connection tapping upstream traffic.
// Every filter the client subscribes becomes a live mux registration,
// so tap filters count toward the minimal upstream subscription set
// like any bridge rule.
type tapClient struct {
	server *Server
	conn   *websocket.Conn
	send   chan []byte

	mu      sync.Mutex
	filters map[string]mux.ID
}

// handleTap upgrades the connection and registers the client.
//
// An optional filter query parameter subscribes the client before the
// first frame is exchanged; further filters are managed with
// subscribe/unsubscribe frames.
func (s *Server) handleTap(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &tapClient{
		server:  s,
		conn:    conn,
		send:    make(chan []byte, tapSendBufferSize),
		filters: make(map[string]mux.ID),
	}
	s.taps.add(client)

	if filter := r.URL.Query().Get("filter"); filter != "" {
		if err := client.addFilter(filter); err != nil {
			client.sendError("", "invalid filter: "+filter)
		}
	}

	go client.writePump()
	go client.readPump()
}

// readPump reads control frames from the client.
func (c *tapClient) readPump() {
	defer func() {
		c.server.taps.remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(tapMaxMessageSize)
	//nolint:errcheck // Best-effort deadline on connection setup
	c.conn.SetReadDeadline(time.Now().Add(tapPingInterval + tapPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(tapPingInterval + tapPongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.logger.Warn("websocket read error", "error", err)
			} else {
				c.server.logger.Debug("websocket closed", "error", err)
			}
			return
		}
		//nolint:errcheck // Best-effort deadline reset
		c.conn.SetReadDeadline(time.Now().Add(tapPingInterval + tapPongWait))
		c.handleFrame(message)
	}
}

// writePump writes frames and protocol pings to the client.
func (c *tapClient) writePump() {
	ticker := time.NewTicker(tapPingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				//nolint:errcheck // Best-effort close message
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			//nolint:errcheck // Best-effort deadline; write error caught below
			c.conn.SetWriteDeadline(time.Now().Add(tapPongWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			//nolint:errcheck // Best-effort deadline; ping error caught below
			c.conn.SetWriteDeadline(time.Now().Add(tapPongWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleFrame processes one inbound control frame.
func (c *tapClient) handleFrame(data []byte) {
	var msg TapMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.sendError("", "invalid JSON message")
		return
	}

	switch msg.Type {
	case TapTypeSubscribe:
		c.handleSubscribe(msg)
	case TapTypeUnsubscribe:
		c.handleUnsubscribe(msg)
	case TapTypePing:
		c.sendFrame(TapMessage{Type: TapTypePong, ID: msg.ID})
	default:
		c.sendError(msg.ID, "unknown message type: "+msg.Type)
	}
}

// handleSubscribe registers the requested filters on the mux.
func (c *tapClient) handleSubscribe(msg TapMessage) {
	var ctl TapControlPayload
	if err := json.Unmarshal(msg.Payload, &ctl); err != nil {
		c.sendError(msg.ID, "invalid subscribe payload")
		return
	}

	var added []string
	for _, filter := range ctl.Filters {
		if err := c.addFilter(filter); err != nil {
			c.sendError(msg.ID, "invalid filter: "+filter)
			continue
		}
		added = append(added, filter)
	}

	c.server.logger.Info("tap client subscribed", "filters", added)
	c.sendFrame(TapMessage{Type: TapTypeResponse, ID: msg.ID})
}

// handleUnsubscribe drops the requested filters.
func (c *tapClient) handleUnsubscribe(msg TapMessage) {
	var ctl TapControlPayload
	if err := json.Unmarshal(msg.Payload, &ctl); err != nil {
		c.sendError(msg.ID, "invalid unsubscribe payload")
		return
	}

	c.mu.Lock()
	for _, filter := range ctl.Filters {
		if id, ok := c.filters[filter]; ok {
			if err := c.server.mux.Unsubscribe(id); err != nil {
				c.server.logger.Warn("tap unsubscribe failed", "filter", filter, "error", err)
			}
			delete(c.filters, filter)
		}
	}
	c.mu.Unlock()

	c.sendFrame(TapMessage{Type: TapTypeResponse, ID: msg.ID})
}

// addFilter registers one filter as a mux subscriber delivering into
// this client's send buffer.
func (c *tapClient) addFilter(filter string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.filters[filter]; ok {
		return nil
	}

	id, err := c.server.mux.Subscribe(filter, func(topic string, payload []byte) {
		c.sendFrame(TapMessage{
			Type:      TapTypeMessage,
			Topic:     topic,
			Data:      payload,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		})
	})
	if err != nil {
		return err
	}

	c.filters[filter] = id
	return nil
}

// releaseFilters drops every mux registration this client holds.
func (c *tapClient) releaseFilters() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for filter, id := range c.filters {
		if err := c.server.mux.Unsubscribe(id); err != nil {
			c.server.logger.Warn("tap unsubscribe failed", "filter", filter, "error", err)
		}
	}
	c.filters = make(map[string]mux.ID)
}

// sendFrame marshals and queues one frame for the client.
func (c *tapClient) sendFrame(msg TapMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.trySend(data)
}

// sendError queues an error frame.
func (c *tapClient) sendError(id, message string) {
	c.sendFrame(TapMessage{Type: TapTypeError, ID: id, Error: message})
}

// trySend queues data without blocking. Closed channels (client
// disconnected mid-broadcast) and full buffers are absorbed.
func (c *tapClient) trySend(data []byte) {
	defer func() {
		recover() //nolint:errcheck // Absorb send-on-closed-channel panic
	}()

	select {
	case c.send <- data:
	default:
		// Client buffer full, skip
	}
}
