package server

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/teranos/chainpulse/admission"
	"github.com/teranos/chainpulse/chain/failover"
	"github.com/teranos/chainpulse/ledger"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = 54 * time.Second

	// Clients only send control frames
	maxMessageSize = 512

	sendBuffer = 64
)

// Event types on the event stream
const (
	EventFailover  = "failover"
	EventExecution = "execution"
)

// Event is one message on the event stream
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// eventClient is one websocket subscriber, scoped to an organization
type eventClient struct {
	id             string
	organizationID string
	conn           *websocket.Conn
	send           chan Event
	closeOnce      sync.Once
}

func (c *eventClient) close() {
	c.closeOnce.Do(func() { close(c.send) })
}

// eventHub fans failover changes and execution transitions out to clients.
// Failover changes go to everyone; transitions only to the owning organization.
type eventHub struct {
	ctx    context.Context
	logger *zap.SugaredLogger

	mu      sync.RWMutex
	clients map[*eventClient]bool
	drops   atomic.Int64
}

func newEventHub(ctx context.Context, log *zap.SugaredLogger) *eventHub {
	return &eventHub{
		ctx:     ctx,
		logger:  log,
		clients: make(map[*eventClient]bool),
	}
}

func (h *eventHub) register(c *eventClient) {
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()
}

func (h *eventHub) unregister(c *eventClient) {
	h.mu.Lock()
	if h.clients[c] {
		delete(h.clients, c)
		c.close()
	}
	h.mu.Unlock()
}

func (h *eventHub) publishFailover(ev failover.StateChange) {
	h.broadcast(Event{Type: EventFailover, Data: ev}, "")
}

func (h *eventHub) publishTransition(t ledger.Transition) {
	h.broadcast(Event{Type: EventExecution, Data: t}, t.OrganizationID)
}

// broadcast never blocks: a client with a full buffer misses the event
func (h *eventHub) broadcast(ev Event, organizationID string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if organizationID != "" && c.organizationID != organizationID {
			continue
		}
		select {
		case c.send <- ev:
		default:
			h.drops.Add(1)
		}
	}
}

func (h *eventHub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *eventHub) closeAll() {
	h.mu.Lock()
	clients := make([]*eventClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
		delete(h.clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
		c.conn.Close()
	}
}

// HandleEvents upgrades to a websocket streaming events for the caller's
// organization. Browsers cannot set headers, so the key may also be passed
// as the access_token query parameter.
func (s *Server) HandleEvents(w http.ResponseWriter, r *http.Request) {
	key := admission.BearerToken(bearer(r))
	if key == "" {
		key = r.URL.Query().Get("access_token")
	}
	auth, err := s.gate.Authenticate(r.Context(), key)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 2048,
		CheckOrigin:     s.checkOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error
		s.logger.Debugw("Websocket upgrade failed", "error", err)
		return
	}

	c := &eventClient{
		id:             uuid.NewString(),
		organizationID: auth.OrganizationID,
		conn:           conn,
		send:           make(chan Event, sendBuffer),
	}
	s.events.register(c)
	s.logger.Debugw("Event stream client connected", "client_id", c.id, "clients", s.events.count())

	go s.writePump(c)
	go s.readPump(c)
}

// readPump discards client messages and detects disconnects
func (s *Server) readPump(c *eventClient) {
	defer func() {
		s.events.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debugw("Event stream read error", "client_id", c.id, "error", err)
			}
			return
		}
	}
}

// writePump writes events and keepalive pings
func (s *Server) writePump(c *eventClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-s.ctx.Done():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		case ev, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(ev); err != nil {
				s.logger.Debugw("Event write error", "client_id", c.id, "error", err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
