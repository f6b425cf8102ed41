package ws

import (
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/UniSketch/UniSketch7-sub001/internal/history"
	"github.com/UniSketch/UniSketch7-sub001/internal/model"
	"github.com/UniSketch/UniSketch7-sub001/internal/protocol"
	"github.com/UniSketch/UniSketch7-sub001/internal/sketch"
)

// outbound is one queued frame. Paced frames are followed by a pause in
// the write pump.
type outbound struct {
	data  []byte
	paced bool
}

// Client represents a WebSocket client connection.
type Client struct {
	id       string
	conn     *websocket.Conn
	identity model.Identity
	send     chan outbound
	mu       sync.Mutex
	closed   bool

	roleMu   sync.RWMutex
	role     model.Role
	sketchID int64

	// Dispatch state, touched only by the connection's read loop.
	session    *sketch.Session
	history    *history.Stack
	lastLineID int64
	textBefore map[int64]model.Element
}

// NewClient creates a new WebSocket client. conn may be nil for a detached
// client whose frames are read off its send queue.
func NewClient(conn *websocket.Conn, identity model.Identity, sendBuffer int) *Client {
	if sendBuffer <= 0 {
		sendBuffer = 256
	}
	return &Client{
		id:         uuid.NewString(),
		conn:       conn,
		identity:   identity,
		send:       make(chan outbound, sendBuffer),
		role:       model.RoleNone,
		history:    history.NewStack(history.DefaultCapacity),
		textBefore: make(map[int64]model.Element),
	}
}

// ID returns the connection id.
func (c *Client) ID() string {
	return c.id
}

// Identity returns who is on the other end.
func (c *Client) Identity() model.Identity {
	return c.identity
}

// Send queues a message to be sent to the client.
func (c *Client) Send(data []byte) {
	c.enqueue(outbound{data: data})
}

// SendPaced queues a message the write pump spaces from the next one.
func (c *Client) SendPaced(data []byte) {
	c.enqueue(outbound{data: data, paced: true})
}

func (c *Client) enqueue(msg outbound) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}

	select {
	case c.send <- msg:
	default:
		// Buffer full, close the client
		c.closeLocked()
	}
}

// sendMessage encodes and queues a frame.
func (c *Client) sendMessage(t protocol.MessageType, payload any) {
	data, err := protocol.Encode(t, payload)
	if err != nil {
		return
	}
	c.Send(data)
}

// Close closes the client connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

func (c *Client) closeLocked() {
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// IsClosed returns true if the client is closed.
func (c *Client) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Role returns the cached role for the joined sketch.
func (c *Client) Role() model.Role {
	c.roleMu.RLock()
	defer c.roleMu.RUnlock()
	return c.role
}

// SketchID returns the joined sketch, or 0.
func (c *Client) SketchID() int64 {
	c.roleMu.RLock()
	defer c.roleMu.RUnlock()
	return c.sketchID
}

func (c *Client) setMembership(sketchID int64, role model.Role) {
	c.roleMu.Lock()
	defer c.roleMu.Unlock()
	c.sketchID = sketchID
	c.role = role
}

func (c *Client) setRole(role model.Role) {
	c.roleMu.Lock()
	defer c.roleMu.Unlock()
	c.role = role
}

// Hub tracks every connection and which sketch each one has joined.
type Hub struct {
	mu       sync.RWMutex
	clients  map[*Client]bool
	sketches map[int64]map[*Client]struct{}
}

// NewHub creates a new Hub.
func NewHub() *Hub {
	return &Hub{
		clients:  make(map[*Client]bool),
		sketches: make(map[int64]map[*Client]struct{}),
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client] = true
}

// Unregister removes a client from the hub and closes it.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	delete(h.clients, client)
	h.detachLocked(client, client.SketchID())
	h.mu.Unlock()

	client.Close()
}

// Attach indexes a client under the sketch it joined.
func (h *Hub) Attach(client *Client, sketchID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	room, ok := h.sketches[sketchID]
	if !ok {
		room = make(map[*Client]struct{})
		h.sketches[sketchID] = room
	}
	room[client] = struct{}{}
}

// Detach removes a client from a sketch index.
func (h *Hub) Detach(client *Client, sketchID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.detachLocked(client, sketchID)
}

func (h *Hub) detachLocked(client *Client, sketchID int64) {
	room, ok := h.sketches[sketchID]
	if !ok {
		return
	}
	delete(room, client)
	if len(room) == 0 {
		delete(h.sketches, sketchID)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// SketchClients returns the clients in a sketch that belong to userID.
func (h *Hub) SketchClients(sketchID int64, userID string) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var out []*Client
	for client := range h.sketches[sketchID] {
		if client.identity.Guest || client.identity.UserID != userID {
			continue
		}
		out = append(out, client)
	}
	return out
}

// NotifyRoleChanged updates the cached role of every connection userID has
// open on the sketch and tells each one. It returns how many were notified.
func (h *Hub) NotifyRoleChanged(sketchID int64, userID string, role model.Role) int {
	clients := h.SketchClients(sketchID, userID)
	for _, client := range clients {
		client.setRole(role)
		client.sendMessage(protocol.TypeRoleUpdated, protocol.RoleUpdated{Role: role})
	}
	return len(clients)
}

// NotifyAccessRevoked kicks every connection userID has open on the sketch.
// The connections close once the kick message is flushed.
func (h *Hub) NotifyAccessRevoked(sketchID int64, userID, message string) int {
	clients := h.SketchClients(sketchID, userID)
	for _, client := range clients {
		client.setRole(model.RoleNone)
		client.sendMessage(protocol.TypeKicked, protocol.Message{Message: message})
		client.Close()
	}
	return len(clients)
}

// Close closes all client connections.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.clients = make(map[*Client]bool)
	h.sketches = make(map[int64]map[*Client]struct{})
	h.mu.Unlock()

	for _, client := range clients {
		client.Close()
	}
}
