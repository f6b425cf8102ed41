package ws

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/UniSketch/UniSketch7-sub001/internal/model"
	"github.com/UniSketch/UniSketch7-sub001/internal/protocol"
	"github.com/UniSketch/UniSketch7-sub001/internal/session"
	"github.com/UniSketch/UniSketch7-sub001/internal/sketch"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer. Image payloads carry URLs,
	// not bytes, but edit batches can be large.
	maxMessageSize = 1 << 20

	// Attempts to join when the session is evicted between lookup and join.
	joinAttempts = 3

	// Deadline for the load and save work a join or leave triggers.
	lifecycleTimeout = 30 * time.Second
)

// RoleResolver resolves the access a connection has to a sketch.
type RoleResolver interface {
	ResolveRole(ctx context.Context, identity model.Identity, sketchID int64) (model.Role, error)
}

// Options configures a Handler.
type Options struct {
	BatchInterval  time.Duration
	SendBuffer     int
	AllowedOrigins []string
}

// Handler handles WebSocket connections to sketches.
type Handler struct {
	hub      *Hub
	sessions *session.Manager
	roles    RoleResolver
	logger   *zap.Logger
	opts     Options
	upgrader websocket.Upgrader
}

// NewHandler creates a new WebSocket handler.
func NewHandler(hub *Hub, sessions *session.Manager, roles RoleResolver, logger *zap.Logger, opts Options) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handler{
		hub:      hub,
		sessions: sessions,
		roles:    roles,
		logger:   logger,
		opts:     opts,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if len(h.opts.AllowedOrigins) == 0 {
		return true
	}
	return slices.Contains(h.opts.AllowedOrigins, r.Header.Get("Origin"))
}

// Guest returns a synthetic identity for an unauthenticated connection.
func Guest() model.Identity {
	id := uuid.NewString()
	return model.Identity{UserID: "guest-" + id, Name: "Guest " + id[:4], Guest: true}
}

// HandleConnection upgrades the HTTP connection and serves it until it
// closes. An identity without a user id is replaced by a guest.
func (h *Handler) HandleConnection(w http.ResponseWriter, r *http.Request, identity model.Identity) error {
	if !identity.Authenticated() {
		identity = Guest()
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	client := NewClient(conn, identity, h.opts.SendBuffer)
	h.Connect(client)

	go h.writePump(client)
	go h.readPump(client)

	return nil
}

// Connect registers a client and greets it.
func (h *Handler) Connect(client *Client) {
	h.hub.Register(client)
	client.sendMessage(protocol.TypeHello, protocol.Hello{BatchInterval: h.opts.BatchInterval.Milliseconds()})

	h.logger.Info("Client connected",
		zap.String("conn_id", client.ID()),
		zap.String("user", client.identity.UserID),
		zap.Bool("guest", client.identity.Guest))
}

// Disconnect leaves the joined sketch, if any, and unregisters the client.
func (h *Handler) Disconnect(client *Client) {
	h.leave(client)
	h.hub.Unregister(client)

	h.logger.Info("Client disconnected", zap.String("conn_id", client.ID()))
}

// join moves a client into a sketch, leaving any sketch it was in.
func (h *Handler) join(client *Client, sketchID int64) {
	h.leave(client)

	ctx, cancel := context.WithTimeout(context.Background(), lifecycleTimeout)
	defer cancel()

	log := h.logger.With(zap.String("conn_id", client.ID()), zap.Int64("sketch_id", sketchID))

	role, err := h.roles.ResolveRole(ctx, client.identity, sketchID)
	switch {
	case errors.Is(err, model.ErrSketchNotFound):
		h.reject(client, "Sketch not found")
		return
	case err != nil:
		log.Error("Failed to resolve role", zap.Error(err))
		client.sendMessage(protocol.TypeFail, protocol.Message{Message: "Could not join sketch"})
		return
	case !role.CanView():
		h.reject(client, "You do not have access to this sketch")
		return
	}

	for attempt := 0; attempt < joinAttempts; attempt++ {
		var s *sketch.Session
		s, err = h.sessions.GetOrCreate(ctx, sketchID)
		if err != nil {
			break
		}
		if err = s.Join(client, role); errors.Is(err, model.ErrSessionClosed) {
			continue
		}
		if err != nil {
			break
		}

		client.session = s
		client.history.Reset()
		client.lastLineID = 0
		clear(client.textBefore)
		client.setMembership(sketchID, role)
		h.hub.Attach(client, sketchID)
		h.sendHistoryState(client)

		log.Info("Joined sketch", zap.String("role", role.String()))
		return
	}

	log.Error("Failed to join sketch", zap.Error(err))
	client.sendMessage(protocol.TypeFail, protocol.Message{Message: "Could not join sketch"})
}

// reject refuses a join. Guests have nothing else to do on the connection,
// so theirs is closed after the failure is flushed.
func (h *Handler) reject(client *Client, message string) {
	client.sendMessage(protocol.TypeFail, protocol.Message{Message: message})
	if client.identity.Guest {
		client.Close()
	}
}

func (h *Handler) leave(client *Client) {
	s := client.session
	if s == nil {
		return
	}

	client.session = nil
	client.history.Reset()
	client.lastLineID = 0
	clear(client.textBefore)
	h.hub.Detach(client, s.ID())
	client.setMembership(0, model.RoleNone)

	if !s.Leave(client) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), lifecycleTimeout)
	defer cancel()
	if err := h.sessions.Release(ctx, s); err != nil {
		h.logger.Error("Failed to release sketch session",
			zap.Int64("sketch_id", s.ID()),
			zap.Error(err))
	}
}

// readPump pumps messages from the WebSocket connection to the dispatcher.
func (h *Handler) readPump(client *Client) {
	defer func() {
		h.Disconnect(client)
		client.conn.Close()
	}()

	client.conn.SetReadLimit(maxMessageSize)
	client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		client.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn("WebSocket error", zap.String("conn_id", client.ID()), zap.Error(err))
			}
			break
		}

		env, err := protocol.Decode(message)
		if err != nil {
			h.logger.Debug("Dropped malformed frame", zap.String("conn_id", client.ID()), zap.Error(err))
			continue
		}

		h.Dispatch(client, env)
	}
}

// writePump pumps queued frames to the WebSocket connection.
func (h *Handler) writePump(client *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-client.send:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The client was closed
				client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			// Each frame goes out as its own WebSocket message
			if err := client.conn.WriteMessage(websocket.TextMessage, msg.data); err != nil {
				return
			}

			if msg.paced && h.opts.BatchInterval > 0 {
				time.Sleep(h.opts.BatchInterval)
			}
		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
