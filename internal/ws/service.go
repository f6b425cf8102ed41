package ws

import (
	"go.uber.org/zap"

	"github.com/UniSketch/UniSketch7-sub001/internal/model"
	"github.com/UniSketch/UniSketch7-sub001/internal/session"
)

// Service ties the connection hub to the session registry and exposes the
// notifications that permission changes made elsewhere must deliver.
type Service struct {
	hub     *Hub
	handler *Handler
	logger  *zap.Logger
}

// NewService creates a new WebSocket service.
func NewService(sessions *session.Manager, roles RoleResolver, logger *zap.Logger, opts Options) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	hub := NewHub()
	return &Service{
		hub:     hub,
		handler: NewHandler(hub, sessions, roles, logger, opts),
		logger:  logger,
	}
}

// Handler returns the WebSocket handler.
func (s *Service) Handler() *Handler {
	return s.handler
}

// Hub returns the connection hub.
func (s *Service) Hub() *Hub {
	return s.hub
}

// OnRoleChanged pushes a new role to the user's open connections on a sketch.
func (s *Service) OnRoleChanged(sketchID int64, userID string, role model.Role) {
	n := s.hub.NotifyRoleChanged(sketchID, userID, role)
	s.logger.Info("Role changed",
		zap.Int64("sketch_id", sketchID),
		zap.String("user", userID),
		zap.String("role", role.String()),
		zap.Int("connections", n))
}

// OnAccessRevoked disconnects the user's open connections on a sketch.
func (s *Service) OnAccessRevoked(sketchID int64, userID string) {
	n := s.hub.NotifyAccessRevoked(sketchID, userID, "Your access to this sketch was revoked")
	s.logger.Info("Access revoked",
		zap.Int64("sketch_id", sketchID),
		zap.String("user", userID),
		zap.Int("connections", n))
}

// Close closes all WebSocket connections.
func (s *Service) Close() {
	s.hub.Close()
}
