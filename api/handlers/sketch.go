package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/UniSketch/UniSketch7-sub001/internal/model"
	"github.com/UniSketch/UniSketch7-sub001/internal/repository"
	"github.com/UniSketch/UniSketch7-sub001/internal/session"
)

// RoleNotifier delivers permission changes to live connections.
type RoleNotifier interface {
	OnRoleChanged(sketchID int64, userID string, role model.Role)
	OnAccessRevoked(sketchID int64, userID string)
}

// SketchHandler handles HTTP requests for sketches and their members.
type SketchHandler struct {
	sketches *repository.SketchRepository
	perms    *repository.PermissionRepository
	sessions *session.Manager
	notifier RoleNotifier
}

// NewSketchHandler creates a new SketchHandler.
func NewSketchHandler(sketches *repository.SketchRepository, perms *repository.PermissionRepository, sessions *session.Manager, notifier RoleNotifier) *SketchHandler {
	return &SketchHandler{
		sketches: sketches,
		perms:    perms,
		sessions: sessions,
		notifier: notifier,
	}
}

// CreateSketchRequest represents the request body for creating a sketch.
type CreateSketchRequest struct {
	Title           string `json:"title" binding:"required"`
	BackgroundColor string `json:"background_color"`
	IsPublic        bool   `json:"is_public"`
}

// SetMemberRequest represents the request body for granting a role.
type SetMemberRequest struct {
	Role model.Role `json:"role" binding:"required"`
}

// SketchResponse represents a sketch in API responses.
type SketchResponse struct {
	ID              int64  `json:"id"`
	Title           string `json:"title"`
	BackgroundColor string `json:"background_color"`
	IsPublic        bool   `json:"is_public"`
	Role            string `json:"role"`
	Live            bool   `json:"live"`
	Participants    int    `json:"participants"`
	Elements        int    `json:"elements"`
	CreatedAt       string `json:"created_at"`
	UpdatedAt       string `json:"updated_at"`
}

// SaveResponse reports the outcome of a forced save.
type SaveResponse struct {
	Live  bool `json:"live"`
	Saved bool `json:"saved"`
}

func toSketchResponse(s *model.Sketch, role model.Role) *SketchResponse {
	return &SketchResponse{
		ID:              s.ID,
		Title:           s.Title,
		BackgroundColor: s.BackgroundColor,
		IsPublic:        s.IsPublic,
		Role:            role.String(),
		CreatedAt:       s.CreatedAt.Format(time.RFC3339),
		UpdatedAt:       s.UpdatedAt.Format(time.RFC3339),
	}
}

// Create handles POST /api/sketches - creates a new sketch owned by the caller.
func (h *SketchHandler) Create(c *gin.Context) {
	identity := getIdentity(c)
	if !identity.Authenticated() {
		sendError(c, http.StatusUnauthorized, "UNAUTHORIZED", "Authentication required")
		return
	}

	var req CreateSketchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body: "+err.Error())
		return
	}

	sk, err := h.sketches.Create(c.Request.Context(), &model.CreateSketchRequest{
		Title:           req.Title,
		BackgroundColor: req.BackgroundColor,
		IsPublic:        req.IsPublic,
		OwnerID:         identity.UserID,
	})
	if err != nil {
		if errors.Is(err, model.ErrInvalidSketch) {
			sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
			return
		}
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to create sketch: "+err.Error())
		return
	}

	c.JSON(http.StatusCreated, toSketchResponse(sk, model.RoleOwner))
}

// Get handles GET /api/sketches/:id - sketch metadata plus live session counts.
func (h *SketchHandler) Get(c *gin.Context) {
	id, ok := sketchID(c)
	if !ok {
		return
	}

	role, ok := h.authorize(c, id, model.Role.CanView)
	if !ok {
		return
	}

	sk, err := h.sketches.GetByID(c.Request.Context(), id)
	if err != nil {
		h.sendLookupError(c, err)
		return
	}

	resp := toSketchResponse(sk, role)
	if live, ok := h.sessions.Get(id); ok {
		current := live.Sketch()
		resp.BackgroundColor = current.BackgroundColor
		resp.Live = true
		resp.Participants = live.MemberCount()
		resp.Elements = len(live.Elements())
	}

	c.JSON(http.StatusOK, resp)
}

// Save handles POST /api/sketches/:id/save - saves a live session now.
func (h *SketchHandler) Save(c *gin.Context) {
	id, ok := sketchID(c)
	if !ok {
		return
	}
	if _, ok := h.authorize(c, id, model.Role.CanDraw); !ok {
		return
	}

	live, ok := h.sessions.Get(id)
	if !ok {
		c.JSON(http.StatusOK, SaveResponse{})
		return
	}

	saved, err := live.Save(c.Request.Context())
	if err != nil {
		sendError(c, http.StatusInternalServerError, "SAVE_FAILED", "Failed to save sketch: "+err.Error())
		return
	}
	if !saved {
		c.JSON(http.StatusAccepted, SaveResponse{Live: true})
		return
	}
	c.JSON(http.StatusOK, SaveResponse{Live: true, Saved: true})
}

// SetMember handles PUT /api/sketches/:id/members/:user - grants a role.
func (h *SketchHandler) SetMember(c *gin.Context) {
	id, ok := sketchID(c)
	if !ok {
		return
	}
	if _, ok := h.authorize(c, id, isOwner); !ok {
		return
	}

	target := c.Param("user")
	if target == getIdentity(c).UserID {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Owners cannot change their own role")
		return
	}

	var req SetMemberRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body: "+err.Error())
		return
	}
	if !req.Role.Durable() {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Role must be viewer (1), editor (2) or owner (3)")
		return
	}

	if err := h.perms.SetRole(c.Request.Context(), id, target, req.Role); err != nil {
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to set role: "+err.Error())
		return
	}
	h.notifier.OnRoleChanged(id, target, req.Role)

	c.Status(http.StatusNoContent)
}

// RemoveMember handles DELETE /api/sketches/:id/members/:user - revokes access.
func (h *SketchHandler) RemoveMember(c *gin.Context) {
	id, ok := sketchID(c)
	if !ok {
		return
	}
	if _, ok := h.authorize(c, id, isOwner); !ok {
		return
	}

	target := c.Param("user")
	if target == getIdentity(c).UserID {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Owners cannot revoke their own access")
		return
	}

	if err := h.perms.Revoke(c.Request.Context(), id, target); err != nil {
		if errors.Is(err, model.ErrNoPermission) {
			sendError(c, http.StatusNotFound, "MEMBER_NOT_FOUND", "User "+target+" has no role on this sketch")
			return
		}
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to revoke role: "+err.Error())
		return
	}
	h.notifier.OnAccessRevoked(id, target)

	c.Status(http.StatusNoContent)
}

func isOwner(r model.Role) bool { return r == model.RoleOwner }

// authorize resolves the caller's role and checks it with allowed. It writes
// the error response itself.
func (h *SketchHandler) authorize(c *gin.Context, id int64, allowed func(model.Role) bool) (model.Role, bool) {
	role, err := h.perms.ResolveRole(c.Request.Context(), getIdentity(c), id)
	if err != nil {
		h.sendLookupError(c, err)
		return role, false
	}
	if !allowed(role) {
		sendError(c, http.StatusForbidden, "FORBIDDEN", "Access to sketch denied")
		return role, false
	}
	return role, true
}

func (h *SketchHandler) sendLookupError(c *gin.Context, err error) {
	if errors.Is(err, model.ErrSketchNotFound) {
		sendError(c, http.StatusNotFound, "SKETCH_NOT_FOUND", "Sketch not found")
		return
	}
	sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to get sketch: "+err.Error())
}

// RegisterRoutes registers the sketch handler routes on a Gin router group.
func (h *SketchHandler) RegisterRoutes(rg *gin.RouterGroup) {
	sketches := rg.Group("/sketches")
	{
		sketches.POST("", h.Create)
		sketches.GET("/:id", h.Get)
		sketches.POST("/:id/save", h.Save)
		sketches.PUT("/:id/members/:user", h.SetMember)
		sketches.DELETE("/:id/members/:user", h.RemoveMember)
	}
}
