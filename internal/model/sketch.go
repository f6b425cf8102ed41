package model

import (
	"fmt"
	"time"
)

// Sketch holds the sketch-level metadata persisted alongside its elements.
type Sketch struct {
	ID              int64     `json:"id"`
	Title           string    `json:"title"`
	BackgroundColor string    `json:"background_color"`
	IsPublic        bool      `json:"is_public"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// CreateSketchRequest represents a request to create a new sketch.
type CreateSketchRequest struct {
	Title           string `json:"title" binding:"required"`
	BackgroundColor string `json:"background_color"`
	IsPublic        bool   `json:"is_public"`
	OwnerID         string `json:"-"`
}

// Validate validates the create sketch request.
func (r *CreateSketchRequest) Validate() error {
	if r.Title == "" {
		return fmt.Errorf("%w: title is required", ErrInvalidSketch)
	}
	if r.BackgroundColor == "" {
		r.BackgroundColor = "#ffffff"
	}
	return nil
}

// Role is the permission level a connection holds for a sketch.
type Role int

const (
	RoleNone   Role = -1
	RolePublic Role = 0 // implicit viewer access to a public sketch, never stored
	RoleViewer Role = 1
	RoleEditor Role = 2
	RoleOwner  Role = 3
)

// CanDraw reports whether the role may mutate elements.
func (r Role) CanDraw() bool { return r >= RoleEditor }

// CanView reports whether the role may join and chat.
func (r Role) CanView() bool { return r >= RolePublic }

// Durable reports whether the role is one that storage can grant.
func (r Role) Durable() bool { return r >= RoleViewer && r <= RoleOwner }

func (r Role) String() string {
	switch r {
	case RolePublic:
		return "public"
	case RoleViewer:
		return "viewer"
	case RoleEditor:
		return "editor"
	case RoleOwner:
		return "owner"
	}
	return "none"
}

// Identity is who is behind a connection.
type Identity struct {
	UserID string `json:"id"`
	Name   string `json:"name"`
	Guest  bool   `json:"guest,omitempty"`
}

// Authenticated reports whether the identity belongs to a real account.
func (i Identity) Authenticated() bool {
	return !i.Guest && i.UserID != ""
}
