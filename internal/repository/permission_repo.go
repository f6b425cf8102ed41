package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/UniSketch/UniSketch7-sub001/internal/model"
)

// PermissionRepository stores per-sketch roles and resolves the effective role of an identity.
type PermissionRepository struct {
	db *sql.DB
}

// NewPermissionRepository creates a new PermissionRepository.
func NewPermissionRepository(db *sql.DB) *PermissionRepository {
	return &PermissionRepository{db: db}
}

// ResolveRole returns the role identity holds for a sketch. Guests and users
// without a stored role get implicit public access when the sketch is public.
func (r *PermissionRepository) ResolveRole(ctx context.Context, identity model.Identity, sketchID int64) (model.Role, error) {
	var isPublic bool
	err := r.db.QueryRowContext(ctx, `SELECT is_public FROM sketches WHERE id = ?`, sketchID).Scan(&isPublic)
	if errors.Is(err, sql.ErrNoRows) {
		return model.RoleNone, model.ErrSketchNotFound
	}
	if err != nil {
		return model.RoleNone, fmt.Errorf("failed to get sketch visibility: %w", err)
	}

	if identity.Authenticated() {
		var role int
		err := r.db.QueryRowContext(ctx,
			`SELECT role FROM sketch_permissions WHERE sketch_id = ? AND user_id = ?`,
			sketchID, identity.UserID,
		).Scan(&role)
		switch {
		case err == nil:
			return model.Role(role), nil
		case !errors.Is(err, sql.ErrNoRows):
			return model.RoleNone, fmt.Errorf("failed to get role: %w", err)
		}
	}

	if isPublic {
		return model.RolePublic, nil
	}
	return model.RoleNone, nil
}

// SetRole grants or changes a user's durable role.
func (r *PermissionRepository) SetRole(ctx context.Context, sketchID int64, userID string, role model.Role) error {
	if !role.Durable() {
		return fmt.Errorf("role %d cannot be stored", role)
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sketch_permissions (sketch_id, user_id, role) VALUES (?, ?, ?)
		ON CONFLICT(sketch_id, user_id) DO UPDATE SET role = excluded.role
	`, sketchID, userID, role)
	if err != nil {
		return fmt.Errorf("failed to set role: %w", err)
	}
	return nil
}

// Revoke removes a user's stored role.
func (r *PermissionRepository) Revoke(ctx context.Context, sketchID int64, userID string) error {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM sketch_permissions WHERE sketch_id = ? AND user_id = ?`, sketchID, userID)
	if err != nil {
		return fmt.Errorf("failed to revoke role: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return model.ErrNoPermission
	}
	return nil
}
