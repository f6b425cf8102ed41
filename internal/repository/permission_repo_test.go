package repository

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/UniSketch/UniSketch7-sub001/internal/model"
)

func TestPermissionRepository_ResolveRole(t *testing.T) {
	database := setupTestDB(t)
	sketches := NewSketchRepository(database)
	perms := NewPermissionRepository(database)
	ctx := context.Background()

	private := createSketch(t, sketches, false)
	public := createSketch(t, sketches, true)

	owner := model.Identity{UserID: "owner", Name: "Owner"}
	stranger := model.Identity{UserID: "stranger", Name: "Stranger"}
	guest := model.Identity{UserID: "guest-1", Name: "Guest", Guest: true}

	tests := []struct {
		name     string
		identity model.Identity
		sketchID int64
		want     model.Role
	}{
		{"owner of private sketch", owner, private.ID, model.RoleOwner},
		{"stranger on private sketch", stranger, private.ID, model.RoleNone},
		{"stranger on public sketch", stranger, public.ID, model.RolePublic},
		{"guest on public sketch", guest, public.ID, model.RolePublic},
		{"guest on private sketch", guest, private.ID, model.RoleNone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := perms.ResolveRole(ctx, tt.identity, tt.sketchID)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := perms.ResolveRole(ctx, owner, public.ID+100)
	assert.ErrorIs(t, err, model.ErrSketchNotFound)
}

func TestPermissionRepository_SetAndRevoke(t *testing.T) {
	database := setupTestDB(t)
	sketches := NewSketchRepository(database)
	perms := NewPermissionRepository(database)
	ctx := context.Background()

	sketch := createSketch(t, sketches, false)
	editor := model.Identity{UserID: "editor"}

	require.NoError(t, perms.SetRole(ctx, sketch.ID, "editor", model.RoleEditor))
	role, err := perms.ResolveRole(ctx, editor, sketch.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RoleEditor, role)

	require.NoError(t, perms.SetRole(ctx, sketch.ID, "editor", model.RoleViewer))
	role, err = perms.ResolveRole(ctx, editor, sketch.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RoleViewer, role)

	assert.Error(t, perms.SetRole(ctx, sketch.ID, "editor", model.RolePublic))

	require.NoError(t, perms.Revoke(ctx, sketch.ID, "editor"))
	role, err = perms.ResolveRole(ctx, editor, sketch.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RoleNone, role)

	assert.ErrorIs(t, perms.Revoke(ctx, sketch.ID, "editor"), model.ErrNoPermission)
}
