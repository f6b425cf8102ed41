package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/UniSketch/UniSketch7-sub001/internal/db"
	"github.com/UniSketch/UniSketch7-sub001/internal/model"
	"github.com/UniSketch/UniSketch7-sub001/internal/repository"
	"github.com/UniSketch/UniSketch7-sub001/internal/session"
)

type mockNotifier struct {
	mock.Mock
}

func (n *mockNotifier) OnRoleChanged(sketchID int64, userID string, role model.Role) {
	n.Called(sketchID, userID, role)
}

func (n *mockNotifier) OnAccessRevoked(sketchID int64, userID string) {
	n.Called(sketchID, userID)
}

type apiEnv struct {
	router   *gin.Engine
	notifier *mockNotifier
	sessions *session.Manager
}

func setupAPI(t *testing.T) *apiEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	database, err := db.NewTestDB()
	require.NoError(t, err)

	sketches := repository.NewSketchRepository(database)
	perms := repository.NewPermissionRepository(database)
	sessions := session.NewManager(sketches, nil, session.Config{})
	notifier := &mockNotifier{}
	t.Cleanup(func() {
		sessions.Close(context.Background())
		database.Close()
	})

	r := gin.New()
	r.Use(Identity())
	NewSketchHandler(sketches, perms, sessions, notifier).RegisterRoutes(r.Group("/api"))

	return &apiEnv{router: r, notifier: notifier, sessions: sessions}
}

func (e *apiEnv) do(method, path, user string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *apiEnv) create(t *testing.T, owner string, public bool) int64 {
	t.Helper()
	w := e.do(http.MethodPost, "/api/sketches", owner, CreateSketchRequest{Title: "Board", IsPublic: public})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp SketchResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "owner", resp.Role)
	assert.Equal(t, "#ffffff", resp.BackgroundColor)
	return resp.ID
}

func sketchPath(id int64, suffix string) string {
	return "/api/sketches/" + strconv.FormatInt(id, 10) + suffix
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.Error.Code
}

func TestCreateSketch(t *testing.T) {
	env := setupAPI(t)
	env.create(t, "alice", false)

	w := env.do(http.MethodPost, "/api/sketches", "", CreateSketchRequest{Title: "Anon"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.do(http.MethodPost, "/api/sketches", "alice", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "VALIDATION_ERROR", errorCode(t, w))
}

func TestGetSketch(t *testing.T) {
	env := setupAPI(t)
	private := env.create(t, "alice", false)
	public := env.create(t, "alice", true)

	tests := []struct {
		name   string
		id     int64
		user   string
		status int
		role   string
	}{
		{"owner", private, "alice", http.StatusOK, "owner"},
		{"stranger on private", private, "bob", http.StatusForbidden, ""},
		{"guest on private", private, "", http.StatusForbidden, ""},
		{"guest on public", public, "", http.StatusOK, "public"},
		{"missing", public + 10, "alice", http.StatusNotFound, ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := env.do(http.MethodGet, sketchPath(tc.id, ""), tc.user, nil)
			require.Equal(t, tc.status, w.Code, w.Body.String())
			if tc.role == "" {
				return
			}
			var resp SketchResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, tc.role, resp.Role)
			assert.False(t, resp.Live)
		})
	}

	w := env.do(http.MethodGet, "/api/sketches/abc", "alice", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSaveSketch(t *testing.T) {
	env := setupAPI(t)
	id := env.create(t, "alice", false)

	w := env.do(http.MethodPost, sketchPath(id, "/save"), "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"live":false,"saved":false}`, w.Body.String())

	_, err := env.sessions.GetOrCreate(context.Background(), id)
	require.NoError(t, err)

	w = env.do(http.MethodPost, sketchPath(id, "/save"), "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"live":true,"saved":true}`, w.Body.String())

	w = env.do(http.MethodGet, sketchPath(id, ""), "alice", nil)
	var resp SketchResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Live)

	w = env.do(http.MethodPost, sketchPath(id, "/save"), "bob", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestMembers(t *testing.T) {
	env := setupAPI(t)
	id := env.create(t, "alice", false)
	env.notifier.On("OnRoleChanged", id, "bob", model.RoleEditor).Once()
	env.notifier.On("OnAccessRevoked", id, "bob").Once()

	w := env.do(http.MethodPut, sketchPath(id, "/members/bob"), "alice", SetMemberRequest{Role: model.RoleEditor})
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())

	w = env.do(http.MethodGet, sketchPath(id, ""), "bob", nil)
	require.Equal(t, http.StatusOK, w.Code)

	// editors cannot manage members
	w = env.do(http.MethodPut, sketchPath(id, "/members/carol"), "bob", SetMemberRequest{Role: model.RoleViewer})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = env.do(http.MethodPut, sketchPath(id, "/members/carol"), "alice", map[string]int{"role": -1})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(http.MethodDelete, sketchPath(id, "/members/alice"), "alice", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(http.MethodDelete, sketchPath(id, "/members/bob"), "alice", nil)
	require.Equal(t, http.StatusNoContent, w.Code)

	w = env.do(http.MethodDelete, sketchPath(id, "/members/bob"), "alice", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "MEMBER_NOT_FOUND", errorCode(t, w))

	w = env.do(http.MethodGet, sketchPath(id, ""), "bob", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	env.notifier.AssertExpectations(t)
	env.notifier.AssertNotCalled(t, "OnRoleChanged", id, "carol", mock.Anything)
}
