package ws

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/UniSketch/UniSketch7-sub001/internal/db"
	"github.com/UniSketch/UniSketch7-sub001/internal/model"
	"github.com/UniSketch/UniSketch7-sub001/internal/protocol"
	"github.com/UniSketch/UniSketch7-sub001/internal/repository"
	"github.com/UniSketch/UniSketch7-sub001/internal/session"
)

type testEnv struct {
	service  *Service
	handler  *Handler
	sketches *repository.SketchRepository
	perms    *repository.PermissionRepository
	sessions *session.Manager
}

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()
	database, err := db.NewTestDB()
	require.NoError(t, err)

	sketches := repository.NewSketchRepository(database)
	perms := repository.NewPermissionRepository(database)
	sessions := session.NewManager(sketches, nil, session.Config{})
	service := NewService(sessions, perms, nil, Options{SendBuffer: 1024})

	t.Cleanup(func() {
		service.Close()
		sessions.Close(context.Background())
		database.Close()
	})

	return &testEnv{
		service:  service,
		handler:  service.Handler(),
		sketches: sketches,
		perms:    perms,
		sessions: sessions,
	}
}

func (e *testEnv) createSketch(t *testing.T, owner string, public bool) int64 {
	t.Helper()
	sk, err := e.sketches.Create(context.Background(), &model.CreateSketchRequest{
		Title:    "Board",
		IsPublic: public,
		OwnerID:  owner,
	})
	require.NoError(t, err)
	return sk.ID
}

func (e *testEnv) grant(t *testing.T, sketchID int64, user string, role model.Role) {
	t.Helper()
	require.NoError(t, e.perms.SetRole(context.Background(), sketchID, user, role))
}

// connect creates a detached client; frames are read off its send queue.
func (e *testEnv) connect(user string) *Client {
	identity := model.Identity{UserID: user, Name: user}
	if user == "" {
		identity = Guest()
	}
	client := NewClient(nil, identity, 1024)
	e.handler.Connect(client)
	return client
}

func (e *testEnv) send(t *testing.T, c *Client, typ protocol.MessageType, payload any) {
	t.Helper()
	data, err := protocol.Encode(typ, payload)
	require.NoError(t, err)
	env, err := protocol.Decode(data)
	require.NoError(t, err)
	e.handler.Dispatch(c, env)
}

// drain returns every queued frame without blocking.
func drain(t *testing.T, c *Client) []protocol.Envelope {
	t.Helper()
	var out []protocol.Envelope
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return out
			}
			env, err := protocol.Decode(msg.data)
			require.NoError(t, err)
			out = append(out, env)
		default:
			return out
		}
	}
}

func types(frames []protocol.Envelope) []protocol.MessageType {
	out := make([]protocol.MessageType, len(frames))
	for i, f := range frames {
		out[i] = f.Type
	}
	return out
}

func find(t *testing.T, frames []protocol.Envelope, typ protocol.MessageType) []protocol.Envelope {
	t.Helper()
	var out []protocol.Envelope
	for _, f := range frames {
		if f.Type == typ {
			out = append(out, f)
		}
	}
	return out
}

func decodeAs[T any](t *testing.T, env protocol.Envelope) T {
	t.Helper()
	v, err := protocol.DecodePayload[T](env)
	require.NoError(t, err)
	return v
}

func TestConnectSendsHello(t *testing.T) {
	env := setupTestEnv(t)
	env.handler.opts.BatchInterval = 50 * time.Millisecond

	c := env.connect("alice")
	frames := drain(t, c)
	require.Len(t, frames, 1)
	assert.Equal(t, protocol.TypeHello, frames[0].Type)
	assert.Equal(t, int64(50), decodeAs[protocol.Hello](t, frames[0]).BatchInterval)
}

func TestEditorAndViewer(t *testing.T) {
	env := setupTestEnv(t)
	sketchID := env.createSketch(t, "editor", false)
	env.grant(t, sketchID, "viewer", model.RoleViewer)

	editor, viewer := env.connect("editor"), env.connect("viewer")
	env.send(t, editor, protocol.TypeJoinSketch, protocol.JoinSketch{SketchID: sketchID})
	env.send(t, viewer, protocol.TypeJoinSketch, protocol.JoinSketch{SketchID: sketchID})

	joined := drain(t, viewer)
	info := find(t, joined, protocol.TypeSketch)
	require.Len(t, info, 1)
	assert.Equal(t, model.RoleViewer, decodeAs[protocol.SketchInfo](t, info[0]).Role)
	drain(t, editor)

	env.send(t, editor, protocol.TypeStartLine, protocol.StartLine{X: 1, Y: 2, Color: "#000", Width: 3})
	assert.Equal(t, []protocol.MessageType{
		protocol.TypeConfirmElement, protocol.TypeUndoable, protocol.TypeRedoable,
	}, types(drain(t, editor)))

	drawn := drain(t, viewer)
	require.Len(t, drawn, 1)
	assert.Equal(t, protocol.TypeDrawLine, drawn[0].Type)

	env.send(t, editor, protocol.TypeContinueLine, protocol.ContinueLine{Vertices: []float64{3, 4, 5, 6}})
	delta := drain(t, viewer)
	require.Len(t, delta, 1)
	assert.Equal(t, []float64{3, 4, 5, 6}, decodeAs[protocol.LineDelta](t, delta[0]).Vertices)

	// odd vertex counts are dropped
	env.send(t, editor, protocol.TypeContinueLine, protocol.ContinueLine{Vertices: []float64{7}})
	assert.Empty(t, drain(t, viewer))

	// the viewer cannot draw, move the cursor or undo
	env.send(t, viewer, protocol.TypeStartLine, protocol.StartLine{X: 9, Y: 9})
	env.send(t, viewer, protocol.TypeDrawCursor, protocol.Point{X: 1, Y: 1})
	env.send(t, viewer, protocol.TypeUndo, nil)
	assert.Empty(t, drain(t, viewer))
	assert.Empty(t, drain(t, editor))

	// everyone in the room may chat
	env.send(t, viewer, protocol.TypeChat, protocol.Chat{Message: "hi"})
	chat := find(t, drain(t, editor), protocol.TypeChat)
	require.Len(t, chat, 1)
	assert.Equal(t, protocol.ChatMessage{Message: "hi", Username: "viewer"}, decodeAs[protocol.ChatMessage](t, chat[0]))

	s, ok := env.sessions.Get(sketchID)
	require.True(t, ok)
	els := s.Elements()
	require.Len(t, els, 1)
	assert.Equal(t, []float64{1, 2, 3, 4, 5, 6}, els[0].Line.Points)
}

func TestDrawingBeforeJoinIsDropped(t *testing.T) {
	env := setupTestEnv(t)
	c := env.connect("alice")
	drain(t, c)

	env.send(t, c, protocol.TypeStartLine, protocol.StartLine{})
	env.send(t, c, protocol.TypeChat, protocol.Chat{Message: "anyone?"})
	assert.Empty(t, drain(t, c))
	assert.False(t, c.IsClosed())
}

func TestJoinWithoutAccess(t *testing.T) {
	env := setupTestEnv(t)
	private := env.createSketch(t, "owner", false)

	t.Run("authenticated user stays connected", func(t *testing.T) {
		c := env.connect("stranger")
		drain(t, c)
		env.send(t, c, protocol.TypeJoinSketch, protocol.JoinSketch{SketchID: private})

		assert.Equal(t, []protocol.MessageType{protocol.TypeFail}, types(drain(t, c)))
		assert.False(t, c.IsClosed())
		assert.Zero(t, c.SketchID())
	})

	t.Run("guest is terminated", func(t *testing.T) {
		c := env.connect("")
		drain(t, c)
		env.send(t, c, protocol.TypeJoinSketch, protocol.JoinSketch{SketchID: private})

		assert.Equal(t, []protocol.MessageType{protocol.TypeFail}, types(drain(t, c)))
		assert.True(t, c.IsClosed())
	})

	t.Run("unknown sketch", func(t *testing.T) {
		c := env.connect("stranger")
		drain(t, c)
		env.send(t, c, protocol.TypeJoinSketch, protocol.JoinSketch{SketchID: private + 99})
		assert.Equal(t, []protocol.MessageType{protocol.TypeFail}, types(drain(t, c)))
	})
}

func TestGuestOnPublicSketch(t *testing.T) {
	env := setupTestEnv(t)
	public := env.createSketch(t, "owner", true)

	guest := env.connect("")
	assert.True(t, guest.Identity().Guest)
	drain(t, guest)

	env.send(t, guest, protocol.TypeJoinSketch, protocol.JoinSketch{SketchID: public})
	info := find(t, drain(t, guest), protocol.TypeSketch)
	require.Len(t, info, 1)
	assert.Equal(t, model.RolePublic, decodeAs[protocol.SketchInfo](t, info[0]).Role)

	env.send(t, guest, protocol.TypeStartLine, protocol.StartLine{})
	assert.Empty(t, drain(t, guest))

	// guests are never targets of role management
	assert.Empty(t, env.service.Hub().SketchClients(public, guest.Identity().UserID))
}

func TestUndoRedoBroadcastsToRoom(t *testing.T) {
	env := setupTestEnv(t)
	sketchID := env.createSketch(t, "alice", false)
	env.grant(t, sketchID, "bob", model.RoleEditor)

	alice, bob := env.connect("alice"), env.connect("bob")
	env.send(t, alice, protocol.TypeJoinSketch, protocol.JoinSketch{SketchID: sketchID})
	env.send(t, bob, protocol.TypeJoinSketch, protocol.JoinSketch{SketchID: sketchID})

	env.send(t, alice, protocol.TypeStartLine, protocol.StartLine{X: 0, Y: 0})
	env.send(t, alice, protocol.TypeContinueLine, protocol.ContinueLine{Vertices: []float64{1, 1}})
	drain(t, alice)
	drain(t, bob)

	env.send(t, alice, protocol.TypeUndo, nil)
	for _, c := range []*Client{alice, bob} {
		removed := find(t, drain(t, c), protocol.TypeDeleteElements)
		require.Len(t, removed, 1)
		assert.Equal(t, []int64{1}, decodeAs[protocol.ElementIDs](t, removed[0]).Elements)
	}

	env.send(t, alice, protocol.TypeUndo, nil)
	assert.Empty(t, drain(t, bob), "nothing left to undo")
	drain(t, alice)

	env.send(t, alice, protocol.TypeRedo, nil)
	frames := drain(t, alice)
	assert.Equal(t, []protocol.MessageType{
		protocol.TypeEditElements, protocol.TypeUndoable, protocol.TypeRedoable,
	}, types(frames))
	restored := decodeAs[protocol.Elements](t, frames[0])
	require.Len(t, restored.Elements, 1)
	assert.Equal(t, []float64{0, 0, 1, 1}, restored.Elements[0].Line.Points)
	assert.True(t, decodeAs[protocol.Available](t, frames[1]).Available)
	assert.False(t, decodeAs[protocol.Available](t, frames[2]).Available)

	assert.Len(t, find(t, drain(t, bob), protocol.TypeEditElements), 1)
}

func TestDeleteAndUndoRestoresElement(t *testing.T) {
	env := setupTestEnv(t)
	sketchID := env.createSketch(t, "alice", false)
	alice := env.connect("alice")
	env.send(t, alice, protocol.TypeJoinSketch, protocol.JoinSketch{SketchID: sketchID})

	shape := model.Element{Kind: model.KindShape, Shape: &model.Shape{W: 4, H: 4, ShapeType: "ellipse"}}
	env.send(t, alice, protocol.TypeSendShape, protocol.SendShape{Shape: shape})
	env.send(t, alice, protocol.TypeDeleteElement, protocol.DeleteElement{ElementID: 1})

	s, _ := env.sessions.Get(sketchID)
	assert.Empty(t, s.Elements())

	env.send(t, alice, protocol.TypeUndo, nil)
	els := s.Elements()
	require.Len(t, els, 1)
	assert.Equal(t, int64(1), els[0].ID)
	assert.Equal(t, "ellipse", els[0].Shape.ShapeType)
}

func TestEditTextCollapsesIntoOneEntry(t *testing.T) {
	env := setupTestEnv(t)
	sketchID := env.createSketch(t, "alice", false)
	alice := env.connect("alice")
	env.send(t, alice, protocol.TypeJoinSketch, protocol.JoinSketch{SketchID: sketchID})

	text := model.Element{Kind: model.KindText, Text: &model.Text{Content: "a"}}
	env.send(t, alice, protocol.TypeStartText, protocol.StartText{Text: text})
	env.send(t, alice, protocol.TypeStartLine, protocol.StartLine{})
	require.Equal(t, 2, alice.history.Len())

	for i, content := range []string{"ab", "abc", "abcd"} {
		edit := model.Element{ID: 1, Kind: model.KindText, Text: &model.Text{Content: content}}
		env.send(t, alice, protocol.TypeEditText, protocol.EditText{Text: edit, Final: i == 2})
	}
	assert.Equal(t, 3, alice.history.Len())

	env.send(t, alice, protocol.TypeUndo, nil)
	s, _ := env.sessions.Get(sketchID)
	got, ok := s.Element(1)
	require.True(t, ok)
	assert.Equal(t, "a", got.Text.Content)
}

func TestEditTextOnOwnNewText(t *testing.T) {
	env := setupTestEnv(t)
	sketchID := env.createSketch(t, "alice", false)
	alice := env.connect("alice")
	env.send(t, alice, protocol.TypeJoinSketch, protocol.JoinSketch{SketchID: sketchID})

	text := model.Element{Kind: model.KindText, Text: &model.Text{Content: "h"}}
	env.send(t, alice, protocol.TypeStartText, protocol.StartText{Text: text})
	edit := model.Element{ID: 1, Kind: model.KindText, Text: &model.Text{Content: "hello"}}
	env.send(t, alice, protocol.TypeEditText, protocol.EditText{Text: edit, Final: true})
	assert.Equal(t, 1, alice.history.Len())

	// one undo removes the text, redo brings back the edited content
	env.send(t, alice, protocol.TypeUndo, nil)
	s, _ := env.sessions.Get(sketchID)
	assert.Empty(t, s.Elements())

	env.send(t, alice, protocol.TypeRedo, nil)
	got, ok := s.Element(1)
	require.True(t, ok)
	assert.Equal(t, "hello", got.Text.Content)
}

func TestCopyElementsNotifiesInvoker(t *testing.T) {
	env := setupTestEnv(t)
	sketchID := env.createSketch(t, "alice", false)
	alice := env.connect("alice")
	env.send(t, alice, protocol.TypeJoinSketch, protocol.JoinSketch{SketchID: sketchID})

	shape := model.Element{Kind: model.KindShape, Shape: &model.Shape{W: 1, H: 1, ShapeType: "rect"}}
	env.send(t, alice, protocol.TypeSendShape, protocol.SendShape{Shape: shape})
	drain(t, alice)

	shape.ID = 1
	env.send(t, alice, protocol.TypeCopyElements, protocol.Elements{Elements: []model.Element{shape}})
	frames := drain(t, alice)
	mapping := find(t, frames, protocol.TypeCopiedElements)
	require.Len(t, mapping, 1)
	assert.Equal(t, protocol.CopiedElements{SourceIDs: []int64{1}, IDs: []int64{2}}, decodeAs[protocol.CopiedElements](t, mapping[0]))
}

func TestDisconnectSavesAndEvicts(t *testing.T) {
	env := setupTestEnv(t)
	sketchID := env.createSketch(t, "alice", false)

	alice := env.connect("alice")
	env.send(t, alice, protocol.TypeJoinSketch, protocol.JoinSketch{SketchID: sketchID})
	env.send(t, alice, protocol.TypeStartLine, protocol.StartLine{X: 5, Y: 5})
	env.send(t, alice, protocol.TypeBackground, protocol.BackgroundColor{Color: "#000000"})

	env.handler.Disconnect(alice)
	assert.True(t, alice.IsClosed())
	_, live := env.sessions.Get(sketchID)
	assert.False(t, live)

	records, err := env.sketches.LoadElements(context.Background(), sketchID)
	require.NoError(t, err)
	require.Len(t, records, 1)

	again := env.connect("alice")
	env.send(t, again, protocol.TypeJoinSketch, protocol.JoinSketch{SketchID: sketchID})
	frames := drain(t, again)

	info := find(t, frames, protocol.TypeSketch)
	require.Len(t, info, 1)
	assert.Equal(t, "#000000", decodeAs[protocol.SketchInfo](t, info[0]).BackgroundColor)

	parts := find(t, frames, protocol.TypeSketchPart)
	require.Len(t, parts, 1)
	els := decodeAs[protocol.Elements](t, parts[0]).Elements
	require.Len(t, els, 1)
	assert.Equal(t, int64(1), els[0].ID)
	assert.Equal(t, []float64{5, 5}, els[0].Line.Points)

	// the undo history of the old connection is gone
	assert.False(t, again.history.CanUndo())
}

func TestRoleChangeAndRevocation(t *testing.T) {
	env := setupTestEnv(t)
	sketchID := env.createSketch(t, "owner", false)
	env.grant(t, sketchID, "bob", model.RoleEditor)

	bob := env.connect("bob")
	env.send(t, bob, protocol.TypeJoinSketch, protocol.JoinSketch{SketchID: sketchID})
	drain(t, bob)

	env.service.OnRoleChanged(sketchID, "bob", model.RoleViewer)
	frames := drain(t, bob)
	require.Len(t, frames, 1)
	assert.Equal(t, protocol.TypeRoleUpdated, frames[0].Type)
	assert.Equal(t, model.RoleViewer, decodeAs[protocol.RoleUpdated](t, frames[0]).Role)

	env.send(t, bob, protocol.TypeStartLine, protocol.StartLine{})
	assert.Empty(t, drain(t, bob))

	env.service.OnAccessRevoked(sketchID, "bob")
	assert.Equal(t, []protocol.MessageType{protocol.TypeKicked}, types(drain(t, bob)))
	assert.True(t, bob.IsClosed())
}

func TestRejoinMovesBetweenSketches(t *testing.T) {
	env := setupTestEnv(t)
	first := env.createSketch(t, "alice", false)
	second := env.createSketch(t, "alice", false)

	alice := env.connect("alice")
	env.send(t, alice, protocol.TypeJoinSketch, protocol.JoinSketch{SketchID: first})
	env.send(t, alice, protocol.TypeStartLine, protocol.StartLine{})
	env.send(t, alice, protocol.TypeJoinSketch, protocol.JoinSketch{SketchID: second})

	assert.Equal(t, second, alice.SketchID())
	assert.False(t, alice.history.CanUndo())
	_, live := env.sessions.Get(first)
	assert.False(t, live, "leaving the only member evicts the first sketch")
}

func TestEditThenUndoTwiceRemovesElement(t *testing.T) {
	env := setupTestEnv(t)
	sketchID := env.createSketch(t, "alice", false)
	alice := env.connect("alice")
	env.send(t, alice, protocol.TypeJoinSketch, protocol.JoinSketch{SketchID: sketchID})

	v1 := model.Element{Kind: model.KindShape, Color: "#111111", Shape: &model.Shape{W: 1, H: 1, ShapeType: "rect"}}
	env.send(t, alice, protocol.TypeSendShape, protocol.SendShape{Shape: v1})

	v2 := model.Element{ID: 1, Kind: model.KindShape, Color: "#222222", Shape: &model.Shape{W: 2, H: 2, ShapeType: "rect"}}
	env.send(t, alice, protocol.TypeEditElements, protocol.Elements{Elements: []model.Element{v2}})

	s, _ := env.sessions.Get(sketchID)
	got, ok := s.Element(1)
	require.True(t, ok)
	assert.Equal(t, "#222222", got.Color)

	env.send(t, alice, protocol.TypeUndo, nil)
	got, ok = s.Element(1)
	require.True(t, ok)
	assert.Equal(t, "#111111", got.Color)
	assert.Equal(t, 1.0, got.Shape.W)

	env.send(t, alice, protocol.TypeUndo, nil)
	_, ok = s.Element(1)
	assert.False(t, ok)
	assert.False(t, alice.history.CanUndo())
	assert.True(t, alice.history.CanRedo())
}
