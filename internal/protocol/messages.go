// Package protocol defines the JSON frames exchanged over a sketch websocket.
//
// Every frame is an Envelope: {"type": "...", "payload": {...}}.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/UniSketch/UniSketch7-sub001/internal/model"
)

// MessageType names a frame.
type MessageType string

const (
	// Client -> Server message types
	TypeJoinSketch     MessageType = "join_sketch"
	TypeStartLine      MessageType = "start_line"
	TypeContinueLine   MessageType = "continue_line"
	TypeMoveLastVertex MessageType = "move_last_vertex"
	TypeStartText      MessageType = "start_text"
	TypeSendImage      MessageType = "send_image"
	TypeSendShape      MessageType = "send_shape"
	TypeEditText       MessageType = "edit_text"
	TypeEditElements   MessageType = "edit_elements"
	TypeDeleteElement  MessageType = "delete_element"
	TypeDeleteElements MessageType = "delete_elements"
	TypeCopyElements   MessageType = "copy_elements"
	TypeMoveElements   MessageType = "move_elements"
	TypeScaleElements  MessageType = "scale_elements"
	TypeUndo           MessageType = "undo"
	TypeRedo           MessageType = "redo"
	TypeBackground     MessageType = "background_color"
	TypeChat           MessageType = "chat"
	TypeDrawCursor     MessageType = "draw_cursor"

	// Server -> Client message types. Deltas reuse the inbound names above.
	TypeHello          MessageType = "hello"
	TypeSketch         MessageType = "sketch"
	TypeSketchPart     MessageType = "sketch_part"
	TypeConfirmElement MessageType = "confirm_element"
	TypeDrawLine       MessageType = "draw_line"
	TypeDrawElement    MessageType = "draw_element"
	TypeUndoable       MessageType = "undoable"
	TypeRedoable       MessageType = "redoable"
	TypeUserJoin       MessageType = "user_join"
	TypeUserLeave      MessageType = "user_leave"
	TypeDeleteCursor   MessageType = "delete_cursor"
	TypeRoleUpdated    MessageType = "role_updated"
	TypeKicked         MessageType = "kicked"
	TypeCopiedElements MessageType = "copied_elements"
	TypeFail           MessageType = "fail"
)

// Envelope is the outer shape of every frame.
type Envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Decode parses a raw frame.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("invalid frame: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("invalid frame: missing type")
	}
	return env, nil
}

// DecodePayload parses an envelope's payload into T. An absent payload yields the zero T.
func DecodePayload[T any](env Envelope) (T, error) {
	var payload T
	if len(env.Payload) == 0 {
		return payload, nil
	}
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return payload, fmt.Errorf("invalid %s payload: %w", env.Type, err)
	}
	return payload, nil
}

// Encode builds a frame from a type and payload.
func Encode(t MessageType, payload any) ([]byte, error) {
	env := Envelope{Type: t}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s payload: %w", t, err)
		}
		env.Payload = raw
	}
	return json.Marshal(env)
}

// Inbound payloads.

type JoinSketch struct {
	SketchID int64 `json:"sketch_id"`
}

type StartLine struct {
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Color      string  `json:"color"`
	Width      float64 `json:"width"`
	DashArray  string  `json:"dasharray,omitempty"`
	BrushStyle string  `json:"brushStyle,omitempty"`
}

type ContinueLine struct {
	Vertices []float64 `json:"vertices"`
}

type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type StartText struct {
	Text model.Element `json:"text"`
}

type SendImage struct {
	Image model.Element `json:"image"`
}

type SendShape struct {
	Shape model.Element `json:"shape"`
}

type EditText struct {
	Text  model.Element `json:"text"`
	Final bool          `json:"final,omitempty"`
}

type Elements struct {
	Elements []model.Element `json:"elements"`
}

type DeleteElement struct {
	ElementID int64 `json:"element_id"`
}

type ElementIDs struct {
	Elements []int64 `json:"elements"`
}

type BackgroundColor struct {
	Color string `json:"color"`
}

type Chat struct {
	Message string `json:"message"`
}

// Outbound payloads.

type Hello struct {
	BatchInterval int64 `json:"batch_interval"` // milliseconds between sketch_part frames
}

type SketchInfo struct {
	Title           string     `json:"title"`
	IsPublic        bool       `json:"is_public"`
	BackgroundColor string     `json:"background_color"`
	Role            model.Role `json:"role"`
}

type ConfirmElement struct {
	ElementID int64      `json:"element_id"`
	Type      model.Kind `json:"type"`
}

type Element struct {
	Element model.Element `json:"element"`
}

type LineDelta struct {
	ElementID int64     `json:"element_id"`
	Vertices  []float64 `json:"vertices"`
}

type VertexMove struct {
	ElementID int64   `json:"element_id"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
}

type Available struct {
	Available bool `json:"available"`
}

type User struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type CursorID struct {
	ID string `json:"id"`
}

type Cursor struct {
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
	ID   string  `json:"id"`
	Name string  `json:"name"`
}

type RoleUpdated struct {
	Role model.Role `json:"role"`
}

type Message struct {
	Message string `json:"message"`
}

type ChatMessage struct {
	Message  string `json:"message"`
	Username string `json:"username"`
	Owner    bool   `json:"owner"`
}

// CopiedElements maps each source id to the id of its copy, index by index.
type CopiedElements struct {
	SourceIDs []int64 `json:"source_ids"`
	IDs       []int64 `json:"ids"`
}
