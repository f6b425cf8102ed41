package ws

import (
	"errors"

	"go.uber.org/zap"

	"github.com/UniSketch/UniSketch7-sub001/internal/history"
	"github.com/UniSketch/UniSketch7-sub001/internal/model"
	"github.com/UniSketch/UniSketch7-sub001/internal/protocol"
	"github.com/UniSketch/UniSketch7-sub001/internal/sketch"
)

var errNothingToReplay = errors.New("nothing to undo or redo")

// Dispatch handles one inbound frame. Frames from one connection must be
// dispatched sequentially.
func (h *Handler) Dispatch(c *Client, env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeJoinSketch:
		if p, ok := decode[protocol.JoinSketch](h, c, env); ok {
			h.join(c, p.SketchID)
		}
	case protocol.TypeDrawCursor:
		h.handleCursor(c, env)
	case protocol.TypeChat:
		h.handleChat(c, env)
	case protocol.TypeStartLine,
		protocol.TypeContinueLine,
		protocol.TypeMoveLastVertex,
		protocol.TypeStartText,
		protocol.TypeSendImage,
		protocol.TypeSendShape,
		protocol.TypeEditText,
		protocol.TypeEditElements,
		protocol.TypeDeleteElement,
		protocol.TypeDeleteElements,
		protocol.TypeCopyElements,
		protocol.TypeMoveElements,
		protocol.TypeScaleElements,
		protocol.TypeUndo,
		protocol.TypeRedo,
		protocol.TypeBackground:
		if s, ok := h.drawable(c, env.Type); ok {
			h.handleDrawing(c, s, env)
		}
	default:
		h.logger.Debug("Dropped unknown message", zap.String("conn_id", c.ID()), zap.String("type", string(env.Type)))
	}
}

func decode[T any](h *Handler, c *Client, env protocol.Envelope) (T, bool) {
	p, err := protocol.DecodePayload[T](env)
	if err != nil {
		h.logger.Debug("Dropped malformed payload", zap.String("conn_id", c.ID()), zap.Error(err))
		return p, false
	}
	return p, true
}

// drawable returns the joined session if the client may modify it.
func (h *Handler) drawable(c *Client, t protocol.MessageType) (*sketch.Session, bool) {
	if c.session == nil {
		h.violation(c, t, model.ErrNotInSketch)
		return nil, false
	}
	if !c.Role().CanDraw() {
		h.violation(c, t, model.ErrCannotDraw)
		return nil, false
	}
	return c.session, true
}

func (h *Handler) violation(c *Client, t protocol.MessageType, err error) {
	h.logger.Debug("Dropped message",
		zap.String("conn_id", c.ID()),
		zap.String("type", string(t)),
		zap.Error(err))
}

func (h *Handler) handleDrawing(c *Client, s *sketch.Session, env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeStartLine:
		p, ok := decode[protocol.StartLine](h, c, env)
		if !ok {
			return
		}
		line := s.StartLine(c, p)
		c.lastLineID = line.ID
		h.record(c, history.Created(line))

	case protocol.TypeContinueLine:
		p, ok := decode[protocol.ContinueLine](h, c, env)
		if !ok {
			return
		}
		if err := s.ContinueLine(c, c.lastLineID, p.Vertices); err != nil {
			h.violation(c, env.Type, err)
		}

	case protocol.TypeMoveLastVertex:
		p, ok := decode[protocol.Point](h, c, env)
		if !ok {
			return
		}
		if err := s.MoveLastVertex(c, c.lastLineID, p.X, p.Y); err != nil {
			h.violation(c, env.Type, err)
		}

	case protocol.TypeStartText:
		if p, ok := decode[protocol.StartText](h, c, env); ok {
			h.add(c, s, env.Type, p.Text, model.KindText)
		}

	case protocol.TypeSendImage:
		if p, ok := decode[protocol.SendImage](h, c, env); ok {
			h.add(c, s, env.Type, p.Image, model.KindImage)
		}

	case protocol.TypeSendShape:
		if p, ok := decode[protocol.SendShape](h, c, env); ok {
			h.add(c, s, env.Type, p.Shape, model.KindShape)
		}

	case protocol.TypeEditText:
		if p, ok := decode[protocol.EditText](h, c, env); ok {
			h.editText(c, s, p)
		}

	case protocol.TypeEditElements:
		if p, ok := decode[protocol.Elements](h, c, env); ok {
			before, after := s.EditElements(c, p.Elements)
			h.recordUpdate(c, before, after)
		}

	case protocol.TypeMoveElements:
		if p, ok := decode[protocol.Elements](h, c, env); ok {
			before, after := s.MoveElements(c, p.Elements)
			h.recordUpdate(c, before, after)
		}

	case protocol.TypeScaleElements:
		if p, ok := decode[protocol.Elements](h, c, env); ok {
			before, after := s.ScaleElements(c, p.Elements)
			h.recordUpdate(c, before, after)
		}

	case protocol.TypeDeleteElement:
		p, ok := decode[protocol.DeleteElement](h, c, env)
		if !ok {
			return
		}
		removed, err := s.DeleteElement(c, p.ElementID)
		if err != nil {
			h.violation(c, env.Type, err)
			return
		}
		h.record(c, history.Deleted(removed))

	case protocol.TypeDeleteElements:
		p, ok := decode[protocol.ElementIDs](h, c, env)
		if !ok {
			return
		}
		if removed := s.DeleteElements(c, p.Elements); len(removed) > 0 {
			h.record(c, history.Deleted(removed...))
		}

	case protocol.TypeCopyElements:
		p, ok := decode[protocol.Elements](h, c, env)
		if !ok {
			return
		}
		if copies := s.CopyElements(c, p.Elements); len(copies) > 0 {
			h.record(c, history.Created(copies...))
		}

	case protocol.TypeUndo:
		h.replay(c, s, env.Type, c.history.Undo)

	case protocol.TypeRedo:
		h.replay(c, s, env.Type, c.history.Redo)

	case protocol.TypeBackground:
		p, ok := decode[protocol.BackgroundColor](h, c, env)
		if !ok {
			return
		}
		if err := s.SetBackgroundColor(c, p.Color); err != nil {
			h.violation(c, env.Type, err)
		}
	}
}

func (h *Handler) add(c *Client, s *sketch.Session, t protocol.MessageType, el model.Element, kind model.Kind) {
	created, err := s.AddElement(c, el, kind)
	if err != nil {
		h.violation(c, t, err)
		return
	}
	h.record(c, history.Created(created))
}

// editText applies a text edit. Intermediate edits are collapsed: only the
// final one records an undo entry, spanning from the value before the first
// edit. Edits to a text this connection just created are covered by the
// creation entry.
func (h *Handler) editText(c *Client, s *sketch.Session, p protocol.EditText) {
	before, after, err := s.EditText(c, p.Text)
	if err != nil {
		h.violation(c, protocol.TypeEditText, err)
		return
	}

	if top, ok := c.history.Top(); ok && top.Forward && !top.Update &&
		len(top.After) == 1 && top.After[0].ID == after.ID {
		delete(c.textBefore, after.ID)
		return
	}

	if _, pending := c.textBefore[after.ID]; !pending {
		c.textBefore[after.ID] = before
	}
	if !p.Final {
		return
	}

	original := c.textBefore[after.ID]
	delete(c.textBefore, after.ID)
	h.record(c, history.Updated([]model.Element{original}, []model.Element{after}))
}

func (h *Handler) recordUpdate(c *Client, before, after []model.Element) {
	if len(before) == 0 && len(after) == 0 {
		return
	}
	h.record(c, history.Updated(before, after))
}

func (h *Handler) record(c *Client, entry history.Entry) {
	c.history.Record(entry)
	h.sendHistoryState(c)
}

func (h *Handler) replay(c *Client, s *sketch.Session, t protocol.MessageType, step func(history.ApplyFunc) (bool, error)) {
	applied, err := step(func(change history.Change) ([]model.Element, error) {
		return s.Apply(c, change)
	})
	if err != nil {
		h.logger.Error("Failed to replay history", zap.String("conn_id", c.ID()), zap.String("type", string(t)), zap.Error(err))
		return
	}
	if !applied {
		h.violation(c, t, errNothingToReplay)
		return
	}
	// A line that was undone can no longer be extended.
	if _, live := s.Element(c.lastLineID); !live {
		c.lastLineID = 0
	}
	h.sendHistoryState(c)
}

func (h *Handler) sendHistoryState(c *Client) {
	c.sendMessage(protocol.TypeUndoable, protocol.Available{Available: c.history.CanUndo()})
	c.sendMessage(protocol.TypeRedoable, protocol.Available{Available: c.history.CanRedo()})
}

func (h *Handler) handleChat(c *Client, env protocol.Envelope) {
	if c.session == nil {
		h.violation(c, env.Type, model.ErrNotInSketch)
		return
	}
	if !c.Role().CanView() {
		h.violation(c, env.Type, model.ErrNoPermission)
		return
	}
	p, ok := decode[protocol.Chat](h, c, env)
	if !ok {
		return
	}
	if err := c.session.Chat(c, p.Message); err != nil {
		h.violation(c, env.Type, err)
	}
}

// handleCursor relays pointer moves. Rejections are expected at high
// frequency and are never logged.
func (h *Handler) handleCursor(c *Client, env protocol.Envelope) {
	if c.session == nil || !c.Role().CanDraw() {
		return
	}
	p, err := protocol.DecodePayload[protocol.Point](env)
	if err != nil {
		return
	}
	c.session.DrawCursor(c, p.X, p.Y)
}
