package sketch

import (
	"fmt"

	"github.com/UniSketch/UniSketch7-sub001/internal/history"
	"github.com/UniSketch/UniSketch7-sub001/internal/model"
	"github.com/UniSketch/UniSketch7-sub001/internal/protocol"
)

// StartLine creates a one-vertex line, confirms its id to m and shows it to
// the rest of the room.
func (s *Session) StartLine(m Member, p protocol.StartLine) model.Element {
	s.mu.Lock()
	defer s.mu.Unlock()

	el := s.insertLocked(model.Element{
		Kind:  model.KindLine,
		Color: p.Color,
		Width: p.Width,
		Line: &model.Line{
			Points:     []float64{p.X, p.Y},
			DashArray:  p.DashArray,
			BrushStyle: p.BrushStyle,
		},
	})

	s.sendLocked(m, protocol.TypeConfirmElement, protocol.ConfirmElement{ElementID: el.ID, Type: el.Kind})
	s.broadcastLocked(m, protocol.TypeDrawLine, protocol.Element{Element: el})
	return el
}

// AddElement creates a text, shape or image element. The kind must match want.
func (s *Session) AddElement(m Member, el model.Element, want model.Kind) (model.Element, error) {
	if el.Kind != want {
		return model.Element{}, fmt.Errorf("%w: expected %s, got %q", model.ErrInvalidElement, want, el.Kind)
	}
	if err := el.Validate(); err != nil {
		return model.Element{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	created := s.insertLocked(el)
	s.sendLocked(m, protocol.TypeConfirmElement, protocol.ConfirmElement{ElementID: created.ID, Type: created.Kind})
	s.broadcastLocked(m, protocol.TypeDrawElement, protocol.Element{Element: created})
	return created, nil
}

// ContinueLine appends vertices to a line and relays only the delta.
func (s *Session) ContinueLine(m Member, id int64, vertices []float64) error {
	if len(vertices) == 0 || len(vertices)%2 != 0 {
		return fmt.Errorf("%w: vertices must be non-empty x,y pairs", model.ErrInvalidElement)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.elements[id]
	if !ok || el.Kind != model.KindLine {
		return model.ErrElementNotFound
	}
	el.Line.Points = append(el.Line.Points, vertices...)
	el.Touch(s.opts.Now())
	s.elements[id] = el

	s.broadcastLocked(m, protocol.TypeContinueLine, protocol.LineDelta{ElementID: id, Vertices: vertices})
	return nil
}

// MoveLastVertex replaces the final vertex of a line.
func (s *Session) MoveLastVertex(m Member, id int64, x, y float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.elements[id]
	if !ok || el.Kind != model.KindLine || len(el.Line.Points) < 2 {
		return model.ErrElementNotFound
	}
	n := len(el.Line.Points)
	el.Line.Points[n-2], el.Line.Points[n-1] = x, y
	el.Touch(s.opts.Now())
	s.elements[id] = el

	s.broadcastLocked(m, protocol.TypeMoveLastVertex, protocol.VertexMove{ElementID: id, X: x, Y: y})
	return nil
}

// EditText replaces a text element in place and returns its prior and new values.
func (s *Session) EditText(m Member, el model.Element) (before, after model.Element, err error) {
	if el.Kind != model.KindText {
		return before, after, fmt.Errorf("%w: expected text, got %q", model.ErrInvalidElement, el.Kind)
	}
	if err := el.Validate(); err != nil {
		return before, after, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.elements[el.ID]
	if !ok || old.Kind != model.KindText {
		return before, after, model.ErrElementNotFound
	}
	after = s.replaceLocked(old, el)

	s.broadcastLocked(m, protocol.TypeEditText, protocol.Element{Element: after})
	return old.Clone(), after, nil
}

// EditElements replaces elements wholesale. An edit that keeps the kind
// updates in place. An edit that changes the kind removes the old element
// and inserts the new value under a fresh id, which the whole room learns
// through delete_elements and draw_element. Unknown ids and invalid
// elements are skipped.
func (s *Session) EditElements(m Member, edits []model.Element) (before, after []model.Element) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var inPlace, replaced []model.Element
	var removed []int64
	for _, el := range edits {
		if el.Validate() != nil {
			continue
		}
		old, ok := s.elements[el.ID]
		if !ok {
			continue
		}

		if old.Kind == el.Kind {
			updated := s.replaceLocked(old, el)
			inPlace = append(inPlace, updated)
			before = append(before, old.Clone())
			after = append(after, updated)
			continue
		}

		s.removeLocked(old.ID)
		created := s.insertLocked(el)
		removed = append(removed, old.ID)
		replaced = append(replaced, created)
		before = append(before, old.Clone())
		after = append(after, created)
	}

	if len(inPlace) > 0 {
		s.broadcastLocked(m, protocol.TypeEditElements, protocol.Elements{Elements: inPlace})
	}
	if len(removed) > 0 {
		s.broadcastLocked(nil, protocol.TypeDeleteElements, protocol.ElementIDs{Elements: removed})
		for _, el := range replaced {
			s.broadcastLocked(nil, protocol.TypeDrawElement, protocol.Element{Element: el})
		}
	}
	return before, after
}

// MoveElements repositions elements in place. Ids and kinds never change.
func (s *Session) MoveElements(m Member, moves []model.Element) (before, after []model.Element) {
	return s.transform(m, protocol.TypeMoveElements, moves)
}

// ScaleElements resizes elements in place. Ids and kinds never change.
func (s *Session) ScaleElements(m Member, scales []model.Element) (before, after []model.Element) {
	return s.transform(m, protocol.TypeScaleElements, scales)
}

func (s *Session) transform(m Member, t protocol.MessageType, changes []model.Element) (before, after []model.Element) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, el := range changes {
		if el.Validate() != nil {
			continue
		}
		old, ok := s.elements[el.ID]
		if !ok || old.Kind != el.Kind {
			continue
		}
		before = append(before, old.Clone())
		after = append(after, s.replaceLocked(old, el))
	}

	if len(after) > 0 {
		s.broadcastLocked(m, t, protocol.Elements{Elements: after})
	}
	return before, after
}

// replaceLocked overwrites old with el, keeping the id and creation time.
func (s *Session) replaceLocked(old, el model.Element) model.Element {
	el = el.Clone()
	el.ID = old.ID
	el.CreatedAt = old.CreatedAt
	el.Touch(s.opts.Now())
	s.elements[el.ID] = el
	return el.Clone()
}

// DeleteElement removes one element and returns its last value.
func (s *Session) DeleteElement(m Member, id int64) (model.Element, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.removeLocked(id)
	if !ok {
		return model.Element{}, model.ErrElementNotFound
	}
	s.broadcastLocked(m, protocol.TypeDeleteElement, protocol.DeleteElement{ElementID: id})
	return el, nil
}

// DeleteElements removes every known id and returns the removed values.
func (s *Session) DeleteElements(m Member, ids []int64) []model.Element {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []model.Element
	var removedIDs []int64
	for _, id := range ids {
		el, ok := s.removeLocked(id)
		if !ok {
			continue
		}
		removed = append(removed, el)
		removedIDs = append(removedIDs, id)
	}

	if len(removedIDs) > 0 {
		s.broadcastLocked(m, protocol.TypeDeleteElements, protocol.ElementIDs{Elements: removedIDs})
	}
	return removed
}

// CopyElements inserts a copy of each element under a fresh id. The copies
// go to the whole room and m additionally receives the source to copy id
// mapping.
func (s *Session) CopyElements(m Member, sources []model.Element) []model.Element {
	s.mu.Lock()
	defer s.mu.Unlock()

	var copies []model.Element
	var mapping protocol.CopiedElements
	for _, el := range sources {
		if el.Validate() != nil {
			continue
		}
		created := s.insertLocked(el)
		copies = append(copies, created)
		mapping.SourceIDs = append(mapping.SourceIDs, el.ID)
		mapping.IDs = append(mapping.IDs, created.ID)
	}

	if len(copies) > 0 {
		s.broadcastLocked(nil, protocol.TypeCopyElements, protocol.Elements{Elements: copies})
		s.sendLocked(m, protocol.TypeCopiedElements, mapping)
	}
	return copies
}

// SetBackgroundColor updates the sketch background.
func (s *Session) SetBackgroundColor(m Member, color string) error {
	if color == "" {
		return fmt.Errorf("%w: empty background color", model.ErrInvalidSketch)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.sketch.BackgroundColor = color
	s.broadcastLocked(m, protocol.TypeBackground, protocol.BackgroundColor{Color: color})
	return nil
}

// Apply performs an undo or redo change and broadcasts it to the whole room,
// m included. It returns the live values the change displaced.
func (s *Session) Apply(m Member, change history.Change) ([]model.Element, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var displaced []model.Element
	var removed []int64
	for _, id := range change.Remove {
		el, ok := s.removeLocked(id)
		if !ok {
			continue
		}
		displaced = append(displaced, el)
		removed = append(removed, id)
	}

	put := make([]model.Element, 0, len(change.Put))
	for _, el := range change.Put {
		old, existed := s.restoreLocked(el)
		if existed {
			displaced = append(displaced, old)
		}
		put = append(put, el.Clone())
	}

	if len(removed) > 0 {
		s.broadcastLocked(nil, protocol.TypeDeleteElements, protocol.ElementIDs{Elements: removed})
	}
	if len(put) > 0 {
		s.broadcastLocked(nil, protocol.TypeEditElements, protocol.Elements{Elements: put})
	}
	return displaced, nil
}

// Chat records a message and relays it to the room. The sender sees its own
// copy flagged as owner.
func (s *Session) Chat(m Member, message string) error {
	if message == "" {
		return fmt.Errorf("%w: empty chat message", model.ErrInvalidElement)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sender := m.Identity()
	s.chat.Push(chatEntry{sender: sender, message: message})

	s.sendLocked(m, protocol.TypeChat, protocol.ChatMessage{Message: message, Username: sender.Name, Owner: true})
	s.broadcastLocked(m, protocol.TypeChat, protocol.ChatMessage{Message: message, Username: sender.Name})
	return nil
}

// DrawCursor relays m's pointer position.
func (s *Session) DrawCursor(m Member, x, y float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cursors[m.ID()] = struct{}{}
	s.broadcastLocked(m, protocol.TypeDrawCursor, protocol.Cursor{X: x, Y: y, ID: m.ID(), Name: m.Identity().Name})
}
