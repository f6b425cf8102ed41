// Package history implements the per-connection undo/redo stack.
package history

import (
	"github.com/UniSketch/UniSketch7-sub001/internal/model"
)

// DefaultCapacity is the number of actions a connection can undo.
const DefaultCapacity = 50

// Entry is one reversible action.
//
// Forward is true for actions that produced elements (creation, update) and
// false for deletions. Update distinguishes "restore the prior snapshot" from
// "delete what was created" when a forward entry is undone.
type Entry struct {
	Forward bool
	Update  bool
	Before  []model.Element // state prior to the action; empty for creations
	After   []model.Element // state produced by the action; empty for deletions
}

// Created records elements that did not exist before.
func Created(elements ...model.Element) Entry {
	return Entry{Forward: true, After: cloneAll(elements)}
}

// Deleted records elements that were removed.
func Deleted(elements ...model.Element) Entry {
	return Entry{Forward: false, Before: cloneAll(elements)}
}

// Updated records elements replaced in place. before and after may carry
// different ids when an edit changed an element's kind.
func Updated(before, after []model.Element) Entry {
	return Entry{Forward: true, Update: true, Before: cloneAll(before), After: cloneAll(after)}
}

// Change is the effect of replaying an entry in one direction: remove the
// listed ids, then put (insert or overwrite) the listed elements.
type Change struct {
	Remove []int64
	Put    []model.Element
}

// Empty reports whether applying c would do nothing.
func (c Change) Empty() bool {
	return len(c.Remove) == 0 && len(c.Put) == 0
}

// UndoChange returns what reverses the entry.
func (e *Entry) UndoChange() Change {
	switch {
	case !e.Forward:
		return Change{Put: cloneAll(e.Before)}
	case e.Update:
		return Change{Remove: idsMissingFrom(e.After, e.Before), Put: cloneAll(e.Before)}
	default:
		return Change{Remove: ids(e.After)}
	}
}

// RedoChange returns what re-applies the entry.
func (e *Entry) RedoChange() Change {
	switch {
	case !e.Forward:
		return Change{Remove: ids(e.Before)}
	case e.Update:
		return Change{Remove: idsMissingFrom(e.Before, e.After), Put: cloneAll(e.After)}
	default:
		return Change{Put: cloneAll(e.After)}
	}
}

// ApplyFunc applies a change to live state and returns the elements it
// displaced, i.e. the live values of every id it removed or overwrote.
type ApplyFunc func(Change) ([]model.Element, error)

// Stack is a bounded undo/redo history with a cursor at the most recently
// applied entry (-1 when nothing can be undone). It is not safe for
// concurrent use; a connection dispatches its messages sequentially.
type Stack struct {
	entries  []Entry
	cursor   int
	capacity int
}

// NewStack creates an empty stack. Non-positive capacities use DefaultCapacity.
func NewStack(capacity int) *Stack {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Stack{
		entries:  make([]Entry, 0, capacity),
		cursor:   -1,
		capacity: capacity,
	}
}

// Record pushes a new action. Entries ahead of the cursor (the undone redo
// branch) are discarded; when the stack is full the oldest entry is evicted.
func (s *Stack) Record(e Entry) {
	s.entries = s.entries[:s.cursor+1]
	if len(s.entries) == s.capacity {
		copy(s.entries, s.entries[1:])
		s.entries = s.entries[:len(s.entries)-1]
	}
	s.entries = append(s.entries, e)
	s.cursor = len(s.entries) - 1
}

// Undo reverses the entry at the cursor through apply and moves the cursor
// back. It returns false if there is nothing to undo. If apply fails the
// cursor does not move.
func (s *Stack) Undo(apply ApplyFunc) (bool, error) {
	if s.cursor < 0 {
		return false, nil
	}

	entry := &s.entries[s.cursor]
	displaced, err := apply(entry.UndoChange())
	if err != nil {
		return false, err
	}

	// Keep the state that was live right before the undo, so a redo brings
	// back later in-place edits such as continued lines.
	entry.After = refresh(entry.After, displaced)
	s.cursor--
	return true, nil
}

// Redo re-applies the entry after the cursor through apply and advances the
// cursor. It returns false if there is nothing to redo.
func (s *Stack) Redo(apply ApplyFunc) (bool, error) {
	if s.cursor+1 >= len(s.entries) {
		return false, nil
	}

	entry := &s.entries[s.cursor+1]
	displaced, err := apply(entry.RedoChange())
	if err != nil {
		return false, err
	}

	entry.Before = refresh(entry.Before, displaced)
	s.cursor++
	return true, nil
}

// Top returns the entry at the cursor, if any. The pointer is valid until the
// next call to Record.
func (s *Stack) Top() (*Entry, bool) {
	if s.cursor < 0 {
		return nil, false
	}
	return &s.entries[s.cursor], true
}

// CanUndo reports whether an applied entry exists.
func (s *Stack) CanUndo() bool { return s.cursor >= 0 }

// CanRedo reports whether an undone entry exists ahead of the cursor.
func (s *Stack) CanRedo() bool { return s.cursor+1 < len(s.entries) }

// Len returns the number of stored entries, applied or undone.
func (s *Stack) Len() int { return len(s.entries) }

// Cursor returns the index of the most recently applied entry.
func (s *Stack) Cursor() int { return s.cursor }

// Reset discards all history.
func (s *Stack) Reset() {
	s.entries = s.entries[:0]
	s.cursor = -1
}

func ids(elements []model.Element) []int64 {
	if len(elements) == 0 {
		return nil
	}
	out := make([]int64, len(elements))
	for i, el := range elements {
		out[i] = el.ID
	}
	return out
}

// idsMissingFrom returns ids present in from but absent from keep.
func idsMissingFrom(from, keep []model.Element) []int64 {
	kept := make(map[int64]struct{}, len(keep))
	for _, el := range keep {
		kept[el.ID] = struct{}{}
	}
	var out []int64
	for _, el := range from {
		if _, ok := kept[el.ID]; !ok {
			out = append(out, el.ID)
		}
	}
	return out
}

// refresh replaces snapshots with displaced live values of the same id.
// Snapshots whose element is no longer live are kept as they were.
func refresh(snapshots, displaced []model.Element) []model.Element {
	if len(displaced) == 0 {
		return snapshots
	}
	live := make(map[int64]model.Element, len(displaced))
	for _, el := range displaced {
		live[el.ID] = el
	}
	out := make([]model.Element, len(snapshots))
	for i, snap := range snapshots {
		if el, ok := live[snap.ID]; ok {
			out[i] = el.Clone()
			continue
		}
		out[i] = snap
	}
	return out
}

func cloneAll(elements []model.Element) []model.Element {
	if len(elements) == 0 {
		return nil
	}
	out := make([]model.Element, len(elements))
	for i, el := range elements {
		out[i] = el.Clone()
	}
	return out
}
