package model

import (
	"fmt"
	"time"

	"github.com/jinzhu/copier"
)

// Kind discriminates the element variants.
type Kind string

const (
	KindLine  Kind = "polyline"
	KindShape Kind = "shape"
	KindText  Kind = "text"
	KindImage Kind = "image"
)

// Valid reports whether k names a known element kind.
func (k Kind) Valid() bool {
	switch k {
	case KindLine, KindShape, KindText, KindImage:
		return true
	}
	return false
}

// Line is a free-hand stroke. Points alternate x and y.
type Line struct {
	Points     []float64 `json:"points"`
	DashArray  string    `json:"dasharray,omitempty"`
	BrushStyle string    `json:"brushStyle,omitempty"`
}

// Shape is a rectangle-like primitive identified by ShapeType.
type Shape struct {
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	W         float64 `json:"w"`
	H         float64 `json:"h"`
	Fill      string  `json:"fill,omitempty"`
	ShapeType string  `json:"shape_type"`
	MirrorX   bool    `json:"mirror_x,omitempty"`
	MirrorY   bool    `json:"mirror_y,omitempty"`
}

// Text is a positioned text block.
type Text struct {
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
	Content string  `json:"content"`
	Font    string  `json:"font,omitempty"`
}

// Image references uploaded bytes by URL.
type Image struct {
	X   float64 `json:"x"`
	Y   float64 `json:"y"`
	W   float64 `json:"w,omitempty"`
	H   float64 `json:"h,omitempty"`
	URL string  `json:"url"`
}

// Element is one drawable unit of a sketch. Exactly one of Line, Shape, Text
// or Image is set, and it must match Kind.
//
// ID is the session-scoped identifier. Storage identifiers never appear here.
type Element struct {
	ID        int64   `json:"id"`
	Kind      Kind    `json:"type"`
	Color     string  `json:"color,omitempty"`
	Width     float64 `json:"width,omitempty"`
	Line      *Line   `json:"line,omitempty"`
	Shape     *Shape  `json:"shape,omitempty"`
	Text      *Text   `json:"text,omitempty"`
	Image     *Image  `json:"image,omitempty"`
	CreatedAt int64   `json:"created_at"` // unix milliseconds
	UpdatedAt int64   `json:"updated_at"`
}

// Validate checks that the variant payload matches Kind.
func (e *Element) Validate() error {
	if !e.Kind.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidElement, e.Kind)
	}
	set := 0
	for _, present := range []bool{e.Line != nil, e.Shape != nil, e.Text != nil, e.Image != nil} {
		if present {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("%w: %s must carry exactly one payload", ErrInvalidElement, e.Kind)
	}

	switch e.Kind {
	case KindLine:
		if e.Line == nil {
			return fmt.Errorf("%w: polyline without line payload", ErrInvalidElement)
		}
		if len(e.Line.Points)%2 != 0 {
			return fmt.Errorf("%w: odd number of coordinates", ErrInvalidElement)
		}
	case KindShape:
		if e.Shape == nil {
			return fmt.Errorf("%w: shape without shape payload", ErrInvalidElement)
		}
	case KindText:
		if e.Text == nil {
			return fmt.Errorf("%w: text without text payload", ErrInvalidElement)
		}
	case KindImage:
		if e.Image == nil || e.Image.URL == "" {
			return fmt.Errorf("%w: image without url", ErrInvalidElement)
		}
	}
	return nil
}

// Clone returns a deep copy, so snapshots never share point slices with live state.
func (e Element) Clone() Element {
	var out Element
	if err := copier.CopyWithOption(&out, &e, copier.Option{DeepCopy: true}); err != nil {
		// copier only fails on mismatched kinds, which cannot happen for identical types
		panic(fmt.Sprintf("clone element: %v", err))
	}
	return out
}

// Touch sets UpdatedAt, and CreatedAt if unset, to now.
func (e *Element) Touch(now time.Time) {
	ms := now.UnixMilli()
	if e.CreatedAt == 0 {
		e.CreatedAt = ms
	}
	e.UpdatedAt = ms
}

// Record pairs an element with its durable storage id.
type Record struct {
	StorageID int64
	Element   Element
}
