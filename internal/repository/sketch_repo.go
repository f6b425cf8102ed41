package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/UniSketch/UniSketch7-sub001/internal/model"
)

// ElementTx is the set of writes a save pass performs inside one transaction.
type ElementTx interface {
	DeleteElements(ctx context.Context, storageIDs []int64) error
	UpsertElements(ctx context.Context, sketchID int64, records []model.Record) ([]int64, error)
	UpdateSketchMetadata(ctx context.Context, sketch *model.Sketch) error
}

// SketchRepository provides data access for sketches and their elements.
type SketchRepository struct {
	db *sql.DB
}

// NewSketchRepository creates a new SketchRepository.
func NewSketchRepository(db *sql.DB) *SketchRepository {
	return &SketchRepository{db: db}
}

// Create inserts a new sketch and grants its creator the owner role.
func (r *SketchRepository) Create(ctx context.Context, req *model.CreateSketchRequest) (*model.Sketch, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	sketch := &model.Sketch{
		Title:           req.Title,
		BackgroundColor: req.BackgroundColor,
		IsPublic:        req.IsPublic,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		INSERT INTO sketches (title, title_small, background_color, is_public, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, sketch.Title, smallTitle(sketch.Title), sketch.BackgroundColor, sketch.IsPublic, sketch.CreatedAt, sketch.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create sketch: %w", err)
	}

	sketch.ID, err = result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get sketch id: %w", err)
	}

	if req.OwnerID != "" {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO sketch_permissions (sketch_id, user_id, role) VALUES (?, ?, ?)`,
			sketch.ID, req.OwnerID, model.RoleOwner,
		); err != nil {
			return nil, fmt.Errorf("failed to grant owner role: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit sketch: %w", err)
	}

	return sketch, nil
}

// GetByID retrieves a sketch's metadata.
func (r *SketchRepository) GetByID(ctx context.Context, id int64) (*model.Sketch, error) {
	query := `
		SELECT id, title, background_color, is_public, created_at, updated_at
		FROM sketches
		WHERE id = ?
	`

	sketch := &model.Sketch{}
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&sketch.ID,
		&sketch.Title,
		&sketch.BackgroundColor,
		&sketch.IsPublic,
		&sketch.CreatedAt,
		&sketch.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrSketchNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sketch: %w", err)
	}

	return sketch, nil
}

// LoadElements retrieves every persisted element of a sketch, oldest first.
// The returned elements carry no session id; the caller assigns one.
func (r *SketchRepository) LoadElements(ctx context.Context, sketchID int64) ([]model.Record, error) {
	query := `
		SELECT id, type, data, created_at, updated_at
		FROM elements
		WHERE sketch_id = ?
		ORDER BY created_at ASC, id ASC
	`

	rows, err := r.db.QueryContext(ctx, query, sketchID)
	if err != nil {
		return nil, fmt.Errorf("failed to load elements: %w", err)
	}
	defer rows.Close()

	var records []model.Record
	for rows.Next() {
		var (
			rec  model.Record
			kind string
			data string
		)
		if err := rows.Scan(&rec.StorageID, &kind, &data, &rec.Element.CreatedAt, &rec.Element.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan element: %w", err)
		}
		if err := decodeElement(kind, data, &rec.Element); err != nil {
			return nil, fmt.Errorf("failed to decode element %d: %w", rec.StorageID, err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating elements: %w", err)
	}

	return records, nil
}

// RunInTx runs fn inside a single transaction, committing only if fn succeeds.
func (r *SketchRepository) RunInTx(ctx context.Context, fn func(tx ElementTx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(&sketchTx{tx: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// sketchTx implements ElementTx on top of *sql.Tx.
type sketchTx struct {
	tx *sql.Tx
}

func (t *sketchTx) DeleteElements(ctx context.Context, storageIDs []int64) error {
	if len(storageIDs) == 0 {
		return nil
	}

	stmt, err := t.tx.PrepareContext(ctx, `DELETE FROM elements WHERE id = ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare delete: %w", err)
	}
	defer stmt.Close()

	for _, id := range storageIDs {
		if _, err := stmt.ExecContext(ctx, id); err != nil {
			return fmt.Errorf("failed to delete element %d: %w", id, err)
		}
	}
	return nil
}

// UpsertElements writes records in order and returns their storage ids in the
// same order. Records without a storage id are inserted.
func (t *sketchTx) UpsertElements(ctx context.Context, sketchID int64, records []model.Record) ([]int64, error) {
	ids := make([]int64, len(records))
	if len(records) == 0 {
		return ids, nil
	}

	insert, err := t.tx.PrepareContext(ctx, `
		INSERT INTO elements (sketch_id, type, data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer insert.Close()

	upsert, err := t.tx.PrepareContext(ctx, `
		INSERT INTO elements (id, sketch_id, type, data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			type = excluded.type,
			data = excluded.data,
			updated_at = excluded.updated_at
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare upsert: %w", err)
	}
	defer upsert.Close()

	for i, rec := range records {
		data, err := encodeElement(&rec.Element)
		if err != nil {
			return nil, fmt.Errorf("failed to encode element: %w", err)
		}

		if rec.StorageID != 0 {
			if _, err := upsert.ExecContext(ctx, rec.StorageID, sketchID, rec.Element.Kind, data,
				rec.Element.CreatedAt, rec.Element.UpdatedAt); err != nil {
				return nil, fmt.Errorf("failed to update element %d: %w", rec.StorageID, err)
			}
			ids[i] = rec.StorageID
			continue
		}

		result, err := insert.ExecContext(ctx, sketchID, rec.Element.Kind, data,
			rec.Element.CreatedAt, rec.Element.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to insert element: %w", err)
		}
		if ids[i], err = result.LastInsertId(); err != nil {
			return nil, fmt.Errorf("failed to get element id: %w", err)
		}
	}

	return ids, nil
}

// UpdateSketchMetadata persists mutable sketch fields. Title and creation time are left alone.
func (t *sketchTx) UpdateSketchMetadata(ctx context.Context, sketch *model.Sketch) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE sketches
		SET background_color = ?, is_public = ?, updated_at = ?
		WHERE id = ?
	`, sketch.BackgroundColor, sketch.IsPublic, time.Now().UTC(), sketch.ID)
	if err != nil {
		return fmt.Errorf("failed to update sketch: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return model.ErrSketchNotFound
	}
	return nil
}

// elementData is the stored form of an element; id and timestamps live in columns.
type elementData struct {
	Color string       `json:"color,omitempty"`
	Width float64      `json:"width,omitempty"`
	Line  *model.Line  `json:"line,omitempty"`
	Shape *model.Shape `json:"shape,omitempty"`
	Text  *model.Text  `json:"text,omitempty"`
	Image *model.Image `json:"image,omitempty"`
}

func encodeElement(e *model.Element) (string, error) {
	data, err := json.Marshal(elementData{
		Color: e.Color,
		Width: e.Width,
		Line:  e.Line,
		Shape: e.Shape,
		Text:  e.Text,
		Image: e.Image,
	})
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeElement(kind, data string, e *model.Element) error {
	var d elementData
	if err := json.Unmarshal([]byte(data), &d); err != nil {
		return err
	}
	e.Kind = model.Kind(kind)
	e.Color = d.Color
	e.Width = d.Width
	e.Line = d.Line
	e.Shape = d.Shape
	e.Text = d.Text
	e.Image = d.Image
	return e.Validate()
}

func smallTitle(title string) string {
	const max = 32
	runes := []rune(title)
	if len(runes) <= max {
		return title
	}
	return string(runes[:max])
}
