// Package store is the durable store adapter: SQLite persistence for
// presentations and slides. The live session never waits on it; it is an
// eventually-consistent mirror used for cold-start hydration and the
// catalog listing.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/sundersouls/SlideCollab/internal/apperr"
	"github.com/sundersouls/SlideCollab/internal/model"
)

// Store wraps the SQLite handle behind the narrow adapter contract.
type Store struct {
	db *sql.DB
}

// PresentationSummary is one row of the catalog listing.
type PresentationSummary struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	CreatorID  string    `json:"creatorId"`
	SlideCount int       `json:"slideCount"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// New opens (creating if needed) the SQLite database at dbPath.
func New(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	// WAL keeps readers off the writer's back under concurrent rooms.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, err
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		return nil, err
	}

	if err := createTables(db); err != nil {
		return nil, err
	}

	return &Store{db: db}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS presentations (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		creator_id TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS slides (
		id TEXT PRIMARY KEY,
		presentation_id TEXT NOT NULL,
		ord INTEGER NOT NULL,
		elements TEXT NOT NULL DEFAULT '[]',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (presentation_id) REFERENCES presentations(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_slides_presentation_id ON slides(presentation_id);
	`

	_, err := db.Exec(schema)
	return err
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// GetPresentation loads a presentation with its slides ordered by ord.
// Returns apperr.ErrNotFound if the id is unknown.
func (s *Store) GetPresentation(ctx context.Context, id string) (*model.Presentation, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, name, creator_id FROM presentations WHERE id = ?", id)

	p := &model.Presentation{}
	err := row.Scan(&p.ID, &p.Name, &p.CreatorID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("presentation %s: %w", id, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, ord, elements FROM slides WHERE presentation_id = ? ORDER BY ord ASC", id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var slide model.Slide
		var elements string
		if err := rows.Scan(&slide.ID, &slide.Order, &elements); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(elements), &slide.Elements); err != nil {
			return nil, fmt.Errorf("slide %s elements: %w", slide.ID, err)
		}
		if slide.Elements == nil {
			slide.Elements = []model.TextElement{}
		}
		p.Slides = append(p.Slides, &slide)
	}
	return p, rows.Err()
}

// CreatePresentation inserts a presentation together with its slides.
func (s *Store) CreatePresentation(ctx context.Context, p *model.Presentation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO presentations (id, name, creator_id) VALUES (?, ?, ?)",
		p.ID, p.Name, p.CreatorID); err != nil {
		return err
	}

	for _, slide := range p.Slides {
		elements, err := json.Marshal(slide.Elements)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO slides (id, presentation_id, ord, elements) VALUES (?, ?, ?, ?)",
			slide.ID, p.ID, slide.Order, string(elements)); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// CreateSlide appends a slide row for an existing presentation.
func (s *Store) CreateSlide(ctx context.Context, presentationID string, slide *model.Slide) error {
	elements, err := json.Marshal(slide.Elements)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx,
		"INSERT INTO slides (id, presentation_id, ord, elements) VALUES (?, ?, ?, ?)",
		slide.ID, presentationID, slide.Order, string(elements)); err != nil {
		return err
	}
	return s.touchPresentation(ctx, presentationID)
}

// DeleteSlide removes a slide row.
func (s *Store) DeleteSlide(ctx context.Context, slideID string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM slides WHERE id = ?", slideID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("slide %s: %w", slideID, apperr.ErrNotFound)
	}
	return nil
}

// WriteSlideElements replaces the persisted element snapshot of a slide.
func (s *Store) WriteSlideElements(ctx context.Context, slideID string, elements []model.TextElement) error {
	if elements == nil {
		elements = []model.TextElement{}
	}
	data, err := json.Marshal(elements)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		"UPDATE slides SET elements = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?",
		string(data), slideID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("slide %s: %w", slideID, apperr.ErrNotFound)
	}
	return nil
}

// ListPresentations returns catalog summaries, most recently updated first.
func (s *Store) ListPresentations(ctx context.Context, limit, offset int) ([]PresentationSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.id, p.name, p.creator_id, COUNT(sl.id), p.created_at, p.updated_at
		FROM presentations p
		LEFT JOIN slides sl ON sl.presentation_id = p.id
		GROUP BY p.id
		ORDER BY p.updated_at DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PresentationSummary
	for rows.Next() {
		var sum PresentationSummary
		if err := rows.Scan(&sum.ID, &sum.Name, &sum.CreatorID, &sum.SlideCount,
			&sum.CreatedAt, &sum.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

// Stats reports persisted row counts for the stats endpoint.
func (s *Store) Stats(ctx context.Context) (map[string]int, error) {
	stats := make(map[string]int)

	var presentations int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM presentations").Scan(&presentations); err != nil {
		return nil, err
	}
	stats["presentation_count"] = presentations

	var slides int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM slides").Scan(&slides); err != nil {
		return nil, err
	}
	stats["slide_count"] = slides

	return stats, nil
}

func (s *Store) touchPresentation(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE presentations SET updated_at = CURRENT_TIMESTAMP WHERE id = ?", id)
	return err
}
