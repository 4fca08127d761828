package repository

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"LoopDeck/model"
)

// CompositionRepository defines the interface for composition persistence.
// The entire composition (tracks, sessions, control samples) is stored as
// one JSON document per row; the engine never writes sample-level rows.
type CompositionRepository interface {
	Save(userID int64, comp *model.Composition) error
	List(userID int64) ([]*model.Composition, error)
	Load(id string) (*model.Composition, int64, error)
	Delete(userID int64, id string) error
	UpdateThumbnail(id, thumbnail string) error
}

// mysqlCompositionRepository implements CompositionRepository for MySQL.
type mysqlCompositionRepository struct {
	db *sql.DB
}

// NewMySQLCompositionRepository creates a new mysqlCompositionRepository.
func NewMySQLCompositionRepository(db *sql.DB) CompositionRepository {
	return &mysqlCompositionRepository{db: db}
}

// Save inserts or replaces the composition document for this user.
func (r *mysqlCompositionRepository) Save(userID int64, comp *model.Composition) error {
	data, err := json.Marshal(comp)
	if err != nil {
		return fmt.Errorf("failed to marshal composition %s: %w", comp.ID, err)
	}

	query := `
		INSERT INTO compositions (id, user_id, name, data, thumbnail)
		VALUES (?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE name = VALUES(name), data = VALUES(data), thumbnail = VALUES(thumbnail)`
	if _, err := r.db.Exec(query, comp.ID, userID, comp.Name, data, comp.Thumbnail); err != nil {
		return fmt.Errorf("failed to save composition %s: %w", comp.ID, err)
	}
	return nil
}

// List retrieves all compositions belonging to the user, newest first.
func (r *mysqlCompositionRepository) List(userID int64) ([]*model.Composition, error) {
	query := "SELECT data FROM compositions WHERE user_id = ? ORDER BY created_at DESC"
	rows, err := r.db.Query(query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query compositions for user %d: %w", userID, err)
	}
	defer rows.Close()

	var comps []*model.Composition
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan composition row: %w", err)
		}
		comp := &model.Composition{}
		if err := json.Unmarshal(data, comp); err != nil {
			return nil, fmt.Errorf("failed to unmarshal composition document: %w", err)
		}
		comps = append(comps, comp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating composition rows: %w", err)
	}
	return comps, nil
}

// Load retrieves one composition and its owner's user ID. Returns
// (nil, 0, nil) when not found.
func (r *mysqlCompositionRepository) Load(id string) (*model.Composition, int64, error) {
	query := "SELECT user_id, data FROM compositions WHERE id = ?"
	row := r.db.QueryRow(query, id)

	var ownerID int64
	var data []byte
	if err := row.Scan(&ownerID, &data); err != nil {
		if err == sql.ErrNoRows {
			return nil, 0, nil // Composition not found
		}
		return nil, 0, fmt.Errorf("failed to scan composition row for ID %s: %w", id, err)
	}

	comp := &model.Composition{}
	if err := json.Unmarshal(data, comp); err != nil {
		return nil, 0, fmt.Errorf("failed to unmarshal composition %s: %w", id, err)
	}
	return comp, ownerID, nil
}

// Delete removes a composition owned by the user.
func (r *mysqlCompositionRepository) Delete(userID int64, id string) error {
	res, err := r.db.Exec("DELETE FROM compositions WHERE id = ? AND user_id = ?", id, userID)
	if err != nil {
		return fmt.Errorf("failed to delete composition %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("no composition found with ID %s for user %d", id, userID)
	}
	return nil
}

// UpdateThumbnail stores the object name of an uploaded thumbnail.
func (r *mysqlCompositionRepository) UpdateThumbnail(id, thumbnail string) error {
	if _, err := r.db.Exec("UPDATE compositions SET thumbnail = ? WHERE id = ?", thumbnail, id); err != nil {
		return fmt.Errorf("failed to update thumbnail for composition %s: %w", id, err)
	}
	return nil
}
