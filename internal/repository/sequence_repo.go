package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/trna-workbench/backend/internal/model"
)

// SequenceRepository provides data access for the sequences table.
type SequenceRepository struct {
	db *sql.DB
}

// NewSequenceRepository creates a new SequenceRepository.
func NewSequenceRepository(db *sql.DB) *SequenceRepository {
	return &SequenceRepository{db: db}
}

const selectColumns = `id, payload, location_count, locations, friendly_name, external_link,
		structure, position_map, tertiary_blocks, created_at`

// Upsert inserts a record or replaces the base fields of an existing one.
// created_at and the tool slot columns of an existing row are left untouched.
// It returns the row's created_at as stored.
func (r *SequenceRepository) Upsert(ctx context.Context, rec *model.SequenceRecord) (time.Time, error) {
	payloadJSON, err := json.Marshal(rec.Payload)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to serialize payload: %w", err)
	}
	locationsJSON, err := rec.LocationsToJSON()
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to serialize locations: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to begin upsert: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO sequences (id, payload, location_count, locations, friendly_name, external_link, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			payload = excluded.payload,
			location_count = excluded.location_count,
			locations = excluded.locations,
			friendly_name = excluded.friendly_name,
			external_link = excluded.external_link
	`

	_, err = tx.ExecContext(ctx, query,
		rec.ID,
		string(payloadJSON),
		rec.LocationCount,
		locationsJSON,
		rec.FriendlyName,
		rec.ExternalLink,
		rec.CreatedAt.UTC(),
	)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to upsert sequence: %w", err)
	}

	var createdAt time.Time
	if err := tx.QueryRowContext(ctx, `SELECT created_at FROM sequences WHERE id = ?`, rec.ID).Scan(&createdAt); err != nil {
		return time.Time{}, fmt.Errorf("failed to read created_at: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return time.Time{}, fmt.Errorf("failed to commit upsert: %w", err)
	}

	return createdAt, nil
}

// GetByID retrieves a record by its id.
func (r *SequenceRepository) GetByID(ctx context.Context, id string) (*model.SequenceRecord, error) {
	query := `SELECT ` + selectColumns + ` FROM sequences WHERE id = ?`

	rec, err := scanRecord(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, model.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sequence: %w", err)
	}
	return rec, nil
}

// List retrieves every record ordered by creation time.
func (r *SequenceRepository) List(ctx context.Context) ([]*model.SequenceRecord, error) {
	query := `SELECT ` + selectColumns + ` FROM sequences ORDER BY created_at, id`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list sequences: %w", err)
	}
	defer rows.Close()

	records := []*model.SequenceRecord{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sequence: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sequences: %w", err)
	}

	return records, nil
}

// UpdateToolSlot writes one tool slot column from rec. When withPayload is set
// the payload column is written in the same statement.
func (r *SequenceRepository) UpdateToolSlot(ctx context.Context, rec *model.SequenceRecord, slot model.ToolSlot, withPayload bool) error {
	column, value, err := encodeSlot(rec.ToolSlots, slot)
	if err != nil {
		return err
	}

	var result sql.Result
	if withPayload {
		payloadJSON, err := json.Marshal(rec.Payload)
		if err != nil {
			return fmt.Errorf("failed to serialize payload: %w", err)
		}
		query := `UPDATE sequences SET payload = ?, ` + column + ` = ? WHERE id = ?`
		result, err = r.db.ExecContext(ctx, query, string(payloadJSON), value, rec.ID)
		if err != nil {
			return fmt.Errorf("failed to update %s: %w", slot, err)
		}
	} else {
		query := `UPDATE sequences SET ` + column + ` = ? WHERE id = ?`
		result, err = r.db.ExecContext(ctx, query, value, rec.ID)
		if err != nil {
			return fmt.Errorf("failed to update %s: %w", slot, err)
		}
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return model.ErrRecordNotFound
	}

	return nil
}

// DeleteAll removes every record and returns how many were removed.
func (r *SequenceRepository) DeleteAll(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM sequences`)
	if err != nil {
		return 0, fmt.Errorf("failed to clear sequences: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

// DeleteCreatedBefore removes records created before cutoff and returns their ids.
func (r *SequenceRepository) DeleteCreatedBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin cleanup: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT id FROM sequences WHERE created_at < ?`, cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to select expired sequences: %w", err)
	}

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan sequence id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating expired sequences: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM sequences WHERE created_at < ?`, cutoff.UTC()); err != nil {
		return nil, fmt.Errorf("failed to delete expired sequences: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit cleanup: %w", err)
	}

	return ids, nil
}

// Count returns the number of persisted records.
func (r *SequenceRepository) Count(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sequences`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count sequences: %w", err)
	}
	return count, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*model.SequenceRecord, error) {
	rec := &model.SequenceRecord{}
	var payloadJSON string
	var locationsJSON string
	var friendlyName sql.NullString
	var structure sql.NullString
	var positionMap sql.NullString
	var tertiaryBlocks sql.NullString

	err := row.Scan(
		&rec.ID,
		&payloadJSON,
		&rec.LocationCount,
		&locationsJSON,
		&friendlyName,
		&rec.ExternalLink,
		&structure,
		&positionMap,
		&tertiaryBlocks,
		&rec.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(payloadJSON), &rec.Payload); err != nil {
		return nil, fmt.Errorf("failed to parse payload: %w", err)
	}
	if err := rec.LocationsFromJSON(locationsJSON); err != nil {
		return nil, fmt.Errorf("failed to parse locations: %w", err)
	}

	if friendlyName.Valid {
		name := friendlyName.String
		rec.FriendlyName = &name
	}

	if structure.Valid {
		var s string
		if err := json.Unmarshal([]byte(structure.String), &s); err != nil {
			return nil, fmt.Errorf("failed to parse structure: %w", err)
		}
		rec.ToolSlots.Structure = &s
	}

	if positionMap.Valid {
		pm := &model.PositionMap{}
		if err := json.Unmarshal([]byte(positionMap.String), pm); err != nil {
			return nil, fmt.Errorf("failed to parse position map: %w", err)
		}
		rec.ToolSlots.PositionMap = pm
	}

	if tertiaryBlocks.Valid {
		blocks := tertiaryBlocks.String
		rec.ToolSlots.TertiaryBlocks = &blocks
	}

	rec.CreatedAt = rec.CreatedAt.UTC()
	return rec, nil
}

// encodeSlot returns the column and stored text for one tool slot. Structure
// and position map are stored as JSON; tertiary blocks are stored verbatim.
func encodeSlot(slots model.ToolSlots, slot model.ToolSlot) (string, any, error) {
	switch slot {
	case model.ToolSlotStructure:
		if slots.Structure == nil {
			return "structure", nil, nil
		}
		data, err := json.Marshal(*slots.Structure)
		if err != nil {
			return "", nil, fmt.Errorf("failed to serialize structure: %w", err)
		}
		return "structure", string(data), nil
	case model.ToolSlotPositionMap:
		if slots.PositionMap == nil {
			return "position_map", nil, nil
		}
		data, err := json.Marshal(slots.PositionMap)
		if err != nil {
			return "", nil, fmt.Errorf("failed to serialize position map: %w", err)
		}
		return "position_map", string(data), nil
	case model.ToolSlotTertiaryBlocks:
		if slots.TertiaryBlocks == nil {
			return "tertiary_blocks", nil, nil
		}
		return "tertiary_blocks", *slots.TertiaryBlocks, nil
	}
	return "", nil, fmt.Errorf("%w: %q", model.ErrUnknownToolSlot, slot)
}
