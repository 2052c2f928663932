package dataset

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"datastory/pkg"
)

// ErrNotFound is returned when a dataset reference resolves to nothing.
var ErrNotFound = errors.New("dataset not found")

// Meta is the registry view of an uploaded dataset.
type Meta struct {
	ID          string                     `json:"id"`
	Filename    string                     `json:"filename"`
	Rows        int                        `json:"rows"`
	Columns     []string                   `json:"columns"`
	Dtypes      map[string]string          `json:"dtypes"`
	Summary     map[string]pkg.ColumnStats `json:"summary,omitempty"`
	Description string                     `json:"description,omitempty"`
	CreatedAt   time.Time                  `json:"created_at"`
	UpdatedAt   time.Time                  `json:"updated_at"`
}

// datasetRow is the gorm persistence model. Structured fields are stored as
// JSON text so the row works the same on sqlite and postgres.
type datasetRow struct {
	ID          string `gorm:"primaryKey"`
	Filename    string
	Rows        int
	ColumnsJSON string
	DtypesJSON  string
	SummaryJSON string
	Description string
	RawCSV      []byte
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (datasetRow) TableName() string { return "datasets" }

func (row *datasetRow) toMeta() (Meta, error) {
	meta := Meta{
		ID:          row.ID,
		Filename:    row.Filename,
		Rows:        row.Rows,
		Description: row.Description,
		CreatedAt:   row.CreatedAt,
		UpdatedAt:   row.UpdatedAt,
	}
	if err := json.Unmarshal([]byte(row.ColumnsJSON), &meta.Columns); err != nil {
		return Meta{}, fmt.Errorf("decode columns: %w", err)
	}
	if err := json.Unmarshal([]byte(row.DtypesJSON), &meta.Dtypes); err != nil {
		return Meta{}, fmt.Errorf("decode dtypes: %w", err)
	}
	if row.SummaryJSON != "" {
		if err := json.Unmarshal([]byte(row.SummaryJSON), &meta.Summary); err != nil {
			return Meta{}, fmt.Errorf("decode summary: %w", err)
		}
	}
	return meta, nil
}

// Store persists uploaded dataset metadata and raw content.
type Store struct {
	db *gorm.DB
}

// NewStore opens (or creates) the sqlite-backed dataset registry.
func NewStore(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open dataset store: %w", err)
	}

	store := &Store{db: db}
	if err := db.AutoMigrate(&datasetRow{}); err != nil {
		return nil, fmt.Errorf("migrate dataset store: %w", err)
	}
	return store, nil
}

// Create registers an uploaded dataset from its raw CSV and profile.
func (s *Store) Create(ctx context.Context, filename, description string, raw []byte, profile *pkg.ProfileSummary) (Meta, error) {
	columnsJSON, err := json.Marshal(profile.Columns)
	if err != nil {
		return Meta{}, fmt.Errorf("encode columns: %w", err)
	}
	dtypesJSON, err := json.Marshal(profile.Dtypes)
	if err != nil {
		return Meta{}, fmt.Errorf("encode dtypes: %w", err)
	}
	summaryJSON, err := json.Marshal(profile.NumericStats)
	if err != nil {
		return Meta{}, fmt.Errorf("encode summary: %w", err)
	}

	now := time.Now().UTC()
	row := datasetRow{
		ID:          uuid.NewString(),
		Filename:    filename,
		Rows:        profile.Rows,
		ColumnsJSON: string(columnsJSON),
		DtypesJSON:  string(dtypesJSON),
		SummaryJSON: string(summaryJSON),
		Description: description,
		RawCSV:      raw,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return Meta{}, fmt.Errorf("create dataset: %w", err)
	}
	return row.toMeta()
}

// GetMeta returns the registry record for one dataset.
func (s *Store) GetMeta(ctx context.Context, id string) (Meta, error) {
	var row datasetRow
	err := s.db.WithContext(ctx).Take(&row, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Meta{}, ErrNotFound
		}
		return Meta{}, fmt.Errorf("get dataset: %w", err)
	}
	return row.toMeta()
}

// GetCSV resolves a dataset reference to its raw CSV content. Satisfies
// capability.CSVSource.
func (s *Store) GetCSV(ctx context.Context, id string) ([]byte, error) {
	var row datasetRow
	err := s.db.WithContext(ctx).Select("id", "raw_csv").Take(&row, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get dataset content: %w", err)
	}
	return row.RawCSV, nil
}

// List returns dataset records ordered by creation time, paginated.
func (s *Store) List(ctx context.Context, skip, limit int) ([]Meta, error) {
	if limit <= 0 {
		limit = 10
	}

	var rows []datasetRow
	err := s.db.WithContext(ctx).
		Order("created_at ASC").
		Offset(skip).
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list datasets: %w", err)
	}

	out := make([]Meta, 0, len(rows))
	for _, row := range rows {
		meta, err := row.toMeta()
		if err != nil {
			return nil, err
		}
		out = append(out, meta)
	}
	return out, nil
}

// Delete removes a dataset and its stored content.
func (s *Store) Delete(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Delete(&datasetRow{}, "id = ?", id)
	if res.Error != nil {
		return fmt.Errorf("delete dataset: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	return sqlDB.Close()
}
