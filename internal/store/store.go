package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"settlement-service/internal/models"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// ErrVariantNotFound is returned when a stock operation names a variant
// that does not exist.
var ErrVariantNotFound = errors.New("variant not found")

type Store struct {
	db *sqlx.DB
}

// NewStore creates a new database store
func NewStore(databaseURL string) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// RunMigrations applies pending SQL migrations from dir.
func (s *Store) RunMigrations(dir string) error {
	driver, err := postgres.WithInstance(s.db.DB, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(fmt.Sprintf("file://%s", dir), "postgres", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// WithTx runs fn inside a transaction, rolling back when fn errors.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// GetVariantByID retrieves a variant by ID
func (s *Store) GetVariantByID(ctx context.Context, id int64) (*models.Variant, error) {
	var variant models.Variant
	err := s.db.GetContext(ctx, &variant, "SELECT * FROM variants WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %d", ErrVariantNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &variant, nil
}

// LockVariants loads and row-locks variants in ascending id order. Locking
// in one fixed order keeps concurrent settlements from deadlocking each other.
func (s *Store) LockVariants(ctx context.Context, q sqlx.ExtContext, ids []int64) (map[int64]models.Variant, error) {
	if len(ids) == 0 {
		return map[int64]models.Variant{}, nil
	}

	var rows []models.Variant
	err := sqlx.SelectContext(ctx, q, &rows,
		"SELECT * FROM variants WHERE id = ANY($1) ORDER BY id FOR UPDATE", pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("failed to lock variants: %w", err)
	}

	variants := make(map[int64]models.Variant, len(rows))
	for _, v := range rows {
		variants[v.ID] = v
	}
	return variants, nil
}

// AdjustVariantStock applies delta to a variant's stock in one conditional
// update. The guard refuses any change that would take the level below zero,
// so the returned variant always reflects exactly delta applied.
func (s *Store) AdjustVariantStock(ctx context.Context, q sqlx.ExtContext, variantID int64, delta int) (*models.Variant, error) {
	var variant models.Variant
	err := sqlx.GetContext(ctx, q, &variant, `
		UPDATE variants
		   SET stock = stock + $1, updated_at = NOW()
		 WHERE id = $2 AND stock + $1 >= 0
		RETURNING *`, delta, variantID)
	if err == nil {
		return &variant, nil
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to adjust stock: %w", err)
	}

	// The guard refused: report which condition failed.
	var current models.Variant
	gerr := sqlx.GetContext(ctx, q, &current, "SELECT * FROM variants WHERE id = $1", variantID)
	if gerr == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %d", ErrVariantNotFound, variantID)
	}
	if gerr != nil {
		return nil, fmt.Errorf("failed to load variant %d: %w", variantID, gerr)
	}
	return nil, &models.InsufficientStockError{
		VariantID: variantID,
		SKU:       current.SKU,
		Requested: -delta,
		Available: current.Stock,
	}
}

// GetStockSummary aggregates the inventory position. Variants at or under
// threshold (but not empty) count as low stock.
func (s *Store) GetStockSummary(ctx context.Context, threshold int) (*models.StockSummary, error) {
	var summary models.StockSummary
	err := s.db.GetContext(ctx, &summary, `
		SELECT COUNT(*)                                            AS total_variants,
		       COALESCE(SUM(stock), 0)                             AS units_on_hand,
		       COUNT(*) FILTER (WHERE stock = 0)                   AS out_of_stock,
		       COUNT(*) FILTER (WHERE stock > 0 AND stock <= $1)   AS low_stock
		  FROM variants`, threshold)
	if err != nil {
		return nil, fmt.Errorf("failed to load stock summary: %w", err)
	}
	return &summary, nil
}

// GetLowStockVariants retrieves variants at or under threshold, lowest first
func (s *Store) GetLowStockVariants(ctx context.Context, threshold int) ([]models.Variant, error) {
	var variants []models.Variant
	err := s.db.SelectContext(ctx, &variants,
		"SELECT * FROM variants WHERE stock <= $1 ORDER BY stock, id", threshold)
	return variants, err
}

// InsertStockMovement appends one audit row and fills its id and timestamp.
func (s *Store) InsertStockMovement(ctx context.Context, q sqlx.ExtContext, m *models.StockMovement) error {
	query := `
		INSERT INTO stock_movements (variant_id, order_id, movement_type, quantity, previous_stock, new_stock, reason, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at`

	return sqlx.GetContext(ctx, q, m, query,
		m.VariantID, m.OrderID, m.MovementType, m.Quantity, m.PreviousStock, m.NewStock, m.Reason, m.CreatedBy)
}

// MovementFilter narrows a stock movement listing
type MovementFilter struct {
	VariantID *int64
	OrderID   *int64
	Type      models.MovementType
	Limit     int
}

// GetStockMovements retrieves audit rows, newest first.
func (s *Store) GetStockMovements(ctx context.Context, f MovementFilter) ([]models.StockMovement, error) {
	query, args := buildMovementsQuery(f)

	var movements []models.StockMovement
	err := s.db.SelectContext(ctx, &movements, query, args...)
	return movements, err
}

func buildMovementsQuery(f MovementFilter) (string, []interface{}) {
	query := "SELECT * FROM stock_movements WHERE 1=1"
	args := []interface{}{}

	if f.VariantID != nil {
		args = append(args, *f.VariantID)
		query += fmt.Sprintf(" AND variant_id = $%d", len(args))
	}
	if f.OrderID != nil {
		args = append(args, *f.OrderID)
		query += fmt.Sprintf(" AND order_id = $%d", len(args))
	}
	if f.Type != "" {
		args = append(args, f.Type)
		query += fmt.Sprintf(" AND movement_type = $%d", len(args))
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY id DESC LIMIT $%d", len(args))

	return query, args
}

// GetAdmins retrieves all administrator accounts
func (s *Store) GetAdmins(ctx context.Context) ([]models.User, error) {
	var users []models.User
	err := s.db.SelectContext(ctx, &users,
		"SELECT * FROM users WHERE role = $1 ORDER BY id", models.RoleAdmin)
	return users, err
}

// GetFeatureFlag returns the enabled state for key. A missing row reads as
// disabled.
func (s *Store) GetFeatureFlag(ctx context.Context, key string) (bool, error) {
	var enabled bool
	err := s.db.GetContext(ctx, &enabled,
		"SELECT enabled FROM feature_flags WHERE key = $1", key)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return enabled, nil
}
