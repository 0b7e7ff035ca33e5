package recon

import (
	"context"
	"errors"
	"strings"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Open opens (creating if necessary) the local projection database at path
// and migrates the schema. Use ":memory:" for tests.
func Open(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&Projection{}, &OrderKeyMapping{}, &Cursor{}); err != nil {
		return nil, err
	}
	return db, nil
}

// Store wraps the projection database with the reads and writes the
// reconciliation engine and the gateway need.
type Store struct {
	db *gorm.DB
}

// NewStore builds a store over an opened projection database.
func NewStore(db *gorm.DB) *Store { return &Store{db: db} }

// DB exposes the underlying handle for transactional batch writes.
func (s *Store) DB() *gorm.DB { return s.db }

// MapOrder persists the orderKey -> human order id mapping at deposit time.
// Replays are no-ops.
func (s *Store) MapOrder(ctx context.Context, orderKey, orderID string) error {
	orderKey = strings.TrimSpace(orderKey)
	orderID = strings.TrimSpace(orderID)
	if orderKey == "" || orderID == "" {
		return errors.New("recon: order key and order id required")
	}
	mapping := OrderKeyMapping{OrderKey: orderKey, OrderID: orderID}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&mapping).Error
}

// OrderIDForKey resolves a ledger key to its human order identifier.
func (s *Store) OrderIDForKey(ctx context.Context, orderKey string) (string, bool, error) {
	var mapping OrderKeyMapping
	err := s.db.WithContext(ctx).First(&mapping, "order_key = ?", orderKey).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return mapping.OrderID, true, nil
}

// Projection returns the local mirror of the order, if present.
func (s *Store) Projection(ctx context.Context, orderKey string) (*Projection, bool, error) {
	var projection Projection
	err := s.db.WithContext(ctx).First(&projection, "order_key = ?", orderKey).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &projection, true, nil
}

// ProjectionByOrderID returns the local mirror looked up by the human order
// identifier, for UI-facing reads.
func (s *Store) ProjectionByOrderID(ctx context.Context, orderID string) (*Projection, bool, error) {
	var projection Projection
	err := s.db.WithContext(ctx).First(&projection, "order_id = ?", orderID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &projection, true, nil
}

// CursorValue returns the stored cursor, reporting whether one exists yet.
func (s *Store) CursorValue(ctx context.Context, name string) (uint64, bool, error) {
	var cursor Cursor
	err := s.db.WithContext(ctx).First(&cursor, "name = ?", name).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return cursor.Value, true, nil
}
