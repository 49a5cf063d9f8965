package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"orderbook_go/internal/domain"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Storage persists view checkpoints and health incidents.
type Storage struct {
	db *gorm.DB
}

// NewStorage creates a new SQLite storage instance at dbPath
func NewStorage(dbPath string) (*Storage, error) {
	// Ensure directory exists
	dbDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dbDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create DB directory: %w", err)
	}

	// Connect to SQLite (Pure Go)
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return newWithDB(db)
}

func newWithDB(db *gorm.DB) (*Storage, error) {
	// Auto Migration
	if err := db.AutoMigrate(&domain.Checkpoint{}, &domain.Incident{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &Storage{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *Storage) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ======================================================================================
// Checkpoint Operations
// ======================================================================================

// SaveCheckpoint creates or replaces the checkpoint of a symbol
func (s *Storage) SaveCheckpoint(cp *domain.Checkpoint) error {
	return s.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(cp).Error
}

// LoadCheckpoint retrieves the checkpoint of a symbol
func (s *Storage) LoadCheckpoint(symbol string) (*domain.Checkpoint, error) {
	var cp domain.Checkpoint
	err := s.db.First(&cp, "symbol = ?", symbol).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil // Not found is not an error
	}
	if err != nil {
		return nil, err
	}
	return &cp, nil
}

// ListCheckpoints retrieves all checkpoints
func (s *Storage) ListCheckpoints() ([]domain.Checkpoint, error) {
	var cps []domain.Checkpoint
	err := s.db.Order("symbol").Find(&cps).Error
	return cps, err
}

// DeleteCheckpoint removes the checkpoint of a symbol
func (s *Storage) DeleteCheckpoint(symbol string) error {
	return s.db.Where("symbol = ?", symbol).Delete(&domain.Checkpoint{}).Error
}

// ======================================================================================
// Incident Operations
// ======================================================================================

// RecordIncident appends a health incident
func (s *Storage) RecordIncident(inc *domain.Incident) error {
	return s.db.Create(inc).Error
}

// ListIncidents returns the newest incidents first. An empty symbol matches all.
func (s *Storage) ListIncidents(symbol string, limit int) ([]domain.Incident, error) {
	q := s.db.Order("created_at desc, id desc")
	if symbol != "" {
		q = q.Where("symbol = ?", symbol)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []domain.Incident
	err := q.Find(&out).Error
	return out, err
}
