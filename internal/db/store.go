// Package db persists settings rows in a single SQLite file.
package db

import (
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/pysugar/settings-vault/internal/db/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

var (
	// ErrSchema means the settings table could not be opened or created.
	ErrSchema = errors.New("settings schema unavailable")
	// ErrRead means a scan of the settings table failed.
	ErrRead = errors.New("settings read failed")
	// ErrWrite means a save batch was not committed.
	ErrWrite = errors.New("settings write failed")
)

// Store is a handle on the settings file. It holds no open connection:
// every operation opens the file and releases it before returning, so the
// file can be replaced between calls.
type Store struct {
	path   string
	logger logger.Interface
}

// NewStore returns a store backed by the SQLite file at path.
// logLevel is one of "silent", "error", "warn" or "info".
func NewStore(path, logLevel string) *Store {
	return &Store{
		path: path,
		logger: logger.New(log.New(os.Stderr, "", log.LstdFlags), logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  ParseLogLevel(logLevel),
			IgnoreRecordNotFoundError: true,
		}),
	}
}

// Path returns the backing file location.
func (s *Store) Path() string {
	return s.path
}

// EnsureSchema creates the settings table when it is missing. Safe to call
// on every startup.
func (s *Store) EnsureSchema() error {
	err := s.withDB(func(db *gorm.DB) error {
		return db.AutoMigrate(&models.Setting{})
	})
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrSchema, s.path, err)
	}
	return nil
}

// ReadAll returns every stored row ordered by key.
func (s *Store) ReadAll() ([]models.Setting, error) {
	var rows []models.Setting
	err := s.withDB(func(db *gorm.DB) error {
		return db.Order("key").Find(&rows).Error
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRead, err)
	}
	return rows, nil
}

// upsertBatchSize keeps each INSERT under SQLite's bound-variable limit.
const upsertBatchSize = 500

// Upsert writes all entries in one transaction. Existing keys get the new
// value and updated_at; missing keys are inserted.
func (s *Store) Upsert(entries map[string]string, at time.Time) error {
	if len(entries) == 0 {
		return nil
	}

	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	rows := make([]models.Setting, 0, len(keys))
	for _, k := range keys {
		rows = append(rows, models.Setting{Key: k, Value: entries[k], UpdatedAt: at})
	}

	err := s.withDB(func(db *gorm.DB) error {
		return db.Transaction(func(tx *gorm.DB) error {
			return tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "key"}},
				DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
			}).CreateInBatches(&rows, upsertBatchSize).Error
		})
	})
	if err != nil {
		return fmt.Errorf("%w: %d entries: %w", ErrWrite, len(rows), err)
	}
	return nil
}

// withDB opens the file for the duration of fn and always closes it.
func (s *Store) withDB(fn func(db *gorm.DB) error) (err error) {
	db, err := gorm.Open(sqlite.Open(s.path), &gorm.Config{
		Logger: s.logger,
	})
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer func() {
		if cerr := sqlDB.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(db)
}

// ParseLogLevel maps a level name to a gorm log level. Unknown names fall
// back to warn.
func ParseLogLevel(level string) logger.LogLevel {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "silent":
		return logger.Silent
	case "error":
		return logger.Error
	case "info":
		return logger.Info
	default:
		return logger.Warn
	}
}
