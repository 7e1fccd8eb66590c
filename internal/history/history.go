// Package history persists execution records in SQLite via GORM.
// Uses modernc.org/sqlite (pure Go, no CGO) through the glebarez/sqlite
// GORM driver, with WAL mode enabled by default for concurrent reads.
package history

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Record is one executed snippet and its outcome.
type Record struct {
	ID         uuid.UUID
	SessionID  string
	Code       string
	Output     string
	Error      string
	DurationMS int64
	CreatedAt  time.Time
}

// recordModel maps to the "executions" table.
// No UpdatedAt or DeletedAt; records are never modified after insert.
type recordModel struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	SessionID  string    `gorm:"not null;index"`
	Code       string    `gorm:"type:text;not null"`
	Output     string    `gorm:"type:text"`
	Error      string    `gorm:"type:text"`
	DurationMS int64     `gorm:"not null;default:0"`
	CreatedAt  time.Time `gorm:"index"`
}

func (recordModel) TableName() string { return "executions" }

// Config holds SQLite-specific configuration.
type Config struct {
	Path        string // Database file path.
	JournalMode string // WAL mode by default.
}

// Store records executions in a SQLite database.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
	path   string
}

// Open creates a new SQLite-backed Store.
func Open(cfg Config, slogger *slog.Logger) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}

	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("creating database directory %s: %w", dir, err)
	}

	journalMode := cfg.JournalMode
	if journalMode == "" {
		journalMode = "wal"
	}

	dsn := fmt.Sprintf("%s?_pragma=journal_mode(%s)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", cfg.Path, journalMode)

	gormLogger := logger.New(
		slogAdapter{slogger},
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:  gormLogger,
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}

	s := &Store{
		db:     db,
		logger: slogger,
		path:   cfg.Path,
	}
	slogger.Info("history store opened", slog.String("path", cfg.Path), slog.String("journal_mode", journalMode))
	return s, nil
}

// Migrate runs GORM AutoMigrate to create/update the executions table.
func (s *Store) Migrate(_ context.Context) error {
	return s.db.AutoMigrate(&recordModel{})
}

// Append inserts a single execution record. A zero ID or CreatedAt is
// filled in.
func (s *Store) Append(ctx context.Context, rec Record) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	model := toModel(rec)
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("appending execution record: %w", err)
	}
	return nil
}

// List returns execution records, newest first. If sessionID is non-empty,
// filters to that session. Limit defaults to 100.
func (s *Store) List(ctx context.Context, sessionID string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}

	q := s.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit)
	if sessionID != "" {
		q = q.Where("session_id = ?", sessionID)
	}

	var models []recordModel
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("querying execution records: %w", err)
	}

	records := make([]Record, len(models))
	for i := range models {
		records[i] = toRecord(&models[i])
	}
	return records, nil
}

// Clear deletes execution records and reports how many were removed. An
// empty sessionID clears everything.
func (s *Store) Clear(ctx context.Context, sessionID string) (int64, error) {
	q := s.db.WithContext(ctx)
	if sessionID != "" {
		q = q.Where("session_id = ?", sessionID)
	} else {
		q = q.Where("1 = 1")
	}
	res := q.Delete(&recordModel{})
	if res.Error != nil {
		return 0, fmt.Errorf("clearing execution records: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func toModel(rec Record) recordModel {
	return recordModel{
		ID:         rec.ID,
		SessionID:  rec.SessionID,
		Code:       rec.Code,
		Output:     rec.Output,
		Error:      rec.Error,
		DurationMS: rec.DurationMS,
		CreatedAt:  rec.CreatedAt,
	}
}

func toRecord(m *recordModel) Record {
	return Record{
		ID:         m.ID,
		SessionID:  m.SessionID,
		Code:       m.Code,
		Output:     m.Output,
		Error:      m.Error,
		DurationMS: m.DurationMS,
		CreatedAt:  m.CreatedAt,
	}
}

// slogAdapter wraps *slog.Logger for GORM's logger.Writer interface.
type slogAdapter struct {
	logger *slog.Logger
}

func (s slogAdapter) Printf(format string, args ...any) {
	s.logger.Info(fmt.Sprintf(format, args...))
}
