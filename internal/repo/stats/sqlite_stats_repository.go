package stats

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" database/sql driver

	"github.com/mkrupp/imgqueue/internal/domain"
	"github.com/mkrupp/imgqueue/internal/infra/logging"
)

// SQLiteStatsRepositoryConfig holds configuration for the SQLite stats ledger.
type SQLiteStatsRepositoryConfig struct {
	// DatabasePath is the filesystem path to the SQLite database file.
	DatabasePath string `env:"DATABASE_PATH" default:"var/storage/uploadsvc_stats.db"`
}

// SQLiteStatsRepository implements Repository using SQLite as the storage backend.
type SQLiteStatsRepository struct {
	db        *sql.DB
	log       logging.Logger
	writeLock *sync.Mutex // go-sqlite does not support concurrent writers
}

var _ Repository = (*SQLiteStatsRepository)(nil)

// SQLiteStatsRepositoryFactory creates a factory function that returns a new
// SQLiteStatsRepository.
func SQLiteStatsRepositoryFactory(cfg SQLiteStatsRepositoryConfig) RepositoryFactory {
	return func() (Repository, error) {
		return NewSQLiteStatsRepository(cfg)
	}
}

// NewSQLiteStatsRepository opens the database at cfg.DatabasePath, creating
// the Upload Record table if it does not already exist.
func NewSQLiteStatsRepository(cfg SQLiteStatsRepositoryConfig) (*SQLiteStatsRepository, error) {
	log := logging.GetLogger("repo.stats.sqlite_stats_repository").With(
		logging.Group("db", "path", cfg.DatabasePath),
	)

	db, err := sql.Open("sqlite", cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}

	if err := initializeStatsDB(db); err != nil {
		return nil, fmt.Errorf("initialize db: %w", err)
	}

	db.SetConnMaxLifetime(5 * time.Minute)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	return &SQLiteStatsRepository{
		db:        db,
		log:       log,
		writeLock: new(sync.Mutex),
	}, nil
}

func initializeStatsDB(db *sql.DB) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS upload_records (
			id                INTEGER PRIMARY KEY AUTOINCREMENT,
			filename          TEXT    NOT NULL,
			size_bytes        INTEGER NOT NULL,
			predominant_color TEXT    NOT NULL,
			outcome           TEXT    NOT NULL,
			started_at        INTEGER NOT NULL,
			finished_at       INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	return nil
}

// RecordUpload implements Repository.RecordUpload using SQLite.
func (r *SQLiteStatsRepository) RecordUpload(ctx context.Context, record domain.UploadRecord) (err error) {
	r.writeLock.Lock()
	defer r.writeLock.Unlock()

	defer func() {
		log := r.log.With(logging.Group("upload", "filename", record.Filename, "outcome", record.Outcome))
		if err != nil {
			log.ErrorContext(ctx, "record upload failed", "error", err)
		} else {
			log.DebugContext(ctx, "upload recorded")
		}
	}()

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO upload_records
			(filename, size_bytes, predominant_color, outcome, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		record.Filename,
		record.SizeBytes,
		record.PredominantColor.String(),
		string(record.Outcome),
		record.StartedAt,
		record.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert upload record: %w", err)
	}

	return nil
}

// Stats implements Repository.Stats using SQLite.
func (r *SQLiteStatsRepository) Stats(ctx context.Context) (domain.UploadStats, error) {
	stats := domain.UploadStats{
		TotalUploads:        0,
		TotalBytes:          0,
		AverageProcessingMS: 0,
		CountByColor:        make(map[domain.Color]int64),
	}

	row := r.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(size_bytes), 0),
			COALESCE(AVG((finished_at - started_at) * 1000.0), 0)
		FROM upload_records
		WHERE outcome = ?
	`, string(domain.OutcomeSuccess))

	if err := row.Scan(&stats.TotalUploads, &stats.TotalBytes, &stats.AverageProcessingMS); err != nil {
		return stats, fmt.Errorf("query aggregate stats: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT predominant_color, COUNT(*)
		FROM upload_records
		WHERE outcome = ?
		GROUP BY predominant_color
	`, string(domain.OutcomeSuccess))
	if err != nil {
		return stats, fmt.Errorf("query color counts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			colorName string
			count     int64
		)

		if err := rows.Scan(&colorName, &count); err != nil {
			return stats, fmt.Errorf("scan color count: %w", err)
		}

		stats.CountByColor[colorFromName(colorName)] = count
	}

	if err := rows.Err(); err != nil {
		return stats, fmt.Errorf("iterate color counts: %w", err)
	}

	return stats, nil
}

// Close implements Repository.Close by closing the database connection.
func (r *SQLiteStatsRepository) Close() error {
	if err := r.db.Close(); err != nil {
		return fmt.Errorf("close db: %w", err)
	}

	return nil
}

func colorFromName(name string) domain.Color {
	switch name {
	case domain.ColorRed.String():
		return domain.ColorRed
	case domain.ColorGreen.String():
		return domain.ColorGreen
	case domain.ColorBlue.String():
		return domain.ColorBlue
	default:
		return domain.ColorUndefined
	}
}
