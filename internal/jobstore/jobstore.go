// Package jobstore persists scheduler jobs in SQLite through gorm, so that
// unfinished transcodes resume after a restart.
package jobstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/thesyncim/reframe"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// ErrNotFound is returned when no job has the requested ID.
var ErrNotFound = errors.New("job not found")

// Job is the database row for one scheduled transcode.
type Job struct {
	ID                  string `gorm:"primaryKey;size:36"`
	InputPath           string `gorm:"not null"`
	OutputPath          string `gorm:"not null"`
	Width               int
	Height              int
	FragmentShader      string
	Backend             string
	BitrateBps          int
	KeyframeIntervalSec int
	Status              string `gorm:"not null;index:idx_jobs_status"`
	Runs                int
	Error               string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// TableName pins the table name.
func (Job) TableName() string { return "jobs" }

func fromRecord(rec reframe.JobRecord) Job {
	return Job{
		ID:                  rec.ID.String(),
		InputPath:           rec.Config.InputPath,
		OutputPath:          rec.Config.OutputPath,
		Width:               rec.Config.Width,
		Height:              rec.Config.Height,
		FragmentShader:      rec.Config.FragmentShader,
		Backend:             rec.Config.Backend.String(),
		BitrateBps:          rec.Config.BitrateBps,
		KeyframeIntervalSec: rec.Config.KeyframeIntervalSec,
		Status:              string(rec.Status),
		Runs:                rec.Runs,
		Error:               rec.Error,
		CreatedAt:           rec.CreatedAt,
		UpdatedAt:           rec.UpdatedAt,
	}
}

func (j Job) record() (reframe.JobRecord, error) {
	id, err := uuid.Parse(j.ID)
	if err != nil {
		return reframe.JobRecord{}, fmt.Errorf("job %q: %w", j.ID, err)
	}
	backend, err := reframe.ParseRendererBackend(j.Backend)
	if err != nil {
		return reframe.JobRecord{}, fmt.Errorf("job %s: %w", j.ID, err)
	}
	return reframe.JobRecord{
		ID: id,
		Config: reframe.Config{
			InputPath:           j.InputPath,
			OutputPath:          j.OutputPath,
			Width:               j.Width,
			Height:              j.Height,
			FragmentShader:      j.FragmentShader,
			Backend:             backend,
			BitrateBps:          j.BitrateBps,
			KeyframeIntervalSec: j.KeyframeIntervalSec,
		},
		Status:    reframe.JobStatus(j.Status),
		Runs:      j.Runs,
		Error:     j.Error,
		CreatedAt: j.CreatedAt,
		UpdatedAt: j.UpdatedAt,
	}, nil
}

// Store implements reframe.JobStore.
type Store struct {
	db     *gorm.DB
	logger hclog.Logger
}

// Open opens (or creates) the SQLite database at dsn and migrates the
// schema. Use ":memory:" for a private in-memory database.
func Open(dsn string, log hclog.Logger) (*Store, error) {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open job database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// SQLite allows one writer; an in-memory database is also per connection.
	sqlDB.SetMaxOpenConns(1)
	return New(db, log)
}

// New wraps an existing connection and migrates the schema.
func New(db *gorm.DB, log hclog.Logger) (*Store, error) {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	if err := db.AutoMigrate(&Job{}); err != nil {
		return nil, fmt.Errorf("migrate job table: %w", err)
	}
	return &Store{db: db, logger: log.Named("jobstore")}, nil
}

// SaveJob inserts or updates a job.
func (s *Store) SaveJob(ctx context.Context, rec reframe.JobRecord) error {
	row := fromRecord(rec)
	if row.UpdatedAt.IsZero() {
		row.UpdatedAt = time.Now()
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"status", "runs", "error", "updated_at",
		}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("save job %s: %w", rec.ID, err)
	}
	s.logger.Trace("job saved", "job", rec.ID, "status", rec.Status, "runs", rec.Runs)
	return nil
}

// PendingJobs returns jobs that have not reached a terminal state, oldest
// first.
func (s *Store) PendingJobs(ctx context.Context) ([]reframe.JobRecord, error) {
	var rows []Job
	err := s.db.WithContext(ctx).
		Where("status NOT IN ?", []string{
			string(reframe.JobSucceeded),
			string(reframe.JobFailed),
			string(reframe.JobCanceled),
		}).
		Order("created_at").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list pending jobs: %w", err)
	}
	return s.records(rows), nil
}

// GetJob returns one job.
func (s *Store) GetJob(ctx context.Context, id uuid.UUID) (reframe.JobRecord, error) {
	var row Job
	err := s.db.WithContext(ctx).First(&row, "id = ?", id.String()).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return reframe.JobRecord{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return reframe.JobRecord{}, err
	}
	return row.record()
}

// ListJobs returns up to limit jobs, newest first. limit <= 0 means all.
func (s *Store) ListJobs(ctx context.Context, limit int) ([]reframe.JobRecord, error) {
	var rows []Job
	q := s.db.WithContext(ctx).Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return s.records(rows), nil
}

// DeleteFinished removes terminal jobs last updated before cutoff and
// returns how many were deleted.
func (s *Store) DeleteFinished(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?", []string{
			string(reframe.JobSucceeded),
			string(reframe.JobFailed),
			string(reframe.JobCanceled),
		}, cutoff).
		Delete(&Job{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete finished jobs: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) records(rows []Job) []reframe.JobRecord {
	out := make([]reframe.JobRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := row.record()
		if err != nil {
			s.logger.Warn("skipping unreadable job row", "error", err)
			continue
		}
		out = append(out, rec)
	}
	return out
}
