package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/makeasinger/audiogen/internal/model"
)

var ErrNotFound = errors.New("not found")

// StartOutcome is the result of an admission attempt
type StartOutcome int

const (
	// Started means the job moved from queued to running.
	Started StartOutcome = iota
	// AtCapacity means the organization already runs its maximum.
	AtCapacity
	// NotQueued means the job left queued before admission (duplicate run or cancel).
	NotQueued
)

func (o StartOutcome) String() string {
	switch o {
	case Started:
		return "started"
	case AtCapacity:
		return "at_capacity"
	case NotQueued:
		return "not_queued"
	}
	return "unknown"
}

// Finish describes a terminal transition
type Finish struct {
	Status         model.JobStatus
	Error          *string
	CompletedCount *int
	ProgressPct    *int
	FinishedAt     time.Time
}

// Repository is the narrow catalog surface the orchestrator works against.
// Every write is scoped by id and independently safe to retry.
type Repository interface {
	CreateJob(ctx context.Context, job *model.Job) error
	GetJob(ctx context.Context, id string) (*model.Job, error)
	ListChildren(ctx context.Context, parentID string) ([]model.Job, error)
	CountRunning(ctx context.Context, orgID string) (int64, error)
	TryStart(ctx context.Context, jobID, orgID string, limit int, now time.Time) (StartOutcome, error)
	MarkRunning(ctx context.Context, jobID string, now time.Time) (bool, error)
	SetProviderTask(ctx context.Context, jobID, providerTaskID string, conversionIDs []string, expected int) error
	UpdateProgress(ctx context.Context, jobID string, completed, pct int) (bool, error)
	Finish(ctx context.Context, jobID string, f Finish) (bool, error)

	AppendEvent(ctx context.Context, ev *model.JobEvent) error
	ListEvents(ctx context.Context, jobID string, since *time.Time) ([]model.JobEvent, error)

	CreateTrack(ctx context.Context, track *model.Track) error
	GetTrack(ctx context.Context, id string) (*model.Track, error)
	FindTrack(ctx context.Context, jobID string, variantIndex int) (*model.Track, error)
	ListTracksByJob(ctx context.Context, jobID string) ([]model.Track, error)

	CreatePlaylist(ctx context.Context, pl *model.Playlist) error
	GetPlaylist(ctx context.Context, id string) (*model.Playlist, error)
	CreatePlaylistItem(ctx context.Context, item *model.PlaylistItem) error
	ListPlaylistItems(ctx context.Context, playlistID string) ([]model.PlaylistItem, error)
	RefreshPlaylistStats(ctx context.Context, playlistID string) error
}

// Open connects to the catalog database
func Open(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case "postgres":
		dialector = postgres.Open(dsn)
	case "sqlite":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if driver == "sqlite" {
		// sqlite serializes writers; one connection keeps admission atomic
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to get underlying *sql.DB: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}

	return db, nil
}

// Migrate creates or updates the catalog tables
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&model.Job{},
		&model.JobEvent{},
		&model.Track{},
		&model.Playlist{},
		&model.PlaylistItem{},
	)
}
