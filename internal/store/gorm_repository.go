package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/makeasinger/audiogen/internal/model"
)

// GormRepository implements Repository on top of gorm (postgres or sqlite)
type GormRepository struct {
	db *gorm.DB
}

func NewGormRepository(db *gorm.DB) *GormRepository {
	return &GormRepository{db: db}
}

func (r *GormRepository) CreateJob(ctx context.Context, job *model.Job) error {
	return r.db.WithContext(ctx).Create(job).Error
}

func (r *GormRepository) GetJob(ctx context.Context, id string) (*model.Job, error) {
	var job model.Job
	if err := r.db.WithContext(ctx).First(&job, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &job, nil
}

func (r *GormRepository) ListChildren(ctx context.Context, parentID string) ([]model.Job, error) {
	var jobs []model.Job
	err := r.db.WithContext(ctx).
		Where("parent_job_id = ?", parentID).
		Order("created_at ASC").
		Find(&jobs).Error
	return jobs, err
}

// CountRunning counts the running leaf jobs of an organization. Playlist
// parents only wait on their children and never hold a slot.
func (r *GormRepository) CountRunning(ctx context.Context, orgID string) (int64, error) {
	return countRunning(r.db.WithContext(ctx), orgID)
}

func countRunning(tx *gorm.DB, orgID string) (int64, error) {
	var n int64
	err := tx.Model(&model.Job{}).
		Where("organization_id = ? AND status = ? AND kind <> ?", orgID, model.JobStatusRunning, model.JobKindPlaylistGenerate).
		Count(&n).Error
	return n, err
}

// TryStart admits jobID if its organization runs fewer than limit jobs.
// A job turned away at capacity has its admission attempts incremented.
// The count and the transition happen in one transaction; on postgres the
// organization is additionally serialized through an advisory lock.
func (r *GormRepository) TryStart(ctx context.Context, jobID, orgID string, limit int, now time.Time) (StartOutcome, error) {
	outcome := NotQueued
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if tx.Dialector.Name() == "postgres" {
			if err := tx.Exec("SELECT pg_advisory_xact_lock(hashtext(?))", orgID).Error; err != nil {
				return err
			}
		}

		var job model.Job
		if err := tx.Select("id", "status").First(&job, "id = ?", jobID).Error; err != nil {
			return notFound(err)
		}
		if job.Status != model.JobStatusQueued {
			outcome = NotQueued
			return nil
		}

		running, err := countRunning(tx, orgID)
		if err != nil {
			return err
		}
		if running >= int64(limit) {
			outcome = AtCapacity
			return tx.Model(&model.Job{}).Where("id = ?", jobID).
				UpdateColumn("admission_attempts", gorm.Expr("admission_attempts + 1")).Error
		}

		res := tx.Model(&model.Job{}).
			Where("id = ? AND status = ?", jobID, model.JobStatusQueued).
			Updates(map[string]interface{}{
				"status":     model.JobStatusRunning,
				"started_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 1 {
			outcome = Started
		}
		return nil
	})
	return outcome, err
}

// MarkRunning moves a queued job to running without admission control.
func (r *GormRepository) MarkRunning(ctx context.Context, jobID string, now time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&model.Job{}).
		Where("id = ? AND status = ?", jobID, model.JobStatusQueued).
		Updates(map[string]interface{}{
			"status":     model.JobStatusRunning,
			"started_at": now,
		})
	return res.RowsAffected == 1, res.Error
}

func (r *GormRepository) SetProviderTask(ctx context.Context, jobID, providerTaskID string, conversionIDs []string, expected int) error {
	res := r.db.WithContext(ctx).Model(&model.Job{}).
		Where("id = ?", jobID).
		Updates(map[string]interface{}{
			"provider_task_id":        providerTaskID,
			"provider_conversion_ids": datatypes.JSONSlice[string](conversionIDs),
			"expected_variants":       expected,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateProgress records progress of a running job. Neither completed nor
// pct ever move backwards; a stale write simply matches no row.
func (r *GormRepository) UpdateProgress(ctx context.Context, jobID string, completed, pct int) (bool, error) {
	res := r.db.WithContext(ctx).Model(&model.Job{}).
		Where("id = ? AND status = ? AND progress_pct <= ? AND completed_count <= ?",
			jobID, model.JobStatusRunning, pct, completed).
		Updates(map[string]interface{}{
			"completed_count": completed,
			"progress_pct":    pct,
		})
	return res.RowsAffected == 1, res.Error
}

// Finish moves a non-terminal job into a terminal state. It reports false when
// the job was already terminal, which makes terminal states immutable.
func (r *GormRepository) Finish(ctx context.Context, jobID string, f Finish) (bool, error) {
	updates := map[string]interface{}{
		"status":      f.Status,
		"finished_at": f.FinishedAt,
	}
	if f.Error != nil {
		updates["error"] = *f.Error
	}
	if f.CompletedCount != nil {
		updates["completed_count"] = *f.CompletedCount
	}
	if f.ProgressPct != nil {
		updates["progress_pct"] = *f.ProgressPct
	}

	res := r.db.WithContext(ctx).Model(&model.Job{}).
		Where("id = ? AND status IN ?", jobID, model.ActiveStatuses).
		Updates(updates)
	return res.RowsAffected == 1, res.Error
}

func (r *GormRepository) AppendEvent(ctx context.Context, ev *model.JobEvent) error {
	return r.db.WithContext(ctx).Create(ev).Error
}

func (r *GormRepository) ListEvents(ctx context.Context, jobID string, since *time.Time) ([]model.JobEvent, error) {
	q := r.db.WithContext(ctx).Where("job_id = ?", jobID)
	if since != nil {
		q = q.Where("created_at > ?", *since)
	}
	var events []model.JobEvent
	err := q.Order("seq ASC").Find(&events).Error
	return events, err
}

func (r *GormRepository) CreateTrack(ctx context.Context, track *model.Track) error {
	return r.db.WithContext(ctx).Create(track).Error
}

func (r *GormRepository) GetTrack(ctx context.Context, id string) (*model.Track, error) {
	var track model.Track
	if err := r.db.WithContext(ctx).First(&track, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &track, nil
}

func (r *GormRepository) FindTrack(ctx context.Context, jobID string, variantIndex int) (*model.Track, error) {
	var track model.Track
	err := r.db.WithContext(ctx).
		First(&track, "job_id = ? AND variant_index = ?", jobID, variantIndex).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &track, nil
}

func (r *GormRepository) ListTracksByJob(ctx context.Context, jobID string) ([]model.Track, error) {
	var tracks []model.Track
	err := r.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("variant_index ASC").
		Find(&tracks).Error
	return tracks, err
}

func (r *GormRepository) CreatePlaylist(ctx context.Context, pl *model.Playlist) error {
	return r.db.WithContext(ctx).Create(pl).Error
}

func (r *GormRepository) GetPlaylist(ctx context.Context, id string) (*model.Playlist, error) {
	var pl model.Playlist
	if err := r.db.WithContext(ctx).First(&pl, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &pl, nil
}

func (r *GormRepository) CreatePlaylistItem(ctx context.Context, item *model.PlaylistItem) error {
	return r.db.WithContext(ctx).Create(item).Error
}

func (r *GormRepository) ListPlaylistItems(ctx context.Context, playlistID string) ([]model.PlaylistItem, error) {
	var items []model.PlaylistItem
	err := r.db.WithContext(ctx).
		Where("playlist_id = ?", playlistID).
		Order("position ASC").
		Find(&items).Error
	return items, err
}

// RefreshPlaylistStats recomputes track count and total duration from items.
func (r *GormRepository) RefreshPlaylistStats(ctx context.Context, playlistID string) error {
	var stats struct {
		Count int64
		Total float64
	}
	err := r.db.WithContext(ctx).
		Table("playlist_items").
		Select("COUNT(*) AS count, COALESCE(SUM(tracks.duration_seconds), 0) AS total").
		Joins("JOIN tracks ON tracks.id = playlist_items.track_id").
		Where("playlist_items.playlist_id = ?", playlistID).
		Scan(&stats).Error
	if err != nil {
		return err
	}

	res := r.db.WithContext(ctx).Model(&model.Playlist{}).
		Where("id = ?", playlistID).
		Updates(map[string]interface{}{
			"track_count":            stats.Count,
			"total_duration_seconds": stats.Total,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
