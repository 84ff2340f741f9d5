package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/makeasinger/audiogen/internal/log"
	"github.com/makeasinger/audiogen/internal/model"
	"github.com/makeasinger/audiogen/internal/store"
)

// ErrAlreadyTerminal is returned when canceling a finished job
var ErrAlreadyTerminal = errors.New("job already finished")

const cancelMessage = "canceled by request"

// JobService is the read and cancel surface over jobs, scoped by organization
type JobService struct {
	repo       store.Repository
	events     *EventEmitter
	aggregator *Aggregator
	now        func() time.Time
}

func NewJobService(repo store.Repository, events *EventEmitter, aggregator *Aggregator) *JobService {
	return &JobService{
		repo:       repo,
		events:     events,
		aggregator: aggregator,
		now:        time.Now,
	}
}

// Get returns the job if it belongs to orgID
func (s *JobService) Get(ctx context.Context, orgID, jobID string) (*model.Job, error) {
	job, err := s.repo.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.OrganizationID != orgID {
		return nil, store.ErrNotFound
	}
	return job, nil
}

// Events returns the job's events in emission order, optionally only those
// created after since.
func (s *JobService) Events(ctx context.Context, orgID, jobID string, since *time.Time) ([]model.JobEvent, error) {
	if _, err := s.Get(ctx, orgID, jobID); err != nil {
		return nil, err
	}
	if since != nil {
		t := since.UTC()
		since = &t
	}
	return s.repo.ListEvents(ctx, jobID, since)
}

// Tracks lists the tracks a job materialized
func (s *JobService) Tracks(ctx context.Context, orgID, jobID string) ([]model.Track, error) {
	if _, err := s.Get(ctx, orgID, jobID); err != nil {
		return nil, err
	}
	return s.repo.ListTracksByJob(ctx, jobID)
}

// Cancel moves the job to canceled. Running work notices at its next check.
// Canceling a playlist cancels its active children; canceling a child lets
// the parent re-aggregate.
func (s *JobService) Cancel(ctx context.Context, orgID, jobID string) (*model.Job, error) {
	job, err := s.Get(ctx, orgID, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.IsTerminal() {
		return job, ErrAlreadyTerminal
	}

	ok, err := s.cancelOne(ctx, job.ID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return s.repo.GetJob(ctx, job.ID)
	}

	if job.Kind == model.JobKindPlaylistGenerate {
		children, err := s.repo.ListChildren(ctx, job.ID)
		if err != nil {
			log.Error(err, "failed to list children for cancel", "jobId", job.ID)
		}
		for _, child := range children {
			if child.Status.IsTerminal() {
				continue
			}
			if _, err := s.cancelOne(ctx, child.ID); err != nil {
				log.Error(err, "failed to cancel child", "jobId", child.ID, "parentJobId", job.ID)
			}
		}
	}

	if job.IsChild() {
		if err := s.aggregator.OnChildTerminal(ctx, *job.ParentJobID); err != nil {
			log.Error(err, "aggregation after cancel failed", "jobId", job.ID, "parentJobId", *job.ParentJobID)
		}
	}

	log.Info("job canceled", "jobId", job.ID, "kind", job.Kind)
	return s.repo.GetJob(ctx, job.ID)
}

func (s *JobService) cancelOne(ctx context.Context, jobID string) (bool, error) {
	msg := cancelMessage
	ok, err := s.repo.Finish(ctx, jobID, store.Finish{
		Status:     model.JobStatusCanceled,
		Error:      &msg,
		FinishedAt: s.now().UTC(),
	})
	if err != nil {
		return false, fmt.Errorf("failed to cancel job: %w", err)
	}
	if ok {
		s.events.EmitLogged(ctx, jobID, model.EventCanceled, map[string]any{"reason": msg})
	}
	return ok, nil
}
