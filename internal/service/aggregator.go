package service

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/makeasinger/audiogen/internal/log"
	"github.com/makeasinger/audiogen/internal/model"
	"github.com/makeasinger/audiogen/internal/store"
)

// Aggregator derives a playlist job's state from its children
type Aggregator struct {
	repo   store.Repository
	events *EventEmitter
	now    func() time.Time
}

func NewAggregator(repo store.Repository, events *EventEmitter) *Aggregator {
	return &Aggregator{repo: repo, events: events, now: time.Now}
}

// Rollup is the child tally of a parent job
type Rollup struct {
	Total     int
	Succeeded int
	Failed    int
	Active    int
}

func (r Rollup) Completed() int { return r.Succeeded + r.Failed }

func (r Rollup) Percent() int {
	if r.Total == 0 {
		return 100
	}
	return int(math.Round(100 * float64(r.Completed()) / float64(r.Total)))
}

// Tally partitions children. Children not created yet count as active, so
// total is never below the parent's item count.
func Tally(itemCount int, children []model.Job) Rollup {
	r := Rollup{Total: itemCount}
	if len(children) > r.Total {
		r.Total = len(children)
	}
	for _, c := range children {
		switch c.Status {
		case model.JobStatusSucceeded:
			r.Succeeded++
		case model.JobStatusFailed, model.JobStatusCanceled:
			r.Failed++
		}
	}
	r.Active = r.Total - r.Completed()
	return r
}

// OnChildTerminal recomputes the parent from the full child set. It is safe
// to call any number of times: a terminal parent is left alone and only the
// caller whose Finish wins emits the terminal event.
func (a *Aggregator) OnChildTerminal(ctx context.Context, parentID string) error {
	parent, err := a.repo.GetJob(ctx, parentID)
	if err != nil {
		return fmt.Errorf("failed to load parent job: %w", err)
	}
	if parent.Status.IsTerminal() {
		return nil
	}

	children, err := a.repo.ListChildren(ctx, parentID)
	if err != nil {
		return fmt.Errorf("failed to list children: %w", err)
	}
	r := Tally(parent.ItemCount, children)
	completed := r.Completed()
	if completed > parent.ItemCount {
		completed = parent.ItemCount
	}

	payload := map[string]any{
		"total":     r.Total,
		"succeeded": r.Succeeded,
		"failed":    r.Failed,
		"completed": completed,
	}

	if r.Active > 0 {
		pct := r.Percent()
		ok, err := a.repo.UpdateProgress(ctx, parentID, completed, pct)
		if err != nil {
			return fmt.Errorf("failed to update parent progress: %w", err)
		}
		if ok {
			payload["progressPct"] = pct
			a.events.EmitLogged(ctx, parentID, model.EventProgress, payload)
		}
		return nil
	}

	status := model.JobStatusSucceeded
	finish := store.Finish{
		Status:         status,
		CompletedCount: &completed,
		ProgressPct:    intPtr(100),
		FinishedAt:     a.now().UTC(),
	}
	if r.Failed > 0 {
		status = model.JobStatusFailed
		msg := fmt.Sprintf("%d of %d tracks failed", r.Failed, r.Total)
		finish.Status = status
		finish.Error = &msg
		payload["error"] = msg
	}

	ok, err := a.repo.Finish(ctx, parentID, finish)
	if err != nil {
		return fmt.Errorf("failed to finish parent: %w", err)
	}
	if !ok {
		// someone else finalized it first
		return nil
	}

	if ids := a.playlistTrackIDs(ctx, parent); ids != nil {
		payload["trackIds"] = ids
	}
	eventType := model.EventSucceeded
	if status == model.JobStatusFailed {
		eventType = model.EventFailed
	}
	a.events.EmitLogged(ctx, parentID, eventType, payload)
	log.Info("playlist job finished", "jobId", parentID, "status", status, "succeeded", r.Succeeded, "failed", r.Failed)
	return nil
}

func (a *Aggregator) playlistTrackIDs(ctx context.Context, parent *model.Job) []string {
	var params model.PlaylistParams
	if err := json.Unmarshal(parent.Params, &params); err != nil || params.PlaylistID == "" {
		return nil
	}
	items, err := a.repo.ListPlaylistItems(ctx, params.PlaylistID)
	if err != nil {
		log.Error(err, "failed to list playlist items", "jobId", parent.ID)
		return nil
	}
	ids := make([]string, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.TrackID)
	}
	return ids
}

func intPtr(v int) *int { return &v }
