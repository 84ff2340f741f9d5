package handler

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/makeasinger/audiogen/internal/log"
	"github.com/makeasinger/audiogen/internal/middleware"
	"github.com/makeasinger/audiogen/internal/model"
	"github.com/makeasinger/audiogen/internal/service"
	"github.com/makeasinger/audiogen/internal/store"
	"github.com/makeasinger/audiogen/pkg/response"
)

type JobHandler struct {
	enqueuer *service.Enqueuer
	jobs     *service.JobService
}

func NewJobHandler(enqueuer *service.Enqueuer, jobs *service.JobService) *JobHandler {
	return &JobHandler{
		enqueuer: enqueuer,
		jobs:     jobs,
	}
}

// CreateTrack handles POST /api/jobs/tracks
// @Summary      Generate a track
// @Description  Enqueue a track.generate job producing n variants of one song
// @Tags         Jobs
// @Accept       json
// @Produce      json
// @Param        request body model.TrackParams true "Track generation request"
// @Success      202 {object} model.JobAcceptedResponse
// @Failure      400 {object} response.ErrorResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      429 {object} response.ErrorResponse
// @Failure      503 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/jobs/tracks [post]
func (h *JobHandler) CreateTrack(c *fiber.Ctx) error {
	return h.enqueue(c, model.JobKindTrackGenerate)
}

// CreatePlaylist handles POST /api/jobs/playlists
// @Summary      Generate a playlist
// @Description  Enqueue a playlist.generate job that fans out one track job per blueprint
// @Tags         Jobs
// @Accept       json
// @Produce      json
// @Param        request body model.PlaylistParams true "Playlist generation request"
// @Success      202 {object} model.JobAcceptedResponse
// @Failure      400 {object} response.ErrorResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      429 {object} response.ErrorResponse
// @Failure      503 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/jobs/playlists [post]
func (h *JobHandler) CreatePlaylist(c *fiber.Ctx) error {
	return h.enqueue(c, model.JobKindPlaylistGenerate)
}

func (h *JobHandler) enqueue(c *fiber.Ctx, kind model.JobKind) error {
	owner := service.Owner{
		OrganizationID: middleware.GetOrgID(c),
		UserID:         middleware.GetUserID(c),
	}

	// fiber reuses the body buffer once the handler returns
	body := append([]byte(nil), c.Body()...)

	job, err := h.enqueuer.Enqueue(c.UserContext(), kind, body, owner)
	if err != nil {
		var verr *service.ValidationError
		switch {
		case errors.As(err, &verr):
			return response.ValidationError(c, verr.Message, verr.Fields)
		case errors.Is(err, service.ErrDispatch):
			return response.Unavailable(c, "Job could not be scheduled, try again later")
		default:
			log.Error(err, "enqueue failed", "kind", kind, "org", owner.OrganizationID)
			return response.ServiceError(c, "Failed to create job")
		}
	}

	return response.Accepted(c, model.JobAcceptedResponse{
		JobID:     job.ID,
		Status:    job.Status,
		CreatedAt: job.CreatedAt,
	})
}

// Get handles GET /api/jobs/:jobId
// @Summary      Get job
// @Description  Get the current state and progress of a job
// @Tags         Jobs
// @Produce      json
// @Param        jobId path string true "Job ID"
// @Success      200 {object} model.Job
// @Failure      401 {object} response.ErrorResponse
// @Failure      404 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/jobs/{jobId} [get]
func (h *JobHandler) Get(c *fiber.Ctx) error {
	job, err := h.jobs.Get(c.UserContext(), middleware.GetOrgID(c), c.Params("jobId"))
	if err != nil {
		return lookupError(c, err, "Job not found")
	}
	return response.OK(c, job)
}

// Events handles GET /api/jobs/:jobId/events
// @Summary      List job events
// @Description  List a job's events in emission order, optionally only those after a point in time
// @Tags         Jobs
// @Produce      json
// @Param        jobId path string true "Job ID"
// @Param        since query string false "RFC3339 timestamp"
// @Success      200 {object} model.JobEventsResponse
// @Failure      400 {object} response.ErrorResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      404 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/jobs/{jobId}/events [get]
func (h *JobHandler) Events(c *fiber.Ctx) error {
	var since *time.Time
	if raw := c.Query("since"); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return response.ValidationError(c, "Invalid since parameter", map[string]string{
				"since": "must be an RFC3339 timestamp",
			})
		}
		since = &t
	}

	jobID := c.Params("jobId")
	events, err := h.jobs.Events(c.UserContext(), middleware.GetOrgID(c), jobID, since)
	if err != nil {
		return lookupError(c, err, "Job not found")
	}
	if events == nil {
		events = []model.JobEvent{}
	}
	return response.OK(c, model.JobEventsResponse{JobID: jobID, Events: events})
}

// Tracks handles GET /api/jobs/:jobId/tracks
// @Summary      List job tracks
// @Description  List the tracks a job has materialized so far
// @Tags         Jobs
// @Produce      json
// @Param        jobId path string true "Job ID"
// @Success      200 {array} model.Track
// @Failure      401 {object} response.ErrorResponse
// @Failure      404 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/jobs/{jobId}/tracks [get]
func (h *JobHandler) Tracks(c *fiber.Ctx) error {
	tracks, err := h.jobs.Tracks(c.UserContext(), middleware.GetOrgID(c), c.Params("jobId"))
	if err != nil {
		return lookupError(c, err, "Job not found")
	}
	if tracks == nil {
		tracks = []model.Track{}
	}
	return response.OK(c, tracks)
}

// Cancel handles POST /api/jobs/:jobId/cancel
// @Summary      Cancel job
// @Description  Cancel a queued or running job; playlist jobs cancel their unfinished tracks
// @Tags         Jobs
// @Produce      json
// @Param        jobId path string true "Job ID"
// @Success      200 {object} model.JobCancelResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      404 {object} response.ErrorResponse
// @Failure      409 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/jobs/{jobId}/cancel [post]
func (h *JobHandler) Cancel(c *fiber.Ctx) error {
	job, err := h.jobs.Cancel(c.UserContext(), middleware.GetOrgID(c), c.Params("jobId"))
	if err != nil {
		if errors.Is(err, service.ErrAlreadyTerminal) {
			return response.Conflict(c, "Job has already finished")
		}
		return lookupError(c, err, "Job not found")
	}

	return response.OK(c, model.JobCancelResponse{
		Success: job.Status == model.JobStatusCanceled,
		JobID:   job.ID,
		Status:  job.Status,
	})
}

// lookupError maps a failed read to 404 or 500
func lookupError(c *fiber.Ctx, err error, notFound string) error {
	if errors.Is(err, store.ErrNotFound) {
		return response.NotFound(c, notFound)
	}
	log.Error(err, "request failed", "path", c.Path())
	return response.ServiceError(c, "Internal server error")
}
