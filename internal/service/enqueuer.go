package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/makeasinger/audiogen/internal/log"
	"github.com/makeasinger/audiogen/internal/model"
	"github.com/makeasinger/audiogen/internal/provider"
	"github.com/makeasinger/audiogen/internal/store"
)

var (
	// ErrValidation marks a malformed enqueue request; no job was created.
	ErrValidation = errors.New("validation failed")
	// ErrDispatch means the job was created but could not be handed off; it
	// has been marked failed.
	ErrDispatch = errors.New("failed to dispatch job")
)

// ValidationError carries per-field problems of an enqueue request
type ValidationError struct {
	Message string
	Fields  map[string]string
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return e.Message
	}
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return e.Message + " (" + strings.Join(parts, ", ") + ")"
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(message string, fields map[string]string) error {
	return &ValidationError{Message: message, Fields: fields}
}

// Dispatcher hands a job over to whatever executes it
type Dispatcher interface {
	Dispatch(ctx context.Context, jobID string) error
	DispatchExpiry(ctx context.Context, jobID string, delay time.Duration) error
	// Redispatch runs a job that was turned away by the gate again after delay
	Redispatch(ctx context.Context, jobID string, attempt int, delay time.Duration) error
}

// Owner identifies who a job belongs to
type Owner struct {
	OrganizationID string
	UserID         string
	ParentJobID    string
}

// TextFilter rewrites user-provided text before it reaches a provider
type TextFilter func(string) string

// Enqueuer validates requests, records new jobs and hands them off
type Enqueuer struct {
	repo       store.Repository
	registry   *provider.Registry
	events     *EventEmitter
	dispatcher Dispatcher
	validate   *validator.Validate
	filter     TextFilter
	now        func() time.Time
}

func NewEnqueuer(repo store.Repository, registry *provider.Registry, events *EventEmitter, dispatcher Dispatcher) *Enqueuer {
	return &Enqueuer{
		repo:       repo,
		registry:   registry,
		events:     events,
		dispatcher: dispatcher,
		validate:   NewValidator(),
		filter:     func(s string) string { return s },
		now:        time.Now,
	}
}

// WithTextFilter installs the filter applied to titles, lyrics, prompts and styles.
func (e *Enqueuer) WithTextFilter(f TextFilter) *Enqueuer {
	if f != nil {
		e.filter = f
	}
	return e
}

// NewValidator returns a validator that reports fields by their JSON names
func NewValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name == "" {
			return fld.Name
		}
		return name
	})
	return v
}

// FieldErrors flattens validator errors to field path → failed tag
func FieldErrors(err error) map[string]string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return nil
	}
	out := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		ns := fe.Namespace()
		if i := strings.IndexByte(ns, '.'); i >= 0 {
			ns = ns[i+1:]
		}
		out[ns] = fe.Tag()
	}
	return out
}

// Enqueue validates payload for kind, writes the queued job and its queued
// event, and dispatches it. It returns as soon as the job is handed off.
func (e *Enqueuer) Enqueue(ctx context.Context, kind model.JobKind, payload json.RawMessage, owner Owner) (*model.Job, error) {
	if owner.OrganizationID == "" || owner.UserID == "" {
		return nil, invalid("organization and user are required", nil)
	}

	var (
		job      *model.Job
		playlist *model.Playlist
		err      error
	)
	switch kind {
	case model.JobKindTrackGenerate:
		job, err = e.prepareTrack(ctx, payload, owner)
	case model.JobKindPlaylistGenerate:
		job, playlist, err = e.preparePlaylist(payload, owner)
	default:
		return nil, invalid(fmt.Sprintf("unsupported job kind %q", kind), nil)
	}
	if err != nil {
		return nil, err
	}

	if err := e.repo.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}
	if playlist != nil {
		if err := e.repo.CreatePlaylist(ctx, playlist); err != nil {
			e.abandon(ctx, job, fmt.Sprintf("failed to create playlist: %v", err))
			return nil, fmt.Errorf("failed to create playlist: %w", err)
		}
	}

	payloadEvent := map[string]any{
		"kind":      job.Kind,
		"itemCount": job.ItemCount,
		"provider":  job.ProviderID,
	}
	if job.ParentJobID != nil {
		payloadEvent["parentJobId"] = *job.ParentJobID
	}
	if _, err := e.events.Emit(ctx, job.ID, model.EventQueued, payloadEvent); err != nil {
		e.abandon(ctx, job, err.Error())
		return nil, err
	}

	if err := e.dispatcher.Dispatch(ctx, job.ID); err != nil {
		log.Error(err, "dispatch failed", "jobId", job.ID)
		e.abandon(ctx, job, fmt.Sprintf("dispatch failed: %v", err))
		return job, fmt.Errorf("%w: %v", ErrDispatch, err)
	}

	log.Info("job enqueued", "jobId", job.ID, "kind", job.Kind, "org", job.OrganizationID, "items", job.ItemCount)
	return job, nil
}

// abandon fails a job that never reached the runner
func (e *Enqueuer) abandon(ctx context.Context, job *model.Job, msg string) {
	ok, err := e.repo.Finish(ctx, job.ID, store.Finish{
		Status:     model.JobStatusFailed,
		Error:      &msg,
		FinishedAt: e.now().UTC(),
	})
	if err != nil {
		log.Error(err, "failed to mark job failed", "jobId", job.ID)
		return
	}
	job.Status = model.JobStatusFailed
	job.Error = &msg
	if ok {
		e.events.EmitLogged(ctx, job.ID, model.EventFailed, map[string]any{"error": msg})
	}
}

func (e *Enqueuer) prepareTrack(ctx context.Context, payload json.RawMessage, owner Owner) (*model.Job, error) {
	var params model.TrackParams
	if err := json.Unmarshal(payload, &params); err != nil {
		return nil, invalid("invalid track payload", nil)
	}
	if err := e.validate.Struct(&params); err != nil {
		return nil, invalid("invalid track payload", FieldErrors(err))
	}
	if err := e.checkProvider(params.Provider, params.PublicPerformance); err != nil {
		return nil, err
	}

	if params.N == 0 {
		params.N = 1
	}

	var parentID *string
	if owner.ParentJobID != "" {
		if err := e.checkParent(ctx, owner); err != nil {
			return nil, err
		}
		if params.N != 1 {
			return nil, invalid("playlist tracks produce exactly one variant", map[string]string{"n": "eq=1"})
		}
		if params.PlaylistID == "" || params.Position == nil {
			return nil, invalid("playlist tracks need a playlist position", map[string]string{"position": "required"})
		}
		parentID = &owner.ParentJobID
	} else if params.PlaylistID != "" || params.Position != nil {
		return nil, invalid("playlist position is only valid on playlist tracks", map[string]string{"position": "excluded"})
	}

	params.Title = e.filter(params.Title)
	params.Lyrics = e.filter(params.Lyrics)
	params.Prompt = e.filter(params.Prompt)
	params.Style = e.filter(params.Style)

	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params: %w", err)
	}

	job := e.newJob(model.JobKindTrackGenerate, owner, params.Provider, params.N, raw)
	job.ParentJobID = parentID
	job.Prompt = summarize(params.Title, params.Prompt, params.Lyrics)
	return job, nil
}

func (e *Enqueuer) preparePlaylist(payload json.RawMessage, owner Owner) (*model.Job, *model.Playlist, error) {
	if owner.ParentJobID != "" {
		return nil, nil, invalid("playlist jobs cannot have a parent", nil)
	}

	var params model.PlaylistParams
	if err := json.Unmarshal(payload, &params); err != nil {
		return nil, nil, invalid("invalid playlist payload", nil)
	}
	if err := e.validate.Struct(&params); err != nil {
		return nil, nil, invalid("invalid playlist payload", FieldErrors(err))
	}
	if err := e.checkProvider(params.Provider, params.PublicPerformance); err != nil {
		return nil, nil, err
	}

	params.Title = e.filter(params.Title)
	for i := range params.Blueprints {
		bp := &params.Blueprints[i]
		bp.Title = e.filter(bp.Title)
		bp.Lyrics = e.filter(bp.Lyrics)
		bp.Prompt = e.filter(bp.Prompt)
		bp.Style = e.filter(bp.Style)
	}
	params.PlaylistID = uuid.New().String()

	raw, err := json.Marshal(params)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal params: %w", err)
	}

	job := e.newJob(model.JobKindPlaylistGenerate, owner, params.Provider, len(params.Blueprints), raw)
	job.Prompt = summarize(params.Title, fmt.Sprintf("%d tracks", len(params.Blueprints)))

	playlist := &model.Playlist{
		ID:             params.PlaylistID,
		OrganizationID: owner.OrganizationID,
		UserID:         owner.UserID,
		JobID:          job.ID,
		Title:          params.Title,
	}
	return job, playlist, nil
}

func (e *Enqueuer) newJob(kind model.JobKind, owner Owner, providerID string, items int, params []byte) *model.Job {
	return &model.Job{
		ID:             uuid.New().String(),
		OrganizationID: owner.OrganizationID,
		UserID:         owner.UserID,
		Kind:           kind,
		Status:         model.JobStatusQueued,
		ItemCount:      items,
		ProviderID:     providerID,
		Params:         datatypes.JSON(params),
		CreatedAt:      e.now().UTC(),
	}
}

func (e *Enqueuer) checkProvider(id string, publicPerformance bool) error {
	if _, err := e.registry.Get(id); err != nil {
		return invalid("provider is not available", map[string]string{"provider": "registered"})
	}
	if publicPerformance && !e.registry.AllowedForPublicPerformance(id) {
		return invalid("provider output may not be used for public performance", map[string]string{"publicPerformance": "provider"})
	}
	return nil
}

// checkParent keeps job trees two levels deep and inside one organization
func (e *Enqueuer) checkParent(ctx context.Context, owner Owner) error {
	parent, err := e.repo.GetJob(ctx, owner.ParentJobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return invalid("parent job not found", map[string]string{"parentJobId": "exists"})
		}
		return fmt.Errorf("failed to load parent job: %w", err)
	}
	if parent.IsChild() || parent.Kind != model.JobKindPlaylistGenerate {
		return invalid("parent job cannot have children", map[string]string{"parentJobId": "playlist"})
	}
	if parent.OrganizationID != owner.OrganizationID {
		return invalid("parent job belongs to another organization", map[string]string{"parentJobId": "organization"})
	}
	return nil
}

const promptSummaryLen = 200

func summarize(parts ...string) string {
	var kept []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, p)
		}
	}
	s := strings.Join(kept, " | ")
	if r := []rune(s); len(r) > promptSummaryLen {
		s = string(r[:promptSummaryLen-1]) + "…"
	}
	return s
}
