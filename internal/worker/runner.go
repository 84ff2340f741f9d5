package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/makeasinger/audiogen/internal/log"
	"github.com/makeasinger/audiogen/internal/model"
	"github.com/makeasinger/audiogen/internal/provider"
	"github.com/makeasinger/audiogen/internal/service"
	"github.com/makeasinger/audiogen/internal/store"
)

const tracerName = "github.com/makeasinger/audiogen/internal/worker"

var (
	// ErrPollTimeout means the provider never reached a terminal state in time
	ErrPollTimeout = errors.New("provider did not finish in time")
	// ErrDeliveryTimeout means a push provider never called back in time
	ErrDeliveryTimeout = errors.New("provider callback did not arrive in time")
	// ErrInvalidCallback means a callback body could not be understood
	ErrInvalidCallback = errors.New("invalid provider callback")
	// ErrCallbackUnsupported means the provider does not deliver by callback
	ErrCallbackUnsupported = errors.New("provider does not accept callbacks")
	// ErrJobNotRunning means a callback arrived for a job that has not started
	ErrJobNotRunning = errors.New("job is not running")

	errCanceled = errors.New("job canceled")
)

// RecordedError is a job failure already written to the job row and its
// event log. Retrying the step would not change the outcome.
type RecordedError struct {
	Err error
}

func (e *RecordedError) Error() string { return e.Err.Error() }
func (e *RecordedError) Unwrap() error { return e.Err }

// IsRecorded reports whether err is a failure the job row already records
func IsRecorded(err error) bool {
	var re *RecordedError
	return errors.As(err, &re)
}

// RunnerConfig holds the runner's timing knobs
type RunnerConfig struct {
	PollInterval    time.Duration
	PollTimeout     time.Duration
	PushTimeout     time.Duration
	PrepareAttempts int
	RetryBackoff    time.Duration
}

func (c *RunnerConfig) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = 10 * time.Minute
	}
	if c.PushTimeout <= 0 {
		c.PushTimeout = 15 * time.Minute
	}
	if c.PrepareAttempts < 1 {
		c.PrepareAttempts = 1
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = time.Second
	}
}

// RunnerDeps are the collaborators a Runner drives
type RunnerDeps struct {
	Repo         store.Repository
	Registry     *provider.Registry
	Gate         *service.Gate
	Enqueuer     *service.Enqueuer
	Events       *service.EventEmitter
	Aggregator   *service.Aggregator
	Materializer *Materializer
	Dispatcher   service.Dispatcher
}

// Runner moves jobs through queued → running → terminal
type Runner struct {
	RunnerDeps
	cfg    RunnerConfig
	tracer trace.Tracer
	now    func() time.Time
}

func NewRunner(deps RunnerDeps, cfg RunnerConfig) *Runner {
	cfg.applyDefaults()
	return &Runner{
		RunnerDeps: deps,
		cfg:        cfg,
		tracer:     otel.Tracer(tracerName),
		now:        time.Now,
	}
}

// Run executes a queued job. A job that is no longer queued was picked up
// elsewhere and is left alone.
func (r *Runner) Run(ctx context.Context, jobID string) error {
	ctx, span := r.tracer.Start(ctx, "runner.Run", trace.WithAttributes(attribute.String("job.id", jobID)))
	defer span.End()

	job, err := r.Repo.GetJob(ctx, jobID)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to load job %s: %w", jobID, err)
	}
	span.SetAttributes(
		attribute.String("job.kind", string(job.Kind)),
		attribute.String("job.provider", job.ProviderID),
	)
	if job.Status != model.JobStatusQueued {
		log.Debug("job already picked up", "jobId", job.ID, "status", job.Status)
		return nil
	}

	switch job.Kind {
	case model.JobKindPlaylistGenerate:
		err = r.runPlaylist(ctx, job)
	case model.JobKindTrackGenerate:
		err = r.runTrack(ctx, job)
	default:
		err = r.fail(ctx, job, fmt.Errorf("unsupported job kind %q", job.Kind))
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (r *Runner) runPlaylist(ctx context.Context, job *model.Job) error {
	ok, err := r.Repo.MarkRunning(ctx, job.ID, r.now().UTC())
	if err != nil {
		return fmt.Errorf("failed to start playlist job: %w", err)
	}
	if !ok {
		return nil
	}
	job.Status = model.JobStatusRunning
	r.Events.EmitLogged(ctx, job.ID, model.EventStarted, map[string]any{"itemCount": job.ItemCount})

	var params model.PlaylistParams
	if err := json.Unmarshal(job.Params, &params); err != nil {
		return r.fail(ctx, job, fmt.Errorf("invalid playlist params: %w", err))
	}

	spawned := 0
	for i, bp := range params.Blueprints {
		if r.canceled(ctx, job.ID) {
			return nil
		}

		position := i
		payload, err := json.Marshal(model.TrackParams{
			Provider:          params.Provider,
			Model:             params.Model,
			N:                 1,
			Title:             bp.Title,
			Lyrics:            bp.Lyrics,
			Prompt:            bp.Prompt,
			Style:             blueprintStyle(bp),
			PublicPerformance: params.PublicPerformance,
			PlaylistID:        params.PlaylistID,
			Position:          &position,
		})
		if err != nil {
			return r.fail(ctx, job, fmt.Errorf("failed to build track %d: %w", i, err))
		}

		_, err = r.Enqueuer.Enqueue(ctx, model.JobKindTrackGenerate, payload, service.Owner{
			OrganizationID: job.OrganizationID,
			UserID:         job.UserID,
			ParentJobID:    job.ID,
		})
		switch {
		case err == nil:
			spawned++
		case errors.Is(err, service.ErrDispatch):
			// the child exists and is already failed, aggregation counts it
			spawned++
		default:
			return r.fail(ctx, job, fmt.Errorf("failed to spawn track %d: %w", i, err))
		}
	}

	log.Info("playlist tracks spawned", "jobId", job.ID, "tracks", spawned)
	if err := r.Aggregator.OnChildTerminal(ctx, job.ID); err != nil {
		log.Error(err, "aggregation after spawn failed", "jobId", job.ID)
	}
	return nil
}

func blueprintStyle(bp model.TrackBlueprint) string {
	switch {
	case bp.Genre == "":
		return bp.Style
	case bp.Style == "":
		return string(bp.Genre)
	}
	return string(bp.Genre) + ", " + bp.Style
}

func (r *Runner) runTrack(ctx context.Context, job *model.Job) error {
	adapter, err := r.Registry.Get(job.ProviderID)
	if err != nil {
		return r.fail(ctx, job, err)
	}

	adm, err := r.Gate.Admit(ctx, job)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrNotQueued):
			return nil
		case ctx.Err() != nil:
			return ctx.Err()
		}
		return r.fail(ctx, job, err)
	}
	if !adm.Admitted {
		if err := r.Dispatcher.Redispatch(ctx, job.ID, adm.Attempt, adm.RetryIn); err != nil {
			return r.fail(ctx, job, fmt.Errorf("failed to requeue job: %w", err))
		}
		return nil
	}
	job.Status = model.JobStatusRunning
	r.Events.EmitLogged(ctx, job.ID, model.EventStarted, map[string]any{
		"provider":  job.ProviderID,
		"itemCount": job.ItemCount,
	})

	var params model.TrackParams
	if err := json.Unmarshal(job.Params, &params); err != nil {
		return r.fail(ctx, job, fmt.Errorf("invalid track params: %w", err))
	}

	prep, err := r.prepare(ctx, job, adapter, params)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return r.fail(ctx, job, err)
	}

	expected := prep.ExpectedVariants
	if expected <= 0 || expected > job.ItemCount {
		expected = job.ItemCount
	}
	if err := r.Repo.SetProviderTask(ctx, job.ID, prep.ProviderTaskID, prep.ProviderConversionIDs, expected); err != nil {
		return r.fail(ctx, job, fmt.Errorf("failed to record provider task: %w", err))
	}
	job.ProviderTaskID = &prep.ProviderTaskID
	job.ProviderConversionIDs = prep.ProviderConversionIDs
	job.ExpectedVariants = expected
	r.Events.EmitLogged(ctx, job.ID, model.EventProgress, map[string]any{
		"providerTaskId":   prep.ProviderTaskID,
		"expectedVariants": expected,
		"completed":        0,
	})

	if adapter.Delivery() == model.DeliveryPush {
		if err := r.Dispatcher.DispatchExpiry(ctx, job.ID, r.cfg.PushTimeout); err != nil {
			return r.fail(ctx, job, fmt.Errorf("failed to schedule delivery timeout: %w", err))
		}
		log.Info("waiting for provider callback", "jobId", job.ID, "provider", job.ProviderID, "taskId", prep.ProviderTaskID)
		return nil
	}

	results, err := r.poll(ctx, job, adapter)
	if err != nil {
		switch {
		case errors.Is(err, errCanceled):
			return nil
		case errors.Is(err, ErrPollTimeout):
			return r.fail(ctx, job, err)
		case ctx.Err() != nil:
			return ctx.Err()
		}
		return r.fail(ctx, job, err)
	}

	if err := r.collect(ctx, job, adapter, results); err != nil {
		if errors.Is(err, errCanceled) {
			return nil
		}
		return r.fail(ctx, job, err)
	}
	return r.settle(ctx, job, true)
}

// prepare submits the request. Transient failures are retried; they never
// carry a task id, so resubmitting cannot duplicate work.
func (r *Runner) prepare(ctx context.Context, job *model.Job, adapter provider.Adapter, params model.TrackParams) (*model.ProviderPrepareResult, error) {
	gp := provider.GenerateParams{
		JobID:             job.ID,
		Model:             params.Model,
		N:                 params.N,
		Title:             params.Title,
		Lyrics:            params.Lyrics,
		Prompt:            params.Prompt,
		Style:             params.Style,
		ReferenceID:       params.ReferenceID,
		VocalID:           params.VocalID,
		MelodyID:          params.MelodyID,
		PublicPerformance: params.PublicPerformance,
	}

	for attempt := 1; ; attempt++ {
		res, err := adapter.Prepare(ctx, gp)
		if err == nil {
			return res, nil
		}
		if !provider.IsTransient(err) || attempt >= r.cfg.PrepareAttempts {
			return nil, fmt.Errorf("provider prepare failed: %w", err)
		}
		wait := r.cfg.RetryBackoff * time.Duration(attempt)
		log.Info("provider prepare failed, retrying", "jobId", job.ID, "attempt", attempt, "wait", wait.String(), "error", err.Error())
		if err := sleep(ctx, wait); err != nil {
			return nil, err
		}
	}
}

// poll checks the provider every interval until it returns results, fails or
// the poll timeout passes. Rate limits and transient errors stretch the wait.
func (r *Runner) poll(ctx context.Context, job *model.Job, adapter provider.Adapter) ([]model.ProviderPollResult, error) {
	pollCtx, cancel := context.WithTimeout(ctx, r.cfg.PollTimeout)
	defer cancel()

	timer := time.NewTimer(r.cfg.PollInterval)
	defer timer.Stop()

	expired := func() error {
		if ctx.Err() == nil {
			return fmt.Errorf("%w after %s", ErrPollTimeout, r.cfg.PollTimeout)
		}
		return ctx.Err()
	}

	for attempt := 1; ; attempt++ {
		select {
		case <-pollCtx.Done():
			return nil, expired()
		case <-timer.C:
		}

		if r.canceled(pollCtx, job.ID) {
			return nil, errCanceled
		}

		results, err := adapter.Poll(pollCtx, *job.ProviderTaskID, job.ProviderConversionIDs)
		next := r.cfg.PollInterval
		switch {
		case err == nil && len(results) > 0:
			log.Debug("provider finished", "jobId", job.ID, "attempt", attempt, "results", len(results))
			return results, nil
		case err == nil, errors.Is(err, provider.ErrNotReady):
		case pollCtx.Err() != nil:
			return nil, expired()
		case provider.IsTransient(err):
			next = 3 * r.cfg.PollInterval
			log.Info("provider poll failed transiently", "jobId", job.ID, "attempt", attempt, "rateLimited", provider.IsRateLimited(err), "error", err.Error())
		default:
			return nil, fmt.Errorf("provider poll failed: %w", err)
		}
		timer.Reset(next)
	}
}

// collect materializes every not yet stored variant of results. Variants
// beyond the expected count are ignored.
func (r *Runner) collect(ctx context.Context, job *model.Job, adapter provider.Adapter, results []model.ProviderPollResult) error {
	var normalized []model.NormalizedResult
	for _, res := range results {
		nr, err := adapter.Normalize(res)
		if err != nil {
			return fmt.Errorf("failed to normalize provider result: %w", err)
		}
		normalized = append(normalized, nr...)
	}

	existing, err := r.Repo.ListTracksByJob(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("failed to list tracks: %w", err)
	}
	taken := make(map[int]bool, len(existing))
	seen := make(map[string]bool, len(existing))
	for _, t := range existing {
		taken[t.VariantIndex] = true
		if id, ok := t.Meta["variantId"].(string); ok && id != "" {
			seen[id] = true
		}
	}
	completed := len(existing)
	target := variantTarget(job)
	pl := playlistContext(job)

	for _, nr := range normalized {
		if nr.VariantID != "" && seen[nr.VariantID] {
			continue
		}
		idx := variantIndex(job, nr, taken)
		if idx >= target || taken[idx] {
			continue
		}
		if r.canceled(ctx, job.ID) {
			return errCanceled
		}

		track, err := r.Materializer.Materialize(ctx, job, nr, idx, pl)
		if err != nil {
			return fmt.Errorf("variant %d: %w", idx, err)
		}
		taken[idx] = true
		if nr.VariantID != "" {
			seen[nr.VariantID] = true
		}
		completed++

		if ok, err := r.Repo.UpdateProgress(ctx, job.ID, completed, 100*completed/job.ItemCount); err != nil {
			log.Error(err, "failed to update progress", "jobId", job.ID)
		} else if ok {
			r.Events.EmitLogged(ctx, job.ID, model.EventItemSucceeded, map[string]any{
				"trackId":      track.ID,
				"variantIndex": idx,
				"completed":    completed,
			})
		}
	}
	return nil
}

// settle finishes a running job from the tracks it has. With final unset it
// only finishes once every expected variant is stored.
func (r *Runner) settle(ctx context.Context, job *model.Job, final bool) error {
	tracks, err := r.Repo.ListTracksByJob(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("failed to list tracks: %w", err)
	}
	if !final && len(tracks) < variantTarget(job) {
		return nil
	}
	if len(tracks) == 0 {
		return r.fail(ctx, job, fmt.Errorf("%w: no usable variants returned", provider.ErrProviderFailed))
	}

	ids := make([]string, 0, len(tracks))
	for _, t := range tracks {
		ids = append(ids, t.ID)
	}
	completed := min(len(tracks), job.ItemCount)
	pct := 100
	ok, err := r.Repo.Finish(ctx, job.ID, store.Finish{
		Status:         model.JobStatusSucceeded,
		CompletedCount: &completed,
		ProgressPct:    &pct,
		FinishedAt:     r.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to finish job: %w", err)
	}
	if ok {
		r.Events.EmitLogged(ctx, job.ID, model.EventSucceeded, map[string]any{
			"trackIds":  ids,
			"completed": completed,
		})
		log.Info("job succeeded", "jobId", job.ID, "tracks", len(ids))
		r.afterTerminal(ctx, job)
	}
	return nil
}

// fail records cause as the job's terminal error. The returned error is a
// RecordedError unless the catalog write itself failed.
func (r *Runner) fail(ctx context.Context, job *model.Job, cause error) error {
	msg := cause.Error()
	ok, err := r.Repo.Finish(ctx, job.ID, store.Finish{
		Status:     model.JobStatusFailed,
		Error:      &msg,
		FinishedAt: r.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to record job failure (%s): %w", msg, err)
	}
	if ok {
		r.Events.EmitLogged(ctx, job.ID, model.EventFailed, map[string]any{"error": msg})
		log.Info("job failed", "jobId", job.ID, "error", msg)
		r.afterTerminal(ctx, job)
	}
	return &RecordedError{Err: cause}
}

func (r *Runner) afterTerminal(ctx context.Context, job *model.Job) {
	if !job.IsChild() {
		return
	}
	if err := r.Aggregator.OnChildTerminal(ctx, *job.ParentJobID); err != nil {
		log.Error(err, "aggregation failed", "jobId", job.ID, "parentJobId", *job.ParentJobID)
	}
}

// canceled reports whether the job left running, e.g. by a cancel request
func (r *Runner) canceled(ctx context.Context, jobID string) bool {
	job, err := r.Repo.GetJob(ctx, jobID)
	if err != nil {
		return false
	}
	return job.Status.IsTerminal()
}

// HandleCallback applies a push provider's callback to a running job.
// Repeated callbacks only add variants not stored yet.
func (r *Runner) HandleCallback(ctx context.Context, providerID, jobID string, body []byte) error {
	ctx, span := r.tracer.Start(ctx, "runner.HandleCallback", trace.WithAttributes(
		attribute.String("job.id", jobID),
		attribute.String("job.provider", providerID),
	))
	defer span.End()

	adapter, err := r.Registry.Get(providerID)
	if err != nil {
		return err
	}
	parser, ok := adapter.(provider.CallbackParser)
	if !ok {
		return fmt.Errorf("%w: %s", ErrCallbackUnsupported, providerID)
	}

	job, err := r.Repo.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.ProviderID != providerID {
		return store.ErrNotFound
	}
	if job.Status.IsTerminal() {
		log.Debug("callback for finished job ignored", "jobId", job.ID, "status", job.Status)
		return nil
	}
	if job.Status != model.JobStatusRunning {
		return ErrJobNotRunning
	}

	results, err := parser.ParseCallback(body)
	if err != nil {
		if errors.Is(err, provider.ErrProviderFailed) {
			return r.fail(ctx, job, err)
		}
		return fmt.Errorf("%w: %v", ErrInvalidCallback, err)
	}
	if len(results) == 0 {
		log.Debug("callback without audio", "jobId", job.ID)
		return nil
	}

	if err := r.collect(ctx, job, adapter, results); err != nil {
		if errors.Is(err, errCanceled) {
			return nil
		}
		span.RecordError(err)
		return r.fail(ctx, job, err)
	}
	return r.settle(ctx, job, false)
}

// Expire ends a push job whose callbacks stopped short. Variants that did
// arrive are kept and the job succeeds with them.
func (r *Runner) Expire(ctx context.Context, jobID string) error {
	job, err := r.Repo.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("failed to load job %s: %w", jobID, err)
	}
	if job.Status != model.JobStatusRunning {
		return nil
	}

	tracks, err := r.Repo.ListTracksByJob(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("failed to list tracks: %w", err)
	}
	if len(tracks) == 0 {
		return r.fail(ctx, job, fmt.Errorf("%w after %s", ErrDeliveryTimeout, r.cfg.PushTimeout))
	}
	log.Info("delivery window closed with partial results", "jobId", job.ID, "tracks", len(tracks), "expected", variantTarget(job))
	return r.settle(ctx, job, true)
}

// FailPanicked records a panic that escaped a job step
func (r *Runner) FailPanicked(ctx context.Context, jobID string, recovered any) {
	ctx = context.WithoutCancel(ctx)
	job, err := r.Repo.GetJob(ctx, jobID)
	if err != nil {
		log.Error(err, "failed to load panicked job", "jobId", jobID)
		return
	}
	if err := r.fail(ctx, job, fmt.Errorf("internal error: %v", recovered)); err != nil && !IsRecorded(err) {
		log.Error(err, "failed to record panic", "jobId", jobID)
	}
}

func variantTarget(job *model.Job) int {
	if job.ExpectedVariants > 0 && job.ExpectedVariants < job.ItemCount {
		return job.ExpectedVariants
	}
	return job.ItemCount
}

// variantIndex places a result by its provider id when the provider announced
// ids up front, otherwise at the lowest free index.
func variantIndex(job *model.Job, nr model.NormalizedResult, taken map[int]bool) int {
	if nr.VariantID != "" {
		for i, id := range job.ProviderConversionIDs {
			if id == nr.VariantID {
				return i
			}
		}
	}
	i := 0
	for taken[i] {
		i++
	}
	return i
}

func playlistContext(job *model.Job) *model.PlaylistContext {
	if !job.IsChild() {
		return nil
	}
	var params model.TrackParams
	if err := json.Unmarshal(job.Params, &params); err != nil || params.PlaylistID == "" || params.Position == nil {
		return nil
	}
	return &model.PlaylistContext{PlaylistID: params.PlaylistID, Position: *params.Position}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
