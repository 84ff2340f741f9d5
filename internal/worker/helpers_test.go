package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"

	"github.com/makeasinger/audiogen/internal/client"
	"github.com/makeasinger/audiogen/internal/model"
	"github.com/makeasinger/audiogen/internal/provider"
	"github.com/makeasinger/audiogen/internal/service"
	"github.com/makeasinger/audiogen/internal/store"
)

// fakeAdapter is a scriptable provider. Poll-delivery tasks finish after
// readyAfter polls with one result per requested variant.
type fakeAdapter struct {
	id         string
	delivery   model.Delivery
	audioBase  string
	readyAfter int

	prepareHook func(params provider.GenerateParams) error
	pollHook    func(taskID string, n int) ([]model.ProviderPollResult, error)

	mu       sync.Mutex
	variants map[string]int
	polls    map[string]int
	prepared []string
}

func newFakeAdapter(id string, delivery model.Delivery, audioBase string) *fakeAdapter {
	return &fakeAdapter{
		id:         id,
		delivery:   delivery,
		audioBase:  audioBase,
		readyAfter: 1,
		variants:   make(map[string]int),
		polls:      make(map[string]int),
	}
}

func (a *fakeAdapter) ID() string               { return a.id }
func (a *fakeAdapter) Enabled() bool            { return true }
func (a *fakeAdapter) Delivery() model.Delivery { return a.delivery }
func (a *fakeAdapter) PublicPerformance() bool  { return true }

func (a *fakeAdapter) Prepare(_ context.Context, params provider.GenerateParams) (*model.ProviderPrepareResult, error) {
	if a.prepareHook != nil {
		if err := a.prepareHook(params); err != nil {
			return nil, err
		}
	}
	taskID := "task-" + params.JobID
	n := params.N
	if n < 1 {
		n = 1
	}

	a.mu.Lock()
	a.variants[taskID] = n
	a.prepared = append(a.prepared, params.JobID)
	a.mu.Unlock()

	res := &model.ProviderPrepareResult{
		Delivery:         a.delivery,
		ProviderTaskID:   taskID,
		ExpectedVariants: n,
	}
	if a.delivery == model.DeliveryPush {
		for i := 0; i < n; i++ {
			res.ProviderConversionIDs = append(res.ProviderConversionIDs, fmt.Sprintf("conv-%d", i+1))
		}
	}
	return res, nil
}

func (a *fakeAdapter) Poll(_ context.Context, taskID string, _ []string) ([]model.ProviderPollResult, error) {
	a.mu.Lock()
	a.polls[taskID]++
	count := a.polls[taskID]
	n := a.variants[taskID]
	a.mu.Unlock()

	if a.pollHook != nil {
		return a.pollHook(taskID, n)
	}
	if count < a.readyAfter {
		return nil, nil
	}
	return a.results(taskID, n), nil
}

func (a *fakeAdapter) results(taskID string, n int) []model.ProviderPollResult {
	out := make([]model.ProviderPollResult, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, model.ProviderPollResult{
			ID:          fmt.Sprintf("%s-choice-%d", taskID, i),
			URL:         fmt.Sprintf("%s/audio/%s/%d.mp3", a.audioBase, taskID, i),
			Format:      model.FormatMP3,
			MimeType:    "audio/mpeg",
			DurationSec: 120 + float64(i),
		})
	}
	return out
}

func (a *fakeAdapter) Normalize(res model.ProviderPollResult) ([]model.NormalizedResult, error) {
	return []model.NormalizedResult{{
		VariantID: res.ID,
		AudioURLs: []model.AudioURL{{
			Format:      res.Format,
			URL:         res.URL,
			MimeType:    res.MimeType,
			DurationSec: res.DurationSec,
		}},
		Metadata: res.Metadata,
	}}, nil
}

func (a *fakeAdapter) VerifyCallback(token string) bool { return token == "secret" }

// ParseCallback reads {"failed":bool,"conversions":["conv-1",...]}
func (a *fakeAdapter) ParseCallback(body []byte) ([]model.ProviderPollResult, error) {
	var cb struct {
		Failed      bool     `json:"failed"`
		Conversions []string `json:"conversions"`
	}
	if err := json.Unmarshal(body, &cb); err != nil {
		return nil, err
	}
	if cb.Failed {
		return nil, fmt.Errorf("%w: generation failed", provider.ErrProviderFailed)
	}
	out := make([]model.ProviderPollResult, 0, len(cb.Conversions))
	for _, id := range cb.Conversions {
		out = append(out, model.ProviderPollResult{
			ID:       id,
			URL:      fmt.Sprintf("%s/audio/push/%s.mp3", a.audioBase, id),
			Format:   model.FormatMP3,
			MimeType: "audio/mpeg",
		})
	}
	return out, nil
}

func (a *fakeAdapter) preparedJobs() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.prepared...)
}

// newAudioServer serves a few bytes for every /audio/ path and 404 for the rest
func newAudioServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/audio/") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "audio/mpeg")
		fmt.Fprintf(w, "ID3 %s", r.URL.Path)
	}))
	t.Cleanup(srv.Close)
	return srv
}

type harness struct {
	repo     *store.GormRepository
	storage  *client.MemoryStorage
	pool     *Pool
	runner   *Runner
	enqueuer *service.Enqueuer
	jobs     *service.JobService
	poller   *fakeAdapter
	pusher   *fakeAdapter
}

type harnessConfig struct {
	maxRunning  int
	pollTimeout time.Duration
	pushTimeout time.Duration
}

func newTestRepo(t *testing.T) *store.GormRepository {
	t.Helper()
	db, err := store.Open("sqlite", filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	require.NoError(t, store.Migrate(db))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return store.NewGormRepository(db)
}

func newHarness(t *testing.T, cfg harnessConfig) *harness {
	t.Helper()
	if cfg.maxRunning == 0 {
		cfg.maxRunning = 3
	}
	if cfg.pollTimeout == 0 {
		cfg.pollTimeout = 5 * time.Second
	}
	if cfg.pushTimeout == 0 {
		cfg.pushTimeout = time.Minute
	}

	repo := newTestRepo(t)
	audio := newAudioServer(t)
	storage := client.NewMemoryStorage("https://cdn.example.com")

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	events := service.NewEventEmitter(repo, node, nil)

	poller := newFakeAdapter("poller", model.DeliveryPoll, audio.URL)
	pusher := newFakeAdapter("pusher", model.DeliveryPush, audio.URL)
	registry := provider.NewRegistry(poller, pusher)

	pool := NewPool(8, 128)
	enqueuer := service.NewEnqueuer(repo, registry, events, pool)
	aggregator := service.NewAggregator(repo, events)
	gate := service.NewGate(repo, service.GateConfig{
		MaxRunning:     cfg.maxRunning,
		InitialBackoff: 2 * time.Millisecond,
		MaxBackoff:     10 * time.Millisecond,
		MaxAttempts:    5000,
	})

	materializer := NewMaterializer(repo, storage, audio.Client(), 3)
	materializer.backoff = time.Millisecond

	runner := NewRunner(RunnerDeps{
		Repo:         repo,
		Registry:     registry,
		Gate:         gate,
		Enqueuer:     enqueuer,
		Events:       events,
		Aggregator:   aggregator,
		Materializer: materializer,
		Dispatcher:   pool,
	}, RunnerConfig{
		PollInterval:    5 * time.Millisecond,
		PollTimeout:     cfg.pollTimeout,
		PushTimeout:     cfg.pushTimeout,
		PrepareAttempts: 3,
		RetryBackoff:    time.Millisecond,
	})

	pool.Start(runner.Run, runner.Expire, runner.FailPanicked)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		pool.Stop(ctx)
	})

	return &harness{
		repo:     repo,
		storage:  storage,
		pool:     pool,
		runner:   runner,
		enqueuer: enqueuer,
		jobs:     service.NewJobService(repo, events, aggregator),
		poller:   poller,
		pusher:   pusher,
	}
}

var testOwner = service.Owner{OrganizationID: "org-1", UserID: "user-1"}

func (h *harness) enqueueTrack(t *testing.T, providerID string, n int, title string) *model.Job {
	t.Helper()
	payload, err := json.Marshal(model.TrackParams{Provider: providerID, N: n, Title: title, Lyrics: "la la"})
	require.NoError(t, err)
	job, err := h.enqueuer.Enqueue(context.Background(), model.JobKindTrackGenerate, payload, testOwner)
	require.NoError(t, err)
	return job
}

// waitTerminal waits until the job reaches a terminal state and returns it
func (h *harness) waitTerminal(t *testing.T, jobID string) *model.Job {
	t.Helper()
	var job *model.Job
	require.Eventually(t, func() bool {
		j, err := h.repo.GetJob(context.Background(), jobID)
		if err != nil {
			return false
		}
		job = j
		return j.Status.IsTerminal()
	}, 10*time.Second, 5*time.Millisecond)
	return job
}

func (h *harness) waitStatus(t *testing.T, jobID string, status model.JobStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		j, err := h.repo.GetJob(context.Background(), jobID)
		return err == nil && j.Status == status
	}, 10*time.Second, 5*time.Millisecond)
}

func (h *harness) events(t *testing.T, jobID string) []model.JobEvent {
	t.Helper()
	events, err := h.repo.ListEvents(context.Background(), jobID, nil)
	require.NoError(t, err)
	return events
}

func countType(events []model.JobEvent, typ model.EventType) int {
	n := 0
	for _, ev := range events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func findEvent(events []model.JobEvent, typ model.EventType) *model.JobEvent {
	for i := range events {
		if events[i].Type == typ {
			return &events[i]
		}
	}
	return nil
}
