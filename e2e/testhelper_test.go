package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/go-logr/logr"
	"github.com/gofiber/fiber/v2"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"

	"github.com/makeasinger/audiogen/internal/auth"
	"github.com/makeasinger/audiogen/internal/client"
	"github.com/makeasinger/audiogen/internal/config"
	"github.com/makeasinger/audiogen/internal/handler"
	"github.com/makeasinger/audiogen/internal/middleware"
	"github.com/makeasinger/audiogen/internal/model"
	"github.com/makeasinger/audiogen/internal/provider"
	"github.com/makeasinger/audiogen/internal/server"
	"github.com/makeasinger/audiogen/internal/service"
	"github.com/makeasinger/audiogen/internal/store"
	ws "github.com/makeasinger/audiogen/internal/websocket"
	"github.com/makeasinger/audiogen/internal/worker"
)

const (
	testJWTSecret     = "test-secret-for-e2e"
	testWebhookSecret = "hook-secret"
	testOrg           = "org-e2e"
	testUser          = "test-user-123"
)

// testApp holds all components needed for testing
type testApp struct {
	app      *fiber.App
	repo     *store.GormRepository
	storage  *client.MemoryStorage
	audio    *httptest.Server
	musicgpt *fakeMusicGPT
}

// appOptions swaps pieces of the default test wiring
type appOptions struct {
	registry    *provider.Registry    // nil uses the fake provider APIs
	redis       *asynq.RedisClientOpt // nil uses the in-process pool
	pollTimeout time.Duration
}

// setupApp wires the real services against sqlite, in-memory storage, the
// local worker pool and fake provider APIs.
func setupApp(t *testing.T) *testApp {
	t.Helper()
	return newTestApp(t, appOptions{})
}

func newTestApp(t *testing.T, opts appOptions) *testApp {
	t.Helper()
	if opts.pollTimeout == 0 {
		opts.pollTimeout = 5 * time.Second
	}

	db, err := store.Open("sqlite", filepath.Join(t.TempDir(), "e2e.db"))
	require.NoError(t, err)
	require.NoError(t, store.Migrate(db))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	repo := store.NewGormRepository(db)
	storage := client.NewMemoryStorage("https://cdn.test")

	ta := &testApp{repo: repo, storage: storage}

	registry := opts.registry
	var downloads *http.Client
	if registry == nil {
		ta.audio = newAudioServer(t)
		ta.musicgpt = newFakeMusicGPT(t)
		suno := newFakeSuno(t, ta.audio.URL)
		downloads = ta.audio.Client()

		registry = provider.NewRegistry(
			provider.NewSuno(&config.SunoConfig{APIKey: "suno-key", BaseURL: suno.URL, Model: "v4"}, logr.Discard()),
			provider.NewMusicGPT(&config.MusicGPTConfig{
				APIKey:            "mg-key",
				BaseURL:           ta.musicgpt.srv.URL,
				WebhookSecret:     testWebhookSecret,
				PublicPerformance: true,
			}, "https://audiogen.test", logr.Discard()),
		)
	}

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	hub := ws.NewHub()
	go hub.Run()
	t.Cleanup(hub.Stop)

	events := service.NewEventEmitter(repo, node, hub)

	var (
		dispatcher service.Dispatcher
		pool       *worker.Pool
	)
	if opts.redis != nil {
		asynqClient := asynq.NewClient(*opts.redis)
		t.Cleanup(func() { asynqClient.Close() })
		dispatcher = worker.NewAsynqDispatcher(asynqClient)
	} else {
		pool = worker.NewPool(4, 64)
		dispatcher = pool
	}

	enqueuer := service.NewEnqueuer(repo, registry, events, dispatcher)
	aggregator := service.NewAggregator(repo, events)
	jobService := service.NewJobService(repo, events, aggregator)
	trackService := service.NewTrackService(repo, storage, time.Hour)
	gate := service.NewGate(repo, service.GateConfig{
		MaxRunning:     2,
		InitialBackoff: 2 * time.Millisecond,
		MaxBackoff:     10 * time.Millisecond,
		MaxAttempts:    5000,
	})

	runner := worker.NewRunner(worker.RunnerDeps{
		Repo:         repo,
		Registry:     registry,
		Gate:         gate,
		Enqueuer:     enqueuer,
		Events:       events,
		Aggregator:   aggregator,
		Materializer: worker.NewMaterializer(repo, storage, downloads, 1),
		Dispatcher:   dispatcher,
	}, worker.RunnerConfig{
		PollInterval:    5 * time.Millisecond,
		PollTimeout:     opts.pollTimeout,
		PushTimeout:     time.Minute,
		PrepareAttempts: 2,
		RetryBackoff:    time.Millisecond,
	})

	if pool != nil {
		pool.Start(runner.Run, runner.Expire, runner.FailPanicked)
		t.Cleanup(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			pool.Stop(ctx)
		})
	} else {
		srv := asynq.NewServer(*opts.redis, asynq.Config{
			Concurrency: 4,
			Queues:      map[string]int{worker.QueueJobs: 1},
			Logger:      worker.NewAsynqLogger(logr.Discard()),
		})
		require.NoError(t, srv.Start(worker.NewServeMux(runner.Run, runner.Expire, runner.FailPanicked)))
		t.Cleanup(srv.Shutdown)
	}

	ta.app = server.New(server.Options{
		Auth:           middleware.NewLegacyAuthMiddleware(testJWTSecret).Authenticate(),
		EnqueuePerHour: 10000,
		Jobs:           handler.NewJobHandler(enqueuer, jobService),
		Tracks:         handler.NewTrackHandler(trackService),
		Webhooks:       handler.NewWebhookHandler(registry, runner),
		Stream:         handler.NewStreamHandler(hub, jobService),
		Health: handler.NewHealthHandler(map[string]handler.Check{
			"database": func(ctx context.Context) error {
				sqlDB, err := db.DB()
				if err != nil {
					return err
				}
				return sqlDB.PingContext(ctx)
			},
		}, registry.IDs()),
		AuthVerify: handler.NewAuthHandler(nil, testJWTSecret),
	})
	return ta
}

// newAudioServer serves a few bytes for every /audio/ path
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

// newFakeSuno answers like the Suno API. Tasks titled "fail me" fail and
// tasks titled "never finishes" stay running.
func newFakeSuno(t *testing.T, audioBase string) *httptest.Server {
	t.Helper()
	var (
		mu    sync.Mutex
		seq   int
		tasks = map[string]struct {
			n     int
			title string
		}{}
	)

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/music/generate", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			N     int    `json:"n"`
			Title string `json:"title"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		mu.Lock()
		seq++
		id := fmt.Sprintf("suno-%d", seq)
		tasks[id] = struct {
			n     int
			title string
		}{req.N, req.Title}
		mu.Unlock()
		json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"id": id}})
	})
	mux.HandleFunc("/v1/music/status/", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/v1/music/status/")
		mu.Lock()
		task, ok := tasks[id]
		mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}

		switch task.title {
		case "fail me":
			json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"status": "failed", "error": "content rejected"}})
			return
		case "never finishes":
			json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"status": "running"}})
			return
		}

		choices := make([]map[string]any, 0, task.n)
		for i := 0; i < task.n; i++ {
			choices = append(choices, map[string]any{
				"id":       fmt.Sprintf("%s-choice-%d", id, i),
				"url":      fmt.Sprintf("%s/audio/%s/%d.mp3", audioBase, id, i),
				"flac_url": fmt.Sprintf("%s/audio/%s/%d.flac", audioBase, id, i),
				"duration": 120000,
			})
		}
		json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"status": "succeeded", "choices": choices}})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

// fakeMusicGPT accepts tasks and remembers the webhook each one reports to
type fakeMusicGPT struct {
	srv *httptest.Server

	mu       sync.Mutex
	seq      int
	webhooks map[string]string // task id -> webhook url
}

func newFakeMusicGPT(t *testing.T) *fakeMusicGPT {
	t.Helper()
	f := &fakeMusicGPT{webhooks: make(map[string]string)}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			WebhookURL string `json:"webhook_url"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.seq++
		taskID := fmt.Sprintf("mg-%d", f.seq)
		f.webhooks[taskID] = req.WebhookURL
		f.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]any{
			"success":         true,
			"task_id":         taskID,
			"conversion_id_1": taskID + "-c1",
			"conversion_id_2": taskID + "-c2",
		})
	}))
	t.Cleanup(f.srv.Close)
	return f
}

// webhookPath returns the path and query MusicGPT would call for taskID
func (f *fakeMusicGPT) webhookPath(t *testing.T, taskID string) string {
	t.Helper()
	f.mu.Lock()
	raw := f.webhooks[taskID]
	f.mu.Unlock()
	require.NotEmpty(t, raw, "no webhook registered for %s", taskID)
	return strings.TrimPrefix(raw, "https://audiogen.test")
}

// generateToken creates a legacy HMAC JWT token for test requests.
func generateToken(t *testing.T, orgID string) string {
	t.Helper()
	signed, err := auth.SignLegacyToken(testUser, orgID, "test@example.com", testJWTSecret)
	if err != nil {
		t.Fatalf("failed to generate test token: %v", err)
	}
	return signed
}

// doRequest is a helper to perform HTTP requests against the test app.
func doRequest(app *fiber.App, method, path string, body string, headers map[string]string) (*http.Response, error) {
	var bodyReader io.Reader
	if body != "" {
		bodyReader = strings.NewReader(body)
	}

	req, err := http.NewRequest(method, path, bodyReader)
	if err != nil {
		return nil, err
	}

	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	return app.Test(req, -1)
}

// doAuthRequest performs a request as testUser of testOrg.
func doAuthRequest(t *testing.T, app *fiber.App, method, path, body string) *http.Response {
	t.Helper()
	return doOrgRequest(t, app, testOrg, method, path, body)
}

func doOrgRequest(t *testing.T, app *fiber.App, orgID, method, path, body string) *http.Response {
	t.Helper()
	resp, err := doRequest(app, method, path, body, map[string]string{
		"Authorization": "Bearer " + generateToken(t, orgID),
	})
	require.NoError(t, err)
	return resp
}

// readBody reads and returns the response body as a string.
func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	return string(b)
}

// parseJSON parses response body into a map.
func parseJSON(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	var result map[string]interface{}
	decodeJSON(t, resp, &result)
	return result
}

func decodeJSON(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	body := readBody(t, resp)
	if err := json.Unmarshal([]byte(body), v); err != nil {
		t.Fatalf("failed to parse JSON: %v\nbody: %s", err, body)
	}
}

// assertStatus checks the HTTP status code.
func assertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("expected status %d, got %d", expected, resp.StatusCode)
	}
}

// enqueue submits a job and returns its id
func (ta *testApp) enqueue(t *testing.T, path, body string) string {
	t.Helper()
	resp := doAuthRequest(t, ta.app, http.MethodPost, path, body)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected status %d, got %d: %s", http.StatusAccepted, resp.StatusCode, readBody(t, resp))
	}

	var accepted model.JobAcceptedResponse
	decodeJSON(t, resp, &accepted)
	require.NotEmpty(t, accepted.JobID)
	require.Equal(t, model.JobStatusQueued, accepted.Status)
	return accepted.JobID
}

// getJob fetches the job through the API
func (ta *testApp) getJob(t *testing.T, jobID string) model.Job {
	t.Helper()
	resp := doAuthRequest(t, ta.app, http.MethodGet, "/api/jobs/"+jobID, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var job model.Job
	decodeJSON(t, resp, &job)
	return job
}

// waitJob polls the API until cond holds for the job
func (ta *testApp) waitJob(t *testing.T, jobID string, cond func(model.Job) bool) model.Job {
	t.Helper()
	return ta.waitJobWithin(t, jobID, 10*time.Second, 10*time.Millisecond, cond)
}

func (ta *testApp) waitJobWithin(t *testing.T, jobID string, timeout, tick time.Duration, cond func(model.Job) bool) model.Job {
	t.Helper()
	token := generateToken(t, testOrg)
	require.Eventually(t, func() bool {
		job, ok := ta.fetchJob(token, jobID)
		return ok && cond(job)
	}, timeout, tick)
	return ta.getJob(t, jobID)
}

// fetchJob is getJob without assertions, for use inside Eventually
func (ta *testApp) fetchJob(token, jobID string) (model.Job, bool) {
	var job model.Job
	resp, err := doRequest(ta.app, http.MethodGet, "/api/jobs/"+jobID, "", map[string]string{
		"Authorization": "Bearer " + token,
	})
	if err != nil {
		return job, false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return job, false
	}
	return job, json.NewDecoder(resp.Body).Decode(&job) == nil
}

func (ta *testApp) waitTerminal(t *testing.T, jobID string) model.Job {
	t.Helper()
	return ta.waitJob(t, jobID, func(j model.Job) bool { return j.Status.IsTerminal() })
}

func (ta *testApp) events(t *testing.T, jobID string) []model.JobEvent {
	t.Helper()
	resp := doAuthRequest(t, ta.app, http.MethodGet, "/api/jobs/"+jobID+"/events", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out model.JobEventsResponse
	decodeJSON(t, resp, &out)
	return out.Events
}

func eventTypes(events []model.JobEvent) []model.EventType {
	out := make([]model.EventType, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Type)
	}
	return out
}
