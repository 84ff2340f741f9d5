package e2e

import (
	"context"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/makeasinger/audiogen/internal/config"
	"github.com/makeasinger/audiogen/internal/model"
	"github.com/makeasinger/audiogen/internal/provider"
)

// setupRealApp runs against the real Suno API and dispatches through asynq.
// It needs SUNO_API_KEY (from the environment or .env) and a reachable redis.
func setupRealApp(t *testing.T) *testApp {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping real provider test in short mode")
	}
	if os.Getenv("E2E_REAL") == "" {
		t.Skip("skipping: set E2E_REAL=1 to call real providers")
	}

	cfg, err := config.Load()
	require.NoError(t, err)
	if cfg.Suno.APIKey == "" {
		t.Skip("skipping: SUNO_API_KEY not configured")
	}

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       15, // test DB
	}
	rdb := redis.NewClient(&redis.Options{Addr: redisOpt.Addr, Password: redisOpt.Password, DB: redisOpt.DB})
	defer rdb.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("skipping: redis not available at %s: %v", redisOpt.Addr, err)
	}

	return newTestApp(t, appOptions{
		registry:    provider.NewRegistry(provider.NewSuno(&cfg.Suno, logr.Discard())),
		redis:       &redisOpt,
		pollTimeout: 10 * time.Minute,
	})
}

func TestRealSuno_TrackJob(t *testing.T) {
	ta := setupRealApp(t)

	jobID := ta.enqueue(t, "/api/jobs/tracks", `{
		"provider": "suno",
		"n": 1,
		"title": "E2E Check",
		"lyrics": "testing one two, the build is green",
		"style": "lofi"
	}`)
	job := ta.waitJobWithin(t, jobID, 12*time.Minute, 5*time.Second, func(j model.Job) bool {
		return j.Status.IsTerminal()
	})

	require.Equal(t, model.JobStatusSucceeded, job.Status, "error: %v", job.Error)

	resp := doAuthRequest(t, ta.app, http.MethodGet, "/api/jobs/"+jobID+"/tracks", "")
	var tracks []model.Track
	decodeJSON(t, resp, &tracks)
	require.Len(t, tracks, 1)
	_, stored := ta.storage.Object(tracks[0].PrimaryKey)
	assert.True(t, stored)
	assert.Greater(t, tracks[0].DurationSeconds, 0.0)
}
