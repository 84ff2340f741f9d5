package service

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"

	"github.com/makeasinger/audiogen/internal/config"
	"github.com/makeasinger/audiogen/internal/model"
	"github.com/makeasinger/audiogen/internal/provider"
	"github.com/makeasinger/audiogen/internal/store"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []model.JobEvent
}

func (p *recordingPublisher) Publish(ev model.JobEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

type fakeDispatcher struct {
	mu       sync.Mutex
	err      error
	jobs     []string
	expiries map[string]time.Duration
}

func (d *fakeDispatcher) Dispatch(_ context.Context, jobID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.jobs = append(d.jobs, jobID)
	return nil
}

func (d *fakeDispatcher) DispatchExpiry(_ context.Context, jobID string, delay time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.expiries == nil {
		d.expiries = make(map[string]time.Duration)
	}
	d.expiries[jobID] = delay
	return nil
}

func (d *fakeDispatcher) Redispatch(_ context.Context, jobID string, _ int, _ time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.jobs = append(d.jobs, jobID)
	return nil
}

var errBrokerDown = errors.New("broker down")

type fixture struct {
	repo       *store.GormRepository
	events     *EventEmitter
	publisher  *recordingPublisher
	dispatcher *fakeDispatcher
	registry   *provider.Registry
	enqueuer   *Enqueuer
	aggregator *Aggregator
	jobs       *JobService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := store.Open("sqlite", filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	require.NoError(t, store.Migrate(db))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	repo := store.NewGormRepository(db)
	pub := &recordingPublisher{}
	events := NewEventEmitter(repo, node, pub)
	registry := provider.NewRegistry(
		provider.NewSuno(&config.SunoConfig{APIKey: "k"}, logr.Discard()),
		provider.NewMusicGPT(&config.MusicGPTConfig{APIKey: "k", WebhookSecret: "s", PublicPerformance: true}, "https://api.example.com", logr.Discard()),
	)
	dispatcher := &fakeDispatcher{}
	aggregator := NewAggregator(repo, events)

	return &fixture{
		repo:       repo,
		events:     events,
		publisher:  pub,
		dispatcher: dispatcher,
		registry:   registry,
		enqueuer:   NewEnqueuer(repo, registry, events, dispatcher),
		aggregator: aggregator,
		jobs:       NewJobService(repo, events, aggregator),
	}
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func eventTypes(t *testing.T, repo store.Repository, jobID string) []model.EventType {
	t.Helper()
	events, err := repo.ListEvents(context.Background(), jobID, nil)
	require.NoError(t, err)
	types := make([]model.EventType, 0, len(events))
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	return types
}

// seedPlaylist creates a running playlist job with one child per status
func seedPlaylist(t *testing.T, f *fixture, statuses ...model.JobStatus) *model.Job {
	t.Helper()
	ctx := context.Background()

	blueprints := make([]model.TrackBlueprint, len(statuses))
	for i := range blueprints {
		blueprints[i] = model.TrackBlueprint{Title: "Track", Lyrics: "la"}
	}
	parent, err := f.enqueuer.Enqueue(ctx, model.JobKindPlaylistGenerate, mustJSON(t, model.PlaylistParams{
		Provider:   provider.SunoID,
		Title:      "Mix",
		Blueprints: blueprints,
	}), Owner{OrganizationID: "org-1", UserID: "user-1"})
	require.NoError(t, err)
	ok, err := f.repo.MarkRunning(ctx, parent.ID, time.Now())
	require.NoError(t, err)
	require.True(t, ok)

	var params model.PlaylistParams
	require.NoError(t, json.Unmarshal(parent.Params, &params))

	for i, status := range statuses {
		pos := i
		child, err := f.enqueuer.Enqueue(ctx, model.JobKindTrackGenerate, mustJSON(t, model.TrackParams{
			Provider:   provider.SunoID,
			N:          1,
			Lyrics:     "la",
			PlaylistID: params.PlaylistID,
			Position:   &pos,
		}), Owner{OrganizationID: "org-1", UserID: "user-1", ParentJobID: parent.ID})
		require.NoError(t, err)

		switch status {
		case model.JobStatusRunning:
			_, err = f.repo.MarkRunning(ctx, child.ID, time.Now())
		case model.JobStatusSucceeded, model.JobStatusFailed, model.JobStatusCanceled:
			_, err = f.repo.Finish(ctx, child.ID, store.Finish{Status: status, FinishedAt: time.Now()})
		}
		require.NoError(t, err)
	}
	return parent
}
