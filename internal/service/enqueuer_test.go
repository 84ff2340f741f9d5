package service

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/makeasinger/audiogen/internal/model"
	"github.com/makeasinger/audiogen/internal/provider"
)

var owner = Owner{OrganizationID: "org-1", UserID: "user-1"}

func TestEnqueue_TrackWritesQueuedJobAndEvent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	job, err := f.enqueuer.Enqueue(ctx, model.JobKindTrackGenerate, mustJSON(t, model.TrackParams{
		Provider: provider.SunoID,
		N:        3,
		Title:    "Night Drive",
		Lyrics:   "lights on the highway",
	}), owner)
	require.NoError(t, err)

	got, err := f.repo.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusQueued, got.Status)
	assert.Equal(t, 3, got.ItemCount)
	assert.Equal(t, 0, got.CompletedCount)
	assert.Equal(t, provider.SunoID, got.ProviderID)
	assert.Contains(t, got.Prompt, "Night Drive")

	assert.Equal(t, []model.EventType{model.EventQueued}, eventTypes(t, f.repo, job.ID))
	assert.Equal(t, []string{job.ID}, f.dispatcher.jobs)
	require.Len(t, f.publisher.events, 1)
}

func TestEnqueue_DefaultsToOneVariant(t *testing.T) {
	f := newFixture(t)

	job, err := f.enqueuer.Enqueue(context.Background(), model.JobKindTrackGenerate, mustJSON(t, model.TrackParams{
		Provider: provider.SunoID,
		Prompt:   "lofi beat",
	}), owner)
	require.NoError(t, err)
	assert.Equal(t, 1, job.ItemCount)
}

func TestEnqueue_ValidationErrorsCreateNoJob(t *testing.T) {
	tooMany := make([]model.TrackBlueprint, 51)
	for i := range tooMany {
		tooMany[i] = model.TrackBlueprint{Title: "t", Lyrics: "l"}
	}

	tests := []struct {
		name    string
		kind    model.JobKind
		payload any
		owner   Owner
		field   string
	}{
		{name: "n above 3", kind: model.JobKindTrackGenerate, payload: model.TrackParams{Provider: provider.SunoID, N: 4, Lyrics: "x"}, owner: owner, field: "n"},
		{name: "no lyrics or prompt", kind: model.JobKindTrackGenerate, payload: model.TrackParams{Provider: provider.SunoID}, owner: owner, field: "lyrics"},
		{name: "unknown provider", kind: model.JobKindTrackGenerate, payload: model.TrackParams{Provider: "udio", Lyrics: "x"}, owner: owner, field: "provider"},
		{name: "public performance not allowed", kind: model.JobKindTrackGenerate, payload: model.TrackParams{Provider: provider.SunoID, Lyrics: "x", PublicPerformance: true}, owner: owner, field: "publicPerformance"},
		{name: "no blueprints", kind: model.JobKindPlaylistGenerate, payload: model.PlaylistParams{Provider: provider.SunoID, Title: "Mix"}, owner: owner, field: "blueprints"},
		{name: "too many blueprints", kind: model.JobKindPlaylistGenerate, payload: model.PlaylistParams{Provider: provider.SunoID, Title: "Mix", Blueprints: tooMany}, owner: owner, field: "blueprints"},
		{name: "blueprint without title", kind: model.JobKindPlaylistGenerate, payload: model.PlaylistParams{Provider: provider.SunoID, Title: "Mix", Blueprints: []model.TrackBlueprint{{Lyrics: "x"}}}, owner: owner, field: "blueprints[0].title"},
		{name: "position without parent", kind: model.JobKindTrackGenerate, payload: model.TrackParams{Provider: provider.SunoID, Lyrics: "x", Position: new(int)}, owner: owner, field: "position"},
		{name: "missing owner", kind: model.JobKindTrackGenerate, payload: model.TrackParams{Provider: provider.SunoID, Lyrics: "x"}, owner: Owner{}},
		{name: "unknown kind", kind: "video.generate", payload: map[string]any{}, owner: owner},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)

			job, err := f.enqueuer.Enqueue(context.Background(), tt.kind, mustJSON(t, tt.payload), tt.owner)
			assert.Nil(t, job)
			require.ErrorIs(t, err, ErrValidation)

			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			if tt.field != "" {
				assert.Contains(t, verr.Fields, tt.field)
			}
			assert.Empty(t, f.dispatcher.jobs)
		})
	}
}

func TestEnqueue_MalformedJSON(t *testing.T) {
	f := newFixture(t)
	_, err := f.enqueuer.Enqueue(context.Background(), model.JobKindTrackGenerate, []byte(`{"n":`), owner)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestEnqueue_PlaylistCreatesPlaylistRow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	job, err := f.enqueuer.Enqueue(ctx, model.JobKindPlaylistGenerate, mustJSON(t, model.PlaylistParams{
		Provider: provider.SunoID,
		Title:    "Road Trip",
		Blueprints: []model.TrackBlueprint{
			{Title: "One", Lyrics: "a"},
			{Title: "Two", Prompt: "b", Genre: model.GenreRock},
		},
	}), owner)
	require.NoError(t, err)
	assert.Equal(t, 2, job.ItemCount)
	assert.Equal(t, model.JobKindPlaylistGenerate, job.Kind)

	var params model.PlaylistParams
	require.NoError(t, json.Unmarshal(job.Params, &params))
	require.NotEmpty(t, params.PlaylistID)

	pl, err := f.repo.GetPlaylist(ctx, params.PlaylistID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, pl.JobID)
	assert.Equal(t, "Road Trip", pl.Title)
}

func TestEnqueue_ChildRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	parent := seedPlaylist(t, f, model.JobStatusRunning)

	children, err := f.repo.ListChildren(ctx, parent.ID)
	require.NoError(t, err)
	require.Len(t, children, 1)

	pos := 1
	// more than one variant for a playlist track
	_, err = f.enqueuer.Enqueue(ctx, model.JobKindTrackGenerate, mustJSON(t, model.TrackParams{
		Provider: provider.SunoID, N: 2, Lyrics: "x", PlaylistID: "0b7f4a1e-1111-4c2b-9d7e-123456789abc", Position: &pos,
	}), Owner{OrganizationID: "org-1", UserID: "user-1", ParentJobID: parent.ID})
	assert.ErrorIs(t, err, ErrValidation)

	// a child cannot parent further jobs
	_, err = f.enqueuer.Enqueue(ctx, model.JobKindTrackGenerate, mustJSON(t, model.TrackParams{
		Provider: provider.SunoID, N: 1, Lyrics: "x", PlaylistID: "0b7f4a1e-1111-4c2b-9d7e-123456789abc", Position: &pos,
	}), Owner{OrganizationID: "org-1", UserID: "user-1", ParentJobID: children[0].ID})
	assert.ErrorIs(t, err, ErrValidation)

	// other tenants cannot attach to the playlist
	_, err = f.enqueuer.Enqueue(ctx, model.JobKindTrackGenerate, mustJSON(t, model.TrackParams{
		Provider: provider.SunoID, N: 1, Lyrics: "x", PlaylistID: "0b7f4a1e-1111-4c2b-9d7e-123456789abc", Position: &pos,
	}), Owner{OrganizationID: "org-2", UserID: "user-9", ParentJobID: parent.ID})
	assert.ErrorIs(t, err, ErrValidation)

	// playlists never have parents
	_, err = f.enqueuer.Enqueue(ctx, model.JobKindPlaylistGenerate, mustJSON(t, model.PlaylistParams{
		Provider: provider.SunoID, Title: "Nested", Blueprints: []model.TrackBlueprint{{Title: "a", Lyrics: "b"}},
	}), Owner{OrganizationID: "org-1", UserID: "user-1", ParentJobID: parent.ID})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestEnqueue_DispatchFailureFailsJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.dispatcher.err = errBrokerDown

	job, err := f.enqueuer.Enqueue(ctx, model.JobKindTrackGenerate, mustJSON(t, model.TrackParams{
		Provider: provider.SunoID, Lyrics: "x",
	}), owner)
	require.ErrorIs(t, err, ErrDispatch)
	require.NotNil(t, job)

	got, err := f.repo.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Contains(t, *got.Error, "broker down")
	assert.Equal(t, []model.EventType{model.EventQueued, model.EventFailed}, eventTypes(t, f.repo, job.ID))
}

func TestEnqueue_TextFilterApplied(t *testing.T) {
	f := newFixture(t)
	f.enqueuer.WithTextFilter(strings.ToUpper)

	job, err := f.enqueuer.Enqueue(context.Background(), model.JobKindTrackGenerate, mustJSON(t, model.TrackParams{
		Provider: provider.SunoID, Title: "quiet", Lyrics: "soft words",
	}), owner)
	require.NoError(t, err)

	var params model.TrackParams
	require.NoError(t, json.Unmarshal(job.Params, &params))
	assert.Equal(t, "QUIET", params.Title)
	assert.Equal(t, "SOFT WORDS", params.Lyrics)
}
