package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/makeasinger/audiogen/internal/client"
	"github.com/makeasinger/audiogen/internal/log"
	"github.com/makeasinger/audiogen/internal/model"
	"github.com/makeasinger/audiogen/internal/store"
)

// ErrNoAudio means a normalized result carried no downloadable encoding
var ErrNoAudio = errors.New("variant has no audio")

// downloadError is a failed artifact fetch; permanent ones are not retried
type downloadError struct {
	url       string
	status    int
	permanent bool
	err       error
}

func (e *downloadError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("download %s: %v", e.url, e.err)
	}
	return fmt.Sprintf("download %s: HTTP %d", e.url, e.status)
}

func (e *downloadError) Unwrap() error { return e.err }

// Materializer copies provider-hosted audio into the artifact store and
// records it as tracks
type Materializer struct {
	repo     store.Repository
	storage  client.StorageClient
	http     *http.Client
	attempts int
	backoff  time.Duration
	tracer   trace.Tracer
	now      func() time.Time
}

// NewMaterializer makes up to attempts tries per encoding. A nil httpClient
// uses a client with a five minute timeout.
func NewMaterializer(repo store.Repository, storage client.StorageClient, httpClient *http.Client, attempts int) *Materializer {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Minute}
	}
	if attempts < 1 {
		attempts = 1
	}
	return &Materializer{
		repo:     repo,
		storage:  storage,
		http:     httpClient,
		attempts: attempts,
		backoff:  time.Second,
		tracer:   otel.Tracer(tracerName),
		now:      time.Now,
	}
}

// StorageKey is the deterministic artifact key of one encoding of a variant
func StorageKey(job *model.Job, pl *model.PlaylistContext, variant int, format model.AudioFormat) string {
	ext := string(format)
	if ext == "" {
		ext = "bin"
	}
	if pl != nil {
		return fmt.Sprintf("audio/%s/playlists/%s/%03d/v%d.%s", job.OrganizationID, pl.PlaylistID, pl.Position, variant, ext)
	}
	return fmt.Sprintf("audio/%s/jobs/%s/v%d.%s", job.OrganizationID, job.ID, variant, ext)
}

// Materialize stores every encoding of res and then writes the track row.
// A variant already recorded for the job is returned unchanged.
func (m *Materializer) Materialize(ctx context.Context, job *model.Job, res model.NormalizedResult, variant int, pl *model.PlaylistContext) (*model.Track, error) {
	ctx, span := m.tracer.Start(ctx, "materializer.Materialize", trace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.provider", job.ProviderID),
		attribute.Int("variant.index", variant),
	))
	defer span.End()

	existing, err := m.repo.FindTrack(ctx, job.ID, variant)
	switch {
	case err == nil:
		if err := m.placeInPlaylist(ctx, job, existing, pl); err != nil {
			return nil, err
		}
		return existing, nil
	case !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("failed to look up track: %w", err)
	}

	primary, ok := res.Primary()
	if !ok {
		return nil, ErrNoAudio
	}

	primaryKey := StorageKey(job, pl, variant, primary.Format)
	checksum, err := m.transfer(ctx, primary, primaryKey)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	meta := map[string]any{}
	for k, v := range res.Metadata {
		meta[k] = v
	}
	meta["provider"] = job.ProviderID
	meta["primaryFormat"] = string(primary.Format)
	meta["checksum"] = checksum
	if res.VariantID != "" {
		meta["variantId"] = res.VariantID
	}
	if job.ProviderTaskID != nil {
		meta["providerTaskId"] = *job.ProviderTaskID
	}

	track := &model.Track{
		ID:              uuid.New().String(),
		OrganizationID:  job.OrganizationID,
		JobID:           job.ID,
		VariantIndex:    variant,
		PrimaryKey:      primaryKey,
		DurationSeconds: res.Duration(),
		Title:           trackTitle(job, res),
		ProviderID:      job.ProviderID,
		CreatedAt:       m.now().UTC(),
	}

	if secondary, ok := res.Secondary(); ok {
		key := StorageKey(job, pl, variant, secondary.Format)
		sum, err := m.transfer(ctx, secondary, key)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		format := string(secondary.Format)
		track.SecondaryKey = &key
		track.SecondaryFormat = &format
		meta["secondaryChecksum"] = sum
	}
	track.Meta = meta

	if err := m.repo.CreateTrack(ctx, track); err != nil {
		// a concurrent delivery of the same variant may have won
		winner, ferr := m.repo.FindTrack(ctx, job.ID, variant)
		if ferr != nil {
			return nil, fmt.Errorf("failed to create track: %w", err)
		}
		track = winner
	}

	if err := m.placeInPlaylist(ctx, job, track, pl); err != nil {
		return nil, err
	}

	log.Info("variant materialized", "jobId", job.ID, "trackId", track.ID, "variant", variant, "key", primaryKey)
	return track, nil
}

// transfer streams url into key and returns the content checksum. Each
// attempt restarts the download; the key is overwritten.
func (m *Materializer) transfer(ctx context.Context, audio model.AudioURL, key string) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= m.attempts; attempt++ {
		sum, err := m.copyOnce(ctx, audio, key)
		if err == nil {
			return sum, nil
		}
		lastErr = err

		var de *downloadError
		if errors.As(err, &de) && de.permanent {
			break
		}
		if attempt < m.attempts {
			log.Info("artifact transfer failed, retrying", "key", key, "attempt", attempt, "error", err.Error())
			if err := sleep(ctx, m.backoff*time.Duration(attempt)); err != nil {
				return "", err
			}
		}
	}
	return "", fmt.Errorf("failed to store %s: %w", key, lastErr)
}

func (m *Materializer) copyOnce(ctx context.Context, audio model.AudioURL, key string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, audio.URL, nil)
	if err != nil {
		return "", &downloadError{url: audio.URL, permanent: true, err: err}
	}

	resp, err := m.http.Do(req)
	if err != nil {
		return "", &downloadError{url: audio.URL, err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body)
		permanent := resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests
		return "", &downloadError{url: audio.URL, status: resp.StatusCode, permanent: permanent}
	}

	contentType := audio.MimeType
	if contentType == "" {
		contentType = audio.Format.MimeType()
	}

	h := xxhash.New()
	var body io.Reader = io.TeeReader(resp.Body, h)
	size := resp.ContentLength
	if size < 0 {
		// object stores want a length up front; chunked downloads are spooled first
		spool, err := spoolToFile(body)
		if err != nil {
			return "", &downloadError{url: audio.URL, err: err}
		}
		defer spool.remove()
		body, size = spool.file, spool.size
	}

	if err := m.storage.Upload(ctx, key, body, size, contentType); err != nil {
		return "", fmt.Errorf("upload: %w", err)
	}
	return strconv.FormatUint(h.Sum64(), 16), nil
}

type spooled struct {
	file *os.File
	size int64
}

func spoolToFile(r io.Reader) (*spooled, error) {
	f, err := os.CreateTemp("", "audiogen-artifact-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create spool file: %w", err)
	}
	s := &spooled{file: f}
	if s.size, err = io.Copy(f, r); err != nil {
		s.remove()
		return nil, err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		s.remove()
		return nil, err
	}
	return s, nil
}

func (s *spooled) remove() {
	s.file.Close()
	os.Remove(s.file.Name())
}

// placeInPlaylist adds the track at its position once. The stats refresh
// that follows only logs failures.
func (m *Materializer) placeInPlaylist(ctx context.Context, job *model.Job, track *model.Track, pl *model.PlaylistContext) error {
	if pl == nil {
		return nil
	}

	placed, err := m.hasPosition(ctx, pl)
	if err != nil {
		return err
	}
	if !placed {
		item := &model.PlaylistItem{
			ID:         uuid.New().String(),
			PlaylistID: pl.PlaylistID,
			Position:   pl.Position,
			TrackID:    track.ID,
			JobID:      job.ID,
			CreatedAt:  m.now().UTC(),
		}
		if err := m.repo.CreatePlaylistItem(ctx, item); err != nil {
			if placed, _ := m.hasPosition(ctx, pl); !placed {
				return fmt.Errorf("failed to add playlist item: %w", err)
			}
		}
	}

	if err := m.repo.RefreshPlaylistStats(ctx, pl.PlaylistID); err != nil {
		log.Error(err, "failed to refresh playlist stats", "playlistId", pl.PlaylistID, "jobId", job.ID)
	}
	return nil
}

func (m *Materializer) hasPosition(ctx context.Context, pl *model.PlaylistContext) (bool, error) {
	items, err := m.repo.ListPlaylistItems(ctx, pl.PlaylistID)
	if err != nil {
		return false, fmt.Errorf("failed to list playlist items: %w", err)
	}
	for _, it := range items {
		if it.Position == pl.Position {
			return true, nil
		}
	}
	return false, nil
}

func trackTitle(job *model.Job, res model.NormalizedResult) string {
	if t, ok := res.Metadata["title"].(string); ok && t != "" {
		return t
	}
	var params model.TrackParams
	if err := json.Unmarshal(job.Params, &params); err == nil && params.Title != "" {
		return params.Title
	}
	return "Untitled"
}
