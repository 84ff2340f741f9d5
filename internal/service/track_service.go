package service

import (
	"context"
	"errors"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/makeasinger/audiogen/internal/client"
	"github.com/makeasinger/audiogen/internal/model"
	"github.com/makeasinger/audiogen/internal/store"
)

// ErrFormatUnavailable means the track has no encoding in the requested format
var ErrFormatUnavailable = errors.New("format not available for track")

const signedURLCacheSize = 1024

// TrackService hands out time-limited download links for tracks
type TrackService struct {
	repo    store.Repository
	storage client.StorageClient
	ttl     time.Duration
	cache   *expirable.LRU[string, model.TrackURLResponse]
	now     func() time.Time
}

// NewTrackService signs URLs valid for ttl. A signed URL is reused for half
// its lifetime, so every URL handed out stays valid for at least ttl/2.
func NewTrackService(repo store.Repository, storage client.StorageClient, ttl time.Duration) *TrackService {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &TrackService{
		repo:    repo,
		storage: storage,
		ttl:     ttl,
		cache:   expirable.NewLRU[string, model.TrackURLResponse](signedURLCacheSize, nil, ttl/2),
		now:     time.Now,
	}
}

// SignedURL returns a download link for the track's primary encoding, or for
// the secondary one when format names it.
func (s *TrackService) SignedURL(ctx context.Context, orgID, trackID, format string) (*model.TrackURLResponse, error) {
	track, err := s.repo.GetTrack(ctx, trackID)
	if err != nil {
		return nil, err
	}
	if track.OrganizationID != orgID {
		return nil, store.ErrNotFound
	}

	key, resolved, err := storageKey(track, format)
	if err != nil {
		return nil, err
	}

	cacheKey := track.ID + ":" + resolved
	if cached, ok := s.cache.Get(cacheKey); ok {
		return &cached, nil
	}

	url, err := s.storage.GetSignedURL(ctx, key, s.ttl)
	if err != nil {
		return nil, err
	}

	resp := model.TrackURLResponse{
		TrackID:   track.ID,
		Format:    resolved,
		URL:       url,
		ExpiresAt: s.now().UTC().Add(s.ttl),
	}
	s.cache.Add(cacheKey, resp)
	return &resp, nil
}

func storageKey(track *model.Track, format string) (string, string, error) {
	primaryFormat := model.FormatMP3
	if f, ok := track.Meta["primaryFormat"].(string); ok && f != "" {
		primaryFormat = model.AudioFormat(f)
	}

	switch {
	case format == "" || model.AudioFormat(format) == primaryFormat:
		return track.PrimaryKey, string(primaryFormat), nil
	case track.SecondaryFormat != nil && *track.SecondaryFormat == format && track.SecondaryKey != nil:
		return *track.SecondaryKey, format, nil
	}
	return "", "", ErrFormatUnavailable
}
