package model

import (
	"time"

	"gorm.io/datatypes"
)

// Track is a materialized audio artifact
type Track struct {
	ID             string `gorm:"primaryKey;size:36" json:"id"`
	OrganizationID string `gorm:"size:64;not null;index" json:"organizationId"`
	JobID          string `gorm:"size:36;not null;uniqueIndex:idx_tracks_job_variant,priority:1" json:"jobId"`
	VariantIndex   int    `gorm:"not null;uniqueIndex:idx_tracks_job_variant,priority:2" json:"variantIndex"`

	PrimaryKey      string  `gorm:"column:primary_storage_key;size:512;not null" json:"primaryKey"`
	SecondaryKey    *string `gorm:"column:secondary_storage_key;size:512" json:"secondaryKey,omitempty"`
	SecondaryFormat *string `gorm:"size:8" json:"secondaryFormat,omitempty"`
	DurationSeconds float64 `json:"durationSeconds"`
	Title           string  `gorm:"size:200" json:"title"`
	ProviderID      string  `gorm:"size:32" json:"providerId"`

	Meta      datatypes.JSONMap `json:"meta,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

// Playlist groups the tracks produced by one playlist.generate job
type Playlist struct {
	ID                   string    `gorm:"primaryKey;size:36" json:"id"`
	OrganizationID       string    `gorm:"size:64;not null;index" json:"organizationId"`
	UserID               string    `gorm:"size:64;not null" json:"userId"`
	JobID                string    `gorm:"size:36;not null;uniqueIndex" json:"jobId"`
	Title                string    `gorm:"size:200" json:"title"`
	TrackCount           int       `gorm:"not null;default:0" json:"trackCount"`
	TotalDurationSeconds float64   `gorm:"not null;default:0" json:"totalDurationSeconds"`
	CreatedAt            time.Time `json:"createdAt"`
	UpdatedAt            time.Time `json:"updatedAt"`
}

// PlaylistItem places a track at a position of a playlist
type PlaylistItem struct {
	ID         string    `gorm:"primaryKey;size:36" json:"id"`
	PlaylistID string    `gorm:"size:36;not null;uniqueIndex:idx_playlist_items_position,priority:1" json:"playlistId"`
	Position   int       `gorm:"not null;uniqueIndex:idx_playlist_items_position,priority:2" json:"position"`
	TrackID    string    `gorm:"size:36;not null" json:"trackId"`
	JobID      string    `gorm:"size:36;not null" json:"jobId"`
	CreatedAt  time.Time `json:"createdAt"`
}

// PlaylistContext tells the materializer where a track belongs
type PlaylistContext struct {
	PlaylistID string
	Position   int
}

// TrackURLResponse carries a time-limited download link
type TrackURLResponse struct {
	TrackID   string    `json:"trackId"`
	Format    string    `json:"format"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expiresAt"`
}
