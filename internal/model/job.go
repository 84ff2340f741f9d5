package model

import (
	"time"

	"gorm.io/datatypes"
)

// Job represents a background generation job in the system
type Job struct {
	ID             string  `gorm:"primaryKey;size:36" json:"id"`
	OrganizationID string  `gorm:"size:64;not null;index:idx_jobs_org_status,priority:1" json:"organizationId"`
	UserID         string  `gorm:"size:64;not null" json:"userId"`
	ParentJobID    *string `gorm:"size:36;index" json:"parentJobId,omitempty"`

	Kind   JobKind   `gorm:"size:32;not null" json:"kind"`
	Status JobStatus `gorm:"size:16;not null;index:idx_jobs_org_status,priority:2" json:"status"`

	ItemCount      int `gorm:"not null" json:"itemCount"`
	CompletedCount int `gorm:"not null;default:0" json:"completedCount"`
	ProgressPct    int `gorm:"not null;default:0" json:"progressPct"`

	ProviderID            string                      `gorm:"size:32" json:"providerId,omitempty"`
	ProviderTaskID        *string                     `gorm:"size:128" json:"providerTaskId,omitempty"`
	ProviderConversionIDs datatypes.JSONSlice[string] `json:"providerConversionIds,omitempty"`
	ExpectedVariants      int                         `gorm:"not null;default:0" json:"expectedVariants,omitempty"`

	// AdmissionAttempts counts the times the job found its organization at capacity
	AdmissionAttempts int `gorm:"not null;default:0" json:"admissionAttempts,omitempty"`

	Params datatypes.JSON `json:"params,omitempty"`
	Prompt string         `gorm:"type:text" json:"prompt,omitempty"`

	Error      *string    `gorm:"type:text" json:"error,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}

// IsChild reports whether the job was spawned by a playlist job.
func (j *Job) IsChild() bool {
	return j.ParentJobID != nil && *j.ParentJobID != ""
}

// JobEvent is an append-only history entry of a job. Seq is strictly
// increasing in emission order.
type JobEvent struct {
	Seq       int64             `gorm:"primaryKey;autoIncrement:false" json:"seq,string"`
	JobID     string            `gorm:"size:36;not null;index" json:"jobId"`
	Type      EventType         `gorm:"size:32;not null" json:"type"`
	Payload   datatypes.JSONMap `json:"payload,omitempty"`
	CreatedAt time.Time         `gorm:"index" json:"createdAt"`
}

// TrackParams are the params of a track.generate job
type TrackParams struct {
	Provider          string `json:"provider" validate:"required,max=32"`
	Model             string `json:"model,omitempty" validate:"max=64"`
	N                 int    `json:"n" validate:"min=0,max=3"`
	Title             string `json:"title,omitempty" validate:"max=120"`
	Lyrics            string `json:"lyrics,omitempty" validate:"required_without=Prompt,max=3000"`
	Prompt            string `json:"prompt,omitempty" validate:"max=1000"`
	Style             string `json:"style,omitempty" validate:"max=200"`
	ReferenceID       string `json:"referenceId,omitempty" validate:"max=128"`
	VocalID           string `json:"vocalId,omitempty" validate:"max=128"`
	MelodyID          string `json:"melodyId,omitempty" validate:"max=128"`
	PublicPerformance bool   `json:"publicPerformance,omitempty"`

	// Set only on children of a playlist job.
	PlaylistID string `json:"playlistId,omitempty" validate:"omitempty,uuid"`
	Position   *int   `json:"position,omitempty" validate:"omitempty,min=0"`
}

// PlaylistParams are the params of a playlist.generate job
type PlaylistParams struct {
	Provider          string           `json:"provider" validate:"required,max=32"`
	Model             string           `json:"model,omitempty" validate:"max=64"`
	Title             string           `json:"title" validate:"required,max=120"`
	Blueprints        []TrackBlueprint `json:"blueprints" validate:"required,min=1,max=50,dive"`
	PublicPerformance bool             `json:"publicPerformance,omitempty"`

	// Filled by the enqueuer once the playlist row exists.
	PlaylistID string `json:"playlistId,omitempty"`
}

// TrackBlueprint is one track of a playlist as produced upstream
type TrackBlueprint struct {
	Title  string `json:"title" validate:"required,max=120"`
	Lyrics string `json:"lyrics,omitempty" validate:"required_without=Prompt,max=3000"`
	Prompt string `json:"prompt,omitempty" validate:"max=1000"`
	Style  string `json:"style,omitempty" validate:"max=200"`
	Genre  Genre  `json:"genre,omitempty" validate:"omitempty,oneof=pop rock hiphop rnb electronic jazz country folk classical latin reggae blues ambient"`
}

// JobAcceptedResponse is returned when a job has been enqueued
type JobAcceptedResponse struct {
	JobID     string    `json:"jobId"`
	Status    JobStatus `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}

// JobCancelResponse represents the response when canceling a job
type JobCancelResponse struct {
	Success bool      `json:"success"`
	JobID   string    `json:"jobId"`
	Status  JobStatus `json:"status"`
}

// JobEventsResponse lists a job's events in emission order
type JobEventsResponse struct {
	JobID  string     `json:"jobId"`
	Events []JobEvent `json:"events"`
}
