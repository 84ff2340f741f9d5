package model

// Job status
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCanceled  JobStatus = "canceled"
)

// IsTerminal reports whether no further transitions are allowed from s.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusSucceeded, JobStatusFailed, JobStatusCanceled:
		return true
	}
	return false
}

// ActiveStatuses are the non-terminal statuses.
var ActiveStatuses = []JobStatus{JobStatusQueued, JobStatusRunning}

// Job kinds
type JobKind string

const (
	JobKindTrackGenerate    JobKind = "track.generate"
	JobKindPlaylistGenerate JobKind = "playlist.generate"
)

// Event types
type EventType string

const (
	EventQueued        EventType = "queued"
	EventStarted       EventType = "started"
	EventProgress      EventType = "progress"
	EventItemSucceeded EventType = "item_succeeded"
	EventSucceeded     EventType = "succeeded"
	EventFailed        EventType = "failed"
	EventCanceled      EventType = "canceled"
	EventLog           EventType = "log"
)

// Delivery is how a provider hands back its results.
type Delivery string

const (
	DeliveryPoll Delivery = "poll"
	DeliveryPush Delivery = "push"
)

// Audio formats
type AudioFormat string

const (
	FormatMP3  AudioFormat = "mp3"
	FormatFLAC AudioFormat = "flac"
	FormatWAV  AudioFormat = "wav"
)

// MimeType returns the content type used when storing the format.
func (f AudioFormat) MimeType() string {
	switch f {
	case FormatMP3:
		return "audio/mpeg"
	case FormatFLAC:
		return "audio/flac"
	case FormatWAV:
		return "audio/wav"
	}
	return "application/octet-stream"
}

// Genre types
type Genre string

const (
	GenrePop        Genre = "pop"
	GenreRock       Genre = "rock"
	GenreHiphop     Genre = "hiphop"
	GenreRnb        Genre = "rnb"
	GenreElectronic Genre = "electronic"
	GenreJazz       Genre = "jazz"
	GenreCountry    Genre = "country"
	GenreFolk       Genre = "folk"
	GenreClassical  Genre = "classical"
	GenreLatin      Genre = "latin"
	GenreReggae     Genre = "reggae"
	GenreBlues      Genre = "blues"
	GenreAmbient    Genre = "ambient"
)
