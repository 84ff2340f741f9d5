package model

// ProviderPrepareResult is what a provider returns on submission
type ProviderPrepareResult struct {
	Delivery              Delivery `json:"delivery"`
	ProviderTaskID        string   `json:"providerTaskId"`
	ExpectedVariants      int      `json:"expectedVariants"`
	ProviderConversionIDs []string `json:"providerConversionIds,omitempty"`
}

// ProviderPollResult is one variant yielded by a provider
type ProviderPollResult struct {
	ID          string         `json:"id"`
	URL         string         `json:"url"`
	Format      AudioFormat    `json:"format"`
	MimeType    string         `json:"mimeType"`
	DurationSec float64        `json:"durationSec"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// AudioURL is one downloadable encoding of a variant
type AudioURL struct {
	Format      AudioFormat `json:"format"`
	URL         string      `json:"url"`
	MimeType    string      `json:"mimeType"`
	DurationSec float64     `json:"durationSec"`
}

// NormalizedResult is the provider-independent shape the materializer consumes
type NormalizedResult struct {
	// VariantID is the provider's id for this output (choice or conversion id)
	VariantID string         `json:"variantId"`
	AudioURLs []AudioURL     `json:"audioUrls"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Primary returns the mp3 encoding, or the first one when there is no mp3.
func (r NormalizedResult) Primary() (AudioURL, bool) {
	for _, u := range r.AudioURLs {
		if u.Format == FormatMP3 {
			return u, true
		}
	}
	if len(r.AudioURLs) > 0 {
		return r.AudioURLs[0], true
	}
	return AudioURL{}, false
}

// Secondary returns the first lossless/alternate encoding besides primary.
func (r NormalizedResult) Secondary() (AudioURL, bool) {
	primary, ok := r.Primary()
	if !ok {
		return AudioURL{}, false
	}
	for _, u := range r.AudioURLs {
		if u.URL != primary.URL && u.Format != primary.Format {
			return u, true
		}
	}
	return AudioURL{}, false
}

// Duration returns the longest known duration among the encodings.
func (r NormalizedResult) Duration() float64 {
	var d float64
	for _, u := range r.AudioURLs {
		if u.DurationSec > d {
			d = u.DurationSec
		}
	}
	return d
}
