package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-logr/logr"

	"github.com/makeasinger/audiogen/internal/config"
	"github.com/makeasinger/audiogen/internal/model"
)

const SunoID = "suno"

// Suno is the poll-delivery adapter for the Suno generation API
type Suno struct {
	api               *apiClient
	apiKey            string
	model             string
	publicPerformance bool
	logger            logr.Logger
}

// sunoGenerateRequest is the submission body
type sunoGenerateRequest struct {
	Model       string `json:"model,omitempty"`
	N           int    `json:"n"`
	Title       string `json:"title,omitempty"`
	Lyrics      string `json:"lyrics,omitempty"`
	Prompt      string `json:"prompt,omitempty"`
	Style       string `json:"style,omitempty"`
	ReferenceID string `json:"reference_id,omitempty"`
	VocalID     string `json:"vocal_id,omitempty"`
	MelodyID    string `json:"melody_id,omitempty"`
	Stream      bool   `json:"stream"`
}

var (
	sunoFailed  = []string{"failed", "timeouted", "cancelled", "canceled", "error"}
	sunoPending = []string{"preparing", "queued", "running", "streaming", "pending", "submitted"}
	sunoDone    = []string{"succeeded", "success", "complete", "completed"}
)

// NewSuno creates the Suno adapter
func NewSuno(cfg *config.SunoConfig, logger logr.Logger) *Suno {
	logger = logger.WithName("suno")
	return &Suno{
		api:               newAPIClient(SunoID, strings.TrimRight(cfg.BaseURL, "/"), "Authorization", "Bearer "+cfg.APIKey, logger),
		apiKey:            cfg.APIKey,
		model:             cfg.Model,
		publicPerformance: cfg.PublicPerformance,
		logger:            logger,
	}
}

func (s *Suno) ID() string               { return SunoID }
func (s *Suno) Enabled() bool            { return s.apiKey != "" }
func (s *Suno) Delivery() model.Delivery { return model.DeliveryPoll }
func (s *Suno) PublicPerformance() bool  { return s.publicPerformance }

// Prepare submits a generation task. n is clamped to 1..3.
func (s *Suno) Prepare(ctx context.Context, params GenerateParams) (*model.ProviderPrepareResult, error) {
	n := clampVariants(params.N)
	modelName := params.Model
	if modelName == "" {
		modelName = s.model
	}

	req := sunoGenerateRequest{
		Model:       modelName,
		N:           n,
		Title:       params.Title,
		Lyrics:      params.Lyrics,
		Prompt:      joinPrompt(params.Prompt, params.Style),
		Style:       params.Style,
		ReferenceID: params.ReferenceID,
		VocalID:     params.VocalID,
		MelodyID:    params.MelodyID,
	}

	var resp map[string]any
	if err := s.api.post(ctx, "/v1/music/generate", req, &resp); err != nil {
		return nil, err
	}

	taskID := firstString(envelope(resp), "job_id", "id", "task_id")
	if taskID == "" {
		return nil, fmt.Errorf("%w: suno response carries no task id", ErrProviderFailed)
	}

	s.logger.Info("task submitted", "jobId", params.JobID, "taskId", taskID, "n", n)

	return &model.ProviderPrepareResult{
		Delivery:         model.DeliveryPoll,
		ProviderTaskID:   taskID,
		ExpectedVariants: n,
	}, nil
}

// Poll checks the task once. A 404 means the task is not visible yet.
func (s *Suno) Poll(ctx context.Context, taskID string, _ []string) ([]model.ProviderPollResult, error) {
	var resp map[string]any
	err := s.api.get(ctx, "/v1/music/status/"+url.PathEscape(taskID), &resp)
	if err != nil {
		var httpErr *HTTPError
		if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound {
			return nil, ErrNotReady
		}
		return nil, err
	}

	body := envelope(resp)
	status := strings.ToLower(firstString(body, "status", "state"))
	switch {
	case contains(sunoFailed, status):
		reason := firstString(body, "error", "message", "reason")
		if reason == "" {
			reason = status
		}
		return nil, fmt.Errorf("%w: suno task %s: %s", ErrProviderFailed, taskID, reason)
	case contains(sunoPending, status):
		return nil, nil
	case contains(sunoDone, status):
	default:
		s.logger.Info("unrecognized task status, treating as pending", "taskId", taskID, "status", status)
		return nil, nil
	}

	choices := objects(body, "choices", "results")
	if len(choices) == 0 {
		return nil, fmt.Errorf("%w: suno task %s succeeded without choices", ErrProviderFailed, taskID)
	}

	results := make([]model.ProviderPollResult, 0, len(choices))
	for i, c := range choices {
		audioURL := firstString(c, "url", "audio_url")
		if audioURL == "" {
			return nil, fmt.Errorf("%w: suno task %s choice %d has no url", ErrProviderFailed, taskID, i)
		}
		id := firstString(c, "id")
		if id == "" {
			id = fmt.Sprintf("%s-%d", taskID, i)
		}
		meta := map[string]any{"taskId": taskID}
		if flac := firstString(c, "flac_url"); flac != "" {
			meta["flacUrl"] = flac
		}
		results = append(results, model.ProviderPollResult{
			ID:          id,
			URL:         audioURL,
			Format:      model.FormatMP3,
			MimeType:    model.FormatMP3.MimeType(),
			DurationSec: number(c, "duration") / 1000,
			Metadata:    meta,
		})
	}
	return results, nil
}

// Normalize maps one choice to its mp3 and optional flac encodings.
func (s *Suno) Normalize(result model.ProviderPollResult) ([]model.NormalizedResult, error) {
	if result.URL == "" {
		return nil, fmt.Errorf("%w: choice %s has no url", ErrProviderFailed, result.ID)
	}

	urls := []model.AudioURL{{
		Format:      model.FormatMP3,
		URL:         result.URL,
		MimeType:    model.FormatMP3.MimeType(),
		DurationSec: result.DurationSec,
	}}
	if flac, _ := result.Metadata["flacUrl"].(string); flac != "" {
		urls = append(urls, model.AudioURL{
			Format:      model.FormatFLAC,
			URL:         flac,
			MimeType:    model.FormatFLAC.MimeType(),
			DurationSec: result.DurationSec,
		})
	}

	return []model.NormalizedResult{{
		VariantID: result.ID,
		AudioURLs: urls,
		Metadata: map[string]any{
			"provider": SunoID,
			"taskId":   result.Metadata["taskId"],
			"choiceId": result.ID,
		},
	}}, nil
}

func clampVariants(n int) int {
	if n < 1 {
		return 1
	}
	if n > 3 {
		return 3
	}
	return n
}

func joinPrompt(prompt, style string) string {
	switch {
	case prompt == "":
		return style
	case style == "":
		return prompt
	}
	return prompt + ". Style: " + style
}

func contains(set []string, s string) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}
