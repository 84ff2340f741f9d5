package provider

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/go-logr/logr"

	"github.com/makeasinger/audiogen/internal/config"
	"github.com/makeasinger/audiogen/internal/model"
)

const (
	MusicGPTID = "musicgpt"

	// musicGPTMaxVariants is the highest numbered conversion suffix MusicGPT sends.
	musicGPTMaxVariants = 8
)

// MusicGPT is the push-delivery adapter: results arrive on our webhook
type MusicGPT struct {
	api               *apiClient
	apiKey            string
	webhookSecret     string
	publicURL         string
	publicPerformance bool
	logger            logr.Logger
}

// musicGPTRequest is the submission body
type musicGPTRequest struct {
	Prompt      string `json:"prompt,omitempty"`
	MusicStyle  string `json:"music_style,omitempty"`
	Lyrics      string `json:"lyrics,omitempty"`
	VoiceID     string `json:"voice_id,omitempty"`
	ReferenceID string `json:"audio_url,omitempty"`
	WebhookURL  string `json:"webhook_url"`
}

// variantFields names the keys that describe one conversion
type variantFields struct {
	id       string
	mp3      string
	wav      string
	duration string
	title    string
}

func (f variantFields) suffixed(i int) variantFields {
	return variantFields{
		id:       fmt.Sprintf("%s_%d", f.id, i),
		mp3:      fmt.Sprintf("%s_%d", f.mp3, i),
		wav:      fmt.Sprintf("%s_%d", f.wav, i),
		duration: fmt.Sprintf("%s_%d", f.duration, i),
		title:    fmt.Sprintf("%s_%d", f.title, i),
	}
}

var conversionFields = variantFields{
	id:       "conversion_id",
	mp3:      "conversion_path",
	wav:      "conversion_path_wav",
	duration: "conversion_duration",
	title:    "title",
}

// conversionLayouts lists the flat layout followed by the numbered ones.
var conversionLayouts = func() []variantFields {
	layouts := []variantFields{conversionFields}
	for i := 1; i <= musicGPTMaxVariants; i++ {
		layouts = append(layouts, conversionFields.suffixed(i))
	}
	return layouts
}()

// NewMusicGPT creates the MusicGPT adapter. publicURL is the externally
// reachable base of this service.
func NewMusicGPT(cfg *config.MusicGPTConfig, publicURL string, logger logr.Logger) *MusicGPT {
	logger = logger.WithName("musicgpt")
	if cfg.APIKey != "" && cfg.WebhookSecret == "" {
		logger.Info("Warning: MUSICGPT_WEBHOOK_SECRET is not set, provider disabled")
	}
	return &MusicGPT{
		api:               newAPIClient(MusicGPTID, strings.TrimRight(cfg.BaseURL, "/"), "Authorization", cfg.APIKey, logger),
		apiKey:            cfg.APIKey,
		webhookSecret:     cfg.WebhookSecret,
		publicURL:         strings.TrimRight(publicURL, "/"),
		publicPerformance: cfg.PublicPerformance,
		logger:            logger,
	}
}

func (m *MusicGPT) ID() string { return MusicGPTID }

// Enabled requires a webhook secret; callbacks are only trusted with one.
func (m *MusicGPT) Enabled() bool {
	return m.apiKey != "" && m.publicURL != "" && m.webhookSecret != ""
}

func (m *MusicGPT) Delivery() model.Delivery { return model.DeliveryPush }
func (m *MusicGPT) PublicPerformance() bool  { return m.publicPerformance }

// WebhookURL is the callback address handed to MusicGPT for jobID.
func (m *MusicGPT) WebhookURL(jobID string) string {
	return fmt.Sprintf("%s/webhooks/%s/%s?token=%s", m.publicURL, MusicGPTID, url.PathEscape(jobID), url.QueryEscape(m.webhookSecret))
}

// Prepare submits the task. Expected variants is the number of conversion ids
// MusicGPT allocated for it.
func (m *MusicGPT) Prepare(ctx context.Context, params GenerateParams) (*model.ProviderPrepareResult, error) {
	req := musicGPTRequest{
		Prompt:      params.Prompt,
		MusicStyle:  params.Style,
		Lyrics:      params.Lyrics,
		VoiceID:     params.VocalID,
		ReferenceID: params.ReferenceID,
		WebhookURL:  m.WebhookURL(params.JobID),
	}

	var resp map[string]any
	if err := m.api.post(ctx, "/MusicAI", req, &resp); err != nil {
		return nil, err
	}
	if ok, present := resp["success"].(bool); present && !ok {
		return nil, fmt.Errorf("%w: musicgpt rejected task: %s", ErrProviderFailed, firstString(resp, "message", "error"))
	}

	taskID := firstString(resp, "task_id", "id")
	if taskID == "" {
		return nil, fmt.Errorf("%w: musicgpt response carries no task id", ErrProviderFailed)
	}

	var conversionIDs []string
	for _, layout := range conversionLayouts[1:] {
		if id := firstString(resp, layout.id); id != "" {
			conversionIDs = append(conversionIDs, id)
		}
	}
	if len(conversionIDs) == 0 {
		if id := firstString(resp, conversionFields.id); id != "" {
			conversionIDs = append(conversionIDs, id)
		}
	}

	expected := len(conversionIDs)
	if expected == 0 {
		expected = 1
	}

	m.logger.Info("task submitted", "jobId", params.JobID, "taskId", taskID, "conversions", len(conversionIDs))

	return &model.ProviderPrepareResult{
		Delivery:              model.DeliveryPush,
		ProviderTaskID:        taskID,
		ExpectedVariants:      expected,
		ProviderConversionIDs: conversionIDs,
	}, nil
}

// Poll is not supported: MusicGPT only reports through the webhook.
func (m *MusicGPT) Poll(context.Context, string, []string) ([]model.ProviderPollResult, error) {
	return nil, ErrPushOnly
}

// VerifyCallback checks the shared webhook secret. Without a configured
// secret nothing is accepted.
func (m *MusicGPT) VerifyCallback(token string) bool {
	if m.webhookSecret == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(m.webhookSecret)) == 1
}

// ParseCallback turns a webhook body into a poll result. Callbacks that carry
// no audio yet (lyrics or progress notifications) yield no results.
func (m *MusicGPT) ParseCallback(body []byte) ([]model.ProviderPollResult, error) {
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode musicgpt callback: %w", err)
	}

	status := strings.ToLower(firstString(payload, "status"))
	if ok, present := payload["success"].(bool); (present && !ok) || status == "failed" || status == "error" {
		reason := firstString(payload, "message", "error", "reason")
		if reason == "" {
			reason = "generation failed"
		}
		return nil, fmt.Errorf("%w: musicgpt: %s", ErrProviderFailed, reason)
	}

	if !hasAudio(payload) {
		return nil, nil
	}

	return []model.ProviderPollResult{{
		ID:       firstString(payload, "task_id"),
		Metadata: payload,
	}}, nil
}

// Normalize unpivots the flat and numbered conversion fields into one
// result per conversion.
func (m *MusicGPT) Normalize(result model.ProviderPollResult) ([]model.NormalizedResult, error) {
	payload := result.Metadata
	if payload == nil {
		return nil, fmt.Errorf("%w: empty musicgpt result", ErrProviderFailed)
	}

	var (
		out  []model.NormalizedResult
		seen = make(map[string]bool)
	)
	for i, layout := range conversionLayouts {
		mp3 := firstString(payload, layout.mp3)
		wav := firstString(payload, layout.wav)
		if mp3 == "" && wav == "" {
			continue
		}

		id := firstString(payload, layout.id)
		if id == "" {
			id = fmt.Sprintf("%s-%d", result.ID, i)
		}
		if seen[id] {
			continue
		}
		seen[id] = true

		duration := number(payload, layout.duration)
		var urls []model.AudioURL
		if mp3 != "" {
			urls = append(urls, model.AudioURL{Format: model.FormatMP3, URL: mp3, MimeType: model.FormatMP3.MimeType(), DurationSec: duration})
		}
		if wav != "" {
			urls = append(urls, model.AudioURL{Format: model.FormatWAV, URL: wav, MimeType: model.FormatWAV.MimeType(), DurationSec: duration})
		}

		meta := map[string]any{
			"provider":     MusicGPTID,
			"taskId":       result.ID,
			"conversionId": id,
		}
		if title := firstString(payload, layout.title); title != "" {
			meta["title"] = title
		}
		out = append(out, model.NormalizedResult{VariantID: id, AudioURLs: urls, Metadata: meta})
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("%w: musicgpt result %s has no audio", ErrProviderFailed, result.ID)
	}
	return out, nil
}

func hasAudio(payload map[string]any) bool {
	for _, layout := range conversionLayouts {
		if firstString(payload, layout.mp3, layout.wav) != "" {
			return true
		}
	}
	return false
}
