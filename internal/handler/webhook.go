package handler

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/makeasinger/audiogen/internal/log"
	"github.com/makeasinger/audiogen/internal/provider"
	"github.com/makeasinger/audiogen/internal/store"
	"github.com/makeasinger/audiogen/internal/worker"
	"github.com/makeasinger/audiogen/pkg/response"
)

// CallbackRunner applies a verified provider callback to its job
type CallbackRunner interface {
	HandleCallback(ctx context.Context, providerID, jobID string, body []byte) error
}

// WebhookHandler receives result callbacks from push-delivery providers
type WebhookHandler struct {
	registry *provider.Registry
	runner   CallbackRunner
}

func NewWebhookHandler(registry *provider.Registry, runner CallbackRunner) *WebhookHandler {
	return &WebhookHandler{
		registry: registry,
		runner:   runner,
	}
}

// Callback handles POST /webhooks/:provider/:jobId
// @Summary      Provider callback
// @Description  Receive generated audio for a push-delivery job. The token query parameter must carry the provider's shared secret.
// @Tags         Webhooks
// @Accept       json
// @Produce      json
// @Param        provider path string true "Provider ID"
// @Param        jobId path string true "Job ID"
// @Param        token query string true "Shared secret"
// @Success      200 {object} map[string]bool
// @Failure      400 {object} response.ErrorResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      404 {object} response.ErrorResponse
// @Failure      409 {object} response.ErrorResponse
// @Router       /webhooks/{provider}/{jobId} [post]
func (h *WebhookHandler) Callback(c *fiber.Ctx) error {
	providerID := c.Params("provider")
	jobID := c.Params("jobId")

	adapter, err := h.registry.Get(providerID)
	if err != nil {
		return response.NotFound(c, "Unknown provider")
	}
	parser, ok := adapter.(provider.CallbackParser)
	if !ok {
		return response.NotFound(c, "Provider does not deliver callbacks")
	}
	if !parser.VerifyCallback(c.Query("token")) {
		log.Info("rejected callback with bad token", "provider", providerID, "jobId", jobID, "ip", c.IP())
		return response.Unauthorized(c, "Invalid callback token")
	}

	body := append([]byte(nil), c.Body()...)
	err = h.runner.HandleCallback(c.UserContext(), providerID, jobID, body)

	switch {
	case err == nil, worker.IsRecorded(err):
		// a provider-reported failure is accepted and already on the job
		return response.OK(c, fiber.Map{"received": true})
	case errors.Is(err, worker.ErrInvalidCallback):
		return response.ValidationError(c, "Malformed callback payload", nil)
	case errors.Is(err, store.ErrNotFound), errors.Is(err, provider.ErrUnknownProvider), errors.Is(err, worker.ErrCallbackUnsupported):
		return response.NotFound(c, "Job not found")
	case errors.Is(err, worker.ErrJobNotRunning):
		return response.Conflict(c, "Job is not waiting for results")
	default:
		log.Error(err, "callback processing failed", "provider", providerID, "jobId", jobID)
		return response.ServiceError(c, "Failed to process callback")
	}
}
