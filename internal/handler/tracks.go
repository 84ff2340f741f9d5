package handler

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/makeasinger/audiogen/internal/middleware"
	"github.com/makeasinger/audiogen/internal/service"
	"github.com/makeasinger/audiogen/pkg/response"
)

type TrackHandler struct {
	service *service.TrackService
}

func NewTrackHandler(svc *service.TrackService) *TrackHandler {
	return &TrackHandler{service: svc}
}

// URL handles GET /api/tracks/:trackId/url
// @Summary      Get track download URL
// @Description  Get a time-limited download URL for a track in its primary or secondary format
// @Tags         Tracks
// @Produce      json
// @Param        trackId path string true "Track ID"
// @Param        format query string false "Audio format (mp3, wav, flac)"
// @Success      200 {object} model.TrackURLResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      404 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/tracks/{trackId}/url [get]
func (h *TrackHandler) URL(c *fiber.Ctx) error {
	result, err := h.service.SignedURL(c.UserContext(), middleware.GetOrgID(c), c.Params("trackId"), c.Query("format"))
	if err != nil {
		if errors.Is(err, service.ErrFormatUnavailable) {
			return response.NotFound(c, "Format not available for this track")
		}
		return lookupError(c, err, "Track not found")
	}
	return response.OK(c, result)
}
