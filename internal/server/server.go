package server

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/makeasinger/audiogen/internal/handler"
	"github.com/makeasinger/audiogen/internal/middleware"
	"github.com/makeasinger/audiogen/pkg/response"
)

// Options carries everything the HTTP surface is built from
type Options struct {
	Auth           fiber.Handler
	RateLimiter    *middleware.RateLimiter
	EnqueuePerHour int
	RequestLog     bool
	Debug          bool

	Jobs       *handler.JobHandler
	Tracks     *handler.TrackHandler
	Webhooks   *handler.WebhookHandler
	Stream     *handler.StreamHandler
	Health     *handler.HealthHandler
	AuthVerify *handler.AuthHandler
}

// New builds the fiber app with every route registered
func New(opts Options) *fiber.App {
	app := fiber.New(fiber.Config{
		ErrorHandler: errorHandler,
		BodyLimit:    4 * 1024 * 1024,
	})

	app.Use(recover.New())
	if opts.RequestLog {
		logFormat := "[${time}] ${status} - ${latency} ${method} ${path}\n"
		if opts.Debug {
			logFormat = "[${time}] ${status} - ${latency} ${method} ${path} ${queryParams} ${body}\n"
		}
		app.Use(logger.New(logger.Config{
			Format: logFormat,
		}))
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization,X-Org-Id",
	}))

	// Base URL - timestamp
	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"timestamp": time.Now().Unix(),
		})
	})
	app.Get("/health", opts.Health.Health)

	// ForwardAuth verification endpoint (internal, called by Traefik)
	app.Get("/auth/verify", opts.AuthVerify.Verify)

	// Provider callbacks authenticate with a shared secret, not a user token
	app.Post("/webhooks/:provider/:jobId", opts.Webhooks.Callback)

	api := app.Group("/api", opts.Auth)

	jobs := api.Group("/jobs")
	enqueueLimit := opts.RateLimiter.EnqueueLimit(opts.EnqueuePerHour)
	jobs.Post("/tracks", enqueueLimit, opts.Jobs.CreateTrack)
	jobs.Post("/playlists", enqueueLimit, opts.Jobs.CreatePlaylist)
	jobs.Get("/:jobId", opts.Jobs.Get)
	jobs.Get("/:jobId/events", opts.Jobs.Events)
	jobs.Get("/:jobId/tracks", opts.Jobs.Tracks)
	jobs.Post("/:jobId/cancel", opts.Jobs.Cancel)

	api.Get("/tracks/:trackId/url", opts.Tracks.URL)

	app.Get("/ws/jobs/:jobId", opts.Auth, opts.Stream.Upgrade, opts.Stream.Serve())

	return app
}

func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
		message = fe.Message
	}

	errCode := response.CodeServiceError
	switch code {
	case fiber.StatusNotFound:
		errCode = response.CodeNotFound
	case fiber.StatusBadRequest, fiber.StatusRequestEntityTooLarge:
		errCode = response.CodeValidationError
	}
	return response.Error(c, code, errCode, message, nil)
}
