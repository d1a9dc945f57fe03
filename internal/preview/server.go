// Package preview serves a built deck site over HTTP. It is the in-process
// alternative to `vite preview` used when preview.builtin is enabled.
package preview

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/healthcheck"
	"github.com/gofiber/fiber/v2/middleware/monitor"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/rs/xid"

	u "deckpdf/internal/utils"
)

// New creates a Fiber app serving the static files under dir.
func New(dir string) *fiber.App {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			msg := "Internal Server Error"

			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
				msg = e.Message
			}

			u.Warn("Preview request failed", "path", c.Path(), "status", code, "message", msg)

			return c.Status(code).JSON(fiber.Map{
				"error": fiber.Map{
					"code":    code,
					"message": msg,
				},
			})
		},
	})

	RegisterMiddleware(app)

	app.Static("/", dir, fiber.Static{
		Index:         "index.html",
		CacheDuration: -1,
	})

	// Ensure everything not on disk, including unknown decks, is a JSON 404.
	app.Use(func(c *fiber.Ctx) error {
		return fiber.NewError(fiber.StatusNotFound, "Not Found")
	})

	return app
}

// RegisterMiddleware attaches request ids, health probes, the runtime monitor
// page and request logging.
func RegisterMiddleware(app *fiber.App) {
	app.Use(requestid.New(requestid.Config{
		Generator: func() string {
			return xid.New().String()
		},
	}))

	app.Use(healthcheck.New())
	app.Get("/__monitor", monitor.New(monitor.Config{Title: "deckpdf preview"}))

	app.Use(func(c *fiber.Ctx) error {
		err := c.Next()
		u.Debug("Preview request", "method", c.Method(), "path", c.Path(),
			"status", c.Response().StatusCode(), "request_id", c.GetRespHeader(fiber.HeaderXRequestID))
		return err
	})
}
