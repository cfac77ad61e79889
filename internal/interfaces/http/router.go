package http

import (
	nethttp "net/http"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/rs/zerolog"
)

// RouterDeps dependencias para el router.
type RouterDeps struct {
	Invoices  InvoiceService
	RIDE      RIDEService
	Metrics   nethttp.Handler // nil = sin /metrics
	JWTSecret string
	Log       zerolog.Logger
}

// Router registra las rutas de la API.
func Router(app *fiber.App, deps RouterDeps) {
	if deps.Metrics != nil {
		app.Get("/metrics", adaptor.HTTPHandler(deps.Metrics))
	}

	api := app.Group("/api")

	// Rutas protegidas (requieren Bearer Token)
	protected := api.Group("/", AuthMiddleware(deps.JWTSecret))
	handler := NewInvoiceHandler(deps.Invoices, deps.RIDE, deps.Log)

	invoices := protected.Group("/invoices")
	invoices.Post("/", RequirePermission(PermInvoiceCreate), handler.Create)
	invoices.Get("/", RequirePermission(PermInvoiceRead), handler.List)
	invoices.Get("/:id", RequirePermission(PermInvoiceRead), handler.GetByID)
	invoices.Get("/:id/ride", RequirePermission(PermInvoiceRead), handler.DownloadRIDE)
	invoices.Post("/:id/check-authorization", RequirePermission(PermInvoiceAuthorize), handler.CheckAuthorization)
	invoices.Post("/:id/reprocess", RequirePermission(PermInvoiceReprocess), handler.Reprocess)

	tasks := protected.Group("/tasks")
	tasks.Get("/:id", RequirePermission(PermInvoiceRead), handler.TaskStatus)
}
