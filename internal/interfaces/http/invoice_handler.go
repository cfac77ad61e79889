package http

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/jhoicas/facturacion-sri/internal/application/dto"
)

// InvoiceService casos de uso de facturas que expone el handler.
type InvoiceService interface {
	CreateInvoice(ctx context.Context, saleRef, branchID, env string) (*dto.CreateInvoiceResponse, error)
	GetInvoice(ctx context.Context, id string) (*dto.InvoiceResponse, error)
	ListInvoices(ctx context.Context, status string, limit, offset int) (*dto.InvoiceListResponse, error)
	CheckAuthorization(ctx context.Context, id string) (*dto.InvoiceResponse, error)
	Reprocess(ctx context.Context, id string) (*dto.CreateInvoiceResponse, error)
	TaskStatus(taskID string) (*dto.TaskResponse, error)
}

// RIDEService genera el PDF de una factura.
type RIDEService interface {
	DownloadRIDE(ctx context.Context, invoiceID string) ([]byte, string, error)
}

// InvoiceHandler maneja las peticiones HTTP de facturación electrónica (protegido).
type InvoiceHandler struct {
	invoices InvoiceService
	ride     RIDEService
	validate *validator.Validate
	log      zerolog.Logger
}

// NewInvoiceHandler construye el handler.
func NewInvoiceHandler(invoices InvoiceService, ride RIDEService, log zerolog.Logger) *InvoiceHandler {
	return &InvoiceHandler{
		invoices: invoices,
		ride:     ride,
		validate: validator.New(),
		log:      log.With().Str("component", "invoice_handler").Logger(),
	}
}

// Create registra la factura de una venta y encola su envío al SRI.
// POST /api/invoices → 202 con la factura en pending y el id de la tarea.
func (h *InvoiceHandler) Create(c *fiber.Ctx) error {
	var in dto.CreateInvoiceRequest
	if err := c.BodyParser(&in); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Code: "INVALID_BODY", Message: "cuerpo inválido"})
	}
	if err := h.validate.Struct(in); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Code: "VALIDATION", Message: validationMessage(err)})
	}
	out, err := h.invoices.CreateInvoice(c.UserContext(), in.SaleReference, in.BranchID, in.Environment)
	if err != nil {
		return writeError(c, h.log, err)
	}
	h.log.Info().Str("invoice_id", out.Invoice.ID).Str("user_id", GetUserID(c)).Msg("factura solicitada")
	return c.Status(fiber.StatusAccepted).JSON(out)
}

// GetByID devuelve el estado de la factura.
// GET /api/invoices/:id
func (h *InvoiceHandler) GetByID(c *fiber.Ctx) error {
	out, err := h.invoices.GetInvoice(c.UserContext(), c.Params("id"))
	if err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(out)
}

// List facturas paginadas, las más recientes primero.
// GET /api/invoices?status=&limit=&offset= (skip se acepta como alias de offset)
func (h *InvoiceHandler) List(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 20)
	offset := c.QueryInt("offset", c.QueryInt("skip", 0))
	out, err := h.invoices.ListInvoices(c.UserContext(), c.Query("status"), limit, offset)
	if err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(out)
}

// CheckAuthorization consulta el SRI y devuelve la factura actualizada.
// POST /api/invoices/:id/check-authorization
func (h *InvoiceHandler) CheckAuthorization(c *fiber.Ctx) error {
	out, err := h.invoices.CheckAuthorization(c.UserContext(), c.Params("id"))
	if err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(out)
}

// Reprocess devuelve una factura en error a pending y la encola.
// POST /api/invoices/:id/reprocess (permiso invoices:reprocess)
func (h *InvoiceHandler) Reprocess(c *fiber.Ctx) error {
	out, err := h.invoices.Reprocess(c.UserContext(), c.Params("id"))
	if err != nil {
		return writeError(c, h.log, err)
	}
	h.log.Info().Str("invoice_id", out.Invoice.ID).Str("user_id", GetUserID(c)).Msg("reproceso solicitado")
	return c.Status(fiber.StatusAccepted).JSON(out)
}

// DownloadRIDE descarga el PDF de la factura.
// GET /api/invoices/:id/ride
func (h *InvoiceHandler) DownloadRIDE(c *fiber.Ctx) error {
	pdfBytes, filename, err := h.ride.DownloadRIDE(c.UserContext(), c.Params("id"))
	if err != nil {
		return writeError(c, h.log, err)
	}
	c.Set(fiber.HeaderContentType, "application/pdf")
	c.Set(fiber.HeaderContentDisposition, fmt.Sprintf(`attachment; filename="%s"`, filename))
	return c.Send(pdfBytes)
}

// TaskStatus estado de una tarea diferida.
// GET /api/tasks/:id
func (h *InvoiceHandler) TaskStatus(c *fiber.Ctx) error {
	out, err := h.invoices.TaskStatus(c.Params("id"))
	if err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(out)
}

func validationMessage(err error) string {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: %s", fe.Field(), fe.Tag()))
	}
	return strings.Join(msgs, "; ")
}
