package http

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/jhoicas/facturacion-sri/internal/application/billing"
	"github.com/jhoicas/facturacion-sri/internal/application/dto"
	"github.com/jhoicas/facturacion-sri/internal/domain"
)

// writeError traduce errores de dominio a status HTTP + ErrorResponse.
// Los errores no clasificados se registran y se responden sin detalle.
func writeError(c *fiber.Ctx, log zerolog.Logger, err error) error {
	var (
		invalid      *domain.InvalidInputError
		validation   *domain.ValidationError
		saleNotFound *domain.SaleNotFoundError
		notSubmitted *domain.NotYetSubmittedError
	)
	switch {
	case errors.As(err, &invalid), errors.As(err, &validation):
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Code: "VALIDATION", Message: err.Error()})
	case errors.As(err, &saleNotFound):
		return c.Status(fiber.StatusNotFound).JSON(dto.ErrorResponse{Code: "SALE_NOT_FOUND", Message: err.Error()})
	case errors.As(err, &notSubmitted):
		return c.Status(fiber.StatusConflict).JSON(dto.ErrorResponse{Code: "NOT_YET_SUBMITTED", Message: err.Error()})
	case errors.Is(err, domain.ErrNotFound):
		return c.Status(fiber.StatusNotFound).JSON(dto.ErrorResponse{Code: "NOT_FOUND", Message: "recurso no encontrado"})
	case errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrDuplicate):
		return c.Status(fiber.StatusConflict).JSON(dto.ErrorResponse{Code: "CONFLICT", Message: err.Error()})
	case errors.Is(err, domain.ErrInvalidInput):
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Code: "VALIDATION", Message: err.Error()})
	case errors.Is(err, domain.ErrForbidden):
		return c.Status(fiber.StatusForbidden).JSON(dto.ErrorResponse{Code: "FORBIDDEN", Message: "acceso denegado"})
	case errors.Is(err, billing.ErrQueueFull), errors.Is(err, billing.ErrQueueClosed):
		return c.Status(fiber.StatusServiceUnavailable).JSON(dto.ErrorResponse{Code: "QUEUE_UNAVAILABLE", Message: err.Error()})
	case domain.IsRetryable(err):
		return c.Status(fiber.StatusServiceUnavailable).JSON(dto.ErrorResponse{Code: "UPSTREAM_UNAVAILABLE", Message: err.Error()})
	}
	log.Error().Err(err).Str("path", c.Path()).Msg("error no controlado")
	return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Code: "INTERNAL", Message: "error interno"})
}
