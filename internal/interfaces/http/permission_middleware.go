package http

import (
	"github.com/gofiber/fiber/v2"

	"github.com/jhoicas/facturacion-sri/internal/application/dto"
)

// RequirePermission devuelve un middleware Fiber que verifica que el Principal del token
// tenga el permiso indicado. Debe usarse DESPUÉS de AuthMiddleware.
//
// Comportamiento:
//   - 401 Unauthorized → no hay Principal en el contexto.
//   - 403 Forbidden    → el rol no incluye el permiso.
func RequirePermission(perm string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		p, ok := GetPrincipal(c)
		if !ok {
			return c.Status(fiber.StatusUnauthorized).JSON(dto.ErrorResponse{
				Code:    "UNAUTHORIZED",
				Message: "principal no encontrado en el contexto",
			})
		}
		if !p.Can(perm) {
			return c.Status(fiber.StatusForbidden).JSON(dto.ErrorResponse{
				Code:    "FORBIDDEN",
				Message: "el rol '" + p.Role + "' no tiene el permiso '" + perm + "'",
			})
		}
		return c.Next()
	}
}
