package http

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/jhoicas/facturacion-sri/internal/application/dto"
	"github.com/jhoicas/facturacion-sri/pkg/jwt"
)

// LocalPrincipal key del Principal en c.Locals.
const LocalPrincipal = "principal"

// AuthMiddleware valida el Bearer Token JWT y resuelve el rol a un Principal en c.Locals.
func AuthMiddleware(jwtSecret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		authHeader := c.Get("Authorization")
		if authHeader == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(dto.ErrorResponse{Code: "MISSING_TOKEN", Message: "Authorization header requerido"})
		}
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			return c.Status(fiber.StatusUnauthorized).JSON(dto.ErrorResponse{Code: "INVALID_TOKEN", Message: "formato: Bearer <token>"})
		}
		tokenString := strings.TrimSpace(parts[1])
		if tokenString == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(dto.ErrorResponse{Code: "MISSING_TOKEN", Message: "token vacío"})
		}
		userID, role, err := jwt.Parse(jwtSecret, tokenString)
		if err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(dto.ErrorResponse{Code: "INVALID_TOKEN", Message: "token inválido o expirado"})
		}
		if role == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(dto.ErrorResponse{Code: "MISSING_ROLE", Message: "el token no incluye rol"})
		}
		principal, ok := ResolvePrincipal(userID, role)
		if !ok {
			return c.Status(fiber.StatusForbidden).JSON(dto.ErrorResponse{Code: "FORBIDDEN", Message: "rol desconocido: " + role})
		}
		c.Locals(LocalPrincipal, principal)
		return c.Next()
	}
}

// GetPrincipal devuelve el Principal del contexto (después del middleware de auth).
func GetPrincipal(c *fiber.Ctx) (Principal, bool) {
	p, ok := c.Locals(LocalPrincipal).(Principal)
	return p, ok
}

// GetUserID devuelve el UserID del contexto.
func GetUserID(c *fiber.Ctx) string {
	p, _ := GetPrincipal(c)
	return p.UserID
}

// GetRole devuelve el rol del contexto.
func GetRole(c *fiber.Ctx) string {
	p, _ := GetPrincipal(c)
	return p.Role
}
