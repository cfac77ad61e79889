// issue_token emite un JWT de prueba para operar la API.
//
// Uso: go run ./cmd/issue_token -user <id> -role operador|facturador|auditor
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/jhoicas/facturacion-sri/pkg/config"
	pkgjwt "github.com/jhoicas/facturacion-sri/pkg/jwt"
)

func main() {
	user := flag.String("user", "", "id del usuario (sub)")
	role := flag.String("role", "facturador", "rol: operador, facturador o auditor")
	exp := flag.Int("exp", 0, "minutos de vigencia (0 = JWT_EXPIRATION_MINUTES)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuración: %v\n", err)
		os.Exit(1)
	}
	if cfg.JWT.Secret == "" || *user == "" {
		fmt.Fprintln(os.Stderr, "se requieren JWT_SECRET y -user")
		os.Exit(2)
	}
	minutes := *exp
	if minutes <= 0 {
		minutes = cfg.JWT.Expiration
	}
	tok, err := pkgjwt.Generate(cfg.JWT.Secret, *user, *role, cfg.JWT.Issuer, minutes)
	if err != nil {
		fmt.Fprintf(os.Stderr, "generar token: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(tok)
}
