// check_cert verifica que el certificado de firma configurado se pueda cargar y firme un comprobante.
//
// Uso: go run ./cmd/check_cert
// Lee SRI_CERT_P12_PATH / SRI_CERT_PASSWORD (o SRI_CERT_PATH / SRI_CERT_KEY_PATH) del entorno o .env.
// Nunca imprime la contraseña ni material de la llave.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jhoicas/facturacion-sri/internal/infrastructure/sri/signer"
	"github.com/jhoicas/facturacion-sri/pkg/config"
)

const probe = `<?xml version="1.0" encoding="UTF-8"?><factura id="comprobante" version="1.1.0"><infoTributaria><ruc>9999999999999</ruc></infoTributaria></factura>`

func main() {
	cfg, err := config.Load()
	if err != nil {
		fail("configuración", err)
	}

	fmt.Println("DIAGNÓSTICO DE CERTIFICADO SRI")
	fmt.Println("------------------------------")
	if cfg.SRI.CertP12Path != "" {
		fmt.Printf("Archivo .p12: %s\n", cfg.SRI.CertP12Path)
	} else {
		fmt.Printf("Par PEM: %s / %s\n", cfg.SRI.CertPath, cfg.SRI.CertKeyPath)
	}

	source, err := signer.NewFileSource(cfg.SRI.CertP12Path, cfg.SRI.CertPassword, cfg.SRI.CertPath, cfg.SRI.CertKeyPath)
	if err != nil {
		fail("fuente del certificado", err)
	}
	cred, err := source.Acquire(context.Background())
	if err != nil {
		fail("cargar certificado (archivo o contraseña)", err)
	}
	defer cred.Release()

	fmt.Println("Certificado cargado:")
	fmt.Printf("  %s\n", signer.Describe(cred.Certificate))
	if now := time.Now(); now.After(cred.Certificate.NotAfter) {
		fmt.Println("  ADVERTENCIA: el certificado está vencido")
	} else {
		fmt.Printf("  Días de vigencia restantes: %d\n", int(cred.Certificate.NotAfter.Sub(now).Hours()/24))
	}

	svc := signer.NewService()
	signed, err := svc.Sign([]byte(probe), cred)
	if err != nil {
		fail("firma de prueba", err)
	}
	if err := svc.Verify(signed); err != nil {
		fail("verificación de la firma de prueba", err)
	}
	fmt.Printf("Firma XAdES-BES de prueba correcta (%d bytes)\n", len(signed))
}

func fail(step string, err error) {
	fmt.Fprintf(os.Stderr, "ERROR en %s: %v\n", step, err)
	os.Exit(1)
}
