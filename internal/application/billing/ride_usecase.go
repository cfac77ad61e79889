package billing

import (
	"context"
	"fmt"

	"github.com/jhoicas/facturacion-sri/internal/domain"
	"github.com/jhoicas/facturacion-sri/internal/domain/entity"
	"github.com/jhoicas/facturacion-sri/internal/domain/repository"
	infrasri "github.com/jhoicas/facturacion-sri/internal/infrastructure/sri"
)

// RIDEUseCase genera el RIDE (PDF) de una factura a partir del comprobante almacenado.
// Solo se permite para facturas recibidas (sent) o autorizadas.
type RIDEUseCase struct {
	repo      repository.InvoiceRepository
	generator RIDEGenerator
}

// NewRIDEUseCase construye el caso de uso.
func NewRIDEUseCase(repo repository.InvoiceRepository, generator RIDEGenerator) *RIDEUseCase {
	return &RIDEUseCase{repo: repo, generator: generator}
}

// DownloadRIDE devuelve el PDF y el nombre de archivo sugerido.
//
// Retorna:
//   - domain.ErrNotFound  si la factura no existe.
//   - domain.ErrConflict  si la factura aún no fue recibida por el SRI o terminó sin autorización.
func (uc *RIDEUseCase) DownloadRIDE(ctx context.Context, invoiceID string) (pdfBytes []byte, filename string, err error) {
	// ── 1. Cargar factura ─────────────────────────────────────────────────────
	inv, err := uc.repo.GetByID(ctx, invoiceID)
	if err != nil {
		return nil, "", fmt.Errorf("ride: obtener factura: %w", err)
	}
	if inv == nil {
		return nil, "", domain.ErrNotFound
	}

	// ── 2. Validar estado ─────────────────────────────────────────────────────
	if inv.Status != entity.InvoiceStatusAuthorized && inv.Status != entity.InvoiceStatusSent {
		return nil, "", fmt.Errorf("%w: la factura está en estado %s, el RIDE se genera una vez recibida por el SRI",
			domain.ErrConflict, inv.Status)
	}

	// ── 3. Leer el comprobante ────────────────────────────────────────────────
	raw := inv.SignedXML
	if raw == "" {
		raw = inv.DocumentXML
	}
	doc, err := infrasri.ReadDocument([]byte(raw))
	if err != nil {
		return nil, "", fmt.Errorf("ride: leer comprobante: %w", err)
	}

	// ── 4. Generar PDF ────────────────────────────────────────────────────────
	pdfBytes, err = uc.generator.GenerateRIDE(ctx, inv, doc)
	if err != nil {
		return nil, "", fmt.Errorf("ride: generación fallida: %w", err)
	}

	filename = fmt.Sprintf("factura_%s.pdf", inv.InvoiceNumber)
	return pdfBytes, filename, nil
}
