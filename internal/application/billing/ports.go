package billing

import (
	"context"
	"time"

	"github.com/jhoicas/facturacion-sri/internal/domain/entity"
	infrasri "github.com/jhoicas/facturacion-sri/internal/infrastructure/sri"
	pkgsri "github.com/jhoicas/facturacion-sri/pkg/sri"
)

// SalesGateway obtiene la venta completada que se va a facturar.
// Errores: *domain.SaleNotFoundError, *domain.SaleServiceUnavailableError.
type SalesGateway interface {
	GetSale(ctx context.Context, saleRef string) (*entity.Sale, error)
}

// AuthorityTransport web services de recepción y autorización del SRI.
// Un fallo de red devuelve *domain.TransportUnavailableError; las respuestas inesperadas son datos.
type AuthorityTransport interface {
	Submit(ctx context.Context, env string, signed []byte) (*infrasri.SubmissionResult, error)
	QueryAuthorization(ctx context.Context, env, accessKey string) (*infrasri.AuthorizationResult, error)
}

// DocumentBuilder construye el comprobante <factura> sin firma.
type DocumentBuilder interface {
	Build(sale *entity.Sale, accessKey string, issuer infrasri.Issuer) (*infrasri.CanonicalDocument, error)
}

// CredentialSource entrega una credencial de firma por operación; quien la recibe la libera.
type CredentialSource interface {
	Acquire(ctx context.Context) (*pkgsri.Credential, error)
}

// RecordLocker exclusión mutua por factura entre workers, poller y operador.
type RecordLocker interface {
	Lock(ctx context.Context, invoiceID string) (unlock func(), err error)
}

// RIDEGenerator genera la representación impresa (PDF) de la factura.
type RIDEGenerator interface {
	GenerateRIDE(ctx context.Context, invoice *entity.Invoice, doc *infrasri.DocumentSummary) ([]byte, error)
}

// Metrics observación del pipeline. NopMetrics si no se configura.
type Metrics interface {
	Transition(from, to string)
	AuthorityCall(op, outcome string, d time.Duration)
	TaskFinished(state string)
	QueueDepth(n int)
	LostWrite()
}

// NopMetrics no registra nada.
type NopMetrics struct{}

func (NopMetrics) Transition(string, string)                   {}
func (NopMetrics) AuthorityCall(string, string, time.Duration) {}
func (NopMetrics) TaskFinished(string)                         {}
func (NopMetrics) QueueDepth(int)                              {}
func (NopMetrics) LostWrite()                                  {}
