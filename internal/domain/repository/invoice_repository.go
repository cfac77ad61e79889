package repository

import (
	"context"

	"github.com/jhoicas/facturacion-sri/internal/domain/entity"
)

// InvoiceRepository define el puerto de persistencia de facturas electrónicas.
type InvoiceRepository interface {
	Create(ctx context.Context, invoice *entity.Invoice) error
	GetByID(ctx context.Context, id string) (*entity.Invoice, error)
	// UpdateStatus aplica update solo si el estado actual es expectedPrior (compare-and-swap).
	// Devuelve false sin error cuando otro escritor ganó la carrera.
	UpdateStatus(ctx context.Context, id, expectedPrior string, update entity.StatusUpdate) (bool, error)
	// ListByStatus lista facturas en un estado, las más antiguas primero.
	ListByStatus(ctx context.Context, status string, limit int) ([]*entity.Invoice, error)
	// List página de facturas para consulta, las más recientes primero.
	List(ctx context.Context, filter InvoiceFilter) ([]*entity.Invoice, error)
	// NextSequential reserva el siguiente secuencial para estab+ptoEmi.
	NextSequential(ctx context.Context, establishment, emissionPoint string) (int64, error)
}

// InvoiceFilter filtro y paginación del listado. Status vacío incluye todos los estados.
type InvoiceFilter struct {
	Status string
	Offset int
	Limit  int
}
