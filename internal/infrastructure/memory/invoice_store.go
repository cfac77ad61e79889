// Package memory implementaciones en proceso de los puertos de persistencia y bloqueo.
// Se usan en desarrollo sin base de datos y en las pruebas del orquestador.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jhoicas/facturacion-sri/internal/domain"
	"github.com/jhoicas/facturacion-sri/internal/domain/entity"
	"github.com/jhoicas/facturacion-sri/internal/domain/repository"
)

var _ repository.InvoiceRepository = (*InvoiceStore)(nil)

// InvoiceStore repositorio de facturas en memoria con compare-and-swap bajo mutex.
type InvoiceStore struct {
	mu        sync.Mutex
	invoices  map[string]*entity.Invoice
	keys      map[string]string // access_key -> id
	sequences map[string]int64
	now       func() time.Time
}

// NewInvoiceStore crea un store vacío.
func NewInvoiceStore() *InvoiceStore {
	return &InvoiceStore{
		invoices:  make(map[string]*entity.Invoice),
		keys:      make(map[string]string),
		sequences: make(map[string]int64),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *InvoiceStore) Create(_ context.Context, invoice *entity.Invoice) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if invoice.ID == "" {
		invoice.ID = uuid.New().String()
	}
	if _, ok := s.invoices[invoice.ID]; ok {
		return fmt.Errorf("factura %s: %w", invoice.ID, domain.ErrDuplicate)
	}
	if invoice.AccessKey != "" {
		if _, ok := s.keys[invoice.AccessKey]; ok {
			return fmt.Errorf("clave de acceso ya existe: %w", domain.ErrDuplicate)
		}
		s.keys[invoice.AccessKey] = invoice.ID
	}
	now := s.now()
	if invoice.CreatedAt.IsZero() {
		invoice.CreatedAt = now
	}
	if invoice.UpdatedAt.IsZero() {
		invoice.UpdatedAt = invoice.CreatedAt
	}
	cp := *invoice
	s.invoices[invoice.ID] = &cp
	return nil
}

// GetByID devuelve una copia; nil, nil si no existe.
func (s *InvoiceStore) GetByID(_ context.Context, id string) (*entity.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inv, ok := s.invoices[id]
	if !ok {
		return nil, nil
	}
	cp := *inv
	return &cp, nil
}

func (s *InvoiceStore) UpdateStatus(_ context.Context, id, expectedPrior string, update entity.StatusUpdate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inv, ok := s.invoices[id]
	if !ok || inv.Status != expectedPrior {
		return false, nil
	}
	if update.AccessKey != nil && *update.AccessKey != "" && inv.AccessKey == "" {
		if owner, taken := s.keys[*update.AccessKey]; taken && owner != id {
			return false, fmt.Errorf("clave de acceso duplicada: %w", domain.ErrDuplicate)
		}
		s.keys[*update.AccessKey] = id
	}
	update.Apply(inv, s.now())
	return true, nil
}

func (s *InvoiceStore) ListByStatus(_ context.Context, status string, limit int) ([]*entity.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*entity.Invoice
	for _, inv := range s.invoices {
		if inv.Status == status {
			cp := *inv
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InvoiceStore) List(_ context.Context, filter repository.InvoiceFilter) ([]*entity.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*entity.Invoice
	for _, inv := range s.invoices {
		if filter.Status == "" || inv.Status == filter.Status {
			cp := *inv
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.Offset >= len(out) {
		return nil, nil
	}
	out = out[filter.Offset:]
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *InvoiceStore) NextSequential(_ context.Context, establishment, emissionPoint string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := establishment + "-" + emissionPoint
	s.sequences[k]++
	return s.sequences[k], nil
}
