package billing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jhoicas/facturacion-sri/internal/application/dto"
	"github.com/jhoicas/facturacion-sri/internal/domain"
	"github.com/jhoicas/facturacion-sri/internal/domain/entity"
	"github.com/jhoicas/facturacion-sri/internal/domain/repository"
	domainsri "github.com/jhoicas/facturacion-sri/internal/domain/sri"
	infrasri "github.com/jhoicas/facturacion-sri/internal/infrastructure/sri"
)

// InvoiceUseCase casos de uso expuestos sobre facturas: alta, consulta, autorización y reproceso.
type InvoiceUseCase struct {
	repo       repository.InvoiceRepository
	sales      SalesGateway
	orch       *Orchestrator
	queue      *TaskQueue
	issuer     infrasri.Issuer
	defaultEnv string
	log        zerolog.Logger
	now        func() time.Time
}

// NewInvoiceUseCase construye el caso de uso. defaultEnv se usa cuando la solicitud no indica ambiente.
func NewInvoiceUseCase(
	repo repository.InvoiceRepository,
	sales SalesGateway,
	orch *Orchestrator,
	queue *TaskQueue,
	issuer infrasri.Issuer,
	defaultEnv string,
	log zerolog.Logger,
) *InvoiceUseCase {
	return &InvoiceUseCase{
		repo:       repo,
		sales:      sales,
		orch:       orch,
		queue:      queue,
		issuer:     issuer,
		defaultEnv: defaultEnv,
		log:        log.With().Str("component", "invoice_usecase").Logger(),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// CreateInvoice registra la factura en pending para la venta y encola su procesamiento.
// La venta se consulta antes de reservar el secuencial: una referencia desconocida no consume número.
func (uc *InvoiceUseCase) CreateInvoice(ctx context.Context, saleRef, branchID, env string) (*dto.CreateInvoiceResponse, error) {
	saleRef = strings.TrimSpace(saleRef)
	branchID = strings.TrimSpace(branchID)
	if saleRef == "" {
		return nil, &domain.InvalidInputError{Field: "sale_reference", Reason: "obligatoria"}
	}
	if branchID == "" {
		return nil, &domain.InvalidInputError{Field: "branch_id", Reason: "obligatoria"}
	}
	if env == "" {
		env = uc.defaultEnv
	}
	if !entity.ValidEnvironment(env) {
		return nil, &domain.InvalidInputError{Field: "environment", Reason: fmt.Sprintf("ambiente desconocido %q", env)}
	}

	if _, err := uc.sales.GetSale(ctx, saleRef); err != nil {
		return nil, err
	}

	next, err := uc.repo.NextSequential(ctx, uc.issuer.Establishment, uc.issuer.EmissionPoint)
	if err != nil {
		return nil, fmt.Errorf("billing: reservar secuencial: %w", err)
	}
	seq, err := domainsri.FormatSequential(next)
	if err != nil {
		return nil, err
	}

	now := uc.now()
	inv := &entity.Invoice{
		ID:            uuid.New().String(),
		SaleReference: saleRef,
		BranchID:      branchID,
		Environment:   env,
		Sequential:    seq,
		InvoiceNumber: fmt.Sprintf("%s-%s-%s", uc.issuer.Establishment, uc.issuer.EmissionPoint, seq),
		Status:        entity.InvoiceStatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := uc.repo.Create(ctx, inv); err != nil {
		return nil, fmt.Errorf("billing: crear factura: %w", err)
	}
	uc.log.Info().Str("invoice_id", inv.ID).Str("sale_reference", saleRef).Str("number", inv.InvoiceNumber).
		Msg("factura registrada")

	taskID, err := uc.enqueueProcess(inv.ID)
	if err != nil {
		// La factura queda en pending; el poller la re-encola cuando haya espacio.
		return nil, err
	}
	return &dto.CreateInvoiceResponse{Invoice: toInvoiceResponse(inv), TaskID: taskID}, nil
}

// GetInvoice devuelve la factura o domain.ErrNotFound.
func (uc *InvoiceUseCase) GetInvoice(ctx context.Context, id string) (*dto.InvoiceResponse, error) {
	inv, err := uc.repo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("billing: obtener factura: %w", err)
	}
	if inv == nil {
		return nil, domain.ErrNotFound
	}
	out := toInvoiceResponse(inv)
	return &out, nil
}

// ListInvoices página de facturas, las más recientes primero. status vacío lista todos los estados.
func (uc *InvoiceUseCase) ListInvoices(ctx context.Context, status string, limit, offset int) (*dto.InvoiceListResponse, error) {
	status = strings.TrimSpace(status)
	if status != "" && !entity.ValidStatus(status) {
		return nil, &domain.InvalidInputError{Field: "status", Reason: fmt.Sprintf("estado desconocido %q", status)}
	}
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	list, err := uc.repo.List(ctx, repository.InvoiceFilter{Status: status, Offset: offset, Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("billing: listar facturas: %w", err)
	}
	items := make([]dto.InvoiceResponse, 0, len(list))
	for _, inv := range list {
		items = append(items, toInvoiceResponse(inv))
	}
	return &dto.InvoiceListResponse{
		Items: items,
		Page:  dto.PageResponse{Limit: limit, Offset: offset},
	}, nil
}

// CheckAuthorization consulta al SRI el estado de una factura enviada.
func (uc *InvoiceUseCase) CheckAuthorization(ctx context.Context, id string) (*dto.InvoiceResponse, error) {
	inv, err := uc.orch.CheckAuthorization(ctx, id)
	if err != nil {
		return nil, err
	}
	out := toInvoiceResponse(inv)
	return &out, nil
}

// Reprocess devuelve una factura en error a pending y encola un nuevo intento.
func (uc *InvoiceUseCase) Reprocess(ctx context.Context, id string) (*dto.CreateInvoiceResponse, error) {
	inv, err := uc.orch.Reprocess(ctx, id)
	if err != nil {
		return nil, err
	}
	uc.log.Info().Str("invoice_id", inv.ID).Int("attempt", inv.Attempt).Msg("factura enviada a reproceso")

	taskID, err := uc.enqueueProcess(inv.ID)
	if err != nil {
		return nil, err
	}
	return &dto.CreateInvoiceResponse{Invoice: toInvoiceResponse(inv), TaskID: taskID}, nil
}

// TaskStatus estado de una tarea diferida o domain.ErrNotFound.
func (uc *InvoiceUseCase) TaskStatus(taskID string) (*dto.TaskResponse, error) {
	t, ok := uc.queue.Status(taskID)
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &dto.TaskResponse{
		ID:         t.ID,
		Kind:       t.Kind,
		InvoiceID:  t.InvoiceID,
		State:      t.State,
		Error:      t.Error,
		EnqueuedAt: t.EnqueuedAt,
		StartedAt:  t.StartedAt,
		FinishedAt: t.FinishedAt,
	}, nil
}

func (uc *InvoiceUseCase) enqueueProcess(invoiceID string) (string, error) {
	taskID, err := uc.queue.Enqueue(TaskKindProcess, invoiceID, func(ctx context.Context) error {
		return uc.orch.Process(ctx, invoiceID)
	})
	if err != nil {
		uc.log.Warn().Err(err).Str("invoice_id", invoiceID).Msg("no se pudo encolar la factura")
		return "", err
	}
	return taskID, nil
}

func toInvoiceResponse(inv *entity.Invoice) dto.InvoiceResponse {
	return dto.InvoiceResponse{
		ID:                  inv.ID,
		SaleReference:       inv.SaleReference,
		BranchID:            inv.BranchID,
		Environment:         inv.Environment,
		Status:              inv.Status,
		AccessKey:           inv.AccessKey,
		InvoiceNumber:       inv.InvoiceNumber,
		AuthorityResponse:   inv.AuthorityResponse,
		AuthorizationNumber: inv.AuthorizationNumber,
		AuthorizationDate:   inv.AuthorizationDate,
		SentAt:              inv.SentAt,
		Attempt:             inv.Attempt,
		CreatedAt:           inv.CreatedAt,
		UpdatedAt:           inv.UpdatedAt,
	}
}
