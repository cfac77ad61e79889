package billing

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/jhoicas/facturacion-sri/internal/domain"
	"github.com/jhoicas/facturacion-sri/internal/domain/entity"
	"github.com/jhoicas/facturacion-sri/internal/domain/repository"
	domainsri "github.com/jhoicas/facturacion-sri/internal/domain/sri"
)

// PollerOptions configuración del sondeo de autorizaciones.
type PollerOptions struct {
	Interval    time.Duration
	Rate        float64 // consultas por segundo
	Batch       int
	CallTimeout time.Duration
	// StalePendingAfter re-encola facturas pending sin avance por más de este tiempo
	// (reinicio del proceso o cola llena al crearlas). 0 lo desactiva.
	StalePendingAfter time.Duration
}

// AuthorizationPoller consulta periódicamente el SRI por las facturas en sent.
type AuthorizationPoller struct {
	repo    repository.InvoiceRepository
	orch    *Orchestrator
	queue   *TaskQueue
	limiter *rate.Limiter
	opts    PollerOptions
	log     zerolog.Logger
	now     func() time.Time
}

// NewAuthorizationPoller crea el poller. queue puede ser nil si no se re-encolan pendientes.
func NewAuthorizationPoller(repo repository.InvoiceRepository, orch *Orchestrator, queue *TaskQueue, opts PollerOptions, log zerolog.Logger) *AuthorizationPoller {
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	if opts.Rate <= 0 {
		opts.Rate = 2
	}
	if opts.Batch <= 0 {
		opts.Batch = 50
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 45 * time.Second
	}
	return &AuthorizationPoller{
		repo:    repo,
		orch:    orch,
		queue:   queue,
		limiter: rate.NewLimiter(rate.Limit(opts.Rate), 1),
		opts:    opts,
		log:     log.With().Str("component", "authorization_poller").Logger(),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Run sondea cada Interval hasta que ctx se cancela.
func (p *AuthorizationPoller) Run(ctx context.Context) {
	p.log.Info().Dur("interval", p.opts.Interval).Float64("rate", p.opts.Rate).Msg("poller iniciado")
	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.log.Info().Msg("poller detenido")
			return
		case <-ticker.C:
			p.PollOnce(ctx)
		}
	}
}

// PollOnce procesa un lote de facturas en sent y devuelve cuántas quedaron en estado final.
func (p *AuthorizationPoller) PollOnce(ctx context.Context) int {
	p.requeueStale(ctx)

	sent, err := p.repo.ListByStatus(ctx, entity.InvoiceStatusSent, p.opts.Batch)
	if err != nil {
		p.log.Error().Err(err).Msg("listar facturas enviadas")
		return 0
	}

	finished := 0
	for _, inv := range sent {
		if err := p.limiter.Wait(ctx); err != nil {
			return finished
		}
		if err := domainsri.ValidateAccessKey(inv.AccessKey); err != nil {
			p.log.Warn().Err(err).Str("invoice_id", inv.ID).Msg("clave de acceso inválida, se omite")
			continue
		}

		// Detener el poller no corta una consulta en curso: termina o vence por CallTimeout.
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.opts.CallTimeout)
		updated, err := p.orch.CheckAuthorization(callCtx, inv.ID)
		cancel()
		switch {
		case err == nil:
			if entity.IsFinal(updated.Status) {
				finished++
			}
		case errors.Is(err, domain.ErrConflict), domain.IsRetryable(err):
			// Bloqueada por otro proceso o SRI caído: se reintenta en el próximo ciclo.
			p.log.Debug().Err(err).Str("invoice_id", inv.ID).Msg("consulta aplazada")
		default:
			p.log.Warn().Err(err).Str("invoice_id", inv.ID).Msg("consulta de autorización fallida")
		}
	}
	if len(sent) > 0 {
		p.log.Info().Int("checked", len(sent)).Int("finished", finished).Msg("ciclo de sondeo")
	}
	return finished
}

func (p *AuthorizationPoller) requeueStale(ctx context.Context) {
	if p.queue == nil || p.opts.StalePendingAfter <= 0 {
		return
	}
	pending, err := p.repo.ListByStatus(ctx, entity.InvoiceStatusPending, p.opts.Batch)
	if err != nil {
		p.log.Error().Err(err).Msg("listar facturas pendientes")
		return
	}
	cutoff := p.now().Add(-p.opts.StalePendingAfter)
	for _, inv := range pending {
		if inv.UpdatedAt.After(cutoff) {
			continue
		}
		id := inv.ID
		if _, err := p.queue.Enqueue(TaskKindProcess, id, func(ctx context.Context) error {
			return p.orch.Process(ctx, id)
		}); err != nil {
			p.log.Warn().Err(err).Str("invoice_id", id).Msg("no se pudo re-encolar factura pendiente")
			return
		}
		p.log.Info().Str("invoice_id", id).Msg("factura pendiente re-encolada")
	}
}
