package billing

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/jhoicas/facturacion-sri/internal/domain"
	"github.com/jhoicas/facturacion-sri/internal/domain/entity"
	"github.com/jhoicas/facturacion-sri/internal/domain/repository"
	domainsri "github.com/jhoicas/facturacion-sri/internal/domain/sri"
	infrasri "github.com/jhoicas/facturacion-sri/internal/infrastructure/sri"
	pkgsri "github.com/jhoicas/facturacion-sri/pkg/sri"
)

const (
	opReception     = "recepcion"
	opAuthorization = "autorizacion"

	persistTimeout = 10 * time.Second

	// defaultStaleGenerated antigüedad a partir de la cual una factura generated se da por huérfana.
	defaultStaleGenerated = 15 * time.Minute
)

// ecuador zona horaria continental (sin horario de verano); la fecha de la clave es la fecha local.
var ecuador = time.FixedZone("ECT", -5*60*60)

// OrchestratorDeps colaboradores del orquestador.
type OrchestratorDeps struct {
	Repo        repository.InvoiceRepository
	Sales       SalesGateway
	Builder     DocumentBuilder
	Credentials CredentialSource
	Signer      pkgsri.Signer
	Transport   AuthorityTransport
	Locker      RecordLocker
	Metrics     Metrics
}

// Orchestrator orquesta el ciclo de vida de la factura electrónica frente al SRI:
//
//	clave de acceso → XML → firma → recepción → (poller u operador) autorización
//
// Todo cambio de estado pasa por InvoiceRepository.UpdateStatus (compare-and-swap).
// El escritor que pierde la carrera deja constancia en el log y descarta su resultado.
type Orchestrator struct {
	repo        repository.InvoiceRepository
	sales       SalesGateway
	keys        *domainsri.AccessKeyGenerator
	builder     DocumentBuilder
	credentials CredentialSource
	signer      pkgsri.Signer
	transport   AuthorityTransport
	locker      RecordLocker
	metrics     Metrics
	issuer      infrasri.Issuer
	log         zerolog.Logger
	now         func() time.Time

	staleGenerated time.Duration
}

// NewOrchestrator construye el orquestador. Metrics puede ser nil.
func NewOrchestrator(deps OrchestratorDeps, issuer infrasri.Issuer, log zerolog.Logger) *Orchestrator {
	m := deps.Metrics
	if m == nil {
		m = NopMetrics{}
	}
	return &Orchestrator{
		repo:        deps.Repo,
		sales:       deps.Sales,
		keys:        domainsri.NewAccessKeyGenerator(),
		builder:     deps.Builder,
		credentials: deps.Credentials,
		signer:      deps.Signer,
		transport:   deps.Transport,
		locker:      deps.Locker,
		metrics:     m,
		issuer:      issuer,
		log:         log.With().Str("component", "orchestrator").Logger(),
		now:         func() time.Time { return time.Now().UTC() },

		staleGenerated: defaultStaleGenerated,
	}
}

// WithClock reemplaza el reloj (pruebas).
func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	o.now = now
	return o
}

// WithStaleGeneratedAfter antigüedad mínima para reprocesar una factura que quedó en generated.
// Debe superar la duración máxima de una tarea.
func (o *Orchestrator) WithStaleGeneratedAfter(d time.Duration) *Orchestrator {
	if d > 0 {
		o.staleGenerated = d
	}
	return o
}

// Process lleva una factura pending hasta sent, rejected o error.
// Una factura que ya salió de pending se ignora, por lo que repetir la tarea no tiene efecto.
func (o *Orchestrator) Process(ctx context.Context, invoiceID string) (err error) {
	log := o.log.With().Str("invoice_id", invoiceID).Logger()

	unlock, err := o.locker.Lock(ctx, invoiceID)
	if err != nil {
		return fmt.Errorf("billing: bloquear factura %s: %w", invoiceID, err)
	}
	defer unlock()
	defer o.recoverInto(invoiceID, &err)

	inv, err := o.load(ctx, invoiceID)
	if err != nil {
		return err
	}
	if inv.Status != entity.InvoiceStatusPending {
		log.Info().Str("status", inv.Status).Msg("factura fuera de pending, se omite")
		return nil
	}

	// ── 1. Venta ──────────────────────────────────────────────────────────────
	sale, err := o.sales.GetSale(ctx, inv.SaleReference)
	if err != nil {
		return o.fail(ctx, inv, "sale", err, "")
	}

	// ── 2. Clave de acceso ────────────────────────────────────────────────────
	accessKey, err := o.accessKeyFor(inv)
	if err != nil {
		return o.fail(ctx, inv, "access-key", err, "")
	}

	// ── 3. Comprobante XML ────────────────────────────────────────────────────
	doc, err := o.builder.Build(sale, accessKey, o.issuer)
	if err != nil {
		return o.fail(ctx, inv, "build", err, accessKey)
	}
	if doc.UsedFinalConsumer {
		log.Info().Msg("venta sin comprador: se factura a CONSUMIDOR FINAL")
	}

	// ── 4. Firma ──────────────────────────────────────────────────────────────
	signed, err := o.sign(ctx, doc.Bytes())
	if err != nil {
		return o.fail(ctx, inv, "sign", err, accessKey)
	}

	ok, err := o.transition(ctx, inv, entity.InvoiceStatusGenerated, entity.StatusUpdate{
		AccessKey:         entity.Str(accessKey),
		DocumentXML:       entity.Str(string(doc.Bytes())),
		SignedXML:         entity.Str(string(signed)),
		AuthorityResponse: entity.Str(""),
	})
	if err != nil || !ok {
		return err
	}

	// ── 5. Recepción ──────────────────────────────────────────────────────────
	return o.submit(ctx, inv, signed)
}

// CheckAuthorization consulta el SRI para una factura sent y persiste el resultado.
// Las facturas ya finales se devuelven sin consultar. Las que nunca llegaron a sent
// devuelven *domain.NotYetSubmittedError.
func (o *Orchestrator) CheckAuthorization(ctx context.Context, invoiceID string) (inv *entity.Invoice, err error) {
	unlock, err := o.locker.Lock(ctx, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("billing: bloquear factura %s: %w", invoiceID, err)
	}
	defer unlock()
	defer o.recoverInto(invoiceID, &err)

	inv, err = o.load(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	switch {
	case inv.Status == entity.InvoiceStatusAuthorized:
		return inv, nil
	case inv.Status == entity.InvoiceStatusRejected && inv.SentAt != nil:
		return inv, nil
	case inv.Status == entity.InvoiceStatusSent:
	default:
		// Incluye rejected en recepción (DEVUELTA): el SRI nunca la recibió.
		return nil, &domain.NotYetSubmittedError{InvoiceID: inv.ID, Status: inv.Status}
	}
	if err := domainsri.ValidateAccessKey(inv.AccessKey); err != nil {
		return nil, fmt.Errorf("billing: clave de acceso almacenada inválida: %w", err)
	}

	start := time.Now()
	res, err := o.transport.QueryAuthorization(ctx, inv.Environment, inv.AccessKey)
	if err != nil {
		o.metrics.AuthorityCall(opAuthorization, "unavailable", time.Since(start))
		o.log.Warn().Err(err).Str("invoice_id", inv.ID).Bool("retryable", domain.IsRetryable(err)).
			Msg("consulta de autorización fallida; la factura sigue en sent")
		return nil, err
	}
	o.metrics.AuthorityCall(opAuthorization, string(res.Outcome), time.Since(start))

	var ok bool
	switch res.Outcome {
	case infrasri.AuthorizationAuthorized:
		number := res.Number
		if number == "" {
			number = inv.AccessKey
		}
		date := res.Date
		if date == nil {
			now := o.now()
			date = &now
		}
		ok, err = o.transition(ctx, inv, entity.InvoiceStatusAuthorized, entity.StatusUpdate{
			AuthorityResponse:   entity.Str(nonEmpty(res.Message, "AUTORIZADO")),
			AuthorizationNumber: entity.Str(number),
			AuthorizationDate:   date,
		})
	case infrasri.AuthorizationNotAuthorized:
		ok, err = o.transition(ctx, inv, entity.InvoiceStatusRejected, entity.StatusUpdate{
			AuthorityResponse: entity.Str(nonEmpty(res.Message, "NO AUTORIZADO")),
		})
	default:
		// En procesamiento: se registra la respuesta, el estado no cambia.
		ok, err = o.transition(ctx, inv, entity.InvoiceStatusSent, entity.StatusUpdate{
			AuthorityResponse: entity.Str(nonEmpty(res.Message, "EN PROCESO")),
		})
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		return o.load(ctx, invoiceID)
	}
	return inv, nil
}

// Reprocess devuelve una factura en error a pending: incrementa el intento y limpia los XML.
// La clave de acceso se conserva. Una factura generated sin cambios desde hace más de
// staleGenerated (la tarea murió entre la firma y la recepción) pasa primero a error.
func (o *Orchestrator) Reprocess(ctx context.Context, invoiceID string) (*entity.Invoice, error) {
	unlock, err := o.locker.Lock(ctx, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("billing: bloquear factura %s: %w", invoiceID, err)
	}
	defer unlock()

	inv, err := o.load(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	if inv.Status == entity.InvoiceStatusGenerated && o.now().Sub(inv.UpdatedAt) >= o.staleGenerated {
		ok, err := o.transition(ctx, inv, entity.InvoiceStatusError, entity.StatusUpdate{
			AuthorityResponse: entity.Str("sin resultado de recepción: la tarea terminó tras firmar"),
		})
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: la factura cambió de estado durante el reproceso", domain.ErrConflict)
		}
	}
	if inv.Status != entity.InvoiceStatusError {
		return nil, fmt.Errorf("%w: la factura está en estado %s; solo se reprocesan facturas en error",
			domain.ErrConflict, inv.Status)
	}
	ok, err := o.transition(ctx, inv, entity.InvoiceStatusPending, entity.StatusUpdate{
		DocumentXML:       entity.Str(""),
		SignedXML:         entity.Str(""),
		AuthorityResponse: entity.Str(""),
		IncrementAttempt:  true,
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: la factura cambió de estado durante el reproceso", domain.ErrConflict)
	}
	return inv, nil
}

// ── Pasos internos ────────────────────────────────────────────────────────────

func (o *Orchestrator) submit(ctx context.Context, inv *entity.Invoice, signed []byte) error {
	start := time.Now()
	res, err := o.transport.Submit(ctx, inv.Environment, signed)
	if err != nil {
		o.metrics.AuthorityCall(opReception, "unavailable", time.Since(start))
		return o.fail(ctx, inv, "submit", err, "")
	}
	o.metrics.AuthorityCall(opReception, string(res.Outcome), time.Since(start))

	switch res.Outcome {
	case infrasri.SubmissionReceived:
		sentAt := o.now()
		_, err = o.transition(ctx, inv, entity.InvoiceStatusSent, entity.StatusUpdate{
			AuthorityResponse: entity.Str(nonEmpty(res.Message, "RECIBIDA")),
			SentAt:            &sentAt,
		})
		return err
	case infrasri.SubmissionRejected:
		_, err = o.transition(ctx, inv, entity.InvoiceStatusRejected, entity.StatusUpdate{
			AuthorityResponse: entity.Str(nonEmpty(res.Message, "DEVUELTA")),
		})
		return err
	default:
		return o.fail(ctx, inv, "submit", fmt.Errorf("respuesta de recepción no reconocida: %s", res.Message), "")
	}
}

func (o *Orchestrator) sign(ctx context.Context, document []byte) ([]byte, error) {
	cred, err := o.credentials.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer cred.Release()
	return o.signer.Sign(document, cred)
}

// accessKeyFor reutiliza la clave ya asignada; si no hay, la deriva del registro.
// Con el mismo registro siempre se obtiene la misma clave.
func (o *Orchestrator) accessKeyFor(inv *entity.Invoice) (string, error) {
	if inv.AccessKey != "" {
		return inv.AccessKey, nil
	}
	return o.keys.Generate(domainsri.AccessKeyParams{
		IssueDate:       inv.CreatedAt.In(ecuador),
		DocumentType:    domainsri.DocTypeFactura,
		TaxpayerID:      o.issuer.RUC,
		EnvironmentCode: entity.EnvironmentCode(inv.Environment),
		Establishment:   o.issuer.Establishment + o.issuer.EmissionPoint,
		Sequential:      inv.Sequential,
		NumericCode:     domainsri.NumericCodeFor(inv.ID),
		EmissionType:    domainsri.EmissionTypeNormal,
	})
}

// transition aplica un cambio de estado con compare-and-swap sobre el estado actual de inv.
// to == inv.Status solo registra campos (respuesta del SRI) sin cambiar el estado.
// Devuelve false sin error si otro escritor ganó.
func (o *Orchestrator) transition(ctx context.Context, inv *entity.Invoice, to string, update entity.StatusUpdate) (bool, error) {
	from := inv.Status
	if from != to && !entity.CanTransition(from, to) {
		return false, fmt.Errorf("billing: transición %s → %s no permitida: %w", from, to, domain.ErrConflict)
	}
	update.Status = to
	if update.AuthorityResponse != nil {
		// Las páginas de error del SRI pueden traer bytes fuera de UTF-8; PostgreSQL los rechaza.
		update.AuthorityResponse = entity.Str(strings.ToValidUTF8(*update.AuthorityResponse, "\uFFFD"))
	}

	pctx, cancel := persistContext(ctx)
	defer cancel()
	ok, err := o.repo.UpdateStatus(pctx, inv.ID, from, update)
	if err != nil {
		return false, fmt.Errorf("billing: persistir estado %s: %w", to, err)
	}
	if !ok {
		o.metrics.LostWrite()
		o.log.Warn().Str("invoice_id", inv.ID).Str("from", from).Str("to", to).
			Msg("otro escritor cambió la factura; se descarta el resultado")
		return false, nil
	}
	update.Apply(inv, o.now())
	if from != to {
		o.metrics.Transition(from, to)
		o.log.Info().Str("invoice_id", inv.ID).Str("from", from).Str("to", to).Msg("estado actualizado")
	}
	return true, nil
}

// fail lleva la factura a error guardando el mensaje como respuesta. accessKey se persiste si ya existe.
func (o *Orchestrator) fail(ctx context.Context, inv *entity.Invoice, step string, cause error, accessKey string) error {
	o.log.Error().Err(cause).Str("invoice_id", inv.ID).Str("step", step).
		Bool("retryable", domain.IsRetryable(cause)).Msg("pipeline fallido")

	update := entity.StatusUpdate{AuthorityResponse: entity.Str(cause.Error())}
	if accessKey != "" {
		update.AccessKey = entity.Str(accessKey)
	}
	if _, err := o.transition(ctx, inv, entity.InvoiceStatusError, update); err != nil {
		return errors.Join(fmt.Errorf("billing: %s: %w", step, cause), err)
	}
	return fmt.Errorf("billing: %s: %w", step, cause)
}

// recoverInto convierte un pánico en estado error para la factura en curso.
func (o *Orchestrator) recoverInto(invoiceID string, errp *error) {
	r := recover()
	if r == nil {
		return
	}
	o.log.Error().Str("invoice_id", invoiceID).Interface("panic", r).Bytes("stack", debug.Stack()).
		Msg("pánico en el pipeline")

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	inv, err := o.repo.GetByID(ctx, invoiceID)
	if err == nil && inv != nil && entity.CanTransition(inv.Status, entity.InvoiceStatusError) {
		_, _ = o.transition(ctx, inv, entity.InvoiceStatusError, entity.StatusUpdate{
			AuthorityResponse: entity.Str(fmt.Sprintf("error interno: %v", r)),
		})
	}
	*errp = fmt.Errorf("billing: pánico procesando %s: %v", invoiceID, r)
}

func (o *Orchestrator) load(ctx context.Context, invoiceID string) (*entity.Invoice, error) {
	inv, err := o.repo.GetByID(ctx, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("billing: obtener factura: %w", err)
	}
	if inv == nil {
		return nil, fmt.Errorf("factura %s: %w", invoiceID, domain.ErrNotFound)
	}
	return inv, nil
}

// persistContext las escrituras de estado sobreviven a la cancelación del paso que las produjo.
func persistContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
}

func nonEmpty(s, fallback string) string {
	if s != "" {
		return s
	}
	return fallback
}
