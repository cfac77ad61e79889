package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/jhoicas/facturacion-sri/internal/domain"
	"github.com/jhoicas/facturacion-sri/internal/domain/entity"
	"github.com/jhoicas/facturacion-sri/internal/domain/repository"
)

var _ repository.InvoiceRepository = (*InvoiceRepo)(nil)

// InvoiceRepo implementación de InvoiceRepository (usable con pool o tx).
type InvoiceRepo struct {
	q Querier
}

// NewInvoiceRepository construye el adaptador. Pasar pool o tx (Querier).
func NewInvoiceRepository(q Querier) *InvoiceRepo {
	return &InvoiceRepo{q: q}
}

const invoiceColumns = `
	id, sale_reference, branch_id, environment, access_key, sequential, invoice_number,
	document_xml, signed_xml, status, authority_response, authorization_number,
	authorization_date, sent_at, attempt, created_at, updated_at`

// Create persiste la factura recién registrada.
func (r *InvoiceRepo) Create(ctx context.Context, invoice *entity.Invoice) error {
	if invoice.ID == "" {
		invoice.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if invoice.CreatedAt.IsZero() {
		invoice.CreatedAt = now
	}
	if invoice.UpdatedAt.IsZero() {
		invoice.UpdatedAt = invoice.CreatedAt
	}
	query := `
		INSERT INTO invoices (` + invoiceColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`
	_, err := r.q.Exec(ctx, query,
		invoice.ID, invoice.SaleReference, invoice.BranchID, invoice.Environment,
		nullIfEmpty(invoice.AccessKey), nullIfEmpty(invoice.Sequential), nullIfEmpty(invoice.InvoiceNumber),
		nullIfEmpty(invoice.DocumentXML), nullIfEmpty(invoice.SignedXML), invoice.Status,
		nullIfEmpty(invoice.AuthorityResponse), nullIfEmpty(invoice.AuthorizationNumber),
		invoice.AuthorizationDate, invoice.SentAt, invoice.Attempt, invoice.CreatedAt, invoice.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("factura o clave de acceso ya existe: %w", domain.ErrDuplicate)
		}
		return fmt.Errorf("insert invoice: %w", err)
	}
	return nil
}

// GetByID obtiene una factura por ID. Devuelve nil, nil si no existe.
func (r *InvoiceRepo) GetByID(ctx context.Context, id string) (*entity.Invoice, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, nil
	}
	query := `SELECT ` + invoiceColumns + ` FROM invoices WHERE id = $1`
	inv, err := scanInvoice(r.q.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get invoice: %w", err)
	}
	return inv, nil
}

// UpdateStatus cambia el estado solo si el actual es expectedPrior.
// Un puntero nil conserva la columna; un puntero a "" la limpia. La clave de acceso y sent_at se escriben una sola vez.
func (r *InvoiceRepo) UpdateStatus(ctx context.Context, id, expectedPrior string, update entity.StatusUpdate) (bool, error) {
	attemptDelta := 0
	if update.IncrementAttempt {
		attemptDelta = 1
	}
	var accessKey *string
	if update.AccessKey != nil {
		accessKey = nullIfEmpty(*update.AccessKey)
	}
	query := `
		UPDATE invoices
		SET status               = $3,
		    access_key           = COALESCE(access_key, $4::text),
		    document_xml         = CASE WHEN $5::text IS NULL THEN document_xml ELSE NULLIF($5::text, '') END,
		    signed_xml           = CASE WHEN $6::text IS NULL THEN signed_xml ELSE NULLIF($6::text, '') END,
		    authority_response   = CASE WHEN $7::text IS NULL THEN authority_response ELSE NULLIF($7::text, '') END,
		    authorization_number = CASE WHEN $8::text IS NULL THEN authorization_number ELSE NULLIF($8::text, '') END,
		    authorization_date   = COALESCE($9::timestamptz, authorization_date),
		    sent_at              = COALESCE(sent_at, $11::timestamptz),
		    attempt              = attempt + $10,
		    updated_at           = now()
		WHERE id = $1 AND status = $2`
	tag, err := r.q.Exec(ctx, query,
		id, expectedPrior, update.Status, accessKey,
		update.DocumentXML, update.SignedXML, update.AuthorityResponse, update.AuthorizationNumber,
		update.AuthorizationDate, attemptDelta, update.SentAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return false, fmt.Errorf("clave de acceso duplicada: %w", domain.ErrDuplicate)
		}
		return false, fmt.Errorf("update invoice status: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListByStatus facturas en un estado, las más antiguas primero (usado por el poller).
func (r *InvoiceRepo) ListByStatus(ctx context.Context, status string, limit int) ([]*entity.Invoice, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + invoiceColumns + ` FROM invoices WHERE status = $1 ORDER BY created_at ASC LIMIT $2`
	rows, err := r.q.Query(ctx, query, status, limit)
	if err != nil {
		return nil, fmt.Errorf("list invoices: %w", err)
	}
	return collectInvoices(rows)
}

// List página de facturas, las más recientes primero. status vacío no filtra.
func (r *InvoiceRepo) List(ctx context.Context, filter repository.InvoiceFilter) ([]*entity.Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices
		WHERE ($1::text = '' OR status = $1)
		ORDER BY created_at DESC, id
		OFFSET $2 LIMIT $3`
	rows, err := r.q.Query(ctx, query, filter.Status, filter.Offset, filter.Limit)
	if err != nil {
		return nil, fmt.Errorf("list invoices: %w", err)
	}
	return collectInvoices(rows)
}

func collectInvoices(rows pgx.Rows) ([]*entity.Invoice, error) {
	defer rows.Close()

	var out []*entity.Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, fmt.Errorf("scan invoice: %w", err)
		}
		out = append(out, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list invoices: %w", err)
	}
	return out, nil
}

// NextSequential reserva el siguiente secuencial de la serie estab-ptoEmi de forma atómica.
func (r *InvoiceRepo) NextSequential(ctx context.Context, establishment, emissionPoint string) (int64, error) {
	const query = `
		INSERT INTO invoice_sequences (establishment, emission_point, last_value)
		VALUES ($1, $2, 1)
		ON CONFLICT (establishment, emission_point)
		DO UPDATE SET last_value = invoice_sequences.last_value + 1
		RETURNING last_value`
	var next int64
	if err := r.q.QueryRow(ctx, query, establishment, emissionPoint).Scan(&next); err != nil {
		return 0, fmt.Errorf("next sequential: %w", err)
	}
	return next, nil
}

func scanInvoice(row pgx.Row) (*entity.Invoice, error) {
	var inv entity.Invoice
	var accessKey, sequential, number, docXML, signedXML, response, authNumber *string
	err := row.Scan(
		&inv.ID, &inv.SaleReference, &inv.BranchID, &inv.Environment,
		&accessKey, &sequential, &number, &docXML, &signedXML, &inv.Status,
		&response, &authNumber, &inv.AuthorizationDate, &inv.SentAt, &inv.Attempt,
		&inv.CreatedAt, &inv.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	inv.AccessKey = derefStr(accessKey)
	inv.Sequential = derefStr(sequential)
	inv.InvoiceNumber = derefStr(number)
	inv.DocumentXML = derefStr(docXML)
	inv.SignedXML = derefStr(signedXML)
	inv.AuthorityResponse = derefStr(response)
	inv.AuthorizationNumber = derefStr(authNumber)
	return &inv, nil
}
