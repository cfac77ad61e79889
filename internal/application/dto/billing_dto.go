package dto

import "time"

// CreateInvoiceRequest body para POST /api/invoices.
// Environment vacío = ambiente configurado (SRI_ENVIRONMENT).
type CreateInvoiceRequest struct {
	SaleReference string `json:"sale_reference" validate:"required,max=64"`
	BranchID      string `json:"branch_id" validate:"required,max=64"`
	Environment   string `json:"environment,omitempty" validate:"omitempty,oneof=test production"`
}

// InvoiceResponse factura electrónica para GET /api/invoices/:id.
// Los XML no se incluyen; el RIDE se descarga aparte.
type InvoiceResponse struct {
	ID                  string     `json:"id"`
	SaleReference       string     `json:"sale_reference"`
	BranchID            string     `json:"branch_id"`
	Environment         string     `json:"environment"`
	Status              string     `json:"status"` // pending|generated|sent|authorized|rejected|error
	AccessKey           string     `json:"access_key,omitempty"`
	InvoiceNumber       string     `json:"invoice_number,omitempty"`
	AuthorityResponse   string     `json:"authority_response,omitempty"`
	AuthorizationNumber string     `json:"authorization_number,omitempty"`
	AuthorizationDate   *time.Time `json:"authorization_date,omitempty"`
	SentAt              *time.Time `json:"sent_at,omitempty"`
	Attempt             int        `json:"attempt"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// InvoiceListResponse lista paginada de facturas para GET /api/invoices.
type InvoiceListResponse struct {
	Items []InvoiceResponse `json:"items"`
	Page  PageResponse      `json:"page"`
}

// CreateInvoiceResponse respuesta 202 de POST /api/invoices: la factura queda pending y una tarea la procesa.
type CreateInvoiceResponse struct {
	Invoice InvoiceResponse `json:"invoice"`
	TaskID  string          `json:"task_id"`
}

// TaskResponse estado de una tarea diferida para GET /api/tasks/:id.
type TaskResponse struct {
	ID         string     `json:"id"`
	Kind       string     `json:"kind"`
	InvoiceID  string     `json:"invoice_id"`
	State      string     `json:"state"` // queued|running|done|failed
	Error      string     `json:"error,omitempty"`
	EnqueuedAt time.Time  `json:"enqueued_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}
