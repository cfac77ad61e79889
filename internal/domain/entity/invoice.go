package entity

import "time"

// Estados del ciclo de vida de una factura electrónica frente al SRI (Ecuador).
const (
	InvoiceStatusPending    = "pending"    // Registrada, a la espera del worker
	InvoiceStatusGenerated  = "generated"  // XML construido y firmado, pendiente de recepción
	InvoiceStatusSent       = "sent"       // RECIBIDA por el SRI, autorización pendiente
	InvoiceStatusAuthorized = "authorized" // AUTORIZADO (estado final)
	InvoiceStatusRejected   = "rejected"   // DEVUELTA o NO AUTORIZADO (estado final)
	InvoiceStatusError      = "error"      // Falla local o de transporte; admite reproceso
)

// Ambientes del SRI.
const (
	EnvironmentTest       = "test"
	EnvironmentProduction = "production"
)

// EnvironmentCode código de ambiente en la clave de acceso y en <ambiente>: 1 pruebas, 2 producción.
func EnvironmentCode(env string) string {
	if env == EnvironmentProduction {
		return "2"
	}
	return "1"
}

// ValidEnvironment indica si env es un ambiente conocido.
func ValidEnvironment(env string) bool {
	return env == EnvironmentTest || env == EnvironmentProduction
}

// transitions tabla de transiciones permitidas del ciclo de vida.
var transitions = map[string][]string{
	InvoiceStatusPending:   {InvoiceStatusGenerated, InvoiceStatusError},
	InvoiceStatusGenerated: {InvoiceStatusSent, InvoiceStatusRejected, InvoiceStatusError},
	InvoiceStatusSent:      {InvoiceStatusAuthorized, InvoiceStatusRejected, InvoiceStatusError},
	InvoiceStatusError:     {InvoiceStatusPending},
}

// CanTransition indica si el paso from → to está permitido.
func CanTransition(from, to string) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ValidStatus indica si status es uno de los estados del ciclo de vida.
func ValidStatus(status string) bool {
	switch status {
	case InvoiceStatusPending, InvoiceStatusGenerated, InvoiceStatusSent,
		InvoiceStatusAuthorized, InvoiceStatusRejected, InvoiceStatusError:
		return true
	}
	return false
}

// IsFinal indica si el estado ya no cambia.
func IsFinal(status string) bool {
	return status == InvoiceStatusAuthorized || status == InvoiceStatusRejected
}

// Invoice registro de una factura electrónica y su trazabilidad con el SRI.
type Invoice struct {
	ID                  string
	SaleReference       string
	BranchID            string
	Environment         string
	AccessKey           string // 49 dígitos; se asigna una sola vez
	Sequential          string // 9 dígitos
	InvoiceNumber       string // estab-ptoEmi-secuencial
	DocumentXML         string
	SignedXML           string
	Status              string
	AuthorityResponse   string
	AuthorizationNumber string
	AuthorizationDate   *time.Time
	SentAt              *time.Time // primera recepción RECIBIDA; nil si el SRI nunca la aceptó
	Attempt             int
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// StatusUpdate campos que acompañan un cambio de estado. Los punteros nil no se tocan.
type StatusUpdate struct {
	Status              string
	AccessKey           *string
	DocumentXML         *string
	SignedXML           *string
	AuthorityResponse   *string
	AuthorizationNumber *string
	AuthorizationDate   *time.Time
	SentAt              *time.Time // se escribe una sola vez
	IncrementAttempt    bool
}

// Apply aplica el update sobre una copia del registro (usado por los stores en memoria y en tests).
func (u StatusUpdate) Apply(inv *Invoice, now time.Time) {
	inv.Status = u.Status
	if u.AccessKey != nil && inv.AccessKey == "" {
		inv.AccessKey = *u.AccessKey
	}
	if u.DocumentXML != nil {
		inv.DocumentXML = *u.DocumentXML
	}
	if u.SignedXML != nil {
		inv.SignedXML = *u.SignedXML
	}
	if u.AuthorityResponse != nil {
		inv.AuthorityResponse = *u.AuthorityResponse
	}
	if u.AuthorizationNumber != nil {
		inv.AuthorizationNumber = *u.AuthorizationNumber
	}
	if u.AuthorizationDate != nil {
		d := *u.AuthorizationDate
		inv.AuthorizationDate = &d
	}
	if u.SentAt != nil && inv.SentAt == nil {
		d := *u.SentAt
		inv.SentAt = &d
	}
	if u.IncrementAttempt {
		inv.Attempt++
	}
	inv.UpdatedAt = now
}

// Str helper para construir StatusUpdate.
func Str(s string) *string { return &s }
