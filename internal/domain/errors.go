package domain

import (
	"errors"
	"fmt"
)

// Errores de dominio (sin dependencias externas).
var (
	ErrNotFound     = errors.New("recurso no encontrado")
	ErrInvalidInput = errors.New("entrada inválida")
	ErrUnauthorized = errors.New("no autorizado")
	ErrForbidden    = errors.New("acceso denegado")
	ErrConflict     = errors.New("conflicto con el estado actual")
	ErrDuplicate    = errors.New("recurso duplicado")
)

// InvalidInputError un campo de entrada viola su formato de ancho fijo o numérico.
type InvalidInputError struct {
	Field  string
	Reason string
}

func (e *InvalidInputError) Error() string {
	return fmt.Sprintf("entrada inválida en %s: %s", e.Field, e.Reason)
}

func (e *InvalidInputError) Unwrap() error { return ErrInvalidInput }

// ValidationError datos de la venta incompletos o totales que no cuadran. No se reintenta.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validación: " + e.Reason
	}
	return fmt.Sprintf("validación: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidInput }

// SigningError defecto de configuración del certificado o fallo criptográfico.
// Es fatal para el intento: requiere intervención del operador.
type SigningError struct {
	Reason string
	Err    error
}

func (e *SigningError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("firma: %s: %v", e.Reason, e.Err)
	}
	return "firma: " + e.Reason
}

func (e *SigningError) Unwrap() error { return e.Err }

// TransportUnavailableError fallo de red o timeout contra el SRI. Reintentable.
type TransportUnavailableError struct {
	Op  string // "recepcion" | "autorizacion"
	Err error
}

func (e *TransportUnavailableError) Error() string {
	return fmt.Sprintf("sri %s no disponible: %v", e.Op, e.Err)
}

func (e *TransportUnavailableError) Unwrap() error { return e.Err }

// NotYetSubmittedError la factura nunca llegó al estado sent.
type NotYetSubmittedError struct {
	InvoiceID string
	Status    string
}

func (e *NotYetSubmittedError) Error() string {
	return fmt.Sprintf("factura %s no ha sido enviada al SRI (estado %s)", e.InvoiceID, e.Status)
}

func (e *NotYetSubmittedError) Unwrap() error { return ErrConflict }

// SaleNotFoundError el servicio de ventas no conoce la referencia.
type SaleNotFoundError struct {
	SaleReference string
}

func (e *SaleNotFoundError) Error() string {
	return fmt.Sprintf("venta %s no encontrada", e.SaleReference)
}

func (e *SaleNotFoundError) Unwrap() error { return ErrNotFound }

// SaleServiceUnavailableError el servicio de ventas no respondió.
type SaleServiceUnavailableError struct {
	Err error
}

func (e *SaleServiceUnavailableError) Error() string {
	return fmt.Sprintf("servicio de ventas no disponible: %v", e.Err)
}

func (e *SaleServiceUnavailableError) Unwrap() error { return e.Err }

// IsRetryable indica si el error es transitorio (red) y puede reintentarse en un ciclo posterior.
func IsRetryable(err error) bool {
	var te *TransportUnavailableError
	var se *SaleServiceUnavailableError
	return errors.As(err, &te) || errors.As(err, &se)
}
