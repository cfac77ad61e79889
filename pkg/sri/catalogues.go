// Package sri contiene catálogos y validaciones de la ficha técnica de comprobantes
// electrónicos del SRI (Ecuador), esquema offline.
package sri

import (
	"strings"

	"github.com/shopspring/decimal"
)

// =============================================================================
// Tabla 2 - Tipos de identificación del comprador
// =============================================================================

const (
	IdentificationRUC           = "04"
	IdentificationCedula        = "05"
	IdentificationPasaporte     = "06"
	IdentificationConsumidorFin = "07"
	IdentificationExterior      = "08"
)

// Consumidor final (Tabla 2, código 07).
const (
	FinalConsumerID   = "9999999999999"
	FinalConsumerName = "CONSUMIDOR FINAL"
)

// =============================================================================
// Tabla 16/17 - Impuestos y tarifas de IVA
// =============================================================================

const (
	TaxCodeIVA = "2" // IVA
	TaxCodeICE = "3" // ICE

	CurrencyDolar = "DOLAR"
)

// ivaRateCodes codigoPorcentaje del IVA según la tarifa.
var ivaRateCodes = map[string]string{
	"0":  "0",
	"5":  "5",
	"12": "2",
	"13": "10",
	"14": "3",
	"15": "4",
}

// IVARateCode devuelve el codigoPorcentaje para una tarifa expresada como fracción (0.12 → "2").
// ok=false si la tarifa no está en el catálogo.
func IVARateCode(rate decimal.Decimal) (string, bool) {
	pct := rate.Mul(decimal.NewFromInt(100))
	if !pct.Equal(pct.Truncate(0)) {
		return "", false
	}
	code, ok := ivaRateCodes[pct.Truncate(0).String()]
	return code, ok
}

// =============================================================================
// Tabla 24 - Formas de pago
// =============================================================================

const (
	PaymentSinSistemaFinanciero = "01"
	PaymentTarjetaDebito        = "16"
	PaymentDineroElectronico    = "17"
	PaymentTarjetaCredito       = "19"
	PaymentOtrosSistemaFinanc   = "20"
)

// PaymentMethodCode traduce el medio de pago del POS a la forma de pago del SRI.
func PaymentMethodCode(method string) string {
	switch strings.ToLower(strings.TrimSpace(method)) {
	case "debit", "debit_card", "tarjeta_debito":
		return PaymentTarjetaDebito
	case "credit", "credit_card", "card", "tarjeta", "tarjeta_credito":
		return PaymentTarjetaCredito
	case "transfer", "bank_transfer", "transferencia", "check", "cheque":
		return PaymentOtrosSistemaFinanc
	case "electronic_money", "dinero_electronico":
		return PaymentDineroElectronico
	default:
		return PaymentSinSistemaFinanciero
	}
}
