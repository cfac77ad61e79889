// Package sri implementa la construcción del comprobante XML (factura, esquema offline) y el
// transporte SOAP hacia los web services de recepción y autorización del SRI (Ecuador).
package sri

import "github.com/shopspring/decimal"

// Issuer datos del emisor (contribuyente) que van en infoTributaria e infoFactura.
type Issuer struct {
	RUC                   string
	LegalName             string // razonSocial
	TradeName             string // nombreComercial (opcional)
	HeadOfficeAddress     string // dirMatriz
	BranchAddress         string // dirEstablecimiento; si vacío se usa dirMatriz
	Establishment         string // estab, 3 dígitos
	EmissionPoint         string // ptoEmi, 3 dígitos
	KeepsAccounting       bool   // obligadoContabilidad
	SpecialTaxpayerNumber string // contribuyenteEspecial (opcional)
}

// BuyerPolicy comportamiento cuando la venta no trae comprador.
type BuyerPolicy string

const (
	// BuyerPolicyFinalConsumer sustituye al comprador ausente por CONSUMIDOR FINAL.
	BuyerPolicyFinalConsumer BuyerPolicy = "final_consumer"
	// BuyerPolicyRequireBuyer rechaza ventas sin comprador.
	BuyerPolicyRequireBuyer BuyerPolicy = "require_buyer"
)

// Totals importes del comprobante.
type Totals struct {
	Subtotal decimal.Decimal // totalSinImpuestos
	Discount decimal.Decimal // totalDescuento
	Tax      decimal.Decimal // suma de impuestos por línea
	Total    decimal.Decimal // importeTotal
}

// Line línea calculada del comprobante.
type Line struct {
	Code        string
	Description string
	Quantity    decimal.Decimal
	UnitPrice   decimal.Decimal
	Discount    decimal.Decimal
	Subtotal    decimal.Decimal // precioTotalSinImpuesto
	Tax         decimal.Decimal
}

// Buyer comprador resuelto.
type Buyer struct {
	IdentificationType string
	Identification     string
	Name               string
	Address            string
	Email              string
	Phone              string
}

// CanonicalDocument comprobante construido, listo para firmar.
type CanonicalDocument struct {
	AccessKey         string
	Sequential        string
	InvoiceNumber     string // estab-ptoEmi-secuencial
	Buyer             Buyer
	Lines             []Line
	Totals            Totals
	TaxRate           decimal.Decimal
	UsedFinalConsumer bool

	xml []byte
}

// Bytes XML del comprobante sin firma. Dos construcciones con las mismas entradas producen bytes idénticos.
func (d *CanonicalDocument) Bytes() []byte {
	return d.xml
}
