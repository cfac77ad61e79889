package sri

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jhoicas/facturacion-sri/internal/domain"
	"github.com/jhoicas/facturacion-sri/internal/domain/entity"
	domainsri "github.com/jhoicas/facturacion-sri/internal/domain/sri"
	"github.com/jhoicas/facturacion-sri/pkg/sri"
)

const (
	documentVersion  = "1.1.0"
	documentID       = "comprobante"
	issueDateLayout  = "02/01/2006" // dd/mm/aaaa
	accessKeyDateFmt = "20060102"
)

var tolerance = decimal.RequireFromString("0.01")

// BuilderOptions configuración del constructor del comprobante.
type BuilderOptions struct {
	TaxRate     decimal.Decimal // fracción, ej. 0.12
	BuyerPolicy BuyerPolicy
}

// DocumentBuilder construye el XML <factura> a partir de una venta y su clave de acceso.
type DocumentBuilder struct {
	taxRate     decimal.Decimal
	taxRateCode string
	buyerPolicy BuyerPolicy
}

// NewDocumentBuilder crea el constructor. Falla si la tarifa no está en el catálogo del SRI.
func NewDocumentBuilder(opts BuilderOptions) (*DocumentBuilder, error) {
	code, ok := sri.IVARateCode(opts.TaxRate)
	if !ok {
		return nil, fmt.Errorf("sri: tarifa de IVA no soportada: %s", opts.TaxRate.String())
	}
	policy := opts.BuyerPolicy
	if policy == "" {
		policy = BuyerPolicyFinalConsumer
	}
	if policy != BuyerPolicyFinalConsumer && policy != BuyerPolicyRequireBuyer {
		return nil, fmt.Errorf("sri: política de comprador desconocida: %q", policy)
	}
	return &DocumentBuilder{taxRate: opts.TaxRate, taxRateCode: code, buyerPolicy: policy}, nil
}

// Build genera el comprobante. Fecha, ambiente, serie y secuencial se leen de la clave de acceso,
// por lo que la salida depende solo de (sale, accessKey, issuer).
func (b *DocumentBuilder) Build(sale *entity.Sale, accessKey string, issuer Issuer) (*CanonicalDocument, error) {
	if sale == nil {
		return nil, &domain.ValidationError{Reason: "venta nula"}
	}
	if err := domainsri.ValidateAccessKey(accessKey); err != nil {
		return nil, err
	}
	key := parseKey(accessKey)
	if key.ruc != issuer.RUC {
		return nil, &domain.ValidationError{Field: "issuer.ruc", Reason: "no coincide con el RUC de la clave de acceso"}
	}
	if key.establishment != issuer.Establishment || key.emissionPoint != issuer.EmissionPoint {
		return nil, &domain.ValidationError{Field: "issuer.serie", Reason: "no coincide con la serie de la clave de acceso"}
	}
	if strings.TrimSpace(issuer.LegalName) == "" || strings.TrimSpace(issuer.HeadOfficeAddress) == "" {
		return nil, &domain.ValidationError{Field: "issuer", Reason: "razón social y dirección matriz son obligatorias"}
	}

	buyer, usedFinalConsumer, err := b.resolveBuyer(sale)
	if err != nil {
		return nil, err
	}
	lines, totals, err := b.computeLines(sale)
	if err != nil {
		return nil, err
	}

	doc := &CanonicalDocument{
		AccessKey:         accessKey,
		Sequential:        key.sequential,
		InvoiceNumber:     key.establishment + "-" + key.emissionPoint + "-" + key.sequential,
		Buyer:             buyer,
		Lines:             lines,
		Totals:            totals,
		TaxRate:           b.taxRate,
		UsedFinalConsumer: usedFinalConsumer,
	}
	out, err := b.encode(doc, key, issuer, sale)
	if err != nil {
		return nil, fmt.Errorf("sri: serializar comprobante: %w", err)
	}
	doc.xml = out
	return doc, nil
}

// ── Comprador ─────────────────────────────────────────────────────────────────

func (b *DocumentBuilder) resolveBuyer(sale *entity.Sale) (Buyer, bool, error) {
	id := strings.TrimSpace(sale.CustomerID)
	name := strings.TrimSpace(sale.CustomerName)
	if id == "" && name == "" {
		if b.buyerPolicy == BuyerPolicyRequireBuyer {
			return Buyer{}, false, &domain.ValidationError{Field: "customer", Reason: "la venta no tiene comprador"}
		}
		return Buyer{
			IdentificationType: sri.IdentificationConsumidorFin,
			Identification:     sri.FinalConsumerID,
			Name:               sri.FinalConsumerName,
			Email:              sale.CustomerEmail,
			Phone:              sale.CustomerPhone,
		}, true, nil
	}
	if id == "" {
		return Buyer{}, false, &domain.ValidationError{Field: "customer_id", Reason: "comprador sin identificación"}
	}
	if name == "" {
		return Buyer{}, false, &domain.ValidationError{Field: "customer_name", Reason: "comprador sin nombre"}
	}
	return Buyer{
		IdentificationType: sri.IdentificationType(id),
		Identification:     id,
		Name:               name,
		Address:            sale.CustomerAddress,
		Email:              sale.CustomerEmail,
		Phone:              sale.CustomerPhone,
	}, false, nil
}

// ── Totales ───────────────────────────────────────────────────────────────────

func (b *DocumentBuilder) computeLines(sale *entity.Sale) ([]Line, Totals, error) {
	if len(sale.Items) == 0 {
		return nil, Totals{}, &domain.ValidationError{Field: "items", Reason: "la venta no tiene ítems"}
	}
	var totals Totals
	lines := make([]Line, 0, len(sale.Items))
	for i, it := range sale.Items {
		field := fmt.Sprintf("items[%d]", i)
		if strings.TrimSpace(it.ProductID) == "" || strings.TrimSpace(it.ProductName) == "" {
			return nil, Totals{}, &domain.ValidationError{Field: field, Reason: "código y descripción son obligatorios"}
		}
		if !it.Quantity.IsPositive() {
			return nil, Totals{}, &domain.ValidationError{Field: field + ".quantity", Reason: "debe ser mayor a cero"}
		}
		if !it.Quantity.Equal(it.Quantity.Round(6)) {
			return nil, Totals{}, &domain.ValidationError{Field: field + ".quantity", Reason: "máximo 6 decimales"}
		}
		if it.UnitPrice.IsNegative() || it.Discount.IsNegative() {
			return nil, Totals{}, &domain.ValidationError{Field: field, Reason: "precio y descuento no pueden ser negativos"}
		}
		gross := it.Quantity.Mul(it.UnitPrice)
		if !it.TotalPrice.IsZero() && !within(it.TotalPrice, gross) {
			return nil, Totals{}, &domain.ValidationError{
				Field:  field + ".total_price",
				Reason: fmt.Sprintf("%s no cuadra con cantidad × precio (%s)", formatDecimal(it.TotalPrice), formatDecimal(gross)),
			}
		}
		subtotal := gross.Sub(it.Discount).Round(2)
		if subtotal.IsNegative() {
			return nil, Totals{}, &domain.ValidationError{Field: field + ".discount", Reason: "descuento mayor que el subtotal"}
		}
		tax := subtotal.Mul(b.taxRate).Round(2)

		lines = append(lines, Line{
			Code:        it.ProductID,
			Description: it.ProductName,
			Quantity:    it.Quantity,
			UnitPrice:   it.UnitPrice,
			Discount:    it.Discount.Round(2),
			Subtotal:    subtotal,
			Tax:         tax,
		})
		totals.Subtotal = totals.Subtotal.Add(subtotal)
		totals.Discount = totals.Discount.Add(it.Discount.Round(2))
		totals.Tax = totals.Tax.Add(tax)
	}
	totals.Total = totals.Subtotal.Add(totals.Tax)

	if !within(sale.TaxAmount, totals.Tax) {
		return nil, Totals{}, &domain.ValidationError{
			Field:  "tax_amount",
			Reason: fmt.Sprintf("impuesto declarado %s no cuadra con la suma por línea %s", formatDecimal(sale.TaxAmount), formatDecimal(totals.Tax)),
		}
	}
	if !sale.TotalAmount.IsPositive() {
		return nil, Totals{}, &domain.ValidationError{Field: "total_amount", Reason: "obligatorio"}
	}
	if !within(sale.TotalAmount, totals.Total) {
		return nil, Totals{}, &domain.ValidationError{
			Field:  "total_amount",
			Reason: fmt.Sprintf("total declarado %s no cuadra con el calculado %s", formatDecimal(sale.TotalAmount), formatDecimal(totals.Total)),
		}
	}
	if !sale.DiscountAmount.IsZero() && !within(sale.DiscountAmount, totals.Discount) {
		return nil, Totals{}, &domain.ValidationError{Field: "discount_amount", Reason: "no cuadra con los descuentos por línea"}
	}
	return lines, totals, nil
}

func within(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(tolerance)
}

// ── Serialización ─────────────────────────────────────────────────────────────

type keyParts struct {
	issueDate     time.Time
	ruc           string
	environment   string
	establishment string
	emissionPoint string
	sequential    string
	emissionType  string
}

// parseKey descompone una clave ya validada.
func parseKey(k string) keyParts {
	d, _ := time.Parse(accessKeyDateFmt, k[0:8])
	return keyParts{
		issueDate:     d,
		ruc:           k[10:23],
		environment:   k[23:24],
		establishment: k[24:27],
		emissionPoint: k[27:30],
		sequential:    k[30:39],
		emissionType:  k[47:48],
	}
}

func (b *DocumentBuilder) encode(doc *CanonicalDocument, key keyParts, issuer Issuer, sale *entity.Sale) ([]byte, error) {
	var buf bytes.Buffer
	enc := xml.NewEncoder(&buf)

	if err := enc.EncodeToken(xml.ProcInst{Target: "xml", Inst: []byte(`version="1.0" encoding="UTF-8"`)}); err != nil {
		return nil, err
	}
	root := xml.StartElement{
		Name: xml.Name{Local: "factura"},
		Attr: []xml.Attr{
			{Name: xml.Name{Local: "id"}, Value: documentID},
			{Name: xml.Name{Local: "version"}, Value: documentVersion},
		},
	}
	if err := enc.EncodeToken(root); err != nil {
		return nil, err
	}
	w := &xmlWriter{enc: enc}

	// ---- infoTributaria
	w.open("infoTributaria")
	w.element("ambiente", key.environment)
	w.element("tipoEmision", key.emissionType)
	w.element("razonSocial", issuer.LegalName)
	if issuer.TradeName != "" {
		w.element("nombreComercial", issuer.TradeName)
	}
	w.element("ruc", issuer.RUC)
	w.element("claveAcceso", doc.AccessKey)
	w.element("codDoc", domainsri.DocTypeFactura)
	w.element("estab", key.establishment)
	w.element("ptoEmi", key.emissionPoint)
	w.element("secuencial", key.sequential)
	w.element("dirMatriz", issuer.HeadOfficeAddress)
	w.close("infoTributaria")

	// ---- infoFactura
	w.open("infoFactura")
	w.element("fechaEmision", key.issueDate.Format(issueDateLayout))
	branchAddr := issuer.BranchAddress
	if sale.EstablishmentAddress != "" {
		branchAddr = sale.EstablishmentAddress
	}
	if branchAddr == "" {
		branchAddr = issuer.HeadOfficeAddress
	}
	w.element("dirEstablecimiento", branchAddr)
	if issuer.SpecialTaxpayerNumber != "" {
		w.element("contribuyenteEspecial", issuer.SpecialTaxpayerNumber)
	}
	w.element("obligadoContabilidad", yesNo(issuer.KeepsAccounting))
	w.element("tipoIdentificacionComprador", doc.Buyer.IdentificationType)
	w.element("razonSocialComprador", doc.Buyer.Name)
	w.element("identificacionComprador", doc.Buyer.Identification)
	if doc.Buyer.Address != "" {
		w.element("direccionComprador", doc.Buyer.Address)
	}
	w.element("totalSinImpuestos", formatDecimal(doc.Totals.Subtotal))
	w.element("totalDescuento", formatDecimal(doc.Totals.Discount))
	w.open("totalConImpuestos")
	w.open("totalImpuesto")
	w.element("codigo", sri.TaxCodeIVA)
	w.element("codigoPorcentaje", b.taxRateCode)
	w.element("baseImponible", formatDecimal(doc.Totals.Subtotal))
	w.element("valor", formatDecimal(doc.Totals.Tax))
	w.close("totalImpuesto")
	w.close("totalConImpuestos")
	w.element("propina", "0.00")
	w.element("importeTotal", formatDecimal(doc.Totals.Total))
	w.element("moneda", sri.CurrencyDolar)
	w.open("pagos")
	w.open("pago")
	w.element("formaPago", sri.PaymentMethodCode(sale.PaymentMethod))
	w.element("total", formatDecimal(doc.Totals.Total))
	w.close("pago")
	w.close("pagos")
	w.close("infoFactura")

	// ---- detalles
	w.open("detalles")
	tarifa := formatDecimal(b.taxRate.Mul(decimal.NewFromInt(100)))
	for _, l := range doc.Lines {
		w.open("detalle")
		w.element("codigoPrincipal", l.Code)
		w.element("descripcion", l.Description)
		w.element("cantidad", formatQuantity(l.Quantity))
		w.element("precioUnitario", formatQuantity(l.UnitPrice))
		w.element("descuento", formatDecimal(l.Discount))
		w.element("precioTotalSinImpuesto", formatDecimal(l.Subtotal))
		w.open("impuestos")
		w.open("impuesto")
		w.element("codigo", sri.TaxCodeIVA)
		w.element("codigoPorcentaje", b.taxRateCode)
		w.element("tarifa", tarifa)
		w.element("baseImponible", formatDecimal(l.Subtotal))
		w.element("valor", formatDecimal(l.Tax))
		w.close("impuesto")
		w.close("impuestos")
		w.close("detalle")
	}
	w.close("detalles")

	// ---- infoAdicional
	if doc.Buyer.Email != "" || doc.Buyer.Phone != "" {
		w.open("infoAdicional")
		if doc.Buyer.Email != "" {
			w.campoAdicional("email", doc.Buyer.Email)
		}
		if doc.Buyer.Phone != "" {
			w.campoAdicional("telefono", doc.Buyer.Phone)
		}
		w.close("infoAdicional")
	}

	w.token(root.End())
	if w.err != nil {
		return nil, fmt.Errorf("sri: codificar comprobante: %w", w.err)
	}
	if err := enc.Flush(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// xmlWriter conserva el primer error del encoder; las escrituras posteriores no hacen nada.
type xmlWriter struct {
	enc *xml.Encoder
	err error
}

func (w *xmlWriter) token(t xml.Token) {
	if w.err != nil {
		return
	}
	w.err = w.enc.EncodeToken(t)
}

func (w *xmlWriter) open(local string) {
	w.token(xml.StartElement{Name: xml.Name{Local: local}})
}

func (w *xmlWriter) close(local string) {
	w.token(xml.EndElement{Name: xml.Name{Local: local}})
}

func (w *xmlWriter) element(local, value string) {
	w.open(local)
	w.token(xml.CharData(value))
	w.close(local)
}

func (w *xmlWriter) campoAdicional(nombre, value string) {
	w.token(xml.StartElement{
		Name: xml.Name{Local: "campoAdicional"},
		Attr: []xml.Attr{{Name: xml.Name{Local: "nombre"}, Value: nombre}},
	})
	w.token(xml.CharData(value))
	w.close("campoAdicional")
}

func yesNo(v bool) string {
	if v {
		return "SI"
	}
	return "NO"
}

func formatDecimal(d decimal.Decimal) string {
	return d.Round(2).StringFixed(2)
}

// formatQuantity 2 decimales salvo que el valor requiera más (máximo 6).
func formatQuantity(d decimal.Decimal) string {
	if d.Equal(d.Round(2)) {
		return d.StringFixed(2)
	}
	return d.Round(6).StringFixed(6)
}
