// Package pdf genera el RIDE (Representación Impresa del Documento Electrónico) de una factura
// autorizada por el SRI.
//
// Layout de la página A4:
//
//	┌─────────────────────────────────────────────────────────────┐
//	│  EMISOR: Razón social, RUC, dirs  │  FACTURA N°, autorización │
//	│                                   │  ambiente, clave (barras) │
//	│  ─────────────────────────────────────────────────────────  │
//	│  COMPRADOR: Razón social + identificación + fecha emisión    │
//	│  ─────────────────────────────────────────────────────────  │
//	│  TABLA: Cód | Cant | Descripción | P.Unit | Desc | Total     │
//	│  ─────────────────────────────────────────────────────────  │
//	│  INFO ADICIONAL            │  SUBTOTAL / IVA / TOTAL          │
//	└─────────────────────────────────────────────────────────────┘
package pdf

import (
	"context"
	"fmt"
	"strings"

	maroto "github.com/johnfercher/maroto/v2"
	"github.com/johnfercher/maroto/v2/pkg/components/code"
	"github.com/johnfercher/maroto/v2/pkg/components/col"
	"github.com/johnfercher/maroto/v2/pkg/components/line"
	"github.com/johnfercher/maroto/v2/pkg/components/row"
	"github.com/johnfercher/maroto/v2/pkg/components/text"
	"github.com/johnfercher/maroto/v2/pkg/config"
	"github.com/johnfercher/maroto/v2/pkg/consts/align"
	"github.com/johnfercher/maroto/v2/pkg/consts/fontstyle"
	"github.com/johnfercher/maroto/v2/pkg/consts/pagesize"
	"github.com/johnfercher/maroto/v2/pkg/core"
	"github.com/johnfercher/maroto/v2/pkg/props"
	"github.com/shopspring/decimal"

	"github.com/jhoicas/facturacion-sri/internal/domain/entity"
	"github.com/jhoicas/facturacion-sri/internal/infrastructure/sri"
)

// ── Paleta de colores ─────────────────────────────────────────────────────────

var (
	colorPrimary = &props.Color{Red: 0, Green: 70, Blue: 127}
	colorGray    = &props.Color{Red: 100, Green: 100, Blue: 100}
)

// ── Generator ─────────────────────────────────────────────────────────────────

// RIDEGenerator implementa billing.RIDEGenerator usando Maroto v2.
type RIDEGenerator struct{}

// NewRIDEGenerator construye el generador.
func NewRIDEGenerator() *RIDEGenerator { return &RIDEGenerator{} }

// GenerateRIDE genera el PDF a partir del registro y del comprobante leído de su XML.
func (g *RIDEGenerator) GenerateRIDE(_ context.Context, invoice *entity.Invoice, doc *sri.DocumentSummary) ([]byte, error) {
	if invoice == nil || doc == nil {
		return nil, fmt.Errorf("pdf: factura o comprobante nulo")
	}
	cfg := config.NewBuilder().
		WithPageSize(pagesize.A4).
		WithLeftMargin(10).WithRightMargin(10).
		WithTopMargin(10).WithBottomMargin(10).
		WithDefaultFont(&props.Font{Family: "helvetica", Size: 9}).
		WithTitle("RIDE Factura "+doc.Number, true).
		WithAuthor(doc.Issuer.LegalName, true).
		Build()

	m := maroto.New(cfg)

	m.AddRows(headerRow(invoice, doc))
	m.AddRows(row.New(14).Add(col.New(12).Add(
		code.NewBar(doc.AccessKey, props.Barcode{Percent: 90, Center: true}),
	)))
	m.AddRows(row.New(5).Add(col.New(12).Add(
		text.New(doc.AccessKey, props.Text{Size: 7, Align: align.Center, Color: colorGray}),
	)))
	m.AddRows(line.NewRow(1, props.Line{Color: colorPrimary, Thickness: 0.5}))
	m.AddRows(buyerRow(doc))
	m.AddRows(line.NewRow(1, props.Line{Color: colorPrimary, Thickness: 0.3}))

	m.AddRows(tableHeaderRow())
	m.AddRows(tableDetailRows(doc.Lines)...)

	m.AddRows(line.NewRow(1, props.Line{Color: colorPrimary, Thickness: 0.3}))
	m.AddRows(totalsRow(doc))

	out, err := m.Generate()
	if err != nil {
		return nil, fmt.Errorf("pdf: generar documento: %w", err)
	}
	return out.GetBytes(), nil
}

// ── Secciones ─────────────────────────────────────────────────────────────────

func headerRow(invoice *entity.Invoice, doc *sri.DocumentSummary) core.Row {
	authDate := "PENDIENTE"
	if invoice.AuthorizationDate != nil {
		authDate = invoice.AuthorizationDate.Format("02/01/2006 15:04:05")
	}
	authNumber := nonEmpty(invoice.AuthorizationNumber, "PENDIENTE")
	ambiente := "PRUEBAS"
	if doc.Environment == "2" {
		ambiente = "PRODUCCIÓN"
	}

	issuer := doc.Issuer
	return row.New(40).Add(
		col.New(6).Add(
			text.New(issuer.LegalName, props.Text{Style: fontstyle.Bold, Size: 12, Color: colorPrimary, Top: 1}),
			text.New(issuer.TradeName, props.Text{Size: 9, Top: 8}),
			text.New("Dir. Matriz: "+issuer.HeadOfficeAddress, props.Text{Size: 8, Top: 15, Color: colorGray}),
			text.New("Dir. Sucursal: "+nonEmpty(issuer.BranchAddress, issuer.HeadOfficeAddress), props.Text{Size: 8, Top: 21, Color: colorGray}),
			text.New("Contribuyente especial: "+nonEmpty(issuer.SpecialTaxpayerNumber, "-"), props.Text{Size: 8, Top: 27, Color: colorGray}),
			text.New("Obligado a llevar contabilidad: "+yesNo(issuer.KeepsAccounting), props.Text{Size: 8, Top: 33, Color: colorGray}),
		),
		col.New(6).Add(
			text.New("R.U.C.: "+issuer.RUC, props.Text{Style: fontstyle.Bold, Size: 10, Align: align.Right, Top: 1}),
			text.New("FACTURA", props.Text{Style: fontstyle.Bold, Size: 12, Align: align.Right, Color: colorPrimary, Top: 7}),
			text.New("No. "+doc.Number, props.Text{Style: fontstyle.Bold, Size: 10, Align: align.Right, Top: 14}),
			text.New("NÚMERO DE AUTORIZACIÓN", props.Text{Size: 7, Align: align.Right, Top: 21, Color: colorGray}),
			text.New(authNumber, props.Text{Size: 6.5, Align: align.Right, Top: 25}),
			text.New("Fecha autorización: "+authDate, props.Text{Size: 8, Align: align.Right, Top: 30}),
			text.New("Ambiente: "+ambiente+"   Emisión: NORMAL", props.Text{Size: 8, Align: align.Right, Top: 35}),
		),
	)
}

func buyerRow(doc *sri.DocumentSummary) core.Row {
	b := doc.Buyer
	return row.New(16).Add(
		col.New(12).Add(
			text.New("Razón Social / Nombres: "+b.Name, props.Text{Style: fontstyle.Bold, Size: 9, Top: 1}),
			text.New(fmt.Sprintf("Identificación: %s   |   Fecha emisión: %s", b.Identification, doc.IssueDate),
				props.Text{Size: 8, Top: 7, Color: colorGray}),
			text.New("Dirección: "+nonEmpty(b.Address, "-"), props.Text{Size: 8, Top: 12, Color: colorGray}),
		),
	)
}

func tableHeaderRow() core.Row {
	h := func(label string, size int, a align.Type) core.Col {
		return col.New(size).Add(text.New(label, props.Text{
			Style: fontstyle.Bold, Size: 8, Align: a, Color: colorPrimary, Top: 2, Left: 1, Right: 1,
		}))
	}
	return row.New(8).Add(
		h("Cód.", 2, align.Left),
		h("Cant.", 1, align.Center),
		h("Descripción", 4, align.Left),
		h("P. Unitario", 2, align.Right),
		h("Descuento", 1, align.Right),
		h("P. Total", 2, align.Right),
	)
}

func tableDetailRows(lines []sri.Line) []core.Row {
	result := make([]core.Row, 0, len(lines))
	cell := func(s string, size int, a align.Type) core.Col {
		return col.New(size).Add(text.New(s, props.Text{Size: 8, Align: a, Top: 1, Left: 1, Right: 1}))
	}
	for _, l := range lines {
		result = append(result, row.New(7).Add(
			cell(l.Code, 2, align.Left),
			cell(l.Quantity.String(), 1, align.Center),
			cell(l.Description, 4, align.Left),
			cell(l.UnitPrice.StringFixed(2), 2, align.Right),
			cell(l.Discount.StringFixed(2), 1, align.Right),
			cell(l.Subtotal.StringFixed(2), 2, align.Right),
		))
	}
	return result
}

func totalsRow(doc *sri.DocumentSummary) core.Row {
	value := func(s string, top float64) core.Component {
		return text.New(s, props.Text{Size: 9, Align: align.Right, Right: 1, Top: top})
	}
	iva := "IVA " + doc.TaxRate.Mul(decimal.NewFromInt(100)).StringFixed(0) + "%:"

	info := []string{}
	if doc.Buyer.Email != "" {
		info = append(info, "Email: "+doc.Buyer.Email)
	}
	if doc.Buyer.Phone != "" {
		info = append(info, "Teléfono: "+doc.Buyer.Phone)
	}

	return row.New(26).Add(
		col.New(6).Add(
			text.New("Información adicional", props.Text{Style: fontstyle.Bold, Size: 8, Color: colorPrimary, Top: 1}),
			text.New(strings.Join(info, "\n"), props.Text{Size: 8, Top: 6, Color: colorGray}),
		),
		col.New(3).Add(
			text.New("SUBTOTAL:", props.Text{Style: fontstyle.Bold, Size: 9, Align: align.Right, Right: 2}),
			text.New("DESCUENTO:", props.Text{Style: fontstyle.Bold, Size: 9, Align: align.Right, Right: 2, Top: 6}),
			text.New(iva, props.Text{Style: fontstyle.Bold, Size: 9, Align: align.Right, Right: 2, Top: 12}),
			text.New("VALOR TOTAL:", props.Text{Style: fontstyle.Bold, Size: 10, Align: align.Right, Right: 2, Top: 18, Color: colorPrimary}),
		),
		col.New(3).Add(
			value(doc.Totals.Subtotal.StringFixed(2), 0),
			value(doc.Totals.Discount.StringFixed(2), 6),
			value(doc.Totals.Tax.StringFixed(2), 12),
			text.New(doc.Totals.Total.StringFixed(2), props.Text{
				Style: fontstyle.Bold, Size: 10, Align: align.Right, Right: 1, Top: 18, Color: colorPrimary,
			}),
		),
	)
}

// ── helpers ───────────────────────────────────────────────────────────────────

func nonEmpty(s, fallback string) string {
	if s != "" {
		return s
	}
	return fallback
}

func yesNo(v bool) string {
	if v {
		return "SI"
	}
	return "NO"
}
