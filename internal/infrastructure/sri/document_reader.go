package sri

import (
	"bytes"
	"encoding/xml"
	"fmt"

	"github.com/shopspring/decimal"
)

// DocumentSummary datos del comprobante ya emitido, leídos del XML almacenado (sirve para el RIDE).
type DocumentSummary struct {
	Issuer      Issuer
	AccessKey   string
	Environment string // código 1|2
	IssueDate   string // dd/mm/aaaa tal como va en el XML
	Number      string // estab-ptoEmi-secuencial
	Buyer       Buyer
	Lines       []Line
	Totals      Totals
	TaxRate     decimal.Decimal
}

type xmlFactura struct {
	XMLName        xml.Name `xml:"factura"`
	InfoTributaria struct {
		Ambiente        string `xml:"ambiente"`
		RazonSocial     string `xml:"razonSocial"`
		NombreComercial string `xml:"nombreComercial"`
		RUC             string `xml:"ruc"`
		ClaveAcceso     string `xml:"claveAcceso"`
		Estab           string `xml:"estab"`
		PtoEmi          string `xml:"ptoEmi"`
		Secuencial      string `xml:"secuencial"`
		DirMatriz       string `xml:"dirMatriz"`
	} `xml:"infoTributaria"`
	InfoFactura struct {
		FechaEmision          string `xml:"fechaEmision"`
		DirEstablecimiento    string `xml:"dirEstablecimiento"`
		ContribuyenteEspecial string `xml:"contribuyenteEspecial"`
		ObligadoContabilidad  string `xml:"obligadoContabilidad"`
		TipoIdentificacion    string `xml:"tipoIdentificacionComprador"`
		RazonSocialComprador  string `xml:"razonSocialComprador"`
		Identificacion        string `xml:"identificacionComprador"`
		DireccionComprador    string `xml:"direccionComprador"`
		TotalSinImpuestos     string `xml:"totalSinImpuestos"`
		TotalDescuento        string `xml:"totalDescuento"`
		Impuestos             []struct {
			Valor string `xml:"valor"`
		} `xml:"totalConImpuestos>totalImpuesto"`
		ImporteTotal string `xml:"importeTotal"`
	} `xml:"infoFactura"`
	Detalles []struct {
		Codigo      string `xml:"codigoPrincipal"`
		Descripcion string `xml:"descripcion"`
		Cantidad    string `xml:"cantidad"`
		Precio      string `xml:"precioUnitario"`
		Descuento   string `xml:"descuento"`
		Subtotal    string `xml:"precioTotalSinImpuesto"`
		Impuestos   []struct {
			Tarifa string `xml:"tarifa"`
			Valor  string `xml:"valor"`
		} `xml:"impuestos>impuesto"`
	} `xml:"detalles>detalle"`
	InfoAdicional []struct {
		Nombre string `xml:"nombre,attr"`
		Valor  string `xml:",chardata"`
	} `xml:"infoAdicional>campoAdicional"`
}

// ReadDocument interpreta un comprobante <factura> (firmado o no).
func ReadDocument(data []byte) (*DocumentSummary, error) {
	var f xmlFactura
	dec := xml.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("sri: leer comprobante: %w", err)
	}
	it, inf := f.InfoTributaria, f.InfoFactura

	out := &DocumentSummary{
		Issuer: Issuer{
			RUC:                   it.RUC,
			LegalName:             it.RazonSocial,
			TradeName:             it.NombreComercial,
			HeadOfficeAddress:     it.DirMatriz,
			BranchAddress:         inf.DirEstablecimiento,
			Establishment:         it.Estab,
			EmissionPoint:         it.PtoEmi,
			KeepsAccounting:       inf.ObligadoContabilidad == "SI",
			SpecialTaxpayerNumber: inf.ContribuyenteEspecial,
		},
		AccessKey:   it.ClaveAcceso,
		Environment: it.Ambiente,
		IssueDate:   inf.FechaEmision,
		Number:      it.Estab + "-" + it.PtoEmi + "-" + it.Secuencial,
		Buyer: Buyer{
			IdentificationType: inf.TipoIdentificacion,
			Identification:     inf.Identificacion,
			Name:               inf.RazonSocialComprador,
			Address:            inf.DireccionComprador,
		},
	}
	for _, c := range f.InfoAdicional {
		switch c.Nombre {
		case "email":
			out.Buyer.Email = c.Valor
		case "telefono":
			out.Buyer.Phone = c.Valor
		}
	}

	var err error
	num := func(field, s string) decimal.Decimal {
		if err != nil || s == "" {
			return decimal.Zero
		}
		d, e := decimal.NewFromString(s)
		if e != nil {
			err = fmt.Errorf("sri: %s no numérico: %q", field, s)
		}
		return d
	}

	out.Totals.Subtotal = num("totalSinImpuestos", inf.TotalSinImpuestos)
	out.Totals.Discount = num("totalDescuento", inf.TotalDescuento)
	out.Totals.Total = num("importeTotal", inf.ImporteTotal)
	for _, imp := range inf.Impuestos {
		out.Totals.Tax = out.Totals.Tax.Add(num("valor", imp.Valor))
	}
	for _, d := range f.Detalles {
		line := Line{
			Code:        d.Codigo,
			Description: d.Descripcion,
			Quantity:    num("cantidad", d.Cantidad),
			UnitPrice:   num("precioUnitario", d.Precio),
			Discount:    num("descuento", d.Descuento),
			Subtotal:    num("precioTotalSinImpuesto", d.Subtotal),
		}
		for _, imp := range d.Impuestos {
			line.Tax = line.Tax.Add(num("valor", imp.Valor))
			if out.TaxRate.IsZero() && imp.Tarifa != "" {
				out.TaxRate = num("tarifa", imp.Tarifa).Div(decimal.NewFromInt(100))
			}
		}
		out.Lines = append(out.Lines, line)
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}
