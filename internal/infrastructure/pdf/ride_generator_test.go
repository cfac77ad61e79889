package pdf_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jhoicas/facturacion-sri/internal/domain/entity"
	"github.com/jhoicas/facturacion-sri/internal/infrastructure/pdf"
	"github.com/jhoicas/facturacion-sri/internal/infrastructure/sri"
)

func TestGenerateRIDE_ProducePDF(t *testing.T) {
	authDate := time.Date(2025, 1, 1, 15, 31, 2, 0, time.UTC)
	key := "2025010101179216340000120010010000000011234567813"
	inv := &entity.Invoice{
		ID:                  "f-1",
		AccessKey:           key,
		Status:              entity.InvoiceStatusAuthorized,
		AuthorizationNumber: key,
		AuthorizationDate:   &authDate,
	}
	doc := &sri.DocumentSummary{
		Issuer:      sri.Issuer{RUC: "1792163400001", LegalName: "COMERCIAL ANDINA S.A.", HeadOfficeAddress: "Quito"},
		AccessKey:   key,
		Environment: "2",
		IssueDate:   "01/01/2025",
		Number:      "001-001-000000001",
		Buyer:       sri.Buyer{Identification: "9999999999999", Name: "CONSUMIDOR FINAL", Email: "a@b.ec"},
		Lines: []sri.Line{
			{Code: "P-001", Description: "Café molido", Quantity: decimal.NewFromInt(2), UnitPrice: decimal.NewFromInt(10), Subtotal: decimal.NewFromInt(20)},
		},
		Totals:  sri.Totals{Subtotal: decimal.NewFromInt(20), Tax: decimal.RequireFromString("2.40"), Total: decimal.RequireFromString("22.40")},
		TaxRate: decimal.RequireFromString("0.12"),
	}

	out, err := pdf.NewRIDEGenerator().GenerateRIDE(context.Background(), inv, doc)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(out, []byte("%PDF")))
}

func TestGenerateRIDE_SinComprobante(t *testing.T) {
	_, err := pdf.NewRIDEGenerator().GenerateRIDE(context.Background(), &entity.Invoice{}, nil)
	assert.Error(t, err)
}
