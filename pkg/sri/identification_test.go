package sri_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/jhoicas/facturacion-sri/pkg/sri"
)

func TestValidateCedula(t *testing.T) {
	assert.NoError(t, sri.ValidateCedula("1710034065"))
	assert.NoError(t, sri.ValidateCedula("0912345675"))

	assert.Error(t, sri.ValidateCedula("1710034066"), "verificador incorrecto")
	assert.Error(t, sri.ValidateCedula("9910034065"), "provincia inexistente")
	assert.Error(t, sri.ValidateCedula("17100340"), "longitud")
	assert.Error(t, sri.ValidateCedula("17A0034065"), "letras")
}

func TestIdentificationType(t *testing.T) {
	assert.Equal(t, sri.IdentificationRUC, sri.IdentificationType("1792163400001"))
	assert.Equal(t, sri.IdentificationCedula, sri.IdentificationType("1710034065"))
	assert.Equal(t, sri.IdentificationConsumidorFin, sri.IdentificationType(sri.FinalConsumerID))
	assert.Equal(t, sri.IdentificationPasaporte, sri.IdentificationType("AB123456"))
}

func TestIVARateCode(t *testing.T) {
	code, ok := sri.IVARateCode(decimal.RequireFromString("0.12"))
	assert.True(t, ok)
	assert.Equal(t, "2", code)

	code, ok = sri.IVARateCode(decimal.RequireFromString("0.15"))
	assert.True(t, ok)
	assert.Equal(t, "4", code)

	_, ok = sri.IVARateCode(decimal.RequireFromString("0.125"))
	assert.False(t, ok)
}

func TestPaymentMethodCode(t *testing.T) {
	assert.Equal(t, sri.PaymentSinSistemaFinanciero, sri.PaymentMethodCode("cash"))
	assert.Equal(t, sri.PaymentSinSistemaFinanciero, sri.PaymentMethodCode(""))
	assert.Equal(t, sri.PaymentTarjetaCredito, sri.PaymentMethodCode("Credit_Card"))
	assert.Equal(t, sri.PaymentTarjetaDebito, sri.PaymentMethodCode("debit"))
	assert.Equal(t, sri.PaymentOtrosSistemaFinanc, sri.PaymentMethodCode("transfer"))
}
