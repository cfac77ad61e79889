package logger_test

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jhoicas/facturacion-sri/pkg/logger"
)

func TestNew_JSONConServicio(t *testing.T) {
	var buf bytes.Buffer
	l := logger.New(logger.Config{Env: "production", Level: "info", Service: "facturacion-sri", Output: &buf})

	l.Info().Str("invoice_id", "abc").Msg("estado actualizado")

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "facturacion-sri", line["service"])
	assert.Equal(t, "abc", line["invoice_id"])
	assert.Equal(t, "info", line["level"])
}

func TestNew_NivelFiltra(t *testing.T) {
	var buf bytes.Buffer
	l := logger.New(logger.Config{Env: "production", Level: "WARN", Output: &buf})

	l.Info().Msg("no debe salir")
	assert.Zero(t, buf.Len())

	// El logger derivado conserva nivel y salida.
	zl := l.Zerolog()
	zl.Info().Msg("tampoco")
	assert.Zero(t, buf.Len())

	zl.Warn().Msg("sí")
	assert.Contains(t, buf.String(), `"message":"sí"`)
}
