package sri_test

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jhoicas/facturacion-sri/internal/domain"
	"github.com/jhoicas/facturacion-sri/internal/domain/entity"
	"github.com/jhoicas/facturacion-sri/internal/infrastructure/sri"
)

// ── Respuestas del SRI ────────────────────────────────────────────────────────

const recibidaXML = `<?xml version="1.0" encoding="UTF-8"?>
<soap:Envelope xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/"><soap:Body>
<ns2:validarComprobanteResponse xmlns:ns2="http://ec.gob.sri.ws.recepcion">
<RespuestaRecepcionComprobante><estado>RECIBIDA</estado><comprobantes/></RespuestaRecepcionComprobante>
</ns2:validarComprobanteResponse></soap:Body></soap:Envelope>`

const devueltaXML = `<?xml version="1.0" encoding="UTF-8"?>
<soap:Envelope xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/"><soap:Body>
<ns2:validarComprobanteResponse xmlns:ns2="http://ec.gob.sri.ws.recepcion">
<RespuestaRecepcionComprobante><estado>DEVUELTA</estado><comprobantes><comprobante>
<claveAcceso>2025010101179216340000120010010000000011234567813</claveAcceso>
<mensajes><mensaje><identificador>35</identificador><mensaje>ARCHIVO NO CUMPLE ESTRUCTURA XML</mensaje>
<informacionAdicional>Se encontró el elemento secuencial</informacionAdicional><tipo>ERROR</tipo></mensaje></mensajes>
</comprobante></comprobantes></RespuestaRecepcionComprobante>
</ns2:validarComprobanteResponse></soap:Body></soap:Envelope>`

// claveRegistradaLatin1 DEVUELTA con el mensaje 43, declarada ISO-8859-1 ("ó" = 0xF3).
var claveRegistradaLatin1 = `<?xml version="1.0" encoding="ISO-8859-1"?>
<soap:Envelope xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/"><soap:Body>
<ns2:validarComprobanteResponse xmlns:ns2="http://ec.gob.sri.ws.recepcion">
<RespuestaRecepcionComprobante><estado>DEVUELTA</estado><comprobantes><comprobante>
<mensajes><mensaje><identificador>43</identificador><mensaje>CLAVE ACCESO REGISTRADA</mensaje>
<informacionAdicional>Recepci` + "\xf3" + `n previa</informacionAdicional><tipo>ERROR</tipo></mensaje></mensajes>
</comprobante></comprobantes></RespuestaRecepcionComprobante>
</ns2:validarComprobanteResponse></soap:Body></soap:Envelope>`

const autorizadoXML = `<?xml version="1.0" encoding="UTF-8"?>
<soap:Envelope xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/"><soap:Body>
<ns2:autorizacionComprobanteResponse xmlns:ns2="http://ec.gob.sri.ws.autorizacion">
<RespuestaAutorizacionComprobante><claveAccesoConsultada>2025010101179216340000120010010000000011234567813</claveAccesoConsultada>
<numeroComprobantes>1</numeroComprobantes><autorizaciones><autorizacion>
<estado>AUTORIZADO</estado><numeroAutorizacion>2025010101179216340000120010010000000011234567813</numeroAutorizacion>
<fechaAutorizacion>2025-01-01T10:31:02-05:00</fechaAutorizacion><ambiente>PRODUCCIÓN</ambiente>
<comprobante><![CDATA[<factura id="comprobante"></factura>]]></comprobante><mensajes/>
</autorizacion></autorizaciones></RespuestaAutorizacionComprobante>
</ns2:autorizacionComprobanteResponse></soap:Body></soap:Envelope>`

const noAutorizadoXML = `<?xml version="1.0" encoding="UTF-8"?>
<soap:Envelope xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/"><soap:Body>
<ns2:autorizacionComprobanteResponse xmlns:ns2="http://ec.gob.sri.ws.autorizacion">
<RespuestaAutorizacionComprobante><numeroComprobantes>1</numeroComprobantes><autorizaciones><autorizacion>
<estado>NO AUTORIZADO</estado><mensajes><mensaje><identificador>39</identificador>
<mensaje>FIRMA INVALIDA</mensaje><tipo>ERROR</tipo></mensaje></mensajes>
</autorizacion></autorizaciones></RespuestaAutorizacionComprobante>
</ns2:autorizacionComprobanteResponse></soap:Body></soap:Envelope>`

const sinAutorizacionesXML = `<?xml version="1.0" encoding="UTF-8"?>
<soap:Envelope xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/"><soap:Body>
<ns2:autorizacionComprobanteResponse xmlns:ns2="http://ec.gob.sri.ws.autorizacion">
<RespuestaAutorizacionComprobante><numeroComprobantes>0</numeroComprobantes><autorizaciones/></RespuestaAutorizacionComprobante>
</ns2:autorizacionComprobanteResponse></soap:Body></soap:Envelope>`

const faultXML = `<?xml version="1.0" encoding="UTF-8"?>
<soap:Envelope xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/"><soap:Body>
<soap:Fault><faultcode>soap:Server</faultcode><faultstring>Error interno</faultstring></soap:Fault>
</soap:Body></soap:Envelope>`

// ── Helpers ───────────────────────────────────────────────────────────────────

type capturedRequest struct {
	path        string
	contentType string
	soapAction  []string
	body        string
}

func newSRIServer(t *testing.T, status int, response string) (*httptest.Server, *capturedRequest) {
	t.Helper()
	got := &capturedRequest{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		got.path = r.URL.Path
		got.contentType = r.Header.Get("Content-Type")
		got.soapAction = r.Header.Values("SOAPAction")
		got.body = string(b)
		w.WriteHeader(status)
		_, _ = w.Write([]byte(response))
	}))
	t.Cleanup(srv.Close)
	return srv, got
}

func clientFor(srv *httptest.Server, timeout time.Duration) *sri.SOAPClient {
	return sri.NewSOAPClient(timeout, map[string]sri.Endpoints{
		entity.EnvironmentTest: {ReceptionURL: srv.URL + "/recepcion", AuthorizationURL: srv.URL + "/autorizacion"},
	})
}

// ── Submit ────────────────────────────────────────────────────────────────────

func TestSubmit_Recibida(t *testing.T) {
	srv, got := newSRIServer(t, http.StatusOK, recibidaXML)
	signed := []byte(`<factura id="comprobante"></factura>`)

	res, err := clientFor(srv, time.Second).Submit(context.Background(), entity.EnvironmentTest, signed)
	require.NoError(t, err)

	assert.Equal(t, sri.SubmissionReceived, res.Outcome)
	assert.Equal(t, "/recepcion", got.path)
	assert.Equal(t, "text/xml; charset=utf-8", got.contentType)
	assert.Equal(t, []string{""}, got.soapAction)
	assert.Contains(t, got.body, `xmlns:soapenv="http://schemas.xmlsoap.org/soap/envelope/"`)
	assert.Contains(t, got.body, `xmlns:ec="http://ec.gob.sri.ws.recepcion"`)
	assert.Contains(t, got.body, "<ec:validarComprobante><xml>"+base64.StdEncoding.EncodeToString(signed)+"</xml></ec:validarComprobante>")
}

func TestSubmit_Devuelta(t *testing.T) {
	srv, _ := newSRIServer(t, http.StatusOK, devueltaXML)

	res, err := clientFor(srv, time.Second).Submit(context.Background(), entity.EnvironmentTest, []byte("<factura/>"))
	require.NoError(t, err)

	assert.Equal(t, sri.SubmissionRejected, res.Outcome)
	assert.Contains(t, res.Message, "35: ARCHIVO NO CUMPLE ESTRUCTURA XML")
	assert.Contains(t, res.Message, "Se encontró el elemento secuencial")
}

func TestSubmit_ClaveYaRegistradaEsRecibida(t *testing.T) {
	srv, _ := newSRIServer(t, http.StatusOK, claveRegistradaLatin1)

	res, err := clientFor(srv, time.Second).Submit(context.Background(), entity.EnvironmentTest, []byte("<factura/>"))
	require.NoError(t, err)

	assert.Equal(t, sri.SubmissionReceived, res.Outcome)
	assert.Contains(t, res.Message, "Recepción previa")
}

func TestSubmit_RespuestaNoParseableUsaPalabrasClave(t *testing.T) {
	srv, _ := newSRIServer(t, http.StatusOK, "estado: RECIBIDA <sin cerrar")

	res, err := clientFor(srv, time.Second).Submit(context.Background(), entity.EnvironmentTest, []byte("<factura/>"))
	require.NoError(t, err)
	assert.Equal(t, sri.SubmissionReceived, res.Outcome)
}

func TestSubmit_RespuestaDesconocida(t *testing.T) {
	srv, _ := newSRIServer(t, http.StatusOK, "<html>mantenimiento</html>")

	res, err := clientFor(srv, time.Second).Submit(context.Background(), entity.EnvironmentTest, []byte("<factura/>"))
	require.NoError(t, err)
	assert.Equal(t, sri.SubmissionUnknown, res.Outcome)
}

func TestSubmit_PaginaLatin1DesconocidaQuedaEnUTF8(t *testing.T) {
	srv, _ := newSRIServer(t, http.StatusInternalServerError, "<html>Servicio de recepci\xf3n en mantenimiento</html>")

	res, err := clientFor(srv, time.Second).Submit(context.Background(), entity.EnvironmentTest, []byte("<factura/>"))
	require.NoError(t, err)
	assert.Equal(t, sri.SubmissionUnknown, res.Outcome)
	assert.True(t, utf8.ValidString(res.Message))
	assert.Contains(t, res.Message, "recepción")
}

func TestSubmit_RecorteNoParteRunas(t *testing.T) {
	// 499 bytes ASCII y luego "ó" (2 bytes): el corte en 500 cae en medio de la runa.
	srv, _ := newSRIServer(t, http.StatusInternalServerError, strings.Repeat("a", 499)+"ó más texto")

	res, err := clientFor(srv, time.Second).Submit(context.Background(), entity.EnvironmentTest, []byte("<factura/>"))
	require.NoError(t, err)
	assert.Equal(t, sri.SubmissionUnknown, res.Outcome)
	assert.True(t, utf8.ValidString(res.Message))
	assert.True(t, strings.HasSuffix(res.Message, "a…"))
}

func TestSubmit_SOAPFaultEsDato(t *testing.T) {
	srv, _ := newSRIServer(t, http.StatusInternalServerError, faultXML)

	res, err := clientFor(srv, time.Second).Submit(context.Background(), entity.EnvironmentTest, []byte("<factura/>"))
	require.NoError(t, err)
	assert.Equal(t, sri.SubmissionUnknown, res.Outcome)
	assert.Contains(t, res.Message, "Error interno")
}

func TestSubmit_GatewayNoDisponible(t *testing.T) {
	srv, _ := newSRIServer(t, http.StatusServiceUnavailable, "")

	_, err := clientFor(srv, time.Second).Submit(context.Background(), entity.EnvironmentTest, []byte("<factura/>"))

	var te *domain.TransportUnavailableError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "recepcion", te.Op)
	assert.True(t, domain.IsRetryable(err))
}

func TestSubmit_Timeout(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		select {
		case <-time.After(500 * time.Millisecond):
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	_, err := clientFor(srv, 50*time.Millisecond).Submit(context.Background(), entity.EnvironmentTest, []byte("<factura/>"))

	var te *domain.TransportUnavailableError
	assert.True(t, errors.As(err, &te))
	assert.Equal(t, int32(1), calls.Load())
}

func TestSubmit_AmbienteDesconocido(t *testing.T) {
	srv, _ := newSRIServer(t, http.StatusOK, recibidaXML)

	_, err := clientFor(srv, time.Second).Submit(context.Background(), "staging", []byte("<factura/>"))
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

// ── QueryAuthorization ────────────────────────────────────────────────────────

func TestQueryAuthorization_Autorizado(t *testing.T) {
	srv, got := newSRIServer(t, http.StatusOK, autorizadoXML)
	key := "2025010101179216340000120010010000000011234567813"

	res, err := clientFor(srv, time.Second).QueryAuthorization(context.Background(), entity.EnvironmentTest, key)
	require.NoError(t, err)

	assert.Equal(t, sri.AuthorizationAuthorized, res.Outcome)
	assert.Equal(t, key, res.Number)
	require.NotNil(t, res.Date)
	assert.True(t, res.Date.Equal(time.Date(2025, 1, 1, 15, 31, 2, 0, time.UTC)))
	assert.Equal(t, "/autorizacion", got.path)
	assert.Contains(t, got.body, `xmlns:ec="http://ec.gob.sri.ws.autorizacion"`)
	assert.Contains(t, got.body, "<ec:autorizacionComprobante><claveAccesoComprobante>"+key+"</claveAccesoComprobante></ec:autorizacionComprobante>")
}

func TestQueryAuthorization_NoAutorizado(t *testing.T) {
	srv, _ := newSRIServer(t, http.StatusOK, noAutorizadoXML)

	res, err := clientFor(srv, time.Second).QueryAuthorization(context.Background(), entity.EnvironmentTest, "x")
	require.NoError(t, err)

	assert.Equal(t, sri.AuthorizationNotAuthorized, res.Outcome)
	assert.Contains(t, res.Message, "39: FIRMA INVALIDA")
	assert.Nil(t, res.Date)
}

func TestQueryAuthorization_SinAutorizacionesEsEnProceso(t *testing.T) {
	srv, _ := newSRIServer(t, http.StatusOK, sinAutorizacionesXML)

	res, err := clientFor(srv, time.Second).QueryAuthorization(context.Background(), entity.EnvironmentTest, "x")
	require.NoError(t, err)
	assert.Equal(t, sri.AuthorizationProcessing, res.Outcome)
}

func TestQueryAuthorization_PalabrasClaveNoAutorizadoPrimero(t *testing.T) {
	srv, _ := newSRIServer(t, http.StatusOK, "estado NO AUTORIZADO, respuesta truncada <")

	res, err := clientFor(srv, time.Second).QueryAuthorization(context.Background(), entity.EnvironmentTest, "x")
	require.NoError(t, err)
	assert.Equal(t, sri.AuthorizationNotAuthorized, res.Outcome)
}

func TestQueryAuthorization_PalabraClaveAutorizado(t *testing.T) {
	srv, _ := newSRIServer(t, http.StatusOK, "estado AUTORIZADO <")
	key := "2025010101179216340000120010010000000011234567813"

	res, err := clientFor(srv, time.Second).QueryAuthorization(context.Background(), entity.EnvironmentTest, key)
	require.NoError(t, err)
	assert.Equal(t, sri.AuthorizationAuthorized, res.Outcome)
	assert.Equal(t, key, res.Number)
	assert.NotNil(t, res.Date)
}

func TestQueryAuthorization_RedCaida(t *testing.T) {
	srv, _ := newSRIServer(t, http.StatusOK, autorizadoXML)
	c := clientFor(srv, time.Second)
	srv.Close()

	_, err := c.QueryAuthorization(context.Background(), entity.EnvironmentTest, "x")

	var te *domain.TransportUnavailableError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "autorizacion", te.Op)
}

func TestDefaultEndpoints(t *testing.T) {
	eps := sri.DefaultEndpoints()
	assert.True(t, strings.HasPrefix(eps[entity.EnvironmentTest].ReceptionURL, "https://celcer.sri.gob.ec/"))
	assert.True(t, strings.HasPrefix(eps[entity.EnvironmentProduction].AuthorizationURL, "https://cel.sri.gob.ec/"))
}
