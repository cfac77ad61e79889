package sri

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/transform"

	"github.com/jhoicas/facturacion-sri/internal/domain"
	"github.com/jhoicas/facturacion-sri/internal/domain/entity"
)

// ── Constantes de entorno ──────────────────────────────────────────────────────

const (
	ReceptionURLTest           = "https://celcer.sri.gob.ec/comprobantes-electronicos-ws/RecepcionComprobantesOffline"
	AuthorizationURLTest       = "https://celcer.sri.gob.ec/comprobantes-electronicos-ws/AutorizacionComprobantesOffline"
	ReceptionURLProduction     = "https://cel.sri.gob.ec/comprobantes-electronicos-ws/RecepcionComprobantesOffline"
	AuthorizationURLProduction = "https://cel.sri.gob.ec/comprobantes-electronicos-ws/AutorizacionComprobantesOffline"

	soapNS          = "http://schemas.xmlsoap.org/soap/envelope/"
	nsRecepcion     = "http://ec.gob.sri.ws.recepcion"
	nsAutorizacion  = "http://ec.gob.sri.ws.autorizacion"
	maxResponseSize = 4 << 20

	// errClaveRegistrada mensaje 43 del SRI: la clave ya fue recibida en un envío anterior.
	errClaveRegistrada = "43"
)

// ── Resultados ────────────────────────────────────────────────────────────────

// SubmissionOutcome resultado de la recepción.
type SubmissionOutcome string

const (
	SubmissionReceived SubmissionOutcome = "received"
	SubmissionRejected SubmissionOutcome = "rejected"
	SubmissionUnknown  SubmissionOutcome = "unknown"
)

// SubmissionResult respuesta del WS de recepción.
type SubmissionResult struct {
	Outcome SubmissionOutcome
	Message string
}

// AuthorizationOutcome resultado de la consulta de autorización.
type AuthorizationOutcome string

const (
	AuthorizationAuthorized    AuthorizationOutcome = "authorized"
	AuthorizationNotAuthorized AuthorizationOutcome = "not_authorized"
	AuthorizationProcessing    AuthorizationOutcome = "processing"
)

// AuthorizationResult respuesta del WS de autorización.
type AuthorizationResult struct {
	Outcome AuthorizationOutcome
	Message string
	Number  string
	Date    *time.Time
}

// Endpoints URLs de recepción y autorización de un ambiente.
type Endpoints struct {
	ReceptionURL     string
	AuthorizationURL string
}

// DefaultEndpoints URLs oficiales por ambiente.
func DefaultEndpoints() map[string]Endpoints {
	return map[string]Endpoints{
		entity.EnvironmentTest:       {ReceptionURL: ReceptionURLTest, AuthorizationURL: AuthorizationURLTest},
		entity.EnvironmentProduction: {ReceptionURL: ReceptionURLProduction, AuthorizationURL: AuthorizationURLProduction},
	}
}

// ── Implementación SOAP ────────────────────────────────────────────────────────

// SOAPClient cliente SOAP 1.1 de los web services offline del SRI.
type SOAPClient struct {
	httpClient *http.Client
	endpoints  map[string]Endpoints
	now        func() time.Time
}

// NewSOAPClient construye el cliente. endpoints indexado por ambiente (test|production);
// los ambientes ausentes usan las URLs oficiales.
func NewSOAPClient(timeout time.Duration, endpoints map[string]Endpoints) *SOAPClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	merged := DefaultEndpoints()
	for env, ep := range endpoints {
		cur := merged[env]
		if ep.ReceptionURL != "" {
			cur.ReceptionURL = ep.ReceptionURL
		}
		if ep.AuthorizationURL != "" {
			cur.AuthorizationURL = ep.AuthorizationURL
		}
		merged[env] = cur
	}
	return &SOAPClient{
		httpClient: &http.Client{Timeout: timeout},
		endpoints:  merged,
		now:        time.Now,
	}
}

// ── Estructuras SOAP ──────────────────────────────────────────────────────────

type soapEnvelope struct {
	XMLName      xml.Name   `xml:"soapenv:Envelope"`
	XmlnsSoapenv string     `xml:"xmlns:soapenv,attr"`
	XmlnsEc      string     `xml:"xmlns:ec,attr"`
	Header       soapHeader `xml:"soapenv:Header"`
	Body         soapBody   `xml:"soapenv:Body"`
}

type soapHeader struct{}

type soapBody struct {
	Content interface{}
}

func (b soapBody) MarshalXML(e *xml.Encoder, start xml.StartElement) error {
	start.Name.Local = "soapenv:Body"
	if err := e.EncodeToken(start); err != nil {
		return err
	}
	if err := e.Encode(b.Content); err != nil {
		return err
	}
	return e.EncodeToken(start.End())
}

type validarComprobanteBody struct {
	XMLName xml.Name `xml:"ec:validarComprobante"`
	XML     string   `xml:"xml"` // comprobante firmado en Base64
}

type autorizacionComprobanteBody struct {
	XMLName     xml.Name `xml:"ec:autorizacionComprobante"`
	ClaveAcceso string   `xml:"claveAccesoComprobante"`
}

// ── Estructuras de respuesta SOAP ─────────────────────────────────────────────

type soapResponseEnvelope struct {
	Body soapResponseBody `xml:"Body"`
}

type soapResponseBody struct {
	Reception     *validarComprobanteResponse      `xml:"validarComprobanteResponse"`
	Authorization *autorizacionComprobanteResponse `xml:"autorizacionComprobanteResponse"`
	Fault         *soapFault                       `xml:"Fault"`
}

type validarComprobanteResponse struct {
	Respuesta *respuestaRecepcion `xml:"RespuestaRecepcionComprobante"`
}

type respuestaRecepcion struct {
	Estado       string                 `xml:"estado"`
	Comprobantes []comprobanteRecepcion `xml:"comprobantes>comprobante"`
}

type comprobanteRecepcion struct {
	ClaveAcceso string    `xml:"claveAcceso"`
	Mensajes    []mensaje `xml:"mensajes>mensaje"`
}

type mensaje struct {
	Identificador        string `xml:"identificador"`
	Mensaje              string `xml:"mensaje"`
	InformacionAdicional string `xml:"informacionAdicional"`
	Tipo                 string `xml:"tipo"`
}

type autorizacionComprobanteResponse struct {
	Respuesta *respuestaAutorizacion `xml:"RespuestaAutorizacionComprobante"`
}

type respuestaAutorizacion struct {
	ClaveAccesoConsultada string         `xml:"claveAccesoConsultada"`
	NumeroComprobantes    string         `xml:"numeroComprobantes"`
	Autorizaciones        []autorizacion `xml:"autorizaciones>autorizacion"`
}

type autorizacion struct {
	Estado             string    `xml:"estado"`
	NumeroAutorizacion string    `xml:"numeroAutorizacion"`
	FechaAutorizacion  string    `xml:"fechaAutorizacion"`
	Ambiente           string    `xml:"ambiente"`
	Mensajes           []mensaje `xml:"mensajes>mensaje"`
}

type soapFault struct {
	FaultCode   string `xml:"faultcode"`
	FaultString string `xml:"faultstring"`
}

// ── Submit ────────────────────────────────────────────────────────────────────

// Submit envía el comprobante firmado al WS de recepción (validarComprobante).
func (c *SOAPClient) Submit(ctx context.Context, env string, signed []byte) (*SubmissionResult, error) {
	ep, err := c.endpointsFor(env)
	if err != nil {
		return nil, err
	}
	body := &validarComprobanteBody{XML: base64.StdEncoding.EncodeToString(signed)}
	raw, err := c.call(ctx, "recepcion", ep.ReceptionURL, nsRecepcion, body)
	if err != nil {
		return nil, err
	}
	return c.parseReception(raw), nil
}

// QueryAuthorization consulta el estado de autorización de una clave de acceso.
func (c *SOAPClient) QueryAuthorization(ctx context.Context, env, accessKey string) (*AuthorizationResult, error) {
	ep, err := c.endpointsFor(env)
	if err != nil {
		return nil, err
	}
	body := &autorizacionComprobanteBody{ClaveAcceso: accessKey}
	raw, err := c.call(ctx, "autorizacion", ep.AuthorizationURL, nsAutorizacion, body)
	if err != nil {
		return nil, err
	}
	return c.parseAuthorization(raw, accessKey), nil
}

func (c *SOAPClient) endpointsFor(env string) (Endpoints, error) {
	ep, ok := c.endpoints[env]
	if !ok {
		return Endpoints{}, &domain.InvalidInputError{Field: "environment", Reason: fmt.Sprintf("ambiente desconocido %q", env)}
	}
	return ep, nil
}

// call hace el POST SOAP. Errores de red, timeouts y 502/503/504 son TransportUnavailableError.
func (c *SOAPClient) call(ctx context.Context, op, url, ns string, content interface{}) ([]byte, error) {
	envelope := soapEnvelope{
		XmlnsSoapenv: soapNS,
		XmlnsEc:      ns,
		Body:         soapBody{Content: content},
	}
	payload, err := xml.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("soap: serializar envelope: %w", err)
	}
	payload = append([]byte(xml.Header), payload...)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("soap: crear request: %w", err)
	}
	req.Header.Set("Content-Type", "text/xml; charset=utf-8")
	req.Header.Set("SOAPAction", "")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &domain.TransportUnavailableError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseSize))
		return nil, &domain.TransportUnavailableError{Op: op, Err: fmt.Errorf("HTTP %d", resp.StatusCode)}
	}

	// El transcoding ocurre al decodificar, según la declaración XML de la respuesta.
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, &domain.TransportUnavailableError{Op: op, Err: fmt.Errorf("leer respuesta: %w", err)}
	}
	return raw, nil
}

// ── Parseo ────────────────────────────────────────────────────────────────────

func decodeEnvelope(raw []byte) (*soapResponseEnvelope, error) {
	var env soapResponseEnvelope
	dec := xml.NewDecoder(bytes.NewReader(raw))
	dec.CharsetReader = func(charset string, input io.Reader) (io.Reader, error) {
		if isLatin1(charset) {
			return transform.NewReader(input, charmap.ISO8859_1.NewDecoder()), nil
		}
		return input, nil
	}
	if err := dec.Decode(&env); err != nil {
		return nil, err
	}
	return &env, nil
}

// parseReception lectura estructurada; si la respuesta no se entiende se aplica el contrato por palabras clave.
func (c *SOAPClient) parseReception(raw []byte) *SubmissionResult {
	env, err := decodeEnvelope(raw)
	if err == nil {
		if f := env.Body.Fault; f != nil {
			return &SubmissionResult{Outcome: SubmissionUnknown, Message: fmt.Sprintf("SOAP Fault [%s]: %s", f.FaultCode, f.FaultString)}
		}
		if r := env.Body.Reception; r != nil && r.Respuesta != nil {
			msgs := receptionMessages(r.Respuesta.Comprobantes)
			switch strings.ToUpper(strings.TrimSpace(r.Respuesta.Estado)) {
			case "RECIBIDA":
				return &SubmissionResult{Outcome: SubmissionReceived, Message: "RECIBIDA"}
			case "DEVUELTA":
				if onlyAlreadyRegistered(r.Respuesta.Comprobantes) {
					return &SubmissionResult{Outcome: SubmissionReceived, Message: "RECIBIDA (clave ya registrada): " + formatMessages(msgs)}
				}
				return &SubmissionResult{Outcome: SubmissionRejected, Message: "DEVUELTA: " + formatMessages(msgs)}
			}
		}
	}

	body := fallbackText(raw)
	switch {
	case strings.Contains(body, "RECIBIDA"):
		return &SubmissionResult{Outcome: SubmissionReceived, Message: "Comprobante recibido"}
	case strings.Contains(body, "DEVUELTA"):
		return &SubmissionResult{Outcome: SubmissionRejected, Message: "Comprobante devuelto"}
	default:
		return &SubmissionResult{Outcome: SubmissionUnknown, Message: "respuesta desconocida: " + truncate(body, 500)}
	}
}

func (c *SOAPClient) parseAuthorization(raw []byte, accessKey string) *AuthorizationResult {
	env, err := decodeEnvelope(raw)
	if err == nil {
		if f := env.Body.Fault; f != nil {
			return &AuthorizationResult{Outcome: AuthorizationProcessing, Message: fmt.Sprintf("SOAP Fault [%s]: %s", f.FaultCode, f.FaultString)}
		}
		if r := env.Body.Authorization; r != nil && r.Respuesta != nil {
			return c.fromAutorizaciones(r.Respuesta.Autorizaciones, accessKey)
		}
	}

	// NO AUTORIZADO contiene AUTORIZADO: se evalúa primero.
	body := fallbackText(raw)
	switch {
	case strings.Contains(body, "NO AUTORIZADO"):
		return &AuthorizationResult{Outcome: AuthorizationNotAuthorized, Message: "Comprobante no autorizado"}
	case strings.Contains(body, "AUTORIZADO"):
		now := c.now()
		return &AuthorizationResult{Outcome: AuthorizationAuthorized, Message: "Comprobante autorizado", Number: accessKey, Date: &now}
	default:
		return &AuthorizationResult{Outcome: AuthorizationProcessing, Message: "En proceso"}
	}
}

func (c *SOAPClient) fromAutorizaciones(list []autorizacion, accessKey string) *AuthorizationResult {
	if len(list) == 0 {
		return &AuthorizationResult{Outcome: AuthorizationProcessing, Message: "sin autorizaciones registradas"}
	}
	// El SRI devuelve el historial de intentos; una autorización vigente prevalece.
	chosen := list[0]
	for _, a := range list {
		if normalizeEstado(a.Estado) == "AUTORIZADO" {
			chosen = a
			break
		}
	}
	msg := formatMessages(chosen.Mensajes)
	switch normalizeEstado(chosen.Estado) {
	case "AUTORIZADO":
		number := strings.TrimSpace(chosen.NumeroAutorizacion)
		if number == "" {
			number = accessKey
		}
		date, ok := parseAuthorizationDate(chosen.FechaAutorizacion)
		if !ok {
			date = c.now()
		}
		return &AuthorizationResult{Outcome: AuthorizationAuthorized, Message: joinNonEmpty("AUTORIZADO", msg), Number: number, Date: &date}
	case "NO AUTORIZADO", "RECHAZADA":
		return &AuthorizationResult{Outcome: AuthorizationNotAuthorized, Message: joinNonEmpty("NO AUTORIZADO", msg)}
	default:
		return &AuthorizationResult{Outcome: AuthorizationProcessing, Message: joinNonEmpty(strings.TrimSpace(chosen.Estado), msg)}
	}
}

var authorizationDateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05.999999999-07:00",
	"02/01/2006 15:04:05",
	"2006-01-02T15:04:05",
}

func parseAuthorizationDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range authorizationDateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func receptionMessages(cs []comprobanteRecepcion) []mensaje {
	var out []mensaje
	for _, c := range cs {
		out = append(out, c.Mensajes...)
	}
	return out
}

func onlyAlreadyRegistered(cs []comprobanteRecepcion) bool {
	msgs := receptionMessages(cs)
	if len(msgs) == 0 {
		return false
	}
	for _, m := range msgs {
		if strings.TrimSpace(m.Identificador) != errClaveRegistrada {
			return false
		}
	}
	return true
}

func formatMessages(ms []mensaje) string {
	parts := make([]string, 0, len(ms))
	for _, m := range ms {
		p := strings.TrimSpace(m.Identificador) + ": " + strings.TrimSpace(m.Mensaje)
		if info := strings.TrimSpace(m.InformacionAdicional); info != "" {
			p += " (" + info + ")"
		}
		parts = append(parts, p)
	}
	return strings.Join(parts, "; ")
}

func normalizeEstado(s string) string {
	return strings.Join(strings.Fields(strings.ToUpper(s)), " ")
}

func joinNonEmpty(a, b string) string {
	if b == "" {
		return a
	}
	return a + ": " + b
}

func isLatin1(s string) bool {
	s = strings.ToLower(s)
	return strings.Contains(s, "iso-8859-1") || strings.Contains(s, "iso8859-1") || strings.Contains(s, "latin1")
}

// fallbackText cuerpo crudo como texto UTF-8 válido. Lo que no es UTF-8 se lee como ISO-8859-1,
// el charset que usan las páginas de error del SRI.
func fallbackText(raw []byte) string {
	if utf8.Valid(raw) {
		return string(raw)
	}
	decoded, _, err := transform.Bytes(charmap.ISO8859_1.NewDecoder(), raw)
	if err != nil {
		return strings.ToValidUTF8(string(raw), "\uFFFD")
	}
	return string(decoded)
}

// truncate corta en n bytes sin partir una runa.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "…"
}
