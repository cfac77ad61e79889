// Servicio de firma XAdES-BES enveloped para comprobantes electrónicos del SRI.
// Agrega <ds:Signature> como último hijo del elemento raíz del comprobante.

package signer

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/beevik/etree"
	"github.com/ucarion/c14n"

	"github.com/jhoicas/facturacion-sri/internal/domain"
	"github.com/jhoicas/facturacion-sri/pkg/sri"
)

// ErrSignatureMismatch el documento firmado fue alterado o la firma no corresponde al certificado.
var ErrSignatureMismatch = errors.New("firma: el documento no coincide con su firma")

// Service implementa sri.Signer y la verificación de la firma.
type Service struct {
	now func() time.Time
}

// NewService crea el servicio.
func NewService() *Service {
	return &Service{now: time.Now}
}

// WithClock reemplaza el reloj (vigencia del certificado y SigningTime).
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Sign implementa sri.Signer.
func (s *Service) Sign(document []byte, cred *sri.Credential) ([]byte, error) {
	if len(document) == 0 {
		return nil, &domain.SigningError{Reason: "documento vacío"}
	}
	if cred == nil || cred.Certificate == nil || cred.PrivateKey == nil {
		return nil, &domain.SigningError{Reason: "credencial no disponible"}
	}
	priv, ok := cred.PrivateKey.(*rsa.PrivateKey)
	if !ok || priv.D == nil || priv.D.Sign() == 0 {
		return nil, &domain.SigningError{Reason: "se requiere una llave privada RSA válida"}
	}
	now := s.now()
	if now.After(cred.Certificate.NotAfter) {
		return nil, &domain.SigningError{Reason: fmt.Sprintf("certificado vencido el %s", cred.Certificate.NotAfter.Format("2006-01-02"))}
	}
	if now.Before(cred.Certificate.NotBefore) {
		return nil, &domain.SigningError{Reason: "certificado aún no vigente"}
	}

	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(document); err != nil {
		return nil, &domain.SigningError{Reason: "parsear XML", Err: err}
	}
	root := doc.Root()
	if root == nil {
		return nil, &domain.SigningError{Reason: "documento sin raíz"}
	}
	if findChild(root, "Signature") != nil {
		return nil, &domain.SigningError{Reason: "el documento ya está firmado"}
	}
	rootID := root.SelectAttrValue("id", "")
	if rootID == "" {
		return nil, &domain.SigningError{Reason: "el elemento raíz no tiene atributo id"}
	}

	// 1) Digest del comprobante (C14N, sin firma)
	canonicalDoc, err := canonicalElement(root)
	if err != nil {
		return nil, &domain.SigningError{Reason: "canonicalizar comprobante", Err: err}
	}
	docDigest := digestB64(canonicalDoc)

	// 2) SignedProperties (XAdES-BES) y su digest
	certDigest, issuerName, serial := CertDigestAndIssuerSerial(cred.Certificate)
	propsXML := buildSignedProperties(now.Format(signingTimeLayout), certDigest, issuerName, serial)
	propsEl, err := parseElement(propsXML)
	if err != nil {
		return nil, &domain.SigningError{Reason: "construir SignedProperties", Err: err}
	}
	canonicalProps, err := canonicalElement(propsEl)
	if err != nil {
		return nil, &domain.SigningError{Reason: "canonicalizar SignedProperties", Err: err}
	}

	// 3) SignedInfo (C14N) firmado con RSA-SHA256
	signedInfoXML := buildSignedInfo(rootID, docDigest, digestB64(canonicalProps))
	signedInfoEl, err := parseElement(signedInfoXML)
	if err != nil {
		return nil, &domain.SigningError{Reason: "construir SignedInfo", Err: err}
	}
	canonicalSignedInfo, err := canonicalElement(signedInfoEl)
	if err != nil {
		return nil, &domain.SigningError{Reason: "canonicalizar SignedInfo", Err: err}
	}
	h := sha256.Sum256(canonicalSignedInfo)
	sigValue, err := rsa.SignPKCS1v15(rand.Reader, priv, crypto.SHA256, h[:])
	if err != nil {
		return nil, &domain.SigningError{Reason: "firmar SignedInfo", Err: err}
	}

	// 4) ds:Signature completo
	sigXML := buildSignature(signedInfoXML, base64.StdEncoding.EncodeToString(sigValue), cred.Certificate, &priv.PublicKey, propsXML)
	sigEl, err := parseElement(sigXML)
	if err != nil {
		return nil, &domain.SigningError{Reason: "construir Signature", Err: err}
	}
	root.AddChild(sigEl)

	out, err := doc.WriteToBytes()
	if err != nil {
		return nil, &domain.SigningError{Reason: "serializar XML firmado", Err: err}
	}
	return out, nil
}

// Verify recalcula los digests y valida la firma con el certificado embebido en KeyInfo.
func (s *Service) Verify(signed []byte) error {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(signed); err != nil {
		return fmt.Errorf("firma: parsear XML: %w", err)
	}
	root := doc.Root()
	if root == nil {
		return fmt.Errorf("firma: documento sin raíz")
	}
	sigEl := findChild(root, "Signature")
	if sigEl == nil {
		return fmt.Errorf("firma: el documento no contiene ds:Signature")
	}
	signedInfo := findChild(sigEl, "SignedInfo")
	sigValueEl := findChild(sigEl, "SignatureValue")
	certEl := findPath(sigEl, "KeyInfo", "X509Data", "X509Certificate")
	props := findPath(sigEl, "Object", "QualifyingProperties", "SignedProperties")
	if signedInfo == nil || sigValueEl == nil || certEl == nil || props == nil {
		return fmt.Errorf("firma: estructura ds:Signature incompleta")
	}

	// Digest del comprobante sin la firma (transformación enveloped)
	unsigned := root.Copy()
	if sig := findChild(unsigned, "Signature"); sig != nil {
		unsigned.RemoveChild(sig)
	}
	canonicalDoc, err := canonicalElement(unsigned)
	if err != nil {
		return fmt.Errorf("firma: canonicalizar comprobante: %w", err)
	}
	canonicalProps, err := canonicalElement(props)
	if err != nil {
		return fmt.Errorf("firma: canonicalizar SignedProperties: %w", err)
	}

	rootRef := "#" + root.SelectAttrValue("id", "")
	propsRef := "#" + props.SelectAttrValue("Id", "")
	var docChecked, propsChecked bool
	for _, ref := range signedInfo.ChildElements() {
		if ref.Tag != "Reference" {
			continue
		}
		dv := findChild(ref, "DigestValue")
		if dv == nil {
			return fmt.Errorf("firma: Reference sin DigestValue")
		}
		switch ref.SelectAttrValue("URI", "") {
		case rootRef:
			if strings.TrimSpace(dv.Text()) != digestB64(canonicalDoc) {
				return fmt.Errorf("%w: digest del comprobante", ErrSignatureMismatch)
			}
			docChecked = true
		case propsRef:
			if strings.TrimSpace(dv.Text()) != digestB64(canonicalProps) {
				return fmt.Errorf("%w: digest de SignedProperties", ErrSignatureMismatch)
			}
			propsChecked = true
		}
	}
	if !docChecked || !propsChecked {
		return fmt.Errorf("firma: faltan referencias en SignedInfo")
	}

	certDER, err := base64.StdEncoding.DecodeString(compactB64(certEl.Text()))
	if err != nil {
		return fmt.Errorf("firma: certificado en KeyInfo: %w", err)
	}
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return fmt.Errorf("firma: certificado en KeyInfo: %w", err)
	}
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return fmt.Errorf("firma: el certificado no es RSA")
	}
	sigValue, err := base64.StdEncoding.DecodeString(compactB64(sigValueEl.Text()))
	if err != nil {
		return fmt.Errorf("firma: SignatureValue: %w", err)
	}
	canonicalSignedInfo, err := canonicalElement(signedInfo)
	if err != nil {
		return fmt.Errorf("firma: canonicalizar SignedInfo: %w", err)
	}
	h := sha256.Sum256(canonicalSignedInfo)
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, h[:], sigValue); err != nil {
		return fmt.Errorf("%w: SignatureValue", ErrSignatureMismatch)
	}
	return nil
}

// canonicalElement C14N del elemento como raíz de un documento propio.
func canonicalElement(el *etree.Element) ([]byte, error) {
	doc := etree.NewDocument()
	doc.SetRoot(el.Copy())
	raw, err := doc.WriteToBytes()
	if err != nil {
		return nil, err
	}
	dec := xml.NewDecoder(bytes.NewReader(raw))
	dec.Entity = map[string]string{}
	return c14n.Canonicalize(dec)
}

func parseElement(s string) (*etree.Element, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromString(s); err != nil {
		return nil, err
	}
	if doc.Root() == nil {
		return nil, fmt.Errorf("fragmento sin raíz")
	}
	return doc.Root(), nil
}

func digestB64(b []byte) string {
	h := sha256.Sum256(b)
	return base64.StdEncoding.EncodeToString(h[:])
}

func compactB64(s string) string {
	return strings.Join(strings.Fields(s), "")
}

func findChild(el *etree.Element, tag string) *etree.Element {
	for _, c := range el.ChildElements() {
		if c.Tag == tag {
			return c
		}
	}
	return nil
}

func findPath(el *etree.Element, tags ...string) *etree.Element {
	cur := el
	for _, t := range tags {
		if cur = findChild(cur, t); cur == nil {
			return nil
		}
	}
	return cur
}

// ── Fragmentos XML ────────────────────────────────────────────────────────────

func buildSignedInfo(rootID, docDigestB64, propsDigestB64 string) string {
	var sb strings.Builder
	sb.WriteString(`<ds:SignedInfo xmlns:ds="` + NamespaceDS + `">`)
	sb.WriteString(`<ds:CanonicalizationMethod Algorithm="` + AlgC14N + `"/>`)
	sb.WriteString(`<ds:SignatureMethod Algorithm="` + AlgRSASHA256 + `"/>`)
	sb.WriteString(`<ds:Reference Id="` + ReferenceID + `" URI="#` + rootID + `">`)
	sb.WriteString(`<ds:Transforms><ds:Transform Algorithm="` + TransformEnveloped + `"/></ds:Transforms>`)
	sb.WriteString(`<ds:DigestMethod Algorithm="` + AlgSHA256 + `"/>`)
	sb.WriteString(`<ds:DigestValue>` + docDigestB64 + `</ds:DigestValue>`)
	sb.WriteString(`</ds:Reference>`)
	sb.WriteString(`<ds:Reference Type="` + TypeSignedProps + `" URI="#` + SignedPropertiesID + `">`)
	sb.WriteString(`<ds:DigestMethod Algorithm="` + AlgSHA256 + `"/>`)
	sb.WriteString(`<ds:DigestValue>` + propsDigestB64 + `</ds:DigestValue>`)
	sb.WriteString(`</ds:Reference>`)
	sb.WriteString(`</ds:SignedInfo>`)
	return sb.String()
}

func buildSignedProperties(signingTime, certDigestB64, issuerName, serial string) string {
	var sb strings.Builder
	sb.WriteString(`<xades:SignedProperties xmlns:ds="` + NamespaceDS + `" xmlns:xades="` + NamespaceXAdES + `" Id="` + SignedPropertiesID + `">`)
	sb.WriteString(`<xades:SignedSignatureProperties>`)
	sb.WriteString(`<xades:SigningTime>` + signingTime + `</xades:SigningTime>`)
	sb.WriteString(`<xades:SigningCertificate><xades:Cert><xades:CertDigest>`)
	sb.WriteString(`<ds:DigestMethod Algorithm="` + AlgSHA256 + `"/>`)
	sb.WriteString(`<ds:DigestValue>` + certDigestB64 + `</ds:DigestValue></xades:CertDigest>`)
	sb.WriteString(`<xades:IssuerSerial><ds:X509IssuerName>` + escapeXML(issuerName) + `</ds:X509IssuerName>`)
	sb.WriteString(`<ds:X509SerialNumber>` + serial + `</ds:X509SerialNumber></xades:IssuerSerial>`)
	sb.WriteString(`</xades:Cert></xades:SigningCertificate>`)
	sb.WriteString(`</xades:SignedSignatureProperties>`)
	sb.WriteString(`<xades:SignedDataObjectProperties>`)
	sb.WriteString(`<xades:DataObjectFormat ObjectReference="#` + ReferenceID + `">`)
	sb.WriteString(`<xades:Description>contenido comprobante</xades:Description>`)
	sb.WriteString(`<xades:MimeType>text/xml</xades:MimeType>`)
	sb.WriteString(`</xades:DataObjectFormat>`)
	sb.WriteString(`</xades:SignedDataObjectProperties>`)
	sb.WriteString(`</xades:SignedProperties>`)
	return sb.String()
}

func buildSignature(signedInfoXML, sigValueB64 string, cert *x509.Certificate, pub *rsa.PublicKey, propsXML string) string {
	var sb strings.Builder
	sb.WriteString(`<ds:Signature xmlns:ds="` + NamespaceDS + `" Id="` + SignatureID + `">`)
	sb.WriteString(signedInfoXML)
	sb.WriteString(`<ds:SignatureValue>` + sigValueB64 + `</ds:SignatureValue>`)
	sb.WriteString(`<ds:KeyInfo><ds:X509Data><ds:X509Certificate>`)
	sb.WriteString(base64.StdEncoding.EncodeToString(cert.Raw))
	sb.WriteString(`</ds:X509Certificate></ds:X509Data>`)
	sb.WriteString(`<ds:KeyValue><ds:RSAKeyValue>`)
	sb.WriteString(`<ds:Modulus>` + base64.StdEncoding.EncodeToString(pub.N.Bytes()) + `</ds:Modulus>`)
	sb.WriteString(`<ds:Exponent>` + base64.StdEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()) + `</ds:Exponent>`)
	sb.WriteString(`</ds:RSAKeyValue></ds:KeyValue></ds:KeyInfo>`)
	sb.WriteString(`<ds:Object><xades:QualifyingProperties xmlns:xades="` + NamespaceXAdES + `" Target="#` + SignatureID + `">`)
	sb.WriteString(propsXML)
	sb.WriteString(`</xades:QualifyingProperties></ds:Object>`)
	sb.WriteString(`</ds:Signature>`)
	return sb.String()
}

func escapeXML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	s = strings.ReplaceAll(s, "\"", "&quot;")
	return s
}

var _ sri.Signer = (*Service)(nil)
