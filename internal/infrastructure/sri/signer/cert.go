// Carga del certificado de firma desde .p12 (PKCS#12) o par PEM.

package signer

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	"golang.org/x/crypto/pkcs12"

	"github.com/jhoicas/facturacion-sri/internal/domain"
	"github.com/jhoicas/facturacion-sri/pkg/sri"
)

// CredentialSource entrega una credencial nueva por cada firma. Quien la obtiene debe llamar Release.
type CredentialSource interface {
	Acquire(ctx context.Context) (*sri.Credential, error)
}

// FileSource lee el certificado del disco en cada Acquire; la llave no se mantiene en memoria entre firmas.
type FileSource struct {
	P12Path  string
	Password string
	CertPath string // alternativa PEM
	KeyPath  string
}

// NewFileSource crea la fuente. Exige P12Path o CertPath.
func NewFileSource(p12Path, password, certPath, keyPath string) (*FileSource, error) {
	if p12Path == "" && certPath == "" {
		return nil, errors.New("sri: se requiere SRI_CERT_P12_PATH o SRI_CERT_PATH")
	}
	return &FileSource{P12Path: p12Path, Password: password, CertPath: certPath, KeyPath: keyPath}, nil
}

// Acquire implementa CredentialSource.
func (s *FileSource) Acquire(ctx context.Context) (*sri.Credential, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.P12Path != "" {
		return LoadFromP12(s.P12Path, s.Password)
	}
	return LoadFromPEM(s.CertPath, s.KeyPath)
}

// BytesSource credencial PEM en memoria (certificado y llave). Cada Acquire decodifica una copia nueva.
type BytesSource struct {
	certPEM []byte
	keyPEM  []byte
}

// NewBytesSource crea la fuente a partir de bloques PEM.
func NewBytesSource(certPEM, keyPEM []byte) *BytesSource {
	return &BytesSource{certPEM: certPEM, keyPEM: keyPEM}
}

// Acquire implementa CredentialSource.
func (s *BytesSource) Acquire(ctx context.Context) (*sri.Credential, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pair, err := tls.X509KeyPair(s.certPEM, s.keyPEM)
	if err != nil {
		return nil, &domain.SigningError{Reason: "par PEM inválido", Err: err}
	}
	return fromKeyPair(pair)
}

// LoadFromP12 carga certificado y llave privada desde un archivo .p12/.pfx.
// El archivo puede traer la cadena de la CA; se usa el certificado que corresponde a la llave.
// El password puede ser vacío si el archivo no está protegido.
func LoadFromP12(path, password string) (*sri.Credential, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &domain.SigningError{Reason: "leer p12", Err: err}
	}
	blocks, err := pkcs12.ToPEM(data, password)
	if err != nil {
		return nil, &domain.SigningError{Reason: "decodificar p12", Err: err}
	}
	return credentialFromBlocks(blocks)
}

// credentialFromBlocks arma la credencial con la llave privada y el certificado cuya llave pública
// coincide. Los bytes de la llave se borran tras parsearla.
func credentialFromBlocks(blocks []*pem.Block) (*sri.Credential, error) {
	var (
		certs []*x509.Certificate
		key   crypto.Signer
	)
	for _, b := range blocks {
		switch b.Type {
		case "CERTIFICATE":
			c, err := x509.ParseCertificate(b.Bytes)
			if err != nil {
				return nil, &domain.SigningError{Reason: "parsear certificado del p12", Err: err}
			}
			certs = append(certs, c)
		case "PRIVATE KEY", "RSA PRIVATE KEY":
			if key == nil {
				k, err := parsePrivateKey(b.Bytes)
				clear(b.Bytes)
				if err != nil {
					return nil, &domain.SigningError{Reason: "parsear llave del p12", Err: err}
				}
				key = k
			}
		}
	}
	if key == nil {
		return nil, &domain.SigningError{Reason: "el p12 no contiene llave privada"}
	}
	pub, ok := key.Public().(interface{ Equal(crypto.PublicKey) bool })
	if !ok {
		return nil, &domain.SigningError{Reason: "llave pública no comparable"}
	}
	for _, c := range certs {
		if pub.Equal(c.PublicKey) {
			return newCredential(c, key)
		}
	}
	return nil, &domain.SigningError{Reason: "ningún certificado del p12 corresponde a la llave privada"}
}

func parsePrivateKey(der []byte) (crypto.Signer, error) {
	if k, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return k, nil
	}
	if k, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		if s, ok := k.(crypto.Signer); ok {
			return s, nil
		}
		return nil, errors.New("la llave no admite firma")
	}
	k, err := x509.ParseECPrivateKey(der)
	if err != nil {
		return nil, errors.New("formato de llave no reconocido")
	}
	return k, nil
}

// LoadFromPEM carga certificado y llave desde archivos PEM (por separado o combinados).
func LoadFromPEM(certPath, keyPath string) (*sri.Credential, error) {
	if keyPath == "" {
		keyPath = certPath
	}
	pair, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, &domain.SigningError{Reason: "cargar PEM", Err: err}
	}
	return fromKeyPair(pair)
}

func fromKeyPair(pair tls.Certificate) (*sri.Credential, error) {
	cert := pair.Leaf
	if cert == nil {
		c, err := x509.ParseCertificate(pair.Certificate[0])
		if err != nil {
			return nil, &domain.SigningError{Reason: "parsear certificado", Err: err}
		}
		cert = c
	}
	signer, ok := pair.PrivateKey.(crypto.Signer)
	if !ok {
		return nil, &domain.SigningError{Reason: "la llave PEM no admite firma"}
	}
	return newCredential(cert, signer)
}

func newCredential(cert *x509.Certificate, key crypto.Signer) (*sri.Credential, error) {
	if _, ok := key.(*rsa.PrivateKey); !ok {
		return nil, &domain.SigningError{Reason: "el certificado debe incluir llave privada RSA"}
	}
	return &sri.Credential{Certificate: cert, PrivateKey: key}, nil
}

// CertDigestAndIssuerSerial devuelve el digest SHA-256 del certificado (Base64), el emisor y el serial decimal para XAdES.
func CertDigestAndIssuerSerial(cert *x509.Certificate) (digestB64 string, issuerName string, serial string) {
	h := sha256.Sum256(cert.Raw)
	digestB64 = base64.StdEncoding.EncodeToString(h[:])
	issuerName = cert.Issuer.String()
	serial = cert.SerialNumber.String()
	return digestB64, issuerName, serial
}

// Describe resumen legible del certificado (sin material de llave), usado por el diagnóstico de certificados.
func Describe(cert *x509.Certificate) string {
	digest, issuer, serial := CertDigestAndIssuerSerial(cert)
	return fmt.Sprintf("sujeto=%s emisor=%s serial=%s vigencia=%s..%s digest=%s",
		cert.Subject.String(), issuer, serial,
		cert.NotBefore.Format("2006-01-02"), cert.NotAfter.Format("2006-01-02"), digest)
}
