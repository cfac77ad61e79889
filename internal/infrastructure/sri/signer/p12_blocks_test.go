package signer

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jhoicas/facturacion-sri/internal/domain"
)

// chainBlocks bloques como los entrega pkcs12.ToPEM para un .p12 con cadena: CA, firmante y llave.
func chainBlocks(t *testing.T) (caDER, leafDER []byte, key *rsa.PrivateKey) {
	t.Helper()
	caKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	caTmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "AUTORIDAD DE CERTIFICACION SUBCA-2"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign,
	}
	caDER, err = x509.CreateCertificate(rand.Reader, caTmpl, caTmpl, &caKey.PublicKey, caKey)
	require.NoError(t, err)
	ca, err := x509.ParseCertificate(caDER)
	require.NoError(t, err)

	key, err = rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	leafTmpl := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: "COMERCIAL ANDINA S.A."},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	leafDER, err = x509.CreateCertificate(rand.Reader, leafTmpl, ca, &key.PublicKey, caKey)
	require.NoError(t, err)
	return caDER, leafDER, key
}

func TestCredentialFromBlocks_EligeElFirmanteEntreLaCadena(t *testing.T) {
	caDER, leafDER, key := chainBlocks(t)
	keyBytes := x509.MarshalPKCS1PrivateKey(key)
	blocks := []*pem.Block{
		{Type: "CERTIFICATE", Bytes: caDER},
		{Type: "CERTIFICATE", Bytes: leafDER},
		{Type: "PRIVATE KEY", Bytes: keyBytes},
	}

	cred, err := credentialFromBlocks(blocks)
	require.NoError(t, err)
	assert.Equal(t, "COMERCIAL ANDINA S.A.", cred.Certificate.Subject.CommonName)
	assert.False(t, cred.Certificate.IsCA)
	assert.True(t, key.PublicKey.Equal(cred.Certificate.PublicKey))
	assert.Equal(t, make([]byte, len(keyBytes)), keyBytes, "los bytes de la llave se borran")
}

func TestCredentialFromBlocks_LlavePKCS8(t *testing.T) {
	_, leafDER, key := chainBlocks(t)
	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)

	cred, err := credentialFromBlocks([]*pem.Block{
		{Type: "PRIVATE KEY", Bytes: der},
		{Type: "CERTIFICATE", Bytes: leafDER},
	})
	require.NoError(t, err)
	assert.Equal(t, "COMERCIAL ANDINA S.A.", cred.Certificate.Subject.CommonName)
}

func TestCredentialFromBlocks_Errores(t *testing.T) {
	caDER, _, key := chainBlocks(t)

	cases := map[string][]*pem.Block{
		"sin llave": {{Type: "CERTIFICATE", Bytes: caDER}},
		"solo la CA": {
			{Type: "CERTIFICATE", Bytes: caDER},
			{Type: "PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)},
		},
		"llave corrupta": {{Type: "PRIVATE KEY", Bytes: []byte("no es una llave")}},
	}
	for name, blocks := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := credentialFromBlocks(blocks)
			var se *domain.SigningError
			assert.True(t, errors.As(err, &se), "se esperaba SigningError, se obtuvo %v", err)
		})
	}
}
