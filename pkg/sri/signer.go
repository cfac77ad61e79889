package sri

import (
	"crypto"
	"crypto/rsa"
	"crypto/x509"
)

// Credential material de firma: certificado y llave privada del emisor.
// Se obtiene por cada operación de firma y se libera con Release.
type Credential struct {
	Certificate *x509.Certificate
	PrivateKey  crypto.Signer
}

// Release borra el material de la llave privada. La credencial no es usable después.
func (c *Credential) Release() {
	if c == nil {
		return
	}
	if k, ok := c.PrivateKey.(*rsa.PrivateKey); ok && k != nil {
		if k.D != nil {
			k.D.SetInt64(0)
		}
		for _, p := range k.Primes {
			p.SetInt64(0)
		}
		k.Precomputed = rsa.PrecomputedValues{}
	}
	c.PrivateKey = nil
}

// Signer firma un comprobante XML y devuelve el XML con el nodo ds:Signature
// como último hijo del elemento raíz.
type Signer interface {
	Sign(document []byte, cred *Credential) ([]byte, error)
}
