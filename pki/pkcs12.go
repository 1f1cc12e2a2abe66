package pki

import (
	"crypto/x509"
	"encoding/pem"
	"fmt"

	"software.sslmate.com/src/go-pkcs12"
)

// ---------------------------------------------------------------------------
// PKCS#12 packaging
// ---------------------------------------------------------------------------

// ConvertToPFX packages a PEM certificate chain plus private key into a
// PKCS#12 archive. The first certificate in chainPEM is the leaf; any
// remaining certificates become the CA chain. An empty password produces a
// passwordless archive, otherwise AES-256 encryption is used.
func ConvertToPFX(chainPEM, keyPEM, password string) ([]byte, error) {
	certs, err := SplitChainPEM(chainPEM)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPfxConversion, err)
	}
	key, err := ParsePrivateKeyPEM(keyPEM, "")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPfxConversion, err)
	}

	leaf, caCerts := certs[0], certs[1:]

	encoder := pkcs12.Modern2023
	if password == "" {
		encoder = pkcs12.Passwordless
	}
	pfxData, err := encoder.Encode(key, leaf, caCerts, password)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPfxConversion, err)
	}
	return pfxData, nil
}

// SplitChainPEM parses every CERTIFICATE block in a PEM bundle, in order.
func SplitChainPEM(chainPEM string) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	rest := []byte(chainPEM)
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPEM, err)
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		return nil, ErrInvalidPEM
	}
	return certs, nil
}
