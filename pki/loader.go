package pki

import (
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
)

// ---------------------------------------------------------------------------
// Issuer loading
// ---------------------------------------------------------------------------

// LoadIssuer parses CA certificate and private key PEM into an Issuer. The
// passphrase is used when the key PEM carries legacy PEM encryption headers;
// pass "" for an unencrypted key.
func LoadIssuer(certPEM, keyPEM, passphrase string) (*Issuer, error) {
	cert, err := ParseCertificatePEM(certPEM)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCertLoad, err)
	}
	key, err := ParsePrivateKeyPEM(keyPEM, passphrase)
	if err != nil {
		return nil, err
	}

	// Reject mismatched material up front instead of failing at signing time.
	type matcher interface {
		Equal(crypto.PublicKey) bool
	}
	if pub, ok := cert.PublicKey.(matcher); !ok || !pub.Equal(key.Public()) {
		return nil, fmt.Errorf("%w: private key does not match certificate", ErrKeyLoad)
	}

	return &Issuer{Certificate: cert, Key: key}, nil
}

// LoadIssuerFromFiles reads CA certificate and key PEM from disk.
func LoadIssuerFromFiles(certPath, keyPath, passphrase string) (*Issuer, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCertLoad, err)
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyLoad, err)
	}
	return LoadIssuer(string(certPEM), string(keyPEM), passphrase)
}

// ParsePrivateKeyPEM parses a PEM-encoded private key in PKCS#8, PKCS#1 or
// SEC1 form. Keys carrying legacy PEM encryption headers are decrypted with
// the passphrase first.
func ParsePrivateKeyPEM(keyPEM, passphrase string) (crypto.Signer, error) {
	block, _ := pem.Decode([]byte(keyPEM))
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block found", ErrKeyLoad)
	}

	der := block.Bytes
	if x509.IsEncryptedPEMBlock(block) { //nolint:staticcheck // legacy PEM encryption is the scheme these headers use
		if passphrase == "" {
			return nil, fmt.Errorf("%w: key is encrypted and no passphrase was provided", ErrKeyLoad)
		}
		decrypted, err := x509.DecryptPEMBlock(block, []byte(passphrase)) //nolint:staticcheck
		if err != nil {
			return nil, fmt.Errorf("%w: decrypting key: %v", ErrKeyLoad, err)
		}
		der = decrypted
	}

	switch block.Type {
	case "ENCRYPTED PRIVATE KEY":
		return nil, fmt.Errorf("%w: PKCS#8 encrypted keys are not supported, decrypt the key first", ErrKeyLoad)
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(der)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrKeyLoad, err)
		}
		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, fmt.Errorf("%w: key type %T cannot sign", ErrKeyLoad, key)
		}
		return signer, nil
	case "RSA PRIVATE KEY":
		key, err := x509.ParsePKCS1PrivateKey(der)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrKeyLoad, err)
		}
		return key, nil
	case "EC PRIVATE KEY":
		key, err := x509.ParseECPrivateKey(der)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrKeyLoad, err)
		}
		return key, nil
	default:
		return nil, fmt.Errorf("%w: unexpected PEM type %q", ErrKeyLoad, block.Type)
	}
}
