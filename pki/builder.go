// Package pki implements leaf certificate issuance: extension construction,
// issuer material loading, and PKCS#12 packaging. Issued certificates are
// always end-entity certificates signed with SHA-256; CA material is supplied
// by the caller as an Issuer.
package pki

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"
)

// serialBits is the size of randomly generated serial numbers.
const serialBits = 128

// generatedKeyBits is the modulus size for keypairs generated on behalf of
// the requester.
const generatedKeyBits = 2048

// ---------------------------------------------------------------------------
// Types
// ---------------------------------------------------------------------------

// Issuer bundles the CA certificate and signing key used to sign leaves.
type Issuer struct {
	Certificate *x509.Certificate
	Key         crypto.Signer
}

// IssueParams describes the certificate to build. SANs entries use the
// "dns:" / "ip:" prefix convention and EKUs entries are usage names or
// dotted-decimal OIDs; both tolerate malformed entries by skipping them.
type IssueParams struct {
	CommonName           string
	DistinguishedName    map[string]string
	SANs                 []string
	EKUs                 []string
	Days                 int
	CRLDistributionPoint string
}

// Certificate is the result of a successful issuance.
type Certificate struct {
	PEM          string
	ChainPEM     string
	SerialNumber string
	SubjectDN    string
	NotBefore    time.Time
	NotAfter     time.Time
}

// ---------------------------------------------------------------------------
// Issuance
// ---------------------------------------------------------------------------

// Issue signs a leaf certificate over the public key in publicKeyPEM. The
// certificate is valid from now (UTC) for exactly params.Days days and carries
// the full extension set: critical basic constraints (not a CA), subject and
// authority key identifiers, key usage, extended key usage, SANs, and an
// optional CRL distribution point.
func Issue(log *slog.Logger, params IssueParams, publicKeyPEM string, issuer *Issuer) (*Certificate, error) {
	pub, err := ParsePublicKeyPEM(publicKeyPEM)
	if err != nil {
		return nil, err
	}
	return issue(log, params, pub, issuer)
}

// IssueWithNewKey generates a fresh RSA keypair for the requester, signs a
// leaf certificate over it, and returns the certificate together with the
// private key as PKCS#8 PEM.
func IssueWithNewKey(log *slog.Logger, params IssueParams, issuer *Issuer) (*Certificate, string, error) {
	key, err := rsa.GenerateKey(rand.Reader, generatedKeyBits)
	if err != nil {
		return nil, "", fmt.Errorf("%w: generating keypair: %v", ErrSigningFailure, err)
	}
	cert, err := issue(log, params, key.Public(), issuer)
	if err != nil {
		return nil, "", err
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, "", fmt.Errorf("%w: encoding private key: %v", ErrSigningFailure, err)
	}
	keyPEM := string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}))
	return cert, keyPEM, nil
}

func issue(log *slog.Logger, params IssueParams, pub crypto.PublicKey, issuer *Issuer) (*Certificate, error) {
	if issuer == nil || issuer.Certificate == nil || issuer.Key == nil {
		return nil, ErrCAUnavailable
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, fmt.Errorf("%w: generating serial: %v", ErrSigningFailure, err)
	}

	ski, err := SubjectKeyID(pub)
	if err != nil {
		return nil, err
	}

	// Prefer the issuer certificate's own SKI for the authority key
	// identifier; derive one from the issuer public key when absent.
	aki := issuer.Certificate.SubjectKeyId
	if len(aki) == 0 {
		aki, err = SubjectKeyID(issuer.Certificate.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("%w: deriving authority key identifier: %v", ErrCAUnavailable, err)
		}
	}

	dnsNames, ipAddrs := ParseSANs(log, params.SANs)
	usages, unknownUsages := ParseEKUs(log, params.EKUs)

	// Truncate to seconds so the returned window matches the encoded
	// certificate exactly (X.509 validity has second precision).
	notBefore := time.Now().UTC().Truncate(time.Second)
	notAfter := notBefore.AddDate(0, 0, params.Days)

	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               buildSubject(params.CommonName, params.DistinguishedName),
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		BasicConstraintsValid: true,
		IsCA:                  false,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           usages,
		UnknownExtKeyUsage:    unknownUsages,
		SubjectKeyId:          ski,
		AuthorityKeyId:        aki,
		DNSNames:              dnsNames,
		IPAddresses:           ipAddrs,
		SignatureAlgorithm:    signatureAlgorithm(issuer.Key),
	}
	if params.CRLDistributionPoint != "" {
		template.CRLDistributionPoints = []string{params.CRLDistributionPoint}
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, template, issuer.Certificate, pub, issuer.Key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSigningFailure, err)
	}

	leafPEM := encodeCertPEM(derBytes)
	issuerPEM := encodeCertPEM(issuer.Certificate.Raw)

	return &Certificate{
		PEM:          leafPEM,
		ChainPEM:     leafPEM + issuerPEM,
		SerialNumber: fmt.Sprintf("%x", serial),
		SubjectDN:    subjectString(template.Subject),
		NotBefore:    notBefore,
		NotAfter:     notAfter,
	}, nil
}

// randomSerial returns a uniformly random positive serial of serialBits bits.
func randomSerial() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), serialBits)
	return rand.Int(rand.Reader, limit)
}

// signatureAlgorithm picks the SHA-256 signature algorithm matching the
// issuer key type, leaving the library default for anything unexpected.
func signatureAlgorithm(key crypto.Signer) x509.SignatureAlgorithm {
	switch key.Public().(type) {
	case *rsa.PublicKey:
		return x509.SHA256WithRSA
	case *ecdsa.PublicKey:
		return x509.ECDSAWithSHA256
	case ed25519.PublicKey:
		return x509.PureEd25519
	default:
		return x509.UnknownSignatureAlgorithm
	}
}

// ---------------------------------------------------------------------------
// Subject construction
// ---------------------------------------------------------------------------

// buildSubject assembles the certificate subject from the common name and
// optional distinguished name attributes keyed by short name (C, O, OU, L,
// ST), matched case-insensitively.
func buildSubject(commonName string, dn map[string]string) pkix.Name {
	name := pkix.Name{CommonName: commonName}
	for key, value := range dn {
		if value == "" {
			continue
		}
		switch strings.ToUpper(strings.TrimSpace(key)) {
		case "C", "COUNTRY":
			name.Country = append(name.Country, value)
		case "O", "ORGANIZATION":
			name.Organization = append(name.Organization, value)
		case "OU", "ORGANIZATIONAL_UNIT":
			name.OrganizationalUnit = append(name.OrganizationalUnit, value)
		case "L", "LOCALITY":
			name.Locality = append(name.Locality, value)
		case "ST", "STATE", "PROVINCE":
			name.Province = append(name.Province, value)
		}
	}
	return name
}

// subjectString formats a pkix.Name as a readable DN string.
func subjectString(name pkix.Name) string {
	var parts []string
	if name.CommonName != "" {
		parts = append(parts, "CN="+name.CommonName)
	}
	for _, ou := range name.OrganizationalUnit {
		parts = append(parts, "OU="+ou)
	}
	for _, o := range name.Organization {
		parts = append(parts, "O="+o)
	}
	for _, l := range name.Locality {
		parts = append(parts, "L="+l)
	}
	for _, p := range name.Province {
		parts = append(parts, "ST="+p)
	}
	for _, c := range name.Country {
		parts = append(parts, "C="+c)
	}
	return strings.Join(parts, ", ")
}

// ---------------------------------------------------------------------------
// Key identifiers
// ---------------------------------------------------------------------------

// SubjectKeyID computes the subject key identifier for a public key: the
// SHA-1 digest of the subjectPublicKey BIT STRING from the key's SPKI
// encoding.
func SubjectKeyID(pub crypto.PublicKey) ([]byte, error) {
	spkiDER, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeyMaterial, err)
	}
	var spki struct {
		Algorithm pkix.AlgorithmIdentifier
		PublicKey asn1.BitString
	}
	if _, err := asn1.Unmarshal(spkiDER, &spki); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeyMaterial, err)
	}
	sum := sha1.Sum(spki.PublicKey.Bytes)
	return sum[:], nil
}

// ---------------------------------------------------------------------------
// PEM helpers
// ---------------------------------------------------------------------------

func encodeCertPEM(derBytes []byte) string {
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: derBytes}))
}

// ParsePublicKeyPEM parses a PEM-encoded public key in SPKI or PKCS#1 form.
func ParsePublicKeyPEM(publicKeyPEM string) (crypto.PublicKey, error) {
	block, _ := pem.Decode([]byte(publicKeyPEM))
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block found", ErrInvalidKeyMaterial)
	}
	switch block.Type {
	case "PUBLIC KEY":
		pub, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKeyMaterial, err)
		}
		return pub, nil
	case "RSA PUBLIC KEY":
		pub, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKeyMaterial, err)
		}
		return pub, nil
	default:
		return nil, fmt.Errorf("%w: unexpected PEM type %q", ErrInvalidKeyMaterial, block.Type)
	}
}

// ParseCertificatePEM parses the first certificate in a PEM bundle.
func ParseCertificatePEM(certPEM string) (*x509.Certificate, error) {
	block, _ := pem.Decode([]byte(certPEM))
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, ErrInvalidPEM
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPEM, err)
	}
	return cert, nil
}
