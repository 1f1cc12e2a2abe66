package pki

import "errors"

// ---------------------------------------------------------------------------
// Sentinel errors
// ---------------------------------------------------------------------------

var (
	// ErrInvalidKeyMaterial is returned when supplied key material cannot be
	// parsed or is of an unsupported type.
	ErrInvalidKeyMaterial = errors.New("invalid key material")

	// ErrKeyLoad is returned when a CA private key cannot be read or decrypted.
	ErrKeyLoad = errors.New("failed to load CA private key")

	// ErrCertLoad is returned when a CA certificate cannot be read or parsed.
	ErrCertLoad = errors.New("failed to load CA certificate")

	// ErrCAUnavailable is returned when issuer material is missing or unusable
	// at signing time.
	ErrCAUnavailable = errors.New("certificate authority unavailable")

	// ErrSigningFailure is returned when certificate creation itself fails.
	ErrSigningFailure = errors.New("certificate signing failed")

	// ErrPfxConversion is returned when PEM material cannot be packaged as
	// PKCS#12.
	ErrPfxConversion = errors.New("PKCS#12 conversion failed")

	// ErrInvalidPEM is returned when PEM data cannot be decoded or parsed.
	ErrInvalidPEM = errors.New("invalid PEM data")
)
