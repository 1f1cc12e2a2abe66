// Package registry manages the certificate authority inventory: CA
// certificates with their envelope-encrypted private keys, and the single
// active issuer used for signing.
package registry

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/certdesk/certdesk/internal/uuid"
	"github.com/certdesk/certdesk/keyprotect"
	"github.com/certdesk/certdesk/pki"
	"github.com/certdesk/certdesk/storage"
)

// ErrNoActiveIssuer is returned when a signing operation is attempted with no
// CA marked as the active issuer.
var ErrNoActiveIssuer = errors.New("no active issuing CA configured")

// Registry provides CA management on top of a Store. Private keys are sealed
// with the Protector before they reach storage and only opened transiently
// for signing.
type Registry struct {
	store storage.Store
	keys  *keyprotect.Protector
	log   *slog.Logger
}

// New builds a Registry.
func New(store storage.Store, keys *keyprotect.Protector, log *slog.Logger) *Registry {
	return &Registry{store: store, keys: keys, log: log}
}

// CreateParams holds the material for registering a CA. KeyPEM may carry
// legacy PEM encryption; Passphrase is used to decrypt it before sealing.
type CreateParams struct {
	Name        string
	Description string
	CertPEM     string
	KeyPEM      string
	Passphrase  string
	Activate    bool
}

// keyAAD binds a sealed CA key to its owning record.
func keyAAD(id string) string {
	return "ca:" + id
}

// normalizeKeyPEM parses (and if needed decrypts) a private key PEM and
// re-encodes it as unencrypted PKCS#8, so sealed keys are uniform regardless
// of how they were supplied.
func normalizeKeyPEM(keyPEM, passphrase string) (string, error) {
	key, err := pki.ParsePrivateKeyPEM(keyPEM, passphrase)
	if err != nil {
		return "", err
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return "", fmt.Errorf("%w: %v", pki.ErrKeyLoad, err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})), nil
}

// Create validates the supplied CA material, seals the private key, and
// stores the CA. When params.Activate is set the new CA becomes the active
// issuer.
func (r *Registry) Create(ctx context.Context, params CreateParams) (*storage.CertificateAuthority, error) {
	// Validating via LoadIssuer also checks that cert and key match.
	issuer, err := pki.LoadIssuer(params.CertPEM, params.KeyPEM, params.Passphrase)
	if err != nil {
		return nil, err
	}
	keyPEM, err := normalizeKeyPEM(params.KeyPEM, params.Passphrase)
	if err != nil {
		return nil, err
	}

	id := uuid.New()
	sealed, err := r.keys.Seal([]byte(keyPEM), keyAAD(id))
	if err != nil {
		return nil, fmt.Errorf("sealing CA key: %w", err)
	}

	now := time.Now().UTC()
	ca := &storage.CertificateAuthority{
		ID:           id,
		Name:         params.Name,
		Description:  params.Description,
		PEMData:      params.CertPEM,
		EncryptedKey: sealed,
		ExpiresAt:    issuer.Certificate.NotAfter,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := r.store.CreateCA(ctx, ca); err != nil {
		return nil, err
	}

	if params.Activate {
		if err := r.store.SetActiveIssuer(ctx, id); err != nil {
			return nil, err
		}
		ca.ActiveIssuer = true
	}

	r.log.Info("registered certificate authority",
		"ca_id", id, "name", params.Name, "active", params.Activate,
		"expires_at", ca.ExpiresAt)
	return ca, nil
}

// Get returns a CA by ID.
func (r *Registry) Get(ctx context.Context, id string) (*storage.CertificateAuthority, error) {
	return r.store.GetCA(ctx, id)
}

// List returns all registered CAs, newest first.
func (r *Registry) List(ctx context.Context) ([]*storage.CertificateAuthority, error) {
	return r.store.ListCAs(ctx)
}

// UpdateParams holds mutable CA attributes. Nil fields are left unchanged.
type UpdateParams struct {
	Name        *string
	Description *string
	CertPEM     *string
}

// Update applies partial changes to a CA. Replacing the certificate re-derives
// the recorded expiry; the sealed key is not touched, so a replacement
// certificate must belong to the existing key.
func (r *Registry) Update(ctx context.Context, id string, params UpdateParams) (*storage.CertificateAuthority, error) {
	ca, err := r.store.GetCA(ctx, id)
	if err != nil {
		return nil, err
	}
	if params.Name != nil {
		ca.Name = *params.Name
	}
	if params.Description != nil {
		ca.Description = *params.Description
	}
	if params.CertPEM != nil {
		cert, err := pki.ParseCertificatePEM(*params.CertPEM)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", pki.ErrCertLoad, err)
		}
		ca.PEMData = *params.CertPEM
		ca.ExpiresAt = cert.NotAfter
	}
	ca.UpdatedAt = time.Now().UTC()
	if err := r.store.UpdateCA(ctx, ca); err != nil {
		return nil, err
	}
	return ca, nil
}

// Delete removes a CA. Storage rejects the delete while issued certificates
// still reference it.
func (r *Registry) Delete(ctx context.Context, id string) error {
	if err := r.store.DeleteCA(ctx, id); err != nil {
		return err
	}
	r.log.Info("deleted certificate authority", "ca_id", id)
	return nil
}

// SetActiveIssuer marks the given CA as the one and only active issuer.
func (r *Registry) SetActiveIssuer(ctx context.Context, id string) error {
	if err := r.store.SetActiveIssuer(ctx, id); err != nil {
		return err
	}
	r.log.Info("changed active issuing CA", "ca_id", id)
	return nil
}

// ActiveIssuer returns the CA currently marked active, or ErrNoActiveIssuer.
func (r *Registry) ActiveIssuer(ctx context.Context) (*storage.CertificateAuthority, error) {
	ca, err := r.store.ActiveIssuer(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNoActiveIssuer
	}
	return ca, err
}

// Issuer loads the active CA's signing material. The sealed key is opened
// fresh on every call and never cached, so key rotation takes effect
// immediately.
func (r *Registry) Issuer(ctx context.Context) (*pki.Issuer, error) {
	ca, err := r.ActiveIssuer(ctx)
	if err != nil {
		return nil, err
	}
	return r.issuerFor(ca)
}

func (r *Registry) issuerFor(ca *storage.CertificateAuthority) (*pki.Issuer, error) {
	if ca.EncryptedKey == nil {
		return nil, fmt.Errorf("%w: CA %s has no stored key", pki.ErrCAUnavailable, ca.ID)
	}
	keyPEM, err := r.keys.Open(ca.EncryptedKey, keyAAD(ca.ID))
	if err != nil {
		return nil, fmt.Errorf("%w: unsealing key for CA %s: %v", pki.ErrKeyLoad, ca.ID, err)
	}
	issuer, err := pki.LoadIssuer(ca.PEMData, string(keyPEM), "")
	if err != nil {
		return nil, err
	}
	return issuer, nil
}
