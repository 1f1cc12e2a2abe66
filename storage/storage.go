// Package storage defines the persistence model for the certificate
// issuance core: CA entities, certificate requests and issued
// certificates, plus the Store interface its backends implement.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/certdesk/certdesk/keyprotect"
)

var (
	// ErrNotFound is returned when an entity lookup misses.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned on uniqueness violations (duplicate CA name,
	// duplicate serial number, second issuance for a request) and when
	// deleting a CA that issued certificates still reference.
	ErrConflict = errors.New("conflict")

	// ErrNotPending is returned by request transitions when the request has
	// already left the pending state. Backends wrap it with the current
	// status so callers can report it.
	ErrNotPending = errors.New("request is not pending")
)

// RequestStatus is the lifecycle state of a CertificateRequest.
type RequestStatus string

const (
	StatusPending  RequestStatus = "pending"
	StatusIssued   RequestStatus = "issued"
	StatusRejected RequestStatus = "rejected"
	StatusFailed   RequestStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s RequestStatus) Terminal() bool {
	return s == StatusIssued || s == StatusRejected || s == StatusFailed
}

// CertificateAuthority is a CA whose key can sign issued certificates.
// At most one CA has ActiveIssuer set at any time.
type CertificateAuthority struct {
	ID           string               `json:"id"`
	Name         string               `json:"name"`
	Description  string               `json:"description,omitempty"`
	PEMData      string               `json:"pem_data"`
	EncryptedKey *keyprotect.Envelope `json:"encrypted_key,omitempty"`
	ActiveIssuer bool                 `json:"active_issuer"`
	ExpiresAt    time.Time            `json:"expires_at"`
	CreatedAt    time.Time            `json:"created_at"`
	UpdatedAt    time.Time            `json:"updated_at"`
}

// CertificateRequest is a user's ask for a certificate. When PublicKeyPEM
// is empty the system generates the subject key pair at approval time.
type CertificateRequest struct {
	ID                string            `json:"id"`
	UserID            string            `json:"user_id"`
	CommonName        string            `json:"common_name"`
	DistinguishedName map[string]string `json:"distinguished_name,omitempty"`
	SANs              []string          `json:"sans,omitempty"`
	EKUs              []string          `json:"ekus,omitempty"`
	RequestedDays     int               `json:"requested_days"`
	PublicKeyPEM      string            `json:"public_key_pem,omitempty"`
	Status            RequestStatus     `json:"status"`
	Reason            string            `json:"reason,omitempty"`
	ApprovedAt        *time.Time        `json:"approved_at,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// IssuedCertificate is the durable result of an approved request.
// IssuedAt and ExpiresAt are copied from the signed certificate's own
// validity window, never recomputed. EncryptedKey is set only when the
// system generated the subject key pair.
type IssuedCertificate struct {
	ID           string               `json:"id"`
	RequestID    string               `json:"request_id"`
	UserID       string               `json:"user_id"`
	CAID         string               `json:"ca_id"`
	SerialNumber string               `json:"serial_number"`
	PEMData      string               `json:"pem_data"`
	EncryptedKey *keyprotect.Envelope `json:"encrypted_key,omitempty"`
	IssuedAt     time.Time            `json:"issued_at"`
	ExpiresAt    time.Time            `json:"expires_at"`
	RevokedAt    *time.Time           `json:"revoked_at,omitempty"`
}

// RequestFilter narrows ListRequests. Zero values match everything.
type RequestFilter struct {
	UserID string
	Status RequestStatus
}

// IssuedFilter narrows ListIssued. Zero values match everything.
type IssuedFilter struct {
	UserID string
	CAID   string
}

// Store is the persistence interface for the certificate core. All
// invariant-bearing operations (SetActiveIssuer, the request transitions,
// CompleteIssuance) are atomic within a backend transaction or critical
// section.
type Store interface {
	// CreateCA persists a new CA. Duplicate names return ErrConflict.
	CreateCA(ctx context.Context, ca *CertificateAuthority) error
	GetCA(ctx context.Context, id string) (*CertificateAuthority, error)
	ListCAs(ctx context.Context) ([]*CertificateAuthority, error)
	// UpdateCA replaces a stored CA. Renaming onto an existing name
	// returns ErrConflict.
	UpdateCA(ctx context.Context, ca *CertificateAuthority) error
	// DeleteCA removes a CA, returning ErrConflict while issued
	// certificates still reference it.
	DeleteCA(ctx context.Context, id string) error
	// SetActiveIssuer atomically clears the active flag on every CA and
	// sets it on the given one.
	SetActiveIssuer(ctx context.Context, id string) error
	// ActiveIssuer returns the CA currently flagged to sign, or
	// ErrNotFound when none is flagged.
	ActiveIssuer(ctx context.Context) (*CertificateAuthority, error)

	CreateRequest(ctx context.Context, req *CertificateRequest) error
	GetRequest(ctx context.Context, id string) (*CertificateRequest, error)
	ListRequests(ctx context.Context, filter RequestFilter) ([]*CertificateRequest, error)
	// RejectRequest moves a pending request to rejected with the given
	// reason. Non-pending requests return ErrNotPending unmutated.
	RejectRequest(ctx context.Context, id, reason string, at time.Time) (*CertificateRequest, error)
	// FailRequest moves a pending request to failed, recording the cause
	// on the request itself.
	FailRequest(ctx context.Context, id, reason string) (*CertificateRequest, error)
	// CompleteIssuance atomically re-checks that the request is pending,
	// persists the issued certificate and flips the request to issued with
	// the approval timestamp set and any prior reason cleared. Exactly one
	// of two racing calls succeeds; the loser gets ErrNotPending.
	CompleteIssuance(ctx context.Context, requestID string, cert *IssuedCertificate, approvedAt time.Time) (*CertificateRequest, error)

	GetIssued(ctx context.Context, id string) (*IssuedCertificate, error)
	GetIssuedByRequest(ctx context.Context, requestID string) (*IssuedCertificate, error)
	ListIssued(ctx context.Context, filter IssuedFilter) ([]*IssuedCertificate, error)
	// SetRevoked stamps the revocation time on an issued certificate.
	SetRevoked(ctx context.Context, id string, at time.Time) error
}
