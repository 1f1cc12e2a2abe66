// Package request implements the certificate request workflow: submission,
// admin review, issuance through the active CA, and access to the resulting
// certificates.
package request

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/certdesk/certdesk/internal/uuid"
	"github.com/certdesk/certdesk/keyprotect"
	"github.com/certdesk/certdesk/pki"
	"github.com/certdesk/certdesk/registry"
	"github.com/certdesk/certdesk/storage"
)

// ---------------------------------------------------------------------------
// Sentinel errors
// ---------------------------------------------------------------------------

var (
	// ErrValidation is returned when request input fails validation.
	ErrValidation = errors.New("validation failed")

	// ErrForbidden is returned when a caller acts on a resource they do not
	// own without admin rights.
	ErrForbidden = errors.New("forbidden")

	// ErrInvalidStateTransition is returned when a decision is applied to a
	// request that is no longer pending.
	ErrInvalidStateTransition = errors.New("request is not pending")

	// ErrNoStoredKey is returned when a PKCS#12 download is requested for a
	// certificate whose private key is held by the requester.
	ErrNoStoredKey = errors.New("no private key stored for certificate")
)

// Review actions.
const (
	ActionApprove = "approve"
	ActionReject  = "reject"
)

// User identifies the caller of a service operation.
type User struct {
	ID       string
	Username string
	Admin    bool
}

// Config holds issuance policy.
type Config struct {
	// DefaultDays is the validity applied when a request does not specify one.
	DefaultDays int
	// MaxDays caps the requested validity.
	MaxDays int
	// CRLDistributionPoint, when set, is stamped into every issued
	// certificate.
	CRLDistributionPoint string
}

// Service runs the request workflow on top of a Store and CA registry.
type Service struct {
	store storage.Store
	cas   *registry.Registry
	keys  *keyprotect.Protector
	cfg   Config
	log   *slog.Logger
}

// NewService builds a Service.
func NewService(store storage.Store, cas *registry.Registry, keys *keyprotect.Protector, cfg Config, log *slog.Logger) *Service {
	if cfg.DefaultDays <= 0 {
		cfg.DefaultDays = 365
	}
	if cfg.MaxDays <= 0 {
		cfg.MaxDays = 825
	}
	return &Service{store: store, cas: cas, keys: keys, cfg: cfg, log: log}
}

// certKeyAAD binds a sealed subject key to its certificate record.
func certKeyAAD(certID string) string {
	return "cert:" + certID
}

// ---------------------------------------------------------------------------
// Submission
// ---------------------------------------------------------------------------

// SubmitParams describes a new certificate request. PublicKeyPEM is optional:
// when present the caller keeps their private key, when absent a keypair is
// generated at issuance time and stored sealed.
type SubmitParams struct {
	CommonName        string
	DistinguishedName map[string]string
	SANs              []string
	EKUs              []string
	Days              int
	PublicKeyPEM      string
}

// Submit validates and stores a new pending request.
func (s *Service) Submit(ctx context.Context, user User, params SubmitParams) (*storage.CertificateRequest, error) {
	if params.CommonName == "" {
		return nil, fmt.Errorf("%w: common name is required", ErrValidation)
	}
	if params.Days == 0 {
		params.Days = s.cfg.DefaultDays
	}
	if params.Days < 0 || params.Days > s.cfg.MaxDays {
		return nil, fmt.Errorf("%w: validity must be between 1 and %d days", ErrValidation, s.cfg.MaxDays)
	}
	if params.PublicKeyPEM != "" {
		if _, err := pki.ParsePublicKeyPEM(params.PublicKeyPEM); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrValidation, err)
		}
	}

	now := time.Now().UTC()
	req := &storage.CertificateRequest{
		ID:                uuid.New(),
		UserID:            user.ID,
		CommonName:        params.CommonName,
		DistinguishedName: params.DistinguishedName,
		SANs:              params.SANs,
		EKUs:              params.EKUs,
		RequestedDays:     params.Days,
		PublicKeyPEM:      params.PublicKeyPEM,
		Status:            storage.StatusPending,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.store.CreateRequest(ctx, req); err != nil {
		return nil, err
	}

	s.log.Info("certificate request submitted",
		"request_id", req.ID, "user_id", user.ID, "common_name", params.CommonName,
		"days", params.Days, "has_public_key", params.PublicKeyPEM != "")
	return req, nil
}

// Get returns a request visible to the caller: its owner or any admin.
func (s *Service) Get(ctx context.Context, user User, id string) (*storage.CertificateRequest, error) {
	req, err := s.store.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if !user.Admin && req.UserID != user.ID {
		return nil, ErrForbidden
	}
	return req, nil
}

// List returns the caller's own requests, optionally filtered by status.
func (s *Service) List(ctx context.Context, user User, status storage.RequestStatus) ([]*storage.CertificateRequest, error) {
	return s.store.ListRequests(ctx, storage.RequestFilter{UserID: user.ID, Status: status})
}

// ListAll returns every request. Admin only.
func (s *Service) ListAll(ctx context.Context, user User, status storage.RequestStatus) ([]*storage.CertificateRequest, error) {
	if !user.Admin {
		return nil, ErrForbidden
	}
	return s.store.ListRequests(ctx, storage.RequestFilter{Status: status})
}

// ---------------------------------------------------------------------------
// Review
// ---------------------------------------------------------------------------

// Act applies an admin decision to a pending request. Approval signs a
// certificate with the active issuer and stores it atomically with the status
// change; exactly one concurrent decision wins. Rejection requires a reason.
func (s *Service) Act(ctx context.Context, user User, id, action, reason string) (*storage.CertificateRequest, error) {
	if !user.Admin {
		return nil, ErrForbidden
	}

	switch action {
	case ActionReject:
		if reason == "" {
			return nil, fmt.Errorf("%w: rejection requires a reason", ErrValidation)
		}
		req, err := s.store.RejectRequest(ctx, id, reason, time.Now().UTC())
		if err != nil {
			return nil, mapNotPending(err)
		}
		s.log.Info("certificate request rejected",
			"request_id", id, "admin_id", user.ID, "reason", reason)
		return req, nil
	case ActionApprove:
		return s.approve(ctx, user, id)
	default:
		return nil, fmt.Errorf("%w: unknown action %q", ErrValidation, action)
	}
}

func (s *Service) approve(ctx context.Context, admin User, id string) (*storage.CertificateRequest, error) {
	req, err := s.store.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Status != storage.StatusPending {
		return nil, fmt.Errorf("request %s is %s: %w", id, req.Status, ErrInvalidStateTransition)
	}

	activeCA, err := s.cas.ActiveIssuer(ctx)
	if err != nil {
		return nil, err
	}
	issuer, err := s.cas.Issuer(ctx)
	if err != nil {
		return nil, s.failIssuance(ctx, id, err)
	}

	params := pki.IssueParams{
		CommonName:           req.CommonName,
		DistinguishedName:    req.DistinguishedName,
		SANs:                 req.SANs,
		EKUs:                 req.EKUs,
		Days:                 req.RequestedDays,
		CRLDistributionPoint: s.cfg.CRLDistributionPoint,
	}

	var (
		cert   *pki.Certificate
		keyPEM string
	)
	if req.PublicKeyPEM != "" {
		cert, err = pki.Issue(s.log, params, req.PublicKeyPEM, issuer)
	} else {
		cert, keyPEM, err = pki.IssueWithNewKey(s.log, params, issuer)
	}
	if err != nil {
		return nil, s.failIssuance(ctx, id, err)
	}

	now := time.Now().UTC()
	issued := &storage.IssuedCertificate{
		ID:           uuid.New(),
		RequestID:    req.ID,
		UserID:       req.UserID,
		CAID:         activeCA.ID,
		SerialNumber: cert.SerialNumber,
		PEMData:      cert.ChainPEM,
		IssuedAt:     cert.NotBefore,
		ExpiresAt:    cert.NotAfter,
	}
	if keyPEM != "" {
		sealed, err := s.keys.Seal([]byte(keyPEM), certKeyAAD(issued.ID))
		if err != nil {
			return nil, s.failIssuance(ctx, id, fmt.Errorf("sealing subject key: %w", err))
		}
		issued.EncryptedKey = sealed
	}

	updated, err := s.store.CompleteIssuance(ctx, req.ID, issued, now)
	if err != nil {
		if errors.Is(err, storage.ErrNotPending) {
			return nil, mapNotPending(err)
		}
		// The certificate was signed but could not be stored; the request
		// carries the cause rather than staying silently pending.
		return nil, s.failIssuance(ctx, id, fmt.Errorf("storing issued certificate: %v", err))
	}

	s.log.Info("certificate issued",
		"request_id", req.ID, "certificate_id", issued.ID, "admin_id", admin.ID,
		"ca_id", activeCA.ID, "serial", cert.SerialNumber, "expires_at", cert.NotAfter)
	return updated, nil
}

// failIssuance records a signing failure on the request and returns the
// original error. A request that lost the race to a concurrent decision is
// left untouched.
func (s *Service) failIssuance(ctx context.Context, id string, cause error) error {
	reason := fmt.Sprintf("issuance failed: %v", cause)
	if _, err := s.store.FailRequest(ctx, id, reason); err != nil && !errors.Is(err, storage.ErrNotPending) {
		s.log.Error("recording issuance failure", "request_id", id, "error", err)
	}
	s.log.Error("certificate issuance failed", "request_id", id, "error", cause)
	return cause
}

func mapNotPending(err error) error {
	if errors.Is(err, storage.ErrNotPending) {
		return fmt.Errorf("%w: %v", ErrInvalidStateTransition, err)
	}
	return err
}

// ---------------------------------------------------------------------------
// Issued certificates
// ---------------------------------------------------------------------------

// Certificate returns an issued certificate visible to the caller.
func (s *Service) Certificate(ctx context.Context, user User, id string) (*storage.IssuedCertificate, error) {
	cert, err := s.store.GetIssued(ctx, id)
	if err != nil {
		return nil, err
	}
	if !user.Admin && cert.UserID != user.ID {
		return nil, ErrForbidden
	}
	return cert, nil
}

// CertificateByRequest returns the certificate issued for a request.
func (s *Service) CertificateByRequest(ctx context.Context, user User, requestID string) (*storage.IssuedCertificate, error) {
	cert, err := s.store.GetIssuedByRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if !user.Admin && cert.UserID != user.ID {
		return nil, ErrForbidden
	}
	return cert, nil
}

// ListCertificates returns the caller's certificates, or every certificate
// for admins.
func (s *Service) ListCertificates(ctx context.Context, user User) ([]*storage.IssuedCertificate, error) {
	filter := storage.IssuedFilter{}
	if !user.Admin {
		filter.UserID = user.ID
	}
	return s.store.ListIssued(ctx, filter)
}

// PFX packages an issued certificate and its stored private key as PKCS#12.
// Only certificates issued with a system-generated key carry a stored key.
func (s *Service) PFX(ctx context.Context, user User, id, password string) ([]byte, error) {
	cert, err := s.Certificate(ctx, user, id)
	if err != nil {
		return nil, err
	}
	if cert.EncryptedKey == nil {
		return nil, fmt.Errorf("certificate %s: %w", id, ErrNoStoredKey)
	}
	keyPEM, err := s.keys.Open(cert.EncryptedKey, certKeyAAD(cert.ID))
	if err != nil {
		return nil, fmt.Errorf("unsealing subject key for certificate %s: %w", id, err)
	}
	return pki.ConvertToPFX(cert.PEMData, string(keyPEM), password)
}

// Key returns the sealed private key of an issued certificate as PEM.
func (s *Service) Key(ctx context.Context, user User, id string) (string, error) {
	cert, err := s.Certificate(ctx, user, id)
	if err != nil {
		return "", err
	}
	if cert.EncryptedKey == nil {
		return "", fmt.Errorf("certificate %s: %w", id, ErrNoStoredKey)
	}
	keyPEM, err := s.keys.Open(cert.EncryptedKey, certKeyAAD(cert.ID))
	if err != nil {
		return "", fmt.Errorf("unsealing subject key for certificate %s: %w", id, err)
	}
	return string(keyPEM), nil
}

// Revoke marks an issued certificate revoked. Admin only.
func (s *Service) Revoke(ctx context.Context, user User, id string) error {
	if !user.Admin {
		return ErrForbidden
	}
	if _, err := s.store.GetIssued(ctx, id); err != nil {
		return err
	}
	if err := s.store.SetRevoked(ctx, id, time.Now().UTC()); err != nil {
		return err
	}
	s.log.Info("certificate revoked", "certificate_id", id, "admin_id", user.ID)
	return nil
}
