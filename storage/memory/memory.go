// Package memory provides a thread-safe in-memory implementation of
// storage.Store. Suitable for testing, demos, and single-process use.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/certdesk/certdesk/keyprotect"
	"github.com/certdesk/certdesk/storage"
)

// Store is an in-memory storage.Store.
type Store struct {
	mu       sync.RWMutex
	cas      map[string]*storage.CertificateAuthority
	requests map[string]*storage.CertificateRequest
	issued   map[string]*storage.IssuedCertificate
}

var _ storage.Store = (*Store)(nil)

// NewStore creates an empty in-memory Store.
func NewStore() *Store {
	return &Store{
		cas:      make(map[string]*storage.CertificateAuthority),
		requests: make(map[string]*storage.CertificateRequest),
		issued:   make(map[string]*storage.IssuedCertificate),
	}
}

func cloneEnvelope(env *keyprotect.Envelope) *keyprotect.Envelope {
	if env == nil {
		return nil
	}
	return &keyprotect.Envelope{
		Ver:        env.Ver,
		Scheme:     env.Scheme,
		Nonce:      append([]byte(nil), env.Nonce...),
		Ciphertext: append([]byte(nil), env.Ciphertext...),
	}
}

func cloneCA(ca *storage.CertificateAuthority) *storage.CertificateAuthority {
	if ca == nil {
		return nil
	}
	out := *ca
	out.EncryptedKey = cloneEnvelope(ca.EncryptedKey)
	return &out
}

func cloneRequest(req *storage.CertificateRequest) *storage.CertificateRequest {
	if req == nil {
		return nil
	}
	out := *req
	if req.DistinguishedName != nil {
		out.DistinguishedName = make(map[string]string, len(req.DistinguishedName))
		for k, v := range req.DistinguishedName {
			out.DistinguishedName[k] = v
		}
	}
	out.SANs = append([]string(nil), req.SANs...)
	out.EKUs = append([]string(nil), req.EKUs...)
	if req.ApprovedAt != nil {
		at := *req.ApprovedAt
		out.ApprovedAt = &at
	}
	return &out
}

func cloneIssued(cert *storage.IssuedCertificate) *storage.IssuedCertificate {
	if cert == nil {
		return nil
	}
	out := *cert
	out.EncryptedKey = cloneEnvelope(cert.EncryptedKey)
	if cert.RevokedAt != nil {
		at := *cert.RevokedAt
		out.RevokedAt = &at
	}
	return &out
}

// ---------------------------------------------------------------------------
// Certificate authorities
// ---------------------------------------------------------------------------

func (s *Store) CreateCA(_ context.Context, ca *storage.CertificateAuthority) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.cas {
		if existing.Name == ca.Name {
			return fmt.Errorf("CA name %q: %w", ca.Name, storage.ErrConflict)
		}
	}
	s.cas[ca.ID] = cloneCA(ca)
	return nil
}

func (s *Store) GetCA(_ context.Context, id string) (*storage.CertificateAuthority, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ca, ok := s.cas[id]
	if !ok {
		return nil, fmt.Errorf("CA %s: %w", id, storage.ErrNotFound)
	}
	return cloneCA(ca), nil
}

func (s *Store) ListCAs(_ context.Context) ([]*storage.CertificateAuthority, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*storage.CertificateAuthority, 0, len(s.cas))
	for _, ca := range s.cas {
		out = append(out, cloneCA(ca))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) UpdateCA(_ context.Context, ca *storage.CertificateAuthority) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cas[ca.ID]; !ok {
		return fmt.Errorf("CA %s: %w", ca.ID, storage.ErrNotFound)
	}
	for id, existing := range s.cas {
		if id != ca.ID && existing.Name == ca.Name {
			return fmt.Errorf("CA name %q: %w", ca.Name, storage.ErrConflict)
		}
	}
	s.cas[ca.ID] = cloneCA(ca)
	return nil
}

func (s *Store) DeleteCA(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cas[id]; !ok {
		return fmt.Errorf("CA %s: %w", id, storage.ErrNotFound)
	}
	for _, cert := range s.issued {
		if cert.CAID == id {
			return fmt.Errorf("CA %s has issued certificates: %w", id, storage.ErrConflict)
		}
	}
	delete(s.cas, id)
	return nil
}

func (s *Store) SetActiveIssuer(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	target, ok := s.cas[id]
	if !ok {
		return fmt.Errorf("CA %s: %w", id, storage.ErrNotFound)
	}
	// Clear-then-set under one lock so no observer sees two active CAs.
	for _, ca := range s.cas {
		ca.ActiveIssuer = false
	}
	target.ActiveIssuer = true
	return nil
}

func (s *Store) ActiveIssuer(_ context.Context) (*storage.CertificateAuthority, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ca := range s.cas {
		if ca.ActiveIssuer {
			return cloneCA(ca), nil
		}
	}
	return nil, fmt.Errorf("active issuer: %w", storage.ErrNotFound)
}

// ---------------------------------------------------------------------------
// Certificate requests
// ---------------------------------------------------------------------------

func (s *Store) CreateRequest(_ context.Context, req *storage.CertificateRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[req.ID] = cloneRequest(req)
	return nil
}

func (s *Store) GetRequest(_ context.Context, id string) (*storage.CertificateRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, ok := s.requests[id]
	if !ok {
		return nil, fmt.Errorf("request %s: %w", id, storage.ErrNotFound)
	}
	return cloneRequest(req), nil
}

func (s *Store) ListRequests(_ context.Context, filter storage.RequestFilter) ([]*storage.CertificateRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*storage.CertificateRequest
	for _, req := range s.requests {
		if filter.UserID != "" && req.UserID != filter.UserID {
			continue
		}
		if filter.Status != "" && req.Status != filter.Status {
			continue
		}
		out = append(out, cloneRequest(req))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// pendingLocked returns the live request if it is still pending.
func (s *Store) pendingLocked(id string) (*storage.CertificateRequest, error) {
	req, ok := s.requests[id]
	if !ok {
		return nil, fmt.Errorf("request %s: %w", id, storage.ErrNotFound)
	}
	if req.Status != storage.StatusPending {
		return nil, fmt.Errorf("request %s is %s: %w", id, req.Status, storage.ErrNotPending)
	}
	return req, nil
}

func (s *Store) RejectRequest(_ context.Context, id, reason string, at time.Time) (*storage.CertificateRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, err := s.pendingLocked(id)
	if err != nil {
		return nil, err
	}
	req.Status = storage.StatusRejected
	req.Reason = reason
	req.ApprovedAt = nil
	req.UpdatedAt = at
	return cloneRequest(req), nil
}

func (s *Store) FailRequest(_ context.Context, id, reason string) (*storage.CertificateRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, err := s.pendingLocked(id)
	if err != nil {
		return nil, err
	}
	req.Status = storage.StatusFailed
	req.Reason = reason
	req.UpdatedAt = time.Now().UTC()
	return cloneRequest(req), nil
}

func (s *Store) CompleteIssuance(_ context.Context, requestID string, cert *storage.IssuedCertificate, approvedAt time.Time) (*storage.CertificateRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, err := s.pendingLocked(requestID)
	if err != nil {
		return nil, err
	}
	for _, existing := range s.issued {
		if existing.SerialNumber == cert.SerialNumber {
			return nil, fmt.Errorf("serial %s: %w", cert.SerialNumber, storage.ErrConflict)
		}
		if existing.RequestID == requestID {
			return nil, fmt.Errorf("request %s already has a certificate: %w", requestID, storage.ErrConflict)
		}
	}
	s.issued[cert.ID] = cloneIssued(cert)
	req.Status = storage.StatusIssued
	req.Reason = ""
	at := approvedAt
	req.ApprovedAt = &at
	req.UpdatedAt = approvedAt
	return cloneRequest(req), nil
}

// ---------------------------------------------------------------------------
// Issued certificates
// ---------------------------------------------------------------------------

func (s *Store) GetIssued(_ context.Context, id string) (*storage.IssuedCertificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cert, ok := s.issued[id]
	if !ok {
		return nil, fmt.Errorf("issued certificate %s: %w", id, storage.ErrNotFound)
	}
	return cloneIssued(cert), nil
}

func (s *Store) GetIssuedByRequest(_ context.Context, requestID string) (*storage.IssuedCertificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, cert := range s.issued {
		if cert.RequestID == requestID {
			return cloneIssued(cert), nil
		}
	}
	return nil, fmt.Errorf("certificate for request %s: %w", requestID, storage.ErrNotFound)
}

func (s *Store) ListIssued(_ context.Context, filter storage.IssuedFilter) ([]*storage.IssuedCertificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*storage.IssuedCertificate
	for _, cert := range s.issued {
		if filter.UserID != "" && cert.UserID != filter.UserID {
			continue
		}
		if filter.CAID != "" && cert.CAID != filter.CAID {
			continue
		}
		out = append(out, cloneIssued(cert))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IssuedAt.After(out[j].IssuedAt) })
	return out, nil
}

func (s *Store) SetRevoked(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cert, ok := s.issued[id]
	if !ok {
		return fmt.Errorf("issued certificate %s: %w", id, storage.ErrNotFound)
	}
	t := at
	cert.RevokedAt = &t
	return nil
}
