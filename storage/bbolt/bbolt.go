// Package bbolt provides a BBolt-backed implementation of storage.Store.
// Every invariant-bearing operation runs inside a single BBolt update
// transaction, so a crash mid-operation cannot leave two active issuers
// or a half-completed issuance behind.
package bbolt

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.etcd.io/bbolt"

	"github.com/certdesk/certdesk/storage"
)

var (
	bucketCAs      = []byte("cas")
	bucketRequests = []byte("requests")
	bucketIssued   = []byte("issued")
)

// Store implements storage.Store backed by a BBolt database.
type Store struct {
	db *bbolt.DB
}

var _ storage.Store = (*Store)(nil)

// NewStore wraps an already-open BBolt database, creating the entity
// buckets if they do not exist.
func NewStore(db *bbolt.DB) (*Store, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketCAs, bucketRequests, bucketIssued} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("creating buckets: %w", err)
	}
	return &Store{db: db}, nil
}

// NewStoreFromFile opens a BBolt database at the given path.
func NewStoreFromFile(path string, options *bbolt.Options) (*Store, error) {
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	return NewStore(db)
}

// Close closes the underlying BBolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

func putJSON(b *bbolt.Bucket, id string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding record: %w", err)
	}
	return b.Put([]byte(id), data)
}

func getJSON(b *bbolt.Bucket, id string, v any) error {
	data := b.Get([]byte(id))
	if data == nil {
		return storage.ErrNotFound
	}
	return json.Unmarshal(data, v)
}

// ---------------------------------------------------------------------------
// Certificate authorities
// ---------------------------------------------------------------------------

func (s *Store) CreateCA(_ context.Context, ca *storage.CertificateAuthority) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketCAs)
		if err := forEachCA(b, func(existing *storage.CertificateAuthority) error {
			if existing.Name == ca.Name {
				return fmt.Errorf("CA name %q: %w", ca.Name, storage.ErrConflict)
			}
			return nil
		}); err != nil {
			return err
		}
		return putJSON(b, ca.ID, ca)
	})
}

func forEachCA(b *bbolt.Bucket, fn func(*storage.CertificateAuthority) error) error {
	return b.ForEach(func(_, v []byte) error {
		var ca storage.CertificateAuthority
		if err := json.Unmarshal(v, &ca); err != nil {
			return err
		}
		return fn(&ca)
	})
}

func forEachIssued(b *bbolt.Bucket, fn func(*storage.IssuedCertificate) error) error {
	return b.ForEach(func(_, v []byte) error {
		var cert storage.IssuedCertificate
		if err := json.Unmarshal(v, &cert); err != nil {
			return err
		}
		return fn(&cert)
	})
}

func (s *Store) GetCA(_ context.Context, id string) (*storage.CertificateAuthority, error) {
	var ca storage.CertificateAuthority
	err := s.db.View(func(tx *bbolt.Tx) error {
		return getJSON(tx.Bucket(bucketCAs), id, &ca)
	})
	if err != nil {
		return nil, fmt.Errorf("CA %s: %w", id, err)
	}
	return &ca, nil
}

func (s *Store) ListCAs(_ context.Context) ([]*storage.CertificateAuthority, error) {
	var out []*storage.CertificateAuthority
	err := s.db.View(func(tx *bbolt.Tx) error {
		return forEachCA(tx.Bucket(bucketCAs), func(ca *storage.CertificateAuthority) error {
			out = append(out, ca)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) UpdateCA(_ context.Context, ca *storage.CertificateAuthority) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketCAs)
		if b.Get([]byte(ca.ID)) == nil {
			return fmt.Errorf("CA %s: %w", ca.ID, storage.ErrNotFound)
		}
		if err := forEachCA(b, func(existing *storage.CertificateAuthority) error {
			if existing.ID != ca.ID && existing.Name == ca.Name {
				return fmt.Errorf("CA name %q: %w", ca.Name, storage.ErrConflict)
			}
			return nil
		}); err != nil {
			return err
		}
		return putJSON(b, ca.ID, ca)
	})
}

func (s *Store) DeleteCA(_ context.Context, id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketCAs)
		if b.Get([]byte(id)) == nil {
			return fmt.Errorf("CA %s: %w", id, storage.ErrNotFound)
		}
		if err := forEachIssued(tx.Bucket(bucketIssued), func(cert *storage.IssuedCertificate) error {
			if cert.CAID == id {
				return fmt.Errorf("CA %s has issued certificates: %w", id, storage.ErrConflict)
			}
			return nil
		}); err != nil {
			return err
		}
		return b.Delete([]byte(id))
	})
}

func (s *Store) SetActiveIssuer(_ context.Context, id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketCAs)
		if b.Get([]byte(id)) == nil {
			return fmt.Errorf("CA %s: %w", id, storage.ErrNotFound)
		}
		// Clear-then-set inside one transaction.
		var all []*storage.CertificateAuthority
		if err := forEachCA(b, func(ca *storage.CertificateAuthority) error {
			all = append(all, ca)
			return nil
		}); err != nil {
			return err
		}
		for _, ca := range all {
			want := ca.ID == id
			if ca.ActiveIssuer == want {
				continue
			}
			ca.ActiveIssuer = want
			if err := putJSON(b, ca.ID, ca); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) ActiveIssuer(_ context.Context) (*storage.CertificateAuthority, error) {
	var found *storage.CertificateAuthority
	err := s.db.View(func(tx *bbolt.Tx) error {
		return forEachCA(tx.Bucket(bucketCAs), func(ca *storage.CertificateAuthority) error {
			if ca.ActiveIssuer && found == nil {
				found = ca
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("active issuer: %w", storage.ErrNotFound)
	}
	return found, nil
}

// ---------------------------------------------------------------------------
// Certificate requests
// ---------------------------------------------------------------------------

func (s *Store) CreateRequest(_ context.Context, req *storage.CertificateRequest) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return putJSON(tx.Bucket(bucketRequests), req.ID, req)
	})
}

func (s *Store) GetRequest(_ context.Context, id string) (*storage.CertificateRequest, error) {
	var req storage.CertificateRequest
	err := s.db.View(func(tx *bbolt.Tx) error {
		return getJSON(tx.Bucket(bucketRequests), id, &req)
	})
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", id, err)
	}
	return &req, nil
}

func (s *Store) ListRequests(_ context.Context, filter storage.RequestFilter) ([]*storage.CertificateRequest, error) {
	var out []*storage.CertificateRequest
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRequests).ForEach(func(_, v []byte) error {
			var req storage.CertificateRequest
			if err := json.Unmarshal(v, &req); err != nil {
				return err
			}
			if filter.UserID != "" && req.UserID != filter.UserID {
				return nil
			}
			if filter.Status != "" && req.Status != filter.Status {
				return nil
			}
			out = append(out, &req)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// pendingRequest loads a request inside tx and verifies it is pending.
func pendingRequest(tx *bbolt.Tx, id string) (*storage.CertificateRequest, error) {
	var req storage.CertificateRequest
	if err := getJSON(tx.Bucket(bucketRequests), id, &req); err != nil {
		return nil, fmt.Errorf("request %s: %w", id, err)
	}
	if req.Status != storage.StatusPending {
		return nil, fmt.Errorf("request %s is %s: %w", id, req.Status, storage.ErrNotPending)
	}
	return &req, nil
}

func (s *Store) RejectRequest(_ context.Context, id, reason string, at time.Time) (*storage.CertificateRequest, error) {
	var updated *storage.CertificateRequest
	err := s.db.Update(func(tx *bbolt.Tx) error {
		req, err := pendingRequest(tx, id)
		if err != nil {
			return err
		}
		req.Status = storage.StatusRejected
		req.Reason = reason
		req.ApprovedAt = nil
		req.UpdatedAt = at
		updated = req
		return putJSON(tx.Bucket(bucketRequests), id, req)
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *Store) FailRequest(_ context.Context, id, reason string) (*storage.CertificateRequest, error) {
	var updated *storage.CertificateRequest
	err := s.db.Update(func(tx *bbolt.Tx) error {
		req, err := pendingRequest(tx, id)
		if err != nil {
			return err
		}
		req.Status = storage.StatusFailed
		req.Reason = reason
		req.UpdatedAt = time.Now().UTC()
		updated = req
		return putJSON(tx.Bucket(bucketRequests), id, req)
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *Store) CompleteIssuance(_ context.Context, requestID string, cert *storage.IssuedCertificate, approvedAt time.Time) (*storage.CertificateRequest, error) {
	var updated *storage.CertificateRequest
	err := s.db.Update(func(tx *bbolt.Tx) error {
		req, err := pendingRequest(tx, requestID)
		if err != nil {
			return err
		}
		issuedBucket := tx.Bucket(bucketIssued)
		if err := forEachIssued(issuedBucket, func(existing *storage.IssuedCertificate) error {
			if existing.SerialNumber == cert.SerialNumber {
				return fmt.Errorf("serial %s: %w", cert.SerialNumber, storage.ErrConflict)
			}
			if existing.RequestID == requestID {
				return fmt.Errorf("request %s already has a certificate: %w", requestID, storage.ErrConflict)
			}
			return nil
		}); err != nil {
			return err
		}
		if err := putJSON(issuedBucket, cert.ID, cert); err != nil {
			return err
		}
		req.Status = storage.StatusIssued
		req.Reason = ""
		at := approvedAt
		req.ApprovedAt = &at
		req.UpdatedAt = approvedAt
		updated = req
		return putJSON(tx.Bucket(bucketRequests), requestID, req)
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// ---------------------------------------------------------------------------
// Issued certificates
// ---------------------------------------------------------------------------

func (s *Store) GetIssued(_ context.Context, id string) (*storage.IssuedCertificate, error) {
	var cert storage.IssuedCertificate
	err := s.db.View(func(tx *bbolt.Tx) error {
		return getJSON(tx.Bucket(bucketIssued), id, &cert)
	})
	if err != nil {
		return nil, fmt.Errorf("issued certificate %s: %w", id, err)
	}
	return &cert, nil
}

func (s *Store) GetIssuedByRequest(_ context.Context, requestID string) (*storage.IssuedCertificate, error) {
	var found *storage.IssuedCertificate
	err := s.db.View(func(tx *bbolt.Tx) error {
		return forEachIssued(tx.Bucket(bucketIssued), func(cert *storage.IssuedCertificate) error {
			if cert.RequestID == requestID && found == nil {
				found = cert
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("certificate for request %s: %w", requestID, storage.ErrNotFound)
	}
	return found, nil
}

func (s *Store) ListIssued(_ context.Context, filter storage.IssuedFilter) ([]*storage.IssuedCertificate, error) {
	var out []*storage.IssuedCertificate
	err := s.db.View(func(tx *bbolt.Tx) error {
		return forEachIssued(tx.Bucket(bucketIssued), func(cert *storage.IssuedCertificate) error {
			if filter.UserID != "" && cert.UserID != filter.UserID {
				return nil
			}
			if filter.CAID != "" && cert.CAID != filter.CAID {
				return nil
			}
			out = append(out, cert)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IssuedAt.After(out[j].IssuedAt) })
	return out, nil
}

func (s *Store) SetRevoked(_ context.Context, id string, at time.Time) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketIssued)
		var cert storage.IssuedCertificate
		if err := getJSON(b, id, &cert); err != nil {
			return fmt.Errorf("issued certificate %s: %w", id, err)
		}
		t := at
		cert.RevokedAt = &t
		return putJSON(b, id, &cert)
	})
}
