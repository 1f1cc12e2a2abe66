// Package sqlite provides a SQLite-backed implementation of storage.Store
// using database/sql. The active-issuer invariant is enforced with a single
// UPDATE statement and request transitions use guarded UPDATEs inside
// transactions, so concurrent writers always leave the database consistent.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/certdesk/certdesk/keyprotect"
	"github.com/certdesk/certdesk/storage"
)

// Store implements storage.Store backed by SQLite.
type Store struct {
	db *sql.DB
}

var _ storage.Store = (*Store)(nil)

// Open opens (or creates) the SQLite database at path and applies the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	s := &Store{db: db}
	if err := s.createTables(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) createTables() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS certificate_authorities (
			id TEXT PRIMARY KEY,
			name TEXT UNIQUE NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			pem_data TEXT NOT NULL,
			encrypted_key TEXT,
			active_issuer INTEGER NOT NULL DEFAULT 0,
			expires_at TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS certificate_requests (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			common_name TEXT NOT NULL,
			distinguished_name TEXT,
			sans TEXT,
			ekus TEXT,
			requested_days INTEGER NOT NULL,
			public_key_pem TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			approved_at TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS issued_certificates (
			id TEXT PRIMARY KEY,
			request_id TEXT UNIQUE NOT NULL REFERENCES certificate_requests(id),
			user_id TEXT NOT NULL,
			ca_id TEXT NOT NULL REFERENCES certificate_authorities(id),
			serial_number TEXT UNIQUE NOT NULL,
			pem_data TEXT NOT NULL,
			encrypted_key TEXT,
			issued_at TEXT NOT NULL,
			expires_at TEXT NOT NULL,
			revoked_at TEXT
		)`,
	}
	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return fmt.Errorf("creating schema: %w", err)
		}
	}
	return nil
}

// isUniqueViolation reports whether err is a SQLite uniqueness violation.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isFKViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}

func encodeJSON(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encoding column: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func decodeJSON(src sql.NullString, v any) error {
	if !src.Valid || src.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(src.String), v)
}

func encodeTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func decodeTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func encodeTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: encodeTime(*t), Valid: true}
}

func decodeTimePtr(src sql.NullString) (*time.Time, error) {
	if !src.Valid || src.String == "" {
		return nil, nil
	}
	t, err := decodeTime(src.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ---------------------------------------------------------------------------
// Certificate authorities
// ---------------------------------------------------------------------------

func (s *Store) CreateCA(ctx context.Context, ca *storage.CertificateAuthority) error {
	key, err := encodeJSON(ca.EncryptedKey)
	if err != nil {
		return err
	}
	if ca.EncryptedKey == nil {
		key = sql.NullString{}
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO certificate_authorities
		 (id, name, description, pem_data, encrypted_key, active_issuer, expires_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ca.ID, ca.Name, ca.Description, ca.PEMData, key, ca.ActiveIssuer,
		encodeTime(ca.ExpiresAt), encodeTime(ca.CreatedAt), encodeTime(ca.UpdatedAt))
	if isUniqueViolation(err) {
		return fmt.Errorf("CA name %q: %w", ca.Name, storage.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("inserting CA: %w", err)
	}
	return nil
}

func scanCA(row interface{ Scan(...any) error }) (*storage.CertificateAuthority, error) {
	var (
		ca                              storage.CertificateAuthority
		key                             sql.NullString
		expiresAt, createdAt, updatedAt string
	)
	err := row.Scan(&ca.ID, &ca.Name, &ca.Description, &ca.PEMData, &key,
		&ca.ActiveIssuer, &expiresAt, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning CA: %w", err)
	}
	if key.Valid {
		ca.EncryptedKey = &keyprotect.Envelope{}
		if err := decodeJSON(key, ca.EncryptedKey); err != nil {
			return nil, err
		}
	}
	if ca.ExpiresAt, err = decodeTime(expiresAt); err != nil {
		return nil, err
	}
	if ca.CreatedAt, err = decodeTime(createdAt); err != nil {
		return nil, err
	}
	if ca.UpdatedAt, err = decodeTime(updatedAt); err != nil {
		return nil, err
	}
	return &ca, nil
}

const caColumns = `id, name, description, pem_data, encrypted_key, active_issuer, expires_at, created_at, updated_at`

func (s *Store) GetCA(ctx context.Context, id string) (*storage.CertificateAuthority, error) {
	ca, err := scanCA(s.db.QueryRowContext(ctx,
		`SELECT `+caColumns+` FROM certificate_authorities WHERE id = ?`, id))
	if err != nil {
		return nil, fmt.Errorf("CA %s: %w", id, err)
	}
	return ca, nil
}

func (s *Store) ListCAs(ctx context.Context) ([]*storage.CertificateAuthority, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+caColumns+` FROM certificate_authorities ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing CAs: %w", err)
	}
	defer rows.Close()

	var out []*storage.CertificateAuthority
	for rows.Next() {
		ca, err := scanCA(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ca)
	}
	return out, rows.Err()
}

func (s *Store) UpdateCA(ctx context.Context, ca *storage.CertificateAuthority) error {
	key, err := encodeJSON(ca.EncryptedKey)
	if err != nil {
		return err
	}
	if ca.EncryptedKey == nil {
		key = sql.NullString{}
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE certificate_authorities
		 SET name = ?, description = ?, pem_data = ?, encrypted_key = ?,
		     active_issuer = ?, expires_at = ?, updated_at = ?
		 WHERE id = ?`,
		ca.Name, ca.Description, ca.PEMData, key, ca.ActiveIssuer,
		encodeTime(ca.ExpiresAt), encodeTime(ca.UpdatedAt), ca.ID)
	if isUniqueViolation(err) {
		return fmt.Errorf("CA name %q: %w", ca.Name, storage.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("updating CA: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("CA %s: %w", ca.ID, storage.ErrNotFound)
	}
	return nil
}

func (s *Store) DeleteCA(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM certificate_authorities WHERE id = ?`, id)
	if isFKViolation(err) {
		return fmt.Errorf("CA %s has issued certificates: %w", id, storage.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("deleting CA: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("CA %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

func (s *Store) SetActiveIssuer(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM certificate_authorities WHERE id = ?`, id).Scan(&exists)
		if err != nil {
			return fmt.Errorf("checking CA: %w", err)
		}
		if exists == 0 {
			return fmt.Errorf("CA %s: %w", id, storage.ErrNotFound)
		}
		// One statement flips every row: the target to 1, all others to 0.
		_, err = tx.ExecContext(ctx,
			`UPDATE certificate_authorities SET active_issuer = (id = ?), updated_at = ?`,
			id, encodeTime(time.Now()))
		if err != nil {
			return fmt.Errorf("setting active issuer: %w", err)
		}
		return nil
	})
}

func (s *Store) ActiveIssuer(ctx context.Context) (*storage.CertificateAuthority, error) {
	ca, err := scanCA(s.db.QueryRowContext(ctx,
		`SELECT `+caColumns+` FROM certificate_authorities WHERE active_issuer = 1 LIMIT 1`))
	if err != nil {
		return nil, fmt.Errorf("active issuer: %w", err)
	}
	return ca, nil
}

// ---------------------------------------------------------------------------
// Certificate requests
// ---------------------------------------------------------------------------

const requestColumns = `id, user_id, common_name, distinguished_name, sans, ekus,
	requested_days, public_key_pem, status, reason, approved_at, created_at, updated_at`

func (s *Store) CreateRequest(ctx context.Context, req *storage.CertificateRequest) error {
	dn, err := encodeJSON(req.DistinguishedName)
	if err != nil {
		return err
	}
	if req.DistinguishedName == nil {
		dn = sql.NullString{}
	}
	sans, err := encodeJSON(req.SANs)
	if err != nil {
		return err
	}
	if req.SANs == nil {
		sans = sql.NullString{}
	}
	ekus, err := encodeJSON(req.EKUs)
	if err != nil {
		return err
	}
	if req.EKUs == nil {
		ekus = sql.NullString{}
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO certificate_requests
		 (id, user_id, common_name, distinguished_name, sans, ekus, requested_days,
		  public_key_pem, status, reason, approved_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.ID, req.UserID, req.CommonName, dn, sans, ekus, req.RequestedDays,
		req.PublicKeyPEM, string(req.Status), req.Reason,
		encodeTimePtr(req.ApprovedAt), encodeTime(req.CreatedAt), encodeTime(req.UpdatedAt))
	if isUniqueViolation(err) {
		return fmt.Errorf("request %s: %w", req.ID, storage.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("inserting request: %w", err)
	}
	return nil
}

func scanRequest(row interface{ Scan(...any) error }) (*storage.CertificateRequest, error) {
	var (
		req                  storage.CertificateRequest
		dn, sans, ekus       sql.NullString
		status               string
		approvedAt           sql.NullString
		createdAt, updatedAt string
	)
	err := row.Scan(&req.ID, &req.UserID, &req.CommonName, &dn, &sans, &ekus,
		&req.RequestedDays, &req.PublicKeyPEM, &status, &req.Reason,
		&approvedAt, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning request: %w", err)
	}
	req.Status = storage.RequestStatus(status)
	if err := decodeJSON(dn, &req.DistinguishedName); err != nil {
		return nil, err
	}
	if err := decodeJSON(sans, &req.SANs); err != nil {
		return nil, err
	}
	if err := decodeJSON(ekus, &req.EKUs); err != nil {
		return nil, err
	}
	if req.ApprovedAt, err = decodeTimePtr(approvedAt); err != nil {
		return nil, err
	}
	if req.CreatedAt, err = decodeTime(createdAt); err != nil {
		return nil, err
	}
	if req.UpdatedAt, err = decodeTime(updatedAt); err != nil {
		return nil, err
	}
	return &req, nil
}

func (s *Store) GetRequest(ctx context.Context, id string) (*storage.CertificateRequest, error) {
	req, err := scanRequest(s.db.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM certificate_requests WHERE id = ?`, id))
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", id, err)
	}
	return req, nil
}

func (s *Store) ListRequests(ctx context.Context, filter storage.RequestFilter) ([]*storage.CertificateRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM certificate_requests WHERE 1=1`
	var args []any
	if filter.UserID != "" {
		query += ` AND user_id = ?`
		args = append(args, filter.UserID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing requests: %w", err)
	}
	defer rows.Close()

	var out []*storage.CertificateRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

// transition performs a guarded pending -> target update inside tx and
// returns ErrNotPending (with the current status) when the guard fails.
func (s *Store) transition(ctx context.Context, tx *sql.Tx, id string, target storage.RequestStatus, reason string, approvedAt *time.Time, at time.Time) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE certificate_requests
		 SET status = ?, reason = ?, approved_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(target), reason, encodeTimePtr(approvedAt), encodeTime(at),
		id, string(storage.StatusPending))
	if err != nil {
		return fmt.Errorf("updating request: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	// Guard failed: distinguish missing from non-pending.
	var current string
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM certificate_requests WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("request %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("reading request status: %w", err)
	}
	return fmt.Errorf("request %s is %s: %w", id, current, storage.ErrNotPending)
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *Store) RejectRequest(ctx context.Context, id, reason string, at time.Time) (*storage.CertificateRequest, error) {
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		return s.transition(ctx, tx, id, storage.StatusRejected, reason, nil, at)
	})
	if err != nil {
		return nil, err
	}
	return s.GetRequest(ctx, id)
}

func (s *Store) FailRequest(ctx context.Context, id, reason string) (*storage.CertificateRequest, error) {
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		return s.transition(ctx, tx, id, storage.StatusFailed, reason, nil, time.Now().UTC())
	})
	if err != nil {
		return nil, err
	}
	return s.GetRequest(ctx, id)
}

func (s *Store) CompleteIssuance(ctx context.Context, requestID string, cert *storage.IssuedCertificate, approvedAt time.Time) (*storage.CertificateRequest, error) {
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if err := s.transition(ctx, tx, requestID, storage.StatusIssued, "", &approvedAt, approvedAt); err != nil {
			return err
		}
		key, err := encodeJSON(cert.EncryptedKey)
		if err != nil {
			return err
		}
		if cert.EncryptedKey == nil {
			key = sql.NullString{}
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO issued_certificates
			 (id, request_id, user_id, ca_id, serial_number, pem_data, encrypted_key,
			  issued_at, expires_at, revoked_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			cert.ID, cert.RequestID, cert.UserID, cert.CAID, cert.SerialNumber,
			cert.PEMData, key, encodeTime(cert.IssuedAt), encodeTime(cert.ExpiresAt),
			encodeTimePtr(cert.RevokedAt))
		if isUniqueViolation(err) {
			return fmt.Errorf("certificate for request %s: %w", requestID, storage.ErrConflict)
		}
		if err != nil {
			return fmt.Errorf("inserting issued certificate: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetRequest(ctx, requestID)
}

// ---------------------------------------------------------------------------
// Issued certificates
// ---------------------------------------------------------------------------

const issuedColumns = `id, request_id, user_id, ca_id, serial_number, pem_data,
	encrypted_key, issued_at, expires_at, revoked_at`

func scanIssued(row interface{ Scan(...any) error }) (*storage.IssuedCertificate, error) {
	var (
		cert                storage.IssuedCertificate
		key, revokedAt      sql.NullString
		issuedAt, expiresAt string
	)
	err := row.Scan(&cert.ID, &cert.RequestID, &cert.UserID, &cert.CAID,
		&cert.SerialNumber, &cert.PEMData, &key, &issuedAt, &expiresAt, &revokedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning issued certificate: %w", err)
	}
	if key.Valid {
		cert.EncryptedKey = &keyprotect.Envelope{}
		if err := decodeJSON(key, cert.EncryptedKey); err != nil {
			return nil, err
		}
	}
	if cert.IssuedAt, err = decodeTime(issuedAt); err != nil {
		return nil, err
	}
	if cert.ExpiresAt, err = decodeTime(expiresAt); err != nil {
		return nil, err
	}
	if cert.RevokedAt, err = decodeTimePtr(revokedAt); err != nil {
		return nil, err
	}
	return &cert, nil
}

func (s *Store) GetIssued(ctx context.Context, id string) (*storage.IssuedCertificate, error) {
	cert, err := scanIssued(s.db.QueryRowContext(ctx,
		`SELECT `+issuedColumns+` FROM issued_certificates WHERE id = ?`, id))
	if err != nil {
		return nil, fmt.Errorf("issued certificate %s: %w", id, err)
	}
	return cert, nil
}

func (s *Store) GetIssuedByRequest(ctx context.Context, requestID string) (*storage.IssuedCertificate, error) {
	cert, err := scanIssued(s.db.QueryRowContext(ctx,
		`SELECT `+issuedColumns+` FROM issued_certificates WHERE request_id = ?`, requestID))
	if err != nil {
		return nil, fmt.Errorf("certificate for request %s: %w", requestID, err)
	}
	return cert, nil
}

func (s *Store) ListIssued(ctx context.Context, filter storage.IssuedFilter) ([]*storage.IssuedCertificate, error) {
	query := `SELECT ` + issuedColumns + ` FROM issued_certificates WHERE 1=1`
	var args []any
	if filter.UserID != "" {
		query += ` AND user_id = ?`
		args = append(args, filter.UserID)
	}
	if filter.CAID != "" {
		query += ` AND ca_id = ?`
		args = append(args, filter.CAID)
	}
	query += ` ORDER BY issued_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing issued certificates: %w", err)
	}
	defer rows.Close()

	var out []*storage.IssuedCertificate
	for rows.Next() {
		cert, err := scanIssued(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cert)
	}
	return out, rows.Err()
}

func (s *Store) SetRevoked(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE issued_certificates SET revoked_at = ? WHERE id = ?`,
		encodeTime(at), id)
	if err != nil {
		return fmt.Errorf("revoking certificate: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("issued certificate %s: %w", id, storage.ErrNotFound)
	}
	return nil
}
