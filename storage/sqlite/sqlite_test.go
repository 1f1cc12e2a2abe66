package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/certdesk/certdesk/internal/uuid"
	"github.com/certdesk/certdesk/keyprotect"
	"github.com/certdesk/certdesk/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "certdesk.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testCA(name string) *storage.CertificateAuthority {
	now := time.Now().UTC()
	return &storage.CertificateAuthority{
		ID:        uuid.New(),
		Name:      name,
		PEMData:   "-----BEGIN CERTIFICATE-----\nMIIB\n-----END CERTIFICATE-----\n",
		ExpiresAt: now.AddDate(10, 0, 0),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func testRequest(userID string) *storage.CertificateRequest {
	now := time.Now().UTC()
	return &storage.CertificateRequest{
		ID:            uuid.New(),
		UserID:        userID,
		CommonName:    "svc.example.com",
		SANs:          []string{"dns:svc.example.com", "ip:10.0.0.5"},
		RequestedDays: 365,
		Status:        storage.StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func testIssued(req *storage.CertificateRequest, caID, serial string) *storage.IssuedCertificate {
	now := time.Now().UTC()
	return &storage.IssuedCertificate{
		ID:           uuid.New(),
		RequestID:    req.ID,
		UserID:       req.UserID,
		CAID:         caID,
		SerialNumber: serial,
		PEMData:      "-----BEGIN CERTIFICATE-----\nMIIC\n-----END CERTIFICATE-----\n",
		IssuedAt:     now,
		ExpiresAt:    now.AddDate(0, 0, 365),
	}
}

func TestCARoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ca := testCA("root-ca")
	ca.EncryptedKey = &keyprotect.Envelope{
		Ver:        1,
		Scheme:     "aes256-gcm",
		Nonce:      []byte("0123456789ab"),
		Ciphertext: []byte("sealed"),
	}
	require.NoError(t, s.CreateCA(ctx, ca))

	got, err := s.GetCA(ctx, ca.ID)
	require.NoError(t, err)
	assert.Equal(t, ca.Name, got.Name)
	require.NotNil(t, got.EncryptedKey)
	assert.Equal(t, ca.EncryptedKey.Ciphertext, got.EncryptedKey.Ciphertext)
	assert.True(t, ca.ExpiresAt.Equal(got.ExpiresAt))

	err = s.CreateCA(ctx, testCA("root-ca"))
	assert.ErrorIs(t, err, storage.ErrConflict)
}

func TestActiveIssuerSingleWinner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := testCA("first")
	second := testCA("second")
	require.NoError(t, s.CreateCA(ctx, first))
	require.NoError(t, s.CreateCA(ctx, second))

	_, err := s.ActiveIssuer(ctx)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, s.SetActiveIssuer(ctx, first.ID))
	require.NoError(t, s.SetActiveIssuer(ctx, second.ID))

	active, err := s.ActiveIssuer(ctx)
	require.NoError(t, err)
	assert.Equal(t, second.ID, active.ID)

	got, err := s.GetCA(ctx, first.ID)
	require.NoError(t, err)
	assert.False(t, got.ActiveIssuer)

	err = s.SetActiveIssuer(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestIssuanceLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ca := testCA("issuing-ca")
	require.NoError(t, s.CreateCA(ctx, ca))

	req := testRequest("alice")
	require.NoError(t, s.CreateRequest(ctx, req))

	got, err := s.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusPending, got.Status)
	assert.Equal(t, req.SANs, got.SANs)

	approvedAt := time.Now().UTC()
	updated, err := s.CompleteIssuance(ctx, req.ID, testIssued(req, ca.ID, "0a1b2c"), approvedAt)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusIssued, updated.Status)
	require.NotNil(t, updated.ApprovedAt)
	assert.True(t, approvedAt.Equal(*updated.ApprovedAt))

	// Second transition on the same request loses.
	_, err = s.RejectRequest(ctx, req.ID, "too late", time.Now().UTC())
	assert.ErrorIs(t, err, storage.ErrNotPending)

	cert, err := s.GetIssuedByRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, "0a1b2c", cert.SerialNumber)

	// The CA now has an issued certificate, so deleting it conflicts.
	err = s.DeleteCA(ctx, ca.ID)
	assert.ErrorIs(t, err, storage.ErrConflict)

	require.NoError(t, s.SetRevoked(ctx, cert.ID, time.Now().UTC()))
	cert, err = s.GetIssued(ctx, cert.ID)
	require.NoError(t, err)
	assert.NotNil(t, cert.RevokedAt)
}

func TestDuplicateSerialConflicts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ca := testCA("issuing-ca")
	require.NoError(t, s.CreateCA(ctx, ca))

	first := testRequest("alice")
	second := testRequest("bob")
	require.NoError(t, s.CreateRequest(ctx, first))
	require.NoError(t, s.CreateRequest(ctx, second))

	now := time.Now().UTC()
	_, err := s.CompleteIssuance(ctx, first.ID, testIssued(first, ca.ID, "dead"), now)
	require.NoError(t, err)

	_, err = s.CompleteIssuance(ctx, second.ID, testIssued(second, ca.ID, "dead"), now)
	assert.ErrorIs(t, err, storage.ErrConflict)

	// The failed issuance must not have flipped the request.
	got, err := s.GetRequest(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusPending, got.Status)
}

func TestRejectAndFail(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	req := testRequest("alice")
	require.NoError(t, s.CreateRequest(ctx, req))

	at := time.Now().UTC()
	updated, err := s.RejectRequest(ctx, req.ID, "policy violation", at)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusRejected, updated.Status)
	assert.Equal(t, "policy violation", updated.Reason)
	assert.Nil(t, updated.ApprovedAt)

	_, err = s.FailRequest(ctx, req.ID, "signing blew up")
	assert.ErrorIs(t, err, storage.ErrNotPending)

	other := testRequest("bob")
	require.NoError(t, s.CreateRequest(ctx, other))
	updated, err = s.FailRequest(ctx, other.ID, "signing blew up")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusFailed, updated.Status)
	assert.Equal(t, "signing blew up", updated.Reason)
}

func TestListFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ca := testCA("issuing-ca")
	require.NoError(t, s.CreateCA(ctx, ca))

	alice := testRequest("alice")
	bob := testRequest("bob")
	require.NoError(t, s.CreateRequest(ctx, alice))
	require.NoError(t, s.CreateRequest(ctx, bob))

	now := time.Now().UTC()
	_, err := s.CompleteIssuance(ctx, alice.ID, testIssued(alice, ca.ID, "01"), now)
	require.NoError(t, err)

	pending, err := s.ListRequests(ctx, storage.RequestFilter{Status: storage.StatusPending})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, bob.ID, pending[0].ID)

	mine, err := s.ListRequests(ctx, storage.RequestFilter{UserID: "alice"})
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, alice.ID, mine[0].ID)

	issued, err := s.ListIssued(ctx, storage.IssuedFilter{UserID: "alice"})
	require.NoError(t, err)
	assert.Len(t, issued, 1)

	issued, err = s.ListIssued(ctx, storage.IssuedFilter{CAID: "other"})
	require.NoError(t, err)
	assert.Empty(t, issued)
}

func TestPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "certdesk.db")
	ctx := context.Background()

	s, err := Open(path)
	require.NoError(t, err)

	req := testRequest("alice")
	require.NoError(t, s.CreateRequest(ctx, req))
	_, err = s.RejectRequest(ctx, req.ID, "nope", time.Now().UTC())
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusRejected, got.Status)
	assert.Equal(t, "nope", got.Reason)
}
