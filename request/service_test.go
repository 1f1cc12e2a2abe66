package request

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/certdesk/certdesk/keyprotect"
	"github.com/certdesk/certdesk/pki"
	"github.com/certdesk/certdesk/registry"
	"github.com/certdesk/certdesk/storage"
	"github.com/certdesk/certdesk/storage/memory"
)

var (
	alice = User{ID: "u-alice", Username: "alice"}
	bob   = User{ID: "u-bob", Username: "bob"}
	root  = User{ID: "u-root", Username: "root", Admin: true}
)

type fixture struct {
	svc   *Service
	cas   *registry.Registry
	store *memory.Store
	keys  *keyprotect.Protector
	log   *slog.Logger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	master := make([]byte, 32)
	_, err := rand.Read(master)
	require.NoError(t, err)
	protector, err := keyprotect.New(master)
	require.NoError(t, err)

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memory.NewStore()
	cas := registry.New(store, protector, log)
	svc := NewService(store, cas, protector, Config{DefaultDays: 365, MaxDays: 825}, log)
	return &fixture{svc: svc, cas: cas, store: store, keys: protector, log: log}
}

// withActiveCA registers and activates a self-signed root.
func (f *fixture) withActiveCA(t *testing.T) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	now := time.Now().UTC()
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Test Root CA"},
		NotBefore:             now,
		NotAfter:              now.AddDate(5, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, key.Public(), key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)

	_, err = f.cas.Create(context.Background(), registry.CreateParams{
		Name:     "root",
		CertPEM:  string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})),
		KeyPEM:   string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})),
		Activate: true,
	})
	require.NoError(t, err)
}

func subjectPublicKeyPEM(t *testing.T) string {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(key.Public())
	require.NoError(t, err)
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
}

func TestSubmitValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Submit(ctx, alice, SubmitParams{})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = f.svc.Submit(ctx, alice, SubmitParams{CommonName: "svc", Days: 9999})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = f.svc.Submit(ctx, alice, SubmitParams{CommonName: "svc", PublicKeyPEM: "junk"})
	assert.ErrorIs(t, err, ErrValidation)

	req, err := f.svc.Submit(ctx, alice, SubmitParams{CommonName: "svc"})
	require.NoError(t, err)
	assert.Equal(t, storage.StatusPending, req.Status)
	assert.Equal(t, 365, req.RequestedDays)
}

func TestGetEnforcesOwnership(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req, err := f.svc.Submit(ctx, alice, SubmitParams{CommonName: "svc"})
	require.NoError(t, err)

	_, err = f.svc.Get(ctx, bob, req.ID)
	assert.ErrorIs(t, err, ErrForbidden)

	got, err := f.svc.Get(ctx, root, req.ID)
	require.NoError(t, err)
	assert.Equal(t, req.ID, got.ID)
}

func TestListAllRequiresAdmin(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.ListAll(context.Background(), alice, "")
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestActRequiresAdmin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req, err := f.svc.Submit(ctx, alice, SubmitParams{CommonName: "svc"})
	require.NoError(t, err)

	_, err = f.svc.Act(ctx, alice, req.ID, ActionApprove, "")
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestRejectRequiresReason(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req, err := f.svc.Submit(ctx, alice, SubmitParams{CommonName: "svc"})
	require.NoError(t, err)

	_, err = f.svc.Act(ctx, root, req.ID, ActionReject, "")
	assert.ErrorIs(t, err, ErrValidation)

	// The failed rejection left the request pending.
	got, err := f.svc.Get(ctx, root, req.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusPending, got.Status)

	updated, err := f.svc.Act(ctx, root, req.ID, ActionReject, "no longer needed")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusRejected, updated.Status)
	assert.Equal(t, "no longer needed", updated.Reason)
}

func TestApproveWithoutActiveIssuer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req, err := f.svc.Submit(ctx, alice, SubmitParams{CommonName: "svc"})
	require.NoError(t, err)

	_, err = f.svc.Act(ctx, root, req.ID, ActionApprove, "")
	assert.ErrorIs(t, err, registry.ErrNoActiveIssuer)

	// No issuer configured is an operator problem, not a request failure.
	got, err := f.svc.Get(ctx, root, req.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusPending, got.Status)
}

func TestApproveWithGeneratedKey(t *testing.T) {
	f := newFixture(t)
	f.withActiveCA(t)
	ctx := context.Background()

	req, err := f.svc.Submit(ctx, alice, SubmitParams{
		CommonName: "svc.example.com",
		SANs:       []string{"dns:svc.example.com"},
		Days:       90,
	})
	require.NoError(t, err)

	updated, err := f.svc.Act(ctx, root, req.ID, ActionApprove, "")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusIssued, updated.Status)
	require.NotNil(t, updated.ApprovedAt)

	cert, err := f.svc.CertificateByRequest(ctx, alice, req.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, cert.SerialNumber)
	require.NotNil(t, cert.EncryptedKey)

	// Chain carries leaf plus issuer.
	chain, err := pki.SplitChainPEM(cert.PEMData)
	require.NoError(t, err)
	require.Len(t, chain, 2)
	assert.Equal(t, "svc.example.com", chain[0].Subject.CommonName)

	// Stored timestamps come from the signed certificate's validity window,
	// not from a clock read after signing.
	assert.True(t, cert.IssuedAt.Equal(chain[0].NotBefore))
	assert.True(t, cert.ExpiresAt.Equal(chain[0].NotAfter))

	// The stored key unseals and matches the leaf.
	keyPEM, err := f.svc.Key(ctx, alice, cert.ID)
	require.NoError(t, err)
	key, err := pki.ParsePrivateKeyPEM(keyPEM, "")
	require.NoError(t, err)
	leafPub := chain[0].PublicKey.(*rsa.PublicKey)
	assert.True(t, leafPub.Equal(key.Public()))
}

func TestApproveWithSubmittedPublicKey(t *testing.T) {
	f := newFixture(t)
	f.withActiveCA(t)
	ctx := context.Background()

	pubPEM := subjectPublicKeyPEM(t)
	req, err := f.svc.Submit(ctx, alice, SubmitParams{CommonName: "svc", PublicKeyPEM: pubPEM})
	require.NoError(t, err)

	_, err = f.svc.Act(ctx, root, req.ID, ActionApprove, "")
	require.NoError(t, err)

	cert, err := f.svc.CertificateByRequest(ctx, alice, req.ID)
	require.NoError(t, err)
	assert.Nil(t, cert.EncryptedKey)

	_, err = f.svc.PFX(ctx, alice, cert.ID, "pw")
	assert.ErrorIs(t, err, ErrNoStoredKey)
}

func TestApproveTwiceFails(t *testing.T) {
	f := newFixture(t)
	f.withActiveCA(t)
	ctx := context.Background()

	req, err := f.svc.Submit(ctx, alice, SubmitParams{CommonName: "svc"})
	require.NoError(t, err)

	_, err = f.svc.Act(ctx, root, req.ID, ActionApprove, "")
	require.NoError(t, err)

	_, err = f.svc.Act(ctx, root, req.ID, ActionApprove, "")
	assert.ErrorIs(t, err, ErrInvalidStateTransition)

	_, err = f.svc.Act(ctx, root, req.ID, ActionReject, "changed my mind")
	assert.ErrorIs(t, err, ErrInvalidStateTransition)
}

func TestConcurrentDecisionsSingleWinner(t *testing.T) {
	f := newFixture(t)
	f.withActiveCA(t)
	ctx := context.Background()

	req, err := f.svc.Submit(ctx, alice, SubmitParams{CommonName: "svc"})
	require.NoError(t, err)

	const workers = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			action, reason := ActionApprove, ""
			if i%2 == 1 {
				action, reason = ActionReject, "beaten to it"
			}
			if _, err := f.svc.Act(ctx, root, req.ID, action, reason); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, wins)

	got, err := f.svc.Get(ctx, root, req.ID)
	require.NoError(t, err)
	assert.True(t, got.Status.Terminal())
}

func TestFailedIssuanceRecordsReason(t *testing.T) {
	f := newFixture(t)
	f.withActiveCA(t)
	ctx := context.Background()

	// Corrupt the active CA's sealed key so unsealing fails at signing time.
	active, err := f.cas.ActiveIssuer(ctx)
	require.NoError(t, err)
	active.EncryptedKey.Ciphertext[0] ^= 0xff
	require.NoError(t, f.store.UpdateCA(ctx, active))

	req, err := f.svc.Submit(ctx, alice, SubmitParams{CommonName: "svc"})
	require.NoError(t, err)

	_, err = f.svc.Act(ctx, root, req.ID, ActionApprove, "")
	require.Error(t, err)

	got, err := f.svc.Get(ctx, root, req.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusFailed, got.Status)
	assert.Contains(t, got.Reason, "issuance failed")
}

// completeIssuanceError wraps a Store so the final persistence step fails
// after signing has already succeeded.
type completeIssuanceError struct {
	storage.Store
	err error
}

func (s *completeIssuanceError) CompleteIssuance(ctx context.Context, requestID string, cert *storage.IssuedCertificate, approvedAt time.Time) (*storage.CertificateRequest, error) {
	return nil, s.err
}

func TestPersistenceFailureRecordsReason(t *testing.T) {
	f := newFixture(t)
	f.withActiveCA(t)
	ctx := context.Background()

	req, err := f.svc.Submit(ctx, alice, SubmitParams{CommonName: "svc"})
	require.NoError(t, err)

	broken := &completeIssuanceError{Store: f.store, err: errors.New("database is locked")}
	svc := NewService(broken, f.cas, f.keys, Config{DefaultDays: 365, MaxDays: 825}, f.log)

	_, err = svc.Act(ctx, root, req.ID, ActionApprove, "")
	require.ErrorContains(t, err, "database is locked")

	got, err := f.svc.Get(ctx, root, req.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusFailed, got.Status)
	assert.Contains(t, got.Reason, "issuance failed")
	assert.Contains(t, got.Reason, "database is locked")
}

func TestApproveWithKeylessCA(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// A CA registered without key material, activated directly in storage.
	now := time.Now().UTC()
	ca := &storage.CertificateAuthority{
		ID:        "ca-keyless",
		Name:      "keyless",
		PEMData:   "-----BEGIN CERTIFICATE-----\nMIIB\n-----END CERTIFICATE-----\n",
		ExpiresAt: now.AddDate(1, 0, 0),
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, f.store.CreateCA(ctx, ca))
	require.NoError(t, f.store.SetActiveIssuer(ctx, ca.ID))

	req, err := f.svc.Submit(ctx, alice, SubmitParams{CommonName: "svc"})
	require.NoError(t, err)

	_, err = f.svc.Act(ctx, root, req.ID, ActionApprove, "")
	require.Error(t, err)

	got, err := f.svc.Get(ctx, root, req.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusFailed, got.Status)
	assert.Contains(t, got.Reason, "CA")

	// No certificate record was created.
	_, err = f.store.GetIssuedByRequest(ctx, req.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestPFXRoundTrip(t *testing.T) {
	f := newFixture(t)
	f.withActiveCA(t)
	ctx := context.Background()

	req, err := f.svc.Submit(ctx, alice, SubmitParams{CommonName: "svc"})
	require.NoError(t, err)
	_, err = f.svc.Act(ctx, root, req.ID, ActionApprove, "")
	require.NoError(t, err)

	cert, err := f.svc.CertificateByRequest(ctx, alice, req.ID)
	require.NoError(t, err)

	pfxData, err := f.svc.PFX(ctx, alice, cert.ID, "alice")
	require.NoError(t, err)
	assert.NotEmpty(t, pfxData)

	_, err = f.svc.PFX(ctx, bob, cert.ID, "bob")
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestRevoke(t *testing.T) {
	f := newFixture(t)
	f.withActiveCA(t)
	ctx := context.Background()

	req, err := f.svc.Submit(ctx, alice, SubmitParams{CommonName: "svc"})
	require.NoError(t, err)
	_, err = f.svc.Act(ctx, root, req.ID, ActionApprove, "")
	require.NoError(t, err)

	cert, err := f.svc.CertificateByRequest(ctx, alice, req.ID)
	require.NoError(t, err)

	assert.ErrorIs(t, f.svc.Revoke(ctx, alice, cert.ID), ErrForbidden)
	require.NoError(t, f.svc.Revoke(ctx, root, cert.ID))

	cert, err = f.svc.Certificate(ctx, alice, cert.ID)
	require.NoError(t, err)
	assert.NotNil(t, cert.RevokedAt)
}

func TestListCertificatesScoping(t *testing.T) {
	f := newFixture(t)
	f.withActiveCA(t)
	ctx := context.Background()

	for _, u := range []User{alice, bob} {
		req, err := f.svc.Submit(ctx, u, SubmitParams{CommonName: u.Username + ".example.com"})
		require.NoError(t, err)
		_, err = f.svc.Act(ctx, root, req.ID, ActionApprove, "")
		require.NoError(t, err)
	}

	mine, err := f.svc.ListCertificates(ctx, alice)
	require.NoError(t, err)
	assert.Len(t, mine, 1)

	all, err := f.svc.ListCertificates(ctx, root)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
