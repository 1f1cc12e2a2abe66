package api

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"software.sslmate.com/src/go-pkcs12"

	"github.com/certdesk/certdesk/keyprotect"
	"github.com/certdesk/certdesk/registry"
	"github.com/certdesk/certdesk/request"
	"github.com/certdesk/certdesk/storage/memory"
)

type testEnv struct {
	api        *API
	server     *httptest.Server
	adminToken string
	userToken  string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	master := make([]byte, 32)
	_, err := rand.Read(master)
	require.NoError(t, err)
	protector, err := keyprotect.New(master)
	require.NoError(t, err)

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memory.NewStore()
	cas := registry.New(store, protector, log)
	svc := request.NewService(store, cas, protector, request.Config{}, log)

	a := New(svc, cas, []byte("test-secret"), WithLogger(log))
	server := httptest.NewServer(a.Router())
	t.Cleanup(server.Close)

	adminToken, err := a.MintToken(request.User{ID: "u-root", Username: "root", Admin: true}, time.Hour)
	require.NoError(t, err)
	userToken, err := a.MintToken(request.User{ID: "u-alice", Username: "alice"}, time.Hour)
	require.NoError(t, err)

	return &testEnv{api: a, server: server, adminToken: adminToken, userToken: userToken}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.server.URL+path, &buf)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeResp[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

// caPEMs generates self-signed CA material for registration.
func caPEMs(t *testing.T) (certPEM, keyPEM string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	now := time.Now().UTC()
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "API Test CA"},
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
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})),
		string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}))
}

func (e *testEnv) withActiveCA(t *testing.T) CAResponse {
	t.Helper()
	certPEM, keyPEM := caPEMs(t)
	resp := e.do(t, http.MethodPost, "/cas", e.adminToken, CreateCARequest{
		Name: "root-ca", CertPEM: certPEM, KeyPEM: keyPEM, Activate: true,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decodeResp[CAResponse](t, resp)
}

func TestAuthRequired(t *testing.T) {
	e := newTestEnv(t)

	resp := e.do(t, http.MethodGet, "/requests", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = e.do(t, http.MethodGet, "/requests", "not-a-token", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestCARoutesRequireAdmin(t *testing.T) {
	e := newTestEnv(t)

	resp := e.do(t, http.MethodGet, "/cas", e.userToken, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestCALifecycle(t *testing.T) {
	e := newTestEnv(t)

	ca := e.withActiveCA(t)
	assert.True(t, ca.ActiveIssuer)
	assert.Equal(t, "root-ca", ca.Name)

	// Duplicate name conflicts.
	certPEM, keyPEM := caPEMs(t)
	resp := e.do(t, http.MethodPost, "/cas", e.adminToken, CreateCARequest{
		Name: "root-ca", CertPEM: certPEM, KeyPEM: keyPEM,
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	// Mismatched material is a client error.
	otherCert, _ := caPEMs(t)
	resp = e.do(t, http.MethodPost, "/cas", e.adminToken, CreateCARequest{
		Name: "bad", CertPEM: otherCert, KeyPEM: keyPEM,
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = e.do(t, http.MethodGet, "/cas/active", e.adminToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	active := decodeResp[CAResponse](t, resp)
	assert.Equal(t, ca.ID, active.ID)

	resp = e.do(t, http.MethodGet, "/cas/"+ca.ID+"/certificate", e.adminToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/x-pem-file", resp.Header.Get("Content-Type"))
}

func TestNoActiveIssuer(t *testing.T) {
	e := newTestEnv(t)

	resp := e.do(t, http.MethodGet, "/cas/active", e.adminToken, nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestRequestWorkflow(t *testing.T) {
	e := newTestEnv(t)
	e.withActiveCA(t)

	resp := e.do(t, http.MethodPost, "/requests", e.userToken, SubmitRequestRequest{
		CommonName: "svc.example.com",
		SANs:       []string{"dns:svc.example.com"},
		Days:       90,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	submitted := decodeResp[RequestResponse](t, resp)
	assert.Equal(t, "pending", submitted.Status)

	// Missing common name fails validation.
	resp = e.do(t, http.MethodPost, "/requests", e.userToken, SubmitRequestRequest{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Non-admins cannot review.
	resp = e.do(t, http.MethodPost, "/requests/"+submitted.ID+"/action", e.userToken,
		ActionRequest{Action: "approve"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = e.do(t, http.MethodPost, "/requests/"+submitted.ID+"/action", e.adminToken,
		ActionRequest{Action: "approve"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	approved := decodeResp[RequestResponse](t, resp)
	assert.Equal(t, "issued", approved.Status)

	// A second decision conflicts.
	resp = e.do(t, http.MethodPost, "/requests/"+submitted.ID+"/action", e.adminToken,
		ActionRequest{Action: "reject", Reason: "too late"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = e.do(t, http.MethodGet, "/requests/"+submitted.ID+"/certificate", e.userToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	cert := decodeResp[CertificateResponse](t, resp)
	assert.True(t, cert.HasStoredKey)
	assert.NotEmpty(t, cert.SerialNumber)
	assert.Equal(t, "svc.example.com", cert.CommonName)

	// Listed certificates carry the common name of the owning request.
	resp = e.do(t, http.MethodGet, "/certificates", e.userToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	certs := decodeResp[ListCertificatesResponse](t, resp)
	require.Len(t, certs.Certificates, 1)
	assert.Equal(t, "svc.example.com", certs.Certificates[0].CommonName)
}

func TestRejectRequiresReason(t *testing.T) {
	e := newTestEnv(t)
	e.withActiveCA(t)

	resp := e.do(t, http.MethodPost, "/requests", e.userToken, SubmitRequestRequest{CommonName: "svc"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	submitted := decodeResp[RequestResponse](t, resp)

	resp = e.do(t, http.MethodPost, "/requests/"+submitted.ID+"/action", e.adminToken,
		ActionRequest{Action: "reject"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRequestOwnershipScoping(t *testing.T) {
	e := newTestEnv(t)
	e.withActiveCA(t)

	resp := e.do(t, http.MethodPost, "/requests", e.userToken, SubmitRequestRequest{CommonName: "svc"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	submitted := decodeResp[RequestResponse](t, resp)

	otherToken, err := e.api.MintToken(request.User{ID: "u-bob", Username: "bob"}, time.Hour)
	require.NoError(t, err)

	resp = e.do(t, http.MethodGet, "/requests/"+submitted.ID, otherToken, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = e.do(t, http.MethodGet, "/requests", otherToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decodeResp[ListRequestsResponse](t, resp)
	assert.Empty(t, list.Requests)

	resp = e.do(t, http.MethodGet, "/requests/all", e.userToken, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = e.do(t, http.MethodGet, "/requests/all", e.adminToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list = decodeResp[ListRequestsResponse](t, resp)
	assert.Len(t, list.Requests, 1)
}

func TestDownloadsAndPFX(t *testing.T) {
	e := newTestEnv(t)
	e.withActiveCA(t)

	resp := e.do(t, http.MethodPost, "/requests", e.userToken, SubmitRequestRequest{CommonName: "svc"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	submitted := decodeResp[RequestResponse](t, resp)

	resp = e.do(t, http.MethodPost, "/requests/"+submitted.ID+"/action", e.adminToken,
		ActionRequest{Action: "approve"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = e.do(t, http.MethodGet, "/requests/"+submitted.ID+"/certificate", e.userToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	cert := decodeResp[CertificateResponse](t, resp)

	resp = e.do(t, http.MethodGet, "/certificates/"+cert.ID+"/download", e.userToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/x-pem-file", resp.Header.Get("Content-Type"))
	assert.Contains(t, resp.Header.Get("Content-Disposition"), ".pem")

	resp = e.do(t, http.MethodGet, "/certificates/"+cert.ID+"/key", e.userToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// PFX password defaults to the caller's username.
	resp = e.do(t, http.MethodGet, "/certificates/"+cert.ID+"/pfx", e.userToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/x-pkcs12", resp.Header.Get("Content-Type"))
	var pfxData bytes.Buffer
	_, err := pfxData.ReadFrom(resp.Body)
	require.NoError(t, err)
	_, leaf, _, err := pkcs12.DecodeChain(pfxData.Bytes(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "svc", leaf.Subject.CommonName)

	// Another user cannot touch the certificate.
	otherToken, err := e.api.MintToken(request.User{ID: "u-bob", Username: "bob"}, time.Hour)
	require.NoError(t, err)
	resp = e.do(t, http.MethodGet, "/certificates/"+cert.ID+"/download", otherToken, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// Revocation is admin only.
	resp = e.do(t, http.MethodPost, "/certificates/"+cert.ID+"/revoke", e.userToken, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp = e.do(t, http.MethodPost, "/certificates/"+cert.ID+"/revoke", e.adminToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	revoked := decodeResp[CertificateResponse](t, resp)
	assert.NotNil(t, revoked.RevokedAt)
}

func TestConvertPEMToPFX(t *testing.T) {
	e := newTestEnv(t)
	certPEM, keyPEM := caPEMs(t)

	// An omitted password falls back to the caller's username, never to a
	// passwordless archive; the filename is derived from the username too.
	resp := e.do(t, http.MethodPost, "/utils/pem-to-pfx", e.userToken, PEMToPFXRequest{
		CertPEM: certPEM, KeyPEM: keyPEM,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/x-pkcs12", resp.Header.Get("Content-Type"))
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "alice.pfx")
	var pfxData bytes.Buffer
	_, err := pfxData.ReadFrom(resp.Body)
	require.NoError(t, err)
	_, _, _, err = pkcs12.DecodeChain(pfxData.Bytes(), "")
	assert.Error(t, err)
	_, leaf, _, err := pkcs12.DecodeChain(pfxData.Bytes(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "API Test CA", leaf.Subject.CommonName)

	// An explicit password overrides the default.
	resp = e.do(t, http.MethodPost, "/utils/pem-to-pfx", e.userToken, PEMToPFXRequest{
		CertPEM: certPEM, KeyPEM: keyPEM, Password: "pw",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	pfxData.Reset()
	_, err = pfxData.ReadFrom(resp.Body)
	require.NoError(t, err)
	_, _, _, err = pkcs12.DecodeChain(pfxData.Bytes(), "pw")
	require.NoError(t, err)

	resp = e.do(t, http.MethodPost, "/utils/pem-to-pfx", e.userToken, PEMToPFXRequest{
		CertPEM: "garbage", KeyPEM: keyPEM,
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSanitizeFilename(t *testing.T) {
	assert.Equal(t, "svc.example.com.pem", sanitizeFilename("svc.example.com.pem"))
	assert.Equal(t, "a_b_c_.pfx", sanitizeFilename("a/b\\c .pfx"))
	assert.Equal(t, ".._etc_passwd", sanitizeFilename("../etc/passwd"))
}
