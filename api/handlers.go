package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/certdesk/certdesk/pki"
	"github.com/certdesk/certdesk/registry"
	"github.com/certdesk/certdesk/request"
	"github.com/certdesk/certdesk/storage"
)

const (
	pemMediaType = "application/x-pem-file"
	pfxMediaType = "application/x-pkcs12"
)

// sanitizeFilename replaces every character outside [a-zA-Z0-9._-] so the
// result is safe in a Content-Disposition header.
func sanitizeFilename(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '_', r == '-':
			return r
		default:
			return '_'
		}
	}, name)
}

func writeAttachment(w http.ResponseWriter, mediaType, filename string, data []byte) {
	w.Header().Set("Content-Type", mediaType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", sanitizeFilename(filename)))
	w.Write(data)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// ---------------------------------------------------------------------------
// Certificate authorities
// ---------------------------------------------------------------------------

func caResponse(ca *storage.CertificateAuthority) CAResponse {
	return CAResponse{
		ID:           ca.ID,
		Name:         ca.Name,
		Description:  ca.Description,
		ActiveIssuer: ca.ActiveIssuer,
		ExpiresAt:    ca.ExpiresAt,
		CreatedAt:    ca.CreatedAt,
		UpdatedAt:    ca.UpdatedAt,
	}
}

// CreateCA handles POST /cas.
func (a *API) CreateCA(w http.ResponseWriter, r *http.Request) {
	var req CreateCARequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Name == "" || req.CertPEM == "" || req.KeyPEM == "" {
		writeError(w, http.StatusBadRequest, "name, cert_pem and key_pem are required")
		return
	}

	ca, err := a.cas.Create(r.Context(), registry.CreateParams{
		Name:        req.Name,
		Description: req.Description,
		CertPEM:     req.CertPEM,
		KeyPEM:      req.KeyPEM,
		Passphrase:  req.Passphrase,
		Activate:    req.Activate,
	})
	if err != nil {
		mapError(w, err)
		return
	}

	a.audit.logEvent(AuditCARegistered, r, currentUser(r).ID,
		slog.String("ca_id", ca.ID), slog.String("name", ca.Name))
	writeJSON(w, http.StatusCreated, caResponse(ca))
}

// ListCAs handles GET /cas.
func (a *API) ListCAs(w http.ResponseWriter, r *http.Request) {
	cas, err := a.cas.List(r.Context())
	if err != nil {
		mapError(w, err)
		return
	}
	resp := ListCAsResponse{CAs: make([]CAResponse, 0, len(cas))}
	for _, ca := range cas {
		resp.CAs = append(resp.CAs, caResponse(ca))
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetCA handles GET /cas/{caID}.
func (a *API) GetCA(w http.ResponseWriter, r *http.Request) {
	ca, err := a.cas.Get(r.Context(), chi.URLParam(r, "caID"))
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, caResponse(ca))
}

// GetActiveCA handles GET /cas/active.
func (a *API) GetActiveCA(w http.ResponseWriter, r *http.Request) {
	ca, err := a.cas.ActiveIssuer(r.Context())
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, caResponse(ca))
}

// UpdateCA handles PUT /cas/{caID}.
func (a *API) UpdateCA(w http.ResponseWriter, r *http.Request) {
	var req UpdateCARequest
	if !decodeBody(w, r, &req) {
		return
	}
	ca, err := a.cas.Update(r.Context(), chi.URLParam(r, "caID"), registry.UpdateParams{
		Name:        req.Name,
		Description: req.Description,
		CertPEM:     req.CertPEM,
	})
	if err != nil {
		mapError(w, err)
		return
	}
	a.audit.logEvent(AuditCAUpdated, r, currentUser(r).ID, slog.String("ca_id", ca.ID))
	writeJSON(w, http.StatusOK, caResponse(ca))
}

// DeleteCA handles DELETE /cas/{caID}.
func (a *API) DeleteCA(w http.ResponseWriter, r *http.Request) {
	caID := chi.URLParam(r, "caID")
	if err := a.cas.Delete(r.Context(), caID); err != nil {
		mapError(w, err)
		return
	}
	a.audit.logEvent(AuditCADeleted, r, currentUser(r).ID, slog.String("ca_id", caID))
	w.WriteHeader(http.StatusNoContent)
}

// ActivateCA handles POST /cas/{caID}/activate.
func (a *API) ActivateCA(w http.ResponseWriter, r *http.Request) {
	caID := chi.URLParam(r, "caID")
	if err := a.cas.SetActiveIssuer(r.Context(), caID); err != nil {
		mapError(w, err)
		return
	}
	ca, err := a.cas.Get(r.Context(), caID)
	if err != nil {
		mapError(w, err)
		return
	}
	a.audit.logEvent(AuditCAActivated, r, currentUser(r).ID, slog.String("ca_id", caID))
	writeJSON(w, http.StatusOK, caResponse(ca))
}

// DownloadCACertificate handles GET /cas/{caID}/certificate.
func (a *API) DownloadCACertificate(w http.ResponseWriter, r *http.Request) {
	ca, err := a.cas.Get(r.Context(), chi.URLParam(r, "caID"))
	if err != nil {
		mapError(w, err)
		return
	}
	writeAttachment(w, pemMediaType, ca.Name+".pem", []byte(ca.PEMData))
}

// ---------------------------------------------------------------------------
// Certificate requests
// ---------------------------------------------------------------------------

func requestResponse(req *storage.CertificateRequest) RequestResponse {
	return RequestResponse{
		ID:                req.ID,
		UserID:            req.UserID,
		CommonName:        req.CommonName,
		DistinguishedName: req.DistinguishedName,
		SANs:              req.SANs,
		EKUs:              req.EKUs,
		RequestedDays:     req.RequestedDays,
		Status:            string(req.Status),
		Reason:            req.Reason,
		ApprovedAt:        req.ApprovedAt,
		CreatedAt:         req.CreatedAt,
		UpdatedAt:         req.UpdatedAt,
	}
}

func requestListResponse(reqs []*storage.CertificateRequest) ListRequestsResponse {
	resp := ListRequestsResponse{Requests: make([]RequestResponse, 0, len(reqs))}
	for _, req := range reqs {
		resp.Requests = append(resp.Requests, requestResponse(req))
	}
	return resp
}

// SubmitRequest handles POST /requests.
func (a *API) SubmitRequest(w http.ResponseWriter, r *http.Request) {
	var body SubmitRequestRequest
	if !decodeBody(w, r, &body) {
		return
	}
	user := currentUser(r)
	req, err := a.svc.Submit(r.Context(), user, request.SubmitParams{
		CommonName:        body.CommonName,
		DistinguishedName: body.DistinguishedName,
		SANs:              body.SANs,
		EKUs:              body.EKUs,
		Days:              body.Days,
		PublicKeyPEM:      body.PublicKeyPEM,
	})
	if err != nil {
		mapError(w, err)
		return
	}
	a.audit.logEvent(AuditRequestSubmitted, r, user.ID,
		slog.String("request_id", req.ID), slog.String("common_name", req.CommonName))
	writeJSON(w, http.StatusCreated, requestResponse(req))
}

// ListRequests handles GET /requests. An optional ?status= filter narrows the
// result.
func (a *API) ListRequests(w http.ResponseWriter, r *http.Request) {
	status := storage.RequestStatus(r.URL.Query().Get("status"))
	reqs, err := a.svc.List(r.Context(), currentUser(r), status)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, requestListResponse(reqs))
}

// ListAllRequests handles GET /requests/all.
func (a *API) ListAllRequests(w http.ResponseWriter, r *http.Request) {
	status := storage.RequestStatus(r.URL.Query().Get("status"))
	reqs, err := a.svc.ListAll(r.Context(), currentUser(r), status)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, requestListResponse(reqs))
}

// GetRequest handles GET /requests/{requestID}.
func (a *API) GetRequest(w http.ResponseWriter, r *http.Request) {
	req, err := a.svc.Get(r.Context(), currentUser(r), chi.URLParam(r, "requestID"))
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, requestResponse(req))
}

// GetRequestCertificate handles GET /requests/{requestID}/certificate.
func (a *API) GetRequestCertificate(w http.ResponseWriter, r *http.Request) {
	cert, err := a.svc.CertificateByRequest(r.Context(), currentUser(r), chi.URLParam(r, "requestID"))
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a.certificateResponse(r, cert))
}

// ActOnRequest handles POST /requests/{requestID}/action.
func (a *API) ActOnRequest(w http.ResponseWriter, r *http.Request) {
	var body ActionRequest
	if !decodeBody(w, r, &body) {
		return
	}
	user := currentUser(r)
	requestID := chi.URLParam(r, "requestID")

	req, err := a.svc.Act(r.Context(), user, requestID, body.Action, body.Reason)
	if err != nil {
		mapError(w, err)
		return
	}

	event := AuditRequestApproved
	if body.Action == request.ActionReject {
		event = AuditRequestRejected
	}
	a.audit.logEvent(event, r, user.ID, slog.String("request_id", requestID))
	writeJSON(w, http.StatusOK, requestResponse(req))
}

// ---------------------------------------------------------------------------
// Issued certificates
// ---------------------------------------------------------------------------

// certificateResponse builds the response DTO, enriched with the common name
// of the owning request when it is still readable.
func (a *API) certificateResponse(r *http.Request, cert *storage.IssuedCertificate) CertificateResponse {
	resp := CertificateResponse{
		ID:           cert.ID,
		RequestID:    cert.RequestID,
		UserID:       cert.UserID,
		CAID:         cert.CAID,
		SerialNumber: cert.SerialNumber,
		HasStoredKey: cert.EncryptedKey != nil,
		IssuedAt:     cert.IssuedAt,
		ExpiresAt:    cert.ExpiresAt,
		RevokedAt:    cert.RevokedAt,
	}
	if req, err := a.svc.Get(r.Context(), currentUser(r), cert.RequestID); err == nil {
		resp.CommonName = req.CommonName
	}
	return resp
}

// ListCertificates handles GET /certificates.
func (a *API) ListCertificates(w http.ResponseWriter, r *http.Request) {
	certs, err := a.svc.ListCertificates(r.Context(), currentUser(r))
	if err != nil {
		mapError(w, err)
		return
	}
	resp := ListCertificatesResponse{Certificates: make([]CertificateResponse, 0, len(certs))}
	for _, cert := range certs {
		resp.Certificates = append(resp.Certificates, a.certificateResponse(r, cert))
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetCertificate handles GET /certificates/{certID}.
func (a *API) GetCertificate(w http.ResponseWriter, r *http.Request) {
	cert, err := a.svc.Certificate(r.Context(), currentUser(r), chi.URLParam(r, "certID"))
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a.certificateResponse(r, cert))
}

// DownloadCertificate handles GET /certificates/{certID}/download. The body
// is the full PEM chain, leaf first.
func (a *API) DownloadCertificate(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)
	cert, err := a.svc.Certificate(r.Context(), user, chi.URLParam(r, "certID"))
	if err != nil {
		mapError(w, err)
		return
	}
	a.audit.logEvent(AuditCertDownloaded, r, user.ID, slog.String("certificate_id", cert.ID))
	writeAttachment(w, pemMediaType, cert.SerialNumber+".pem", []byte(cert.PEMData))
}

// DownloadCertificateKey handles GET /certificates/{certID}/key. Only
// certificates issued with a system-generated key have one to download.
func (a *API) DownloadCertificateKey(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)
	certID := chi.URLParam(r, "certID")
	keyPEM, err := a.svc.Key(r.Context(), user, certID)
	if err != nil {
		mapError(w, err)
		return
	}
	a.audit.logEvent(AuditPrivateKeyAccessed, r, user.ID, slog.String("certificate_id", certID))
	writeAttachment(w, pemMediaType, certID+"-key.pem", []byte(keyPEM))
}

// DownloadCertificatePFX handles GET /certificates/{certID}/pfx. The archive
// password defaults to the caller's username; ?password= overrides it.
func (a *API) DownloadCertificatePFX(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)
	certID := chi.URLParam(r, "certID")

	password := user.Username
	if p := r.URL.Query().Get("password"); p != "" {
		password = p
	}

	pfxData, err := a.svc.PFX(r.Context(), user, certID, password)
	if err != nil {
		mapError(w, err)
		return
	}
	a.audit.logEvent(AuditPfxExported, r, user.ID, slog.String("certificate_id", certID))
	writeAttachment(w, pfxMediaType, certID+".pfx", pfxData)
}

// RevokeCertificate handles POST /certificates/{certID}/revoke.
func (a *API) RevokeCertificate(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)
	certID := chi.URLParam(r, "certID")
	if err := a.svc.Revoke(r.Context(), user, certID); err != nil {
		mapError(w, err)
		return
	}
	cert, err := a.svc.Certificate(r.Context(), user, certID)
	if err != nil {
		mapError(w, err)
		return
	}
	a.audit.logEvent(AuditCertRevoked, r, user.ID, slog.String("certificate_id", certID))
	writeJSON(w, http.StatusOK, a.certificateResponse(r, cert))
}

// ---------------------------------------------------------------------------
// Utilities
// ---------------------------------------------------------------------------

// ConvertPEMToPFX handles POST /utils/pem-to-pfx: packages caller-supplied
// PEM material into a PKCS#12 archive without storing anything. The archive
// password defaults to the caller's username, same as the per-certificate
// PFX download; an explicit body password overrides it.
func (a *API) ConvertPEMToPFX(w http.ResponseWriter, r *http.Request) {
	var body PEMToPFXRequest
	if !decodeBody(w, r, &body) {
		return
	}
	if body.CertPEM == "" || body.KeyPEM == "" {
		writeError(w, http.StatusBadRequest, "cert_pem and key_pem are required")
		return
	}

	user := currentUser(r)
	password := user.Username
	if body.Password != "" {
		password = body.Password
	}

	pfxData, err := pki.ConvertToPFX(body.CertPEM, body.KeyPEM, password)
	if err != nil {
		mapError(w, err)
		return
	}
	writeAttachment(w, pfxMediaType, user.Username+".pfx", pfxData)
}
