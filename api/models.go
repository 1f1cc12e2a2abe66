package api

import "time"

// CreateCARequest is the JSON body for POST /cas.
type CreateCARequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	CertPEM     string `json:"cert_pem"`
	KeyPEM      string `json:"key_pem"`
	Passphrase  string `json:"passphrase,omitempty"`
	Activate    bool   `json:"activate,omitempty"`
}

// UpdateCARequest is the JSON body for PUT /cas/{caID}.
type UpdateCARequest struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
	CertPEM     *string `json:"cert_pem,omitempty"`
}

// CAResponse describes a certificate authority. Key material is never
// included.
type CAResponse struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Description  string    `json:"description,omitempty"`
	ActiveIssuer bool      `json:"active_issuer"`
	ExpiresAt    time.Time `json:"expires_at"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ListCAsResponse is returned from GET /cas.
type ListCAsResponse struct {
	CAs []CAResponse `json:"cas"`
}

// SubmitRequestRequest is the JSON body for POST /requests.
type SubmitRequestRequest struct {
	CommonName        string            `json:"common_name"`
	DistinguishedName map[string]string `json:"distinguished_name,omitempty"`
	SANs              []string          `json:"sans,omitempty"`
	EKUs              []string          `json:"ekus,omitempty"`
	Days              int               `json:"days,omitempty"`
	PublicKeyPEM      string            `json:"public_key_pem,omitempty"`
}

// RequestResponse describes a certificate request.
type RequestResponse struct {
	ID                string            `json:"id"`
	UserID            string            `json:"user_id"`
	CommonName        string            `json:"common_name"`
	DistinguishedName map[string]string `json:"distinguished_name,omitempty"`
	SANs              []string          `json:"sans,omitempty"`
	EKUs              []string          `json:"ekus,omitempty"`
	RequestedDays     int               `json:"requested_days"`
	Status            string            `json:"status"`
	Reason            string            `json:"reason,omitempty"`
	ApprovedAt        *time.Time        `json:"approved_at,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// ListRequestsResponse is returned from GET /requests and GET /requests/all.
type ListRequestsResponse struct {
	Requests []RequestResponse `json:"requests"`
}

// ActionRequest is the JSON body for POST /requests/{requestID}/action.
type ActionRequest struct {
	Action string `json:"action"`
	Reason string `json:"reason,omitempty"`
}

// CertificateResponse describes an issued certificate. CommonName is copied
// from the owning request.
type CertificateResponse struct {
	ID           string     `json:"id"`
	RequestID    string     `json:"request_id"`
	UserID       string     `json:"user_id"`
	CAID         string     `json:"ca_id"`
	CommonName   string     `json:"common_name,omitempty"`
	SerialNumber string     `json:"serial_number"`
	HasStoredKey bool       `json:"has_stored_key"`
	IssuedAt     time.Time  `json:"issued_at"`
	ExpiresAt    time.Time  `json:"expires_at"`
	RevokedAt    *time.Time `json:"revoked_at,omitempty"`
}

// ListCertificatesResponse is returned from GET /certificates.
type ListCertificatesResponse struct {
	Certificates []CertificateResponse `json:"certificates"`
}

// PEMToPFXRequest is the JSON body for POST /utils/pem-to-pfx.
type PEMToPFXRequest struct {
	CertPEM  string `json:"cert_pem"`
	KeyPEM   string `json:"key_pem"`
	Password string `json:"password,omitempty"`
}

// ErrorResponse is returned for all error cases.
type ErrorResponse struct {
	Error string `json:"error"`
}
