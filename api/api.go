// Package api exposes the certificate desk over REST: CA management,
// request submission and review, and certificate downloads.
package api

import (
	_ "embed"
	"log/slog"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"

	"github.com/certdesk/certdesk/registry"
	"github.com/certdesk/certdesk/request"
)

// API holds the dependencies needed by the REST handlers.
type API struct {
	svc    *request.Service
	cas    *registry.Registry
	tokens *tokenAuthority
	audit  *auditLogger
}

//go:embed openapi.yaml
var openapiSpec []byte

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger for audit events.
// If not set, a default JSON logger writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) {
		a.audit = newAuditLogger(logger)
	}
}

// New creates a new API instance. authSecret signs and verifies the bearer
// tokens accepted by every authenticated route.
func New(svc *request.Service, cas *registry.Registry, authSecret []byte, opts ...Option) *API {
	a := &API{
		svc:    svc,
		cas:    cas,
		tokens: newTokenAuthority(authSecret),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.audit == nil {
		a.audit = newAuditLogger(slog.New(slog.NewJSONHandler(os.Stderr, nil)))
	}
	return a
}

// Router returns a chi.Router with all API routes mounted.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})

	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/docs",
	}, nil))

	r.Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/redoc",
	}, nil))

	r.Route("/cas", func(r chi.Router) {
		r.Use(a.AuthMiddleware, a.RequireAdmin)
		r.Post("/", a.CreateCA)
		r.Get("/", a.ListCAs)
		r.Get("/active", a.GetActiveCA)
		r.Get("/{caID}", a.GetCA)
		r.Put("/{caID}", a.UpdateCA)
		r.Delete("/{caID}", a.DeleteCA)
		r.Post("/{caID}/activate", a.ActivateCA)
		r.Get("/{caID}/certificate", a.DownloadCACertificate)
	})

	r.Route("/requests", func(r chi.Router) {
		r.Use(a.AuthMiddleware)
		r.Post("/", a.SubmitRequest)
		r.Get("/", a.ListRequests)
		r.With(a.RequireAdmin).Get("/all", a.ListAllRequests)
		r.Get("/{requestID}", a.GetRequest)
		r.Get("/{requestID}/certificate", a.GetRequestCertificate)
		r.With(a.RequireAdmin).Post("/{requestID}/action", a.ActOnRequest)
	})

	r.Route("/certificates", func(r chi.Router) {
		r.Use(a.AuthMiddleware)
		r.Get("/", a.ListCertificates)
		r.Get("/{certID}", a.GetCertificate)
		r.Get("/{certID}/download", a.DownloadCertificate)
		r.Get("/{certID}/key", a.DownloadCertificateKey)
		r.Get("/{certID}/pfx", a.DownloadCertificatePFX)
		r.With(a.RequireAdmin).Post("/{certID}/revoke", a.RevokeCertificate)
	})

	r.With(a.AuthMiddleware).Post("/utils/pem-to-pfx", a.ConvertPEMToPFX)

	return r
}
