package api

import (
	"log/slog"
	"net/http"
	"time"
)

// AuditEvent identifies the type of security-relevant action being logged.
type AuditEvent string

const (
	AuditCARegistered       AuditEvent = "ca_registered"
	AuditCAUpdated          AuditEvent = "ca_updated"
	AuditCADeleted          AuditEvent = "ca_deleted"
	AuditCAActivated        AuditEvent = "ca_activated"
	AuditRequestSubmitted   AuditEvent = "request_submitted"
	AuditRequestApproved    AuditEvent = "request_approved"
	AuditRequestRejected    AuditEvent = "request_rejected"
	AuditCertDownloaded     AuditEvent = "cert_downloaded"
	AuditCertRevoked        AuditEvent = "cert_revoked"
	AuditPrivateKeyAccessed AuditEvent = "private_key_accessed"
	AuditPfxExported        AuditEvent = "pfx_exported"
)

// auditLogger wraps slog.Logger for structured security audit logging.
type auditLogger struct {
	logger *slog.Logger
}

func newAuditLogger(logger *slog.Logger) *auditLogger {
	return &auditLogger{
		logger: logger.With("component", "audit"),
	}
}

// log writes a structured audit log entry.
func (al *auditLogger) log(event AuditEvent, r *http.Request, attrs ...slog.Attr) {
	baseAttrs := []slog.Attr{
		slog.String("event", string(event)),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("timestamp", time.Now().UTC().Format(time.RFC3339)),
	}
	baseAttrs = append(baseAttrs, attrs...)
	al.logger.LogAttrs(r.Context(), slog.LevelInfo, "audit", baseAttrs...)
}

// logEvent is a convenience for events with a user ID.
func (al *auditLogger) logEvent(event AuditEvent, r *http.Request, userID string, extra ...slog.Attr) {
	attrs := []slog.Attr{
		slog.String("user_id", userID),
	}
	attrs = append(attrs, extra...)
	al.log(event, r, attrs...)
}
