package pki

import (
	"crypto/x509"
	"encoding/asn1"
	"log/slog"
	"strconv"
	"strings"
)

// ---------------------------------------------------------------------------
// Extended key usage
// ---------------------------------------------------------------------------

// wellKnownEKUs maps normalized usage names to their x509 extended key usage.
var wellKnownEKUs = map[string]x509.ExtKeyUsage{
	"serverauth":          x509.ExtKeyUsageServerAuth,
	"clientauth":          x509.ExtKeyUsageClientAuth,
	"codesigning":         x509.ExtKeyUsageCodeSigning,
	"emailprotection":     x509.ExtKeyUsageEmailProtection,
	"timestamping":        x509.ExtKeyUsageTimeStamping,
	"ocspsigning":         x509.ExtKeyUsageOCSPSigning,
	"ipsecendsystem":      x509.ExtKeyUsageIPSECEndSystem,
	"ipsectunnel":         x509.ExtKeyUsageIPSECTunnel,
	"ipsecuser":           x509.ExtKeyUsageIPSECUser,
	"anyextendedkeyusage": x509.ExtKeyUsageAny,
}

// normalizeEKUName lowercases a usage name and strips separators so that
// "server_auth", "Server Auth" and "serverAuth" all resolve to the same usage.
func normalizeEKUName(name string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '_', '-', ' ', '.':
			return -1
		}
		return r
	}, strings.ToLower(name))
}

// parseOID parses a dotted-decimal OID string; ok is false when the string is
// not a valid OID.
func parseOID(s string) (asn1.ObjectIdentifier, bool) {
	parts := strings.Split(s, ".")
	if len(parts) < 2 {
		return nil, false
	}
	oid := make(asn1.ObjectIdentifier, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return nil, false
		}
		oid[i] = n
	}
	return oid, true
}

// ParseEKUs resolves extended key usage names into x509 usages. Dotted-decimal
// OID strings are carried through as unknown usages. Names that resolve to
// neither are logged and skipped. An empty input yields the default of
// serverAuth plus clientAuth.
func ParseEKUs(log *slog.Logger, names []string) ([]x509.ExtKeyUsage, []asn1.ObjectIdentifier) {
	if len(names) == 0 {
		return []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth}, nil
	}

	var (
		usages  []x509.ExtKeyUsage
		unknown []asn1.ObjectIdentifier
	)
	for _, name := range names {
		if oid, ok := parseOID(strings.TrimSpace(name)); ok {
			unknown = append(unknown, oid)
			continue
		}
		usage, ok := wellKnownEKUs[normalizeEKUName(name)]
		if !ok {
			log.Warn("skipping unrecognized extended key usage", "eku", name)
			continue
		}
		usages = append(usages, usage)
	}
	if len(usages) == 0 && len(unknown) == 0 {
		usages = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth}
	}
	return usages, unknown
}
