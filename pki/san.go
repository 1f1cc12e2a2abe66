package pki

import (
	"log/slog"
	"net"
	"strings"
)

// ---------------------------------------------------------------------------
// Subject Alternative Names
// ---------------------------------------------------------------------------

// ParseSANs splits typed SAN entries of the form "dns:<name>" or "ip:<addr>"
// (type prefix matched case-insensitively) into DNS names and IP addresses.
// Malformed entries are logged and skipped rather than failing the whole
// issuance.
func ParseSANs(log *slog.Logger, entries []string) (dnsNames []string, ipAddrs []net.IP) {
	for _, entry := range entries {
		kind, value, ok := strings.Cut(entry, ":")
		if !ok {
			log.Warn("skipping SAN entry without type prefix", "san", entry)
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.ToLower(strings.TrimSpace(kind)) {
		case "dns":
			if value == "" {
				log.Warn("skipping empty DNS SAN entry", "san", entry)
				continue
			}
			dnsNames = append(dnsNames, value)
		case "ip":
			ip := net.ParseIP(value)
			if ip == nil {
				log.Warn("skipping unparseable IP SAN entry", "san", entry)
				continue
			}
			ipAddrs = append(ipAddrs, ip)
		default:
			log.Warn("skipping SAN entry with unknown type", "san", entry)
		}
	}
	return dnsNames, ipAddrs
}
