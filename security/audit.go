// Package security provides security features for the OAuth server including
// encryption, rate limiting, audit logging, and secure header management.
package security

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// Auditor handles security event logging with PII protection.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
}

// NewAuditor creates a new security auditor
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger,
		enabled: enabled,
	}
}

// Event represents a security audit event
type Event struct {
	Type      string
	ClientID  string
	IPAddress string
	Details   map[string]any
	Timestamp time.Time
}

// LogEvent logs a security event. Sensitive values must be hashed by the
// caller before inclusion in Details.
func (a *Auditor) LogEvent(event Event) {
	if !a.enabled {
		return
	}

	event.Timestamp = time.Now()

	a.logger.Info("security_audit",
		"event_type", event.Type,
		"client_id", event.ClientID,
		"ip_address", event.IPAddress,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
}

// LogCredentialStored logs when an upstream credential is validated and stored.
// Only a fingerprint of the credential is logged, never the value.
func (a *Auditor) LogCredentialStored(clientID, ipAddress, credential string) {
	a.LogEvent(Event{
		Type:      "credential_stored",
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"credential_fingerprint": HashForLogging(credential),
		},
	})
}

// LogCredentialRejected logs when the upstream API rejects a submitted credential
func (a *Auditor) LogCredentialRejected(clientID, ipAddress string) {
	a.LogEvent(Event{
		Type:      "credential_rejected",
		ClientID:  clientID,
		IPAddress: ipAddress,
	})
}

// LogUpstreamUnreachable logs when credential validation fails for reasons
// other than rejection (network error, upstream outage)
func (a *Auditor) LogUpstreamUnreachable(clientID, ipAddress string, err error) {
	a.LogEvent(Event{
		Type:      "upstream_unreachable",
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"error": err.Error(),
		},
	})
}

// LogCodeIssued logs when an authorization code is issued
func (a *Auditor) LogCodeIssued(clientID, ipAddress, scope string) {
	a.LogEvent(Event{
		Type:      "code_issued",
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"scope": scope,
		},
	})
}

// LogTokenIssued logs when an access token is issued via code exchange
func (a *Auditor) LogTokenIssued(clientID, ipAddress, scope string) {
	a.LogEvent(Event{
		Type:      "token_issued",
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"scope": scope,
		},
	})
}

// LogTokenRefreshed logs when a token is refreshed
func (a *Auditor) LogTokenRefreshed(clientID, ipAddress string, rotated bool) {
	a.LogEvent(Event{
		Type:      "token_refreshed",
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"rotated": rotated,
		},
	})
}

// LogAuthFailure logs an authentication or grant failure
func (a *Auditor) LogAuthFailure(clientID, ipAddress, reason string) {
	a.LogEvent(Event{
		Type:      "auth_failure",
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogRateLimitExceeded logs a rate limit violation
func (a *Auditor) LogRateLimitExceeded(ipAddress string) {
	a.LogEvent(Event{
		Type:      "rate_limit_exceeded",
		IPAddress: ipAddress,
	})
}

// LogClientRegistered logs when a new client is registered
func (a *Auditor) LogClientRegistered(clientID, clientType, ipAddress string) {
	a.LogEvent(Event{
		Type:      "client_registered",
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"client_type": clientType,
		},
	})
}

// HashForLogging creates a truncated SHA256 hash of sensitive data for
// logging. The hash links related log lines without exposing the value.
func HashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}
