// Package storage defines interfaces for the OAuth server's bookkeeping:
// registered clients, pending authorizations, issued refresh token grants,
// and the single encrypted upstream credential.
package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a client, authorization, or grant does not
// exist (or was already consumed).
var ErrNotFound = errors.New("storage: not found")

// ErrCredentialCorrupt is returned by a CredentialStore when the stored blob
// cannot be decrypted (corrupt store or key mismatch). It is deliberately
// distinct from plain I/O errors so callers can decide between re-prompting
// the user and aborting.
var ErrCredentialCorrupt = errors.New("storage: credential store corrupt or key mismatch")

// Client represents a registered OAuth client. Only public clients are
// supported: there is no secret and token_endpoint_auth_method is "none".
type Client struct {
	ClientID                string
	ClientName              string
	RedirectURIs            []string
	GrantTypes              []string
	TokenEndpointAuthMethod string
	CreatedAt               time.Time
}

// PendingAuthorization is an issued authorization code awaiting exchange.
// It is consumed exactly once; the record is deleted on exchange whether the
// exchange succeeds or fails.
type PendingAuthorization struct {
	Code          string
	ClientID      string
	RedirectURI   string
	CodeChallenge string
	Scopes        []string
	CreatedAt     time.Time
}

// RefreshTokenGrant is the record behind an issued refresh token, keyed by a
// one-way hash of the token value. Each raw token value is valid for exactly
// one redemption.
type RefreshTokenGrant struct {
	ClientID string
	Scopes   []string
	IssuedAt time.Time
}

// ClientStore manages OAuth client registrations. Registrations are
// append-only and live for the process lifetime.
type ClientStore interface {
	// SaveClient saves a registered client
	SaveClient(client *Client) error

	// GetClient retrieves a client by ID
	GetClient(clientID string) (*Client, error)

	// ListClients lists all registered clients (for admin purposes)
	ListClients() ([]*Client, error)
}

// FlowStore manages pending authorizations.
type FlowStore interface {
	// SavePendingAuthorization stores an issued authorization code
	SavePendingAuthorization(auth *PendingAuthorization) error

	// ConsumePendingAuthorization atomically retrieves and deletes the
	// pending authorization for code. Two concurrent consumers of the same
	// code must not both succeed; the loser receives ErrNotFound.
	ConsumePendingAuthorization(code string) (*PendingAuthorization, error)
}

// GrantStore manages issued refresh token grants, keyed by token hash.
type GrantStore interface {
	// SaveRefreshTokenGrant stores a grant under the given token hash
	SaveRefreshTokenGrant(tokenHash string, grant *RefreshTokenGrant) error

	// ConsumeRefreshTokenGrant atomically retrieves and deletes the grant
	// for tokenHash. Replay of an already-rotated token yields ErrNotFound.
	ConsumeRefreshTokenGrant(tokenHash string) (*RefreshTokenGrant, error)
}

// CredentialStore holds the single upstream credential, encrypted at rest.
type CredentialStore interface {
	// Get returns the stored credential, or ErrNotFound if absent.
	// Returns ErrCredentialCorrupt if the blob cannot be decrypted.
	Get() (string, error)

	// Set stores the credential (last write wins)
	Set(credential string) error

	// Has reports whether a credential is stored
	Has() bool

	// Delete removes the stored credential
	Delete() error
}
