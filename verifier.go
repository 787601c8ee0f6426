package oauth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/readwise-mcp/oauth/security"
)

// Principal identifies the caller behind a validated access token.
type Principal struct {
	ClientID  string
	Scopes    []string
	ExpiresAt time.Time
}

// HasScope reports whether the principal was granted the given scope
func (p *Principal) HasScope(scope string) bool {
	return containsString(p.Scopes, scope)
}

// principalContextKey is the context key for storing the validated principal
type principalContextKey struct{}

// PrincipalFromContext retrieves the principal attached by Middleware.
// The second return value is false for unauthenticated requests.
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalContextKey{}).(*Principal)
	return p, ok
}

// Verifier validates bearer tokens for resource endpoints. It is the adapter
// handed to the MCP transport layer so protected routes can authenticate
// requests without knowing about the OAuth flow.
type Verifier struct {
	server *Server
}

// NewVerifier creates a token verifier backed by the given server
func NewVerifier(server *Server) *Verifier {
	return &Verifier{server: server}
}

// Verify validates a raw access token and returns the principal it
// represents. All failure modes return the same invalid-token error.
func (v *Verifier) Verify(token string) (*Principal, error) {
	claims, err := v.server.ValidateAccessToken(token)
	if err != nil {
		return nil, err
	}

	return &Principal{
		ClientID:  claims.ClientID,
		Scopes:    claims.Scopes,
		ExpiresAt: claims.ExpiresAt,
	}, nil
}

// Middleware wraps an http.Handler, requiring a valid Bearer token. On
// success the principal is attached to the request context; on failure the
// response is 401 with a WWW-Authenticate challenge per RFC 6750.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := extractBearerToken(r)
		if !ok {
			v.writeUnauthorized(w, "missing bearer token")
			return
		}

		principal, err := v.Verify(token)
		if err != nil {
			v.writeUnauthorized(w, "invalid or expired access token")
			return
		}

		ctx := context.WithValue(r.Context(), principalContextKey{}, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// writeUnauthorized writes a 401 with the resource metadata pointer so
// clients can discover the authorization server.
func (v *Verifier) writeUnauthorized(w http.ResponseWriter, description string) {
	issuer := v.server.config.Issuer

	security.SetSecurityHeaders(w, issuer)
	w.Header().Set("WWW-Authenticate",
		`Bearer error="invalid_token", error_description="`+description+
			`", resource_metadata="`+issuer+MetadataPathProtectedResource+`"`)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:            ErrorCodeInvalidToken,
		ErrorDescription: description,
	})
}

// extractBearerToken extracts the token from an Authorization header.
// The scheme comparison is case-insensitive per RFC 6750.
func extractBearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return "", false
	}

	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}

	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", false
	}

	return token, true
}
