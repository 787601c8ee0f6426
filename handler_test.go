package oauth

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/readwise-mcp/oauth/internal/testutil"
	"github.com/readwise-mcp/oauth/upstream"
)

func newTestHandler(t *testing.T, config *Config) (*Handler, *testEnv) {
	t.Helper()

	env := newTestEnv(t, config)
	h := NewHandler(env.server, nil)
	t.Cleanup(h.Stop)
	return h, env
}

// ============================================================
// Metadata Endpoints
// ============================================================

func TestServeProtectedResourceMetadata(t *testing.T) {
	h, _ := newTestHandler(t, nil)

	req := httptest.NewRequest(http.MethodGet, MetadataPathProtectedResource, nil)
	w := httptest.NewRecorder()
	h.ServeProtectedResourceMetadata(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}

	var metadata ProtectedResourceMetadata
	if err := json.NewDecoder(w.Body).Decode(&metadata); err != nil {
		t.Fatalf("decode error = %v", err)
	}

	if metadata.Resource != testIssuer {
		t.Errorf("Resource = %q, want %q", metadata.Resource, testIssuer)
	}
	if len(metadata.AuthorizationServers) != 1 || metadata.AuthorizationServers[0] != testIssuer {
		t.Errorf("AuthorizationServers = %v, want [%s]", metadata.AuthorizationServers, testIssuer)
	}
	if len(metadata.BearerMethodsSupported) != 1 || metadata.BearerMethodsSupported[0] != "header" {
		t.Errorf("BearerMethodsSupported = %v, want [header]", metadata.BearerMethodsSupported)
	}
}

func TestServeAuthorizationServerMetadata(t *testing.T) {
	h, _ := newTestHandler(t, nil)

	req := httptest.NewRequest(http.MethodGet, MetadataPathAuthorizationServer, nil)
	w := httptest.NewRecorder()
	h.ServeAuthorizationServerMetadata(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var metadata AuthorizationServerMetadata
	if err := json.NewDecoder(w.Body).Decode(&metadata); err != nil {
		t.Fatalf("decode error = %v", err)
	}

	if metadata.Issuer != testIssuer {
		t.Errorf("Issuer = %q, want %q", metadata.Issuer, testIssuer)
	}
	if metadata.AuthorizationEndpoint != testIssuer+EndpointPathAuthorization {
		t.Errorf("AuthorizationEndpoint = %q", metadata.AuthorizationEndpoint)
	}
	if metadata.TokenEndpoint != testIssuer+EndpointPathToken {
		t.Errorf("TokenEndpoint = %q", metadata.TokenEndpoint)
	}
	if len(metadata.CodeChallengeMethodsSupported) != 1 || metadata.CodeChallengeMethodsSupported[0] != PKCEMethodS256 {
		t.Errorf("CodeChallengeMethodsSupported = %v, want [S256]", metadata.CodeChallengeMethodsSupported)
	}
	if len(metadata.TokenEndpointAuthMethodsSupported) != 1 || metadata.TokenEndpointAuthMethodsSupported[0] != TokenEndpointAuthMethodNone {
		t.Errorf("TokenEndpointAuthMethodsSupported = %v, want [none]", metadata.TokenEndpointAuthMethodsSupported)
	}
}

func TestServeMetadata_Deterministic(t *testing.T) {
	h, _ := newTestHandler(t, nil)

	endpoints := []struct {
		name  string
		path  string
		serve http.HandlerFunc
	}{
		{"protected resource", MetadataPathProtectedResource, h.ServeProtectedResourceMetadata},
		{"authorization server", MetadataPathAuthorizationServer, h.ServeAuthorizationServerMetadata},
	}

	for _, ep := range endpoints {
		t.Run(ep.name, func(t *testing.T) {
			var first []byte
			for i := 0; i < 3; i++ {
				req := httptest.NewRequest(http.MethodGet, ep.path, nil)
				w := httptest.NewRecorder()
				ep.serve(w, req)

				if w.Code != http.StatusOK {
					t.Fatalf("call %d: status = %d, want 200", i, w.Code)
				}
				body := w.Body.Bytes()
				if i == 0 {
					first = append([]byte(nil), body...)
					continue
				}
				if !bytes.Equal(body, first) {
					t.Errorf("call %d: body differs from first call\nfirst: %s\ngot:   %s", i, first, body)
				}
			}
		})
	}
}

func TestServeMetadata_MethodNotAllowed(t *testing.T) {
	h, _ := newTestHandler(t, nil)

	req := httptest.NewRequest(http.MethodPost, MetadataPathAuthorizationServer, nil)
	w := httptest.NewRecorder()
	h.ServeAuthorizationServerMetadata(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", w.Code)
	}
}

// ============================================================
// Client Registration
// ============================================================

func registerViaHTTP(t *testing.T, h *Handler, body string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, EndpointPathRegistration, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeClientRegistration(w, req)
	return w
}

func TestServeClientRegistration(t *testing.T) {
	h, _ := newTestHandler(t, nil)

	w := registerViaHTTP(t, h, `{"redirect_uris":["http://localhost:8080/callback"],"client_name":"My MCP Client"}`)

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201, body: %s", w.Code, w.Body.String())
	}

	var resp ClientRegistrationResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error = %v", err)
	}

	if resp.ClientID == "" {
		t.Error("client_id is empty")
	}
	if resp.TokenEndpointAuthMethod != TokenEndpointAuthMethodNone {
		t.Errorf("token_endpoint_auth_method = %q, want none", resp.TokenEndpointAuthMethod)
	}
}

func TestServeClientRegistration_Invalid(t *testing.T) {
	h, _ := newTestHandler(t, nil)

	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{not json`},
		{"missing redirect_uris", `{"client_name":"x"}`},
		{"dangerous scheme", `{"redirect_uris":["javascript:alert(1)"]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := registerViaHTTP(t, h, tt.body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", w.Code)
			}

			var resp ErrorResponse
			if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
				t.Fatalf("decode error = %v", err)
			}
			if resp.Error != ErrorCodeInvalidRequest {
				t.Errorf("error = %q, want invalid_request", resp.Error)
			}
		})
	}
}

// ============================================================
// Authorization Endpoint
// ============================================================

func authorizeURL(clientID, redirectURI, challenge, state string) string {
	q := url.Values{}
	q.Set("client_id", clientID)
	q.Set("redirect_uri", redirectURI)
	q.Set("response_type", "code")
	q.Set("code_challenge", challenge)
	q.Set("code_challenge_method", PKCEMethodS256)
	if state != "" {
		q.Set("state", state)
	}
	return EndpointPathAuthorization + "?" + q.Encode()
}

func TestServeAuthorization_RendersForm(t *testing.T) {
	h, env := newTestHandler(t, nil)
	client := env.registerClient(t, "http://localhost:8080/callback")
	_, challenge := testutil.PKCEPair()

	req := httptest.NewRequest(http.MethodGet, authorizeURL(client.ClientID, "http://localhost:8080/callback", challenge, "xyz"), nil)
	w := httptest.NewRecorder()
	h.ServeAuthorization(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body: %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("Content-Type = %q, want text/html", ct)
	}

	body := w.Body.String()
	if !strings.Contains(body, `name="readwise_token"`) {
		t.Error("form is missing the readwise_token input")
	}
	if !strings.Contains(body, client.ClientID) {
		t.Error("form is missing the client_id hidden field")
	}
	if !strings.Contains(body, `value="xyz"`) {
		t.Error("form is missing the state hidden field")
	}
}

func TestServeAuthorization_InvalidRequest(t *testing.T) {
	h, env := newTestHandler(t, nil)
	client := env.registerClient(t, "http://localhost:8080/callback")
	_, challenge := testutil.PKCEPair()

	tests := []struct {
		name string
		url  string
	}{
		{"unknown client", authorizeURL("nope", "http://localhost:8080/callback", challenge, "")},
		{"missing challenge", authorizeURL(client.ClientID, "http://localhost:8080/callback", "", "")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.url, nil)
			w := httptest.NewRecorder()
			h.ServeAuthorization(w, req)

			// Validation failures are returned directly, never redirected
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", w.Code)
			}
		})
	}
}

func TestServeAuthorization_CredentialAlreadyStored(t *testing.T) {
	h, env := newTestHandler(t, nil)
	client := env.registerClient(t, "http://localhost:8080/callback")
	_, challenge := testutil.PKCEPair()

	if err := env.creds.Set("stored-token"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, authorizeURL(client.ClientID, "http://localhost:8080/callback", challenge, "abc"), nil)
	w := httptest.NewRecorder()
	h.ServeAuthorization(w, req)

	if w.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302, body: %s", w.Code, w.Body.String())
	}

	loc, err := url.Parse(w.Header().Get("Location"))
	if err != nil {
		t.Fatalf("invalid Location header: %v", err)
	}
	if loc.Query().Get("code") == "" {
		t.Error("redirect is missing the authorization code")
	}
	if loc.Query().Get("state") != "abc" {
		t.Errorf("state = %q, want %q", loc.Query().Get("state"), "abc")
	}
}

// submitForm posts the credential form and returns the response
func submitForm(t *testing.T, h *Handler, clientID, redirectURI, challenge, state, credential string) *httptest.ResponseRecorder {
	t.Helper()

	form := url.Values{}
	form.Set("client_id", clientID)
	form.Set("redirect_uri", redirectURI)
	form.Set("code_challenge", challenge)
	form.Set("state", state)
	form.Set("readwise_token", credential)

	req := httptest.NewRequest(http.MethodPost, EndpointPathAuthorizationSubmit, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	h.ServeAuthorizationSubmit(w, req)
	return w
}

func TestServeAuthorizationSubmit(t *testing.T) {
	h, env := newTestHandler(t, nil)
	client := env.registerClient(t, "http://localhost:8080/callback")
	_, challenge := testutil.PKCEPair()

	w := submitForm(t, h, client.ClientID, "http://localhost:8080/callback", challenge, "st", "valid-readwise-token")

	if w.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302, body: %s", w.Code, w.Body.String())
	}

	if !env.creds.Has() {
		t.Error("credential was not stored")
	}

	loc, err := url.Parse(w.Header().Get("Location"))
	if err != nil {
		t.Fatalf("invalid Location header: %v", err)
	}
	if !strings.HasPrefix(loc.String(), "http://localhost:8080/callback") {
		t.Errorf("Location = %q, want redirect to callback", loc.String())
	}
	if loc.Query().Get("code") == "" {
		t.Error("redirect is missing the authorization code")
	}
	if loc.Query().Get("state") != "st" {
		t.Errorf("state = %q, want %q", loc.Query().Get("state"), "st")
	}
}

func TestServeAuthorizationSubmit_RejectedCredential(t *testing.T) {
	h, env := newTestHandler(t, nil)
	client := env.registerClient(t, "http://localhost:8080/callback")
	_, challenge := testutil.PKCEPair()

	env.validator.Err = upstream.ErrCredentialRejected

	w := submitForm(t, h, client.ClientID, "http://localhost:8080/callback", challenge, "", "bad-token")

	// The form is re-rendered with an error message, not redirected
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if !strings.Contains(w.Body.String(), `name="readwise_token"`) {
		t.Error("response should re-render the credential form")
	}
	if !strings.Contains(w.Body.String(), "rejected") {
		t.Error("response should contain the rejection message")
	}

	if env.creds.Has() {
		t.Error("rejected credential must not be stored")
	}
}

func TestServeAuthorizationSubmit_UpstreamDown(t *testing.T) {
	h, env := newTestHandler(t, nil)
	client := env.registerClient(t, "http://localhost:8080/callback")
	_, challenge := testutil.PKCEPair()

	env.validator.Err = errForTest("dial tcp: connection refused")

	w := submitForm(t, h, client.ClientID, "http://localhost:8080/callback", challenge, "", "token")

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
	if env.creds.Has() {
		t.Error("credential must not be stored when validation is inconclusive")
	}
}

// ============================================================
// Token Endpoint
// ============================================================

func postToken(t *testing.T, h *Handler, form url.Values) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, EndpointPathToken, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	h.ServeToken(w, req)
	return w
}

func TestServeToken_UnsupportedGrantType(t *testing.T) {
	h, _ := newTestHandler(t, nil)

	form := url.Values{}
	form.Set("grant_type", "client_credentials")

	w := postToken(t, h, form)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}

	var resp ErrorResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error = %v", err)
	}
	if resp.Error != ErrorCodeUnsupportedGrantType {
		t.Errorf("error = %q, want unsupported_grant_type", resp.Error)
	}
}

func TestFullFlow(t *testing.T) {
	h, env := newTestHandler(t, nil)

	// 1. Register a client
	w := registerViaHTTP(t, h, `{"redirect_uris":["http://localhost:8080/callback"],"client_name":"Flow Client"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("registration status = %d, want 201", w.Code)
	}
	var reg ClientRegistrationResponse
	if err := json.NewDecoder(w.Body).Decode(&reg); err != nil {
		t.Fatalf("decode error = %v", err)
	}

	verifier, challenge := testutil.PKCEPair()

	// 2. Authorize: no credential yet, the form is rendered
	req := httptest.NewRequest(http.MethodGet, authorizeURL(reg.ClientID, "http://localhost:8080/callback", challenge, "s1"), nil)
	w = httptest.NewRecorder()
	h.ServeAuthorization(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("authorize status = %d, want 200", w.Code)
	}

	// 3. Submit the Readwise token
	w = submitForm(t, h, reg.ClientID, "http://localhost:8080/callback", challenge, "s1", "operator-token")
	if w.Code != http.StatusFound {
		t.Fatalf("submit status = %d, want 302, body: %s", w.Code, w.Body.String())
	}
	loc, _ := url.Parse(w.Header().Get("Location"))
	code := loc.Query().Get("code")
	if code == "" {
		t.Fatal("no authorization code in redirect")
	}

	// 4. Exchange the code
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("client_id", reg.ClientID)
	form.Set("redirect_uri", "http://localhost:8080/callback")
	form.Set("code_verifier", verifier)

	w = postToken(t, h, form)
	if w.Code != http.StatusOK {
		t.Fatalf("token status = %d, want 200, body: %s", w.Code, w.Body.String())
	}
	if cc := w.Header().Get("Cache-Control"); cc != "no-store" {
		t.Errorf("Cache-Control = %q, want no-store", cc)
	}

	var tokens TokenResponse
	if err := json.NewDecoder(w.Body).Decode(&tokens); err != nil {
		t.Fatalf("decode error = %v", err)
	}
	if tokens.AccessToken == "" || tokens.RefreshToken == "" {
		t.Fatal("token response is missing tokens")
	}

	// 5. The access token validates
	if _, err := env.server.ValidateAccessToken(tokens.AccessToken); err != nil {
		t.Fatalf("ValidateAccessToken() error = %v", err)
	}

	// 6. Refresh rotates the token
	form = url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", tokens.RefreshToken)
	form.Set("client_id", reg.ClientID)

	w = postToken(t, h, form)
	if w.Code != http.StatusOK {
		t.Fatalf("refresh status = %d, want 200, body: %s", w.Code, w.Body.String())
	}
	var refreshed TokenResponse
	if err := json.NewDecoder(w.Body).Decode(&refreshed); err != nil {
		t.Fatalf("decode error = %v", err)
	}
	if refreshed.RefreshToken == tokens.RefreshToken {
		t.Error("refresh token was not rotated")
	}

	// 7. Replaying the old refresh token fails
	w = postToken(t, h, form)
	if w.Code != http.StatusBadRequest {
		t.Errorf("replay status = %d, want 400", w.Code)
	}

	// 8. The burned code cannot be exchanged again
	form = url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("client_id", reg.ClientID)
	form.Set("redirect_uri", "http://localhost:8080/callback")
	form.Set("code_verifier", verifier)

	w = postToken(t, h, form)
	if w.Code != http.StatusBadRequest {
		t.Errorf("code reuse status = %d, want 400", w.Code)
	}
}

// ============================================================
// Rate Limiting
// ============================================================

func TestHandler_RateLimit(t *testing.T) {
	h, _ := newTestHandler(t, &Config{
		Issuer:         testIssuer,
		RateLimit:      1,
		RateLimitBurst: 1,
	})

	form := url.Values{}
	form.Set("grant_type", "authorization_code")

	limited := false
	for i := 0; i < 5; i++ {
		w := postToken(t, h, form)
		if w.Code == http.StatusTooManyRequests {
			if w.Header().Get("Retry-After") == "" {
				t.Error("429 response is missing Retry-After")
			}
			limited = true
			break
		}
	}
	if !limited {
		t.Error("rate limiter never triggered")
	}
}

// ============================================================
// Route Registration
// ============================================================

func TestRegisterRoutes(t *testing.T) {
	h, _ := newTestHandler(t, nil)

	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	req := httptest.NewRequest(http.MethodGet, MetadataPathAuthorizationServer, nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("response is missing X-Request-ID header")
	}
}

type errForTest string

func (e errForTest) Error() string { return string(e) }
