package upstream

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/readwise-mcp/oauth/instrumentation"
)

// DefaultReadwiseAuthURL is the Readwise endpoint used to validate API tokens.
// It returns 204 No Content for a valid token.
const DefaultReadwiseAuthURL = "https://readwise.io/api/v2/auth/"

// ReadwiseValidator validates credentials against the Readwise API.
type ReadwiseValidator struct {
	authURL         string
	httpClient      *http.Client
	logger          *slog.Logger
	instrumentation *instrumentation.Instrumentation
}

// ReadwiseOption configures a ReadwiseValidator
type ReadwiseOption func(*ReadwiseValidator)

// WithAuthURL overrides the validation endpoint (used in tests)
func WithAuthURL(u string) ReadwiseOption {
	return func(v *ReadwiseValidator) {
		v.authURL = u
	}
}

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(c *http.Client) ReadwiseOption {
	return func(v *ReadwiseValidator) {
		v.httpClient = c
	}
}

// WithLogger sets a custom logger
func WithLogger(l *slog.Logger) ReadwiseOption {
	return func(v *ReadwiseValidator) {
		v.logger = l
	}
}

// WithInstrumentation sets OpenTelemetry instrumentation
func WithInstrumentation(inst *instrumentation.Instrumentation) ReadwiseOption {
	return func(v *ReadwiseValidator) {
		v.instrumentation = inst
	}
}

// NewReadwiseValidator creates a validator for Readwise API tokens
func NewReadwiseValidator(opts ...ReadwiseOption) *ReadwiseValidator {
	v := &ReadwiseValidator{
		authURL: DefaultReadwiseAuthURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(v)
	}

	return v
}

// Validate checks the credential against the Readwise auth endpoint.
// A 204 response means the token is valid. 401 and 403 mean the token was
// rejected. Anything else is treated as an upstream failure.
func (v *ReadwiseValidator) Validate(ctx context.Context, credential string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.authURL, nil)
	if err != nil {
		return fmt.Errorf("upstream: failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+credential)

	startTime := time.Now()
	resp, err := v.httpClient.Do(req)
	durationMs := float64(time.Since(startTime).Milliseconds())

	if err != nil {
		v.recordCall(ctx, 0, durationMs, err)
		v.logger.Warn("Upstream credential validation failed", "error", err)
		return fmt.Errorf("upstream: validation request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNoContent:
		v.recordCall(ctx, resp.StatusCode, durationMs, nil)
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		v.recordCall(ctx, resp.StatusCode, durationMs, ErrCredentialRejected)
		v.logger.Info("Upstream rejected credential", "status", resp.StatusCode)
		return ErrCredentialRejected
	default:
		err := fmt.Errorf("upstream: unexpected status %d from %s", resp.StatusCode, v.authURL)
		v.recordCall(ctx, resp.StatusCode, durationMs, err)
		v.logger.Warn("Unexpected upstream response", "status", resp.StatusCode)
		return err
	}
}

func (v *ReadwiseValidator) recordCall(ctx context.Context, statusCode int, durationMs float64, err error) {
	if v.instrumentation == nil {
		return
	}
	v.instrumentation.Metrics().RecordUpstreamCall(ctx, statusCode, durationMs, err)
}
