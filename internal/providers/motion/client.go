package motion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"genjobs/internal/infra"
)

var (
	// ErrUnauthorized is returned when the provider rejects the bearer token.
	ErrUnauthorized = errors.New("motion: unauthorized")
	// ErrMalformedResponse is returned for 2xx answers that cannot be decoded.
	ErrMalformedResponse = errors.New("motion: malformed response")
)

// maxBodyBytes bounds how much of a provider response is read.
const maxBodyBytes = 1 << 20

// Options configures the provider client.
type Options struct {
	BaseURL string
	// SubmitTimeout and PollTimeout bound individual calls; LoginTimeout bounds
	// the credential exchange.
	LoginTimeout  time.Duration
	SubmitTimeout time.Duration
	PollTimeout   time.Duration
	HTTPClient    *http.Client
	Logger        *infra.Logger
}

// Client performs HTTP calls against the generation provider.
type Client struct {
	baseURL       string
	loginTimeout  time.Duration
	submitTimeout time.Duration
	pollTimeout   time.Duration
	httpClient    *http.Client
	logger        *infra.Logger
}

// StatusError is a non-2xx provider answer other than 401.
type StatusError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *StatusError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("motion: status %d: %s (%s)", e.StatusCode, e.Message, e.Code)
	}
	return fmt.Sprintf("motion: status %d: %s", e.StatusCode, e.Message)
}

// Temporary reports whether the provider may accept the same call later.
func (e *StatusError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusRequestTimeout
}

// TransportError wraps failures where no provider answer was received.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("motion: %s: %v", e.Op, e.Err) }

func (e *TransportError) Unwrap() error { return e.Err }

// NewClient constructs a client with defaults for unset options.
func NewClient(opts Options) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("motion: base url is required")
	}
	if u, err := url.Parse(baseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("motion: invalid base url %q", opts.BaseURL)
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	c := &Client{
		baseURL:       baseURL,
		loginTimeout:  opts.LoginTimeout,
		submitTimeout: opts.SubmitTimeout,
		pollTimeout:   opts.PollTimeout,
		httpClient:    httpClient,
		logger:        infra.LoggerOrDiscard(opts.Logger),
	}
	if c.loginTimeout <= 0 {
		c.loginTimeout = 10 * time.Second
	}
	if c.submitTimeout <= 0 {
		c.submitTimeout = 60 * time.Second
	}
	if c.pollTimeout <= 0 {
		c.pollTimeout = 15 * time.Second
	}
	return c, nil
}

// Login exchanges service credentials for a bearer token.
func (c *Client) Login(ctx context.Context, email, password string) (*Session, error) {
	if strings.TrimSpace(email) == "" || password == "" {
		return nil, errors.New("motion: email and password are required")
	}
	ctx, cancel := context.WithTimeout(ctx, c.loginTimeout)
	defer cancel()

	raw, err := c.do(ctx, "login", http.MethodPost, "/auth/login", "", nil, loginRequest{Email: email, Password: password})
	if err != nil {
		return nil, err
	}
	var decoded loginResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("%w: login: %v", ErrMalformedResponse, err)
	}
	token := strings.TrimSpace(decoded.Token)
	if token == "" {
		return nil, fmt.Errorf("%w: login response without token", ErrMalformedResponse)
	}
	session := &Session{Token: token, UserID: decoded.User.ID, ExpiresAt: decoded.expiry(time.Now())}
	c.logger.Debug().Str("user_id", session.UserID).Time("expires_at", session.ExpiresAt).Msg("motion: logged in")
	return session, nil
}

// Submit creates a provider job and returns its identifier. A non-empty
// idempotencyKey is forwarded so retried submissions can be deduplicated.
func (c *Client) Submit(ctx context.Context, token string, req SubmitRequest, idempotencyKey string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.submitTimeout)
	defer cancel()

	headers := map[string]string{}
	if idempotencyKey != "" {
		headers["Idempotency-Key"] = idempotencyKey
	}
	raw, err := c.do(ctx, "submit", http.MethodPost, "/jobs", token, headers, req)
	if err != nil {
		return "", err
	}
	var decoded submitResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return "", fmt.Errorf("%w: submit: %v", ErrMalformedResponse, err)
	}
	externalID := decoded.id()
	if externalID == "" {
		return "", fmt.Errorf("%w: submission accepted without job id", ErrMalformedResponse)
	}
	c.logger.Debug().Str("external_id", externalID).Msg("motion: job submitted")
	return externalID, nil
}

// Status fetches the raw provider status for externalID. The payload is
// untrusted; callers decide how to interpret it.
func (c *Client) Status(ctx context.Context, token, externalID string) (*JobStatus, error) {
	if strings.TrimSpace(externalID) == "" {
		return nil, errors.New("motion: external id is required")
	}
	ctx, cancel := context.WithTimeout(ctx, c.pollTimeout)
	defer cancel()

	raw, err := c.do(ctx, "status", http.MethodGet, "/jobs/"+url.PathEscape(externalID), token, nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeStatus(raw), nil
}

// do performs one request and returns the raw 2xx body.
func (c *Client) do(ctx context.Context, op, method, path, token string, headers map[string]string, payload any) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("motion: encode %s request: %w", op, err)
		}
		body = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("motion: build %s request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &TransportError{Op: op, Err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, ErrUnauthorized
	}
	if resp.StatusCode >= 300 {
		serr := &StatusError{StatusCode: resp.StatusCode}
		var detail errorResponse
		if err := json.Unmarshal(raw, &detail); err == nil && detail.message() != "" {
			serr.Code = detail.Code
			serr.Message = detail.message()
		} else {
			serr.Message = strings.TrimSpace(string(raw))
		}
		if serr.Message == "" {
			serr.Message = http.StatusText(resp.StatusCode)
		}
		c.logger.Warn().Str("op", op).Int("status", resp.StatusCode).Str("message", serr.Message).Msg("motion: provider rejected request")
		return nil, serr
	}
	return raw, nil
}
