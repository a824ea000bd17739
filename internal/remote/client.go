// Package remote is the HTTPS/JSON transport to the SPB backend. It does not
// retry: retry accounting belongs to the outbox and the token manager.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/fieldops/spbsync/internal/errors"
)

// TokenResponse is returned by the login and refresh endpoints.
type TokenResponse struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token"`
	ExpiresIn        int64  `json:"expires_in,omitempty"`
	RefreshExpiresIn int64  `json:"refresh_expires_in,omitempty"`
	UserID           string `json:"user_id,omitempty"`
	Username         string `json:"username,omitempty"`
}

// ErrorBody is the error document returned for non-2xx responses.
type ErrorBody struct {
	StatusCode int            `json:"statusCode"`
	ErrorCode  string         `json:"errorCode"`
	Message    string         `json:"message"`
	Retryable  *bool          `json:"retryable,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
}

// Client calls the remote API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	userAgent  string
}

// New creates a client for baseURL. A nil httpClient gets a 30s timeout.
func New(baseURL string, httpClient *http.Client) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		userAgent:  "spbsync/1",
	}
}

// BaseURL returns the API root.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Login exchanges credentials for a session.
func (c *Client) Login(ctx context.Context, username, password string) (*TokenResponse, error) {
	body := map[string]string{"username": username, "password": password}
	var out TokenResponse
	if err := c.doJSON(ctx, http.MethodPost, "/v1/auth/login", "", nil, body, &out, apperrors.ErrInvalidCredentials); err != nil {
		return nil, err
	}
	if err := validateTokenResponse(&out); err != nil {
		return nil, err
	}
	if out.Username == "" {
		out.Username = username
	}
	return &out, nil
}

// Refresh rotates the session. The old refresh token is invalid afterwards.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	body := map[string]string{"refresh_token": refreshToken}
	var out TokenResponse
	if err := c.doJSON(ctx, http.MethodPost, "/v1/auth/refresh", "", nil, body, &out, apperrors.ErrRefreshExpired); err != nil {
		return nil, err
	}
	if err := validateTokenResponse(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Push upserts one record. idempotencyKey lets the server discard replays of
// a push whose response was lost.
func (c *Client) Push(ctx context.Context, token, table, recordID, idempotencyKey string, payload json.RawMessage) error {
	headers := map[string]string{"Idempotency-Key": idempotencyKey}
	return c.doJSON(ctx, http.MethodPut, recordPath(table, recordID), token, headers, payload, nil, apperrors.ErrTokenExpired)
}

// Delete removes one record. Deleting a record the server never saw succeeds.
func (c *Client) Delete(ctx context.Context, token, table, recordID, idempotencyKey string) error {
	headers := map[string]string{"Idempotency-Key": idempotencyKey}
	err := c.doJSON(ctx, http.MethodDelete, recordPath(table, recordID), token, headers, nil, nil, apperrors.ErrTokenExpired)
	var appErr *apperrors.AppError
	if stderrors.As(err, &appErr) && appErr.StatusCode == http.StatusNotFound {
		return nil
	}
	return err
}

// Health reports whether the API answers.
func (c *Client) Health(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodGet, "/v1/health", "", nil, nil, nil, apperrors.ErrUnauthenticated)
}

func recordPath(table, recordID string) string {
	return fmt.Sprintf("/v1/sync/%s/%s", url.PathEscape(table), url.PathEscape(recordID))
}

func validateTokenResponse(t *TokenResponse) error {
	if t.AccessToken == "" {
		return apperrors.Server(http.StatusOK, apperrors.ErrServer, "token response without access_token", false)
	}
	return nil
}

func (c *Client) doJSON(
	ctx context.Context,
	method, requestPath, token string,
	headers map[string]string,
	body any,
	out any,
	unauthorizedCode apperrors.ErrorCode,
) error {
	var bodyReader io.Reader
	if body != nil {
		var bodyBytes []byte
		switch b := body.(type) {
		case json.RawMessage:
			bodyBytes = b
		default:
			var err error
			if bodyBytes, err = json.Marshal(body); err != nil {
				return apperrors.Wrap(apperrors.ErrInternal, "encode request", err)
			}
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "build request", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if stderrors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return apperrors.Timeout(fmt.Sprintf("%s %s timed out", method, requestPath), err)
		}
		return apperrors.Network(fmt.Sprintf("%s %s", method, requestPath), err)
	}
	payload, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	_ = resp.Body.Close()
	if readErr != nil {
		return apperrors.Network("read response", readErr)
	}

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		if out == nil || len(bytes.TrimSpace(payload)) == 0 {
			return nil
		}
		if err := decodeEnvelope(payload, out); err != nil {
			return apperrors.Server(resp.StatusCode, apperrors.ErrServer, "malformed response body", false)
		}
		return nil
	}

	return responseError(resp, payload, unauthorizedCode)
}

// decodeEnvelope accepts both {"data": {...}} and a bare object.
func decodeEnvelope(payload []byte, out any) error {
	var env struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(payload, &env); err == nil {
		if d := bytes.TrimSpace(env.Data); len(d) > 0 && !bytes.Equal(d, []byte("null")) {
			return json.Unmarshal(d, out)
		}
	}
	return json.Unmarshal(payload, out)
}

func responseError(resp *http.Response, payload []byte, unauthorizedCode apperrors.ErrorCode) error {
	var body ErrorBody
	_ = json.Unmarshal(payload, &body)
	msg := body.Message
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	details := body.Details
	if body.ErrorCode != "" {
		if details == nil {
			details = map[string]any{}
		}
		details["errorCode"] = body.ErrorCode
	}

	var appErr *apperrors.AppError
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		appErr = apperrors.Auth(unauthorizedCode, msg, nil)
	case resp.StatusCode == http.StatusForbidden:
		appErr = apperrors.Auth(apperrors.ErrForbidden, msg, nil)
		if body.Retryable != nil {
			appErr.Retryable = *body.Retryable
		}
	case resp.StatusCode == http.StatusTooManyRequests:
		wait := ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
		if wait <= 0 {
			if secs, ok := details["retryAfterSeconds"].(float64); ok && secs > 0 {
				wait = time.Duration(secs * float64(time.Second))
			}
		}
		appErr = apperrors.RateLimit(apperrors.ErrServerRateLimited, msg, wait)
	default:
		retryable := resp.StatusCode >= 500 || resp.StatusCode == http.StatusRequestTimeout
		if body.Retryable != nil {
			retryable = *body.Retryable
		}
		code := apperrors.ErrSyncRejected
		if resp.StatusCode >= 500 {
			code = apperrors.ErrServer
		}
		appErr = apperrors.Server(resp.StatusCode, code, msg, retryable)
	}
	appErr.StatusCode = resp.StatusCode
	appErr.Details = details
	return appErr
}

// ParseRetryAfter reads a Retry-After header in either delta-seconds or
// HTTP-date form. Unparseable or past values yield 0.
func ParseRetryAfter(header string, now time.Time) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := http.ParseTime(header); err == nil {
		if delta := ts.Sub(now); delta > 0 {
			return delta
		}
	}
	return 0
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return stderrors.As(err, &t) && t.Timeout()
}
