// Package client talks to the pdfpage API and keeps the device-local
// state used when it cannot.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"pdfpage/pkg/domain"
	"pdfpage/pkg/registry"
)

const (
	defaultTimeout     = 60 * time.Second
	defaultJSONTimeout = 10 * time.Second
	maxErrorBody       = 64 << 10
)

// Client calls the API over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// APIError is a non-2xx API response. Unwrap exposes the matching domain
// error so callers can use errors.As on the taxonomy.
type APIError struct {
	Status  int
	Message string
	Reason  string
	Fields  []domain.FieldError
	typed   error
}

func (e *APIError) Error() string {
	return e.Message
}

func (e *APIError) Unwrap() error { return e.typed }

// TransportError is a network failure, timeout or 5xx response.
type TransportError struct {
	Endpoint string
	Status   int
	Err      error
}

func (e *TransportError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s: server returned %d", e.Endpoint, e.Status)
	}
	return fmt.Sprintf("%s: %v", e.Endpoint, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Retryable marks transport failures for local fallback.
func (e *TransportError) Retryable() bool { return true }

// IsTransport reports whether err is a TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// RequestOptions tune a single request.
type RequestOptions struct {
	Timeout     time.Duration
	Token       string
	ContentType string
}

// BinaryResponse is a successful raw response.
type BinaryResponse struct {
	Body   []byte
	Header http.Header
}

// ContentType returns the media type without parameters.
func (r BinaryResponse) ContentType() string {
	ct := r.Header.Get("Content-Type")
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return strings.ToLower(strings.TrimSpace(ct))
}

// New constructs a client for baseURL, e.g. http://localhost:5000/api.
// Per-request deadlines come from contexts; httpClient may be nil.
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

// BaseURL returns the API base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// HTTPClient returns the underlying client.
func (c *Client) HTTPClient() *http.Client {
	return c.httpClient
}

// RequestBinary POSTs body to endpoint and returns the raw response body.
// The request is aborted after opts.Timeout (60s by default).
func (c *Client) RequestBinary(ctx context.Context, endpoint string, body io.Reader, opts RequestOptions) (BinaryResponse, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, body)
	if err != nil {
		return BinaryResponse{}, err
	}
	if opts.ContentType != "" {
		req.Header.Set("Content-Type", opts.ContentType)
	}
	addAuthHeader(req, opts.Token)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return BinaryResponse{}, &TransportError{Endpoint: endpoint, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return BinaryResponse{}, decodeError(endpoint, resp)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return BinaryResponse{}, &TransportError{Endpoint: endpoint, Err: err}
	}
	return BinaryResponse{Body: data, Header: resp.Header}, nil
}

// AuthResult is the register/login payload.
type AuthResult struct {
	Token string          `json:"token"`
	User  domain.UserView `json:"user"`
}

func (c *Client) Register(ctx context.Context, name, email, password string) (AuthResult, error) {
	payload := map[string]string{"name": name, "email": email, "password": password}
	var resp AuthResult
	if err := c.doJSON(ctx, http.MethodPost, "/auth/register", "", payload, &resp); err != nil {
		return AuthResult{}, err
	}
	return resp, nil
}

func (c *Client) Login(ctx context.Context, email, password string) (AuthResult, error) {
	payload := map[string]string{"email": email, "password": password}
	var resp AuthResult
	if err := c.doJSON(ctx, http.MethodPost, "/auth/login", "", payload, &resp); err != nil {
		return AuthResult{}, err
	}
	return resp, nil
}

func (c *Client) Logout(ctx context.Context, token string) error {
	return c.doJSON(ctx, http.MethodPost, "/auth/logout", token, nil, nil)
}

func (c *Client) Me(ctx context.Context, token string) (domain.UserView, error) {
	var resp userResponse
	if err := c.doJSON(ctx, http.MethodGet, "/auth/me", token, nil, &resp); err != nil {
		return domain.UserView{}, err
	}
	return resp.User, nil
}

func (c *Client) UpdateProfile(ctx context.Context, token, name, email string) (domain.UserView, error) {
	payload := map[string]string{}
	if name != "" {
		payload["name"] = name
	}
	if email != "" {
		payload["email"] = email
	}
	var resp userResponse
	if err := c.doJSON(ctx, http.MethodPut, "/auth/update-profile", token, payload, &resp); err != nil {
		return domain.UserView{}, err
	}
	return resp.User, nil
}

func (c *Client) ChangePassword(ctx context.Context, token, currentPassword, newPassword string) error {
	payload := map[string]string{
		"currentPassword": currentPassword,
		"newPassword":     newPassword,
	}
	return c.doJSON(ctx, http.MethodPut, "/auth/change-password", token, payload, nil)
}

// LimitStatus is the /usage/check-limit payload.
type LimitStatus struct {
	CanUpload        bool                    `json:"canUpload"`
	RemainingUploads domain.RemainingUploads `json:"remainingUploads"`
	Message          string                  `json:"message"`
	IsPremium        bool                    `json:"isPremium"`
}

func (c *Client) CheckLimit(ctx context.Context, token, sessionID string) (LimitStatus, error) {
	path := "/usage/check-limit"
	if sessionID != "" {
		path += "?sessionId=" + url.QueryEscape(sessionID)
	}
	var resp LimitStatus
	if err := c.doJSON(ctx, http.MethodGet, path, token, nil, &resp); err != nil {
		return LimitStatus{}, err
	}
	return resp, nil
}

// TrackRequest reports a locally executed operation.
type TrackRequest struct {
	ToolUsed      string `json:"toolUsed"`
	FileCount     int    `json:"fileCount"`
	TotalFileSize int64  `json:"totalFileSize"`
	SessionID     string `json:"sessionId,omitempty"`
}

type TrackResult struct {
	Success          bool                    `json:"success"`
	RemainingUploads domain.RemainingUploads `json:"remainingUploads"`
}

func (c *Client) Track(ctx context.Context, token string, req TrackRequest) (TrackResult, error) {
	var resp TrackResult
	if err := c.doJSON(ctx, http.MethodPost, "/usage/track", token, req, &resp); err != nil {
		return TrackResult{}, err
	}
	return resp, nil
}

func (c *Client) Tools(ctx context.Context) ([]registry.Info, error) {
	var resp struct {
		Tools []registry.Info `json:"tools"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/pdf/tools", "", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Tools, nil
}

// CloudFile is an uploaded share.
type CloudFile struct {
	URL  string `json:"url"`
	Key  string `json:"key"`
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// UploadCloud stores a file in the premium cloud share.
func (c *Client) UploadCloud(ctx context.Context, token, name string, data []byte) (CloudFile, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("file", name)
	if err != nil {
		return CloudFile{}, err
	}
	if _, err := part.Write(data); err != nil {
		return CloudFile{}, err
	}
	if err := writer.Close(); err != nil {
		return CloudFile{}, err
	}
	resp, err := c.RequestBinary(ctx, "/upload/cloudinary", body, RequestOptions{
		Token:       token,
		ContentType: writer.FormDataContentType(),
	})
	if err != nil {
		return CloudFile{}, err
	}
	var out struct {
		File CloudFile `json:"file"`
	}
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return CloudFile{}, fmt.Errorf("decode upload response: %w", err)
	}
	return out.File, nil
}

// Health is the /health payload.
type Health struct {
	Status    string    `json:"status"`
	Message   string    `json:"message"`
	Uptime    float64   `json:"uptime"`
	Timestamp time.Time `json:"timestamp"`
}

func (c *Client) Health(ctx context.Context) (Health, error) {
	var resp Health
	if err := c.doJSON(ctx, http.MethodGet, "/health", "", nil, &resp); err != nil {
		return Health{}, err
	}
	return resp, nil
}

func (c *Client) doJSON(ctx context.Context, method, path, token string, payload any, out any) error {
	ctx, cancel := context.WithTimeout(ctx, defaultJSONTimeout)
	defer cancel()
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	addAuthHeader(req, token)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransportError{Endpoint: path, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return decodeError(path, resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

type userResponse struct {
	User domain.UserView `json:"user"`
}

// decodeError maps an error response to APIError, or to TransportError
// for 5xx statuses.
func decodeError(endpoint string, resp *http.Response) error {
	if resp.StatusCode >= 500 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
		return &TransportError{Endpoint: endpoint, Status: resp.StatusCode}
	}
	var errResp struct {
		Message string              `json:"message"`
		Reason  string              `json:"reason"`
		Errors  []domain.FieldError `json:"errors"`
	}
	_ = json.NewDecoder(io.LimitReader(resp.Body, maxErrorBody)).Decode(&errResp)
	msg := strings.TrimSpace(errResp.Message)
	if msg == "" {
		msg = resp.Status
	}
	apiErr := &APIError{Status: resp.StatusCode, Message: msg, Reason: errResp.Reason, Fields: errResp.Errors}
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		apiErr.typed = &domain.AuthError{Message: msg}
	case http.StatusPaymentRequired, http.StatusTooManyRequests:
		reason := domain.DenyReason(errResp.Reason)
		if reason == "" && resp.StatusCode == http.StatusTooManyRequests {
			// Rate limiters answer 429 without a quota reason.
			reason = domain.ReasonRateLimited
		}
		apiErr.typed = &domain.QuotaError{Reason: reason, Message: msg}
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge:
		apiErr.typed = &domain.ValidationError{Message: msg, Fields: errResp.Errors}
	case http.StatusUnprocessableEntity:
		kind := errResp.Reason
		if kind == "" {
			kind = domain.EngineInvalidPDF
		}
		apiErr.typed = &domain.EngineError{Kind: kind, Details: msg}
	}
	return apiErr
}

func addAuthHeader(req *http.Request, token string) {
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}
