// Package httpclient is the JSON/multipart HTTP client the sync engine and the
// read-through cache talk to the backend with.
//
// Failures are classified for the sync engine: a *RequestError with a Response
// is an application-level answer (4xx/5xx) while one without a Response means
// the server was never reached.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	apperrors "github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/kimhsiao/fieldsync/internal/logging"
	"github.com/kimhsiao/fieldsync/internal/models"
)

// maxResponseSize caps how much of a response body is read.
const maxResponseSize = 10 << 20

// Request is one outgoing call. Exactly one of Body or Form is used, selected by Multipart.
type Request struct {
	Method    string
	URL       string
	Body      json.RawMessage
	Form      []models.FormField
	Headers   map[string]string
	Multipart bool
}

// Response is a received answer. Data holds the JSON payload; a non-JSON body
// is carried as a JSON string.
type Response struct {
	Status int
	Header http.Header
	Data   json.RawMessage
}

func (r *Response) message() string {
	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(r.Data, &payload); err != nil {
		return ""
	}
	if payload.Message != "" {
		return payload.Message
	}
	return payload.Error
}

// Client sends requests relative to a base URL.
type Client struct {
	baseURL        string
	httpClient     *http.Client
	userAgent      string
	token          func() string
	onUnauthorized func()
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying *http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the per-request timeout of the underlying client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) { c.userAgent = ua }
}

// WithTokenSource supplies the bearer token read before every request.
func WithTokenSource(fn func() string) Option {
	return func(c *Client) { c.token = fn }
}

// WithUnauthorizedHandler registers the callback run for every 401 response.
func WithUnauthorizedHandler(fn func()) Option {
	return func(c *Client) { c.onUnauthorized = fn }
}

// New creates a Client for baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				Proxy:           http.ProxyFromEnvironment,
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
		userAgent: "fieldsync/1.0",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Do sends req. A 2xx answer returns the response; anything else returns a *RequestError,
// except request construction problems (bad URL, unreadable file) which are INVALID_INPUT.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}
	target, err := c.resolve(req.URL)
	if err != nil {
		return nil, err
	}

	var (
		body        io.Reader
		contentType string
	)
	switch {
	case req.Multipart:
		buf, ct, err := encodeForm(req.Form)
		if err != nil {
			return nil, err
		}
		body, contentType = buf, ct
	case req.Body != nil:
		body, contentType = bytes.NewReader(req.Body), "application/json"
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "build request", err)
	}

	httpReq.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		httpReq.Header.Set("User-Agent", c.userAgent)
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	for k, v := range req.Headers {
		// multipart boundaries are generated here; a stored content type would break them
		if req.Multipart && strings.EqualFold(k, "Content-Type") {
			continue
		}
		httpReq.Header.Set(k, v)
	}
	if c.token != nil && httpReq.Header.Get("Authorization") == "" {
		if token := c.token(); token != "" {
			httpReq.Header.Set("Authorization", "Bearer "+token)
		}
	}

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		logging.Debug("Request failed", map[string]interface{}{
			"method": method,
			"url":    req.URL,
			"error":  err.Error(),
		})
		return nil, &RequestError{Method: method, URL: req.URL, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, &RequestError{Method: method, URL: req.URL, Err: fmt.Errorf("read response: %w", err)}
	}

	out := &Response{Status: resp.StatusCode, Header: resp.Header, Data: toJSON(raw)}

	logging.Debug("Request completed", map[string]interface{}{
		"method":      method,
		"url":         req.URL,
		"status":      resp.StatusCode,
		"duration_ms": time.Since(start).Milliseconds(),
	})

	if resp.StatusCode == http.StatusUnauthorized && c.onUnauthorized != nil {
		c.onUnauthorized()
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return out, &RequestError{
			Method:   method,
			URL:      req.URL,
			Response: out,
			Err:      apperrors.New(apperrors.ErrHTTPStatus, fmt.Sprintf("unexpected status %d", resp.StatusCode)),
		}
	}
	return out, nil
}

// GetJSON performs a GET with params encoded into the query string and returns the payload.
func (c *Client) GetJSON(ctx context.Context, rawURL string, params map[string]any) (json.RawMessage, error) {
	target, err := withQuery(rawURL, params)
	if err != nil {
		return nil, err
	}
	resp, err := c.Do(ctx, Request{Method: http.MethodGet, URL: target})
	if err != nil {
		return nil, err
	}
	return resp.Data, nil
}

func (c *Client) resolve(raw string) (string, error) {
	if raw == "" {
		return "", apperrors.New(apperrors.ErrInvalid, "url is required")
	}
	if strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://") {
		return raw, nil
	}
	if c.baseURL == "" {
		return "", apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("relative url %q without a base url", raw))
	}
	return c.baseURL + "/" + strings.TrimLeft(raw, "/"), nil
}

func withQuery(rawURL string, params map[string]any) (string, error) {
	if len(params) == 0 {
		return rawURL, nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrInvalid, "parse url", err)
	}

	q := u.Query()
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		switch v := params[k].(type) {
		case nil:
		case []any:
			for _, item := range v {
				q.Add(k, queryValue(item))
			}
		case []string:
			for _, item := range v {
				q.Add(k, item)
			}
		default:
			q.Set(k, queryValue(v))
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func queryValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	case bool, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64, json.Number:
		return fmt.Sprint(t)
	default:
		raw, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(raw)
	}
}

func toJSON(raw []byte) json.RawMessage {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil
	}
	if json.Valid(trimmed) {
		return json.RawMessage(trimmed)
	}
	quoted, _ := json.Marshal(string(trimmed))
	return quoted
}
