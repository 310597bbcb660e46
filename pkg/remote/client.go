// Package remote talks to the authoritative REST server, one collection per
// entity type: GET/POST /{entity}, PUT/DELETE /{entity}/{id}.
package remote

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
)

const maxBodyBytes = 32 << 20

// IdempotencyKeyHeader carries the client id of a create so the server can
// answer a replayed post with the record the first one produced.
const IdempotencyKeyHeader = "Idempotency-Key"

// TokenSource supplies the bearer token for each request.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a fixed bearer token. Empty means no Authorization header.
type StaticToken string

// Token implements TokenSource.
func (s StaticToken) Token(context.Context) (string, error) { return string(s), nil }

// StatusError is returned for every non-2xx response.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s %s: %d %s", e.Method, e.URL, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s %s: %d %s", e.Method, e.URL, e.StatusCode, http.StatusText(e.StatusCode))
}

// HTTPStatus lets the retry classifier read the status code.
func (e *StatusError) HTTPStatus() int { return e.StatusCode }

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == http.StatusNotFound
}

// IsConflict reports whether err is a 409 from the server.
func IsConflict(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == http.StatusConflict
}

// Client is a thin JSON client for the entity endpoints.
type Client struct {
	baseURL string
	http    *http.Client
	tokens  TokenSource
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithTokenSource sets the bearer token provider.
func WithTokenSource(ts TokenSource) Option {
	return func(c *Client) {
		if ts != nil {
			c.tokens = ts
		}
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

// New constructs a client rooted at baseURL (for example https://host/api/v1).
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 15 * time.Second},
		tokens:  StaticToken(""),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// BaseURL returns the configured root.
func (c *Client) BaseURL() string { return c.baseURL }

// List fetches the full authoritative collection for entity.
func (c *Client) List(ctx context.Context, entity string) ([]json.RawMessage, error) {
	raw, err := c.do(ctx, http.MethodGet, c.collectionURL(entity), nil, nil)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return []json.RawMessage{}, nil
	}
	var docs []json.RawMessage
	if err := json.Unmarshal(raw, &docs); err != nil {
		return nil, fmt.Errorf("decode %s collection: %w", entity, err)
	}
	return docs, nil
}

// Create posts a new record and returns the server's canonical document.
// A non-empty key is sent as the idempotency key.
func (c *Client) Create(ctx context.Context, entity, key string, doc json.RawMessage) (json.RawMessage, error) {
	var header http.Header
	if key != "" {
		header = http.Header{IdempotencyKeyHeader: []string{key}}
	}
	return c.do(ctx, http.MethodPost, c.collectionURL(entity), doc, header)
}

// Update replaces the record with the given id.
func (c *Client) Update(ctx context.Context, entity, id string, doc json.RawMessage) (json.RawMessage, error) {
	return c.do(ctx, http.MethodPut, c.itemURL(entity, id), doc, nil)
}

// Delete removes the record with the given id.
func (c *Client) Delete(ctx context.Context, entity, id string) error {
	_, err := c.do(ctx, http.MethodDelete, c.itemURL(entity, id), nil, nil)
	return err
}

// Ping performs a GET against path relative to the base URL's host and
// succeeds on any 2xx.
func (c *Client) Ping(ctx context.Context, path string) error {
	target := c.baseURL
	if path != "" {
		u, err := url.Parse(c.baseURL)
		if err != nil {
			return err
		}
		u.Path = "/" + strings.TrimLeft(path, "/")
		u.RawQuery = ""
		target = u.String()
	}
	_, err := c.do(ctx, http.MethodGet, target, nil, nil)
	return err
}

func (c *Client) collectionURL(entity string) string {
	return c.baseURL + "/" + url.PathEscape(entity)
}

func (c *Client) itemURL(entity, id string) string {
	return c.collectionURL(entity) + "/" + url.PathEscape(id)
}

func (c *Client) do(ctx context.Context, method, target string, body json.RawMessage, header http.Header) (json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", method, err)
	}
	for name, values := range header {
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s %s response: %w", method, target, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{
			Method:     method,
			URL:        target,
			StatusCode: resp.StatusCode,
			Message:    errorMessage(payload),
		}
	}
	return unwrapEnvelope(payload), nil
}

// unwrapEnvelope accepts both bare documents and {"data": ...} envelopes.
func unwrapEnvelope(payload []byte) json.RawMessage {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return nil
	}
	if trimmed[0] != '{' {
		return json.RawMessage(trimmed)
	}
	var env struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(trimmed, &env); err == nil && len(env.Data) > 0 {
		var fields map[string]json.RawMessage
		_ = json.Unmarshal(trimmed, &fields)
		if _, hasID := fields["id"]; !hasID {
			if _, hasMongoID := fields["_id"]; !hasMongoID {
				return env.Data
			}
		}
	}
	return json.RawMessage(trimmed)
}

// errorMessage reads {"error": "..."} or {"error": {"message": "..."}}.
func errorMessage(payload []byte) string {
	var body struct {
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(payload, &body); err != nil || len(body.Error) == 0 {
		return strings.TrimSpace(string(payload))
	}
	var msg string
	if err := json.Unmarshal(body.Error, &msg); err == nil {
		return msg
	}
	var nested struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	}
	if err := json.Unmarshal(body.Error, &nested); err == nil && nested.Message != "" {
		return nested.Message
	}
	return string(body.Error)
}
