package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	v1 "github.com/pieter-berkel/storageflow/api/v1"
	"github.com/pieter-berkel/storageflow/protocol"
	"github.com/rs/zerolog"
)

// Negotiator obtains transfer plans and finalizes multipart uploads. It is
// implemented by APIClient over HTTP and by Local in process.
type Negotiator interface {
	RequestUpload(ctx context.Context, body protocol.RequestUploadBody) (*protocol.TransferPlan, error)
	CompleteMultipartUpload(ctx context.Context, body protocol.CompleteMultipartUploadBody) error
}

// TransportError is returned when the server could not be reached or
// answered without a protocol envelope.
type TransportError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: unexpected response status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

type APIOption func(*APIClient)

// WithHTTPClient sets the client the retrying client is built on.
func WithHTTPClient(c *http.Client) APIOption {
	return func(a *APIClient) {
		a.http.HTTPClient = c
	}
}

// WithHeader adds a header, e.g. Authorization, to every API call.
func WithHeader(key, value string) APIOption {
	return func(a *APIClient) {
		a.headers.Set(key, value)
	}
}

// WithRetries sets how often a call is repeated after a connection level
// failure.
func WithRetries(n int, waitMin, waitMax time.Duration) APIOption {
	return func(a *APIClient) {
		a.http.RetryMax = n
		a.http.RetryWaitMin = waitMin
		a.http.RetryWaitMax = waitMax
	}
}

func WithLogger(l zerolog.Logger) APIOption {
	return func(a *APIClient) {
		a.http.Logger = retryLogger{log: l}
	}
}

// APIClient talks to the storage endpoints mounted under baseURL.
type APIClient struct {
	http    *retryablehttp.Client
	baseURL string
	headers http.Header
}

func NewAPIClient(baseURL string, opts ...APIOption) *APIClient {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 5 * time.Second
	rc.CheckRetry = retryConnectionErrors
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	rc.Logger = nil

	c := &APIClient{
		http:    rc,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		headers: http.Header{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// retryConnectionErrors retries calls that got no response at all. Any
// answer from the server, error envelopes included, is final.
func retryConnectionErrors(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err == nil {
		return false, nil
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}

func (c *APIClient) RequestUpload(ctx context.Context, body protocol.RequestUploadBody) (*protocol.TransferPlan, error) {
	var plan protocol.TransferPlan
	if err := c.call(ctx, v1.RequestUploadPath, body, &plan); err != nil {
		return nil, err
	}
	return &plan, nil
}

func (c *APIClient) CompleteMultipartUpload(ctx context.Context, body protocol.CompleteMultipartUploadBody) error {
	return c.call(ctx, v1.CompleteMultipartUploadPath, body, nil)
}

func (c *APIClient) Confirm(ctx context.Context, route, url string) error {
	return c.call(ctx, v1.ConfirmPath, protocol.ConfirmBody{Route: route, URL: url}, nil)
}

func (c *APIClient) Delete(ctx context.Context, route string, urls ...string) error {
	return c.call(ctx, v1.DeletePath, protocol.DeleteBody{Route: route, URLs: urls}, nil)
}

func (c *APIClient) Copy(ctx context.Context, route, source, destination string) (string, error) {
	var resp protocol.CopyResponse
	err := c.call(ctx, v1.CopyPath, protocol.CopyBody{Route: route, Source: source, Destination: destination}, &resp)
	return resp.URL, err
}

// List returns the urls in the directory the route computes for input.
func (c *APIClient) List(ctx context.Context, route string, input any) ([]string, error) {
	raw, err := marshalInput(input)
	if err != nil {
		return nil, err
	}
	var resp protocol.ListResponse
	if err := c.call(ctx, v1.ListPath, protocol.ListBody{Route: route, Input: raw}, &resp); err != nil {
		return nil, err
	}
	return resp.URLs, nil
}

func (c *APIClient) call(ctx context.Context, path string, body, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode %s body: %w", path, err)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, b)
	if err != nil {
		return &TransportError{Op: path, Err: err}
	}
	for k, v := range c.headers {
		req.Header[k] = v
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return protocol.WrapError(protocol.KindAborted, ctx.Err(), "%s aborted", path)
		}
		return &TransportError{Op: path, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &TransportError{Op: path, StatusCode: resp.StatusCode, Err: err}
	}

	err = protocol.DecodeEnvelope(data, out)
	var pe *protocol.Error
	switch {
	case err == nil && resp.StatusCode < http.StatusBadRequest:
		return nil
	case errors.As(err, &pe):
		return pe
	case err == nil:
		return &TransportError{Op: path, StatusCode: resp.StatusCode, Err: errors.New("success envelope with error status")}
	default:
		return &TransportError{Op: path, StatusCode: resp.StatusCode, Err: err}
	}
}

func marshalInput(input any) (json.RawMessage, error) {
	switch v := input.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	case []byte:
		return json.RawMessage(bytes.Clone(v)), nil
	}
	b, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("encode input: %w", err)
	}
	return b, nil
}

// retryLogger routes retryablehttp logging to zerolog.
type retryLogger struct {
	log zerolog.Logger
}

func (l retryLogger) Error(msg string, kv ...interface{}) { l.log.Error().Fields(kv).Msg(msg) }
func (l retryLogger) Warn(msg string, kv ...interface{})  { l.log.Warn().Fields(kv).Msg(msg) }
func (l retryLogger) Info(msg string, kv ...interface{})  { l.log.Debug().Fields(kv).Msg(msg) }
func (l retryLogger) Debug(msg string, kv ...interface{}) { l.log.Debug().Fields(kv).Msg(msg) }
