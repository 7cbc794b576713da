// Package bundlesync synchronizes bundles and results with the remote
// coordination service: pull inputs, precreate runs, stream turns and upload
// finished experiments.
package bundlesync

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	DefaultMaxRetries = 3
	DefaultBackoff    = time.Second
	DefaultTimeout    = 10 * time.Second

	PullEndpoint    = "/api/sync/pull"
	UploadEndpoint  = "/api/sync/upload"
	TurnsEndpoint   = "/api/sync/turns"
	PresignEndpoint = "/api/storage/presign"
)

// Client talks to the coordination service. Every request goes through the
// same retry policy: transport failures (including per-attempt timeouts) are
// retried with exponential backoff, non-2xx answers surface at once as
// *APIError.
type Client struct {
	baseURL    string
	apiKey     string
	http       *http.Client
	maxRetries int
	backoff    time.Duration
	timeout    time.Duration
}

type ClientOption func(*Client)

// WithMaxRetries sets how many times a transport failure is retried. The total
// number of attempts is retries+1.
func WithMaxRetries(n int) ClientOption {
	return func(c *Client) {
		if n >= 0 {
			c.maxRetries = n
		}
	}
}

// WithBackoff sets the delay before the first retry. It doubles per retry.
func WithBackoff(d time.Duration) ClientOption {
	return func(c *Client) { c.backoff = d }
}

// WithTimeout bounds each HTTP attempt.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.timeout = d }
}

func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) { c.http = h }
}

func NewClient(baseURL, apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:     apiKey,
		http:       &http.Client{},
		maxRetries: DefaultMaxRetries,
		backoff:    DefaultBackoff,
		timeout:    DefaultTimeout,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) BaseURL() string { return c.baseURL }

// PostJSON posts payload to endpoint and decodes a JSON answer into out when
// out is not nil.
func (c *Client) PostJSON(ctx context.Context, endpoint string, payload any, headers map[string]string, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrapf(err, "encode %s payload", endpoint)
	}
	h := map[string]string{
		"Authorization": "Bearer " + c.apiKey,
		"Content-Type":  "application/json",
		"Accept":        "application/json",
	}
	for k, v := range headers {
		h[k] = v
	}
	respBody, err := c.do(ctx, http.MethodPost, c.baseURL+endpoint, endpoint, body, h)
	if err != nil {
		return err
	}
	if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return errors.Wrapf(err, "decode %s response", endpoint)
	}
	return nil
}

// Put uploads raw bytes to an absolute (presigned) URL. The API key is not
// sent; the presign answer carries whatever headers the storage needs.
func (c *Client) Put(ctx context.Context, url string, data []byte, headers map[string]string) error {
	_, err := c.do(ctx, http.MethodPut, url, "presigned upload", data, headers)
	return err
}

func (c *Client) do(ctx context.Context, method, url, endpoint string, body []byte, headers map[string]string) ([]byte, error) {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = c.backoff
	expo.Multiplier = 2
	expo.RandomizationFactor = 0
	expo.MaxInterval = time.Hour
	expo.MaxElapsedTime = 0
	expo.Reset()
	policy := backoff.WithContext(backoff.WithMaxRetries(expo, uint64(c.maxRetries)), ctx)

	attempts := 0
	var respBody []byte
	op := func() error {
		attempts++
		b, err := c.attempt(ctx, method, url, body, headers)
		if err != nil {
			var apiErr *APIError
			if errors.As(err, &apiErr) {
				apiErr.Endpoint = endpoint
				return backoff.Permanent(apiErr)
			}
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		respBody = b
		return nil
	}
	notify := func(err error, wait time.Duration) {
		log.Debug().Err(err).Str("endpoint", endpoint).Int("attempt", attempts).
			Dur("retry_in", wait).Msg("sync request failed, retrying")
	}

	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		if IsAPIError(err) {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, errors.Wrapf(ctx.Err(), "%s %s", method, endpoint)
		}
		return nil, &TransportError{Method: method, Endpoint: endpoint, Attempts: attempts, Err: err}
	}
	return respBody, nil
}

func (c *Client) attempt(ctx context.Context, method, url string, body []byte, headers map[string]string) ([]byte, error) {
	actx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(actx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(errors.Wrapf(err, "build request for %s", url))
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "read response body")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &APIError{Method: method, StatusCode: resp.StatusCode, Body: string(data)}
	}
	return data, nil
}
