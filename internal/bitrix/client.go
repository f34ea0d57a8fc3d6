// Package bitrix is a small client for the Bitrix24 inbound-webhook REST API,
// covering the CRM item, timeline, task and checklist methods the
// reconciler needs.
package bitrix

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"
)

const (
	defaultTimeout = 30 * time.Second
	maxRetries     = 3
	initialBackoff = 500 * time.Millisecond
)

// Caller performs a single REST method call and returns the "result" member
// of the response envelope.
type Caller interface {
	Call(ctx context.Context, method string, params map[string]any) (json.RawMessage, error)
}

// RemoteError is returned when the portal answers with a non-2xx status or
// an error member in the envelope.
type RemoteError struct {
	Code        string
	Description string
	Status      int
}

func (e *RemoteError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("bitrix %s: %s (HTTP %d)", e.Code, e.Description, e.Status)
	}
	return fmt.Sprintf("bitrix %s (HTTP %d)", e.Code, e.Status)
}

// IsNotFound reports whether err says the requested entity does not exist.
func IsNotFound(err error) bool {
	var re *RemoteError
	if !errors.As(err, &re) {
		return false
	}
	return re.Status == http.StatusNotFound || re.Code == "NOT_FOUND" || re.Code == "ERROR_ENTITY_NOT_FOUND"
}

func isRateLimit(err error) bool {
	var re *RemoteError
	if !errors.As(err, &re) {
		return false
	}
	return re.Status == http.StatusTooManyRequests ||
		re.Status == http.StatusServiceUnavailable ||
		re.Code == "QUERY_LIMIT_EXCEEDED"
}

// Client talks to one portal through an inbound webhook URL of the form
// https://portal.bitrix24.ru/rest/<user>/<token>/.
type Client struct {
	webhookURL       string
	httpClient       *http.Client
	maxDownloadBytes int64
}

// NewClient creates a client for the given webhook URL. A zero timeout uses
// the default.
func NewClient(webhookURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		webhookURL:       strings.TrimRight(webhookURL, "/"),
		httpClient:       &http.Client{Timeout: timeout},
		maxDownloadBytes: 50 << 20,
	}
}

// SetMaxDownloadBytes bounds the size of a single downloaded file.
func (c *Client) SetMaxDownloadBytes(n int64) {
	if n > 0 {
		c.maxDownloadBytes = n
	}
}

type envelope struct {
	Result           json.RawMessage `json:"result"`
	Error            string          `json:"error"`
	ErrorDescription string          `json:"error_description"`
}

// Call invokes method with params. Portal rate limiting is retried with
// exponential backoff; every other failure is returned as is.
func (c *Client) Call(ctx context.Context, method string, params map[string]any) (json.RawMessage, error) {
	if params == nil {
		params = map[string]any{}
	}
	body, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshaling %s params: %w", method, err)
	}

	var lastErr error
	for attempt := range maxRetries {
		result, err := c.do(ctx, method, body)
		if err == nil {
			return result, nil
		}
		if !isRateLimit(err) {
			return nil, err
		}

		lastErr = err
		if attempt < maxRetries-1 {
			backoff := time.Duration(float64(initialBackoff) * math.Pow(2, float64(attempt)))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return nil, fmt.Errorf("%s rate limited after %d retries: %w", method, maxRetries, lastErr)
}

func (c *Client) do(ctx context.Context, method string, body []byte) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.webhookURL+"/"+method+".json", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling %s: %w", method, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading %s response: %w", method, err)
	}

	var env envelope
	decodeErr := json.Unmarshal(respBody, &env)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		re := &RemoteError{Code: env.Error, Description: env.ErrorDescription, Status: resp.StatusCode}
		if decodeErr != nil || re.Code == "" {
			re.Code = http.StatusText(resp.StatusCode)
			re.Description = strings.TrimSpace(string(respBody))
		}
		return nil, re
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("decoding %s response: %w", method, decodeErr)
	}
	if env.Error != "" {
		return nil, &RemoteError{Code: env.Error, Description: env.ErrorDescription, Status: resp.StatusCode}
	}
	return env.Result, nil
}

// resolve turns a portal-relative download path into an absolute URL.
func (c *Client) resolve(u string) string {
	if strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://") {
		return u
	}
	base := c.webhookURL
	if i := strings.Index(base, "/rest/"); i >= 0 {
		base = base[:i]
	}
	if !strings.HasPrefix(u, "/") {
		u = "/" + u
	}
	return base + u
}

func decodeResult(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return fmt.Errorf("empty result")
	}
	return json.Unmarshal(raw, v)
}
