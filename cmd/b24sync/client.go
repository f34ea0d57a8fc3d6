package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/makshsn/mpk-b24-api-sub000/internal/config"
	"github.com/makshsn/mpk-b24-api-sub000/internal/storage"
)

// apiClient talks to a running b24sync server.
type apiClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

var newAPIClient = func() (*apiClient, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	return &apiClient{
		baseURL:    fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port),
		token:      cfg.API.Token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// apiError is a non-2xx reply. Message and Type come from the server's
// error envelope when the body carries one.
type apiError struct {
	Status  int
	Type    string
	Message string
}

func (e *apiError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("server returned %d: %s (%s)", e.Status, e.Message, e.Type)
}

type healthResponse struct {
	Status        string `json:"status"`
	PendingEvents int    `json:"pending_events"`
	ActiveItems   int    `json:"active_items"`
	EntityTypes   []int  `json:"entity_types"`
}

type eventRequest struct {
	Event        string `json:"event"`
	EntityTypeID int    `json:"entity_type_id"`
	ItemID       int    `json:"item_id"`
}

// runFilter selects runs from the journal. Zero fields match everything.
type runFilter struct {
	Limit        int
	EntityTypeID int
	ItemID       int
	FailedOnly   bool
}

func (f runFilter) query() url.Values {
	q := url.Values{}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	if f.EntityTypeID > 0 {
		q.Set("entity_type_id", strconv.Itoa(f.EntityTypeID))
	}
	if f.ItemID > 0 {
		q.Set("item_id", strconv.Itoa(f.ItemID))
	}
	if f.FailedOnly {
		q.Set("failed", "true")
	}
	return q
}

func (c *apiClient) health(ctx context.Context) (healthResponse, error) {
	var h healthResponse
	err := c.call(ctx, http.MethodGet, "/health", nil, &h)
	return h, err
}

// sendEvent queues ev on the server's inbox and returns the event id.
func (c *apiClient) sendEvent(ctx context.Context, ev eventRequest) (string, error) {
	var reply struct {
		ID string `json:"id"`
	}
	if err := c.call(ctx, http.MethodPost, "/events", ev, &reply); err != nil {
		return "", err
	}
	if reply.ID == "" {
		return "", fmt.Errorf("server accepted the event without an id")
	}
	return reply.ID, nil
}

func (c *apiClient) listRuns(ctx context.Context, f runFilter) ([]storage.Run, error) {
	path := "/runs"
	if q := f.query(); len(q) > 0 {
		path += "?" + q.Encode()
	}
	var runs []storage.Run
	if err := c.call(ctx, http.MethodGet, path, nil, &runs); err != nil {
		return nil, err
	}
	return runs, nil
}

// getRun returns the stored result of a run as the server sent it.
func (c *apiClient) getRun(ctx context.Context, runID string) (json.RawMessage, error) {
	var raw json.RawMessage
	err := c.call(ctx, http.MethodGet, "/runs/"+url.PathEscape(runID), nil, &raw)
	return raw, err
}

func (c *apiClient) getSnapshot(ctx context.Context, entityTypeID, itemID int) (json.RawMessage, error) {
	var raw json.RawMessage
	err := c.call(ctx, http.MethodGet, fmt.Sprintf("/snapshots/%d/%d", entityTypeID, itemID), nil, &raw)
	return raw, err
}

// call sends body as JSON when it is non-nil and decodes the reply into out.
func (c *apiClient) call(ctx context.Context, method, path string, body, out any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshalling request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("server not reachable, is b24sync running? (%w)", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return readAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s %s reply: %w", method, path, err)
	}
	return nil
}

func readAPIError(resp *http.Response) error {
	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return &apiError{Status: resp.StatusCode, Message: fmt.Sprintf("failed to read body: %v", err)}
	}
	var envelope struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	if json.Unmarshal(data, &envelope) == nil && envelope.Error.Message != "" {
		return &apiError{Status: resp.StatusCode, Type: envelope.Error.Type, Message: envelope.Error.Message}
	}
	return &apiError{Status: resp.StatusCode, Message: strings.TrimSpace(string(data))}
}
