// Package remote is the client for the remote record API, the external
// collaborator the sync engine drains pending operations against. The
// server is a black box offering create/update/delete per entity type;
// payload shapes are opaque here.
package remote

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

	"github.com/google/uuid"

	"github.com/oversightlabs/fieldsync/internal/types"
)

// RecordAPI is the surface the sync worker depends on.
type RecordAPI interface {
	Create(ctx context.Context, entityType types.EntityType, payload json.RawMessage) (*types.RemoteRecord, error)
	Update(ctx context.Context, entityType types.EntityType, id int64, payload json.RawMessage) (*types.RemoteRecord, error)
	Delete(ctx context.Context, entityType types.EntityType, id int64) error
}

// APIError is a structured failure returned by the server.
type APIError struct {
	StatusCode int    `json:"status"`
	Code       string `json:"code,omitempty"`
	Message    string `json:"message,omitempty"`
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("remote api: %d %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("remote api: status %d", e.StatusCode)
}

// IsNotFound reports whether err is a server-side 404. The worker treats
// it as a tombstone: the entity is already gone remotely.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// Client talks HTTP/JSON to the remote record API.
type Client struct {
	baseURL  string
	apiToken string
	client   *http.Client
}

// NewClient creates a Client for the given base URL. The token, if set,
// is passed through as a bearer credential; auth itself is the remote
// layer's concern.
func NewClient(baseURL, apiToken string) *Client {
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		apiToken: apiToken,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// collections maps entity types to their REST collection segments.
var collections = map[types.EntityType]string{
	types.EntityNote:       "notes",
	types.EntityDocument:   "documents",
	types.EntityAttendance: "attendance",
}

func collectionFor(entityType types.EntityType) (string, error) {
	c, ok := collections[entityType]
	if !ok {
		return "", fmt.Errorf("unknown entity type %q", entityType)
	}
	return c, nil
}

// Create inserts a record server-side and returns the server's copy with
// its assigned id. An Idempotency-Key header guards against a retried
// create double-inserting when a prior attempt succeeded but its
// response was lost.
func (c *Client) Create(ctx context.Context, entityType types.EntityType, payload json.RawMessage) (*types.RemoteRecord, error) {
	collection, err := collectionFor(entityType)
	if err != nil {
		return nil, err
	}

	headers := map[string]string{"Idempotency-Key": uuid.NewString()}
	resp, err := c.send(ctx, http.MethodPost, "/api/v1/"+collection, payload, headers)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return nil, decodeError(resp)
	}
	return decodeRecord(resp.Body)
}

// Update replaces a record server-side and returns the server's copy.
func (c *Client) Update(ctx context.Context, entityType types.EntityType, id int64, payload json.RawMessage) (*types.RemoteRecord, error) {
	collection, err := collectionFor(entityType)
	if err != nil {
		return nil, err
	}

	resp, err := c.send(ctx, http.MethodPut, fmt.Sprintf("/api/v1/%s/%d", collection, id), payload, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, decodeError(resp)
	}
	return decodeRecord(resp.Body)
}

// Delete removes a record server-side.
func (c *Client) Delete(ctx context.Context, entityType types.EntityType, id int64) error {
	collection, err := collectionFor(entityType)
	if err != nil {
		return err
	}

	resp, err := c.send(ctx, http.MethodDelete, fmt.Sprintf("/api/v1/%s/%d", collection, id), nil, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return decodeError(resp)
	}
	return nil
}

// Ping checks connectivity to the remote API.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.send(ctx, http.MethodGet, "/api/v1/health", nil, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed: %d", resp.StatusCode)
	}
	return nil
}

// send issues an authenticated JSON request.
func (c *Client) send(ctx context.Context, method, path string, body json.RawMessage, headers map[string]string) (*http.Response, error) {
	var reqBody io.Reader
	if body != nil {
		reqBody = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, err
	}

	if c.apiToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiToken)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	return c.client.Do(req)
}

func decodeRecord(r io.Reader) (*types.RemoteRecord, error) {
	var rec types.RemoteRecord
	if err := json.NewDecoder(r).Decode(&rec); err != nil {
		return nil, fmt.Errorf("decode server record: %w", err)
	}
	return &rec, nil
}

// decodeError turns a non-2xx response into an *APIError, tolerating
// servers that return no body or a non-JSON one.
func decodeError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil || len(body) == 0 {
		return apiErr
	}
	if jsonErr := json.Unmarshal(body, apiErr); jsonErr != nil {
		apiErr.Message = strings.TrimSpace(string(body))
	}
	apiErr.StatusCode = resp.StatusCode
	return apiErr
}
