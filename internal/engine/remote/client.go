// Package remote is the engine's boundary to the dashboard API.
//
// The engine treats the remote side purely as request/response: latency
// and failure modes are unspecified, and every call site is prepared for
// either. Fetched collection responses are captured into the snapshot
// cache so the dashboard can render the last known remote truth offline.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/nesttask/nesttask/internal/engine/record"
	"github.com/nesttask/nesttask/internal/engine/snapshot"
)

// API is the remote boundary the sync coordinator drains against.
// Tests substitute mocks; production uses *Client.
type API interface {
	// Apply replays one pending operation against the remote side.
	// A nil return confirms the operation.
	Apply(ctx context.Context, op *record.PendingOperation) error

	// Fetch retrieves the remote truth for one entity type.
	Fetch(ctx context.Context, entityType record.EntityType) ([]*record.Record, error)
}

// ApplyError reports a pending operation the remote side rejected or
// could not be reached for. The operation stays queued; the error never
// propagates past the drain loop.
type ApplyError struct {
	// EntityType and OpID identify the failed operation.
	EntityType record.EntityType
	OpID       string
	// Status is the HTTP status, or 0 when the request never completed.
	Status int
	// Err is the underlying cause.
	Err error
}

func (e *ApplyError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("apply %s operation %s: remote returned %d", e.EntityType, e.OpID, e.Status)
	}
	return fmt.Sprintf("apply %s operation %s: %v", e.EntityType, e.OpID, e.Err)
}

func (e *ApplyError) Unwrap() error {
	return e.Err
}

// Client talks to the dashboard API over HTTP.
type Client struct {
	baseURL   string
	http      *http.Client
	snapshots *snapshot.Cache
	logger    *log.Logger
}

// NewClient creates a remote client.
//
// snapshots may be nil, in which case fetched responses are not
// captured. If logger is nil, a default stderr logger is used.
func NewClient(baseURL string, httpClient *http.Client, snapshots *snapshot.Cache, logger *log.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[remote] ", log.LstdFlags)
	}
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		http:      httpClient,
		snapshots: snapshots,
		logger:    logger,
	}
}

// collectionPath maps an entity type to its API path.
func collectionPath(et record.EntityType) string {
	return "/api/" + et.Collection()
}

// Apply implements API. Creates POST to the collection, updates PUT to
// the record, deletes DELETE the record. The payload's id field
// addresses updates and deletes.
func (c *Client) Apply(ctx context.Context, op *record.PendingOperation) error {
	var method, path string
	var body io.Reader

	switch op.Kind {
	case record.OpCreate:
		method = http.MethodPost
		path = collectionPath(op.EntityType)
		body = bytes.NewReader(op.Payload)
	case record.OpUpdate:
		method = http.MethodPut
		path = collectionPath(op.EntityType) + "/" + payloadID(op)
		body = bytes.NewReader(op.Payload)
	case record.OpDelete:
		method = http.MethodDelete
		path = collectionPath(op.EntityType) + "/" + payloadID(op)
	default:
		return &ApplyError{EntityType: op.EntityType, OpID: op.ID,
			Err: fmt.Errorf("unknown operation kind %q", op.Kind)}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return &ApplyError{EntityType: op.EntityType, OpID: op.ID, Err: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &ApplyError{EntityType: op.EntityType, OpID: op.ID, Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	// 404 on a delete means the record is already gone; replaying a
	// confirmed-but-unremoved delete must stay idempotent.
	if op.Kind == record.OpDelete && resp.StatusCode == http.StatusNotFound {
		return nil
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &ApplyError{EntityType: op.EntityType, OpID: op.ID, Status: resp.StatusCode}
	}
	return nil
}

// Fetch implements API. The raw response is captured into the snapshot
// cache before decoding; a capture failure is logged, not fatal, so a
// full snapshot store never blocks a refresh.
func (c *Client) Fetch(ctx context.Context, entityType record.EntityType) ([]*record.Record, error) {
	path := collectionPath(entityType)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", entityType, err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", entityType, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: read body: %w", entityType, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: remote returned %d", entityType, resp.StatusCode)
	}

	if c.snapshots != nil {
		err := c.snapshots.Put(ctx, snapshot.Entry{
			Group:      snapshot.GroupAPI,
			Path:       path,
			Status:     resp.StatusCode,
			Body:       raw,
			CapturedAt: time.Now(),
		})
		if err != nil {
			c.logger.Printf("WARNING: failed to capture %s response: %v", path, err)
		}
	}

	var recs []*record.Record
	if err := json.Unmarshal(raw, &recs); err != nil {
		return nil, fmt.Errorf("fetch %s: decode response: %w", entityType, err)
	}
	return recs, nil
}

// payloadID extracts the id field from an operation payload. Updates and
// deletes address a specific record; a payload without an id falls back
// to the operation id so the request still has a stable target.
func payloadID(op *record.PendingOperation) string {
	var partial struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(op.Payload, &partial); err == nil && partial.ID != "" {
		return partial.ID
	}
	return op.ID
}
