// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// ServerRecord is one entity as reported by the remote API: a JSON object
// carrying at least "id" and an ISO-8601 "updated_at", kept whole as the
// opaque payload.
type ServerRecord struct {
	ID        string
	UpdatedAt time.Time
	Version   int64
	Payload   []byte // the full entity JSON
}

type serverEnvelope struct {
	ID        string `json:"id"`
	UpdatedAt string `json:"updated_at"`
	Version   int64  `json:"version"`
}

// DecodeServerRecord extracts the engine-visible fields from an entity JSON
// object while preserving the raw bytes as the payload.
func DecodeServerRecord(raw []byte) (*ServerRecord, error) {
	var env serverEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("failed to decode server entity: %w", err)
	}
	if env.ID == "" {
		return nil, fmt.Errorf("server entity has no id")
	}
	sr := &ServerRecord{
		ID:      env.ID,
		Version: env.Version,
		Payload: append([]byte(nil), raw...),
	}
	if env.UpdatedAt != "" {
		ts, err := time.Parse(time.RFC3339, env.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("bad updated_at for entity %s: %w", env.ID, err)
		}
		sr.UpdatedAt = ts
	}
	return sr, nil
}

// ListPage is the decoded result of a list endpoint. Complete reports whether
// the server asserted this is the entire current entity set; reconciliation
// may only infer deletions from a complete page.
type ListPage struct {
	Records    []ServerRecord
	DeletedIDs []string
	Complete   bool
}

// RemoteCall invokes one remote mutation and returns the server's view of the
// affected entity, or nil when the response carries no entity (e.g. a 204 on
// delete).
type RemoteCall func(ctx context.Context) (*ServerRecord, error)

// RemoteClient talks to the opaque REST collaborator. Token, when set, is
// called per request and attached as a bearer token; the engine never
// inspects it.
type RemoteClient struct {
	BaseURL string
	HTTP    *http.Client
	Token   func(ctx context.Context) (string, error)
	logger  *slog.Logger
}

// NewRemoteClient creates a client for the API at baseURL. tok may be nil for
// unauthenticated collaborators.
func NewRemoteClient(baseURL string, tok func(ctx context.Context) (string, error), logger *slog.Logger) *RemoteClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &RemoteClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: 30 * time.Second},
		Token:   tok,
		logger:  logger,
	}
}

// Do issues one HTTP request and returns the raw response body. Transport
// failures and error statuses are reported as *NetworkError; the caller
// decides between rollback and enqueue-for-retry.
func (r *RemoteClient) Do(ctx context.Context, method, endpoint string, payload []byte) ([]byte, error) {
	url := r.BaseURL + "/" + strings.TrimLeft(endpoint, "/")

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.Token != nil {
		token, err := r.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := r.HTTP.Do(req)
	if err != nil {
		return nil, &NetworkError{Method: method, Endpoint: endpoint, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{Method: method, Endpoint: endpoint, Err: err}
	}
	if resp.StatusCode >= 400 {
		r.logger.Debug("remote call failed",
			"method", method, "endpoint", endpoint, "status", resp.StatusCode)
		return nil, &NetworkError{Method: method, Endpoint: endpoint, StatusCode: resp.StatusCode}
	}
	return data, nil
}

// Entity issues a mutation and decodes the returned entity. A body-less
// success (204, or an empty body) yields a nil record.
func (r *RemoteClient) Entity(ctx context.Context, method, endpoint string, payload []byte) (*ServerRecord, error) {
	data, err := r.Do(ctx, method, endpoint, payload)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	return DecodeServerRecord(data)
}

// Call binds a mutation into a RemoteCall for the optimistic mutation
// manager.
func (r *RemoteClient) Call(method, endpoint string, payload []byte) RemoteCall {
	return func(ctx context.Context) (*ServerRecord, error) {
		return r.Entity(ctx, method, endpoint, payload)
	}
}

// listEnvelope is the paginated list response shape. Servers returning a bare
// JSON array are treated as a complete listing.
type listEnvelope struct {
	Items      []json.RawMessage `json:"items"`
	DeletedIDs []string          `json:"deleted_ids"`
	Complete   bool              `json:"complete"`
}

// List fetches a list endpoint and decodes it into a ListPage.
func (r *RemoteClient) List(ctx context.Context, endpoint string) (*ListPage, error) {
	data, err := r.Do(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	var items []json.RawMessage
	page := &ListPage{}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		// A bare array is the server's whole current set.
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, fmt.Errorf("failed to decode list response: %w", err)
		}
		page.Complete = true
	} else {
		var env listEnvelope
		if err := json.Unmarshal(trimmed, &env); err != nil {
			return nil, fmt.Errorf("failed to decode list response: %w", err)
		}
		items = env.Items
		page.DeletedIDs = env.DeletedIDs
		page.Complete = env.Complete
	}

	page.Records = make([]ServerRecord, 0, len(items))
	for _, raw := range items {
		sr, err := DecodeServerRecord(raw)
		if err != nil {
			return nil, err
		}
		page.Records = append(page.Records, *sr)
	}
	return page, nil
}
