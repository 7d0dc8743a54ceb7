package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"blendsync/internal/apierror"
)

// PushStatus classifies the server's answer to one uploaded mutation.
type PushStatus int

const (
	PushAccepted PushStatus = iota
	// PushConflict is a stale baseVersion; Current carries the server row.
	PushConflict
	// PushInvalid means server validation rejected the payload.
	PushInvalid
	// PushForbidden is the tenant wall: the row belongs to someone else.
	PushForbidden
	// PushUnauthenticated means the server rejected the credentials. That is
	// a session problem, not a row problem: the whole pass aborts.
	PushUnauthenticated
	PushNotFound
	// PushTransient is a network error or 5xx; retry with backoff.
	PushTransient
)

// PushResult is the outcome of one upload.
type PushResult struct {
	Status  PushStatus
	Row     json.RawMessage // accepted server row (with assigned id/version)
	Current json.RawMessage // server row on conflict
	Detail  string
}

// TokenSource supplies the bearer token per request, so rotation does not
// require restarting the engine.
type TokenSource func(ctx context.Context) (string, error)

// API is the thin HTTP client the engine pushes through and pulls from.
type API struct {
	baseURL string
	token   TokenSource
	http    *http.Client
}

func NewAPI(baseURL string, token TokenSource) *API {
	return &API{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

type dataEnvelope struct {
	Data json.RawMessage `json:"data"`
}

type conflictEnvelope struct {
	Detail  string          `json:"detail"`
	Current json.RawMessage `json:"current"`
}

// List pulls rows of one collection modified after the cursor.
func (a *API) List(ctx context.Context, entity string, since time.Time, limit int) ([]json.RawMessage, error) {
	q := url.Values{}
	if !since.IsZero() {
		q.Set("modifiedSince", since.UTC().Format(time.RFC3339))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	u := a.baseURL + "/api/" + entity
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	body, status, err := a.do(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, statusError(status, body)
	}
	var env struct {
		Data []json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("pull %s: decode: %w", entity, err)
	}
	return env.Data, nil
}

// Create uploads a locally created row.
func (a *API) Create(ctx context.Context, entity string, payload json.RawMessage) (PushResult, error) {
	body, status, err := a.do(ctx, http.MethodPost, a.baseURL+"/api/"+entity, payload)
	if err != nil {
		return PushResult{Status: PushTransient, Detail: err.Error()}, nil
	}
	return pushResult(status, body), nil
}

// Update uploads a local edit conditioned on baseVersion.
func (a *API) Update(ctx context.Context, entity, id string, payload json.RawMessage) (PushResult, error) {
	body, status, err := a.do(ctx, http.MethodPut, a.baseURL+"/api/"+entity+"/"+id, payload)
	if err != nil {
		return PushResult{Status: PushTransient, Detail: err.Error()}, nil
	}
	return pushResult(status, body), nil
}

// Delete uploads a local tombstone conditioned on baseVersion.
func (a *API) Delete(ctx context.Context, entity, id string, baseVersion uint64) (PushResult, error) {
	u := fmt.Sprintf("%s/api/%s/%s?baseVersion=%d", a.baseURL, entity, id, baseVersion)
	body, status, err := a.do(ctx, http.MethodDelete, u, nil)
	if err != nil {
		return PushResult{Status: PushTransient, Detail: err.Error()}, nil
	}
	return pushResult(status, body), nil
}

// ResolveConflict asks the server to merge under a strategy and returns the
// merged, re-versioned row.
func (a *API) ResolveConflict(ctx context.Context, req any) (PushResult, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return PushResult{}, err
	}
	body, status, err := a.do(ctx, http.MethodPost, a.baseURL+"/api/conflicts/resolve", payload)
	if err != nil {
		return PushResult{Status: PushTransient, Detail: err.Error()}, nil
	}
	return pushResult(status, body), nil
}

// Health probes the server heartbeat endpoint. Used by the connectivity
// supervisor; no auth so a probe works with an expired token.
func (a *API) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health: status %d", resp.StatusCode)
	}
	return nil
}

func (a *API) do(ctx context.Context, method, u string, payload json.RawMessage) ([]byte, int, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, 0, err
	}
	token, err := a.token(ctx)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, err
	}
	return data, resp.StatusCode, nil
}

func pushResult(status int, body []byte) PushResult {
	switch {
	case status == http.StatusOK || status == http.StatusCreated:
		var env dataEnvelope
		if err := json.Unmarshal(body, &env); err != nil {
			return PushResult{Status: PushInvalid, Detail: "malformed success body"}
		}
		return PushResult{Status: PushAccepted, Row: env.Data}
	case status == http.StatusConflict:
		var env conflictEnvelope
		_ = json.Unmarshal(body, &env)
		return PushResult{Status: PushConflict, Current: env.Current, Detail: env.Detail}
	case status == http.StatusUnauthorized:
		return PushResult{Status: PushUnauthenticated, Detail: errDetail(body)}
	case status == http.StatusForbidden:
		return PushResult{Status: PushForbidden, Detail: errDetail(body)}
	case status == http.StatusNotFound:
		return PushResult{Status: PushNotFound, Detail: errDetail(body)}
	case status >= 500:
		return PushResult{Status: PushTransient, Detail: errDetail(body)}
	default:
		return PushResult{Status: PushInvalid, Detail: errDetail(body)}
	}
}

func errDetail(body []byte) string {
	var e apierror.APIError
	if json.Unmarshal(body, &e) == nil && e.Detail != "" {
		return e.Detail
	}
	return string(body)
}

// StatusError is a non-2xx server answer outside the per-row push protocol,
// carrying its taxonomy kind so the engine can react per kind.
type StatusError struct {
	Kind   apierror.Kind
	Status int
	Detail string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.Kind, e.Status, e.Detail)
}

func statusError(status int, body []byte) error {
	kind := apierror.KindValidation
	switch {
	case status >= 500:
		kind = apierror.KindTransientNetwork
	case status == http.StatusUnauthorized:
		kind = apierror.KindUnauthenticated
	case status == http.StatusForbidden:
		kind = apierror.KindTenantViolation
	}
	return &StatusError{Kind: kind, Status: status, Detail: errDetail(body)}
}
