package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"scanbox/internal/model"
)

const defaultTimeout = 15 * time.Second

// HTTPClient talks to the reference sync server's JSON API.
type HTTPClient struct {
	base string
	hc   *http.Client
}

// NewHTTPClient builds a client for the given base URL (e.g.
// "https://sync.example.com"). Every attempt is bounded by timeout; zero
// selects the default.
func NewHTTPClient(base string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &HTTPClient{
		base: strings.TrimRight(base, "/"),
		hc:   &http.Client{Timeout: timeout},
	}
}

// errorBody is the server's structured error payload.
type errorBody struct {
	Message string               `json:"message"`
	Remote  *model.RemoteVersion `json:"remote,omitempty"`
}

func (c *HTTPClient) do(ctx context.Context, method, path string, in any) (Ack, error) {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return Ack{}, &Error{Kind: KindValidation, Msg: fmt.Sprintf("encode request: %v", err)}
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return Ack{}, &Error{Kind: KindValidation, Msg: err.Error()}
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		// transport failures and timeouts are always retryable
		return Ack{}, &Error{Kind: KindRetryable, Msg: err.Error()}
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Ack{}, &Error{Kind: KindRetryable, Msg: err.Error()}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var ack Ack
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &ack); err != nil {
				return Ack{}, &Error{Kind: KindRetryable, Msg: fmt.Sprintf("decode ack: %v", err)}
			}
		}
		return ack, nil
	case resp.StatusCode == http.StatusConflict:
		var eb errorBody
		_ = json.Unmarshal(raw, &eb)
		return Ack{}, &Error{Kind: KindConflict, Msg: eb.Message, Remote: eb.Remote}
	case resp.StatusCode == http.StatusNotFound:
		var eb errorBody
		_ = json.Unmarshal(raw, &eb)
		return Ack{}, &Error{Kind: KindNotFound, Msg: eb.Message}
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		var eb errorBody
		_ = json.Unmarshal(raw, &eb)
		return Ack{}, &Error{Kind: KindValidation, Msg: eb.Message}
	default:
		return Ack{}, &Error{Kind: KindRetryable, Msg: fmt.Sprintf("status %d", resp.StatusCode)}
	}
}

// CreateDocument posts a new document.
func (c *HTTPClient) CreateDocument(ctx context.Context, st DocumentState) (Ack, error) {
	return c.do(ctx, http.MethodPost, "/v1/documents", st)
}

// UpdateDocument replaces a document's metadata under LWW.
func (c *HTTPClient) UpdateDocument(ctx context.Context, remoteID string, st DocumentState) (Ack, error) {
	return c.do(ctx, http.MethodPut, "/v1/documents/"+url.PathEscape(remoteID), st)
}

// MoveDocument changes only the document's folder.
func (c *HTTPClient) MoveDocument(ctx context.Context, remoteID, folderID string, baseUpdatedAt time.Time) (Ack, error) {
	in := struct {
		FolderID      string    `json:"folder_id"`
		BaseUpdatedAt time.Time `json:"base_updated_at,omitempty"`
	}{folderID, baseUpdatedAt}
	return c.do(ctx, http.MethodPost, "/v1/documents/"+url.PathEscape(remoteID)+"/move", in)
}

// DeleteDocument tombstones a document.
func (c *HTTPClient) DeleteDocument(ctx context.Context, remoteID string, baseUpdatedAt time.Time) (Ack, error) {
	path := "/v1/documents/" + url.PathEscape(remoteID)
	if !baseUpdatedAt.IsZero() {
		path += "?base_updated_at=" + url.QueryEscape(baseUpdatedAt.Format(time.RFC3339Nano))
	}
	return c.do(ctx, http.MethodDelete, path, nil)
}

// CreateFolder posts a new folder.
func (c *HTTPClient) CreateFolder(ctx context.Context, st FolderState) (Ack, error) {
	return c.do(ctx, http.MethodPost, "/v1/folders", st)
}

// UpdateFolder replaces a folder's metadata.
func (c *HTTPClient) UpdateFolder(ctx context.Context, remoteID string, st FolderState) (Ack, error) {
	return c.do(ctx, http.MethodPut, "/v1/folders/"+url.PathEscape(remoteID), st)
}

// DeleteFolder removes a folder.
func (c *HTTPClient) DeleteFolder(ctx context.Context, remoteID string) (Ack, error) {
	return c.do(ctx, http.MethodDelete, "/v1/folders/"+url.PathEscape(remoteID), nil)
}

// Ping probes the health endpoint.
func (c *HTTPClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/v1/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return &Error{Kind: KindRetryable, Msg: err.Error()}
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return &Error{Kind: KindRetryable, Msg: fmt.Sprintf("status %d", resp.StatusCode)}
	}
	return nil
}

var _ Backend = (*HTTPClient)(nil)
