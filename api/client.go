package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// TokenProvider resolves the bearer credential immediately before each
// request, letting the caller rotate credentials without rebuilding the
// client.
type TokenProvider func(ctx context.Context) (string, error)

// StaticToken returns a TokenProvider that always yields the given token.
func StaticToken(token string) TokenProvider {
	return func(context.Context) (string, error) { return token, nil }
}

// DefaultTimeout bounds individual HTTP requests.
const DefaultTimeout = 30 * time.Second

// Options configures a Client.
type Options struct {
	// BaseURL is the storage service root, e.g. "https://vault.example.com".
	// Trailing slashes are trimmed.
	BaseURL string
	// Tokens resolves the bearer credential per request. Nil means
	// unauthenticated requests.
	Tokens TokenProvider
	// HTTPClient overrides the underlying client. Nil uses a client with
	// DefaultTimeout.
	HTTPClient *http.Client
}

// Client is a typed client for the storage service's upload and download
// endpoints.
type Client struct {
	base   string
	tokens TokenProvider
	http   *http.Client
}

// New creates a Client. The base URL must be non-empty and parseable.
func New(opts Options) (*Client, error) {
	base := strings.TrimRight(opts.BaseURL, "/")
	if base == "" {
		return nil, errors.New("api: base URL required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("api: invalid base URL: %w", err)
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}

	return &Client{
		base:   base,
		tokens: opts.Tokens,
		http:   httpClient,
	}, nil
}

// BaseURL returns the normalized service root.
func (c *Client) BaseURL() string { return c.base }

// InitUpload initializes an upload session. The server chooses the storage
// strategy from the declared size.
func (c *Client) InitUpload(ctx context.Context, fileName string, fileSize int64, folderID string) (*InitResponse, error) {
	logrus.WithFields(logrus.Fields{
		"function":  "InitUpload",
		"file_name": fileName,
		"file_size": fileSize,
		"folder_id": folderID,
	}).Info("Initializing upload session")

	q := url.Values{}
	q.Set("file_name", fileName)
	q.Set("file_size", strconv.FormatInt(fileSize, 10))
	if folderID != "" {
		q.Set("folder_id", folderID)
	}

	var resp InitResponse
	if err := c.postJSON(ctx, "InitUpload", "/api/v1/upload/init?"+q.Encode(), &resp); err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function":         "InitUpload",
		"upload_id":        resp.UploadID,
		"storage_strategy": resp.StorageStrategy,
		"total_chunks":     resp.TotalChunks,
	}).Info("Upload session initialized")

	return &resp, nil
}

// UploadChunk sends one chunk of a chunked upload as a multipart body.
func (c *Client) UploadChunk(ctx context.Context, uploadID string, index int, chunk io.Reader) (*ChunkResponse, error) {
	path := fmt.Sprintf("/api/v1/upload/chunk/%s?chunk_index=%d", url.PathEscape(uploadID), index)

	body, contentType, err := multipartBody("chunk", fmt.Sprintf("chunk_%d", index), chunk)
	if err != nil {
		return nil, fmt.Errorf("api: UploadChunk: building body: %w", err)
	}

	var resp ChunkResponse
	if err := c.doJSON(ctx, "UploadChunk", http.MethodPost, path, body, contentType, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// UploadDirect sends the entire payload in one multipart request. Used for
// the inline and single storage strategies.
func (c *Client) UploadDirect(ctx context.Context, uploadID, fileName string, payload io.Reader) error {
	path := "/api/v1/upload/direct/" + url.PathEscape(uploadID)

	body, contentType, err := multipartBody("file", fileName, payload)
	if err != nil {
		return fmt.Errorf("api: UploadDirect: building body: %w", err)
	}

	return c.doJSON(ctx, "UploadDirect", http.MethodPost, path, body, contentType, &struct{}{})
}

// CompleteUpload finalizes an upload session. A response with status
// "incomplete" is returned to the caller undecorated; deciding what to do
// about missing chunks is the coordinator's job.
func (c *Client) CompleteUpload(ctx context.Context, uploadID string) (*CompleteResponse, error) {
	var resp CompleteResponse
	err := c.postJSON(ctx, "CompleteUpload", "/api/v1/upload/complete/"+url.PathEscape(uploadID), &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// UploadStatus fetches the server-side progress of an upload session, for
// resuming an interrupted chunked upload.
func (c *Client) UploadStatus(ctx context.Context, uploadID string) (*StatusResponse, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/v1/upload/resume/"+url.PathEscape(uploadID), nil, "")
	if err != nil {
		return nil, err
	}

	var resp StatusResponse
	if err := c.execJSON("UploadStatus", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Probe performs a header-only request to learn a file's size, content
// type, and whether byte-range requests are supported.
func (c *Client) Probe(ctx context.Context, fileID string) (*Metadata, error) {
	req, err := c.newRequest(ctx, http.MethodHead, "/api/v1/upload/download/"+url.PathEscape(fileID), nil, "")
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &NetworkError{Op: "Probe", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &ProtocolError{Op: "Probe", Status: resp.StatusCode}
	}

	meta := &Metadata{
		Size:         resp.ContentLength,
		AcceptRanges: strings.EqualFold(resp.Header.Get("Accept-Ranges"), "bytes"),
		ContentType:  resp.Header.Get("Content-Type"),
	}

	logrus.WithFields(logrus.Fields{
		"function":      "Probe",
		"file_id":       fileID,
		"size":          meta.Size,
		"accept_ranges": meta.AcceptRanges,
		"content_type":  meta.ContentType,
	}).Debug("Probed file metadata")

	return meta, nil
}

// FetchRange requests the byte interval [start, end] of a file. Both
// bounds are inclusive. A 206 answer is validated against the requested
// start offset; a 200 answer to a ranged request means the server ignored
// the range and is reported as a *ProtocolError rather than silently
// accepted, since appending a full body after previously saved bytes would
// corrupt the result.
func (c *Client) FetchRange(ctx context.Context, fileID string, start, end int64) (*Body, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/v1/upload/download/"+url.PathEscape(fileID), nil, "")
	if err != nil {
		return nil, err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end))

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &NetworkError{Op: "FetchRange", Err: err}
	}

	switch resp.StatusCode {
	case http.StatusPartialContent:
		if gotStart, ok := contentRangeStart(resp.Header.Get("Content-Range")); ok && gotStart != start {
			resp.Body.Close()
			return nil, &ProtocolError{
				Op:      "FetchRange",
				Status:  resp.StatusCode,
				Message: fmt.Sprintf("Content-Range starts at %d, requested %d", gotStart, start),
			}
		}
	case http.StatusOK:
		resp.Body.Close()
		return nil, &ProtocolError{
			Op:      "FetchRange",
			Status:  resp.StatusCode,
			Message: "server returned full body for ranged request",
		}
	default:
		resp.Body.Close()
		return nil, &ProtocolError{Op: "FetchRange", Status: resp.StatusCode}
	}

	return &Body{Reader: resp.Body, Status: resp.StatusCode, Length: resp.ContentLength}, nil
}

// FetchAll requests the entire file body.
func (c *Client) FetchAll(ctx context.Context, fileID string) (*Body, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/v1/upload/download/"+url.PathEscape(fileID), nil, "")
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &NetworkError{Op: "FetchAll", Err: err}
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		resp.Body.Close()
		return nil, &ProtocolError{Op: "FetchAll", Status: resp.StatusCode}
	}

	return &Body{Reader: resp.Body, Status: resp.StatusCode, Length: resp.ContentLength}, nil
}

// newRequest builds a request with the resolved bearer credential.
func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader, contentType string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return nil, fmt.Errorf("api: building request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	if c.tokens != nil {
		token, err := c.tokens(ctx)
		if err != nil {
			return nil, fmt.Errorf("api: resolving token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	return req, nil
}

func (c *Client) postJSON(ctx context.Context, op, path string, out any) error {
	return c.doJSON(ctx, op, http.MethodPost, path, nil, "", out)
}

func (c *Client) doJSON(ctx context.Context, op, method, path string, body io.Reader, contentType string, out any) error {
	req, err := c.newRequest(ctx, method, path, body, contentType)
	if err != nil {
		return err
	}
	return c.execJSON(op, req, out)
}

func (c *Client) execJSON(op string, req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return &NetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &ProtocolError{Op: op, Status: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &ProtocolError{Op: op, Status: resp.StatusCode, Message: "undecodable body: " + err.Error()}
	}
	return nil
}

// multipartBody materializes a single-part multipart payload. Transfers
// are bounded by the chunk size, so buffering one part is acceptable.
func multipartBody(field, fileName string, r io.Reader) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	part, err := w.CreateFormFile(field, fileName)
	if err != nil {
		return nil, "", err
	}
	if _, err := io.Copy(part, r); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}

	return &buf, w.FormDataContentType(), nil
}

// contentRangeStart parses the start offset out of a Content-Range header
// of the form "bytes start-end/total". The second return is false when the
// header is absent or malformed.
func contentRangeStart(header string) (int64, bool) {
	header = strings.TrimPrefix(header, "bytes ")
	dash := strings.IndexByte(header, '-')
	if dash <= 0 {
		return 0, false
	}
	start, err := strconv.ParseInt(header[:dash], 10, 64)
	if err != nil {
		return 0, false
	}
	return start, true
}
