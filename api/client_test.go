package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := New(Options{BaseURL: srv.URL, Tokens: StaticToken("tok-123")})
	require.NoError(t, err)
	return client, srv
}

func TestNewNormalizesBaseURL(t *testing.T) {
	client, err := New(Options{BaseURL: "https://vault.example.com///"})
	require.NoError(t, err)
	assert.Equal(t, "https://vault.example.com", client.BaseURL())
}

func TestNewRequiresBaseURL(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestInitUpload(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/upload/init", r.URL.Path)
		assert.Equal(t, "report.pdf", r.URL.Query().Get("file_name"))
		assert.Equal(t, "1048576", r.URL.Query().Get("file_size"))
		assert.Equal(t, "folder-9", r.URL.Query().Get("folder_id"))
		assert.Equal(t, "Bearer tok-123", r.Header.Get("Authorization"))

		json.NewEncoder(w).Encode(InitResponse{
			UploadID:        "up-1",
			StorageStrategy: StrategyChunked,
			ChunkSize:       64,
			TotalChunks:     4,
		})
	}))

	resp, err := client.InitUpload(context.Background(), "report.pdf", 1<<20, "folder-9")
	require.NoError(t, err)
	assert.Equal(t, "up-1", resp.UploadID)
	assert.Equal(t, StrategyChunked, resp.StorageStrategy)
	assert.Equal(t, 4, resp.TotalChunks)
}

func TestUploadChunkSendsMultipart(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/upload/chunk/up-1", r.URL.Path)
		assert.Equal(t, "2", r.URL.Query().Get("chunk_index"))

		file, _, err := r.FormFile("chunk")
		require.NoError(t, err)
		data, err := io.ReadAll(file)
		require.NoError(t, err)
		assert.Equal(t, "chunk-bytes", string(data))

		json.NewEncoder(w).Encode(ChunkResponse{Status: "success", ChunkIndex: 2})
	}))

	resp, err := client.UploadChunk(context.Background(), "up-1", 2, strings.NewReader("chunk-bytes"))
	require.NoError(t, err)
	assert.Equal(t, 2, resp.ChunkIndex)
}

func TestCompleteUploadIncomplete(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"status":         "incomplete",
			"missing_chunks": []int{1, 3},
		})
	}))

	resp, err := client.CompleteUpload(context.Background(), "up-1")
	require.NoError(t, err)
	assert.Equal(t, "incomplete", resp.Status)
	assert.Equal(t, []int{1, 3}, resp.MissingChunks)
}

func TestProbe(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodHead, r.Method)
		assert.Equal(t, "/api/v1/upload/download/file-7", r.URL.Path)
		w.Header().Set("Accept-Ranges", "bytes")
		w.Header().Set("Content-Type", "application/pdf")
		w.Header().Set("Content-Length", "1000")
		w.WriteHeader(http.StatusOK)
	}))

	meta, err := client.Probe(context.Background(), "file-7")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), meta.Size)
	assert.True(t, meta.AcceptRanges)
	assert.Equal(t, "application/pdf", meta.ContentType)
}

func TestFetchRangeValidatesContentRange(t *testing.T) {
	tests := []struct {
		name         string
		status       int
		contentRange string
		wantErr      bool
		errContains  string
	}{
		{
			name:         "valid partial content",
			status:       http.StatusPartialContent,
			contentRange: "bytes 400-999/1000",
		},
		{
			name:        "full body for ranged request",
			status:      http.StatusOK,
			wantErr:     true,
			errContains: "full body",
		},
		{
			name:         "mismatched range start",
			status:       http.StatusPartialContent,
			contentRange: "bytes 0-999/1000",
			wantErr:      true,
			errContains:  "Content-Range",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "bytes=400-999", r.Header.Get("Range"))
				if tt.contentRange != "" {
					w.Header().Set("Content-Range", tt.contentRange)
				}
				w.WriteHeader(tt.status)
				fmt.Fprint(w, "payload")
			}))

			body, err := client.FetchRange(context.Background(), "file-7", 400, 999)
			if tt.wantErr {
				var protoErr *ProtocolError
				require.ErrorAs(t, err, &protoErr)
				assert.Contains(t, protoErr.Error(), tt.errContains)
				return
			}

			require.NoError(t, err)
			defer body.Reader.Close()
			assert.Equal(t, http.StatusPartialContent, body.Status)
		})
	}
}

func TestFetchAllAcceptsOK(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Range"))
		fmt.Fprint(w, "whole-file")
	}))

	body, err := client.FetchAll(context.Background(), "file-7")
	require.NoError(t, err)
	defer body.Reader.Close()

	data, err := io.ReadAll(body.Reader)
	require.NoError(t, err)
	assert.Equal(t, "whole-file", string(data))
}

func TestNetworkErrorOnUnreachableServer(t *testing.T) {
	client, err := New(Options{BaseURL: "http://127.0.0.1:1"})
	require.NoError(t, err)

	_, err = client.InitUpload(context.Background(), "x", 1, "")
	var netErr *NetworkError
	assert.ErrorAs(t, err, &netErr)
}

func TestProtocolErrorOnServerFailure(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusRequestEntityTooLarge)
	}))

	_, err := client.InitUpload(context.Background(), "x", 1, "")
	var protoErr *ProtocolError
	require.ErrorAs(t, err, &protoErr)
	assert.Equal(t, http.StatusRequestEntityTooLarge, protoErr.Status)
	assert.Contains(t, protoErr.Message, "quota exceeded")
}

func TestTokenProviderFailureStopsRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("request must not be sent when the token cannot be resolved")
	}))
	defer srv.Close()

	client, err := New(Options{
		BaseURL: srv.URL,
		Tokens: func(context.Context) (string, error) {
			return "", errors.New("keychain locked")
		},
	})
	require.NoError(t, err)

	_, err = client.InitUpload(context.Background(), "x", 1, "")
	assert.ErrorContains(t, err, "keychain locked")
}
