package vaultclient

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"gocloud.dev/blob/memblob"

	"github.com/opd-ai/vaultclient/api"
	"github.com/opd-ai/vaultclient/config"
	"github.com/opd-ai/vaultclient/download"
	"github.com/opd-ai/vaultclient/realtime"
	"github.com/opd-ai/vaultclient/upload"
)

// stubConn is a minimal realtime.Conn that records writes and lets the
// test inject inbound frames.
type stubConn struct {
	mu     sync.Mutex
	writes [][]byte
	frames chan []byte
	done   chan struct{}
	once   sync.Once
}

func newStubConn() *stubConn {
	return &stubConn{frames: make(chan []byte, 16), done: make(chan struct{})}
}

func (s *stubConn) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	select {
	case data := <-s.frames:
		return websocket.MessageText, data, nil
	case <-s.done:
		return 0, nil, context.Canceled
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

func (s *stubConn) Write(_ context.Context, _ websocket.MessageType, p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes = append(s.writes, append([]byte(nil), p...))
	return nil
}

func (s *stubConn) Close(websocket.StatusCode, string) error {
	s.once.Do(func() { close(s.done) })
	return nil
}

func (s *stubConn) written() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.writes...)
}

func testConfig(baseURL string) config.Config {
	cfg := config.Default()
	cfg.BaseURL = baseURL
	cfg.Retry.Backoff = time.Millisecond
	return cfg
}

func newTestClient(t *testing.T, baseURL string) (*Client, *stubConn) {
	t.Helper()

	conn := newStubConn()
	bucket := memblob.OpenBucket(nil)
	t.Cleanup(func() { bucket.Close() })

	c, err := New(testConfig(baseURL), Options{
		Tokens: api.StaticToken("tok"),
		Bucket: bucket,
		Dialer: func(context.Context, string) (realtime.Conn, error) { return conn, nil },
	})
	require.NoError(t, err)
	t.Cleanup(func() { c.Disconnect() })
	return c, conn
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(config.Config{}, Options{})
	assert.ErrorContains(t, err, "base_url")
}

func TestNewRequiresSink(t *testing.T) {
	_, err := New(testConfig("https://vault.example.com"), Options{})
	assert.ErrorContains(t, err, "sink or bucket")
}

func TestNewAssignsClientID(t *testing.T) {
	c, _ := newTestClient(t, "https://vault.example.com")
	assert.NotEmpty(t, c.ID())
}

func TestNotificationEventsAreUnwrapped(t *testing.T) {
	c, conn := newTestClient(t, "https://vault.example.com")
	require.NoError(t, c.Connect(context.Background()))

	var mu sync.Mutex
	var semantic, raw []string
	c.On("file_deleted", func(ev realtime.Event) {
		mu.Lock()
		semantic = append(semantic, gjson.GetBytes(ev.Data, "data.id").Str)
		mu.Unlock()
	})
	c.On(realtime.TypeNotification, func(ev realtime.Event) {
		mu.Lock()
		raw = append(raw, ev.Type)
		mu.Unlock()
	})

	conn.frames <- []byte(`{"type":"notification","event":"file_deleted","data":{"id":"f-9"}}`)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(semantic) == 1 && len(raw) == 1
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"f-9"}, semantic)
}

// uploadHandler implements enough of the service for a direct upload.
func uploadHandler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/upload/init", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"upload_id":        "u-1",
			"storage_strategy": "single",
			"direct_upload":    true,
		})
	})
	mux.HandleFunc("/api/v1/upload/direct/u-1", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		json.NewEncoder(w).Encode(map[string]any{"status": "ok"})
	})
	mux.HandleFunc("/api/v1/upload/complete/u-1", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"status":  "completed",
			"file_id": "f-1",
		})
	})
	return mux
}

func TestUploadAnnouncesOverRealtime(t *testing.T) {
	srv := httptest.NewServer(uploadHandler(t))
	defer srv.Close()

	c, conn := newTestClient(t, srv.URL)
	require.NoError(t, c.Connect(context.Background()))

	payload := []byte("hello world")
	result, err := c.Upload(context.Background(), upload.Request{
		FileName: "hello.txt",
		Size:     int64(len(payload)),
		Content:  bytes.NewReader(payload),
	})
	require.NoError(t, err)
	assert.Equal(t, "f-1", result.FileID)

	// Progress frames plus the final file_uploaded announcement.
	require.Eventually(t, func() bool {
		for _, w := range conn.written() {
			if gjson.GetBytes(w, "type").Str == "file_update" {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	var announce []byte
	for _, w := range conn.written() {
		if gjson.GetBytes(w, "type").Str == "file_update" {
			announce = w
		}
	}
	assert.Equal(t, "file_uploaded", gjson.GetBytes(announce, "event").Str)
	assert.Equal(t, "f-1", gjson.GetBytes(announce, "data.file_id").Str)
	assert.Equal(t, c.ID(), gjson.GetBytes(announce, "data.client_id").Str)
}

func TestDownloadThroughFacade(t *testing.T) {
	payload := []byte("facade download payload")
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/upload/download/f-2", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Accept-Ranges", "bytes")
		w.Header().Set("Content-Type", "text/plain")
		if r.Method == http.MethodHead {
			w.Header().Set("Content-Length", "23")
			return
		}
		http.ServeContent(w, r, "f-2", time.Time{}, bytes.NewReader(payload))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL)

	result, err := c.Download(context.Background(), download.Request{
		FileID:   "f-2",
		FileName: "out.txt",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), result.Size)
}
