// Package vaultclient is a client for a chunked file storage service.
//
// It uploads files with server-chosen storage strategies, downloads them
// with byte-range resume, and maintains a realtime websocket connection
// for server events.
//
// Example:
//
//	cfg := config.Default()
//	cfg.BaseURL = "https://vault.example.com"
//
//	client, err := vaultclient.New(cfg, vaultclient.Options{
//	    Tokens: api.StaticToken(token),
//	    Bucket: bucket,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	client.On("file_uploaded", func(ev realtime.Event) {
//	    fmt.Println("uploaded:", string(ev.Data))
//	})
//
//	if err := client.Connect(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Disconnect()
//
//	result, err := client.Upload(ctx, upload.Request{
//	    FileName: "report.pdf",
//	    Size:     size,
//	    Content:  content,
//	})
package vaultclient

import (
	"context"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"gocloud.dev/blob"

	"github.com/opd-ai/vaultclient/api"
	"github.com/opd-ai/vaultclient/config"
	"github.com/opd-ai/vaultclient/download"
	"github.com/opd-ai/vaultclient/metrics"
	"github.com/opd-ai/vaultclient/realtime"
	"github.com/opd-ai/vaultclient/resume"
	"github.com/opd-ai/vaultclient/retry"
	"github.com/opd-ai/vaultclient/upload"
)

// Options carries the injected dependencies for a Client. Config holds
// the tunable values; Options holds the wiring.
type Options struct {
	// Tokens resolves the bearer credential per request.
	Tokens api.TokenProvider
	// HTTPClient overrides the transport for API requests.
	HTTPClient *http.Client
	// Bucket backs both the download sink and the resume store unless
	// Sink or Store override them.
	Bucket *blob.Bucket
	// Sink overrides where downloaded files land.
	Sink download.Sink
	// Store overrides where resume records live.
	Store resume.Store
	// Registry enables Prometheus metrics when set.
	Registry prometheus.Registerer
	// Dialer overrides the websocket dialer for tests.
	Dialer realtime.Dialer
}

// Client is the façade over the upload, download, and realtime
// components. Construct it with New; there is no package-level instance.
type Client struct {
	id        string
	cfg       config.Config
	api       *api.Client
	uploads   *upload.Coordinator
	downloads *download.Manager
	rt        *realtime.Client
	store     resume.Store
	metrics   *metrics.Metrics

	// events re-dispatches realtime frames plus unwrapped notification
	// events under their semantic names.
	events *realtime.EventRouter
}

// New creates a Client from a validated config and its injected
// dependencies. A download destination is required: either Bucket or
// Sink.
func New(cfg config.Config, opts Options) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	sink := opts.Sink
	if sink == nil && opts.Bucket != nil {
		sink = download.NewBucketSink(opts.Bucket)
	}
	if sink == nil {
		return nil, fmt.Errorf("vaultclient: a download sink or bucket is required")
	}

	store := opts.Store
	if store == nil {
		if opts.Bucket != nil {
			store = resume.NewBucketStore(context.Background(), opts.Bucket)
		} else {
			store = resume.NewMemoryStore()
		}
	}

	var m *metrics.Metrics
	if opts.Registry != nil {
		m = metrics.New(opts.Registry)
	}

	apiClient, err := api.New(api.Options{
		BaseURL:    cfg.BaseURL,
		Tokens:     opts.Tokens,
		HTTPClient: opts.HTTPClient,
	})
	if err != nil {
		return nil, err
	}

	policy := retry.Policy{
		MaxAttempts: cfg.Retry.Attempts,
		BaseDelay:   cfg.Retry.Backoff,
		Backoff:     retry.BackoffLinear,
	}

	downloads, err := download.NewManager(apiClient, download.Options{
		Retry:           policy,
		Store:           store,
		Sink:            sink,
		Metrics:         m,
		BufferThreshold: cfg.BufferThreshold,
		StalenessWindow: cfg.StalenessWindow,
	})
	if err != nil {
		return nil, err
	}

	rt, err := realtime.NewClient(realtime.Options{
		BaseURL:              cfg.BaseURL,
		Path:                 cfg.WebsocketPath,
		Tokens:               opts.Tokens,
		HeartbeatInterval:    cfg.HeartbeatInterval,
		ConnectTimeout:       cfg.ConnectTimeout,
		ReconnectBase:        cfg.Reconnect.Backoff,
		ReconnectCap:         cfg.Reconnect.MaxBackoff,
		MaxReconnectAttempts: cfg.Reconnect.MaxAttempts,
		Dialer:               opts.Dialer,
		Metrics:              m,
	})
	if err != nil {
		return nil, err
	}

	c := &Client{
		id:        uuid.NewString(),
		cfg:       cfg,
		api:       apiClient,
		uploads:   upload.NewCoordinator(apiClient, upload.Options{Retry: policy, Metrics: m}),
		downloads: downloads,
		rt:        rt,
		store:     store,
		metrics:   m,
		events:    realtime.NewEventRouter(),
	}
	c.wireEvents()

	logrus.WithFields(logrus.Fields{
		"function":  "New",
		"client_id": c.id,
		"base_url":  cfg.BaseURL,
	}).Info("Client created")

	return c, nil
}

// wireEvents forwards realtime frames into the façade router and unwraps
// notification frames so callers can subscribe to semantic event names
// like file_uploaded, file_deleted, and storage_update.
func (c *Client) wireEvents() {
	c.rt.On(realtime.EventAny, func(ev realtime.Event) {
		c.events.Emit(ev)
		if ev.Type != realtime.TypeNotification {
			return
		}
		name := gjson.GetBytes(ev.Data, "event").Str
		if name == "" {
			return
		}
		c.events.Emit(realtime.Event{Type: name, Data: ev.Data})
	})
}

// ID returns the client instance id, included in client-originated
// frames for correlation.
func (c *Client) ID() string { return c.id }

// API exposes the underlying endpoint client.
func (c *Client) API() *api.Client { return c.api }

// Upload sends a file, reporting progress both to the caller and, when
// the realtime connection is up, to the server.
func (c *Client) Upload(ctx context.Context, req upload.Request) (*upload.Result, error) {
	caller := req.OnProgress
	req.OnProgress = func(p upload.Progress) {
		if c.rt.Connected() {
			if err := c.rt.SendUploadProgress(p.UploadID, p.Progress, p.ChunksUploaded, p.TotalChunks); err != nil {
				logrus.WithFields(logrus.Fields{
					"function":  "Upload",
					"upload_id": p.UploadID,
					"error":     err.Error(),
				}).Debug("Could not forward upload progress")
			}
		}
		if caller != nil {
			caller(p)
		}
	}

	result, err := c.uploads.Upload(ctx, req)
	if err != nil {
		return nil, err
	}

	if c.rt.Connected() {
		if err := c.rt.SendFileOperation("file_uploaded", map[string]any{
			"client_id": c.id,
			"file_id":   result.FileID,
			"file_name": result.FileName,
			"file_size": result.FileSize,
		}); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Upload",
				"file_id":  result.FileID,
				"error":    err.Error(),
			}).Debug("Could not announce upload")
		}
	}

	return result, nil
}

// UploadStatus fetches the server-side progress of an upload session.
func (c *Client) UploadStatus(ctx context.Context, uploadID string) (*api.StatusResponse, error) {
	return c.uploads.Status(ctx, uploadID)
}

// Download fetches a file with byte-range resume.
func (c *Client) Download(ctx context.Context, req download.Request) (*download.Result, error) {
	return c.downloads.Download(ctx, req)
}

// DownloadWithFallback fetches a file, falling back to a plain streaming
// download if the resumable path fails.
func (c *Client) DownloadWithFallback(ctx context.Context, req download.Request) (*download.Result, error) {
	return c.downloads.DownloadWithFallback(ctx, req)
}

// Connect opens the realtime connection.
func (c *Client) Connect(ctx context.Context) error {
	return c.rt.Connect(ctx)
}

// Disconnect closes the realtime connection and suppresses reconnects.
func (c *Client) Disconnect() error {
	return c.rt.Disconnect()
}

// ConnectionState returns the realtime connection state.
func (c *Client) ConnectionState() realtime.State {
	return c.rt.State()
}

// On subscribes to realtime events by type: raw frame types, lifecycle
// events, or unwrapped notification names. Returns the unsubscribe
// function.
func (c *Client) On(event string, fn realtime.Handler) func() {
	return c.events.On(event, fn)
}

// Off removes every handler for the given event type. To remove a
// single handler, call the unsubscribe function returned by On.
func (c *Client) Off(event string) {
	c.events.Off(event)
}

// Send queues a frame on the realtime connection.
func (c *Client) Send(msg realtime.Message) error {
	return c.rt.Send(msg)
}
