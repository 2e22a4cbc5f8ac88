package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/vaultclient/api"
	"github.com/opd-ai/vaultclient/metrics"
	"github.com/opd-ai/vaultclient/resume"
	"github.com/opd-ai/vaultclient/retry"
	"github.com/opd-ai/vaultclient/transfer"
)

const (
	// DefaultBufferThreshold is the payload size above which the manager
	// skips buffering and streams straight to the sink.
	DefaultBufferThreshold = 100 * 1024 * 1024
	// DefaultStalenessWindow is the maximum age of a persisted resume
	// record before it is discarded as unreliable.
	DefaultStalenessWindow = 24 * time.Hour
	// DefaultProgressInterval throttles progress callbacks.
	DefaultProgressInterval = 100 * time.Millisecond
	// DefaultProbeTTL bounds how long a metadata probe is cached.
	DefaultProbeTTL = 30 * time.Second
	// readBufferSize is the per-read buffer for streaming bodies.
	readBufferSize = 256 * 1024
)

// Progress is delivered to the caller's callback, throttled to roughly
// one call per progress interval plus one exact final call.
type Progress struct {
	FileID          string
	BytesDownloaded int64
	TotalBytes      int64
	// Progress is the completion percentage rounded to two decimals, or
	// -1 when the total size is unknown.
	Progress float64
}

// ProgressFunc observes download progress.
type ProgressFunc func(Progress)

// Request describes one download.
type Request struct {
	// FileID identifies the stored file.
	FileID string
	// FileName is the name handed to the sink.
	FileName string
	// ResumeFrom is a caller-supplied start offset. The manager uses the
	// larger of this and any fresh persisted progress.
	ResumeFrom int64
	// MaxRetries overrides the manager's per-request attempt budget.
	MaxRetries int
	// BufferThreshold overrides the manager's buffering cutoff.
	BufferThreshold int64
	// OnProgress is the optional progress callback.
	OnProgress ProgressFunc
}

// Result describes a finished download.
type Result struct {
	FileName string
	Size     int64
	Duration time.Duration
	// Native reports that the streaming fallback path was used.
	Native bool
}

// DefaultRetry is the per-request retry policy used when none is
// configured: linear backoff, the body-transfer shape.
var DefaultRetry = retry.Policy{
	MaxAttempts: 3,
	BaseDelay:   time.Second,
	Backoff:     retry.BackoffLinear,
}

// Options configures a Manager.
type Options struct {
	// Retry wraps each range/full request attempt. Zero value falls back
	// to DefaultRetry.
	Retry retry.Policy
	// Store persists resume records. Nil disables resume persistence.
	Store resume.Store
	// Sink receives completed payloads. Required.
	Sink Sink
	// Metrics is optional instrumentation.
	Metrics *metrics.Metrics
	// BufferThreshold is the buffering cutoff, DefaultBufferThreshold
	// when zero.
	BufferThreshold int64
	// StalenessWindow bounds resume record age, DefaultStalenessWindow
	// when zero.
	StalenessWindow time.Duration
	// ProgressInterval throttles callbacks, DefaultProgressInterval when
	// zero. Negative disables throttling (every read reports).
	ProgressInterval time.Duration
	// ProbeTTL bounds metadata probe caching, DefaultProbeTTL when zero.
	ProbeTTL time.Duration
	// Now overrides the clock for staleness decisions in tests.
	Now func() time.Time
}

// Manager performs range-aware streaming downloads with resume-from-offset
// and persisted progress. Concurrent downloads with distinct file ids are
// safe; concurrent calls for the same id must be serialized by the caller.
type Manager struct {
	client    *api.Client
	policy    retry.Policy
	store     resume.Store
	sink      Sink
	metrics   *metrics.Metrics
	threshold int64
	staleness time.Duration
	interval  time.Duration
	probes    *gocache.Cache
	now       func() time.Time
}

// NewManager creates a Manager. The sink is required.
func NewManager(client *api.Client, opts Options) (*Manager, error) {
	if opts.Sink == nil {
		return nil, errors.New("download: sink required")
	}

	policy := opts.Retry
	if policy.MaxAttempts == 0 {
		policy = DefaultRetry
	}
	threshold := opts.BufferThreshold
	if threshold <= 0 {
		threshold = DefaultBufferThreshold
	}
	staleness := opts.StalenessWindow
	if staleness <= 0 {
		staleness = DefaultStalenessWindow
	}
	interval := opts.ProgressInterval
	if interval == 0 {
		interval = DefaultProgressInterval
	}
	probeTTL := opts.ProbeTTL
	if probeTTL <= 0 {
		probeTTL = DefaultProbeTTL
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &Manager{
		client:    client,
		policy:    policy,
		store:     opts.Store,
		sink:      opts.Sink,
		metrics:   opts.Metrics,
		threshold: threshold,
		staleness: staleness,
		interval:  interval,
		probes:    gocache.New(probeTTL, 2*probeTTL),
		now:       now,
	}, nil
}

// Download fetches a file. Oversized payloads bypass buffering entirely
// and stream through the native path; everything else is buffered with
// range-based resume and persisted progress.
func (m *Manager) Download(ctx context.Context, req Request) (*Result, error) {
	if req.FileID == "" {
		return nil, errors.New("download: file id required")
	}
	if req.FileName == "" {
		return nil, errors.New("download: file name required")
	}

	logrus.WithFields(logrus.Fields{
		"function":  "Download",
		"file_id":   req.FileID,
		"file_name": req.FileName,
	}).Info("Starting download")

	m.metrics.DownloadStarted()
	start := m.now()

	result, err := m.download(ctx, req)
	duration := time.Since(start)
	m.metrics.DownloadCompleted(err == nil, duration)

	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Download",
			"file_id":  req.FileID,
			"error":    err.Error(),
		}).Error("Download failed")
		return nil, err
	}

	result.Duration = duration
	logrus.WithFields(logrus.Fields{
		"function": "Download",
		"file_id":  req.FileID,
		"size":     result.Size,
		"native":   result.Native,
		"duration": duration,
	}).Info("Download completed")

	return result, nil
}

// DownloadWithFallback tries the buffered path and, on any failure other
// than cancellation, makes one best-effort attempt at the native streaming
// path before giving up.
func (m *Manager) DownloadWithFallback(ctx context.Context, req Request) (*Result, error) {
	result, err := m.Download(ctx, req)
	if err == nil {
		return result, nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function": "DownloadWithFallback",
		"file_id":  req.FileID,
		"error":    err.Error(),
	}).Warn("Buffered download failed, falling back to native streaming")

	meta, probeErr := m.probe(ctx, req.FileID)
	if probeErr != nil {
		return nil, err
	}
	native, nativeErr := m.downloadNative(ctx, req, meta)
	if nativeErr != nil {
		return nil, fmt.Errorf("download: native fallback also failed: %w (original: %v)", nativeErr, err)
	}
	return native, nil
}

func (m *Manager) download(ctx context.Context, req Request) (*Result, error) {
	meta, err := m.probe(ctx, req.FileID)
	if err != nil {
		return nil, err
	}

	threshold := req.BufferThreshold
	if threshold <= 0 {
		threshold = m.threshold
	}

	// Oversized payloads never touch the buffering or resume machinery.
	if meta.Size > threshold {
		return m.downloadNative(ctx, req, meta)
	}

	return m.downloadBuffered(ctx, req, meta)
}

// probe fetches file metadata, serving repeat requests from a short-lived
// cache so an immediate retry or fallback does not re-probe.
func (m *Manager) probe(ctx context.Context, fileID string) (*api.Metadata, error) {
	if cached, ok := m.probes.Get(fileID); ok {
		return cached.(*api.Metadata), nil
	}

	var meta *api.Metadata
	err := m.policy.Do(ctx, func(ctx context.Context) error {
		var err error
		meta, err = m.client.Probe(ctx, fileID)
		return err
	})
	if err != nil {
		return nil, err
	}

	m.probes.Set(fileID, meta, gocache.DefaultExpiration)
	return meta, nil
}

// startOffset picks the resume offset: the larger of the caller-supplied
// offset and any persisted record younger than the staleness window.
// Stale records are cleared rather than trusted.
func (m *Manager) startOffset(req Request) int64 {
	start := req.ResumeFrom
	if m.store == nil {
		return start
	}

	rec, ok, err := m.store.Get(req.FileID)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "startOffset",
			"file_id":  req.FileID,
			"error":    err.Error(),
		}).Warn("Could not read resume record")
		return start
	}
	if !ok {
		return start
	}

	if rec.Stale(m.staleness, m.now()) {
		logrus.WithFields(logrus.Fields{
			"function":   "startOffset",
			"file_id":    req.FileID,
			"updated_at": rec.UpdatedAt,
		}).Info("Discarding stale resume record")
		if err := m.store.Clear(req.FileID); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "startOffset",
				"file_id":  req.FileID,
				"error":    err.Error(),
			}).Warn("Could not clear stale resume record")
		}
		return start
	}

	if rec.TransferredBytes > start {
		start = rec.TransferredBytes
	}
	return start
}

func (m *Manager) downloadBuffered(ctx context.Context, req Request, meta *api.Metadata) (*Result, error) {
	session := transfer.NewSession(req.FileID, meta.Size)
	if err := session.Transition(transfer.StatusActive); err != nil {
		return nil, err
	}

	// Ranged requests need both server support and a known size for the
	// end byte; otherwise every request fetches the full body.
	ranged := meta.AcceptRanges && meta.Size > 0

	startByte := m.startOffset(req)
	if !ranged {
		// A full-body request cannot honor an offset; the transfer
		// starts over from byte zero.
		startByte = 0
	}
	session.SetTransferred(startByte)

	retries := m.policy
	if req.MaxRetries > 0 {
		retries.MaxAttempts = req.MaxRetries
	}

	var chunks [][]byte
	buffered := int64(0)

	attempt := func(ctx context.Context) error {
		if !ranged && buffered > 0 {
			// A full-body retry cannot pick up mid-stream; discard the
			// partial data and start over.
			chunks = nil
			buffered = 0
			session.ResetTransferred()
		}

		offset := startByte + buffered
		body, err := m.fetch(ctx, req.FileID, meta, offset, ranged)
		if err != nil {
			return err
		}
		defer body.Reader.Close()

		n, err := m.consume(ctx, req, session, body.Reader, &chunks)
		buffered += n
		return err
	}

	if err := retries.Do(ctx, attempt); err != nil {
		m.persistProgress(req.FileID, startByte+buffered, meta.Size)
		if txErr := session.Transition(failureStatus(err)); txErr != nil {
			logrus.WithFields(logrus.Fields{
				"function": "downloadBuffered",
				"file_id":  req.FileID,
				"error":    txErr.Error(),
			}).Warn("Could not mark session as failed")
		}
		return nil, err
	}

	// Exact terminal progress, bypassing the throttle.
	m.emit(req, session, true)

	payload := concat(chunks, buffered)
	if err := m.sink.Save(ctx, req.FileName, meta.ContentType, payload); err != nil {
		return nil, err
	}

	if m.store != nil {
		if err := m.store.Clear(req.FileID); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "downloadBuffered",
				"file_id":  req.FileID,
				"error":    err.Error(),
			}).Warn("Could not clear resume record after success")
		}
	}

	if err := session.Transition(transfer.StatusCompleted); err != nil {
		return nil, err
	}

	return &Result{FileName: req.FileName, Size: session.Transferred()}, nil
}

// fetch issues one request: ranged whenever the transfer is ranged
// (even from offset zero, so both cases share a code path), full
// otherwise.
func (m *Manager) fetch(ctx context.Context, fileID string, meta *api.Metadata, offset int64, ranged bool) (*api.Body, error) {
	if ranged {
		return m.client.FetchRange(ctx, fileID, offset, meta.Size-1)
	}
	return m.client.FetchAll(ctx, fileID)
}

// consume streams the body into the ordered chunk list, advancing the
// session and emitting throttled progress.
func (m *Manager) consume(ctx context.Context, req Request, session *transfer.Session, r io.Reader, chunks *[][]byte) (int64, error) {
	var total int64
	lastEmit := time.Time{}

	buf := make([]byte, readBufferSize)
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			*chunks = append(*chunks, chunk)
			total += int64(n)

			if addErr := session.AddBytes(int64(n)); addErr != nil {
				return total, addErr
			}

			if m.interval < 0 || time.Since(lastEmit) >= m.interval {
				m.emit(req, session, false)
				lastEmit = time.Now()
			}
		}
		if err == io.EOF {
			return total, nil
		}
		if err != nil {
			return total, &api.NetworkError{Op: "Download", Err: err}
		}
	}
}

func (m *Manager) emit(req Request, session *transfer.Session, final bool) {
	if req.OnProgress == nil {
		return
	}

	p := Progress{
		FileID:          req.FileID,
		BytesDownloaded: session.Transferred(),
		TotalBytes:      session.TotalSize(),
		Progress:        session.Progress(),
	}
	if final && p.TotalBytes <= 0 {
		// Unknown totals are displayed as complete at the end; resume
		// bookkeeping stays byte-accurate regardless.
		p.Progress = 100
	}
	req.OnProgress(p)
}

// downloadNative streams the whole body straight into the sink without
// buffering, range logic, or resume persistence.
func (m *Manager) downloadNative(ctx context.Context, req Request, meta *api.Metadata) (*Result, error) {
	logrus.WithFields(logrus.Fields{
		"function": "downloadNative",
		"file_id":  req.FileID,
		"size":     meta.Size,
	}).Info("Using native streaming download")

	var written int64
	err := m.policy.Do(ctx, func(ctx context.Context) error {
		body, err := m.client.FetchAll(ctx, req.FileID)
		if err != nil {
			return err
		}
		defer body.Reader.Close()

		w, err := m.sink.Create(ctx, req.FileName, meta.ContentType)
		if err != nil {
			return err
		}

		written, err = io.Copy(w, body.Reader)
		if err != nil {
			w.Close()
			return &api.NetworkError{Op: "Download", Err: err}
		}
		return w.Close()
	})
	if err != nil {
		return nil, err
	}

	// A record persisted by an earlier buffered attempt no longer
	// describes anything; a later download must not resume mid-file.
	if m.store != nil {
		if err := m.store.Clear(req.FileID); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "downloadNative",
				"file_id":  req.FileID,
				"error":    err.Error(),
			}).Warn("Could not clear resume record after success")
		}
	}

	if req.OnProgress != nil {
		req.OnProgress(Progress{
			FileID:          req.FileID,
			BytesDownloaded: written,
			TotalBytes:      meta.Size,
			Progress:        100,
		})
	}

	return &Result{FileName: req.FileName, Size: written, Native: true}, nil
}

// persistProgress durably records partial progress so a later call can
// resume instead of starting over.
func (m *Manager) persistProgress(fileID string, transferred, total int64) {
	if m.store == nil || transferred <= 0 {
		return
	}

	rec := resume.Record{
		TransferredBytes: transferred,
		TotalSize:        total,
		UpdatedAt:        m.now(),
	}
	if err := m.store.Put(fileID, rec); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "persistProgress",
			"file_id":  fileID,
			"error":    err.Error(),
		}).Warn("Could not persist resume record")
		return
	}

	logrus.WithFields(logrus.Fields{
		"function":    "persistProgress",
		"file_id":     fileID,
		"transferred": transferred,
		"total":       total,
	}).Info("Persisted partial download progress")
}

func failureStatus(err error) transfer.Status {
	if errors.Is(err, context.Canceled) {
		return transfer.StatusCancelled
	}
	return transfer.StatusFailed
}

func concat(chunks [][]byte, size int64) []byte {
	payload := make([]byte, 0, size)
	for _, chunk := range chunks {
		payload = append(payload, chunk...)
	}
	return payload
}
