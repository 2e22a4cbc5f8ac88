package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/vaultclient/api"
	"github.com/opd-ai/vaultclient/metrics"
	"github.com/opd-ai/vaultclient/retry"
	"github.com/opd-ai/vaultclient/transfer"
)

// IncompleteError reports that the server's completion check found chunks
// it never received. The coordinator does not re-send them itself; the
// caller decides whether to start a new upload.
type IncompleteError struct {
	UploadID string
	Missing  []int
}

func (e *IncompleteError) Error() string {
	return fmt.Sprintf("upload %s incomplete: missing chunks %v", e.UploadID, e.Missing)
}

// Progress is delivered to the caller's callback at each milestone.
type Progress struct {
	UploadID       string
	Progress       float64
	ChunksUploaded int
	TotalChunks    int
}

// ProgressFunc observes upload progress. Callbacks run synchronously on
// the uploading goroutine; long work should be offloaded.
type ProgressFunc func(Progress)

// Request describes one upload.
type Request struct {
	// FileName is the name recorded by the server.
	FileName string
	// Size is the exact payload size in bytes.
	Size int64
	// Content provides random access to the payload, so a failed chunk
	// attempt can be re-read during retry.
	Content io.ReaderAt
	// FolderID is the optional destination folder.
	FolderID string
	// OnProgress is the optional progress callback.
	OnProgress ProgressFunc
}

// Result describes a finished upload.
type Result struct {
	UploadID    string
	FileID      string
	FileName    string
	FileSize    int64
	StorageType string
	Duration    time.Duration
}

// DefaultRetry is the per-request retry policy used when none is
// configured: linear backoff, matching the body-transfer shape.
var DefaultRetry = retry.Policy{
	MaxAttempts: 3,
	BaseDelay:   time.Second,
	Backoff:     retry.BackoffLinear,
}

// Options configures a Coordinator.
type Options struct {
	// Retry wraps every individual request (init, chunk, direct,
	// complete). Zero value falls back to DefaultRetry.
	Retry retry.Policy
	// Metrics is optional instrumentation.
	Metrics *metrics.Metrics
}

// Coordinator drives the init/chunk/complete upload protocol against the
// storage service. Chunks are sent strictly serially: each chunk request
// finishes (success or exhausted retries) before the next begins.
type Coordinator struct {
	client  *api.Client
	policy  retry.Policy
	metrics *metrics.Metrics
}

// NewCoordinator creates a Coordinator on the given endpoint client.
func NewCoordinator(client *api.Client, opts Options) *Coordinator {
	policy := opts.Retry
	if policy.MaxAttempts == 0 {
		policy = DefaultRetry
	}
	return &Coordinator{
		client:  client,
		policy:  policy,
		metrics: opts.Metrics,
	}
}

// Upload performs a complete upload. Any chunk or direct-body failure
// after retries is fatal for this upload; re-invoking Upload starts a
// fresh session with a new upload id.
func (c *Coordinator) Upload(ctx context.Context, req Request) (*Result, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function":  "Upload",
		"file_name": req.FileName,
		"file_size": req.Size,
		"folder_id": req.FolderID,
	}).Info("Starting upload")

	init, err := c.initSession(ctx, req)
	if err != nil {
		return nil, err
	}

	session := transfer.NewSession(init.UploadID, req.Size)
	if err := session.Transition(transfer.StatusActive); err != nil {
		return nil, err
	}
	c.metrics.UploadInitiated(string(init.StorageStrategy))

	start := time.Now()
	result, err := c.transfer(ctx, req, init, session)
	duration := time.Since(start)
	c.metrics.UploadCompleted(string(init.StorageStrategy), err == nil, duration)

	if err != nil {
		c.failSession(session, err)
		logrus.WithFields(logrus.Fields{
			"function":  "Upload",
			"upload_id": init.UploadID,
			"error":     err.Error(),
		}).Error("Upload failed")
		return nil, err
	}

	if err := session.Transition(transfer.StatusCompleted); err != nil {
		return nil, err
	}
	result.Duration = duration

	logrus.WithFields(logrus.Fields{
		"function":     "Upload",
		"upload_id":    result.UploadID,
		"file_id":      result.FileID,
		"storage_type": result.StorageType,
		"duration":     duration,
	}).Info("Upload completed")

	return result, nil
}

// Status fetches the server-side view of an upload session, used to
// inspect which chunks an interrupted session still needs.
func (c *Coordinator) Status(ctx context.Context, uploadID string) (*api.StatusResponse, error) {
	return c.client.UploadStatus(ctx, uploadID)
}

func validateRequest(req Request) error {
	if req.FileName == "" {
		return errors.New("upload: file name required")
	}
	if req.Size < 0 {
		return errors.New("upload: negative size")
	}
	if req.Content == nil {
		return errors.New("upload: content required")
	}
	return nil
}

func (c *Coordinator) initSession(ctx context.Context, req Request) (*api.InitResponse, error) {
	var init *api.InitResponse
	err := c.policy.Do(ctx, func(ctx context.Context) error {
		var err error
		init, err = c.client.InitUpload(ctx, req.FileName, req.Size, req.FolderID)
		return err
	})
	return init, err
}

func (c *Coordinator) transfer(ctx context.Context, req Request, init *api.InitResponse, session *transfer.Session) (*Result, error) {
	if init.DirectUpload {
		if err := c.sendDirect(ctx, req, init, session); err != nil {
			return nil, err
		}
	} else {
		if err := c.sendChunks(ctx, req, init, session); err != nil {
			return nil, err
		}
	}

	return c.complete(ctx, req, init)
}

// sendDirect pushes the whole payload in one request. The only progress
// granularity available is request completion, reported as 50%; the final
// 100% follows the completion call.
func (c *Coordinator) sendDirect(ctx context.Context, req Request, init *api.InitResponse, session *transfer.Session) error {
	err := c.policy.Do(ctx, func(ctx context.Context) error {
		body := io.NewSectionReader(req.Content, 0, req.Size)
		return c.client.UploadDirect(ctx, init.UploadID, req.FileName, body)
	})
	if err != nil {
		return err
	}

	if err := session.AddBytes(req.Size); err != nil {
		return err
	}
	emit(req.OnProgress, Progress{UploadID: init.UploadID, Progress: 50})
	return nil
}

// sendChunks uploads chunk i covering [i*chunkSize, min((i+1)*chunkSize,
// size)), strictly in order. A chunk index joins uploadedChunks only after
// a successful response.
func (c *Coordinator) sendChunks(ctx context.Context, req Request, init *api.InitResponse, session *transfer.Session) error {
	if init.ChunkSize <= 0 || init.TotalChunks <= 0 {
		return &api.ProtocolError{
			Op:      "Upload",
			Message: fmt.Sprintf("chunked strategy with chunk_size=%d total_chunks=%d", init.ChunkSize, init.TotalChunks),
		}
	}

	uploadedChunks := make([]int, 0, init.TotalChunks)
	for i := 0; i < init.TotalChunks; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		offset := int64(i) * init.ChunkSize
		length := init.ChunkSize
		if offset+length > req.Size {
			length = req.Size - offset
		}

		err := c.policy.Do(ctx, func(ctx context.Context) error {
			chunk := io.NewSectionReader(req.Content, offset, length)
			_, err := c.client.UploadChunk(ctx, init.UploadID, i, chunk)
			return err
		})
		if err != nil {
			return fmt.Errorf("upload: chunk %d: %w", i, err)
		}

		uploadedChunks = append(uploadedChunks, i)
		if err := session.AddBytes(length); err != nil {
			return err
		}

		emit(req.OnProgress, Progress{
			UploadID:       init.UploadID,
			Progress:       float64(len(uploadedChunks)) / float64(init.TotalChunks) * 100,
			ChunksUploaded: len(uploadedChunks),
			TotalChunks:    init.TotalChunks,
		})

		logrus.WithFields(logrus.Fields{
			"function":     "sendChunks",
			"upload_id":    init.UploadID,
			"chunk_index":  i,
			"chunk_length": length,
			"uploaded":     len(uploadedChunks),
			"total_chunks": init.TotalChunks,
		}).Debug("Chunk uploaded")
	}

	return nil
}

// complete finalizes the session. It is called for every strategy. An
// "incomplete" answer is a hard failure naming the missing indices.
func (c *Coordinator) complete(ctx context.Context, req Request, init *api.InitResponse) (*Result, error) {
	var resp *api.CompleteResponse
	err := c.policy.Do(ctx, func(ctx context.Context) error {
		var err error
		resp, err = c.client.CompleteUpload(ctx, init.UploadID)
		return err
	})
	if err != nil {
		return nil, err
	}

	if resp.Status == "incomplete" {
		missing := append([]int(nil), resp.MissingChunks...)
		sort.Ints(missing)
		return nil, &IncompleteError{UploadID: init.UploadID, Missing: missing}
	}

	emit(req.OnProgress, Progress{
		UploadID:       init.UploadID,
		Progress:       100,
		ChunksUploaded: init.TotalChunks,
		TotalChunks:    init.TotalChunks,
	})

	return &Result{
		UploadID:    init.UploadID,
		FileID:      resp.FileID,
		FileName:    resp.FileName,
		FileSize:    resp.FileSize,
		StorageType: resp.StorageType,
	}, nil
}

func (c *Coordinator) failSession(session *transfer.Session, cause error) {
	to := transfer.StatusFailed
	if errors.Is(cause, context.Canceled) {
		to = transfer.StatusCancelled
	}
	if err := session.Transition(to); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "failSession",
			"session_id": session.ID(),
			"error":      err.Error(),
		}).Warn("Could not mark session as failed")
	}
}

func emit(fn ProgressFunc, p Progress) {
	if fn != nil {
		fn(p)
	}
}
