package api

import "io"

// StorageStrategy identifies how the server decided to store an upload.
type StorageStrategy string

const (
	// StrategyInline stores small payloads directly in the metadata record.
	StrategyInline StorageStrategy = "inline"
	// StrategySingle stores the payload as one object.
	StrategySingle StorageStrategy = "single"
	// StrategyChunked splits the payload into fixed-size chunks.
	StrategyChunked StorageStrategy = "chunked"
)

// InitResponse is the server's answer to an upload initialization.
type InitResponse struct {
	UploadID        string          `json:"upload_id"`
	StorageStrategy StorageStrategy `json:"storage_strategy"`
	ChunkSize       int64           `json:"chunk_size"`
	TotalChunks     int             `json:"total_chunks"`
	DirectUpload    bool            `json:"direct_upload"`
}

// ChunkResponse is the server's acknowledgement of a single chunk.
type ChunkResponse struct {
	Status     string  `json:"status"`
	ChunkIndex int     `json:"chunk_index"`
	Progress   float64 `json:"progress"`
}

// CompleteResponse is the server's answer to upload completion. When
// Status is "incomplete", MissingChunks names the chunk indices the
// server never received.
type CompleteResponse struct {
	Status        string `json:"status"`
	FileID        string `json:"file_id"`
	FileName      string `json:"file_name"`
	FileSize      int64  `json:"file_size"`
	StorageType   string `json:"storage_type"`
	MissingChunks []int  `json:"missing_chunks"`
}

// StatusResponse describes the server-side progress of an upload session,
// used when resuming an interrupted chunked upload.
type StatusResponse struct {
	UploadID       string  `json:"upload_id"`
	FileName       string  `json:"file_name"`
	TotalChunks    int     `json:"total_chunks"`
	UploadedChunks []int   `json:"uploaded_chunks"`
	MissingChunks  []int   `json:"missing_chunks"`
	Progress       float64 `json:"progress"`
}

// Metadata describes a stored file as learned from a header-only probe.
type Metadata struct {
	Size         int64
	AcceptRanges bool
	ContentType  string
}

// Body is a fetched (possibly partial) response body. Status distinguishes
// a ranged answer (206) from a full one (200); Length is the advertised
// content length, -1 when unknown.
type Body struct {
	Reader io.ReadCloser
	Status int
	Length int64
}
