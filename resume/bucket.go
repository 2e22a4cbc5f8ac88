package resume

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"
	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"
)

// recordKeyPrefix namespaces resume records inside a shared bucket.
const recordKeyPrefix = "resume/"

// BucketStore persists records as JSON objects in a gocloud.dev blob
// bucket, so the same store works over a local directory (fileblob), an
// object store, or memory (memblob) without changing transfer logic.
type BucketStore struct {
	bucket *blob.Bucket
	ctx    context.Context
}

// NewBucketStore creates a store backed by the given bucket. The context
// bounds the store's I/O; callers usually pass a process-lifetime context.
func NewBucketStore(ctx context.Context, bucket *blob.Bucket) *BucketStore {
	return &BucketStore{bucket: bucket, ctx: ctx}
}

func recordKey(id string) string { return recordKeyPrefix + id + ".json" }

// Get implements Store.
func (s *BucketStore) Get(id string) (Record, bool, error) {
	data, err := s.bucket.ReadAll(s.ctx, recordKey(id))
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return Record{}, false, nil
		}
		return Record{}, false, fmt.Errorf("resume: reading record %s: %w", id, err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		// A corrupt record is treated as absent; resuming from garbage is
		// worse than restarting.
		logrus.WithFields(logrus.Fields{
			"function":    "Get",
			"transfer_id": id,
			"error":       err.Error(),
		}).Warn("Discarding undecodable resume record")
		return Record{}, false, nil
	}

	return rec, true, nil
}

// Put implements Store.
func (s *BucketStore) Put(id string, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("resume: encoding record %s: %w", id, err)
	}
	if err := s.bucket.WriteAll(s.ctx, recordKey(id), data, nil); err != nil {
		return fmt.Errorf("resume: writing record %s: %w", id, err)
	}
	return nil
}

// Clear implements Store.
func (s *BucketStore) Clear(id string) error {
	err := s.bucket.Delete(s.ctx, recordKey(id))
	if err != nil && gcerrors.Code(err) != gcerrors.NotFound {
		return fmt.Errorf("resume: clearing record %s: %w", id, err)
	}
	return nil
}
