package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"

	"cloud.google.com/go/storage"
)

const objectPrefix = "model-outputs"

// GCSRecorder writes one JSON object per record to a bucket, keyed by owner
// and message so a replayed message overwrites its earlier record.
type GCSRecorder struct {
	client    *storage.Client
	newWriter func(ctx context.Context, object string) io.WriteCloser
}

// NewGCSRecorder uses Application Default Credentials.
func NewGCSRecorder(ctx context.Context, bucket string) (*GCSRecorder, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("NewGCSRecorder: create storage client: %w", err)
	}
	bkt := client.Bucket(bucket)
	return &GCSRecorder{
		client: client,
		newWriter: func(ctx context.Context, object string) io.WriteCloser {
			w := bkt.Object(object).NewWriter(ctx)
			w.ContentType = "application/json"
			return w
		},
	}, nil
}

// Close closes the storage client.
func (r *GCSRecorder) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

// Record implements Recorder.
func (r *GCSRecorder) Record(ctx context.Context, rec *Record) error {
	stamp(rec)

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("GCSRecorder.Record: marshal: %w", err)
	}

	name := ObjectName(rec)
	w := r.newWriter(ctx, name)
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("GCSRecorder.Record: write %q: %w", name, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("GCSRecorder.Record: finalize %q: %w", name, err)
	}
	return nil
}

// ObjectName returns model-outputs/<owner>/<message>.json.
func ObjectName(rec *Record) string {
	return path.Join(objectPrefix, rec.OwnerID.String(), path.Base(rec.MessageID)+".json")
}
