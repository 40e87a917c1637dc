// Package storage provides the blob store used for job inputs, chunk
// artifacts, and transcripts. It defines the Store interface (port) and
// implementations for local disk and S3.
package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

// ErrNotExist is returned when a key has no object.
var ErrNotExist = errors.New("storage: object does not exist")

// ErrPresignNotSupported is returned by implementations (LocalStorage) that
// cannot produce a time-limited download URL.
var ErrPresignNotSupported = errors.New("storage: presigned URLs are not supported")

// Store is the blob storage port every job artifact flows through: the
// original upload, every chunk's extracted audio, and the final
// transcript, all addressed by a "jobs/{job_id}/..." key layout.
type Store interface {
	// Put writes data under key, overwriting any existing object.
	Put(ctx context.Context, key string, data io.Reader) error

	// Get opens key for reading. The caller must close the returned
	// ReadCloser. Returns ErrNotExist if key has no object.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// Exists reports whether key has an object.
	Exists(ctx context.Context, key string) (bool, error)

	// DeleteMany removes every object under the given keys. Missing keys
	// are not an error; it continues best-effort and returns the first
	// failure, if any.
	DeleteMany(ctx context.Context, keys []string) error

	// List returns every key sharing the given prefix.
	List(ctx context.Context, prefix string) ([]string, error)

	// PutJSON marshals v and stores it at key.
	PutJSON(ctx context.Context, key string, v any) error

	// GetJSON reads key and unmarshals it into v.
	GetJSON(ctx context.Context, key string, v any) error

	// Presign returns a time-limited download URL for key. Returns
	// ErrPresignNotSupported if the backend can't produce one.
	Presign(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// putJSON is a helper implementations can delegate PutJSON to once they
// have a Put(ctx, key, io.Reader) method.
func putJSON(ctx context.Context, put func(context.Context, string, io.Reader) error, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal json for %s: %w", key, err)
	}
	return put(ctx, key, bytes.NewReader(data))
}

func getJSON(ctx context.Context, get func(context.Context, string) (io.ReadCloser, error), key string, v any) error {
	rc, err := get(ctx, key)
	if err != nil {
		return err
	}
	defer func() { _ = rc.Close() }()

	if err := json.NewDecoder(rc).Decode(v); err != nil {
		return fmt.Errorf("unmarshal json for %s: %w", key, err)
	}
	return nil
}
