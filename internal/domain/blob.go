package domain

import (
	"context"
	"io"
	"time"
)

// ArchivedObject is one key in the archive bucket.
type ArchivedObject struct {
	Key        string
	Size       int64
	ModifiedAt time.Time
}

// ObjectStore is the cold archive. Put is given the body size so the
// implementation can pick a single or multipart upload.
type ObjectStore interface {
	Put(ctx context.Context, key string, body io.Reader, size int64) error
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]ArchivedObject, error)
}

// Archiver moves old data to cold storage.
type Archiver interface {
	ArchiveObservations(ctx context.Context, before time.Time) (int64, error)
	ArchiveDeadLetter(ctx context.Context, dl DeadLetter) error
}
