package domain

import (
	"context"
	"io"
	"time"
)

// ArchiveObject is one archive file held in object storage.
type ArchiveObject struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// ArchiveSink stores archive files. size is the body length when known,
// or -1.
type ArchiveSink interface {
	Upload(ctx context.Context, key string, body io.Reader, size int64) error
}

// ArchiveSource reads archive files back. Open on a missing key yields
// ErrNotFound.
type ArchiveSource interface {
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]ArchiveObject, error)
	Exists(ctx context.Context, key string) (bool, error)
}
