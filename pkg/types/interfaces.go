package types

import (
	"context"
)

// Dialer opens remote sessions.
type Dialer interface {
	Connect(ctx context.Context, endpoint Endpoint) (Session, error)
}

// Handle identifies an open remote data object within one session.
type Handle int

// Session is one connection to the remote catalog.
type Session interface {
	// Authenticate establishes credentials on a freshly connected session.
	Authenticate(ctx context.Context) error

	// Stat returns the type and attributes of path.
	Stat(ctx context.Context, path string) (*ObjectStat, error)

	// Data object I/O. Read and Write operate at the handle's current offset.
	Open(ctx context.Context, path string, flags int) (Handle, error)
	Read(ctx context.Context, h Handle, p []byte) (int, error)
	Write(ctx context.Context, h Handle, p []byte) (int, error)
	Seek(ctx context.Context, h Handle, offset int64, whence int) (int64, error)
	Close(ctx context.Context, h Handle) error

	// Namespace operations.
	Create(ctx context.Context, path string, mode uint32) (Handle, error)
	Unlink(ctx context.Context, path string) error
	Rename(ctx context.Context, from, to string) error
	Mkdir(ctx context.Context, path string) error
	Rmdir(ctx context.Context, path string) error
	Truncate(ctx context.Context, path string, size int64) error

	// OpenCollection lists the direct children of a collection.
	OpenCollection(ctx context.Context, path string) (CollectionReader, error)

	// Get copies a whole data object to a local file; Put replaces a data object with
	// a local file's content, creating it with mode when absent.
	Get(ctx context.Context, objPath, localPath string) error
	Put(ctx context.Context, localPath, objPath string, mode uint32) error

	// Query searches attribute/value metadata.
	Query(ctx context.Context, q Query) (*QueryResult, error)

	// Disconnect releases the connection. The session is unusable afterwards.
	Disconnect() error
}

// CollectionReader iterates a collection listing. Next returns io.EOF after the last entry.
type CollectionReader interface {
	Next(ctx context.Context) (CollEntry, error)
	Close() error
}
