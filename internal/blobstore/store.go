// Package blobstore provides the blob storage the converter reads source
// blobs from and writes tables to.
//
// Three backends implement Store: a directory tree (or an in-memory tree for
// tests) and a PostgreSQL database. Open picks one from a connection string.
// Retries for transient failures belong to the backend's client, not to the
// callers.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned when a blob does not exist.
var ErrNotFound = errors.New("blob not found")

// ContentTypeText is the content type of written table outputs.
const ContentTypeText = "text/plain; charset=utf-8"

// BlobInfo describes a stored blob.
type BlobInfo struct {
	Name     string
	Size     int64
	Metadata map[string]string
}

// Reader is the read side of a store.
type Reader interface {
	// List returns the names of blobs starting with prefix in ascending
	// byte order.
	List(ctx context.Context, prefix string) ([]string, error)
	Attributes(ctx context.Context, name string) (BlobInfo, error)

	// ReadRange returns up to length bytes starting at offset. A short
	// result means the end of the blob was reached.
	ReadRange(ctx context.Context, name string, offset, length int64) ([]byte, error)
	ReadFull(ctx context.Context, name string) ([]byte, error)
}

// Writer is the write side of a store. Block writes stage data that only
// becomes visible when the block list is committed.
type Writer interface {
	Overwrite(ctx context.Context, name string, data []byte, contentType string) error
	PutBlock(ctx context.Context, name, blockID string, data []byte) error
	CommitBlockList(ctx context.Context, name string, blockIDs []string, contentType string) error

	// DiscardBlocks drops uncommitted blocks and leaves the committed blob
	// untouched.
	DiscardBlocks(ctx context.Context, name string) error

	// Delete removes a blob and any staged blocks. Deleting a missing blob
	// is not an error.
	Delete(ctx context.Context, name string) error
	Exists(ctx context.Context, name string) (bool, error)
}

// Appender adds data to the end of an append blob, creating it with meta
// when missing. Producers use it; the converter only reads.
type Appender interface {
	Append(ctx context.Context, name string, data []byte, meta map[string]string) error
}

// Store is a complete backend.
type Store interface {
	Reader
	Writer
	Appender
	Close() error
}

// Open returns the store for a connection string. container scopes the store
// to one logical container: a subdirectory for filesystem stores and a key
// column for PostgreSQL.
//
//	memory:                       in-memory tree
//	file:///var/lib/blobs         directory tree
//	postgres://user@host/db       PostgreSQL
func Open(ctx context.Context, conn, container string) (Store, error) {
	conn = strings.TrimSpace(conn)
	switch {
	case conn == "" || conn == "memory:" || conn == "memory":
		return NewMemory(), nil
	case strings.HasPrefix(conn, "file://"):
		return NewDirectory(strings.TrimPrefix(conn, "file://"), container)
	case strings.HasPrefix(conn, "postgres://"), strings.HasPrefix(conn, "postgresql://"):
		return OpenPostgres(ctx, conn, container)
	default:
		return nil, fmt.Errorf("unsupported blob store connection %q", redact(conn))
	}
}

// redact hides the userinfo part of a connection string.
func redact(conn string) string {
	scheme, rest, ok := strings.Cut(conn, "://")
	if !ok {
		return conn
	}
	if at := strings.LastIndex(rest, "@"); at >= 0 {
		return scheme + "://***@" + rest[at+1:]
	}
	return conn
}
