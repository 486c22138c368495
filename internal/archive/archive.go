// Package archive provides object storage for drift-report artifacts.
package archive

import (
	"context"
	"errors"
)

// Common errors for archive operations.
var (
	ErrObjectNotFound = errors.New("object not found")
	ErrObjectExists   = errors.New("object already exists")
	ErrUploadFailed   = errors.New("upload failed")
	ErrDownloadFailed = errors.New("download failed")
	ErrDeleteFailed   = errors.New("delete failed")
)

// ObjectStorage abstracts the store reports are archived to.
// Implementations include S3 and the local filesystem.
type ObjectStorage interface {
	// Put writes an object, overwriting any existing one.
	Put(ctx context.Context, objectPath string, data []byte) error

	// PutIfAbsent writes an object only when the path is unoccupied.
	// Report objects are write-once; a collision returns ErrObjectExists.
	PutIfAbsent(ctx context.Context, objectPath string, data []byte) error

	// Get reads an object's full contents.
	Get(ctx context.Context, objectPath string) ([]byte, error)

	// Delete removes an object. Deleting a missing object is not an error.
	Delete(ctx context.Context, objectPath string) error

	// Exists checks if an object exists in storage.
	Exists(ctx context.Context, objectPath string) (bool, error)

	// ListObjects returns all object paths under the given prefix in
	// lexical order. Report names start with a time-sortable key, so
	// lexical order is chronological order.
	ListObjects(ctx context.Context, prefix string) ([]string, error)
}
