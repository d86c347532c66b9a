// Package storage defines the blob store behind pack tarballs.
//
// Backends implement Storage and register themselves with the factory from an
// init() function in their own package:
//
//	func init() {
//	    storage.Register("mybackend", func(cfg *config.Config) (storage.Storage, error) {
//	        return NewMyBackend(cfg)
//	    })
//	}
//
// cmd/server blank-imports each backend so its init() runs.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"strings"

	"github.com/packregistry/packregistry/pkg/integrity"
)

// ErrNotFound is returned by Download when no object exists at the key.
var ErrNotFound = errors.New("object not found")

// Storage is implemented by every blob backend. Keys use forward slashes.
type Storage interface {
	// Upload stores the full contents of reader under key, replacing any existing object
	Upload(ctx context.Context, key string, reader io.Reader, size int64) (*UploadResult, error)

	// Download opens the object at key. Missing objects yield ErrNotFound.
	Download(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes the object at key. Deleting a missing object is not an error.
	Delete(ctx context.Context, key string) error

	// Exists reports whether an object is stored at key
	Exists(ctx context.Context, key string) (bool, error)
}

// UploadResult describes a stored object
type UploadResult struct {
	Key       string
	Size      int64
	Integrity string
}

// PackKey is the object key for one publish attempt of a pack version. The
// attempt ID (the version row ID) keeps an aborted publish from sharing a key
// with a concurrent publish of the same version.
func PackKey(packName, version, attemptID string) string {
	return fmt.Sprintf("packs/%s/%s-%s.tgz", packName, version, attemptID)
}

// ValidateKey rejects keys that are empty, absolute or climb out of the store root.
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("storage key is required")
	}
	if strings.HasPrefix(key, "/") || strings.ContainsRune(key, '\\') {
		return fmt.Errorf("invalid storage key: %s", key)
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return fmt.Errorf("invalid storage key: %s", key)
		}
	}
	return nil
}

// HashingReader computes the integrity value of everything read through it.
type HashingReader struct {
	r io.Reader
	h hash.Hash
	n int64
}

// NewHashingReader wraps r.
func NewHashingReader(r io.Reader) *HashingReader {
	return &HashingReader{r: r, h: sha256.New()}
}

func (hr *HashingReader) Read(p []byte) (int, error) {
	n, err := hr.r.Read(p)
	if n > 0 {
		hr.h.Write(p[:n])
		hr.n += int64(n)
	}
	return n, err
}

// Result returns the bytes read so far and their integrity value.
func (hr *HashingReader) Result(key string) *UploadResult {
	return &UploadResult{
		Key:       key,
		Size:      hr.n,
		Integrity: integrity.Prefix + hex.EncodeToString(hr.h.Sum(nil)),
	}
}
