package services

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/packregistry/packregistry/internal/storage"
	"github.com/stretchr/testify/require"
)

// ---------------------------------------------------------------------------
// Column definitions
// ---------------------------------------------------------------------------

var packCols = []string{
	"id", "name", "display_name", "description", "author_name", "tags", "targets", "features",
	"latest_version", "downloads", "weekly_downloads", "featured", "deprecated", "deprecation_message",
	"created_at", "updated_at",
}

var versionCols = []string{
	"id", "pack_name", "version", "integrity", "tarball_size", "storage_path", "storage_backend",
	"manifest", "author_name", "published_at",
}

var orgCols = []string{"id", "name", "display_name", "description", "created_at", "updated_at"}

var memberCols = []string{"org_name", "username", "role", "created_at", "updated_at"}

var tokenCols = []string{
	"id", "username", "token_hash", "token_prefix", "scope", "description", "expires_at", "last_used_at", "created_at",
}

var errDB = errors.New("db error")

const testIntegrity = "sha256-2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"

// ---------------------------------------------------------------------------
// Row builders
// ---------------------------------------------------------------------------

func packRow(name, author string) *sqlmock.Rows {
	return sqlmock.NewRows(packCols).
		AddRow("pack-1", name, name, "Lint rules", author,
			"{lint}", "{cursor}", "{rules}", "1.0.0", int64(3), int64(1),
			false, false, nil, time.Now(), time.Now())
}

func versionRows(name string, versions ...string) *sqlmock.Rows {
	rows := sqlmock.NewRows(versionCols)
	for _, v := range versions {
		rows.AddRow("ver-"+v, name, v, testIntegrity, int64(128),
			blobKey(name, v), "local", []byte(`{}`), "alice", time.Now())
	}
	return rows
}

// blobKey is the storage key versionRows records for a version.
func blobKey(name, version string) string {
	return storage.PackKey(name, version, "ver-"+version)
}

func orgRow(name string) *sqlmock.Rows {
	return sqlmock.NewRows(orgCols).AddRow("org-1", name, name, "", time.Now(), time.Now())
}

func memberRow(org, username, role string) *sqlmock.Rows {
	return sqlmock.NewRows(memberCols).AddRow(org, username, role, time.Now(), time.Now())
}

func newMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})
	return db, mock
}

// captureString matches any string argument and records it.
type captureString struct{ dst *string }

func (c captureString) Match(v driver.Value) bool {
	s, ok := v.(string)
	if ok {
		*c.dst = s
	}
	return ok
}

// ---------------------------------------------------------------------------
// Fake storage
// ---------------------------------------------------------------------------

type memStore struct {
	mu        sync.Mutex
	objects   map[string][]byte
	uploadErr error
	deleteErr error
	// failDeleteAt makes only the Nth Delete call (1-based) fail with deleteErr.
	failDeleteAt int
	deleteCalls  int
	onDelete     func(key string)
	deleted      []string
}

func newMemStore() *memStore {
	return &memStore{objects: make(map[string][]byte)}
}

func (s *memStore) Upload(_ context.Context, key string, r io.Reader, _ int64) (*storage.UploadResult, error) {
	if s.uploadErr != nil {
		return nil, s.uploadErr
	}
	hr := storage.NewHashingReader(r)
	data, err := io.ReadAll(hr)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = data
	return hr.Result(key), nil
}

func (s *memStore) Download(_ context.Context, key string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *memStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteCalls++
	if s.onDelete != nil {
		s.onDelete(key)
	}
	if s.deleteErr != nil && (s.failDeleteAt == 0 || s.failDeleteAt == s.deleteCalls) {
		return s.deleteErr
	}
	delete(s.objects, key)
	s.deleted = append(s.deleted, key)
	return nil
}

func (s *memStore) Exists(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[key]
	return ok, nil
}

func (s *memStore) has(key string) bool {
	ok, _ := s.Exists(context.Background(), key)
	return ok
}

// ---------------------------------------------------------------------------
// Archives
// ---------------------------------------------------------------------------

// makeTarGz builds a tar.gz with the given name -> content files, in sorted-by-caller order.
func makeTarGz(t *testing.T, files ...[2]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gw)
	for _, f := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     f[0],
			Mode:     0o644,
			Size:     int64(len(f[1])),
			Typeflag: tar.TypeReg,
		}))
		_, err := tw.Write([]byte(f[1]))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gw.Close())
	return buf.Bytes()
}
