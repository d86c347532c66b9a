package services

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/packregistry/packregistry/internal/apperr"
	"github.com/packregistry/packregistry/internal/config"
	"github.com/packregistry/packregistry/internal/db/models"
	"github.com/packregistry/packregistry/internal/db/repositories"
	"github.com/packregistry/packregistry/internal/storage"
	"github.com/packregistry/packregistry/pkg/integrity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const lintMetadata = `{"name":"lint-rules","version":"1.0.0","manifest":{"name":"lint-rules","description":"Lint rules","tags":["lint"],"targets":["cursor"]}}`

var alice = &models.Identity{Username: "alice", Scope: "publish", TokenID: "tok-1"}

func publishConfig() *config.Config {
	return &config.Config{
		Storage: config.StorageConfig{DefaultBackend: "local"},
		Packs: config.PacksConfig{
			MaxTarballSize:    1 << 20,
			MaxReadmeSize:     1024,
			ReadmeFromArchive: true,
		},
	}
}

func newPublishService(t *testing.T, authorize AuthorizeFunc) (*PublishService, sqlmock.Sqlmock, *memStore) {
	t.Helper()
	db, mock := newMockDB(t)
	store := newMemStore()
	return NewPublishService(repositories.NewPackRepository(db), store, publishConfig(), authorize), mock, store
}

// publishAttempt records the version ID and storage key a publish attempt sent.
type publishAttempt struct {
	id  string
	key string
}

func expectVersionInsert(mock sqlmock.Sqlmock, version string, data []byte, got *publishAttempt) *sqlmock.ExpectedQuery {
	return mock.ExpectQuery("INSERT INTO pack_versions").
		WithArgs(captureString{&got.id}, "lint-rules", version, integrity.Digest(data), int64(len(data)),
			captureString{&got.key}, "local", sqlmock.AnyArg(), "alice")
}

func packUpsertRow() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).AddRow("pack-1", time.Now(), time.Now())
}

// expectLatestRefresh covers the post-commit pass that settles latest_version.
// The UPDATE is expected only when want differs from recorded.
func expectLatestRefresh(mock sqlmock.Sqlmock, recorded, want string, versions ...string) {
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT latest_version FROM packs WHERE name = \\$1 FOR UPDATE").
		WithArgs("lint-rules").
		WillReturnRows(sqlmock.NewRows([]string{"latest_version"}).AddRow(recorded))
	mock.ExpectQuery("SELECT .* FROM pack_versions WHERE pack_name = \\$1 ORDER BY").
		WithArgs("lint-rules").
		WillReturnRows(versionRows("lint-rules", versions...))
	if want != recorded {
		mock.ExpectExec("UPDATE packs SET latest_version").
			WithArgs("lint-rules", want).
			WillReturnResult(sqlmock.NewResult(0, 1))
	}
	mock.ExpectCommit()
}

// ---------------------------------------------------------------------------
// Success
// ---------------------------------------------------------------------------

func TestPublish_StoresVersionMetadataAndReadme(t *testing.T) {
	svc, mock, store := newPublishService(t, nil)
	data := makeTarGz(t, [2]string{"README.md", "# Lint"}, [2]string{"rules/go.md", "use gofmt"})

	var got publishAttempt
	mock.ExpectBegin()
	expectVersionInsert(mock, "1.0.0", data, &got).
		WillReturnRows(sqlmock.NewRows([]string{"published_at"}).AddRow(time.Now()))
	mock.ExpectQuery("SELECT .* FROM pack_versions WHERE pack_name = \\$1 ORDER BY").
		WithArgs("lint-rules").
		WillReturnRows(versionRows("lint-rules", "1.0.0"))
	mock.ExpectQuery("INSERT INTO packs .* ON CONFLICT \\(name\\) DO UPDATE").
		WithArgs("lint-rules", "lint-rules", "Lint rules", "alice",
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), "1.0.0").
		WillReturnRows(packUpsertRow())
	mock.ExpectExec("INSERT INTO pack_readmes").
		WithArgs("lint-rules", "# Lint").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	expectLatestRefresh(mock, "1.0.0", "1.0.0", "1.0.0")

	res, err := svc.Publish(context.Background(), PublishRequest{
		Identity: alice,
		Metadata: []byte(lintMetadata),
		Tarball:  bytes.NewReader(data),
	})
	require.NoError(t, err)

	assert.Equal(t, "lint-rules", res.Name)
	assert.Equal(t, "1.0.0", res.Version)
	assert.Equal(t, integrity.Digest(data), res.Integrity)
	assert.Equal(t, int64(len(data)), res.TarballSize)

	require.NotEmpty(t, got.id)
	assert.Equal(t, storage.PackKey("lint-rules", "1.0.0", got.id), got.key)
	stored, ok := store.objects[got.key]
	require.True(t, ok, "tarball should be stored")
	assert.Equal(t, data, stored, "stored bytes must be the uploaded bytes")
}

func TestPublish_ExplicitReadmeWins(t *testing.T) {
	svc, mock, _ := newPublishService(t, nil)
	data := makeTarGz(t, [2]string{"README.md", "# From archive"})
	readme := "# Explicit"

	var got publishAttempt
	mock.ExpectBegin()
	expectVersionInsert(mock, "1.0.0", data, &got).
		WillReturnRows(sqlmock.NewRows([]string{"published_at"}).AddRow(time.Now()))
	mock.ExpectQuery("SELECT .* FROM pack_versions").
		WillReturnRows(versionRows("lint-rules", "1.0.0"))
	mock.ExpectQuery("INSERT INTO packs").
		WillReturnRows(packUpsertRow())
	mock.ExpectExec("INSERT INTO pack_readmes").
		WithArgs("lint-rules", "# Explicit").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	expectLatestRefresh(mock, "1.0.0", "1.0.0", "1.0.0")

	_, err := svc.Publish(context.Background(), PublishRequest{
		Identity: alice,
		Metadata: []byte(lintMetadata),
		Tarball:  bytes.NewReader(data),
		Readme:   &readme,
	})
	require.NoError(t, err)
}

func TestPublish_LatestVersionIsHighestSemver(t *testing.T) {
	svc, mock, _ := newPublishService(t, nil)
	data := makeTarGz(t, [2]string{"rules/go.md", "x"})

	var got publishAttempt
	mock.ExpectBegin()
	expectVersionInsert(mock, "1.0.0", data, &got).
		WillReturnRows(sqlmock.NewRows([]string{"published_at"}).AddRow(time.Now()))
	// 1.0.0 is being published after 2.0.0 already exists.
	mock.ExpectQuery("SELECT .* FROM pack_versions").
		WillReturnRows(versionRows("lint-rules", "1.0.0", "2.0.0"))
	mock.ExpectQuery("INSERT INTO packs").
		WithArgs("lint-rules", "lint-rules", "Lint rules", "alice",
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), "2.0.0").
		WillReturnRows(packUpsertRow())
	mock.ExpectCommit()
	expectLatestRefresh(mock, "2.0.0", "2.0.0", "1.0.0", "2.0.0")

	_, err := svc.Publish(context.Background(), PublishRequest{
		Identity: alice,
		Metadata: []byte(lintMetadata),
		Tarball:  bytes.NewReader(data),
	})
	require.NoError(t, err)
}

// A concurrent first publish of 2.0.0 commits after this transaction listed
// versions, so this publish records 1.0.0; the post-commit pass corrects it.
func TestPublish_LatestVersionSettledAfterCommit(t *testing.T) {
	svc, mock, _ := newPublishService(t, nil)
	data := makeTarGz(t, [2]string{"rules/go.md", "x"})

	var got publishAttempt
	mock.ExpectBegin()
	expectVersionInsert(mock, "1.0.0", data, &got).
		WillReturnRows(sqlmock.NewRows([]string{"published_at"}).AddRow(time.Now()))
	mock.ExpectQuery("SELECT .* FROM pack_versions").
		WillReturnRows(versionRows("lint-rules", "1.0.0"))
	mock.ExpectQuery("INSERT INTO packs").
		WithArgs("lint-rules", "lint-rules", "Lint rules", "alice",
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), "1.0.0").
		WillReturnRows(packUpsertRow())
	mock.ExpectCommit()
	expectLatestRefresh(mock, "1.0.0", "2.0.0", "1.0.0", "2.0.0")

	_, err := svc.Publish(context.Background(), PublishRequest{
		Identity: alice,
		Metadata: []byte(lintMetadata),
		Tarball:  bytes.NewReader(data),
	})
	require.NoError(t, err)
}

func TestPublish_LatestRefreshFailureStillPublishes(t *testing.T) {
	svc, mock, store := newPublishService(t, nil)
	data := makeTarGz(t, [2]string{"rules/go.md", "x"})

	var got publishAttempt
	mock.ExpectBegin()
	expectVersionInsert(mock, "1.0.0", data, &got).
		WillReturnRows(sqlmock.NewRows([]string{"published_at"}).AddRow(time.Now()))
	mock.ExpectQuery("SELECT .* FROM pack_versions").
		WillReturnRows(versionRows("lint-rules", "1.0.0"))
	mock.ExpectQuery("INSERT INTO packs").WillReturnRows(packUpsertRow())
	mock.ExpectCommit()
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT latest_version FROM packs").WillReturnError(errDB)
	mock.ExpectRollback()

	_, err := svc.Publish(context.Background(), PublishRequest{
		Identity: alice,
		Metadata: []byte(lintMetadata),
		Tarball:  bytes.NewReader(data),
	})
	require.NoError(t, err)
	assert.True(t, store.has(got.key))
	assert.Empty(t, store.deleted)
}

// Publishing a second version replaces the pack's tags, targets and features
// with exactly the new manifest's sets.
func TestPublish_SecondVersionOverwritesManifestSets(t *testing.T) {
	svc, mock, _ := newPublishService(t, nil)
	data := makeTarGz(t, [2]string{"rules/go.md", "x"})
	metadata := `{"name":"lint-rules","version":"1.1.0","manifest":{"name":"lint-rules","description":"Lint rules","tags":["format"],"targets":["claude"]}}`

	var got publishAttempt
	mock.ExpectBegin()
	expectVersionInsert(mock, "1.1.0", data, &got).
		WillReturnRows(sqlmock.NewRows([]string{"published_at"}).AddRow(time.Now()))
	mock.ExpectQuery("SELECT .* FROM pack_versions").
		WillReturnRows(versionRows("lint-rules", "1.0.0", "1.1.0"))
	mock.ExpectQuery("INSERT INTO packs .* ON CONFLICT \\(name\\) DO UPDATE").
		WithArgs("lint-rules", "lint-rules", "Lint rules", "alice",
			pq.Array([]string{"format"}), pq.Array([]string{"claude"}), pq.Array([]string{}), "1.1.0").
		WillReturnRows(packUpsertRow())
	mock.ExpectCommit()
	expectLatestRefresh(mock, "1.1.0", "1.1.0", "1.0.0", "1.1.0")

	_, err := svc.Publish(context.Background(), PublishRequest{
		Identity: alice,
		Metadata: []byte(metadata),
		Tarball:  bytes.NewReader(data),
	})
	require.NoError(t, err)
}

// ---------------------------------------------------------------------------
// Conflicts and rollback
// ---------------------------------------------------------------------------

func TestPublish_DuplicateVersion(t *testing.T) {
	svc, mock, store := newPublishService(t, nil)
	data := makeTarGz(t, [2]string{"rules/go.md", "x"})
	firstKey := storage.PackKey("lint-rules", "1.0.0", "first-attempt")
	store.objects[firstKey] = []byte("first publish")

	var got publishAttempt
	mock.ExpectBegin()
	expectVersionInsert(mock, "1.0.0", data, &got).
		WillReturnError(&pq.Error{Code: "23505", Constraint: "pack_versions_pack_name_version_key"})
	mock.ExpectRollback()

	_, err := svc.Publish(context.Background(), PublishRequest{
		Identity: alice,
		Metadata: []byte(lintMetadata),
		Tarball:  bytes.NewReader(data),
	})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.CodeConflict))
	assert.True(t, apperr.HasReason(err, apperr.ReasonDuplicateVersion))

	// The first publish's blob is untouched.
	assert.Equal(t, []byte("first publish"), store.objects[firstKey])
	assert.Empty(t, store.deleted)
}

func TestPublish_MetadataFailureRollsBackAndRemovesBlob(t *testing.T) {
	svc, mock, store := newPublishService(t, nil)
	data := makeTarGz(t, [2]string{"rules/go.md", "x"})

	var got publishAttempt
	mock.ExpectBegin()
	expectVersionInsert(mock, "1.0.0", data, &got).
		WillReturnRows(sqlmock.NewRows([]string{"published_at"}).AddRow(time.Now()))
	mock.ExpectQuery("SELECT .* FROM pack_versions").
		WillReturnRows(versionRows("lint-rules", "1.0.0"))
	mock.ExpectQuery("INSERT INTO packs").WillReturnError(errDB)
	mock.ExpectRollback()

	_, err := svc.Publish(context.Background(), PublishRequest{
		Identity: alice,
		Metadata: []byte(lintMetadata),
		Tarball:  bytes.NewReader(data),
	})
	require.Error(t, err)
	assert.False(t, store.has(got.key))
	assert.Equal(t, []string{got.key}, store.deleted)
}

// Once this attempt rolls back, a concurrent publish of the same version can
// insert its row and upload. Cleanup of this attempt must leave that upload alone.
func TestPublish_AbortedAttemptLeavesConcurrentUpload(t *testing.T) {
	svc, mock, store := newPublishService(t, nil)
	data := makeTarGz(t, [2]string{"rules/go.md", "x"})
	concurrentKey := storage.PackKey("lint-rules", "1.0.0", "concurrent-attempt")
	store.objects[concurrentKey] = []byte("concurrent publish")

	var first, second publishAttempt
	for _, got := range []*publishAttempt{&first, &second} {
		mock.ExpectBegin()
		expectVersionInsert(mock, "1.0.0", data, got).
			WillReturnRows(sqlmock.NewRows([]string{"published_at"}).AddRow(time.Now()))
		mock.ExpectQuery("SELECT .* FROM pack_versions").
			WillReturnRows(versionRows("lint-rules", "1.0.0"))
		mock.ExpectQuery("INSERT INTO packs").WillReturnError(errDB)
		mock.ExpectRollback()
	}

	for range 2 {
		_, err := svc.Publish(context.Background(), PublishRequest{
			Identity: alice,
			Metadata: []byte(lintMetadata),
			Tarball:  bytes.NewReader(data),
		})
		require.Error(t, err)
	}

	assert.NotEqual(t, first.key, second.key, "each attempt uploads under its own key")
	assert.Equal(t, []string{first.key, second.key}, store.deleted)
	assert.Equal(t, []byte("concurrent publish"), store.objects[concurrentKey])
}

func TestPublish_StorageFailureRollsBack(t *testing.T) {
	svc, mock, store := newPublishService(t, nil)
	store.uploadErr = errors.New("bucket unavailable")
	data := makeTarGz(t, [2]string{"rules/go.md", "x"})

	mock.ExpectBegin()
	expectVersionInsert(mock, "1.0.0", data, &publishAttempt{}).
		WillReturnRows(sqlmock.NewRows([]string{"published_at"}).AddRow(time.Now()))
	mock.ExpectRollback()

	_, err := svc.Publish(context.Background(), PublishRequest{
		Identity: alice,
		Metadata: []byte(lintMetadata),
		Tarball:  bytes.NewReader(data),
	})
	require.Error(t, err)
	_, isTaxonomy := apperr.As(err)
	assert.False(t, isTaxonomy, "storage failures surface as internal errors")
}

// ---------------------------------------------------------------------------
// Rejections before any write
// ---------------------------------------------------------------------------

func TestPublish_Rejections(t *testing.T) {
	valid := makeTarGz(t, [2]string{"rules/go.md", "x"})
	tooBig := bytes.Repeat([]byte("a"), (1<<20)+1)

	tests := []struct {
		name      string
		identity  *models.Identity
		metadata  string
		tarball   []byte
		authorize AuthorizeFunc
		code      apperr.Code
		reason    string
	}{
		{"no identity", nil, lintMetadata, valid, nil, apperr.CodeUnauthenticated, ""},
		{"read scope", &models.Identity{Username: "alice", Scope: "read"}, lintMetadata, valid, nil, apperr.CodeForbidden, apperr.ReasonMissingScope},
		{"malformed metadata", alice, `{"name":`, valid, nil, apperr.CodeInvalidInput, apperr.ReasonInvalidManifest},
		{"bad version", alice, `{"name":"lint-rules","version":"1.0","manifest":{"name":"lint-rules"}}`, valid, nil, apperr.CodeInvalidInput, apperr.ReasonInvalidManifest},
		{"bad name", alice, `{"name":"Lint_Rules","version":"1.0.0","manifest":{"name":"Lint_Rules"}}`, valid, nil, apperr.CodeInvalidInput, apperr.ReasonInvalidName},
		{"not gzip", alice, lintMetadata, []byte("plain text"), nil, apperr.CodeInvalidInput, apperr.ReasonInvalidManifest},
		{"empty tarball", alice, lintMetadata, []byte{}, nil, apperr.CodeInvalidInput, ""},
		{"too large", alice, lintMetadata, tooBig, nil, apperr.CodeInvalidInput, ""},
		{
			name: "authorizer denies", identity: alice, metadata: lintMetadata, tarball: valid,
			authorize: func(context.Context, *models.Identity, string) error {
				return apperr.Forbidden("not yours").WithReason(apperr.ReasonInsufficientRole)
			},
			code: apperr.CodeForbidden, reason: apperr.ReasonInsufficientRole,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _, store := newPublishService(t, tt.authorize)

			_, err := svc.Publish(context.Background(), PublishRequest{
				Identity: tt.identity,
				Metadata: []byte(tt.metadata),
				Tarball:  bytes.NewReader(tt.tarball),
			})
			require.Error(t, err)
			assert.True(t, apperr.Is(err, tt.code), "got %v", err)
			if tt.reason != "" {
				assert.True(t, apperr.HasReason(err, tt.reason), "got %v", err)
			}
			assert.Empty(t, store.objects)
		})
	}
}

func TestPublish_AuthorizerSeesPackName(t *testing.T) {
	var gotName string
	svc, _, _ := newPublishService(t, func(_ context.Context, id *models.Identity, name string) error {
		gotName = name
		return apperr.Forbidden("stop here")
	})

	_, err := svc.Publish(context.Background(), PublishRequest{
		Identity: alice,
		Metadata: []byte(lintMetadata),
		Tarball:  bytes.NewReader(makeTarGz(t, [2]string{"a.md", "a"})),
	})
	require.Error(t, err)
	assert.Equal(t, "lint-rules", gotName)
}

func TestPublishOutcome(t *testing.T) {
	assert.Equal(t, "published", publishOutcome(nil))
	assert.Equal(t, "duplicate", publishOutcome(apperr.Conflict("x").WithReason(apperr.ReasonDuplicateVersion)))
	assert.Equal(t, "invalid", publishOutcome(apperr.InvalidInput("x")))
	assert.Equal(t, "forbidden", publishOutcome(apperr.Forbidden("x")))
	assert.Equal(t, "error", publishOutcome(errDB))
}
