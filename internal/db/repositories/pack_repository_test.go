package repositories

import (
	"context"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/packregistry/packregistry/internal/db/models"
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

var readmeCols = []string{"pack_name", "content", "updated_at"}

var errDB = errors.New("db error")

const testIntegrity = "sha256-2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"

// ---------------------------------------------------------------------------
// Row builders
// ---------------------------------------------------------------------------

func samplePackRow() *sqlmock.Rows {
	return sqlmock.NewRows(packCols).
		AddRow("pack-1", "@acme/rules", "Acme Rules", "Lint rules", "alice",
			"{lint,go}", "{cursor}", "{rules}", "1.2.0", int64(42), int64(7),
			false, true, "use @acme/rules2", time.Now(), time.Now())
}

func emptyPackRow() *sqlmock.Rows {
	return sqlmock.NewRows(packCols)
}

func sampleVersionRow() *sqlmock.Rows {
	return sqlmock.NewRows(versionCols).
		AddRow("ver-1", "@acme/rules", "1.2.0", testIntegrity, int64(512),
			"packs/@acme/rules/1.2.0.tgz", "local", []byte(`{"name":"@acme/rules"}`), "alice", time.Now())
}

func newPackRepo(t *testing.T) (*PackRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewPackRepository(db), mock
}

// ---------------------------------------------------------------------------
// GetPack
// ---------------------------------------------------------------------------

func TestGetPack_Found(t *testing.T) {
	repo, mock := newPackRepo(t)
	mock.ExpectQuery("SELECT .* FROM packs WHERE name").
		WithArgs("@acme/rules").
		WillReturnRows(samplePackRow())

	p, err := repo.GetPack(context.Background(), "@acme/rules")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p == nil {
		t.Fatal("expected pack, got nil")
	}
	if len(p.Tags) != 2 || p.Tags[0] != "lint" || p.Tags[1] != "go" {
		t.Errorf("Tags = %v, want [lint go]", p.Tags)
	}
	if !p.Deprecated || p.DeprecationMessage == nil || *p.DeprecationMessage != "use @acme/rules2" {
		t.Errorf("deprecation = %v/%v, want true with message", p.Deprecated, p.DeprecationMessage)
	}
}

func TestGetPack_NotFound(t *testing.T) {
	repo, mock := newPackRepo(t)
	mock.ExpectQuery("SELECT .* FROM packs WHERE name").
		WillReturnRows(emptyPackRow())

	p, err := repo.GetPack(context.Background(), "missing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p != nil {
		t.Error("expected nil, got non-nil")
	}
}

func TestGetPack_DBError(t *testing.T) {
	repo, mock := newPackRepo(t)
	mock.ExpectQuery("SELECT .* FROM packs WHERE name").
		WillReturnError(errDB)

	if _, err := repo.GetPack(context.Background(), "x"); err == nil {
		t.Error("expected error, got nil")
	}
}

// ---------------------------------------------------------------------------
// UpsertPackMetadata
// ---------------------------------------------------------------------------

func TestUpsertPackMetadata_Success(t *testing.T) {
	repo, mock := newPackRepo(t)
	mock.ExpectQuery("INSERT INTO packs .* ON CONFLICT \\(name\\) DO UPDATE").
		WithArgs("@acme/rules", "Acme Rules", "Lint rules", "alice",
			pq.Array([]string{"lint"}), pq.Array([]string{}), pq.Array([]string{}), "1.0.0").
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).
			AddRow("pack-1", time.Now(), time.Now()))

	p := &models.Pack{
		Name:          "@acme/rules",
		DisplayName:   "Acme Rules",
		Description:   "Lint rules",
		AuthorName:    "alice",
		Tags:          []string{"lint"},
		LatestVersion: "1.0.0",
	}
	if err := repo.UpsertPackMetadata(context.Background(), p); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.ID != "pack-1" {
		t.Errorf("ID = %q, want pack-1", p.ID)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestUpsertPackMetadata_DBError(t *testing.T) {
	repo, mock := newPackRepo(t)
	mock.ExpectQuery("INSERT INTO packs").WillReturnError(errDB)

	if err := repo.UpsertPackMetadata(context.Background(), &models.Pack{Name: "x"}); err == nil {
		t.Error("expected error, got nil")
	}
}

// ---------------------------------------------------------------------------
// InsertVersion
// ---------------------------------------------------------------------------

func TestInsertVersion_Success(t *testing.T) {
	repo, mock := newPackRepo(t)
	mock.ExpectQuery("INSERT INTO pack_versions").
		WillReturnRows(sqlmock.NewRows([]string{"published_at"}).AddRow(time.Now()))

	v := &models.PackVersion{PackName: "simple", Version: "1.0.0", Integrity: testIntegrity, TarballSize: 3}
	if err := repo.InsertVersion(context.Background(), v); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.ID == "" {
		t.Error("expected generated ID")
	}
	if v.PublishedAt.IsZero() {
		t.Error("expected PublishedAt to be set")
	}
}

func TestInsertVersion_Duplicate(t *testing.T) {
	repo, mock := newPackRepo(t)
	mock.ExpectQuery("INSERT INTO pack_versions").
		WillReturnError(&pq.Error{Code: "23505", Constraint: "pack_versions_pack_name_version_key"})

	err := repo.InsertVersion(context.Background(), &models.PackVersion{PackName: "simple", Version: "1.0.0"})
	if !errors.Is(err, ErrDuplicateVersion) {
		t.Errorf("err = %v, want ErrDuplicateVersion", err)
	}
}

func TestInsertVersion_OtherUniqueViolationIsNotDuplicate(t *testing.T) {
	repo, mock := newPackRepo(t)
	mock.ExpectQuery("INSERT INTO pack_versions").
		WillReturnError(&pq.Error{Code: "23505", Constraint: "pack_versions_pkey"})

	err := repo.InsertVersion(context.Background(), &models.PackVersion{PackName: "simple", Version: "1.0.0"})
	if err == nil || errors.Is(err, ErrDuplicateVersion) {
		t.Errorf("err = %v, want a wrapped non-duplicate error", err)
	}
}

// ---------------------------------------------------------------------------
// GetVersion / ListVersions / DeleteVersion
// ---------------------------------------------------------------------------

func TestGetVersion_Found(t *testing.T) {
	repo, mock := newPackRepo(t)
	mock.ExpectQuery("SELECT .* FROM pack_versions WHERE pack_name = \\$1 AND version = \\$2").
		WithArgs("@acme/rules", "1.2.0").
		WillReturnRows(sampleVersionRow())

	v, err := repo.GetVersion(context.Background(), "@acme/rules", "1.2.0")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v == nil || v.Integrity != testIntegrity || v.TarballSize != 512 {
		t.Errorf("version = %+v", v)
	}
	if string(v.Manifest) != `{"name":"@acme/rules"}` {
		t.Errorf("Manifest = %s", v.Manifest)
	}
}

func TestGetVersion_NotFound(t *testing.T) {
	repo, mock := newPackRepo(t)
	mock.ExpectQuery("SELECT .* FROM pack_versions").
		WillReturnRows(sqlmock.NewRows(versionCols))

	v, err := repo.GetVersion(context.Background(), "x", "9.9.9")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != nil {
		t.Error("expected nil, got non-nil")
	}
}

func TestListVersions(t *testing.T) {
	repo, mock := newPackRepo(t)
	rows := sampleVersionRow().
		AddRow("ver-0", "@acme/rules", "1.0.0", testIntegrity, int64(100), "p", "local", []byte(`{}`), "alice", time.Now())
	mock.ExpectQuery("SELECT .* FROM pack_versions WHERE pack_name = \\$1 ORDER BY").
		WithArgs("@acme/rules").
		WillReturnRows(rows)

	versions, err := repo.ListVersions(context.Background(), "@acme/rules")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(versions) != 2 {
		t.Fatalf("len = %d, want 2", len(versions))
	}
}

func TestDeleteVersion(t *testing.T) {
	repo, mock := newPackRepo(t)
	mock.ExpectExec("DELETE FROM pack_versions").
		WithArgs("simple", "1.0.0").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM pack_versions").
		WithArgs("simple", "2.0.0").
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := repo.DeleteVersion(context.Background(), "simple", "1.0.0")
	if err != nil || !ok {
		t.Errorf("DeleteVersion(existing) = %v, %v; want true, nil", ok, err)
	}
	ok, err = repo.DeleteVersion(context.Background(), "simple", "2.0.0")
	if err != nil || ok {
		t.Errorf("DeleteVersion(missing) = %v, %v; want false, nil", ok, err)
	}
}

// ---------------------------------------------------------------------------
// SetDeprecated / SetFeatured / DeletePack
// ---------------------------------------------------------------------------

func TestSetDeprecated_ClearsMessageWhenUndeprecating(t *testing.T) {
	repo, mock := newPackRepo(t)
	mock.ExpectExec("UPDATE packs SET deprecated").
		WithArgs("simple", false, nil).
		WillReturnResult(sqlmock.NewResult(0, 1))

	msg := "ignored"
	ok, err := repo.SetDeprecated(context.Background(), "simple", false, &msg)
	if err != nil || !ok {
		t.Errorf("SetDeprecated = %v, %v; want true, nil", ok, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestSetDeprecated_NotFound(t *testing.T) {
	repo, mock := newPackRepo(t)
	mock.ExpectExec("UPDATE packs SET deprecated").
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := repo.SetDeprecated(context.Background(), "missing", true, nil)
	if err != nil || ok {
		t.Errorf("SetDeprecated = %v, %v; want false, nil", ok, err)
	}
}

func TestSetFeatured(t *testing.T) {
	repo, mock := newPackRepo(t)
	mock.ExpectExec("UPDATE packs SET featured").
		WithArgs("simple", true).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := repo.SetFeatured(context.Background(), "simple", true)
	if err != nil || !ok {
		t.Errorf("SetFeatured = %v, %v; want true, nil", ok, err)
	}
}

func TestDeletePack(t *testing.T) {
	repo, mock := newPackRepo(t)
	mock.ExpectExec("DELETE FROM packs WHERE name").
		WithArgs("simple").
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := repo.DeletePack(context.Background(), "simple")
	if err != nil || !ok {
		t.Errorf("DeletePack = %v, %v; want true, nil", ok, err)
	}
}

func TestDeletePack_DBError(t *testing.T) {
	repo, mock := newPackRepo(t)
	mock.ExpectExec("DELETE FROM packs").WillReturnError(errDB)

	if _, err := repo.DeletePack(context.Background(), "simple"); err == nil {
		t.Error("expected error, got nil")
	}
}

func TestLockLatestVersion(t *testing.T) {
	repo, mock := newPackRepo(t)
	mock.ExpectQuery("SELECT latest_version FROM packs WHERE name = \\$1 FOR UPDATE").
		WithArgs("simple").
		WillReturnRows(sqlmock.NewRows([]string{"latest_version"}).AddRow("1.2.0"))

	latest, ok, err := repo.LockLatestVersion(context.Background(), "simple")
	if err != nil || !ok || latest != "1.2.0" {
		t.Errorf("LockLatestVersion = %q, %v, %v; want 1.2.0, true, nil", latest, ok, err)
	}
}

func TestLockLatestVersion_Gone(t *testing.T) {
	repo, mock := newPackRepo(t)
	mock.ExpectQuery("SELECT latest_version FROM packs").
		WillReturnRows(sqlmock.NewRows([]string{"latest_version"}))

	_, ok, err := repo.LockLatestVersion(context.Background(), "simple")
	if err != nil || ok {
		t.Errorf("LockLatestVersion = %v, %v; want false, nil", ok, err)
	}
}

// ---------------------------------------------------------------------------
// Readme
// ---------------------------------------------------------------------------

func TestUpsertReadme(t *testing.T) {
	repo, mock := newPackRepo(t)
	mock.ExpectExec("INSERT INTO pack_readmes .* ON CONFLICT").
		WithArgs("simple", "# Hello").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.UpsertReadme(context.Background(), "simple", "# Hello"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestGetReadme_Absent(t *testing.T) {
	repo, mock := newPackRepo(t)
	mock.ExpectQuery("SELECT pack_name, content, updated_at FROM pack_readmes").
		WillReturnRows(sqlmock.NewRows(readmeCols))

	readme, err := repo.GetReadme(context.Background(), "simple")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if readme != nil {
		t.Error("expected nil readme")
	}
}

func TestGetReadme_Found(t *testing.T) {
	repo, mock := newPackRepo(t)
	mock.ExpectQuery("SELECT pack_name, content, updated_at FROM pack_readmes").
		WillReturnRows(sqlmock.NewRows(readmeCols).AddRow("simple", "# Hello", time.Now()))

	readme, err := repo.GetReadme(context.Background(), "simple")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if readme == nil || readme.Content != "# Hello" {
		t.Errorf("readme = %+v", readme)
	}
}

// ---------------------------------------------------------------------------
// Search / ListFeatured
// ---------------------------------------------------------------------------

func TestSearch_EscapesLikePattern(t *testing.T) {
	repo, mock := newPackRepo(t)
	mock.ExpectQuery("SELECT .* FROM packs").
		WithArgs("50%_off", `%50\%\_off%`, "", "cursor", 20, 0).
		WillReturnRows(samplePackRow())

	packs, err := repo.Search(context.Background(), models.SearchFilters{
		Query: "50%_off", Target: "cursor", Limit: 20,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(packs) != 1 {
		t.Errorf("len = %d, want 1", len(packs))
	}
}

func TestSearch_Empty(t *testing.T) {
	repo, mock := newPackRepo(t)
	mock.ExpectQuery("SELECT .* FROM packs").
		WillReturnRows(emptyPackRow())

	packs, err := repo.Search(context.Background(), models.SearchFilters{Query: "nothing", Limit: 20})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if packs == nil || len(packs) != 0 {
		t.Errorf("packs = %v, want empty non-nil slice", packs)
	}
}

func TestListFeatured_DBError(t *testing.T) {
	repo, mock := newPackRepo(t)
	mock.ExpectQuery("SELECT .* FROM packs WHERE featured").
		WillReturnError(errDB)

	if _, err := repo.ListFeatured(context.Background(), 10); err == nil {
		t.Error("expected error, got nil")
	}
}

// ---------------------------------------------------------------------------
// Downloads
// ---------------------------------------------------------------------------

func TestRecordDownload(t *testing.T) {
	repo, mock := newPackRepo(t)
	mock.ExpectExec("WITH bumped AS .* INSERT INTO pack_download_days").
		WithArgs("simple").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.RecordDownload(context.Background(), "simple"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRollupWeeklyDownloads(t *testing.T) {
	repo, mock := newPackRepo(t)
	mock.ExpectExec("UPDATE packs p SET weekly_downloads").
		WillReturnResult(sqlmock.NewResult(0, 12))

	n, err := repo.RollupWeeklyDownloads(context.Background(), time.Now().AddDate(0, 0, -7))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 12 {
		t.Errorf("n = %d, want 12", n)
	}
}

func TestPruneDownloadDays(t *testing.T) {
	repo, mock := newPackRepo(t)
	mock.ExpectExec("DELETE FROM pack_download_days").
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := repo.PruneDownloadDays(context.Background(), time.Now())
	if err != nil || n != 3 {
		t.Errorf("PruneDownloadDays = %d, %v; want 3, nil", n, err)
	}
}

// ---------------------------------------------------------------------------
// InTx
// ---------------------------------------------------------------------------

func TestInTx_Commit(t *testing.T) {
	repo, mock := newPackRepo(t)
	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO pack_versions").
		WillReturnRows(sqlmock.NewRows([]string{"published_at"}).AddRow(time.Now()))
	mock.ExpectExec("INSERT INTO pack_readmes").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := repo.InTx(context.Background(), func(tx *PackRepository) error {
		if err := tx.InsertVersion(context.Background(), &models.PackVersion{PackName: "simple", Version: "1.0.0"}); err != nil {
			return err
		}
		return tx.UpsertReadme(context.Background(), "simple", "# x")
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestInTx_RollbackOnError(t *testing.T) {
	repo, mock := newPackRepo(t)
	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO pack_versions").
		WillReturnError(&pq.Error{Code: "23505", Constraint: "pack_versions_pack_name_version_key"})
	mock.ExpectRollback()

	err := repo.InTx(context.Background(), func(tx *PackRepository) error {
		return tx.InsertVersion(context.Background(), &models.PackVersion{PackName: "simple", Version: "1.0.0"})
	})
	if !errors.Is(err, ErrDuplicateVersion) {
		t.Errorf("err = %v, want ErrDuplicateVersion", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestInTx_Nested(t *testing.T) {
	repo, mock := newPackRepo(t)
	mock.ExpectBegin()
	mock.ExpectCommit()

	calls := 0
	err := repo.InTx(context.Background(), func(tx *PackRepository) error {
		return tx.InTx(context.Background(), func(inner *PackRepository) error {
			calls++
			if inner != tx {
				t.Error("nested InTx should reuse the transactional repository")
			}
			return nil
		})
	})
	if err != nil || calls != 1 {
		t.Errorf("InTx nested = %v, calls = %d", err, calls)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestInTx_BeginError(t *testing.T) {
	repo, mock := newPackRepo(t)
	mock.ExpectBegin().WillReturnError(errDB)

	err := repo.InTx(context.Background(), func(*PackRepository) error {
		t.Error("fn should not run when Begin fails")
		return nil
	})
	if err == nil {
		t.Error("expected error, got nil")
	}
}
