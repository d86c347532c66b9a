package azure

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/packregistry/packregistry/internal/config"
	"github.com/packregistry/packregistry/internal/storage"
	"github.com/packregistry/packregistry/pkg/integrity"
)

type storedBlob struct {
	content  []byte
	metadata map[string]string
}

// newTestStorage points an AzureStorage at an httptest server that speaks
// enough of the Blob REST API for object CRUD.
func newTestStorage(t *testing.T) (*AzureStorage, map[string]*storedBlob) {
	t.Helper()

	var mu sync.Mutex
	store := map[string]*storedBlob{}

	notFound := func(w http.ResponseWriter) {
		w.Header().Set("x-ms-error-code", "BlobNotFound")
		w.WriteHeader(http.StatusNotFound)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimPrefix(r.URL.Path, "/")
		mu.Lock()
		defer mu.Unlock()

		switch r.Method {
		case http.MethodPut:
			data, _ := io.ReadAll(r.Body)
			meta := map[string]string{}
			for k, v := range r.Header {
				if name, ok := strings.CutPrefix(strings.ToLower(k), "x-ms-meta-"); ok && len(v) > 0 {
					meta[name] = v[0]
				}
			}
			store[key] = &storedBlob{content: data, metadata: meta}
			w.WriteHeader(http.StatusCreated)

		case http.MethodGet:
			b, ok := store[key]
			if !ok {
				notFound(w)
				return
			}
			w.Header().Set("Content-Length", fmt.Sprintf("%d", len(b.content)))
			w.WriteHeader(http.StatusOK)
			w.Write(b.content)

		case http.MethodHead:
			b, ok := store[key]
			if !ok {
				notFound(w)
				return
			}
			w.Header().Set("Content-Length", fmt.Sprintf("%d", len(b.content)))
			w.WriteHeader(http.StatusOK)

		case http.MethodDelete:
			if _, ok := store[key]; !ok {
				notFound(w)
				return
			}
			delete(store, key)
			w.WriteHeader(http.StatusAccepted)

		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}))
	t.Cleanup(srv.Close)

	client, err := azblob.NewClientWithNoCredential(srv.URL, nil)
	if err != nil {
		t.Fatalf("failed to create azblob client: %v", err)
	}
	return &AzureStorage{client: client, containerName: "packs"}, store
}

func TestUploadDownloadDeleteAndExists(t *testing.T) {
	s, store := newTestStorage(t)
	ctx := context.Background()
	data := []byte("hello azure")
	key := "packs/rules/1.0.0.tgz"

	res, err := s.Upload(ctx, key, bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	if res.Size != int64(len(data)) || res.Integrity != integrity.Digest(data) {
		t.Fatalf("unexpected result: %+v", res)
	}
	if got := store["packs/"+key].metadata["integrity"]; got != integrity.Digest(data) {
		t.Errorf("integrity metadata = %q", got)
	}

	rc, err := s.Download(ctx, key)
	if err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	got, _ := io.ReadAll(rc)
	rc.Close()
	if !bytes.Equal(got, data) {
		t.Fatalf("download content mismatch: %q", string(got))
	}

	if exists, err := s.Exists(ctx, key); err != nil || !exists {
		t.Fatalf("Exists = %v, %v; want true, nil", exists, err)
	}
	if err := s.Delete(ctx, key); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if exists, err := s.Exists(ctx, key); err != nil || exists {
		t.Fatalf("Exists after delete = %v, %v; want false, nil", exists, err)
	}
}

func TestDownload_NotFound(t *testing.T) {
	s, _ := newTestStorage(t)
	_, err := s.Download(context.Background(), "packs/none/1.0.0.tgz")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestDelete_MissingIsNotAnError(t *testing.T) {
	s, _ := newTestStorage(t)
	if err := s.Delete(context.Background(), "packs/none/1.0.0.tgz"); err != nil {
		t.Errorf("Delete() = %v, want nil", err)
	}
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.AzureStorageConfig
	}{
		{"missing account name", config.AzureStorageConfig{AccountKey: "a2V5", ContainerName: "c"}},
		{"missing account key", config.AzureStorageConfig{AccountName: "acct", ContainerName: "c"}},
		{"missing container", config.AzureStorageConfig{AccountName: "acct", AccountKey: "a2V5"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.cfg
			if _, err := New(&cfg); err == nil {
				t.Error("New() = nil error, want validation error")
			}
		})
	}
}
