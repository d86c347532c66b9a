package gcs

import (
	"os"
	"path/filepath"
	"testing"

	appconfig "github.com/packregistry/packregistry/internal/config"
)

func TestNew_MissingBucket(t *testing.T) {
	if _, err := New(&appconfig.GCSStorageConfig{}); err == nil {
		t.Error("New() = nil error, want error for missing bucket")
	}
}

func TestClientOptions(t *testing.T) {
	credsFile := filepath.Join(t.TempDir(), "creds.json")
	if err := os.WriteFile(credsFile, []byte(`{}`), 0600); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name     string
		cfg      appconfig.GCSStorageConfig
		wantOpts int
		wantErr  bool
	}{
		{"default", appconfig.GCSStorageConfig{Bucket: "b"}, 0, false},
		{"emulator", appconfig.GCSStorageConfig{Bucket: "b", Endpoint: "http://localhost:4443/storage/v1/"}, 2, false},
		{"workload identity", appconfig.GCSStorageConfig{Bucket: "b", AuthMethod: "workload_identity"}, 0, false},
		{"implicit service account from json", appconfig.GCSStorageConfig{Bucket: "b", CredentialsJSON: `{}`}, 1, false},
		{"service account file", appconfig.GCSStorageConfig{Bucket: "b", AuthMethod: "service_account", CredentialsFile: credsFile}, 1, false},
		{"service account without credentials", appconfig.GCSStorageConfig{Bucket: "b", AuthMethod: "service_account"}, 0, true},
		{"unsupported", appconfig.GCSStorageConfig{Bucket: "b", AuthMethod: "magic"}, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.cfg
			opts, err := clientOptions(&cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("clientOptions() error = %v, wantErr %v", err, tt.wantErr)
			}
			if len(opts) != tt.wantOpts {
				t.Errorf("len(opts) = %d, want %d", len(opts), tt.wantOpts)
			}
		})
	}
}

func TestNew_EmulatorEndpoint(t *testing.T) {
	s, err := New(&appconfig.GCSStorageConfig{Bucket: "packs", Endpoint: "http://localhost:4443/storage/v1/"})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer s.Close()
	if s.bucket != "packs" {
		t.Errorf("bucket = %q", s.bucket)
	}
}
