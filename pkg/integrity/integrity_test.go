package integrity

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"testing"
)

func TestDigest(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
		want  string
	}{
		{
			// echo -n "hello" | sha256sum
			name:  "hello",
			input: []byte("hello"),
			want:  "sha256-2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824",
		},
		{
			name:  "empty buffer",
			input: []byte{},
			want:  "sha256-e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		},
		{
			name:  "nil buffer",
			input: nil,
			want:  "sha256-e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Digest(tt.input); got != tt.want {
				t.Errorf("Digest(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestDigest_MatchesSHA256OfBytes(t *testing.T) {
	data := bytes.Repeat([]byte{0x1f, 0x8b, 0x00, 0xff}, 4096)
	sum := sha256.Sum256(data)
	want := "sha256-" + hex.EncodeToString(sum[:])

	if got := Digest(data); got != want {
		t.Errorf("Digest() = %q, want %q", got, want)
	}
	if got := Digest(data); got != Digest(data) {
		t.Errorf("Digest() not deterministic: %q", got)
	}
}

func TestDigestReader(t *testing.T) {
	got, n, err := DigestReader(strings.NewReader("hello"))
	if err != nil {
		t.Fatalf("DigestReader() error: %v", err)
	}
	if n != 5 {
		t.Errorf("n = %d, want 5", n)
	}
	if got != Digest([]byte("hello")) {
		t.Errorf("DigestReader() = %q, want %q", got, Digest([]byte("hello")))
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("read failed") }

func TestDigestReader_Error(t *testing.T) {
	if _, _, err := DigestReader(failingReader{}); err == nil {
		t.Error("DigestReader() expected error from failing reader")
	}
}

func TestVerify(t *testing.T) {
	data := []byte("pack contents")
	good := Digest(data)

	if !Verify(data, good) {
		t.Error("Verify() = false for matching digest")
	}
	if Verify([]byte("other contents"), good) {
		t.Error("Verify() = true for different data")
	}
	if Verify(data, strings.TrimPrefix(good, Prefix)) {
		t.Error("Verify() = true for digest without prefix")
	}
	if Verify(data, strings.ToUpper(good)) {
		t.Error("Verify() = true for uppercase digest")
	}
}

func TestIsValid(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{Digest([]byte("x")), true},
		{"sha256-", false},
		{"sha512-" + strings.Repeat("a", 64), false},
		{"sha256-" + strings.Repeat("g", 64), false},
		{"sha256-" + strings.Repeat("a", 63), false},
		{"", false},
	}
	for _, tt := range tests {
		if got := IsValid(tt.in); got != tt.want {
			t.Errorf("IsValid(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
