// Package validation checks publish inputs before anything is persisted: pack
// and organization names, the metadata document, version strings and the
// tarball itself. Invalid uploads are rejected early without consuming storage.
package validation

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
)

const (
	// DefaultMaxUnpackedSize caps the sum of entry sizes inside a tarball (100MB)
	DefaultMaxUnpackedSize = 100 * 1024 * 1024

	// DefaultMaxReadmeSize caps README content (1MB)
	DefaultMaxReadmeSize = 1024 * 1024
)

// ErrInvalidArchive marks a tarball that is malformed or unsafe.
var ErrInvalidArchive = errors.New("invalid archive")

// ArchiveLimits bounds what InspectArchive accepts. Zero values use the defaults.
type ArchiveLimits struct {
	MaxUnpackedSize int64
	MaxReadmeSize   int64
}

// ArchiveInfo summarizes a valid tarball.
type ArchiveInfo struct {
	FileCount    int
	UnpackedSize int64
	Readme       *string
}

// InspectArchive validates a gzip-compressed tar stream in one pass and pulls
// out the root README if there is one. Only regular files and directories are
// allowed; links, devices, absolute paths and ".." segments are rejected.
func InspectArchive(reader io.Reader, limits ArchiveLimits) (*ArchiveInfo, error) {
	if limits.MaxUnpackedSize <= 0 {
		limits.MaxUnpackedSize = DefaultMaxUnpackedSize
	}
	if limits.MaxReadmeSize <= 0 {
		limits.MaxReadmeSize = DefaultMaxReadmeSize
	}

	gzReader, err := gzip.NewReader(reader)
	if err != nil {
		return nil, fmt.Errorf("%w: not gzip compressed: %v", ErrInvalidArchive, err)
	}
	defer gzReader.Close()

	tarReader := tar.NewReader(gzReader)
	info := &ArchiveInfo{}

	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidArchive, err)
		}

		if err := validatePath(header.Name); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidArchive, err)
		}

		switch header.Typeflag {
		case tar.TypeDir:
			continue
		case tar.TypeReg:
		default:
			return nil, fmt.Errorf("%w: unsupported entry type for %s", ErrInvalidArchive, header.Name)
		}

		info.FileCount++
		info.UnpackedSize += header.Size
		if info.UnpackedSize > limits.MaxUnpackedSize {
			return nil, fmt.Errorf("%w: unpacked size exceeds %d bytes", ErrInvalidArchive, limits.MaxUnpackedSize)
		}

		if info.Readme == nil && isRootReadme(header.Name) {
			content, err := readReadme(tarReader, header.Size, limits.MaxReadmeSize)
			if err != nil {
				return nil, err
			}
			info.Readme = &content
		}
	}

	if info.FileCount == 0 {
		return nil, fmt.Errorf("%w: archive is empty", ErrInvalidArchive)
	}
	return info, nil
}

// validatePath rejects entry names that could escape the extraction root
func validatePath(name string) error {
	if name == "" {
		return fmt.Errorf("empty entry name")
	}
	if strings.ContainsRune(name, '\\') {
		return fmt.Errorf("backslash in path not allowed: %s", name)
	}
	if strings.HasPrefix(name, "/") {
		return fmt.Errorf("absolute paths not allowed: %s", name)
	}
	// Windows drive letters (C:/...) arrive in archives built on Windows hosts.
	if len(name) >= 2 && name[1] == ':' {
		return fmt.Errorf("absolute paths not allowed: %s", name)
	}
	for _, seg := range strings.Split(name, "/") {
		if seg == ".." {
			return fmt.Errorf("path traversal not allowed: %s", name)
		}
	}
	if clean := path.Clean(name); clean == ".git" || strings.HasPrefix(clean, ".git/") {
		return fmt.Errorf("git directories not allowed in archives")
	}
	return nil
}
