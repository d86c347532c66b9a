// readme.go locates and bounds README content, either from a tarball entry or
// supplied directly with the publish request.
package validation

import (
	"fmt"
	"io"
	"strings"
	"unicode/utf8"
)

var readmeNames = []string{"readme.md", "readme", "readme.txt", "readme.markdown"}

// isRootReadme matches README files at the archive root or under the
// conventional single "package/" directory.
func isRootReadme(name string) bool {
	name = strings.TrimPrefix(name, "./")
	name = strings.TrimPrefix(name, "package/")
	if strings.Contains(name, "/") {
		return false
	}
	lower := strings.ToLower(name)
	for _, candidate := range readmeNames {
		if lower == candidate {
			return true
		}
	}
	return false
}

func readReadme(r io.Reader, size, maxSize int64) (string, error) {
	if size > maxSize {
		return "", fmt.Errorf("%w: README exceeds %d bytes", ErrInvalidArchive, maxSize)
	}
	content, err := io.ReadAll(io.LimitReader(r, maxSize))
	if err != nil {
		return "", fmt.Errorf("%w: failed to read README: %v", ErrInvalidArchive, err)
	}
	if !utf8.Valid(content) {
		return "", fmt.Errorf("%w: README is not valid UTF-8", ErrInvalidArchive)
	}
	return string(content), nil
}

// ValidateReadme checks README text sent outside the tarball.
func ValidateReadme(content string, maxSize int64) error {
	if maxSize <= 0 {
		maxSize = DefaultMaxReadmeSize
	}
	if int64(len(content)) > maxSize {
		return fmt.Errorf("README exceeds %d bytes", maxSize)
	}
	if !utf8.ValidString(content) {
		return fmt.Errorf("README is not valid UTF-8")
	}
	return nil
}
