// manifest.go validates the metadata document sent with a publish. The document
// is checked against an embedded JSON schema first, then against the rules the
// schema cannot express (name grammar, strict semver, name agreement).
package validation

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/packregistry/packregistry/internal/db/models"
	"github.com/xeipuuv/gojsonschema"
)

//go:embed schemas/publish-metadata.schema.json
var schemaFS embed.FS

const publishSchemaFile = "schemas/publish-metadata.schema.json"

var (
	// ErrInvalidManifest marks metadata that fails schema or semantic checks.
	ErrInvalidManifest = errors.New("invalid manifest")

	// ErrInvalidName marks a pack name that breaks the naming rules.
	ErrInvalidName = errors.New("invalid pack name")
)

// ParsePublishMetadata validates raw metadata JSON and decodes it.
// Returned errors wrap ErrInvalidManifest or ErrInvalidName.
func ParsePublishMetadata(raw []byte) (*models.PublishMetadata, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, fmt.Errorf("%w: metadata is required", ErrInvalidManifest)
	}
	if err := validateAgainstSchema(raw); err != nil {
		return nil, err
	}

	var meta models.PublishMetadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	if err := ValidatePackName(meta.Name); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidName, err)
	}
	if err := ValidateStrictSemver(meta.Version); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	if meta.Manifest.Name != meta.Name {
		return nil, fmt.Errorf("%w: manifest.name %q does not match name %q",
			ErrInvalidManifest, meta.Manifest.Name, meta.Name)
	}
	return &meta, nil
}

func validateAgainstSchema(data []byte) error {
	schemaData, err := schemaFS.ReadFile(publishSchemaFile)
	if err != nil {
		return fmt.Errorf("failed to read embedded schema %s: %w", publishSchemaFile, err)
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(schemaData),
		gojsonschema.NewBytesLoader(data),
	)
	if err != nil {
		// The loader fails on documents that are not JSON at all.
		return fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	if result.Valid() {
		return nil
	}

	msgs := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		msgs = append(msgs, desc.String())
	}
	return formatNumberedErrors(msgs)
}

// formatNumberedErrors folds schema violations into one error wrapping ErrInvalidManifest.
func formatNumberedErrors(msgs []string) error {
	if len(msgs) == 1 {
		return fmt.Errorf("%w: %s", ErrInvalidManifest, msgs[0])
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d errors:", len(msgs))
	for i, msg := range msgs {
		fmt.Fprintf(&b, "\n  %d. %s", i+1, msg)
	}
	return fmt.Errorf("%w: %s", ErrInvalidManifest, b.String())
}
