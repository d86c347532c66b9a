// Package models defines the row types shared by repositories, services and
// handlers. JSON tags follow the registry's public wire format (camelCase).
// Models are plain data; query logic lives in repositories and rules in services.
package models

import (
	"encoding/json"
	"time"
)

// Pack is the aggregate for a named bundle. Tags, Targets and Features always
// reflect the manifest of the most recent publish.
type Pack struct {
	ID                 string    `json:"id"`
	Name               string    `json:"name"`
	DisplayName        string    `json:"displayName"`
	Description        string    `json:"description"`
	AuthorName         string    `json:"authorName"`
	Tags               []string  `json:"tags"`
	Targets            []string  `json:"targets"`
	Features           []string  `json:"features"`
	LatestVersion      string    `json:"latestVersion"`
	Downloads          int64     `json:"downloads"`
	WeeklyDownloads    int64     `json:"weeklyDownloads"`
	Featured           bool      `json:"featured"`
	Deprecated         bool      `json:"deprecated"`
	DeprecationMessage *string   `json:"deprecationMessage,omitempty"`
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

// PackVersion is one immutable published artifact.
type PackVersion struct {
	ID             string          `json:"id"`
	PackName       string          `json:"packName"`
	Version        string          `json:"version"`
	Integrity      string          `json:"integrity"`
	TarballSize    int64           `json:"tarballSize"`
	StoragePath    string          `json:"-"`
	StorageBackend string          `json:"-"`
	Manifest       json.RawMessage `json:"manifest,omitempty"`
	AuthorName     string          `json:"authorName"`
	PublishedAt    time.Time       `json:"publishedAt"`
}

// PackReadme is the long-form content attached to a pack.
type PackReadme struct {
	PackName  string    `json:"packName"`
	Content   string    `json:"content"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// PackDetail is a pack together with its versions, newest first.
type PackDetail struct {
	Pack
	Versions []PackVersion `json:"versions"`
}

// PackManifest is the descriptive part of publish metadata.
type PackManifest struct {
	Name        string   `json:"name"`
	DisplayName string   `json:"displayName,omitempty"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Targets     []string `json:"targets,omitempty"`
	Features    []string `json:"features,omitempty"`
}

// PublishMetadata is the JSON document sent alongside a tarball.
type PublishMetadata struct {
	Name     string       `json:"name"`
	Version  string       `json:"version"`
	Manifest PackManifest `json:"manifest"`
	Readme   *string      `json:"readme,omitempty"`
}

// PublishResult is returned by a successful publish.
type PublishResult struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Integrity   string `json:"integrity"`
	TarballSize int64  `json:"tarballSize"`
}

// TagCount is one row of the tag histogram.
type TagCount struct {
	Tag   string `json:"tag" db:"tag"`
	Count int64  `json:"count" db:"count"`
}

// RegistryStats holds global counters.
type RegistryStats struct {
	TotalPacks         int64 `json:"totalPacks" db:"total_packs"`
	TotalVersions      int64 `json:"totalVersions" db:"total_versions"`
	TotalDownloads     int64 `json:"totalDownloads" db:"total_downloads"`
	TotalOrganizations int64 `json:"totalOrganizations" db:"total_organizations"`
	FeaturedPacks      int64 `json:"featuredPacks" db:"featured_packs"`
	DeprecatedPacks    int64 `json:"deprecatedPacks" db:"deprecated_packs"`
}

// SearchFilters narrows a pack search.
type SearchFilters struct {
	Query  string
	Tag    string
	Target string
	Limit  int
	Offset int
}
