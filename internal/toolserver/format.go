package toolserver

import (
	"fmt"
	"strings"

	"github.com/packregistry/packregistry/internal/db/models"
)

func formatPackList(header string, packs []models.Pack) string {
	var b strings.Builder
	b.WriteString(header)
	for _, p := range packs {
		b.WriteString("\n\n")
		writePackSummary(&b, &p)
	}
	return b.String()
}

func writePackSummary(b *strings.Builder, p *models.Pack) {
	fmt.Fprintf(b, "- %s@%s", p.Name, p.LatestVersion)
	if p.Featured {
		b.WriteString(" [featured]")
	}
	if p.Deprecated {
		b.WriteString(" [deprecated]")
	}
	if p.Description != "" {
		fmt.Fprintf(b, "\n  %s", p.Description)
	}
	if len(p.Targets) > 0 {
		fmt.Fprintf(b, "\n  Targets: %s", strings.Join(p.Targets, ", "))
	}
	if len(p.Tags) > 0 {
		fmt.Fprintf(b, "\n  Tags: %s", strings.Join(p.Tags, ", "))
	}
	fmt.Fprintf(b, "\n  Downloads: %d", p.Downloads)
}

func formatPackDetail(d *models.PackDetail) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s", d.DisplayName)
	if d.DisplayName != d.Name {
		fmt.Fprintf(&b, " (%s)", d.Name)
	}
	b.WriteString("\n")
	if d.Description != "" {
		fmt.Fprintf(&b, "\n%s\n", d.Description)
	}

	fmt.Fprintf(&b, "\nLatest version: %s", d.LatestVersion)
	fmt.Fprintf(&b, "\nAuthor: %s", d.AuthorName)
	fmt.Fprintf(&b, "\nDownloads: %d (%d this week)", d.Downloads, d.WeeklyDownloads)
	if len(d.Targets) > 0 {
		fmt.Fprintf(&b, "\nTargets: %s", strings.Join(d.Targets, ", "))
	}
	if len(d.Features) > 0 {
		fmt.Fprintf(&b, "\nFeatures: %s", strings.Join(d.Features, ", "))
	}
	if len(d.Tags) > 0 {
		fmt.Fprintf(&b, "\nTags: %s", strings.Join(d.Tags, ", "))
	}
	if d.Deprecated {
		b.WriteString("\n\nDEPRECATED")
		if d.DeprecationMessage != nil && *d.DeprecationMessage != "" {
			fmt.Fprintf(&b, ": %s", *d.DeprecationMessage)
		}
	}

	if len(d.Versions) > 0 {
		b.WriteString("\n\nVersions:")
		for _, v := range d.Versions {
			fmt.Fprintf(&b, "\n- %s (%s, %d bytes)", v.Version, v.PublishedAt.UTC().Format("2006-01-02"), v.TarballSize)
		}
	}
	return b.String()
}

func formatTagCounts(counts []models.TagCount) string {
	if len(counts) == 0 {
		return "No tags in use"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Tags (%d)", len(counts))
	for _, tc := range counts {
		fmt.Fprintf(&b, "\n- %s: %d", tc.Tag, tc.Count)
	}
	return b.String()
}
