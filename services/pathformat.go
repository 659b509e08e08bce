package services

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// Characters that cannot appear in a file or directory name on the
// filesystems we care about.
var illegalPathChars = regexp.MustCompile(`[\\/:*?"<>|]`)

// SanitizeName strips characters illegal in filenames from one path segment.
func SanitizeName(name string) string {
	cleaned := illegalPathChars.ReplaceAllString(name, "")
	return strings.TrimSpace(cleaned)
}

// ResolvePathTemplate substitutes metadata placeholders into a destination
// template. Substituted values are sanitized individually so slashes in the
// template keep acting as directory separators. The returned path has no
// extension; the caller appends one based on the stream format.
func ResolvePathTemplate(template string, meta *TrackMetadata, artistSeparator string) string {
	year := ""
	if len(meta.ReleaseDate) >= 4 {
		year = meta.ReleaseDate[:4]
	}

	replacements := map[string]string{
		"%title%":       meta.Title,
		"%album%":       meta.Album,
		"%artist%":      strings.Join(meta.Artists, artistSeparator),
		"%albumArtist%": meta.AlbumArtist,
		"%track%":       fmt.Sprintf("%d", meta.TrackNumber),
		"%0track%":      fmt.Sprintf("%02d", meta.TrackNumber),
		"%disk%":        fmt.Sprintf("%d", meta.DiskNumber),
		"%year%":        year,
		"%date%":        meta.ReleaseDate,
	}

	out := template
	for placeholder, value := range replacements {
		out = strings.ReplaceAll(out, placeholder, SanitizeName(value))
	}
	return out
}

// FinalPath computes the destination for a task. Private downloads use their
// path verbatim; public downloads resolve the template relative to the
// library root and get an extension matching the stream format.
func FinalPath(taskPath string, private bool, meta *TrackMetadata, format StreamFormat, downloadDir, artistSeparator string) string {
	if private {
		return taskPath
	}
	resolved := ResolvePathTemplate(taskPath, meta, artistSeparator) + format.Extension()
	if filepath.IsAbs(resolved) {
		return resolved
	}
	return filepath.Join(downloadDir, resolved)
}
