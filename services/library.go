package services

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/dhowden/tag"

	"sonata/types"
)

// Library lists and validates completed downloads under the library root.
type Library interface {
	ScanAudioFiles(rootPath string) ([]types.LibraryFile, error)
	ExtractFileMeta(filePath string) *types.FileMeta
	ValidateFilePath(path string) error
	ContentType(filePath string) string
}

type library struct {
	logger *slog.Logger
}

// NewLibrary returns the filesystem-backed library service.
func NewLibrary(logger *slog.Logger) Library {
	return &library{logger: logger}
}

// ScanAudioFiles walks the root for finished audio files. When both a FLAC
// and an MP3 rendition of the same track exist, only the FLAC is listed.
func (l *library) ScanAudioFiles(rootPath string) ([]types.LibraryFile, error) {
	var files []types.LibraryFile

	err := filepath.Walk(rootPath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			// Keep walking; one unreadable entry should not fail the scan.
			l.logger.Warn("library scan skipped entry", "path", path, "error", err)
			return nil
		}
		if info.IsDir() {
			return nil
		}

		ext := strings.ToLower(filepath.Ext(path))
		if ext != ".flac" && ext != ".mp3" {
			return nil
		}

		relativePath, err := filepath.Rel(rootPath, path)
		if err != nil {
			relativePath = path
		}

		format := "flac"
		if ext == ".mp3" {
			format = "mp3"
		}
		files = append(files, types.LibraryFile{
			Filename: info.Name(),
			Path:     relativePath,
			Size:     info.Size(),
			Format:   format,
			Metadata: l.ExtractFileMeta(path),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	return preferFlac(files), nil
}

// preferFlac drops the MP3 rendition of any track that also exists as FLAC.
func preferFlac(files []types.LibraryFile) []types.LibraryFile {
	flacBases := make(map[string]bool)
	for _, f := range files {
		if f.Format == "flac" {
			flacBases[strings.TrimSuffix(f.Path, filepath.Ext(f.Path))] = true
		}
	}

	result := files[:0]
	for _, f := range files {
		if f.Format == "mp3" && flacBases[strings.TrimSuffix(f.Path, filepath.Ext(f.Path))] {
			continue
		}
		result = append(result, f)
	}
	return result
}

// ContentType returns the MIME type for an audio file path.
func (l *library) ContentType(filePath string) string {
	switch strings.ToLower(filepath.Ext(filePath)) {
	case ".flac":
		return "audio/flac"
	case ".mp3":
		return "audio/mpeg"
	default:
		return "application/octet-stream"
	}
}

// ExtractFileMeta reads tags back out of an audio file, falling back to
// path-derived guesses for fields the tags do not carry.
func (l *library) ExtractFileMeta(filePath string) *types.FileMeta {
	file, err := os.Open(filePath)
	if err != nil {
		l.logger.Warn("could not open audio file", "path", filePath, "error", err)
		return metaFromPath(filePath)
	}
	defer file.Close()

	meta, err := tag.ReadFrom(file)
	if err != nil {
		l.logger.Warn("could not parse audio tags", "path", filePath, "error", err)
		return metaFromPath(filePath)
	}

	out := &types.FileMeta{
		Title:  meta.Title(),
		Artist: meta.Artist(),
		Album:  meta.Album(),
	}
	out.TrackNumber, _ = meta.Track()

	if out.Title == "" || out.Artist == "" || out.Album == "" {
		fallback := metaFromPath(filePath)
		if out.Title == "" {
			out.Title = fallback.Title
		}
		if out.Artist == "" {
			out.Artist = fallback.Artist
		}
		if out.Album == "" {
			out.Album = fallback.Album
		}
	}
	return out
}

var trackPrefix = regexp.MustCompile(`^(\d+)[\.\-\s]+(.+)`)

// metaFromPath guesses artist/album/title from the Artist/Album/Track layout
// the path template produces.
func metaFromPath(filePath string) *types.FileMeta {
	meta := &types.FileMeta{}

	parts := strings.Split(filepath.ToSlash(filePath), "/")
	if len(parts) >= 3 {
		meta.Artist = parts[len(parts)-3]
	}
	if len(parts) >= 2 {
		meta.Album = parts[len(parts)-2]
	}

	title := strings.TrimSuffix(filepath.Base(filePath), filepath.Ext(filePath))
	if matches := trackPrefix.FindStringSubmatch(title); len(matches) > 2 {
		title = matches[2]
		if trackNum, err := strconv.Atoi(matches[1]); err == nil {
			meta.TrackNumber = trackNum
		}
	}
	meta.Title = title
	return meta
}

// ValidateFilePath rejects traversal attempts and absolute paths in
// user-supplied library paths.
func (l *library) ValidateFilePath(path string) error {
	if strings.Contains(path, "..") {
		return fmt.Errorf("path traversal not allowed")
	}
	if strings.HasPrefix(path, "/") {
		return fmt.Errorf("absolute paths not allowed")
	}
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("empty path not allowed")
	}
	return nil
}
