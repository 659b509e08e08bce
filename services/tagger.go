package services

import (
	"fmt"
	"os"
	"strings"

	"github.com/bogem/id3v2/v2"
	"github.com/go-flac/flacpicture"
	"github.com/go-flac/flacvorbis"
	flac "github.com/go-flac/go-flac"
)

// Tag is one key-value pair to attach to a media file.
type Tag struct {
	Key   string
	Value string
}

// TagWriter attaches tags and cover art to a finished audio file.
type TagWriter interface {
	WriteTags(path string, tags []Tag, coverArt []byte) error
}

// FileTagger writes FLAC vorbis comments and MP3 ID3v2 frames depending on
// the file extension.
type FileTagger struct{}

// NewFileTagger returns the default tag writer.
func NewFileTagger() *FileTagger {
	return &FileTagger{}
}

// WriteTags applies the given tags, plus embedded cover art when provided.
func (ft *FileTagger) WriteTags(path string, tags []Tag, coverArt []byte) error {
	if strings.HasSuffix(strings.ToLower(path), ".flac") {
		return ft.writeFLAC(path, tags, coverArt)
	}
	return ft.writeID3(path, tags, coverArt)
}

func (ft *FileTagger) writeFLAC(path string, tags []Tag, coverArt []byte) error {
	f, err := flac.ParseFile(path)
	if err != nil {
		return fmt.Errorf("parse flac: %w", err)
	}

	cmt := flacvorbis.New()
	for _, t := range tags {
		if err := cmt.Add(strings.ToUpper(t.Key), t.Value); err != nil {
			return fmt.Errorf("add vorbis comment %s: %w", t.Key, err)
		}
	}
	block := cmt.Marshal()
	f.Meta = append(f.Meta, &block)

	if len(coverArt) > 0 {
		pic, err := flacpicture.NewFromImageData(
			flacpicture.PictureTypeFrontCover, "Front cover", coverArt, "image/jpeg",
		)
		if err != nil {
			return fmt.Errorf("build flac picture: %w", err)
		}
		picBlock := pic.Marshal()
		f.Meta = append(f.Meta, &picBlock)
	}

	if err := f.Save(path); err != nil {
		return fmt.Errorf("save flac: %w", err)
	}
	return nil
}

func (ft *FileTagger) writeID3(path string, tags []Tag, coverArt []byte) error {
	tag, err := id3v2.Open(path, id3v2.Options{Parse: true})
	if err != nil {
		return fmt.Errorf("open id3: %w", err)
	}
	defer tag.Close()

	for _, t := range tags {
		switch strings.ToLower(t.Key) {
		case "title":
			tag.SetTitle(t.Value)
		case "album":
			tag.SetAlbum(t.Value)
		case "artist":
			tag.SetArtist(t.Value)
		case "date", "year":
			tag.SetYear(t.Value)
		case "genre":
			tag.SetGenre(t.Value)
		case "tracknumber":
			tag.AddTextFrame(tag.CommonID("Track number/Position in set"), tag.DefaultEncoding(), t.Value)
		case "disknumber":
			tag.AddTextFrame(tag.CommonID("Part of a set"), tag.DefaultEncoding(), t.Value)
		case "albumartist":
			tag.AddTextFrame(tag.CommonID("Band/Orchestra/Accompaniment"), tag.DefaultEncoding(), t.Value)
		}
	}

	if len(coverArt) > 0 {
		tag.AddAttachedPicture(id3v2.PictureFrame{
			Encoding:    id3v2.EncodingUTF8,
			MimeType:    "image/jpeg",
			PictureType: id3v2.PTFrontCover,
			Description: "Front cover",
			Picture:     coverArt,
		})
	}

	if err := tag.Save(); err != nil {
		return fmt.Errorf("save id3: %w", err)
	}
	return nil
}

// BuildTags assembles the tag list for a track, honoring the caller's
// enabled-field configuration.
func BuildTags(meta *TrackMetadata, enabled func(string) bool, artistSeparator string) []Tag {
	candidates := []Tag{
		{Key: "title", Value: meta.Title},
		{Key: "album", Value: meta.Album},
		{Key: "artist", Value: strings.Join(meta.Artists, artistSeparator)},
		{Key: "albumArtist", Value: meta.AlbumArtist},
		{Key: "trackNumber", Value: fmt.Sprintf("%d", meta.TrackNumber)},
		{Key: "diskNumber", Value: fmt.Sprintf("%d", meta.DiskNumber)},
		{Key: "date", Value: meta.ReleaseDate},
	}

	var tags []Tag
	for _, t := range candidates {
		if t.Value == "" || t.Value == "0" {
			continue
		}
		if enabled != nil && !enabled(t.Key) {
			continue
		}
		tags = append(tags, t)
	}
	return tags
}

// ExportSyncedLyrics writes timestamped lyrics next to the audio file in the
// human-readable LRC format.
func ExportSyncedLyrics(audioPath string, lyrics *Lyrics) error {
	if lyrics == nil || len(lyrics.Synced) == 0 {
		return nil
	}

	var b strings.Builder
	for _, line := range lyrics.Synced {
		ms := line.OffsetMS
		minutes := ms / 60000
		seconds := (ms % 60000) / 1000
		hundredths := (ms % 1000) / 10
		fmt.Fprintf(&b, "[%02d:%02d.%02d]%s\n", minutes, seconds, hundredths, line.Text)
	}

	lrcPath := strings.TrimSuffix(audioPath, ".flac")
	lrcPath = strings.TrimSuffix(lrcPath, ".mp3") + ".lrc"
	return os.WriteFile(lrcPath, []byte(b.String()), 0o644)
}
