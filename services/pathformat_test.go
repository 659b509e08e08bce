package services

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "clean name untouched", input: "Blue Train", expected: "Blue Train"},
		{name: "slashes stripped", input: "AC/DC", expected: "ACDC"},
		{name: "windows reserved chars stripped", input: `What? "Now": <here>|there*`, expected: "What Now herethere"},
		{name: "surrounding whitespace trimmed", input: "  spaced  ", expected: "spaced"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, SanitizeName(tt.input))
		})
	}
}

func TestResolvePathTemplate(t *testing.T) {
	meta := &TrackMetadata{
		Title:       "So What",
		Album:       "Kind of Blue",
		AlbumArtist: "Miles Davis",
		Artists:     []string{"Miles Davis", "John Coltrane"},
		TrackNumber: 1,
		DiskNumber:  1,
		ReleaseDate: "1959-08-17",
	}

	got := ResolvePathTemplate("%artist%/%album%/%0track% - %title%", meta, ", ")
	assert.Equal(t, "Miles Davis, John Coltrane/Kind of Blue/01 - So What", got)

	got = ResolvePathTemplate("%albumArtist%/%year% %album%/%track%. %title%", meta, ", ")
	assert.Equal(t, "Miles Davis/1959 Kind of Blue/1. So What", got)
}

func TestResolvePathTemplateSanitizesValuesNotSeparators(t *testing.T) {
	meta := &TrackMetadata{
		Title:   "Question?",
		Album:   "A/B Testing",
		Artists: []string{"X"},
	}

	got := ResolvePathTemplate("%artist%/%album%/%title%", meta, ", ")
	// Template slashes survive; slashes inside metadata do not.
	assert.Equal(t, "X/AB Testing/Question", got)
}

func TestFinalPath(t *testing.T) {
	meta := &TrackMetadata{Title: "Song", Album: "Album", Artists: []string{"Artist"}, TrackNumber: 3}

	t.Run("private path used verbatim", func(t *testing.T) {
		got := FinalPath("/exact/place/file.mp3", true, nil, FormatMP3320, "/library", ", ")
		assert.Equal(t, "/exact/place/file.mp3", got)
	})

	t.Run("public template joined under library root", func(t *testing.T) {
		got := FinalPath("%artist%/%album%/%0track% - %title%", false, meta, FormatFLAC, "/library", ", ")
		assert.Equal(t, filepath.Join("/library", "Artist", "Album", "03 - Song.flac"), got)
	})

	t.Run("absolute template ignores library root", func(t *testing.T) {
		got := FinalPath("/elsewhere/%title%", false, meta, FormatMP3128, "/library", ", ")
		assert.Equal(t, "/elsewhere/Song.mp3", got)
	})
}

func TestFormatForQuality(t *testing.T) {
	assert.Equal(t, FormatFLAC, FormatForQuality(2, false))
	assert.Equal(t, FormatMP3320, FormatForQuality(1, false))
	assert.Equal(t, FormatMP3128, FormatForQuality(0, false))
	// The negative-id convention always downgrades to the misc tier.
	assert.Equal(t, FormatMP3Misc, FormatForQuality(2, true))
}
