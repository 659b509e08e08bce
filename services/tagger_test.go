package services

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildTags(t *testing.T) {
	meta := &TrackMetadata{
		Title:       "Naima",
		Album:       "Giant Steps",
		AlbumArtist: "John Coltrane",
		Artists:     []string{"John Coltrane"},
		TrackNumber: 6,
		DiskNumber:  0,
		ReleaseDate: "1960-01-27",
	}

	tags := BuildTags(meta, nil, ", ")

	byKey := make(map[string]string)
	for _, tag := range tags {
		byKey[tag.Key] = tag.Value
	}

	assert.Equal(t, "Naima", byKey["title"])
	assert.Equal(t, "Giant Steps", byKey["album"])
	assert.Equal(t, "John Coltrane", byKey["artist"])
	assert.Equal(t, "6", byKey["trackNumber"])
	assert.Equal(t, "1960-01-27", byKey["date"])
	// Zero disk number is omitted, not written as "0".
	assert.NotContains(t, byKey, "diskNumber")
}

func TestBuildTagsHonorsEnabledFields(t *testing.T) {
	meta := &TrackMetadata{
		Title:   "Track",
		Album:   "Album",
		Artists: []string{"Artist"},
	}

	enabled := func(field string) bool { return field == "title" }
	tags := BuildTags(meta, enabled, ", ")

	require.Len(t, tags, 1)
	assert.Equal(t, "title", tags[0].Key)
}

func TestBuildTagsJoinsArtists(t *testing.T) {
	meta := &TrackMetadata{
		Title:   "Duet",
		Artists: []string{"A", "B"},
	}

	tags := BuildTags(meta, nil, " & ")
	for _, tag := range tags {
		if tag.Key == "artist" {
			assert.Equal(t, "A & B", tag.Value)
			return
		}
	}
	t.Fatal("artist tag missing")
}

func TestExportSyncedLyrics(t *testing.T) {
	dir := t.TempDir()
	audioPath := filepath.Join(dir, "song.flac")

	lyrics := &Lyrics{
		Synced: []SyncedLine{
			{OffsetMS: 0, Text: "first line"},
			{OffsetMS: 61230, Text: "second line"},
		},
	}

	require.NoError(t, ExportSyncedLyrics(audioPath, lyrics))

	data, err := os.ReadFile(filepath.Join(dir, "song.lrc"))
	require.NoError(t, err)
	assert.Equal(t, "[00:00.00]first line\n[01:01.23]second line\n", string(data))
}

func TestExportSyncedLyricsSkipsEmpty(t *testing.T) {
	dir := t.TempDir()
	audioPath := filepath.Join(dir, "song.mp3")

	require.NoError(t, ExportSyncedLyrics(audioPath, &Lyrics{Unsynced: "words"}))
	require.NoError(t, ExportSyncedLyrics(audioPath, nil))

	_, err := os.Stat(filepath.Join(dir, "song.lrc"))
	assert.True(t, os.IsNotExist(err))
}
