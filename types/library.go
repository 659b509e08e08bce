package types

// LibraryFile is a completed audio file discovered under the download root.
type LibraryFile struct {
	Filename string    `json:"filename"`
	Path     string    `json:"path"`
	Size     int64     `json:"size"`
	Format   string    `json:"format"` // "flac" or "mp3"
	Metadata *FileMeta `json:"metadata,omitempty"`
}

// FileMeta holds tag data read back from an audio file.
type FileMeta struct {
	Title       string `json:"title,omitempty"`
	Artist      string `json:"artist,omitempty"`
	Album       string `json:"album,omitempty"`
	TrackNumber int    `json:"trackNumber,omitempty"`
}
