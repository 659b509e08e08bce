package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"sonata/types"
)

// StreamFormat is the quality/format selector sent to the media endpoint.
type StreamFormat string

const (
	FormatMP3128  StreamFormat = "MP3_128"
	FormatMP3320  StreamFormat = "MP3_320"
	FormatFLAC    StreamFormat = "FLAC"
	FormatMP3Misc StreamFormat = "MP3_MISC"
)

// FormatForQuality maps a quality tier to the upstream format string.
// Externally-sourced content (negative id convention) is always requested in
// the misc tier regardless of the configured quality.
func FormatForQuality(q types.Quality, externallySourced bool) StreamFormat {
	if externallySourced {
		return FormatMP3Misc
	}
	switch q {
	case types.QualityFLAC:
		return FormatFLAC
	case types.QualityMP3320:
		return FormatMP3320
	default:
		return FormatMP3128
	}
}

// Extension returns the file extension for content fetched in this format.
func (f StreamFormat) Extension() string {
	if f == FormatFLAC {
		return ".flac"
	}
	return ".mp3"
}

// TrackMetadata is the extended metadata needed to build filenames and tags.
type TrackMetadata struct {
	Title        string
	Album        string
	AlbumID      string
	AlbumArtist  string
	Artists      []string
	Contributors []string
	TrackNumber  int
	DiskNumber   int
	ReleaseDate  string // YYYY-MM-DD
}

// SyncedLine is one timestamped lyrics line.
type SyncedLine struct {
	OffsetMS int64
	Text     string
}

// Lyrics holds both lyric variants offered by the provider.
type Lyrics struct {
	Synced   []SyncedLine
	Unsynced string
}

// Provider resolves content metadata, playable URLs, lyrics and artwork from
// the upstream service. Implementations must be safe for concurrent use.
type Provider interface {
	TrackMetadata(ctx context.Context, contentID string) (*TrackMetadata, error)
	// StreamURL resolves a playable URL. An empty URL with a nil error means
	// the upstream declined (expired token, region block); callers decide
	// whether to refresh the token and retry.
	StreamURL(ctx context.Context, streamID, accessToken string, format StreamFormat) (string, error)
	Lyrics(ctx context.Context, contentID string) (*Lyrics, error)
	RefreshAccessToken(ctx context.Context, contentID string) (string, error)
	CoverArt(ctx context.Context, albumID string, resolution int) ([]byte, error)
}

// HTTPProvider talks to the upstream content API over HTTP.
type HTTPProvider struct {
	apiEndpoint   string
	mediaEndpoint string
	client        *http.Client
}

// NewHTTPProvider builds a provider against the configured endpoints.
func NewHTTPProvider(apiEndpoint, mediaEndpoint string) *HTTPProvider {
	return &HTTPProvider{
		apiEndpoint:   apiEndpoint,
		mediaEndpoint: mediaEndpoint,
		client:        &http.Client{Timeout: 30 * time.Second},
	}
}

type trackResponse struct {
	Title       string `json:"title"`
	TrackNumber int    `json:"track_position"`
	DiskNumber  int    `json:"disk_number"`
	ReleaseDate string `json:"release_date"`
	Album       struct {
		ID          json.Number `json:"id"`
		Title       string      `json:"title"`
		ReleaseDate string      `json:"release_date"`
	} `json:"album"`
	Artist struct {
		Name string `json:"name"`
	} `json:"artist"`
	Contributors []struct {
		Name string `json:"name"`
		Role string `json:"role"`
	} `json:"contributors"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (p *HTTPProvider) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// TrackMetadata fetches title/album/artists/track-number/date for a track.
func (p *HTTPProvider) TrackMetadata(ctx context.Context, contentID string) (*TrackMetadata, error) {
	var tr trackResponse
	url := fmt.Sprintf("%s/track/%s", p.apiEndpoint, contentID)
	if err := p.getJSON(ctx, url, &tr); err != nil {
		return nil, fmt.Errorf("fetch track metadata: %w", err)
	}
	if tr.Error != nil {
		return nil, fmt.Errorf("fetch track metadata: %s", tr.Error.Message)
	}

	meta := &TrackMetadata{
		Title:       tr.Title,
		Album:       tr.Album.Title,
		AlbumID:     tr.Album.ID.String(),
		AlbumArtist: tr.Artist.Name,
		TrackNumber: tr.TrackNumber,
		DiskNumber:  tr.DiskNumber,
		ReleaseDate: tr.ReleaseDate,
	}
	if meta.ReleaseDate == "" {
		meta.ReleaseDate = tr.Album.ReleaseDate
	}
	for _, c := range tr.Contributors {
		meta.Contributors = append(meta.Contributors, c.Name)
		if c.Role == "" || c.Role == "Main" {
			meta.Artists = append(meta.Artists, c.Name)
		}
	}
	if len(meta.Artists) == 0 && tr.Artist.Name != "" {
		meta.Artists = []string{tr.Artist.Name}
	}
	return meta, nil
}

type mediaRequest struct {
	TrackTokens []string `json:"track_tokens"`
	Media       []struct {
		Type    string   `json:"type"`
		Formats []format `json:"formats"`
	} `json:"media"`
}

type format struct {
	Cipher string `json:"cipher"`
	Format string `json:"format"`
}

type mediaResponse struct {
	Data []struct {
		Media []struct {
			Sources []struct {
				URL string `json:"url"`
			} `json:"sources"`
		} `json:"media"`
	} `json:"data"`
}

// StreamURL asks the media endpoint for a playable URL for one track token.
func (p *HTTPProvider) StreamURL(ctx context.Context, streamID, accessToken string, f StreamFormat) (string, error) {
	reqBody := mediaRequest{TrackTokens: []string{accessToken}}
	reqBody.Media = append(reqBody.Media, struct {
		Type    string   `json:"type"`
		Formats []format `json:"formats"`
	}{
		Type:    "FULL",
		Formats: []format{{Cipher: "BF_CBC_STRIPE", Format: string(f)}},
	})

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("encode media request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.mediaEndpoint, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("resolve stream url: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("resolve stream url: unexpected status %d", resp.StatusCode)
	}

	var mr mediaResponse
	if err := json.NewDecoder(resp.Body).Decode(&mr); err != nil {
		return "", fmt.Errorf("decode media response: %w", err)
	}
	if len(mr.Data) == 0 || len(mr.Data[0].Media) == 0 || len(mr.Data[0].Media[0].Sources) == 0 {
		// The upstream answered but declined to serve; not a transport error.
		return "", nil
	}
	return mr.Data[0].Media[0].Sources[0].URL, nil
}

type lyricsResponse struct {
	Lyrics struct {
		Text        string `json:"text"`
		SyncedLines []struct {
			Milliseconds json.Number `json:"milliseconds"`
			Line         string      `json:"line"`
		} `json:"synchronizedLines"`
	} `json:"lyrics"`
}

// Lyrics fetches synced and unsynced lyrics when the provider has them.
func (p *HTTPProvider) Lyrics(ctx context.Context, contentID string) (*Lyrics, error) {
	var lr lyricsResponse
	url := fmt.Sprintf("%s/track/%s/lyrics", p.apiEndpoint, contentID)
	if err := p.getJSON(ctx, url, &lr); err != nil {
		return nil, fmt.Errorf("fetch lyrics: %w", err)
	}

	out := &Lyrics{Unsynced: lr.Lyrics.Text}
	for _, line := range lr.Lyrics.SyncedLines {
		ms, err := line.Milliseconds.Int64()
		if err != nil {
			continue
		}
		out.Synced = append(out.Synced, SyncedLine{OffsetMS: ms, Text: line.Line})
	}
	return out, nil
}

type tokenResponse struct {
	TrackToken string `json:"track_token"`
}

// RefreshAccessToken requests a fresh short-lived token for a track, used
// when the original expired mid-queue.
func (p *HTTPProvider) RefreshAccessToken(ctx context.Context, contentID string) (string, error) {
	var tr tokenResponse
	url := fmt.Sprintf("%s/track/%s/token", p.apiEndpoint, contentID)
	if err := p.getJSON(ctx, url, &tr); err != nil {
		return "", fmt.Errorf("refresh access token: %w", err)
	}
	return tr.TrackToken, nil
}

// CoverArt downloads album artwork at the requested square resolution.
func (p *HTTPProvider) CoverArt(ctx context.Context, albumID string, resolution int) ([]byte, error) {
	url := fmt.Sprintf("%s/album/%s/image?size=%d", p.apiEndpoint, albumID, resolution)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch cover art: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch cover art: unexpected status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
