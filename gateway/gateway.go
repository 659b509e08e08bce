// Package gateway serves audio bytes over HTTP range requests from two
// sources: completed downloads on disk and live upstream fetch-and-decrypt
// for content not yet downloaded.
package gateway

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"sonata/config"
	"sonata/decryptor"
	"sonata/services"
	"sonata/store"
)

// Gateway is the range-serving stream endpoint bound to its own port,
// separate from the control API.
type Gateway struct {
	store    *store.Store
	provider services.Provider
	settings config.Settings
	logger   *slog.Logger
	client   *http.Client
	sessions *sessionCache

	// onResolveFailure lets the consuming player advance to its next item
	// when a live relay cannot be resolved.
	onResolveFailure func(contentID string)
}

// New builds the gateway against the task store and upstream provider.
func New(st *store.Store, provider services.Provider, settings config.Settings, logger *slog.Logger) *Gateway {
	return &Gateway{
		store:    st,
		provider: provider,
		settings: settings,
		logger:   logger,
		client:   &http.Client{Timeout: 10 * time.Minute},
		sessions: newSessionCache(),
	}
}

// OnResolveFailure registers the skip policy hook. Optional.
func (g *Gateway) OnResolveFailure(hook func(contentID string)) {
	g.onResolveFailure = hook
}

// Sessions returns the recently served streams, newest first.
func (g *Gateway) Sessions() []StreamSession {
	return g.sessions.snapshot()
}

// Engine builds the gin router for the gateway port.
func (g *Gateway) Engine() *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.GET("/", g.handleStream)
	return engine
}

// handleStream classifies the request: an id alone serves a completed local
// file, a full relay parameter set triggers a live fetch-and-decrypt.
func (g *Gateway) handleStream(c *gin.Context) {
	contentID := c.Query("id")
	if contentID == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "missing content id"})
		return
	}

	if c.Query("streamTrackId") != "" && c.Query("trackToken") != "" {
		g.serveRelay(c, contentID)
		return
	}
	g.serveLocal(c, contentID)
}

func (g *Gateway) serveLocal(c *gin.Context, contentID string) {
	task, err := g.store.GetDoneByContentID(c.Request.Context(), contentID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "task lookup failed"})
		return
	}
	if task == nil || task.FinalPath == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "no completed download for content", "id": contentID})
		return
	}

	file, err := os.Open(task.FinalPath)
	if err != nil {
		if os.IsNotExist(err) {
			c.JSON(http.StatusNotFound, gin.H{"error": "file missing on disk", "id": contentID})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to open file"})
		return
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to stat file"})
		return
	}

	contentType := contentTypeFor(task.FinalPath)
	g.sessions.record(StreamSession{
		ContentID: contentID,
		Source:    "local",
		Format:    strings.TrimPrefix(filepath.Ext(task.FinalPath), "."),
		Size:      info.Size(),
		ServedAt:  time.Now(),
	})

	c.Header("Content-Type", contentType)
	c.Header("Accept-Ranges", "bytes")

	rangeHeader := c.GetHeader("Range")
	if rangeHeader == "" {
		c.Header("Content-Length", strconv.FormatInt(info.Size(), 10))
		c.Status(http.StatusOK)
		if _, err := io.Copy(c.Writer, file); err != nil {
			g.logger.Warn("local stream interrupted", "id", contentID, "error", err)
		}
		return
	}

	start, end, ok := parseRange(rangeHeader, info.Size())
	if !ok {
		c.Status(http.StatusRequestedRangeNotSatisfiable)
		return
	}

	if _, err := file.Seek(start, io.SeekStart); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to seek file"})
		return
	}

	contentLength := end - start + 1
	c.Header("Content-Length", strconv.FormatInt(contentLength, 10))
	c.Header("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, info.Size()))
	c.Status(http.StatusPartialContent)
	if _, err := io.CopyN(c.Writer, file, contentLength); err != nil {
		g.logger.Warn("local range stream interrupted", "id", contentID, "error", err)
	}
}

// serveRelay fetches encrypted bytes from upstream and decrypts them on the
// fly. The upstream fetch starts at the nearest lower block boundary so the
// block counter stays aligned; leading bytes of the first block are
// discarded to honor the client's exact offset.
func (g *Gateway) serveRelay(c *gin.Context, contentID string) {
	streamID := c.Query("streamTrackId")
	token := c.Query("trackToken")

	format := services.FormatForQuality(g.settings.Quality, strings.HasPrefix(contentID, "-"))

	url, err := g.provider.StreamURL(c.Request.Context(), streamID, token, format)
	if err != nil || url == "" {
		if g.onResolveFailure != nil {
			g.onResolveFailure(contentID)
		}
		g.logger.Warn("relay resolution failed", "id", contentID, "error", err)
		c.JSON(http.StatusNotFound, gin.H{"error": "content not resolvable", "id": contentID})
		return
	}

	var start int64
	var end int64 = -1
	hasRange := false
	if rangeHeader := c.GetHeader("Range"); rangeHeader != "" {
		s, e, ok := parseOpenRange(rangeHeader)
		if !ok {
			c.Status(http.StatusRequestedRangeNotSatisfiable)
			return
		}
		start, end, hasRange = s, e, true
	}

	rebased := decryptor.BlockAlign(start)
	discard := start - rebased

	req, err := http.NewRequestWithContext(c.Request.Context(), http.MethodGet, url, nil)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to build upstream request"})
		return
	}
	if rebased > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", rebased))
	}

	resp, err := g.client.Do(req)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "upstream fetch failed"})
		return
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		if rebased > 0 {
			// Upstream ignored the range; discard everything up to it.
			discard = start
			rebased = 0
		}
	case http.StatusPartialContent:
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("upstream status %d", resp.StatusCode)})
		return
	}

	total := upstreamTotal(resp, rebased)
	if hasRange && total > 0 {
		if start >= total {
			c.Status(http.StatusRequestedRangeNotSatisfiable)
			return
		}
		if end < 0 || end >= total {
			end = total - 1
		}
	}

	g.sessions.record(StreamSession{
		ContentID: contentID,
		Source:    "relay",
		Format:    strings.TrimPrefix(format.Extension(), "."),
		Size:      total,
		ServedAt:  time.Now(),
	})

	key := decryptor.DeriveKey(streamID)
	dec, err := decryptor.NewReader(resp.Body, key, rebased)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to init decryptor"})
		return
	}

	c.Header("Content-Type", contentTypeFor(format.Extension()))
	c.Header("Accept-Ranges", "bytes")
	if hasRange {
		contentLength := end - start + 1
		c.Header("Content-Length", strconv.FormatInt(contentLength, 10))
		c.Header("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, total))
		c.Status(http.StatusPartialContent)
		g.relay(c, dec, discard, contentLength)
	} else {
		if total > 0 {
			c.Header("Content-Length", strconv.FormatInt(total, 10))
		}
		c.Status(http.StatusOK)
		g.relay(c, dec, 0, -1)
	}
}

// relay copies decrypted bytes to the client, skipping discard leading bytes
// and stopping after limit bytes when limit is non-negative. The client's
// context is checked before every write so a disconnect stops the upstream
// read promptly.
func (g *Gateway) relay(c *gin.Context, dec io.Reader, discard, limit int64) {
	if discard > 0 {
		if _, err := io.CopyN(io.Discard, dec, discard); err != nil {
			g.logger.Warn("relay discard failed", "error", err)
			return
		}
	}

	written := int64(0)
	buf := make([]byte, decryptor.BlockSize)
	for {
		if c.Request.Context().Err() != nil {
			return
		}
		n, err := dec.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if limit >= 0 && written+int64(n) > limit {
				chunk = buf[:limit-written]
			}
			if len(chunk) > 0 {
				if _, werr := c.Writer.Write(chunk); werr != nil {
					return
				}
				written += int64(len(chunk))
			}
			if limit >= 0 && written >= limit {
				return
			}
		}
		if err == io.EOF {
			return
		}
		if err != nil {
			g.logger.Warn("relay stream interrupted", "error", err)
			return
		}
	}
}

// upstreamTotal derives the full resource size from the upstream response.
func upstreamTotal(resp *http.Response, rebased int64) int64 {
	if cr := resp.Header.Get("Content-Range"); cr != "" {
		// "bytes X-Y/total"
		if idx := strings.LastIndex(cr, "/"); idx >= 0 {
			if total, err := strconv.ParseInt(cr[idx+1:], 10, 64); err == nil {
				return total
			}
		}
	}
	if resp.ContentLength >= 0 {
		return rebased + resp.ContentLength
	}
	return 0
}

// parseRange parses a bytes=start-end? header against a known size. The
// returned end is inclusive and clamped to the resource.
func parseRange(header string, size int64) (start, end int64, ok bool) {
	start, end, ok = parseOpenRange(header)
	if !ok {
		return 0, 0, false
	}
	if start >= size {
		return 0, 0, false
	}
	if end < 0 || end >= size {
		end = size - 1
	}
	return start, end, true
}

// parseOpenRange parses a bytes=start-end? header without knowing the
// resource size. end is -1 when the range is open-ended.
func parseOpenRange(header string) (start, end int64, ok bool) {
	if !strings.HasPrefix(header, "bytes=") {
		return 0, 0, false
	}
	spec := strings.TrimPrefix(header, "bytes=")
	parts := strings.Split(spec, "-")
	if len(parts) != 2 {
		return 0, 0, false
	}

	end = -1
	var err error
	if parts[0] != "" {
		start, err = strconv.ParseInt(parts[0], 10, 64)
		if err != nil || start < 0 {
			return 0, 0, false
		}
	}
	if parts[1] != "" {
		end, err = strconv.ParseInt(parts[1], 10, 64)
		if err != nil || end < start {
			return 0, 0, false
		}
	}
	return start, end, true
}

func contentTypeFor(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".flac":
		return "audio/flac"
	case ".mp3":
		return "audio/mpeg"
	default:
		return "application/octet-stream"
	}
}
