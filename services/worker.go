package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"sonata/config"
	"sonata/decryptor"
	"sonata/types"
)

type workerEventKind int

const (
	// eventProgress carries a (received, total) byte snapshot.
	eventProgress workerEventKind = iota
	// eventPostProcessing marks the transition out of downloading.
	eventPostProcessing
	// eventTerminal carries done/error/upstream_error.
	eventTerminal
	// eventCancelled carries the resume checkpoint of a stopped task.
	eventCancelled
)

// workerEvent is the only thing that crosses the worker/coordinator
// boundary; it is a value copy, never a shared task pointer.
type workerEvent struct {
	taskID     int64
	contentID  string
	kind       workerEventKind
	received   int64
	total      int64
	state      types.TaskState
	errMsg     string
	checkpoint int64
	finalPath  string
}

// worker drives a single task from queued to a terminal state.
type worker struct {
	task     types.DownloadTask
	provider Provider
	tagger   TagWriter
	settings config.Settings
	client   *http.Client
	logger   *slog.Logger
}

func newWorker(task types.DownloadTask, provider Provider, tagger TagWriter, settings config.Settings, logger *slog.Logger) *worker {
	return &worker{
		task:     task,
		provider: provider,
		tagger:   tagger,
		settings: settings,
		client:   &http.Client{Timeout: 10 * time.Minute},
		logger:   logger.With("task", task.ID, "content", task.ContentID),
	}
}

// errCancelled signals a user-requested stop, which is not a failure.
var errCancelled = errors.New("download cancelled")

// run executes the task and reports the outcome on events. It never panics
// out and never lets an error escape: every failure becomes a terminal event.
func (w *worker) run(ctx context.Context, events chan<- workerEvent) {
	err := w.execute(ctx, events)
	switch {
	case err == nil:
		events <- workerEvent{
			taskID:    w.task.ID,
			contentID: w.task.ContentID,
			kind:      eventTerminal,
			state:     types.StateDone,
			finalPath: w.task.FinalPath,
		}
	case errors.Is(err, errCancelled), ctx.Err() != nil:
		// A stop request can also surface as a wrapped network error from an
		// in-flight request; the context tells them apart from real failures.
		events <- workerEvent{
			taskID:     w.task.ID,
			contentID:  w.task.ContentID,
			kind:       eventCancelled,
			checkpoint: w.task.DownloadedBytes,
		}
	default:
		state := FailureState(err)
		w.logger.Error("download failed", "state", state, "error", err)
		events <- workerEvent{
			taskID:    w.task.ID,
			contentID: w.task.ContentID,
			kind:      eventTerminal,
			state:     state,
			errMsg:    err.Error(),
		}
	}
}

func (w *worker) execute(ctx context.Context, events chan<- workerEvent) error {
	task := &w.task

	// Extended metadata is required for public downloads: the final filename
	// and tags are built from it.
	var meta *TrackMetadata
	if !task.Private {
		m, err := w.provider.TrackMetadata(ctx, task.ContentID)
		if err != nil {
			return wrapUpstream("resolve metadata", err)
		}
		meta = m
	}

	format := FormatForQuality(task.Quality, task.ExternallySourced())
	url, err := w.resolveStreamURL(ctx, format)
	if err != nil {
		return err
	}

	finalPath := FinalPath(task.Path, task.Private, meta, format, w.settings.DownloadDir, w.settings.ArtistSeparator)
	task.FinalPath = finalPath

	if _, err := os.Stat(finalPath); err == nil {
		if !w.settings.OverwriteExisting {
			w.logger.Info("destination already exists, skipping", "path", finalPath)
			return nil
		}
		if err := os.Remove(finalPath); err != nil {
			return wrapLocal("remove existing file", err)
		}
	}

	if err := w.download(ctx, url, events); err != nil {
		return err
	}

	events <- workerEvent{
		taskID:    task.ID,
		contentID: task.ContentID,
		kind:      eventPostProcessing,
		state:     types.StatePostProcessing,
	}

	if err := w.place(finalPath); err != nil {
		return err
	}

	// Post-processing faults never demote a finished download: the audio
	// artifact is already valid. Log and move on.
	if !task.Private {
		w.postProcess(ctx, finalPath, meta)
	}
	return nil
}

func (w *worker) resolveStreamURL(ctx context.Context, format StreamFormat) (string, error) {
	task := &w.task

	url, err := w.provider.StreamURL(ctx, task.StreamContentID, task.AccessToken, format)
	if err != nil {
		return "", wrapUpstream("resolve stream url", err)
	}
	if url != "" {
		return url, nil
	}

	// A null resolution usually means the short-lived token expired; refresh
	// once and retry before giving up.
	token, err := w.provider.RefreshAccessToken(ctx, task.ContentID)
	if err != nil || token == "" {
		return "", wrapUpstream("no playable url for content", err)
	}
	url, err = w.provider.StreamURL(ctx, task.StreamContentID, token, format)
	if err != nil {
		return "", wrapUpstream("resolve stream url", err)
	}
	if url == "" {
		return "", wrapUpstream("no playable url for content", nil)
	}
	return url, nil
}

func (w *worker) stagingPath() string {
	return filepath.Join(w.settings.CacheDir, fmt.Sprintf("task-%d.part", w.task.ID))
}

// resumeOffset returns the block-aligned offset to restart from. The stored
// checkpoint is only trusted while the staging file is still on disk.
func (w *worker) resumeOffset() int64 {
	info, err := os.Stat(w.stagingPath())
	if err != nil {
		return 0
	}
	offset := w.task.DownloadedBytes
	if info.Size() < offset {
		offset = info.Size()
	}
	return decryptor.BlockAlign(offset)
}

func (w *worker) download(ctx context.Context, url string, events chan<- workerEvent) error {
	task := &w.task
	staging := w.stagingPath()

	if err := os.MkdirAll(filepath.Dir(staging), 0o755); err != nil {
		return wrapLocal("ensure staging directory", err)
	}

	offset := w.resumeOffset()

	file, err := os.OpenFile(staging, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return wrapLocal("open staging file", err)
	}
	defer file.Close()

	if err := file.Truncate(offset); err != nil {
		return wrapLocal("truncate staging file", err)
	}
	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		return wrapLocal("seek staging file", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return wrapLocal("build fetch request", err)
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			w.task.DownloadedBytes = offset
			return errCancelled
		}
		return wrapUpstream("fetch content", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		if offset > 0 {
			// Upstream ignored the range; start over from zero.
			offset = 0
			if err := file.Truncate(0); err != nil {
				return wrapLocal("truncate staging file", err)
			}
			if _, err := file.Seek(0, io.SeekStart); err != nil {
				return wrapLocal("seek staging file", err)
			}
		}
	case http.StatusPartialContent:
		// Resuming where we left off.
	default:
		return wrapUpstream(fmt.Sprintf("fetch content: unexpected status %d", resp.StatusCode), nil)
	}

	total := offset + resp.ContentLength
	if resp.ContentLength < 0 {
		total = 0
	}

	key := decryptor.DeriveKey(task.StreamContentID)
	dec, err := decryptor.NewReader(resp.Body, key, offset)
	if err != nil {
		return wrapLocal("init decrypt reader", err)
	}

	received := offset
	buf := make([]byte, decryptor.BlockSize)
	for {
		// Cooperative cancellation, checked before each block's I/O.
		if ctx.Err() != nil {
			if err := file.Sync(); err != nil {
				return wrapLocal("flush staging file", err)
			}
			w.task.DownloadedBytes = decryptor.BlockAlign(received)
			return errCancelled
		}

		n, readErr := dec.Read(buf)
		if n > 0 {
			if _, werr := file.Write(buf[:n]); werr != nil {
				return wrapLocal("write staging file", werr)
			}
			received += int64(n)

			// Progress is best-effort; the coordinator batches for
			// observers, so a dropped delta is harmless.
			select {
			case events <- workerEvent{
				taskID:    task.ID,
				contentID: task.ContentID,
				kind:      eventProgress,
				received:  received,
				total:     total,
			}:
			default:
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			if ctx.Err() != nil {
				if err := file.Sync(); err != nil {
					return wrapLocal("flush staging file", err)
				}
				w.task.DownloadedBytes = decryptor.BlockAlign(received)
				return errCancelled
			}
			return wrapLocal("read content stream", readErr)
		}
	}

	if err := file.Sync(); err != nil {
		return wrapLocal("flush staging file", err)
	}
	w.task.ReceivedBytes = received
	w.task.TotalBytes = total
	return nil
}

// place atomically moves the staging file to its final destination.
func (w *worker) place(finalPath string) error {
	staging := w.stagingPath()

	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		return wrapLocal("create destination directory", err)
	}

	if err := os.Rename(staging, finalPath); err == nil {
		return nil
	}

	// Rename across filesystems fails; copy into the destination directory
	// and rename there so the final placement is still atomic.
	tmp := finalPath + ".part"
	if err := copyFile(staging, tmp); err != nil {
		return wrapLocal("copy to destination", err)
	}
	if err := os.Rename(tmp, finalPath); err != nil {
		_ = os.Remove(tmp)
		return wrapLocal("finalize destination file", err)
	}
	_ = os.Remove(staging)
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// postProcess downloads artwork, exports lyrics and writes tags.
// Everything here is best-effort.
func (w *worker) postProcess(ctx context.Context, finalPath string, meta *TrackMetadata) {
	var cover []byte
	if meta.AlbumID != "" {
		art, err := w.provider.CoverArt(ctx, meta.AlbumID, w.settings.AlbumArtResolution)
		if err != nil {
			w.logger.Warn("cover art fetch failed", "error", err)
		} else {
			cover = art
			w.writeAlbumCover(finalPath, art)
		}
	}

	if w.settings.DownloadLyrics {
		lyrics, err := w.provider.Lyrics(ctx, w.task.ContentID)
		if err != nil {
			w.logger.Warn("lyrics fetch failed", "error", err)
		} else if err := ExportSyncedLyrics(finalPath, lyrics); err != nil {
			w.logger.Warn("lyrics export failed", "error", err)
		}
	}

	tags := BuildTags(meta, w.settings.TagFieldEnabled, w.settings.ArtistSeparator)
	if err := w.tagger.WriteTags(finalPath, tags, cover); err != nil {
		w.logger.Warn("tag writing failed", "error", err)
	}
}

// writeAlbumCover drops a shared cover.jpg in the album folder once; later
// tracks of the same album find it and skip the write.
func (w *worker) writeAlbumCover(finalPath string, art []byte) {
	if !w.settings.AlbumCoverFile {
		return
	}
	coverPath := filepath.Join(filepath.Dir(finalPath), "cover.jpg")
	if _, err := os.Stat(coverPath); err == nil {
		return
	}
	if err := os.WriteFile(coverPath, art, 0o644); err != nil {
		w.logger.Warn("album cover write failed", "error", err)
	}
}
