package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"

	"sonata/cmd"
	"sonata/config"
	"sonata/logging"
	"sonata/services"
	"sonata/store"
	"sonata/types"
)

func main() {
	var (
		server  bool
		port    int
		track   string
		outPath string
		quality int
		private bool
		cfgPath string
	)

	flag.BoolVar(&server, "server", false, "Start in web server mode")
	flag.IntVar(&port, "port", 0, "Override the API port in server mode")
	flag.StringVar(&track, "track", "", "Content id to download once and exit")
	flag.StringVar(&outPath, "path", "", "Destination path or template for -track")
	flag.IntVar(&quality, "quality", -1, "Quality tier for -track: 0=MP3 128, 1=MP3 320, 2=FLAC")
	flag.BoolVar(&private, "private", false, "Treat -path as a literal file path")
	flag.StringVar(&cfgPath, "config", "", "Config file location")
	flag.Parse()

	if cfgPath == "" {
		cfgPath = config.Path()
	}
	settings, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if port != 0 {
		settings.APIPort = port
	}

	logger, err := logging.New(logging.Options{Level: settings.LogLevel, LogDir: settings.LogDir})
	if err != nil {
		log.Fatalf("Failed to set up logging: %v", err)
	}

	if server {
		if err := cmd.StartWebServer(cfgPath, settings, logger); err != nil {
			log.Fatalf("Server failed: %v", err)
		}
		return
	}

	if track == "" {
		flag.Usage()
		return
	}

	if quality >= 0 {
		settings.Quality = types.Quality(quality)
		if err := settings.Validate(); err != nil {
			log.Fatalf("Invalid flags: %v", err)
		}
	}
	if outPath == "" {
		outPath = settings.PathTemplate
	}

	if err := downloadOnce(settings, logger, track, outPath, private); err != nil {
		log.Fatalf("Download failed: %v", err)
	}
}

// downloadOnce runs the pipeline for a single content id in the foreground,
// rendering progress as a terminal bar.
func downloadOnce(settings config.Settings, logger *slog.Logger, track, outPath string, private bool) error {
	if err := settings.EnsureDirectories(); err != nil {
		return err
	}

	st, err := store.Open(filepath.Join(settings.CacheDir, "queue.db"))
	if err != nil {
		return fmt.Errorf("open queue store: %w", err)
	}
	defer st.Close()

	sink := newCLISink()
	provider := services.NewHTTPProvider(settings.APIEndpoint, settings.MediaEndpoint)
	coordinator := services.NewCoordinator(st, provider, services.NewFileTagger(), settings, sink, logger)

	if err := coordinator.Load(context.Background()); err != nil {
		return fmt.Errorf("load queue: %w", err)
	}

	accepted, err := coordinator.AddTasks(context.Background(), []types.NewTaskRequest{{
		ContentID: track,
		Path:      outPath,
		Quality:   settings.Quality,
		Private:   private,
	}})
	if err != nil {
		return err
	}
	if accepted == 0 {
		return fmt.Errorf("content %s is already queued", track)
	}

	coordinator.Start()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var state types.TaskState
	select {
	case state = <-sink.done:
	case <-sigCh:
		fmt.Fprintln(os.Stderr, "\ninterrupted, checkpointing")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := coordinator.Shutdown(ctx); err != nil {
		logger.Warn("shutdown incomplete", "error", err)
	}

	switch state {
	case types.StateDone:
		fmt.Println("\ndownload complete")
		return nil
	case "":
		return nil
	default:
		return fmt.Errorf("finished with state %s", state)
	}
}

// cliSink renders coordinator events as a progress bar for one-shot mode.
type cliSink struct {
	bar  *progressbar.ProgressBar
	done chan types.TaskState
}

func newCLISink() *cliSink {
	return &cliSink{done: make(chan types.TaskState, 1)}
}

func (s *cliSink) Publish(ev types.Event) {
	switch ev.Type {
	case types.EventProgress:
		for _, d := range ev.Deltas {
			if s.bar == nil && d.TotalBytes > 0 {
				s.bar = progressbar.DefaultBytes(d.TotalBytes, "downloading")
			}
			if s.bar != nil {
				_ = s.bar.Set64(d.ReceivedBytes)
			}
		}
	case types.EventDownloadComplete, types.EventDownloadError:
		select {
		case s.done <- ev.State:
		default:
		}
	}
}
