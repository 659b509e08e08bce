package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"sonata/config"
	"sonata/gateway"
	"sonata/handlers"
	"sonata/middleware"
	"sonata/services"
	"sonata/store"
	"sonata/websocket"
)

// StartWebServer wires the full pipeline and runs the control API and the
// stream gateway until interrupted.
func StartWebServer(cfgPath string, settings config.Settings, logger *slog.Logger) error {
	if mode := os.Getenv("GIN_MODE"); mode != "" {
		gin.SetMode(mode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := settings.EnsureDirectories(); err != nil {
		return err
	}

	st, err := store.Open(filepath.Join(settings.CacheDir, "queue.db"))
	if err != nil {
		return fmt.Errorf("open queue store: %w", err)
	}
	defer st.Close()

	hub := websocket.NewHub(logger)
	go hub.Run()

	provider := services.NewHTTPProvider(settings.APIEndpoint, settings.MediaEndpoint)
	tagger := services.NewFileTagger()
	libraryService := services.NewLibrary(logger)

	coordinator := services.NewCoordinator(st, provider, tagger, settings, hub, logger)
	if err := coordinator.Load(context.Background()); err != nil {
		return fmt.Errorf("load queue: %w", err)
	}
	coordinator.Start()

	gw := gateway.New(st, provider, settings, logger)

	downloadHandler := handlers.NewDownloadHandler(coordinator, hub, logger)
	libraryHandler := handlers.NewLibraryHandler(libraryService, settings, logger)
	healthHandler := handlers.NewHealthHandler(settings)
	settingsHandler := handlers.NewSettingsHandler(settings, cfgPath, coordinator, logger)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.CORS())
	r.Use(middleware.Logging(logger))

	setupRoutes(r, downloadHandler, libraryHandler, healthHandler, settingsHandler, gw)

	apiAddr := ":" + strconv.Itoa(settings.APIPort)
	gatewayAddr := ":" + strconv.Itoa(settings.GatewayPort)

	apiServer := &http.Server{Addr: apiAddr, Handler: r}
	gatewayServer := &http.Server{Addr: gatewayAddr, Handler: gw.Engine()}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("api server listening", "addr", apiAddr)
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	go func() {
		logger.Info("stream gateway listening", "addr", gatewayAddr)
		if err := gatewayServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		logger.Error("server failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	_ = apiServer.Shutdown(shutdownCtx)
	_ = gatewayServer.Shutdown(shutdownCtx)
	if err := coordinator.Shutdown(shutdownCtx); err != nil {
		logger.Warn("coordinator shutdown incomplete", "error", err)
	}
	return nil
}

// setupRoutes configures all HTTP routes on the control API.
func setupRoutes(r *gin.Engine, downloadHandler *handlers.DownloadHandler, libraryHandler *handlers.LibraryHandler, healthHandler *handlers.HealthHandler, settingsHandler *handlers.SettingsHandler, gw *gateway.Gateway) {
	r.GET("/health", healthHandler.HealthCheck)

	apiGroup := r.Group("/api")
	{
		apiGroup.GET("/status", healthHandler.APIStatus)

		downloadsGroup := apiGroup.Group("/downloads")
		{
			downloadsGroup.POST("", downloadHandler.Enqueue)
			downloadsGroup.GET("", downloadHandler.List)
			downloadsGroup.POST("/start", downloadHandler.Start)
			downloadsGroup.POST("/stop", downloadHandler.Stop)
			downloadsGroup.POST("/retry", downloadHandler.RetryFailed)
			downloadsGroup.DELETE("", downloadHandler.RemoveByState)
			downloadsGroup.DELETE("/:id", downloadHandler.Remove)
			downloadsGroup.PUT("/concurrency", downloadHandler.UpdateConcurrency)
		}

		apiGroup.GET("/ws/downloads", downloadHandler.HandleWebSocket)

		apiGroup.GET("/files", libraryHandler.ListFiles)
		apiGroup.GET("/files/stream/*filepath", libraryHandler.StreamFile)

		apiGroup.GET("/sessions", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"sessions": gw.Sessions()})
		})

		apiGroup.GET("/settings", settingsHandler.GetSettings)
		apiGroup.POST("/settings", settingsHandler.UpdateSettings)
	}
}
