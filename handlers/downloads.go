package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"sonata/services"
	"sonata/store"
	"sonata/types"
	"sonata/websocket"
)

// DownloadHandler exposes queue management over HTTP.
type DownloadHandler struct {
	coordinator *services.Coordinator
	hub         websocket.Hub
	logger      *slog.Logger
}

// NewDownloadHandler creates a new download handler.
func NewDownloadHandler(coordinator *services.Coordinator, hub websocket.Hub, logger *slog.Logger) *DownloadHandler {
	return &DownloadHandler{
		coordinator: coordinator,
		hub:         hub,
		logger:      logger,
	}
}

// Enqueue accepts a batch of download requests and reports how many were
// actually added. Duplicates of live tasks are skipped, not errors.
func (h *DownloadHandler) Enqueue(c *gin.Context) {
	var reqs []types.NewTaskRequest
	if err := c.ShouldBindJSON(&reqs); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid request body",
			"details": err.Error(),
		})
		return
	}
	if len(reqs) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty batch"})
		return
	}

	accepted, err := h.coordinator.AddTasks(c.Request.Context(), reqs)
	if err != nil {
		h.logger.Error("enqueue failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":    "failed to enqueue",
			"details":  err.Error(),
			"accepted": accepted,
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"accepted": accepted})
}

// List returns the full queue snapshot.
func (h *DownloadHandler) List(c *gin.Context) {
	tasks := h.coordinator.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"tasks":   tasks,
		"total":   len(tasks),
		"running": h.coordinator.Running(),
	})
}

// Start enables scheduling.
func (h *DownloadHandler) Start(c *gin.Context) {
	h.coordinator.Start()
	c.JSON(http.StatusOK, gin.H{"running": true})
}

// Stop pauses scheduling; in-flight tasks checkpoint and return to queued.
func (h *DownloadHandler) Stop(c *gin.Context) {
	h.coordinator.Stop()
	c.JSON(http.StatusOK, gin.H{"running": false})
}

// RetryFailed returns every failed task to the queue.
func (h *DownloadHandler) RetryFailed(c *gin.Context) {
	retried, err := h.coordinator.RetryFailed(c.Request.Context())
	if err != nil {
		h.logger.Error("retry failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to retry tasks"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"retried": retried})
}

// Remove deletes one task by id. Actively downloading tasks are refused.
func (h *DownloadHandler) Remove(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid task id"})
		return
	}

	if err := h.coordinator.RemoveTask(c.Request.Context(), id); err != nil {
		if errors.Is(err, store.ErrTaskActive) {
			c.JSON(http.StatusConflict, gin.H{"error": "task is actively downloading, stop it first"})
			return
		}
		h.logger.Error("remove task failed", "task", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to remove task"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": id})
}

// RemoveByState bulk-removes every task in one non-active state.
func (h *DownloadHandler) RemoveByState(c *gin.Context) {
	state, ok := types.ParseState(c.Query("state"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown state"})
		return
	}

	removed, err := h.coordinator.RemoveByState(c.Request.Context(), state)
	if err != nil {
		if errors.Is(err, store.ErrTaskActive) {
			c.JSON(http.StatusConflict, gin.H{"error": "cannot bulk-remove active tasks"})
			return
		}
		h.logger.Error("remove by state failed", "state", state, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to remove tasks"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

// UpdateConcurrency adjusts the worker limit at runtime.
func (h *DownloadHandler) UpdateConcurrency(c *gin.Context) {
	var body struct {
		Concurrency int `json:"concurrency"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if body.Concurrency < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "concurrency must be at least 1"})
		return
	}

	h.coordinator.SetConcurrency(body.Concurrency)
	c.JSON(http.StatusOK, gin.H{"concurrency": body.Concurrency})
}

// HandleWebSocket upgrades an observer connection. New observers get the
// current queue snapshot right after connecting.
func (h *DownloadHandler) HandleWebSocket(c *gin.Context) {
	upgrader := websocket.GetUpgrader()
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := websocket.NewClient(h.hub, conn, h.logger)
	h.hub.RegisterClient(client)
	client.StartPumps()

	h.coordinator.PublishList()
}
