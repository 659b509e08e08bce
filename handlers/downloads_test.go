package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sonata/config"
	"sonata/logging"
	"sonata/services"
	"sonata/store"
	"sonata/types"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestRouter(t *testing.T) (*gin.Engine, *services.Coordinator, *store.Store) {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	settings := config.Default()
	settings.DownloadDir = t.TempDir()
	settings.CacheDir = t.TempDir()

	coordinator := services.NewCoordinator(st, nil, nil, settings, nil, logging.Discard())
	require.NoError(t, coordinator.Load(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = coordinator.Shutdown(ctx)
	})

	h := NewDownloadHandler(coordinator, nil, logging.Discard())

	router := gin.New()
	group := router.Group("/api/downloads")
	{
		group.POST("", h.Enqueue)
		group.GET("", h.List)
		group.POST("/start", h.Start)
		group.POST("/stop", h.Stop)
		group.POST("/retry", h.RetryFailed)
		group.DELETE("", h.RemoveByState)
		group.DELETE("/:id", h.Remove)
		group.PUT("/concurrency", h.UpdateConcurrency)
	}
	return router, coordinator, st
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestEnqueueAndList(t *testing.T) {
	router, _, _ := newTestRouter(t)

	reqs := []types.NewTaskRequest{
		{ContentID: "100", Path: "a/b/one.mp3"},
		{ContentID: "200", Path: "a/b/two.mp3"},
	}
	rec := doJSON(t, router, http.MethodPost, "/api/downloads", reqs)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, float64(2), decodeBody(t, rec)["accepted"])

	rec = doJSON(t, router, http.MethodGet, "/api/downloads", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, float64(2), body["total"])
	assert.Equal(t, false, body["running"])
}

func TestEnqueueDuplicateSkipped(t *testing.T) {
	router, _, _ := newTestRouter(t)

	reqs := []types.NewTaskRequest{{ContentID: "100", Path: "x.mp3"}}
	rec := doJSON(t, router, http.MethodPost, "/api/downloads", reqs)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/api/downloads", reqs)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, float64(0), decodeBody(t, rec)["accepted"])

	rec = doJSON(t, router, http.MethodGet, "/api/downloads", nil)
	assert.Equal(t, float64(1), decodeBody(t, rec)["total"])
}

func TestEnqueueRejectsBadInput(t *testing.T) {
	router, _, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/downloads", []types.NewTaskRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/downloads", bytes.NewReader([]byte("not json")))
	req.Header.Set("Content-Type", "application/json")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStartStopReflectedInList(t *testing.T) {
	router, _, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/downloads/start", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decodeBody(t, rec)["running"])

	rec = doJSON(t, router, http.MethodGet, "/api/downloads", nil)
	assert.Equal(t, true, decodeBody(t, rec)["running"])

	rec = doJSON(t, router, http.MethodPost, "/api/downloads/stop", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decodeBody(t, rec)["running"])
}

func TestRemoveQueuedTask(t *testing.T) {
	router, coordinator, _ := newTestRouter(t)

	reqs := []types.NewTaskRequest{{ContentID: "100", Path: "x.mp3"}}
	rec := doJSON(t, router, http.MethodPost, "/api/downloads", reqs)
	require.Equal(t, http.StatusCreated, rec.Code)

	tasks := coordinator.Snapshot()
	require.Len(t, tasks, 1)

	rec = doJSON(t, router, http.MethodDelete, fmt.Sprintf("/api/downloads/%d", tasks[0].ID), nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, coordinator.Snapshot())
}

func TestRemoveInvalidID(t *testing.T) {
	router, _, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodDelete, "/api/downloads/abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRemoveByState(t *testing.T) {
	router, coordinator, _ := newTestRouter(t)

	reqs := []types.NewTaskRequest{
		{ContentID: "100", Path: "one.mp3"},
		{ContentID: "200", Path: "two.mp3"},
	}
	rec := doJSON(t, router, http.MethodPost, "/api/downloads", reqs)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Len(t, coordinator.Snapshot(), 2)

	rec = doJSON(t, router, http.MethodDelete, "/api/downloads?state=queued", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(2), decodeBody(t, rec)["removed"])
	assert.Empty(t, coordinator.Snapshot())

	rec = doJSON(t, router, http.MethodDelete, "/api/downloads?state=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRetryFailedEmptyQueue(t *testing.T) {
	router, _, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/downloads/retry", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(0), decodeBody(t, rec)["retried"])
}

func TestUpdateConcurrency(t *testing.T) {
	router, _, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPut, "/api/downloads/concurrency", gin.H{"concurrency": 4})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(4), decodeBody(t, rec)["concurrency"])

	rec = doJSON(t, router, http.MethodPut, "/api/downloads/concurrency", gin.H{"concurrency": 0})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
