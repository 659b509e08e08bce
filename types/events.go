package types

import "time"

// EventType identifies a coordinator event category pushed to observers.
type EventType string

const (
	EventStateChange      EventType = "stateChange"
	EventProgress         EventType = "progress"
	EventDownloadsAdded   EventType = "downloadsAdded"
	EventDownloadsList    EventType = "downloadsList"
	EventDownloadComplete EventType = "downloadComplete"
	EventDownloadError    EventType = "downloadError"
)

// ProgressDelta is one task's progress snapshot inside a batched progress event.
type ProgressDelta struct {
	ID            int64 `json:"id"`
	ReceivedBytes int64 `json:"receivedBytes"`
	TotalBytes    int64 `json:"totalBytes"`
}

// Event is a copyable message broadcast to websocket observers. Only the
// fields relevant to the event type are populated.
type Event struct {
	Type        EventType       `json:"type"`
	Running     bool            `json:"running,omitempty"`
	QueuedCount int             `json:"queuedCount,omitempty"`
	ActiveCount int             `json:"activeCount,omitempty"`
	Count       int             `json:"count,omitempty"`
	Deltas      []ProgressDelta `json:"deltas,omitempty"`
	Tasks       []DownloadTask  `json:"tasks,omitempty"`
	ID          int64           `json:"id,omitempty"`
	ContentID   string          `json:"contentId,omitempty"`
	State       TaskState       `json:"state,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}
