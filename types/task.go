package types

import "time"

// TaskState represents the current state of a download task.
type TaskState string

const (
	StateQueued         TaskState = "queued"
	StateDownloading    TaskState = "downloading"
	StatePostProcessing TaskState = "post_processing"
	StateDone           TaskState = "done"
	StateUpstreamError  TaskState = "upstream_error"
	StateError          TaskState = "error"
)

// NoTaskID is the sentinel id for "no task available".
const NoTaskID int64 = -1

// Quality maps to a bitrate/codec tier offered by the upstream provider.
type Quality int

const (
	QualityMP3128 Quality = 0
	QualityMP3320 Quality = 1
	QualityFLAC   Quality = 2
)

// IsTerminal reports whether a state requires an explicit user action
// (remove, retry) before the task changes again.
func (s TaskState) IsTerminal() bool {
	switch s {
	case StateDone, StateUpstreamError, StateError:
		return true
	}
	return false
}

// IsActive reports whether a worker currently owns the task.
func (s TaskState) IsActive() bool {
	return s == StateDownloading || s == StatePostProcessing
}

// ParseState converts a string into a known TaskState.
func ParseState(value string) (TaskState, bool) {
	switch TaskState(value) {
	case StateQueued, StateDownloading, StatePostProcessing, StateDone, StateUpstreamError, StateError:
		return TaskState(value), true
	}
	return "", false
}

// DownloadTask is one unit of work, exclusively owned by its store row.
// Copies handed to workers and observers are snapshots.
type DownloadTask struct {
	ID              int64     `json:"id"`
	ContentID       string    `json:"contentId"`
	StreamContentID string    `json:"streamContentId"`
	AccessToken     string    `json:"-"`
	OriginHash      string    `json:"-"`
	OriginVersion   int       `json:"-"`
	Path            string    `json:"path"`
	Private         bool      `json:"private"`
	Quality         Quality   `json:"quality"`
	State           TaskState `json:"state"`
	ReceivedBytes   int64     `json:"receivedBytes"`
	TotalBytes      int64     `json:"totalBytes"`
	DownloadedBytes int64     `json:"downloadedBytes"`
	ErrorMessage    string    `json:"error,omitempty"`
	FinalPath       string    `json:"finalPath,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// ExternallySourced reports whether the content id follows the negative-id
// convention for user-uploaded content, which forces the misc encoding tier.
func (t *DownloadTask) ExternallySourced() bool {
	return len(t.ContentID) > 0 && t.ContentID[0] == '-'
}

// NewTaskRequest is one enqueue item received at the API boundary.
type NewTaskRequest struct {
	ContentID       string  `json:"contentId"`
	StreamContentID string  `json:"streamContentId,omitempty"`
	AccessToken     string  `json:"accessToken,omitempty"`
	OriginHash      string  `json:"originHash,omitempty"`
	OriginVersion   int     `json:"originVersion,omitempty"`
	Path            string  `json:"path"`
	Quality         Quality `json:"quality"`
	Private         bool    `json:"private"`
}
