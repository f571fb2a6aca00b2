package ipc

import "conveyor/internal/daemon"

// View DTOs are shared with the HTTP API so IPC and HTTP consumers render
// the same shapes.
type (
	RequestView    = daemon.RequestView
	ItemView       = daemon.ItemView
	ExecutionView  = daemon.ExecutionView
	StepRecordView = daemon.StepRecordView
	EncoderView    = daemon.EncoderView
	BreakerView    = daemon.BreakerView
	TemplateView   = daemon.TemplateView
	StatusView     = daemon.StatusView
)

// StartRequest triggers daemon service startup.
type StartRequest struct{}

// StartResponse indicates whether the daemon was started.
type StartResponse struct {
	Started bool   `json:"started"`
	Message string `json:"message"`
}

// StopRequest stops daemon services.
type StopRequest struct{}

// StopResponse indicates stop result.
type StopResponse struct {
	Stopped bool `json:"stopped"`
}

// StatusRequest fetches daemon status.
type StatusRequest struct{}

// StatusResponse carries the daemon status snapshot.
type StatusResponse struct {
	Status StatusView `json:"status"`
}

// RequestAddRequest creates a new acquisition request.
type RequestAddRequest struct {
	Title       string `json:"title"`
	TMDBID      int64  `json:"tmdb_id"`
	MediaType   string `json:"media_type"`
	Season      int    `json:"season"`
	Episodes    []int  `json:"episodes"`
	RequestedBy string `json:"requested_by"`
	TemplateID  string `json:"template_id"`
}

// RequestAddResponse returns the created request.
type RequestAddResponse struct {
	Request RequestView `json:"request"`
	Warning string      `json:"warning,omitempty"`
}

// RequestListRequest filters request listing by computed status.
type RequestListRequest struct {
	Statuses []string `json:"statuses"`
}

// RequestListResponse contains request summaries.
type RequestListResponse struct {
	Requests []RequestView `json:"requests"`
}

// RequestShowRequest fetches one request with items and executions.
type RequestShowRequest struct {
	ID int64 `json:"id"`
}

// RequestShowResponse contains one request in full.
type RequestShowResponse struct {
	Request RequestView `json:"request"`
}

// RequestRetryRequest retries a failed or stalled request.
type RequestRetryRequest struct {
	ID int64 `json:"id"`
}

// RequestRetryResponse returns the execution driving the retry.
type RequestRetryResponse struct {
	Execution ExecutionView `json:"execution"`
}

// RequestCancelRequest cancels a request's live executions.
type RequestCancelRequest struct {
	ID int64 `json:"id"`
}

// RequestCancelResponse acknowledges the cancel.
type RequestCancelResponse struct {
	Cancelled bool `json:"cancelled"`
}

// ExecutionListRequest filters execution listing.
type ExecutionListRequest struct {
	Limit    int      `json:"limit"`
	Statuses []string `json:"statuses"`
}

// ExecutionListResponse contains execution summaries.
type ExecutionListResponse struct {
	Executions []ExecutionView `json:"executions"`
}

// ExecutionShowRequest fetches one execution with step records.
type ExecutionShowRequest struct {
	ID string `json:"id"`
}

// ExecutionShowResponse contains one execution with its step trail.
type ExecutionShowResponse struct {
	Execution ExecutionView `json:"execution"`
}

// ExecutionResumeRequest relaunches a paused or parked execution.
type ExecutionResumeRequest struct {
	ID string `json:"id"`
}

// ExecutionResumeResponse returns the resumed execution.
type ExecutionResumeResponse struct {
	Execution ExecutionView `json:"execution"`
}

// EncoderListRequest fetches connected encode workers.
type EncoderListRequest struct{}

// EncoderListResponse contains the connected worker snapshot.
type EncoderListResponse struct {
	Encoders []EncoderView `json:"encoders"`
}

// BreakerListRequest fetches persisted circuit breaker records.
type BreakerListRequest struct{}

// BreakerListResponse contains breaker records.
type BreakerListResponse struct {
	Breakers []BreakerView `json:"breakers"`
}

// BreakerResetRequest force-closes the breaker for a service.
type BreakerResetRequest struct {
	Service string `json:"service"`
}

// BreakerResetResponse reports whether a record existed.
type BreakerResetResponse struct {
	Reset bool `json:"reset"`
}

// TemplateListRequest fetches loaded workflow templates.
type TemplateListRequest struct{}

// TemplateListResponse contains template summaries.
type TemplateListResponse struct {
	Templates []TemplateView `json:"templates"`
}

// LogTailRequest fetches log lines based on offset and follow semantics.
type LogTailRequest struct {
	Offset     int64 `json:"offset"`
	Limit      int   `json:"limit"`
	Follow     bool  `json:"follow"`
	WaitMillis int   `json:"wait_millis"`
}

// LogTailResponse returns log lines and the next offset.
type LogTailResponse struct {
	Lines  []string `json:"lines"`
	Offset int64    `json:"offset"`
}

// TestNotificationRequest triggers a notification test.
type TestNotificationRequest struct{}

// TestNotificationResponse reports notification test outcome.
type TestNotificationResponse struct {
	Sent    bool   `json:"sent"`
	Message string `json:"message"`
}
