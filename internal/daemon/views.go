package daemon

import (
	"time"

	"conveyor/internal/breaker"
	"conveyor/internal/dispatch"
	"conveyor/internal/media"
	"conveyor/internal/pipeline"
)

// dateTimeFormat is used for RFC3339 timestamps in API payloads.
const dateTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// RequestView describes a request in a transport-friendly format. Items and
// Executions are populated on detail lookups only.
type RequestView struct {
	ID          int64           `json:"id"`
	Title       string          `json:"title"`
	TMDBID      int64           `json:"tmdbId,omitempty"`
	MediaType   string          `json:"mediaType"`
	Season      int             `json:"season,omitempty"`
	RequestedBy string          `json:"requestedBy,omitempty"`
	TemplateID  string          `json:"templateId,omitempty"`
	Status      string          `json:"status"`
	Items       []ItemView      `json:"items,omitempty"`
	Executions  []ExecutionView `json:"executions,omitempty"`
	CreatedAt   string          `json:"createdAt,omitempty"`
	UpdatedAt   string          `json:"updatedAt,omitempty"`
}

// ItemView describes one deliverable unit of a request.
type ItemView struct {
	ID              int64   `json:"id"`
	RequestID       int64   `json:"requestId"`
	Season          int     `json:"season,omitempty"`
	Episode         int     `json:"episode,omitempty"`
	Title           string  `json:"title"`
	Label           string  `json:"label"`
	Status          string  `json:"status"`
	Attempts        int     `json:"attempts"`
	ProgressPercent float64 `json:"progressPercent"`
	ProgressMessage string  `json:"progressMessage,omitempty"`
	SourcePath      string  `json:"sourcePath,omitempty"`
	EncodedPath     string  `json:"encodedPath,omitempty"`
	DeliveredAt     string  `json:"deliveredAt,omitempty"`
	RetryAt         string  `json:"retryAt,omitempty"`
	SkipUntil       string  `json:"skipUntil,omitempty"`
	ErrorMessage    string  `json:"errorMessage,omitempty"`
	NeedsReview     bool    `json:"needsReview"`
	ReviewReason    string  `json:"reviewReason,omitempty"`
	UpdatedAt       string  `json:"updatedAt,omitempty"`
}

// ExecutionView summarizes a workflow execution.
type ExecutionView struct {
	ID          string           `json:"id"`
	RequestID   int64            `json:"requestId"`
	TemplateID  string           `json:"templateId"`
	Status      string           `json:"status"`
	Cursor      string           `json:"cursor,omitempty"`
	Error       string           `json:"error,omitempty"`
	Steps       []StepRecordView `json:"steps,omitempty"`
	StartedAt   string           `json:"startedAt,omitempty"`
	UpdatedAt   string           `json:"updatedAt,omitempty"`
	CompletedAt string           `json:"completedAt,omitempty"`
}

// StepRecordView describes one recorded node visit.
type StepRecordView struct {
	Sequence   int    `json:"sequence"`
	StepName   string `json:"stepName"`
	StepType   string `json:"stepType"`
	Outcome    string `json:"outcome"`
	Error      string `json:"error,omitempty"`
	StartedAt  string `json:"startedAt,omitempty"`
	FinishedAt string `json:"finishedAt,omitempty"`
}

// EncoderView describes a connected encode worker.
type EncoderView struct {
	ID            string `json:"id"`
	Remote        string `json:"remote,omitempty"`
	Version       string `json:"version,omitempty"`
	Capacity      int    `json:"capacity"`
	InFlight      int    `json:"inFlight"`
	ConnectedAt   string `json:"connectedAt,omitempty"`
	LastHeartbeat string `json:"lastHeartbeat,omitempty"`
}

// BreakerView describes one persisted circuit breaker record.
type BreakerView struct {
	Service     string `json:"service"`
	State       string `json:"state"`
	Failures    int    `json:"failures"`
	Successes   int    `json:"successes"`
	LastFailure string `json:"lastFailure,omitempty"`
	OpensAt     string `json:"opensAt,omitempty"`
	UpdatedAt   string `json:"updatedAt,omitempty"`
}

// TemplateView summarizes a loaded workflow template.
type TemplateView struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Steps       int    `json:"steps"`
}

// StatusView aggregates daemon runtime information for API consumers.
type StatusView struct {
	Running           bool           `json:"running"`
	PID               int            `json:"pid"`
	StartedAt         string         `json:"startedAt,omitempty"`
	StorePath         string         `json:"storePath"`
	LockFilePath      string         `json:"lockFilePath"`
	APIBind           string         `json:"apiBind,omitempty"`
	ActiveExecutions  int            `json:"activeExecutions"`
	ConnectedEncoders int            `json:"connectedEncoders"`
	DeliveryQueued    int            `json:"deliveryQueued"`
	DeliveryInFlight  int            `json:"deliveryInFlight"`
	ItemCounts        map[string]int `json:"itemCounts,omitempty"`
	OpenBreakers      []string       `json:"openBreakers,omitempty"`
}

// RequestListResponse wraps a collection of requests.
type RequestListResponse struct {
	Requests []RequestView `json:"requests"`
}

// ExecutionListResponse wraps a collection of executions.
type ExecutionListResponse struct {
	Executions []ExecutionView `json:"executions"`
}

// EncoderListResponse wraps the connected worker snapshot.
type EncoderListResponse struct {
	Encoders []EncoderView `json:"encoders"`
}

// FromRequestRecord converts a facade record to its API representation.
func FromRequestRecord(record RequestRecord) RequestView {
	if record.Request == nil {
		return RequestView{}
	}
	req := record.Request
	view := RequestView{
		ID:          req.ID,
		Title:       req.Title,
		TMDBID:      req.TMDBID,
		MediaType:   string(req.MediaType),
		Season:      req.Season,
		RequestedBy: req.RequestedBy,
		TemplateID:  req.TemplateID,
		Status:      string(record.Status),
		CreatedAt:   formatTime(req.CreatedAt),
		UpdatedAt:   formatTime(req.UpdatedAt),
	}
	for _, item := range record.Items {
		view.Items = append(view.Items, FromItem(item))
	}
	for _, exec := range record.Executions {
		view.Executions = append(view.Executions, FromExecution(exec))
	}
	return view
}

// FromItem converts an item to its API representation.
func FromItem(item *media.Item) ItemView {
	if item == nil {
		return ItemView{}
	}
	return ItemView{
		ID:              item.ID,
		RequestID:       item.RequestID,
		Season:          item.Season,
		Episode:         item.Episode,
		Title:           item.Title,
		Label:           item.Label(),
		Status:          string(item.Status),
		Attempts:        item.Attempts,
		ProgressPercent: item.ProgressPercent,
		ProgressMessage: item.ProgressMessage,
		SourcePath:      item.SourcePath,
		EncodedPath:     item.EncodedPath,
		DeliveredAt:     formatTimePtr(item.DeliveredAt),
		RetryAt:         formatTimePtr(item.RetryAt),
		SkipUntil:       formatTimePtr(item.SkipUntil),
		ErrorMessage:    item.ErrorMessage,
		NeedsReview:     item.NeedsReview,
		ReviewReason:    item.ReviewReason,
		UpdatedAt:       formatTime(item.UpdatedAt),
	}
}

// FromExecution converts an execution to its API representation.
func FromExecution(exec *pipeline.Execution) ExecutionView {
	if exec == nil {
		return ExecutionView{}
	}
	return ExecutionView{
		ID:          exec.ID,
		RequestID:   exec.RequestID,
		TemplateID:  exec.TemplateID,
		Status:      string(exec.Status),
		Cursor:      exec.Cursor,
		Error:       exec.Error,
		StartedAt:   formatTime(exec.StartedAt),
		UpdatedAt:   formatTime(exec.UpdatedAt),
		CompletedAt: formatTimePtr(exec.CompletedAt),
	}
}

// FromExecutionRecord converts an execution with step history.
func FromExecutionRecord(record ExecutionRecord) ExecutionView {
	view := FromExecution(record.Execution)
	for _, step := range record.Steps {
		view.Steps = append(view.Steps, FromStepRecord(step))
	}
	return view
}

// FromStepRecord converts a step record to its API representation.
func FromStepRecord(step *pipeline.StepRecord) StepRecordView {
	if step == nil {
		return StepRecordView{}
	}
	return StepRecordView{
		Sequence:   step.Sequence,
		StepName:   step.StepName,
		StepType:   step.StepType,
		Outcome:    string(step.Outcome),
		Error:      step.Error,
		StartedAt:  formatTime(step.StartedAt),
		FinishedAt: formatTime(step.FinishedAt),
	}
}

// FromWorkerInfo converts a dispatcher worker snapshot.
func FromWorkerInfo(info dispatch.WorkerInfo) EncoderView {
	return EncoderView{
		ID:            info.ID,
		Remote:        info.Remote,
		Version:       info.Version,
		Capacity:      info.Capacity,
		InFlight:      info.InFlight,
		ConnectedAt:   formatTime(info.ConnectedAt),
		LastHeartbeat: formatTime(info.LastHeartbeat),
	}
}

// FromBreakerRecord converts a breaker record to its API representation.
func FromBreakerRecord(rec *breaker.Record) BreakerView {
	if rec == nil {
		return BreakerView{}
	}
	return BreakerView{
		Service:     rec.Service,
		State:       string(rec.State),
		Failures:    rec.Failures,
		Successes:   rec.Successes,
		LastFailure: formatTimePtr(rec.LastFailure),
		OpensAt:     formatTimePtr(rec.OpensAt),
		UpdatedAt:   formatTime(rec.UpdatedAt),
	}
}

// FromTemplate converts a template to its API representation.
func FromTemplate(tpl *pipeline.Template) TemplateView {
	if tpl == nil {
		return TemplateView{}
	}
	return TemplateView{
		ID:          tpl.ID,
		Name:        tpl.Name,
		Description: tpl.Description,
		Steps:       tpl.Len(),
	}
}

// FromStatus converts a daemon status snapshot.
func FromStatus(st Status) StatusView {
	view := StatusView{
		Running:           st.Running,
		PID:               st.PID,
		StartedAt:         formatTime(st.StartedAt),
		StorePath:         st.StorePath,
		LockFilePath:      st.LockFilePath,
		APIBind:           st.APIBind,
		ActiveExecutions:  st.ActiveExecutions,
		ConnectedEncoders: st.ConnectedEncoders,
		DeliveryQueued:    st.DeliveryQueued,
		DeliveryInFlight:  st.DeliveryInFlight,
		OpenBreakers:      st.OpenBreakers,
	}
	if len(st.ItemCounts) > 0 {
		view.ItemCounts = make(map[string]int, len(st.ItemCounts))
		for status, count := range st.ItemCounts {
			view.ItemCounts[string(status)] = count
		}
	}
	return view
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(dateTimeFormat)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}
