package media

import (
	"fmt"
	"strings"
	"time"
)

// MediaType distinguishes movie requests from episodic TV requests.
type MediaType string

const (
	MediaTypeMovie MediaType = "movie"
	MediaTypeTV    MediaType = "tv"
)

// ParseMediaType converts a string into a known MediaType.
func ParseMediaType(value string) (MediaType, bool) {
	switch MediaType(strings.ToLower(strings.TrimSpace(value))) {
	case MediaTypeMovie:
		return MediaTypeMovie, true
	case MediaTypeTV:
		return MediaTypeTV, true
	default:
		return "", false
	}
}

// Status represents the lifecycle of an item.
type Status string

const (
	StatusPending     Status = "pending"
	StatusSearching   Status = "searching"
	StatusFound       Status = "found"
	StatusDownloading Status = "downloading"
	StatusDownloaded  Status = "downloaded"
	StatusEncoding    Status = "encoding"
	StatusEncoded     Status = "encoded"
	StatusDelivering  Status = "delivering"
	StatusDelivered   Status = "delivered"
	StatusFailed      Status = "failed"
	StatusReview      Status = "review"
	StatusCancelled   Status = "cancelled"
)

// UserCancelReason is the message recorded when an operator cancels work.
const UserCancelReason = "Cancelled by user"

// DaemonStopReason is the message recorded when in-flight work is interrupted
// by daemon shutdown.
const DaemonStopReason = "Daemon stopped"

var allStatuses = []Status{
	StatusPending,
	StatusSearching,
	StatusFound,
	StatusDownloading,
	StatusDownloaded,
	StatusEncoding,
	StatusEncoded,
	StatusDelivering,
	StatusDelivered,
	StatusFailed,
	StatusReview,
	StatusCancelled,
}

var statusSet = func() map[Status]struct{} {
	set := make(map[Status]struct{}, len(allStatuses))
	for _, status := range allStatuses {
		set[status] = struct{}{}
	}
	return set
}()

// processingStatuses are the in-flight states a crashed process can leave
// behind; reclamation rolls them back to their rest state.
var processingStatuses = map[Status]struct{}{
	StatusDownloading: {},
	StatusEncoding:    {},
	StatusDelivering:  {},
}

var crashRollbacks = map[Status]Status{
	StatusDownloading: StatusFound,
	StatusEncoding:    StatusDownloaded,
	StatusDelivering:  StatusEncoded,
}

var terminalStatuses = map[Status]struct{}{
	StatusDelivered: {},
	StatusFailed:    {},
	StatusCancelled: {},
}

// AllStatuses returns the ordered list of known statuses.
func AllStatuses() []Status {
	cp := make([]Status, len(allStatuses))
	copy(cp, allStatuses)
	return cp
}

// ParseStatus converts a string into a known Status.
func ParseStatus(value string) (Status, bool) {
	normalized := Status(strings.ToLower(strings.TrimSpace(value)))
	if normalized == "" {
		return "", false
	}
	_, ok := statusSet[normalized]
	return normalized, ok
}

// IsProcessingStatus reports whether a status reflects an in-flight operation.
func IsProcessingStatus(status Status) bool {
	_, ok := processingStatuses[status]
	return ok
}

// CrashRollback returns the rest state an interrupted processing status rolls
// back to, or the status itself when no rollback applies.
func CrashRollback(status Status) Status {
	if to, ok := crashRollbacks[status]; ok {
		return to
	}
	return status
}

// Request is one user-visible acquisition request. Its status is computed
// from its items, never stored.
type Request struct {
	ID          int64
	Title       string
	TMDBID      int64
	MediaType   MediaType
	Season      int
	RequestedBy string
	TemplateID  string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Item is one deliverable unit: the movie itself, or a single episode of a
// requested season.
type Item struct {
	ID              int64
	RequestID       int64
	Season          int
	Episode         int
	Title           string
	Status          Status
	Attempts        int
	RetryAt         *time.Time
	SkipUntil       *time.Time
	SourcePath      string
	EncodedPath     string
	DeliveredAt     *time.Time
	ErrorMessage    string
	ErrorHistory    ErrorHistory
	ProgressPercent float64
	ProgressMessage string
	LastHeartbeat   *time.Time
	NeedsReview     bool
	ReviewReason    string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// IsProcessing returns true when the item is in an in-flight state.
func (i Item) IsProcessing() bool {
	return IsProcessingStatus(i.Status)
}

// IsTerminal returns true once no further work will happen for the item.
func (i Item) IsTerminal() bool {
	_, ok := terminalStatuses[i.Status]
	return ok
}

// Awaiting reports whether the item sits in the long-lived searching state
// that retries indefinitely.
func (i Item) Awaiting() bool {
	return i.Status == StatusSearching
}

// ReadyForRetry reports whether any scheduled retry or deferral has elapsed.
func (i Item) ReadyForRetry(now time.Time) bool {
	if i.SkipUntil != nil && now.Before(*i.SkipUntil) {
		return false
	}
	if i.RetryAt != nil && now.Before(*i.RetryAt) {
		return false
	}
	return i.RetryAt != nil || i.SkipUntil != nil || i.Status == StatusSearching
}

// EpisodeKey returns the canonical episode identifier (e.g. s01e02), or an
// empty string for movie items.
func (i Item) EpisodeKey() string {
	if i.Episode <= 0 {
		return ""
	}
	return fmt.Sprintf("s%02de%02d", i.Season, i.Episode)
}

// Label returns a human-readable identifier for logs and notifications.
func (i Item) Label() string {
	if key := i.EpisodeKey(); key != "" {
		return fmt.Sprintf("%s %s", i.Title, strings.ToUpper(key))
	}
	return i.Title
}

// SetProgress updates the progress pair atomically.
func (i *Item) SetProgress(message string, percent float64) {
	i.ProgressMessage = message
	i.ProgressPercent = percent
}

// SetFailed marks the item failed with the given message and clears the
// heartbeat so reclamation ignores it.
func (i *Item) SetFailed(message string) {
	i.Status = StatusFailed
	i.ErrorMessage = message
	i.ProgressPercent = 0
	i.ProgressMessage = message
	i.LastHeartbeat = nil
	i.RetryAt = nil
	i.SkipUntil = nil
}

// SetCancelled marks the item cancelled and clears any pending schedule so
// the sweeper never picks it back up.
func (i *Item) SetCancelled(reason string) {
	i.Status = StatusCancelled
	i.ProgressMessage = reason
	i.LastHeartbeat = nil
	i.RetryAt = nil
	i.SkipUntil = nil
}

// SetReview routes the item to operator review with a reason.
func (i *Item) SetReview(reason string) {
	i.Status = StatusReview
	i.NeedsReview = true
	i.ReviewReason = reason
	i.LastHeartbeat = nil
	i.RetryAt = nil
	i.SkipUntil = nil
}

// RecordError appends an error history entry, enforcing the ring cap, and
// bumps the attempt counter.
func (i *Item) RecordError(now time.Time, message, class string) {
	i.Attempts++
	i.ErrorMessage = message
	i.ErrorHistory = i.ErrorHistory.Append(ErrorHistoryEntry{
		At:      now,
		Message: message,
		Class:   class,
		Attempt: i.Attempts,
	})
}
