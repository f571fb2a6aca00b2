package media

import (
	"encoding/json"
	"time"
)

// ErrorHistoryLimit caps how many error entries an item retains; older
// entries are silently dropped.
const ErrorHistoryLimit = 10

// ErrorHistoryEntry records one failed attempt.
type ErrorHistoryEntry struct {
	At      time.Time `json:"at"`
	Message string    `json:"message"`
	Class   string    `json:"class"`
	Attempt int       `json:"attempt"`
}

// ErrorHistory is a capped, append-only ring of the most recent failures.
type ErrorHistory []ErrorHistoryEntry

// Append returns the history with entry added, trimmed to the cap from the
// oldest end.
func (h ErrorHistory) Append(entry ErrorHistoryEntry) ErrorHistory {
	out := append(h, entry)
	if len(out) > ErrorHistoryLimit {
		out = out[len(out)-ErrorHistoryLimit:]
	}
	return out
}

// Latest returns the most recent entry, or nil when the history is empty.
func (h ErrorHistory) Latest() *ErrorHistoryEntry {
	if len(h) == 0 {
		return nil
	}
	entry := h[len(h)-1]
	return &entry
}

// MarshalText serializes the history for storage. An empty history encodes
// as an empty string rather than "null" so database columns stay tidy.
func (h ErrorHistory) MarshalText() (string, error) {
	if len(h) == 0 {
		return "", nil
	}
	data, err := json.Marshal([]ErrorHistoryEntry(h))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// ParseErrorHistory decodes a stored history; empty input yields nil.
func ParseErrorHistory(raw string) (ErrorHistory, error) {
	if raw == "" {
		return nil, nil
	}
	var entries []ErrorHistoryEntry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, err
	}
	return ErrorHistory(entries), nil
}
