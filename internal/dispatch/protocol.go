package dispatch

import (
	"encoding/json"
	"fmt"
)

// Wire message types. Workers send register, heartbeat, and job lifecycle
// messages; the server sends registered, job assignments, and cancellations.
// Unknown types are logged and ignored rather than dropping the connection.
const (
	TypeRegister     = "register"
	TypeRegistered   = "registered"
	TypeHeartbeat    = "heartbeat"
	TypeJobAssign    = "job:assign"
	TypeJobProgress  = "job:progress"
	TypeJobCompleted = "job:completed"
	TypeJobFailed    = "job:failed"
	TypeJobCancel    = "job:cancel"
)

// Envelope is the outer frame of every wire message. Payload decoding is
// deferred until the type is known.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// RegisterPayload announces a worker and its capacity. It must be the first
// message on a connection.
type RegisterPayload struct {
	WorkerID string `json:"workerId"`
	Capacity int    `json:"capacity"`
	Version  string `json:"version,omitempty"`
}

// RegisteredPayload acknowledges a registration and tells the worker how
// often to heartbeat.
type RegisteredPayload struct {
	HeartbeatSeconds int `json:"heartbeatSeconds"`
}

// JobAssignPayload carries one transcode job to a worker.
type JobAssignPayload struct {
	JobID      string `json:"jobId"`
	ItemID     int64  `json:"itemId"`
	SourcePath string `json:"sourcePath"`
	OutputDir  string `json:"outputDir"`
	Profile    string `json:"profile"`
	Title      string `json:"title,omitempty"`
}

// JobProgressPayload reports transcode progress for a running job.
type JobProgressPayload struct {
	JobID   string  `json:"jobId"`
	Percent float64 `json:"percent"`
	Message string  `json:"message,omitempty"`
}

// JobCompletedPayload reports a finished job and its artifact.
type JobCompletedPayload struct {
	JobID      string `json:"jobId"`
	OutputPath string `json:"outputPath"`
	OutputSize int64  `json:"outputSize"`
}

// JobFailedPayload reports a failed job.
type JobFailedPayload struct {
	JobID string `json:"jobId"`
	Error string `json:"error"`
}

// JobCancelPayload asks a worker to abandon a job.
type JobCancelPayload struct {
	JobID  string `json:"jobId"`
	Reason string `json:"reason,omitempty"`
}

// Encode wraps a payload in an envelope and marshals it.
func Encode(msgType string, payload any) ([]byte, error) {
	env := Envelope{Type: msgType}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", msgType, err)
		}
		env.Payload = raw
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal %s envelope: %w", msgType, err)
	}
	return raw, nil
}

// Decode unmarshals an envelope frame.
func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	return env, nil
}

// DecodePayload unmarshals an envelope payload into dst.
func DecodePayload(env Envelope, dst any) error {
	if len(env.Payload) == 0 {
		return fmt.Errorf("%s message has no payload", env.Type)
	}
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		return fmt.Errorf("decode %s payload: %w", env.Type, err)
	}
	return nil
}
