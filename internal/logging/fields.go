package logging

import (
	"context"
	"log/slog"

	"conveyor/internal/services"
)

const (
	// FieldComponent is the standardized structured logging key for component names.
	FieldComponent = "component"
	// FieldItemID is the standardized structured logging key for item identifiers.
	FieldItemID = "item_id"
	// FieldRequestID is the standardized structured logging key for request identifiers.
	FieldRequestID = "request_id"
	// FieldExecutionID is the standardized structured logging key for workflow execution identifiers.
	FieldExecutionID = "execution_id"
	// FieldTemplate is the standardized structured logging key for workflow template identifiers.
	FieldTemplate = "template"
	// FieldStep is the standardized structured logging key for workflow step names.
	FieldStep = "step"
	// FieldStepType is the standardized structured logging key for step type tags.
	FieldStepType = "step_type"
	// FieldEncoderID is the standardized structured logging key for encoder worker identifiers.
	FieldEncoderID = "encoder_id"
	// FieldJobID is the standardized structured logging key for encoding job identifiers.
	FieldJobID = "job_id"
	// FieldService is the standardized structured logging key for external service names.
	FieldService = "service"
	// FieldTarget is the standardized structured logging key for delivery target names.
	FieldTarget = "target"
	// FieldCorrelationID is the standardized structured logging key for request correlation identifiers.
	FieldCorrelationID = "correlation_id"
	// FieldEventType tags log lines with a machine-filterable event name.
	FieldEventType = "event_type"
	// FieldErrorHint carries the suggested operator next step for a failure.
	FieldErrorHint = "error_hint"
	// FieldImpact is the standardized key for user-facing consequence of a warning.
	FieldImpact = "impact"
	// FieldAlert flags warnings or anomalies that should stand out in structured logs.
	FieldAlert = "alert"
	// FieldProgressPercent is the standardized structured logging key for progress percentages.
	FieldProgressPercent = "progress_percent"
)

// ContextFields extracts standardized slog attributes from the provided context.
func ContextFields(ctx context.Context) []slog.Attr {
	if ctx == nil {
		return nil
	}
	fields := make([]slog.Attr, 0, 4)
	if id, ok := services.ItemIDFromContext(ctx); ok {
		fields = append(fields, slog.Int64(FieldItemID, id))
	}
	if id, ok := services.ExecutionIDFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldExecutionID, id))
	}
	if step, ok := services.StepFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldStep, step))
	}
	if cid, ok := services.CorrelationIDFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldCorrelationID, cid))
	}
	return fields
}

// WithContext returns a logger augmented with structured fields derived from
// the supplied context.
func WithContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = NewNop()
	}
	fields := ContextFields(ctx)
	if len(fields) == 0 {
		return logger
	}
	return logger.With(Args(fields...)...)
}
