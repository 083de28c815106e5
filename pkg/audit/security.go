// Package audit records sync activity and suspicious content for SIEM
// consumption. Every event is logged as structured JSON through zap and,
// when a broker is configured, published to a Kafka topic.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/patient-sync/pkg/logging"
	"github.com/ekaya-inc/patient-sync/pkg/models"
)

// EventType categorizes audit events for filtering and alerting.
type EventType string

const (
	// EventSyncOperation is logged for every pull and push, successful or not.
	EventSyncOperation EventType = "sync_operation"
	// EventScriptInjection is logged when pushed text looks like an XSS payload.
	EventScriptInjection EventType = "script_injection_attempt"
	// EventContactImport is logged when an import job reaches a terminal state.
	EventContactImport EventType = "contact_import"
)

// Severity levels.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Event is an auditable event with the context needed for SIEM analysis.
// Events never carry patient content.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	EventType EventType `json:"event_type"`
	OwnerID   string    `json:"owner_id"`
	Operation string    `json:"operation,omitempty"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	Details   any       `json:"details,omitempty"`
	Severity  string    `json:"severity"`
}

// Sink receives audit events in addition to the log.
type Sink interface {
	Publish(ctx context.Context, event Event)
	Close() error
}

// InjectionDetails locates a suspicious value without including it.
type InjectionDetails struct {
	Collection string `json:"collection"`
	RecordID   string `json:"record_id"`
	Field      string `json:"field"`
}

// Auditor logs security and sync events.
type Auditor struct {
	logger *zap.Logger
	sink   Sink
	now    func() time.Time
}

// NewAuditor creates an auditor with a dedicated "security_audit" logger
// namespace. sink may be nil.
func NewAuditor(logger *zap.Logger, sink Sink) *Auditor {
	return &Auditor{
		logger: logger.Named("security_audit"),
		sink:   sink,
		now:    time.Now,
	}
}

// RecordSync records the outcome of a pull or push. A nil err means success.
// Failures are recorded before the caller propagates the error.
func (a *Auditor) RecordSync(ctx context.Context, ownerID string, op models.SyncOperation, counts map[string]int, err error) {
	event := Event{
		Timestamp: a.now().UTC(),
		EventType: EventSyncOperation,
		OwnerID:   ownerID,
		Operation: string(op),
		Success:   err == nil,
		Severity:  SeverityInfo,
	}
	if len(counts) > 0 {
		event.Details = counts
	}
	if err != nil {
		event.Error = logging.SanitizeError(err)
		event.Severity = SeverityWarning
	}
	a.emit(ctx, event, "Sync operation")
}

// RecordImport records a contact import job reaching a terminal state.
func (a *Auditor) RecordImport(ctx context.Context, job *models.SyncJob) {
	event := Event{
		Timestamp: a.now().UTC(),
		EventType: EventContactImport,
		OwnerID:   job.OwnerID,
		Operation: string(job.Status),
		Success:   job.Status == models.SyncJobStatusCompleted,
		Details: map[string]any{
			"job_id":   job.ID.String(),
			"job_type": job.JobType,
			"counters": job.SyncJobCounters,
		},
		Severity: SeverityInfo,
	}
	if job.ErrorMessage != nil {
		event.Error = *job.ErrorMessage
		event.Severity = SeverityWarning
	}
	a.emit(ctx, event, "Contact import finished")
}

// LogInjectionAttempt records pushed text that matched an XSS signature.
// The content is stored as sent; the event exists for alerting only.
func (a *Auditor) LogInjectionAttempt(ctx context.Context, ownerID string, details InjectionDetails) {
	a.emit(ctx, Event{
		Timestamp: a.now().UTC(),
		EventType: EventScriptInjection,
		OwnerID:   ownerID,
		Operation: string(models.SyncOperationPush),
		Success:   true,
		Details:   details,
		Severity:  SeverityCritical,
	}, "Script injection pattern in pushed content")
}

func (a *Auditor) emit(ctx context.Context, event Event, msg string) {
	// Marshaling known types never fails.
	eventJSON, _ := json.Marshal(event)

	fields := []zap.Field{
		zap.String("event_json", string(eventJSON)),
		zap.String("event_type", string(event.EventType)),
		zap.String("owner_id", event.OwnerID),
		zap.String("operation", event.Operation),
		zap.Bool("success", event.Success),
		zap.String("severity", event.Severity),
	}

	switch event.Severity {
	case SeverityCritical:
		a.logger.Error(msg, fields...)
	case SeverityWarning:
		a.logger.Warn(msg, append(fields, zap.String("error", event.Error))...)
	default:
		a.logger.Info(msg, fields...)
	}

	if a.sink != nil {
		a.sink.Publish(ctx, event)
	}
}
