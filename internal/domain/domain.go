package domain

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

type MonitoringStatus string

const (
	StatusPendingRID MonitoringStatus = "pending_rid"
	StatusActive     MonitoringStatus = "active"
	StatusDelayed    MonitoringStatus = "delayed"
	StatusCompleted  MonitoringStatus = "completed"
	StatusCancelled  MonitoringStatus = "cancelled"
)

var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrJourneyConflict   = errors.New("journey already monitored")
	ErrJourneyNotFound   = errors.New("journey not found")
	ErrAlertNotFound     = errors.New("delay alert not found")
	ErrInvalidTransition = errors.New("invalid monitoring status transition")
	ErrForbidden         = errors.New("forbidden")
)

// MonitoredJourney is one registered journey under delay monitoring.
// RID is the upstream running id; nil until the matcher resolves it.
type MonitoredJourney struct {
	ID        uuid.UUID
	JourneyID string
	UserID    uuid.UUID

	ServiceDate        time.Time
	OriginCRS          string
	DestinationCRS     string
	ScheduledDeparture time.Time
	ScheduledArrival   time.Time

	RID              *string
	MonitoringStatus MonitoringStatus

	LastCheckedAt *time.Time
	NextCheckAt   *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// DelayAlert is one detected delay (or cancellation) against a journey.
// Cancellations carry DelayMinutes=1 as a sentinel; read IsCancellation,
// not the minute count, to identify them.
type DelayAlert struct {
	ID                 uuid.UUID
	MonitoredJourneyID uuid.UUID

	DelayMinutes      int
	DelayDetectedAt   time.Time
	DelayReasons      json.RawMessage
	IsCancellation    bool
	ThresholdExceeded bool

	ClaimTriggered       bool
	ClaimTriggeredAt     *time.Time
	ClaimReferenceID     *string
	ClaimTriggerResponse json.RawMessage

	NotificationSent   bool
	NotificationSentAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

type OutboxStatus string

const (
	OutboxPending    OutboxStatus = "pending"
	OutboxProcessing OutboxStatus = "processing"
	OutboxProcessed  OutboxStatus = "processed"
	OutboxPublished  OutboxStatus = "published"
	OutboxFailed     OutboxStatus = "failed"
)

// OutboxEvent is a durable domain event written in the same transaction as
// the state change it narrates and relayed asynchronously.
type OutboxEvent struct {
	ID            uuid.UUID
	AggregateID   string
	AggregateType string
	EventType     string
	Payload       json.RawMessage
	CorrelationID string

	Status       OutboxStatus
	RetryCount   int
	ErrorMessage *string

	CreatedAt   time.Time
	ProcessedAt *time.Time
	PublishedAt *time.Time
}

// JourneyUpdate lists the mutable fields of a monitored journey. Everything
// else is immutable post-create.
type JourneyUpdate struct {
	RID              *string
	MonitoringStatus *MonitoringStatus
	LastCheckedAt    *time.Time
	NextCheckAt      *time.Time
	ClearNextCheck   bool
}

func (s MonitoringStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// allowedTransitions is the lifecycle state machine:
//
//	pending_rid -> active | completed | cancelled
//	active      -> delayed | completed | cancelled
//	delayed     -> completed | cancelled
//
// pending_rid may complete directly: a journey whose RID never resolved
// still finishes when its arrival passes.
var allowedTransitions = map[MonitoringStatus][]MonitoringStatus{
	StatusPendingRID: {StatusActive, StatusCompleted, StatusCancelled},
	StatusActive:     {StatusDelayed, StatusCompleted, StatusCancelled},
	StatusDelayed:    {StatusCompleted, StatusCancelled},
	StatusCompleted:  {},
	StatusCancelled:  {},
}

func (s MonitoringStatus) CanTransitionTo(next MonitoringStatus) bool {
	for _, allowed := range allowedTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ValidateTransition returns ErrInvalidTransition unless from->to is in the
// permitted set.
func ValidateTransition(from, to MonitoringStatus) error {
	if !from.CanTransitionTo(to) {
		return ErrInvalidTransition
	}
	return nil
}
