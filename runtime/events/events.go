// Package events defines the typed observations the coordinator and stages
// emit while a burn request moves through the pipeline, and the in-memory
// broadcast bus that fans them out to subscribers.
//
// Every event carries the request it belongs to and a per-request sequence
// number assigned at publish time. Sequence numbers are dense and
// monotonically increasing per request, so subscribers can detect gaps and
// resume from a cursor after reconnecting.
package events

import (
	"time"
)

type (
	// Kind identifies the event type. Subscribers filter on kinds and
	// switch on them to access the matching payload field.
	Kind string

	// Event is one observation. Exactly one payload pointer is non-nil for
	// kinds that carry one; stage_started has no payload beyond Stage.
	Event struct {
		// Seq is the per-request sequence number, dense from 1.
		Seq uint64
		// RequestID is the burn request this event belongs to.
		RequestID string
		// Kind selects the payload.
		Kind Kind
		// Stage names the pipeline stage that emitted the event, when one
		// did. Coordinator-level events leave it empty.
		Stage string
		// Timestamp is the emission time (UTC), stamped at publish.
		Timestamp time.Time

		Thinking  *ThinkingPayload  `json:",omitempty"`
		Handoff   *HandoffPayload   `json:",omitempty"`
		Completed *CompletedPayload `json:",omitempty"`
		Approval  *ApprovalPayload  `json:",omitempty"`
		Error     *ErrorPayload     `json:",omitempty"`
		Metric    *MetricPayload    `json:",omitempty"`
	}

	// ThinkingPayload reports intermediate stage reasoning.
	ThinkingPayload struct {
		// Confidence is the stage's self-assessed confidence in [0, 1].
		Confidence float64
		// Note is a short human-readable annotation.
		Note string
	}

	// HandoffPayload reports control passing between stages.
	HandoffPayload struct {
		From   string
		To     string
		Reason string
	}

	// CompletedPayload reports a finished stage.
	CompletedPayload struct {
		// Result summarizes the stage outcome ("validated", "scheduled").
		Result string
		// Duration is the stage wall-clock time.
		Duration time.Duration
		// Tools lists the collaborators the stage called (provider names).
		Tools []string
	}

	// ApprovalPayload reports that the pipeline paused for a human decision.
	ApprovalPayload struct {
		// Context explains what requires approval.
		Context string
		// Reasons lists the specific conditions that triggered the pause.
		Reasons []string
	}

	// ErrorPayload reports a stage or coordinator failure.
	ErrorPayload struct {
		// Kind is the stable error category from the domain taxonomy.
		Kind string
		// Message is the error text.
		Message string
	}

	// MetricPayload reports a named measurement.
	MetricPayload struct {
		Name  string
		Value float64
	}
)

const (
	KindStageStarted     Kind = "stage_started"
	KindStageThinking    Kind = "stage_thinking"
	KindHandoff          Kind = "handoff"
	KindStageCompleted   Kind = "stage_completed"
	KindApprovalRequired Kind = "approval_required"
	KindError            Kind = "error"
	KindMetric           Kind = "metric"
)

// StageStarted builds a stage_started event.
func StageStarted(requestID, stage string) Event {
	return Event{RequestID: requestID, Kind: KindStageStarted, Stage: stage}
}

// StageThinking builds a stage_thinking event.
func StageThinking(requestID, stage string, confidence float64, note string) Event {
	return Event{
		RequestID: requestID,
		Kind:      KindStageThinking,
		Stage:     stage,
		Thinking:  &ThinkingPayload{Confidence: confidence, Note: note},
	}
}

// Handoff builds a handoff event announcing control passing from one stage to
// the next.
func Handoff(requestID, from, to, reason string) Event {
	return Event{
		RequestID: requestID,
		Kind:      KindHandoff,
		Stage:     from,
		Handoff:   &HandoffPayload{From: from, To: to, Reason: reason},
	}
}

// StageCompleted builds a stage_completed event.
func StageCompleted(requestID, stage, result string, d time.Duration, tools ...string) Event {
	return Event{
		RequestID: requestID,
		Kind:      KindStageCompleted,
		Stage:     stage,
		Completed: &CompletedPayload{Result: result, Duration: d, Tools: tools},
	}
}

// ApprovalRequired builds an approval_required event.
func ApprovalRequired(requestID, stage, context string, reasons []string) Event {
	return Event{
		RequestID: requestID,
		Kind:      KindApprovalRequired,
		Stage:     stage,
		Approval:  &ApprovalPayload{Context: context, Reasons: reasons},
	}
}

// Failure builds an error event from the domain error category and message.
func Failure(requestID, stage, kind, message string) Event {
	return Event{
		RequestID: requestID,
		Kind:      KindError,
		Stage:     stage,
		Error:     &ErrorPayload{Kind: kind, Message: message},
	}
}

// Metric builds a metric event.
func Metric(requestID, name string, value float64) Event {
	return Event{
		RequestID: requestID,
		Kind:      KindMetric,
		Metric:    &MetricPayload{Name: name, Value: value},
	}
}
