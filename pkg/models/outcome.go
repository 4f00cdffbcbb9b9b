package models

import "time"

// OutcomeStatus is the terminal status of a record group
type OutcomeStatus string

const (
	StatusSuccess OutcomeStatus = "success"
	StatusFailure OutcomeStatus = "failure"
)

// ErrorKind classifies a failed record group
type ErrorKind string

const (
	ErrorKindNone       ErrorKind = ""
	ErrorKindConversion ErrorKind = "conversion"
	ErrorKindUpload     ErrorKind = "upload"
)

// Failure reasons refine an ErrorKind.
const (
	ReasonError      = "error"
	ReasonTimeout    = "timeout"
	ReasonPanic      = "panic"
	ReasonTooLarge   = "too_large"
	ReasonHTTPStatus = "http_status"
	ReasonTransport  = "transport"
	ReasonCanceled   = "canceled"
)

// Outcome is the terminal result of one record group.
type Outcome struct {
	ID           string        `json:"id"`
	Status       OutcomeStatus `json:"status"`
	ArtifactSize int           `json:"artifact_size,omitempty"`
	ErrorKind    ErrorKind     `json:"error_kind,omitempty"`
	Reason       string        `json:"reason,omitempty"`
	Message      string        `json:"message,omitempty"`
	Duration     time.Duration `json:"duration_ns,omitempty"`
	Children     ChildCounts   `json:"children,omitempty"`
}

// Success builds a successful outcome
func Success(id string, artifactSize int) Outcome {
	return Outcome{ID: id, Status: StatusSuccess, ArtifactSize: artifactSize}
}

// Failure builds a failed outcome
func Failure(id string, kind ErrorKind, reason, message string) Outcome {
	if reason == "" {
		reason = ReasonError
	}
	return Outcome{ID: id, Status: StatusFailure, ErrorKind: kind, Reason: reason, Message: message}
}

// IsSuccess reports whether the outcome is a success
func (o Outcome) IsSuccess() bool {
	return o.Status == StatusSuccess
}
