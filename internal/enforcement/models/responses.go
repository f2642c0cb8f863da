package models

// EvaluationResponse is the contract returned to request handlers.
// Allowed distinguishes "request succeeded" from Recorded, which says
// whether the counted effect actually happened; a deduplicated submission
// is allowed but not recorded.
type EvaluationResponse struct {
	Allowed           bool       `json:"allowed"`
	Recorded          bool       `json:"recorded"`
	RetryAfterSeconds int        `json:"retryAfterSeconds,omitempty"`
	ReasonCode        ReasonCode `json:"reasonCode,omitempty"`
}
