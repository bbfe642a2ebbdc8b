// Package types holds the JSON bodies every API response is wrapped in.
package types

type SuccessEnvelope struct {
	Data any `json:"data"`
}

// APIError is the public face of a failed request. RequestID lets a caller
// quote the failing request back to support.
type APIError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	RequestID string `json:"requestId,omitempty"`
	Details   any    `json:"details,omitempty"`
}

type ErrorEnvelope struct {
	Error APIError `json:"error"`
}
