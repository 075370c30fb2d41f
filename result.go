package apns

import "fmt"

// Success is the outcome of an accepted request. Device or BundleID
// identifies the recipient depending on the operation; the apns-* fields
// echo the response headers when the server sent them. Without an
// apns-channel-id response header, ChannelID carries the channel the
// broadcast notification addressed.
type Success struct {
	Device   string `json:"device,omitempty"`
	BundleID string `json:"bundleId,omitempty"`

	UniqueID  string `json:"apns-unique-id,omitempty"`
	RequestID string `json:"apns-request-id,omitempty"`
	ChannelID string `json:"apns-channel-id,omitempty"`

	// Body is the parsed JSON response body, when non-empty.
	Body map[string]any `json:"body,omitempty"`
}

// Failure is the outcome of a rejected request. Status is the HTTP status
// string of a response that was read and parsed, or a pseudo status
// ("(timeout)", "(aborted)", "(error)") when the stream died without a
// response; it is empty for connect failures, shutdown, refused requests
// and unreadable or malformed response bodies. Response is the parsed
// JSON body of a rejection. Err carries transport errors, and the errors derived from
// responses that are an empty body, an expired provider token or an
// internal server error; those keep their Status.
type Failure struct {
	Device   string `json:"device,omitempty"`
	BundleID string `json:"bundleId,omitempty"`

	Status   string         `json:"status,omitempty"`
	Response map[string]any `json:"response,omitempty"`
	Err      error          `json:"error,omitempty"`

	UniqueID  string `json:"apns-unique-id,omitempty"`
	RequestID string `json:"apns-request-id,omitempty"`
	ChannelID string `json:"apns-channel-id,omitempty"`
}

// Error implements the error interface; ManageChannels returns a *Failure
// when it rejects an unsupported action before any I/O.
func (f *Failure) Error() string {
	switch {
	case f.Err != nil && f.Status != "":
		return fmt.Sprintf("status %s: %v", f.Status, f.Err)
	case f.Err != nil:
		return f.Err.Error()
	case f.Status != "":
		return fmt.Sprintf("request failed with status %s", f.Status)
	}
	return "request failed"
}

// Unwrap exposes the underlying cause.
func (f *Failure) Unwrap() error { return f.Err }

// BatchResult partitions the outcome of a batch call. Every recipient of
// the batch appears in exactly one of the two lists.
type BatchResult struct {
	Sent   []Success `json:"sent"`
	Failed []Failure `json:"failed"`
}

// failure is the internal outcome of a request. The server-requested retry
// delay drives the retry policy and is stripped before the Failure reaches
// the caller.
type failure struct {
	Failure
	retryAfter string
}

// redact returns the caller-visible Failure, without the retry hint.
func (f *failure) redact() Failure {
	return f.Failure
}
