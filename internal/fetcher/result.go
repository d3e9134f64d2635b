package fetcher

import "fmt"

// Failure describes why a request produced no payload.
type Failure struct {
	// Kind is the terminal classification (exhausted, timeout, canceled, unexpected).
	Kind Kind

	// Cause is the classification of the last attempt when Kind is
	// KindExhausted: KindEmpty when the provider kept answering without
	// data, KindTransient when the call itself kept failing.
	Cause Kind

	Message string
	Err     error
}

// Error implements the error interface
func (f *Failure) Error() string {
	if f.Cause != "" {
		return fmt.Sprintf("%s (%s): %s", f.Kind, f.Cause, f.Message)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

// Unwrap implements error unwrapping for errors.Is and errors.As
func (f *Failure) Unwrap() error {
	return f.Err
}

// Outcome is the result of resolving one request: either a payload or a
// Failure, never both. It's designed to be sent from worker goroutines to
// the coordinator that merges a refresh session.
type Outcome struct {
	Key        string
	Capability Capability
	Payload    Payload
	Failure    *Failure
	Attempts   int
}

// Success builds a successful outcome.
func Success(f Fetcher, payload Payload, attempts int) Outcome {
	return Outcome{
		Key:        f.Key(),
		Capability: f.Capability(),
		Payload:    payload,
		Attempts:   attempts,
	}
}

// Failed builds a failed outcome.
func Failed(f Fetcher, kind Kind, err error, attempts int) Outcome {
	fail := &Failure{Kind: kind, Err: err}
	if err != nil {
		fail.Message = err.Error()
	}
	return Outcome{
		Key:        f.Key(),
		Capability: f.Capability(),
		Failure:    fail,
		Attempts:   attempts,
	}
}

// OK reports whether the outcome carries a payload.
func (o Outcome) OK() bool {
	return o.Failure == nil
}

// Kind returns the failure kind, or "" on success.
func (o Outcome) Kind() Kind {
	if o.Failure == nil {
		return ""
	}
	return o.Failure.Kind
}

// NoData reports whether retries were exhausted because the provider only
// ever answered without data, as opposed to the call failing.
func (o Outcome) NoData() bool {
	return o.Failure != nil && o.Failure.Kind == KindExhausted && o.Failure.Cause == KindEmpty
}
