package errors

// Kind classifies an orchestration failure with a stable string that callers
// and API surfaces can match on. Kinds survive wrapping: use WithKind to
// attach one and KindOf to recover it anywhere along the chain.
type Kind string

const (
	KindNotFound        Kind = "not_found"
	KindInactive        Kind = "inactive"
	KindInvalidPayload  Kind = "invalid_payload"
	KindAlreadyRunning  Kind = "already_running"
	KindTimeout         Kind = "timeout"
	KindMalformedResult Kind = "malformed_result"
	KindExtraction      Kind = "extraction_error"
	KindCancelled       Kind = "cancelled"
	KindInternal        Kind = "internal_error"
)

// Retryable reports whether a failure of this kind should be retried
// automatically. Timeouts and transient extraction-capability failures are
// worth another attempt; everything else is final until the task changes.
func (k Kind) Retryable() bool {
	switch k {
	case KindTimeout, KindExtraction:
		return true
	default:
		return false
	}
}

func (k Kind) String() string { return string(k) }

// kindError carries a Kind along an error chain.
type kindError struct {
	kind  Kind
	cause error
}

func (e *kindError) Error() string { return e.cause.Error() }
func (e *kindError) Unwrap() error { return e.cause }

// WithKind attaches a kind to err. Returns nil if err is nil.
func WithKind(err error, kind Kind) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: kind, cause: err}
}

// NewKind creates a fresh error of the given kind with a formatted message.
func NewKind(kind Kind, format string, args ...interface{}) error {
	return WithKind(Newf(format, args...), kind)
}

// KindOf returns the innermost Kind attached to err, or KindInternal when the
// chain carries none. Unclassified plumbing failures fail closed as internal.
func KindOf(err error) Kind {
	var ke *kindError
	if As(err, &ke) {
		return ke.kind
	}
	return KindInternal
}

// HasKind reports whether err carries the given kind.
func HasKind(err error, kind Kind) bool {
	var ke *kindError
	if As(err, &ke) {
		return ke.kind == kind
	}
	return false
}
