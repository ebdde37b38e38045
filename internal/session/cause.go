package session

// Disconnect cause codes, numbered after the HTTP-like status codes the
// WhatsApp web protocol reports on stream close.
const (
	CauseUnknown          = 0
	CauseLoggedOut        = 401
	CauseForbidden        = 403
	CauseAuthRejected     = 405
	CauseTimedOut         = 408
	CauseConnectionClosed = 428
	CauseReplaced         = 440
	CauseBadSession       = 500
	CauseUnavailable      = 503
	CauseRestartRequired  = 515
)

type DisconnectClass int

const (
	// ClassRetryable transport level failure; reconnect with the stored credentials.
	ClassRetryable DisconnectClass = iota
	// ClassAuthTerminated the account unlinked this device; credentials are void.
	ClassAuthTerminated
	// ClassConflict another client took over the session.
	ClassConflict
)

// Classify maps a close cause to what the supervisor does next.
func Classify(cause int) DisconnectClass {
	switch cause {
	case CauseLoggedOut, CauseAuthRejected:
		return ClassAuthTerminated
	case CauseReplaced:
		return ClassConflict
	default:
		return ClassRetryable
	}
}

// ErasesCredentials only an auth termination discards durable state.
func (c DisconnectClass) ErasesCredentials() bool {
	return c == ClassAuthTerminated
}

func (c DisconnectClass) Retries() bool {
	return c == ClassRetryable
}

func (c DisconnectClass) String() string {
	switch c {
	case ClassAuthTerminated:
		return "logged_out"
	case ClassConflict:
		return "conflict"
	default:
		return "retryable"
	}
}
