package messaging

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"
)

var (
	// Connection errors
	ErrConnectionClosed = errors.New("amqphub: connection is closed")
	ErrScopeClosed      = errors.New("amqphub: connection scope is closed")
	ErrScopeFaulted     = errors.New("amqphub: connection scope is faulted")

	// Link errors
	ErrLinkClosed     = errors.New("amqphub: link is closed")
	ErrNotInitialized = errors.New("amqphub: partition publishing state is not initialized")

	// Operation errors
	ErrCancelled       = errors.New("amqphub: operation cancelled")
	ErrTryTimeout      = errors.New("amqphub: operation attempt timed out")
	ErrNotSupported    = errors.New("amqphub: operation not supported by transport")
	ErrInvalidArgument = errors.New("amqphub: invalid argument")
)

// Condition is an AMQP error condition symbol
type Condition string

const (
	CondInternalError         Condition = "amqp:internal-error"
	CondNotFound              Condition = "amqp:not-found"
	CondUnauthorizedAccess    Condition = "amqp:unauthorized-access"
	CondDecodeError           Condition = "amqp:decode-error"
	CondResourceLimitExceeded Condition = "amqp:resource-limit-exceeded"
	CondNotAllowed            Condition = "amqp:not-allowed"
	CondInvalidField          Condition = "amqp:invalid-field"
	CondNotImplemented        Condition = "amqp:not-implemented"
	CondResourceLocked        Condition = "amqp:resource-locked"
	CondPreconditionFailed    Condition = "amqp:precondition-failed"
	CondResourceDeleted       Condition = "amqp:resource-deleted"
	CondIllegalState          Condition = "amqp:illegal-state"
	CondFrameSizeTooSmall     Condition = "amqp:frame-size-too-small"

	CondConnectionForced   Condition = "amqp:connection:forced"
	CondFramingError       Condition = "amqp:connection:framing-error"
	CondConnectionRedirect Condition = "amqp:connection:redirect"

	CondWindowViolation  Condition = "amqp:session:window-violation"
	CondErrantLink       Condition = "amqp:session:errant-link"
	CondHandleInUse      Condition = "amqp:session:handle-in-use"
	CondUnattachedHandle Condition = "amqp:session:unattached-handle"

	CondDetachForced          Condition = "amqp:link:detach-forced"
	CondTransferLimitExceeded Condition = "amqp:link:transfer-limit-exceeded"
	CondMessageSizeExceeded   Condition = "amqp:link:message-size-exceeded"
	CondLinkRedirect          Condition = "amqp:link:redirect"
	CondLinkStolen            Condition = "amqp:link:stolen"

	CondServerBusy          Condition = "com.microsoft:server-busy"
	CondTimeout             Condition = "com.microsoft:timeout"
	CondOperationCancelled  Condition = "com.microsoft:operation-cancelled"
	CondArgumentError       Condition = "com.microsoft:argument-error"
	CondArgumentOutOfRange  Condition = "com.microsoft:argument-out-of-range"
	CondEntityDisabled      Condition = "com.microsoft:entity-disabled"
	CondEntityAlreadyExists Condition = "com.microsoft:entity-already-exists"
	CondMessageLockLost     Condition = "com.microsoft:message-lock-lost"
	CondSessionLockLost     Condition = "com.microsoft:session-lock-lost"
	CondPublisherRevoked    Condition = "com.microsoft:publisher-revoked"
	CondProducerEpochStolen Condition = "com.microsoft:producer-epoch-stolen"
	CondOutOfOrderSequence  Condition = "com.microsoft:out-of-order-sequence"
	CondDuplicateSequence   Condition = "com.microsoft:duplicate-sequence"
	CondStoreLockLost       Condition = "com.microsoft:store-lock-lost"
	CondNoMatchingSub       Condition = "com.microsoft:no-matching-subscription"
)

// ErrorKind is the coarse classification of an error
type ErrorKind int

const (
	KindNone ErrorKind = iota
	// KindTransient errors may succeed when retried
	KindTransient
	// KindAuthorization errors need new credentials
	KindAuthorization
	// KindProtocol errors are caused by the request itself and never succeed on retry
	KindProtocol
	// KindTerminal errors mean the object is permanently unusable
	KindTerminal
	// KindCancelled errors come from the caller cancelling the operation
	KindCancelled
)

func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindTransient:
		return "transient"
	case KindAuthorization:
		return "authorization"
	case KindProtocol:
		return "protocol"
	case KindTerminal:
		return "terminal"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Recovery is the action needed before an operation can be retried
type Recovery int

const (
	// RecoverNone means the error does not call for rebuilding anything
	RecoverNone Recovery = iota
	// RecoverLink means the link must be closed and reopened
	RecoverLink
	// RecoverConnection means the whole connection scope must be rebuilt
	RecoverConnection
)

func (r Recovery) String() string {
	switch r {
	case RecoverNone:
		return "none"
	case RecoverLink:
		return "link"
	case RecoverConnection:
		return "connection"
	default:
		return "unknown"
	}
}

// RemoteError is an error condition sent by the peer
type RemoteError struct {
	Condition   Condition
	Description string
	Info        map[string]any
}

func (e *RemoteError) Error() string {
	if e.Description == "" {
		return fmt.Sprintf("amqp remote error: %s", e.Condition)
	}
	return fmt.Sprintf("amqp remote error: %s: %s", e.Condition, e.Description)
}

// LinkDetachedError means a link stopped working while its connection survived
type LinkDetachedError struct {
	Address string
	Remote  *RemoteError
	Err     error
}

func (e *LinkDetachedError) Error() string {
	if e.Remote != nil {
		return fmt.Sprintf("amqp link error: link to %s detached: %v", e.Address, e.Remote)
	}
	return fmt.Sprintf("amqp link error: link to %s detached: %v", e.Address, e.Err)
}

func (e *LinkDetachedError) Unwrap() error {
	if e.Remote != nil {
		return e.Remote
	}
	return e.Err
}

// ConnectionLostError means the physical connection failed
type ConnectionLostError struct {
	Endpoint string
	Remote   *RemoteError
	Err      error
}

func (e *ConnectionLostError) Error() string {
	if e.Remote != nil {
		return fmt.Sprintf("amqp connection error: connection to %s lost: %v", e.Endpoint, e.Remote)
	}
	return fmt.Sprintf("amqp connection error: connection to %s lost: %v", e.Endpoint, e.Err)
}

func (e *ConnectionLostError) Unwrap() error {
	if e.Remote != nil {
		return e.Remote
	}
	return e.Err
}

// LinkOpenError means a session or link could not be attached
type LinkOpenError struct {
	Address string
	Err     error
}

func (e *LinkOpenError) Error() string {
	return fmt.Sprintf("amqp link error: failed to open link to %s: %v", e.Address, e.Err)
}

func (e *LinkOpenError) Unwrap() error {
	return e.Err
}

// AuthorizationError means a claims-based security put-token was refused
type AuthorizationError struct {
	Audience    string
	StatusCode  int
	Description string
	Err         error
}

func (e *AuthorizationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("amqp authorization error: %s: %v", e.Audience, e.Err)
	}
	return fmt.Sprintf("amqp authorization error: %s: status %d: %s", e.Audience, e.StatusCode, e.Description)
}

func (e *AuthorizationError) Unwrap() error {
	return e.Err
}

// ConnectionError represents a failure to establish a connection
type ConnectionError struct {
	Op        string    // Operation that failed
	Endpoint  string    // Endpoint (sanitized)
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
	Attempts  int       // Number of attempts made
}

func (e *ConnectionError) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("amqp connection error: %s %s failed after %d attempts: %v", e.Op, e.Endpoint, e.Attempts, e.Err)
	}
	return fmt.Sprintf("amqp connection error: %s %s failed: %v", e.Op, e.Endpoint, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// Classifier lets an error report its own kind. It takes precedence over
// everything it wraps.
type Classifier interface {
	ErrorKind() ErrorKind
}

// Classify determines the kind of an error
func Classify(err error) ErrorKind {
	if err == nil {
		return KindNone
	}

	var c Classifier
	if errors.As(err, &c) {
		return c.ErrorKind()
	}

	switch {
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, ErrConnectionClosed), errors.Is(err, ErrLinkClosed):
		return KindTerminal
	case errors.Is(err, ErrNotInitialized), errors.Is(err, ErrInvalidArgument), errors.Is(err, ErrNotSupported):
		return KindProtocol
	}

	var authErr *AuthorizationError
	if errors.As(err, &authErr) {
		return KindAuthorization
	}

	var remote *RemoteError
	if errors.As(err, &remote) {
		return classifyCondition(remote.Condition)
	}

	// Scope faults, try timeouts, detached links and lost connections all
	// recover by rebuilding; unknown errors are treated the same way.
	return KindTransient
}

func classifyCondition(cond Condition) ErrorKind {
	switch cond {
	case CondUnauthorizedAccess:
		return KindAuthorization
	case CondNotFound, CondDecodeError, CondResourceLimitExceeded, CondNotAllowed,
		CondInvalidField, CondNotImplemented, CondPreconditionFailed, CondResourceDeleted,
		CondIllegalState, CondMessageSizeExceeded, CondLinkStolen, CondArgumentError,
		CondArgumentOutOfRange, CondEntityDisabled, CondEntityAlreadyExists,
		CondMessageLockLost, CondSessionLockLost, CondPublisherRevoked,
		CondProducerEpochStolen, CondOutOfOrderSequence, CondDuplicateSequence,
		CondNoMatchingSub, CondFrameSizeTooSmall:
		return KindProtocol
	default:
		return KindTransient
	}
}

// IsRetryable determines if an error is retryable
func IsRetryable(err error) bool {
	return Classify(err) == KindTransient
}

// IsFatal determines if an error is fatal and should not be retried
func IsFatal(err error) bool {
	return err != nil && !IsRetryable(err)
}

// RecoveryFor maps an error to the rebuild it requires
func RecoveryFor(err error) Recovery {
	if !IsRetryable(err) {
		return RecoverNone
	}

	if errors.Is(err, ErrScopeFaulted) || errors.Is(err, ErrScopeClosed) {
		return RecoverConnection
	}

	var lost *ConnectionLostError
	if errors.As(err, &lost) {
		return RecoverConnection
	}

	var remote *RemoteError
	if errors.As(err, &remote) {
		switch remote.Condition {
		case CondConnectionForced, CondFramingError, CondConnectionRedirect:
			return RecoverConnection
		}
	}

	return RecoverLink
}

// SanitizeEndpoint removes credentials from an endpoint URL
func SanitizeEndpoint(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return endpoint
	}
	if u.User != nil {
		u.User = url.User(u.User.Username())
	}
	u.RawQuery = ""
	return u.String()
}
