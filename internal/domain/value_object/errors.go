package value_object

import "fmt"

// ErrorKind classifies protocol failures so callers can decide between
// path repair, retry with a different relay, or giving up.
type ErrorKind string

const (
	// KindMalformedCell indicates a wire-format violation. Fatal to the
	// cell's circuit.
	KindMalformedCell ErrorKind = "malformed_cell"
	// KindIdentityMismatch indicates a relay's verified identity disagrees
	// with the caller-supplied expectation. Never retried internally.
	KindIdentityMismatch ErrorKind = "identity_mismatch"
	// KindHandshakeTimeout indicates a CREATE/EXTEND exchange timed out.
	KindHandshakeTimeout ErrorKind = "handshake_timeout"
	// KindStreamTimeout indicates a stream open timed out.
	KindStreamTimeout ErrorKind = "stream_timeout"
	// KindRendezvousTimeout indicates the rendezvous join timed out.
	KindRendezvousTimeout ErrorKind = "rendezvous_timeout"
	// KindIntegrityFailure indicates a relay frame digest mismatch. The
	// circuit's key state is untrustworthy and the circuit is torn down.
	KindIntegrityFailure ErrorKind = "integrity_failure"
	// KindServiceNotFound indicates no descriptor resolved for an address.
	KindServiceNotFound ErrorKind = "service_not_found"
	// KindIntroductionFailed indicates the introduction point rejected or
	// dropped the introduce request.
	KindIntroductionFailed ErrorKind = "introduction_failed"
	// KindConnectionRefused indicates the target rejected the stream.
	KindConnectionRefused ErrorKind = "connection_refused"
	// KindCancelled indicates the operation's circuit was closed while the
	// operation was pending.
	KindCancelled ErrorKind = "cancelled"
	// KindPathTooLong indicates the configured maximum hop count would be
	// exceeded.
	KindPathTooLong ErrorKind = "path_too_long"
	// KindCircuitClosed indicates an operation on a closed circuit.
	KindCircuitClosed ErrorKind = "circuit_closed"
	// KindStreamReset indicates a stream was torn down with its circuit.
	KindStreamReset ErrorKind = "stream_reset"
)

// ProtocolError wraps a failure with its kind, the operation during which it
// occurred, and the offending relay fingerprint where one is known.
type ProtocolError struct {
	Kind  ErrorKind
	Op    string
	Relay string // hex fingerprint, empty when not applicable
	Err   error
}

func (e *ProtocolError) Error() string {
	if e == nil {
		return ""
	}
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Relay != "" {
		msg = fmt.Sprintf("%s (relay %s)", msg, e.Relay)
	}
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes the underlying error for errors.Is / errors.As.
func (e *ProtocolError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches on Kind so callers can branch with errors.Is against the
// exported Err* sentinels.
func (e *ProtocolError) Is(target error) bool {
	pe, ok := target.(*ProtocolError)
	if !ok || e == nil {
		return false
	}
	return e.Kind != "" && e.Kind == pe.Kind
}

// NewError constructs a ProtocolError.
func NewError(kind ErrorKind, op string, err error) *ProtocolError {
	return &ProtocolError{Kind: kind, Op: op, Err: err}
}

// NewRelayError constructs a ProtocolError naming the offending relay.
func NewRelayError(kind ErrorKind, op string, fp Fingerprint, err error) *ProtocolError {
	return &ProtocolError{Kind: kind, Op: op, Relay: fp.String(), Err: err}
}

// Sentinels for errors.Is checks.
var (
	ErrMalformedCell      = &ProtocolError{Kind: KindMalformedCell}
	ErrIdentityMismatch   = &ProtocolError{Kind: KindIdentityMismatch}
	ErrHandshakeTimeout   = &ProtocolError{Kind: KindHandshakeTimeout}
	ErrStreamTimeout      = &ProtocolError{Kind: KindStreamTimeout}
	ErrRendezvousTimeout  = &ProtocolError{Kind: KindRendezvousTimeout}
	ErrIntegrityFailure   = &ProtocolError{Kind: KindIntegrityFailure}
	ErrServiceNotFound    = &ProtocolError{Kind: KindServiceNotFound}
	ErrIntroductionFailed = &ProtocolError{Kind: KindIntroductionFailed}
	ErrConnectionRefused  = &ProtocolError{Kind: KindConnectionRefused}
	ErrCancelled          = &ProtocolError{Kind: KindCancelled}
	ErrPathTooLong        = &ProtocolError{Kind: KindPathTooLong}
	ErrCircuitClosed      = &ProtocolError{Kind: KindCircuitClosed}
	ErrStreamReset        = &ProtocolError{Kind: KindStreamReset}
)
