package errcode

// Code is a stable, bus-facing error identifier.
// It is a string newtype, comparable, allocation-free, and implements error.
type Code string

func (c Code) Error() string { return string(c) }

// Canonical codes (short, stable).
const (
	OK             Code = "ok"
	Busy           Code = "busy"
	InvalidParams  Code = "invalid_params"
	InvalidPayload Code = "invalid_payload"
	InvalidState   Code = "invalid_state"
	Timeout        Code = "timeout"
	Closed         Code = "closed"

	// Link codes.
	LinkNotReady       Code = "link_not_ready"
	InvalidTag         Code = "invalid_tag"
	FIFOFull           Code = "fifo_full"
	PeerUnresponsive   Code = "peer_unresponsive"
	PowerFailure       Code = "power_failure"
	ProtocolCorruption Code = "protocol_corruption"
	NoHandler          Code = "no_handler"

	Error Code = "error" // generic fallback
)

// Class groups codes by how the link reacts to them.
type Class uint8

const (
	ClassNone      Class = iota
	ClassRejected        // refused up front, no state changed
	ClassTransient       // caller may retry later
	ClassEscalate        // liveness problem, reset coordinator gets involved
	ClassFatal           // hard platform reset
)

func (c Class) String() string {
	switch c {
	case ClassRejected:
		return "rejected"
	case ClassTransient:
		return "transient"
	case ClassEscalate:
		return "escalate"
	case ClassFatal:
		return "fatal"
	default:
		return "none"
	}
}

// ClassOf classifies err by its code.
func ClassOf(err error) Class {
	switch Of(err) {
	case OK:
		return ClassNone
	case FIFOFull, Busy, Timeout:
		return ClassTransient
	case PeerUnresponsive, PowerFailure:
		return ClassEscalate
	case ProtocolCorruption, NoHandler:
		return ClassFatal
	default:
		return ClassRejected
	}
}

// Optional wrapper when we want to keep context and a cause.
type E struct {
	C   Code
	Op  string
	Msg string
	Err error
}

// New returns an *E with a message.
func New(c Code, op, msg string) *E { return &E{C: c, Op: op, Msg: msg} }

// Wrap returns an *E carrying cause.
func Wrap(c Code, op string, cause error) *E { return &E{C: c, Op: op, Err: cause} }

func (e *E) Error() string {
	s := string(e.C)
	if e.Op != "" {
		s = e.Op + ": " + s
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}
func (e *E) Unwrap() error { return e.Err }
func (e *E) Code() Code    { return e.C }

// Is lets errors.Is(err, errcode.FIFOFull) match a wrapped code.
func (e *E) Is(target error) bool {
	c, ok := target.(Code)
	return ok && c == e.C
}

// Of extracts a Code from an error, defaulting to Error.
func Of(err error) Code {
	if err == nil {
		return OK
	}
	if c, ok := err.(Code); ok {
		return c
	}
	type coder interface{ Code() Code }
	if x, ok := err.(coder); ok {
		return x.Code()
	}
	type unwrapper interface{ Unwrap() error }
	if u, ok := err.(unwrapper); ok {
		if inner := u.Unwrap(); inner != nil {
			if c := Of(inner); c != Error {
				return c
			}
		}
	}
	return Error
}
