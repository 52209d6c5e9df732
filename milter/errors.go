package milter

import (
	"errors"
	"io"
	"net"

	"github.com/bobobo1618/mail-server/internal/wire"
)

// Kind classifies why a milter client operation failed, so a caller (the
// SMTP session) can decide how to answer its own client without parsing
// error strings.
type Kind int

const (
	// KindUnknown is used when no more specific classification applies.
	KindUnknown Kind = iota
	// KindTimeout means a read or write exceeded its configured deadline.
	KindTimeout
	// KindIO covers any other network I/O failure.
	KindIO
	// KindDisconnected means the peer closed the connection.
	KindDisconnected
	// KindFrameInvalid means a frame could not be parsed (bad code, short data).
	KindFrameInvalid
	// KindFrameTooLarge means a frame's advertised length exceeded the configured ceiling.
	KindFrameTooLarge
	// KindUnexpected means the peer sent a syntactically valid but
	// out-of-sequence or unsupported response.
	KindUnexpected
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindIO:
		return "io"
	case KindDisconnected:
		return "disconnected"
	case KindFrameInvalid:
		return "frame invalid"
	case KindFrameTooLarge:
		return "frame too large"
	case KindUnexpected:
		return "unexpected"
	default:
		return "unknown"
	}
}

// Error pairs a Kind with the error a ClientSession phase method returned;
// AsError builds one. Err is always non-nil and, via errors.Unwrap, exposes
// the underlying cause (a *net.OpError, io.EOF, wire.ErrTooLarge, ...).
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return e.Kind.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ClassifyErr inspects err (as returned from a frame read/write) and
// produces the Kind a caller should branch on. An err that matches none of
// the cases below (for example WritePacket's nil-message error) yields
// KindUnknown.
func ClassifyErr(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	if errors.Is(err, wire.ErrTooLarge) {
		return KindFrameTooLarge
	}
	if errors.Is(err, wire.ErrEmptyFrame) {
		return KindFrameInvalid
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return KindDisconnected
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return KindIO
	}
	return KindUnknown
}

// AsError wraps err (if non-nil) as an *Error classified via ClassifyErr.
// It returns nil for a nil err.
func AsError(err error) error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) {
		return existing
	}
	return &Error{Kind: ClassifyErr(err), Err: err}
}

// ErrUnexpectedResponse marks an Action that arrived syntactically valid but
// out of the sequence a ClientSession permits (e.g. an unsolicited Skip).
var ErrUnexpectedResponse = errors.New("milter: unexpected response")
