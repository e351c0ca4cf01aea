package transport

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/Replicant-Partners/Chrysalis/internal/codec"
)

// ErrorCode categorizes transport failures.
type ErrorCode string

const (
	// CodeConnectionFailed means the peer could not be reached at all.
	CodeConnectionFailed ErrorCode = "CONNECTION_FAILED"

	// CodeSendFailed means the peer was reached but did not accept the message.
	CodeSendFailed ErrorCode = "SEND_FAILED"

	// CodeReceiveFailed means an inbound message could not be queued.
	CodeReceiveFailed ErrorCode = "RECEIVE_FAILED"

	// CodeTimeout means the operation ran past its deadline.
	CodeTimeout ErrorCode = "TIMEOUT"

	// CodeNotConnected means a duplex send found no open connection.
	CodeNotConnected ErrorCode = "NOT_CONNECTED"

	// CodeSerialization means a frame could not be encoded or decoded.
	CodeSerialization ErrorCode = "SERIALIZATION"

	// CodeMessageTooLarge means a frame exceeded the configured size.
	CodeMessageTooLarge ErrorCode = "MESSAGE_TOO_LARGE"
)

// ErrorCodes lists every code, used for metric label pre-registration.
var ErrorCodes = []ErrorCode{
	CodeConnectionFailed,
	CodeSendFailed,
	CodeReceiveFailed,
	CodeTimeout,
	CodeNotConnected,
	CodeSerialization,
	CodeMessageTooLarge,
}

var (
	// ErrClosed is wrapped by operations on a closed transport.
	ErrClosed = errors.New("transport closed")

	// ErrInboxFull is wrapped when an inbound message is dropped because
	// the inbox is at capacity.
	ErrInboxFull = errors.New("inbox full")

	// ErrRateLimited is wrapped when an inbound message is dropped by the
	// inbound rate limit.
	ErrRateLimited = errors.New("inbound rate limited")
)

// Error is a transport failure against one address.
//
// Transport errors are expected: the gossip loop records them against the
// peer and retries on a later round.
type Error struct {
	// Code identifies the error category.
	Code ErrorCode

	// Address is the peer address involved, if any.
	Address string

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Address != "" {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Address, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

func newError(code ErrorCode, address string, err error) *Error {
	return &Error{Code: code, Address: address, Err: err}
}

// Code returns the ErrorCode carried by err, or "" when err is not a
// transport error. Uses errors.As to handle wrapped errors.
func Code(err error) ErrorCode {
	var te *Error
	if errors.As(err, &te) {
		return te.Code
	}
	return ""
}

// IsTimeout reports whether err is a timeout, coded or raw.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if Code(err) == CodeTimeout || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// classify wraps a raw network error with the code that best describes it.
// Errors already coded pass through unchanged.
func classify(address string, fallback ErrorCode, err error) *Error {
	var te *Error
	if errors.As(err, &te) {
		return te
	}
	switch {
	case IsTimeout(err):
		return newError(CodeTimeout, address, err)
	case errors.Is(err, codec.ErrTooLarge):
		return newError(CodeMessageTooLarge, address, err)
	default:
		return newError(fallback, address, err)
	}
}

// encodeError codes a failure returned by codec.Encode or codec.Decode.
func encodeError(address string, err error) *Error {
	if errors.Is(err, codec.ErrTooLarge) {
		return newError(CodeMessageTooLarge, address, err)
	}
	return newError(CodeSerialization, address, err)
}
