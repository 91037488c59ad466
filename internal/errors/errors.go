package errors

import (
	"errors"
	"fmt"
)

type ErrorKind int

const (
	KindCorruptPacket ErrorKind = iota
	KindTimeout
	KindFileNotFound
	KindIOError
	KindMalformedRequest
	KindSocketFatal
	KindRetryExhausted
)

func (k ErrorKind) String() string {
	switch k {
	case KindCorruptPacket:
		return "corrupt packet"
	case KindTimeout:
		return "timeout"
	case KindFileNotFound:
		return "file not found"
	case KindIOError:
		return "io error"
	case KindMalformedRequest:
		return "malformed request"
	case KindSocketFatal:
		return "socket fatal"
	case KindRetryExhausted:
		return "retry exhausted"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Sentinels for errors.Is. An *AppError matches the sentinel of its kind.
var (
	ErrCorruptPacket    = &AppError{Kind: KindCorruptPacket, Message: "corrupt packet"}
	ErrTimeout          = &AppError{Kind: KindTimeout, Message: "timeout"}
	ErrFileNotFound     = &AppError{Kind: KindFileNotFound, Message: "file not found"}
	ErrIO               = &AppError{Kind: KindIOError, Message: "io error"}
	ErrMalformedRequest = &AppError{Kind: KindMalformedRequest, Message: "malformed request"}
	ErrSocketFatal      = &AppError{Kind: KindSocketFatal, Message: "socket fatal"}
	ErrRetryExhausted   = &AppError{Kind: KindRetryExhausted, Message: "retry exhausted"}
)

type AppError struct {
	Kind    ErrorKind
	Source  string
	Message string
	Err     error
}

func (e *AppError) Error() string {
	msg := e.Message
	if e.Source != "" {
		msg = e.Source + ": " + msg
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *AppError) Unwrap() error { return e.Err }

func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func NewError(kind ErrorKind, source string, msg string, err error) *AppError {
	return &AppError{
		Kind:    kind,
		Source:  source,
		Message: msg,
		Err:     err,
	}
}

func Corrupt(source, msg string) error {
	return NewError(KindCorruptPacket, source, msg, nil)
}

func SocketFatal(source string, err error) error {
	return NewError(KindSocketFatal, source, "socket error", err)
}

func RetryExhausted(source string, attempts int) error {
	return NewError(KindRetryExhausted, source, fmt.Sprintf("no progress after %d retransmissions", attempts), nil)
}

func FileNotFound(source, name string) error {
	return NewError(KindFileNotFound, source, fmt.Sprintf("file %q not found", name), nil)
}

func IO(source string, err error) error {
	return NewError(KindIOError, source, "io failure", err)
}

func Malformed(source, msg string) error {
	return NewError(KindMalformedRequest, source, msg, nil)
}

// KindOf reports the kind of the first *AppError in err's chain.
func KindOf(err error) (ErrorKind, bool) {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Kind, true
	}
	return 0, false
}
