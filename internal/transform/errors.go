package transform

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrSizeLimitExceeded = errors.New("image exceeds size limit")
	ErrUnsupportedSource = errors.New("unsupported source image")
	ErrEncodeFailure     = errors.New("could not encode image")
)

// Error is a fatal transform failure. Kind is one of the sentinel errors
// above, so callers can classify with errors.Is.
type Error struct {
	Kind   error
	Detail string
	Err    error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.Error())
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func fail(kind error, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...), Err: err}
}

// Message renders err the way clients see it.
func Message(err error) string {
	if err == nil {
		return ""
	}
	return "Error: " + err.Error()
}
