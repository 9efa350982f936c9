// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package download

import (
	"errors"
	"fmt"

	"github.com/ManuGH/segflow/internal/fragment"
)

// Kind classifies a failed attempt.
type Kind int

const (
	KindConnectTimeout Kind = iota + 1
	KindDeadConnection
	KindHTTPStatus
	KindNetwork
	KindAborted
	KindExceededRetries
)

func (k Kind) String() string {
	switch k {
	case KindConnectTimeout:
		return "ConnectTimeout"
	case KindDeadConnection:
		return "DeadConnection"
	case KindHTTPStatus:
		return "HttpStatus"
	case KindNetwork:
		return "NetworkError"
	case KindAborted:
		return "Aborted"
	case KindExceededRetries:
		return "ExceededRetries"
	default:
		return "unknown"
	}
}

var (
	// ErrExceededRetries matches the terminal error of a fetch whose
	// attempt budget is spent.
	ErrExceededRetries = errors.New("exceeded retries")
	// ErrNilRequest is reported for a Load without request.
	ErrNilRequest = errors.New("request is nil")
)

// Error describes a failed attempt or the terminal failure of a fetch.
type Error struct {
	Kind    Kind
	Request *fragment.Request
	Status  int
	Detail  string
	Err     error
}

func (e *Error) Error() string {
	msg := "download"
	if e.Request != nil {
		msg = fmt.Sprintf("download %s %s #%d", e.Request.MediaType, e.Request.Type, e.Request.Index)
	}
	msg += ": " + e.Kind.String()
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Detail != "" {
		msg += " (" + e.Detail + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrExceededRetries) match terminal errors.
func (e *Error) Is(target error) bool {
	return target == ErrExceededRetries && e.Kind == KindExceededRetries
}

// LastAttemptError returns the attempt error wrapped by a terminal error.
func LastAttemptError(err error) *Error {
	var terminal *Error
	if !errors.As(err, &terminal) {
		return nil
	}
	var attempt *Error
	if terminal.Kind == KindExceededRetries && errors.As(terminal.Err, &attempt) {
		return attempt
	}
	return terminal
}
