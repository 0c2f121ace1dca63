package gateway

import (
	"errors"
	"fmt"
)

// Kind classifies a gateway failure.
type Kind string

const (
	KindNetwork     Kind = "network"
	KindAuth        Kind = "auth"
	KindRejected    Kind = "rejected"
	KindUnavailable Kind = "unavailable"
)

// Sentinels matched with errors.Is against *Error.
var (
	ErrNetwork            = errors.New("gateway network error")
	ErrAuth               = errors.New("gateway authentication failed")
	ErrProviderRejected   = errors.New("payer rejected the request")
	ErrGatewayUnavailable = errors.New("payer gateway unavailable")
)

// Error is returned by every gateway call that did not produce a result.
type Error struct {
	Kind       Kind
	Payer      string
	Op         string
	StatusCode int
	Detail     string
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s %s: %s", e.Payer, e.Op, e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (HTTP %d)", e.StatusCode)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	switch target {
	case ErrNetwork:
		return e.Kind == KindNetwork
	case ErrAuth:
		return e.Kind == KindAuth
	case ErrProviderRejected:
		return e.Kind == KindRejected
	case ErrGatewayUnavailable:
		return e.Kind == KindUnavailable
	}
	return false
}

// kindForStatus maps a non-2xx status code to a failure kind.
func kindForStatus(code int) Kind {
	switch {
	case code == 401 || code == 403:
		return KindAuth
	case code == 429 || code >= 500:
		return KindUnavailable
	case code >= 400:
		return KindRejected
	}
	return KindUnavailable
}
