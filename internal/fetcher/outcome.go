package fetcher

import (
	"fmt"
	"net/http"
)

// OutcomeKind classifies a single HTTP attempt.
type OutcomeKind int

const (
	// OutcomeSuccess is any 2xx response.
	OutcomeSuccess OutcomeKind = iota
	// OutcomeNotFound is an HTTP 404.
	OutcomeNotFound
	// OutcomeServerOrBlocked is any other non-2xx response.
	OutcomeServerOrBlocked
	// OutcomeTransportError is a network-level failure with no HTTP response.
	OutcomeTransportError
)

var outcomeKindNames = map[OutcomeKind]string{
	OutcomeSuccess:         "success",
	OutcomeNotFound:        "not_found",
	OutcomeServerOrBlocked: "server_or_blocked",
	OutcomeTransportError:  "transport_error",
}

func (kind OutcomeKind) String() string {
	if name, exists := outcomeKindNames[kind]; exists {
		return name
	}
	return fmt.Sprintf("outcome(%d)", int(kind))
}

// Outcome is the tagged result of one HTTP attempt.
// Body is populated for every kind that received a response; Err only for OutcomeTransportError.
type Outcome struct {
	Kind       OutcomeKind
	StatusCode int
	Body       []byte
	Err        error
}

// OK reports whether the attempt produced a 2xx response.
func (outcome Outcome) OK() bool {
	return outcome.Kind == OutcomeSuccess
}

// Text returns the body as a string.
func (outcome Outcome) Text() string {
	return string(outcome.Body)
}

// ClassifyStatus maps an HTTP status code onto an OutcomeKind.
func ClassifyStatus(statusCode int) OutcomeKind {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return OutcomeSuccess
	case statusCode == http.StatusNotFound:
		return OutcomeNotFound
	default:
		return OutcomeServerOrBlocked
	}
}

// Success builds a 2xx outcome. Tests use these constructors to script fake fetchers.
func Success(statusCode int, body string) Outcome {
	return Outcome{Kind: OutcomeSuccess, StatusCode: statusCode, Body: []byte(body)}
}

// NotFound builds a 404 outcome.
func NotFound() Outcome {
	return Outcome{Kind: OutcomeNotFound, StatusCode: http.StatusNotFound}
}

// ServerOrBlocked builds a non-2xx, non-404 outcome.
func ServerOrBlocked(statusCode int, body string) Outcome {
	return Outcome{Kind: OutcomeServerOrBlocked, StatusCode: statusCode, Body: []byte(body)}
}

// TransportError builds an outcome for a request that never produced a response.
func TransportError(cause error) Outcome {
	return Outcome{Kind: OutcomeTransportError, Err: cause}
}
