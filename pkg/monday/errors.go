package monday

import (
	"fmt"
	"net/http"
	"strings"
)

// TransportError is returned for any failed exchange with the remote API:
// network failure, a non-200 status, a payload that does not decode, or a
// payload carrying an error list.
type TransportError struct {
	Op         string
	StatusCode int
	Messages   []string
	Err        error
}

func (e *TransportError) Error() string {
	var b strings.Builder
	b.WriteString("monday ")
	b.WriteString(e.Op)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, ": status %d", e.StatusCode)
	}
	if len(e.Messages) > 0 {
		b.WriteString(": ")
		b.WriteString(strings.Join(e.Messages, "; "))
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *TransportError) Unwrap() error { return e.Err }

// Retryable reports whether repeating the same request may succeed: network
// failures, rate limiting and server errors.
func (e *TransportError) Retryable() bool {
	if e.StatusCode == 0 {
		return e.Err != nil && len(e.Messages) == 0
	}
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}
