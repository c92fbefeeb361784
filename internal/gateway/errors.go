package gateway

import (
	"fmt"
	"net/http"

	"github.com/lmst/attendance-admin-client/internal/authapi"
)

// Error is a failed gateway call. Err is the transport cause or the parsed
// API error; Session is set when a 401 could not be recovered.
type Error struct {
	Method     string
	URL        string
	StatusCode int
	Body       []byte
	Retried    bool
	Err        error
	Session    error
}

func newError(c *Call, status int, body []byte, cause error) *Error {
	e := &Error{StatusCode: status, Body: body, Retried: c.Retried, Err: cause}
	if c.Req != nil {
		e.Method = c.Req.Method
		e.URL = c.Req.URL.String()
	}
	if cause == nil && status != 0 {
		e.Err = authapi.ParseError(status, body)
	}
	return e
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s %s", e.Method, e.URL)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(": status %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Session != nil {
		msg += ": " + e.Session.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	if e.Session != nil {
		errs = append(errs, e.Session)
	}
	return errs
}

// ResolveMessage picks user-facing text for err: the server message, then
// the first validation error, then fallback.
func ResolveMessage(err error, fallback string) string {
	return authapi.ResolveMessage(err, fallback)
}
