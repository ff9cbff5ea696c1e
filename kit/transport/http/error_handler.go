package http

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"

	"github.com/influxdata/agency/kit/platform/errors"
)

// ErrorCodeHeader carries the code of an *errors.Error on a response.
const ErrorCodeHeader = "X-Agency-Error-Code"

// ErrorHandler is the error handler in http package.
type ErrorHandler int

// HandleHTTPError writes err as a JSON error chain with the status that
// corresponds to its code. The code is repeated in the ErrorCodeHeader.
// Retryable errors also carry a Retry-After hint.
func (h ErrorHandler) HandleHTTPError(ctx context.Context, err error, w http.ResponseWriter) {
	if err == nil {
		return
	}

	code := errors.ErrorCode(err)
	var e *errors.Error
	if !stderrors.As(err, &e) || e == nil {
		e = &errors.Error{Code: code, Msg: "An internal error has occurred"}
	}

	w.Header().Set(ErrorCodeHeader, code)
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if errors.Retryable(err) {
		w.Header().Set("Retry-After", "1")
	}
	w.WriteHeader(StatusCode(err))
	_ = json.NewEncoder(w).Encode(e)
}

// StatusCode returns the HTTP status that corresponds to the code of err.
func StatusCode(err error) int {
	if c, ok := statusCodeError[errors.ErrorCode(err)]; ok {
		return c
	}
	return http.StatusBadRequest
}

// statusCodeError maps error codes to HTTP status codes.
var statusCodeError = map[string]int{
	errors.EInternal:     http.StatusInternalServerError,
	errors.EInvalid:      http.StatusBadRequest,
	errors.EConflict:     http.StatusUnprocessableEntity,
	errors.ENotFound:     http.StatusNotFound,
	errors.EUnavailable:  http.StatusServiceUnavailable,
	errors.ENotLeader:    http.StatusTemporaryRedirect,
	errors.ETimeout:      http.StatusGatewayTimeout,
	errors.ECompacted:    http.StatusGone,
	errors.EDivergent:    http.StatusConflict,
	errors.ECorrupt:      http.StatusInternalServerError,
	errors.EPrecondition: http.StatusPreconditionFailed,
}

// CheckError reads the error written by HandleHTTPError from resp.
// Returns nil for a 2xx response. Bodies that are not an error chain are
// reported with the code from the header, or one derived from the status.
func CheckError(resp *http.Response) error {
	if resp.StatusCode/100 == 2 {
		return nil
	}

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return &errors.Error{Code: errors.EUnavailable, Msg: resp.Status, Err: err}
	}

	e := new(errors.Error)
	if err := json.Unmarshal(b, e); err == nil && e.Code != "" {
		return e
	}

	code := resp.Header.Get(ErrorCodeHeader)
	if code == "" {
		code = codeFromStatus(resp.StatusCode)
	}
	return &errors.Error{Code: code, Msg: fmt.Sprintf("%s: %s", resp.Status, bytes.TrimSpace(b))}
}

func codeFromStatus(status int) string {
	switch status {
	case http.StatusServiceUnavailable, http.StatusBadGateway:
		return errors.EUnavailable
	case http.StatusGatewayTimeout:
		return errors.ETimeout
	case http.StatusNotFound:
		return errors.ENotFound
	}
	if status/100 == 4 {
		return errors.EInvalid
	}
	return errors.EInternal
}
