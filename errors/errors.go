package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/cenkalti/backoff/v4"
	"github.com/clipforge/clipforge-api/log"
	"github.com/xeipuuv/gojsonschema"
)

type apiError struct {
	Msg    string `json:"message"`
	Status int    `json:"status"`
	Err    error  `json:"-"`
}

func writeHttpError(w http.ResponseWriter, msg string, status int, err error) apiError {
	var errorDetail string
	if err != nil {
		errorDetail = err.Error()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]any{"code": status, "detail": msg, "error_detail": errorDetail}); err != nil {
		log.LogNoRequestID("error writing HTTP error", "http_error_msg", msg, "error", err)
	}

	return apiError{msg, status, err}
}

// HTTP Errors
func WriteHTTPUnauthorized(w http.ResponseWriter, msg string, err error) apiError {
	return writeHttpError(w, msg, http.StatusUnauthorized, err)
}

func WriteHTTPBadRequest(w http.ResponseWriter, msg string, err error) apiError {
	return writeHttpError(w, msg, http.StatusBadRequest, err)
}

func WriteHTTPNotFound(w http.ResponseWriter, msg string, err error) apiError {
	return writeHttpError(w, msg, http.StatusNotFound, err)
}

func WriteHTTPUnprocessableEntity(w http.ResponseWriter, msg string, err error) apiError {
	return writeHttpError(w, msg, http.StatusUnprocessableEntity, err)
}

func WriteHTTPUnsupportedMediaType(w http.ResponseWriter, msg string, err error) apiError {
	return writeHttpError(w, msg, http.StatusUnsupportedMediaType, err)
}

func WriteHTTPServiceUnavailable(w http.ResponseWriter, msg string, err error) apiError {
	return writeHttpError(w, msg, http.StatusServiceUnavailable, err)
}

func WriteHTTPInternalServerError(w http.ResponseWriter, msg string, err error) apiError {
	return writeHttpError(w, msg, http.StatusInternalServerError, err)
}

func WriteHTTPBadBodySchema(where string, w http.ResponseWriter, errors []gojsonschema.ResultError) apiError {
	sb := strings.Builder{}
	sb.WriteString("Body validation error in ")
	sb.WriteString(where)
	sb.WriteString(" ")
	for i := 0; i < len(errors); i++ {
		sb.WriteString(errors[i].String())
		sb.WriteString(" ")
	}
	return writeHttpError(w, sb.String(), http.StatusBadRequest, nil)
}

// ObjectNotFoundError is a missing domain row or object store artifact. It is
// never retried.
type ObjectNotFoundError struct {
	msg string
	err error
}

func (e ObjectNotFoundError) Error() string { return e.msg }

func (e ObjectNotFoundError) Unwrap() error { return e.err }

func NewObjectNotFoundError(msg string, err error) error {
	if err != nil {
		msg = fmt.Sprintf("ObjectNotFoundError: %s: %s", msg, err)
	} else {
		msg = fmt.Sprintf("ObjectNotFoundError: %s", msg)
	}
	return ObjectNotFoundError{msg: msg, err: err}
}

func IsObjectNotFound(err error) bool {
	return errors.As(err, &ObjectNotFoundError{})
}

// ValidationError is a rejected user input (bad time strings, bad plan, bad
// path). Never retried.
type ValidationError struct {
	msg string
	err error
}

func (e ValidationError) Error() string { return e.msg }

func (e ValidationError) Unwrap() error { return e.err }

func NewValidationError(msg string, err error) error {
	if err != nil {
		msg = fmt.Sprintf("ValidationError: %s: %s", msg, err)
	} else {
		msg = fmt.Sprintf("ValidationError: %s", msg)
	}
	return ValidationError{msg: msg, err: err}
}

func IsValidation(err error) bool {
	return errors.As(err, &ValidationError{})
}

// UpstreamError covers the ASR and editor backends. Unavailable means the
// backend could not be reached or timed out and the call may be retried;
// a protocol error means it answered with something we cannot use.
type UpstreamError struct {
	Service     string
	msg         string
	err         error
	unavailable bool
}

func (e UpstreamError) Error() string { return e.msg }

func (e UpstreamError) Unwrap() error { return e.err }

func NewUpstreamUnavailableError(service string, err error) error {
	return UpstreamError{
		Service:     service,
		msg:         fmt.Sprintf("UpstreamUnavailable: %s: %s", service, err),
		err:         err,
		unavailable: true,
	}
}

func NewUpstreamProtocolError(service string, err error) error {
	return UpstreamError{
		Service: service,
		msg:     fmt.Sprintf("UpstreamProtocolError: %s: %s", service, err),
		err:     err,
	}
}

func IsUpstreamUnavailable(err error) bool {
	var ue UpstreamError
	return errors.As(err, &ue) && ue.unavailable
}

func IsUpstreamProtocol(err error) bool {
	var ue UpstreamError
	return errors.As(err, &ue) && !ue.unavailable
}

// RecoverableDownloadError marks a yt-dlp failure whose output artifact still
// validated. The download worker logs it as a warning and proceeds.
type RecoverableDownloadError struct {
	msg string
	err error
}

func (e RecoverableDownloadError) Error() string { return e.msg }

func (e RecoverableDownloadError) Unwrap() error { return e.err }

func NewRecoverableDownloadError(msg string, err error) error {
	return RecoverableDownloadError{msg: fmt.Sprintf("RecoverableDownloadError: %s", msg), err: err}
}

func IsRecoverableDownload(err error) bool {
	return errors.As(err, &RecoverableDownloadError{})
}

type unretriableError struct{ error }

// Unretriable marks an error as final so backoff retry loops stop early.
func Unretriable(err error) error {
	return unretriableError{err}
}

func (e unretriableError) Unwrap() error {
	return backoff.Permanent(e.error)
}

func IsUnretriable(err error) bool {
	return IsObjectNotFound(err) ||
		IsValidation(err) ||
		IsUpstreamProtocol(err) ||
		errors.As(err, &unretriableError{})
}
