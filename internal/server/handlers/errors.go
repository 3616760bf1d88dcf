package handlers

import (
	"errors"
	"net/http"

	"github.com/bmatcuk/doublestar/v4"
	gferrors "github.com/fulmenhq/gofulmen/errors"

	"github.com/3leaps/jobtrail/internal/server/middleware"
	"github.com/3leaps/jobtrail/pkg/batch"
	"github.com/3leaps/jobtrail/pkg/metric"
	"github.com/3leaps/jobtrail/pkg/workflow"
)

// ErrorResponder writes an error reply.
type ErrorResponder func(w http.ResponseWriter, r *http.Request, err error)

var httpErrorResponder ErrorResponder = defaultErrorResponder

// SetHTTPErrorResponder replaces the error responder. Nil restores the default.
func SetHTTPErrorResponder(fn ErrorResponder) {
	if fn == nil {
		fn = defaultErrorResponder
	}
	httpErrorResponder = fn
}

// ResetHTTPErrorResponder restores the default error responder.
func ResetHTTPErrorResponder() {
	httpErrorResponder = defaultErrorResponder
}

func respondWithError(w http.ResponseWriter, r *http.Request, err error) {
	httpErrorResponder(w, r, err)
}

// requestError marks a malformed request parameter.
type requestError struct {
	msg string
}

func (e *requestError) Error() string { return e.msg }

func badRequest(msg string) error {
	return &requestError{msg: msg}
}

// Classify maps an error onto an HTTP status and envelope code.
func Classify(err error) (int, string) {
	var reqErr *requestError
	switch {
	case errors.As(err, &reqErr):
		return http.StatusBadRequest, "BAD_REQUEST"
	case workflow.IsNotFound(err):
		return http.StatusNotFound, "NOT_FOUND"
	case workflow.IsInvalidTransition(err):
		return http.StatusConflict, "INVALID_TRANSITION"
	case workflow.IsConflict(err):
		return http.StatusConflict, "UPDATE_CONFLICT"
	case workflow.IsDuplicate(err):
		return http.StatusConflict, "DUPLICATE"
	case errors.Is(err, workflow.ErrArchivedJob), errors.Is(err, workflow.ErrInstanceCapacityExceeded):
		return http.StatusConflict, "JOB_CLOSED"
	case errors.Is(err, workflow.ErrEmptySeries),
		errors.Is(err, workflow.ErrInsufficientHistory),
		errors.Is(err, workflow.ErrZeroWallTime),
		errors.Is(err, metric.ErrCompositeValue):
		return http.StatusUnprocessableEntity, "NO_DATA"
	case errors.Is(err, workflow.ErrUnsupportedStatus),
		errors.Is(err, workflow.ErrUnsupportedMinorStatus),
		errors.Is(err, workflow.ErrUnsupportedMetricKey),
		errors.Is(err, workflow.ErrMalformedBody),
		errors.Is(err, metric.ErrInvalidBins),
		errors.Is(err, doublestar.ErrBadPattern),
		errors.Is(err, batch.ErrInvalidExecutionName),
		errors.Is(err, batch.ErrUnknownBatchStatus):
		return http.StatusBadRequest, "BAD_REQUEST"
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR"
	}
}

func defaultErrorResponder(w http.ResponseWriter, r *http.Request, err error) {
	status, code := Classify(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	middleware.WriteEnvelope(w, r, status, gferrors.NewErrorEnvelope(code, msg))
}
