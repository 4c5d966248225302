package errors

import (
	stderrors "errors"
	"net/http"

	coreagg "github.com/aevon-lab/exactavg/internal/core/aggregation"
	"github.com/aevon-lab/exactavg/internal/core/numeric"
)

const (
	HttpInternalError          = "internal_error"
	HttpInvalidJsonError       = "invalid_json"
	HttpInvalidRequestError    = "invalid_request"
	HttpDuplicateEventError    = "duplicate_event"
	HttpInvalidInputShapeError = "invalid_input_shape"
	HttpPrecisionExceededError = "precision_exceeded"
	HttpCorruptStateError      = "corrupt_state"
	HttpNumericOverflowError   = "numeric_overflow"
	HttpRuleNotFoundError      = "rule_not_found"
)

// ErrorResponse is the error response body for all API errors.
type ErrorResponse struct {
	ErrorType string      `json:"error_type"`
	Message   string      `json:"message"`
	Details   interface{} `json:"details,omitempty"`
}

// FromAggregation maps an aggregation failure onto an HTTP status and body.
// Precision-exceeded responses carry the diagnostic numbers as details.
func FromAggregation(err error) (int, ErrorResponse) {
	var pe *coreagg.PrecisionExceededError
	switch {
	case stderrors.As(err, &pe):
		return http.StatusUnprocessableEntity, ErrorResponse{
			ErrorType: HttpPrecisionExceededError,
			Message:   pe.Error(),
			Details:   pe.Details(),
		}
	case stderrors.Is(err, coreagg.ErrInvalidInputShape):
		return http.StatusBadRequest, ErrorResponse{
			ErrorType: HttpInvalidInputShapeError,
			Message:   "Invalid input numeric shape",
			Details:   err.Error(),
		}
	case stderrors.Is(err, coreagg.ErrCorruptState):
		return http.StatusInternalServerError, ErrorResponse{
			ErrorType: HttpCorruptStateError,
			Message:   "Aggregation state is corrupt",
			Details:   err.Error(),
		}
	case stderrors.Is(err, coreagg.ErrRuleNotFound):
		return http.StatusNotFound, ErrorResponse{
			ErrorType: HttpRuleNotFoundError,
			Message:   "Unknown aggregation rule",
			Details:   err.Error(),
		}
	case stderrors.Is(err, numeric.ErrOverflow), stderrors.Is(err, coreagg.ErrCounterOverflow):
		return http.StatusUnprocessableEntity, ErrorResponse{
			ErrorType: HttpNumericOverflowError,
			Message:   "Result does not fit the planned output shape",
			Details:   err.Error(),
		}
	default:
		return http.StatusInternalServerError, ErrorResponse{
			ErrorType: HttpInternalError,
			Message:   "Aggregation failed",
			Details:   err.Error(),
		}
	}
}
