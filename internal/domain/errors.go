package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Error codes for categorization
const (
	// Transient/retryable
	ErrCodeScrape   = "SCRAPE_ERROR"
	ErrCodeProvider = "PROVIDER_ERROR"

	// Content-shape errors (model output problems, recovered by resubmitting
	// a corrective message)
	ErrCodeNotJSON             = "NOT_JSON"
	ErrCodeSchema              = "SCHEMA_VIOLATION"
	ErrCodeConfused            = "CONFUSED"
	ErrCodeUnansweredFields    = "UNANSWERED_FIELDS"
	ErrCodeAnswerNotNumeric    = "ANSWER_NOT_NUMERIC"
	ErrCodeSelectAnswerNumeric = "SELECT_ANSWER_NUMERIC"
	ErrCodeSelectAnswerUnknown = "SELECT_ANSWER_UNKNOWN"

	// Fatal-for-run
	ErrCodeFieldNotFound   = "FIELD_NOT_FOUND"
	ErrCodeMaterialization = "MATERIALIZATION_ERROR"
	ErrCodeAbandoned       = "ABANDONED"
	ErrCodeStuckPage       = "STUCK_PAGE"
	ErrCodeRetriesExceeded = "RETRIES_EXCEEDED"

	// Programming-contract violations
	ErrCodeMissingChoices = "MISSING_CHOICES"
)

// FailureReason names the phase in which a bot run failed.
type FailureReason string

const (
	FailureStart     FailureReason = "start"
	FailureMiddle    FailureReason = "middle"
	FailureEnd       FailureReason = "end"
	FailureAbandoned FailureReason = "abandoned"
)

// BotError is the base error type for all bot run errors.
type BotError struct {
	Code    string
	Message string
	// Fields names the field ids involved, when the error concerns
	// specific form fields.
	Fields    []string
	Retryable bool
	Cause     error
}

// Error implements the error interface.
func (e *BotError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if len(e.Fields) > 0 {
		msg += ": " + strings.Join(e.Fields, ", ")
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *BotError) Unwrap() error {
	return e.Cause
}

// CodeOf returns the error code of err, or "" if err is not a BotError.
func CodeOf(err error) string {
	var be *BotError
	if errors.As(err, &be) {
		return be.Code
	}
	return ""
}

// IsRetryable reports whether err is a transient error worth retrying.
func IsRetryable(err error) bool {
	var be *BotError
	if errors.As(err, &be) {
		return be.Retryable
	}
	return false
}

// NewScrapeError wraps a transient navigation or DOM error.
func NewScrapeError(url string, cause error) *BotError {
	return &BotError{
		Code:      ErrCodeScrape,
		Message:   fmt.Sprintf("scanning %s", url),
		Retryable: true,
		Cause:     cause,
	}
}

// NewProviderError wraps a completion provider failure.
func NewProviderError(cause error) *BotError {
	return &BotError{
		Code:      ErrCodeProvider,
		Message:   "completion request failed",
		Retryable: true,
		Cause:     cause,
	}
}

// NewNotJSONError reports model output that carries no parseable JSON object.
func NewNotJSONError(cause error) *BotError {
	return &BotError{
		Code:    ErrCodeNotJSON,
		Message: "response contains no valid JSON object",
		Cause:   cause,
	}
}

// NewSchemaError reports a structural violation of the expected response shape.
func NewSchemaError(detail string) *BotError {
	return &BotError{Code: ErrCodeSchema, Message: detail}
}

// NewConfusedError reports a response with the confused flag raised.
func NewConfusedError() *BotError {
	return &BotError{Code: ErrCodeConfused, Message: "model reported confusion"}
}

// NewUnansweredFieldsError names the field ids missing from a response.
func NewUnansweredFieldsError(ids []string) *BotError {
	return &BotError{
		Code:    ErrCodeUnansweredFields,
		Message: "response is missing answers for fields",
		Fields:  ids,
	}
}

// NewAnswerNotNumericError reports a numeric field answered with text that
// carries no numeric token.
func NewAnswerNotNumericError(id string) *BotError {
	return &BotError{
		Code:    ErrCodeAnswerNotNumeric,
		Message: "answer carries no numeric value",
		Fields:  []string{id},
	}
}

// NewSelectAnswerNumericError reports a choice field answered with an
// out-of-range index.
func NewSelectAnswerNumericError(id string) *BotError {
	return &BotError{
		Code:    ErrCodeSelectAnswerNumeric,
		Message: "choice answer index is out of range",
		Fields:  []string{id},
	}
}

// NewSelectAnswerUnknownError reports a choice field answered with a value
// that matches no enumerated choice.
func NewSelectAnswerUnknownError(id string) *BotError {
	return &BotError{
		Code:    ErrCodeSelectAnswerUnknown,
		Message: "choice answer matches no listed option",
		Fields:  []string{id},
	}
}

// NewFieldNotFoundError reports a scanned field that could not be located
// again when writing the answer.
func NewFieldNotFoundError(id string, cause error) *BotError {
	return &BotError{
		Code:    ErrCodeFieldNotFound,
		Message: "field not found on page",
		Fields:  []string{id},
		Cause:   cause,
	}
}

// NewMaterializationError reports a failure writing a validated answer into
// its form control.
func NewMaterializationError(id string, cause error) *BotError {
	return &BotError{
		Code:    ErrCodeMaterialization,
		Message: "writing answer to field",
		Fields:  []string{id},
		Cause:   cause,
	}
}

// NewMissingChoicesError reports a choice field descriptor without choices.
// This indicates a scanner defect, not a recoverable runtime condition.
func NewMissingChoicesError(id string) *BotError {
	return &BotError{
		Code:    ErrCodeMissingChoices,
		Message: "choice field has no enumerated choices",
		Fields:  []string{id},
	}
}
