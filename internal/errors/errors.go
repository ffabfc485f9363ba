// Package errors provides unified error handling with typed error codes.
// Codes travel across the gRPC boundary as an errdetails.ErrorInfo reason.
package errors

import (
	"fmt"
	"net/http"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Domain identifies errors originating from this service in ErrorInfo details.
const Domain = "livetranslator"

// Code classifies an AppError.
type Code int32

const (
	Unknown Code = iota
	Internal
	InvalidArgument
	NotFound
	Unavailable
	Timeout
	Cancelled
	CaptureFailed
	OCRFailed
	TranslateFailed
	RateLimited
	LanguageUnsupported
	ConfigInvalid
)

var codeNames = [...]string{
	Unknown:             "UNKNOWN",
	Internal:            "INTERNAL",
	InvalidArgument:     "INVALID_ARGUMENT",
	NotFound:            "NOT_FOUND",
	Unavailable:         "UNAVAILABLE",
	Timeout:             "TIMEOUT",
	Cancelled:           "CANCELLED",
	CaptureFailed:       "CAPTURE_FAILED",
	OCRFailed:           "OCR_FAILED",
	TranslateFailed:     "TRANSLATE_FAILED",
	RateLimited:         "RATE_LIMITED",
	LanguageUnsupported: "LANGUAGE_UNSUPPORTED",
	ConfigInvalid:       "CONFIG_INVALID",
}

func (c Code) String() string {
	if c >= 0 && int(c) < len(codeNames) {
		return codeNames[c]
	}
	return codeNames[Unknown]
}

// ParseCode maps a code name back to a Code; unknown names yield Unknown.
func ParseCode(name string) Code {
	for i, n := range codeNames {
		if n == name {
			return Code(i)
		}
	}
	return Unknown
}

var grpcCodeMap = map[Code]codes.Code{
	Unknown:             codes.Unknown,
	Internal:            codes.Internal,
	InvalidArgument:     codes.InvalidArgument,
	NotFound:            codes.NotFound,
	Unavailable:         codes.Unavailable,
	Timeout:             codes.DeadlineExceeded,
	Cancelled:           codes.Canceled,
	CaptureFailed:       codes.Unavailable,
	OCRFailed:           codes.Internal,
	TranslateFailed:     codes.Internal,
	RateLimited:         codes.ResourceExhausted,
	LanguageUnsupported: codes.InvalidArgument,
	ConfigInvalid:       codes.FailedPrecondition,
}

var httpStatusMap = map[Code]int{
	InvalidArgument:     http.StatusBadRequest,
	LanguageUnsupported: http.StatusBadRequest,
	NotFound:            http.StatusNotFound,
	Unavailable:         http.StatusServiceUnavailable,
	CaptureFailed:       http.StatusServiceUnavailable,
	Timeout:             http.StatusGatewayTimeout,
	RateLimited:         http.StatusTooManyRequests,
	ConfigInvalid:       http.StatusConflict,
}

// AppError is the base error type with structured error code and metadata.
type AppError struct {
	Code     Code
	Message  string
	Metadata map[string]string
	Cause    error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	s := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if len(e.Metadata) > 0 {
		s += fmt.Sprintf(" %v", e.Metadata)
	}
	if e.Cause != nil {
		s += fmt.Sprintf(" caused by: %v", e.Cause)
	}
	return s
}

// Unwrap returns the underlying cause for errors.Is/As.
func (e *AppError) Unwrap() error { return e.Cause }

// GRPCCode returns the corresponding gRPC status code.
func (e *AppError) GRPCCode() codes.Code {
	if c, ok := grpcCodeMap[e.Code]; ok {
		return c
	}
	return codes.Unknown
}

// HTTPStatus returns the HTTP status the presentation surface answers with.
func (e *AppError) HTTPStatus() int {
	if s, ok := httpStatusMap[e.Code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// GRPCStatus returns a gRPC status carrying an ErrorInfo detail.
func (e *AppError) GRPCStatus() *status.Status {
	st := status.New(e.GRPCCode(), e.Message)
	info := &errdetails.ErrorInfo{Reason: e.Code.String(), Domain: Domain, Metadata: e.Metadata}
	if withDetails, err := st.WithDetails(info); err == nil {
		return withDetails
	}
	return st
}

// New creates a new AppError with the given code and message.
func New(code Code, msg string) *AppError {
	return &AppError{Code: code, Message: msg}
}

// Newf creates a new AppError with formatted message.
func Newf(code Code, format string, args ...any) *AppError {
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps an existing error with an AppError.
func Wrap(err error, code Code, msg string) *AppError {
	return &AppError{Code: code, Message: msg, Cause: err}
}

// Wrapf wraps an existing error with formatted message.
func Wrapf(err error, code Code, format string, args ...any) *AppError {
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...), Cause: err}
}

// WithMetadata adds metadata to an AppError.
func (e *AppError) WithMetadata(key, value string) *AppError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]string)
	}
	e.Metadata[key] = value
	return e
}

// FromGRPCError extracts an AppError from a gRPC error. The gRPC error is
// kept as Cause so status-based retry classification still sees it.
func FromGRPCError(err error) *AppError {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return &AppError{Code: Unknown, Message: err.Error(), Cause: err}
	}

	for _, detail := range st.Details() {
		if info, ok := detail.(*errdetails.ErrorInfo); ok && info.GetDomain() == Domain {
			return &AppError{
				Code:     ParseCode(info.GetReason()),
				Message:  st.Message(),
				Metadata: info.GetMetadata(),
				Cause:    err,
			}
		}
	}

	return &AppError{Code: grpcToCode(st.Code()), Message: st.Message(), Cause: err}
}

// grpcToCode maps gRPC codes back to our error codes (best effort).
func grpcToCode(c codes.Code) Code {
	switch c {
	case codes.InvalidArgument:
		return InvalidArgument
	case codes.NotFound:
		return NotFound
	case codes.Unavailable:
		return Unavailable
	case codes.DeadlineExceeded:
		return Timeout
	case codes.Canceled:
		return Cancelled
	case codes.Internal:
		return Internal
	case codes.FailedPrecondition:
		return ConfigInvalid
	case codes.ResourceExhausted:
		return RateLimited
	default:
		return Unknown
	}
}

// As returns the first AppError in err's chain.
func As(err error) (*AppError, bool) {
	for err != nil {
		if appErr, ok := err.(*AppError); ok {
			return appErr, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return nil, false
		}
		err = u.Unwrap()
	}
	return nil, false
}

// IsCode checks if an error chain carries a specific error code.
func IsCode(err error, code Code) bool {
	appErr, ok := As(err)
	return ok && appErr.Code == code
}

// IsRetryable returns true if the error is potentially retryable.
func IsRetryable(err error) bool {
	appErr, ok := As(err)
	if !ok {
		return false
	}
	switch appErr.Code {
	case Unavailable, Timeout, RateLimited, CaptureFailed:
		return true
	default:
		return false
	}
}
