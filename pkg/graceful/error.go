package graceful

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sync"

	"go.uber.org/zap"
)

// ContextError is a typed failure carrying its kind, a message and the name
// of the operation it originated in.
type ContextError struct {
	Kind    Kind
	Message string
	Origin  string
	Cause   error
}

func (e *ContextError) Error() string {
	if e.Cause != nil && e.Cause.Error() != e.Message {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *ContextError) Unwrap() error { return e.Cause }

// WithOrigin sets the origin if none was recorded closer to the failure.
func (e *ContextError) WithOrigin(origin string) *ContextError {
	if e.Origin == "" {
		e.Origin = origin
	}
	return e
}

// Wire is the JSON body written for a failed request.
type Wire struct {
	Kind    string `json:"kind"`
	Origin  string `json:"origin"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// ToWire renders the error for the HTTP boundary.
func (e *ContextError) ToWire() Wire {
	return Wire{
		Kind:    e.Kind.String(),
		Origin:  e.Origin,
		Message: e.Message,
		Code:    e.Kind.Code(),
	}
}

// New creates a ContextError without a cause.
func New(kind Kind, msg string) *ContextError {
	return &ContextError{Kind: kind, Message: msg}
}

// Newf creates a ContextError with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *ContextError {
	return New(kind, fmt.Sprintf(format, args...))
}

// WrapErr creates a ContextError around cause. An empty msg reuses the cause's text.
func WrapErr(kind Kind, msg string, cause error) *ContextError {
	if msg == "" && cause != nil {
		msg = cause.Error()
	}
	return &ContextError{Kind: kind, Message: msg, Cause: cause}
}

// LogAndWrap logs the failure and returns it as a ContextError.
func LogAndWrap(log *zap.Logger, kind Kind, msg string, cause error, fields ...zap.Field) *ContextError {
	ce := WrapErr(kind, msg, cause)
	if log != nil {
		fields = append(fields, zap.String("kind", kind.String()))
		if cause != nil {
			fields = append(fields, zap.Error(cause))
		}
		log.Error(msg, fields...)
	}
	return ce
}

// KindOf reports the kind of err. Errors outside the taxonomy are Unknown.
func KindOf(err error) Kind {
	var ce *ContextError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return Unknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// FromError converts any error into a ContextError. Registered sentinels map
// to their kind; everything else becomes Unknown with the message preserved.
// A typed error is copied, so shared sentinels never pick up an origin.
func FromError(err error, origin string) *ContextError {
	if err == nil {
		return nil
	}
	var ce *ContextError
	if errors.As(err, &ce) {
		cp := *ce
		return cp.WithOrigin(origin)
	}
	return MapAndWrapErr(err, Unknown).WithOrigin(origin)
}

// ErrorMapEntry maps a sentinel error to a kind.
type ErrorMapEntry struct {
	Kind    Kind
	Message string
}

var (
	errorMapMu sync.RWMutex
	errorMap   = map[error]ErrorMapEntry{
		fs.ErrNotExist:   {Kind: NotFound},
		context.Canceled: {Kind: StoppedByUser},
	}
)

// RegisterErrorMap adds sentinel mappings used by MapAndWrapErr.
func RegisterErrorMap(mappings map[error]ErrorMapEntry) {
	errorMapMu.Lock()
	defer errorMapMu.Unlock()
	for k, v := range mappings {
		errorMap[k] = v
	}
}

// MapAndWrapErr maps err to a registered kind if any, else uses fallback.
func MapAndWrapErr(err error, fallback Kind) *ContextError {
	errorMapMu.RLock()
	defer errorMapMu.RUnlock()
	for target, entry := range errorMap {
		if errors.Is(err, target) {
			return WrapErr(entry.Kind, entry.Message, err)
		}
	}
	return WrapErr(fallback, "", err)
}

// Recover converts a panic value into a ContextError of the given kind.
func Recover(kind Kind, r interface{}) *ContextError {
	if err, ok := r.(error); ok {
		return WrapErr(kind, err.Error(), err)
	}
	return New(kind, fmt.Sprint(r))
}
