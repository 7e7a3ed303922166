// Package errors provides the structured error taxonomy shared by the route
// tree, the rendering engine, the worker pool and the prerender pipeline.
//
// Every error carries a Type that tells callers how to propagate it:
// configuration errors fail fast, render errors are collected per route,
// cancellation is reported distinctly from render failures, and lifecycle
// errors are logged without masking a successful result.
package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorType represents different categories of errors.
type ErrorType string

const (
	ErrorTypeConfig     ErrorType = "config"
	ErrorTypeRender     ErrorType = "render"
	ErrorTypeCancelled  ErrorType = "cancelled"
	ErrorTypeLifecycle  ErrorType = "lifecycle"
	ErrorTypeCapability ErrorType = "capability"
	ErrorTypeNotFound   ErrorType = "not_found"
	ErrorTypeInternal   ErrorType = "internal"
)

// Common error codes.
const (
	ErrCodeManifestInvalid  = "ERR_MANIFEST_INVALID"
	ErrCodeRouteConflict    = "ERR_ROUTE_CONFLICT"
	ErrCodeUnknownMode      = "ERR_UNKNOWN_RENDER_MODE"
	ErrCodeRoutesFile       = "ERR_ROUTES_FILE"
	ErrCodeConfigInvalid    = "ERR_CONFIG_INVALID"
	ErrCodeRenderFailed     = "ERR_RENDER_FAILED"
	ErrCodeRenderCancelled  = "ERR_RENDER_CANCELLED"
	ErrCodeRouteNotFound    = "ERR_ROUTE_NOT_FOUND"
	ErrCodeAssetNotFound    = "ERR_ASSET_NOT_FOUND"
	ErrCodePoolClosed       = "ERR_POOL_CLOSED"
	ErrCodeWorkerInit       = "ERR_WORKER_INIT"
	ErrCodeWorkerPanic      = "ERR_WORKER_PANIC"
	ErrCodeCleanupFailed    = "ERR_CLEANUP_FAILED"
	ErrCodeHashUnavailable  = "ERR_HASH_UNAVAILABLE"
	ErrCodeInternalError    = "ERR_INTERNAL"
	ErrCodeAssetServerStart = "ERR_ASSET_SERVER_START"
	ErrCodeEngineClosed     = "ERR_ENGINE_CLOSED"
	ErrCodeRenderTimeout    = "ERR_RENDER_TIMEOUT"
)

// Sentinels for errors.Is comparisons. Matching is by Type and Code.
var (
	ErrNotFound      = &Error{Type: ErrorTypeNotFound, Code: ErrCodeRouteNotFound, Message: "no route matches the request"}
	ErrPoolClosed    = &Error{Type: ErrorTypeLifecycle, Code: ErrCodePoolClosed, Message: "worker pool has been destroyed"}
	ErrCancelled     = &Error{Type: ErrorTypeCancelled, Code: ErrCodeRenderCancelled, Message: "render cancelled"}
	ErrEngineClosed  = &Error{Type: ErrorTypeLifecycle, Code: ErrCodeEngineClosed, Message: "engine has been closed"}
	ErrRenderTimeout = &Error{Type: ErrorTypeCancelled, Code: ErrCodeRenderTimeout, Message: "render exceeded its deadline"}
)

// Error is a structured error with propagation semantics attached.
type Error struct {
	Type    ErrorType
	Code    string
	Message string
	Cause   error
	Route   string
	Context map[string]interface{}
}

// Error implements the error interface.
func (e *Error) Error() string {
	var parts []string

	if e.Code != "" {
		parts = append(parts, fmt.Sprintf("[%s]", e.Code))
	}

	if e.Route != "" {
		parts = append(parts, "route:"+e.Route)
	}

	parts = append(parts, e.Message)

	result := strings.Join(parts, " ")

	if e.Cause != nil {
		result += fmt.Sprintf(": %v", e.Cause)
	}

	return result
}

// Unwrap returns the underlying cause error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is implements error comparison.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Type == t.Type && e.Code == t.Code
	}

	return false
}

// WithContext adds context information to the error.
func (e *Error) WithContext(key string, value interface{}) *Error {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value

	return e
}

// WithRoute attaches the route the error belongs to.
func (e *Error) WithRoute(route string) *Error {
	e.Route = route

	return e
}

// NewConfigError creates a configuration error. These abort before any
// rendering starts.
func NewConfigError(code, message string) *Error {
	return &Error{
		Type:    ErrorTypeConfig,
		Code:    code,
		Message: message,
	}
}

// WrapConfig wraps a cause as a configuration error.
func WrapConfig(cause error, code, message string) *Error {
	return &Error{
		Type:    ErrorTypeConfig,
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// NewRenderError creates a per-route render error.
func NewRenderError(route string, cause error) *Error {
	return &Error{
		Type:    ErrorTypeRender,
		Code:    ErrCodeRenderFailed,
		Message: "render failed",
		Cause:   cause,
		Route:   route,
	}
}

// NewCancelledError creates a cancellation error carrying the reason the
// request was abandoned.
func NewCancelledError(reason error) *Error {
	if reason == nil {
		reason = context.Canceled
	}

	return &Error{
		Type:    ErrorTypeCancelled,
		Code:    ErrCodeRenderCancelled,
		Message: "render cancelled",
		Cause:   reason,
	}
}

// NewLifecycleError creates a resource lifecycle error.
func NewLifecycleError(code, message string, cause error) *Error {
	return &Error{
		Type:    ErrorTypeLifecycle,
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// NewCapabilityError reports a missing optional capability.
func NewCapabilityError(code, message string, cause error) *Error {
	return &Error{
		Type:    ErrorTypeCapability,
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// NewNotFoundError creates a lookup miss for something other than a route.
func NewNotFoundError(code, message string) *Error {
	return &Error{
		Type:    ErrorTypeNotFound,
		Code:    code,
		Message: message,
	}
}

// NewInternalError creates an internal error.
func NewInternalError(code, message string, cause error) *Error {
	return &Error{
		Type:    ErrorTypeInternal,
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// IsCancelled reports whether err is a render cancellation.
func IsCancelled(err error) bool {
	return hasType(err, ErrorTypeCancelled)
}

// IsConfig reports whether err is a configuration error.
func IsConfig(err error) bool {
	return hasType(err, ErrorTypeConfig)
}

// IsNotFound reports whether err signals an unmatched route.
func IsNotFound(err error) bool {
	return hasType(err, ErrorTypeNotFound)
}

func hasType(err error, t ErrorType) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Type == t
	}

	return false
}

// Reason returns the cancellation reason carried by err, or nil.
func Reason(err error) error {
	var e *Error
	if errors.As(err, &e) && e.Type == ErrorTypeCancelled {
		return e.Cause
	}

	return nil
}
