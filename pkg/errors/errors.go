// Package errors provides structured error handling for VisionFlow.
// It implements coded errors with context and stack traces so pipeline
// failures can be classified (fatal validation vs. locally recovered
// node faults) without string matching.
package errors

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// Code identifies an error class for programmatic handling.
type Code string

const (
	// Graph validation errors (1xx) - fatal at load, never at runtime.
	CodeGraphCycle       Code = "V101"
	CodePortTypeMismatch Code = "V102"
	CodePortUnsatisfied  Code = "V103"
	CodePortConflict     Code = "V104"
	CodeUnknownNodeType  Code = "V105"
	CodeDeadNode         Code = "V106"
	CodeDescriptorSyntax Code = "V107"

	// Node invocation errors (2xx) - recovered locally via circuit breaker.
	CodeNodeFailed    Code = "N201"
	CodeNodeTimeout   Code = "N202"
	CodeNodePanic     Code = "N203"
	CodeNodeDegraded  Code = "N204"
	CodeBadPayload    Code = "N205"

	// Sink/output errors (3xx).
	CodeSinkWrite   Code = "S301"
	CodeSinkClosed  Code = "S302"
	CodeWebhookPost Code = "S303"

	// System and controller errors (4xx).
	CodeContextCanceled   Code = "C401"
	CodeResourceExhausted Code = "C402"
	CodeTelemetryUnavailable Code = "C403"
	CodePipelineState     Code = "C404"

	// Storage errors (5xx).
	CodeCheckpointSave Code = "Q501"
	CodeCheckpointLoad Code = "Q502"
	CodeStoreQuery     Code = "Q503"

	// Unknown
	CodeUnknown Code = "E999"
)

// VisionError is the base error type for all VisionFlow errors.
type VisionError struct {
	Code       Code
	Message    string
	Cause      error
	Context    map[string]interface{}
	StackTrace []Frame
}

// Frame represents a stack frame.
type Frame struct {
	Function string
	File     string
	Line     int
}

// Error implements the error interface.
func (e *VisionError) Error() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("[%s] %s", e.Code, e.Message))

	if len(e.Context) > 0 {
		sb.WriteString(" (")
		first := true
		for k, v := range e.Context {
			if !first {
				sb.WriteString(", ")
			}
			sb.WriteString(fmt.Sprintf("%s=%v", k, v))
			first = false
		}
		sb.WriteString(")")
	}

	if e.Cause != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Cause.Error())
	}

	return sb.String()
}

// Unwrap returns the underlying cause.
func (e *VisionError) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches a target error by code.
func (e *VisionError) Is(target error) bool {
	if t, ok := target.(*VisionError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithContext adds context to the error.
func (e *VisionError) WithContext(key string, value interface{}) *VisionError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// New creates a new VisionError.
func New(code Code, message string) *VisionError {
	return &VisionError{
		Code:       code,
		Message:    message,
		StackTrace: captureStack(2),
	}
}

// Wrap wraps an existing error with additional context.
func Wrap(err error, code Code, message string) *VisionError {
	if err == nil {
		return nil
	}

	return &VisionError{
		Code:       code,
		Message:    message,
		Cause:      err,
		StackTrace: captureStack(2),
	}
}

// Wrapf wraps an error with a formatted message.
func Wrapf(err error, code Code, format string, args ...interface{}) *VisionError {
	return Wrap(err, code, fmt.Sprintf(format, args...))
}

func captureStack(skip int) []Frame {
	var frames []Frame
	pcs := make([]uintptr, 32)
	n := runtime.Callers(skip+1, pcs)
	pcs = pcs[:n]

	cf := runtime.CallersFrames(pcs)
	for {
		frame, more := cf.Next()
		frames = append(frames, Frame{
			Function: frame.Function,
			File:     frame.File,
			Line:     frame.Line,
		})
		if !more || len(frames) >= 10 {
			break
		}
	}
	return frames
}

// FormatStack returns a formatted stack trace.
func (e *VisionError) FormatStack() string {
	var sb strings.Builder
	for _, f := range e.StackTrace {
		sb.WriteString(fmt.Sprintf("  at %s\n    %s:%d\n", f.Function, f.File, f.Line))
	}
	return sb.String()
}

// --- Convenience constructors ---

// GraphCycle creates a cyclic-graph validation error.
func GraphCycle(nodeIDs []string) *VisionError {
	return New(CodeGraphCycle, "graph contains a cycle").
		WithContext("nodes", nodeIDs)
}

// PortTypeMismatch creates an edge payload type error.
func PortTypeMismatch(edgeID, want, got string) *VisionError {
	return New(CodePortTypeMismatch, "edge payload type mismatch").
		WithContext("edge", edgeID).
		WithContext("want", want).
		WithContext("got", got)
}

// NodeFailed wraps a node invocation failure.
func NodeFailed(nodeID string, err error) *VisionError {
	return Wrap(err, CodeNodeFailed, "node invocation failed").
		WithContext("node", nodeID)
}

// NodeTimeout creates a node invocation timeout error.
func NodeTimeout(nodeID string, budgetMS int64) *VisionError {
	return New(CodeNodeTimeout, "node invocation exceeded its budget").
		WithContext("node", nodeID).
		WithContext("budget_ms", budgetMS)
}

// ContextCanceled creates a cancellation error.
func ContextCanceled(operation string) *VisionError {
	return New(CodeContextCanceled, "operation canceled").
		WithContext("operation", operation)
}

// ResourceExhausted creates a resource exhaustion error.
func ResourceExhausted(resource string, err error) *VisionError {
	return Wrap(err, CodeResourceExhausted, "resource exhausted").
		WithContext("resource", resource)
}

// --- Error checking utilities ---

// IsCode checks if an error has a specific code.
func IsCode(err error, code Code) bool {
	var verr *VisionError
	if errors.As(err, &verr) {
		return verr.Code == code
	}
	return false
}

// GetCode extracts the error code from an error.
func GetCode(err error) Code {
	var verr *VisionError
	if errors.As(err, &verr) {
		return verr.Code
	}
	return CodeUnknown
}

// IsValidation reports whether the error is a load-time graph
// validation failure (fatal: the pipeline never starts).
func IsValidation(err error) bool {
	c := GetCode(err)
	return strings.HasPrefix(string(c), "V")
}

// IsFatal returns true if the error is unrecoverable at runtime.
func IsFatal(err error) bool {
	switch GetCode(err) {
	case CodeResourceExhausted, CodePipelineState:
		return true
	default:
		return IsValidation(err)
	}
}

// MultiError collects multiple errors.
type MultiError struct {
	Errors []error
}

// Error implements the error interface.
func (m *MultiError) Error() string {
	if len(m.Errors) == 0 {
		return "no errors"
	}
	if len(m.Errors) == 1 {
		return m.Errors[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d errors occurred:\n", len(m.Errors)))
	for i, err := range m.Errors {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// Add adds an error to the collection.
func (m *MultiError) Add(err error) {
	if err != nil {
		m.Errors = append(m.Errors, err)
	}
}

// HasErrors returns true if any errors were collected.
func (m *MultiError) HasErrors() bool {
	return len(m.Errors) > 0
}

// Combined returns nil if no errors, the single error if one, or the MultiError.
func (m *MultiError) Combined() error {
	switch len(m.Errors) {
	case 0:
		return nil
	case 1:
		return m.Errors[0]
	default:
		return m
	}
}
