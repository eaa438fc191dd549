// pkg/errors/errors.go
package errors

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// Sprintf is a convenience function for fmt.Sprintf
func Sprintf(format string, args ...interface{}) string {
	return fmt.Sprintf(format, args...)
}

// Standard errors provides a way to check error types
var (
	// Sentinel errors
	ErrNotFound      = errors.New("resource not found")
	ErrAlreadyExists = errors.New("resource already exists")
	ErrInvalidInput  = errors.New("invalid input")
	ErrUnauthorized  = errors.New("unauthorized access")
	ErrForbidden     = errors.New("forbidden action")
	ErrInternal      = errors.New("internal error")
	ErrUnavailable   = errors.New("service unavailable")
	ErrTimeout       = errors.New("operation timed out")
)

// Unwrap provides compatibility with the standard errors package
func Unwrap(err error) error {
	return errors.Unwrap(err)
}

// Is provides compatibility with the standard errors package
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As provides compatibility with the standard errors package
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// New creates a new error with the given message
func New(message string) error {
	return errors.New(message)
}

// Kind is the taxonomy of error kinds the core surfaces (spec.md §7). Kind
// drives retry and propagation policy; Code stays a finer-grained,
// component-specific label underneath it.
type Kind string

const (
	// KindValidation is synchronous, user-visible, never retried.
	KindValidation Kind = "Validation"
	// KindBackpressure means the caller should slow down; surfaced as HTTP 503.
	KindBackpressure Kind = "Backpressure"
	// KindDependencyUnavailable covers settlement chain, HSM, or store unreachable.
	KindDependencyUnavailable Kind = "DependencyUnavailable"
	// KindTransientCrypto is a TSS session missing a party or timing out.
	KindTransientCrypto Kind = "TransientCrypto"
	// KindIntegrityViolation is a Merkle or signature verification failure after assembly.
	KindIntegrityViolation Kind = "IntegrityViolation"
	// KindCorruption means a checkpoint cannot be decoded; the node refuses to start.
	KindCorruption Kind = "Corruption"
	// KindInternal covers everything else.
	KindInternal Kind = "Internal"
)

// Retriable reports whether errors of this kind are eligible for RetryPolicy
// handling rather than immediate propagation.
func (k Kind) Retriable() bool {
	switch k {
	case KindDependencyUnavailable, KindTransientCrypto:
		return true
	default:
		return false
	}
}

// Error represents a domain error with additional context
type Error struct {
	// Original is the original error
	Original error
	// Domain is the domain of the error (e.g., "sequencer", "store", "tss")
	Domain string
	// Kind is the error-taxonomy bucket from spec.md §7
	Kind Kind
	// Code is a machine-readable error code
	Code string
	// Message is a human-readable error message
	Message string
	// Operation is the operation that failed (e.g., "SubmitTx", "SignBatch")
	Operation string
	// Fields contains additional context about the error
	Fields map[string]interface{}
	// Stack contains the stack trace
	Stack string
}

// Error implements the error interface
func (e *Error) Error() string {
	var sb strings.Builder

	// Format: [Domain.Operation] Code=<Code>: Message: Original
	sb.WriteString("[")
	if e.Domain != "" {
		sb.WriteString(e.Domain)
		if e.Operation != "" {
			sb.WriteString(".")
			sb.WriteString(e.Operation)
		}
	} else if e.Operation != "" {
		sb.WriteString(e.Operation)
	}
	sb.WriteString("] ")

	if e.Code != "" {
		sb.WriteString("Code=")
		sb.WriteString(e.Code)
		sb.WriteString(": ")
	}

	if e.Message != "" {
		sb.WriteString(e.Message)
	}

	if e.Original != nil {
		if e.Message != "" {
			sb.WriteString(": ")
		}
		sb.WriteString(e.Original.Error())
	}

	return sb.String()
}

// Unwrap implements the errors.Unwrapper interface
func (e *Error) Unwrap() error {
	return e.Original
}

// WithStack adds a stack trace to the error
func WithStack(err error) error {
	if err == nil {
		return nil
	}

	// Check if the error already has a stack trace
	var domainErr *Error
	if errors.As(err, &domainErr) && domainErr.Stack != "" {
		return err
	}

	// Capture stack trace
	const depth = 32
	var pcs [depth]uintptr
	n := runtime.Callers(2, pcs[:])
	frames := runtime.CallersFrames(pcs[:n])

	var stackBuilder strings.Builder
	for {
		frame, more := frames.Next()
		if !strings.Contains(frame.File, "runtime/") {
			fmt.Fprintf(&stackBuilder, "%s:%d %s\n", frame.File, frame.Line, frame.Function)
		}
		if !more {
			break
		}
	}

	// If it's already a domain error, just add the stack
	if errors.As(err, &domainErr) {
		domainErr.Stack = stackBuilder.String()
		return domainErr
	}

	// Otherwise, create a new domain error
	return &Error{
		Original: err,
		Stack:    stackBuilder.String(),
	}
}

// Wrap wraps an error with a message
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}

	// If it's already a domain error, update it
	var domainErr *Error
	if errors.As(err, &domainErr) {
		// Create a new error to avoid modifying the original
		return &Error{
			Original:  domainErr.Original,
			Domain:    domainErr.Domain,
			Kind:      domainErr.Kind,
			Code:      domainErr.Code,
			Message:   message,
			Operation: domainErr.Operation,
			Fields:    domainErr.Fields,
			Stack:     domainErr.Stack,
		}
	}

	// Otherwise, create a new domain error
	return &Error{
		Original: err,
		Message:  message,
	}
}

// WrapWithDomain wraps an error with a domain
func WrapWithDomain(err error, domain string) error {
	if err == nil {
		return nil
	}

	// If it's already a domain error, update it
	var domainErr *Error
	if errors.As(err, &domainErr) {
		// Create a new error to avoid modifying the original
		return &Error{
			Original:  domainErr.Original,
			Domain:    domain,
			Kind:      domainErr.Kind,
			Code:      domainErr.Code,
			Message:   domainErr.Message,
			Operation: domainErr.Operation,
			Fields:    domainErr.Fields,
			Stack:     domainErr.Stack,
		}
	}

	// Otherwise, create a new domain error
	return &Error{
		Original: err,
		Domain:   domain,
	}
}

// WrapWithOperation wraps an error with an operation
func WrapWithOperation(err error, operation string) error {
	if err == nil {
		return nil
	}

	// If it's already a domain error, update it
	var domainErr *Error
	if errors.As(err, &domainErr) {
		// Create a new error to avoid modifying the original
		return &Error{
			Original:  domainErr.Original,
			Domain:    domainErr.Domain,
			Kind:      domainErr.Kind,
			Code:      domainErr.Code,
			Message:   domainErr.Message,
			Operation: operation,
			Fields:    domainErr.Fields,
			Stack:     domainErr.Stack,
		}
	}

	// Otherwise, create a new domain error
	return &Error{
		Original:  err,
		Operation: operation,
	}
}

// WrapWithCode wraps an error with a code
func WrapWithCode(err error, code string) error {
	if err == nil {
		return nil
	}

	// If it's already a domain error, update it
	var domainErr *Error
	if errors.As(err, &domainErr) {
		// Create a new error to avoid modifying the original
		return &Error{
			Original:  domainErr.Original,
			Domain:    domainErr.Domain,
			Kind:      domainErr.Kind,
			Code:      code,
			Message:   domainErr.Message,
			Operation: domainErr.Operation,
			Fields:    domainErr.Fields,
			Stack:     domainErr.Stack,
		}
	}

	// Otherwise, create a new domain error
	return &Error{
		Original: err,
		Code:     code,
	}
}

// WrapWithKind wraps an error with a taxonomy Kind (spec.md §7)
func WrapWithKind(err error, kind Kind) error {
	if err == nil {
		return nil
	}

	var domainErr *Error
	if errors.As(err, &domainErr) {
		return &Error{
			Original:  domainErr.Original,
			Domain:    domainErr.Domain,
			Kind:      kind,
			Code:      domainErr.Code,
			Message:   domainErr.Message,
			Operation: domainErr.Operation,
			Fields:    domainErr.Fields,
			Stack:     domainErr.Stack,
		}
	}

	return &Error{
		Original: err,
		Kind:     kind,
	}
}

// KindOf extracts the taxonomy Kind from err, or KindInternal if err carries
// none (including plain, non-domain errors).
func KindOf(err error) Kind {
	var domainErr *Error
	if errors.As(err, &domainErr) && domainErr.Kind != "" {
		return domainErr.Kind
	}
	return KindInternal
}

// WrapWithField wraps an error with a field
func WrapWithField(err error, key string, value interface{}) error {
	if err == nil {
		return nil
	}

	// If it's already a domain error, update it
	var domainErr *Error
	if errors.As(err, &domainErr) {
		// Create a new error to avoid modifying the original
		newFields := make(map[string]interface{})
		for k, v := range domainErr.Fields {
			newFields[k] = v
		}
		if newFields == nil {
			newFields = make(map[string]interface{})
		}
		newFields[key] = value

		return &Error{
			Original:  domainErr.Original,
			Domain:    domainErr.Domain,
			Kind:      domainErr.Kind,
			Code:      domainErr.Code,
			Message:   domainErr.Message,
			Operation: domainErr.Operation,
			Fields:    newFields,
			Stack:     domainErr.Stack,
		}
	}

	// Otherwise, create a new domain error
	fields := make(map[string]interface{})
	fields[key] = value

	return &Error{
		Original: err,
		Fields:   fields,
	}
}

// E is a convenience function for creating domain errors
func E(args ...interface{}) error {
	if len(args) == 0 {
		return nil
	}

	e := &Error{}

	for _, arg := range args {
		switch a := arg.(type) {
		case string:
			// If we haven't set a message yet, set it
			if e.Message == "" {
				e.Message = a
			} else if e.Domain == "" {
				// If we have a message but no domain, set the domain
				e.Domain = a
			} else if e.Operation == "" {
				// If we have a message and domain but no operation, set the operation
				e.Operation = a
			} else if e.Code == "" {
				// If we have a message, domain, and operation but no code, set the code
				e.Code = a
			}
		case error:
			e.Original = a
		case map[string]interface{}:
			e.Fields = a
		case Kind:
			e.Kind = a
		}
	}

	return e
}
