// Package errs defines the tagged error-kind taxonomy shared by the device,
// memory, agent, and workflow subsystems. Every kind is a distinct type
// satisfying error, errors.Is, and errors.As so callers can classify a
// failure without string matching.
package errs

import (
	"fmt"
	"strings"
)

// Kind names one of the taxonomy's error classes. It is primarily useful for
// logging and metrics; callers should prefer errors.As against the typed
// variants below to branch on a specific kind.
type Kind string

const (
	KindNotFound      Kind = "not_found"
	KindInvalidArgs   Kind = "invalid_arguments"
	KindTransient     Kind = "transient"
	KindLogical       Kind = "logical"
	KindStorage       Kind = "storage"
	KindSerialization Kind = "serialization"
	KindConfiguration Kind = "configuration"
	KindLoopDetected  Kind = "loop_detected"
)

// baseError is embedded by every concrete error type so they all share
// Error()/Unwrap() plumbing and a common Kind() accessor.
type baseError struct {
	kind    Kind
	message string
	err     error
}

func (e *baseError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.kind, e.message, e.err)
	}
	return fmt.Sprintf("%s: %s", e.kind, e.message)
}

func (e *baseError) Unwrap() error { return e.err }

// Kind returns the taxonomy class of the error.
func (e *baseError) Kind() Kind { return e.kind }

// NotFoundError reports that an entity looked up by id does not exist.
type NotFoundError struct {
	baseError
	Entity string
	ID     string
}

// NotFound constructs a NotFoundError for the given entity kind and id.
func NotFound(entity, id string) *NotFoundError {
	return &NotFoundError{
		baseError: baseError{kind: KindNotFound, message: fmt.Sprintf("%s %q not found", entity, id)},
		Entity:    entity,
		ID:        id,
	}
}

// InvalidArgumentsError reports a schema mismatch or semantic violation on a
// specific field.
type InvalidArgumentsError struct {
	baseError
	Field string
}

// InvalidArguments constructs an InvalidArgumentsError naming the offending field.
func InvalidArguments(field, reason string) *InvalidArgumentsError {
	return &InvalidArgumentsError{
		baseError: baseError{kind: KindInvalidArgs, message: fmt.Sprintf("%s: %s", field, reason)},
		Field:     field,
	}
}

// TransientError wraps a network/timeout/connection/unavailable-class
// failure that retry logic should treat as eligible for another attempt.
type TransientError struct {
	baseError
}

// Transient wraps err as a TransientError.
func Transient(message string, err error) *TransientError {
	return &TransientError{baseError{kind: KindTransient, message: message, err: err}}
}

// LogicalError reports a structured failure returned by a tool or backend;
// it must never be retried.
type LogicalError struct {
	baseError
}

// Logical wraps err (or just message, if err is nil) as a LogicalError.
func Logical(message string, err error) *LogicalError {
	return &LogicalError{baseError{kind: KindLogical, message: message, err: err}}
}

// StorageError reports that an underlying store failed; the operation is
// guaranteed to have failed atomically (no partial write is visible).
type StorageError struct {
	baseError
}

// Storage wraps err as a StorageError.
func Storage(message string, err error) *StorageError {
	return &StorageError{baseError{kind: KindStorage, message: message, err: err}}
}

// SerializationError reports that a payload could not be parsed or encoded.
type SerializationError struct {
	baseError
}

// Serialization wraps err as a SerializationError.
func Serialization(message string, err error) *SerializationError {
	return &SerializationError{baseError{kind: KindSerialization, message: message, err: err}}
}

// ConfigurationError reports missing or malformed configuration.
type ConfigurationError struct {
	baseError
}

// Configuration wraps err as a ConfigurationError.
func Configuration(message string, err error) *ConfigurationError {
	return &ConfigurationError{baseError{kind: KindConfiguration, message: message, err: err}}
}

// LoopDetectedError reports that a tool-call, LLM-call, thinking-chunk, or
// nesting-depth ceiling was exceeded.
type LoopDetectedError struct {
	baseError
	Ceiling string
}

// LoopDetected constructs a LoopDetectedError naming the ceiling that tripped.
func LoopDetected(ceiling, message string) *LoopDetectedError {
	return &LoopDetectedError{
		baseError: baseError{kind: KindLoopDetected, message: message},
		Ceiling:   ceiling,
	}
}

// IsTransientMessage classifies an error string by the retryable substrings
// (timeout | network | connection | unavailable). It is the fallback
// classifier for errors that arrive as plain strings rather than typed
// errors (e.g. a ToolOutput.Error field).
func IsTransientMessage(msg string) bool {
	lower := strings.ToLower(msg)
	for _, substr := range []string{"timeout", "network", "connection", "unavailable"} {
		if strings.Contains(lower, substr) {
			return true
		}
	}
	return false
}
