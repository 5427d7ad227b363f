package errors

import (
	"errors"
	"fmt"
)

// --- kvsync Core Error Types ---

// ConfigError represents an error encountered while loading, parsing, or
// validating configuration or store options.
type ConfigError struct {
	Message string
	Cause   error
}

func NewConfigError(message string, cause error) *ConfigError {
	return &ConfigError{Message: message, Cause: cause}
}
func (e *ConfigError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("configuration error: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("configuration error: %s", e.Message)
}
func (e *ConfigError) Unwrap() error { return e.Cause }

// ValidationError indicates that some input (config structure, schema
// version, cluster topology) failed validation checks.
type ValidationError struct {
	Message string
	Cause   error
}

func NewValidationError(message string, cause error) *ValidationError {
	return &ValidationError{Message: message, Cause: cause}
}
func (e *ValidationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("validation error: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}
func (e *ValidationError) Unwrap() error { return e.Cause }

// KeyNotInitializedError signals a Push or Pull against a key that was never
// registered with Init. Surfaced synchronously, before any operation is
// enqueued, because the engine cannot detect it safely mid-merge.
type KeyNotInitializedError struct {
	Key int
	Op  string // "push" or "pull"
}

func NewKeyNotInitializedError(key int, op string) *KeyNotInitializedError {
	return &KeyNotInitializedError{Key: key, Op: op}
}
func (e *KeyNotInitializedError) Error() string {
	return fmt.Sprintf("key %d used in %s before Init", e.Key, e.Op)
}

// KeyAlreadyInitializedError signals a second Init for the same key. The
// contract is fail-fast: a key is initialized exactly once per store.
type KeyAlreadyInitializedError struct {
	Key int
}

func NewKeyAlreadyInitializedError(key int) *KeyAlreadyInitializedError {
	return &KeyAlreadyInitializedError{Key: key}
}
func (e *KeyAlreadyInitializedError) Error() string {
	return fmt.Sprintf("key %d is already initialized", e.Key)
}

// ShapeMismatchError signals a Push value or Pull buffer whose shape differs
// from the shape the key was initialized with.
type ShapeMismatchError struct {
	Key  int
	Want []int
	Got  []int
}

func NewShapeMismatchError(key int, want, got []int) *ShapeMismatchError {
	return &ShapeMismatchError{Key: key, Want: want, Got: got}
}
func (e *ShapeMismatchError) Error() string {
	return fmt.Sprintf("shape mismatch for key %d: initialized %v, got %v", e.Key, e.Want, e.Got)
}

// TransportError wraps an unrecoverable message-channel failure to a required
// peer. There is no partial-failure continuation: callers should treat it as
// fatal for the affected node.
type TransportError struct {
	Peer  string
	Cause error
}

func NewTransportError(peer string, cause error) *TransportError {
	return &TransportError{Peer: peer, Cause: cause}
}
func (e *TransportError) Error() string {
	if e.Peer != "" {
		return fmt.Sprintf("transport failure to %s: %v", e.Peer, e.Cause)
	}
	return fmt.Sprintf("transport failure: %v", e.Cause)
}
func (e *TransportError) Unwrap() error { return e.Cause }

// NotSupportedError signals an operation invoked on a store type that does
// not implement it (for example RunServer on a local store).
type NotSupportedError struct {
	Op        string
	StoreType string
}

func NewNotSupportedError(op, storeType string) *NotSupportedError {
	return &NotSupportedError{Op: op, StoreType: storeType}
}
func (e *NotSupportedError) Error() string {
	return fmt.Sprintf("operation %s is not supported by store type %q", e.Op, e.StoreType)
}

// IsPrecondition reports whether err is one of the synchronous precondition
// violations (uninitialized key, double init, shape mismatch).
func IsPrecondition(err error) bool {
	var notInit *KeyNotInitializedError
	var dupInit *KeyAlreadyInitializedError
	var shape *ShapeMismatchError
	return errors.As(err, &notInit) || errors.As(err, &dupInit) || errors.As(err, &shape)
}

// IsTransport reports whether err is (or wraps) a TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
