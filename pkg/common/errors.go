package common

import (
	"errors"
	"fmt"
)

// ErrorKind classifies pipeline failures. The kind decides the recovery
// policy: dead-letter, bounded retry, degrade, or surface to the caller.
type ErrorKind string

const (
	KindTransport       ErrorKind = "transport"
	KindExtraction      ErrorKind = "extraction"
	KindStorageConflict ErrorKind = "storage_conflict"
	KindEmbedding       ErrorKind = "embedding"
	KindOptimization    ErrorKind = "optimization"
	KindRerank          ErrorKind = "rerank"
	KindRetrievalEmpty  ErrorKind = "retrieval_empty"
	KindTimeout         ErrorKind = "timeout"
	KindInternal        ErrorKind = "internal"
)

// Error is a classified pipeline error. It wraps an underlying cause so that
// errors.Is/As keep working across package boundaries.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// E builds a classified error. err may be nil.
func E(kind ErrorKind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf returns the classification of err, walking the wrap chain.
// Unclassified errors report KindInternal.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err (or anything it wraps) carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
