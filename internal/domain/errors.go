package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrPermissionDenied means the user declined microphone access.
	ErrPermissionDenied = errors.New("microphone permission denied")
	// ErrInferenceUnavailable means audio emotion inference could not produce a result.
	ErrInferenceUnavailable = errors.New("emotion inference unavailable")
)

// RecognitionErrorKind classifies why a capture session ended abnormally.
type RecognitionErrorKind string

const (
	RecognitionErrorNetwork  RecognitionErrorKind = "network"
	RecognitionErrorNoSpeech RecognitionErrorKind = "no_speech"
	RecognitionErrorAborted  RecognitionErrorKind = "aborted"
	RecognitionErrorAudio    RecognitionErrorKind = "audio"
	RecognitionErrorOther    RecognitionErrorKind = "other"
)

// RecognitionError is a transient capture failure. It is always retried.
type RecognitionError struct {
	Kind RecognitionErrorKind
	Err  error
}

func (e *RecognitionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("recognition %s", e.Kind)
	}
	return fmt.Sprintf("recognition %s: %v", e.Kind, e.Err)
}

func (e *RecognitionError) Unwrap() error { return e.Err }

// NewRecognitionError wraps err unless it already carries a classification.
func NewRecognitionError(kind RecognitionErrorKind, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrPermissionDenied) {
		return err
	}
	var existing *RecognitionError
	if errors.As(err, &existing) {
		return err
	}
	return &RecognitionError{Kind: kind, Err: err}
}

// RecognitionKind reports the classification of err, or "" when err is not a RecognitionError.
func RecognitionKind(err error) RecognitionErrorKind {
	var recErr *RecognitionError
	if errors.As(err, &recErr) {
		return recErr.Kind
	}
	return ""
}

// IsNetworkError reports whether err is a network-class recognition failure.
func IsNetworkError(err error) bool {
	return RecognitionKind(err) == RecognitionErrorNetwork
}

// CompletionErrorKind drives the conversation client's retry decision.
type CompletionErrorKind string

const (
	CompletionErrorNone    CompletionErrorKind = ""
	CompletionErrorClient  CompletionErrorKind = "client"
	CompletionErrorWarming CompletionErrorKind = "warming"
	CompletionErrorOther   CompletionErrorKind = "other"
)

// CompletionError is returned by completion providers.
type CompletionError struct {
	Kind       CompletionErrorKind
	StatusCode int
	Message    string
	Err        error
}

func (e *CompletionError) Error() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("completion %s (status %d): %s", e.Kind, e.StatusCode, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("completion %s: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("completion %s: %s", e.Kind, e.Message)
	}
}

func (e *CompletionError) Unwrap() error { return e.Err }

// CompletionKind classifies err. Unclassified errors are CompletionErrorOther.
func CompletionKind(err error) CompletionErrorKind {
	if err == nil {
		return CompletionErrorNone
	}
	var compErr *CompletionError
	if errors.As(err, &compErr) && compErr.Kind != CompletionErrorNone {
		return compErr.Kind
	}
	return CompletionErrorOther
}
