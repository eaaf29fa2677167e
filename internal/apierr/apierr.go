// Copyright 2026 SessionBridge Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license.

// Package apierr maps the error taxonomy from onto HTTP status
// codes. Handlers wrap domain errors with these sentinels and pass them
// to the respondError helper in internal/httpapi, which converts them
// to responses.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind identifies which bucket of taxonomy an error belongs
// to.
type Kind int

const (
	KindPreconditionFailed Kind = iota
	KindConflict
	KindBadPayload
	KindSfuError
	KindInternal
)

// Error is a taxonomy-tagged error carrying a human-readable message
// safe to surface to the caller.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// Precondition builds a PreconditionFailed error (e.g. connect before
// publish).
func Precondition(msg string) error {
	return &Error{Kind: KindPreconditionFailed, Message: msg}
}

// Conflict builds a Conflict error (e.g. publish while already
// published).
func Conflict(msg string) error {
	return &Error{Kind: KindConflict, Message: msg}
}

// BadPayload builds a BadPayload error (missing/malformed request
// field).
func BadPayload(msg string) error {
	return &Error{Kind: KindBadPayload, Message: msg}
}

// Sfu wraps an SFU REST failure that isn't the "already closed"
// idempotent case.
func Sfu(msg string, cause error) error {
	return &Error{Kind: KindSfuError, Message: msg, Cause: cause}
}

// Internal wraps an unexpected failure.
func Internal(msg string, cause error) error {
	return &Error{Kind: KindInternal, Message: msg, Cause: cause}
}

// StatusCode maps err to the HTTP status /calls for. Errors
// that don't carry a *Error are treated as internal (500).
func StatusCode(err error) int {
	var e *Error
	if !errors.As(err, &e) {
		return http.StatusInternalServerError
	}
	switch e.Kind {
	case KindPreconditionFailed:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	case KindBadPayload:
		return http.StatusBadRequest
	case KindSfuError:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
