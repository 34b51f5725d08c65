// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package policy

import (
	"errors"
	"fmt"
)

// =============================================================================
// Error Codes
// =============================================================================

// ErrCode classifies policy engine failures. Transient vs. permanent is a
// typed decision here, not a runtime string match on provider messages.
type ErrCode string

const (
	// ErrCodeAmbiguous marks a request that resolves to no single
	// operation class and is not a recognized multi-task bundle. Recovered
	// by re-prompting; never defaults to a mutating class.
	ErrCodeAmbiguous ErrCode = "CLASSIFICATION_AMBIGUITY"

	// ErrCodeBindingViolation marks an attempted dispatch of an operation
	// class through a capability it is not bound to. Fatal to the call;
	// intercepted before any external call is made.
	ErrCodeBindingViolation ErrCode = "TOOL_BINDING_VIOLATION"

	// ErrCodeConfirmationMismatch marks a failed exact-token comparison.
	// Recovered by re-displaying the required format.
	ErrCodeConfirmationMismatch ErrCode = "CONFIRMATION_MISMATCH"

	// ErrCodeTransient marks 5xx/timeout/throttle failures. Retryable.
	ErrCodeTransient ErrCode = "TRANSIENT_EXECUTION_ERROR"

	// ErrCodePermanent marks 4xx/permission/conflict failures. Never
	// retried; surfaced immediately with a suggested fix.
	ErrCodePermanent ErrCode = "PERMANENT_EXECUTION_ERROR"

	// ErrCodeCapabilityUnavailable marks a backing capability that failed
	// to initialize. The affected classes are disabled for the session;
	// all other classes continue.
	ErrCodeCapabilityUnavailable ErrCode = "CAPABILITY_UNAVAILABLE"

	// ErrCodeGateConsumed marks a reply submitted to an already-resolved
	// confirmation gate.
	ErrCodeGateConsumed ErrCode = "GATE_CONSUMED"
)

// =============================================================================
// PolicyError
// =============================================================================

// PolicyError is the typed error for all policy engine failures.
//
// Description:
//
//	Carries a machine-checkable code, a user-safe message, and a
//	retryable flag. The user-facing renderer shows Message and Hint only;
//	Code and internal detail go to logs.
type PolicyError struct {
	// Code classifies the failure.
	Code ErrCode

	// Message is safe to show to the end user.
	Message string

	// Hint is an actionable next step for the user, when one exists.
	Hint string

	// Retryable reports whether automatic retry is permitted.
	Retryable bool

	// cause is the wrapped underlying error, if any.
	cause error
}

// NewPolicyError creates a PolicyError with the given code and message.
// Only ErrCodeTransient errors are retryable.
func NewPolicyError(code ErrCode, message string) *PolicyError {
	return &PolicyError{Code: code, Message: message, Retryable: code == ErrCodeTransient}
}

// WithHint attaches an actionable next step and returns the error.
func (e *PolicyError) WithHint(hint string) *PolicyError {
	e.Hint = hint
	return e
}

// WithCause wraps an underlying error and returns the error.
func (e *PolicyError) WithCause(cause error) *PolicyError {
	e.cause = cause
	return e
}

// Error implements the error interface.
func (e *PolicyError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the wrapped cause for errors.Is/As.
func (e *PolicyError) Unwrap() error {
	return e.cause
}

// IsCode reports whether err is a *PolicyError with the given code.
func IsCode(err error, code ErrCode) bool {
	var pe *PolicyError
	if errors.As(err, &pe) {
		return pe.Code == code
	}
	return false
}

// IsTransient reports whether err is retryable under the executor's
// retry policy.
func IsTransient(err error) bool {
	var pe *PolicyError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return false
}
