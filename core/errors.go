// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package core

import (
	"errors"
	"fmt"
)

// Kind classifies failures crossing package boundaries.
type Kind string

const (
	KindNone              Kind = ""
	KindInvalidFormat     Kind = "invalid_format"
	KindValidationFailed  Kind = "validation_failed"
	KindMissingCapability Kind = "missing_capability"
	KindParseError        Kind = "parse_error"
	KindInfrastructure    Kind = "infrastructure"
	KindTimeout           Kind = "timeout"
	KindCancelled         Kind = "cancelled"
)

// One sentinel per Kind so callers can use errors.Is.
var (
	ErrInvalidFormat     = errors.New("invalid format")
	ErrValidationFailed  = errors.New("validation failed")
	ErrMissingCapability = errors.New("missing capability")
	ErrParse             = errors.New("parse error")
	ErrInfrastructure    = errors.New("infrastructure error")
	ErrTimeout           = errors.New("timeout")
	ErrCancelled         = errors.New("cancelled")
)

// Lifecycle errors
var (
	// ErrSourceNotValidated indicates a job was triggered on a source that has not passed validation.
	ErrSourceNotValidated = errors.New("source not validated")

	// ErrSourceBusy indicates the source has an active job and cannot be re-validated.
	ErrSourceBusy = errors.New("source has an active job")

	// ErrJobAlreadyClaimed indicates another worker won the claim.
	ErrJobAlreadyClaimed = errors.New("job already claimed")

	// ErrJobTerminal indicates the job already reached a terminal state.
	ErrJobTerminal = errors.New("job is in a terminal state")

	// ErrInvalidTransition indicates a state change the job state machine forbids.
	ErrInvalidTransition = errors.New("invalid job state transition")
)

var kindSentinels = map[Kind]error{
	KindInvalidFormat:     ErrInvalidFormat,
	KindValidationFailed:  ErrValidationFailed,
	KindMissingCapability: ErrMissingCapability,
	KindParseError:        ErrParse,
	KindInfrastructure:    ErrInfrastructure,
	KindTimeout:           ErrTimeout,
	KindCancelled:         ErrCancelled,
}

// Error is a classified failure. Hint carries the remediation shown to users.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Hint    string
	Err     error
}

// E builds an Error wrapping err.
func E(kind Kind, op string, err error) *Error {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return &Error{Kind: kind, Op: op, Message: msg, Err: err}
}

// Errorf builds an Error with a formatted message.
func Errorf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// WithHint returns a copy of e carrying a remediation hint.
func (e *Error) WithHint(hint string) *Error {
	cp := *e
	cp.Hint = hint
	return &cp
}

func (e *Error) Error() string {
	s := string(e.Kind)
	if e.Op != "" {
		s += ": " + e.Op
	}
	if e.Message != "" {
		s += ": " + e.Message
	}
	if e.Hint != "" {
		s += " (" + e.Hint + ")"
	}
	return s
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel of e's kind.
func (e *Error) Is(target error) bool {
	if s, ok := kindSentinels[e.Kind]; ok && s == target {
		return true
	}
	return false
}

// KindOf returns the Kind of err.
// Unclassified errors are treated as infrastructure failures.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	for kind, sentinel := range kindSentinels {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return KindInfrastructure
}

// HintOf returns the remediation hint carried by err, if any.
func HintOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Hint
	}
	return ""
}

// Error text limits for persisted job summaries.
const (
	MaxCauseLength   = 300
	MaxSummaryLength = 2000
)

// Truncate shortens s to at most n bytes without splitting a UTF-8 sequence.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
