// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package inference

import (
	"context"
	"errors"
	"net"
	"net/url"
	"strings"
	"syscall"
)

// =============================================================================
// ERROR KINDS
// =============================================================================

// Kind categorizes inference failures for handling and user hints.
type Kind int

const (
	KindUnknown Kind = iota
	KindUnsupported
	KindTimeout
	KindMemory
	KindNetwork
	KindInvalidModel
	KindNotLoaded
	KindBusy
	KindWorkerCrashed
	KindInitExhausted
	KindProtocol
	KindCancelled
)

var kindNames = map[Kind]string{
	KindUnknown:       "unknown",
	KindUnsupported:   "unsupported",
	KindTimeout:       "timeout",
	KindMemory:        "memory",
	KindNetwork:       "network",
	KindInvalidModel:  "invalid-model",
	KindNotLoaded:     "not-loaded",
	KindBusy:          "busy",
	KindWorkerCrashed: "worker-crashed",
	KindInitExhausted: "init-exhausted",
	KindProtocol:      "protocol",
	KindCancelled:     "cancelled",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// ParseKind is the inverse of Kind.String. Unknown names map to KindUnknown.
func ParseKind(s string) Kind {
	for k, name := range kindNames {
		if name == s {
			return k
		}
	}
	return KindUnknown
}

// =============================================================================
// ERROR TYPE
// =============================================================================

// Error is a categorized inference failure.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	switch {
	case e.Message != "":
		b.WriteString(e.Message)
	case e.Err == nil:
		b.WriteString(e.Kind.String())
	}
	if e.Err != nil {
		if e.Message != "" {
			b.WriteString(": ")
		}
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the kind sentinels, so errors.Is(err, ErrTimeout) holds for
// any *Error of KindTimeout.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Message == "" && t.Err == nil && t.Kind == e.Kind
}

// Sentinels for errors.Is checks.
var (
	ErrUnsupported   = &Error{Kind: KindUnsupported}
	ErrTimeout       = &Error{Kind: KindTimeout}
	ErrMemory        = &Error{Kind: KindMemory}
	ErrNetwork       = &Error{Kind: KindNetwork}
	ErrInvalidModel  = &Error{Kind: KindInvalidModel}
	ErrNotLoaded     = &Error{Kind: KindNotLoaded}
	ErrBusy          = &Error{Kind: KindBusy}
	ErrWorkerCrashed = &Error{Kind: KindWorkerCrashed}
	ErrInitExhausted = &Error{Kind: KindInitExhausted}
	ErrProtocol      = &Error{Kind: KindProtocol}
	ErrCancelled     = &Error{Kind: KindCancelled}
)

// E builds an *Error. err may be nil.
func E(kind Kind, op, message string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Err: err}
}

// Wrap attaches op to err, keeping the kind of an existing *Error or
// classifying an opaque one. Wrap(nil) is nil.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindOf(err), Op: op, Err: err}
}

// Kinder is implemented by client errors from other packages that already
// know which Kind they represent.
type Kinder interface {
	ErrorKind() Kind
}

// KindOf returns the Kind of the first *Error or Kinder in err's chain, or
// the result of Classify when there is none.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var ie *Error
	if errors.As(err, &ie) {
		return ie.Kind
	}
	var k Kinder
	if errors.As(err, &k) {
		return k.ErrorKind()
	}
	return Classify(err)
}

// =============================================================================
// CLASSIFICATION
// =============================================================================

// Classify maps an opaque error to a Kind. Typed causes win; message
// matching is only a last resort for third-party libraries that return
// plain strings.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, syscall.ENOMEM) {
		return KindMemory
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return KindNetwork
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return KindNetwork
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return KindNetwork
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out"):
		return KindTimeout
	case strings.Contains(msg, "out of memory") || strings.Contains(msg, "memory") || strings.Contains(msg, "oom"):
		return KindMemory
	case strings.Contains(msg, "network") || strings.Contains(msg, "fetch") ||
		strings.Contains(msg, "connection") || strings.Contains(msg, "dial"):
		return KindNetwork
	}
	return KindUnknown
}

// Hint returns a short user-facing suggestion for a failure kind.
func Hint(k Kind) string {
	switch k {
	case KindTimeout:
		return "Model loading timed out. Please try again or choose a smaller model."
	case KindMemory:
		return "Not enough memory to load this model. Try a smaller model or close other applications."
	case KindNetwork:
		return "Network error while downloading the model. Check your connection and try again."
	case KindUnsupported:
		return "Hardware acceleration is unavailable. The CPU engine will be used instead."
	case KindInitExhausted:
		return "The inference worker failed to start repeatedly. Restart leaf to try again."
	case KindWorkerCrashed:
		return "The inference worker stopped unexpectedly. The next request will restart it."
	case KindInvalidModel:
		return "That model is not available for the selected engine."
	case KindNotLoaded:
		return "Load a model before sending a message."
	case KindBusy:
		return "A model is already loading. Wait for it to finish."
	}
	return "Something went wrong. Please try again."
}
