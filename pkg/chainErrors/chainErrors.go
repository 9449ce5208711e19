// Package chainErrors provides the error classification shared by every chain-facing
// component of the ephemeral signer. Errors are classified once, at the boundary where
// a transport or node client produces them, so callers decide on retries by Kind
// instead of by matching on error text.
package chainErrors

import (
	"errors"
	"fmt"
	"strings"
)

// Kind identifies how a failure should be handled by the caller.
type Kind int

const (
	// KindInternal is the default for unclassified failures.
	KindInternal Kind = iota
	// KindConfiguration covers unknown or unconfigured chains. Never retried.
	KindConfiguration
	// KindTransient covers endpoint failures that were already retried by a transport.
	KindTransient
	// KindStaleConnection covers failures that indicate the cached connection no longer
	// matches the remote runtime (e.g. a "bad signature" rejection after an upgrade).
	KindStaleConnection
	// KindMissingPrerequisite covers an absent ephemeral or connection for a chain that
	// has pending transactions.
	KindMissingPrerequisite
	// KindUpstream covers errors returned by an external quoting or route service.
	KindUpstream
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindTransient:
		return "transient"
	case KindStaleConnection:
		return "stale_connection"
	case KindMissingPrerequisite:
		return "missing_prerequisite"
	case KindUpstream:
		return "upstream"
	default:
		return "internal"
	}
}

// Error is a classified error carrying the chain and operation it originated from.
type Error struct {
	Kind    Kind
	Chain   string
	Op      string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	if e.Chain != "" {
		fmt.Fprintf(&b, " (chain %s)", e.Chain)
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Cause }

// New creates a classified error without a cause.
func New(kind Kind, chain, message string) *Error {
	return &Error{Kind: kind, Chain: chain, Message: message}
}

// Wrap classifies cause. If cause is already classified its Kind is kept unless
// it was internal, so a boundary classification is never downgraded by a caller.
func Wrap(kind Kind, chain, message string, cause error) *Error {
	if existing, ok := As(cause); ok && existing.Kind != KindInternal {
		kind = existing.Kind
	}
	return &Error{Kind: kind, Chain: chain, Message: message, Cause: cause}
}

// Reclassify wraps cause under kind regardless of any classification cause already
// carries. Callers use it when the failure means something different at their level,
// such as an unreachable chain that blocks a whole batch.
func Reclassify(kind Kind, chain, message string, cause error) *Error {
	return &Error{Kind: kind, Chain: chain, Message: message, Cause: cause}
}

// WithOp returns a copy of e tagged with the operation name.
func (e *Error) WithOp(op string) *Error {
	cp := *e
	cp.Op = op
	return &cp
}

// As extracts the outermost classified error from err.
func As(err error) (*Error, bool) {
	var target *Error
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// KindOf returns the Kind of err, or KindInternal when err is unclassified.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
