// Package vpnerr defines the error taxonomy shared by the config fetcher,
// the tunnel provisioner, the backend adapters and the lifecycle manager.
//
// Components return *Error values with a Kind; the lifecycle manager decides
// between retrying and failing by asking Retryable, never by inspecting
// concrete error types.
package vpnerr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind int

const (
	KindUnknown Kind = iota

	// Config fetch failures.
	KindNetwork
	KindAuth
	KindMalformedResponse
	KindParse

	// Provisioning failures.
	KindOSDenied
	KindPermissionMissing
	// KindUnsupported means this platform cannot build the interface at all.
	KindUnsupported

	// Backend activation failures.
	KindNativeEngine
	KindInvalidConfig

	// KindRevoked means the OS took the tunnel away.
	KindRevoked

	// KindBackendUnavailable means the backend could not be initialized.
	// The manager refuses every later command.
	KindBackendUnavailable
)

var kindNames = map[Kind]string{
	KindUnknown:            "unknown",
	KindNetwork:            "network",
	KindAuth:               "auth",
	KindMalformedResponse:  "malformed-response",
	KindParse:              "parse",
	KindOSDenied:           "os-denied",
	KindPermissionMissing:  "permission-missing",
	KindUnsupported:        "unsupported",
	KindNativeEngine:       "native-engine",
	KindInvalidConfig:      "invalid-config",
	KindRevoked:            "revoked",
	KindBackendUnavailable: "backend-unavailable",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Class groups kinds by the component that produces them.
type Class int

const (
	ClassUnknown Class = iota
	ClassConfigFetch
	ClassProvisioning
	ClassBackendActivation
	ClassRevocation
	ClassFatalInit
)

func (c Class) String() string {
	switch c {
	case ClassConfigFetch:
		return "config-fetch"
	case ClassProvisioning:
		return "provisioning"
	case ClassBackendActivation:
		return "backend-activation"
	case ClassRevocation:
		return "revocation"
	case ClassFatalInit:
		return "fatal-init"
	default:
		return "unknown"
	}
}

// Class returns the component class of k.
func (k Kind) Class() Class {
	switch k {
	case KindNetwork, KindAuth, KindMalformedResponse, KindParse:
		return ClassConfigFetch
	case KindOSDenied, KindPermissionMissing, KindUnsupported:
		return ClassProvisioning
	case KindNativeEngine, KindInvalidConfig:
		return ClassBackendActivation
	case KindRevoked:
		return ClassRevocation
	case KindBackendUnavailable:
		return ClassFatalInit
	default:
		return ClassUnknown
	}
}

// Retryable reports whether another attempt with the same inputs may succeed.
func (k Kind) Retryable() bool {
	switch k {
	case KindNetwork, KindMalformedResponse, KindOSDenied, KindNativeEngine, KindUnknown:
		return true
	default:
		return false
	}
}

// Error is a classified failure. Op names the operation that failed
// (for example "fetch", "provision", "activate").
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	case e.Err != nil:
		return e.Err.Error()
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is match a bare *Error{Kind: k} target by kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Err == nil && t.Kind == e.Kind
}

// New returns an *Error of kind k wrapping err.
func New(k Kind, op string, err error) *Error {
	return &Error{Kind: k, Op: op, Err: err}
}

// Errorf returns an *Error of kind k with a formatted cause.
func Errorf(k Kind, op, format string, args ...any) *Error {
	return &Error{Kind: k, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the first *Error in err's chain, or
// KindUnknown if there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsRetryable reports whether err is worth another attempt. A nil error is
// not retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return KindOf(err).Retryable()
}
