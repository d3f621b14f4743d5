package storage

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrTimeout marks a probe or listing that exceeded its bounded wait.
// Probes treat it as "unavailable"; read-only status operations treat it as
// an empty result. It is never propagated as a hard failure for those paths.
var ErrTimeout = errors.New("operation timed out")

// ConfigurationError means the tenant has no usable credentials for the
// attempted backend. Retrying the same backend is moot; cross-backend
// fallback still applies.
type ConfigurationError struct {
	Backend BackendID
	Reason  string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("%s: not configured: %s", e.Backend, e.Reason)
}

// BackendError wraps a vendor call failure. Eligible for cross-backend
// fallback inside the Manager.
type BackendError struct {
	Backend BackendID
	Op      string
	Err     error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Backend, e.Op, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

// NotFoundError is only meaningful for delete, where it is treated as
// success per the idempotent-delete rule.
type NotFoundError struct {
	Path string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("not found: %s", e.Path)
}

// AllProvidersFailedError is raised when every backend in the fallback order
// failed. It aggregates the per-backend failure reasons for diagnostics and
// is the one error the Manager raises rather than recovers from.
type AllProvidersFailedError struct {
	Attempts map[BackendID]error
}

func (e *AllProvidersFailedError) Error() string {
	ids := make([]string, 0, len(e.Attempts))
	for id := range e.Attempts {
		ids = append(ids, string(id))
	}
	sort.Strings(ids)

	var b strings.Builder
	b.WriteString("all storage providers failed")
	for _, id := range ids {
		fmt.Fprintf(&b, "; %s: %v", id, e.Attempts[BackendID(id)])
	}
	return b.String()
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsConfiguration reports whether err is a ConfigurationError.
func IsConfiguration(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// IsTimeout reports whether err is (or wraps) ErrTimeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}
