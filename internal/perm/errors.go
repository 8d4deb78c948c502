package perm

import (
	"errors"
	"fmt"
)

var (
	ErrPermissionDenied  = errors.New("perm: permission denied")
	ErrPathNotAllowed    = errors.New("perm: path not allowed")
	ErrUnknownCapability = errors.New("perm: unknown capability")
	ErrUnknownProfile    = errors.New("perm: unknown profile")
)

// PermissionError records a denied check with enough context to audit it.
// It unwraps to ErrPermissionDenied, or to ErrPathNotAllowed when a file
// policy rejected the path.
type PermissionError struct {
	Plugin     string
	Capability Capability
	Context    string
	Reason     string

	err error
}

func (e *PermissionError) Error() string {
	if e.Context != "" {
		return fmt.Sprintf("plugin %q: %s on %q: %s", e.Plugin, e.Capability, e.Context, e.Reason)
	}
	return fmt.Sprintf("plugin %q: %s: %s", e.Plugin, e.Capability, e.Reason)
}

func (e *PermissionError) Unwrap() error { return e.err }

func denied(plugin string, c Capability, context, reason string) *PermissionError {
	return &PermissionError{Plugin: plugin, Capability: c, Context: context, Reason: reason, err: ErrPermissionDenied}
}

func pathDenied(plugin string, c Capability, path, reason string) *PermissionError {
	return &PermissionError{Plugin: plugin, Capability: c, Context: path, Reason: reason, err: ErrPathNotAllowed}
}
