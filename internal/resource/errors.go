package resource

import (
	"errors"
	"fmt"
)

var (
	ErrValidation     = errors.New("resource: validation failed")
	ErrConfig         = errors.New("resource: config unresolvable")
	ErrRemoteRejected = errors.New("resource: remote rejected")
)

// ValidationError reports malformed desired state. No remote call is made.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation error: %s", e.Reason)
	}
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// ConfigError reports a derived field that cannot be resolved from the input.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error: %s: %s", e.Field, e.Reason)
}

func (e *ConfigError) Is(target error) bool {
	return target == ErrConfig
}

// RemoteRejected reports a control-plane refusal (quota, invalid reference,
// permission). The resource is left in its last-known state.
type RemoteRejected struct {
	Resource string
	Reason   string
	Err      error
}

func (e *RemoteRejected) Error() string {
	if e.Resource == "" {
		return fmt.Sprintf("remote rejected: %s", e.Reason)
	}
	return fmt.Sprintf("remote rejected %s: %s", e.Resource, e.Reason)
}

func (e *RemoteRejected) Is(target error) bool {
	return target == ErrRemoteRejected
}

func (e *RemoteRejected) Unwrap() error {
	return e.Err
}

// Invalid is shorthand for a ValidationError.
func Invalid(field string, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Rejected wraps a control-plane failure as RemoteRejected unless it already is one.
func Rejected(resource string, err error) error {
	if err == nil {
		return nil
	}
	var rr *RemoteRejected
	if errors.As(err, &rr) {
		if rr.Resource == "" {
			return &RemoteRejected{Resource: resource, Reason: rr.Reason, Err: rr.Err}
		}
		return err
	}
	return &RemoteRejected{Resource: resource, Reason: err.Error(), Err: err}
}
