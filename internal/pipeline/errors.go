package pipeline

import (
	"errors"
	"fmt"
)

// Error type names shared with the scheduling layer. The Temporal retry
// policy marks these non-retryable; everything unclassified stays retryable.
const (
	ErrTypeConfiguration   = "ConfigurationError"
	ErrTypeUnknownStream   = "UnknownStreamType"
	ErrTypeUnknownData     = "UnknownDataType"
	ErrTypeNoCredential    = "NoCredential"
	ErrTypeUnknownPlatform = "UnknownPlatform"
)

// ErrNotFound marks a missing dependent resource (deleted account, removed
// post). Adapters treat it as benign: drop the one item, continue the stream.
var ErrNotFound = errors.New("resource not found")

// ErrNoCredential is returned by a credential provider when an integration
// has no usable token. The run aborts as a configuration problem.
var ErrNoCredential = errors.New("no credential for integration")

// ConfigurationError aborts an entire run; it surfaces on the integration's
// status rather than inside the data stream.
type ConfigurationError struct {
	Platform PlatformType
	Reason   string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("%s integration misconfigured: %s", e.Platform, e.Reason)
}

// NewConfigurationError builds a run-aborting settings error.
func NewConfigurationError(platform PlatformType, format string, args ...any) error {
	return &ConfigurationError{Platform: platform, Reason: fmt.Sprintf(format, args...)}
}

// UnknownStreamTypeError is a programming or config defect: a stream carried
// a discriminator no handler claims. It aborts loudly.
type UnknownStreamTypeError struct {
	Platform   PlatformType
	Identifier string
}

func (e *UnknownStreamTypeError) Error() string {
	return fmt.Sprintf("unknown %s stream type: %s", e.Platform, e.Identifier)
}

// UnknownDataTypeError is the data-side twin of UnknownStreamTypeError.
type UnknownDataTypeError struct {
	Platform PlatformType
	Kind     string
}

func (e *UnknownDataTypeError) Error() string {
	return fmt.Sprintf("unknown %s data kind: %s", e.Platform, e.Kind)
}

// UnknownPlatformError means no adapter is registered for a platform
// discriminator carried on an integration or stream.
type UnknownPlatformError struct {
	Platform PlatformType
}

func (e *UnknownPlatformError) Error() string {
	return fmt.Sprintf("no adapter registered for platform %s", e.Platform)
}

// ErrorTypeName classifies err into one of the non-retryable type names, or
// "" when the error should flow to the outer bounded retry policy.
func ErrorTypeName(err error) string {
	var ce *ConfigurationError
	var se *UnknownStreamTypeError
	var de *UnknownDataTypeError
	var pe *UnknownPlatformError
	switch {
	case errors.As(err, &ce):
		return ErrTypeConfiguration
	case errors.As(err, &se):
		return ErrTypeUnknownStream
	case errors.As(err, &de):
		return ErrTypeUnknownData
	case errors.As(err, &pe):
		return ErrTypeUnknownPlatform
	case errors.Is(err, ErrNoCredential):
		return ErrTypeNoCredential
	}
	return ""
}
