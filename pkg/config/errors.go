package config

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for configuration loading.
var (
	ErrConfigNotFound = errors.New("configuration file not found")
	ErrInvalidYAML    = errors.New("invalid YAML")
)

// FieldError reports one invalid or missing configuration field.
type FieldError struct {
	Field   string
	Message string
}

// NewFieldError creates a FieldError.
func NewFieldError(field, message string) *FieldError {
	return &FieldError{Field: field, Message: message}
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("config field %q %s", e.Field, e.Message)
}

// combine joins validation errors into one, or returns nil when empty.
func combine(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	msgs := make([]string, len(errs))
	for i, err := range errs {
		msgs[i] = err.Error()
	}
	return errors.New(strings.Join(msgs, "; "))
}
