package config

import (
	"fmt"
	"strings"
)

// ValidationError represents a configuration validation error with a hint on
// how to fix it
type ValidationError struct {
	Field        string      `json:"field"`
	Message      string      `json:"message"`
	Suggestion   string      `json:"suggestion"`
	CurrentValue interface{} `json:"current_value,omitempty"`
	ValidValues  []string    `json:"valid_values,omitempty"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation error in field '%s': %s", e.Field, e.Message)
}

// NewValidationError creates a new validation error with suggestion
func NewValidationError(field, message, suggestion string) ValidationError {
	return ValidationError{
		Field:      field,
		Message:    message,
		Suggestion: suggestion,
	}
}

// WithValue records the offending value
func (e ValidationError) WithValue(v interface{}) ValidationError {
	e.CurrentValue = v
	return e
}

// WithValidValues lists the accepted values
func (e ValidationError) WithValidValues(values ...string) ValidationError {
	e.ValidValues = values
	return e
}

// ValidationErrors represents multiple validation errors
type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (e ValidationErrors) Error() string {
	if len(e.Errors) == 0 {
		return "no validation errors"
	}

	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}

	var messages []string
	for _, err := range e.Errors {
		messages = append(messages, err.Error())
	}

	return fmt.Sprintf("multiple validation errors:\n  - %s", strings.Join(messages, "\n  - "))
}

// IsEmpty returns true if there are no validation errors
func (e ValidationErrors) IsEmpty() bool {
	return len(e.Errors) == 0
}

// Count returns the number of validation errors
func (e ValidationErrors) Count() int {
	return len(e.Errors)
}

// GetFixSuggestions returns a formatted list of fix suggestions
func (e ValidationErrors) GetFixSuggestions() []string {
	var suggestions []string
	for _, err := range e.Errors {
		if err.Suggestion != "" {
			suggestions = append(suggestions, fmt.Sprintf("%s: %s", err.Field, err.Suggestion))
		}
	}
	return suggestions
}

func (e *ValidationErrors) add(err ValidationError) {
	e.Errors = append(e.Errors, err)
}

// ConfigError represents configuration loading errors
type ConfigError struct {
	File       string `json:"file,omitempty"`
	Message    string `json:"message"`
	Suggestion string `json:"suggestion"`
	Cause      error  `json:"-"`
}

func (e ConfigError) Error() string {
	if e.File != "" {
		return fmt.Sprintf("config error in '%s': %s", e.File, e.Message)
	}
	return fmt.Sprintf("config error: %s", e.Message)
}

func (e ConfigError) Unwrap() error {
	return e.Cause
}
