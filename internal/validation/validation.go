// Package validation provides request validation helpers for the SND API.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (64KB). Telemetry events
// are small; anything larger is not an event.
const MaxRequestSize = 64 << 10

// MaxFieldLength bounds identity fields such as user_id and device.
const MaxFieldLength = 256

// identifierRegex rejects control characters in identity fields.
var identifierRegex = regexp.MustCompile(`^[^\x00-\x1f\x7f]+$`)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// Normalize trims surrounding whitespace, strips NUL bytes and lower-cases s.
func Normalize(s string) string {
	s = strings.ReplaceAll(s, "\x00", "")
	return strings.ToLower(strings.TrimSpace(s))
}

// SanitizeString trims whitespace, strips NUL bytes and caps length.
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(strings.ReplaceAll(s, "\x00", ""))
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return s
}

// ValidationError describes one invalid field.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	switch len(e) {
	case 0:
		return "validation failed"
	case 1:
		return e[0].Field + ": " + e[0].Message
	}
	parts := make([]string, len(e))
	for i, ve := range e {
		parts[i] = ve.Field + ": " + ve.Message
	}
	return strings.Join(parts, "; ")
}

// Check is a single deferred field check.
type Check func() *ValidationError

// Validate runs every check and collects the failures.
func Validate(checks ...Check) ValidationErrors {
	var errs ValidationErrors
	for _, check := range checks {
		if err := check(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

// Required checks if a field is non-empty
func Required(field, value string) Check {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// MaxLength checks if a field exceeds max length
func MaxLength(field, value string, max int) Check {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// Identifier checks that a non-empty field holds no control characters.
func Identifier(field, value string) Check {
	return func() *ValidationError {
		if value == "" {
			return nil // Use Required for required fields
		}
		if !identifierRegex.MatchString(value) {
			return &ValidationError{Field: field, Message: "contains control characters"}
		}
		return nil
	}
}

// Custom wraps an arbitrary predicate as a Check.
func Custom(field, message string, ok bool) Check {
	return func() *ValidationError {
		if !ok {
			return &ValidationError{Field: field, Message: message}
		}
		return nil
	}
}
