// Package validation provides input validation helpers and middleware for the API.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20 // 1MB

// MaxStringLength is the maximum length for free-text string fields
const MaxStringLength = 10000

var (
	// tradeIDRegex validates trade identifiers issued by idgen ("trd_" + 24 hex)
	tradeIDRegex = regexp.MustCompile(`^trd_[a-f0-9]{24}$`)
	// partyIDRegex validates buyer/seller/inspector account identifiers
	partyIDRegex = regexp.MustCompile(`^[A-Za-z0-9_-]{3,64}$`)
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidTradeID checks if a string is a well-formed trade identifier
func IsValidTradeID(id string) bool {
	return tradeIDRegex.MatchString(id)
}

// IsValidPartyID checks if a string is a well-formed account identifier
func IsValidPartyID(id string) bool {
	return partyIDRegex.MatchString(id)
}

// SanitizeString removes dangerous characters and limits length
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)

	if len(s) > maxLen {
		s = s[:maxLen]
	}

	// Remove null bytes
	s = strings.ReplaceAll(s, "\x00", "")

	return s
}

// FieldError describes a single invalid field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Errors is a collection of field errors.
type Errors []FieldError

func (e Errors) Error() string {
	if len(e) == 0 {
		return ""
	}
	parts := make([]string, len(e))
	for i, fe := range e {
		parts[i] = fe.Field + ": " + fe.Message
	}
	return strings.Join(parts, "; ")
}

// Validate collects the non-nil results of a set of field checks.
func Validate(checks ...*FieldError) Errors {
	var errs Errors
	for _, c := range checks {
		if c != nil {
			errs = append(errs, *c)
		}
	}
	return errs
}

// ValidPartyID returns a FieldError if id is not a valid account identifier.
func ValidPartyID(field, id string) *FieldError {
	if !IsValidPartyID(id) {
		return &FieldError{Field: field, Message: "must be 3-64 characters of letters, digits, '-' or '_'"}
	}
	return nil
}

// ValidAmountCents returns a FieldError if cents is not a positive amount.
func ValidAmountCents(field string, cents int64) *FieldError {
	if cents <= 0 {
		return &FieldError{Field: field, Message: "must be a positive amount"}
	}
	return nil
}

// Required returns a FieldError if s is empty after trimming.
func Required(field, s string) *FieldError {
	if strings.TrimSpace(s) == "" {
		return &FieldError{Field: field, Message: "is required"}
	}
	return nil
}
