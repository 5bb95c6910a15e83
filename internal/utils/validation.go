package utils

import (
	"fmt"
	"regexp"
	"strings"
)

var emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)

var familyNameRegex = regexp.MustCompile(`^[\pL\pN '\-]+$`)

// Family names starting with these prefixes are reserved for the system.
var reservedNamePrefixes = []string{"kinpool", "admin", "system"}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateEmail checks if an email address is valid
func ValidateEmail(email string) error {
	email = strings.TrimSpace(email)
	if email == "" {
		return ValidationError{Field: "email", Message: "email is required"}
	}
	if !emailRegex.MatchString(email) {
		return ValidationError{Field: "email", Message: "invalid email format"}
	}
	return nil
}

// ValidateFamilyName checks length, charset and reserved prefixes
func ValidateFamilyName(name string) error {
	name = strings.TrimSpace(name)
	if len(name) < 2 {
		return ValidationError{Field: "name", Message: "name must be at least 2 characters"}
	}
	if len(name) > 64 {
		return ValidationError{Field: "name", Message: "name must be at most 64 characters"}
	}
	if !familyNameRegex.MatchString(name) {
		return ValidationError{Field: "name", Message: "name contains unsupported characters"}
	}
	lower := strings.ToLower(name)
	for _, prefix := range reservedNamePrefixes {
		if strings.HasPrefix(lower, prefix) {
			return ValidationError{Field: "name", Message: "name uses a reserved prefix"}
		}
	}
	return nil
}
