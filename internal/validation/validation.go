package validation

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"guardian/internal/credentials"
)

var (
	emailRegex   = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)
	contactRegex = regexp.MustCompile(`^08[0-9]{8,12}$`)
)

// ValidationError represents a validation error
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateUsername checks the folded key of a chosen username
func ValidateUsername(username string) error {
	key := credentials.UsernameKey(username)
	if key == "" {
		return ValidationError{Field: "username", Message: "username is required"}
	}
	if n := utf8.RuneCountInString(key); n < 3 || n > 32 {
		return ValidationError{Field: "username", Message: "username must be 3 to 32 characters"}
	}
	if strings.ContainsAny(key, ".#$[]/") {
		return ValidationError{Field: "username", Message: "username must not contain . # $ [ ] or /"}
	}
	if strings.HasPrefix(key, credentials.ChildPrefix) {
		return ValidationError{Field: "username", Message: "usernames starting with " + credentials.ChildPrefix + " are reserved"}
	}
	return nil
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

// ValidatePassword checks if a password meets requirements
func ValidatePassword(password string) error {
	if password == "" {
		return ValidationError{Field: "password", Message: "password is required"}
	}
	if len(password) < 8 {
		return ValidationError{Field: "password", Message: "password must be at least 8 characters"}
	}
	return nil
}

// ValidateName checks if a name is valid
func ValidateName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ValidationError{Field: "name", Message: "name is required"}
	}
	if len(name) < 2 {
		return ValidationError{Field: "name", Message: "name must be at least 2 characters"}
	}
	return nil
}

// ValidateContact checks the child's phone number: digits only, starting
// with 08, 10 to 14 digits long
func ValidateContact(contact string) error {
	contact = strings.TrimSpace(contact)
	if contact == "" {
		return ValidationError{Field: "contact", Message: "contact number is required"}
	}
	if !contactRegex.MatchString(contact) {
		return ValidationError{Field: "contact", Message: "contact must be 10-14 digits starting with 08"}
	}
	return nil
}
