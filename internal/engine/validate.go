package engine

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

// ValidationError reports one rejected input field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

var (
	usernameRe = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	emailRe    = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
)

func validateUsername(username string) error {
	if len(username) < 3 || len(username) > 50 {
		return ValidationError{"username", "must be 3 to 50 characters"}
	}
	if !usernameRe.MatchString(username) {
		return ValidationError{"username", "may contain only letters, digits, underscore and hyphen"}
	}
	return nil
}

func validateEmail(email string) error {
	if email == "" || len(email) > 254 || !emailRe.MatchString(email) {
		return ValidationError{"email", "must be a valid email address"}
	}
	return nil
}

func validatePassword(password string) error {
	if len(password) < 8 {
		return ValidationError{"password", "must be at least 8 characters"}
	}
	var upper, lower, digit bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		}
	}
	if !upper || !lower || !digit {
		return ValidationError{"password", "must contain upper case, lower case and a digit"}
	}
	return nil
}

func validateProjectName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" || len(name) > 100 {
		return ValidationError{"name", "must be 1 to 100 characters"}
	}
	return nil
}

func validateIssueTitle(title string) error {
	title = strings.TrimSpace(title)
	if title == "" || len(title) > 200 {
		return ValidationError{"title", "must be 1 to 200 characters"}
	}
	return nil
}

func validateDescription(desc string) error {
	if len(desc) > 5000 {
		return ValidationError{"description", "must be at most 5000 characters"}
	}
	return nil
}

func validateCommentContent(content string) error {
	if strings.TrimSpace(content) == "" || len(content) > 2000 {
		return ValidationError{"content", "must be 1 to 2000 characters"}
	}
	return nil
}
