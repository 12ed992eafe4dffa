// Package forms validates the login, signup, receipt and upload forms before any network call.
package forms

import (
	"path/filepath"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Errors maps a field name to the first validation message for that field.
type Errors map[string]string

// Valid reports whether no field failed.
func (e Errors) Valid() bool {
	return len(e) == 0
}

// Get returns the message for field, or "".
func (e Errors) Get(field string) string {
	return e[field]
}

func (e Errors) add(field, message string) {
	if _, exists := e[field]; !exists {
		e[field] = message
	}
}

var emailPattern = regexp.MustCompile(`(?i)^[A-Z0-9._%+-]+@[A-Z0-9.-]+\.[A-Z]{2,}$`)

const minPasswordLength = 8

// Login is the email/password sign-in form.
type Login struct {
	Email    string
	Password string
}

// Validate checks required fields, the email pattern and the password length.
func (f Login) Validate() Errors {
	errs := Errors{}
	validateEmail(errs, f.Email)
	validatePassword(errs, f.Password)
	return errs
}

// Signup is the account registration form.
type Signup struct {
	FullName string
	Email    string
	Password string
}

// Validate applies the login rules plus name length and password complexity.
func (f Signup) Validate() Errors {
	errs := Errors{}

	switch {
	case f.FullName == "":
		errs.add("fullName", "Full name is required")
	case utf8.RuneCountInString(f.FullName) < 2:
		errs.add("fullName", "Name must be at least 2 characters")
	}

	validateEmail(errs, f.Email)
	validatePassword(errs, f.Password)
	if errs.Get("password") == "" && !hasMixedCaseAndDigit(f.Password) {
		errs.add("password", "Password must contain at least one uppercase letter, one lowercase letter, and one number")
	}
	return errs
}

func validateEmail(errs Errors, email string) {
	switch {
	case email == "":
		errs.add("email", "Email is required")
	case !emailPattern.MatchString(email):
		errs.add("email", "Invalid email address")
	}
}

func validatePassword(errs Errors, password string) {
	switch {
	case password == "":
		errs.add("password", "Password is required")
	case utf8.RuneCountInString(password) < minPasswordLength:
		errs.add("password", "Password must be at least 8 characters")
	}
}

func hasMixedCaseAndDigit(password string) bool {
	var lower, upper, digit bool
	for _, r := range password {
		switch {
		case r >= 'a' && r <= 'z':
			lower = true
		case r >= 'A' && r <= 'Z':
			upper = true
		case r >= '0' && r <= '9':
			digit = true
		}
	}
	return lower && upper && digit
}

// DefaultWorksheet is preselected in the receipt modal.
const DefaultWorksheet = "Transactions"

// Receipt is the receipt analysis modal.
type Receipt struct {
	SpreadsheetID string
	WorksheetName string
	HasImage      bool
	Note          string
}

// Validate requires a worksheet and an image.
func (f Receipt) Validate() Errors {
	errs := Errors{}
	if strings.TrimSpace(f.SpreadsheetID) == "" {
		errs.add("spreadsheetId", "Canvas ID not found.")
	}
	if strings.TrimSpace(f.WorksheetName) == "" {
		errs.add("worksheetName", "Worksheet must be selected")
	}
	if !f.HasImage {
		errs.add("image", "Receipt image must be selected")
	}
	return errs
}

// Upload is the create-from-file modal.
type Upload struct {
	Filename   string
	CanvasName string
}

// Validate requires a file and a non-blank canvas name.
func (f Upload) Validate() Errors {
	errs := Errors{}
	if f.Filename == "" {
		errs.add("file", "Please choose a file to upload")
	}
	if strings.TrimSpace(f.CanvasName) == "" {
		errs.add("canvasName", "Canvas name is required")
	}
	return errs
}

// SuggestCanvasName derives a canvas name from an uploaded file name: everything before the last
// dot, with underscores and hyphens turned into spaces. Names without an extension suggest nothing.
func SuggestCanvasName(filename string) string {
	base := filepath.Base(filename)
	if i := strings.LastIndex(base, "."); i >= 0 {
		base = base[:i]
	} else {
		base = ""
	}
	return strings.Map(func(r rune) rune {
		if r == '_' || r == '-' {
			return ' '
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, base)
}
