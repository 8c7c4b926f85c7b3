package core

import (
	"cmp"
	"fmt"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"
)

// ValidationError is one rejected setting, keyed by its dotted config path.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// ValidationErrors collects every rejected setting of a configuration so a
// user can fix them in one pass.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	parts := make([]string, len(e))
	for i := range e {
		parts[i] = e[i].Error()
	}
	return "invalid configuration: " + strings.Join(parts, "; ")
}

// HasErrors reports whether any setting was rejected.
func (e ValidationErrors) HasErrors() bool { return len(e) > 0 }

// Add records a rejected setting.
func (e *ValidationErrors) Add(field, message string) {
	*e = append(*e, ValidationError{Field: field, Message: message})
}

// Validator accumulates problems across chained checks. Checks on optional
// settings (URL, OneOf, FileExists) pass when the value is empty.
type Validator struct {
	errors ValidationErrors
}

func NewValidator() *Validator {
	return &Validator{}
}

func (v *Validator) fail(field, format string, args ...any) *Validator {
	v.errors.Add(field, fmt.Sprintf(format, args...))
	return v
}

func blank(s string) bool { return strings.TrimSpace(s) == "" }

// Required rejects blank values.
func (v *Validator) Required(field, value string) *Validator {
	if blank(value) {
		return v.fail(field, "is required")
	}
	return v
}

// RequiredIf rejects a blank value when cond holds; reason completes the
// message "is required when ...".
func (v *Validator) RequiredIf(cond bool, field, value, reason string) *Validator {
	if cond && blank(value) {
		return v.fail(field, "is required when %s", reason)
	}
	return v
}

// URL requires an absolute URL with a host.
func (v *Validator) URL(field, value string) *Validator {
	if value == "" {
		return v
	}
	u, err := url.Parse(value)
	switch {
	case err != nil:
		return v.fail(field, "invalid URL: %v", err)
	case u.Scheme == "" || u.Host == "":
		return v.fail(field, "must be a valid URL with scheme and host")
	}
	return v
}

func (v *Validator) OneOf(field, value string, allowed []string) *Validator {
	if value == "" || slices.Contains(allowed, value) {
		return v
	}
	return v.fail(field, "must be one of: %s", strings.Join(allowed, ", "))
}

// FileExists requires path to name a regular file (or anything but a
// directory) the process can stat.
func (v *Validator) FileExists(field, path string) *Validator {
	if path == "" {
		return v
	}
	info, err := os.Stat(path)
	switch {
	case os.IsNotExist(err):
		return v.fail(field, "file %s does not exist", path)
	case err != nil:
		return v.fail(field, "cannot access file: %v", err)
	case info.IsDir():
		return v.fail(field, "%s is a directory, expected file", path)
	}
	return v
}

func atLeast[T cmp.Ordered](v *Validator, field string, value, floor T, show string) *Validator {
	if value < floor {
		return v.fail(field, "must be at least %s", show)
	}
	return v
}

func (v *Validator) Min(field string, value, min int) *Validator {
	return atLeast(v, field, value, min, fmt.Sprint(min))
}

func (v *Validator) Max(field string, value, max int) *Validator {
	if value > max {
		return v.fail(field, "must be at most %d", max)
	}
	return v
}

func (v *Validator) MinDuration(field string, value, min time.Duration) *Validator {
	return atLeast(v, field, value, min, min.String())
}

// Fraction requires a value in [0, 1], the range of every threshold and
// probability setting.
func (v *Validator) Fraction(field string, value float64) *Validator {
	if value < 0 || value > 1 {
		return v.fail(field, "must be between 0 and 1, got %v", value)
	}
	return v
}

// Custom records message against field when ok reports false.
func (v *Validator) Custom(field string, ok func() bool, message string) *Validator {
	if !ok() {
		v.errors.Add(field, message)
	}
	return v
}

// Errors returns the problems found so far.
func (v *Validator) Errors() ValidationErrors {
	return v.errors
}

// Validate returns the accumulated problems, or nil.
func (v *Validator) Validate() error {
	if !v.errors.HasErrors() {
		return nil
	}
	return v.errors
}
