package recovery

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	minPasswordLength = 8
	maxPasswordLength = 128
	specialCharacters = `!@#$%^&*()_+-=[]{};':"\|,.<>/?`
)

var (
	commonSubstrings = regexp.MustCompile(`(?i)123|abc|qwe|password|admin|user|test|login|welcome|letmein`)
	sequentialDigits = regexp.MustCompile(`^(012|123|234|345|456|567|678|789|890)`)
	sequentialLetter = regexp.MustCompile(`(?i)^(abc|bcd|cde|def|efg|fgh|ghi|hij|ijk|jkl|klm|lmn|mno|nop|opq|pqr|qrs|rst|stu|tuv|uvw|vwx|wxy|xyz)`)
)

// Form is the submitted reset form.
type Form struct {
	Password        string
	ConfirmPassword string
}

// Field names used in ValidateResetForm results.
const (
	FieldPassword        = "password"
	FieldConfirmPassword = "confirmPassword"
)

// ValidatePasswordStrength returns every policy violation of password, or
// nil when it is acceptable.
func ValidatePasswordStrength(password string) []string {
	var errs []string
	n := utf8.RuneCountInString(password)

	if n < minPasswordLength {
		errs = append(errs, "Password must be at least 8 characters long")
	}
	if n > maxPasswordLength {
		errs = append(errs, "Password must be less than 128 characters")
	}
	if !strings.ContainsAny(password, "ABCDEFGHIJKLMNOPQRSTUVWXYZ") {
		errs = append(errs, "Password must contain at least one uppercase letter")
	}
	if !strings.ContainsAny(password, "abcdefghijklmnopqrstuvwxyz") {
		errs = append(errs, "Password must contain at least one lowercase letter")
	}
	if !strings.ContainsAny(password, "0123456789") {
		errs = append(errs, "Password must contain at least one number")
	}
	if !strings.ContainsAny(password, specialCharacters) {
		errs = append(errs, "Password must contain at least one special character")
	}
	if hasRun(password, 3) {
		errs = append(errs, "Password cannot contain more than 2 consecutive identical characters")
	}
	if isCommonPattern(password) {
		errs = append(errs, "Password cannot contain common patterns or dictionary words")
	}
	return errs
}

// ValidateResetForm returns a message per invalid field, or nil.
func ValidateResetForm(f Form) map[string]string {
	errs := make(map[string]string)

	if f.Password == "" {
		errs[FieldPassword] = "Password is required"
	} else if problems := ValidatePasswordStrength(f.Password); len(problems) > 0 {
		errs[FieldPassword] = problems[0]
	}

	switch {
	case f.ConfirmPassword == "":
		errs[FieldConfirmPassword] = "Password confirmation is required"
	case f.Password != f.ConfirmPassword:
		errs[FieldConfirmPassword] = "Passwords do not match"
	}

	if len(errs) == 0 {
		return nil
	}
	return errs
}

// firstFieldError picks the message shown in the form banner.
func firstFieldError(errs map[string]string) string {
	if msg, ok := errs[FieldPassword]; ok {
		return msg
	}
	return errs[FieldConfirmPassword]
}

// hasRun reports whether s contains n identical runes in a row.
func hasRun(s string, n int) bool {
	var prev rune
	run := 0
	for i, r := range s {
		if i > 0 && r == prev {
			run++
		} else {
			run = 1
		}
		if run >= n {
			return true
		}
		prev = r
	}
	return false
}

func isCommonPattern(s string) bool {
	if commonSubstrings.MatchString(s) {
		return true
	}
	if utf8.RuneCountInString(s) > 1 && allSame(s) {
		return true
	}
	return sequentialDigits.MatchString(s) || sequentialLetter.MatchString(s)
}

func allSame(s string) bool {
	first, _ := utf8.DecodeRuneInString(s)
	for _, r := range s {
		if r != first {
			return false
		}
	}
	return true
}
