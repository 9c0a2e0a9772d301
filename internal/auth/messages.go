package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/Caleb220/Parscade-Bolt-Testing-sub001/internal/identity"
	apperrors "github.com/Caleb220/Parscade-Bolt-Testing-sub001/pkg/errors"
)

const (
	msgInvalidCredentials   = "Invalid email/username or password."
	msgAccountExists        = "An account with this email already exists. Try signing in instead."
	msgSessionSetupFailed   = "We could not complete sign-in. Please try again."
	msgConfirmEmail         = "Please check your email to confirm your account before signing in."
	msgInitFailed           = "Failed to initialize authentication."
	msgResendFailed         = "Failed to resend confirmation email."
	msgUnexpected           = "An unexpected error occurred. Please try again."
	msgSignUpPasswordPolicy = "Please check your input and try again."
)

// Error is an operation failure carrying a message that is safe to show.
type Error struct {
	Message string
	Err     error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// provider resend failures, keyed by the lower-cased provider message.
var resendMessages = map[string]string{
	"invalid login credentials":                "Invalid email or password. Please check your credentials and try again.",
	"email not confirmed":                      "Please check your email and click the confirmation link before signing in.",
	"user already registered":                  msgAccountExists,
	"password should be at least 6 characters": "Password must be at least 6 characters long.",
	"signup is disabled":                       "New account registration is currently disabled. Please contact support.",
	"email rate limit exceeded":                "Too many requests. Please wait a moment before trying again.",
}

// signInMessage maps a sign-in failure to display text. Any credential
// rejection reads the same so the message does not reveal which accounts
// exist.
func signInMessage(err error) string {
	if _, ok := identity.AsError(err); ok {
		return msgSessionSetupFailed
	}
	switch apperrors.HTTPStatus(err) {
	case http.StatusUnauthorized, http.StatusBadRequest:
		return msgInvalidCredentials
	}
	return apperrors.UserMessage(err)
}

func signUpMessage(err error) string {
	if _, ok := identity.AsError(err); ok {
		return msgSessionSetupFailed
	}
	switch apperrors.HTTPStatus(err) {
	case http.StatusConflict:
		return msgAccountExists
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return msgSignUpPasswordPolicy
	}
	return apperrors.UserMessage(err)
}

func resendMessage(err error) string {
	pe, ok := identity.AsError(err)
	if !ok {
		if errors.Is(err, apperrors.ErrNetwork) || errors.Is(err, apperrors.ErrTimeout) {
			return apperrors.UserMessage(err)
		}
		return msgResendFailed
	}
	if msg, ok := resendMessages[strings.ToLower(strings.TrimSpace(pe.Message))]; ok {
		return msg
	}
	if pe.Status == http.StatusTooManyRequests {
		return resendMessages["email rate limit exceeded"]
	}
	return msgUnexpected
}
