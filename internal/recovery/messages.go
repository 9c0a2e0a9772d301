package recovery

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/Caleb220/Parscade-Bolt-Testing-sub001/internal/identity"
	apperrors "github.com/Caleb220/Parscade-Bolt-Testing-sub001/pkg/errors"
)

const (
	msgMissingTokens      = "Invalid or missing password reset tokens. Please request a new reset link."
	msgValidationTimedOut = "Verifying your reset link timed out. Please request a new reset link."
	msgEstablishFailed    = "Failed to establish recovery session. Please request a new password reset link."
	msgLinkInvalid        = "This password reset link is invalid. Please request a new one."
	msgLinkExpired        = "This password reset link has expired. Please request a new one."
	msgLinkMalformed      = "The password reset link is malformed. Please request a new one."
	msgLinkNoLongerValid  = "This password reset link is no longer valid. Please request a new one."
	msgTooManyRequests    = "Too many requests. Please wait a moment and try again."
	msgNoRecoverySession  = "No active recovery session found. Please request a new password reset link."
	msgInvalidSession     = "Invalid recovery session. Please request a new password reset link."
	msgSessionExpired     = "Recovery session has expired. Please request a new password reset link."

	msgUpdateTooShort     = "Password must be at least 8 characters long."
	msgUpdateSessionGone  = "Your password reset session has expired. Please request a new reset link."
	msgUpdateTokenInvalid = "This password reset link is invalid or has expired. Please request a new one."
	msgUpdateLinkExpired  = "Your password reset link has expired. Please request a new password reset."
	msgUpdateWeak         = "Password does not meet security requirements. Please choose a stronger password."
	msgUpdateRateLimited  = "Too many password reset attempts. Please wait before trying again."
	msgUpdateServer       = "A server error occurred. Please try again in a few moments."
	msgUpdateFailed       = "We could not update your password. Please request a new reset link and try again."
)

var (
	errNoRecoveryUser     = fmt.Errorf("%w: recovery session has no user", apperrors.ErrSessionMissing)
	errRecoveryExpired    = fmt.Errorf("%w: recovery session", apperrors.ErrExpired)
	errNoRecoverySession  = fmt.Errorf("%w: no recovery session after exchange", apperrors.ErrSessionMissing)
	errValidationTimedOut = fmt.Errorf("%w: recovery session exchange", apperrors.ErrTimeout)
)

// rateLimitMessage tells the user how many whole minutes to wait.
func rateLimitMessage(wait time.Duration) string {
	minutes := int(math.Ceil(wait.Minutes()))
	if minutes < 1 {
		minutes = 1
	}
	unit := "minutes"
	if minutes == 1 {
		unit = "minute"
	}
	return fmt.Sprintf("Too many password reset attempts. Please wait %d %s before trying again.", minutes, unit)
}

// sessionErrorMessage maps a failed token exchange to display text.
func sessionErrorMessage(err error) string {
	switch {
	case errors.Is(err, apperrors.ErrTimeout):
		return msgValidationTimedOut
	case errors.Is(err, apperrors.ErrExpired):
		return msgLinkExpired
	}

	pe, ok := identity.AsError(err)
	if !ok {
		return msgEstablishFailed
	}
	msg := strings.ToLower(pe.Message)
	switch {
	case strings.Contains(msg, "invalid") && strings.Contains(msg, "token"):
		return msgLinkInvalid
	case strings.Contains(msg, "expired"):
		return msgLinkExpired
	case strings.Contains(msg, "malformed"):
		return msgLinkMalformed
	case pe.Status == http.StatusUnauthorized:
		return msgLinkNoLongerValid
	case pe.Status == http.StatusTooManyRequests:
		return msgTooManyRequests
	}
	return msgEstablishFailed
}

// passwordUpdateMessage maps a failed password update to display text. The
// provider's own text is matched but never shown.
func passwordUpdateMessage(err error) string {
	pe, ok := identity.AsError(err)
	if !ok {
		if errors.Is(err, identity.ErrNoSession) {
			return msgUpdateSessionGone
		}
		return msgUpdateFailed
	}

	msg := strings.ToLower(pe.Message)
	switch {
	case strings.Contains(msg, "password should be at least"), strings.Contains(msg, "password too short"):
		return msgUpdateTooShort
	case strings.Contains(msg, "session"):
		return msgUpdateSessionGone
	case strings.Contains(msg, "token"):
		return msgUpdateTokenInvalid
	case strings.Contains(msg, "expired"):
		return msgUpdateLinkExpired
	case strings.Contains(msg, "weak password"), strings.Contains(msg, "password strength"):
		return msgUpdateWeak
	}

	switch {
	case pe.Status == http.StatusUnauthorized:
		return msgUpdateSessionGone
	case pe.Status == http.StatusUnprocessableEntity:
		return msgUpdateWeak
	case pe.Status == http.StatusTooManyRequests:
		return msgUpdateRateLimited
	case pe.Status >= http.StatusInternalServerError:
		return msgUpdateServer
	}
	return msgUpdateFailed
}
