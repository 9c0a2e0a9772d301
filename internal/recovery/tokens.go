// Package recovery drives the password-reset page: it reads the one-time
// recovery tokens from the link, exchanges them for a short-lived session
// under a hard timeout, updates the password behind a rate limiter and then
// tears the session down.
package recovery

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"

	apperrors "github.com/Caleb220/Parscade-Bolt-Testing-sub001/pkg/errors"
)

const (
	minTokenLength   = 20
	defaultExpiresIn = 3600
	tokenTypeBearer  = "bearer"
	typeRecovery     = "recovery"
)

var tokenPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ResetTokens are the credentials carried by a password-reset link.
type ResetTokens struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int
	TokenType    string
	Type         string
}

// ExtractResetTokens reads the recovery tokens from u. The fragment is
// authoritative; the query string is used only when the fragment carries no
// access token. It returns (nil, nil) when the link has no token at all and
// an error wrapping apperrors.ErrInvalidToken when the token is malformed.
func ExtractResetTokens(u *url.URL) (*ResetTokens, error) {
	params := tokenParams(u)
	if params == nil {
		return nil, nil
	}

	access := params.Get("access_token")
	t := &ResetTokens{
		AccessToken:  access,
		RefreshToken: valueOr(params, "refresh_token", access),
		TokenType:    valueOr(params, "token_type", tokenTypeBearer),
		Type:         valueOr(params, "type", typeRecovery),
	}

	if len(access) < minTokenLength {
		return nil, invalidToken("too short")
	}
	if !tokenPattern.MatchString(access) {
		return nil, invalidToken("invalid characters")
	}
	expiresIn, err := strconv.Atoi(valueOr(params, "expires_in", strconv.Itoa(defaultExpiresIn)))
	if err != nil || expiresIn <= 0 {
		return nil, invalidToken("invalid expiration")
	}
	t.ExpiresIn = expiresIn
	if t.TokenType != tokenTypeBearer {
		return nil, invalidToken("invalid token type")
	}
	if t.Type != typeRecovery {
		return nil, invalidToken("invalid reset type")
	}
	return t, nil
}

// IsRecoveryMode reports whether u is a recovery link: type=recovery together
// with an access token, in the fragment or the query string.
func IsRecoveryMode(u *url.URL) bool {
	if u == nil {
		return false
	}
	for _, params := range []url.Values{fragmentParams(u), u.Query()} {
		if params.Get("type") == typeRecovery && params.Get("access_token") != "" {
			return true
		}
	}
	return false
}

// NewSessionID returns an opaque 32-character alphanumeric id that scopes
// rate limiting to one page load.
func NewSessionID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func tokenParams(u *url.URL) url.Values {
	if u == nil {
		return nil
	}
	if params := fragmentParams(u); params.Get("access_token") != "" {
		return params
	}
	if params := u.Query(); params.Get("access_token") != "" {
		return params
	}
	return nil
}

func fragmentParams(u *url.URL) url.Values {
	// ParseQuery keeps every pair it could decode.
	params, _ := url.ParseQuery(u.EscapedFragment())
	return params
}

func valueOr(params url.Values, key, fallback string) string {
	if v := params.Get(key); v != "" {
		return v
	}
	return fallback
}

func invalidToken(reason string) error {
	return fmt.Errorf("%w: %s", apperrors.ErrInvalidToken, reason)
}
