// Package backend wraps the Parscade REST endpoints the session core calls.
package backend

import (
	"context"
	"errors"
	"net/http"

	apperrors "github.com/Caleb220/Parscade-Bolt-Testing-sub001/pkg/errors"
	"github.com/Caleb220/Parscade-Bolt-Testing-sub001/pkg/httpclient"
	"github.com/Caleb220/Parscade-Bolt-Testing-sub001/pkg/validator"
)

const (
	pathSignIn        = "/v1/auth/signin"
	pathSignUp        = "/v1/auth/signup"
	pathSignOut       = "/v1/auth/signout"
	pathResetPassword = "/v1/auth/reset-password"
	pathAccountMe     = "/v1/account/me"
)

// SignInRequest identifies the account by email or username.
type SignInRequest struct {
	Email    string `json:"email,omitempty" validate:"omitempty,email"`
	Username string `json:"username,omitempty" validate:"required_without=Email"`
	Password string `json:"password" validate:"required"`
}

// SignUpRequest creates an account.
type SignUpRequest struct {
	Email    string  `json:"email" validate:"required,email"`
	Password string  `json:"password" validate:"required"`
	FullName *string `json:"full_name"`
	Username string  `json:"username"`
}

// SessionTokens is the token pair the backend obtained from the identity
// provider on the caller's behalf.
type SessionTokens struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// Profile is the account record served by /v1/account/me.
type Profile struct {
	ID               string  `json:"id"`
	Email            string  `json:"email"`
	FullName         *string `json:"full_name"`
	Username         *string `json:"username"`
	AvatarURL        *string `json:"avatar_url"`
	SubscriptionTier string  `json:"subscription_tier"`
	Role             string  `json:"role"`
}

// AuthResponse is returned by sign-in and sign-up. Session is nil after a
// sign-up that still needs email confirmation.
type AuthResponse struct {
	User    *Profile       `json:"user"`
	Session *SessionTokens `json:"session"`
	Message string         `json:"message"`
}

type messageResponse struct {
	Message string `json:"message"`
}

// Client calls the backend through the retrying executor.
type Client struct {
	api *httpclient.Client
}

// New creates a backend client. The executor should carry the session
// TokenSource so authenticated calls get a bearer token.
func New(api *httpclient.Client) *Client {
	return &Client{api: api}
}

// SignIn exchanges credentials for a token pair. It is never retried.
func (c *Client) SignIn(ctx context.Context, req SignInRequest) (*AuthResponse, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	var resp AuthResponse
	err := c.api.Post(ctx, pathSignIn, req, &resp,
		httpclient.WithRetryable(false),
		httpclient.WithoutAuth(),
	)
	if err != nil {
		return nil, err
	}
	if resp.Session == nil || resp.Session.AccessToken == "" {
		return nil, apperrors.InvalidResponse("sign-in response carried no session", http.StatusOK).WithEndpoint(pathSignIn)
	}
	return &resp, nil
}

// SignUp registers an account. It is never retried.
func (c *Client) SignUp(ctx context.Context, req SignUpRequest) (*AuthResponse, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	var resp AuthResponse
	err := c.api.Post(ctx, pathSignUp, req, &resp,
		httpclient.WithRetryable(false),
		httpclient.WithoutAuth(),
	)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// SignOut ends the session on the backend.
func (c *Client) SignOut(ctx context.Context) error {
	return c.api.Post(ctx, pathSignOut, struct{}{}, nil, httpclient.WithRetryable(false))
}

// RequestPasswordReset asks the backend to email a recovery link.
func (c *Client) RequestPasswordReset(ctx context.Context, email string) (string, error) {
	req := struct {
		Email string `json:"email" validate:"required,email"`
	}{Email: email}
	if err := validate(req); err != nil {
		return "", err
	}

	var resp messageResponse
	err := c.api.Post(ctx, pathResetPassword, req, &resp,
		httpclient.WithRetryable(false),
		httpclient.WithoutAuth(),
	)
	if err != nil {
		return "", err
	}
	return resp.Message, nil
}

// GetProfile fetches the signed-in account.
func (c *Client) GetProfile(ctx context.Context) (*Profile, error) {
	var p Profile
	if err := c.api.Get(ctx, pathAccountMe, nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func validate(req any) error {
	err := validator.Validate(req)
	var verr *validator.ValidationError
	if errors.As(err, &verr) {
		return verr.APIError()
	}
	return err
}
