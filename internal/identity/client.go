package identity

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	apperrors "github.com/Caleb220/Parscade-Bolt-Testing-sub001/pkg/errors"
	"github.com/Caleb220/Parscade-Bolt-Testing-sub001/pkg/httpclient"
	"github.com/Caleb220/Parscade-Bolt-Testing-sub001/pkg/logger"
)

const (
	// expiryMargin refreshes a session slightly before the provider would
	// reject it.
	expiryMargin = 10 * time.Second
	eventBuffer  = 32
)

// Client talks to a GoTrue-compatible identity provider over REST and keeps
// the resulting session in a SessionStore.
type Client struct {
	api     *httpclient.Client
	anonKey string
	store   SessionStore
	logger  *slog.Logger
	now     func() time.Time

	refreshMu sync.Mutex

	subMu     sync.Mutex
	subs      map[int]chan Event
	nextID    int
	lastEvent EventType
}

// NewClient creates a provider client. api must be configured with the
// provider base URL and must not have a TokenSource of its own.
func NewClient(api *httpclient.Client, anonKey string, store SessionStore, log *slog.Logger) *Client {
	if store == nil {
		store = NewMemoryStore()
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Client{
		api:     api,
		anonKey: anonKey,
		store:   store,
		logger:  log,
		now:     time.Now,
		subs:    make(map[int]chan Event),
	}
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	ExpiresAt    int64  `json:"expires_at"`
	RefreshToken string `json:"refresh_token"`
	User         *User  `json:"user"`
}

func (t tokenResponse) session(now time.Time) *Session {
	s := &Session{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		TokenType:    t.TokenType,
		User:         t.User,
	}
	switch {
	case t.ExpiresAt > 0:
		s.ExpiresAt = time.Unix(t.ExpiresAt, 0)
	case t.ExpiresIn > 0:
		s.ExpiresAt = now.Add(time.Duration(t.ExpiresIn) * time.Second)
	default:
		if claims, err := parseAccessClaims(t.AccessToken); err == nil {
			s.ExpiresAt = claims.expiresAt()
		}
	}
	if s.TokenType == "" {
		s.TokenType = "bearer"
	}
	return s
}

// GetSession returns the stored session, refreshing it first when it is
// about to expire.
func (c *Client) GetSession(ctx context.Context) (*Session, error) {
	s, err := c.store.Load(ctx)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, nil
	}
	if s.Expired(c.now().Add(expiryMargin)) {
		return c.RefreshSession(ctx)
	}
	return s, nil
}

// SetSession installs a token pair issued elsewhere (backend sign-in,
// recovery link). The user is fetched from the provider, which also proves
// the access token is live.
func (c *Client) SetSession(ctx context.Context, accessToken, refreshToken string) (*Session, error) {
	claims, err := parseAccessClaims(accessToken)
	if err != nil {
		return nil, &Error{Status: http.StatusBadRequest, Code: "invalid_jwt", Message: "Invalid token: malformed", Err: err}
	}

	if !c.now().Before(claims.expiresAt()) {
		return c.refreshWith(ctx, refreshToken, EventSignedIn)
	}

	user, err := c.getUser(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	s := &Session{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenType:    "bearer",
		ExpiresAt:    claims.expiresAt(),
		User:         user,
	}
	if err := c.store.Save(ctx, s); err != nil {
		return nil, err
	}
	c.emit(EventSignedIn, s)
	return s, nil
}

// SetRecoverySession installs the pair from a password-reset link. A JWT
// access token is handled like SetSession. An opaque one is proven live by
// fetching its user and expires expiresIn from now.
func (c *Client) SetRecoverySession(ctx context.Context, accessToken, refreshToken string, expiresIn time.Duration) (*Session, error) {
	if _, err := parseAccessClaims(accessToken); err == nil {
		return c.SetSession(ctx, accessToken, refreshToken)
	}
	if expiresIn <= 0 {
		return nil, &Error{Status: http.StatusBadRequest, Code: "invalid_expiry", Message: "Invalid token: expired"}
	}

	user, err := c.getUser(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	s := &Session{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenType:    "bearer",
		ExpiresAt:    c.now().Add(expiresIn),
		User:         user,
	}
	if err := c.store.Save(ctx, s); err != nil {
		return nil, err
	}
	c.emit(EventPasswordRecovery, s)
	return s, nil
}

// RefreshSession exchanges the stored refresh token for a new session.
// Concurrent callers are serialized so a refresh token is spent once.
func (c *Client) RefreshSession(ctx context.Context) (*Session, error) {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	s, err := c.store.Load(ctx)
	if err != nil {
		return nil, err
	}
	if s == nil || s.RefreshToken == "" {
		return nil, &Error{Status: http.StatusUnauthorized, Code: "session_missing", Message: "Auth session missing!", Err: ErrNoSession}
	}
	return c.refreshWith(ctx, s.RefreshToken, EventTokenRefreshed)
}

func (c *Client) refreshWith(ctx context.Context, refreshToken string, event EventType) (*Session, error) {
	var tr tokenResponse
	err := c.api.Post(ctx, "/auth/v1/token",
		map[string]string{"refresh_token": refreshToken}, &tr,
		httpclient.WithQuery(url.Values{"grant_type": {"refresh_token"}}),
		httpclient.WithoutAuth(),
		httpclient.WithHeader("apikey", c.anonKey),
	)
	if err != nil {
		perr := providerError(err)
		if pe, ok := AsError(perr); ok && (pe.Status == http.StatusBadRequest || pe.Status == http.StatusUnauthorized) {
			c.logger.WarnContext(ctx, "refresh token rejected, clearing session",
				slog.Int("provider_status", pe.Status),
				slog.String("provider_code", pe.Code),
			)
			if cerr := c.store.Clear(ctx); cerr != nil {
				c.logger.WarnContext(ctx, "failed to clear session", slog.String("error", cerr.Error()))
			}
			c.emit(EventSignedOut, nil)
		}
		return nil, perr
	}

	s := tr.session(c.now())
	if s.User == nil {
		user, err := c.getUser(ctx, s.AccessToken)
		if err != nil {
			return nil, err
		}
		s.User = user
	}
	if err := c.store.Save(ctx, s); err != nil {
		return nil, err
	}
	c.emit(event, s)
	return s, nil
}

// SignOut revokes the session at the provider (best-effort) and always
// clears it locally.
func (c *Client) SignOut(ctx context.Context) error {
	var remoteErr error
	if s, err := c.store.Load(ctx); err == nil && s != nil && s.AccessToken != "" {
		err := c.api.Post(ctx, "/auth/v1/logout", nil, nil,
			httpclient.WithQuery(url.Values{"scope": {"global"}}),
			httpclient.WithBearer(s.AccessToken),
			httpclient.WithHeader("apikey", c.anonKey),
			httpclient.WithRetryable(false),
		)
		if err != nil && !isSessionGone(err) {
			remoteErr = providerError(err)
			c.logger.WarnContext(ctx, "provider sign-out failed", slog.String("code", apperrors.Code(err)))
		}
	}

	if err := c.store.Clear(ctx); err != nil {
		return err
	}
	c.emit(EventSignedOut, nil)
	return remoteErr
}

// UpdateUser changes attributes of the signed-in user. Password updates
// during recovery go through here.
func (c *Client) UpdateUser(ctx context.Context, attrs UserAttributes) (*User, error) {
	s, err := c.GetSession(ctx)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, &Error{Status: http.StatusUnauthorized, Code: "session_missing", Message: "Auth session missing!", Err: ErrNoSession}
	}

	var user User
	err = c.api.Put(ctx, "/auth/v1/user", attrs, &user,
		httpclient.WithBearer(s.AccessToken),
		httpclient.WithHeader("apikey", c.anonKey),
		httpclient.WithRetryable(false),
	)
	if err != nil {
		return nil, providerError(err)
	}

	s.User = &user
	if err := c.store.Save(ctx, s); err != nil {
		return nil, err
	}
	c.emit(EventUserUpdated, s)
	return &user, nil
}

// Resend re-sends a confirmation message.
func (c *Client) Resend(ctx context.Context, params ResendParams) error {
	err := c.api.Post(ctx, "/auth/v1/resend", params, nil,
		httpclient.WithoutAuth(),
		httpclient.WithHeader("apikey", c.anonKey),
		httpclient.WithRetryable(false),
	)
	return providerError(err)
}

// Subscribe registers for session events. The returned func unsubscribes and
// closes the channel; calling it more than once is safe.
func (c *Client) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, eventBuffer)

	c.subMu.Lock()
	id := c.nextID
	c.nextID++
	c.subs[id] = ch
	c.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.subMu.Lock()
			delete(c.subs, id)
			close(ch)
			c.subMu.Unlock()
		})
	}
}

func (c *Client) emit(t EventType, s *Session) {
	ev := Event{Type: t, Session: s}

	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.lastEvent = t
	for _, ch := range c.subs {
		select {
		case ch <- ev:
		default:
			c.logger.Warn("dropping auth event for slow subscriber", slog.String("event", string(t)))
		}
	}
}

// WatchStore checks the store every interval until ctx is done and emits
// EventSignedOut when a stored session disappears without this client
// having signed out. Processes sharing a FileStore see each other's
// sign-outs this way.
func (c *Client) WatchStore(ctx context.Context, interval time.Duration) {
	s, err := c.store.Load(ctx)
	present := err == nil && s != nil

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			s, err := c.store.Load(ctx)
			if err != nil {
				c.logger.DebugContext(ctx, "session store check failed", slog.String("error", err.Error()))
				continue
			}
			if present && s == nil && !c.signedOut() {
				c.logger.InfoContext(ctx, "stored session was removed elsewhere")
				c.emit(EventSignedOut, nil)
			}
			present = s != nil
		}
	}()
}

func (c *Client) signedOut() bool {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	return c.lastEvent == EventSignedOut
}

// AccessToken implements httpclient.TokenSource.
func (c *Client) AccessToken(ctx context.Context) (string, error) {
	s, err := c.GetSession(ctx)
	if err != nil || s == nil {
		return "", err
	}
	return s.AccessToken, nil
}

// Refresh implements httpclient.TokenSource.
func (c *Client) Refresh(ctx context.Context) error {
	_, err := c.RefreshSession(ctx)
	return err
}

// PurgeAuthArtifacts removes every locally cached credential.
func (c *Client) PurgeAuthArtifacts(ctx context.Context) error {
	return c.store.Clear(ctx)
}

func (c *Client) getUser(ctx context.Context, accessToken string) (*User, error) {
	var user User
	err := c.api.Get(ctx, "/auth/v1/user", nil, &user,
		httpclient.WithBearer(accessToken),
		httpclient.WithHeader("apikey", c.anonKey),
	)
	if err != nil {
		return nil, providerError(err)
	}
	if user.ID == "" {
		return nil, &Error{Status: http.StatusUnauthorized, Code: "user_not_found", Message: "User from sub claim in JWT does not exist"}
	}
	return &user, nil
}

func providerError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *apperrors.APIError
	if errors.As(err, &apiErr) {
		return &Error{Status: apiErr.StatusCode, Code: apiErr.Code, Message: apiErr.Message, Err: err}
	}
	return &Error{Message: err.Error(), Err: err}
}

func isSessionGone(err error) bool {
	switch statusOf(err) {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return true
	}
	return false
}

func statusOf(err error) int {
	var apiErr *apperrors.APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}
