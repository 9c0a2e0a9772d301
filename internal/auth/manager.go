package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/Caleb220/Parscade-Bolt-Testing-sub001/internal/audit"
	"github.com/Caleb220/Parscade-Bolt-Testing-sub001/internal/backend"
	"github.com/Caleb220/Parscade-Bolt-Testing-sub001/internal/broadcast"
	"github.com/Caleb220/Parscade-Bolt-Testing-sub001/internal/identity"
	apperrors "github.com/Caleb220/Parscade-Bolt-Testing-sub001/pkg/errors"
	"github.com/Caleb220/Parscade-Bolt-Testing-sub001/pkg/logger"
)

const (
	defaultRole = "user"
	defaultPlan = "free"
)

// ErrClosed is returned by Await once the manager has been closed.
var ErrClosed = errors.New("auth manager closed")

// Backend is the part of the backend API the manager calls.
type Backend interface {
	SignIn(ctx context.Context, req backend.SignInRequest) (*backend.AuthResponse, error)
	SignUp(ctx context.Context, req backend.SignUpRequest) (*backend.AuthResponse, error)
	SignOut(ctx context.Context) error
	GetProfile(ctx context.Context) (*backend.Profile, error)
}

// Manager owns the auth State. Provider events are applied on a single loop
// goroutine that starts only after the stored session has been read, so an
// early event can never overtake the initial snapshot.
type Manager struct {
	provider    identity.Provider
	backend     Backend
	broadcaster broadcast.Broadcaster
	audit       audit.Publisher
	logger      *slog.Logger

	mu          sync.Mutex
	state       State
	closed      bool
	subs        map[int]chan State
	nextID      int
	cancel      context.CancelFunc
	done        chan struct{}
	unsubscribe []func()

	signOuts  chan struct{}
	startOnce sync.Once
	closeOnce sync.Once
}

// NewManager creates a manager in InitialState. broadcaster and pub may be
// nil.
func NewManager(provider identity.Provider, be Backend, broadcaster broadcast.Broadcaster, pub audit.Publisher, log *slog.Logger) *Manager {
	if log == nil {
		log = logger.Discard()
	}
	return &Manager{
		provider:    provider,
		backend:     be,
		broadcaster: broadcaster,
		audit:       pub,
		logger:      log,
		state:       InitialState(),
		subs:        make(map[int]chan State),
		signOuts:    make(chan struct{}, 1),
	}
}

// Start reads the stored session, applies it, then subscribes to provider
// events and sign-out broadcasts. Only the first call does anything. The
// event loop runs until ctx is done or Close is called.
func (m *Manager) Start(ctx context.Context) error {
	var err error
	m.startOnce.Do(func() {
		err = m.start(ctx)
	})
	return err
}

func (m *Manager) start(ctx context.Context) error {
	sess, err := m.provider.GetSession(ctx)
	if m.isClosed() {
		return nil
	}
	switch {
	case err != nil:
		m.logger.WarnContext(ctx, "failed to get initial auth session", slog.String("error", err.Error()))
		m.Dispatch(Action{Type: ActionAuthError, Message: msgInitFailed})
	case sess != nil && sess.User != nil:
		m.Dispatch(m.success(ctx, sess.User))
	default:
		m.Dispatch(Action{Type: ActionSetInitialized})
	}

	events, unsubEvents := m.provider.Subscribe()
	unsubs := []func(){unsubEvents}
	if m.broadcaster != nil {
		unsubBroadcast, err := m.broadcaster.Subscribe(m.onBroadcast)
		if err != nil {
			unsubEvents()
			return fmt.Errorf("subscribe to sign-out broadcasts: %w", err)
		}
		unsubs = append(unsubs, unsubBroadcast)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		for _, fn := range unsubs {
			fn()
		}
		return nil
	}
	m.cancel = cancel
	m.done = done
	m.unsubscribe = unsubs
	m.mu.Unlock()

	go m.loop(loopCtx, events, done)
	return nil
}

func (m *Manager) loop(ctx context.Context, events <-chan identity.Event, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			m.handleEvent(ctx, ev)
		case <-m.signOuts:
			m.logger.InfoContext(ctx, "processing cross-context sign-out")
			m.Dispatch(Action{Type: ActionAuthSignOut})
		}
	}
}

func (m *Manager) handleEvent(ctx context.Context, ev identity.Event) {
	m.logger.DebugContext(ctx, "auth state change event",
		slog.String("event", string(ev.Type)),
		slog.Bool("has_session", ev.Session != nil),
	)

	switch ev.Type {
	case identity.EventSignedIn, identity.EventTokenRefreshed:
		if ev.Session == nil || ev.Session.User == nil {
			return
		}
		m.Dispatch(m.success(ctx, ev.Session.User))
	case identity.EventSignedOut:
		m.Dispatch(Action{Type: ActionAuthSignOut})
	}
}

// onBroadcast runs on the broadcaster's goroutine and must not block.
func (m *Manager) onBroadcast(msg broadcast.Message) {
	if msg.Type != broadcast.TypeHardLogout {
		return
	}
	select {
	case m.signOuts <- struct{}{}:
	default:
	}
}

func (m *Manager) success(ctx context.Context, u *identity.User) Action {
	return Action{
		Type:           ActionAuthSuccess,
		User:           m.enhance(ctx, u),
		EmailConfirmed: u.EmailConfirmed(),
	}
}

// enhance merges the provider user with the backend profile. A failed
// profile fetch degrades to the provider's own fields.
func (m *Manager) enhance(ctx context.Context, u *identity.User) *User {
	user := &User{
		ID:            u.ID,
		Email:         u.Email,
		EmailVerified: u.EmailConfirmed(),
		Metadata:      u.UserMetadata,
		CreatedAt:     u.CreatedAt,
		UpdatedAt:     u.UpdatedAt,
		Role:          defaultRole,
	}

	profile, err := m.backend.GetProfile(ctx)
	if err != nil {
		m.logger.WarnContext(ctx, "failed to fetch user profile, using basic auth user",
			slog.String("user_id", u.ID),
			slog.String("code", apperrors.Code(err)),
		)
		user.FullName = u.MetadataString("full_name")
		user.AvatarURL = u.MetadataString("avatar_url")
		user.SubscriptionTier = defaultPlan
		user.Plan = defaultPlan
		return user
	}

	user.FullName = deref(profile.FullName)
	user.Username = deref(profile.Username)
	user.AvatarURL = deref(profile.AvatarURL)
	if profile.Role != "" {
		user.Role = profile.Role
	}
	user.SubscriptionTier = profile.SubscriptionTier
	if user.SubscriptionTier == "" {
		user.SubscriptionTier = defaultPlan
	}
	user.Plan = user.SubscriptionTier
	return user
}

// Dispatch applies a and notifies subscribers. After Close it is a no-op.
func (m *Manager) Dispatch(a Action) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return m.state
	}
	m.state = Reduce(m.state, a)
	transitionsTotal.WithLabelValues(string(a.Type)).Inc()
	for _, ch := range m.subs {
		offer(ch, m.state)
	}
	return m.state
}

// offer replaces any unread state so a slow reader always sees the latest.
func offer(ch chan State, s State) {
	select {
	case ch <- s:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- s:
	default:
	}
}

// State returns the current snapshot.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Subscribe returns a channel that receives the latest state after every
// transition. Intermediate states may be skipped by a slow reader. The
// returned func unsubscribes and may be called more than once.
func (m *Manager) Subscribe() (<-chan State, func()) {
	ch := make(chan State, 1)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		close(ch)
		return ch, func() {}
	}
	id := m.nextID
	m.nextID++
	m.subs[id] = ch

	return ch, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if c, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(c)
		}
	}
}

// Await blocks until a state satisfying pred is current.
func (m *Manager) Await(ctx context.Context, pred func(State) bool) (State, error) {
	ch, unsub := m.Subscribe()
	defer unsub()

	if s := m.State(); pred(s) {
		return s, nil
	}
	for {
		select {
		case s, ok := <-ch:
			if !ok {
				return m.State(), ErrClosed
			}
			if pred(s) {
				return s, nil
			}
		case <-ctx.Done():
			return m.State(), ctx.Err()
		}
	}
}

// Close stops the event loop and unsubscribes from the provider and the
// broadcaster. It is safe to call more than once.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		for id, ch := range m.subs {
			delete(m.subs, id)
			close(ch)
		}
		cancel, done, unsubs := m.cancel, m.done, m.unsubscribe
		m.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		for _, fn := range unsubs {
			fn()
		}
		if done != nil {
			<-done
		}
	})
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// SignIn authenticates by email when identifier contains "@" and by username
// otherwise. On success the token pair is handed to the provider, whose
// SIGNED_IN event drives the transition to authenticated. On failure the
// state carries a display message and the original error is returned.
func (m *Manager) SignIn(ctx context.Context, identifier, password string) error {
	m.Dispatch(Action{Type: ActionAuthStart})

	id := normalize(identifier)
	req := backend.SignInRequest{Password: password}
	method := "username"
	if strings.Contains(id, "@") {
		req.Email = id
		method = "email"
	} else {
		req.Username = id
	}

	var sess *identity.Session
	resp, err := m.backend.SignIn(ctx, req)
	if err == nil {
		sess, err = m.provider.SetSession(ctx, resp.Session.AccessToken, resp.Session.RefreshToken)
	}
	if err != nil {
		m.Dispatch(Action{Type: ActionAuthError, Message: signInMessage(err)})
		m.logger.WarnContext(ctx, "sign-in failed",
			slog.String("method", method),
			slog.String("code", apperrors.Code(err)),
		)
		audit.Emit(ctx, m.audit, m.logger, audit.Event{
			Type:       audit.TypeSignInFailed,
			Subject:    id,
			Attributes: map[string]string{"method": method, "code": apperrors.Code(err)},
		})
		return err
	}

	m.logger.InfoContext(ctx, "user signed in", slog.String("user_id", sess.UserID()))
	audit.Emit(ctx, m.audit, m.logger, audit.Event{
		Type:       audit.TypeSignedIn,
		Subject:    sess.UserID(),
		Attributes: map[string]string{"method": method},
	})
	return nil
}

// SignUp creates an account. When the backend returns a session the user is
// signed in; otherwise the state carries the "confirm your email" notice.
func (m *Manager) SignUp(ctx context.Context, email, password, fullName, username string) error {
	m.Dispatch(Action{Type: ActionAuthStart})

	req := backend.SignUpRequest{
		Email:    normalize(email),
		Password: password,
		Username: normalize(username),
	}
	if name := strings.TrimSpace(fullName); name != "" {
		req.FullName = &name
	}

	resp, err := m.backend.SignUp(ctx, req)
	if err == nil && resp.Session != nil {
		_, err = m.provider.SetSession(ctx, resp.Session.AccessToken, resp.Session.RefreshToken)
		if err != nil {
			m.logger.WarnContext(ctx, "failed to set session after sign-up", slog.String("error", err.Error()))
		}
	}
	if err != nil {
		m.Dispatch(Action{Type: ActionAuthError, Message: signUpMessage(err)})
		return err
	}

	if resp.Session == nil {
		msg := resp.Message
		if msg == "" {
			msg = msgConfirmEmail
		}
		m.Dispatch(Action{Type: ActionAuthInfo, Message: msg})
		m.logger.InfoContext(ctx, "user signed up, email confirmation required")
		return nil
	}

	m.logger.InfoContext(ctx, "user signed up and signed in")
	return nil
}

// SignOut ends the session everywhere. The backend call is best effort; the
// provider sign-out and the broadcast always run, and the state always ends
// signed out.
func (m *Manager) SignOut(ctx context.Context) {
	userID := ""
	if u := m.State().User; u != nil {
		userID = u.ID
	}
	m.Dispatch(Action{Type: ActionAuthStart})

	if err := m.backend.SignOut(ctx); err != nil {
		m.logger.WarnContext(ctx, "backend sign-out failed", slog.String("code", apperrors.Code(err)))
	}
	if err := m.provider.SignOut(ctx); err != nil {
		m.logger.WarnContext(ctx, "provider sign-out failed", slog.String("error", err.Error()))
	}
	if m.broadcaster != nil {
		if err := m.broadcaster.Publish(ctx, broadcast.TypeHardLogout); err != nil {
			m.logger.WarnContext(ctx, "failed to broadcast sign-out", slog.String("error", err.Error()))
		}
	}

	m.Dispatch(Action{Type: ActionAuthSignOut})
	audit.Emit(ctx, m.audit, m.logger, audit.Event{Type: audit.TypeSignedOut, Subject: userID})
}

// ResendConfirmationEmail asks the provider to send the sign-up confirmation
// again. Failures are returned as *Error with a fixed display message.
func (m *Manager) ResendConfirmationEmail(ctx context.Context, email string) error {
	err := m.provider.Resend(ctx, identity.ResendParams{Type: "signup", Email: normalize(email)})
	if err == nil {
		return nil
	}

	attrs := []any{slog.String("error_type", fmt.Sprintf("%T", err))}
	if pe, ok := identity.AsError(err); ok {
		attrs = append(attrs,
			slog.Int("provider_status", pe.Status),
			slog.String("provider_code", pe.Code),
		)
	}
	m.logger.WarnContext(ctx, "resend confirmation failed", attrs...)
	return &Error{Message: resendMessage(err), Err: err}
}

// ClearError removes the current message.
func (m *Manager) ClearError() {
	m.Dispatch(Action{Type: ActionClearError})
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
