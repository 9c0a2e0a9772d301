package recovery

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/Caleb220/Parscade-Bolt-Testing-sub001/internal/audit"
	"github.com/Caleb220/Parscade-Bolt-Testing-sub001/internal/identity"
	"github.com/Caleb220/Parscade-Bolt-Testing-sub001/internal/ratelimit"
	apperrors "github.com/Caleb220/Parscade-Bolt-Testing-sub001/pkg/errors"
	"github.com/Caleb220/Parscade-Bolt-Testing-sub001/pkg/logger"
)

// Phase is the page state.
type Phase string

const (
	PhaseBooting    Phase = "booting"
	PhaseValidating Phase = "validating"
	PhaseReady      Phase = "ready"
	PhaseInvalid    Phase = "invalid"
	PhaseSubmitting Phase = "submitting"
	PhaseComplete   Phase = "complete"
)

// RetryAction is the recovery path offered next to an error.
type RetryAction string

const (
	RetryNone           RetryAction = ""
	RetryResubmit       RetryAction = "resubmit"
	RetryRequestNewLink RetryAction = "request_new_link"
)

// State is a snapshot of the page. Error is always a display-safe message.
type State struct {
	Phase        Phase
	AutoLoggedIn bool
	Error        string
	Recovery     RetryAction
	FieldErrors  map[string]string
}

// Page is the surface the flow runs on.
type Page interface {
	URL() *url.URL
	ReplaceURL(u *url.URL)
	Redirect(target string)
}

// ArtifactCleaner removes locally cached credentials.
type ArtifactCleaner interface {
	PurgeAuthArtifacts(ctx context.Context) error
}

// Config controls timing and redirect targets.
type Config struct {
	ValidationTimeout time.Duration
	CompleteDelay     time.Duration
	SuccessRedirect   string
	ErrorRedirect     string
	// SessionID keys the rate limiter. Empty means a fresh NewSessionID.
	SessionID string
}

// DefaultConfig returns a 10s validation bound and a 2s completion delay.
func DefaultConfig() Config {
	return Config{
		ValidationTimeout: 10 * time.Second,
		CompleteDelay:     2 * time.Second,
		SuccessRedirect:   "/?reset=success",
		ErrorRedirect:     "/?reset=error",
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ValidationTimeout <= 0 {
		c.ValidationTimeout = d.ValidationTimeout
	}
	if c.CompleteDelay < 0 {
		c.CompleteDelay = d.CompleteDelay
	}
	if c.SuccessRedirect == "" {
		c.SuccessRedirect = d.SuccessRedirect
	}
	if c.ErrorRedirect == "" {
		c.ErrorRedirect = d.ErrorRedirect
	}
	if c.SessionID == "" {
		c.SessionID = NewSessionID()
	}
	return c
}

// Orchestrator runs one page lifetime of the reset flow. Every continuation
// checks both the lifetime and the phase it is about to replace, so a
// transition that lost a race or outlived Close is dropped.
type Orchestrator struct {
	provider identity.Provider
	limiter  *ratelimit.Limiter
	page     Page
	cleaner  ArtifactCleaner
	audit    audit.Publisher
	logger   *slog.Logger
	cfg      Config
	now      func() time.Time

	lifetime context.Context
	stop     context.CancelFunc

	mu            sync.Mutex
	state         State
	completeTimer *time.Timer

	bootOnce     sync.Once
	completeOnce sync.Once
	redirect     string
}

// New creates an orchestrator in PhaseBooting. pub may be nil.
func New(provider identity.Provider, limiter *ratelimit.Limiter, page Page, cleaner ArtifactCleaner, pub audit.Publisher, cfg Config, log *slog.Logger) *Orchestrator {
	if log == nil {
		log = logger.Discard()
	}
	cfg = cfg.withDefaults()
	lifetime, stop := context.WithCancel(context.Background())
	return &Orchestrator{
		provider: provider,
		limiter:  limiter,
		page:     page,
		cleaner:  cleaner,
		audit:    pub,
		logger:   log.With(slog.String("reset_session", cfg.SessionID)),
		cfg:      cfg,
		now:      time.Now,
		lifetime: lifetime,
		stop:     stop,
		state:    State{Phase: PhaseBooting},
	}
}

// SessionID returns the rate-limit key of this page load.
func (o *Orchestrator) SessionID() string {
	return o.cfg.SessionID
}

// State returns the current snapshot.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := o.state
	s.FieldErrors = maps.Clone(o.state.FieldErrors)
	return s
}

// transition replaces the state only while the orchestrator is alive and
// still in from.
func (o *Orchestrator) transition(from Phase, next State) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.lifetime.Err() != nil || o.state.Phase != from {
		return false
	}
	o.logger.Debug("reset phase change",
		slog.String("from", string(from)),
		slog.String("to", string(next.Phase)),
	)
	o.state = next
	phaseTransitionsTotal.WithLabelValues(string(next.Phase)).Inc()
	return true
}

func invalid(msg string) State {
	return State{Phase: PhaseInvalid, Error: msg, Recovery: RetryRequestNewLink}
}

// bind derives a context that also ends when the orchestrator is closed.
func (o *Orchestrator) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(o.lifetime, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// Boot reads the link and settles in PhaseReady or PhaseInvalid within the
// validation timeout. Only the first call does anything.
func (o *Orchestrator) Boot(ctx context.Context) State {
	o.bootOnce.Do(func() {
		ctx, cancel := o.bind(ctx)
		defer cancel()
		o.boot(ctx)
	})
	return o.State()
}

func (o *Orchestrator) boot(ctx context.Context) {
	u := o.page.URL()
	o.logger.InfoContext(ctx, "initializing password reset flow", slog.Bool("recovery_link", IsRecoveryMode(u)))

	tokens, err := ExtractResetTokens(u)
	if err != nil {
		o.logger.WarnContext(ctx, "rejected reset tokens", slog.String("reason", err.Error()))
		o.transition(PhaseBooting, invalid(msgMissingTokens))
		return
	}

	if tokens == nil {
		o.autoLogin(ctx)
		return
	}

	if !o.transition(PhaseBooting, State{Phase: PhaseValidating}) {
		return
	}
	o.logger.InfoContext(ctx, "establishing recovery session", slog.Int("expires_in", tokens.ExpiresIn))
	o.validate(ctx, tokens)
}

// autoLogin accepts a link without tokens when the provider already holds a
// valid session. The lookup is bounded by the validation timeout.
func (o *Orchestrator) autoLogin(ctx context.Context) {
	var sess *identity.Session
	err := o.bounded(ctx, func(ctx context.Context) error {
		s, err := o.provider.GetSession(ctx)
		sess = s
		return err
	})
	if errors.Is(err, apperrors.ErrTimeout) {
		o.logger.WarnContext(ctx, "session lookup timed out", recoveryErrorAttrs(err)...)
		o.transition(PhaseBooting, invalid(sessionErrorMessage(err)))
		return
	}
	if err == nil && sess != nil && sess.User != nil && !sess.Expired(o.now()) {
		o.logger.InfoContext(ctx, "user auto-logged in from reset link", slog.String("user_id", sess.UserID()))
		o.transition(PhaseBooting, State{Phase: PhaseReady, AutoLoggedIn: true})
		return
	}
	o.transition(PhaseBooting, invalid(msgMissingTokens))
}

// validate races the token exchange against the validation timeout.
func (o *Orchestrator) validate(ctx context.Context, tokens *ResetTokens) {
	err := o.bounded(ctx, func(ctx context.Context) error {
		return o.establish(ctx, tokens)
	})
	if err != nil {
		o.logger.WarnContext(ctx, "failed to establish recovery session", recoveryErrorAttrs(err)...)
		o.transition(PhaseValidating, invalid(sessionErrorMessage(err)))
		return
	}
	o.logger.InfoContext(ctx, "recovery session established")
	o.transition(PhaseValidating, State{Phase: PhaseReady})
}

// bounded runs fn until it returns, the validation timeout fires or ctx
// ends. The loser's context is cancelled. fn's writes to captured variables
// are visible to the caller only when bounded returns fn's own result.
func (o *Orchestrator) bounded(ctx context.Context, fn func(context.Context) error) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	result := make(chan error, 1)
	go func() {
		result <- fn(runCtx)
	}()

	timer := time.NewTimer(o.cfg.ValidationTimeout)
	defer timer.Stop()

	select {
	case err := <-result:
		return err
	case <-timer.C:
		return errValidationTimedOut
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) establish(ctx context.Context, tokens *ResetTokens) error {
	lifetime := time.Duration(tokens.ExpiresIn) * time.Second
	if _, err := o.provider.SetRecoverySession(ctx, tokens.AccessToken, tokens.RefreshToken, lifetime); err != nil {
		return err
	}
	sess, err := o.provider.GetSession(ctx)
	switch {
	case err != nil:
		return err
	case sess == nil:
		return errNoRecoverySession
	case sess.User == nil:
		return errNoRecoveryUser
	case sess.Expired(o.now()):
		return errRecoveryExpired
	}
	return nil
}

// Submit validates the form, consults the rate limiter and updates the
// password. It does nothing unless the page is ready.
func (o *Orchestrator) Submit(ctx context.Context, form Form) State {
	ctx, cancel := o.bind(ctx)
	defer cancel()

	current := o.State()
	if current.Phase != PhaseReady {
		return current
	}
	autoLoggedIn := current.AutoLoggedIn

	if errs := ValidateResetForm(form); errs != nil {
		o.transition(PhaseReady, State{
			Phase:        PhaseReady,
			AutoLoggedIn: autoLoggedIn,
			Error:        firstFieldError(errs),
			Recovery:     RetryResubmit,
			FieldErrors:  errs,
		})
		return o.State()
	}

	if !o.transition(PhaseReady, State{Phase: PhaseSubmitting, AutoLoggedIn: autoLoggedIn}) {
		return o.State()
	}

	decision, err := o.limiter.Allow(ctx, o.cfg.SessionID)
	switch {
	case err != nil:
		o.logger.WarnContext(ctx, "rate limiter unavailable, allowing attempt", slog.String("error", err.Error()))
	case !decision.Allowed:
		o.transition(PhaseSubmitting, State{
			Phase:        PhaseReady,
			AutoLoggedIn: autoLoggedIn,
			Error:        rateLimitMessage(decision.RetryAfter),
			Recovery:     RetryRequestNewLink,
		})
		audit.Emit(ctx, o.audit, o.logger, audit.Event{
			Type:       audit.TypePasswordResetRateLimited,
			Subject:    o.cfg.SessionID,
			Attributes: map[string]string{"retry_after_seconds": strconv.Itoa(int(decision.RetryAfter.Seconds()))},
		})
		return o.State()
	}

	sess, err := o.provider.GetSession(ctx)
	switch {
	case err != nil, sess == nil:
		o.transition(PhaseSubmitting, invalid(msgNoRecoverySession))
		return o.State()
	case sess.User == nil:
		o.transition(PhaseSubmitting, invalid(msgInvalidSession))
		return o.State()
	case sess.Expired(o.now()):
		o.transition(PhaseSubmitting, invalid(msgSessionExpired))
		return o.State()
	}

	userID := sess.UserID()
	o.logger.InfoContext(ctx, "updating password", slog.String("user_id", userID))
	if _, err := o.provider.UpdateUser(ctx, identity.UserAttributes{Password: form.Password}); err != nil {
		o.logger.WarnContext(ctx, "password update failed", recoveryErrorAttrs(err)...)
		o.transition(PhaseSubmitting, invalid(passwordUpdateMessage(err)))
		return o.State()
	}

	if !o.transition(PhaseSubmitting, State{Phase: PhaseComplete, AutoLoggedIn: autoLoggedIn}) {
		return o.State()
	}
	o.logger.InfoContext(ctx, "password updated", slog.String("user_id", userID))
	audit.Emit(ctx, o.audit, o.logger, audit.Event{Type: audit.TypePasswordReset, Subject: userID})
	o.scheduleCompletion()
	return o.State()
}

func (o *Orchestrator) scheduleCompletion() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.lifetime.Err() != nil {
		return
	}
	o.completeTimer = time.AfterFunc(o.cfg.CompleteDelay, func() {
		if o.lifetime.Err() != nil {
			return
		}
		o.CompleteRecoveryFlow(o.lifetime)
	})
}

// CompleteRecoveryFlow strips the link parameters, purges cached
// credentials, signs the provider session out and redirects. It runs once;
// later calls return the same redirect target. The page is left in
// PhaseComplete.
func (o *Orchestrator) CompleteRecoveryFlow(ctx context.Context) string {
	o.completeOnce.Do(func() {
		o.mu.Lock()
		o.state = State{Phase: PhaseComplete, AutoLoggedIn: o.state.AutoLoggedIn}
		o.mu.Unlock()

		o.redirect = o.complete(ctx)
		o.page.Redirect(o.redirect)
	})
	return o.redirect
}

func (o *Orchestrator) complete(ctx context.Context) string {
	o.logger.InfoContext(ctx, "completing recovery flow")

	if u := o.page.URL(); u != nil {
		clean := *u
		clean.RawQuery = ""
		clean.ForceQuery = false
		clean.Fragment = ""
		clean.RawFragment = ""
		o.page.ReplaceURL(&clean)
	}

	target := o.cfg.SuccessRedirect
	if o.cleaner != nil {
		if err := o.cleaner.PurgeAuthArtifacts(ctx); err != nil {
			o.logger.ErrorContext(ctx, "failed to purge auth artifacts", slog.String("error", err.Error()))
			target = o.cfg.ErrorRedirect
		}
	}
	if err := o.provider.SignOut(ctx); err != nil {
		o.logger.ErrorContext(ctx, "failed to sign out after password reset", slog.String("error", err.Error()))
		target = o.cfg.ErrorRedirect
	}
	return target
}

// Close ends the page lifetime: pending continuations are dropped and the
// scheduled completion is cancelled. It is safe to call more than once.
func (o *Orchestrator) Close() {
	o.stop()
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.completeTimer != nil {
		o.completeTimer.Stop()
	}
}

func recoveryErrorAttrs(err error) []any {
	attrs := []any{slog.String("error_kind", errorKind(err))}
	if pe, ok := identity.AsError(err); ok {
		attrs = append(attrs,
			slog.Int("provider_status", pe.Status),
			slog.String("provider_code", pe.Code),
		)
	}
	return attrs
}

func errorKind(err error) string {
	if _, ok := identity.AsError(err); ok {
		return "provider"
	}
	return err.Error()
}
