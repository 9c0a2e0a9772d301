// Package app wires the client's collaborators together and owns their
// lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Caleb220/Parscade-Bolt-Testing-sub001/internal/audit"
	"github.com/Caleb220/Parscade-Bolt-Testing-sub001/internal/auth"
	"github.com/Caleb220/Parscade-Bolt-Testing-sub001/internal/backend"
	"github.com/Caleb220/Parscade-Bolt-Testing-sub001/internal/broadcast"
	"github.com/Caleb220/Parscade-Bolt-Testing-sub001/internal/config"
	"github.com/Caleb220/Parscade-Bolt-Testing-sub001/internal/handler"
	"github.com/Caleb220/Parscade-Bolt-Testing-sub001/internal/identity"
	"github.com/Caleb220/Parscade-Bolt-Testing-sub001/internal/ratelimit"
	"github.com/Caleb220/Parscade-Bolt-Testing-sub001/internal/recovery"
	"github.com/Caleb220/Parscade-Bolt-Testing-sub001/pkg/database"
	"github.com/Caleb220/Parscade-Bolt-Testing-sub001/pkg/health"
	"github.com/Caleb220/Parscade-Bolt-Testing-sub001/pkg/httpclient"
	pkgkafka "github.com/Caleb220/Parscade-Bolt-Testing-sub001/pkg/kafka"
	"github.com/Caleb220/Parscade-Bolt-Testing-sub001/pkg/tracing"
)

const serviceName = "parscade-client"

// Navigator moves the user to target. The CLI prints it; a UI would route.
type Navigator func(target string)

// Option customizes NewApp.
type Option func(*options)

type options struct {
	navigate     Navigator
	sessionStore identity.SessionStore
}

// WithNavigator sets where session-invalid redirects go.
func WithNavigator(fn Navigator) Option {
	return func(o *options) { o.navigate = fn }
}

// WithSessionStore overrides the store chosen from configuration.
func WithSessionStore(s identity.SessionStore) Option {
	return func(o *options) { o.sessionStore = s }
}

// App holds the wired client.
type App struct {
	cfg    *config.Config
	logger *slog.Logger
	opts   options

	API         *httpclient.Client
	Identity    *identity.Client
	Backend     *backend.Client
	Auth        *auth.Manager
	Limiter     *ratelimit.Limiter
	Broadcaster broadcast.Broadcaster
	Audit       audit.Publisher

	health         *health.Handler
	opsServer      *http.Server
	redis          *redis.Client
	producer       *pkgkafka.Producer
	memStore       *ratelimit.MemoryStore
	tracerShutdown tracing.Shutdown
}

// NewApp creates the client and connects its optional infrastructure.
func NewApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*App, error) {
	a := &App{cfg: cfg, logger: logger, health: health.NewHandler()}
	for _, opt := range opts {
		opt(&a.opts)
	}
	if a.opts.navigate == nil {
		a.opts.navigate = func(target string) {
			logger.Info("navigation requested", slog.String("target", target))
		}
	}

	initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	tracerShutdown, err := tracing.InitTracer(initCtx, tracing.Config{
		ServiceName:    serviceName,
		ServiceVersion: cfg.ClientVersion,
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.OTELEndpoint,
		SampleRate:     cfg.OTELSampleRate,
		Enabled:        cfg.OTELEnabled,
	})
	if err != nil {
		return nil, fmt.Errorf("init tracer: %w", err)
	}
	a.tracerShutdown = tracerShutdown

	if cfg.RedisEnabled {
		client, err := database.NewRedisClient(initCtx, cfg.Redis())
		if err != nil {
			a.Shutdown()
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		a.redis = client
		a.health.RegisterCritical("redis", database.RedisChecker(client))
		logger.Info("connected to Redis", slog.String("addr", cfg.Redis().Addr()))
	}

	a.API = httpclient.New(a.httpConfig(cfg.APIBaseURL, "parscade-api"), logger.With(slog.String("component", "api")))
	authAPI := httpclient.New(a.httpConfig(cfg.AuthURL, "parscade-auth"), logger.With(slog.String("component", "identity")))

	store := a.opts.sessionStore
	if store == nil {
		store = identity.NewMemoryStore()
		if cfg.SessionFile != "" {
			store = identity.NewFileStore(cfg.SessionFile)
		}
	}
	a.Identity = identity.NewClient(authAPI, cfg.AuthAnonKey, store, logger)

	a.API.SetTokenSource(a.Identity)
	a.API.OnSessionInvalid(a.handleSessionInvalid)
	a.Backend = backend.New(a.API)

	if a.redis != nil {
		a.Broadcaster = broadcast.NewRedisBroadcaster(a.redis, broadcast.DefaultChannel, logger)
	} else {
		a.Broadcaster = broadcast.NewHub().Endpoint()
	}

	a.Audit = audit.NewLogPublisher(logger)
	if len(cfg.KafkaBrokers) > 0 {
		a.producer = pkgkafka.NewProducer(pkgkafka.DefaultProducerConfig(cfg.KafkaBrokers), logger)
		a.Audit = audit.NewKafkaPublisher(a.producer, serviceName, logger)
		a.health.RegisterNonCritical("kafka", a.producer.Ping)
		logger.Info("audit events go to kafka", slog.Any("brokers", cfg.KafkaBrokers))
	}

	limiterCfg := ratelimit.Config{
		MaxAttempts:     cfg.ResetRateLimitMaxAttempts,
		Window:          cfg.ResetRateLimitWindow,
		CleanupInterval: cfg.ResetRateLimitCleanupInterval,
	}
	var limitStore ratelimit.Store
	if a.redis != nil {
		// The longest possible lockout is Window times the capped multiplier.
		limitStore = ratelimit.NewRedisStore(a.redis, 8*cfg.ResetRateLimitWindow)
	} else {
		// Sweep records idle for two windows.
		a.memStore = ratelimit.NewMemoryStore(cfg.ResetRateLimitCleanupInterval, 2*cfg.ResetRateLimitWindow)
		limitStore = a.memStore
	}
	a.Limiter = ratelimit.New("password_reset", limitStore, limiterCfg, logger)

	a.Auth = auth.NewManager(a.Identity, a.Backend, a.Broadcaster, a.Audit, logger)

	if cfg.OpsHTTPPort > 0 {
		a.opsServer = &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.OpsHTTPPort),
			Handler:           handler.NewRouter(a.health, nil, logger),
			ReadTimeout:       5 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	return a, nil
}

func (a *App) httpConfig(baseURL, breaker string) httpclient.Config {
	c := httpclient.Config{
		BaseURL:           baseURL,
		Timeout:           a.cfg.HTTPTimeout,
		RetryAttempts:     a.cfg.HTTPRetryAttempts,
		RetryDelay:        a.cfg.HTTPRetryDelay,
		MaxRetryDelay:     a.cfg.HTTPMaxRetryDelay,
		ClientVersion:     a.cfg.ClientVersion,
		RequestsPerSecond: a.cfg.HTTPRequestsPerSecond,
	}
	if a.cfg.HTTPCircuitBreaker {
		cb := httpclient.DefaultCircuitBreakerConfig(breaker)
		c.CircuitBreaker = &cb
	}
	return c
}

// handleSessionInvalid runs when a 401/403 survived a refresh: the session
// is dropped everywhere and the user is sent to sign in again.
func (a *App) handleSessionInvalid(ctx context.Context, cause error) {
	a.logger.WarnContext(ctx, "session invalid, signing out", slog.String("error", cause.Error()))

	if err := a.Identity.SignOut(ctx); err != nil {
		a.logger.WarnContext(ctx, "sign-out after invalid session failed", slog.String("error", err.Error()))
	}
	if err := a.Broadcaster.Publish(ctx, broadcast.TypeHardLogout); err != nil {
		a.logger.WarnContext(ctx, "failed to broadcast sign-out", slog.String("error", err.Error()))
	}
	a.opts.navigate(a.cfg.SessionInvalidRedirect)
}

// NewResetFlow creates a password-reset orchestrator for one page load.
func (a *App) NewResetFlow(page recovery.Page) *recovery.Orchestrator {
	return recovery.New(a.Identity, a.Limiter, page, a.Identity, a.Audit, recovery.Config{
		ValidationTimeout: a.cfg.ResetValidationTimeout,
		CompleteDelay:     a.cfg.ResetCompleteDelay,
		SuccessRedirect:   a.cfg.ResetSuccessRedirect,
		ErrorRedirect:     a.cfg.ResetErrorRedirect,
	}, a.logger)
}

// Health returns the readiness registry.
func (a *App) Health() *health.Handler {
	return a.health
}

// Run starts the auth manager, the session store watch and the ops server,
// then blocks until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if a.cfg.SessionWatchInterval > 0 {
		a.Identity.WatchStore(ctx, a.cfg.SessionWatchInterval)
	}
	if err := a.Auth.Start(ctx); err != nil {
		a.Shutdown()
		return fmt.Errorf("start auth manager: %w", err)
	}

	errCh := make(chan error, 1)
	if a.opsServer != nil {
		go func() {
			a.logger.Info("starting ops server", slog.String("addr", a.opsServer.Addr))
			if err := a.opsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("ops server: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		a.Shutdown()
		return err
	}

	return a.Shutdown()
}

// Shutdown stops components in reverse dependency order:
// 1. ops server
// 2. auth manager
// 3. tracer (flush spans)
// 4. Kafka producer
// 5. limiter sweep and Redis
func (a *App) Shutdown() error {
	a.logger.Info("shutting down client")

	var errs []error

	if a.opsServer != nil {
		httpCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.opsServer.Shutdown(httpCtx); err != nil {
			a.logger.Error("ops server shutdown error", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}

	if a.Auth != nil {
		a.Auth.Close()
	}

	if a.tracerShutdown != nil {
		tracerCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := a.tracerShutdown(tracerCtx); err != nil {
			a.logger.Error("tracer shutdown error", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}

	if a.producer != nil {
		if err := a.producer.Close(); err != nil {
			a.logger.Error("kafka producer close error", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}

	if a.memStore != nil {
		a.memStore.Close()
	}

	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Error("redis close error", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
