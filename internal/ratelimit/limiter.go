// Package ratelimit throttles sensitive operations per opaque session id with
// a growing backoff window.
package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Caleb220/Parscade-Bolt-Testing-sub001/pkg/logger"
)

const (
	multiplierGrowth = 1.5
	maxMultiplier    = 8.0
)

// Config controls the limiter.
type Config struct {
	MaxAttempts     int
	Window          time.Duration
	CleanupInterval time.Duration
}

// DefaultConfig returns 5 attempts per 15 minutes with an hourly sweep.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:     5,
		Window:          15 * time.Minute,
		CleanupInterval: time.Hour,
	}
}

// Record is the attempt history of one session id.
type Record struct {
	Count             int       `json:"count"`
	LastAttempt       time.Time `json:"last_attempt"`
	BackoffMultiplier float64   `json:"backoff_multiplier"`
}

// Decision is the outcome of Allow.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Limiter counts attempts per key. A key is locked out once it reaches
// MaxAttempts and is released when Window*BackoffMultiplier has passed since
// its last attempt.
type Limiter struct {
	mu      sync.Mutex
	store   Store
	cfg     Config
	name    string
	logger  *slog.Logger
	nowFunc func() time.Time // injectable clock for testing
}

// New creates a limiter over store. name labels metrics and logs.
func New(name string, store Store, cfg Config, log *slog.Logger) *Limiter {
	d := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = d.MaxAttempts
	}
	if cfg.Window <= 0 {
		cfg.Window = d.Window
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = d.CleanupInterval
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Limiter{
		store:   store,
		cfg:     cfg,
		name:    name,
		logger:  log,
		nowFunc: time.Now,
	}
}

// Config returns the effective configuration.
func (l *Limiter) Config() Config {
	return l.cfg
}

// CanAttempt reports whether key may make another attempt. An expired record
// is deleted.
func (l *Limiter) CanAttempt(ctx context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, err := l.current(ctx, key)
	if err != nil || rec == nil {
		return err == nil, err
	}
	return rec.Count < l.cfg.MaxAttempts, nil
}

// RecordAttempt counts one attempt for key.
func (l *Limiter) RecordAttempt(ctx context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, err := l.record(ctx, key)
	return err
}

// RemainingAttempts returns how many attempts key has left in its window.
func (l *Limiter) RemainingAttempts(ctx context.Context, key string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, err := l.current(ctx, key)
	if err != nil {
		return 0, err
	}
	return l.remaining(rec), nil
}

// BackoffRemaining returns how long until key's record expires.
func (l *Limiter) BackoffRemaining(ctx context.Context, key string) (time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, err := l.store.Get(ctx, key)
	if err != nil || rec == nil {
		return 0, err
	}
	return l.backoffRemaining(rec), nil
}

// Allow checks and records an attempt in one step, so two concurrent callers
// cannot both pass the last free slot.
func (l *Limiter) Allow(ctx context.Context, key string) (Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, err := l.current(ctx, key)
	if err != nil {
		return Decision{}, err
	}
	if rec != nil && rec.Count >= l.cfg.MaxAttempts {
		retryAfter := l.backoffRemaining(rec)
		rejectionsTotal.WithLabelValues(l.name).Inc()
		l.logger.WarnContext(ctx, "rate limit exceeded",
			slog.String("limiter", l.name),
			slog.Int("attempts", rec.Count),
			slog.Duration("retry_after", retryAfter),
		)
		return Decision{Allowed: false, RetryAfter: retryAfter}, nil
	}

	rec, err = l.record(ctx, key)
	if err != nil {
		return Decision{}, err
	}
	return Decision{Allowed: true, Remaining: l.remaining(rec)}, nil
}

// current loads key's record, deleting it when its backoff has elapsed.
func (l *Limiter) current(ctx context.Context, key string) (*Record, error) {
	rec, err := l.store.Get(ctx, key)
	if err != nil || rec == nil {
		return nil, err
	}
	if l.nowFunc().Sub(rec.LastAttempt) > l.backoff(rec) {
		if err := l.store.Delete(ctx, key); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return rec, nil
}

func (l *Limiter) record(ctx context.Context, key string) (*Record, error) {
	rec, err := l.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	now := l.nowFunc()
	if rec == nil {
		rec = &Record{Count: 1, LastAttempt: now, BackoffMultiplier: 1}
	} else {
		rec.Count++
		rec.LastAttempt = now
		rec.BackoffMultiplier = min(rec.BackoffMultiplier*multiplierGrowth, maxMultiplier)
	}

	if err := l.store.Set(ctx, key, *rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (l *Limiter) backoff(rec *Record) time.Duration {
	mult := rec.BackoffMultiplier
	if mult < 1 {
		mult = 1
	}
	return time.Duration(float64(l.cfg.Window) * mult)
}

func (l *Limiter) backoffRemaining(rec *Record) time.Duration {
	return max(0, l.backoff(rec)-l.nowFunc().Sub(rec.LastAttempt))
}

func (l *Limiter) remaining(rec *Record) int {
	if rec == nil {
		return l.cfg.MaxAttempts
	}
	return max(0, l.cfg.MaxAttempts-rec.Count)
}
