// Package ratelimit enforces per-(provider, skill, model) requests-per-second
// quotas through sliding-second counters in the shared KV store.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/glowingkitty/OpenMates-sub005/pkg/config"
	"github.com/glowingkitty/OpenMates-sub005/pkg/kvstore"
)

const (
	counterTTL = 2 * time.Second

	// minRetryAfter floors the wait so a request landing at the very edge of
	// a second still backs off a little.
	minRetryAfter = 100 * time.Millisecond

	// scheduleCutoff is the boundary between sleeping in place and deferring
	// through the dispatcher.
	scheduleCutoff = 2 * time.Second
)

// OutcomeKind discriminates how a Wait call resolved.
type OutcomeKind int

const (
	// Allowed means the call may proceed now.
	Allowed OutcomeKind = iota
	// DelayedShort means the call slept briefly and may proceed.
	DelayedShort
	// Scheduled means the invocation was re-enqueued through the dispatcher;
	// the caller must not proceed and should record the new task id.
	Scheduled
)

// Outcome is the result of a Wait call.
type Outcome struct {
	Kind   OutcomeKind
	Slept  time.Duration // set for DelayedShort
	TaskID string        // set for Scheduled
}

// Deferrer re-enqueues an invocation after a countdown. Implemented by the
// task dispatcher; nil callers fall back to sleeping in place.
type Deferrer interface {
	Defer(ctx context.Context, appID, skillID string, args map[string]any, countdown time.Duration) (taskID string, err error)
}

// Invocation names the work to re-enqueue when Wait decides to schedule.
type Invocation struct {
	AppID   string
	SkillID string
	Args    map[string]any
}

// Limiter implements sliding-second rate limiting. It fails open: a missing
// limit config or an unreachable KV store never blocks a request.
type Limiter struct {
	store     kvstore.Store
	providers *config.ProviderRegistry
	sleep     func(ctx context.Context, d time.Duration) error
	now       func() time.Time
}

// New builds a limiter over the shared KV store.
func New(store kvstore.Store, providers *config.ProviderRegistry) *Limiter {
	return &Limiter{
		store:     store,
		providers: providers,
		sleep:     sleepCtx,
		now:       time.Now,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func counterKey(provider, skill, model string, second int64) string {
	if model != "" {
		return fmt.Sprintf("rate_limit:%s:%s:%s:%d", provider, skill, model, second)
	}
	return fmt.Sprintf("rate_limit:%s:%s:%d", provider, skill, second)
}

// Check atomically increments the per-second counter for the key and reports
// whether the call is within quota. When over quota it returns the time until
// the next whole second (floored at 100ms).
func (l *Limiter) Check(ctx context.Context, provider, skill, model string) (allowed bool, retryAfter time.Duration) {
	limit, ok := l.providers.RequestsPerSecond(provider, skill, model)
	if !ok {
		slog.Warn("No rate limit configured, allowing request",
			"provider", provider, "skill", skill, "model", model)
		return true, 0
	}

	now := l.now()
	count, err := l.store.Incr(ctx, counterKey(provider, skill, model, now.Unix()), counterTTL)
	if err != nil {
		// KV trouble must not block requests; the upstream provider still
		// enforces its own quota.
		slog.Warn("Rate limit counter unavailable, allowing request",
			"provider", provider, "skill", skill, "error", err)
		return true, 0
	}

	if count <= int64(limit) {
		return true, 0
	}

	// Overflow beyond one window's worth pushes the retry further out: the
	// k-th excess batch of `limit` requests frees a slot k seconds later.
	excess := count - int64(limit)
	windowsAhead := (excess + int64(limit) - 1) / int64(limit)

	untilNextSecond := time.Duration(1e9-now.Nanosecond()) * time.Nanosecond
	if untilNextSecond < minRetryAfter {
		untilNextSecond = minRetryAfter
	}
	return false, untilNextSecond + time.Duration(windowsAhead-1)*time.Second
}

// Wait checks the quota and resolves the overflow: short waits sleep in
// place (then check once more and proceed regardless), long waits are
// re-enqueued through the deferrer when one is supplied.
func (l *Limiter) Wait(ctx context.Context, provider, skill, model string, deferrer Deferrer, inv *Invocation) (Outcome, error) {
	allowed, retryAfter := l.Check(ctx, provider, skill, model)
	if allowed {
		return Outcome{Kind: Allowed}, nil
	}

	if retryAfter < scheduleCutoff {
		if err := l.sleep(ctx, retryAfter); err != nil {
			return Outcome{}, err
		}
		// One more check so the counter reflects this attempt; proceed either
		// way, the provider is the final arbiter.
		l.Check(ctx, provider, skill, model)
		return Outcome{Kind: DelayedShort, Slept: retryAfter}, nil
	}

	if deferrer != nil && inv != nil {
		countdown := time.Duration(math.Ceil(retryAfter.Seconds())+1) * time.Second
		taskID, err := deferrer.Defer(ctx, inv.AppID, inv.SkillID, inv.Args, countdown)
		if err != nil {
			slog.Warn("Rate limit deferral failed, falling back to sleep",
				"provider", provider, "skill", skill, "error", err)
		} else {
			slog.Info("Rate-limited invocation scheduled",
				"provider", provider, "skill", skill,
				"countdown", countdown, "task_id", taskID)
			return Outcome{Kind: Scheduled, TaskID: taskID}, nil
		}
	}

	if err := l.sleep(ctx, retryAfter); err != nil {
		return Outcome{}, err
	}
	return Outcome{Kind: DelayedShort, Slept: retryAfter}, nil
}
