// Package gate decides whether an automation may message a recipient now.
package gate

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/jwalitptl/crm-outbound/pkg/clock"
	"github.com/jwalitptl/crm-outbound/pkg/logger"
)

// Denial reasons.
const (
	ReasonGlobalRate     = "global_rate"
	ReasonCooldown       = "recipient_cooldown"
	ReasonDailyLimit     = "daily_limit"
	ReasonFailureBackoff = "failure_backoff"
)

// Decision is the answer to CanSend. RetryAfter is zero when the gate has
// no estimate.
type Decision struct {
	Allowed    bool          `json:"allowed"`
	Reason     string        `json:"reason,omitempty"`
	RetryAfter time.Duration `json:"retry_after"`
}

// Stats are process-local counters since the last Reset.
type Stats struct {
	Allowed           int64            `json:"allowed"`
	Denied            int64            `json:"denied"`
	Succeeded         int64            `json:"succeeded"`
	Failed            int64            `json:"failed"`
	DeniedByReason    map[string]int64 `json:"denied_by_reason"`
	MessagesPerMinute int              `json:"messages_per_minute"`
	DailyLimit        int              `json:"daily_limit"`
	Since             time.Time        `json:"since"`
}

// Gate is the anti-spam collaborator of the automation executor.
type Gate interface {
	CanSend(ctx context.Context, recipient, taskID string) (Decision, error)
	RecordOutcome(ctx context.Context, recipient, taskID string, success bool) error
	HumanizedDelay(isMedia bool) time.Duration
	Stats() Stats
	Reset(ctx context.Context) error
}

type DelayRange struct {
	Min time.Duration
	Max time.Duration
}

func (r DelayRange) pick(rnd *rand.Rand) time.Duration {
	if r.Max <= r.Min {
		return r.Min
	}
	return r.Min + time.Duration(rnd.Int63n(int64(r.Max-r.Min)+1))
}

type Config struct {
	MessagesPerMinute int
	Burst             int
	RecipientCooldown time.Duration
	DailyLimit        int
	FailureThreshold  int
	FailureBackoff    time.Duration
	TextDelay         DelayRange
	MediaDelay        DelayRange
}

type ruleGate struct {
	cfg     Config
	store   Store
	clock   clock.Clock
	log     *logger.Logger
	limiter *rate.Limiter

	mu    sync.Mutex
	rnd   *rand.Rand
	stats Stats
}

// New builds a Gate that applies, in order: failure backoff, daily cap,
// recipient cooldown and the global token bucket. Zero limits disable a rule.
func New(cfg Config, store Store, clk clock.Clock, log *logger.Logger) Gate {
	g := &ruleGate{
		cfg:   cfg,
		store: store,
		clock: clk,
		log:   log,
		rnd:   rand.New(rand.NewSource(clk.Now().UnixNano())),
	}
	g.limiter = g.newLimiter()
	g.stats = g.freshStats()
	return g
}

func (g *ruleGate) newLimiter() *rate.Limiter {
	if g.cfg.MessagesPerMinute <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := g.cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(float64(g.cfg.MessagesPerMinute)/60), burst)
}

func (g *ruleGate) currentLimiter() *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.limiter
}

func (g *ruleGate) freshStats() Stats {
	return Stats{
		DeniedByReason:    map[string]int64{},
		MessagesPerMinute: g.cfg.MessagesPerMinute,
		DailyLimit:        g.cfg.DailyLimit,
		Since:             g.clock.Now(),
	}
}

func blockKey(recipient string) string { return "block:" + recipient }
func failKey(recipient string) string  { return "fail:" + recipient }
func lastKey(recipient string) string  { return "last:" + recipient }

func dailyKey(recipient string, now time.Time) string {
	return "daily:" + recipient + ":" + now.UTC().Format("20060102")
}

func (g *ruleGate) CanSend(ctx context.Context, recipient, taskID string) (Decision, error) {
	now := g.clock.Now()

	d, err := g.evaluate(ctx, recipient, taskID, now)
	if err != nil {
		return Decision{}, err
	}

	g.mu.Lock()
	if d.Allowed {
		g.stats.Allowed++
	} else {
		g.stats.Denied++
		g.stats.DeniedByReason[d.Reason]++
	}
	g.mu.Unlock()

	if !d.Allowed {
		g.log.Debug("gate denied send", "recipient", recipient, "task_id", taskID, "reason", d.Reason, "retry_after", d.RetryAfter)
	}
	return d, nil
}

func (g *ruleGate) evaluate(ctx context.Context, recipient, taskID string, now time.Time) (Decision, error) {
	if g.cfg.FailureThreshold > 0 {
		v, ok, err := g.store.Get(ctx, blockKey(recipient))
		if err != nil {
			return Decision{}, fmt.Errorf("read failure block: %w", err)
		}
		if ok {
			if left := remaining(v, g.cfg.FailureBackoff, now); left > 0 {
				return deny(ReasonFailureBackoff, left), nil
			}
		}
	}

	if g.cfg.DailyLimit > 0 {
		v, ok, err := g.store.Get(ctx, dailyKey(recipient, now))
		if err != nil {
			return Decision{}, fmt.Errorf("read daily count: %w", err)
		}
		if ok {
			n, _ := strconv.Atoi(v)
			if n >= g.cfg.DailyLimit {
				return deny(ReasonDailyLimit, untilMidnight(now)), nil
			}
		}
	}

	if g.cfg.RecipientCooldown > 0 {
		v, ok, err := g.store.Get(ctx, lastKey(recipient))
		if err != nil {
			return Decision{}, fmt.Errorf("read last send: %w", err)
		}
		if ok {
			lastTask, at := splitLast(v)
			if lastTask != taskID {
				if wait := g.cfg.RecipientCooldown - now.Sub(at); wait > 0 {
					return deny(ReasonCooldown, wait), nil
				}
			}
		}
	}

	// Peek only; tokens are spent per message in RecordOutcome.
	r := g.currentLimiter().ReserveN(now, 1)
	if !r.OK() {
		return deny(ReasonGlobalRate, 0), nil
	}
	wait := r.DelayFrom(now)
	r.CancelAt(now)
	if wait > 0 {
		return deny(ReasonGlobalRate, wait), nil
	}
	return Decision{Allowed: true}, nil
}

func (g *ruleGate) RecordOutcome(ctx context.Context, recipient, taskID string, success bool) error {
	now := g.clock.Now()
	g.currentLimiter().AllowN(now, 1)

	g.mu.Lock()
	if success {
		g.stats.Succeeded++
	} else {
		g.stats.Failed++
	}
	g.mu.Unlock()

	if g.cfg.RecipientCooldown > 0 {
		last := taskID + "|" + strconv.FormatInt(now.UnixNano(), 10)
		if err := g.store.Set(ctx, lastKey(recipient), last, g.cfg.RecipientCooldown); err != nil {
			return fmt.Errorf("write last send: %w", err)
		}
	}

	if success {
		if g.cfg.DailyLimit > 0 {
			if _, err := g.store.Incr(ctx, dailyKey(recipient, now), untilMidnight(now)); err != nil {
				return fmt.Errorf("count daily send: %w", err)
			}
		}
		if g.cfg.FailureThreshold > 0 {
			return g.store.Del(ctx, failKey(recipient))
		}
		return nil
	}

	if g.cfg.FailureThreshold <= 0 {
		return nil
	}
	n, err := g.store.Incr(ctx, failKey(recipient), 24*time.Hour)
	if err != nil {
		return fmt.Errorf("count failure: %w", err)
	}
	if int(n) >= g.cfg.FailureThreshold {
		stamp := strconv.FormatInt(now.UnixNano(), 10)
		if err := g.store.Set(ctx, blockKey(recipient), stamp, g.cfg.FailureBackoff); err != nil {
			return fmt.Errorf("block recipient: %w", err)
		}
		g.log.Warn("recipient blocked after consecutive failures", "recipient", recipient, "failures", n, "backoff", g.cfg.FailureBackoff)
		return g.store.Del(ctx, failKey(recipient))
	}
	return nil
}

func (g *ruleGate) HumanizedDelay(isMedia bool) time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()

	if isMedia {
		return g.cfg.MediaDelay.pick(g.rnd)
	}
	return g.cfg.TextDelay.pick(g.rnd)
}

func (g *ruleGate) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()

	s := g.stats
	s.DeniedByReason = make(map[string]int64, len(g.stats.DeniedByReason))
	for k, v := range g.stats.DeniedByReason {
		s.DeniedByReason[k] = v
	}
	return s
}

func (g *ruleGate) Reset(ctx context.Context) error {
	if err := g.store.Flush(ctx); err != nil {
		return fmt.Errorf("flush gate store: %w", err)
	}
	g.mu.Lock()
	g.limiter = g.newLimiter()
	g.stats = g.freshStats()
	g.mu.Unlock()
	return nil
}

func deny(reason string, retryAfter time.Duration) Decision {
	return Decision{Allowed: false, Reason: reason, RetryAfter: retryAfter}
}

func splitLast(v string) (string, time.Time) {
	i := strings.LastIndex(v, "|")
	if i < 0 {
		return v, time.Time{}
	}
	ns, _ := strconv.ParseInt(v[i+1:], 10, 64)
	return v[:i], time.Unix(0, ns)
}

// remaining converts a stored start stamp into the time left of window.
func remaining(stamp string, window time.Duration, now time.Time) time.Duration {
	ns, err := strconv.ParseInt(stamp, 10, 64)
	if err != nil {
		return window
	}
	if left := window - now.Sub(time.Unix(0, ns)); left > 0 {
		return left
	}
	return 0
}

func untilMidnight(now time.Time) time.Duration {
	u := now.UTC()
	next := time.Date(u.Year(), u.Month(), u.Day()+1, 0, 0, 0, 0, time.UTC)
	return next.Sub(u)
}
