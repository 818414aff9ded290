// Package ratelimit enforces per-tenant, per-service request quotas across
// three wall-clock-aligned fixed windows.
package ratelimit

import (
	"context"
	"sync/atomic"
	"time"
)

// Window identifies one of the three fixed windows every (tenant, service)
// pair is evaluated against. Ordered ascending by size: the minute window is
// always the tightest, and checkLocal's offending-window search relies on that
// order to report the smallest sufficient retry_after.
type Window int

const (
	Minute Window = iota
	Hour
	Day
	numWindows
)

func (w Window) size() time.Duration {
	switch w {
	case Minute:
		return time.Minute
	case Hour:
		return time.Hour
	default:
		return 24 * time.Hour
	}
}

func (w Window) String() string {
	switch w {
	case Minute:
		return "minute"
	case Hour:
		return "hour"
	default:
		return "day"
	}
}

// Limits are the three per-window ceilings for a (tenant, service) pair,
// sourced from the tenant's effective plan limits.
type Limits struct {
	PerMinute int
	PerHour   int
	PerDay    int
}

func (l Limits) limit(w Window) int {
	switch w {
	case Minute:
		return l.PerMinute
	case Hour:
		return l.PerHour
	default:
		return l.PerDay
	}
}

// bucket is one window's counter, aligned to wall-clock boundaries.
type bucket struct {
	windowStart int64 // unix seconds, truncated to the window size
	count       int
}

func alignedStart(now time.Time, w Window) int64 {
	size := int64(w.size() / time.Second)
	if size <= 0 {
		size = 1
	}
	return (now.Unix() / size) * size
}

// entry holds the three windows for a single (tenant, service) pair.
type entry struct {
	buckets [numWindows]bucket
}

func newEntry() *entry { return &entry{} }

// Decision is the outcome of CheckAndConsume.
type Decision struct {
	Admitted          bool
	Limit             int
	Remaining         int
	ResetSeconds      int
	RetryAfterSeconds int
	Reason            string
	Degraded          bool
}

// DegradedMode controls what CheckAndConsume does when the configured
// distributed backend is unreachable.
type DegradedMode string

const (
	FailOpen   DegradedMode = "open"
	FailClosed DegradedMode = "closed"
)

// DegradedObserver is notified every time the limiter falls back to
// degraded behavior, so callers can drive an observable counter.
type DegradedObserver func()

// Limiter enforces the joint three-window quota. It always keeps an
// in-memory sharded-map path; a Backend is optional and used only when
// distributed counting across multiple gateway instances is configured.
type Limiter struct {
	local   *shardedMap[*entry]
	backend Backend
	mode    DegradedMode
	onDegraded DegradedObserver

	degradedCount atomic.Int64
}

// Backend is a distributed counter store, e.g. Redis. It mirrors the
// in-memory joint-window semantics: increment all three windows atomically
// only if all three remain within their limits.
type Backend interface {
	CheckAndConsume(ctx context.Context, key string, now time.Time, limits Limits) (Decision, error)
}

// New constructs an in-memory-only Limiter.
func New(mode DegradedMode, onDegraded DegradedObserver) *Limiter {
	if mode == "" {
		mode = FailOpen
	}
	return &Limiter{local: newShardedMap[*entry](), mode: mode, onDegraded: onDegraded}
}

// NewWithBackend constructs a Limiter that consults a distributed Backend
// first, falling back to mode (fail_open/fail_closed) when the backend
// errors.
func NewWithBackend(backend Backend, mode DegradedMode, onDegraded DegradedObserver) *Limiter {
	l := New(mode, onDegraded)
	l.backend = backend
	return l
}

func bucketKey(tenant, service string) string { return tenant + "|" + service }

// CheckAndConsume evaluates the joint three-window admission decision for
// (tenant, service) against limits, incrementing all three windows only
// when every one of them would remain within its limit.
func (l *Limiter) CheckAndConsume(ctx context.Context, tenant, service string, limits Limits) Decision {
	if l.backend != nil {
		d, err := l.backend.CheckAndConsume(ctx, bucketKey(tenant, service), time.Now(), limits)
		if err == nil {
			return d
		}
		l.degradedCount.Add(1)
		if l.onDegraded != nil {
			l.onDegraded()
		}
		if l.mode == FailClosed {
			return Decision{Admitted: false, Reason: "rate limiter backend unavailable", RetryAfterSeconds: 1, Degraded: true}
		}
		d = l.checkLocal(tenant, service, limits)
		d.Degraded = true
		return d
	}
	return l.checkLocal(tenant, service, limits)
}

func (l *Limiter) checkLocal(tenant, service string, limits Limits) Decision {
	key := bucketKey(tenant, service)
	now := time.Now()

	var decision Decision
	l.local.withLock(key, newEntry, func(ev **entry) {
		e := *ev
		if e == nil {
			e = newEntry()
		}

		type candidate struct {
			start int64
			count int
			limit int
		}
		var cands [numWindows]candidate
		admit := true
		offending := -1

		for w := Window(0); w < numWindows; w++ {
			start := alignedStart(now, w)
			b := e.buckets[w]
			count := b.count
			if b.windowStart != start {
				count = 0
			}
			count++
			limit := limits.limit(w)
			cands[w] = candidate{start: start, count: count, limit: limit}
			if limit > 0 && count > limit {
				admit = false
				if offending == -1 {
					offending = int(w)
				}
			}
		}

		if admit {
			for w := Window(0); w < numWindows; w++ {
				e.buckets[w] = bucket{windowStart: cands[w].start, count: cands[w].count}
			}
			*ev = e
			minuteReset := int(e.buckets[Minute].windowStart+int64(Minute.size()/time.Second)) - int(now.Unix())
			decision = Decision{
				Admitted:     true,
				Limit:        limits.PerMinute,
				Remaining:    max0(limits.PerMinute - e.buckets[Minute].count),
				ResetSeconds: max0(minuteReset),
			}
			return
		}

		*ev = e
		ow := Window(offending)
		resetAt := cands[ow].start + int64(ow.size()/time.Second)
		retryAfter := int(resetAt - now.Unix())
		if retryAfter < 1 {
			retryAfter = 1
		}
		decision = Decision{
			Admitted:          false,
			Limit:             cands[ow].limit,
			Remaining:         0,
			RetryAfterSeconds: retryAfter,
			Reason:            ow.String() + " window exceeded",
		}
	})
	return decision
}

func max0(n int) int {
	if n < 0 {
		return 0
	}
	return n
}

// DegradedCount reports how many CheckAndConsume calls fell back to
// degraded (non-distributed) behavior because the configured backend
// failed.
func (l *Limiter) DegradedCount() int64 { return l.degradedCount.Load() }

// Sweep reclaims (tenant, service) entries that have had no traffic within
// the widest window plus its grace period: an entry is only stale once
// even its day bucket has aged past grace.
func (l *Limiter) Sweep(now time.Time) int {
	grace := 2 * Day.size()
	cutoff := now.Add(-(Day.size() + grace)).Unix()

	removed := 0
	l.local.deleteFunc(func(_ string, e *entry) bool {
		if e == nil {
			return true
		}
		stale := e.buckets[Day].windowStart < cutoff
		if stale {
			removed++
		}
		return stale
	})
	return removed
}

// RunSweeper starts a background goroutine that calls Sweep on interval
// until ctx is canceled. Sweeping only ever touches one shard's lock at a
// time, so it never blocks admission beyond a single bucket's critical
// section.
func (l *Limiter) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case t := <-ticker.C:
				l.Sweep(t)
			}
		}
	}()
}
