package security

import (
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/flemzord/snaphost/internal/clock"
)

// ErrRateLimited is returned once a window is full.
var ErrRateLimited = errors.New("rate limit exceeded")

// Limited event kinds.
const (
	// KindNotify counts native notifications per snap.
	KindNotify = "notify"
	// KindAuth counts failed gateway logins per client address.
	KindAuth = "auth"
)

// RateLimitConfig sets the limits. Zero fields take the defaults: two
// native notifications per five minutes and thirty auth attempts per
// minute.
type RateLimitConfig struct {
	NotificationsPerWindow int           `yaml:"notifications_per_window"`
	NotificationWindow     time.Duration `yaml:"notification_window"`
	AuthAttemptsPerMin     int           `yaml:"auth_attempts_per_min"`
	// Clock defaults to the wall clock.
	Clock clock.Clock `yaml:"-"`
}

type window struct {
	span  time.Duration
	limit int
}

// RateLimiter keeps a sliding window of event times per kind and key.
type RateLimiter struct {
	clock   clock.Clock
	windows map[string]window

	mu     sync.Mutex
	events map[string]map[string][]time.Time // kind -> key -> times, oldest first
}

// NewRateLimiter returns a limiter for cfg.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	orDefault := func(v, d int) int {
		if v > 0 {
			return v
		}
		return d
	}
	span := cfg.NotificationWindow
	if span <= 0 {
		span = 5 * time.Minute
	}
	cl := cfg.Clock
	if cl == nil {
		cl = clock.Real()
	}
	return &RateLimiter{
		clock: cl,
		windows: map[string]window{
			KindNotify: {span: span, limit: orDefault(cfg.NotificationsPerWindow, 2)},
			KindAuth:   {span: time.Minute, limit: orDefault(cfg.AuthAttemptsPerMin, 30)},
		},
		events: map[string]map[string][]time.Time{},
	}
}

// Allow records one event, or returns ErrRateLimited without recording
// when the window for kind and key is full. Unknown kinds always pass.
func (rl *RateLimiter) Allow(kind, key string) error {
	w, ok := rl.windows[kind]
	if !ok {
		return nil
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()
	times := rl.live(kind, key, now, w.span)
	if len(times) >= w.limit {
		return ErrRateLimited
	}
	if rl.events[kind] == nil {
		rl.events[kind] = map[string][]time.Time{}
	}
	rl.events[kind][key] = append(times, now)
	return nil
}

// Exhausted reports whether Allow would fail, without recording.
func (rl *RateLimiter) Exhausted(kind, key string) bool {
	w, ok := rl.windows[kind]
	if !ok {
		return false
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.live(kind, key, rl.clock.Now(), w.span)) >= w.limit
}

// Forget drops the history of key under every kind.
func (rl *RateLimiter) Forget(key string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for _, byKey := range rl.events {
		delete(byKey, key)
	}
}

// live trims events older than span and returns the rest. An event leaves
// the window exactly span after it was recorded.
func (rl *RateLimiter) live(kind, key string, now time.Time, span time.Duration) []time.Time {
	times := rl.events[kind][key]
	cutoff := now.Add(-span)
	i, _ := slices.BinarySearchFunc(times, cutoff, func(t, c time.Time) int {
		if t.After(c) {
			return 1
		}
		return -1
	})
	if i == len(times) && len(times) > 0 {
		delete(rl.events[kind], key)
		return nil
	}
	times = times[i:]
	if byKey := rl.events[kind]; byKey != nil && len(times) > 0 {
		byKey[key] = times
	}
	return times
}
