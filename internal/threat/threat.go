// Package threat implements the Threat Controller: failure counting,
// lockout, IP-block, suspicious-activity events, and decay (spec §4.8).
// All state is in-process; nothing here touches the KV or any external
// store.
package threat

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Severity tags a ThreatEvent's urgency.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// EventKind enumerates the event types this controller emits.
type EventKind string

const (
	EventBruteForce         EventKind = "brute_force"
	EventSuspiciousActivity EventKind = "suspicious_activity"
)

// AccountLockout mirrors spec §3.
type AccountLockout struct {
	UserID         string
	Reason         string
	LockoutUntil   time.Time
	FailedAttempts int
	LastAttempt    time.Time
	IPAddresses    []string
}

// BruteForceAttempt mirrors spec §3, keyed by "<ip>:<userId>".
type BruteForceAttempt struct {
	IPAddress    string
	UserID       string
	Attempts     int
	FirstAttempt time.Time
	LastAttempt  time.Time
	Blocked      bool
	BlockExpires time.Time
}

// Event is an immutable, id-stamped, severity-tagged record appended to
// the bounded ring buffer.
type Event struct {
	ID        uint64
	Kind      EventKind
	Severity  Severity
	UserID    string
	IPAddress string
	At        time.Time
	Detail    map[string]any
}

// Config controls thresholds (spec §6 Threat config).
type Config struct {
	MaxFailedAttempts           int
	LockoutDuration              time.Duration
	BruteForceWindow             time.Duration
	IPBlockDuration              time.Duration
	SuspiciousActivityThreshold int
	EnableAutoLockout           bool
	EnableIPBlocking            bool
	RingSize                    int
}

const defaultRingSize = 1000

// Controller owns all threat state. Every field except scanLimiters (a
// sync.Map) is protected by a single mutex; the throughput target (thousands of events/s, sub-millisecond
// added latency) does not justify finer-grained locking for in-process
// map operations (spec §4.8 Concurrency).
type Controller struct {
	mu sync.Mutex

	cfg Config

	lockouts    map[string]*AccountLockout
	bruteForce  map[string]*BruteForceAttempt
	blockedIPs  map[string]time.Time

	ring     []Event
	ringHead int
	ringLen  int
	nextID   uint64

	// scanLimiters paces CheckIPBlocking's O(n) brute-force scan to at
	// most once per second per IP, adapted from the teacher's
	// IPRateLimiter (golang.org/x/time/rate), so a single noisy IP can't
	// force repeated full-table scans.
	scanLimiters sync.Map
}

func (c *Controller) scanLimiterFor(ip string) *rate.Limiter {
	if v, ok := c.scanLimiters.Load(ip); ok {
		return v.(*rate.Limiter)
	}
	l := rate.NewLimiter(rate.Every(time.Second), 1)
	c.scanLimiters.Store(ip, l)
	return l
}

func New(cfg Config) *Controller {
	if cfg.MaxFailedAttempts <= 0 {
		cfg.MaxFailedAttempts = 5
	}
	if cfg.LockoutDuration <= 0 {
		cfg.LockoutDuration = 15 * time.Minute
	}
	if cfg.BruteForceWindow <= 0 {
		cfg.BruteForceWindow = 10 * time.Minute
	}
	if cfg.IPBlockDuration <= 0 {
		cfg.IPBlockDuration = 60 * time.Minute
	}
	if cfg.SuspiciousActivityThreshold <= 0 {
		cfg.SuspiciousActivityThreshold = 10
	}
	if cfg.RingSize <= 0 {
		cfg.RingSize = defaultRingSize
	}

	return &Controller{
		cfg:        cfg,
		lockouts:   make(map[string]*AccountLockout),
		bruteForce: make(map[string]*BruteForceAttempt),
		blockedIPs: make(map[string]time.Time),
		ring:       make([]Event, cfg.RingSize),
	}
}

func bruteKey(ip, userID string) string { return ip + ":" + userID }

// RecordFailedAttempt bumps the brute-force counter for ip:userId, blocks
// the IP if its total attempts across all users exceed twice the
// configured max, locks the account if its own attempts reach the max
// and auto-lockout is enabled, and emits a threat event (spec §4.8).
func (c *Controller) RecordFailedAttempt(userID, ip, userAgent string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()

	key := bruteKey(ip, userID)
	attempt, ok := c.bruteForce[key]
	if !ok {
		attempt = &BruteForceAttempt{IPAddress: ip, UserID: userID, FirstAttempt: now}
		c.bruteForce[key] = attempt
	}
	attempt.Attempts++
	attempt.LastAttempt = now

	ipTotal := 0
	for k, a := range c.bruteForce {
		if a.IPAddress == ip && now.Sub(a.LastAttempt) <= c.cfg.BruteForceWindow {
			ipTotal += a.Attempts
		}
		_ = k
	}
	if c.cfg.EnableIPBlocking && ipTotal > c.cfg.MaxFailedAttempts*2 {
		c.blockedIPs[ip] = now.Add(c.cfg.IPBlockDuration)
	}

	lockout, ok := c.lockouts[userID]
	if !ok {
		lockout = &AccountLockout{UserID: userID}
		c.lockouts[userID] = lockout
	}
	lockout.FailedAttempts++
	lockout.LastAttempt = now
	lockout.IPAddresses = appendUnique(lockout.IPAddresses, ip)

	severity := SeverityMedium
	if lockout.FailedAttempts >= c.cfg.MaxFailedAttempts {
		if c.cfg.EnableAutoLockout {
			lockout.Reason = "max_failed_attempts"
			lockout.LockoutUntil = now.Add(c.cfg.LockoutDuration)
		}
		severity = SeverityHigh
	}

	c.appendEvent(Event{
		Kind: EventBruteForce, Severity: severity, UserID: userID, IPAddress: ip, At: now,
		Detail: map[string]any{"attempts": lockout.FailedAttempts, "userAgent": userAgent},
	})
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}

// RecordSuccessfulAuth clears the user's lockout and brute-force state
// and unblocks the IP if it was previously blocked (spec §4.8).
func (c *Controller) RecordSuccessfulAuth(userID, ip string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.lockouts, userID)
	for key, a := range c.bruteForce {
		if a.UserID == userID {
			delete(c.bruteForce, key)
		}
	}
	delete(c.blockedIPs, ip)
}

// IsAccountLocked reports whether userID is currently locked, evicting an
// expired lockout as a side effect (spec §4.8 "O(1) checks ... after lazy
// eviction").
func (c *Controller) IsAccountLocked(userID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	lockout, ok := c.lockouts[userID]
	if !ok || lockout.LockoutUntil.IsZero() {
		return false
	}
	if time.Now().After(lockout.LockoutUntil) {
		delete(c.lockouts, userID)
		return false
	}
	return true
}

// IsIPBlocked reports whether ip is currently blocked.
func (c *Controller) IsIPBlocked(ip string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	until, ok := c.blockedIPs[ip]
	if !ok {
		return false
	}
	if time.Now().After(until) {
		delete(c.blockedIPs, ip)
		return false
	}
	return true
}

// CheckIPBlocking counts attempts from ip within the brute-force window
// and, if above the suspicious-activity threshold, blocks the IP and
// emits a suspicious_activity event (spec §4.8).
func (c *Controller) CheckIPBlocking(ip, userID string) {
	if !c.scanLimiterFor(ip).Allow() {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	total := 0
	for _, a := range c.bruteForce {
		if a.IPAddress == ip && now.Sub(a.LastAttempt) <= c.cfg.BruteForceWindow {
			total += a.Attempts
		}
	}

	if total > c.cfg.SuspiciousActivityThreshold {
		if c.cfg.EnableIPBlocking {
			c.blockedIPs[ip] = now.Add(c.cfg.IPBlockDuration)
		}
		c.appendEvent(Event{
			Kind: EventSuspiciousActivity, Severity: SeverityHigh, UserID: userID, IPAddress: ip, At: now,
			Detail: map[string]any{"attempts": total},
		})
	}
}

func (c *Controller) appendEvent(e Event) {
	c.nextID++
	e.ID = c.nextID
	c.ring[c.ringHead] = e
	c.ringHead = (c.ringHead + 1) % len(c.ring)
	if c.ringLen < len(c.ring) {
		c.ringLen++
	}
}

// RecentEvents returns up to the last n events, newest first.
func (c *Controller) RecentEvents(n int) []Event {
	c.mu.Lock()
	defer c.mu.Unlock()

	if n <= 0 || n > c.ringLen {
		n = c.ringLen
	}
	out := make([]Event, 0, n)
	idx := c.ringHead - 1
	if idx < 0 {
		idx += len(c.ring)
	}
	for i := 0; i < n; i++ {
		out = append(out, c.ring[idx])
		idx--
		if idx < 0 {
			idx += len(c.ring)
		}
	}
	return out
}

// Cleanup evicts expired lockouts, expired IP blocks, and brute-force
// entries older than the configured window (spec §4.8 "Cleanup tick").
// It is intended to be called periodically (every 60s per the spec) by
// the owning process.
func (c *Controller) Cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()

	for userID, lockout := range c.lockouts {
		if !lockout.LockoutUntil.IsZero() && now.After(lockout.LockoutUntil) {
			delete(c.lockouts, userID)
		}
	}
	for ip, until := range c.blockedIPs {
		if now.After(until) {
			delete(c.blockedIPs, ip)
		}
	}
	for key, a := range c.bruteForce {
		if now.Sub(a.LastAttempt) > c.cfg.BruteForceWindow {
			delete(c.bruteForce, key)
		}
	}
}

// Run starts a background goroutine that calls Cleanup on the given
// interval until ctx-equivalent stop channel is closed. Callers own the
// stop channel's lifecycle.
func (c *Controller) Run(stop <-chan struct{}, interval time.Duration) {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.Cleanup()
			case <-stop:
				return
			}
		}
	}()
}
