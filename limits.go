package stcp

import (
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// LimitAction specifies what action to take when connection limits are exceeded.
type LimitAction int

const (
	// LimitActionReset answers the rejected SYN with RST (default)
	LimitActionReset LimitAction = iota
	// LimitActionDrop silently drops the SYN without response
	LimitActionDrop
)

// String returns the configuration name of the action.
func (a LimitAction) String() string {
	switch a {
	case LimitActionReset:
		return "reset"
	case LimitActionDrop:
		return "drop"
	default:
		return "unknown"
	}
}

// ConnectionLimitsConfig configures connection rate limiting on a Listener.
// All limit values of 0 mean disabled (unlimited).
type ConnectionLimitsConfig struct {
	// MaxConcurrentConns is the number of live accepted connections.
	// 0 or negative means unlimited.
	MaxConcurrentConns int `yaml:"max_concurrent_conns"`

	// Per-peer incoming connection limits, keyed by source IP
	MaxConnsPerMinute int `yaml:"max_conns_per_minute"`
	MaxConnsPerHour   int `yaml:"max_conns_per_hour"`
	MaxConnsPerDay    int `yaml:"max_conns_per_day"`

	// Total incoming connection limits (all peers combined)
	MaxTotalConnsPerMinute int `yaml:"max_total_conns_per_minute"`
	MaxTotalConnsPerHour   int `yaml:"max_total_conns_per_hour"`
	MaxTotalConnsPerDay    int `yaml:"max_total_conns_per_day"`

	// LimitAction specifies what to do when limits are exceeded
	LimitAction LimitAction `yaml:"limit_action"`

	// DisableRejectLogging disables log warnings when connections are rejected
	DisableRejectLogging bool `yaml:"disable_reject_logging"`
}

// DefaultConnectionLimitsConfig returns the default (unlimited) configuration.
func DefaultConnectionLimitsConfig() *ConnectionLimitsConfig {
	return &ConnectionLimitsConfig{
		MaxConcurrentConns: -1,
		LimitAction:        LimitActionReset,
	}
}

// connectionLimiter tracks and enforces connection limits.
// It maintains per-peer and total connection counters with time-based windows.
type connectionLimiter struct {
	config *ConnectionLimitsConfig
	mu     sync.Mutex

	activeConns int

	peerHistory  map[netip.Addr]*connectionHistory
	totalHistory *connectionHistory
}

// connectionHistory tracks connection timestamps for rate limiting.
// Guarded by the owning connectionLimiter's mutex.
type connectionHistory struct {
	timestamps []time.Time
}

// newConnectionLimiter creates a new connection limiter with the given config.
func newConnectionLimiter(config *ConnectionLimitsConfig) *connectionLimiter {
	if config == nil {
		config = DefaultConnectionLimitsConfig()
	}
	return &connectionLimiter{
		config:       config,
		peerHistory:  make(map[netip.Addr]*connectionHistory),
		totalHistory: &connectionHistory{},
	}
}

// SetConfig updates the limiter configuration.
func (cl *connectionLimiter) SetConfig(config *ConnectionLimitsConfig) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if config == nil {
		config = DefaultConnectionLimitsConfig()
	}
	cl.config = config
}

// GetConfig returns a copy of the current configuration.
func (cl *connectionLimiter) GetConfig() *ConnectionLimitsConfig {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	cfg := *cl.config
	return &cfg
}

// ActiveConns returns the current number of admitted, not yet closed connections.
func (cl *connectionLimiter) ActiveConns() int {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.activeConns
}

// CheckAndRecordConnection checks if a new connection from peer is allowed.
// If allowed, it records the connection and returns nil.
// If not allowed, it returns an error describing which limit was exceeded.
func (cl *connectionLimiter) CheckAndRecordConnection(peer netip.Addr) error {
	return cl.checkAndRecordAt(peer, time.Now())
}

func (cl *connectionLimiter) checkAndRecordAt(peer netip.Addr, now time.Time) error {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	log.Debug().
		Int("activeConns", cl.activeConns).
		Str("peer", peer.String()).
		Msg("checking connection limits")

	if cl.config.MaxConcurrentConns > 0 && cl.activeConns >= cl.config.MaxConcurrentConns {
		return fmt.Errorf("max concurrent connections limit exceeded (%d)", cl.config.MaxConcurrentConns)
	}

	if err := cl.checkTotalRateLimitsLocked(now); err != nil {
		return err
	}

	if err := cl.checkPeerRateLimitsLocked(peer, now); err != nil {
		return err
	}

	cl.activeConns++
	cl.totalHistory.timestamps = append(cl.totalHistory.timestamps, now)
	if peer.IsValid() {
		history := cl.getOrCreatePeerHistoryLocked(peer)
		history.timestamps = append(history.timestamps, now)
	}

	log.Debug().
		Int("activeConns", cl.activeConns).
		Msg("connection recorded")
	return nil
}

// checkTotalRateLimitsLocked checks if total rate limits would be exceeded.
// Must be called with cl.mu held.
func (cl *connectionLimiter) checkTotalRateLimitsLocked(now time.Time) error {
	cl.totalHistory.pruneOldEntries(now)
	return cl.totalHistory.check(now, "total connections",
		cl.config.MaxTotalConnsPerMinute, cl.config.MaxTotalConnsPerHour, cl.config.MaxTotalConnsPerDay)
}

// checkPeerRateLimitsLocked checks if per-peer rate limits would be exceeded.
// Must be called with cl.mu held.
func (cl *connectionLimiter) checkPeerRateLimitsLocked(peer netip.Addr, now time.Time) error {
	if !peer.IsValid() {
		return nil
	}
	if cl.config.MaxConnsPerMinute <= 0 && cl.config.MaxConnsPerHour <= 0 && cl.config.MaxConnsPerDay <= 0 {
		return nil
	}

	history := cl.getOrCreatePeerHistoryLocked(peer)
	history.pruneOldEntries(now)
	return history.check(now, "connections from peer",
		cl.config.MaxConnsPerMinute, cl.config.MaxConnsPerHour, cl.config.MaxConnsPerDay)
}

// ConnectionClosed should be called when an admitted connection ends.
func (cl *connectionLimiter) ConnectionClosed() {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if cl.activeConns > 0 {
		cl.activeConns--
		log.Debug().
			Int("activeConns", cl.activeConns).
			Msg("connection closed, decremented active connections")
	}
}

func (cl *connectionLimiter) getOrCreatePeerHistoryLocked(peer netip.Addr) *connectionHistory {
	if history, exists := cl.peerHistory[peer]; exists {
		return history
	}
	history := &connectionHistory{}
	cl.peerHistory[peer] = history
	return history
}

// check compares the counts in the last minute, hour and day against the
// given limits. A limit of 0 or less is disabled.
func (h *connectionHistory) check(now time.Time, what string, perMinute, perHour, perDay int) error {
	windows := []struct {
		limit  int
		period time.Duration
		name   string
	}{
		{perMinute, time.Minute, "minute"},
		{perHour, time.Hour, "hour"},
		{perDay, 24 * time.Hour, "day"},
	}
	for _, w := range windows {
		if w.limit <= 0 {
			continue
		}
		if h.countSince(now.Add(-w.period)) >= w.limit {
			return fmt.Errorf("%s per %s limit exceeded (%d)", what, w.name, w.limit)
		}
	}
	return nil
}

// pruneOldEntries removes entries older than 24 hours to prevent memory growth.
func (h *connectionHistory) pruneOldEntries(now time.Time) {
	cutoff := now.Add(-24 * time.Hour)
	kept := h.timestamps[:0]
	for _, ts := range h.timestamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	h.timestamps = kept
}

// countSince counts timestamps after the given time.
func (h *connectionHistory) countSince(since time.Time) int {
	count := 0
	for _, ts := range h.timestamps {
		if ts.After(since) {
			count++
		}
	}
	return count
}

// logLimitExceeded logs a warning about a rejected connection.
func logLimitExceeded(config *ConnectionLimitsConfig, peer netip.AddrPort, reason string) {
	if config.DisableRejectLogging {
		return
	}
	log.Warn().
		Str("peer", peer.String()).
		Str("reason", reason).
		Str("action", config.LimitAction.String()).
		Msg("incoming connection rejected due to rate limit")
}

// CleanupStaleHistory removes peer history entries with no activity in 24+ hours.
// A Listener calls this periodically.
func (cl *connectionLimiter) CleanupStaleHistory() {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	now := time.Now()
	removed := 0
	for peer, history := range cl.peerHistory {
		history.pruneOldEntries(now)
		if len(history.timestamps) == 0 {
			delete(cl.peerHistory, peer)
			removed++
		}
	}

	log.Debug().
		Int("removed", removed).
		Int("remaining", len(cl.peerHistory)).
		Msg("stale history cleanup complete")
}
