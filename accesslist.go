package stcp

import (
	"fmt"
	"net/netip"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

// AccessListMode specifies how the access list is used.
type AccessListMode int

const (
	// AccessListModeDisabled means no access list filtering (default)
	AccessListModeDisabled AccessListMode = iota
	// AccessListModeAllowlist admits only listed addresses
	AccessListModeAllowlist
	// AccessListModeDenylist rejects listed addresses
	AccessListModeDenylist
)

// String returns the configuration name of the mode.
func (m AccessListMode) String() string {
	switch m {
	case AccessListModeDisabled:
		return "disabled"
	case AccessListModeAllowlist:
		return "allowlist"
	case AccessListModeDenylist:
		return "denylist"
	default:
		return "unknown"
	}
}

// AccessListConfig configures source-address filtering on a Listener.
type AccessListConfig struct {
	// Mode specifies how the access list is used
	Mode AccessListMode `yaml:"mode"`

	// Entries are IP addresses ("192.0.2.7") or CIDR prefixes ("10.0.0.0/8").
	Entries []string `yaml:"entries"`

	// DisableRejectLogging disables log warnings when connections are rejected
	DisableRejectLogging bool `yaml:"disable_reject_logging"`
}

// DefaultAccessListConfig returns the default (disabled) configuration.
func DefaultAccessListConfig() *AccessListConfig {
	return &AccessListConfig{Mode: AccessListModeDisabled}
}

// accessFilter implements address-based access filtering.
type accessFilter struct {
	config *AccessListConfig
	mu     sync.RWMutex

	prefixes []netip.Prefix
}

// newAccessFilter creates a new access filter with the given config.
// Entries that do not parse are logged and skipped.
func newAccessFilter(config *AccessListConfig) *accessFilter {
	if config == nil {
		config = DefaultAccessListConfig()
	}
	af := &accessFilter{config: config}
	af.rebuildPrefixes()
	return af
}

// SetConfig updates the filter configuration and rebuilds the prefix set.
func (af *accessFilter) SetConfig(config *AccessListConfig) {
	af.mu.Lock()
	defer af.mu.Unlock()
	if config == nil {
		config = DefaultAccessListConfig()
	}
	af.config = config
	af.rebuildPrefixes()
}

// GetConfig returns a copy of the current configuration.
func (af *accessFilter) GetConfig() *AccessListConfig {
	af.mu.RLock()
	defer af.mu.RUnlock()
	cfg := *af.config
	cfg.Entries = append([]string(nil), af.config.Entries...)
	return &cfg
}

// rebuildPrefixes must be called with af.mu held.
func (af *accessFilter) rebuildPrefixes() {
	af.prefixes = af.prefixes[:0]
	for _, entry := range af.config.Entries {
		prefix, err := parseAccessEntry(entry)
		if err != nil {
			log.Warn().Err(err).Msg("skipping access list entry")
			continue
		}
		af.prefixes = append(af.prefixes, prefix)
	}
}

// parseAccessEntry accepts a bare address or a CIDR prefix. A bare address
// becomes a single-host prefix.
func parseAccessEntry(entry string) (netip.Prefix, error) {
	entry = strings.TrimSpace(entry)
	if strings.Contains(entry, "/") {
		prefix, err := netip.ParsePrefix(entry)
		if err != nil {
			return netip.Prefix{}, fmt.Errorf("invalid prefix %q: %w", entry, err)
		}
		return prefix.Masked(), nil
	}
	addr, err := netip.ParseAddr(entry)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("invalid address %q: %w", entry, err)
	}
	addr = addr.Unmap()
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// IsAllowed checks if a connection from addr should be accepted.
func (af *accessFilter) IsAllowed(addr netip.Addr) bool {
	af.mu.RLock()
	defer af.mu.RUnlock()

	if af.config.Mode == AccessListModeDisabled || !addr.IsValid() {
		return true
	}

	addr = addr.Unmap()
	inList := false
	for _, p := range af.prefixes {
		if p.Contains(addr) {
			inList = true
			break
		}
	}

	switch af.config.Mode {
	case AccessListModeAllowlist:
		return inList
	case AccessListModeDenylist:
		return !inList
	default:
		return true
	}
}

// CheckAndLog checks if addr is allowed and logs if rejected.
// Returns nil if allowed, or an error describing why rejected.
func (af *accessFilter) CheckAndLog(addr netip.Addr) error {
	if af.IsAllowed(addr) {
		return nil
	}

	af.mu.RLock()
	config := af.config
	af.mu.RUnlock()

	reason := "address in denylist"
	if config.Mode == AccessListModeAllowlist {
		reason = "address not in allowlist"
	}

	if !config.DisableRejectLogging {
		log.Warn().
			Str("peer", addr.String()).
			Str("reason", reason).
			Msg("incoming connection rejected by access list")
	}

	return &AccessDeniedError{Reason: reason}
}

// AccessDeniedError is returned when a connection is rejected due to access list.
type AccessDeniedError struct {
	Reason string
}

func (e *AccessDeniedError) Error() string {
	return "access denied: " + e.Reason
}

// Count returns the number of usable entries in the access list.
func (af *accessFilter) Count() int {
	af.mu.RLock()
	defer af.mu.RUnlock()
	return len(af.prefixes)
}

// ParseAddrList parses a comma or space-separated list of addresses and prefixes.
func ParseAddrList(list string) []string {
	return strings.Fields(strings.ReplaceAll(list, ",", " "))
}
