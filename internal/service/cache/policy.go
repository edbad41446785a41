package cache

import (
	"sort"
	"strings"
	"time"
)

// Policy maps key prefixes to TTLs. The longest matching prefix wins; keys
// that match nothing get Default. A Policy is immutable once built.
type Policy struct {
	Default time.Duration
	rules   []rule
}

type rule struct {
	prefix string
	ttl    time.Duration
}

// NewPolicy builds a policy. Non-positive TTLs in prefixes are ignored.
func NewPolicy(def time.Duration, prefixes map[string]time.Duration) *Policy {
	p := &Policy{Default: def}
	for prefix, ttl := range prefixes {
		if prefix == "" || ttl <= 0 {
			continue
		}
		p.rules = append(p.rules, rule{prefix: prefix, ttl: ttl})
	}
	sort.Slice(p.rules, func(i, j int) bool {
		if len(p.rules[i].prefix) != len(p.rules[j].prefix) {
			return len(p.rules[i].prefix) > len(p.rules[j].prefix)
		}
		return p.rules[i].prefix < p.rules[j].prefix
	})
	return p
}

// DefaultPolicy is the namespace table used when no policy file is configured.
func DefaultPolicy() *Policy {
	return NewPolicy(300*time.Second, map[string]time.Duration{
		"workshop:":  600 * time.Second,
		"analytics:": 300 * time.Second,
		"session:":   86400 * time.Second,
	})
}

// Match returns the TTL of the longest prefix of key, if any.
func (p *Policy) Match(key string) (time.Duration, bool) {
	if p == nil {
		return 0, false
	}
	for _, r := range p.rules {
		if strings.HasPrefix(key, r.prefix) {
			return r.ttl, true
		}
	}
	return 0, false
}

// TTLFor is Match falling back to Default.
func (p *Policy) TTLFor(key string) time.Duration {
	if ttl, ok := p.Match(key); ok {
		return ttl
	}
	if p == nil {
		return 0
	}
	return p.Default
}

// Rules copies the prefix table.
func (p *Policy) Rules() map[string]time.Duration {
	if p == nil {
		return nil
	}
	out := make(map[string]time.Duration, len(p.rules))
	for _, r := range p.rules {
		out[r.prefix] = r.ttl
	}
	return out
}
