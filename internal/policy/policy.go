// Package policy decides which tools and skills the agent may invoke.
// Capability tokens are "tool:<name>", "skill:<name>" or "*". A profile sets
// the defaults; explicit allow/deny lists and per-provider scopes refine it.
package policy

import (
	"fmt"
	"hash/fnv"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/basket/clawd/internal/config"
)

// Checker is the consumer-facing interface for capability checks.
type Checker interface {
	Allow(token string, providerType string) bool
	PolicyVersion() string
}

type scopedPolicy struct {
	allow []string
	deny  []string
}

// Policy is an immutable snapshot of the tools policy.
type Policy struct {
	profile    string
	allow      []string
	deny       []string
	byProvider map[string]scopedPolicy
}

// FromConfig builds a Policy from the tools section. The config loader has
// already validated profile and token shapes; this re-checks so the policy
// package stands alone.
func FromConfig(cfg config.ToolsConfig) (Policy, error) {
	profile := strings.ToLower(strings.TrimSpace(cfg.Profile))
	switch profile {
	case "full", "coding", "minimal", "messaging":
	default:
		return Policy{}, fmt.Errorf("invalid tools.profile=%q, allowed: full|coding|minimal|messaging", cfg.Profile)
	}

	allow, err := cleanPatterns(cfg.Allow, "tools.allow")
	if err != nil {
		return Policy{}, err
	}
	deny, err := cleanPatterns(cfg.Deny, "tools.deny")
	if err != nil {
		return Policy{}, err
	}

	byProvider := make(map[string]scopedPolicy, len(cfg.ByProvider))
	for providerKey, scoped := range cfg.ByProvider {
		key := strings.ToLower(strings.TrimSpace(providerKey))
		if key == "" {
			return Policy{}, fmt.Errorf("tools.by_provider contains empty key")
		}
		allowScoped, err := cleanPatterns(scoped.Allow, "tools.by_provider."+key+".allow")
		if err != nil {
			return Policy{}, err
		}
		denyScoped, err := cleanPatterns(scoped.Deny, "tools.by_provider."+key+".deny")
		if err != nil {
			return Policy{}, err
		}
		byProvider[key] = scopedPolicy{allow: allowScoped, deny: denyScoped}
	}

	return Policy{
		profile:    profile,
		allow:      allow,
		deny:       deny,
		byProvider: byProvider,
	}, nil
}

func cleanPatterns(in []string, field string) ([]string, error) {
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if v != "*" && !strings.HasPrefix(v, "tool:") && !strings.HasPrefix(v, "skill:") {
			return nil, fmt.Errorf("invalid %s pattern %q; expected '*' or prefix 'tool:'/'skill:'", field, v)
		}
		out = append(out, v)
	}
	return out, nil
}

// Allow reports whether the capability token is permitted for the given
// provider type. Deny wins over everything; an explicit allow list replaces
// the profile defaults; provider scopes tighten the result.
func (p Policy) Allow(token string, providerType string) bool {
	for _, pat := range p.deny {
		if wildcardMatch(pat, token) {
			return false
		}
	}

	if len(p.allow) > 0 {
		for _, pat := range p.allow {
			if wildcardMatch(pat, token) {
				return true
			}
		}
		return false
	}

	if !p.defaultAllowed(token) {
		return false
	}

	if providerType != "" {
		for _, key := range providerPolicyKeys(providerType) {
			scoped, ok := p.byProvider[key]
			if !ok {
				continue
			}
			for _, pat := range scoped.deny {
				if wildcardMatch(pat, token) {
					return false
				}
			}
			if len(scoped.allow) > 0 {
				matched := false
				for _, pat := range scoped.allow {
					if wildcardMatch(pat, token) {
						matched = true
						break
					}
				}
				if !matched {
					return false
				}
			}
			break
		}
	}

	return true
}

func (p Policy) defaultAllowed(token string) bool {
	var defaults []string
	switch p.profile {
	case "full":
		defaults = []string{"*"}
	case "coding":
		defaults = []string{
			"tool:*",
			"skill:system_basic",
			"skill:http_basic",
			"skill:git_basic",
			"skill:install_module",
			"skill:process_basic",
			"skill:package_manager",
			"skill:archive_basic",
			"skill:db_basic",
			"skill:docker_basic",
			"skill:fs_search",
			"skill:rss_fetch",
			"skill:image_vision",
			"skill:image_generate",
			"skill:image_edit",
		}
	case "minimal":
		defaults = []string{"tool:read_file", "tool:list_dir", "skill:system_basic"}
	case "messaging":
		defaults = []string{"skill:system_basic"}
	default:
		defaults = []string{"*"}
	}
	for _, pat := range defaults {
		if wildcardMatch(pat, token) {
			return true
		}
	}
	return false
}

// PolicyVersion is a stable hash of the policy content, recorded with audit
// events so a decision can be traced to the config that produced it.
func (p Policy) PolicyVersion() string {
	h := fnv.New64a()
	_, _ = h.Write([]byte("profile=" + p.profile + "|"))
	for _, v := range p.allow {
		_, _ = h.Write([]byte("a=" + v + "|"))
	}
	for _, v := range p.deny {
		_, _ = h.Write([]byte("d=" + v + "|"))
	}
	keys := make([]string, 0, len(p.byProvider))
	for key := range p.byProvider {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		scoped := p.byProvider[key]
		_, _ = h.Write([]byte("p=" + key + "|"))
		for _, v := range scoped.allow {
			_, _ = h.Write([]byte("pa=" + v + "|"))
		}
		for _, v := range scoped.deny {
			_, _ = h.Write([]byte("pd=" + v + "|"))
		}
	}
	return "policy-" + strconv.FormatUint(h.Sum64(), 16)
}

// providerPolicyKeys maps a wire provider type to the config keys that may
// scope it, most specific first.
func providerPolicyKeys(providerType string) []string {
	p := strings.ToLower(strings.TrimSpace(providerType))
	keys := []string{p}
	switch p {
	case "openai_compat":
		keys = append(keys, "openai")
	case "google_gemini":
		keys = append(keys, "google")
	case "anthropic_claude":
		keys = append(keys, "anthropic")
	}
	return keys
}

// wildcardMatch matches text against a glob pattern where '*' spans any run
// of characters.
func wildcardMatch(pattern, text string) bool {
	if pattern == "*" {
		return true
	}
	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		return pattern == text
	}

	idx := 0
	first := true
	for _, part := range parts {
		if part == "" {
			continue
		}
		if first && !strings.HasPrefix(pattern, "*") {
			if !strings.HasPrefix(text[idx:], part) {
				return false
			}
			idx += len(part)
			first = false
			continue
		}
		found := strings.Index(text[idx:], part)
		if found < 0 {
			return false
		}
		idx += found + len(part)
		first = false
	}
	if !strings.HasSuffix(pattern, "*") {
		last := parts[len(parts)-1]
		return strings.HasSuffix(text, last)
	}
	return true
}

// LivePolicy wraps a Policy snapshot behind a RWMutex so the config watcher
// can swap it without restarting workers.
type LivePolicy struct {
	mu   sync.RWMutex
	data Policy
}

func NewLivePolicy(initial Policy) *LivePolicy {
	return &LivePolicy{data: initial}
}

func (lp *LivePolicy) Allow(token string, providerType string) bool {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return lp.data.Allow(token, providerType)
}

func (lp *LivePolicy) PolicyVersion() string {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return lp.data.PolicyVersion()
}

// Replace swaps in a new snapshot.
func (lp *LivePolicy) Replace(next Policy) {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	lp.data = next
}
