package approval

import (
	"strings"
	"sync"
)

const (
	bashTool     = "Bash"
	bashPrefix   = "Bash("
	bashWildcard = ":*)"
)

// Matches reports whether rule applies to a call of tool with input.
func Matches(rule, tool string, input interface{}) bool {
	if rule == tool {
		return true
	}
	if tool != bashTool || !strings.HasPrefix(rule, bashPrefix) || !strings.HasSuffix(rule, bashWildcard) {
		return false
	}

	prefix := strings.TrimSuffix(strings.TrimPrefix(rule, bashPrefix), bashWildcard)
	command, ok := commandOf(input)
	if !ok {
		return false
	}
	return strings.HasPrefix(strings.TrimSpace(command), prefix)
}

// commandOf extracts the shell command from a plain string input or from an
// object's command field.
func commandOf(input interface{}) (string, bool) {
	switch v := input.(type) {
	case string:
		return v, true
	case map[string]interface{}:
		cmd, ok := v["command"].(string)
		return cmd, ok
	default:
		return "", false
	}
}

// Verdict is the outcome of evaluating the static policy.
type Verdict int

const (
	// VerdictAsk means no rule applied and the user must decide.
	VerdictAsk Verdict = iota
	VerdictAllow
	VerdictDeny
)

// Policy holds a run's allow and deny lists. Remembered entries live only as
// long as the Policy.
type Policy struct {
	mu         sync.RWMutex
	bypass     bool
	allowed    []string
	disallowed []string
}

// NewPolicy copies the given lists so callers can reuse their slices.
func NewPolicy(bypass bool, allowed, disallowed []string) *Policy {
	return &Policy{
		bypass:     bypass,
		allowed:    append([]string(nil), allowed...),
		disallowed: append([]string(nil), disallowed...),
	}
}

// Evaluate applies bypass, then deny rules, then allow rules.
func (p *Policy) Evaluate(tool string, input interface{}) Verdict {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.bypass {
		return VerdictAllow
	}
	for _, rule := range p.disallowed {
		if Matches(rule, tool, input) {
			return VerdictDeny
		}
	}
	for _, rule := range p.allowed {
		if Matches(rule, tool, input) {
			return VerdictAllow
		}
	}
	return VerdictAsk
}

// Remember adds entry to the allow list and strips identical strings from the
// deny list. Overlapping deny patterns are left alone.
func (p *Policy) Remember(entry string) {
	entry = strings.TrimSpace(entry)
	if entry == "" {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if !contains(p.allowed, entry) {
		p.allowed = append(p.allowed, entry)
	}
	kept := p.disallowed[:0]
	for _, rule := range p.disallowed {
		if rule != entry {
			kept = append(kept, rule)
		}
	}
	p.disallowed = kept
}

// Allowed returns a copy of the current allow list.
func (p *Policy) Allowed() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]string(nil), p.allowed...)
}

// Disallowed returns a copy of the current deny list.
func (p *Policy) Disallowed() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]string(nil), p.disallowed...)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
