package plugin

import (
	"errors"
	"fmt"
	"slices"
)

// IsolationStrategy enforces security restrictions for plugins at runtime.
type IsolationStrategy interface {
	Validate(info Info, policy IsolationPolicy) error
	Prepare(info Info) error
	Cleanup(info Info) error
}

// NoopIsolationStrategy performs only capability validation.
type NoopIsolationStrategy struct{}

// Validate ensures every capability the plugin declares is permitted.
func (NoopIsolationStrategy) Validate(info Info, policy IsolationPolicy) error {
	for _, capability := range info.Capabilities {
		if slices.Contains(policy.DeniedCapabilities, capability) {
			return fmt.Errorf("capability %s is explicitly denied", capability)
		}
		if !policy.Permits(capability) {
			return fmt.Errorf("capability %s not permitted", capability)
		}
	}
	return nil
}

// Prepare implements IsolationStrategy.
func (NoopIsolationStrategy) Prepare(Info) error { return nil }

// Cleanup implements IsolationStrategy.
func (NoopIsolationStrategy) Cleanup(Info) error { return nil }

// NewIsolationStrategy returns a default isolation strategy if none is supplied.
func NewIsolationStrategy(strategy IsolationStrategy) IsolationStrategy {
	if strategy == nil {
		return NoopIsolationStrategy{}
	}
	return strategy
}

// Permits reports whether capability may be used under p. An empty allow
// list permits everything that is not denied.
func (p IsolationPolicy) Permits(capability Capability) bool {
	if slices.Contains(p.DeniedCapabilities, capability) {
		return false
	}
	return len(p.AllowedCapabilities) == 0 || slices.Contains(p.AllowedCapabilities, capability)
}

// MergePolicies combines the default and plugin specific isolation policies.
func MergePolicies(defaults IsolationPolicy, plugin *IsolationPolicy) IsolationPolicy {
	if plugin == nil {
		return defaults
	}
	merged := plugin.Merge(defaults)
	if len(merged.AllowedCapabilities) == 0 && len(merged.DeniedCapabilities) == 0 {
		return defaults
	}
	return merged
}

// EnsurePolicy returns an error when a plugin asks for execution rights
// without any policy in place.
func EnsurePolicy(info Info, policy IsolationPolicy) error {
	if !slices.Contains(info.Capabilities, CapabilityExecution) {
		return nil
	}
	if len(policy.AllowedCapabilities) == 0 && len(policy.DeniedCapabilities) == 0 {
		return errors.New("plugins requesting execution require an isolation policy")
	}
	return nil
}
