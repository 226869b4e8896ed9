package app

import (
	"sync"
	"time"

	"alertengine/internal/domain"
	"alertengine/internal/oncall"
)

// policyCatalog holds the active escalation policy set behind a swap lock.
// Params: policy map replaced wholesale on config reload.
// Returns: lifecycle policy lookup that observes reloads without restart.
type policyCatalog struct {
	mu       sync.RWMutex
	policies map[string]domain.EscalationPolicy
}

// newPolicyCatalog creates a catalog over one policy snapshot.
// Params: initial policy map.
// Returns: initialized catalog.
func newPolicyCatalog(policies map[string]domain.EscalationPolicy) *policyCatalog {
	return &policyCatalog{policies: policies}
}

// Policy looks up one policy by name.
// Params: policy name.
// Returns: policy and presence flag.
func (c *policyCatalog) Policy(name string) (domain.EscalationPolicy, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	policy, ok := c.policies[name]
	return policy, ok
}

// Replace swaps the whole policy set.
// Params: next policy map.
// Returns: subsequent lookups observe the new set.
func (c *policyCatalog) Replace(policies map[string]domain.EscalationPolicy) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.policies = policies
}

// rotationCatalog holds the active on-call resolver behind a swap lock.
// Params: resolver replaced wholesale on config reload.
// Returns: oncall.Resolver that observes reloads without restart.
type rotationCatalog struct {
	mu       sync.RWMutex
	resolver oncall.Resolver
}

// newRotationCatalog creates a catalog over one resolver.
// Params: initial resolver.
// Returns: initialized catalog.
func newRotationCatalog(resolver oncall.Resolver) *rotationCatalog {
	return &rotationCatalog{resolver: resolver}
}

// Resolve delegates to the active resolver.
// Params: rotation name and decision timestamp.
// Returns: recipient list from the current snapshot.
func (c *rotationCatalog) Resolve(rotation string, at time.Time) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.resolver.Resolve(rotation, at)
}

// Replace swaps the active resolver.
// Params: next resolver.
// Returns: subsequent resolutions use the new rotations.
func (c *rotationCatalog) Replace(resolver oncall.Resolver) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resolver = resolver
}
