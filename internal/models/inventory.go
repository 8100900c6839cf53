package models

import "time"

// TargetDescriptor describes one target discovered on a host.
// Canonical IDs are provider-stable; display names and labels exist
// for matching and UI.
type TargetDescriptor struct {
	CanonicalID string            `json:"canonicalId"`
	DisplayName string            `json:"displayName,omitempty"`
	Labels      map[string]string `json:"labels,omitempty"`
	Attrs       map[string]any    `json:"attrs,omitempty"`
	Active      bool              `json:"active"`
	LastSeen    time.Time         `json:"lastSeen"`
}

// HostCapability is one ability advertised by a host's driver, with a
// fixed verb set and optional verb inverses.
type HostCapability struct {
	ID             string            `json:"id"`
	Verbs          []string          `json:"verbs"`
	Invertible     map[string]string `json:"invertible,omitempty"` // verb -> inverse verb
	Idempotency    string            `json:"idempotency,omitempty"`
	SupportsDryRun bool              `json:"supportsDryRun"`
	TimeoutS       int               `json:"timeoutS,omitempty"` // per-call timeout, default 60
}

// HasVerb reports whether the capability's verb set includes verb.
func (c HostCapability) HasVerb(verb string) bool {
	for _, v := range c.Verbs {
		if v == verb {
			return true
		}
	}
	return false
}

// Timeout returns the per-call timeout for this capability.
func (c HostCapability) Timeout() time.Duration {
	if c.TimeoutS <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.TimeoutS) * time.Second
}
