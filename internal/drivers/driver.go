// Package drivers defines the integration driver contract consumed by
// the inventory index, the policy compiler, the execution engine and
// the dry-run evaluator, plus the registry that binds drivers to hosts.
package drivers

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/surgeguard/internal/errors"
	"github.com/rcourtman/surgeguard/internal/models"
)

// ConnResult reports a connection test.
type ConnResult struct {
	OK        bool   `json:"ok"`
	LatencyMS int64  `json:"latencyMs"`
	Detail    string `json:"detail,omitempty"`
}

// Call is one capability invocation against one target.
type Call struct {
	CapabilityID string
	Verb         string
	TargetID     string
	Params       map[string]any
}

// Result is the authoritative outcome of a driver invocation. Drivers
// retry internally according to their own policy; the engine never
// retries above them.
type Result struct {
	OK      bool   `json:"ok"`
	Detail  string `json:"detail,omitempty"`
	Warning bool   `json:"warning,omitempty"`
}

// Driver is the narrow interface every integration must expose.
// Implementations must honour context cancellation at their first safe
// yield point.
type Driver interface {
	Name() string
	TestConnection(ctx context.Context) (ConnResult, error)
	ListCapabilities(ctx context.Context) ([]models.HostCapability, error)
	Discover(ctx context.Context, targetType string, fast bool) ([]models.TargetDescriptor, error)
	Invoke(ctx context.Context, call Call) (Result, error)
	DryRun(ctx context.Context, call Call) (models.DryRunResult, error)

	// Operations lists the capability IDs the driver actually
	// implements. The registry rejects drivers whose advertised
	// capabilities are not backed by an operation.
	Operations() []string
}

// Registry binds hosts to their integration drivers.
type Registry struct {
	mu     sync.RWMutex
	byHost map[string]Driver
}

// NewRegistry creates an empty driver registry.
func NewRegistry() *Registry {
	return &Registry{byHost: make(map[string]Driver)}
}

// Bind attaches a driver to a host after validating that every
// capability the driver advertises maps to an implemented operation.
// A driver that fails validation is rejected at load time.
func (r *Registry) Bind(ctx context.Context, hostID string, d Driver) error {
	if hostID == "" {
		return fmt.Errorf("bind driver %s: empty host ID", d.Name())
	}

	checkCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	caps, err := d.ListCapabilities(checkCtx)
	if err != nil {
		return errors.WrapTransportError("list_capabilities", hostID, err)
	}

	implemented := make(map[string]bool)
	for _, op := range d.Operations() {
		implemented[op] = true
	}

	var missing []string
	for _, c := range caps {
		if !implemented[c.ID] {
			missing = append(missing, c.ID)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("driver %s advertises unimplemented capabilities %v", d.Name(), missing)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.byHost[hostID]; ok {
		log.Warn().
			Str("host", hostID).
			Str("previous", existing.Name()).
			Str("driver", d.Name()).
			Msg("Rebinding host to a new driver")
	}
	r.byHost[hostID] = d

	log.Info().
		Str("host", hostID).
		Str("driver", d.Name()).
		Int("capabilities", len(caps)).
		Msg("Driver bound")
	return nil
}

// DriverFor returns the driver bound to the host.
func (r *Registry) DriverFor(hostID string) (Driver, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byHost[hostID]
	if !ok {
		return nil, errors.NewOrchestratorError(errors.ErrorTypeNotFound, "driver_for", hostID,
			fmt.Errorf("no driver bound to host %q", hostID))
	}
	return d, nil
}

// Hosts returns the bound host IDs in sorted order.
func (r *Registry) Hosts() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	hosts := make([]string, 0, len(r.byHost))
	for h := range r.byHost {
		hosts = append(hosts, h)
	}
	sort.Strings(hosts)
	return hosts
}

// Unbind removes the driver bound to a host.
func (r *Registry) Unbind(hostID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byHost, hostID)
}
