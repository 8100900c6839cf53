// Package mock provides an in-memory driver used by tests and by mock
// mode. Its inventory, capabilities and failure behaviour are all
// injectable.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rcourtman/surgeguard/internal/drivers"
	"github.com/rcourtman/surgeguard/internal/models"
)

// Driver is a configurable fake integration.
type Driver struct {
	mu sync.Mutex

	name          string
	capabilities  []models.HostCapability
	targets       map[string][]models.TargetDescriptor // by target type
	discoverDelay time.Duration
	discoverErr   error
	discoverCalls int

	// InvokeFunc, when set, decides every invocation. Otherwise
	// invocations succeed unless the verb is listed in failVerbs.
	InvokeFunc func(call drivers.Call) (drivers.Result, error)
	failVerbs  map[string]string // verb -> failure detail

	calls []drivers.Call
}

// Option configures the mock driver.
type Option func(*Driver)

// WithCapabilities sets the advertised capability descriptors.
func WithCapabilities(caps ...models.HostCapability) Option {
	return func(d *Driver) { d.capabilities = caps }
}

// WithTargets sets the discoverable targets for a target type.
func WithTargets(targetType string, targets ...models.TargetDescriptor) Option {
	return func(d *Driver) { d.targets[targetType] = targets }
}

// WithDiscoverDelay makes discovery sleep, for freshness SLA tests.
func WithDiscoverDelay(delay time.Duration) Option {
	return func(d *Driver) { d.discoverDelay = delay }
}

// WithDiscoverError makes discovery fail.
func WithDiscoverError(err error) Option {
	return func(d *Driver) { d.discoverErr = err }
}

// WithFailingVerb makes invocations of the given verb fail.
func WithFailingVerb(verb, detail string) Option {
	return func(d *Driver) { d.failVerbs[verb] = detail }
}

// New creates a mock driver. Without options it advertises a
// "host.power" capability with shutdown/start verbs and no targets.
func New(name string, opts ...Option) *Driver {
	d := &Driver{
		name:      name,
		targets:   make(map[string][]models.TargetDescriptor),
		failVerbs: make(map[string]string),
		capabilities: []models.HostCapability{
			{
				ID:             "host.power",
				Verbs:          []string{"shutdown", "start"},
				Invertible:     map[string]string{"shutdown": "start", "start": "shutdown"},
				SupportsDryRun: true,
			},
		},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// SimpleTargets is a convenience for fixture inventories.
func SimpleTargets(ids ...string) []models.TargetDescriptor {
	out := make([]models.TargetDescriptor, 0, len(ids))
	for _, id := range ids {
		out = append(out, models.TargetDescriptor{
			CanonicalID: id,
			DisplayName: id,
			Active:      true,
			LastSeen:    time.Now(),
		})
	}
	return out
}

func (d *Driver) Name() string { return d.name }

func (d *Driver) TestConnection(ctx context.Context) (drivers.ConnResult, error) {
	return drivers.ConnResult{OK: true, LatencyMS: 1}, nil
}

func (d *Driver) ListCapabilities(ctx context.Context) ([]models.HostCapability, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]models.HostCapability, len(d.capabilities))
	copy(out, d.capabilities)
	return out, nil
}

func (d *Driver) Operations() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	ops := make([]string, 0, len(d.capabilities))
	for _, c := range d.capabilities {
		ops = append(ops, c.ID)
	}
	return ops
}

func (d *Driver) Discover(ctx context.Context, targetType string, fast bool) ([]models.TargetDescriptor, error) {
	d.mu.Lock()
	d.discoverCalls++
	delay := d.discoverDelay
	discoverErr := d.discoverErr
	targets := append([]models.TargetDescriptor(nil), d.targets[targetType]...)
	d.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if discoverErr != nil {
		return nil, discoverErr
	}
	return targets, nil
}

func (d *Driver) Invoke(ctx context.Context, call drivers.Call) (drivers.Result, error) {
	if err := ctx.Err(); err != nil {
		return drivers.Result{}, err
	}

	d.mu.Lock()
	d.calls = append(d.calls, call)
	invokeFunc := d.InvokeFunc
	detail, failing := d.failVerbs[call.Verb]
	d.mu.Unlock()

	if invokeFunc != nil {
		return invokeFunc(call)
	}
	if failing {
		return drivers.Result{OK: false, Detail: detail}, nil
	}
	return drivers.Result{OK: true, Detail: fmt.Sprintf("%s %s on %s", call.CapabilityID, call.Verb, call.TargetID)}, nil
}

func (d *Driver) DryRun(ctx context.Context, call drivers.Call) (models.DryRunResult, error) {
	if err := ctx.Err(); err != nil {
		return models.DryRunResult{}, err
	}
	return models.DryRunResult{
		OK:       true,
		Severity: models.SeverityInfo,
		Plan: models.DryRunPlan{
			Kind:    "api",
			Preview: []string{fmt.Sprintf("%s %s %s", call.CapabilityID, call.Verb, call.TargetID)},
		},
		Effects: models.DryRunEffects{
			Summary:   fmt.Sprintf("would %s %s", call.Verb, call.TargetID),
			PerTarget: []models.EffectTransition{{ID: call.TargetID, From: "running", To: call.Verb}},
		},
	}, nil
}

// SetTargets replaces the discoverable targets for a type at runtime.
func (d *Driver) SetTargets(targetType string, targets ...models.TargetDescriptor) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.targets[targetType] = targets
}

// SetDiscoverError makes subsequent discoveries fail (nil clears it).
func (d *Driver) SetDiscoverError(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.discoverErr = err
}

// DiscoverCalls returns how many discoveries the driver has served.
func (d *Driver) DiscoverCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.discoverCalls
}

// Calls returns a copy of the invocations seen so far.
func (d *Driver) Calls() []drivers.Call {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]drivers.Call, len(d.calls))
	copy(out, d.calls)
	return out
}
