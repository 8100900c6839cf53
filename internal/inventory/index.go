// Package inventory maintains the per-host cached view of capability
// descriptors and discovered targets, and answers selector resolution
// queries against it.
package inventory

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/IGLOU-EU/go-wildcard/v2"
	"github.com/rs/zerolog/log"

	"github.com/rcourtman/surgeguard/internal/drivers"
	"github.com/rcourtman/surgeguard/internal/models"
	"github.com/rcourtman/surgeguard/internal/selector"
)

// DriverSource resolves the driver bound to a host.
type DriverSource interface {
	DriverFor(hostID string) (drivers.Driver, error)
}

// Config tunes cache freshness.
type Config struct {
	InventoryTTL  time.Duration // default target list freshness
	CapabilityTTL time.Duration // default capability descriptor freshness
	RefreshSLA    time.Duration // hard cap on how long a caller waits for a refresh
}

// DefaultConfig returns the stock freshness settings.
func DefaultConfig() Config {
	return Config{
		InventoryTTL:  30 * time.Second,
		CapabilityTTL: 5 * time.Minute,
		RefreshSLA:    5 * time.Second,
	}
}

// RefreshListener is notified after a refresh completes or fails.
type RefreshListener func(hostID, targetType string, stale bool)

// Resolution is the answer to a selector expansion query: the resolved
// canonical IDs in selector order, the selector items that matched
// nothing, and the freshness of the inventory snapshot used.
type Resolution struct {
	IDs        []string
	Unresolved []string
	Snapshot   models.InventorySnapshot
}

type capsEntry struct {
	caps      []models.HostCapability
	fetchedAt time.Time
	stale     bool
	lastErr   error
}

type targetsEntry struct {
	targets   []models.TargetDescriptor
	fetchedAt time.Time
	stale     bool
	lastErr   error
}

type refreshOp struct {
	done chan struct{}
}

type hostState struct {
	caps           *capsEntry
	capsRefresh    *refreshOp
	targets        map[string]*targetsEntry
	targetsRefresh map[string]*refreshOp
}

// Index is the process-wide inventory cache. All access goes through
// its methods; per-host refreshes are deduplicated so at most one
// discovery per (host, target type) is in flight at a time.
type Index struct {
	mu        sync.Mutex
	cfg       Config
	drivers   DriverSource
	hosts     map[string]*hostState
	listeners []RefreshListener
}

// New creates an inventory index backed by the given driver source.
func New(cfg Config, drv DriverSource) *Index {
	if cfg.InventoryTTL <= 0 {
		cfg.InventoryTTL = 30 * time.Second
	}
	if cfg.CapabilityTTL <= 0 {
		cfg.CapabilityTTL = 5 * time.Minute
	}
	if cfg.RefreshSLA <= 0 {
		cfg.RefreshSLA = 5 * time.Second
	}
	return &Index{
		cfg:     cfg,
		drivers: drv,
		hosts:   make(map[string]*hostState),
	}
}

// OnRefresh registers a listener for refresh completion notices.
func (ix *Index) OnRefresh(l RefreshListener) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.listeners = append(ix.listeners, l)
}

func (ix *Index) notify(hostID, targetType string, stale bool) {
	ix.mu.Lock()
	listeners := append([]RefreshListener(nil), ix.listeners...)
	ix.mu.Unlock()
	for _, l := range listeners {
		l(hostID, targetType, stale)
	}
}

func (ix *Index) hostLocked(hostID string) *hostState {
	st, ok := ix.hosts[hostID]
	if !ok {
		st = &hostState{
			targets:        make(map[string]*targetsEntry),
			targetsRefresh: make(map[string]*refreshOp),
		}
		ix.hosts[hostID] = st
	}
	return st
}

// Capabilities answers "what capabilities does host H support". A
// non-positive SLA uses the capability TTL.
func (ix *Index) Capabilities(ctx context.Context, hostID string, sla time.Duration) ([]models.HostCapability, models.InventorySnapshot, error) {
	if sla <= 0 {
		sla = ix.cfg.CapabilityTTL
	}

	ix.mu.Lock()
	st := ix.hostLocked(hostID)
	if e := st.caps; e != nil && time.Since(e.fetchedAt) <= sla {
		caps := append([]models.HostCapability(nil), e.caps...)
		snap := models.InventorySnapshot{FetchedAt: e.fetchedAt, Stale: e.stale}
		ix.mu.Unlock()
		return caps, snap, nil
	}

	op := st.capsRefresh
	if op == nil {
		op = &refreshOp{done: make(chan struct{})}
		st.capsRefresh = op
		go ix.refreshCapabilities(hostID, op)
	}
	ix.mu.Unlock()

	timedOut, err := waitRefresh(ctx, op, ix.cfg.RefreshSLA)
	if err != nil {
		return nil, models.InventorySnapshot{}, err
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	e := st.caps
	if e == nil {
		// First fetch still running past the SLA: serve an empty,
		// explicitly stale answer rather than blocking the caller.
		return nil, models.InventorySnapshot{Stale: true}, nil
	}
	caps := append([]models.HostCapability(nil), e.caps...)
	snap := models.InventorySnapshot{FetchedAt: e.fetchedAt, Stale: e.stale || timedOut}
	return caps, snap, nil
}

// CapabilityByID looks up one capability descriptor on a host.
func (ix *Index) CapabilityByID(ctx context.Context, hostID, capabilityID string) (models.HostCapability, bool, error) {
	caps, _, err := ix.Capabilities(ctx, hostID, 0)
	if err != nil {
		return models.HostCapability{}, false, err
	}
	for _, c := range caps {
		if c.ID == capabilityID {
			return c, true, nil
		}
	}
	return models.HostCapability{}, false, nil
}

// Targets answers "what targets of type T live on host H". A
// non-positive SLA uses the inventory TTL.
func (ix *Index) Targets(ctx context.Context, hostID, targetType string, sla time.Duration) ([]models.TargetDescriptor, models.InventorySnapshot, error) {
	if sla <= 0 {
		sla = ix.cfg.InventoryTTL
	}

	ix.mu.Lock()
	st := ix.hostLocked(hostID)
	if e := st.targets[targetType]; e != nil && time.Since(e.fetchedAt) <= sla {
		targets := append([]models.TargetDescriptor(nil), e.targets...)
		snap := models.InventorySnapshot{FetchedAt: e.fetchedAt, Stale: e.stale}
		ix.mu.Unlock()
		return targets, snap, nil
	}

	op := st.targetsRefresh[targetType]
	if op == nil {
		op = &refreshOp{done: make(chan struct{})}
		st.targetsRefresh[targetType] = op
		go ix.refreshTargets(hostID, targetType, op)
	}
	ix.mu.Unlock()

	timedOut, err := waitRefresh(ctx, op, ix.cfg.RefreshSLA)
	if err != nil {
		return nil, models.InventorySnapshot{}, err
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	e := st.targets[targetType]
	if e == nil {
		return nil, models.InventorySnapshot{Stale: true}, nil
	}
	targets := append([]models.TargetDescriptor(nil), e.targets...)
	snap := models.InventorySnapshot{FetchedAt: e.fetchedAt, Stale: e.stale || timedOut}
	return targets, snap, nil
}

// waitRefresh waits for an in-flight refresh, up to the hard SLA.
// Returns timedOut=true when the caller should fall back to stale data.
func waitRefresh(ctx context.Context, op *refreshOp, sla time.Duration) (bool, error) {
	timer := time.NewTimer(sla)
	defer timer.Stop()
	select {
	case <-op.done:
		return false, nil
	case <-timer.C:
		return true, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// refreshCapabilities fetches the capability descriptor. Failures keep
// the previous entry and mark it stale rather than evicting it.
func (ix *Index) refreshCapabilities(hostID string, op *refreshOp) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var caps []models.HostCapability
	drv, err := ix.drivers.DriverFor(hostID)
	if err == nil {
		caps, err = drv.ListCapabilities(ctx)
	}

	ix.mu.Lock()
	st := ix.hostLocked(hostID)
	if err != nil {
		if st.caps != nil {
			st.caps.stale = true
			st.caps.lastErr = err
		}
		log.Warn().Err(err).Str("host", hostID).Msg("Capability refresh failed, serving stale descriptor")
	} else {
		st.caps = &capsEntry{caps: caps, fetchedAt: time.Now()}
	}
	st.capsRefresh = nil
	stale := err != nil
	ix.mu.Unlock()

	close(op.done)
	ix.notify(hostID, "", stale)
}

// refreshTargets invokes the driver's discovery for one target type.
func (ix *Index) refreshTargets(hostID, targetType string, op *refreshOp) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var targets []models.TargetDescriptor
	drv, err := ix.drivers.DriverFor(hostID)
	if err == nil {
		targets, err = drv.Discover(ctx, targetType, true)
	}

	ix.mu.Lock()
	st := ix.hostLocked(hostID)
	if err != nil {
		if e := st.targets[targetType]; e != nil {
			e.stale = true
			e.lastErr = err
		}
		log.Warn().
			Err(err).
			Str("host", hostID).
			Str("targetType", targetType).
			Msg("Inventory refresh failed, serving stale targets")
	} else {
		st.targets[targetType] = &targetsEntry{targets: targets, fetchedAt: time.Now()}
		log.Debug().
			Str("host", hostID).
			Str("targetType", targetType).
			Int("targets", len(targets)).
			Msg("Inventory refreshed")
	}
	delete(st.targetsRefresh, targetType)
	stale := err != nil
	ix.mu.Unlock()

	close(op.done)
	ix.notify(hostID, targetType, stale)
}

// Resolve expands a selector against host H's current inventory of the
// given target type. Known IDs come back in selector order; unknown
// identifiers are dropped into Unresolved so callers can surface them.
// Pattern items (* or ?) match canonical IDs, display names and label
// values, in inventory order.
func (ix *Index) Resolve(ctx context.Context, hostID, targetType string, sel models.Selector, sla time.Duration) (Resolution, error) {
	candidates, err := selector.Expand(sel)
	if err != nil {
		return Resolution{}, err
	}

	targets, snap, err := ix.Targets(ctx, hostID, targetType, sla)
	if err != nil {
		return Resolution{}, err
	}

	known := make(map[string]bool, len(targets))
	for _, t := range targets {
		known[t.CanonicalID] = true
	}

	res := Resolution{Snapshot: snap}
	seen := make(map[string]bool)
	for _, item := range candidates {
		if strings.ContainsAny(item, "*?") {
			matched := false
			for _, t := range targets {
				if !matchesPattern(t, item) || seen[t.CanonicalID] {
					continue
				}
				seen[t.CanonicalID] = true
				res.IDs = append(res.IDs, t.CanonicalID)
				matched = true
			}
			if !matched {
				res.Unresolved = append(res.Unresolved, item)
			}
			continue
		}
		if known[item] {
			if !seen[item] {
				seen[item] = true
				res.IDs = append(res.IDs, item)
			}
		} else {
			res.Unresolved = append(res.Unresolved, item)
		}
	}
	return res, nil
}

func matchesPattern(t models.TargetDescriptor, pattern string) bool {
	if wildcard.Match(pattern, t.CanonicalID) || wildcard.Match(pattern, t.DisplayName) {
		return true
	}
	for _, v := range t.Labels {
		if wildcard.Match(pattern, v) {
			return true
		}
	}
	return false
}
