package orchestrator

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rcourtman/surgeguard/internal/inventory"
	"github.com/rcourtman/surgeguard/internal/models"
)

// stateTracker answers condition lookups. UPS state is fed from the
// event stream; host and inventory fields are answered live from the
// index.
type stateTracker struct {
	inventory *inventory.Index

	mu  sync.RWMutex
	ups map[string]map[string]any // ups ID -> last seen attrs
}

func newStateTracker(ix *inventory.Index) *stateTracker {
	return &stateTracker{
		inventory: ix,
		ups:       make(map[string]map[string]any),
	}
}

// observe updates tracked state from a normalized event.
func (s *stateTracker) observe(ev models.Event) {
	if ev.Type != models.EventTypeUPS {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	attrs, ok := s.ups[ev.Subject.ID]
	if !ok {
		attrs = make(map[string]any)
		s.ups[ev.Subject.ID] = attrs
	}
	for k, v := range ev.Attrs {
		attrs[k] = v
	}
	if status, found := ev.StringAttr("equals"); found {
		attrs["status"] = status
	}
	attrs["updatedAt"] = ev.Timestamp
}

// Field implements the matcher's StateResolver. Unknown scopes and
// fields return ok=false, which fails conditions closed.
func (s *stateTracker) Field(ctx context.Context, scope, field string, subject models.Subject) (any, bool, error) {
	switch scope {
	case "ups":
		s.mu.RLock()
		defer s.mu.RUnlock()
		attrs, ok := s.ups[subject.ID]
		if !ok && len(s.ups) == 1 {
			// A single tracked UPS answers conditions on any subject so
			// metric and timer events can still gate on UPS state.
			for _, a := range s.ups {
				attrs, ok = a, true
			}
		}
		if !ok {
			return nil, false, nil
		}
		v, found := attrs[field]
		return v, found, nil

	case "host":
		host, attr, ok := splitHostField(field)
		if !ok {
			return nil, false, nil
		}
		targets, _, err := s.inventory.Targets(ctx, host, "host", 0)
		if err != nil {
			return nil, false, err
		}
		desc, ok := hostDescriptor(targets, host)
		if !ok {
			return nil, false, nil
		}
		if attr == "active" {
			return desc.Active, true, nil
		}
		if v, found := desc.Attrs[attr]; found {
			return v, true, nil
		}
		if v, found := desc.Labels[attr]; found {
			return v, true, nil
		}
		return nil, false, nil

	case "inventory":
		host, targetType, ok := splitInventoryField(field)
		if !ok {
			return nil, false, nil
		}
		targets, snap, err := s.inventory.Targets(ctx, host, targetType, 0)
		if err != nil {
			return nil, false, err
		}
		switch {
		case strings.HasSuffix(field, ".count"):
			return len(targets), true, nil
		case strings.HasSuffix(field, ".stale"):
			return snap.Stale, true, nil
		case strings.HasSuffix(field, ".ageS"):
			return time.Since(snap.FetchedAt).Seconds(), true, nil
		}
		return nil, false, nil

	default:
		return nil, false, nil
	}
}

// splitHostField parses "<host>.<attr>".
func splitHostField(field string) (host, attr string, ok bool) {
	dot := strings.LastIndex(field, ".")
	if dot <= 0 || dot == len(field)-1 {
		return "", "", false
	}
	return field[:dot], field[dot+1:], true
}

// hostDescriptor picks the descriptor for the host itself: by canonical
// ID, or the sole host-type target when the driver names it differently.
func hostDescriptor(targets []models.TargetDescriptor, host string) (models.TargetDescriptor, bool) {
	for _, t := range targets {
		if t.CanonicalID == host {
			return t, true
		}
	}
	if len(targets) == 1 {
		return targets[0], true
	}
	return models.TargetDescriptor{}, false
}

// splitInventoryField parses "<host>/<targetType>.<attr>".
func splitInventoryField(field string) (host, targetType string, ok bool) {
	slash := strings.Index(field, "/")
	dot := strings.LastIndex(field, ".")
	if slash <= 0 || dot <= slash+1 {
		return "", "", false
	}
	return field[:slash], field[slash+1 : dot], true
}
