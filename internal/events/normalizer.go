// Package events maps heterogeneous inputs (UPS status transitions,
// metric threshold crossings, timer firings, injected admin signals)
// to the uniform event record the matcher consumes.
package events

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/surgeguard/internal/models"
)

// Known NUT-style UPS status tokens. Unknown tokens still normalize;
// the matcher compares them as opaque strings.
var upsStatusNames = map[string]string{
	"OL":      "online",
	"OB":      "on battery",
	"LB":      "low battery",
	"RB":      "replace battery",
	"OVER":    "overload",
	"CHRG":    "charging",
	"DISCHRG": "discharging",
	"BYPASS":  "bypass",
	"OFF":     "off",
	"FSD":     "forced shutdown",
}

// AdminEvent is the JSON shape accepted from the admin inject surface.
type AdminEvent struct {
	Source  string         `json:"source"`
	Type    string         `json:"type"`
	From    string         `json:"from,omitempty"`
	To      string         `json:"to,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Normalizer produces uniform events and drops duplicates by the
// source-provided dedupe hash.
type Normalizer struct {
	mu         sync.Mutex
	seen       map[string]bool
	seenOrder  []string
	dedupeSize int
}

// NewNormalizer creates a normalizer with a bounded dedupe window.
func NewNormalizer() *Normalizer {
	return &Normalizer{
		seen:       make(map[string]bool),
		dedupeSize: 1024,
	}
}

// Dedupe reports whether the event is a duplicate and should be
// dropped. Events without a dedupe hash always pass.
func (n *Normalizer) Dedupe(ev models.Event) bool {
	if ev.DedupeHash == "" {
		return false
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.seen[ev.DedupeHash] {
		log.Debug().Str("hash", ev.DedupeHash).Str("kind", ev.Kind).Msg("Dropping duplicate event")
		return true
	}
	n.seen[ev.DedupeHash] = true
	n.seenOrder = append(n.seenOrder, ev.DedupeHash)
	if len(n.seenOrder) > n.dedupeSize {
		oldest := n.seenOrder[0]
		n.seenOrder = n.seenOrder[1:]
		delete(n.seen, oldest)
	}
	return false
}

// UPSTransition normalizes a UPS status change into a ups.state event
// carrying the new status under the "equals" attribute.
func (n *Normalizer) UPSTransition(upsID, from, to string) models.Event {
	to = strings.ToUpper(strings.TrimSpace(to))
	attrs := map[string]any{"equals": to}
	if from = strings.ToUpper(strings.TrimSpace(from)); from != "" {
		attrs["from"] = from
	}
	if name, ok := upsStatusNames[to]; ok {
		attrs["statusName"] = name
	}
	return models.Event{
		Type:      models.EventTypeUPS,
		Kind:      models.KindUPSState,
		Subject:   models.Subject{Kind: "ups", ID: upsID},
		Attrs:     attrs,
		Timestamp: time.Now().UTC(),
	}
}

// ThresholdCrossing normalizes a metric threshold crossing.
func (n *Normalizer) ThresholdCrossing(subject models.Subject, metric, op string, value float64) models.Event {
	return models.Event{
		Type:    models.EventTypeMetric,
		Kind:    models.KindMetricThreshold,
		Subject: subject,
		Attrs: map[string]any{
			"metric": metric,
			"op":     op,
			"value":  value,
		},
		Timestamp: time.Now().UTC(),
	}
}

// TimerFired normalizes a timer firing. Cron-style schedules map to
// timer.cron, one-shot delays to timer.after.
func (n *Normalizer) TimerFired(timerID, schedule string, oneShot bool) models.Event {
	kind := models.KindTimerCron
	if oneShot {
		kind = models.KindTimerAfter
	}
	return models.Event{
		Type:    models.EventTypeTimer,
		Kind:    kind,
		Subject: models.Subject{Kind: "timer", ID: timerID},
		Attrs: map[string]any{
			"schedule": schedule,
		},
		Timestamp: time.Now().UTC(),
	}
}

// External normalizes an injected admin signal to external.<kind>.
func (n *Normalizer) External(source, kind string, payload map[string]any) models.Event {
	attrs := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		attrs[k] = v
	}
	attrs["source"] = source
	return models.Event{
		Type:      models.EventTypeExternal,
		Kind:      "external." + kind,
		Subject:   models.Subject{Kind: "external", ID: source},
		Attrs:     attrs,
		Timestamp: time.Now().UTC(),
	}
}

// FromAdmin maps the admin inject payload onto a normalized event.
func (n *Normalizer) FromAdmin(in AdminEvent) (models.Event, error) {
	source := strings.TrimSpace(in.Source)
	if source == "" {
		return models.Event{}, fmt.Errorf("event source is required")
	}

	switch in.Type {
	case "ups.state":
		if strings.TrimSpace(in.To) == "" {
			return models.Event{}, fmt.Errorf("ups.state events require a \"to\" status")
		}
		return n.UPSTransition(source, in.From, in.To), nil

	case "metric.threshold":
		metric, _ := in.Payload["metric"].(string)
		op, _ := in.Payload["op"].(string)
		value, ok := in.Payload["value"].(float64)
		if metric == "" || op == "" || !ok {
			return models.Event{}, fmt.Errorf("metric.threshold events require metric, op and numeric value")
		}
		return n.ThresholdCrossing(models.Subject{Kind: "metric", ID: source}, metric, op, value), nil

	default:
		kind := strings.TrimSpace(in.Type)
		if kind == "" {
			return models.Event{}, fmt.Errorf("event type is required")
		}
		return n.External(source, kind, in.Payload), nil
	}
}
