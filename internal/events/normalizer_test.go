package events

import (
	"fmt"
	"testing"

	"github.com/rcourtman/surgeguard/internal/models"
)

func TestUPSTransition(t *testing.T) {
	n := NewNormalizer()

	ev := n.UPSTransition("apc-1500", "ol", "ob")
	if ev.Type != models.EventTypeUPS || ev.Kind != models.KindUPSState {
		t.Errorf("kind = %s/%s", ev.Type, ev.Kind)
	}
	if ev.Subject != (models.Subject{Kind: "ups", ID: "apc-1500"}) {
		t.Errorf("subject = %+v", ev.Subject)
	}
	if got, _ := ev.StringAttr("equals"); got != "OB" {
		t.Errorf("equals attr = %q, want OB (uppercased)", got)
	}
	if got, _ := ev.StringAttr("from"); got != "OL" {
		t.Errorf("from attr = %q", got)
	}
	if got, _ := ev.StringAttr("statusName"); got != "on battery" {
		t.Errorf("statusName = %q", got)
	}
	if ev.Timestamp.IsZero() {
		t.Error("timestamp must be set")
	}
}

func TestUPSTransitionUnknownToken(t *testing.T) {
	n := NewNormalizer()
	ev := n.UPSTransition("u1", "", "CAL")
	if got, _ := ev.StringAttr("equals"); got != "CAL" {
		t.Errorf("unknown tokens still normalize, got %q", got)
	}
	if _, ok := ev.StringAttr("statusName"); ok {
		t.Error("unknown token must not get a status name")
	}
}

func TestThresholdCrossing(t *testing.T) {
	n := NewNormalizer()
	subject := models.Subject{Kind: "host", ID: "pve1"}
	ev := n.ThresholdCrossing(subject, "battery.charge", "<", 20)
	if ev.Kind != models.KindMetricThreshold {
		t.Errorf("kind = %s", ev.Kind)
	}
	if v, ok := ev.FloatAttr("value"); !ok || v != 20 {
		t.Errorf("value attr = %v, %v", v, ok)
	}
}

func TestTimerFired(t *testing.T) {
	n := NewNormalizer()
	if ev := n.TimerFired("nightly", "0 2 * * *", false); ev.Kind != models.KindTimerCron {
		t.Errorf("cron kind = %s", ev.Kind)
	}
	if ev := n.TimerFired("delay", "90s", true); ev.Kind != models.KindTimerAfter {
		t.Errorf("one-shot kind = %s", ev.Kind)
	}
}

func TestFromAdmin(t *testing.T) {
	n := NewNormalizer()

	tests := []struct {
		name     string
		in       AdminEvent
		wantKind string
		wantErr  bool
	}{
		{
			name:     "ups state",
			in:       AdminEvent{Source: "apc-1500", Type: "ups.state", From: "OL", To: "OB"},
			wantKind: models.KindUPSState,
		},
		{
			name:    "ups state without to",
			in:      AdminEvent{Source: "apc-1500", Type: "ups.state"},
			wantErr: true,
		},
		{
			name: "metric threshold",
			in: AdminEvent{Source: "pve1", Type: "metric.threshold",
				Payload: map[string]any{"metric": "load", "op": ">", "value": 8.0}},
			wantKind: models.KindMetricThreshold,
		},
		{
			name: "metric threshold missing value",
			in: AdminEvent{Source: "pve1", Type: "metric.threshold",
				Payload: map[string]any{"metric": "load", "op": ">"}},
			wantErr: true,
		},
		{
			name:     "external passthrough",
			in:       AdminEvent{Source: "runbook", Type: "maintenance.start"},
			wantKind: "external.maintenance.start",
		},
		{
			name:    "missing source",
			in:      AdminEvent{Type: "ups.state", To: "OB"},
			wantErr: true,
		},
		{
			name:    "missing type",
			in:      AdminEvent{Source: "x"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := n.FromAdmin(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if ev.Kind != tt.wantKind {
				t.Errorf("kind = %s, want %s", ev.Kind, tt.wantKind)
			}
		})
	}
}

func TestDedupe(t *testing.T) {
	n := NewNormalizer()

	ev := models.Event{Kind: models.KindUPSState, DedupeHash: "abc"}
	if n.Dedupe(ev) {
		t.Error("first sighting must pass")
	}
	if !n.Dedupe(ev) {
		t.Error("second sighting must be dropped")
	}
	if n.Dedupe(models.Event{Kind: models.KindUPSState}) {
		t.Error("events without a hash always pass")
	}
}

func TestDedupeWindowBounded(t *testing.T) {
	n := NewNormalizer()
	n.dedupeSize = 4

	for i := 0; i < 5; i++ {
		n.Dedupe(models.Event{DedupeHash: fmt.Sprintf("h%d", i)})
	}
	// h0 was evicted by h4, so it passes again.
	if n.Dedupe(models.Event{DedupeHash: "h0"}) {
		t.Error("evicted hash must pass again")
	}
	if !n.Dedupe(models.Event{DedupeHash: "h4"}) {
		t.Error("recent hash must still be deduped")
	}
}
