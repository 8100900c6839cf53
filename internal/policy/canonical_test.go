package policy

import (
	"testing"

	"github.com/rcourtman/surgeguard/internal/models"
)

func baseSpec() *models.PolicySpec {
	val := 25.0
	return &models.PolicySpec{
		Name:     "shed load on battery",
		Priority: 10,
		TriggerGroup: models.TriggerGroup{
			Logic: "ALL",
			Triggers: []models.TriggerSpec{
				{Kind: "ups.state", Equals: "OB"},
				{Kind: "metric.threshold", Op: "<", Value: &val},
			},
		},
		Targets: models.TargetSpec{
			HostID:     "pve1",
			TargetType: "vm",
			Selector:   models.Selector{Mode: models.SelectorModeList, Value: "vm-104,vm-105"},
		},
		Actions: []models.ActionSpec{
			{CapabilityID: "host.power", Verb: "shutdown"},
		},
		Enabled: true,
	}
}

func TestHashDeterministic(t *testing.T) {
	a, err := Hash(baseSpec(), false, 300, 600)
	if err != nil {
		t.Fatal(err)
	}
	b, err := Hash(baseSpec(), false, 300, 600)
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Errorf("identical specs hash differently: %s vs %s", a, b)
	}
	if len(a) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(a))
	}
}

func TestHashIgnoresAdministrativeFields(t *testing.T) {
	enabled := baseSpec()
	disabled := baseSpec()
	disabled.Enabled = false
	disabled.NeedsInput = []string{"/triggerGroup/triggers/0/schedule"}

	a, _ := Hash(enabled, false, 300, 600)
	b, _ := Hash(disabled, false, 300, 600)
	if a != b {
		t.Error("enabled/needsInput must not affect the canonical hash")
	}
}

func TestHashElidesDefaults(t *testing.T) {
	implicit := baseSpec()
	explicit := baseSpec()
	explicit.SuppressionWindow = "5m"
	explicit.IdempotencyWindow = "600"

	// Both compile to the default windows, so the canonical forms match.
	a, _ := Hash(implicit, false, models.DefaultSuppressionSeconds, models.DefaultIdempotencySeconds)
	b, _ := Hash(explicit, false, models.DefaultSuppressionSeconds, models.DefaultIdempotencySeconds)
	if a != b {
		t.Error("default windows must be elided from the canonical form")
	}

	c, _ := Hash(baseSpec(), false, 120, models.DefaultIdempotencySeconds)
	if a == c {
		t.Error("non-default suppression window must change the hash")
	}
}

func TestHashSensitiveToSemantics(t *testing.T) {
	a, _ := Hash(baseSpec(), false, 300, 600)

	reordered := baseSpec()
	reordered.TriggerGroup.Triggers[0], reordered.TriggerGroup.Triggers[1] =
		reordered.TriggerGroup.Triggers[1], reordered.TriggerGroup.Triggers[0]
	b, _ := Hash(reordered, false, 300, 600)
	if a == b {
		t.Error("trigger order is semantic and must change the hash")
	}

	dynamic, _ := Hash(baseSpec(), true, 300, 600)
	if a == dynamic {
		t.Error("dynamic resolution must change the hash")
	}
}

func TestParseWindow(t *testing.T) {
	tests := []struct {
		raw     string
		def     int
		want    int
		wantErr bool
	}{
		{"", 300, 300, false},
		{"90", 300, 90, false},
		{"5m", 300, 300, false},
		{"1h", 300, 3600, false},
		{"90s", 300, 90, false},
		{"-5", 300, 0, true},
		{"-2m", 300, 0, true},
		{"soon", 300, 0, true},
	}
	for _, tt := range tests {
		got, err := parseWindow(tt.raw, tt.def)
		if tt.wantErr {
			if err == nil {
				t.Errorf("parseWindow(%q) expected error", tt.raw)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseWindow(%q) unexpected error: %v", tt.raw, err)
			continue
		}
		if got != tt.want {
			t.Errorf("parseWindow(%q) = %d, want %d", tt.raw, got, tt.want)
		}
	}
}
