package models

import (
	"encoding/json"
	"reflect"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestPolicyIRJSONRoundTrip(t *testing.T) {
	charge := 35.0
	resolvedAt := time.Date(2026, 8, 26, 10, 30, 0, 0, time.UTC)

	ir := PolicyIR{
		PolicyID:          uuid.New(),
		Hash:              "2c26b46b68ffc68ff99b453c1d30413413422d706483bfa0f98a5e886266e7ae",
		VersionInt:        3,
		Priority:          10,
		StopOnMatch:       true,
		DynamicResolution: false,
		Match: MatchIR{
			TriggerGroup: TriggerGroup{
				Logic: LogicAll,
				Triggers: []TriggerSpec{
					{Kind: "ups.state", Equals: "OB"},
					{Kind: "metric.threshold", Op: "<", Value: &charge, ForDuration: 60},
					{Kind: "timer.cron", Schedule: "0 2 * * *"},
				},
			},
			Conditions: []ConditionSpec{
				{Scope: "ups", Field: "charge", Op: "<", Value: "50"},
				{Scope: "host", Field: "pbs01.active", Op: "=", Value: "true"},
			},
		},
		Targets: TargetIR{
			HostID:      "pve1",
			TargetType:  "vm",
			Selector:    Selector{Mode: SelectorModeList, Value: "vm-104,vm-105"},
			ResolvedIDs: []string{"vm-104", "vm-105"},
			ResolvedAt:  &resolvedAt,
		},
		Plan: []ActionIR{
			{CapabilityID: "host.power", Verb: "shutdown", Params: map[string]any{"graceSeconds": 30.0}, OnError: OnErrorStop},
			{CapabilityID: "vm.snapshot", Verb: "create", OnError: OnErrorContinue},
		},
		Windows: WindowsIR{SuppressionS: DefaultSuppressionSeconds, IdempotencyS: DefaultIdempotencySeconds},
	}

	payload, err := json.Marshal(ir)
	if err != nil {
		t.Fatal(err)
	}
	var decoded PolicyIR
	if err := json.Unmarshal(payload, &decoded); err != nil {
		t.Fatal(err)
	}

	if !reflect.DeepEqual(ir, decoded) {
		t.Errorf("round trip changed the IR:\n got %+v\nwant %+v", decoded, ir)
	}
}
