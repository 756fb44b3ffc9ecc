package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAction(t *testing.T) {
	tests := []struct {
		input   string
		want    Action
		wantErr bool
	}{
		{"skip", Action{Kind: ActionSkip}, false},
		{"metadata_only", Action{Kind: ActionMetadataOnly}, false},
		{"low_priority_queue", Action{Kind: ActionLowPriorityQueue}, false},
		{"pass_through", Action{Kind: ActionPassThrough}, false},
		{"route_to:finance", Action{Kind: ActionRouteTo, Target: "finance"}, false},
		{"route_to:", Action{}, true},
		{"route_to", Action{}, true},
		{"explode", Action{}, true},
		{"", Action{}, true},
	}

	for _, tt := range tests {
		got, err := ParseAction(tt.input)
		if tt.wantErr {
			assert.Error(t, err, "input %q", tt.input)
			continue
		}
		require.NoError(t, err, "input %q", tt.input)
		assert.Equal(t, tt.want, got)
	}
}

func TestActionRoundTrip(t *testing.T) {
	for _, s := range []string{"skip", "metadata_only", "low_priority_queue", "pass_through", "route_to:finance"} {
		a, err := ParseAction(s)
		require.NoError(t, err)
		assert.Equal(t, s, a.String())
	}
}

func TestActionLabelCollapsesTarget(t *testing.T) {
	a, err := ParseAction("route_to:finance")
	require.NoError(t, err)
	assert.Equal(t, "route_to", a.Label())
}

func TestEventStateTransitions(t *testing.T) {
	assert.True(t, EventAccepted.CanTransition(EventProcessing))
	assert.True(t, EventProcessing.CanTransition(EventCompleted))
	assert.True(t, EventProcessing.CanTransition(EventFailed))

	assert.False(t, EventAccepted.CanTransition(EventCompleted))
	assert.False(t, EventAccepted.CanTransition(EventFailed))
	assert.False(t, EventCompleted.CanTransition(EventProcessing))
	assert.False(t, EventFailed.CanTransition(EventAccepted))
	assert.False(t, EventProcessing.CanTransition(EventAccepted))
}

func TestRegistryEntryValidate(t *testing.T) {
	valid := RegistryEntry{
		Name:               "finance",
		Endpoint:           "butler.finance",
		RouteContractMin:   1,
		RouteContractMax:   2,
		LivenessTTLSeconds: 300,
	}
	require.NoError(t, valid.Validate())

	inverted := valid
	inverted.RouteContractMin = 3
	assert.Error(t, inverted.Validate())

	zeroTTL := valid
	zeroTTL.LivenessTTLSeconds = 0
	assert.Error(t, zeroTTL.Validate())

	noName := valid
	noName.Name = ""
	assert.Error(t, noName.Validate())
}

func TestValidCreatedBy(t *testing.T) {
	assert.True(t, ValidCreatedBy("dashboard"))
	assert.True(t, ValidCreatedBy("api"))
	assert.True(t, ValidCreatedBy("seed"))
	assert.False(t, ValidCreatedBy("cron"))
	assert.False(t, ValidCreatedBy(""))
}
