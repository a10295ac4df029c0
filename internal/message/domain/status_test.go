package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from Status
		to   Status
		ok   bool
	}{
		{"intent to done", StatusIntentPending, StatusIntentDone, true},
		{"intent to ignored", StatusIntentPending, StatusIgnored, true},
		{"done to routed", StatusIntentDone, StatusRouteResolved, true},
		{"routed to drafted", StatusRouteResolved, StatusDraftCreated, true},
		{"routed to failed draft", StatusRouteResolved, StatusFailedDraft, true},
		{"drafted to qa", StatusDraftCreated, StatusQAPending, true},
		{"qa to ready", StatusQAPending, StatusReadyToSend, true},
		{"qa to approval", StatusQAPending, StatusNeedsApproval, true},
		{"qa to rewrite", StatusQAPending, StatusRewritePending, true},
		{"approval to ready", StatusNeedsApproval, StatusReadyToSend, true},
		{"rewrite back to qa", StatusRewritePending, StatusQAPending, true},
		{"ready to sent", StatusReadyToSend, StatusSent, true},
		{"operator retry", StatusFailedDraft, StatusIntentPending, true},

		{"no stage skipping", StatusIntentPending, StatusReadyToSend, false},
		{"no backwards move", StatusRouteResolved, StatusIntentPending, false},
		{"sent is final", StatusSent, StatusIntentPending, false},
		{"ignored is final", StatusIgnored, StatusIntentPending, false},
		{"no direct send from qa skip", StatusDraftCreated, StatusReadyToSend, false},
		{"approval cannot regress", StatusNeedsApproval, StatusQAPending, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.ok, CanTransition(tt.from, tt.to))
		})
	}
}

func TestIsTerminal(t *testing.T) {
	assert.True(t, StatusSent.IsTerminal())
	assert.True(t, StatusIgnored.IsTerminal())
	assert.True(t, StatusNeedsHuman.IsTerminal())
	assert.True(t, StatusFailedDraft.IsTerminal())

	assert.False(t, StatusIntentPending.IsTerminal())
	assert.False(t, StatusQAPending.IsTerminal())
	assert.False(t, StatusReadyToSend.IsTerminal())
	assert.False(t, StatusNeedsApproval.IsTerminal())
}
