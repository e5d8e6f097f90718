package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseRole(t *testing.T) {
	role, ok := ParseRole(" Customer ")
	assert.True(t, ok)
	assert.Equal(t, RoleCustomer, role)

	_, ok = ParseRole("assistant")
	assert.False(t, ok)
}

func TestRoleMessageRole(t *testing.T) {
	assert.Equal(t, MessageRoleCustomer, RoleCustomer.MessageRole())
	assert.Equal(t, MessageRoleOwner, RoleAdmin.MessageRole())
}

func TestCreditStatusAllowsPremium(t *testing.T) {
	cases := []struct {
		name   string
		status CreditStatus
		want   bool
	}{
		{"starter with credits", CreditStatus{Plan: PlanStarter, PremiumAllowed: true, Remaining: 3}, true},
		{"starter exhausted", CreditStatus{Plan: PlanStarter, PremiumAllowed: true, Remaining: 0}, false},
		{"growth exhausted", CreditStatus{Plan: PlanGrowth, PremiumAllowed: true, Remaining: 0}, false},
		{"pro denied by service", CreditStatus{Plan: PlanPro, PremiumAllowed: false, Remaining: 10}, false},
		{"unknown plan", CreditStatus{Plan: "TRIAL", PremiumAllowed: true, Remaining: 10}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.status.AllowsPremium())
		})
	}
}

func TestStateOf(t *testing.T) {
	assert.Equal(t, RoomStateIdle, StateOf(0, true))
	assert.Equal(t, RoomStateAI, StateOf(2, false))
	assert.Equal(t, RoomStateLive, StateOf(1, true))
}
