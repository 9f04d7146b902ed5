package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultFreePolicy(t *testing.T) {
	p := DefaultFreePolicy()

	assert.Equal(t, "free", p.PlanName)
	assert.Equal(t, 10, p.RequestsPerMinute)
	assert.Equal(t, 50, p.RequestsPerHour)
	assert.Equal(t, 100, p.RequestsPerDay)
	assert.Equal(t, 100, p.DailyAllowance)
	assert.Equal(t, 2, p.MaxConcurrent)
	assert.Equal(t, 4000, p.MaxInputTokens)
	assert.Equal(t, 2000, p.MaxOutputTokens)
	assert.Equal(t, int64(512*1024), p.MaxBodyBytes)
	assert.True(t, p.HasStreaming)
	assert.False(t, p.HasWalletAccess)
	assert.False(t, p.WalletEnabled)
	assert.ElementsMatch(t, []string{"gpt-3.5-turbo", "claude-3-haiku"}, p.AllowedModels)
}

func TestSubscriptionBillable(t *testing.T) {
	assert.True(t, SubscriptionActive.Billable())
	assert.True(t, SubscriptionTrialing.Billable())
	assert.True(t, SubscriptionPastDue.Billable())
	assert.False(t, SubscriptionCanceled.Billable())
}

func TestModelAllowed(t *testing.T) {
	open := Policy{}
	assert.True(t, open.ModelAllowed("anything"))

	restricted := Policy{AllowedModels: []string{"gpt-3.5-turbo"}}
	assert.True(t, restricted.ModelAllowed("gpt-3.5-turbo"))
	assert.False(t, restricted.ModelAllowed("gpt-4"))

	wildcard := Policy{AllowedModels: []string{"*"}}
	assert.True(t, wildcard.ModelAllowed("gpt-4"))
}
