package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestDefaultPolicyIsValid(t *testing.T) {
	p := DefaultPolicy()
	require.NoError(t, ValidatePolicy(p))
	assert.Equal(t, 30*time.Minute, p.DedupeWindow)
	assert.Equal(t, 3, p.MaxAttempts)
	assert.Equal(t, 7*24*time.Hour, p.StaleAttemptAge)
	assert.Equal(t, 5, p.Reminder.MaxCount)
	assert.Equal(t, 24*time.Hour, p.Reminder.Cooldown)
	assert.Equal(t, []int{7, 3, 1}, p.Reminder.LeadDays)
}

func TestValidatePolicyRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Policy)
	}{
		{"zero max attempts", func(p *Policy) { p.MaxAttempts = 0 }},
		{"negative dedupe window", func(p *Policy) { p.DedupeWindow = -time.Second }},
		{"zero stale age", func(p *Policy) { p.StaleAttemptAge = 0 }},
		{"negative reminder count", func(p *Policy) { p.Reminder.MaxCount = -1 }},
		{"negative lead day", func(p *Policy) { p.Reminder.LeadDays = []int{3, -1} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultPolicy()
			tt.mutate(&p)
			assert.Error(t, ValidatePolicy(p))
		})
	}
}

func TestNewPolicyHolderReadsFile(t *testing.T) {
	dir := t.TempDir()
	content := []byte("policy:\n  dedupeWindow: 10m\n  maxAttempts: 5\n  staleAttemptAge: 48h\n  checkoutValidFor: 12h\n  reminder:\n    maxCount: 2\n    cooldown: 6h\n    leadDays: [2]\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "policy.yml"), content, 0o600))

	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	holder, err := NewPolicyHolder(zap.NewNop())
	require.NoError(t, err)

	p := holder.Get()
	assert.Equal(t, 10*time.Minute, p.DedupeWindow)
	assert.Equal(t, 5, p.MaxAttempts)
	assert.Equal(t, 48*time.Hour, p.StaleAttemptAge)
	assert.Equal(t, 2, p.Reminder.MaxCount)
	assert.Equal(t, 6*time.Hour, p.Reminder.Cooldown)
	assert.Equal(t, []int{2}, p.Reminder.LeadDays)
}

func TestNilHolderFallsBackToDefaults(t *testing.T) {
	var holder *PolicyHolder
	assert.Equal(t, DefaultPolicy(), holder.Get())
}
