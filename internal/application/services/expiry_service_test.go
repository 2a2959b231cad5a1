package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aprovia/workflow/internal/domain/models"
)

func TestSweep_ExpiresOverdueInstances(t *testing.T) {
	f := newEngineFixture()
	expiry := NewExpiryService(f.engine, f.insts)

	overdue := f.startLinear(t, "def-1")
	due := time.Now().UTC().Add(-time.Hour)
	overdue.DueDate = &due

	notDue, err := f.engine.Start(context.Background(), StartInput{
		DefinitionID: "def-1",
		EntityType:   "purchase_order",
		EntityID:     "po-2",
	}, initiatorSession())
	require.NoError(t, err)
	future := time.Now().UTC().Add(time.Hour)
	notDue.DueDate = &future

	require.NoError(t, expiry.Sweep(context.Background()))

	expired, _ := f.insts.GetByID(context.Background(), "org-1", overdue.ID)
	assert.Equal(t, models.InstanceStateExpired, expired.State)

	untouched, _ := f.insts.GetByID(context.Background(), "org-1", notDue.ID)
	assert.Equal(t, models.InstanceStateInProgress, untouched.State)
}

func TestSweep_SkipsConcurrentlyDecided(t *testing.T) {
	f := newEngineFixture()
	expiry := NewExpiryService(f.engine, f.insts)

	instance := f.startLinear(t, "def-1")
	due := time.Now().UTC().Add(-time.Hour)
	instance.DueDate = &due
	// A decision lands before the sweep reaches the instance.
	require.NoError(t, f.engine.Approve(context.Background(), instance.ID, "", managerSession()))

	require.NoError(t, expiry.Sweep(context.Background()))

	stored, _ := f.insts.GetByID(context.Background(), "org-1", instance.ID)
	assert.Equal(t, models.InstanceStateApproved, stored.State)
}

func TestStart_RejectsBadSchedule(t *testing.T) {
	f := newEngineFixture()
	expiry := NewExpiryService(f.engine, f.insts)

	err := expiry.Start("not a cron expression")

	assert.Error(t, err)
}
