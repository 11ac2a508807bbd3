package agentossvc

import (
	"context"
	"testing"
	"time"

	agentosmodels "fleet_ops/internal/api/agentos/models"
	"fleet_ops/internal/api/events"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunExecutor_Events(t *testing.T) {
	const tenant = "t-events"
	received := make(chan events.RunEvent, 16)
	events.OnRunEvent(func(_ context.Context, e events.RunEvent) {
		if e.TenantID == tenant {
			received <- e
		}
	})

	collect := func(n int) map[string]events.RunEvent {
		got := map[string]events.RunEvent{}
		deadline := time.After(2 * time.Second)
		for len(got) < n {
			select {
			case e := <-received:
				got[e.Type] = e
			case <-deadline:
				require.FailNow(t, "missing run events", "got %v", got)
			}
		}
		return got
	}

	svc, _ := newTestService(t, "memory", newFakeActions(), nil)
	ctx := context.Background()
	req := runRequest("remove driver Bob Stone")
	req.TenantID = tenant

	view, err := svc.CreateRun(ctx, req)
	require.NoError(t, err)
	require.Equal(t, agentosmodels.RunStatusWaitingApproval, view.Run.Status)

	got := collect(1)
	requested := got[events.TypeApprovalRequested]
	assert.Equal(t, view.Run.RunID, requested.RunID)
	assert.Equal(t, view.Run.BlockedApprovalID, requested.ApprovalID)
	assert.Equal(t, string(agentosmodels.RunStatusWaitingApproval), requested.Status)

	_, err = svc.DecideApproval(ctx, DecisionRequest{
		TenantID:   tenant,
		RunID:      view.Run.RunID,
		ApprovalID: view.Run.BlockedApprovalID,
		Actor:      "admin@t",
		Role:       "admin",
		Approve:    true,
	})
	require.NoError(t, err)

	got = collect(2)
	assert.Equal(t, string(agentosmodels.ApprovalStatusApproved), got[events.TypeApprovalResolved].Status)
	assert.Equal(t, "admin@t", got[events.TypeApprovalResolved].Actor)
	assert.Equal(t, string(agentosmodels.RunStatusCompleted), got[events.TypeRunFinished].Status)
}
