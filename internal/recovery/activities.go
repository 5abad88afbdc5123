package recovery

import (
	"context"
	"fmt"
	"time"

	"go.temporal.io/sdk/activity"

	"github.com/student/negotiatord/internal/negotiation"
	"github.com/student/negotiatord/internal/runs"
)

// Activities holds the live dependency a negotiation run needs to execute:
// a RunManager, the same one internal/httpapi uses for runs started outside
// Temporal. A Temporal activity input must be JSON-serializable, so the run
// cannot carry a *agents.BuyerAgent or *providers.Provider across the
// workflow boundary the way orchestrator.RunSpec does in-process; instead
// RunNegotiation reconstructs the live spec by calling back into
// RunManager.RunSync, mirroring how the teacher's Activities.Engine lets
// SelectModel/SendToProvider call back into live router state.
type Activities struct {
	Runs *runs.RunManager
}

// heartbeatInterval is how often RunNegotiation tells Temporal the activity
// is still alive while orchestrator.Run blocks across many negotiation
// rounds. It must be well under the workflow's HeartbeatTimeout.
const heartbeatInterval = 10 * time.Second

// RunNegotiation executes one negotiation run to completion, synchronously.
// Unlike an HTTP-triggered run, a crash of the worker process here fails the
// whole activity: Temporal's history retains no partial negotiation state,
// so recovery means retrying the entire run, not resuming mid-round. This
// activity is therefore a crash-containment and audit-trail boundary, not a
// per-turn checkpoint.
func (a *Activities) RunNegotiation(ctx context.Context, input RunWorkflowInput) (RunWorkflowOutput, error) {
	stopHeartbeat := make(chan struct{})
	go func() {
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				activity.RecordHeartbeat(ctx, "negotiating")
			case <-stopHeartbeat:
				return
			}
		}
	}()
	defer close(stopHeartbeat)

	ar, err := a.Runs.RunSync(ctx, input.RunID, input.Request)
	if err != nil {
		return RunWorkflowOutput{RunID: input.RunID, Status: negotiation.StatusFailed, Error: err.Error()}, fmt.Errorf("run negotiation: %w", err)
	}

	status, _, outcome := ar.Snapshot()
	return RunWorkflowOutput{
		RunID:   input.RunID,
		Status:  status,
		Outcome: outcome,
	}, nil
}
