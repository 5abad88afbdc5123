package recovery

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/student/negotiatord/internal/negotiation"
)

// activityTimeout bounds a single negotiation run. MaxRounds is caller
// bounded (spec.md's per-run cap), but a round can itself involve several
// LLM calls per seller, so this stays generous rather than proportional to
// MaxRounds directly.
const (
	activityTimeout = 60 * time.Minute
	heartbeatTimeout = 30 * time.Second
)

// NegotiationRunWorkflow wraps one call to orchestrator.Run (via the
// RunNegotiation activity) in Temporal's durable execution: if the worker
// process hosting the activity crashes, the activity fails (it is not
// retried) and the workflow returns the run as failed rather than losing it
// without a trace. There is
// no escalation loop here analogous to the teacher's ChatWorkflow — a
// negotiation run has exactly one activity, since there is no equivalent of
// per-attempt model fallback in this domain.
func NegotiationRunWorkflow(ctx workflow.Context, input RunWorkflowInput) (RunWorkflowOutput, error) {
	ao := workflow.ActivityOptions{
		StartToCloseTimeout: activityTimeout,
		HeartbeatTimeout:    heartbeatTimeout,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts: 1, // a partially negotiated run cannot be resumed; re-running from scratch is the caller's call, not Temporal's
		},
	}
	ctx = workflow.WithActivityOptions(ctx, ao)

	var output RunWorkflowOutput
	err := workflow.ExecuteActivity(ctx, (*Activities).RunNegotiation, input).Get(ctx, &output)
	if err != nil {
		return RunWorkflowOutput{RunID: input.RunID, Status: negotiation.StatusFailed, Error: err.Error()}, err
	}
	return output, nil
}
