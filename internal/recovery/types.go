package recovery

import (
	"github.com/student/negotiatord/internal/negotiation"
	"github.com/student/negotiatord/internal/runs"
)

// RunWorkflowInput is the input for NegotiationRunWorkflow. RunID is
// generated by the caller (internal/httpapi) before the workflow starts, so
// it can be handed back to the client as the workflow ID before the run's
// own internal run ID exists.
type RunWorkflowInput struct {
	RunID   string                 `json:"run_id"`
	Request runs.CreateRunRequest `json:"request"`
}

// RunWorkflowOutput is the output of NegotiationRunWorkflow.
type RunWorkflowOutput struct {
	RunID   string                          `json:"run_id"`
	Status  negotiation.RunStatus           `json:"status"`
	Outcome *negotiation.NegotiationOutcome `json:"outcome,omitempty"`
	Error   string                          `json:"error,omitempty"`
}
