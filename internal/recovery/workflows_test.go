package recovery

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/testsuite"

	"github.com/student/negotiatord/internal/negotiation"
	"github.com/student/negotiatord/internal/runs"
)

// actsRef is a nil *Activities pointer used only to create bound method
// references for Temporal mock registration. The SDK extracts the method
// name by reflection; no actual method body runs through actsRef.
var actsRef *Activities

func sampleRequest() runs.CreateRunRequest {
	return runs.CreateRunRequest{
		BuyerName: "acme-procurement",
		Buyer: negotiation.BuyerConstraints{
			ItemID:          "widget-9000",
			ItemName:        "Widget 9000",
			QuantityNeeded:  100,
			MinPricePerUnit: 1,
			MaxPricePerUnit: 10,
		},
		Sellers: []runs.SellerSpec{
			{
				Seller: negotiation.SellerProfile{SellerID: "seller-a"},
				Inventory: []negotiation.InventoryItem{
					{ItemID: "widget-9000", ItemName: "Widget 9000", CostPrice: 3, SellingPrice: 5, LeastPrice: 3.5, QuantityAvailable: 200},
				},
			},
		},
		MaxRounds:            10,
		MinNegotiationRounds: 2,
		ConcurrencyLimit:     1,
		ProviderID:           "lmstudio-default",
	}
}

func TestNegotiationRunWorkflow_Success(t *testing.T) {
	suite := &testsuite.WorkflowTestSuite{}
	env := suite.NewTestWorkflowEnvironment()

	winner := "seller-a"
	outcome := &negotiation.NegotiationOutcome{
		WinnerID:    &winner,
		TotalRounds: 4,
		Reason:      "accepted",
	}
	want := RunWorkflowOutput{
		RunID:   "run-abc123",
		Status:  negotiation.StatusCompleted,
		Outcome: outcome,
	}

	env.OnActivity(actsRef.RunNegotiation, mock.Anything, mock.Anything).Return(want, nil)

	input := RunWorkflowInput{RunID: "run-abc123", Request: sampleRequest()}
	env.ExecuteWorkflow(NegotiationRunWorkflow, input)

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var got RunWorkflowOutput
	require.NoError(t, env.GetWorkflowResult(&got))
	require.Equal(t, negotiation.StatusCompleted, got.Status)
	require.NotNil(t, got.Outcome)
	require.Equal(t, "seller-a", *got.Outcome.WinnerID)
	require.Empty(t, got.Error)

	env.AssertExpectations(t)
}

func TestNegotiationRunWorkflow_ActivityFails(t *testing.T) {
	suite := &testsuite.WorkflowTestSuite{}
	env := suite.NewTestWorkflowEnvironment()

	env.OnActivity(actsRef.RunNegotiation, mock.Anything, mock.Anything).Return(
		RunWorkflowOutput{}, fmt.Errorf("run negotiation: no provider registered"),
	)

	input := RunWorkflowInput{RunID: "run-xyz", Request: sampleRequest()}
	env.ExecuteWorkflow(NegotiationRunWorkflow, input)

	require.True(t, env.IsWorkflowCompleted())
	err := env.GetWorkflowError()
	require.Error(t, err)
	require.Contains(t, err.Error(), "no provider registered")

	env.AssertExpectations(t)
}
