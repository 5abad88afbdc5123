package agents

import (
	"context"

	"github.com/student/negotiatord/internal/mention"
	"github.com/student/negotiatord/internal/negotiation"
	"github.com/student/negotiatord/internal/providers"
	"github.com/student/negotiatord/internal/sanitize"
)

// BuyerTurn is the BuyerAgent's result for a single round.
type BuyerTurn struct {
	Message          string
	MentionedSellers []string
}

// BuyerAgent renders a prompt from the buyer's view of a run, asks the
// provider for a reply, sanitizes it, and extracts @mentions.
type BuyerAgent struct {
	Provider    providers.Provider
	Builder     PromptBuilder
	Temperature float64
	MaxTokens   int
}

func NewBuyerAgent(provider providers.Provider, builder PromptBuilder) *BuyerAgent {
	return &BuyerAgent{Provider: provider, Builder: builder, Temperature: 0, MaxTokens: 256}
}

// Turn renders the buyer's prompt against buyerName/constraints/history/
// sellers, generates, sanitizes, and parses mentions. A provider error is
// returned as-is after the provider's own retries are exhausted; the
// orchestrator wraps it into an AgentFailureError(role=buyer), which is
// fatal to the run per its failure policy.
func (a *BuyerAgent) Turn(ctx context.Context, buyerName string, constraints negotiation.BuyerConstraints, history []negotiation.Message, sellers []negotiation.SellerProfile) (BuyerTurn, error) {
	messages := a.Builder.BuildBuyerPrompt(buyerName, constraints, history, sellers)

	result, err := a.Provider.Generate(ctx, messages, providers.Params{Temperature: a.Temperature, MaxTokens: a.MaxTokens})
	if err != nil {
		return BuyerTurn{}, err
	}

	clean := sanitize.Sanitize(result.Text, sanitize.RoleBuyer)
	mentioned := mention.ParseMentions(clean, sellers)

	return BuyerTurn{Message: clean, MentionedSellers: mentioned}, nil
}
