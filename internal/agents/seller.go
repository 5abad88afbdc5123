package agents

import (
	"context"

	"github.com/student/negotiatord/internal/negotiation"
	"github.com/student/negotiatord/internal/offer"
	"github.com/student/negotiatord/internal/providers"
	"github.com/student/negotiatord/internal/sanitize"
)

// SellerTurn is the SellerAgent's result for a single round.
type SellerTurn struct {
	Message string
	Offer   *offer.Raw
}

// SellerAgent renders a prompt from one seller's private view of a run
// (its own inventory plus a history filtered to buyer/own messages only),
// asks the provider for a reply, extracts an offer from the RAW text
// before sanitizing, then sanitizes the visible message.
type SellerAgent struct {
	Provider    providers.Provider
	Builder     PromptBuilder
	Seller      negotiation.SellerProfile
	Inventory   negotiation.InventoryItem
	Temperature float64
	MaxTokens   int
}

func NewSellerAgent(provider providers.Provider, builder PromptBuilder, seller negotiation.SellerProfile, inventory negotiation.InventoryItem) *SellerAgent {
	return &SellerAgent{Provider: provider, Builder: builder, Seller: seller, Inventory: inventory, Temperature: 0, MaxTokens: 256}
}

// Respond filters history to what this seller may see, generates a reply,
// extracts any offer from the raw text (offers must be pulled before
// sanitize strips inline offer JSON), and sanitizes the visible message. A
// provider error is returned as-is after the provider's own retries are
// exhausted; the orchestrator wraps it into an AgentFailureError(role=
// seller), which skips this seller for the round without failing the run.
func (a *SellerAgent) Respond(ctx context.Context, buyerName string, constraints negotiation.BuyerConstraints, fullHistory []negotiation.Message) (SellerTurn, error) {
	visible := make([]negotiation.Message, 0, len(fullHistory))
	for _, m := range fullHistory {
		if m.VisibleTo(a.Seller.SellerID) {
			visible = append(visible, m)
		}
	}

	messages := a.Builder.BuildSellerPrompt(a.Seller, a.Inventory, buyerName, constraints, visible)

	result, err := a.Provider.Generate(ctx, messages, providers.Params{Temperature: a.Temperature, MaxTokens: a.MaxTokens})
	if err != nil {
		return SellerTurn{}, err
	}

	var extracted *offer.Raw
	if raw, ok := offer.ExtractAndClamp(result.Text, a.Inventory); ok {
		extracted = &raw
	}

	clean := sanitize.Sanitize(result.Text, sanitize.RoleSeller)

	return SellerTurn{Message: clean, Offer: extracted}, nil
}
