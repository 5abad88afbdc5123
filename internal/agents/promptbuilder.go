package agents

import (
	"github.com/student/negotiatord/internal/negotiation"
	"github.com/student/negotiatord/internal/providers"
)

// PromptBuilder renders the message list sent to an LLMProvider for a
// single agent turn. Implementations are pluggable so prompt wording can
// evolve without touching agent control flow.
type PromptBuilder interface {
	BuildBuyerPrompt(buyerName string, constraints negotiation.BuyerConstraints, history []negotiation.Message, sellers []negotiation.SellerProfile) []providers.Message
	BuildSellerPrompt(seller negotiation.SellerProfile, inventory negotiation.InventoryItem, buyerName string, constraints negotiation.BuyerConstraints, history []negotiation.Message) []providers.Message
}
