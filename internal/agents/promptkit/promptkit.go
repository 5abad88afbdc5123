// Package promptkit is the default PromptBuilder implementation: plain
// template strings with context injection, one system message and one user
// message per turn.
package promptkit

import (
	"fmt"
	"strings"

	"github.com/student/negotiatord/internal/negotiation"
	"github.com/student/negotiatord/internal/providers"
)

// historyWindow bounds how many trailing messages are rendered into a
// prompt; older context is dropped rather than summarized.
const historyWindow = 10

// Kit is the default, stateless PromptBuilder.
type Kit struct{}

func New() Kit { return Kit{} }

func (Kit) BuildBuyerPrompt(buyerName string, c negotiation.BuyerConstraints, history []negotiation.Message, sellers []negotiation.SellerProfile) []providers.Message {
	names := make([]string, len(sellers))
	mentions := make([]string, len(sellers))
	for i, s := range sellers {
		names[i] = s.DisplayName
		mentions[i] = "@" + s.DisplayName
	}

	system := fmt.Sprintf(`You are %s, a buyer negotiating for items.

Your Shopping List:
- Item: %s
- Quantity needed: %d
- Price range: $%.2f - $%.2f per unit

Your Goals:
1. Negotiate with sellers to get the best price within your budget
2. Mention sellers by name using @SellerName format (e.g., %s)
3. Be polite, concise, and direct
4. Compare offers from different sellers

Available Sellers: %s

Remember: you can only see messages addressed to you or public messages. Sellers' private information (costs, minimum prices) is hidden from you.`,
		buyerName, c.ItemName, c.QuantityNeeded, c.MinPricePerUnit, c.MaxPricePerUnit,
		strings.Join(mentions, ", "), strings.Join(names, ", "))

	var historyText strings.Builder
	if len(history) > 0 {
		historyText.WriteString("\n\nRecent conversation:\n")
		for _, m := range tail(history, historyWindow) {
			fmt.Fprintf(&historyText, "%s: %s\n", string(m.SenderID), m.Content)
		}
	}

	user := fmt.Sprintf(`You are negotiating for %s.%s

CRITICAL: write ONLY the actual message you want to send. Do not narrate your plan or reasoning.
Do not start with "Okay", "Let me", "I need to", "I should".

Write your message now (under 100 words):`, c.ItemName, historyText.String())

	return []providers.Message{
		{Role: providers.RoleSystem, Content: system},
		{Role: providers.RoleUser, Content: user},
	}
}

func priorityInstruction(p negotiation.Priority) string {
	if p == negotiation.PriorityCustomerRetention {
		return "Your priority is building long-term customer relationships. Be willing to offer competitive prices to keep the buyer happy."
	}
	return "Your priority is maximizing profit. Try to get the highest price possible while still making a sale."
}

func styleInstruction(s negotiation.SpeakingStyle) string {
	switch s {
	case negotiation.StyleRude:
		return "Be direct, slightly aggressive, and don't be overly polite. Use short, blunt responses."
	case negotiation.StyleVerySweet:
		return "Be very friendly, warm, and enthusiastic. Use positive language."
	default:
		return "Be professional and even-toned."
	}
}

func (Kit) BuildSellerPrompt(seller negotiation.SellerProfile, item negotiation.InventoryItem, buyerName string, c negotiation.BuyerConstraints, history []negotiation.Message) []providers.Message {
	system := fmt.Sprintf(`You are %s, a seller negotiating with %s.

Your Inventory:
- Item: %s
- Selling price: $%.2f per unit (list price)
- Minimum acceptable price: $%.2f per unit (you cannot go below this)
- Quantity available: %d

Pricing Rules:
- You CANNOT offer below $%.2f per unit
- You CANNOT offer above $%.2f per unit
- You CANNOT offer more than %d units

Your Behavior:
- %s
- %s
- Be concise (under 80 words)
- You can ONLY see messages from the buyer and your own messages
- You CANNOT see other sellers, their messages, or their offers

Optional Offer Format:
If you want to make a specific offer, include a JSON block at the end:
`+"```json\n{\"offer\": {\"price\": <price_per_unit>, \"quantity\": <quantity>}}\n```"+`
The offer will be automatically parsed. Price must be between $%.2f and $%.2f.`,
		seller.DisplayName, buyerName, item.ItemName, item.SellingPrice, item.LeastPrice, item.QuantityAvailable,
		item.LeastPrice, item.SellingPrice, item.QuantityAvailable,
		priorityInstruction(seller.Priority), styleInstruction(seller.SpeakingStyle),
		item.LeastPrice, item.SellingPrice)

	var historyText strings.Builder
	if len(history) > 0 {
		historyText.WriteString("\n\nConversation history:\n")
		for _, m := range tail(history, historyWindow) {
			if m.SenderType == negotiation.SenderBuyer || m.SenderID == seller.SellerID {
				fmt.Fprintf(&historyText, "%s: %s\n", string(m.SenderID), m.Content)
			}
		}
	}

	user := fmt.Sprintf(`The buyer %s is negotiating for %s.%s

CRITICAL: write ONLY your actual response to the buyer. Do not narrate your plan or reasoning.
Do not start with "Okay", "Let's see", "The user".

Write your response now (under 80 words):`, buyerName, c.ItemName, historyText.String())

	return []providers.Message{
		{Role: providers.RoleSystem, Content: system},
		{Role: providers.RoleUser, Content: user},
	}
}

func tail(msgs []negotiation.Message, n int) []negotiation.Message {
	if len(msgs) <= n {
		return msgs
	}
	return msgs[len(msgs)-n:]
}
