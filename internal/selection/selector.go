// Package selection implements seller admission: matching each seller's
// private inventory against the buyer's constraints before a run starts.
package selection

import (
	"strings"

	"github.com/student/negotiatord/internal/negotiation"
)

// SkipReason is the closed set of reason codes a seller can be skipped for.
type SkipReason string

const (
	ReasonNoInventory         SkipReason = "no_inventory"
	ReasonInsufficientQuantity SkipReason = "insufficient_quantity"
	ReasonPriceMismatch       SkipReason = "price_mismatch"
)

// Candidate is one seller's profile paired with its full inventory list,
// as presented to Select before a run's sellers are narrowed to admitted.
type Candidate struct {
	Seller    negotiation.SellerProfile
	Inventory []negotiation.InventoryItem
}

// Skipped records why a candidate seller was not admitted.
type Skipped struct {
	SellerID string
	Reason   SkipReason
}

// Admitted pairs an admitted seller with the specific inventory entry that
// matched the buyer's item, which is what the orchestrator hands to that
// seller's agent for the lifetime of the run.
type Admitted struct {
	Seller    negotiation.SellerProfile
	Inventory negotiation.InventoryItem
}

func normalizeItemName(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Select partitions candidates into admitted and skipped, applying the
// three admission checks in order: matching inventory, sufficient
// quantity, and overlapping price range.
func Select(buyer negotiation.BuyerConstraints, candidates []Candidate) ([]Admitted, []Skipped) {
	var admitted []Admitted
	var skipped []Skipped

	wantName := normalizeItemName(buyer.ItemName)

	for _, c := range candidates {
		var match *negotiation.InventoryItem
		for i := range c.Inventory {
			if normalizeItemName(c.Inventory[i].ItemName) == wantName {
				match = &c.Inventory[i]
				break
			}
		}

		if match == nil {
			skipped = append(skipped, Skipped{SellerID: c.Seller.SellerID, Reason: ReasonNoInventory})
			continue
		}

		if match.QuantityAvailable < buyer.QuantityNeeded {
			skipped = append(skipped, Skipped{SellerID: c.Seller.SellerID, Reason: ReasonInsufficientQuantity})
			continue
		}

		priceOverlap := match.LeastPrice <= buyer.MaxPricePerUnit && match.SellingPrice >= buyer.MinPricePerUnit
		if !priceOverlap {
			skipped = append(skipped, Skipped{SellerID: c.Seller.SellerID, Reason: ReasonPriceMismatch})
			continue
		}

		admitted = append(admitted, Admitted{Seller: c.Seller, Inventory: *match})
	}

	return admitted, skipped
}
