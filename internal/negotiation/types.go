// Package negotiation defines the core data model for a bounded-round
// commercial negotiation between one buyer and multiple sellers: the
// immutable run inputs (BuyerConstraints, InventoryItem, SellerProfile),
// the append-only run history (Message, Offer), the mutable run state owned
// exclusively by the orchestrator, and the terminal outcome.
package negotiation

import "time"

// Priority is a seller's negotiation stance.
type Priority string

const (
	PriorityCustomerRetention Priority = "customer_retention"
	PriorityMaximizeProfit    Priority = "maximize_profit"
)

// SpeakingStyle flavors a seller's prompt rendering; it has no effect on
// core negotiation semantics.
type SpeakingStyle string

const (
	StyleRude      SpeakingStyle = "rude"
	StyleVerySweet SpeakingStyle = "very_sweet"
	StyleNeutral   SpeakingStyle = "neutral"
)

// BuyerConstraints is immutable for the lifetime of a run.
type BuyerConstraints struct {
	ItemID          string
	ItemName        string
	QuantityNeeded  int
	MinPricePerUnit float64
	MaxPricePerUnit float64
	BudgetPerItem   *float64
}

// InventoryItem is immutable for the lifetime of a run and private to one
// seller; other sellers and the buyer never see it directly.
type InventoryItem struct {
	ItemID           string
	ItemName         string
	CostPrice        float64
	SellingPrice     float64
	LeastPrice       float64
	QuantityAvailable int
}

// SellerProfile is immutable for the lifetime of a run.
type SellerProfile struct {
	SellerID      string
	DisplayName   string
	Priority      Priority
	SpeakingStyle SpeakingStyle
}

// SenderType distinguishes who produced a Message.
type SenderType string

const (
	SenderBuyer  SenderType = "buyer"
	SenderSeller SenderType = "seller"
)

// Visibility scope tokens, per spec.md §3 invariant 6.
const (
	VisibilityAll        = "all"
	visibilitySellerPref = "seller:"
)

// SellerScope returns the visibility scope token for a specific seller.
func SellerScope(sellerID string) string {
	return visibilitySellerPref + sellerID
}

// Message is append-only once created by the orchestrator.
type Message struct {
	MessageID        string
	RoundNumber      int
	TurnIndex        int
	SenderType       SenderType
	SenderID         string
	Content          string
	MentionedSellers []string
	Visibility       []string
	TargetSellerID   string // metadata: which seller this buyer turn addressed
	Timestamp        time.Time
}

// VisibleTo reports whether this message is in scope for the given seller,
// per spec.md §3 invariant 6: a seller consumes messages in its visibility
// scope plus its own prior outputs.
func (m Message) VisibleTo(sellerID string) bool {
	if m.SenderType == SenderSeller && m.SenderID == sellerID {
		return true
	}
	scope := SellerScope(sellerID)
	for _, v := range m.Visibility {
		if v == VisibilityAll || v == scope {
			return true
		}
	}
	return false
}

// OfferStatus is the lifecycle stage of an Offer.
type OfferStatus string

const (
	OfferPending  OfferStatus = "pending"
	OfferAccepted OfferStatus = "accepted"
	OfferRejected OfferStatus = "rejected"
)

// Offer is append-only except for the single accepted-flip at termination.
type Offer struct {
	OfferID        string
	SellerID       string
	Price          float64
	Quantity       int
	Status         OfferStatus
	CreatedAtRound int
	MessageID      string // the Message this offer is attached to (invariant 2)
}

// RunStatus tracks the monotone lifecycle of a run (invariant 4).
type RunStatus string

const (
	StatusPending    RunStatus = "pending"
	StatusInProgress RunStatus = "in_progress"
	StatusCompleted  RunStatus = "completed"
	StatusFailed     RunStatus = "failed"
)

// RunState is mutable only on the orchestrator's own goroutine for the run
// that owns it. Every read by an agent is a read-only snapshot/view.
type RunState struct {
	RunID               string
	Status              RunStatus
	CurrentRound        int
	CurrentSellerIndex  int
	ExchangesCompleted  map[string]int
	MessageHistory      []Message
	OfferHistory        []Offer
	ActiveSellers       []string
	Buyer               BuyerConstraints
	Sellers             map[string]SellerProfile
	Inventory           map[string]InventoryItem
	Seed                int64
	MaxRounds           int
	MinNegotiationRounds int
	CreatedAt           time.Time
}

// NegotiationOutcome is produced exactly once, at terminal state.
type NegotiationOutcome struct {
	WinnerID     *string
	WinningOffer *Offer
	TotalRounds  int
	Reason       string
	DecidedAt    time.Time
}
