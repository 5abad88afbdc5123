// Package decision implements the multi-factor offer scoring and selection
// that the orchestrator invokes at the end of every full round.
package decision

import (
	"fmt"
	"sort"
	"strings"

	"github.com/student/negotiatord/internal/negotiation"
)

// maxPriceFlexibility is the fixed buyer-flexibility margin applied on top
// of BuyerConstraints.MaxPricePerUnit when validating an offer.
const maxPriceFlexibility = 1.10

// closeDecisionThreshold is the score gap at or below which two leading
// candidates are flagged as a close decision, even though the top one
// still wins.
const closeDecisionThreshold = 5.0

// Factors holds the four weighted scoring components, each already
// normalized to its cap.
type Factors struct {
	Price          float64
	Responsiveness float64
	Rounds         float64
	Profile        float64
}

// Total is the 0-100 weighted score.
func (f Factors) Total() float64 {
	return f.Price + f.Responsiveness + f.Rounds + f.Profile
}

// Candidate is one seller's scored, currently-pending offer.
type Candidate struct {
	Offer           negotiation.Offer
	Seller          negotiation.SellerProfile
	Factors         Factors
	FirstOfferRound int
}

// Result is what Evaluate produces when a decision is reached.
type Result struct {
	Outcome         negotiation.NegotiationOutcome
	WinningOfferID  string
	CloseDecision   bool
	RunnerUpSellerID string
}

func isValid(o negotiation.Offer, b negotiation.BuyerConstraints) bool {
	maxFlexible := b.MaxPricePerUnit * maxPriceFlexibility
	if o.Price < b.MinPricePerUnit || o.Price > maxFlexible {
		return false
	}
	if o.Quantity < b.QuantityNeeded {
		return false
	}
	if b.BudgetPerItem != nil && o.Price*float64(o.Quantity) > *b.BudgetPerItem {
		return false
	}
	return true
}

func priceScore(price float64, b negotiation.BuyerConstraints) float64 {
	priceRange := b.MaxPricePerUnit - b.MinPricePerUnit
	if priceRange <= 0 {
		return 40.0
	}
	return 40.0 * (b.MaxPricePerUnit - price) / priceRange
}

func responsivenessScore(currentRound, maxRounds int) float64 {
	if maxRounds <= 0 {
		return 30.0
	}
	return 30.0 * (1.0 - float64(currentRound-1)/float64(maxRounds))
}

func roundsScore(firstOfferRound, maxRounds int) float64 {
	if maxRounds <= 0 {
		return 20.0
	}
	return 20.0 * (1.0 - float64(firstOfferRound-1)/float64(maxRounds))
}

func profileScore(p negotiation.Priority) float64 {
	if p == negotiation.PriorityCustomerRetention {
		return 10.0
	}
	return 0.0
}

// latestPendingPerSeller returns, for each seller, its most recently
// created still-pending offer: the seller's current stance.
func latestPendingPerSeller(history []negotiation.Offer) map[string]negotiation.Offer {
	latest := make(map[string]negotiation.Offer)
	for _, o := range history {
		if o.Status != negotiation.OfferPending {
			continue
		}
		cur, exists := latest[o.SellerID]
		if !exists || o.CreatedAtRound >= cur.CreatedAtRound {
			latest[o.SellerID] = o
		}
	}
	return latest
}

// firstOfferRoundPerSeller returns the earliest round each seller made
// any offer in, pending or not.
func firstOfferRoundPerSeller(history []negotiation.Offer) map[string]int {
	first := make(map[string]int)
	for _, o := range history {
		if r, ok := first[o.SellerID]; !ok || o.CreatedAtRound < r {
			first[o.SellerID] = o.CreatedAtRound
		}
	}
	return first
}

// Evaluate scans state.OfferHistory for pending offers, scores the valid
// ones, and selects a winner. It returns ok=false if MinNegotiationRounds
// has not yet elapsed or no valid offer exists; the orchestrator advances
// to the next round in either case.
func Evaluate(state negotiation.RunState, currentRound int) (Result, bool) {
	if currentRound < state.MinNegotiationRounds {
		return Result{}, false
	}

	latest := latestPendingPerSeller(state.OfferHistory)
	firstRound := firstOfferRoundPerSeller(state.OfferHistory)

	var candidates []Candidate
	for sellerID, o := range latest {
		if !isValid(o, state.Buyer) {
			continue
		}
		seller, ok := state.Sellers[sellerID]
		if !ok {
			continue
		}
		// firstRound is populated from Offer.CreatedAtRound, which is
		// 0-indexed; roundsScore expects a 1-indexed round to match
		// responsivenessScore's currentRound, so convert here.
		fr := firstRound[sellerID] + 1
		factors := Factors{
			Price:          priceScore(o.Price, state.Buyer),
			Responsiveness: responsivenessScore(currentRound, state.MaxRounds),
			Rounds:         roundsScore(fr, state.MaxRounds),
			Profile:        profileScore(seller.Priority),
		}
		candidates = append(candidates, Candidate{Offer: o, Seller: seller, Factors: factors, FirstOfferRound: fr})
	}

	if len(candidates) == 0 {
		return Result{}, false
	}

	sort.Slice(candidates, func(i, j int) bool {
		ti, tj := candidates[i].Factors.Total(), candidates[j].Factors.Total()
		if ti != tj {
			return ti > tj
		}
		if candidates[i].Offer.Price != candidates[j].Offer.Price {
			return candidates[i].Offer.Price < candidates[j].Offer.Price
		}
		return candidates[i].Seller.SellerID < candidates[j].Seller.SellerID
	})

	best := candidates[0]
	result := Result{WinningOfferID: best.Offer.OfferID}
	if len(candidates) > 1 {
		diff := best.Factors.Total() - candidates[1].Factors.Total()
		if diff <= closeDecisionThreshold {
			result.CloseDecision = true
			result.RunnerUpSellerID = candidates[1].Seller.SellerID
		}
	}

	winnerID := best.Seller.SellerID
	acceptedOffer := best.Offer
	acceptedOffer.Status = negotiation.OfferAccepted

	result.Outcome = negotiation.NegotiationOutcome{
		WinnerID:     &winnerID,
		WinningOffer: &acceptedOffer,
		TotalRounds:  currentRound,
		Reason:       reason(best),
	}
	return result, true
}

// reason renders a human-readable explanation naming seller, price,
// quantity, total, and the factors that pushed this offer ahead.
func reason(c Candidate) string {
	total := c.Offer.Price * float64(c.Offer.Quantity)
	parts := []string{
		fmt.Sprintf("Selected %s", c.Seller.DisplayName),
		fmt.Sprintf("$%.2f/unit for %d units (total: $%.2f)", c.Offer.Price, c.Offer.Quantity, total),
		fmt.Sprintf("Score: %.1f/100", c.Factors.Total()),
	}

	var breakdown []string
	if c.Factors.Price > 35 {
		breakdown = append(breakdown, fmt.Sprintf("competitive price (%.0f/40)", c.Factors.Price))
	}
	if c.Factors.Responsiveness > 25 {
		breakdown = append(breakdown, fmt.Sprintf("quick response (%.0f/30)", c.Factors.Responsiveness))
	}
	if c.FirstOfferRound <= 2 {
		breakdown = append(breakdown, fmt.Sprintf("early offer (round %d)", c.FirstOfferRound))
	}
	if c.Factors.Profile > 0 {
		breakdown = append(breakdown, fmt.Sprintf("%s seller (+%.0f)", c.Seller.Priority, c.Factors.Profile))
	}
	if len(breakdown) > 0 {
		parts = append(parts, "["+strings.Join(breakdown, ", ")+"]")
	}

	return strings.Join(parts, " - ")
}
