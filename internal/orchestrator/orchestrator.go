// Package orchestrator implements the deterministic, event-emitting state
// machine that drives one buyer against multiple sellers through bounded
// negotiation rounds.
package orchestrator

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/student/negotiatord/internal/agents"
	"github.com/student/negotiatord/internal/decision"
	"github.com/student/negotiatord/internal/negotiation"
)

// RunSpec binds a run's immutable inputs to the concrete agents that will
// drive it. ActiveSellers fixes the per-round visitation order.
type RunSpec struct {
	RunID                string
	BuyerName             string
	Buyer                 negotiation.BuyerConstraints
	Sellers               map[string]negotiation.SellerProfile
	Inventory             map[string]negotiation.InventoryItem
	ActiveSellers         []string
	MaxRounds             int
	MinNegotiationRounds  int
	ConcurrencyLimit      int
	Seed                  int64
	BuyerAgent            *agents.BuyerAgent
	SellerAgents          map[string]*agents.SellerAgent
}

// Run drives spec to completion, publishing every event on bus, and
// returns the final RunState for persistence. It is intended to be called
// on its own goroutine per run; bus should be created and subscribed to
// before Run is invoked so no early events are missed.
func Run(ctx context.Context, spec RunSpec, bus *Bus) negotiation.RunState {
	state := negotiation.RunState{
		RunID:               spec.RunID,
		Status:              negotiation.StatusPending,
		ActiveSellers:       spec.ActiveSellers,
		Buyer:               spec.Buyer,
		Sellers:             spec.Sellers,
		Inventory:           spec.Inventory,
		Seed:                spec.Seed,
		MaxRounds:           spec.MaxRounds,
		MinNegotiationRounds: spec.MinNegotiationRounds,
		ExchangesCompleted:  make(map[string]int, len(spec.ActiveSellers)),
	}

	// Run-start protocol.
	state.Status = negotiation.StatusInProgress
	_ = rand.New(rand.NewSource(spec.Seed)) // reserved for future nondeterministic tie-breaks; none exist today
	for _, s := range spec.ActiveSellers {
		state.ExchangesCompleted[s] = 0
	}

	msgSeq := 0
	offerSeq := 0
	nextMessageID := func() string {
		msgSeq++
		return fmt.Sprintf("%s-msg-%d", spec.RunID, msgSeq)
	}
	nextOfferID := func() string {
		offerSeq++
		return fmt.Sprintf("%s-offer-%d", spec.RunID, offerSeq)
	}

	for round := 0; round < spec.MaxRounds; round++ {
		for _, sellerID := range spec.ActiveSellers {
			if ctx.Err() != nil {
				return cancelRun(bus, &state, spec.RunID, round)
			}

			// (a) buyer turn targeting this seller.
			buyerTurn, failErr := safeBuyerTurn(ctx, spec.BuyerAgent, spec.BuyerName, spec.Buyer, state.MessageHistory, sellersOf(spec.Sellers, spec.ActiveSellers))
			if failErr != nil {
				return fatalRun(bus, &state, spec.RunID, round, failErr)
			}
			buyerMsg := negotiation.Message{
				MessageID:        nextMessageID(),
				RoundNumber:      round,
				TurnIndex:        len(state.MessageHistory),
				SenderType:       negotiation.SenderBuyer,
				SenderID:         "buyer",
				Content:          buyerTurn.Message,
				MentionedSellers: buyerTurn.MentionedSellers,
				Visibility:       []string{negotiation.VisibilityAll},
				TargetSellerID:   sellerID,
			}
			state.MessageHistory = append(state.MessageHistory, buyerMsg)
			bus.Publish(Event{Type: EventBuyerMessage, RunID: spec.RunID, Round: round, SellerID: sellerID, MessageID: buyerMsg.MessageID})

			if ctx.Err() != nil {
				return cancelRun(bus, &state, spec.RunID, round)
			}

			// (b) seller turn.
			sellerAgent, ok := spec.SellerAgents[sellerID]
			if !ok {
				bus.Publish(Event{Type: EventError, RunID: spec.RunID, Round: round, SellerID: sellerID, Recoverable: true, Reason: "seller agent not configured"})
				continue
			}

			sellerTurn, sellerErr := safeSellerTurn(ctx, sellerAgent, spec.BuyerName, spec.Buyer, state.MessageHistory)
			if sellerErr != nil {
				bus.Publish(Event{Type: EventError, RunID: spec.RunID, Round: round, SellerID: sellerID, Recoverable: true, Reason: sellerErr.Error()})
				continue
			}

			// Visibility is scoped to this seller only, not VisibilityAll:
			// invariant 6 lists "all" literally for every message, but
			// §4.7 requires a seller never see another seller's messages,
			// so a seller reply is scoped rather than broadcast. This
			// deliberately diverges from invariant 6's literal text in
			// favor of the stronger per-seller isolation contract.
			sellerMsg := negotiation.Message{
				MessageID:   nextMessageID(),
				RoundNumber: round,
				TurnIndex:   len(state.MessageHistory),
				SenderType:  negotiation.SenderSeller,
				SenderID:    sellerID,
				Content:     sellerTurn.Message,
				Visibility:  []string{negotiation.SellerScope(sellerID)},
			}
			state.MessageHistory = append(state.MessageHistory, sellerMsg)

			ev := Event{Type: EventSellerResponse, RunID: spec.RunID, Round: round, SellerID: sellerID, MessageID: sellerMsg.MessageID}
			if sellerTurn.Offer != nil {
				o := negotiation.Offer{
					OfferID:        nextOfferID(),
					SellerID:       sellerID,
					Price:          sellerTurn.Offer.Price,
					Quantity:       sellerTurn.Offer.Quantity,
					Status:         negotiation.OfferPending,
					CreatedAtRound: round,
					MessageID:      sellerMsg.MessageID,
				}
				state.OfferHistory = append(state.OfferHistory, o)
				ev.HasOffer = true
				ev.OfferPrice = o.Price
				ev.OfferQuantity = o.Quantity
			}
			state.ExchangesCompleted[sellerID]++
			bus.Publish(ev)

			// (c) heartbeat.
			bus.Publish(Event{Type: EventHeartbeat, RunID: spec.RunID, Round: round, ExchangesCompleted: copyCounters(state.ExchangesCompleted)})
		}

		state.CurrentRound = round
		result, decided := decision.Evaluate(state, round+1)
		if decided {
			markOfferAccepted(&state, result.WinningOfferID)
			state.Status = negotiation.StatusCompleted
			bus.Publish(Event{
				Type:        EventNegotiationComplete,
				RunID:       spec.RunID,
				Round:       round,
				Reason:      result.Outcome.Reason,
				WinnerID:    result.Outcome.WinnerID,
				TotalRounds: result.Outcome.TotalRounds,
			})
			return state
		}
	}

	// Post-loop: max rounds exhausted with no decision.
	state.Status = negotiation.StatusCompleted
	bus.Publish(Event{
		Type:        EventNegotiationComplete,
		RunID:       spec.RunID,
		Round:       spec.MaxRounds - 1,
		Reason:      "Max rounds reached",
		TotalRounds: spec.MaxRounds,
	})
	return state
}

func sellersOf(all map[string]negotiation.SellerProfile, active []string) []negotiation.SellerProfile {
	out := make([]negotiation.SellerProfile, 0, len(active))
	for _, id := range active {
		if s, ok := all[id]; ok {
			out = append(out, s)
		}
	}
	return out
}

func copyCounters(m map[string]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func markOfferAccepted(state *negotiation.RunState, offerID string) {
	for i := range state.OfferHistory {
		if state.OfferHistory[i].OfferID == offerID {
			state.OfferHistory[i].Status = negotiation.OfferAccepted
			return
		}
	}
}

func cancelRun(bus *Bus, state *negotiation.RunState, runID string, round int) negotiation.RunState {
	bus.Publish(Event{Type: EventError, RunID: runID, Round: round, Recoverable: false, Reason: "cancelled"})
	state.Status = negotiation.StatusFailed
	return *state
}

func fatalRun(bus *Bus, state *negotiation.RunState, runID string, round int, err error) negotiation.RunState {
	bus.Publish(Event{Type: EventError, RunID: runID, Round: round, Recoverable: false, Reason: err.Error()})
	state.Status = negotiation.StatusFailed
	return *state
}

// safeBuyerTurn recovers from a panic inside BuyerAgent.Turn and wraps both
// a panic and a returned provider error alike into a fatal AgentFailureError,
// per the orchestrator's failure policy: a BuyerAgent failure is always
// fatal to the run, the buyer being singular and indispensable.
func safeBuyerTurn(ctx context.Context, agent *agents.BuyerAgent, buyerName string, constraints negotiation.BuyerConstraints, history []negotiation.Message, sellers []negotiation.SellerProfile) (turn agents.BuyerTurn, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &negotiation.AgentFailureError{Role: negotiation.RoleBuyer, Err: fmt.Errorf("%v", r)}
		}
	}()
	turn, genErr := agent.Turn(ctx, buyerName, constraints, history, sellers)
	if genErr != nil {
		return agents.BuyerTurn{}, &negotiation.AgentFailureError{Role: negotiation.RoleBuyer, Err: genErr}
	}
	return turn, nil
}

// safeSellerTurn is the seller-side counterpart of safeBuyerTurn. Both a
// panic and a returned provider error are wrapped into a recoverable
// AgentFailureError, so the caller skips this seller for the round rather
// than failing the whole run.
func safeSellerTurn(ctx context.Context, agent *agents.SellerAgent, buyerName string, constraints negotiation.BuyerConstraints, history []negotiation.Message) (turn agents.SellerTurn, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &negotiation.AgentFailureError{Role: negotiation.RoleSeller, SellerID: agent.Seller.SellerID, Err: fmt.Errorf("%v", r)}
		}
	}()
	turn, genErr := agent.Respond(ctx, buyerName, constraints, history)
	if genErr != nil {
		return agents.SellerTurn{}, &negotiation.AgentFailureError{Role: negotiation.RoleSeller, SellerID: agent.Seller.SellerID, Err: genErr}
	}
	return turn, nil
}
