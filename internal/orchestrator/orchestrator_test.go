package orchestrator

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/student/negotiatord/internal/agents"
	"github.com/student/negotiatord/internal/agents/promptkit"
	"github.com/student/negotiatord/internal/negotiation"
	"github.com/student/negotiatord/internal/providers"
)

type scriptedProvider struct {
	text string
}

func (p *scriptedProvider) Ping(ctx context.Context) (providers.Status, error) {
	return providers.Status{Available: true}, nil
}
func (p *scriptedProvider) Generate(ctx context.Context, messages []providers.Message, params providers.Params) (providers.Result, error) {
	return providers.Result{Text: p.text}, nil
}
func (p *scriptedProvider) Stream(ctx context.Context, messages []providers.Message, params providers.Params) (<-chan providers.TokenChunk, error) {
	return nil, nil
}

// erroringProvider fails every call, simulating a provider whose own
// retries are exhausted before Generate ever returns to the agent.
type erroringProvider struct{}

func (p *erroringProvider) Ping(ctx context.Context) (providers.Status, error) {
	return providers.Status{Available: false}, errors.New("boom")
}
func (p *erroringProvider) Generate(ctx context.Context, messages []providers.Message, params providers.Params) (providers.Result, error) {
	return providers.Result{}, errors.New("provider unavailable")
}
func (p *erroringProvider) Stream(ctx context.Context, messages []providers.Message, params providers.Params) (<-chan providers.TokenChunk, error) {
	return nil, errors.New("provider unavailable")
}

func buildSpec(buyerText, sellerText string, maxRounds int) RunSpec {
	buyerProvider := &scriptedProvider{text: buyerText}
	sellerProvider := &scriptedProvider{text: sellerText}

	seller := negotiation.SellerProfile{SellerID: "s1", DisplayName: "Acme", Priority: negotiation.PriorityCustomerRetention}
	item := negotiation.InventoryItem{ItemID: "widget", ItemName: "Widget", LeastPrice: 8, SellingPrice: 20, QuantityAvailable: 10}

	return RunSpec{
		RunID:                "run-1",
		BuyerName:            "Buyer1",
		Buyer:                negotiation.BuyerConstraints{ItemID: "widget", ItemName: "Widget", QuantityNeeded: 5, MinPricePerUnit: 8, MaxPricePerUnit: 15},
		Sellers:              map[string]negotiation.SellerProfile{"s1": seller},
		Inventory:            map[string]negotiation.InventoryItem{"s1": item},
		ActiveSellers:        []string{"s1"},
		MaxRounds:            maxRounds,
		MinNegotiationRounds: 1,
		ConcurrencyLimit:     1,
		Seed:                 42,
		BuyerAgent:           agents.NewBuyerAgent(buyerProvider, promptkit.New()),
		SellerAgents: map[string]*agents.SellerAgent{
			"s1": agents.NewSellerAgent(sellerProvider, promptkit.New(), seller, item),
		},
	}
}

func TestRun_decidesAfterValidOfferAndEmitsTerminalEvent(t *testing.T) {
	spec := buildSpec("what can you offer?", `I can offer {"offer": {"price": 10, "quantity": 5}}`, 5)
	bus := NewBus()
	sub := bus.Subscribe(64)

	state := Run(context.Background(), spec, bus)

	require.Equal(t, negotiation.StatusCompleted, state.Status)
	require.Len(t, state.OfferHistory, 1)
	assert.Equal(t, negotiation.OfferAccepted, state.OfferHistory[0].Status)

	var sawComplete bool
	var types []EventType
	for {
		select {
		case e, ok := <-sub.C:
			if !ok {
				goto done
			}
			types = append(types, e.Type)
			if e.Type == EventNegotiationComplete {
				sawComplete = true
			}
		default:
			goto done
		}
	}
done:
	assert.True(t, sawComplete)
	assert.Equal(t, EventBuyerMessage, types[0])
	assert.Equal(t, EventSellerResponse, types[1])
	assert.Equal(t, EventHeartbeat, types[2])
}

func TestRun_exhaustsMaxRoundsWithNoOffer(t *testing.T) {
	spec := buildSpec("still thinking", "no deal yet", 2)
	bus := NewBus()
	sub := bus.Subscribe(64)

	state := Run(context.Background(), spec, bus)

	assert.Equal(t, negotiation.StatusCompleted, state.Status)
	assert.Empty(t, state.OfferHistory)

	var last Event
	for {
		select {
		case e, ok := <-sub.C:
			if !ok {
				goto done
			}
			last = e
		default:
			goto done
		}
	}
done:
	assert.Equal(t, EventNegotiationComplete, last.Type)
	assert.Nil(t, last.WinnerID)
	assert.Equal(t, "Max rounds reached", last.Reason)
}

func TestRun_cancellationStopsForwardProgress(t *testing.T) {
	spec := buildSpec("hi", "no offer here", 100)
	bus := NewBus()
	bus.Subscribe(256)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	state := Run(ctx, spec, bus)
	assert.Equal(t, negotiation.StatusFailed, state.Status)
}

func TestRun_incrementsExchangesCompletedPerSeller(t *testing.T) {
	spec := buildSpec("hi", "no offer here", 2)
	bus := NewBus()
	bus.Subscribe(256)

	state := Run(context.Background(), spec, bus)
	assert.Equal(t, 2, state.ExchangesCompleted["s1"])
}

// TestRun_sellerProviderErrorIsRecoverable exercises a persistently
// provider-failing seller: the seller is skipped for every round (no
// seller_response, no ExchangesCompleted increment) while the run itself
// continues and reaches its own terminal event.
func TestRun_sellerProviderErrorIsRecoverable(t *testing.T) {
	spec := buildSpec("hi", "", 2)
	spec.SellerAgents["s1"] = agents.NewSellerAgent(&erroringProvider{}, promptkit.New(), spec.Sellers["s1"], spec.Inventory["s1"])
	bus := NewBus()
	sub := bus.Subscribe(64)

	state := Run(context.Background(), spec, bus)

	assert.Equal(t, negotiation.StatusCompleted, state.Status)
	assert.Empty(t, state.OfferHistory)
	assert.Equal(t, 0, state.ExchangesCompleted["s1"])

	var sawRecoverableError, sawSellerResponse, sawComplete bool
	for {
		select {
		case e, ok := <-sub.C:
			if !ok {
				goto done
			}
			switch e.Type {
			case EventError:
				if e.Recoverable {
					sawRecoverableError = true
				}
			case EventSellerResponse:
				sawSellerResponse = true
			case EventNegotiationComplete:
				sawComplete = true
			}
		default:
			goto done
		}
	}
done:
	assert.True(t, sawRecoverableError)
	assert.False(t, sawSellerResponse)
	assert.True(t, sawComplete)
}

// TestRun_buyerProviderErrorIsFatal exercises a buyer whose provider calls
// never succeed: the run terminates immediately with a single non-
// recoverable terminal event, since the buyer is singular and
// indispensable.
func TestRun_buyerProviderErrorIsFatal(t *testing.T) {
	spec := buildSpec("", "no deal yet", 5)
	spec.BuyerAgent = agents.NewBuyerAgent(&erroringProvider{}, promptkit.New())
	bus := NewBus()
	sub := bus.Subscribe(64)

	state := Run(context.Background(), spec, bus)

	assert.Equal(t, negotiation.StatusFailed, state.Status)
	assert.Empty(t, state.MessageHistory)

	var events []Event
	for {
		select {
		case e, ok := <-sub.C:
			if !ok {
				goto done
			}
			events = append(events, e)
		default:
			goto done
		}
	}
done:
	require.Len(t, events, 1)
	assert.Equal(t, EventError, events[0].Type)
	assert.False(t, events[0].Recoverable)
}
