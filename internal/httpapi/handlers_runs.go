package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.temporal.io/sdk/client"

	"github.com/student/negotiatord/internal/negotiation"
	"github.com/student/negotiatord/internal/recovery"
	"github.com/student/negotiatord/internal/runs"
)

// createRunBody is the wire shape of a POST /v1/runs request: buyer
// constraints plus every seller candidate's profile and private inventory,
// decoded before SellerSelector ever sees it.
type createRunBody struct {
	BuyerName            string                `json:"buyer_name"`
	Buyer                buyerConstraintsBody  `json:"buyer"`
	Sellers              []sellerSpecBody      `json:"sellers"`
	MaxRounds            int                   `json:"max_rounds,omitempty"`
	MinNegotiationRounds int                   `json:"min_negotiation_rounds,omitempty"`
	ConcurrencyLimit     int                   `json:"concurrency_limit,omitempty"`
	Seed                 int64                 `json:"seed,omitempty"`
	ProviderID           string                `json:"provider_id,omitempty"`
}

type buyerConstraintsBody struct {
	ItemID          string   `json:"item_id"`
	ItemName        string   `json:"item_name"`
	QuantityNeeded  int      `json:"quantity_needed"`
	MinPricePerUnit float64  `json:"min_price_per_unit"`
	MaxPricePerUnit float64  `json:"max_price_per_unit"`
	BudgetPerItem   *float64 `json:"budget_per_item,omitempty"`
}

type sellerSpecBody struct {
	Seller    sellerProfileBody     `json:"seller"`
	Inventory []inventoryItemBody   `json:"inventory"`
}

type sellerProfileBody struct {
	SellerID      string `json:"seller_id"`
	DisplayName   string `json:"display_name"`
	Priority      string `json:"priority"`
	SpeakingStyle string `json:"speaking_style"`
}

type inventoryItemBody struct {
	ItemID            string  `json:"item_id"`
	ItemName          string  `json:"item_name"`
	CostPrice         float64 `json:"cost_price"`
	SellingPrice      float64 `json:"selling_price"`
	LeastPrice        float64 `json:"least_price"`
	QuantityAvailable int     `json:"quantity_available"`
}

func (b createRunBody) toRequest(d Dependencies) runs.CreateRunRequest {
	req := runs.CreateRunRequest{
		BuyerName: b.BuyerName,
		Buyer: negotiation.BuyerConstraints{
			ItemID:          b.Buyer.ItemID,
			ItemName:        b.Buyer.ItemName,
			QuantityNeeded:  b.Buyer.QuantityNeeded,
			MinPricePerUnit: b.Buyer.MinPricePerUnit,
			MaxPricePerUnit: b.Buyer.MaxPricePerUnit,
			BudgetPerItem:   b.Buyer.BudgetPerItem,
		},
		MaxRounds:            b.MaxRounds,
		MinNegotiationRounds: b.MinNegotiationRounds,
		ConcurrencyLimit:     b.ConcurrencyLimit,
		Seed:                 b.Seed,
		ProviderID:           b.ProviderID,
	}
	if req.MaxRounds == 0 {
		req.MaxRounds = d.DefaultMaxRounds
	}
	if req.MinNegotiationRounds == 0 {
		req.MinNegotiationRounds = d.DefaultMinNegotiationRounds
	}
	if req.ConcurrencyLimit == 0 {
		req.ConcurrencyLimit = d.DefaultConcurrencyLimit
	}
	for _, s := range b.Sellers {
		spec := runs.SellerSpec{
			Seller: negotiation.SellerProfile{
				SellerID:      s.Seller.SellerID,
				DisplayName:   s.Seller.DisplayName,
				Priority:      negotiation.Priority(s.Seller.Priority),
				SpeakingStyle: negotiation.SpeakingStyle(s.Seller.SpeakingStyle),
			},
		}
		for _, inv := range s.Inventory {
			spec.Inventory = append(spec.Inventory, negotiation.InventoryItem{
				ItemID:            inv.ItemID,
				ItemName:          inv.ItemName,
				CostPrice:         inv.CostPrice,
				SellingPrice:      inv.SellingPrice,
				LeastPrice:        inv.LeastPrice,
				QuantityAvailable: inv.QuantityAvailable,
			})
		}
		req.Sellers = append(req.Sellers, spec)
	}
	return req
}

// CreateRunHandler starts a new negotiation run and returns its run ID and
// status immediately. By default the run proceeds on its own goroutine
// (d.Runs.StartRun); passing ?durable=true instead starts it as a Temporal
// workflow (NegotiationRunWorkflow), so a worker crash mid-negotiation fails
// the workflow visibly rather than being silently lost (the activity is not
// retried). Durable mode requires d.TemporalClient
// to be configured; otherwise it is rejected rather than silently ignored.
func CreateRunHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body createRunBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			jsonError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}

		req := body.toRequest(d)

		if r.URL.Query().Get("durable") == "true" {
			createDurableRun(d, w, r, req)
			return
		}

		respondStartRun(d, w, req)
	}
}

// respondStartRun starts req directly via RunManager.StartRun and writes the
// 202 response both CreateRunHandler's non-durable path and
// createDurableRun's circuit-open fallback share.
func respondStartRun(d Dependencies, w http.ResponseWriter, req runs.CreateRunRequest) {
	ar, skipped, err := d.Runs.StartRun(req)
	if err != nil {
		writeRunError(w, err)
		return
	}

	resp := map[string]any{
		"run_id": ar.RunID,
		"status": negotiation.StatusPending,
	}
	if len(skipped) > 0 {
		skippedOut := make([]map[string]string, len(skipped))
		for i, sk := range skipped {
			skippedOut[i] = map[string]string{"seller_id": sk.SellerID, "reason": string(sk.Reason)}
		}
		resp["skipped_sellers"] = skippedOut
	}
	writeJSON(w, http.StatusAccepted, resp)
}

// createDurableRun hands req to Temporal instead of RunManager directly. The
// run ID is minted up front (runs.NewRunID) so it can be returned to the
// caller and later looked up via GetRunHandler/d.Runs.GetRun once the
// workflow's activity registers it — the same ID doubles as the workflow
// ID, so the run and its workflow are always one-to-one.
//
// d.CircuitBreaker gates the Temporal dispatch itself (separate from the
// per-LLM-provider breakers wired into each provider's HTTPProvider): if
// Temporal has been failing, Allow() returns false and the run falls back
// to a direct (non-durable) start rather than queuing onto a backend
// likely to fail the same way, incrementing TemporalFallbackTotal so an
// operator can see how often that happens.
func createDurableRun(d Dependencies, w http.ResponseWriter, r *http.Request, req runs.CreateRunRequest) {
	if d.TemporalClient == nil {
		jsonError(w, "durable runs require Temporal to be configured", http.StatusServiceUnavailable)
		return
	}
	if err := req.Validate(); err != nil {
		writeRunError(w, err)
		return
	}

	if d.CircuitBreaker != nil && !d.CircuitBreaker.Allow() {
		if d.Metrics != nil {
			d.Metrics.TemporalFallbackTotal.Inc()
		}
		respondStartRun(d, w, req)
		return
	}

	runID := runs.NewRunID()
	input := recovery.RunWorkflowInput{RunID: runID, Request: req}

	opts := client.StartWorkflowOptions{
		ID:        runID,
		TaskQueue: d.TemporalTaskQueue,
	}
	if _, err := d.TemporalClient.ExecuteWorkflow(r.Context(), opts, recovery.NegotiationRunWorkflow, input); err != nil {
		if d.CircuitBreaker != nil {
			d.CircuitBreaker.RecordFailure()
		}
		jsonError(w, fmt.Sprintf("failed to start durable run: %v", err), http.StatusInternalServerError)
		return
	}
	if d.CircuitBreaker != nil {
		d.CircuitBreaker.RecordSuccess()
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"run_id":  runID,
		"status":  negotiation.StatusPending,
		"durable": true,
	})
}

// GetRunHandler reports a run's current status and, once terminal, its
// decided outcome.
func GetRunHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		runID := chi.URLParam(r, "id")
		ar, ok := d.Runs.GetRun(runID)
		if !ok {
			jsonError(w, "run not found", http.StatusNotFound)
			return
		}
		status, state, outcome := ar.Snapshot()
		resp := map[string]any{
			"run_id":           runID,
			"status":           status,
			"current_round":    state.CurrentRound,
			"messages_count":   len(state.MessageHistory),
			"offers_count":     len(state.OfferHistory),
			"active_sellers":   state.ActiveSellers,
		}
		if outcome != nil {
			outResp := map[string]any{
				"total_rounds": outcome.TotalRounds,
				"reason":       outcome.Reason,
				"decided_at":   outcome.DecidedAt.Format(time.RFC3339),
			}
			if outcome.WinnerID != nil {
				outResp["winner_id"] = *outcome.WinnerID
			}
			if outcome.WinningOffer != nil {
				outResp["winning_offer"] = map[string]any{
					"offer_id": outcome.WinningOffer.OfferID,
					"price":    outcome.WinningOffer.Price,
					"quantity": outcome.WinningOffer.Quantity,
				}
			}
			resp["outcome"] = outResp
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// CancelRunHandler signals a run to stop at its next turn boundary.
func CancelRunHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		runID := chi.URLParam(r, "id")
		if !d.Runs.CancelRun(runID) {
			jsonError(w, "run not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID, "status": "cancelling"})
	}
}

// ListRunsHandler is the admin-surface view of every persisted run header.
func ListRunsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		records, err := d.Store.ListRuns(r.Context(), 100, 0)
		if err != nil {
			jsonError(w, "failed to list runs: "+err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, records)
	}
}

// writeRunError maps a typed negotiation error to the right HTTP status:
// ConfigError is a caller mistake (400), NoSellersAvailableError means no
// seller was admitted (422), every other failure is internal (500).
func writeRunError(w http.ResponseWriter, err error) {
	var cfgErr *negotiation.ConfigError
	var noSellersErr *negotiation.NoSellersAvailableError
	switch {
	case errors.As(err, &cfgErr):
		jsonError(w, err.Error(), http.StatusBadRequest)
	case errors.As(err, &noSellersErr):
		jsonError(w, err.Error(), http.StatusUnprocessableEntity)
	default:
		jsonError(w, err.Error(), http.StatusInternalServerError)
	}
}
