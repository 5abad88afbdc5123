// Package runs bridges the stateless orchestrator to persistence and
// metrics. It is deliberately its own package, not part of internal/app: the
// HTTP layer needs RunManager's types directly, and internal/app already
// depends on internal/httpapi to mount routes, so keeping RunManager here
// avoids an import cycle between the two.
package runs

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/student/negotiatord/internal/agents"
	"github.com/student/negotiatord/internal/metrics"
	"github.com/student/negotiatord/internal/negotiation"
	"github.com/student/negotiatord/internal/orchestrator"
	"github.com/student/negotiatord/internal/providers"
	"github.com/student/negotiatord/internal/selection"
	"github.com/student/negotiatord/internal/store"
)

// SellerSpec is one seller candidate as presented to a run request, paired
// with the private inventory SellerSelector admits or rejects against the
// buyer's constraints.
type SellerSpec struct {
	Seller    negotiation.SellerProfile
	Inventory []negotiation.InventoryItem
}

// CreateRunRequest is the run-manager's view of a POST /v1/runs payload,
// already decoded from JSON by internal/httpapi.
type CreateRunRequest struct {
	BuyerName            string
	Buyer                negotiation.BuyerConstraints
	Sellers              []SellerSpec
	MaxRounds            int
	MinNegotiationRounds int
	ConcurrencyLimit     int
	Seed                 int64
	ProviderID           string // which registered provider drives every agent in this run
}

// Validate raises a *negotiation.ConfigError synchronously, before any run
// starts or any event is emitted, per spec.md §7.
func (r CreateRunRequest) Validate() error {
	if r.BuyerName == "" {
		return &negotiation.ConfigError{Field: "buyer_name", Detail: "must not be empty"}
	}
	if r.Buyer.ItemID == "" || r.Buyer.ItemName == "" {
		return &negotiation.ConfigError{Field: "buyer.item", Detail: "item_id and item_name are required"}
	}
	if r.Buyer.QuantityNeeded <= 0 {
		return &negotiation.ConfigError{Field: "buyer.quantity_needed", Detail: "must be > 0"}
	}
	if r.Buyer.MinPricePerUnit < 0 || r.Buyer.MaxPricePerUnit < r.Buyer.MinPricePerUnit {
		return &negotiation.ConfigError{Field: "buyer.price_range", Detail: "max_price_per_unit must be >= min_price_per_unit >= 0"}
	}
	if len(r.Sellers) == 0 {
		return &negotiation.ConfigError{Field: "sellers", Detail: "at least one seller candidate is required"}
	}
	if r.MaxRounds <= 0 {
		return &negotiation.ConfigError{Field: "max_rounds", Detail: "must be > 0"}
	}
	if r.MinNegotiationRounds < 0 || r.MinNegotiationRounds > r.MaxRounds {
		return &negotiation.ConfigError{Field: "min_negotiation_rounds", Detail: "must be in [0, max_rounds]"}
	}
	if r.ConcurrencyLimit < 0 {
		return &negotiation.ConfigError{Field: "concurrency_limit", Detail: "must be >= 0"}
	}
	return nil
}

// ActiveRun is the run-manager's live handle on one in-flight or completed
// negotiation run: the event bus agents and HTTP handlers subscribe to, and
// the cancellation hook for POST /v1/runs/{id}/cancel.
type ActiveRun struct {
	RunID  string
	Bus    *orchestrator.Bus
	Cancel context.CancelFunc

	mu      sync.RWMutex
	status  negotiation.RunStatus
	state   negotiation.RunState
	outcome *negotiation.NegotiationOutcome
}

// Snapshot returns the run's current status, state, and (if terminal)
// outcome, for internal/httpapi's GET /v1/runs/{id} handler.
func (a *ActiveRun) Snapshot() (negotiation.RunStatus, negotiation.RunState, *negotiation.NegotiationOutcome) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.status, a.state, a.outcome
}

func (a *ActiveRun) setState(state negotiation.RunState, outcome *negotiation.NegotiationOutcome) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.status = state.Status
	a.state = state
	a.outcome = outcome
}

// RunManager owns every negotiation run's lifecycle: admitting sellers,
// wiring agents to a single shared provider, starting the orchestrator on
// its own goroutine, and persisting the run and its transcript to Store. The
// orchestrator itself never touches Store directly (spec.md §6); this is
// the wrapper that does it, exactly as a Temporal activity or an HTTP
// handler would.
type RunManager struct {
	store   store.Store
	metrics *metrics.Registry
	builder agents.PromptBuilder
	logger  *slog.Logger

	providersMu sync.RWMutex
	providers   map[string]providers.Provider

	mu   sync.RWMutex
	runs map[string]*ActiveRun
}

// NewRunManager constructs a RunManager with no providers registered yet;
// call RegisterProvider before accepting run requests that reference it.
// Defaulting of unset CreateRunRequest fields (max rounds, concurrency, ...)
// is internal/httpapi's job, from internal/app.Config, before StartRun sees
// the request: RunManager itself takes every field as given and validates it.
func NewRunManager(s store.Store, m *metrics.Registry, builder agents.PromptBuilder, logger *slog.Logger) *RunManager {
	return &RunManager{
		store:     s,
		metrics:   m,
		builder:   builder,
		logger:    logger,
		providers: make(map[string]providers.Provider),
		runs:      make(map[string]*ActiveRun),
	}
}

// RegisterProvider makes a backend available to be selected by ProviderID
// on a CreateRunRequest.
func (rm *RunManager) RegisterProvider(id string, p providers.Provider) {
	rm.providersMu.Lock()
	defer rm.providersMu.Unlock()
	rm.providers[id] = p
}

func (rm *RunManager) provider(id string) (providers.Provider, bool) {
	rm.providersMu.RLock()
	defer rm.providersMu.RUnlock()
	if id == "" {
		// No explicit provider requested: fall back to whichever single
		// provider is registered, if exactly one is.
		if len(rm.providers) == 1 {
			for _, p := range rm.providers {
				return p, true
			}
		}
		return nil, false
	}
	p, ok := rm.providers[id]
	return p, ok
}

func newRunID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return "run-" + hex.EncodeToString(b)
}

// NewRunID generates a run ID using the same scheme StartRun/RunSync assign
// internally. internal/httpapi calls this to mint a run ID up front for a
// durable (Temporal-backed) run, so the run can be polled via GetRun before
// the workflow's activity ever calls RunSync.
func NewRunID() string {
	return newRunID()
}

// preparedRun is everything admission and spec assembly produce for one
// CreateRunRequest, shared by StartRun (async, goroutine-driven) and RunSync
// (blocking, for internal/recovery's Temporal activity).
type preparedRun struct {
	runID   string
	spec    orchestrator.RunSpec
	ar      *ActiveRun
	skipped []selection.Skipped
}

// prepareRun admits sellers and assembles a RunSpec for req. If runID is
// empty, one is generated; the durable-run path (internal/recovery) instead
// passes the ID it already handed back to the HTTP caller, so GetRun can
// find the run under the same ID the client is polling.
func (rm *RunManager) prepareRun(runID string, req CreateRunRequest) (*preparedRun, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	prov, ok := rm.provider(req.ProviderID)
	if !ok {
		return nil, &negotiation.ConfigError{Field: "provider_id", Detail: fmt.Sprintf("provider %q is not registered", req.ProviderID)}
	}

	candidates := make([]selection.Candidate, 0, len(req.Sellers))
	for _, s := range req.Sellers {
		candidates = append(candidates, selection.Candidate{Seller: s.Seller, Inventory: s.Inventory})
	}
	admitted, skipped := selection.Select(req.Buyer, candidates)

	if runID == "" {
		runID = newRunID()
	}

	if len(admitted) == 0 {
		return &preparedRun{runID: runID, skipped: skipped}, &negotiation.NoSellersAvailableError{RunID: runID}
	}

	activeSellers := make([]string, len(admitted))
	sellerProfiles := make(map[string]negotiation.SellerProfile, len(admitted))
	inventory := make(map[string]negotiation.InventoryItem, len(admitted))
	sellerAgents := make(map[string]*agents.SellerAgent, len(admitted))
	for i, a := range admitted {
		activeSellers[i] = a.Seller.SellerID
		sellerProfiles[a.Seller.SellerID] = a.Seller
		inventory[a.Seller.SellerID] = a.Inventory
		sellerAgents[a.Seller.SellerID] = agents.NewSellerAgent(prov, rm.builder, a.Seller, a.Inventory)
	}

	spec := orchestrator.RunSpec{
		RunID:                runID,
		BuyerName:            req.BuyerName,
		Buyer:                req.Buyer,
		Sellers:              sellerProfiles,
		Inventory:            inventory,
		ActiveSellers:        activeSellers,
		MaxRounds:            req.MaxRounds,
		MinNegotiationRounds: req.MinNegotiationRounds,
		ConcurrencyLimit:     req.ConcurrencyLimit,
		Seed:                 req.Seed,
		BuyerAgent:           agents.NewBuyerAgent(prov, rm.builder),
		SellerAgents:         sellerAgents,
	}

	bus := orchestrator.NewBus()
	ar := &ActiveRun{RunID: runID, Bus: bus, Cancel: func() {}, status: negotiation.StatusPending}
	rm.mu.Lock()
	rm.runs[runID] = ar
	rm.mu.Unlock()

	// Subscribe the store-teeing consumer before Run is ever invoked, per
	// orchestrator.Run's documented contract, so no early event is missed.
	teeSub := bus.Subscribe(256)
	ctx := context.Background()

	if err := rm.persistRunCreated(ctx, runID, req); err != nil {
		rm.logger.Warn("failed to persist run header", slog.String("run_id", runID), slog.String("error", err.Error()))
	}
	for _, sk := range skipped {
		if err := rm.store.LogSkip(ctx, store.SkipRecord{RunID: runID, SellerID: sk.SellerID, Reason: string(sk.Reason), Timestamp: time.Now()}); err != nil {
			rm.logger.Warn("failed to log skipped seller", slog.String("run_id", runID), slog.String("seller_id", sk.SellerID), slog.String("error", err.Error()))
		}
	}

	go rm.teeEvents(runID, teeSub)

	return &preparedRun{runID: runID, spec: spec, ar: ar, skipped: skipped}, nil
}

// StartRun validates req, runs seller admission, and starts the run on its
// own goroutine. It returns the ActiveRun handle immediately — the caller
// (internal/httpapi) does not block on negotiation completion.
func (rm *RunManager) StartRun(req CreateRunRequest) (*ActiveRun, []selection.Skipped, error) {
	p, err := rm.prepareRun("", req)
	if err != nil {
		var skipped []selection.Skipped
		if p != nil {
			skipped = p.skipped
		}
		return nil, skipped, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	p.ar.Cancel = cancel

	go func() {
		state := orchestrator.Run(runCtx, p.spec, p.ar.Bus)
		rm.finishRun(p.runID, state)
	}()

	return p.ar, p.skipped, nil
}

// RunSync behaves like StartRun but blocks the calling goroutine until the
// run reaches a terminal state, returning its outcome directly instead of
// an ActiveRun handle to poll. internal/recovery's Temporal activity calls
// this: a worker crash mid-negotiation fails the activity outright (it is
// not retried), rather than leaving a
// half-finished ActiveRun with no corresponding workflow history entry.
// ctx's cancellation is forwarded to orchestrator.Run, so a workflow
// cancellation request stops the run at its next turn boundary exactly as
// POST /v1/runs/{id}/cancel does for an async run. runID, if non-empty, is
// reused as the run's ID instead of generating a new one, so a durable run
// started via internal/recovery can be polled under the ID the HTTP layer
// already returned to the client.
func (rm *RunManager) RunSync(ctx context.Context, runID string, req CreateRunRequest) (*ActiveRun, error) {
	p, err := rm.prepareRun(runID, req)
	if err != nil {
		return nil, err
	}

	state := orchestrator.Run(ctx, p.spec, p.ar.Bus)
	rm.finishRun(p.runID, state)
	return p.ar, nil
}

// GetRun returns the ActiveRun handle for runID, or false if unknown.
func (rm *RunManager) GetRun(runID string) (*ActiveRun, bool) {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	ar, ok := rm.runs[runID]
	return ar, ok
}

// CancelRun signals the run's context to stop; the orchestrator observes
// ctx.Err() at its next turn boundary and terminates the run as failed.
func (rm *RunManager) CancelRun(runID string) bool {
	ar, ok := rm.GetRun(runID)
	if !ok {
		return false
	}
	ar.Cancel()
	return true
}

// finishRun records the orchestrator's terminal RunState on the ActiveRun
// handle, persists the outcome, and records terminal metrics.
func (rm *RunManager) finishRun(runID string, state negotiation.RunState) {
	ar, ok := rm.GetRun(runID)
	if !ok {
		return
	}

	outcome := outcomeFromState(state)
	ar.setState(state, outcome)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := rm.store.UpdateRunStatus(ctx, runID, string(state.Status)); err != nil {
		rm.logger.Warn("failed to update run status", slog.String("run_id", runID), slog.String("error", err.Error()))
	}
	if err := rm.PersistTranscript(ctx, runID, state); err != nil {
		rm.logger.Warn("failed to persist run transcript", slog.String("run_id", runID), slog.String("error", err.Error()))
	}
	if outcome != nil {
		rec := store.OutcomeRecord{
			RunID:       runID,
			TotalRounds: outcome.TotalRounds,
			Reason:      outcome.Reason,
			DecidedAt:   outcome.DecidedAt,
		}
		if outcome.WinnerID != nil {
			rec.WinnerID = *outcome.WinnerID
		}
		if outcome.WinningOffer != nil {
			rec.WinningOfferID = outcome.WinningOffer.OfferID
		}
		if err := rm.store.SaveOutcome(ctx, rec); err != nil {
			rm.logger.Warn("failed to save outcome", slog.String("run_id", runID), slog.String("error", err.Error()))
		}
	}

	status := string(state.Status)
	if rm.metrics != nil {
		rm.metrics.RunsTotal.WithLabelValues(status).Inc()
		rm.metrics.RunDurationRounds.WithLabelValues(status).Observe(float64(state.CurrentRound + 1))
	}
}

// outcomeFromState derives a NegotiationOutcome from the orchestrator's
// final RunState, mirroring the decision the orchestrator already made and
// published on EventNegotiationComplete; RunState itself carries no
// standalone outcome field, so the wrapper reconstructs it from the
// accepted offer (if any) for persistence and API responses.
func outcomeFromState(state negotiation.RunState) *negotiation.NegotiationOutcome {
	if state.Status != negotiation.StatusCompleted && state.Status != negotiation.StatusFailed {
		return nil
	}
	out := &negotiation.NegotiationOutcome{
		TotalRounds: state.CurrentRound + 1,
		DecidedAt:   time.Now(),
	}
	for i := range state.OfferHistory {
		o := state.OfferHistory[i]
		if o.Status == negotiation.OfferAccepted {
			winner := o.SellerID
			out.WinnerID = &winner
			out.WinningOffer = &o
			out.Reason = "offer accepted"
			return out
		}
	}
	if state.Status == negotiation.StatusFailed {
		out.Reason = "run failed"
	} else {
		out.Reason = "max rounds reached"
	}
	return out
}

// teeEvents drains a run's subscriber, counting offer metrics and logging
// error events. It writes nothing to Store; the transcript is persisted by
// PersistTranscript once the run ends.
func (rm *RunManager) teeEvents(runID string, sub *orchestrator.Subscriber) {
	for e := range sub.C {
		rm.recordEvent(runID, e)
	}
}

func (rm *RunManager) recordEvent(runID string, e orchestrator.Event) {
	switch e.Type {
	case orchestrator.EventBuyerMessage:
		// Message bodies are appended by the orchestrator's own state, not
		// reconstructable from the event alone; the canonical transcript is
		// persisted from finishRun's state snapshot via PersistTranscript.
	case orchestrator.EventSellerResponse:
		if e.HasOffer && rm.metrics != nil {
			rm.metrics.OffersTotal.WithLabelValues(string(negotiation.OfferPending)).Inc()
		}
	case orchestrator.EventNegotiationComplete:
		if e.WinnerID != nil && rm.metrics != nil {
			rm.metrics.OffersTotal.WithLabelValues(string(negotiation.OfferAccepted)).Inc()
		}
	case orchestrator.EventError:
		rm.logger.Warn("run error event", slog.String("run_id", runID), slog.Int("round", e.Round), slog.String("reason", e.Reason), slog.Bool("recoverable", e.Recoverable))
	}
}

func (rm *RunManager) persistRunCreated(ctx context.Context, runID string, req CreateRunRequest) error {
	now := time.Now()
	return rm.store.CreateRun(ctx, store.RunRecord{
		RunID:                runID,
		Status:               string(negotiation.StatusPending),
		BuyerName:            req.BuyerName,
		ItemID:               req.Buyer.ItemID,
		ItemName:             req.Buyer.ItemName,
		MaxRounds:            req.MaxRounds,
		MinNegotiationRounds: req.MinNegotiationRounds,
		Seed:                 req.Seed,
		CreatedAt:            now,
		UpdatedAt:            now,
	})
}

// PersistTranscript appends every message/offer in state to Store. Called
// once a run reaches a terminal status, since the orchestrator hands back
// its full history only at that point. internal/recovery's activity goes
// through RunSync, so its runs are persisted the same way, at the end.
func (rm *RunManager) PersistTranscript(ctx context.Context, runID string, state negotiation.RunState) error {
	for _, m := range state.MessageHistory {
		rec := store.MessageRecord{
			RunID:          runID,
			MessageID:      m.MessageID,
			RoundNumber:    m.RoundNumber,
			TurnIndex:      m.TurnIndex,
			SenderType:     string(m.SenderType),
			SenderID:       m.SenderID,
			Content:        m.Content,
			TargetSellerID: m.TargetSellerID,
			Timestamp:      m.Timestamp,
		}
		if err := rm.store.AppendMessage(ctx, rec); err != nil {
			return fmt.Errorf("persist message %s: %w", m.MessageID, err)
		}
	}
	for _, o := range state.OfferHistory {
		rec := store.OfferRecord{
			RunID:          runID,
			OfferID:        o.OfferID,
			SellerID:       o.SellerID,
			Price:          o.Price,
			Quantity:       o.Quantity,
			Status:         string(o.Status),
			CreatedAtRound: o.CreatedAtRound,
			MessageID:      o.MessageID,
		}
		if err := rm.store.AppendOffer(ctx, rec); err != nil {
			return fmt.Errorf("persist offer %s: %w", o.OfferID, err)
		}
	}
	return nil
}
